package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/snarg/commcoach/internal/auth"
	"github.com/snarg/commcoach/internal/session"
)

// AuthResult is the body returned by the OTP endpoints.
type AuthResult struct {
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
	Token       string `json:"token,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

type AuthHandler struct {
	provider auth.Provider
	sessions *session.Manager
	log      zerolog.Logger
}

func NewAuthHandler(provider auth.Provider, sessions *session.Manager, log zerolog.Logger) *AuthHandler {
	return &AuthHandler{
		provider: provider,
		sessions: sessions,
		log:      log.With().Str("handler", "auth").Logger(),
	}
}

// Routes registers the unauthenticated sign-in endpoints.
func (h *AuthHandler) Routes(r chi.Router) {
	r.Post("/auth/otp", h.SendCode)
	r.Post("/auth/verify", h.Verify)
}

// SessionRoutes registers endpoints that need a signed-in session.
func (h *AuthHandler) SessionRoutes(r chi.Router) {
	r.Post("/auth/logout", h.Logout)
	r.Get("/me", h.Me)
}

// SendCode handles POST /api/v1/auth/otp.
func (h *AuthHandler) SendCode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := DecodeJSON(r, &body); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	email, err := auth.NormalizeEmail(body.Email)
	if err != nil {
		WriteJSON(w, http.StatusBadRequest, AuthResult{Error: "Please enter a valid email address."})
		return
	}
	if err := h.provider.SendCode(r.Context(), email); err != nil {
		h.log.Warn().Err(err).Str("email", email).Msg("otp send failed")
		WriteJSON(w, http.StatusBadGateway, AuthResult{Error: auth.SendFailedMessage})
		return
	}
	WriteJSON(w, http.StatusOK, AuthResult{Success: true})
}

// Verify handles POST /api/v1/auth/verify and opens a session on success.
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if err := DecodeJSON(r, &body); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	email, err := auth.NormalizeEmail(body.Email)
	if err == nil {
		err = h.provider.VerifyCode(r.Context(), email, body.Code)
	}
	if err != nil {
		if auth.IsVerifyFailure(err) {
			WriteJSON(w, http.StatusUnauthorized, AuthResult{Error: auth.VerifyFailedMessage})
			return
		}
		h.log.Error().Err(err).Str("email", email).Msg("otp verify failed")
		WriteJSON(w, http.StatusBadGateway, AuthResult{Error: auth.VerifyFailedMessage})
		return
	}

	sc, err := h.sessions.Login(r.Context(), email)
	if err != nil {
		h.log.Error().Err(err).Str("email", email).Msg("failed to create session")
		WriteError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	WriteJSON(w, http.StatusOK, AuthResult{Success: true, Token: sc.Token, DisplayName: sc.DisplayName})
}

// Logout handles POST /api/v1/auth/logout. Capture and analysis are torn down.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	sc := SessionFromContext(r.Context())
	if err := h.sessions.Logout(r.Context(), sc.Token); err != nil {
		h.log.Warn().Err(err).Msg("logout failed")
	}
	WriteJSON(w, http.StatusOK, AuthResult{Success: true})
}

// Me handles GET /api/v1/me.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, SessionFromContext(r.Context()).Me())
}
