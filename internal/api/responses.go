package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/snarg/commcoach/internal/capture"
	"github.com/snarg/commcoach/internal/media"
	"github.com/snarg/commcoach/internal/playback"
	"github.com/snarg/commcoach/internal/session"
	"github.com/snarg/commcoach/internal/storage"
	"github.com/snarg/commcoach/internal/transcribe"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the standard error response body.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorResponse{Error: msg})
}

// WriteErrorDetail writes a JSON error response with detail.
func WriteErrorDetail(w http.ResponseWriter, status int, msg, detail string) {
	WriteJSON(w, status, ErrorResponse{Error: msg, Detail: detail})
}

// statusFor maps a domain error to an HTTP status and a short client message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, capture.ErrPermission):
		return http.StatusForbidden, "permission denied"
	case errors.Is(err, capture.ErrNoRecording):
		return http.StatusUnprocessableEntity, "no recording found"
	case errors.Is(err, session.ErrNoActiveClip):
		return http.StatusConflict, "no recording found"
	case errors.Is(err, session.ErrNoTranscript):
		return http.StatusConflict, "transcript not available"
	case errors.Is(err, transcribe.ErrPending):
		return http.StatusConflict, "transcription already pending"
	case errors.Is(err, transcribe.ErrAlreadyAvailable):
		return http.StatusConflict, "transcript already available"
	case errors.Is(err, capture.ErrInvalidState),
		errors.Is(err, capture.ErrChunkOutOfOrder),
		errors.Is(err, capture.ErrNoDevice):
		return http.StatusConflict, "invalid capture state"
	case errors.Is(err, playback.ErrNoSource):
		return http.StatusConflict, "no clip attached"
	case errors.Is(err, capture.ErrClosed),
		errors.Is(err, session.ErrClosed),
		errors.Is(err, transcribe.ErrClosed),
		errors.Is(err, transcribe.ErrCancelled):
		return http.StatusGone, "session closed"
	case errors.Is(err, media.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "clip too large"
	case errors.Is(err, media.ErrEmpty), errors.Is(err, media.ErrUnsupported):
		return http.StatusBadRequest, "invalid media"
	case errors.Is(err, storage.ErrProvisioning):
		return http.StatusServiceUnavailable, "storage unavailable"
	case errors.Is(err, transcribe.ErrTranscription):
		return http.StatusBadGateway, "transcription failed"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// writeDomainError writes err with the status statusFor assigns. Internal
// errors carry no detail.
func writeDomainError(w http.ResponseWriter, err error) {
	status, msg := statusFor(err)
	if status == http.StatusInternalServerError {
		WriteError(w, status, msg)
		return
	}
	WriteErrorDetail(w, status, msg, err.Error())
}

// QueryString extracts a non-empty string query parameter.
func QueryString(r *http.Request, name string) (string, bool) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return "", false
	}
	return v, true
}

// DecodeJSON reads and decodes a JSON request body into v.
func DecodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return fmt.Errorf("missing request body")
	}
	return json.NewDecoder(r.Body).Decode(v)
}
