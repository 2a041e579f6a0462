package api

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/snarg/commcoach/internal/feedback"
	"github.com/snarg/commcoach/internal/session"
	"github.com/snarg/commcoach/internal/storage"
	"github.com/snarg/commcoach/internal/transcribe"
)

// AnalysisHandler serves the results view: playback, transcript and feedback
// for the session's active clip.
type AnalysisHandler struct {
	log zerolog.Logger
}

func NewAnalysisHandler(log zerolog.Logger) *AnalysisHandler {
	return &AnalysisHandler{log: log.With().Str("handler", "analysis").Logger()}
}

// Routes registers analysis routes. All of them require an active clip.
func (h *AnalysisHandler) Routes(r chi.Router) {
	r.Route("/analysis", func(r chi.Router) {
		r.Get("/", h.GetState)
		r.Delete("/", h.Close)
		r.Post("/playback/toggle", h.TogglePlay)
		r.Post("/playback/mute", h.ToggleMute)
		r.Post("/playback/metadata", h.Metadata)
		r.Post("/playback/position", h.Position)
		r.Post("/playback/ended", h.Ended)
		r.Post("/transcript", h.Transcribe)
		r.Get("/transcript", h.GetTranscript)
		r.Get("/feedback", h.GetFeedback)
	})
}

func (h *AnalysisHandler) analysis(w http.ResponseWriter, r *http.Request) (*session.Analysis, bool) {
	a, err := SessionFromContext(r.Context()).Analysis()
	if err != nil {
		writeDomainError(w, err)
		return nil, false
	}
	return a, true
}

// GetState handles GET /api/v1/analysis.
func (h *AnalysisHandler) GetState(w http.ResponseWriter, r *http.Request) {
	a, ok := h.analysis(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, a.State())
}

// Close handles DELETE /api/v1/analysis: leaving the results view stops
// polling and revokes the media link.
func (h *AnalysisHandler) Close(w http.ResponseWriter, r *http.Request) {
	SessionFromContext(r.Context()).CloseAnalysis()
	w.WriteHeader(http.StatusNoContent)
}

func (h *AnalysisHandler) TogglePlay(w http.ResponseWriter, r *http.Request) {
	a, ok := h.analysis(w, r)
	if !ok {
		return
	}
	p := a.Player()
	p.TogglePlayPause()
	WriteJSON(w, http.StatusOK, p.State())
}

func (h *AnalysisHandler) ToggleMute(w http.ResponseWriter, r *http.Request) {
	a, ok := h.analysis(w, r)
	if !ok {
		return
	}
	p := a.Player()
	p.ToggleMute()
	WriteJSON(w, http.StatusOK, p.State())
}

type secondsBody struct {
	Seconds float64 `json:"seconds"`
}

// Metadata handles POST /api/v1/analysis/playback/metadata with the duration
// reported once the media element has loaded.
func (h *AnalysisHandler) Metadata(w http.ResponseWriter, r *http.Request) {
	var body secondsBody
	if err := DecodeJSON(r, &body); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	a, ok := h.analysis(w, r)
	if !ok {
		return
	}
	if err := a.SetDuration(r.Context(), body.Seconds); err != nil {
		if status, _ := statusFor(err); status == http.StatusInternalServerError {
			WriteErrorDetail(w, http.StatusBadRequest, "invalid duration", err.Error())
			return
		}
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, a.Player().State())
}

// Position handles POST /api/v1/analysis/playback/position.
func (h *AnalysisHandler) Position(w http.ResponseWriter, r *http.Request) {
	var body secondsBody
	if err := DecodeJSON(r, &body); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	a, ok := h.analysis(w, r)
	if !ok {
		return
	}
	p := a.Player()
	if err := p.UpdatePosition(body.Seconds); err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, p.State())
}

func (h *AnalysisHandler) Ended(w http.ResponseWriter, r *http.Request) {
	a, ok := h.analysis(w, r)
	if !ok {
		return
	}
	p := a.Player()
	p.Ended()
	WriteJSON(w, http.StatusOK, p.State())
}

// Transcribe handles POST /api/v1/analysis/transcript. A pending request is
// reported as a conflict; a failed one can be retried. An available transcript
// is returned unchanged.
func (h *AnalysisHandler) Transcribe(w http.ResponseWriter, r *http.Request) {
	a, ok := h.analysis(w, r)
	if !ok {
		return
	}
	req, err := a.Transcribe(r.Context())
	if err != nil {
		if errors.Is(err, transcribe.ErrAlreadyAvailable) {
			WriteJSON(w, http.StatusOK, req)
			return
		}
		if errors.Is(err, transcribe.ErrTranscription) {
			// The failed request is the result; the client may retry.
			WriteJSON(w, http.StatusAccepted, req)
			return
		}
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, req)
}

// GetTranscript handles GET /api/v1/analysis/transcript.
func (h *AnalysisHandler) GetTranscript(w http.ResponseWriter, r *http.Request) {
	a, ok := h.analysis(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, a.Transcript())
}

// GetFeedback handles GET /api/v1/analysis/feedback[?profile=static].
func (h *AnalysisHandler) GetFeedback(w http.ResponseWriter, r *http.Request) {
	a, ok := h.analysis(w, r)
	if !ok {
		return
	}
	profile, _ := QueryString(r, "profile")
	res, err := a.Feedback(feedback.ParseProfile(profile))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

// FeedbackHandler runs the heuristics on a transcript supplied by the caller.
type FeedbackHandler struct{}

func (FeedbackHandler) Routes(r chi.Router) {
	r.Post("/feedback", FeedbackHandler{}.Generate)
}

// Generate handles POST /api/v1/feedback.
func (FeedbackHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Transcript      string   `json:"transcript"`
		DurationSeconds *float64 `json:"duration_seconds"`
		Profile         string   `json:"profile"`
	}
	if err := DecodeJSON(r, &body); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	profile := feedback.ParseProfile(body.Profile)
	resp := struct {
		Profile string          `json:"profile"`
		Items   []feedback.Item `json:"items"`
		Stats   *feedback.Stats `json:"stats,omitempty"`
	}{Profile: string(profile)}
	if profile == feedback.ProfileStatic {
		resp.Items = feedback.Static()
	} else {
		stats := feedback.Measure(body.Transcript, body.DurationSeconds)
		resp.Stats = &stats
		resp.Items = feedback.FromStats(stats)
	}
	WriteJSON(w, http.StatusOK, resp)
}

// MediaHandler serves clips behind revocable link tokens. Tokens are the
// credential, so the route is outside session auth.
type MediaHandler struct {
	links *session.Links
	clips storage.ClipStore
	log   zerolog.Logger
}

func NewMediaHandler(links *session.Links, clips storage.ClipStore, log zerolog.Logger) *MediaHandler {
	return &MediaHandler{links: links, clips: clips, log: log.With().Str("handler", "media").Logger()}
}

func (h *MediaHandler) Routes(r chi.Router) {
	r.Get("/media/{token}", h.Serve)
}

// Serve handles GET /api/v1/media/{token} with range support.
func (h *MediaHandler) Serve(w http.ResponseWriter, r *http.Request) {
	clip, ok := h.links.Resolve(chi.URLParam(r, "token"))
	if !ok {
		WriteError(w, http.StatusNotFound, "media not found")
		return
	}
	data := clip.Bytes
	if data == nil && h.clips != nil && clip.StorageKey != "" {
		rc, err := h.clips.Open(r.Context(), clip.StorageKey)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				WriteError(w, http.StatusNotFound, "media not found")
				return
			}
			h.log.Error().Err(err).Str("clip_id", clip.ID).Msg("failed to open clip")
			WriteError(w, http.StatusInternalServerError, "failed to open clip")
			return
		}
		defer rc.Close()
		if data, err = io.ReadAll(rc); err != nil {
			h.log.Error().Err(err).Str("clip_id", clip.ID).Msg("failed to read clip")
			WriteError(w, http.StatusInternalServerError, "failed to read clip")
			return
		}
	}
	w.Header().Set("Content-Type", clip.MimeType)
	w.Header().Set("Cache-Control", "private, no-store")
	http.ServeContent(w, r, clip.UploadName(), time.Time{}, bytes.NewReader(data))
}
