package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/snarg/commcoach/internal/capture"
	"github.com/snarg/commcoach/internal/media"
	"github.com/snarg/commcoach/internal/storage"
)

// CaptureHandler drives the per-session recorder. The browser records and
// streams fragments; the server owns the state machine and countdown.
type CaptureHandler struct {
	provisioner *storage.Provisioner
	maxBytes    int64
	log         zerolog.Logger
}

func NewCaptureHandler(provisioner *storage.Provisioner, maxBytes int, log zerolog.Logger) *CaptureHandler {
	return &CaptureHandler{
		provisioner: provisioner,
		maxBytes:    int64(maxBytes),
		log:         log.With().Str("handler", "capture").Logger(),
	}
}

// Routes registers capture routes. Starting and processing a recording are
// gated on storage being provisioned.
func (h *CaptureHandler) Routes(r chi.Router) {
	r.Route("/capture", func(r chi.Router) {
		r.Get("/", h.GetState)
		r.Delete("/", h.Teardown)
		r.Post("/devices", h.RequestDevices)
		r.Post("/pause", h.PauseResume)
		r.Post("/stop", h.Stop)
		r.Post("/reset", h.Reset)
		r.Post("/chunks", h.AppendChunk)
		r.Group(func(r chi.Router) {
			r.Use(RequireStorage(h.provisioner))
			r.Post("/start", h.Start)
			r.Post("/process", h.Process)
		})
	})
}

func (h *CaptureHandler) controller(w http.ResponseWriter, r *http.Request) (*capture.Controller, bool) {
	ctrl, err := SessionFromContext(r.Context()).Capture()
	if err != nil {
		writeDomainError(w, err)
		return nil, false
	}
	return ctrl, true
}

// GetState handles GET /api/v1/capture.
func (h *CaptureHandler) GetState(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, ctrl.State())
}

// Teardown handles DELETE /api/v1/capture: stops any recording and releases
// the device without producing a clip.
func (h *CaptureHandler) Teardown(w http.ResponseWriter, r *http.Request) {
	SessionFromContext(r.Context()).CloseCapture()
	w.WriteHeader(http.StatusNoContent)
}

// RequestDevices handles POST /api/v1/capture/devices with the outcome of the
// browser's permission prompt.
func (h *CaptureHandler) RequestDevices(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Granted  bool   `json:"granted"`
		MimeType string `json:"mime_type"`
		Reason   string `json:"reason"`
	}
	if err := DecodeJSON(r, &body); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	src := capture.ReportedSource{Granted: body.Granted, MimeType: body.MimeType, Reason: body.Reason}
	if _, err := ctrl.RequestDevices(r.Context(), src); err != nil {
		status, msg := statusFor(err)
		WriteJSON(w, status, struct {
			ErrorResponse
			State capture.State `json:"state"`
		}{ErrorResponse{Error: msg, Detail: err.Error()}, ctrl.State()})
		return
	}
	WriteJSON(w, http.StatusOK, ctrl.State())
}

// Start handles POST /api/v1/capture/start.
func (h *CaptureHandler) Start(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	if err := ctrl.Start(); err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, ctrl.State())
}

// PauseResume handles POST /api/v1/capture/pause.
func (h *CaptureHandler) PauseResume(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	ctrl.PauseResume()
	WriteJSON(w, http.StatusOK, ctrl.State())
}

// Stop handles POST /api/v1/capture/stop.
func (h *CaptureHandler) Stop(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	clip, err := ctrl.Stop()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, struct {
		Clip  *media.Clip   `json:"clip"`
		State capture.State `json:"state"`
	}{clip, ctrl.State()})
}

// Reset handles POST /api/v1/capture/reset.
func (h *CaptureHandler) Reset(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	if err := ctrl.Reset(); err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, ctrl.State())
}

// AppendChunk handles POST /api/v1/capture/chunks. The body is one raw
// recorder fragment; X-Chunk-Seq carries its sequence number.
func (h *CaptureHandler) AppendChunk(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.Atoi(r.Header.Get("X-Chunk-Seq"))
	if err != nil || seq < 0 {
		WriteError(w, http.StatusBadRequest, "missing or invalid X-Chunk-Seq header")
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBytes))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			WriteError(w, http.StatusRequestEntityTooLarge, "clip too large")
			return
		}
		WriteError(w, http.StatusBadRequest, "failed to read chunk")
		return
	}
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	if err := ctrl.AppendChunk(seq, data); err != nil {
		writeDomainError(w, err)
		return
	}
	state := ctrl.State()
	WriteJSON(w, http.StatusAccepted, struct {
		NextSeq       int `json:"next_seq"`
		BytesCaptured int `json:"bytes_captured"`
	}{state.NextSeq, state.BytesCaptured})
}

// Process handles POST /api/v1/capture/process: finalizes the recording if
// needed, stores the clip and opens the results view.
func (h *CaptureHandler) Process(w http.ResponseWriter, r *http.Request) {
	a, err := SessionFromContext(r.Context()).ProcessRecording(r.Context())
	if err != nil {
		if status, _ := statusFor(err); status == http.StatusInternalServerError {
			h.log.Error().Err(err).Msg("process recording failed")
		}
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, a.State())
}
