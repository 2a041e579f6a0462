package api

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/snarg/commcoach/internal/storage"
)

// multipartOverhead is headroom above the clip limit for form boundaries and fields.
const multipartOverhead = 1 << 20

// UploadHandler accepts a prerecorded clip in place of a live recording.
type UploadHandler struct {
	provisioner *storage.Provisioner
	maxBytes    int64
	log         zerolog.Logger
}

func NewUploadHandler(provisioner *storage.Provisioner, maxBytes int, log zerolog.Logger) *UploadHandler {
	return &UploadHandler{
		provisioner: provisioner,
		maxBytes:    int64(maxBytes),
		log:         log.With().Str("handler", "upload").Logger(),
	}
}

// Routes registers the upload endpoint behind the provisioning gate.
func (h *UploadHandler) Routes(r chi.Router) {
	r.With(RequireStorage(h.provisioner)).Post("/uploads", h.Upload)
}

// Upload handles POST /api/v1/uploads. The multipart field "file" carries
// the clip; only audio and video are accepted.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			WriteError(w, http.StatusRequestEntityTooLarge, "clip too large")
			return
		}
		WriteErrorDetail(w, http.StatusBadRequest, "invalid multipart form", err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "failed to read file")
		return
	}

	declared := header.Header.Get("Content-Type")
	a, err := SessionFromContext(r.Context()).Upload(r.Context(), data, declared, filepath.Base(header.Filename))
	if err != nil {
		if status, _ := statusFor(err); status == http.StatusInternalServerError {
			h.log.Error().Err(err).Str("filename", header.Filename).Msg("upload processing failed")
		}
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, a.State())
}
