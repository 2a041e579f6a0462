package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/snarg/commcoach/internal/storage"
)

const provisionTimeout = 30 * time.Second

type StorageHandler struct {
	provisioner *storage.Provisioner
	log         zerolog.Logger
}

func NewStorageHandler(p *storage.Provisioner, log zerolog.Logger) *StorageHandler {
	return &StorageHandler{provisioner: p, log: log.With().Str("handler", "storage").Logger()}
}

func (h *StorageHandler) Routes(r chi.Router) {
	r.Get("/storage", h.GetStatus)
	r.Post("/storage/provision", h.Provision)
}

func (h *StorageHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.provisioner.Status())
}

// Provision handles POST /api/v1/storage/provision, the manual retry after a
// provisioning failure.
func (h *StorageHandler) Provision(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), provisionTimeout)
	defer cancel()
	if err := h.provisioner.Provision(ctx); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, struct {
			ErrorResponse
			Status storage.ProvisionStatus `json:"status"`
		}{ErrorResponse{Error: "storage unavailable", Detail: err.Error()}, h.provisioner.Status()})
		return
	}
	WriteJSON(w, http.StatusOK, h.provisioner.Status())
}
