package api

import (
	"net/http"
	"time"

	"github.com/snarg/commcoach/internal/database"
	"github.com/snarg/commcoach/internal/mqttclient"
	"github.com/snarg/commcoach/internal/storage"
	"github.com/snarg/commcoach/internal/transcribe"
)

type HealthResponse struct {
	Status        string                   `json:"status"`
	Version       string                   `json:"version"`
	UptimeSeconds int64                    `json:"uptime_seconds"`
	Checks        map[string]string        `json:"checks"`
	Storage       storage.ProvisionStatus  `json:"storage"`
	Transcription *TranscriptionStatusData `json:"transcription,omitempty"`
	Sessions      int                      `json:"sessions"`
}

// TranscriptionStatusData describes the configured speech-to-text backend.
type TranscriptionStatusData struct {
	Provider string                 `json:"provider"`
	Model    string                 `json:"model,omitempty"`
	Mode     string                 `json:"mode"`
	Queue    *transcribe.QueueStats `json:"queue,omitempty"`
}

// QueueSource reports queue statistics when transcription runs on workers.
type QueueSource interface {
	Stats() transcribe.QueueStats
}

type HealthHandler struct {
	db          *database.DB
	mqtt        *mqttclient.Client
	provisioner *storage.Provisioner
	provider    transcribe.Provider
	queue       QueueSource
	sessions    func() int
	version     string
	startTime   time.Time
}

// HealthOptions carries the components the health check inspects. Nil
// components are reported as not configured.
type HealthOptions struct {
	DB          *database.DB
	MQTT        *mqttclient.Client
	Provisioner *storage.Provisioner
	Provider    transcribe.Provider
	Queue       QueueSource
	Sessions    func() int
	Version     string
	StartTime   time.Time
}

func NewHealthHandler(opts HealthOptions) *HealthHandler {
	return &HealthHandler{
		db:          opts.DB,
		mqtt:        opts.MQTT,
		provisioner: opts.Provisioner,
		provider:    opts.Provider,
		queue:       opts.Queue,
		sessions:    opts.Sessions,
		version:     opts.Version,
		startTime:   opts.StartTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK
	degrade := func() {
		if status == "healthy" {
			status = "degraded"
		}
	}

	// Database check
	if h.db != nil {
		if err := h.db.HealthCheck(r.Context()); err != nil {
			checks["database"] = "error"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	} else {
		checks["database"] = "memory"
	}

	// Storage is degraded rather than unhealthy: sign-in and review still work.
	var storageStatus storage.ProvisionStatus
	if h.provisioner != nil {
		storageStatus = h.provisioner.Status()
		if storageStatus.Ready {
			checks["storage"] = "ok"
		} else {
			checks["storage"] = "unprovisioned"
			degrade()
		}
	} else {
		checks["storage"] = "not_configured"
	}

	// MQTT check
	if h.mqtt != nil {
		if h.mqtt.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			degrade()
		}
	} else {
		checks["mqtt"] = "not_configured"
	}

	var ts *TranscriptionStatusData
	if h.provider != nil {
		checks["transcription"] = "ok"
		ts = &TranscriptionStatusData{Provider: h.provider.Name(), Model: h.provider.Model(), Mode: "sync"}
		if h.queue != nil {
			stats := h.queue.Stats()
			ts.Mode = "queue"
			ts.Queue = &stats
		}
	} else {
		checks["transcription"] = "not_configured"
		degrade()
	}

	resp := HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
		Storage:       storageStatus,
		Transcription: ts,
	}
	if h.sessions != nil {
		resp.Sessions = h.sessions()
	}
	WriteJSON(w, httpStatus, resp)
}
