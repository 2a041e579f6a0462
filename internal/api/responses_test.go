package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/snarg/commcoach/internal/capture"
	"github.com/snarg/commcoach/internal/media"
	"github.com/snarg/commcoach/internal/playback"
	"github.com/snarg/commcoach/internal/session"
	"github.com/snarg/commcoach/internal/storage"
	"github.com/snarg/commcoach/internal/transcribe"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
		msg  string
	}{
		{"permission", &capture.PermissionError{Reason: "denied"}, http.StatusForbidden, "permission denied"},
		{"no_recording", capture.ErrNoRecording, http.StatusUnprocessableEntity, "no recording found"},
		{"no_active_clip", session.ErrNoActiveClip, http.StatusConflict, "no recording found"},
		{"no_transcript", session.ErrNoTranscript, http.StatusConflict, "transcript not available"},
		{"pending", transcribe.ErrPending, http.StatusConflict, "transcription already pending"},
		{"already available", transcribe.ErrAlreadyAvailable, http.StatusConflict, "transcript already available"},
		{"wrapped_invalid_state", fmt.Errorf("%w: already recording", capture.ErrInvalidState), http.StatusConflict, "invalid capture state"},
		{"out_of_order", fmt.Errorf("%w: got 3, want 1", capture.ErrChunkOutOfOrder), http.StatusConflict, "invalid capture state"},
		{"no_source", playback.ErrNoSource, http.StatusConflict, "no clip attached"},
		{"closed", capture.ErrClosed, http.StatusGone, "session closed"},
		{"too_large", fmt.Errorf("%w: 99 bytes", media.ErrTooLarge), http.StatusRequestEntityTooLarge, "clip too large"},
		{"unsupported", fmt.Errorf("%w: text/plain", media.ErrUnsupported), http.StatusBadRequest, "invalid media"},
		{"provisioning", storage.ErrProvisioning, http.StatusServiceUnavailable, "storage unavailable"},
		{"transcription", fmt.Errorf("%w: stub: boom", transcribe.ErrTranscription), http.StatusBadGateway, "transcription failed"},
		{"unauthorized", session.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError, "internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, msg := statusFor(tt.err)
			if status != tt.want {
				t.Errorf("status = %d, want %d", status, tt.want)
			}
			if msg != tt.msg {
				t.Errorf("msg = %q, want %q", msg, tt.msg)
			}
		})
	}
}

func TestWriteDomainError(t *testing.T) {
	t.Run("mapped_error_has_detail", func(t *testing.T) {
		rec := httptest.NewRecorder()
		writeDomainError(rec, fmt.Errorf("%w: not recording", capture.ErrInvalidState))
		if rec.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d", rec.Code)
		}
		var body ErrorResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("invalid JSON: %v", err)
		}
		if body.Detail == "" {
			t.Error("expected detail for a mapped error")
		}
	})

	t.Run("internal_error_hides_detail", func(t *testing.T) {
		rec := httptest.NewRecorder()
		writeDomainError(rec, errors.New("pq: password authentication failed"))
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", rec.Code)
		}
		var body ErrorResponse
		json.Unmarshal(rec.Body.Bytes(), &body)
		if body.Detail != "" {
			t.Errorf("internal error leaked detail %q", body.Detail)
		}
	})
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusCreated, map[string]int{"n": 1})
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}
}

func TestQueryString(t *testing.T) {
	req := httptest.NewRequest("GET", "/?profile=static&blank=%20", nil)
	if v, ok := QueryString(req, "profile"); !ok || v != "static" {
		t.Errorf("profile = %q, %v", v, ok)
	}
	if _, ok := QueryString(req, "blank"); ok {
		t.Error("whitespace-only value should be treated as missing")
	}
	if _, ok := QueryString(req, "missing"); ok {
		t.Error("missing param should report false")
	}
}

func TestDecodeJSON(t *testing.T) {
	req := httptest.NewRequest("POST", "/", nil)
	req.Body = nil
	var v map[string]any
	if err := DecodeJSON(req, &v); err == nil {
		t.Error("expected error for nil body")
	}
}
