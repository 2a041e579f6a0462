package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/snarg/commcoach/internal/capture"
	"github.com/snarg/commcoach/internal/events"
	"github.com/snarg/commcoach/internal/media"
	"github.com/snarg/commcoach/internal/metrics"
	"github.com/snarg/commcoach/internal/storage"
)

// Context is one signed-in user's server-side state: who they are, their
// capture controller and their open analysis.
type Context struct {
	Token       string
	Email       string
	DisplayName string

	m *Manager

	mu        sync.Mutex
	capture   *capture.Controller
	analysis  *Analysis
	expiresAt time.Time
	closed    bool
}

// Me is the identity view returned to clients.
type Me struct {
	Email         string      `json:"email"`
	DisplayName   string      `json:"display_name"`
	Authenticated bool        `json:"authenticated"`
	ActiveClip    *media.Clip `json:"active_clip,omitempty"`
	Recording     bool        `json:"recording"`
}

func (c *Context) Me() Me {
	c.mu.Lock()
	defer c.mu.Unlock()
	me := Me{Email: c.Email, DisplayName: c.DisplayName, Authenticated: !c.closed}
	if c.analysis != nil {
		clip := c.analysis.Clip()
		me.ActiveClip = &clip
	}
	if c.capture != nil {
		me.Recording = c.capture.State().Status != capture.StatusInactive
	}
	return me
}

// Capture returns the user's capture controller, creating it on first use.
func (c *Context) Capture() (*capture.Controller, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, capture.ErrClosed
	}
	if c.capture == nil {
		opts := c.m.opts.Capture
		opts.Log = c.m.log.With().Str("component", "capture").Str("user", c.Email).Logger()
		opts.OnTimeLimit = c.onTimeLimit
		c.capture = capture.NewController(opts)
	}
	return c.capture, nil
}

// CloseCapture tears down the capture controller and releases its device.
func (c *Context) CloseCapture() {
	c.mu.Lock()
	ctrl := c.capture
	c.capture = nil
	c.mu.Unlock()
	if ctrl != nil {
		ctrl.Close()
	}
}

func (c *Context) onTimeLimit(clip *media.Clip, err error) {
	payload := map[string]any{"stopped": true}
	clipID := ""
	if err != nil {
		payload["error"] = err.Error()
	} else {
		clipID = clip.ID
		payload["size_bytes"] = clip.SizeBytes
	}
	c.m.publish(c.Email, events.TimeLimitReached, clipID, payload)
}

// ProcessRecording finalizes the current recording if it is still running
// and opens an analysis on the resulting clip. A recording the countdown
// already stopped is processed as is.
func (c *Context) ProcessRecording(ctx context.Context) (*Analysis, error) {
	ctrl, err := c.Capture()
	if err != nil {
		return nil, err
	}
	if _, err := ctrl.Stop(); err != nil && !errors.Is(err, capture.ErrInvalidState) {
		return nil, err
	}
	clip, err := ctrl.Clip()
	if err != nil {
		return nil, err
	}
	a, err := c.OpenAnalysis(ctx, clip)
	if err != nil {
		return nil, err
	}
	if err := ctrl.Reset(); err != nil {
		c.m.log.Warn().Err(err).Str("user", c.Email).Str("clip_id", clip.ID).Msg("failed to reset capture after processing")
	}
	return a, nil
}

// Upload validates an uploaded file and opens an analysis on it.
func (c *Context) Upload(ctx context.Context, data []byte, declaredType, filename string) (*Analysis, error) {
	mt, err := media.Validate(data, declaredType, c.m.opts.MaxUploadBytes)
	if err != nil {
		return nil, err
	}
	clip := media.NewClip(data, mt, media.SourceUpload)
	clip.Filename = filename
	return c.OpenAnalysis(ctx, clip)
}

// OpenAnalysis stores clip and makes it the active clip, closing any
// previous analysis.
func (c *Context) OpenAnalysis(ctx context.Context, clip *media.Clip) (*Analysis, error) {
	clip.OwnerEmail = c.Email
	clip.StorageKey = storage.ClipKey(clip)

	if c.m.opts.Clips != nil {
		if err := c.m.opts.Clips.Save(ctx, clip.StorageKey, clip.Bytes, clip.MimeType); err != nil {
			return nil, fmt.Errorf("store clip: %w", err)
		}
	}
	if c.m.opts.Archive != nil {
		if err := c.m.opts.Archive.InsertClip(ctx, clip); err != nil {
			c.m.log.Warn().Err(err).Str("clip_id", clip.ID).Msg("failed to record clip metadata")
		}
	}
	metrics.ClipsTotal.WithLabelValues(string(clip.Source)).Inc()
	metrics.ClipBytes.Observe(float64(clip.SizeBytes))

	email := c.Email
	a := NewAnalysis(AnalysisOptions{
		Clip:         clip,
		Transport:    c.m.opts.Transport,
		PollInterval: c.m.opts.PollInterval,
		PollTimeout:  c.m.opts.PollTimeout,
		Links:        c.m.opts.Links,
		MediaPath:    c.m.opts.MediaPath,
		Publish: func(eventType, clipID string, payload any) {
			c.m.publish(email, eventType, clipID, payload)
		},
		Archive: c.m.opts.Archive,
		Now:     c.m.opts.Now,
		Log:     c.m.log.With().Str("component", "analysis").Logger(),
	})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		a.Close()
		return nil, ErrClosed
	}
	prev := c.analysis
	c.analysis = a
	c.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	c.m.log.Info().
		Str("clip_id", clip.ID).
		Str("source", string(clip.Source)).
		Int("size_bytes", clip.SizeBytes).
		Msg("analysis opened")
	return a, nil
}

// Analysis returns the open analysis, or ErrNoActiveClip.
func (c *Context) Analysis() (*Analysis, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.analysis == nil {
		return nil, ErrNoActiveClip
	}
	return c.analysis, nil
}

// CloseAnalysis leaves the results view.
func (c *Context) CloseAnalysis() {
	c.mu.Lock()
	a := c.analysis
	c.analysis = nil
	c.mu.Unlock()
	if a != nil {
		a.Close()
	}
}

// closeIdleAnalysis closes the analysis if it has not been touched since cutoff.
func (c *Context) closeIdleAnalysis(cutoff time.Time) bool {
	c.mu.Lock()
	a := c.analysis
	if a == nil || !a.LastActive().Before(cutoff) {
		c.mu.Unlock()
		return false
	}
	c.analysis = nil
	c.mu.Unlock()
	a.Close()
	return true
}

func (c *Context) clipKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.analysis == nil {
		return ""
	}
	return c.analysis.clip.StorageKey
}

func (c *Context) recording() bool {
	c.mu.Lock()
	ctrl := c.capture
	c.mu.Unlock()
	return ctrl != nil && ctrl.State().Status != capture.StatusInactive
}

func (c *Context) expired(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.After(c.expiresAt)
}

func (c *Context) extend(until time.Time) {
	c.mu.Lock()
	c.expiresAt = until
	c.mu.Unlock()
}

// close tears down capture and analysis. Further use fails.
func (c *Context) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.CloseCapture()
	c.CloseAnalysis()
}
