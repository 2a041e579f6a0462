// Package capture owns the lifecycle of one recording: device access,
// start/pause/resume/stop, the countdown, and assembling streamed chunks into a clip.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/commcoach/internal/media"
	"github.com/snarg/commcoach/internal/playback"
)

// Status is the recorder state.
type Status string

const (
	StatusInactive  Status = "inactive"
	StatusRecording Status = "recording"
	StatusPaused    Status = "paused"
)

const (
	DefaultLimit     = 150 * time.Second
	DefaultTimeslice = 200 * time.Millisecond
)

var (
	ErrInvalidState    = errors.New("invalid capture state")
	ErrNoDevice        = errors.New("no capture device acquired")
	ErrNoRecording     = errors.New("no recording found")
	ErrChunkOutOfOrder = errors.New("chunk out of order")
	ErrClosed          = errors.New("capture session closed")
)

// TimeLimitFunc is invoked once when the countdown reaches zero. clip is nil and
// err is ErrNoRecording if nothing was captured.
type TimeLimitFunc func(clip *media.Clip, err error)

// Options configures a Controller.
type Options struct {
	Limit     time.Duration
	Timeslice time.Duration
	// TickInterval drives the countdown. Zero disables the internal ticker and
	// leaves Tick to the caller.
	TickInterval time.Duration
	MaxBytes     int
	OnTimeLimit  TimeLimitFunc
	Log          zerolog.Logger
}

// State is a point-in-time view of the capture session.
type State struct {
	Status           Status  `json:"status"`
	LimitSeconds     int     `json:"limit_seconds"`
	RemainingSeconds int     `json:"remaining_seconds"`
	Remaining        string  `json:"remaining"`
	ProgressPercent  float64 `json:"progress_percent"`
	TimesliceMillis  int64   `json:"timeslice_ms"`
	ChunkCount       int     `json:"chunk_count"`
	BytesCaptured    int     `json:"bytes_captured"`
	NextSeq          int     `json:"next_seq"`
	MimeType         string  `json:"mime_type,omitempty"`
	CanRecord        bool    `json:"can_record"`
	HasClip          bool    `json:"has_clip"`
	PermissionError  string  `json:"permission_error,omitempty"`
}

// Controller is safe for concurrent use; every operation is serialized.
type Controller struct {
	mu   sync.Mutex
	opts Options
	log  zerolog.Logger

	device  Device
	permErr error

	status    Status
	limit     int
	remaining int
	chunks    [][]byte
	bytes     int
	nextSeq   int
	clip      *media.Clip

	gen      uint64
	stopTick chan struct{}
	closed   bool
}

// NewController creates an inactive controller with no device.
func NewController(opts Options) *Controller {
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.Timeslice <= 0 {
		opts.Timeslice = DefaultTimeslice
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = media.DefaultMaxBytes
	}
	limit := int(opts.Limit / time.Second)
	return &Controller{
		opts:      opts,
		log:       opts.Log,
		status:    StatusInactive,
		limit:     limit,
		remaining: limit,
	}
}

// RequestDevices acquires audio+video access from src. Any previously held
// device is released first, so a retry after a refusal starts clean.
func (c *Controller) RequestDevices(ctx context.Context, src DeviceSource) (Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.status != StatusInactive {
		return nil, fmt.Errorf("%w: cannot change devices while %s", ErrInvalidState, c.status)
	}
	c.releaseDeviceLocked()

	dev, err := src.Acquire(ctx)
	if err != nil {
		if !errors.Is(err, ErrPermission) {
			err = &PermissionError{Reason: err.Error()}
		}
		c.permErr = err
		c.log.Warn().Err(err).Msg("device access refused")
		return nil, err
	}
	c.device = dev
	c.permErr = nil
	c.log.Debug().Str("mime_type", dev.MimeType()).Msg("capture device acquired")
	return dev, nil
}

// Start begins a new recording. It requires the inactive state and an acquired
// device, and discards chunks or a clip left from an earlier recording.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.status != StatusInactive {
		return fmt.Errorf("%w: already %s", ErrInvalidState, c.status)
	}
	if c.device == nil {
		if c.permErr != nil {
			return c.permErr
		}
		return ErrNoDevice
	}

	c.status = StatusRecording
	c.remaining = c.limit
	c.chunks = nil
	c.bytes = 0
	c.nextSeq = 0
	c.clip = nil
	c.gen++
	c.startTickerLocked()

	c.log.Info().Int("limit_seconds", c.limit).Msg("recording started")
	return nil
}

// AppendChunk adds one recorder fragment. seq must be the next expected
// sequence number; a seq that was already accepted is ignored so clients can
// retry, and a gap is rejected. Empty fragments advance the sequence only.
func (c *Controller) AppendChunk(seq int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status == StatusInactive {
		return fmt.Errorf("%w: not recording", ErrInvalidState)
	}
	if seq < c.nextSeq {
		return nil
	}
	if seq > c.nextSeq {
		return fmt.Errorf("%w: got %d, want %d", ErrChunkOutOfOrder, seq, c.nextSeq)
	}
	if c.bytes+len(data) > c.opts.MaxBytes {
		return fmt.Errorf("%w: %d bytes", media.ErrTooLarge, c.bytes+len(data))
	}
	c.nextSeq++
	if len(data) > 0 {
		c.chunks = append(c.chunks, data)
		c.bytes += len(data)
	}
	return nil
}

// PauseResume toggles between recording and paused. It is a no-op when inactive.
func (c *Controller) PauseResume() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.status {
	case StatusRecording:
		c.status = StatusPaused
	case StatusPaused:
		c.status = StatusRecording
	}
	return c.status
}

// Stop ends the recording and assembles the clip from the chunks in arrival order.
// With zero captured bytes it returns ErrNoRecording and produces no clip.
func (c *Controller) Stop() (*media.Clip, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status == StatusInactive {
		return nil, fmt.Errorf("%w: not recording", ErrInvalidState)
	}
	return c.finalizeLocked()
}

// Reset discards a finalized clip so a new recording can start.
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != StatusInactive || c.clip == nil {
		return fmt.Errorf("%w: nothing to reset", ErrInvalidState)
	}
	c.clip = nil
	c.chunks = nil
	c.bytes = 0
	c.nextSeq = 0
	c.remaining = c.limit
	return nil
}

// Clip returns the finalized clip, or ErrNoRecording.
func (c *Controller) Clip() (*media.Clip, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != StatusInactive || c.clip == nil {
		return nil, ErrNoRecording
	}
	return c.clip, nil
}

// Tick advances the countdown by one second while recording.
func (c *Controller) Tick() {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	c.tick(gen)
}

func (c *Controller) tick(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.status != StatusRecording {
		c.mu.Unlock()
		return
	}
	c.remaining--
	if c.remaining > 0 {
		c.mu.Unlock()
		return
	}
	c.remaining = 0
	clip, err := c.finalizeLocked()
	cb := c.opts.OnTimeLimit
	c.mu.Unlock()

	c.log.Info().Int("limit_seconds", c.limit).Msg("recording time limit reached")
	if cb != nil {
		cb(clip, err)
	}
}

// Close stops the countdown and releases the device. The controller cannot be reused.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.stopTickerLocked()
	c.releaseDeviceLocked()
	c.status = StatusInactive
	c.chunks = nil
	c.bytes = 0
	c.clip = nil
}

// State returns a snapshot for display.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := State{
		Status:           c.status,
		LimitSeconds:     c.limit,
		RemainingSeconds: c.remaining,
		Remaining:        playback.FormatClock(float64(c.remaining)),
		TimesliceMillis:  c.opts.Timeslice.Milliseconds(),
		ChunkCount:       len(c.chunks),
		BytesCaptured:    c.bytes,
		NextSeq:          c.nextSeq,
		CanRecord:        c.device != nil && !c.closed,
		HasClip:          c.clip != nil,
	}
	if c.limit > 0 {
		s.ProgressPercent = float64(c.limit-c.remaining) / float64(c.limit) * 100
	}
	if c.device != nil {
		s.MimeType = c.device.MimeType()
	}
	if c.permErr != nil {
		s.PermissionError = c.permErr.Error()
	}
	return s
}

func (c *Controller) finalizeLocked() (*media.Clip, error) {
	c.status = StatusInactive
	c.stopTickerLocked()

	if c.bytes == 0 {
		c.chunks = nil
		c.nextSeq = 0
		c.clip = nil
		return nil, ErrNoRecording
	}

	buf := make([]byte, 0, c.bytes)
	for _, chunk := range c.chunks {
		buf = append(buf, chunk...)
	}
	mt := media.DefaultMimeType
	if c.device != nil {
		mt = c.device.MimeType()
	}
	c.clip = media.NewClip(buf, mt, media.SourceRecording)

	c.log.Info().
		Int("chunks", len(c.chunks)).
		Int("bytes", c.bytes).
		Str("clip_id", c.clip.ID).
		Msg("recording finalized")
	return c.clip, nil
}

func (c *Controller) startTickerLocked() {
	c.stopTickerLocked()
	if c.opts.TickInterval <= 0 {
		return
	}
	stop := make(chan struct{})
	c.stopTick = stop
	gen := c.gen
	interval := c.opts.TickInterval

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.tick(gen)
			case <-stop:
				return
			}
		}
	}()
}

// stopTickerLocked signals the ticker goroutine without waiting for it; a tick
// already in flight is discarded by the generation check.
func (c *Controller) stopTickerLocked() {
	if c.stopTick != nil {
		close(c.stopTick)
		c.stopTick = nil
	}
}

func (c *Controller) releaseDeviceLocked() {
	if c.device == nil {
		return
	}
	if err := c.device.Close(); err != nil {
		c.log.Warn().Err(err).Msg("device release failed")
	}
	c.device = nil
}
