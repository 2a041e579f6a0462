package transcribe

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/commcoach/internal/media"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultPollTimeout  = 5 * time.Minute
)

var (
	ErrPending   = errors.New("transcription already pending")
	ErrCancelled = errors.New("transcription cancelled")
	ErrClosed    = errors.New("acquisition closed")
)

// AcquisitionOptions configures an Acquisition.
type AcquisitionOptions struct {
	Transport    Transport
	PollInterval time.Duration
	// PollTimeout bounds how long a pending request is polled before it is
	// reported as failed.
	PollTimeout time.Duration
	// OnReady and OnFailed fire once per submission, from the goroutine that
	// observed the terminal state. They must not call Cancel or Close.
	OnReady  func(req Request)
	OnFailed func(req Request)
	Log      zerolog.Logger
}

// Acquisition drives one clip's transcript from submission to a terminal
// state. At most one poll loop runs at a time and polls never overlap.
type Acquisition struct {
	opts AcquisitionOptions
	log  zerolog.Logger

	mu     sync.Mutex
	cur    *Request
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

func NewAcquisition(opts AcquisitionOptions) *Acquisition {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	return &Acquisition{opts: opts, log: opts.Log}
}

// Start submits clip. It is rejected while a request is pending and once a
// transcript is available; after a failure it starts a fresh request.
func (a *Acquisition) Start(ctx context.Context, clip *media.Clip) (Request, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return Request{}, ErrClosed
	}
	if a.cur != nil {
		switch a.cur.State {
		case StatePending:
			cur := *a.cur
			a.mu.Unlock()
			return cur, ErrPending
		case StateAvailable:
			cur := *a.cur
			a.mu.Unlock()
			return cur, ErrAlreadyAvailable
		}
	}
	a.gen++
	gen := a.gen
	a.cur = &Request{ClipID: clip.ID, State: StatePending}
	a.mu.Unlock()

	req, err := a.opts.Transport.Submit(ctx, clip)

	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return Request{}, ErrCancelled
	}
	if err != nil {
		a.cur = &Request{ClipID: clip.ID, State: StateFailed, Error: err.Error()}
		failed := *a.cur
		a.mu.Unlock()
		a.log.Warn().Err(err).Str("clip_id", clip.ID).Msg("transcript submit failed")
		a.fire(failed)
		return failed, err
	}

	snapshot := *req
	a.cur = &snapshot
	if snapshot.State != StatePending {
		a.mu.Unlock()
		a.fire(snapshot)
		return snapshot, nil
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.cancel = cancel
	a.done = done
	a.mu.Unlock()

	go a.poll(pollCtx, gen, snapshot, done)
	return snapshot, nil
}

// Current returns the latest known request, or a not_started placeholder.
func (a *Acquisition) Current() Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cur == nil {
		return Request{State: StateNotStarted}
	}
	return *a.cur
}

// Cancel stops any poll loop and waits for it to exit. A pending request is
// forgotten; terminal results are kept.
func (a *Acquisition) Cancel() {
	a.mu.Lock()
	a.gen++
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	if a.cur != nil && a.cur.State == StatePending {
		a.cur = nil
	}
	a.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Close cancels polling and rejects further submissions.
func (a *Acquisition) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.Cancel()
}

func (a *Acquisition) poll(ctx context.Context, gen uint64, req Request, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(a.opts.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(a.opts.PollTimeout)
	defer deadline.Stop()

	log := a.log.With().Str("request_id", req.ID).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			req.State = StateFailed
			req.Error = "transcription timed out"
			req.UpdatedAt = time.Now().UTC()
			log.Warn().Dur("timeout", a.opts.PollTimeout).Msg("gave up waiting for transcript")
			a.finish(gen, req)
			return
		case <-ticker.C:
			next, err := a.opts.Transport.Poll(ctx, req.ID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn().Err(err).Msg("transcript poll failed, retrying")
				continue
			}
			if !next.Terminal() {
				continue
			}
			a.finish(gen, *next)
			return
		}
	}
}

func (a *Acquisition) finish(gen uint64, req Request) {
	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return
	}
	a.cur = &req
	cancel := a.cancel
	a.cancel, a.done = nil, nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.fire(req)
}

func (a *Acquisition) fire(req Request) {
	switch req.State {
	case StateAvailable:
		if a.opts.OnReady != nil {
			a.opts.OnReady(req)
		}
	case StateFailed:
		if a.opts.OnFailed != nil {
			a.opts.OnFailed(req)
		}
	}
}
