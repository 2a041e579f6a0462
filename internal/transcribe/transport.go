package transcribe

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/commcoach/internal/media"
	"github.com/snarg/commcoach/internal/metrics"
)

// Transport submits clips and reports request state. A submission may finish
// immediately or return a pending request to be polled.
type Transport interface {
	Submit(ctx context.Context, clip *media.Clip) (*Request, error)
	Poll(ctx context.Context, id string) (*Request, error)
}

// SyncTransport calls the provider inline, so Submit always returns a
// terminal request.
type SyncTransport struct {
	provider Provider
	store    RequestStore
	opts     TranscribeOpts
	log      zerolog.Logger
}

func NewSyncTransport(p Provider, store RequestStore, opts TranscribeOpts, log zerolog.Logger) *SyncTransport {
	return &SyncTransport{provider: p, store: store, opts: opts, log: log}
}

func (t *SyncTransport) Submit(ctx context.Context, clip *media.Clip) (*Request, error) {
	req := NewRequest(clip.ID, t.provider.Name(), t.provider.Model())
	if err := t.store.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("create transcript request: %w", err)
	}

	start := time.Now()
	resp, err := run(ctx, t.provider, AudioFromClip(clip), t.opts)
	metrics.TranscriptionDuration.WithLabelValues(t.provider.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.TranscriptionsTotal.WithLabelValues(t.provider.Name(), "failed").Inc()
		t.log.Warn().Err(err).Str("clip_id", clip.ID).Msg("transcription failed")
		if serr := t.store.Fail(ctx, req.ID, err.Error()); serr != nil {
			return nil, fmt.Errorf("record transcription failure: %w", serr)
		}
	} else {
		metrics.TranscriptionsTotal.WithLabelValues(t.provider.Name(), "available").Inc()
		if serr := t.store.Complete(ctx, req.ID, resp.Text, resp.Duration); serr != nil {
			return nil, fmt.Errorf("store transcript: %w", serr)
		}
	}
	return t.store.Get(ctx, req.ID)
}

func (t *SyncTransport) Poll(ctx context.Context, id string) (*Request, error) {
	return t.store.Get(ctx, id)
}

// QueueTransport records a pending request and hands the clip to the worker
// pool; callers poll the store until a worker writes the terminal state.
type QueueTransport struct {
	pool  *WorkerPool
	store RequestStore
	log   zerolog.Logger
}

func NewQueueTransport(pool *WorkerPool, store RequestStore, log zerolog.Logger) *QueueTransport {
	return &QueueTransport{pool: pool, store: store, log: log}
}

func (t *QueueTransport) Submit(ctx context.Context, clip *media.Clip) (*Request, error) {
	p := t.pool.opts.Provider
	req := NewRequest(clip.ID, p.Name(), p.Model())
	if err := t.store.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("create transcript request: %w", err)
	}

	ok := t.pool.Enqueue(Job{RequestID: req.ID, ClipID: clip.ID, Audio: AudioFromClip(clip)})
	if !ok {
		t.log.Warn().Str("clip_id", clip.ID).Msg("transcription queue full")
		metrics.TranscriptionsTotal.WithLabelValues(p.Name(), "rejected").Inc()
		if err := t.store.Fail(ctx, req.ID, "transcription queue full"); err != nil {
			return nil, fmt.Errorf("record queue rejection: %w", err)
		}
	}
	return t.store.Get(ctx, req.ID)
}

func (t *QueueTransport) Poll(ctx context.Context, id string) (*Request, error) {
	return t.store.Get(ctx, id)
}

// Stats exposes the underlying pool's queue statistics.
func (t *QueueTransport) Stats() QueueStats { return t.pool.Stats() }
