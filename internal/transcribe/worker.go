package transcribe

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/commcoach/internal/metrics"
)

// Job is a transcription job enqueued by the queue transport.
type Job struct {
	RequestID string
	ClipID    string
	Audio     Audio
}

// QueueStats reports the current state of the transcription queue.
type QueueStats struct {
	Pending   int   `json:"pending"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// WorkerPoolOptions configures the transcription worker pool.
type WorkerPoolOptions struct {
	Provider Provider
	Store    RequestStore
	Timeout  time.Duration
	Opts     TranscribeOpts
	Workers  int
	// QueueSize is the channel buffer; Enqueue fails fast once it is full.
	QueueSize int
	// OnDone is called after a job's terminal state has been stored.
	OnDone func(req *Request)
	Log    zerolog.Logger
}

// WorkerPool manages transcription workers.
type WorkerPool struct {
	jobs   chan Job
	opts   WorkerPoolOptions
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	completed atomic.Int64
	failed    atomic.Int64
}

// NewWorkerPool creates a new transcription worker pool.
func NewWorkerPool(opts WorkerPoolOptions) *WorkerPool {
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		jobs:   make(chan Job, opts.QueueSize),
		opts:   opts,
		log:    opts.Log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.opts.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	wp.log.Info().Int("workers", wp.opts.Workers).Int("queue_size", wp.opts.QueueSize).Msg("transcription worker pool started")
}

// Stop signals workers to drain and waits for completion.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	close(wp.jobs)
	wp.mu.Unlock()

	wp.wg.Wait()
	wp.cancel()
	wp.log.Info().
		Int64("completed", wp.completed.Load()).
		Int64("failed", wp.failed.Load()).
		Msg("transcription worker pool stopped")
}

// Enqueue adds a job to the transcription queue. Returns false if the queue is
// full or the pool has been stopped.
func (wp *WorkerPool) Enqueue(j Job) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		return false
	}
	select {
	case wp.jobs <- j:
		return true
	default:
		return false
	}
}

// Stats returns current queue statistics.
func (wp *WorkerPool) Stats() QueueStats {
	return QueueStats{
		Pending:   len(wp.jobs),
		Completed: wp.completed.Load(),
		Failed:    wp.failed.Load(),
	}
}

// Workers returns the number of worker goroutines.
func (wp *WorkerPool) Workers() int { return wp.opts.Workers }

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	log := wp.log.With().Int("worker", id).Logger()

	for job := range wp.jobs {
		req := wp.processJob(log, job)
		if req != nil && wp.opts.OnDone != nil {
			wp.opts.OnDone(req)
		}
	}
}

// processJob transcribes one clip and stores the terminal state. It returns
// the stored request, or nil if the store could not be updated.
func (wp *WorkerPool) processJob(log zerolog.Logger, job Job) *Request {
	ctx, cancel := context.WithTimeout(wp.ctx, wp.opts.Timeout+10*time.Second)
	defer cancel()

	provider := wp.opts.Provider
	start := time.Now()
	resp, err := run(ctx, provider, job.Audio, wp.opts.Opts)
	metrics.TranscriptionDuration.WithLabelValues(provider.Name()).Observe(time.Since(start).Seconds())

	if err != nil {
		wp.failed.Add(1)
		metrics.TranscriptionsTotal.WithLabelValues(provider.Name(), "failed").Inc()
		log.Warn().Err(err).Str("request_id", job.RequestID).Str("clip_id", job.ClipID).Msg("transcription failed")
		if serr := wp.opts.Store.Fail(ctx, job.RequestID, err.Error()); serr != nil {
			log.Error().Err(serr).Str("request_id", job.RequestID).Msg("failed to record transcription failure")
			return nil
		}
	} else {
		wp.completed.Add(1)
		metrics.TranscriptionsTotal.WithLabelValues(provider.Name(), "available").Inc()
		if serr := wp.opts.Store.Complete(ctx, job.RequestID, resp.Text, resp.Duration); serr != nil {
			log.Error().Err(serr).Str("request_id", job.RequestID).Msg("failed to store transcript")
			return nil
		}
		log.Debug().
			Str("request_id", job.RequestID).
			Int("chars", len(resp.Text)).
			Dur("elapsed", time.Since(start)).
			Msg("transcription complete")
	}

	req, err := wp.opts.Store.Get(ctx, job.RequestID)
	if err != nil {
		log.Error().Err(err).Str("request_id", job.RequestID).Msg("failed to reload transcript request")
		return nil
	}
	return req
}
