// Package maintenance runs periodic cleanup: expired passcodes and sessions,
// idle analyses, stale clip files and old history rows.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/snarg/commcoach/internal/metrics"
)

// Task is one cleanup step. Run returns how many items it removed.
type Task struct {
	Name string
	Run  func(ctx context.Context) (int64, error)
}

// Options configures a Scheduler.
type Options struct {
	// Schedule is a cron spec or descriptor such as "@every 5m".
	Schedule string
	Tasks    []Task
	// Timeout bounds a single run. Zero means no limit.
	Timeout time.Duration
	Log     zerolog.Logger
}

// Scheduler runs all tasks on a cron schedule. Overlapping runs are skipped.
type Scheduler struct {
	opts Options
	cron *cron.Cron
	log  zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	lastRun Result
}

// Result summarizes one run.
type Result struct {
	Started  time.Time         `json:"started"`
	Duration time.Duration     `json:"duration"`
	Removed  map[string]int64  `json:"removed"`
	Errors   map[string]string `json:"errors,omitempty"`
}

// New validates the schedule and registers the run.
func New(opts Options) (*Scheduler, error) {
	log := opts.Log.With().Str("component", "maintenance").Logger()
	s := &Scheduler{opts: opts, log: log}
	s.cron = cron.New(cron.WithChain(
		cron.Recover(cronLogger{log}),
		cron.SkipIfStillRunning(cronLogger{log}),
	))
	if _, err := s.cron.AddFunc(opts.Schedule, s.scheduled); err != nil {
		return nil, fmt.Errorf("invalid maintenance schedule %q: %w", opts.Schedule, err)
	}
	return s, nil
}

// Start begins scheduling. Runs use a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.ctx = runCtx
	s.cancel = cancel
	s.mu.Unlock()

	s.cron.Start()
	s.log.Info().Str("schedule", s.opts.Schedule).Int("tasks", len(s.opts.Tasks)).Msg("maintenance scheduler started")

	go func() {
		<-runCtx.Done()
		s.cron.Stop()
	}()
}

// Stop cancels any in-flight run and waits for it to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-s.cron.Stop().Done()
	s.log.Info().Msg("maintenance scheduler stopped")
}

// LastRun returns the summary of the most recent run.
func (s *Scheduler) LastRun() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

func (s *Scheduler) scheduled() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.RunOnce(ctx); err != nil {
		s.log.Warn().Err(err).Msg("maintenance run finished with errors")
	}
}

// RunOnce executes every task in order. A failing task does not stop the
// others; their errors are joined.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	res := Result{
		Started: time.Now().UTC(),
		Removed: make(map[string]int64, len(s.opts.Tasks)),
	}
	var errs []error
	for _, t := range s.opts.Tasks {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		n, err := t.Run(ctx)
		res.Removed[t.Name] = n
		if n > 0 {
			metrics.MaintenancePurgedTotal.WithLabelValues(t.Name).Add(float64(n))
		}
		if err != nil {
			if res.Errors == nil {
				res.Errors = make(map[string]string)
			}
			res.Errors[t.Name] = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", t.Name, err))
		}
	}
	res.Duration = time.Since(res.Started)

	s.mu.Lock()
	s.lastRun = res
	s.mu.Unlock()

	var total int64
	for _, n := range res.Removed {
		total += n
	}
	level := zerolog.DebugLevel
	if total > 0 {
		level = zerolog.InfoLevel
	}
	s.log.WithLevel(level).Interface("removed", res.Removed).Dur("took", res.Duration).Msg("maintenance run complete")
	return errors.Join(errs...)
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
