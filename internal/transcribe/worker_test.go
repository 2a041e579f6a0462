package transcribe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeProvider struct {
	text  string
	err   error
	gate  chan struct{} // when non-nil, Transcribe blocks until it is closed
	calls atomic.Int32
}

func (f *fakeProvider) Name() string  { return "fake" }
func (f *fakeProvider) Model() string { return "fake-1" }

func (f *fakeProvider) Transcribe(ctx context.Context, audio Audio, opts TranscribeOpts) (*Response, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &Response{Text: f.text, Duration: 12.5}, nil
}

func newTestPool(p Provider, store RequestStore, workers, queueSize int, onDone func(*Request)) *WorkerPool {
	return NewWorkerPool(WorkerPoolOptions{
		Provider:  p,
		Store:     store,
		Workers:   workers,
		QueueSize: queueSize,
		Timeout:   time.Second,
		OnDone:    onDone,
		Log:       zerolog.Nop(),
	})
}

func TestNewWorkerPool(t *testing.T) {
	wp := newTestPool(&fakeProvider{}, NewMemoryStore(), 4, 100, nil)
	if cap(wp.jobs) != 100 {
		t.Errorf("queue capacity = %d, want 100", cap(wp.jobs))
	}
	if wp.Workers() != 4 {
		t.Errorf("Workers = %d, want 4", wp.Workers())
	}
}

func TestWorkerPool_EnqueueFull(t *testing.T) {
	wp := newTestPool(&fakeProvider{}, NewMemoryStore(), 0, 2, nil) // 0 workers = nobody draining

	wp.Enqueue(Job{RequestID: "1"})
	wp.Enqueue(Job{RequestID: "2"})

	if wp.Enqueue(Job{RequestID: "3"}) {
		t.Error("Enqueue should return false when queue is full")
	}
	if got := wp.Stats().Pending; got != 2 {
		t.Errorf("Pending = %d, want 2", got)
	}
}

func TestWorkerPool_EnqueueAfterStop(t *testing.T) {
	wp := newTestPool(&fakeProvider{}, NewMemoryStore(), 1, 10, nil)
	wp.Start()
	wp.Stop()
	wp.Stop()

	if wp.Enqueue(Job{RequestID: "1"}) {
		t.Error("Enqueue should return false after Stop()")
	}
}

func TestWorkerPool_StopDrains(t *testing.T) {
	wp := newTestPool(&fakeProvider{}, NewMemoryStore(), 2, 10, nil)
	wp.Start()

	done := make(chan struct{})
	go func() {
		wp.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not return within 5 seconds")
	}
}

func TestWorkerPool_ProcessesJobs(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	okReq := NewRequest("clip-ok", "fake", "fake-1")
	store.Create(ctx, okReq)

	var mu sync.Mutex
	var finished []*Request
	done := make(chan struct{}, 1)
	wp := newTestPool(&fakeProvider{text: "  hello there  "}, store, 1, 10, func(r *Request) {
		mu.Lock()
		finished = append(finished, r)
		mu.Unlock()
		done <- struct{}{}
	})
	wp.Start()
	defer wp.Stop()

	wp.Enqueue(Job{RequestID: okReq.ID, ClipID: "clip-ok"})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job never completed")
	}

	got, err := store.Get(ctx, okReq.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateAvailable || got.Text != "hello there" {
		t.Errorf("stored request = %+v, want available with trimmed text", got)
	}
	if got.Duration != 12.5 {
		t.Errorf("duration = %v, want 12.5", got.Duration)
	}
	if s := wp.Stats(); s.Completed != 1 || s.Failed != 0 {
		t.Errorf("stats = %+v", s)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(finished) != 1 || finished[0].State != StateAvailable {
		t.Errorf("OnDone got %+v", finished)
	}
}

func TestWorkerPool_FailureRecorded(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	req := NewRequest("clip", "fake", "fake-1")
	store.Create(ctx, req)

	done := make(chan *Request, 1)
	wp := newTestPool(&fakeProvider{err: errors.New("status 500")}, store, 1, 10, func(r *Request) { done <- r })
	wp.Start()
	defer wp.Stop()

	wp.Enqueue(Job{RequestID: req.ID})
	var got *Request
	select {
	case got = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job never finished")
	}
	if got.State != StateFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
	if got.Text != "" {
		t.Errorf("failed request carries text %q", got.Text)
	}
	if wp.Stats().Failed != 1 {
		t.Errorf("Failed = %d, want 1", wp.Stats().Failed)
	}
}
