package transcribe

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle of a transcript request.
type State string

const (
	StateNotStarted State = "not_started"
	StatePending    State = "pending"
	StateAvailable  State = "available"
	StateFailed     State = "failed"
)

var (
	ErrNotFound         = errors.New("transcript request not found")
	ErrAlreadyAvailable = errors.New("transcript already available")
)

// Request tracks one submission of a clip to the transcription service.
// Text is set only when available; Error only when failed.
type Request struct {
	ID        string    `json:"id,omitempty"`
	ClipID    string    `json:"clip_id,omitempty"`
	State     State     `json:"state"`
	Text      string    `json:"text,omitempty"`
	Error     string    `json:"error,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`
	Duration  float64   `json:"duration_seconds,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Terminal reports whether the request will not change again.
func (r *Request) Terminal() bool {
	return r.State == StateAvailable || r.State == StateFailed
}

// NewRequest returns a pending request for clipID.
func NewRequest(clipID, provider, model string) *Request {
	now := time.Now().UTC()
	return &Request{
		ID:        uuid.NewString(),
		ClipID:    clipID,
		State:     StatePending,
		Provider:  provider,
		Model:     model,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// RequestStore persists transcript requests. Complete and Fail must refuse to
// modify a request that is already available.
type RequestStore interface {
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	Complete(ctx context.Context, id, text string, duration float64) error
	Fail(ctx context.Context, id, reason string) error
}

// MemoryStore is a RequestStore backed by a map.
type MemoryStore struct {
	mu   sync.RWMutex
	reqs map[string]Request
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reqs: make(map[string]Request)}
}

func (s *MemoryStore) Create(_ context.Context, r *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs[r.ID] = *r
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reqs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (s *MemoryStore) Complete(_ context.Context, id, text string, duration float64) error {
	return s.update(id, func(r *Request) {
		r.State = StateAvailable
		r.Text = text
		r.Error = ""
		r.Duration = duration
	})
}

func (s *MemoryStore) Fail(_ context.Context, id, reason string) error {
	return s.update(id, func(r *Request) {
		r.State = StateFailed
		r.Error = reason
	})
}

// Prune drops requests for which keep returns false and reports how many were removed.
func (s *MemoryStore) Prune(keep func(Request) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.reqs {
		if !keep(r) {
			delete(s.reqs, id)
			n++
		}
	}
	return n
}

func (s *MemoryStore) update(id string, fn func(*Request)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reqs[id]
	if !ok {
		return ErrNotFound
	}
	if r.State == StateAvailable {
		return ErrAlreadyAvailable
	}
	fn(&r)
	r.UpdatedAt = time.Now().UTC()
	s.reqs[id] = r
	return nil
}
