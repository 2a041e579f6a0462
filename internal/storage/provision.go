package storage

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ProvisionStatus is a snapshot for health and the provision endpoint.
type ProvisionStatus struct {
	Ready     bool      `json:"ready"`
	Backend   string    `json:"backend"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	CheckedAt time.Time `json:"checked_at,omitempty"`
}

// Provisioner gates clip writes until the backing store has been created.
// Provision can be called repeatedly; once ready it returns immediately.
type Provisioner struct {
	store ClipStore
	log   zerolog.Logger

	mu     sync.Mutex
	status ProvisionStatus
}

func NewProvisioner(store ClipStore, log zerolog.Logger) *Provisioner {
	return &Provisioner{
		store:  store,
		log:    log.With().Str("component", "provisioner").Logger(),
		status: ProvisionStatus{Backend: store.Type()},
	}
}

// Provision ensures the store is ready. Concurrent callers serialize on the
// lock so at most one EnsureReady is in flight.
func (p *Provisioner) Provision(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status.Ready {
		return nil
	}
	p.status.Attempts++
	p.status.CheckedAt = time.Now().UTC()
	if err := p.store.EnsureReady(ctx); err != nil {
		p.status.LastError = err.Error()
		p.log.Warn().Err(err).Int("attempt", p.status.Attempts).Msg("storage provisioning failed")
		return err
	}
	p.status.Ready = true
	p.status.LastError = ""
	p.log.Info().Str("backend", p.status.Backend).Msg("storage ready")
	return nil
}

func (p *Provisioner) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status.Ready
}

// Check returns ErrProvisioning until Provision has succeeded.
func (p *Provisioner) Check() error {
	if !p.Ready() {
		return ErrProvisioning
	}
	return nil
}

func (p *Provisioner) Status() ProvisionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}
