package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/commcoach/internal/auth"
	"github.com/snarg/commcoach/internal/capture"
	"github.com/snarg/commcoach/internal/events"
	"github.com/snarg/commcoach/internal/storage"
	"github.com/snarg/commcoach/internal/transcribe"
)

var ErrUnauthorized = errors.New("unauthorized")

// touchEvery limits how often a sliding expiry is written to the store.
const touchEvery = time.Minute

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Sessions auth.SessionStore
	TTL      time.Duration

	// Capture is the template for each user's controller. OnTimeLimit and Log
	// are set per user.
	Capture        capture.Options
	MaxUploadBytes int

	Transport    transcribe.Transport
	PollInterval time.Duration
	PollTimeout  time.Duration

	Clips     storage.ClipStore
	Links     *Links
	MediaPath string
	Bus       *events.Bus
	Archive   Archive

	Now func() time.Time
	Log zerolog.Logger
}

// Manager maps bearer tokens to live Contexts. Contexts are created on
// login and restored from the session store after a restart.
type Manager struct {
	opts ManagerOptions
	log  zerolog.Logger

	mu       sync.Mutex
	contexts map[string]*Context
	touched  map[string]time.Time
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = auth.DefaultSessionTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Links == nil {
		opts.Links = NewLinks()
	}
	return &Manager{
		opts:     opts,
		log:      opts.Log.With().Str("component", "sessions").Logger(),
		contexts: make(map[string]*Context),
		touched:  make(map[string]time.Time),
	}
}

// Links returns the media link registry.
func (m *Manager) Links() *Links { return m.opts.Links }

// Login issues a session for a verified email.
func (m *Manager) Login(ctx context.Context, email string) (*Context, error) {
	now := m.opts.Now().UTC()
	s := auth.NewSession(email, m.opts.TTL, now)
	if err := m.opts.Sessions.CreateSession(ctx, s); err != nil {
		return nil, err
	}
	c := m.newContext(s)
	m.mu.Lock()
	m.contexts[s.Token] = c
	m.touched[s.Token] = now
	m.mu.Unlock()
	m.log.Info().Str("user", email).Msg("session created")
	return c, nil
}

// Lookup resolves a bearer token. Unknown or expired tokens return
// ErrUnauthorized. The expiry slides forward on use.
func (m *Manager) Lookup(ctx context.Context, token string) (*Context, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	now := m.opts.Now()

	m.mu.Lock()
	c, ok := m.contexts[token]
	m.mu.Unlock()

	if ok && c.expired(now) {
		m.drop(ctx, token)
		return nil, ErrUnauthorized
	}
	if !ok {
		s, err := m.opts.Sessions.GetSession(ctx, token)
		if errors.Is(err, auth.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		if err != nil {
			return nil, err
		}
		if now.After(s.ExpiresAt) {
			_ = m.opts.Sessions.DeleteSession(ctx, token)
			return nil, ErrUnauthorized
		}
		c = m.newContext(*s)
		m.mu.Lock()
		if existing, raced := m.contexts[token]; raced {
			c = existing
		} else {
			m.contexts[token] = c
		}
		m.mu.Unlock()
		m.log.Debug().Str("user", s.Email).Msg("session restored")
	}

	m.slide(ctx, c, now)
	return c, nil
}

func (m *Manager) slide(ctx context.Context, c *Context, now time.Time) {
	until := now.Add(m.opts.TTL)
	c.extend(until)

	m.mu.Lock()
	last := m.touched[c.Token]
	due := now.Sub(last) >= touchEvery
	if due {
		m.touched[c.Token] = now
	}
	m.mu.Unlock()

	if due {
		if err := m.opts.Sessions.TouchSession(ctx, c.Token, until); err != nil {
			m.log.Warn().Err(err).Msg("failed to extend session")
		}
	}
}

// Logout drops the session and tears down its capture and analysis.
func (m *Manager) Logout(ctx context.Context, token string) error {
	m.drop(ctx, token)
	return m.opts.Sessions.DeleteSession(ctx, token)
}

func (m *Manager) drop(ctx context.Context, token string) {
	m.mu.Lock()
	c, ok := m.contexts[token]
	delete(m.contexts, token)
	delete(m.touched, token)
	m.mu.Unlock()
	if ok {
		c.close()
		m.log.Info().Str("user", c.Email).Msg("session closed")
	}
}

// ExpireSessions tears down contexts whose expiry has passed and purges
// expired rows from the store.
func (m *Manager) ExpireSessions(ctx context.Context) (int, error) {
	now := m.opts.Now()
	var expired []string
	m.mu.Lock()
	for token, c := range m.contexts {
		if c.expired(now) {
			expired = append(expired, token)
		}
	}
	m.mu.Unlock()

	for _, token := range expired {
		m.drop(ctx, token)
	}
	if _, err := m.opts.Sessions.PurgeExpiredSessions(ctx, now); err != nil {
		return len(expired), err
	}
	return len(expired), nil
}

// CloseIdleAnalyses closes analyses untouched for longer than idle.
func (m *Manager) CloseIdleAnalyses(idle time.Duration) int {
	cutoff := m.opts.Now().Add(-idle)
	n := 0
	for _, c := range m.snapshot() {
		if c.closeIdleAnalysis(cutoff) {
			n++
		}
	}
	return n
}

// ClipInUse reports whether a storage key belongs to an open analysis.
func (m *Manager) ClipInUse(key string) bool {
	for _, c := range m.snapshot() {
		if c.clipKey() == key {
			return true
		}
	}
	return false
}

// ActiveSessions is the number of live contexts.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.contexts)
}

// ActiveRecordings counts contexts with a recording in progress.
func (m *Manager) ActiveRecordings() int {
	n := 0
	for _, c := range m.snapshot() {
		if c.recording() {
			n++
		}
	}
	return n
}

// Close tears down every context. Sessions stay in the store so users can
// resume after a restart.
func (m *Manager) Close() {
	m.mu.Lock()
	all := m.contexts
	m.contexts = make(map[string]*Context)
	m.touched = make(map[string]time.Time)
	m.mu.Unlock()
	for _, c := range all {
		c.close()
	}
}

func (m *Manager) snapshot() []*Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Context, 0, len(m.contexts))
	for _, c := range m.contexts {
		out = append(out, c)
	}
	return out
}

func (m *Manager) newContext(s auth.Session) *Context {
	return &Context{
		Token:       s.Token,
		Email:       s.Email,
		DisplayName: s.DisplayName,
		m:           m,
		expiresAt:   s.ExpiresAt,
	}
}

func (m *Manager) publish(owner, eventType, clipID string, payload any) {
	if m.opts.Bus == nil {
		return
	}
	if _, err := m.opts.Bus.Publish(eventType, owner, clipID, payload); err != nil {
		m.log.Warn().Err(err).Str("type", eventType).Msg("event publish failed")
	}
}
