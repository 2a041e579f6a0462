package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/commcoach/internal/metrics"
)

const (
	DefaultCodeTTL     = 10 * time.Minute
	DefaultMaxAttempts = 5
	codeDigits         = 6
)

// Code is a stored passcode. Only the hash of the code is kept.
type Code struct {
	Email     string
	Hash      string
	Attempts  int
	ExpiresAt time.Time
	CreatedAt time.Time
}

// CodeStore persists outstanding passcodes, at most one per email.
type CodeStore interface {
	PutCode(ctx context.Context, c Code) error
	// GetCode returns ErrNotFound when no code is outstanding.
	GetCode(ctx context.Context, email string) (*Code, error)
	IncrementAttempts(ctx context.Context, email string) (int, error)
	DeleteCode(ctx context.Context, email string) error
	PurgeExpiredCodes(ctx context.Context, now time.Time) (int64, error)
}

// LocalOptions configures a LocalProvider.
type LocalOptions struct {
	Store       CodeStore
	Mailer      Mailer
	TTL         time.Duration
	MaxAttempts int
	Now         func() time.Time
	Log         zerolog.Logger
}

// LocalProvider generates codes itself and delivers them through a Mailer.
type LocalProvider struct {
	opts LocalOptions
	log  zerolog.Logger
}

func NewLocalProvider(opts LocalOptions) *LocalProvider {
	if opts.TTL <= 0 {
		opts.TTL = DefaultCodeTTL
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &LocalProvider{opts: opts, log: opts.Log}
}

// SendCode issues a fresh code for email, replacing any outstanding one.
func (p *LocalProvider) SendCode(ctx context.Context, email string) error {
	email, err := NormalizeEmail(email)
	if err != nil {
		return err
	}
	code, err := generateCode()
	if err != nil {
		return fmt.Errorf("generate code: %w", err)
	}

	now := p.opts.Now()
	c := Code{
		Email:     email,
		Hash:      hashCode(email, code),
		ExpiresAt: now.Add(p.opts.TTL),
		CreatedAt: now,
	}
	if err := p.opts.Store.PutCode(ctx, c); err != nil {
		return fmt.Errorf("store code: %w", err)
	}

	subject := "Your sign-in code"
	body := fmt.Sprintf("Your sign-in code is %s\n\nIt expires in %d minutes. If you did not request it you can ignore this email.\n",
		code, int(p.opts.TTL.Minutes()))
	if err := p.opts.Mailer.Send(ctx, email, subject, body); err != nil {
		p.opts.Store.DeleteCode(ctx, email)
		metrics.OTPTotal.WithLabelValues("send", "failed").Inc()
		return fmt.Errorf("%w: %w", ErrDelivery, err)
	}

	metrics.OTPTotal.WithLabelValues("send", "ok").Inc()
	p.log.Info().Str("email", email).Msg("sign-in code sent")
	return nil
}

// VerifyCode consumes the outstanding code for email if code matches.
func (p *LocalProvider) VerifyCode(ctx context.Context, email, code string) error {
	err := p.verify(ctx, email, code)
	result := "ok"
	if err != nil {
		result = "rejected"
	}
	metrics.OTPTotal.WithLabelValues("verify", result).Inc()
	return err
}

func (p *LocalProvider) verify(ctx context.Context, email, code string) error {
	email, err := NormalizeEmail(email)
	if err != nil {
		return err
	}
	code = strings.TrimSpace(code)

	c, err := p.opts.Store.GetCode(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return ErrInvalidCode
	}
	if err != nil {
		return fmt.Errorf("load code: %w", err)
	}

	if !p.opts.Now().Before(c.ExpiresAt) {
		p.opts.Store.DeleteCode(ctx, email)
		return ErrCodeExpired
	}
	if c.Attempts >= p.opts.MaxAttempts {
		p.opts.Store.DeleteCode(ctx, email)
		return ErrTooManyAttempts
	}

	want := []byte(c.Hash)
	got := []byte(hashCode(email, code))
	if subtle.ConstantTimeCompare(want, got) != 1 {
		n, err := p.opts.Store.IncrementAttempts(ctx, email)
		if err != nil {
			return fmt.Errorf("record attempt: %w", err)
		}
		if n >= p.opts.MaxAttempts {
			p.opts.Store.DeleteCode(ctx, email)
			p.log.Warn().Str("email", email).Msg("sign-in code locked after repeated failures")
		}
		return ErrInvalidCode
	}

	if err := p.opts.Store.DeleteCode(ctx, email); err != nil {
		return fmt.Errorf("consume code: %w", err)
	}
	return nil
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

func hashCode(email, code string) string {
	sum := sha256.Sum256([]byte(email + ":" + code))
	return hex.EncodeToString(sum[:])
}

// MemoryCodeStore is a CodeStore backed by a map.
type MemoryCodeStore struct {
	mu    sync.Mutex
	codes map[string]Code
}

func NewMemoryCodeStore() *MemoryCodeStore {
	return &MemoryCodeStore{codes: make(map[string]Code)}
}

func (s *MemoryCodeStore) PutCode(_ context.Context, c Code) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[c.Email] = c
	return nil
}

func (s *MemoryCodeStore) GetCode(_ context.Context, email string) (*Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[email]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s *MemoryCodeStore) IncrementAttempts(_ context.Context, email string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[email]
	if !ok {
		return 0, ErrNotFound
	}
	c.Attempts++
	s.codes[email] = c
	return c.Attempts, nil
}

func (s *MemoryCodeStore) DeleteCode(_ context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, email)
	return nil
}

func (s *MemoryCodeStore) PurgeExpiredCodes(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for email, c := range s.codes {
		if !now.Before(c.ExpiresAt) {
			delete(s.codes, email)
			n++
		}
	}
	return n, nil
}
