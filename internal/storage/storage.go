package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/commcoach/internal/config"
	"github.com/snarg/commcoach/internal/media"
)

var (
	// ErrProvisioning is returned while the backing location is not ready.
	ErrProvisioning = errors.New("storage unavailable")
	ErrNotFound     = errors.New("clip not found")
)

// ClipStore abstracts clip storage backends.
type ClipStore interface {
	// Save stores clip data. key format: {YYYY-MM-DD}/{clip_id}{ext}
	Save(ctx context.Context, key string, data []byte, contentType string) error

	// Open returns a reader for the clip. Missing keys return ErrNotFound.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	Delete(ctx context.Context, key string) error

	// URL returns a presigned URL for the clip, or "" for local-only backends.
	URL(ctx context.Context, key string) (string, error)

	Exists(ctx context.Context, key string) bool

	// EnsureReady creates the backing directory or bucket if needed. It is
	// idempotent and safe to retry.
	EnsureReady(ctx context.Context) error

	// PruneOlderThan removes clips last modified before cutoff, skipping
	// keys for which keep returns true. keep may be nil.
	PruneOlderThan(ctx context.Context, cutoff time.Time, keep func(key string) bool) (PruneResult, error)

	// Type returns "local" or "s3".
	Type() string
}

// PruneResult summarizes one prune pass.
type PruneResult struct {
	Removed int
	Bytes   int64
}

// New creates a ClipStore based on config. Connectivity is not checked here;
// that is the Provisioner's job so startup does not depend on the backend.
func New(cfg config.S3Config, clipDir string, log zerolog.Logger) (ClipStore, error) {
	if !cfg.Enabled() {
		return NewLocalStore(clipDir), nil
	}
	s3store, err := NewS3Store(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("S3 init failed: %w", err)
	}
	return s3store, nil
}

// ClipKey is the storage key for a clip.
func ClipKey(c *media.Clip) string {
	return c.CreatedAt.UTC().Format("2006-01-02") + "/" + c.ID + media.ExtensionFor(c.MimeType)
}
