package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/commcoach/internal/config"
	"github.com/snarg/commcoach/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClipKey(t *testing.T) {
	c := &media.Clip{
		ID:        "abc",
		MimeType:  "audio/webm;codecs=opus",
		CreatedAt: time.Date(2025, 3, 9, 23, 30, 0, 0, time.FixedZone("x", -5*3600)),
	}
	assert.Equal(t, "2025-03-10/abc.webm", ClipKey(c))
}

func TestLocalStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore(filepath.Join(t.TempDir(), "clips"))
	require.NoError(t, s.EnsureReady(ctx))

	require.NoError(t, s.Save(ctx, "2025-01-01/a.webm", []byte("data"), "video/webm"))
	assert.True(t, s.Exists(ctx, "2025-01-01/a.webm"))

	rc, err := s.Open(ctx, "2025-01-01/a.webm")
	require.NoError(t, err)
	b, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "data", string(b))

	url, err := s.URL(ctx, "2025-01-01/a.webm")
	require.NoError(t, err)
	assert.Empty(t, url)

	require.NoError(t, s.Delete(ctx, "2025-01-01/a.webm"))
	require.NoError(t, s.Delete(ctx, "2025-01-01/a.webm"), "second delete is a no-op")
	_, err = s.Open(ctx, "2025-01-01/a.webm")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "local", s.Type())
}

func TestLocalStoreRejectsTraversal(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	err := s.Save(context.Background(), "../escape.webm", []byte("x"), "video/webm")
	assert.Error(t, err)
	assert.False(t, s.Exists(context.Background(), "../escape.webm"))
}

func TestLocalStoreEnsureReadyNotWritable(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))
	s := NewLocalStore(filepath.Join(blocker, "clips"))
	assert.Error(t, s.EnsureReady(context.Background()))
}

func TestLocalStorePrune(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := NewLocalStore(dir)
	old := time.Now().Add(-48 * time.Hour)

	for _, key := range []string{"2025-01-01/old.webm", "2025-01-01/kept.webm", "2025-01-02/new.webm"} {
		require.NoError(t, s.Save(ctx, key, []byte("12345"), "video/webm"))
	}
	require.NoError(t, os.Chtimes(filepath.Join(dir, "2025-01-01", "old.webm"), old, old))
	require.NoError(t, os.Chtimes(filepath.Join(dir, "2025-01-01", "kept.webm"), old, old))

	keep := func(key string) bool { return key == "2025-01-01/kept.webm" }
	res, err := s.PruneOlderThan(ctx, time.Now().Add(-24*time.Hour), keep)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, int64(5), res.Bytes)
	assert.False(t, s.Exists(ctx, "2025-01-01/old.webm"))
	assert.True(t, s.Exists(ctx, "2025-01-01/kept.webm"))
	assert.True(t, s.Exists(ctx, "2025-01-02/new.webm"))

	require.NoError(t, s.Delete(ctx, "2025-01-01/kept.webm"))
	_, err = s.PruneOlderThan(ctx, time.Now().Add(-24*time.Hour), nil)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "2025-01-01"))
	assert.True(t, os.IsNotExist(err), "empty date directory removed")
}

func TestClipPruner(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := NewLocalStore(dir)
	require.NoError(t, s.Save(ctx, "d/a.webm", []byte("abc"), "video/webm"))

	p := NewClipPruner(s, time.Hour, nil, zerolog.Nop())
	p.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	res, err := p.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)

	disabled := NewClipPruner(s, 0, nil, zerolog.Nop())
	res, err = disabled.Prune(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Removed)
}

type flakyStore struct {
	LocalStore
	failures int
	calls    int
}

func (f *flakyStore) EnsureReady(ctx context.Context) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("bucket unreachable")
	}
	return nil
}

func TestProvisioner(t *testing.T) {
	store := &flakyStore{failures: 1}
	p := NewProvisioner(store, zerolog.Nop())

	assert.ErrorIs(t, p.Check(), ErrProvisioning)
	assert.Error(t, p.Provision(context.Background()))
	st := p.Status()
	assert.False(t, st.Ready)
	assert.Equal(t, "bucket unreachable", st.LastError)
	assert.Equal(t, 1, st.Attempts)

	require.NoError(t, p.Provision(context.Background()))
	require.NoError(t, p.Provision(context.Background()))
	assert.NoError(t, p.Check())
	assert.Equal(t, 2, store.calls, "ready provisioner does not re-check")
	assert.Equal(t, "local", p.Status().Backend)
	assert.Empty(t, p.Status().LastError)
}

func TestHumanizeBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KB"},
		{5 << 20, "5.0 MB"},
		{3 << 30, "3.0 GB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, humanizeBytes(tt.in))
	}
}

func TestNewSelectsBackend(t *testing.T) {
	s, err := New(config.S3Config{}, t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "local", s.Type())

	s, err = New(config.S3Config{Bucket: "clips", Region: "us-east-1", AccessKey: "a", SecretKey: "b"}, "", zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "s3", s.Type())
}
