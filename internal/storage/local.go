package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LocalStore stores clips on the local filesystem.
type LocalStore struct {
	clipDir string
}

// NewLocalStore creates a local filesystem clip store.
func NewLocalStore(clipDir string) *LocalStore {
	return &LocalStore{clipDir: clipDir}
}

func (s *LocalStore) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || clean == ".." {
		return "", fmt.Errorf("invalid clip key %q", key)
	}
	return filepath.Join(s.clipDir, clean), nil
}

func (s *LocalStore) Save(ctx context.Context, key string, data []byte, contentType string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	// Atomic write: temp file + rename
	tmp, err := os.CreateTemp(dir, ".clip-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func (s *LocalStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

func (s *LocalStore) Delete(ctx context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *LocalStore) URL(ctx context.Context, key string) (string, error) {
	return "", nil
}

func (s *LocalStore) Exists(ctx context.Context, key string) bool {
	path, err := s.path(key)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// EnsureReady creates the clip directory and checks that it is writable.
func (s *LocalStore) EnsureReady(ctx context.Context) error {
	if err := os.MkdirAll(s.clipDir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", s.clipDir, err)
	}
	probe, err := os.CreateTemp(s.clipDir, ".probe-*")
	if err != nil {
		return fmt.Errorf("clip dir not writable: %w", err)
	}
	probe.Close()
	os.Remove(probe.Name())
	return nil
}

// PruneOlderThan removes clip files older than cutoff and then any empty
// date directories.
func (s *LocalStore) PruneOlderThan(ctx context.Context, cutoff time.Time, keep func(key string) bool) (PruneResult, error) {
	var res PruneResult
	err := filepath.WalkDir(s.clipDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			return nil
		}
		if keep != nil {
			if rel, relErr := filepath.Rel(s.clipDir, path); relErr == nil && keep(filepath.ToSlash(rel)) {
				return nil
			}
		}
		if err := os.Remove(path); err == nil {
			res.Removed++
			res.Bytes += info.Size()
		}
		return nil
	})
	s.removeEmptyDirs()
	return res, err
}

func (s *LocalStore) removeEmptyDirs() {
	entries, _ := os.ReadDir(s.clipDir)
	for _, dateDir := range entries {
		if !dateDir.IsDir() {
			continue
		}
		datePath := filepath.Join(s.clipDir, dateDir.Name())
		remaining, _ := os.ReadDir(datePath)
		if len(remaining) == 0 {
			os.Remove(datePath)
		}
	}
}

func (s *LocalStore) Type() string { return "local" }

// Dir returns the clip directory path.
func (s *LocalStore) Dir() string { return s.clipDir }
