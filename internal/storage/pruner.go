package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ClipPruner removes stored clips older than the retention window. Clips
// still attached to an open analysis are protected by the keep callback.
type ClipPruner struct {
	store     ClipStore
	retention time.Duration
	keep      func(key string) bool
	now       func() time.Time
	log       zerolog.Logger
}

// NewClipPruner creates a pruner. A zero retention disables pruning.
func NewClipPruner(store ClipStore, retention time.Duration, keep func(key string) bool, log zerolog.Logger) *ClipPruner {
	return &ClipPruner{
		store:     store,
		retention: retention,
		keep:      keep,
		now:       time.Now,
		log:       log.With().Str("component", "clip-pruner").Logger(),
	}
}

// Prune runs one pass and returns what was removed.
func (p *ClipPruner) Prune(ctx context.Context) (PruneResult, error) {
	if p.retention <= 0 {
		return PruneResult{}, nil
	}
	cutoff := p.now().Add(-p.retention)
	res, err := p.store.PruneOlderThan(ctx, cutoff, p.keep)
	if err != nil {
		return res, fmt.Errorf("prune %s clips: %w", p.store.Type(), err)
	}
	if res.Removed > 0 {
		p.log.Info().
			Int("pruned", res.Removed).
			Str("freed", humanizeBytes(res.Bytes)).
			Time("cutoff", cutoff).
			Msg("clip prune complete")
	}
	return res, nil
}

func humanizeBytes(b int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)
	switch {
	case b >= GB:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
