package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/snarg/commcoach/internal/feedback"
)

// FeedbackRun is the latest feedback computed for a clip.
type FeedbackRun struct {
	ClipID    string          `json:"clip_id"`
	Profile   string          `json:"profile"`
	Items     []feedback.Item `json:"items"`
	Stats     *feedback.Stats `json:"stats,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// SaveFeedback stores a run, replacing any previous run for the same clip.
func (db *DB) SaveFeedback(ctx context.Context, run *FeedbackRun) error {
	items, err := json.Marshal(run.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}
	var stats []byte
	if run.Stats != nil {
		if stats, err = json.Marshal(run.Stats); err != nil {
			return fmt.Errorf("marshal stats: %w", err)
		}
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	_, err = db.Pool.Exec(ctx, `
		INSERT INTO feedback_runs (clip_id, profile, items, stats, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (clip_id) DO UPDATE SET
			profile = EXCLUDED.profile,
			items = EXCLUDED.items,
			stats = EXCLUDED.stats,
			created_at = EXCLUDED.created_at
	`, run.ClipID, run.Profile, items, stats, run.CreatedAt)
	return err
}

// LatestFeedback returns the stored run for a clip, or ErrNotFound.
func (db *DB) LatestFeedback(ctx context.Context, clipID string) (*FeedbackRun, error) {
	var (
		run          FeedbackRun
		items, stats []byte
	)
	err := db.Pool.QueryRow(ctx, `
		SELECT clip_id::text, profile, items, stats, created_at
		FROM feedback_runs WHERE clip_id = $1
	`, clipID).Scan(&run.ClipID, &run.Profile, &items, &stats, &run.CreatedAt)
	if err != nil {
		return nil, notFound(err, ErrNotFound)
	}
	if err := json.Unmarshal(items, &run.Items); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	if len(stats) > 0 {
		run.Stats = &feedback.Stats{}
		if err := json.Unmarshal(stats, run.Stats); err != nil {
			return nil, fmt.Errorf("decode stats: %w", err)
		}
	}
	return &run, nil
}
