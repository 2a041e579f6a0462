package database

import (
	"context"
	"time"

	"github.com/snarg/commcoach/internal/transcribe"
)

// TranscriptStore implements transcribe.RequestStore on transcript_requests.
type TranscriptStore struct {
	db *DB
}

func (db *DB) Transcripts() *TranscriptStore {
	return &TranscriptStore{db: db}
}

func (s *TranscriptStore) Create(ctx context.Context, r *transcribe.Request) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO transcript_requests (id, clip_id, state, text, error, provider, model, duration_seconds, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9, $10)
	`, r.ID, r.ClipID, string(r.State), r.Text, r.Error, r.Provider, r.Model, r.Duration, r.CreatedAt, r.UpdatedAt)
	return err
}

func (s *TranscriptStore) Get(ctx context.Context, id string) (*transcribe.Request, error) {
	var (
		r               transcribe.Request
		state           string
		text, errReason *string
		provider, model *string
	)
	err := s.db.Pool.QueryRow(ctx, `
		SELECT id::text, clip_id::text, state, text, error, provider, model, duration_seconds, created_at, updated_at
		FROM transcript_requests WHERE id = $1
	`, id).Scan(&r.ID, &r.ClipID, &state, &text, &errReason, &provider, &model, &r.Duration, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, notFound(err, transcribe.ErrNotFound)
	}
	r.State = transcribe.State(state)
	r.Text = deref(text)
	r.Error = deref(errReason)
	r.Provider = deref(provider)
	r.Model = deref(model)
	return &r, nil
}

// Complete marks a request available. An available request is never rewritten.
func (s *TranscriptStore) Complete(ctx context.Context, id, text string, duration float64) error {
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE transcript_requests
		SET state = 'available', text = $2, error = NULL, duration_seconds = $3, updated_at = $4
		WHERE id = $1 AND state <> 'available'
	`, id, text, duration, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.missOrAvailable(ctx, id)
	}
	return nil
}

func (s *TranscriptStore) Fail(ctx context.Context, id, reason string) error {
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE transcript_requests
		SET state = 'failed', error = $2, updated_at = $3
		WHERE id = $1 AND state <> 'available'
	`, id, reason, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.missOrAvailable(ctx, id)
	}
	return nil
}

func (s *TranscriptStore) missOrAvailable(ctx context.Context, id string) error {
	var exists bool
	if err := s.db.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM transcript_requests WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return transcribe.ErrNotFound
	}
	return transcribe.ErrAlreadyAvailable
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
