package database

import (
	"context"

	"github.com/snarg/commcoach/internal/media"
)

// InsertClip records clip metadata. Clip bytes live in the clip store.
func (db *DB) InsertClip(ctx context.Context, c *media.Clip) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO clips (id, owner_email, source, mime_type, filename, size_bytes, duration_seconds, storage_key, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, c.ID, c.OwnerEmail, string(c.Source), c.MimeType, c.Filename, c.SizeBytes, c.DurationSeconds, c.StorageKey, c.CreatedAt)
	return err
}

// GetClip loads clip metadata without its bytes.
func (db *DB) GetClip(ctx context.Context, id string) (*media.Clip, error) {
	var (
		c        media.Clip
		source   string
		filename *string
	)
	err := db.Pool.QueryRow(ctx, `
		SELECT id::text, owner_email, source, mime_type, filename, size_bytes, duration_seconds, storage_key, created_at
		FROM clips WHERE id = $1
	`, id).Scan(&c.ID, &c.OwnerEmail, &source, &c.MimeType, &filename, &c.SizeBytes, &c.DurationSeconds, &c.StorageKey, &c.CreatedAt)
	if err != nil {
		return nil, notFound(err, ErrNotFound)
	}
	c.Source = media.Source(source)
	if filename != nil {
		c.Filename = *filename
	}
	return &c, nil
}

// UpdateClipDuration stores the duration reported by playback metadata.
func (db *DB) UpdateClipDuration(ctx context.Context, id string, seconds float64) error {
	_, err := db.Pool.Exec(ctx, `UPDATE clips SET duration_seconds = $2 WHERE id = $1`, id, seconds)
	return err
}

func (db *DB) DeleteClip(ctx context.Context, id string) error {
	_, err := db.Pool.Exec(ctx, `DELETE FROM clips WHERE id = $1`, id)
	return err
}
