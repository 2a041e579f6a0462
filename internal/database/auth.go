package database

import (
	"context"
	"time"

	"github.com/snarg/commcoach/internal/auth"
)

// PutCode replaces any outstanding code for the email.
func (db *DB) PutCode(ctx context.Context, c auth.Code) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO auth_codes (email, code_hash, attempts, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (email) DO UPDATE SET
			code_hash = EXCLUDED.code_hash,
			attempts = EXCLUDED.attempts,
			expires_at = EXCLUDED.expires_at,
			created_at = EXCLUDED.created_at
	`, c.Email, c.Hash, c.Attempts, c.ExpiresAt, c.CreatedAt)
	return err
}

func (db *DB) GetCode(ctx context.Context, email string) (*auth.Code, error) {
	var c auth.Code
	err := db.Pool.QueryRow(ctx, `
		SELECT email, code_hash, attempts, expires_at, created_at
		FROM auth_codes WHERE email = $1
	`, email).Scan(&c.Email, &c.Hash, &c.Attempts, &c.ExpiresAt, &c.CreatedAt)
	if err != nil {
		return nil, notFound(err, auth.ErrNotFound)
	}
	return &c, nil
}

// IncrementAttempts bumps the failed-attempt counter and returns the new value.
func (db *DB) IncrementAttempts(ctx context.Context, email string) (int, error) {
	var n int
	err := db.Pool.QueryRow(ctx, `
		UPDATE auth_codes SET attempts = attempts + 1
		WHERE email = $1
		RETURNING attempts
	`, email).Scan(&n)
	if err != nil {
		return 0, notFound(err, auth.ErrNotFound)
	}
	return n, nil
}

func (db *DB) DeleteCode(ctx context.Context, email string) error {
	_, err := db.Pool.Exec(ctx, `DELETE FROM auth_codes WHERE email = $1`, email)
	return err
}

func (db *DB) PurgeExpiredCodes(ctx context.Context, now time.Time) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM auth_codes WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (db *DB) CreateSession(ctx context.Context, s auth.Session) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO auth_sessions (token, email, display_name, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, s.Token, s.Email, s.DisplayName, s.CreatedAt, s.ExpiresAt)
	return err
}

func (db *DB) GetSession(ctx context.Context, token string) (*auth.Session, error) {
	var s auth.Session
	err := db.Pool.QueryRow(ctx, `
		SELECT token, email, display_name, created_at, expires_at
		FROM auth_sessions WHERE token = $1
	`, token).Scan(&s.Token, &s.Email, &s.DisplayName, &s.CreatedAt, &s.ExpiresAt)
	if err != nil {
		return nil, notFound(err, auth.ErrNotFound)
	}
	return &s, nil
}

// TouchSession slides the expiry forward.
func (db *DB) TouchSession(ctx context.Context, token string, expiresAt time.Time) error {
	tag, err := db.Pool.Exec(ctx, `UPDATE auth_sessions SET expires_at = $2 WHERE token = $1`, token, expiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (db *DB) DeleteSession(ctx context.Context, token string) error {
	_, err := db.Pool.Exec(ctx, `DELETE FROM auth_sessions WHERE token = $1`, token)
	return err
}

func (db *DB) PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM auth_sessions WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
