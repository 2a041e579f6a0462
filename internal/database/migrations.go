package database

import (
	"context"
	"fmt"
	"strings"
)

// migration defines a single idempotent schema migration.
type migration struct {
	name  string
	sql   string
	check string // query that returns true if the migration is already applied
}

func tableExists(name string) string {
	return fmt.Sprintf(`SELECT EXISTS (SELECT FROM pg_tables WHERE schemaname = 'public' AND tablename = '%s')`, name)
}

// migrations is the ordered list of schema migrations to apply.
// Each must be idempotent (use IF NOT EXISTS, IF EXISTS, etc.).
var migrations = []migration{
	{
		name: "create auth_codes",
		sql: `CREATE TABLE IF NOT EXISTS auth_codes (
    email      text PRIMARY KEY,
    code_hash  text NOT NULL,
    attempts   int NOT NULL DEFAULT 0,
    expires_at timestamptz NOT NULL,
    created_at timestamptz NOT NULL DEFAULT now()
)`,
		check: tableExists("auth_codes"),
	},
	{
		name: "create auth_sessions",
		sql: `CREATE TABLE IF NOT EXISTS auth_sessions (
    token        text PRIMARY KEY,
    email        text NOT NULL,
    display_name text NOT NULL,
    created_at   timestamptz NOT NULL DEFAULT now(),
    expires_at   timestamptz NOT NULL
)`,
		check: tableExists("auth_sessions"),
	},
	{
		name:  "add auth_sessions expiry index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_auth_sessions_expires ON auth_sessions (expires_at)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_auth_sessions_expires')`,
	},
	{
		name: "create clips",
		sql: `CREATE TABLE IF NOT EXISTS clips (
    id               uuid PRIMARY KEY,
    owner_email      text NOT NULL,
    source           text NOT NULL,
    mime_type        text NOT NULL,
    filename         text,
    size_bytes       int NOT NULL,
    duration_seconds double precision NOT NULL DEFAULT 0,
    storage_key      text NOT NULL,
    created_at       timestamptz NOT NULL
)`,
		check: tableExists("clips"),
	},
	{
		name: "create transcript_requests",
		sql: `CREATE TABLE IF NOT EXISTS transcript_requests (
    id               uuid PRIMARY KEY,
    clip_id          uuid NOT NULL,
    state            text NOT NULL,
    text             text,
    error            text,
    provider         text,
    model            text,
    duration_seconds double precision NOT NULL DEFAULT 0,
    created_at       timestamptz NOT NULL,
    updated_at       timestamptz NOT NULL
)`,
		check: tableExists("transcript_requests"),
	},
	{
		name:  "add transcript_requests clip index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_transcript_requests_clip ON transcript_requests (clip_id)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_transcript_requests_clip')`,
	},
	{
		name: "create feedback_runs",
		sql: `CREATE TABLE IF NOT EXISTS feedback_runs (
    clip_id    uuid PRIMARY KEY,
    profile    text NOT NULL,
    items      jsonb NOT NULL,
    stats      jsonb,
    created_at timestamptz NOT NULL DEFAULT now()
)`,
		check: tableExists("feedback_runs"),
	},
}

// Migrate runs all pending schema migrations.
// For each migration, it first checks whether the change is already present.
// If not, it attempts to apply it. A failed apply is fatal for the caller:
// every store in this package depends on these tables.
func (db *DB) Migrate(ctx context.Context) error {
	var pending []migration
	for _, m := range migrations {
		if m.check != "" {
			var exists bool
			if err := db.Pool.QueryRow(ctx, m.check).Scan(&exists); err == nil && exists {
				continue
			}
		}
		pending = append(pending, m)
	}

	if len(pending) == 0 {
		db.log.Debug().Msg("schema up to date")
		return nil
	}

	applied := 0
	for _, m := range pending {
		if _, err := db.Pool.Exec(ctx, m.sql); err != nil {
			return &MigrationError{
				failed:  m,
				pending: pending[applied:],
				err:     err,
			}
		}
		db.log.Info().Str("migration", m.name).Msg("schema migration applied")
		applied++
	}
	db.log.Info().Int("applied", applied).Msg("schema migrations complete")
	return nil
}

// MigrationError is returned when a migration fails.
// It includes the SQL needed to apply all remaining migrations manually.
type MigrationError struct {
	failed  migration
	pending []migration
	err     error
}

func (e *MigrationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "migration %q failed: %v\n\n", e.failed.name, e.err)
	b.WriteString("Run the following SQL as a database superuser to fix this:\n\n")
	for _, m := range e.pending {
		fmt.Fprintf(&b, "  %s;\n", m.sql)
	}
	b.WriteString("\nThen restart commcoach.")
	return b.String()
}

func (e *MigrationError) Unwrap() error {
	return e.err
}
