package database

import (
	"context"
	"fmt"
	"time"
)

// purgeTargets lists the tables PurgeOlderThan may touch and their age column.
var purgeTargets = map[string]string{
	"clips":               "created_at",
	"transcript_requests": "updated_at",
	"feedback_runs":       "created_at",
}

// PurgeOlderThan deletes rows older than the given retention period.
// Only tables in purgeTargets are accepted.
func (db *DB) PurgeOlderThan(ctx context.Context, table string, retention time.Duration) (int64, error) {
	column, ok := purgeTargets[table]
	if !ok {
		return 0, fmt.Errorf("purge: unknown table %q", table)
	}
	query := fmt.Sprintf(
		`DELETE FROM %s WHERE %s < now() - $1::interval`,
		table, column,
	)
	tag, err := db.Pool.Exec(ctx, query, retention.String())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// PurgeClipHistory removes clip metadata, transcript requests and feedback
// runs older than retention. Counts are keyed by table name.
func (db *DB) PurgeClipHistory(ctx context.Context, retention time.Duration) (map[string]int64, error) {
	counts := make(map[string]int64, len(purgeTargets))
	for _, table := range []string{"feedback_runs", "transcript_requests", "clips"} {
		n, err := db.PurgeOlderThan(ctx, table, retention)
		if err != nil {
			return counts, fmt.Errorf("purge %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}
