package maintenance

import (
	"context"
	"time"

	"github.com/snarg/commcoach/internal/auth"
	"github.com/snarg/commcoach/internal/storage"
	"github.com/snarg/commcoach/internal/transcribe"
)

// ExpiredCodes purges passcodes past their expiry.
func ExpiredCodes(store auth.CodeStore) Task {
	return Task{Name: "codes", Run: func(ctx context.Context) (int64, error) {
		return store.PurgeExpiredCodes(ctx, time.Now())
	}}
}

// SessionExpirer tears down expired sessions.
type SessionExpirer interface {
	ExpireSessions(ctx context.Context) (int, error)
	CloseIdleAnalyses(idle time.Duration) int
}

func ExpiredSessions(m SessionExpirer) Task {
	return Task{Name: "sessions", Run: func(ctx context.Context) (int64, error) {
		n, err := m.ExpireSessions(ctx)
		return int64(n), err
	}}
}

// IdleAnalyses closes results views untouched for longer than idle.
func IdleAnalyses(m SessionExpirer, idle time.Duration) Task {
	return Task{Name: "analyses", Run: func(ctx context.Context) (int64, error) {
		return int64(m.CloseIdleAnalyses(idle)), nil
	}}
}

// StaleClips prunes stored clip files past retention.
func StaleClips(p *storage.ClipPruner) Task {
	return Task{Name: "clips", Run: func(ctx context.Context) (int64, error) {
		res, err := p.Prune(ctx)
		return int64(res.Removed), err
	}}
}

// HistoryPurger removes old persisted rows.
type HistoryPurger interface {
	PurgeClipHistory(ctx context.Context, retention time.Duration) (map[string]int64, error)
}

// History purges clip metadata, transcript requests and feedback runs.
func History(db HistoryPurger, retention time.Duration) Task {
	return Task{Name: "history", Run: func(ctx context.Context) (int64, error) {
		counts, err := db.PurgeClipHistory(ctx, retention)
		var total int64
		for _, n := range counts {
			total += n
		}
		return total, err
	}}
}

// MemoryRequests drops terminal in-memory transcript requests older than retention.
func MemoryRequests(store *transcribe.MemoryStore, retention time.Duration) Task {
	return Task{Name: "requests", Run: func(ctx context.Context) (int64, error) {
		cutoff := time.Now().Add(-retention)
		n := store.Prune(func(r transcribe.Request) bool {
			return !r.Terminal() || r.UpdatedAt.After(cutoff)
		})
		return int64(n), nil
	}}
}
