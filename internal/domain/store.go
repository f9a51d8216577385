// Package domain defines the core entities and collaborator interfaces of
// fillwatch. Concrete implementations live in internal/exchange, internal/
// seenstore, and internal/notify; the watcher loop depends only on these
// interfaces so it can be tested with fakes.
package domain

import (
	"context"
	"time"
)

// FillSource fetches recent trade executions from the exchange, ordered
// ascending by execution time. since bounds the query window; the zero time
// means "as far back as the configured lookback allows". Implementations must
// be read-only with respect to the account.
//
// Failure modes: ErrAuth (fatal), RateLimitError, ErrMalformedResponse, or a
// plain network error (both retryable).
type FillSource interface {
	RecentFills(ctx context.Context, since time.Time) ([]Fill, error)
}

// SeenStore tracks which fills have already been notified. It survives
// process restarts; every MarkSeen is durable on return.
type SeenStore interface {
	// IsNew reports whether execID has never been marked seen.
	IsNew(ctx context.Context, execID string) (bool, error)

	// MarkSeen records execID as notified. Idempotent: marking an already
	// seen id is a no-op.
	MarkSeen(ctx context.Context, execID string, executedAt time.Time) error

	// Cursor returns the durable high-water mark: the latest execution time
	// up to which fills are known processed. Zero time when none is stored.
	Cursor(ctx context.Context) (time.Time, error)

	// AdvanceCursor durably raises the high-water mark to t. Implementations
	// never move the cursor backward; advancing to an older time is a no-op.
	AdvanceCursor(ctx context.Context, t time.Time) error

	// Compact drops entries whose execution time is older than now-retention.
	// Callers must keep retention at or above the exchange's maximum lookback
	// window, or duplicate notifications become possible after a compaction.
	Compact(ctx context.Context, retention time.Duration) (int64, error)
}
