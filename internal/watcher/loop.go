// Package watcher drives the poll cycle: fetch recent fills from the
// exchange, drop the ones already notified, deliver the rest strictly in
// execution order, and persist progress so a restart never re-notifies.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/fillwatch/internal/domain"
	"github.com/alanyoungcy/fillwatch/internal/retry"
)

// FillNotifier delivers a single fill notification. Implemented by
// notify.Notifier; narrowed here so the loop can be tested with fakes.
type FillNotifier interface {
	NotifyFill(ctx context.Context, fill domain.Fill) error
}

// Config holds the loop's timing parameters.
type Config struct {
	// Interval is the pause between poll ticks.
	Interval time.Duration
	// Lookback bounds how far back a fetch may reach when no cursor exists,
	// and how long a failed delivery keeps being refetched.
	Lookback time.Duration
	// Retention is how long seen-fill entries are kept. Must be at least
	// Lookback or compaction can reopen the dedup window.
	Retention time.Duration
	// CompactEvery triggers store compaction every N ticks. Zero disables it.
	CompactEvery int
	// FetchRetry bounds the in-tick retry of a failed fetch.
	FetchRetry retry.Policy
}

// Loop is the sequential poll loop. It is not safe for concurrent use; run a
// single Loop per account.
type Loop struct {
	cfg      Config
	source   domain.FillSource
	store    domain.SeenStore
	notifier FillNotifier
	logger   *slog.Logger
	now      func() time.Time

	ticks int
}

// New creates a Loop over the given collaborators.
func New(cfg Config, source domain.FillSource, store domain.SeenStore, notifier FillNotifier, logger *slog.Logger) *Loop {
	return &Loop{
		cfg:      cfg,
		source:   source,
		store:    store,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "watcher")),
		now:      time.Now,
	}
}

// Run executes ticks until ctx is cancelled or an authentication error makes
// continuing pointless. The first tick runs immediately; any other tick
// failure is logged and the loop waits for the next interval.
func (l *Loop) Run(ctx context.Context) error {
	return l.run(ctx, l.cfg.Interval)
}

// RunReconcile runs poll ticks on a stretched interval, waiting out one full
// period before the first tick. The stream mode uses it as a backstop: fills
// whose delivery failed, or that arrived while the stream was reconnecting,
// get refetched and retried without waiting for a restart. Reconcile ticks
// also drive store compaction.
func (l *Loop) RunReconcile(ctx context.Context, every time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(every):
	}
	return l.run(ctx, every)
}

func (l *Loop) run(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		if err := l.Tick(ctx); err != nil {
			if errors.Is(err, domain.ErrAuth) {
				l.logger.ErrorContext(ctx, "authentication rejected, check API key and secret",
					slog.String("error", err.Error()),
				)
				return fmt.Errorf("watcher: %w", err)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.WarnContext(ctx, "tick failed, will retry next interval",
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one full poll cycle: fetch, filter, notify, persist, and
// periodically compact. Exposed for one-shot mode.
func (l *Loop) Tick(ctx context.Context) error {
	fills, err := l.fetch(ctx)
	if err != nil {
		return err
	}

	if err := l.HandleBatch(ctx, fills); err != nil {
		return err
	}

	l.ticks++
	if l.cfg.CompactEvery > 0 && l.ticks%l.cfg.CompactEvery == 0 {
		l.compact(ctx)
	}
	return nil
}

// HandleBatch processes a batch of fills and persists the resulting
// watermark. Entry point for the stream path, where batches are pushed rather
// than fetched.
func (l *Loop) HandleBatch(ctx context.Context, fills []domain.Fill) error {
	advanceTo, err := l.ProcessFills(ctx, fills)
	if err != nil {
		return err
	}
	if !advanceTo.IsZero() {
		if err := l.store.AdvanceCursor(ctx, advanceTo); err != nil {
			// Non-fatal: the dedup marks are already durable, so the worst
			// case is a wider refetch next tick.
			l.logger.WarnContext(ctx, "cursor advance failed",
				slog.Time("cursor", advanceTo),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// fetch reads the cursor, bounds the query window to the lookback, and pulls
// recent fills with bounded retry. Authentication and malformed-response
// errors abort the fetch immediately; rate-limit and network errors back off
// and retry within the tick.
func (l *Loop) fetch(ctx context.Context) ([]domain.Fill, error) {
	since := l.now().Add(-l.cfg.Lookback)
	cursor, err := l.store.Cursor(ctx)
	if err != nil {
		l.logger.WarnContext(ctx, "cursor read failed, falling back to full lookback",
			slog.String("error", err.Error()),
		)
	} else if cursor.After(since) {
		since = cursor
	}

	var fills []domain.Fill
	err = retry.DoNotify(ctx, l.cfg.FetchRetry,
		func(ctx context.Context) error {
			var fetchErr error
			fills, fetchErr = l.source.RecentFills(ctx, since)
			if errors.Is(fetchErr, domain.ErrAuth) || errors.Is(fetchErr, domain.ErrMalformedResponse) {
				return retry.Permanent(fetchErr)
			}
			return fetchErr
		},
		func(err error, next time.Duration) {
			l.logger.WarnContext(ctx, "fetch failed, backing off",
				slog.Duration("next_attempt_in", next),
				slog.String("error", err.Error()),
			)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("watcher: fetch since %s: %w", since.UTC().Format(time.RFC3339), err)
	}
	return fills, nil
}

// ProcessFills filters a batch through the seen store and notifies the new
// fills strictly in execution order, marking each one seen right after its
// delivery succeeds. It returns the execution time up to which every fill is
// durably marked, suitable for AdvanceCursor; zero when nothing can advance.
//
// A delivery or mark failure is isolated to its fill: later fills are still
// processed, but the returned watermark stops before the failed one so the
// next fetch picks it up again. Also used by the stream path for pushed
// batches.
func (l *Loop) ProcessFills(ctx context.Context, fills []domain.Fill) (time.Time, error) {
	sortFills(fills)

	var (
		advanceTo    time.Time
		prefixIntact = true
		notified     int
	)
	for _, f := range fills {
		if ctx.Err() != nil {
			return advanceTo, ctx.Err()
		}

		isNew, err := l.store.IsNew(ctx, f.ExecID)
		if err != nil {
			return advanceTo, fmt.Errorf("watcher: dedup check %s: %w", f.ExecID, err)
		}
		if !isNew {
			// Already durably marked, so it may still carry the watermark
			// forward.
			if prefixIntact && f.ExecutedAt.After(advanceTo) {
				advanceTo = f.ExecutedAt
			}
			continue
		}

		if err := l.notifier.NotifyFill(ctx, f); err != nil {
			prefixIntact = false
			l.logger.ErrorContext(ctx, "notification failed, fill will be retried next fetch",
				slog.String("exec_id", f.ExecID),
				slog.String("symbol", f.Symbol),
				slog.String("error", err.Error()),
			)
			continue
		}

		if err := l.store.MarkSeen(ctx, f.ExecID, f.ExecutedAt); err != nil {
			// Delivered but not recorded: a restart before the next successful
			// mark may duplicate this one notification.
			prefixIntact = false
			l.logger.ErrorContext(ctx, "mark seen failed after delivery",
				slog.String("exec_id", f.ExecID),
				slog.String("error", err.Error()),
			)
			continue
		}

		notified++
		l.logger.InfoContext(ctx, "fill notified",
			slog.String("exec_id", f.ExecID),
			slog.String("symbol", f.Symbol),
			slog.String("side", string(f.Side)),
		)
		if prefixIntact && f.ExecutedAt.After(advanceTo) {
			advanceTo = f.ExecutedAt
		}
	}

	if notified > 0 {
		l.logger.DebugContext(ctx, "batch processed",
			slog.Int("fetched", len(fills)),
			slog.Int("notified", notified),
		)
	}
	return advanceTo, nil
}

func (l *Loop) compact(ctx context.Context) {
	removed, err := l.store.Compact(ctx, l.cfg.Retention)
	if err != nil {
		l.logger.WarnContext(ctx, "compaction failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if removed > 0 {
		l.logger.InfoContext(ctx, "seen store compacted",
			slog.Int64("removed", removed),
		)
	}
}

// sortFills orders fills ascending by execution time, stable with an exec-id
// tie-break so same-millisecond fills keep a deterministic order.
func sortFills(fills []domain.Fill) {
	sort.SliceStable(fills, func(i, j int) bool {
		if fills[i].ExecutedAt.Equal(fills[j].ExecutedAt) {
			return fills[i].ExecID < fills[j].ExecID
		}
		return fills[i].ExecutedAt.Before(fills[j].ExecutedAt)
	})
}
