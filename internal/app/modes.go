package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/fillwatch/internal/domain"
	"github.com/alanyoungcy/fillwatch/internal/exchange/bybit"
	"github.com/alanyoungcy/fillwatch/internal/retry"
	"github.com/alanyoungcy/fillwatch/internal/watcher"
)

// In-tick fetch retry. Kept out of the config surface: the poll interval
// already bounds how long a tick may spend, these just smooth over brief
// rate-limit and network hiccups.
const (
	fetchMaxAttempts  = 5
	fetchInitialDelay = 2 * time.Second
	fetchMaxDelay     = 30 * time.Second
)

// streamReconcileFactor stretches the poll interval for the stream mode's
// backstop ticks, which retry held-back fills and run compaction.
const streamReconcileFactor = 10

// newLoop builds the watcher loop from config and wired dependencies.
func (a *App) newLoop(deps *Dependencies) *watcher.Loop {
	return watcher.New(watcher.Config{
		Interval:     a.cfg.Watch.Interval.Duration,
		Lookback:     a.cfg.Watch.Lookback.Duration,
		Retention:    a.cfg.Store.Retention.Duration,
		CompactEvery: a.cfg.Watch.CompactEvery,
		FetchRetry: retry.Policy{
			MaxAttempts:    fetchMaxAttempts,
			InitialBackoff: fetchInitialDelay,
			MaxBackoff:     fetchMaxDelay,
		},
	}, deps.Source, deps.Store, deps.Notifier, a.logger)
}

// announceStartup sends the startup notification. Best-effort.
func (a *App) announceStartup(ctx context.Context, deps *Dependencies) {
	if err := deps.Notifier.NotifyStartup(ctx, a.cfg.Mode); err != nil {
		a.logger.WarnContext(ctx, "startup notification failed",
			slog.String("error", err.Error()),
		)
	}
}

// PollMode runs the sequential poll loop until the context is cancelled or an
// authentication failure halts it.
func (a *App) PollMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting poll mode",
		slog.Duration("interval", a.cfg.Watch.Interval.Duration),
		slog.Duration("lookback", a.cfg.Watch.Lookback.Duration),
	)

	loop := a.newLoop(deps)
	a.announceStartup(ctx, deps)

	return loop.Run(ctx)
}

// StreamMode subscribes to the private execution WebSocket and notifies fills
// as they are pushed. One poll tick runs first to cover anything executed
// while the process was down, and a stretched-interval reconcile tick keeps
// running alongside the stream to retry fills whose delivery failed and to
// compact the store.
func (a *App) StreamMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting stream mode")

	loop := a.newLoop(deps)
	a.announceStartup(ctx, deps)

	if err := loop.Tick(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.logger.WarnContext(ctx, "catch-up poll failed, stream starts anyway",
			slog.String("error", err.Error()),
		)
	}

	g, ctx := errgroup.WithContext(ctx)

	stream := bybit.NewStream(bybit.StreamConfig{
		ApiKey:    a.cfg.Exchange.ApiKey,
		ApiSecret: a.cfg.Exchange.ApiSecret,
		Testnet:   a.cfg.Exchange.Testnet,
	}, func(ctx context.Context, fills []domain.Fill) {
		if err := loop.HandleBatch(ctx, fills); err != nil {
			a.logger.ErrorContext(ctx, "streamed batch failed",
				slog.String("error", err.Error()),
			)
		}
	}, a.logger)

	g.Go(func() error {
		defer stream.Close()
		return stream.Run(ctx)
	})
	g.Go(func() error {
		return loop.RunReconcile(ctx, streamReconcileFactor*a.cfg.Watch.Interval.Duration)
	})

	return g.Wait()
}

// OnceMode runs a single poll tick and exits. Intended for cron-style
// deployments where the scheduler owns the cadence.
func (a *App) OnceMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting one-shot mode")

	loop := a.newLoop(deps)
	return loop.Tick(ctx)
}
