// Package notify formats trade fills into human-readable messages and
// delivers them to chat webhooks (Slack, Discord, Telegram). Delivery is
// at-least-once: transient failures are retried with bounded exponential
// backoff, permanent failures (4xx) surface immediately.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/fillwatch/internal/domain"
	"github.com/alanyoungcy/fillwatch/internal/retry"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	// Failures are reported as *domain.DeliveryError so callers can
	// distinguish transient from permanent ones.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "slack").
	Name() string
}

// Notifier dispatches fill notifications to one or more Senders with a shared
// bounded-retry policy.
type Notifier struct {
	senders []Sender
	policy  retry.Policy
	logger  *slog.Logger
}

// New creates a Notifier that will deliver to the given senders.
func New(senders []Sender, policy retry.Policy, logger *slog.Logger) *Notifier {
	return &Notifier{
		senders: senders,
		policy:  policy,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// NotifyFill formats fill and delivers it to all senders. Only the senders
// that failed transiently are retried on subsequent attempts; a sender that
// already succeeded, or that failed permanently (dead endpoint, rejected
// payload), is not contacted again within this dispatch. The returned error
// is non-nil when any sender never got the notification.
func (n *Notifier) NotifyFill(ctx context.Context, fill domain.Fill) error {
	title, message := FormatFill(fill)

	pending := n.senders
	var permanent []error

	err := retry.DoNotify(ctx, n.policy,
		func(ctx context.Context) error {
			var (
				remaining []Sender
				transient []error
			)
			for _, s := range pending {
				sendErr := s.Send(ctx, title, message)
				if sendErr == nil {
					n.logger.DebugContext(ctx, "notification sent",
						slog.String("sender", s.Name()),
						slog.String("title", title),
					)
					continue
				}
				n.logger.ErrorContext(ctx, "sender failed",
					slog.String("sender", s.Name()),
					slog.String("error", sendErr.Error()),
				)
				if domain.IsPermanentDelivery(sendErr) {
					permanent = append(permanent, sendErr)
					continue
				}
				remaining = append(remaining, s)
				transient = append(transient, sendErr)
			}
			pending = remaining

			if len(transient) > 0 {
				return fmt.Errorf("%d sender(s) failed: %w", len(transient), errors.Join(transient...))
			}
			if len(permanent) > 0 {
				return retry.Permanent(fmt.Errorf("%d sender(s) failed: %w", len(permanent), errors.Join(permanent...)))
			}
			return nil
		},
		func(err error, next time.Duration) {
			n.logger.WarnContext(ctx, "delivery failed, backing off",
				slog.String("exec_id", fill.ExecID),
				slog.Duration("next_attempt_in", next),
				slog.String("error", err.Error()),
			)
		},
	)
	if err != nil {
		return fmt.Errorf("notify: fill %s: %w", fill.ExecID, err)
	}
	return nil
}

// NotifyStartup announces that the watcher is up. Best-effort, single
// attempt: a failure is returned for logging but should not stop the caller.
func (n *Notifier) NotifyStartup(ctx context.Context, mode string) error {
	message := fmt.Sprintf("Watching for trade fills (mode: %s).", mode)

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, "fillwatch started", message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: startup: %w", errors.Join(errs...))
	}
	return nil
}
