// Package retry provides the bounded-retry policy shared by the exchange
// client and the webhook senders. Backoff is exponential with jitter, capped
// in both interval and attempt count.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/alanyoungcy/fillwatch/internal/domain"
)

// Policy bounds a retry sequence.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration
	// MaxBackoff caps the growing delay. Zero means the backoff library default.
	MaxBackoff time.Duration
}

// Permanent marks err as not retryable; Do stops immediately and returns it.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a permanent error, the context is
// cancelled, or MaxAttempts is exhausted. The last attempt's error is
// returned, unwrapped from its permanent marker if it carried one.
func Do(ctx context.Context, p Policy, op func(context.Context) error) error {
	return DoNotify(ctx, p, op, nil)
}

// DoNotify is Do with a callback invoked before each sleep, carrying the
// attempt's error and the upcoming delay. Used for delivery-attempt logging.
func DoNotify(ctx context.Context, p Policy, op func(context.Context) error, notify func(err error, next time.Duration)) error {
	eb := backoff.NewExponentialBackOff()
	if p.InitialBackoff > 0 {
		eb.InitialInterval = p.InitialBackoff
	}
	if p.MaxBackoff > 0 {
		eb.MaxInterval = p.MaxBackoff
	}

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	hinted := &hintedBackOff{inner: backoff.WithMaxRetries(eb, uint64(attempts-1))}
	b := backoff.WithContext(hinted, ctx)

	wrapped := func() error {
		err := op(ctx)
		// A rate-limited exchange may suggest its own backoff; honor it when
		// it exceeds the policy's next delay.
		var rle *domain.RateLimitError
		if errors.As(err, &rle) {
			hinted.hint = rle.RetryAfter
		}
		return err
	}
	if notify == nil {
		return backoff.Retry(wrapped, b)
	}
	return backoff.RetryNotify(wrapped, b, func(err error, next time.Duration) {
		notify(err, next)
	})
}

// hintedBackOff stretches the inner backoff's next delay to a one-shot,
// server-suggested minimum.
type hintedBackOff struct {
	inner backoff.BackOff
	hint  time.Duration
}

func (h *hintedBackOff) NextBackOff() time.Duration {
	d := h.inner.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	if h.hint > d {
		d = h.hint
	}
	h.hint = 0
	return d
}

func (h *hintedBackOff) Reset() {
	h.hint = 0
	h.inner.Reset()
}
