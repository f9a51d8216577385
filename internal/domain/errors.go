package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAuth means the configured credential was rejected. Fatal: no retry
	// can fix a bad API key, the process should halt with a diagnostic.
	ErrAuth = errors.New("authentication rejected")

	// ErrRateLimited means the exchange asked us to slow down.
	ErrRateLimited = errors.New("rate limited")

	// ErrMalformedResponse means a fetched record could not be mapped to a
	// Fill. The whole fetch is aborted so corruption stays visible.
	ErrMalformedResponse = errors.New("malformed exchange response")

	// ErrWSDisconnect means the private execution stream dropped.
	ErrWSDisconnect = errors.New("websocket disconnected")
)

// RateLimitError wraps ErrRateLimited with the backoff the exchange suggested,
// when it supplied one. RetryAfter is zero when no hint was available.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// DeliveryError describes a failed webhook delivery. Permanent failures (4xx:
// bad payload, dead endpoint) must not be retried; transient ones (5xx,
// timeouts) may be.
type DeliveryError struct {
	Sender     string
	StatusCode int // 0 when the request never completed
	Permanent  bool
	Err        error
}

func (e *DeliveryError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s delivery failure (status %d): %v", e.Sender, kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s delivery failure: %v", e.Sender, kind, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsPermanentDelivery reports whether err contains a permanent DeliveryError.
func IsPermanentDelivery(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Permanent
}
