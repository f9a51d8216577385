package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/fillwatch/internal/domain"
	"github.com/alanyoungcy/fillwatch/internal/retry"
)

func sampleFill() domain.Fill {
	return domain.Fill{
		ExecID:     "exec-42",
		Symbol:     "ETHUSDT",
		Side:       domain.SideSell,
		Price:      decimal.RequireFromString("3150.25"),
		Quantity:   decimal.RequireFromString("0.4"),
		ExecutedAt: time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC),
		OrderID:    "order-7",
	}
}

func TestFormatFillIsDeterministic(t *testing.T) {
	f := sampleFill()
	title1, msg1 := FormatFill(f)
	title2, msg2 := FormatFill(f)

	assert.Equal(t, title1, title2)
	assert.Equal(t, msg1, msg2)

	assert.Equal(t, "New fill: ETHUSDT SELL", title1)
	assert.Contains(t, msg1, "Price:    3150.25")
	assert.Contains(t, msg1, "Quantity: 0.4")
	assert.Contains(t, msg1, "Notional: 1260.1")
	assert.Contains(t, msg1, "Executed: 2026-03-01T12:30:00Z")
	assert.Contains(t, msg1, "Order:    order-7")
}

func TestFormatFillOmitsEmptyOrder(t *testing.T) {
	f := sampleFill()
	f.OrderID = ""
	_, msg := FormatFill(f)
	assert.NotContains(t, msg, "Order:")
}

func TestPostJSONClassification(t *testing.T) {
	tests := []struct {
		status        int
		wantErr       bool
		wantPermanent bool
	}{
		{http.StatusOK, false, false},
		{http.StatusNoContent, false, false},
		{http.StatusBadRequest, true, true},
		{http.StatusNotFound, true, true},
		{http.StatusTooManyRequests, true, false},
		{http.StatusInternalServerError, true, false},
		{http.StatusBadGateway, true, false},
	}

	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		err := postJSON(context.Background(), srv.Client(), "test", srv.URL, map[string]string{"text": "hi"})
		srv.Close()

		if !tt.wantErr {
			assert.NoError(t, err, "status %d", tt.status)
			continue
		}
		var de *domain.DeliveryError
		require.ErrorAs(t, err, &de, "status %d", tt.status)
		assert.Equal(t, tt.status, de.StatusCode)
		assert.Equal(t, tt.wantPermanent, de.Permanent, "status %d", tt.status)
	}
}

func TestPostJSONConnectionFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	err := postJSON(context.Background(), newSenderClient(), "test", srv.URL, map[string]string{})
	var de *domain.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.False(t, de.Permanent)
}

func TestSlackSenderPayload(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	s := NewSlackSender(srv.URL)
	require.NoError(t, s.Send(context.Background(), "title", "body"))
	assert.Equal(t, "*title*\nbody", got["text"])
}

func TestNotifyFillRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}))
	defer srv.Close()

	n := New([]Sender{NewSlackSender(srv.URL)},
		retry.Policy{MaxAttempts: 4, InitialBackoff: time.Millisecond},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, n.NotifyFill(context.Background(), sampleFill()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestNotifyFillStopsOnPermanentFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	n := New([]Sender{NewSlackSender(srv.URL)},
		retry.Policy{MaxAttempts: 5, InitialBackoff: time.Millisecond},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := n.NotifyFill(context.Background(), sampleFill())
	require.Error(t, err)
	assert.True(t, domain.IsPermanentDelivery(err))
	assert.Equal(t, int32(1), calls.Load(), "a dead endpoint must not be retried")
}

func TestNotifyFillExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	n := New([]Sender{NewSlackSender(srv.URL)},
		retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := n.NotifyFill(context.Background(), sampleFill())
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

// scriptedSender replays a script of send outcomes; the last entry repeats.
type scriptedSender struct {
	name   string
	script []error
	calls  int
}

func (s *scriptedSender) Send(context.Context, string, string) error {
	i := s.calls
	if i >= len(s.script) {
		i = len(s.script) - 1
	}
	s.calls++
	return s.script[i]
}

func (s *scriptedSender) Name() string { return s.name }

func transientErr(name string) error {
	return &domain.DeliveryError{Sender: name, StatusCode: 503, Err: errors.New("unavailable")}
}

func permanentErr(name string) error {
	return &domain.DeliveryError{Sender: name, StatusCode: 404, Permanent: true, Err: errors.New("gone")}
}

func TestNotifyFillDoesNotResendToSucceededSender(t *testing.T) {
	ok := &scriptedSender{name: "slack", script: []error{nil}}
	flaky := &scriptedSender{name: "discord", script: []error{transientErr("discord"), transientErr("discord"), nil}}

	n := New([]Sender{ok, flaky},
		retry.Policy{MaxAttempts: 4, InitialBackoff: time.Millisecond},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, n.NotifyFill(context.Background(), sampleFill()))
	assert.Equal(t, 1, ok.calls, "a delivered sender must not see the retry attempts")
	assert.Equal(t, 3, flaky.calls)
}

func TestNotifyFillDoesNotRetryPermanentlyFailedSender(t *testing.T) {
	dead := &scriptedSender{name: "slack", script: []error{permanentErr("slack")}}
	flaky := &scriptedSender{name: "discord", script: []error{transientErr("discord"), nil}}

	n := New([]Sender{dead, flaky},
		retry.Policy{MaxAttempts: 5, InitialBackoff: time.Millisecond},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := n.NotifyFill(context.Background(), sampleFill())
	require.Error(t, err, "a sender that never got the fill is still a failed delivery")
	assert.True(t, domain.IsPermanentDelivery(err))
	assert.Equal(t, 1, dead.calls, "a dead endpoint must not be re-POSTed")
	assert.Equal(t, 2, flaky.calls)
}

func TestNotifyFillNoSendersIsNoop(t *testing.T) {
	n := New(nil, retry.Policy{MaxAttempts: 1}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.NoError(t, n.NotifyFill(context.Background(), sampleFill()))
}
