package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/fillwatch/internal/domain"
)

const (
	mainnetWSURL = "wss://stream.bybit.com/v5/private"
	testnetWSURL = "wss://stream-testnet.bybit.com/v5/private"

	// writeWait is the time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// readWait is the time allowed between inbound frames; ping responses
	// keep the connection under this deadline.
	readWait = 60 * time.Second

	// pingPeriod sends protocol-level pings at this interval.
	pingPeriod = 20 * time.Second

	// reconnectDelay is the pause before redialing after a dropped
	// connection.
	reconnectDelay = 5 * time.Second

	// authExpiryWindow is how far in the future the auth expires timestamp
	// is set.
	authExpiryWindow = 10 * time.Second
)

// FillHandler receives each batch of executions pushed by the stream, in the
// order the exchange delivered them.
type FillHandler func(ctx context.Context, fills []domain.Fill)

// StreamConfig holds the credential and endpoint selection for the private
// execution stream.
type StreamConfig struct {
	ApiKey    string
	ApiSecret string
	Testnet   bool
}

// Stream subscribes to the Bybit v5 private `execution` topic and hands every
// received fill batch to a handler. It reconnects on disconnect; a rejected
// authentication is fatal and ends Run.
type Stream struct {
	wsURL     string
	apiKey    string
	apiSecret string
	onFills   FillHandler
	logger    *slog.Logger
	now       func() time.Time
	closeOnce sync.Once
	done      chan struct{}
}

// NewStream creates a Stream for the configured environment.
func NewStream(cfg StreamConfig, onFills FillHandler, logger *slog.Logger) *Stream {
	wsURL := mainnetWSURL
	if cfg.Testnet {
		wsURL = testnetWSURL
	}
	return &Stream{
		wsURL:     wsURL,
		apiKey:    cfg.ApiKey,
		apiSecret: cfg.ApiSecret,
		onFills:   onFills,
		logger:    logger.With(slog.String("component", "bybit_stream")),
		now:       time.Now,
		done:      make(chan struct{}),
	}
}

// WithURL overrides the WebSocket endpoint. Used by tests.
func (s *Stream) WithURL(wsURL string) *Stream {
	s.wsURL = wsURL
	return s
}

// Run connects, authenticates, subscribes to the execution topic, and runs
// until ctx is cancelled or authentication fails. Transient disconnects are
// retried after a fixed delay.
func (s *Stream) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		default:
		}

		err := s.runConnection(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, domain.ErrAuth) {
			return fmt.Errorf("bybit: stream auth: %w", err)
		}

		s.logger.Warn("execution stream disconnected, reconnecting",
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

// Close stops the stream after the current connection ends.
func (s *Stream) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Stream) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("bybit: dial %s: %w", s.wsURL, err)
	}
	defer conn.Close()

	// Unblock the read loop when the context ends.
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()

	if err := s.authenticate(conn); err != nil {
		return err
	}
	if err := s.writeCommand(conn, wsCommand{Op: "subscribe", Args: []any{"execution"}}); err != nil {
		return fmt.Errorf("bybit: subscribe execution: %w", err)
	}
	s.logger.Info("execution stream subscribed")

	// Protocol-level ping keep-alive; bybit answers with an op pong frame.
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-connCtx.Done():
				return
			case <-ticker.C:
				if err := s.writeCommand(conn, wsCommand{Op: "ping"}); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		_ = conn.SetReadDeadline(s.now().Add(readWait))
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("bybit: read: %v: %w", err, domain.ErrWSDisconnect)
		}

		if msg.Op == "auth" && msg.Success != nil && !*msg.Success {
			return fmt.Errorf("bybit: auth rejected (%s): %w", msg.RetMsg, domain.ErrAuth)
		}
		if msg.Topic != "execution" {
			continue
		}

		fills := make([]domain.Fill, 0, len(msg.Data))
		for _, item := range msg.Data {
			fill, err := item.toFill()
			if err != nil {
				// Unlike the REST fetch there is no call to abort; the
				// record is logged loudly and the poll path remains the
				// integrity backstop.
				s.logger.Error("dropping malformed streamed execution",
					slog.String("error", err.Error()),
				)
				continue
			}
			fills = append(fills, fill)
		}
		if len(fills) > 0 && s.onFills != nil {
			s.onFills(ctx, fills)
		}
	}
}

// authenticate sends the private-channel auth op: an expiring timestamp and
// an HMAC-SHA256 signature of "GET/realtime{expires}".
func (s *Stream) authenticate(conn *websocket.Conn) error {
	expires := s.now().Add(authExpiryWindow).UnixMilli()

	mac := hmac.New(sha256.New, []byte(s.apiSecret))
	fmt.Fprintf(mac, "GET/realtime%d", expires)
	sig := hex.EncodeToString(mac.Sum(nil))

	cmd := wsCommand{Op: "auth", Args: []any{s.apiKey, expires, sig}}
	if err := s.writeCommand(conn, cmd); err != nil {
		return fmt.Errorf("bybit: send auth: %w", err)
	}
	return nil
}

func (s *Stream) writeCommand(conn *websocket.Conn, cmd wsCommand) error {
	_ = conn.SetWriteDeadline(s.now().Add(writeWait))
	return conn.WriteJSON(cmd)
}
