// Package redis implements domain.SeenStore using go-redis/v9.
//
// Key schema:
//
//	fillwatch:seen   - ZSET of exec IDs scored by execution time (unix ms)
//	fillwatch:cursor - string, RFC 3339 high-water mark
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/fillwatch/internal/domain"
)

const (
	seenKey   = "fillwatch:seen"
	cursorKey = "fillwatch:cursor"
)

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// Store is a Redis-backed seen-fill store. Every MarkSeen is durable on
// return (subject to the Redis persistence configuration of the deployment).
type Store struct {
	rdb *redis.Client
	now func() time.Time
}

// New creates a Store, pings Redis to verify connectivity, and returns the
// wrapper. It returns an error if the connection cannot be established.
func New(ctx context.Context, cfg ClientConfig) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	return &Store{rdb: rdb, now: time.Now}, nil
}

// IsNew reports whether execID has never been marked seen.
func (s *Store) IsNew(ctx context.Context, execID string) (bool, error) {
	err := s.rdb.ZScore(ctx, seenKey, execID).Err()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis: check %s: %w", execID, err)
	}
	return false, nil
}

// MarkSeen records execID scored by its execution time. ZADD NX makes a
// repeated mark a no-op.
func (s *Store) MarkSeen(ctx context.Context, execID string, executedAt time.Time) error {
	err := s.rdb.ZAddNX(ctx, seenKey, redis.Z{
		Score:  float64(executedAt.UnixMilli()),
		Member: execID,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: mark seen %s: %w", execID, err)
	}
	return nil
}

// Cursor returns the stored high-water mark, or the zero time when none
// exists yet.
func (s *Store) Cursor(ctx context.Context) (time.Time, error) {
	v, err := s.rdb.Get(ctx, cursorKey).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("redis: get cursor: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("redis: parse cursor %q: %w", v, err)
	}
	return t, nil
}

// AdvanceCursor raises the high-water mark to t. The watcher loop is the
// store's only writer, so read-compare-set without a transaction is safe.
func (s *Store) AdvanceCursor(ctx context.Context, t time.Time) error {
	current, err := s.Cursor(ctx)
	if err != nil {
		return err
	}
	if !t.After(current) {
		return nil
	}
	if err := s.rdb.Set(ctx, cursorKey, t.UTC().Format(time.RFC3339Nano), 0).Err(); err != nil {
		return fmt.Errorf("redis: advance cursor: %w", err)
	}
	return nil
}

// Compact drops entries whose execution time is older than now-retention.
func (s *Store) Compact(ctx context.Context, retention time.Duration) (int64, error) {
	horizon := s.now().Add(-retention).UnixMilli()
	removed, err := s.rdb.ZRemRangeByScore(ctx, seenKey, "-inf", strconv.FormatInt(horizon, 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: compact: %w", err)
	}
	return removed, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Compile-time interface check.
var _ domain.SeenStore = (*Store)(nil)
