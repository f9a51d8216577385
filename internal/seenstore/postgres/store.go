// Package postgres implements domain.SeenStore using PostgreSQL via pgx.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/fillwatch/internal/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ClientConfig holds connection parameters for the PostgreSQL client.
type ClientConfig struct {
	DSN      string
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
	MaxConns int
}

// DSN builds a PostgreSQL connection string from the given config.
func DSN(cfg ClientConfig) string {
	if strings.TrimSpace(cfg.DSN) != "" {
		return cfg.DSN
	}

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, port, cfg.Database, sslMode,
	)
}

// Store is a PostgreSQL-backed seen-fill store.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// New creates a Store with a connection pool configured from cfg and pings it.
func New(ctx context.Context, cfg ClientConfig) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return &Store{pool: pool, now: time.Now}, nil
}

// RunMigrations reads embedded SQL files from the migrations/ directory,
// applies them in lexicographic order, and tracks applied migrations in a
// schema_migrations table.
func (s *Store) RunMigrations(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var exists bool
		err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)",
			entry.Name(),
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", entry.Name(), err)
		}
		if exists {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", entry.Name(), err)
		}

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("postgres: begin tx for %s: %w", entry.Name(), err)
		}
		if _, err := tx.Exec(ctx, string(data)); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("postgres: exec migration %s: %w", entry.Name(), err)
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO schema_migrations (filename) VALUES ($1)", entry.Name(),
		); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("postgres: record migration %s: %w", entry.Name(), err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("postgres: commit migration %s: %w", entry.Name(), err)
		}
	}

	return nil
}

// IsNew reports whether execID has never been marked seen.
func (s *Store) IsNew(ctx context.Context, execID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM seen_fills WHERE exec_id = $1)", execID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: check %s: %w", execID, err)
	}
	return !exists, nil
}

// MarkSeen inserts execID; ON CONFLICT DO NOTHING makes a repeated mark a
// no-op.
func (s *Store) MarkSeen(ctx context.Context, execID string, executedAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO seen_fills (exec_id, executed_at) VALUES ($1, $2)
		 ON CONFLICT (exec_id) DO NOTHING`,
		execID, executedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: mark seen %s: %w", execID, err)
	}
	return nil
}

// Cursor returns the stored high-water mark, or the zero time when none
// exists yet.
func (s *Store) Cursor(ctx context.Context) (time.Time, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx,
		"SELECT high_water FROM watch_cursor WHERE id = 1",
	).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("postgres: get cursor: %w", err)
	}
	return t, nil
}

// AdvanceCursor raises the high-water mark to t; GREATEST guards against
// moving backward.
func (s *Store) AdvanceCursor(ctx context.Context, t time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO watch_cursor (id, high_water) VALUES (1, $1)
		 ON CONFLICT (id) DO UPDATE
		 SET high_water = GREATEST(watch_cursor.high_water, EXCLUDED.high_water)`,
		t,
	)
	if err != nil {
		return fmt.Errorf("postgres: advance cursor: %w", err)
	}
	return nil
}

// Compact deletes entries whose execution time is older than now-retention
// and returns the number removed.
func (s *Store) Compact(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM seen_fills WHERE executed_at < $1",
		s.now().Add(-retention),
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: compact: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Compile-time interface check.
var _ domain.SeenStore = (*Store)(nil)
