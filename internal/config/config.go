// Package config defines the fillwatch configuration and provides validation
// helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by FILLWATCH_* environment variables.
type Config struct {
	Exchange ExchangeConfig `toml:"exchange"`
	Watch    WatchConfig    `toml:"watch"`
	Notify   NotifyConfig   `toml:"notify"`
	Store    StoreConfig    `toml:"store"`
	Redis    RedisConfig    `toml:"redis"`
	Postgres PostgresConfig `toml:"postgres"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// ExchangeConfig holds the read-only Bybit API credential and endpoint
// selection. The credential must never have trade permissions; the client
// only calls read endpoints, but a read-only key is the real safety net.
type ExchangeConfig struct {
	ApiKey       string `toml:"api_key"`
	ApiSecret    string `toml:"api_secret"`
	Testnet      bool   `toml:"testnet"`
	Category     string `toml:"category"`
	RecvWindowMs int    `toml:"recv_window_ms"`
	PageLimit    int    `toml:"page_limit"`
}

// WatchConfig holds the poll loop cadence and query window parameters.
type WatchConfig struct {
	Interval     duration `toml:"interval"`
	Lookback     duration `toml:"lookback"`
	CompactEvery int      `toml:"compact_every"`
}

// NotifyConfig holds webhook destinations and the delivery retry policy.
type NotifyConfig struct {
	SlackWebhookURL   string   `toml:"slack_webhook_url"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	MaxAttempts       int      `toml:"max_attempts"`
	InitialBackoff    duration `toml:"initial_backoff"`
}

// StoreConfig selects and parameterizes the seen-fill store backend.
type StoreConfig struct {
	Backend   string   `toml:"backend"` // "redis" or "postgres"
	Retention duration `toml:"retention"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	PoolSize int    `toml:"pool_size"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "15s", "24h").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "15s" or "24h".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Exchange: ExchangeConfig{
			Category:     "linear",
			RecvWindowMs: 5000,
			PageLimit:    100,
		},
		Watch: WatchConfig{
			Interval:     duration{15 * time.Second},
			Lookback:     duration{24 * time.Hour},
			CompactEvery: 40,
		},
		Notify: NotifyConfig{
			MaxAttempts:    4,
			InitialBackoff: duration{time.Second},
		},
		Store: StoreConfig{
			Backend:   "redis",
			Retention: duration{48 * time.Hour},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "fillwatch",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  4,
			RunMigrations: true,
		},
		Mode:     "poll",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"poll":   true,
	"stream": true,
	"once":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validBackends enumerates the accepted values for Store.Backend.
var validBackends = map[string]bool{
	"redis":    true,
	"postgres": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: poll, stream, once)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Exchange credential: both halves must be present.
	if c.Exchange.ApiKey == "" {
		errs = append(errs, "exchange: api_key must not be empty")
	}
	if c.Exchange.ApiSecret == "" {
		errs = append(errs, "exchange: api_secret must not be empty")
	}
	if c.Exchange.Category == "" {
		errs = append(errs, "exchange: category must not be empty")
	}
	if c.Exchange.RecvWindowMs <= 0 {
		errs = append(errs, "exchange: recv_window_ms must be > 0")
	}
	if c.Exchange.PageLimit < 1 || c.Exchange.PageLimit > 100 {
		errs = append(errs, fmt.Sprintf("exchange: page_limit must be 1-100, got %d", c.Exchange.PageLimit))
	}

	// Watch
	if c.Watch.Interval.Duration < time.Second {
		errs = append(errs, "watch: interval must be at least 1s")
	}
	if c.Watch.Lookback.Duration <= 0 {
		errs = append(errs, "watch: lookback must be > 0")
	}
	if c.Watch.CompactEvery < 1 {
		errs = append(errs, "watch: compact_every must be >= 1")
	}

	// Notify: at least one destination, and a sane retry policy.
	if c.Notify.SlackWebhookURL == "" && c.Notify.DiscordWebhookURL == "" &&
		(c.Notify.TelegramToken == "" || c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: at least one destination must be configured (slack_webhook_url, discord_webhook_url, or telegram_token + telegram_chat_id)")
	}
	if c.Notify.MaxAttempts < 1 {
		errs = append(errs, "notify: max_attempts must be >= 1")
	}
	if c.Notify.InitialBackoff.Duration <= 0 {
		errs = append(errs, "notify: initial_backoff must be > 0")
	}

	// Store: retention below the lookback window would let compaction drop
	// ids the exchange can still return, reopening the duplicate window.
	if !validBackends[strings.ToLower(c.Store.Backend)] {
		errs = append(errs, fmt.Sprintf("store: unknown backend %q (valid: redis, postgres)", c.Store.Backend))
	}
	if c.Store.Retention.Duration < c.Watch.Lookback.Duration {
		errs = append(errs, fmt.Sprintf("store: retention (%s) must be >= watch.lookback (%s)",
			c.Store.Retention.Duration, c.Watch.Lookback.Duration))
	}

	switch strings.ToLower(c.Store.Backend) {
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
