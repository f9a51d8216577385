package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies FILLWATCH_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
//
// A missing file is not an error: deployments that configure everything
// through the environment (the original script's style) run without a TOML
// file at all.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known FILLWATCH_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Exchange ──
	setStr(&cfg.Exchange.ApiKey, "FILLWATCH_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.ApiSecret, "FILLWATCH_EXCHANGE_API_SECRET")
	setBool(&cfg.Exchange.Testnet, "FILLWATCH_EXCHANGE_TESTNET")
	setStr(&cfg.Exchange.Category, "FILLWATCH_EXCHANGE_CATEGORY")
	setInt(&cfg.Exchange.RecvWindowMs, "FILLWATCH_EXCHANGE_RECV_WINDOW_MS")
	setInt(&cfg.Exchange.PageLimit, "FILLWATCH_EXCHANGE_PAGE_LIMIT")

	// ── Watch ──
	setDuration(&cfg.Watch.Interval, "FILLWATCH_WATCH_INTERVAL")
	setDuration(&cfg.Watch.Lookback, "FILLWATCH_WATCH_LOOKBACK")
	setInt(&cfg.Watch.CompactEvery, "FILLWATCH_WATCH_COMPACT_EVERY")

	// ── Notify ──
	setStr(&cfg.Notify.SlackWebhookURL, "FILLWATCH_NOTIFY_SLACK_WEBHOOK_URL")
	setStr(&cfg.Notify.SlackWebhookURL, "SLACK_WEBHOOK_URL") // compatibility alias
	setStr(&cfg.Notify.DiscordWebhookURL, "FILLWATCH_NOTIFY_DISCORD_WEBHOOK_URL")
	setStr(&cfg.Notify.TelegramToken, "FILLWATCH_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "FILLWATCH_NOTIFY_TELEGRAM_CHAT_ID")
	setInt(&cfg.Notify.MaxAttempts, "FILLWATCH_NOTIFY_MAX_ATTEMPTS")
	setDuration(&cfg.Notify.InitialBackoff, "FILLWATCH_NOTIFY_INITIAL_BACKOFF")

	// ── Store ──
	setStr(&cfg.Store.Backend, "FILLWATCH_STORE_BACKEND")
	setDuration(&cfg.Store.Retention, "FILLWATCH_STORE_RETENTION")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "FILLWATCH_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "FILLWATCH_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "FILLWATCH_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "FILLWATCH_REDIS_POOL_SIZE")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "FILLWATCH_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "FILLWATCH_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "FILLWATCH_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "FILLWATCH_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "FILLWATCH_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "FILLWATCH_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "FILLWATCH_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "FILLWATCH_POSTGRES_POOL_MAX_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "FILLWATCH_POSTGRES_RUN_MIGRATIONS")

	// ── Top-level ──
	setStr(&cfg.Mode, "FILLWATCH_MODE")
	setStr(&cfg.LogLevel, "FILLWATCH_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
