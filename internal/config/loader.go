package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies COPYBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known COPYBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file. Per-account credentials are overridden by account ID:
// COPYBOT_ACCOUNT_<ID>_API_KEY and COPYBOT_ACCOUNT_<ID>_API_SECRET.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "COPYBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "COPYBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "COPYBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "COPYBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "COPYBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "COPYBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "COPYBOT_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "COPYBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "COPYBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "COPYBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "COPYBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "COPYBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "COPYBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "COPYBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "COPYBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "COPYBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "COPYBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "COPYBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "COPYBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "COPYBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "COPYBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "COPYBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "COPYBOT_S3_FORCE_PATH_STYLE")
	setInt(&cfg.S3.RetentionDays, "COPYBOT_S3_RETENTION_DAYS")

	// ── Risk ──
	setFloat64(&cfg.Risk.StopLossPct, "COPYBOT_RISK_STOP_LOSS_PCT")
	setFloat64(&cfg.Risk.TakeProfitPct, "COPYBOT_RISK_TAKE_PROFIT_PCT")
	setFloat64(&cfg.Risk.EmergencyLossPct, "COPYBOT_RISK_EMERGENCY_LOSS_PCT")
	setFloat64(&cfg.Risk.TrailingPct, "COPYBOT_RISK_TRAILING_PCT")
	setFloat64(&cfg.Risk.StepTriggerPct, "COPYBOT_RISK_STEP_TRIGGER_PCT")
	setFloat64(&cfg.Risk.SteppedTPPct, "COPYBOT_RISK_STEPPED_TP_PCT")
	setFloat64(&cfg.Risk.ImportBoundPct, "COPYBOT_RISK_IMPORT_BOUND_PCT")
	setInt(&cfg.Risk.MaxPositions, "COPYBOT_RISK_MAX_POSITIONS")
	setInt(&cfg.Risk.MaxHoldHours, "COPYBOT_RISK_MAX_HOLD_HOURS")
	setInt(&cfg.Risk.MaxHoldHoursHard, "COPYBOT_RISK_MAX_HOLD_HOURS_HARD")
	setDuration(&cfg.Risk.EvalInterval, "COPYBOT_RISK_EVAL_INTERVAL")
	setDuration(&cfg.Risk.UnsellableCooldown, "COPYBOT_RISK_UNSELLABLE_COOLDOWN")
	setFloat64(&cfg.Risk.EntrySizeUSD, "COPYBOT_RISK_ENTRY_SIZE_USD")

	// ── Executor ──
	setInt(&cfg.Executor.MaxAttempts, "COPYBOT_EXECUTOR_MAX_ATTEMPTS")
	setDuration(&cfg.Executor.RetryBaseDelay, "COPYBOT_EXECUTOR_RETRY_BASE_DELAY")
	setDuration(&cfg.Executor.SubmitTimeout, "COPYBOT_EXECUTOR_SUBMIT_TIMEOUT")
	setInt(&cfg.Executor.BreakerThreshold, "COPYBOT_EXECUTOR_BREAKER_THRESHOLD")
	setDuration(&cfg.Executor.BreakerCooldown, "COPYBOT_EXECUTOR_BREAKER_COOLDOWN")
	setDuration(&cfg.Executor.ErrorDedupTTL, "COPYBOT_EXECUTOR_ERROR_DEDUP_TTL")

	// ── Nonce ──
	setDuration(&cfg.Nonce.BaseOffset, "COPYBOT_NONCE_BASE_OFFSET")
	setDuration(&cfg.Nonce.RecoveryOffset, "COPYBOT_NONCE_RECOVERY_OFFSET")

	// ── Feed ──
	setBool(&cfg.Feed.Enabled, "COPYBOT_FEED_ENABLED")
	setStr(&cfg.Feed.URL, "COPYBOT_FEED_URL")
	setStringSlice(&cfg.Feed.Symbols, "COPYBOT_FEED_SYMBOLS")
	setDuration(&cfg.Feed.StaleMax, "COPYBOT_FEED_STALE_MAX")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "COPYBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "COPYBOT_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "COPYBOT_SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "COPYBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "COPYBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "COPYBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "COPYBOT_NOTIFY_EVENTS")

	// ── Per-account credentials ──
	for i := range cfg.Accounts {
		id := strings.ToUpper(strings.ReplaceAll(cfg.Accounts[i].ID, "-", "_"))
		setStr(&cfg.Accounts[i].ApiKey, "COPYBOT_ACCOUNT_"+id+"_API_KEY")
		setStr(&cfg.Accounts[i].ApiSecret, "COPYBOT_ACCOUNT_"+id+"_API_SECRET")
		setStr(&cfg.Accounts[i].ApiPassphrase, "COPYBOT_ACCOUNT_"+id+"_API_PASSPHRASE")
	}

	// ── Top-level ──
	setStr(&cfg.Mode, "COPYBOT_MODE")
	setStr(&cfg.LogLevel, "COPYBOT_LOG_LEVEL")
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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
