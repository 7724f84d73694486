// Package config defines the top-level configuration for the copybot trading
// daemon and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by COPYBOT_* environment variables.
type Config struct {
	Accounts []AccountConfig `toml:"accounts"`
	Risk     RiskConfig      `toml:"risk"`
	Executor ExecutorConfig  `toml:"executor"`
	Nonce    NonceConfig     `toml:"nonce"`
	Postgres PostgresConfig  `toml:"postgres"`
	Redis    RedisConfig     `toml:"redis"`
	S3       S3Config        `toml:"s3"`
	Feed     FeedConfig      `toml:"feed"`
	Server   ServerConfig    `toml:"server"`
	Notify   NotifyConfig    `toml:"notify"`
	Mode     string          `toml:"mode"`
	LogLevel string          `toml:"log_level"`
}

// AccountConfig describes one brokerage account. Exactly one master account
// must exist per broker kind before any user account of that kind.
type AccountConfig struct {
	ID            string   `toml:"id"`
	Role          string   `toml:"role"` // "master" or "user"
	Broker        string   `toml:"broker"`
	ApiKey        string   `toml:"api_key"`
	ApiSecret     string   `toml:"api_secret"`
	ApiPassphrase string   `toml:"api_passphrase"`
	Symbols       []string `toml:"symbols"`
}

// RiskConfig holds the exit-policy parameters applied by the risk governor.
// Percentages are fractional (0.05 = 5%).
type RiskConfig struct {
	StopLossPct      float64  `toml:"stop_loss_pct"`
	TakeProfitPct    float64  `toml:"take_profit_pct"`
	EmergencyLossPct float64  `toml:"emergency_loss_pct"`
	TrailingPct      float64  `toml:"trailing_pct"`
	StepTriggerPct   float64  `toml:"step_trigger_pct"`
	SteppedTPPct     float64  `toml:"stepped_tp_pct"`
	ImportBoundPct   float64  `toml:"import_bound_pct"`
	MaxPositions     int      `toml:"max_positions"`
	MaxHoldHours     int      `toml:"max_hold_hours"`
	MaxHoldHoursHard int      `toml:"max_hold_hours_hard"`
	EvalInterval     duration `toml:"eval_interval"`
	UnsellableCooldown duration `toml:"unsellable_cooldown"`
	EntrySizeUSD     float64  `toml:"entry_size_usd"`
}

// ExecutorConfig holds retry and circuit-breaker parameters for the
// execution coordinator.
type ExecutorConfig struct {
	MaxAttempts      int      `toml:"max_attempts"`
	RetryBaseDelay   duration `toml:"retry_base_delay"`
	SubmitTimeout    duration `toml:"submit_timeout"`
	BreakerThreshold int      `toml:"breaker_threshold"`
	BreakerCooldown  duration `toml:"breaker_cooldown"`
	ErrorDedupTTL    duration `toml:"error_dedup_ttl"`
}

// NonceConfig tunes the nonce sequencer offsets. The exchange-side nonce
// memory window is observed behavior, not documented contract, so both
// offsets are tunables rather than constants.
type NonceConfig struct {
	BaseOffset     duration `toml:"base_offset"`
	RecoveryOffset duration `toml:"recovery_offset"`
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
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for trade archival.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	RetentionDays  int    `toml:"retention_days"`
}

// FeedConfig holds parameters for the websocket ticker feed that keeps the
// price cache warm.
type FeedConfig struct {
	Enabled  bool     `toml:"enabled"`
	URL      string   `toml:"url"`
	Symbols  []string `toml:"symbols"`
	StaleMax duration `toml:"stale_max"`
}

// ServerConfig holds HTTP ops-server parameters.
type ServerConfig struct {
	Enabled bool   `toml:"enabled"`
	Port    int    `toml:"port"`
	APIKey  string `toml:"api_key"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
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
		Risk: RiskConfig{
			StopLossPct:        0.05,
			TakeProfitPct:      0.05,
			EmergencyLossPct:   0.10,
			TrailingPct:        0.03,
			StepTriggerPct:     0.03,
			SteppedTPPct:       0.08,
			ImportBoundPct:     0.05,
			MaxPositions:       10,
			MaxHoldHours:       48,
			MaxHoldHoursHard:   168,
			EvalInterval:       duration{15 * time.Second},
			UnsellableCooldown: duration{10 * time.Minute},
			EntrySizeUSD:       100,
		},
		Executor: ExecutorConfig{
			MaxAttempts:      5,
			RetryBaseDelay:   duration{2 * time.Second},
			SubmitTimeout:    duration{30 * time.Second},
			BreakerThreshold: 5,
			BreakerCooldown:  duration{60 * time.Second},
			ErrorDedupTTL:    duration{10 * time.Minute},
		},
		Nonce: NonceConfig{
			BaseOffset:     duration{15 * time.Second},
			RecoveryOffset: duration{240 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "copybot",
			User:          "copybot",
			SSLMode:       "disable",
			PoolMaxConns:  8,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 8,
		},
		S3: S3Config{
			Region:        "us-east-1",
			RetentionDays: 90,
		},
		Feed: FeedConfig{
			StaleMax: duration{30 * time.Second},
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8090,
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"trade":   true,
	"paper":   true,
	"monitor": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the configuration for internal consistency and returns an
// error listing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, paper, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if len(c.Accounts) == 0 {
		errs = append(errs, "accounts: at least one account must be configured")
	}

	seen := make(map[string]bool, len(c.Accounts))
	masters := make(map[string]int)
	for i, acc := range c.Accounts {
		prefix := fmt.Sprintf("accounts[%d]", i)
		if acc.ID == "" {
			errs = append(errs, prefix+": id must not be empty")
			continue
		}
		if seen[acc.ID] {
			errs = append(errs, fmt.Sprintf("%s: duplicate account id %q", prefix, acc.ID))
		}
		seen[acc.ID] = true

		switch acc.Role {
		case "master":
			masters[acc.Broker]++
		case "user":
		default:
			errs = append(errs, fmt.Sprintf("%s: role must be master or user, got %q", prefix, acc.Role))
		}

		if _, err := parseBroker(acc.Broker); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", prefix, err))
		}

		// Real venues need credentials; the paper broker does not.
		if c.Mode == "trade" && acc.Broker != "paper" {
			if acc.ApiKey == "" || acc.ApiSecret == "" {
				errs = append(errs, prefix+": api_key and api_secret are required in trade mode")
			}
		}
	}

	// Every user account needs a master of the same broker kind.
	for i, acc := range c.Accounts {
		if acc.Role == "user" && masters[acc.Broker] == 0 {
			errs = append(errs, fmt.Sprintf("accounts[%d]: user account %q has no master for broker %q", i, acc.ID, acc.Broker))
		}
	}
	for kind, n := range masters {
		if n > 1 {
			errs = append(errs, fmt.Sprintf("accounts: %d master accounts for broker %q, want exactly 1", n, kind))
		}
	}

	// Risk thresholds.
	if c.Risk.StopLossPct <= 0 || c.Risk.StopLossPct >= 1 {
		errs = append(errs, fmt.Sprintf("risk: stop_loss_pct must be in (0,1), got %f", c.Risk.StopLossPct))
	}
	if c.Risk.TakeProfitPct <= 0 {
		errs = append(errs, "risk: take_profit_pct must be positive")
	}
	if c.Risk.EmergencyLossPct <= c.Risk.StopLossPct {
		errs = append(errs, fmt.Sprintf("risk: emergency_loss_pct (%f) must exceed stop_loss_pct (%f)",
			c.Risk.EmergencyLossPct, c.Risk.StopLossPct))
	}
	if c.Risk.SteppedTPPct <= c.Risk.TakeProfitPct {
		errs = append(errs, "risk: stepped_tp_pct must exceed take_profit_pct")
	}
	if c.Risk.MaxPositions <= 0 {
		errs = append(errs, "risk: max_positions must be positive")
	}

	// Executor.
	if c.Executor.MaxAttempts <= 0 {
		errs = append(errs, "executor: max_attempts must be positive")
	}
	if c.Executor.BreakerThreshold <= 0 {
		errs = append(errs, "executor: breaker_threshold must be positive")
	}

	// Nonce offsets.
	if c.Nonce.BaseOffset.Duration <= 0 {
		errs = append(errs, "nonce: base_offset must be positive")
	}
	if c.Nonce.RecoveryOffset.Duration < c.Nonce.BaseOffset.Duration {
		errs = append(errs, "nonce: recovery_offset must be >= base_offset")
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server: invalid port %d", c.Server.Port))
	}

	if c.Feed.Enabled && c.Feed.URL == "" {
		errs = append(errs, "feed: url is required when the feed is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// parseBroker mirrors domain.ParseBrokerKind without importing it, keeping
// config free of domain dependencies.
func parseBroker(s string) (string, error) {
	switch s {
	case "coinbase", "kraken", "alpaca", "paper":
		return s, nil
	default:
		return "", fmt.Errorf("unknown broker kind %q", s)
	}
}
