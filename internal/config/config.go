// Package config loads service configuration from defaults, an optional
// YAML file, an optional .env file and environment variables, in that order
// of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type ProviderConfig struct {
	BaseURL       string        `yaml:"base_url"`
	ClientID      string        `yaml:"client_id"`
	ClientSecret  string        `yaml:"client_secret"`
	WebhookSecret string        `yaml:"webhook_secret"`
	Timeout       time.Duration `yaml:"timeout"`
}

type GatewayConfig struct {
	// Mode is "simulated" or "http".
	Mode     string        `yaml:"mode"`
	BaseURL  string        `yaml:"base_url"`
	CertPath string        `yaml:"cert_path"`
	KeyPath  string        `yaml:"key_path"`
	CAPath   string        `yaml:"ca_path"`
	Timeout  time.Duration `yaml:"timeout"`

	// WebhookSecret signs payout status callbacks.
	WebhookSecret string `yaml:"webhook_secret"`
}

type JobsConfig struct {
	FeeSweepSpec       string        `yaml:"fee_sweep_cron"`
	PayoutBatchSpec    string        `yaml:"payout_batch_cron"`
	PayoutDispatchSpec string        `yaml:"payout_dispatch_cron"`
	TaxReportSpec      string        `yaml:"tax_report_cron"`
	PayoutBatchSize    int           `yaml:"payout_batch_size"`
	SweepBatchSize     int           `yaml:"sweep_batch_size"`
	MaxRetries         int           `yaml:"max_retries"`
	BackoffBase        time.Duration `yaml:"backoff_base"`
	SweepTimeout       time.Duration `yaml:"sweep_timeout"`
	PayoutTimeout      time.Duration `yaml:"payout_timeout"`
}

type AlertsConfig struct {
	TelegramToken  string   `yaml:"telegram_token"`
	TelegramChatID string   `yaml:"telegram_chat_id"`
	KafkaBrokers   []string `yaml:"kafka_brokers"`
	KafkaTopic     string   `yaml:"kafka_topic"`
}

type Config struct {
	Env         string `yaml:"env"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`

	// AutoMigrate applies the embedded schema at startup.
	AutoMigrate bool `yaml:"auto_migrate"`

	BalanceCacheTTL  time.Duration `yaml:"balance_cache_ttl"`
	WebhookRetention time.Duration `yaml:"webhook_retention"`
	DefaultFeeRate   string        `yaml:"default_fee_rate"`

	Provider ProviderConfig `yaml:"provider"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Alerts   AlertsConfig   `yaml:"alerts"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Env:              "development",
		HTTPPort:         8080,
		MetricsPort:      9102,
		BalanceCacheTTL:  30 * time.Second,
		WebhookRetention: 72 * time.Hour,
		DefaultFeeRate:   "0.029",
		Provider: ProviderConfig{
			Timeout: 10 * time.Second,
		},
		Gateway: GatewayConfig{
			Mode:    "simulated",
			Timeout: 15 * time.Second,
		},
		Jobs: JobsConfig{
			FeeSweepSpec:       "0 * * * *",
			PayoutBatchSpec:    "0 6 * * *",
			PayoutDispatchSpec: "*/15 * * * *",
			TaxReportSpec:      "0 0 1 * *",
			PayoutBatchSize:    50,
			SweepBatchSize:     100,
			MaxRetries:         3,
			BackoffBase:        time.Second,
			SweepTimeout:       60 * time.Second,
			PayoutTimeout:      120 * time.Second,
		},
		Alerts: AlertsConfig{
			KafkaTopic: "settlement.dead-letters",
		},
	}
}

// Load builds the configuration. A missing YAML file or .env file is not an
// error; an unparsable one is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
			slog.Warn("config file not found, using defaults and environment", "path", path)
		default:
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Env = envOrDefault("ENV", cfg.Env)
	cfg.HTTPPort = envInt("PORT", cfg.HTTPPort)
	cfg.MetricsPort = envInt("METRICS_PORT", cfg.MetricsPort)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.AutoMigrate = envBool("AUTO_MIGRATE", cfg.AutoMigrate)
	cfg.BalanceCacheTTL = envDuration("BALANCE_CACHE_TTL", cfg.BalanceCacheTTL)
	cfg.WebhookRetention = envDuration("WEBHOOK_REPLAY_RETENTION", cfg.WebhookRetention)
	cfg.DefaultFeeRate = envOrDefault("DEFAULT_FEE_RATE", cfg.DefaultFeeRate)

	cfg.Provider.BaseURL = envOrDefault("PROVIDER_BASE_URL", cfg.Provider.BaseURL)
	cfg.Provider.ClientID = envOrDefault("PROVIDER_CLIENT_ID", cfg.Provider.ClientID)
	cfg.Provider.ClientSecret = envOrDefault("PROVIDER_CLIENT_SECRET", cfg.Provider.ClientSecret)
	cfg.Provider.WebhookSecret = envOrDefault("PROVIDER_WEBHOOK_SECRET", cfg.Provider.WebhookSecret)
	cfg.Provider.Timeout = envDuration("PROVIDER_TIMEOUT", cfg.Provider.Timeout)

	cfg.Gateway.Mode = envOrDefault("GATEWAY_MODE", cfg.Gateway.Mode)
	cfg.Gateway.BaseURL = envOrDefault("GATEWAY_BASE_URL", cfg.Gateway.BaseURL)
	cfg.Gateway.CertPath = envOrDefault("GATEWAY_CERT_PATH", cfg.Gateway.CertPath)
	cfg.Gateway.KeyPath = envOrDefault("GATEWAY_KEY_PATH", cfg.Gateway.KeyPath)
	cfg.Gateway.CAPath = envOrDefault("GATEWAY_CA_PATH", cfg.Gateway.CAPath)
	cfg.Gateway.Timeout = envDuration("GATEWAY_TIMEOUT", cfg.Gateway.Timeout)
	cfg.Gateway.WebhookSecret = envOrDefault("GATEWAY_WEBHOOK_SECRET", cfg.Gateway.WebhookSecret)

	cfg.Jobs.FeeSweepSpec = envOrDefault("FEE_SWEEP_CRON", cfg.Jobs.FeeSweepSpec)
	cfg.Jobs.PayoutBatchSpec = envOrDefault("PAYOUT_BATCH_CRON", cfg.Jobs.PayoutBatchSpec)
	cfg.Jobs.PayoutDispatchSpec = envOrDefault("PAYOUT_DISPATCH_CRON", cfg.Jobs.PayoutDispatchSpec)
	cfg.Jobs.TaxReportSpec = envOrDefault("TAX_REPORT_CRON", cfg.Jobs.TaxReportSpec)
	cfg.Jobs.PayoutBatchSize = envInt("PAYOUT_BATCH_SIZE", cfg.Jobs.PayoutBatchSize)
	cfg.Jobs.SweepBatchSize = envInt("SWEEP_BATCH_SIZE", cfg.Jobs.SweepBatchSize)
	cfg.Jobs.MaxRetries = envInt("JOB_MAX_RETRIES", cfg.Jobs.MaxRetries)
	cfg.Jobs.BackoffBase = envDuration("JOB_BACKOFF_BASE", cfg.Jobs.BackoffBase)
	cfg.Jobs.SweepTimeout = envDuration("FEE_SWEEP_TIMEOUT", cfg.Jobs.SweepTimeout)
	cfg.Jobs.PayoutTimeout = envDuration("PAYOUT_BATCH_TIMEOUT", cfg.Jobs.PayoutTimeout)

	cfg.Alerts.TelegramToken = envOrDefault("TELEGRAM_BOT_TOKEN", cfg.Alerts.TelegramToken)
	cfg.Alerts.TelegramChatID = envOrDefault("TELEGRAM_CHAT_ID", cfg.Alerts.TelegramChatID)
	cfg.Alerts.KafkaBrokers = envCSV("KAFKA_BROKERS", cfg.Alerts.KafkaBrokers)
	cfg.Alerts.KafkaTopic = envOrDefault("KAFKA_DLQ_TOPIC", cfg.Alerts.KafkaTopic)
}

// Validate rejects settings the services cannot start with.
func (c Config) Validate() error {
	var errs []error
	if _, err := c.FeeRate(); err != nil {
		errs = append(errs, err)
	}
	if c.Jobs.PayoutBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("payout batch size must be positive"))
	}
	if c.Jobs.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("job max retries must be positive"))
	}
	switch c.Gateway.Mode {
	case "simulated":
	case "http":
		if c.Gateway.BaseURL == "" {
			errs = append(errs, fmt.Errorf("missing GATEWAY_BASE_URL for http gateway"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown gateway mode %q", c.Gateway.Mode))
	}
	if c.Production() {
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("missing DATABASE_URL"))
		}
		if c.Provider.WebhookSecret == "" {
			errs = append(errs, fmt.Errorf("missing PROVIDER_WEBHOOK_SECRET"))
		}
		if c.Gateway.Mode == "simulated" {
			errs = append(errs, fmt.Errorf("simulated gateway is not allowed in production"))
		}
	}
	return errors.Join(errs...)
}

// FeeRate parses DefaultFeeRate, which must lie in [0, 1).
func (c Config) FeeRate() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(c.DefaultFeeRate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("default fee rate %q: %w", c.DefaultFeeRate, err)
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("default fee rate %s out of range", rate)
	}
	return rate, nil
}

func (c Config) Production() bool { return c.Env == "production" }

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func envInt(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("ignoring invalid integer env var", "name", name, "value", raw)
		return fallback
	}
	return v
}

func envDuration(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("ignoring invalid duration env var", "name", name, "value", raw)
		return fallback
	}
	return d
}

func envBool(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("ignoring invalid boolean env var", "name", name, "value", raw)
		return fallback
	}
	return v
}

func envCSV(name string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
