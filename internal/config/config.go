// Package config loads process configuration from the environment and the
// network/provider table from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config is the process configuration shared by the API server and the worker.
type Config struct {
	Env       string `env:"APP_ENV,default=development"`
	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`

	HTTPAddr       string `env:"HTTP_ADDR,default=:8080"`
	WorkerHTTPAddr string `env:"WORKER_HTTP_ADDR,default=:8081"`
	DatabaseURL    string `env:"DATABASE_URL"`
	RedisURL       string `env:"REDIS_URL"`
	NetworkFile    string `env:"NETWORK_CONFIG,default=config/settlement.yaml"`

	SignerKey      string  `env:"SIGNER_PRIVATE_KEY"`
	AdminJWTSecret string  `env:"ADMIN_JWT_SECRET"`
	RateLimitRPS   float64 `env:"API_RATE_LIMIT_RPS,default=20"`
	RateLimitBurst int     `env:"API_RATE_LIMIT_BURST,default=40"`

	Allocation   AllocationConfig
	Disbursement DisbursementConfig
	Rewards      RewardsConfig
}

// AllocationConfig tunes the allocation coordinator.
type AllocationConfig struct {
	ReceiptAttempts int           `env:"RECEIPT_ATTEMPTS,default=10"`
	ReceiptDelay    time.Duration `env:"RECEIPT_DELAY,default=3s"`
	ChainTimeout    time.Duration `env:"ALLOCATION_TIMEOUT,default=15s"`
	HistoryLimit    int           `env:"SETTLEMENT_HISTORY_LIMIT,default=10"`
	PollSchedule    string        `env:"STATUS_POLL_SCHEDULE,default=@every 30s"`
	PollBatch       int           `env:"STATUS_POLL_BATCH,default=50"`
	StaleClaimAfter time.Duration `env:"STALE_CLAIM_AFTER,default=10m"`
	MaxAutoRetries  int           `env:"SETTLEMENT_MAX_AUTO_RETRIES,default=5"`
	RetryBackoff    time.Duration `env:"SETTLEMENT_RETRY_BACKOFF,default=2m"`
	ReadConcurrency int           `env:"CHAIN_READ_CONCURRENCY,default=4"`
	ReadInterval    time.Duration `env:"CHAIN_READ_INTERVAL,default=100ms"`
}

// DisbursementConfig tunes the disbursement worker.
type DisbursementConfig struct {
	Chain          string        `env:"PAYOUT_CHAIN"`
	Asset          string        `env:"PAYOUT_ASSET,default=USDT"`
	FiatCurrency   string        `env:"PAYOUT_FIAT_CURRENCY,default=KES"`
	PollInterval   time.Duration `env:"DISBURSEMENT_POLL_INTERVAL,default=5s"`
	MaxRetries     int           `env:"DISBURSEMENT_MAX_RETRIES,default=5"`
	BaseBackoff    time.Duration `env:"DISBURSEMENT_BASE_BACKOFF,default=1m"`
	MaxBackoff     time.Duration `env:"DISBURSEMENT_MAX_BACKOFF,default=5m"`
	GasPadPercent  int64         `env:"GAS_PAD_PERCENT,default=20"`
	ConfirmTimeout time.Duration `env:"DISBURSEMENT_CONFIRM_TIMEOUT,default=2m"`
	RateURL        string        `env:"RATE_PROVIDER_URL"`
	RateAPIKey     string        `env:"RATE_PROVIDER_API_KEY"`
	RatePath       string        `env:"RATE_PROVIDER_PATH,default=$.rates.KES"`
	RateTTL        time.Duration `env:"RATE_CACHE_TTL,default=5m"`
	FallbackRate   string        `env:"FALLBACK_RATE,default=129.5"`
	AlertInterval  time.Duration `env:"ALERT_INTERVAL,default=1h"`
}

// RewardsConfig tunes the XP engine.
type RewardsConfig struct {
	XPPerUSD       int64 `env:"XP_PER_USD,default=1"`
	VerificationXP int64 `env:"VERIFICATION_XP,default=50"`
	ActivityXP     int64 `env:"ACTIVITY_XP,default=5"`
}

// Load reads an optional .env file then decodes the environment.
func Load() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges that envdecode cannot express.
func (c *Config) Validate() error {
	if c.Allocation.ReceiptAttempts <= 0 {
		return fmt.Errorf("RECEIPT_ATTEMPTS must be positive")
	}
	if c.Allocation.HistoryLimit <= 0 {
		return fmt.Errorf("SETTLEMENT_HISTORY_LIMIT must be positive")
	}
	if c.Allocation.MaxAutoRetries <= 0 {
		return fmt.Errorf("SETTLEMENT_MAX_AUTO_RETRIES must be positive")
	}
	if c.Allocation.ChainTimeout <= 0 {
		return fmt.Errorf("ALLOCATION_TIMEOUT must be positive")
	}
	if c.Disbursement.MaxRetries < 0 {
		return fmt.Errorf("DISBURSEMENT_MAX_RETRIES must not be negative")
	}
	if c.Disbursement.BaseBackoff > c.Disbursement.MaxBackoff {
		return fmt.Errorf("DISBURSEMENT_BASE_BACKOFF exceeds DISBURSEMENT_MAX_BACKOFF")
	}
	return nil
}

// IsProduction reports whether the process runs in production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
