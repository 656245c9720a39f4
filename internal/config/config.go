package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	DBSource      string
	Port          string
	Env           string
	WebhookSecret string

	WorkerCount  int
	PollInterval time.Duration

	BankMinDelay    time.Duration
	BankMaxDelay    time.Duration
	BankSuccessRate float64
	BankCallTimeout time.Duration

	RateLimitBalancePerMin int
	RateLimitTxnPerMin     int
	RateLimitGlobalPerMin  int

	IdempotencyTTL time.Duration
}

func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("WEBHOOK_SECRET", "your-webhook-secret-change-in-production")
	v.SetDefault("WORKER_COUNT", 4)
	v.SetDefault("WORKER_POLL_INTERVAL", "1s")
	v.SetDefault("BANK_MIN_DELAY", "2s")
	v.SetDefault("BANK_MAX_DELAY", "10s")
	v.SetDefault("BANK_SUCCESS_RATE", 0.9)
	v.SetDefault("BANK_CALL_TIMEOUT", "15s")
	v.SetDefault("RATE_LIMIT_BALANCE_PER_MIN", 10)
	v.SetDefault("RATE_LIMIT_TRANSACTIONS_PER_MIN", 20)
	v.SetDefault("RATE_LIMIT_GLOBAL_PER_MIN", 1000)
	v.SetDefault("IDEMPOTENCY_KEY_EXPIRY_HOURS", 24)

	dbSource := v.GetString("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	return &Config{
		DBSource:      dbSource,
		Port:          v.GetString("SERVER_PORT"),
		Env:           v.GetString("ENVIRONMENT"),
		WebhookSecret: v.GetString("WEBHOOK_SECRET"),

		WorkerCount:  v.GetInt("WORKER_COUNT"),
		PollInterval: v.GetDuration("WORKER_POLL_INTERVAL"),

		BankMinDelay:    v.GetDuration("BANK_MIN_DELAY"),
		BankMaxDelay:    v.GetDuration("BANK_MAX_DELAY"),
		BankSuccessRate: v.GetFloat64("BANK_SUCCESS_RATE"),
		BankCallTimeout: v.GetDuration("BANK_CALL_TIMEOUT"),

		RateLimitBalancePerMin: v.GetInt("RATE_LIMIT_BALANCE_PER_MIN"),
		RateLimitTxnPerMin:     v.GetInt("RATE_LIMIT_TRANSACTIONS_PER_MIN"),
		RateLimitGlobalPerMin:  v.GetInt("RATE_LIMIT_GLOBAL_PER_MIN"),

		IdempotencyTTL: time.Duration(v.GetInt("IDEMPOTENCY_KEY_EXPIRY_HOURS")) * time.Hour,
	}, nil
}
