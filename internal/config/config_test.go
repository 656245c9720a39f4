package config

import (
	"testing"
	"time"
)

func TestLoadRequiresDBSource(t *testing.T) {
	t.Setenv("DB_SOURCE", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when DB_SOURCE is unset")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgresql://localhost/paygate")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.WorkerCount != 4 {
		t.Errorf("WorkerCount = %d, want 4", cfg.WorkerCount)
	}
	if cfg.PollInterval != time.Second {
		t.Errorf("PollInterval = %s, want 1s", cfg.PollInterval)
	}
	if cfg.BankCallTimeout != 15*time.Second {
		t.Errorf("BankCallTimeout = %s, want 15s", cfg.BankCallTimeout)
	}
	if cfg.RateLimitBalancePerMin != 10 || cfg.RateLimitTxnPerMin != 20 || cfg.RateLimitGlobalPerMin != 1000 {
		t.Errorf("rate limits = %d/%d/%d, want 10/20/1000",
			cfg.RateLimitBalancePerMin, cfg.RateLimitTxnPerMin, cfg.RateLimitGlobalPerMin)
	}
	if cfg.IdempotencyTTL != 24*time.Hour {
		t.Errorf("IdempotencyTTL = %s, want 24h", cfg.IdempotencyTTL)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgresql://localhost/paygate")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("WORKER_COUNT", "16")
	t.Setenv("BANK_SUCCESS_RATE", "0.5")
	t.Setenv("IDEMPOTENCY_KEY_EXPIRY_HOURS", "1")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Port != "9090" {
		t.Errorf("Port = %q, want 9090", cfg.Port)
	}
	if cfg.WorkerCount != 16 {
		t.Errorf("WorkerCount = %d, want 16", cfg.WorkerCount)
	}
	if cfg.BankSuccessRate != 0.5 {
		t.Errorf("BankSuccessRate = %f, want 0.5", cfg.BankSuccessRate)
	}
	if cfg.IdempotencyTTL != time.Hour {
		t.Errorf("IdempotencyTTL = %s, want 1h", cfg.IdempotencyTTL)
	}
}
