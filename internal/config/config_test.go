package config

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SETTLEMENT_MAX_ATTEMPTS", "")
	t.Setenv("SETTLEMENT_PARTIAL_POLICY", "")
	t.Setenv("WEBHOOK_BASE_DELAY_MS", "")

	cfg := Load()
	if cfg.MaxAttempts != 5 {
		t.Errorf("expected MaxAttempts=5, got %d", cfg.MaxAttempts)
	}
	if cfg.StaleClaimAfter != 10*time.Minute {
		t.Errorf("expected StaleClaimAfter=10m, got %s", cfg.StaleClaimAfter)
	}
	if cfg.WebhookBaseDelay != time.Second {
		t.Errorf("expected WebhookBaseDelay=1s, got %s", cfg.WebhookBaseDelay)
	}
	if cfg.PartialPolicy != "wait" {
		t.Errorf("expected PartialPolicy=wait, got %s", cfg.PartialPolicy)
	}
	if cfg.PaymentTimeout != 0 {
		t.Errorf("expected payment timeout disabled, got %s", cfg.PaymentTimeout)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("SETTLEMENT_MAX_ATTEMPTS", "3")
	t.Setenv("SETTLEMENT_PAYMENT_TIMEOUT_HOURS", "48")
	t.Setenv("SETTLEMENT_PARTIAL_POLICY", "Force_Settle")
	t.Setenv("OPERATOR_IDS", "ops-1, ops-2,")
	t.Setenv("WEBHOOK_MAX_RETRIES", "not-a-number")

	cfg := Load()
	if cfg.MaxAttempts != 3 {
		t.Errorf("expected MaxAttempts=3, got %d", cfg.MaxAttempts)
	}
	if cfg.PaymentTimeout != 48*time.Hour {
		t.Errorf("expected PaymentTimeout=48h, got %s", cfg.PaymentTimeout)
	}
	if cfg.PartialPolicy != "force_settle" {
		t.Errorf("expected PartialPolicy=force_settle, got %s", cfg.PartialPolicy)
	}
	if cfg.WebhookMaxRetries != 3 {
		t.Errorf("expected fallback WebhookMaxRetries=3, got %d", cfg.WebhookMaxRetries)
	}
	if !cfg.IsOperator("ops-2") || cfg.IsOperator("creator-1") {
		t.Errorf("unexpected operator list: %v", cfg.OperatorIDs)
	}
}

func TestValidate_NormalizesUnknownValues(t *testing.T) {
	cfg := &Config{
		MaxAttempts:   0,
		PartialPolicy: "refund",
		SignerBackend: "solana",
		JWTSecret:     "x",
	}
	cfg.Validate(zap.NewNop())

	if cfg.MaxAttempts != 1 {
		t.Errorf("expected MaxAttempts=1, got %d", cfg.MaxAttempts)
	}
	if cfg.PartialPolicy != "wait" {
		t.Errorf("expected PartialPolicy=wait, got %s", cfg.PartialPolicy)
	}
	if cfg.SignerBackend != SignerBackendHTTP {
		t.Errorf("expected SignerBackend=http, got %s", cfg.SignerBackend)
	}
	if cfg.PollInterval != 30*time.Second {
		t.Errorf("expected PollInterval=30s, got %s", cfg.PollInterval)
	}
	if cfg.WebhookBaseDelay != time.Second {
		t.Errorf("expected WebhookBaseDelay=1s, got %s", cfg.WebhookBaseDelay)
	}
	if cfg.PollFanOut != 1 {
		t.Errorf("expected PollFanOut=1, got %d", cfg.PollFanOut)
	}
}
