package config

import (
	"strings"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("KITEFEED_KITE_API_KEY", "key")
	t.Setenv("KITEFEED_KITE_USER_ID", "AB1234")
	t.Setenv("KITEFEED_KITE_PASSWORD", "hunter2")
	t.Setenv("KITEFEED_KITE_TOTP_SECRET", "JBSWY3DPEHPK3PXP")
}

func TestLoad_EnvOnly(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("KITEFEED_FEED_TOKENS", "408065, 738561")
	t.Setenv("KITEFEED_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Kite.APIKey != "key" || cfg.Kite.UserID != "AB1234" {
		t.Errorf("credentials not loaded: %+v", cfg.Kite)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q, want debug", cfg.LogLevel)
	}
	tokens := cfg.ParseTokens()
	if len(tokens) != 2 || tokens[0] != 408065 || tokens[1] != 738561 {
		t.Errorf("tokens = %v", tokens)
	}
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Feed.Mode != "full" {
		t.Errorf("mode = %q, want full", cfg.Feed.Mode)
	}
	if cfg.Feed.QueueCapacity != 10000 {
		t.Errorf("queue capacity = %d, want 10000", cfg.Feed.QueueCapacity)
	}
	if cfg.Batch.Size != 200 || cfg.Batch.Interval != 5*time.Second {
		t.Errorf("batch = %+v", cfg.Batch)
	}
	if cfg.Staleness.Window != 5*time.Minute {
		t.Errorf("staleness window = %v", cfg.Staleness.Window)
	}
	if !cfg.Feed.EnforceMarketHours {
		t.Error("market hours gating should default on")
	}
}

func TestLoad_MissingCredentials(t *testing.T) {
	t.Setenv("KITEFEED_KITE_API_KEY", "key")
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for missing credentials")
	}
	if !strings.Contains(err.Error(), "kite.user_id") {
		t.Errorf("error should name the missing key, got %v", err)
	}
}

func TestLoad_EnctokenSkipsLoginCredentials(t *testing.T) {
	t.Setenv("KITEFEED_KITE_API_KEY", "key")
	t.Setenv("KITEFEED_KITE_USER_ID", "AB1234")
	t.Setenv("KITEFEED_KITE_ENCTOKEN", "enc-token")
	if _, err := Load(); err != nil {
		t.Errorf("enctoken-only config rejected: %v", err)
	}
}

func TestLoad_InvalidMode(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("KITEFEED_FEED_MODE", "turbo")
	if _, err := Load(); err == nil {
		t.Error("expected error for invalid mode")
	}
}

func TestParseTokens_SkipsInvalid(t *testing.T) {
	cfg := &Config{Feed: FeedConfig{Tokens: "1, x, 2,, 3"}}
	tokens := cfg.ParseTokens()
	if len(tokens) != 3 || tokens[0] != 1 || tokens[2] != 3 {
		t.Errorf("tokens = %v, want [1 2 3]", tokens)
	}
}
