package config

import (
	"errors"
	"os"
	"testing"
)

// writeTempConfig creates a minimal configuration file required for
// LoadConfig and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t, `bridge:
  name: "TestBridge"
  version: "1.0"
alpaca:
  key_id: "PKTEST"
  secret_key: "secret"
  paper: true
`)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Bridge.Name != "TestBridge" {
		t.Errorf("unexpected name: %s", cfg.Bridge.Name)
	}
	if cfg.Feed.Feed != "iex" {
		t.Errorf("expected default feed iex, got %s", cfg.Feed.Feed)
	}
	if cfg.TradeURL() != "https://paper-api.alpaca.markets" {
		t.Errorf("unexpected trade url: %s", cfg.TradeURL())
	}
}

func TestLoadConfigMissingCredentials(t *testing.T) {
	t.Setenv("APCA_API_KEY_ID", "")
	t.Setenv("APCA_API_SECRET_KEY", "")
	path := writeTempConfig(t, `bridge:
  name: "TestBridge"
`)
	defer os.Remove(path)

	_, err := LoadConfig(path)
	if !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("APCA_API_KEY_ID", "PKENV")
	t.Setenv("APCA_API_SECRET_KEY", "envsecret")
	t.Setenv("ALPACA_PAPER", "true")
	t.Setenv("DATA_PROXY_WS", "ws://localhost:8765")

	cfg := Default()
	cfg.ApplyEnv()

	if cfg.Alpaca.KeyID != "PKENV" {
		t.Errorf("key id not read from environment: %s", cfg.Alpaca.KeyID)
	}
	if !cfg.Alpaca.Paper {
		t.Error("paper flag not read from environment")
	}
	if cfg.StreamURL() != "ws://localhost:8765" {
		t.Errorf("proxy address must win over defaults, got %s", cfg.StreamURL())
	}
}

func TestExplicitValuesWinOverEnv(t *testing.T) {
	t.Setenv("APCA_API_KEY_ID", "PKENV")
	t.Setenv("APCA_API_SECRET_KEY", "envsecret")

	cfg := Default()
	cfg.Alpaca.KeyID = "PKFILE"
	cfg.Alpaca.SecretKey = "filesecret"
	cfg.ApplyEnv()

	if cfg.Alpaca.KeyID != "PKFILE" || cfg.Alpaca.SecretKey != "filesecret" {
		t.Errorf("explicit credentials must win over environment: %s", cfg.Alpaca.KeyID)
	}
}

func TestStreamURLs(t *testing.T) {
	cfg := Default()
	cfg.Alpaca.KeyID = "k"
	cfg.Alpaca.SecretKey = "s"
	cfg.Alpaca.Paper = true

	if got := cfg.StreamURL(); got != "wss://stream.data.alpaca.markets/v2/iex" {
		t.Errorf("unexpected stream url: %s", got)
	}
	if got := cfg.TradeStreamURL(); got != "wss://paper-api.alpaca.markets/stream" {
		t.Errorf("unexpected trade stream url: %s", got)
	}

	cfg.Feed.Feed = "sip"
	if got := cfg.StreamURL(); got != "wss://stream.data.alpaca.markets/v2/sip" {
		t.Errorf("unexpected sip stream url: %s", got)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad feed", func(c *Config) { c.Feed.Feed = "polygon" }},
		{"zero buffer", func(c *Config) { c.Feed.RawBuffer = 0 }},
		{"bad policy", func(c *Config) { c.Feed.QueuePolicy = "drop_newest" }},
		{"zero refresh", func(c *Config) { c.Broker.AccountRefresh = 0 }},
		{"poll without interval", func(c *Config) { c.Broker.UseStream = false; c.Broker.PollInterval = 0 }},
		{"recorder without dir", func(c *Config) { c.Recorder.Enabled = true; c.Recorder.Dir = "" }},
		{"s3 without bucket", func(c *Config) { c.Recorder.Enabled = true; c.Recorder.S3.Enabled = true }},
	}
	for _, c := range cases {
		cfg := Default()
		cfg.Alpaca.KeyID = "k"
		cfg.Alpaca.SecretKey = "s"
		c.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", c.name)
		}
	}
}

func TestAppEnvironment(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	if got := AppEnvironment(); got != "production" {
		t.Errorf("alias not normalised: %s", got)
	}
	if !IsProductionLike("production") || IsProductionLike("development") {
		t.Error("unexpected production-like classification")
	}
}
