package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrMissingCredentials is returned when the trade API key pair is absent
// from both the configuration file and the environment. Construction fails
// fast on it; nothing in the bridge retries configuration errors.
var ErrMissingCredentials = errors.New("alpaca key id and secret key are required")

const (
	envKeyID     = "APCA_API_KEY_ID"
	envSecretKey = "APCA_API_SECRET_KEY"
	envPaper     = "ALPACA_PAPER"
	envProxyWS   = "DATA_PROXY_WS"

	paperTradeURL = "https://paper-api.alpaca.markets"
	liveTradeURL  = "https://api.alpaca.markets"
	dataURL       = "https://data.alpaca.markets"
	dataStreamURL = "wss://stream.data.alpaca.markets/v2"
)

type Config struct {
	Bridge    BridgeConfig    `yaml:"bridge"`
	Alpaca    AlpacaConfig    `yaml:"alpaca"`
	Feed      FeedConfig      `yaml:"feed"`
	Broker    BrokerConfig    `yaml:"broker"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Recorder  RecorderConfig  `yaml:"recorder"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type BridgeConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// AlpacaConfig carries credentials, mode and endpoint overrides. Endpoints
// are optional; blank values resolve to the public Alpaca hosts for the
// selected mode. ProxyWS, when set, replaces the market data stream address
// so several processes can share the account's single streaming connection
// through an external relay.
type AlpacaConfig struct {
	KeyID     string `yaml:"key_id"`
	SecretKey string `yaml:"secret_key"`
	Paper     bool   `yaml:"paper"`

	TradeURL       string `yaml:"trade_url"`
	DataURL        string `yaml:"data_url"`
	StreamURL      string `yaml:"stream_url"`
	TradeStreamURL string `yaml:"trade_stream_url"`
	ProxyWS        string `yaml:"proxy_ws"`
}

type FeedConfig struct {
	Feed          string        `yaml:"feed"` // iex or sip
	RawBuffer     int           `yaml:"raw_buffer"`
	QueuePolicy   string        `yaml:"queue_policy"` // drop_oldest or block
	QCheck        time.Duration `yaml:"qcheck"`
	Backfill      bool          `yaml:"backfill"`
	BackfillStart bool          `yaml:"backfill_start"`
	Reconnections int           `yaml:"reconnections"` // -1 means forever
	ReconnTimeout time.Duration `yaml:"reconn_timeout"`
}

type BrokerConfig struct {
	AccountRefresh time.Duration `yaml:"account_refresh"`
	UseStream      bool          `yaml:"use_stream"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	NotifyBuffer   int           `yaml:"notify_buffer"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

type RecorderConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Dir           string        `yaml:"dir"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BatchSize     int           `yaml:"batch_size"`
	S3            S3Config      `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level      string           `yaml:"level"`
	Format     string           `yaml:"format"`
	Output     string           `yaml:"output"`
	MaxAge     int              `yaml:"max_age"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

// CloudWatchConfig enables counter publication to CloudWatch alongside the
// periodic report log lines.
type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

// LoadConfig reads the YAML configuration at path, fills blanks from the
// environment and resolves endpoints for the configured mode.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Default returns the configuration the bridge runs with before the file and
// the environment are applied.
func Default() *Config {
	return &Config{
		Bridge: BridgeConfig{Name: "alpacabridge", Version: "dev"},
		Feed: FeedConfig{
			Feed:          "iex",
			RawBuffer:     1024,
			QueuePolicy:   "drop_oldest",
			QCheck:        500 * time.Millisecond,
			Backfill:      true,
			BackfillStart: true,
			Reconnections: -1,
			ReconnTimeout: 5 * time.Second,
		},
		Broker: BrokerConfig{
			AccountRefresh: 10 * time.Second,
			UseStream:      true,
			PollInterval:   time.Second,
			NotifyBuffer:   64,
		},
		RateLimit: RateLimitConfig{RequestsPerMinute: 200, Burst: 10},
		Recorder: RecorderConfig{
			Dir:           "data",
			FlushInterval: time.Minute,
			BatchSize:     500,
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

// ApplyEnv fills credential and proxy blanks from the process environment.
// Values already present in the file keep precedence, except the proxy
// address which the environment always controls when set.
func (c *Config) ApplyEnv() {
	if c.Alpaca.KeyID == "" {
		c.Alpaca.KeyID = strings.TrimSpace(os.Getenv(envKeyID))
	}
	if c.Alpaca.SecretKey == "" {
		c.Alpaca.SecretKey = strings.TrimSpace(os.Getenv(envSecretKey))
	}
	if v := strings.TrimSpace(os.Getenv(envPaper)); v != "" {
		c.Alpaca.Paper = v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	if v := strings.TrimSpace(os.Getenv(envProxyWS)); v != "" {
		c.Alpaca.ProxyWS = v
	}

	if c.Recorder.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			c.Recorder.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			c.Recorder.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			c.Recorder.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			c.Recorder.S3.Bucket = strings.TrimSpace(v)
		}
	}
}

// TradeURL resolves the REST trade API base for the configured mode.
func (c *Config) TradeURL() string {
	if c.Alpaca.TradeURL != "" {
		return strings.TrimRight(c.Alpaca.TradeURL, "/")
	}
	if c.Alpaca.Paper {
		return paperTradeURL
	}
	return liveTradeURL
}

// DataURL resolves the REST market data base.
func (c *Config) DataURL() string {
	if c.Alpaca.DataURL != "" {
		return strings.TrimRight(c.Alpaca.DataURL, "/")
	}
	return dataURL
}

// StreamURL resolves the market data stream address. A configured proxy
// address wins over everything else.
func (c *Config) StreamURL() string {
	if c.Alpaca.ProxyWS != "" {
		return c.Alpaca.ProxyWS
	}
	if c.Alpaca.StreamURL != "" {
		return c.Alpaca.StreamURL
	}
	return dataStreamURL + "/" + c.Feed.Feed
}

// TradeStreamURL resolves the order update stream address. It lives on the
// trade API host, not the data host.
func (c *Config) TradeStreamURL() string {
	if c.Alpaca.TradeStreamURL != "" {
		return c.Alpaca.TradeStreamURL
	}
	base := c.TradeURL()
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/stream"
}

// Validate rejects configurations the bridge cannot run with.
func (c *Config) Validate() error {
	if c.Bridge.Name == "" {
		return fmt.Errorf("bridge.name is required")
	}
	if c.Alpaca.KeyID == "" || c.Alpaca.SecretKey == "" {
		return ErrMissingCredentials
	}
	if c.Feed.Feed != "iex" && c.Feed.Feed != "sip" {
		return fmt.Errorf("feed.feed must be iex or sip, got %q", c.Feed.Feed)
	}
	if c.Feed.RawBuffer <= 0 {
		return fmt.Errorf("feed.raw_buffer must be greater than 0")
	}
	if c.Feed.QueuePolicy != "drop_oldest" && c.Feed.QueuePolicy != "block" {
		return fmt.Errorf("feed.queue_policy must be drop_oldest or block, got %q", c.Feed.QueuePolicy)
	}
	if c.Feed.QCheck <= 0 {
		return fmt.Errorf("feed.qcheck must be greater than 0")
	}
	if c.Feed.ReconnTimeout <= 0 {
		return fmt.Errorf("feed.reconn_timeout must be greater than 0")
	}
	if c.Broker.AccountRefresh <= 0 {
		return fmt.Errorf("broker.account_refresh must be greater than 0")
	}
	if !c.Broker.UseStream && c.Broker.PollInterval <= 0 {
		return fmt.Errorf("broker.poll_interval must be greater than 0 when the trade stream is disabled")
	}
	if c.Broker.NotifyBuffer <= 0 {
		return fmt.Errorf("broker.notify_buffer must be greater than 0")
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("rate_limit.requests_per_minute must be greater than 0")
	}
	if c.Recorder.Enabled {
		if c.Recorder.Dir == "" {
			return fmt.Errorf("recorder.dir is required when the recorder is enabled")
		}
		if c.Recorder.FlushInterval <= 0 {
			return fmt.Errorf("recorder.flush_interval must be greater than 0")
		}
		if c.Recorder.S3.Enabled {
			if c.Recorder.S3.Bucket == "" {
				return fmt.Errorf("recorder.s3.bucket is required when S3 upload is enabled")
			}
			if c.Recorder.S3.Region == "" {
				return fmt.Errorf("recorder.s3.region is required when S3 upload is enabled")
			}
		}
	}
	return nil
}
