package internal

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the application configuration shared by the ingest server and
// the publish worker. Values support ${ENV} expansion.
type Config struct {
	// Server holds HTTP server settings for the ingest binary.
	Server struct {
		Port           int    `yaml:"port"`
		ReadTimeoutMS  int64  `yaml:"read_timeout_ms"`
		WriteTimeoutMS int64  `yaml:"write_timeout_ms"`
		IdleTimeoutMS  int64  `yaml:"idle_timeout_ms"`
		ReadHeaderMS   int64  `yaml:"read_header_timeout_ms"`
		MaxBodyBytes   int64  `yaml:"max_body_bytes"`
		RateLimitRPS   int64  `yaml:"rate_limit_rps"`
		RateLimitBurst int64  `yaml:"rate_limit_burst"`
		MetricsEnabled bool   `yaml:"metrics_enabled"`
		MetricsPath    string `yaml:"metrics_path"`
	} `yaml:"server"`

	// GitHub holds webhook and polling settings.
	GitHub struct {
		WebhookPath   string `yaml:"webhook_path"`
		WebhookSecret string `yaml:"webhook_secret"`
		BaseURL       string `yaml:"base_url"`
		Token         string `yaml:"token"`
		PollEnabled   bool   `yaml:"poll_enabled"`
		PollIntervalS int64  `yaml:"poll_interval_s"`
	} `yaml:"github"`

	// LinkedIn holds settings for the outbound share API and OAuth refresh.
	LinkedIn struct {
		BaseURL           string        `yaml:"base_url"`
		OAuthClientID     string        `yaml:"oauth_client_id"`
		OAuthClientSecret string        `yaml:"oauth_client_secret"`
		TokenURL          string        `yaml:"token_url"`
		Grants            []GrantConfig `yaml:"grants"`
	} `yaml:"linkedin"`

	// Storage holds the relational store settings.
	Storage StorageConfig `yaml:"storage"`

	// Watermill holds configuration for the message bus.
	Watermill WatermillConfig `yaml:"watermill"`

	// Publish holds the retry/backoff tunables for the publish worker.
	Publish PublishConfig `yaml:"publish"`
}

// GrantConfig is one user's LinkedIn OAuth grant, loaded at startup to
// seed the credential store. A grant with only a refresh token is
// exchanged for an access token on first use.
type GrantConfig struct {
	UserID       string `yaml:"user_id"`
	AccessToken  string `yaml:"access_token"`
	RefreshToken string `yaml:"refresh_token"`
}

// StorageConfig selects the SQL backend for the GORM stores.
type StorageConfig struct {
	Driver      string `yaml:"driver"`
	DSN         string `yaml:"dsn"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// PublishConfig bounds publish attempts. Backoff is exponential, doubling
// per attempt up to the cap; re-attempts are driven by the sweeper, never
// by a goroutine sleeping on the post.
type PublishConfig struct {
	MaxAttempts      int   `yaml:"max_attempts"`
	BackoffBaseMS    int64 `yaml:"backoff_base_ms"`
	BackoffCapMS     int64 `yaml:"backoff_cap_ms"`
	SweepIntervalS   int64 `yaml:"sweep_interval_s"`
	RequestTimeoutMS int64 `yaml:"request_timeout_ms"`
	Concurrency      int   `yaml:"concurrency"`
}

// WatermillConfig holds configuration for the message router.
type WatermillConfig struct {
	Driver       string             `yaml:"driver"`
	Drivers      []string           `yaml:"drivers"`
	GoChannel    GoChannelConfig    `yaml:"gochannel"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	NATS         NATSConfig         `yaml:"nats"`
	AMQP         AMQPConfig         `yaml:"amqp"`
	SQL          SQLConfig          `yaml:"sql"`
	HTTP         HTTPConfig         `yaml:"http"`
	JobQueue     JobQueueConfig     `yaml:"jobqueue"`
	PublishRetry PublishRetryConfig `yaml:"publish_retry"`
}

// GoChannelConfig holds configuration for the GoChannel pub/sub.
type GoChannelConfig struct {
	OutputChannelBuffer            int64 `yaml:"output_buffer"`
	Persistent                     bool  `yaml:"persistent"`
	BlockPublishUntilSubscriberAck bool  `yaml:"block_publish_until_subscriber_ack"`
}

// KafkaConfig holds configuration for the Kafka pub/sub.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	ConsumerGroup string   `yaml:"consumer_group"`
}

// NATSConfig holds configuration for the NATS streaming pub/sub.
type NATSConfig struct {
	ClusterID      string `yaml:"cluster_id"`
	ClientID       string `yaml:"client_id"`
	ClientIDSuffix string `yaml:"client_id_suffix"`
	URL            string `yaml:"url"`
	Durable        string `yaml:"durable"`
}

// AMQPConfig holds configuration for the AMQP pub/sub.
type AMQPConfig struct {
	URL  string `yaml:"url"`
	Mode string `yaml:"mode"`
}

// SQLConfig holds configuration for the SQL pub/sub.
type SQLConfig struct {
	Driver               string `yaml:"driver"`
	DSN                  string `yaml:"dsn"`
	Dialect              string `yaml:"dialect"`
	ConsumerGroup        string `yaml:"consumer_group"`
	InitializeSchema     bool   `yaml:"initialize_schema"`
	AutoInitializeSchema bool   `yaml:"auto_initialize_schema"`
}

// HTTPConfig holds configuration for the HTTP publisher.
type HTTPConfig struct {
	BaseURL string `yaml:"base_url"`
	Mode    string `yaml:"mode"`
}

// JobQueueConfig holds configuration for the SQL job-queue publisher.
type JobQueueConfig struct {
	Driver      string   `yaml:"driver"`
	DSN         string   `yaml:"dsn"`
	Table       string   `yaml:"table"`
	Queue       string   `yaml:"queue"`
	Kind        string   `yaml:"kind"`
	MaxAttempts int      `yaml:"max_attempts"`
	Priority    int      `yaml:"priority"`
	Tags        []string `yaml:"tags"`
}

// PublishRetryConfig bounds retries of the bus publish call itself.
type PublishRetryConfig struct {
	Attempts int `yaml:"attempts"`
	DelayMS  int `yaml:"delay_ms"`
}

// LoadConfig loads the application configuration from a YAML file.
// It expands environment variables and applies default values.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, err
	}

	ApplyDefaults(&cfg)
	if strings.TrimSpace(cfg.GitHub.WebhookSecret) == "" {
		return cfg, fmt.Errorf("github webhook_secret is required")
	}
	return cfg, nil
}

// ApplyDefaults fills in default values for every unset tunable.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeoutMS == 0 {
		cfg.Server.ReadTimeoutMS = 5000
	}
	if cfg.Server.WriteTimeoutMS == 0 {
		cfg.Server.WriteTimeoutMS = 10000
	}
	if cfg.Server.IdleTimeoutMS == 0 {
		cfg.Server.IdleTimeoutMS = 60000
	}
	if cfg.Server.ReadHeaderMS == 0 {
		cfg.Server.ReadHeaderMS = 5000
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = "/metrics"
	}
	if cfg.GitHub.WebhookPath == "" {
		cfg.GitHub.WebhookPath = "/webhooks/github"
	}
	if cfg.GitHub.PollIntervalS == 0 {
		cfg.GitHub.PollIntervalS = 300
	}
	if cfg.LinkedIn.BaseURL == "" {
		cfg.LinkedIn.BaseURL = "https://api.linkedin.com"
	}
	if cfg.LinkedIn.TokenURL == "" {
		cfg.LinkedIn.TokenURL = "https://www.linkedin.com/oauth/v2/accessToken"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "autopost.db"
	}
	if cfg.Watermill.Driver == "" && len(cfg.Watermill.Drivers) == 0 {
		cfg.Watermill.Driver = "gochannel"
	}
	if cfg.Watermill.GoChannel.OutputChannelBuffer == 0 {
		cfg.Watermill.GoChannel.OutputChannelBuffer = 64
	}
	if cfg.Watermill.HTTP.Mode == "" {
		cfg.Watermill.HTTP.Mode = "topic_url"
	}
	if cfg.Watermill.JobQueue.Table == "" {
		cfg.Watermill.JobQueue.Table = "autopost_job"
	}
	if cfg.Watermill.JobQueue.Queue == "" {
		cfg.Watermill.JobQueue.Queue = "default"
	}
	if cfg.Watermill.JobQueue.Kind == "" {
		cfg.Watermill.JobQueue.Kind = "autopost.event"
	}
	if cfg.Watermill.JobQueue.MaxAttempts == 0 {
		cfg.Watermill.JobQueue.MaxAttempts = 25
	}
	if cfg.Watermill.PublishRetry.Attempts == 0 {
		cfg.Watermill.PublishRetry.Attempts = 3
	}
	if cfg.Watermill.PublishRetry.DelayMS == 0 {
		cfg.Watermill.PublishRetry.DelayMS = 500
	}
	if cfg.Publish.MaxAttempts == 0 {
		cfg.Publish.MaxAttempts = 5
	}
	if cfg.Publish.BackoffBaseMS == 0 {
		cfg.Publish.BackoffBaseMS = 30000
	}
	if cfg.Publish.BackoffCapMS == 0 {
		cfg.Publish.BackoffCapMS = 1800000
	}
	if cfg.Publish.SweepIntervalS == 0 {
		cfg.Publish.SweepIntervalS = 30
	}
	if cfg.Publish.RequestTimeoutMS == 0 {
		cfg.Publish.RequestTimeoutMS = 10000
	}
	if cfg.Publish.Concurrency == 0 {
		cfg.Publish.Concurrency = 4
	}
}

// RequestTimeout returns the bound for a single outbound publish call.
func (c PublishConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// SweepInterval returns how often the retry sweeper scans for due posts.
func (c PublishConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalS) * time.Second
}

// Backoff returns the delay after the given failed attempt (1-based):
// the base doubled per prior attempt, capped.
func (c PublishConfig) Backoff(attempt int) time.Duration {
	base := time.Duration(c.BackoffBaseMS) * time.Millisecond
	limit := time.Duration(c.BackoffCapMS) * time.Millisecond
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	if delay > limit {
		return limit
	}
	return delay
}
