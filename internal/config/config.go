// Package config loads sequencer configuration from a YAML file overlaid
// with environment variables, the same two-step precedence the rest of
// the platform uses: file first, then env (and .env) on top.
package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the outreach sequence engine.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Email      EmailConfig      `yaml:"email"`
	Voice      VoiceConfig      `yaml:"voice"`
	Network    NetworkConfig    `yaml:"network"`
	AI         AIConfig         `yaml:"ai"`
	EventBus   EventBusConfig   `yaml:"event_bus"`
	Sentry     SentryConfig     `yaml:"sentry"`
}

// DatabaseConfig holds Postgres connection settings for the state store.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifeMins int    `yaml:"conn_max_life_minutes"`
}

// RedisConfig holds Redis connection settings backing the Rate Governor
// and the distributed per-sender lock.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// SchedulerConfig holds the Scheduler's polling and concurrency tuning.
type SchedulerConfig struct {
	GlobalConcurrency    int `yaml:"global_concurrency"`
	ClaimBatchSize       int `yaml:"claim_batch_size"`
	PollIntervalSeconds  int `yaml:"poll_interval_seconds"`
	DrainTimeoutSeconds  int `yaml:"drain_timeout_seconds"`
	StaleThresholdMins   int `yaml:"stale_threshold_minutes"`
}

// PollInterval returns the configured poll interval as a duration.
func (c SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// DrainTimeout returns the configured drain timeout as a duration.
func (c SchedulerConfig) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// StaleThreshold returns the configured stale in_flight threshold.
func (c SchedulerConfig) StaleThreshold() time.Duration {
	return time.Duration(c.StaleThresholdMins) * time.Minute
}

// EmailConfig holds AWS SES credentials for the email channel adapter.
type EmailConfig struct {
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured send timeout.
func (c EmailConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// VoiceConfig holds the voice-call provider's API settings.
type VoiceConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured submission timeout.
func (c VoiceConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// NetworkConfig holds browser-automation account credentials for the
// network-connect / network-message channel adapter.
type NetworkConfig struct {
	OAuthClientID     string `yaml:"oauth_client_id"`
	OAuthClientSecret string `yaml:"oauth_client_secret"`
	OAuthTokenURL     string `yaml:"oauth_token_url"`
	MinIntervalSecs   int    `yaml:"min_interval_seconds"`
	JitterSecs        int    `yaml:"jitter_seconds"`
	DailyCapPerAcct   int    `yaml:"daily_cap_per_account"`
	ActionTimeoutSecs int    `yaml:"action_timeout_seconds"`
}

// MinInterval returns the minimum spacing between actions on one account.
func (c NetworkConfig) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalSecs) * time.Second
}

// ActionTimeout returns the configured per-action timeout.
func (c NetworkConfig) ActionTimeout() time.Duration {
	return time.Duration(c.ActionTimeoutSecs) * time.Second
}

// AIConfig holds the Bedrock-backed personalization client settings.
type AIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Region  string `yaml:"region"`
	ModelID string `yaml:"model_id"`
}

// EventBusConfig selects the Event Log's pub/sub backend.
type EventBusConfig struct {
	Driver   string `yaml:"driver"` // "memory" or "amqp"
	AMQPURL  string `yaml:"amqp_url"`
}

// SentryConfig holds the panic/error reporting DSN for the Scheduler.
type SentryConfig struct {
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
}

// ServerConfig holds HTTP server configuration for the Control API and
// Webhook Ingress.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, honoring a container-runtime override.
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// Load reads the YAML file at path and applies defaults for anything left
// unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifeMins == 0 {
		cfg.Database.ConnMaxLifeMins = 5
	}
	if cfg.Scheduler.GlobalConcurrency == 0 {
		cfg.Scheduler.GlobalConcurrency = 8
	}
	if cfg.Scheduler.ClaimBatchSize == 0 {
		cfg.Scheduler.ClaimBatchSize = 100
	}
	if cfg.Scheduler.PollIntervalSeconds == 0 {
		cfg.Scheduler.PollIntervalSeconds = 10
	}
	if cfg.Scheduler.DrainTimeoutSeconds == 0 {
		cfg.Scheduler.DrainTimeoutSeconds = 60
	}
	if cfg.Scheduler.StaleThresholdMins == 0 {
		cfg.Scheduler.StaleThresholdMins = 10
	}
	if cfg.Email.TimeoutSeconds == 0 {
		cfg.Email.TimeoutSeconds = 30
	}
	if cfg.Email.Region == "" {
		cfg.Email.Region = "us-east-1"
	}
	if cfg.Voice.TimeoutSeconds == 0 {
		cfg.Voice.TimeoutSeconds = 30
	}
	if cfg.Network.ActionTimeoutSecs == 0 {
		cfg.Network.ActionTimeoutSecs = 60
	}
	if cfg.Network.MinIntervalSecs == 0 {
		cfg.Network.MinIntervalSecs = 120
	}
	if cfg.Network.JitterSecs == 0 {
		cfg.Network.JitterSecs = 60
	}
	if cfg.Network.DailyCapPerAcct == 0 {
		cfg.Network.DailyCapPerAcct = 100
	}
	if cfg.AI.ModelID == "" {
		cfg.AI.ModelID = "anthropic.claude-3-haiku-20240307-v1:0"
	}
	if cfg.EventBus.Driver == "" {
		cfg.EventBus.Driver = "memory"
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file is loaded first (no error if missing) so secrets can live
// there locally and in real environment variables in production.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("SES_ACCESS_KEY"); v != "" {
		cfg.Email.AccessKey = v
	}
	if v := os.Getenv("SES_SECRET_KEY"); v != "" {
		cfg.Email.SecretKey = v
	}
	if v := os.Getenv("SES_REGION"); v != "" {
		cfg.Email.Region = v
	}
	if v := os.Getenv("VOICE_API_KEY"); v != "" {
		cfg.Voice.APIKey = v
	}
	if v := os.Getenv("VOICE_BASE_URL"); v != "" {
		cfg.Voice.BaseURL = v
	}
	if v := os.Getenv("NETWORK_OAUTH_CLIENT_ID"); v != "" {
		cfg.Network.OAuthClientID = v
	}
	if v := os.Getenv("NETWORK_OAUTH_CLIENT_SECRET"); v != "" {
		cfg.Network.OAuthClientSecret = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.EventBus.AMQPURL = v
		cfg.EventBus.Driver = "amqp"
	}
	if v := os.Getenv("SENTRY_DSN"); v != "" {
		cfg.Sentry.DSN = v
	}

	return cfg, nil
}
