package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the engine binaries
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Engine    EngineConfig    `yaml:"engine"`
	Transport TransportConfig `yaml:"transport"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	Webhooks  WebhookConfig   `yaml:"webhooks"`
	Scoring   ScoringConfig   `yaml:"scoring"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port        int      `yaml:"port"`
	Host        string   `yaml:"host"`
	CORSOrigins []string `yaml:"cors_origins"`
	// IngestToken authenticates trusted event producers on the ingest
	// endpoint. Empty disables the endpoint.
	IngestToken string `yaml:"ingest_token"`
	// DefaultOrgID scopes API requests that carry no X-Organization-ID.
	DefaultOrgID string `yaml:"default_org_id"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// Addr is host:port for net/http.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.Port)
}

// DatabaseConfig holds the Postgres pool settings. An empty URL runs the
// engine on the in-memory store.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds"`
}

// RedisConfig holds the shared Redis used for quotas, locks, dedup and
// scores. An empty address keeps those in process.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// EngineConfig tunes the executor, worker pool and sweepers.
type EngineConfig struct {
	Workers                 int `yaml:"workers"`
	TransportTimeoutSeconds int `yaml:"transport_timeout_seconds"`
	ReserveTimeoutSeconds   int `yaml:"reserve_timeout_seconds"`
	RetryBaseSeconds        int `yaml:"retry_base_seconds"`
	RetryMaxSeconds         int `yaml:"retry_max_seconds"`
	DefaultMaxRetries       int `yaml:"default_max_retries"`
	ABHoldRetryMinutes      int `yaml:"ab_hold_retry_minutes"`
	SweepIntervalSeconds    int `yaml:"sweep_interval_seconds"`
	WarmupIntervalMinutes   int `yaml:"warmup_interval_minutes"`
	LockTTLSeconds          int `yaml:"lock_ttl_seconds"`
	BulkEnrollWorkers       int `yaml:"bulk_enroll_workers"`
}

func (c EngineConfig) TransportTimeout() time.Duration {
	return time.Duration(c.TransportTimeoutSeconds) * time.Second
}

func (c EngineConfig) ReserveTimeout() time.Duration {
	return time.Duration(c.ReserveTimeoutSeconds) * time.Second
}

func (c EngineConfig) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseSeconds) * time.Second
}

func (c EngineConfig) RetryMax() time.Duration {
	return time.Duration(c.RetryMaxSeconds) * time.Second
}

func (c EngineConfig) ABHoldRetry() time.Duration {
	return time.Duration(c.ABHoldRetryMinutes) * time.Minute
}

func (c EngineConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c EngineConfig) WarmupInterval() time.Duration {
	return time.Duration(c.WarmupIntervalMinutes) * time.Minute
}

func (c EngineConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// TransportConfig selects how mail leaves the engine: "ses", "smtp" or
// "log".
type TransportConfig struct {
	Kind string     `yaml:"kind"`
	SES  SESConfig  `yaml:"ses"`
	SMTP SMTPConfig `yaml:"smtp"`
}

// SESConfig holds Amazon SES v2 settings.
type SESConfig struct {
	Region           string `yaml:"region"`
	AccessKey        string `yaml:"access_key"`
	SecretKey        string `yaml:"secret_key"`
	ConfigurationSet string `yaml:"configuration_set"`
}

// SMTPConfig holds relay settings.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// TrackingConfig lists the engagement event sources the worker consumes.
type TrackingConfig struct {
	AMQP             AMQPConfig `yaml:"amqp"`
	SQS              SQSConfig  `yaml:"sqs"`
	DedupTTLHours    int        `yaml:"dedup_ttl_hours"`
	HotLeadThreshold float64    `yaml:"hot_lead_threshold"`
}

func (c TrackingConfig) DedupTTL() time.Duration {
	return time.Duration(c.DedupTTLHours) * time.Hour
}

type AMQPConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Queue    string `yaml:"queue"`
	Prefetch int    `yaml:"prefetch"`
}

type SQSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	QueueURL string `yaml:"queue_url"`
	Region   string `yaml:"region"`
}

// WebhookConfig maps notification events to endpoint URLs.
type WebhookConfig struct {
	Endpoints      map[string][]string `yaml:"endpoints"`
	Secret         string              `yaml:"secret"`
	TimeoutSeconds int                 `yaml:"timeout_seconds"`
	Buffer         int                 `yaml:"buffer"`
	Workers        int                 `yaml:"workers"`
}

func (c WebhookConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ScoringConfig tunes lead scoring and its decay sweep.
type ScoringConfig struct {
	Weights            map[string]float64 `yaml:"weights"`
	DecayIntervalHours int                `yaml:"decay_interval_hours"`
	DecayFactor        float64            `yaml:"decay_factor"`
	DecayFloor         float64            `yaml:"decay_floor"`
}

func (c ScoringConfig) DecayInterval() time.Duration {
	return time.Duration(c.DecayIntervalHours) * time.Hour
}

// LoggingConfig holds structured logger settings.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII bool   `yaml:"redact_pii"`
}

// Load reads a YAML config file and applies defaults. A missing path yields
// the defaults alone.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
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
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 300
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "coldreach"
	}
	e := &cfg.Engine
	if e.Workers == 0 {
		e.Workers = 8
	}
	if e.TransportTimeoutSeconds == 0 {
		e.TransportTimeoutSeconds = 30
	}
	if e.ReserveTimeoutSeconds == 0 {
		e.ReserveTimeoutSeconds = 5
	}
	if e.RetryBaseSeconds == 0 {
		e.RetryBaseSeconds = 60
	}
	if e.RetryMaxSeconds == 0 {
		e.RetryMaxSeconds = 3600
	}
	if e.DefaultMaxRetries == 0 {
		e.DefaultMaxRetries = 3
	}
	if e.ABHoldRetryMinutes == 0 {
		e.ABHoldRetryMinutes = 15
	}
	if e.SweepIntervalSeconds == 0 {
		e.SweepIntervalSeconds = 30
	}
	if e.WarmupIntervalMinutes == 0 {
		e.WarmupIntervalMinutes = 60
	}
	if e.LockTTLSeconds == 0 {
		e.LockTTLSeconds = 60
	}
	if e.BulkEnrollWorkers == 0 {
		e.BulkEnrollWorkers = 8
	}
	if cfg.Transport.Kind == "" {
		cfg.Transport.Kind = "log"
	}
	if cfg.Transport.SES.Region == "" {
		cfg.Transport.SES.Region = "us-west-2"
	}
	if cfg.Transport.SMTP.Port == 0 {
		cfg.Transport.SMTP.Port = 587
	}
	if cfg.Tracking.DedupTTLHours == 0 {
		cfg.Tracking.DedupTTLHours = 72
	}
	if cfg.Tracking.AMQP.Queue == "" {
		cfg.Tracking.AMQP.Queue = "engagement-events"
	}
	if cfg.Tracking.AMQP.Prefetch == 0 {
		cfg.Tracking.AMQP.Prefetch = 50
	}
	if cfg.Webhooks.TimeoutSeconds == 0 {
		cfg.Webhooks.TimeoutSeconds = 10
	}
	if cfg.Webhooks.Buffer == 0 {
		cfg.Webhooks.Buffer = 1000
	}
	if cfg.Webhooks.Workers == 0 {
		cfg.Webhooks.Workers = 4
	}
	if cfg.Scoring.DecayIntervalHours == 0 {
		cfg.Scoring.DecayIntervalHours = 24
	}
	if cfg.Scoring.DecayFactor == 0 {
		cfg.Scoring.DecayFactor = 0.95
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// LoadFromEnv loads .env, the YAML file, then applies environment overrides
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("INGEST_TOKEN"); v != "" {
		cfg.Server.IngestToken = v
	}
	if v := os.Getenv("DEFAULT_ORG_ID"); v != "" {
		cfg.Server.DefaultOrgID = v
	}
	if v := os.Getenv("ENGINE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.Workers = n
		}
	}
	if v := os.Getenv("TRANSPORT_KIND"); v != "" {
		cfg.Transport.Kind = v
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.Transport.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.Transport.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Transport.SES.Region = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		cfg.Transport.SMTP.Password = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.Tracking.AMQP.URL = v
		cfg.Tracking.AMQP.Enabled = true
	}
	if v := os.Getenv("SQS_QUEUE_URL"); v != "" {
		cfg.Tracking.SQS.QueueURL = v
		cfg.Tracking.SQS.Enabled = true
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		cfg.Webhooks.Secret = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return cfg, nil
}
