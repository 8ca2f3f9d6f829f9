// Package config handles loading and parsing of the tenant storage configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override secrets from the config file.
const (
	EnvS3SecretKey = "TENANTSTORE_S3_SECRET_KEY"
	EnvJWTSecret   = "TENANTSTORE_JWT_SECRET"
)

// Config is the top-level configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Storage  StorageConfig  `yaml:"storage"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Queue    QueueConfig    `yaml:"queue"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds process-level settings.
type ServerConfig struct {
	// Region is reported on every webhook envelope and metric.
	Region string `yaml:"region"`
	// OpsAddr is the listen address of the metrics/health server.
	OpsAddr string `yaml:"ops_addr"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig holds log settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StorageConfig holds object storage backend settings.
type StorageConfig struct {
	// Backend is the storage backend type ("s3" or "memory").
	Backend string `yaml:"backend"`
	// Bucket is the physical bucket holding all tenants' objects.
	Bucket string `yaml:"bucket"`
	// Endpoint overrides the S3 endpoint (e.g. a MinIO URL).
	Endpoint string `yaml:"endpoint"`
	// Region is the S3 region.
	Region string `yaml:"region"`
	// ForcePathStyle enables path-style addressing.
	ForcePathStyle bool `yaml:"force_path_style"`
	// AccessKey and SecretKey are static credentials. When empty, the default
	// AWS credential chain is used.
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	// MaxSockets bounds each connection pool.
	MaxSockets int `yaml:"max_sockets"`
	// RequestTimeout applies to control and metadata calls.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// DownloadTimeout applies to object downloads.
	DownloadTimeout time.Duration `yaml:"download_timeout"`
	// UploadTimeout applies to uploads; zero means unlimited.
	UploadTimeout time.Duration `yaml:"upload_timeout"`
}

// DatabaseConfig holds tenant catalog connection settings.
type DatabaseConfig struct {
	// Driver is the database/sql driver name ("postgres" or "sqlite").
	Driver string `yaml:"driver"`
	// DSNTemplate is expanded per tenant; "{host}" and "{tenant}" are replaced.
	DSNTemplate string `yaml:"dsn_template"`
	// AllowedHosts restricts which tenant hosts may be connected to.
	AllowedHosts []string `yaml:"allowed_hosts"`
	// MaxOpenConns and MaxIdleConns size each tenant pool.
	MaxOpenConns int `yaml:"max_open_conns"`
	MaxIdleConns int `yaml:"max_idle_conns"`
	// ConnMaxLifetime recycles pooled connections.
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// AuthConfig holds service credential settings.
type AuthConfig struct {
	// JWTSecret signs service-role tokens.
	JWTSecret string `yaml:"jwt_secret"`
	// ServiceRole is the role claim of service tokens.
	ServiceRole string `yaml:"service_role"`
	// TokenTTL bounds the lifetime of service tokens.
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// WebhookConfig holds webhook delivery settings.
type WebhookConfig struct {
	// Sender is "http", "nats" or "none".
	Sender string `yaml:"sender"`
	// URL is the HTTP delivery endpoint.
	URL string `yaml:"url"`
	// Timeout bounds each HTTP delivery attempt.
	Timeout time.Duration `yaml:"timeout"`
	// MaxAttempts bounds HTTP delivery attempts.
	MaxAttempts int `yaml:"max_attempts"`
	// NATSURL and Subject configure the NATS sender.
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// QueueConfig holds the worker event queue settings.
type QueueConfig struct {
	Enabled bool   `yaml:"enabled"`
	NATSURL string `yaml:"nats_url"`
	Stream  string `yaml:"stream"`
	Subject string `yaml:"subject"`
	Durable string `yaml:"durable"`
	// MaxDeliver bounds deliveries of a failing event; zero means unlimited.
	MaxDeliver int `yaml:"max_deliver"`
	// AckWait is how long one dispatch may run before redelivery.
	AckWait time.Duration `yaml:"ack_wait"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ExampleFile is the name of the example configuration Load falls back to.
const ExampleFile = "tenantstore.example.yaml"

// Load reads a YAML configuration file from the given path and returns
// a parsed Config. When path does not exist, ExampleFile in the same or the
// parent directory is used instead. It applies defaults for unset values and
// secret overrides from the environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), ExampleFile),
			filepath.Join(filepath.Dir(path), "..", ExampleFile),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}
	return Parse(data)
}

// Parse parses YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that have no usable default.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "s3":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required when backend is 's3'")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	switch c.Webhook.Sender {
	case "http":
		if c.Webhook.URL == "" {
			return fmt.Errorf("webhook.url is required when sender is 'http'")
		}
	case "nats":
		if c.Webhook.NATSURL == "" {
			return fmt.Errorf("webhook.nats_url is required when sender is 'nats'")
		}
	case "none":
	default:
		return fmt.Errorf("unknown webhook sender %q", c.Webhook.Sender)
	}

	if c.Queue.Enabled && c.Queue.NATSURL == "" {
		return fmt.Errorf("queue.nats_url is required when the queue is enabled")
	}
	return nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Region:          "us-east-1",
			OpsAddr:         "0.0.0.0:9100",
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Backend:         "s3",
			Region:          "us-east-1",
			MaxSockets:      200,
			RequestTimeout:  30 * time.Second,
			DownloadTimeout: 60 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Auth: AuthConfig{
			ServiceRole: "service_role",
			TokenTTL:    time.Hour,
		},
		Webhook: WebhookConfig{
			Sender:      "none",
			Timeout:     10 * time.Second,
			MaxAttempts: 3,
			Subject:     "storage.webhooks",
		},
		Queue: QueueConfig{
			Stream:  "STORAGE_EVENTS",
			Subject: "storage.events.>",
			Durable:    "tenantstore-worker",
			MaxDeliver: 10,
			AckWait:    time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Server.Region == "" {
		cfg.Server.Region = "us-east-1"
	}
	if cfg.Server.OpsAddr == "" {
		cfg.Server.OpsAddr = "0.0.0.0:9100"
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "s3"
	}
	if cfg.Storage.Region == "" {
		cfg.Storage.Region = cfg.Server.Region
	}
	if cfg.Storage.MaxSockets <= 0 {
		cfg.Storage.MaxSockets = 200
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Auth.ServiceRole == "" {
		cfg.Auth.ServiceRole = "service_role"
	}
	if cfg.Auth.TokenTTL <= 0 {
		cfg.Auth.TokenTTL = time.Hour
	}
	if cfg.Webhook.Sender == "" {
		cfg.Webhook.Sender = "none"
	}
	if cfg.Webhook.MaxAttempts <= 0 {
		cfg.Webhook.MaxAttempts = 3
	}
	if cfg.Webhook.Subject == "" {
		cfg.Webhook.Subject = "storage.webhooks"
	}
	if cfg.Queue.AckWait <= 0 {
		cfg.Queue.AckWait = time.Minute
	}
}

// applyEnv overrides secrets from the environment.
func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvS3SecretKey); v != "" {
		cfg.Storage.SecretKey = v
	}
	if v := os.Getenv(EnvJWTSecret); v != "" {
		cfg.Auth.JWTSecret = v
	}
}
