package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Server   ServerConfig      `yaml:"server"`
	Database DatabaseConfig    `yaml:"database"`
	Redis    RedisConfig       `yaml:"redis"`
	Queue    QueueConfig       `yaml:"queue"`
	Worker   WorkerConfig      `yaml:"worker"`
	SMTP     SMTPConfig        `yaml:"smtp"`
	Webhook  WebhookConfig     `yaml:"webhook"`
	Quota    QuotaConfig       `yaml:"quota"`
	Sweep    SweepConfig       `yaml:"sweep"`
	Security SecurityConfig    `yaml:"security"`
	APIKeys  map[string]string `yaml:"api_keys"` // api key -> owner id
	Metrics  MetricsConfig     `yaml:"metrics"`
	Logging  LoggingConfig     `yaml:"logging"`
}

// ServerConfig contains HTTP API settings
type ServerConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	PublicURL      string        `yaml:"public_url"`       // Base URL used in tracking links
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Default: 1MB
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	CORSOrigins    []string      `yaml:"cors_origins"` // Empty = CORS disabled
	TLS            TLSConfig     `yaml:"tls"`
}

// TLSConfig enables HTTPS on the API listener, from files or via ACME
type TLSConfig struct {
	CertFile string     `yaml:"cert_file"`
	KeyFile  string     `yaml:"key_file"`
	ACME     ACMEConfig `yaml:"acme"`
}

// Enabled reports whether the API serves HTTPS
func (t TLSConfig) Enabled() bool {
	return t.ACME.Enabled || t.CertFile != ""
}

// ACMEConfig contains Let's Encrypt settings
type ACMEConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Email    string   `yaml:"email"`
	Domains  []string `yaml:"domains"`
	CacheDir string   `yaml:"cache_dir"`
	HTTPAddr string   `yaml:"http_addr"` // HTTP-01 challenge listener, default :80
}

// DatabaseConfig selects the SQL backend
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite3 or postgres
	Path   string `yaml:"path"`   // SQLite file
	DSN    string `yaml:"dsn"`    // PostgreSQL connection string
}

// RedisConfig contains the control store connection
type RedisConfig struct {
	URL string `yaml:"url"` // Empty = in-process control store
}

// QueueConfig contains task queue settings
type QueueConfig struct {
	Path            string        `yaml:"path"`
	Workers         int           `yaml:"workers"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
	MaxRetries      int           `yaml:"max_retries"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	SoftTimeout     time.Duration `yaml:"soft_timeout"` // Deadline passed to the task handler
	HardTimeout     time.Duration `yaml:"hard_timeout"` // Handler is abandoned after this
	CompletedMaxAge time.Duration `yaml:"completed_max_age"`
	DLQMaxAge       time.Duration `yaml:"dlq_max_age"`
	DLQMaxCount     int           `yaml:"dlq_max_count"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// WorkerConfig contains batch worker settings
type WorkerConfig struct {
	BatchSize         int           `yaml:"batch_size"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"` // 0 = disabled
	ReconcileIdle     time.Duration `yaml:"reconcile_idle"`     // Redispatch jobs idle this long
}

// SMTPConfig contains outbound delivery settings
type SMTPConfig struct {
	Hostname string        `yaml:"hostname"` // EHLO name
	Timeout  time.Duration `yaml:"timeout"`
}

// WebhookConfig contains webhook notifier settings
type WebhookConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	FailureThreshold int           `yaml:"failure_threshold"` // Deactivate after this many consecutive failures
}

// QuotaConfig contains plan overrides and request rate
type QuotaConfig struct {
	RequestsPerHour int                   `yaml:"requests_per_hour"` // 0 = unlimited
	Plans           map[string]PlanLimits `yaml:"plans"`
}

// PlanLimits overrides the built-in limits of a role. -1 means unlimited.
type PlanLimits struct {
	DailyEmails      *int `yaml:"daily_emails,omitempty"`
	MaxRecipients    *int `yaml:"max_recipients,omitempty"`
	WebhookEndpoints *int `yaml:"webhook_endpoints,omitempty"`
}

// SweepConfig contains stale job sweep settings
type SweepConfig struct {
	Interval  time.Duration `yaml:"interval"` // 0 = disabled in serve
	Threshold time.Duration `yaml:"threshold"`
}

// SecurityConfig contains encryption settings
type SecurityConfig struct {
	SecretKey string `yaml:"secret_key"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled    bool     `yaml:"enabled"`
	ListenAddr string   `yaml:"listen_addr"` // Default: :9090
	Path       string   `yaml:"path"`        // Default: /metrics
	AllowedIPs []string `yaml:"allowed_ips"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Environment overrides applied after the YAML file is parsed
const (
	EnvDatabaseDSN = "MAILSAGE_DATABASE_DSN"
	EnvRedisURL    = "MAILSAGE_REDIS_URL"
	EnvSecretKey   = "MAILSAGE_SECRET_KEY"
	EnvAPIKey      = "MAILSAGE_API_KEY" // "key:owner"
)

// Load loads configuration from a YAML file. A .env file in the working
// directory, if present, is loaded into the environment first.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvDatabaseDSN)); v != "" {
		c.Database.DSN = v
		if c.Database.Driver == "" {
			c.Database.Driver = "postgres"
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvRedisURL)); v != "" {
		c.Redis.URL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvSecretKey)); v != "" {
		c.Security.SecretKey = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAPIKey)); v != "" {
		if key, owner, ok := strings.Cut(v, ":"); ok && key != "" && owner != "" {
			if c.APIKeys == nil {
				c.APIKeys = make(map[string]string)
			}
			c.APIKeys[key] = owner
		}
	}
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.MaxHeaderBytes == 0 {
		c.Server.MaxHeaderBytes = 1 << 20
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}

	if c.Server.TLS.ACME.Enabled {
		if c.Server.TLS.ACME.CacheDir == "" {
			c.Server.TLS.ACME.CacheDir = "/var/lib/mailsage/certs"
		}
		if c.Server.TLS.ACME.HTTPAddr == "" {
			c.Server.TLS.ACME.HTTPAddr = ":80"
		}
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Database.Driver == "sqlite3" && c.Database.Path == "" {
		c.Database.Path = "/var/lib/mailsage/mailsage.db"
	}

	if c.Queue.Path == "" {
		c.Queue.Path = "/var/lib/mailsage/tasks.db"
	}
	if c.Queue.Workers == 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.RetryInterval == 0 {
		c.Queue.RetryInterval = 30 * time.Second
	}
	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Queue.PollInterval == 0 {
		c.Queue.PollInterval = time.Second
	}
	if c.Queue.SoftTimeout == 0 {
		c.Queue.SoftTimeout = 5 * time.Minute
	}
	if c.Queue.HardTimeout == 0 {
		c.Queue.HardTimeout = 10 * time.Minute
	}
	if c.Queue.CompletedMaxAge == 0 {
		c.Queue.CompletedMaxAge = 24 * time.Hour
	}
	if c.Queue.CleanupInterval == 0 {
		c.Queue.CleanupInterval = time.Hour
	}

	if c.Worker.BatchSize == 0 {
		c.Worker.BatchSize = 50
	}
	if c.Worker.ReconcileIdle == 0 {
		c.Worker.ReconcileIdle = 5 * time.Minute
	}

	if c.SMTP.Hostname == "" {
		hostname, _ := os.Hostname()
		c.SMTP.Hostname = hostname
	}
	if c.SMTP.Timeout == 0 {
		c.SMTP.Timeout = 30 * time.Second
	}

	if c.Webhook.Timeout == 0 {
		c.Webhook.Timeout = 5 * time.Second
	}
	if c.Webhook.MaxRetries == 0 {
		c.Webhook.MaxRetries = 3
	}
	if c.Webhook.FailureThreshold == 0 {
		c.Webhook.FailureThreshold = 10
	}

	if c.Sweep.Threshold == 0 {
		c.Sweep.Threshold = time.Hour
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite3")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("invalid database.driver: %s (must be sqlite3 or postgres)", c.Database.Driver)
	}

	tlsCfg := c.Server.TLS
	if (tlsCfg.CertFile == "") != (tlsCfg.KeyFile == "") {
		return fmt.Errorf("server.tls.cert_file and server.tls.key_file must be set together")
	}
	if tlsCfg.ACME.Enabled {
		if tlsCfg.CertFile != "" {
			return fmt.Errorf("server.tls.acme cannot be combined with cert_file")
		}
		if len(tlsCfg.ACME.Domains) == 0 {
			return fmt.Errorf("server.tls.acme.domains is required when acme is enabled")
		}
	}

	if c.Security.SecretKey == "" {
		return fmt.Errorf("security.secret_key is required (or set %s)", EnvSecretKey)
	}

	if c.Worker.BatchSize < 1 {
		return fmt.Errorf("worker.batch_size must be positive")
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("queue.workers must be positive")
	}
	if c.Queue.HardTimeout < c.Queue.SoftTimeout {
		return fmt.Errorf("queue.hard_timeout (%s) must not be shorter than queue.soft_timeout (%s)",
			c.Queue.HardTimeout, c.Queue.SoftTimeout)
	}
	if c.Quota.RequestsPerHour < 0 {
		return fmt.Errorf("quota.requests_per_hour must not be negative")
	}

	for role, limits := range c.Quota.Plans {
		for name, v := range map[string]*int{
			"daily_emails":      limits.DailyEmails,
			"max_recipients":    limits.MaxRecipients,
			"webhook_endpoints": limits.WebhookEndpoints,
		} {
			if v != nil && *v < -1 {
				return fmt.Errorf("quota.plans.%s.%s: %d is invalid (use -1 for unlimited)", role, name, *v)
			}
		}
	}

	for key, owner := range c.APIKeys {
		if key == "" || owner == "" {
			return fmt.Errorf("api_keys entries must have a non-empty key and owner")
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}
