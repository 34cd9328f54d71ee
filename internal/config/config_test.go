package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return cfgPath
}

func TestLoad(t *testing.T) {
	content := `
server:
  listen_addr: ":9080"
  public_url: "https://mail.test.com"

database:
  driver: sqlite3
  path: "/tmp/mailsage-test.db"

redis:
  url: "redis://localhost:6379/1"

queue:
  path: "/tmp/tasks.db"
  workers: 2
  retry_interval: 1m
  max_retries: 5
  soft_timeout: 1m
  hard_timeout: 2m

worker:
  batch_size: 25

webhook:
  timeout: 3s
  failure_threshold: 4

quota:
  requests_per_hour: 120
  plans:
    free:
      daily_emails: 250

security:
  secret_key: "test-secret"

api_keys:
  key-1: "owner-1"

logging:
  level: "debug"
  format: "text"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.ListenAddr != ":9080" {
		t.Errorf("Server.ListenAddr = %v, want :9080", cfg.Server.ListenAddr)
	}
	if cfg.Server.PublicURL != "https://mail.test.com" {
		t.Errorf("Server.PublicURL = %v", cfg.Server.PublicURL)
	}
	if cfg.Redis.URL != "redis://localhost:6379/1" {
		t.Errorf("Redis.URL = %v", cfg.Redis.URL)
	}
	if cfg.Queue.Workers != 2 {
		t.Errorf("Queue.Workers = %v, want 2", cfg.Queue.Workers)
	}
	if cfg.Queue.RetryInterval != time.Minute {
		t.Errorf("Queue.RetryInterval = %v, want 1m", cfg.Queue.RetryInterval)
	}
	if cfg.Worker.BatchSize != 25 {
		t.Errorf("Worker.BatchSize = %v, want 25", cfg.Worker.BatchSize)
	}
	if cfg.Webhook.Timeout != 3*time.Second {
		t.Errorf("Webhook.Timeout = %v, want 3s", cfg.Webhook.Timeout)
	}
	if cfg.Webhook.MaxRetries != 3 {
		t.Errorf("Webhook.MaxRetries = %v, want default 3", cfg.Webhook.MaxRetries)
	}
	if cfg.Webhook.FailureThreshold != 4 {
		t.Errorf("Webhook.FailureThreshold = %v, want 4", cfg.Webhook.FailureThreshold)
	}
	if got := cfg.Quota.Plans["free"].DailyEmails; got == nil || *got != 250 {
		t.Errorf("Quota.Plans[free].DailyEmails = %v, want 250", got)
	}
	if cfg.APIKeys["key-1"] != "owner-1" {
		t.Errorf("APIKeys[key-1] = %v, want owner-1", cfg.APIKeys["key-1"])
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %v, want debug", cfg.Logging.Level)
	}
}

func TestDefaults(t *testing.T) {
	content := `
security:
  secret_key: "s"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"listen addr", cfg.Server.ListenAddr, ":8080"},
		{"driver", cfg.Database.Driver, "sqlite3"},
		{"db path", cfg.Database.Path, "/var/lib/mailsage/mailsage.db"},
		{"queue workers", cfg.Queue.Workers, 4},
		{"queue max retries", cfg.Queue.MaxRetries, 3},
		{"soft timeout", cfg.Queue.SoftTimeout, 5 * time.Minute},
		{"hard timeout", cfg.Queue.HardTimeout, 10 * time.Minute},
		{"batch size", cfg.Worker.BatchSize, 50},
		{"reconcile idle", cfg.Worker.ReconcileIdle, 5 * time.Minute},
		{"smtp timeout", cfg.SMTP.Timeout, 30 * time.Second},
		{"webhook timeout", cfg.Webhook.Timeout, 5 * time.Second},
		{"webhook threshold", cfg.Webhook.FailureThreshold, 10},
		{"sweep threshold", cfg.Sweep.Threshold, time.Hour},
		{"metrics addr", cfg.Metrics.ListenAddr, ":9090"},
		{"log level", cfg.Logging.Level, "info"},
		{"log format", cfg.Logging.Format, "json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvDatabaseDSN, "postgres://u:p@localhost/mailsage?sslmode=disable")
	t.Setenv(EnvRedisURL, "redis://cache:6379/0")
	t.Setenv(EnvSecretKey, "from-env")
	t.Setenv(EnvAPIKey, "env-key:owner-9")

	cfg, err := Load(writeConfig(t, "logging:\n  level: info\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Driver != "postgres" {
		t.Errorf("Database.Driver = %v, want postgres", cfg.Database.Driver)
	}
	if cfg.Redis.URL != "redis://cache:6379/0" {
		t.Errorf("Redis.URL = %v", cfg.Redis.URL)
	}
	if cfg.Security.SecretKey != "from-env" {
		t.Errorf("Security.SecretKey = %v", cfg.Security.SecretKey)
	}
	if cfg.APIKeys["env-key"] != "owner-9" {
		t.Errorf("APIKeys[env-key] = %v, want owner-9", cfg.APIKeys["env-key"])
	}
}

func TestValidate(t *testing.T) {
	minusTwo := -2

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "valid",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "missing secret",
			mutate:  func(c *Config) { c.Security.SecretKey = "" },
			wantErr: "security.secret_key",
		},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Database.Driver = "mysql" },
			wantErr: "database.driver",
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *Config) { c.Database.Driver = "postgres" },
			wantErr: "database.dsn",
		},
		{
			name: "hard shorter than soft",
			mutate: func(c *Config) {
				c.Queue.SoftTimeout = time.Minute
				c.Queue.HardTimeout = time.Second
			},
			wantErr: "queue.hard_timeout",
		},
		{
			name: "invalid plan limit",
			mutate: func(c *Config) {
				c.Quota.Plans = map[string]PlanLimits{"free": {DailyEmails: &minusTwo}}
			},
			wantErr: "quota.plans.free.daily_emails",
		},
		{
			name:    "cert without key",
			mutate:  func(c *Config) { c.Server.TLS.CertFile = "/etc/mailsage/cert.pem" },
			wantErr: "server.tls.cert_file",
		},
		{
			name:    "acme without domains",
			mutate:  func(c *Config) { c.Server.TLS.ACME.Enabled = true },
			wantErr: "server.tls.acme.domains",
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.Logging.Level = "trace" },
			wantErr: "logging.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Security: SecurityConfig{SecretKey: "k"}}
			cfg.setDefaults()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() expected error for missing file")
	}
}
