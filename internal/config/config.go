// Package config loads configuration from environment variables and an
// optional config file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// TLS (optional; if both set, server uses HTTPS)
	TLSCertFile string
	TLSKeyFile  string

	// Logging
	LogLevel      string
	LogFormat     string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	// Catalog ("postgres" or "sqlite")
	CatalogDriver string
	DatabaseURL   string
	SQLitePath    string

	// Object cache store ("s3" or "local")
	StorageBackend   string
	LocalStoragePath string
	S3Endpoint       string
	S3Bucket         string
	S3AccessKey      string
	S3SecretKey      string
	S3Region         string
	S3UseSSL         bool

	// Remote repository API
	GitHubAPIURL      string
	RemoteTimeout     time.Duration
	CommitAuthorName  string
	CommitAuthorEmail string

	// Auth
	JWTSecret          string
	OIDCIssuerURL      string
	OIDCClientID       string
	TokenEncryptionKey string

	// Engine
	DeleteSweepInterval time.Duration
	DeleteWorkers       int
	DeleteQueueSize     int
	MaxUploadSize       int64

	// Post-commit notifier
	OutboxPollInterval time.Duration
	OutboxMaxAttempts  int
	TrackerKind        string
	TrackerWebhookURL  string
	TrackerTimeout     time.Duration
	KafkaBrokers       []string
	KafkaTopic         string
}

func defaults(v *viper.Viper) {
	v.SetDefault("LISTEN_ADDR", ":8080")
	v.SetDefault("METRICS_ADDR", ":9090")
	v.SetDefault("TLS_CERT_FILE", "")
	v.SetDefault("TLS_KEY_FILE", "")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("LOG_FILE", "")
	v.SetDefault("LOG_MAX_SIZE_MB", 100)
	v.SetDefault("LOG_MAX_BACKUPS", 5)
	v.SetDefault("LOG_MAX_AGE_DAYS", 28)

	v.SetDefault("CATALOG_DRIVER", "postgres")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("SQLITE_PATH", "reposync.db")

	v.SetDefault("STORAGE_BACKEND", "s3")
	v.SetDefault("LOCAL_STORAGE_PATH", "/data/storage")
	v.SetDefault("S3_ENDPOINT", "http://localhost:9000")
	v.SetDefault("S3_BUCKET", "reposync")
	v.SetDefault("S3_ACCESS_KEY", "minioadmin")
	v.SetDefault("S3_SECRET_KEY", "minioadmin")
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("S3_USE_SSL", false)

	v.SetDefault("GITHUB_API_URL", "")
	v.SetDefault("REMOTE_TIMEOUT", "30s")
	v.SetDefault("COMMIT_AUTHOR_NAME", "")
	v.SetDefault("COMMIT_AUTHOR_EMAIL", "")

	v.SetDefault("API_JWT_SECRET", "")
	v.SetDefault("OIDC_ISSUER_URL", "")
	v.SetDefault("OIDC_CLIENT_ID", "reposync")
	v.SetDefault("TOKEN_ENCRYPTION_KEY", "")

	v.SetDefault("DELETE_SWEEP_INTERVAL", "5m")
	v.SetDefault("DELETE_WORKERS", 4)
	v.SetDefault("DELETE_QUEUE_SIZE", 256)
	v.SetDefault("MAX_UPLOAD_SIZE", 50*1024*1024) // 50MB

	v.SetDefault("OUTBOX_POLL_INTERVAL", "30s")
	v.SetDefault("OUTBOX_MAX_ATTEMPTS", 10)
	v.SetDefault("TRACKER_KIND", "log")
	v.SetDefault("TRACKER_WEBHOOK_URL", "")
	v.SetDefault("TRACKER_TIMEOUT", "10s")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_TOPIC", "reposync.repositories")
}

// Load reads configuration from the environment with defaults. When
// REPOSYNC_CONFIG names a file (yaml, toml or json) its values are read
// first and environment variables override them.
func Load() (*Config, error) {
	v := viper.New()
	defaults(v)
	v.AutomaticEnv()

	if file := os.Getenv("REPOSYNC_CONFIG"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	cfg := &Config{
		ListenAddr:  v.GetString("LISTEN_ADDR"),
		MetricsAddr: v.GetString("METRICS_ADDR"),
		TLSCertFile: v.GetString("TLS_CERT_FILE"),
		TLSKeyFile:  v.GetString("TLS_KEY_FILE"),

		LogLevel:      v.GetString("LOG_LEVEL"),
		LogFormat:     v.GetString("LOG_FORMAT"),
		LogFile:       v.GetString("LOG_FILE"),
		LogMaxSizeMB:  v.GetInt("LOG_MAX_SIZE_MB"),
		LogMaxBackups: v.GetInt("LOG_MAX_BACKUPS"),
		LogMaxAgeDays: v.GetInt("LOG_MAX_AGE_DAYS"),

		CatalogDriver: strings.ToLower(v.GetString("CATALOG_DRIVER")),
		DatabaseURL:   v.GetString("DATABASE_URL"),
		SQLitePath:    v.GetString("SQLITE_PATH"),

		StorageBackend:   strings.ToLower(v.GetString("STORAGE_BACKEND")),
		LocalStoragePath: v.GetString("LOCAL_STORAGE_PATH"),
		S3Endpoint:       v.GetString("S3_ENDPOINT"),
		S3Bucket:         v.GetString("S3_BUCKET"),
		S3AccessKey:      v.GetString("S3_ACCESS_KEY"),
		S3SecretKey:      v.GetString("S3_SECRET_KEY"),
		S3Region:         v.GetString("S3_REGION"),
		S3UseSSL:         v.GetBool("S3_USE_SSL"),

		GitHubAPIURL:      v.GetString("GITHUB_API_URL"),
		RemoteTimeout:     v.GetDuration("REMOTE_TIMEOUT"),
		CommitAuthorName:  v.GetString("COMMIT_AUTHOR_NAME"),
		CommitAuthorEmail: v.GetString("COMMIT_AUTHOR_EMAIL"),

		JWTSecret:          v.GetString("API_JWT_SECRET"),
		OIDCIssuerURL:      v.GetString("OIDC_ISSUER_URL"),
		OIDCClientID:       v.GetString("OIDC_CLIENT_ID"),
		TokenEncryptionKey: v.GetString("TOKEN_ENCRYPTION_KEY"),

		DeleteSweepInterval: v.GetDuration("DELETE_SWEEP_INTERVAL"),
		DeleteWorkers:       v.GetInt("DELETE_WORKERS"),
		DeleteQueueSize:     v.GetInt("DELETE_QUEUE_SIZE"),
		MaxUploadSize:       v.GetInt64("MAX_UPLOAD_SIZE"),

		OutboxPollInterval: v.GetDuration("OUTBOX_POLL_INTERVAL"),
		OutboxMaxAttempts:  v.GetInt("OUTBOX_MAX_ATTEMPTS"),
		TrackerKind:        strings.ToLower(v.GetString("TRACKER_KIND")),
		TrackerWebhookURL:  v.GetString("TRACKER_WEBHOOK_URL"),
		TrackerTimeout:     v.GetDuration("TRACKER_TIMEOUT"),
		KafkaBrokers:       splitList(v.GetString("KAFKA_BROKERS")),
		KafkaTopic:         v.GetString("KAFKA_TOPIC"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required settings and value ranges.
func (c *Config) Validate() error {
	switch c.CatalogDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when CATALOG_DRIVER=postgres")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when CATALOG_DRIVER=sqlite")
		}
	default:
		return fmt.Errorf("CATALOG_DRIVER must be postgres or sqlite, got %q", c.CatalogDriver)
	}

	switch c.StorageBackend {
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when STORAGE_BACKEND=s3")
		}
	case "local":
		if c.LocalStoragePath == "" {
			return fmt.Errorf("LOCAL_STORAGE_PATH is required when STORAGE_BACKEND=local")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be s3 or local, got %q", c.StorageBackend)
	}

	switch c.TrackerKind {
	case "log":
	case "webhook":
		if c.TrackerWebhookURL == "" {
			return fmt.Errorf("TRACKER_WEBHOOK_URL is required when TRACKER_KIND=webhook")
		}
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required when TRACKER_KIND=kafka")
		}
		if c.KafkaTopic == "" {
			return fmt.Errorf("KAFKA_TOPIC is required when TRACKER_KIND=kafka")
		}
	default:
		return fmt.Errorf("TRACKER_KIND must be log, webhook or kafka, got %q", c.TrackerKind)
	}

	if c.DeleteWorkers < 1 {
		return fmt.Errorf("DELETE_WORKERS must be at least 1")
	}
	if c.OutboxMaxAttempts < 1 {
		return fmt.Errorf("OUTBOX_MAX_ATTEMPTS must be at least 1")
	}
	if c.DeleteSweepInterval <= 0 || c.OutboxPollInterval <= 0 {
		return fmt.Errorf("DELETE_SWEEP_INTERVAL and OUTBOX_POLL_INTERVAL must be positive")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
