// Package config provides centralized configuration management for the application.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import (
	"fmt"
	"net/netip"
	"strconv"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Import   ImportConfig
	Dataset  DatasetConfig
	Report   ReportConfig
	Rate     RateLimitConfig
	Security SecurityConfig
	Logging  LoggingConfig
	Tracing  TracingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" envDefault:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" envDefault:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 15s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"15s"`

	// WriteTimeout is the maximum duration for writing response (default: 0 for SSE)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"0s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// RequestTimeout is the middleware timeout for non-streaming requests (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" envDefault:"60s"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required).
	// DB_URL is accepted as a fallback, see Load.
	URL string `env:"DATABASE_URL"`

	// MaxConns is the maximum number of connections in the pool (default: 10)
	MaxConns int `env:"DB_MAX_CONNS" envDefault:"10"`

	// MinConns is the minimum number of connections to keep open (default: 2)
	MinConns int `env:"DB_MIN_CONNS" envDefault:"2"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" envDefault:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"30m"`
}

// ImportConfig holds settings for import and reconciliation runs.
type ImportConfig struct {
	// BatchSize is the number of successful records per commit window (default: 100)
	BatchSize int `env:"IMPORT_BATCH_SIZE" envDefault:"100"`

	// MaxConcurrent is the maximum number of runs across all datasets (default: 2)
	MaxConcurrent int `env:"IMPORT_MAX_CONCURRENT" envDefault:"2"`

	// MaxWaitTime is how long to wait for a run slot (default: 10s)
	MaxWaitTime time.Duration `env:"IMPORT_MAX_WAIT_TIME" envDefault:"10s"`

	// Timeout is the maximum duration of a single run (default: 30m)
	Timeout time.Duration `env:"IMPORT_TIMEOUT" envDefault:"30m"`

	// MaxUploadSize is the maximum accepted JSON body in bytes (default: 10MB)
	MaxUploadSize int64 `env:"IMPORT_MAX_UPLOAD_SIZE" envDefault:"10485760"`

	// DefaultNote is stored in keterangan when a record carries no note
	DefaultNote string `env:"IMPORT_DEFAULT_NOTE" envDefault:"Imported via Web"`

	// SampleLimit caps the mismatch samples returned by validation (default: 50)
	SampleLimit int `env:"IMPORT_SAMPLE_LIMIT" envDefault:"50"`

	// ResultRetention is how long finished runs stay queryable (default: 10m)
	ResultRetention time.Duration `env:"IMPORT_RESULT_RETENTION" envDefault:"10m"`

	// CancelOnDisconnect cancels a run when its last progress stream closes
	CancelOnDisconnect bool `env:"IMPORT_CANCEL_ON_DISCONNECT" envDefault:"true"`
}

// DatasetConfig holds settings for the uploaded dataset store.
type DatasetConfig struct {
	// Backend selects the store: memory or redis (default: memory)
	Backend string `env:"DATASET_BACKEND" envDefault:"memory"`

	// TTL is how long an uploaded dataset handle stays valid (default: 1h)
	TTL time.Duration `env:"DATASET_TTL" envDefault:"1h"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix   string `env:"REDIS_PREFIX" envDefault:"pendampingan:dataset:"`
}

// ReportConfig holds settings for the failure report sink.
type ReportConfig struct {
	// Backend selects the sink: file or gcs (default: file)
	Backend string `env:"REPORT_BACKEND" envDefault:"file"`

	// ExportDir is where file reports are written (default: exports)
	ExportDir string `env:"EXPORT_DIR" envDefault:"exports"`

	GCSBucket string `env:"REPORT_GCS_BUCKET"`
	GCSPrefix string `env:"REPORT_GCS_PREFIX" envDefault:"exports/"`
	// GCSCredentials is a service-account file path or inline JSON.
	// Empty uses application default credentials.
	GCSCredentials string `env:"REPORT_GCS_CREDENTIALS"`
}

// RateLimitConfig holds rate limiting settings per time window.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" envDefault:"true"`

	// RequestsPerMinute is the default rate limit per IP (default: 100)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" envDefault:"100"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// RequireAPIKey enables X-API-Key checks on /api routes (default: false)
	RequireAPIKey bool `env:"REQUIRE_API_KEY" envDefault:"false"`

	// APIKeys is a comma-separated list of accepted API keys
	APIKeys []string `env:"API_KEYS"`

	// ReadOnlyAPIKeys may only call GET routes: run status, progress
	// streams, results and report downloads.
	ReadOnlyAPIKeys []string `env:"API_KEYS_READONLY"`
}

// TrustedPrefixes parses TrustedProxies. A bare address is a single-host
// prefix. Entries that fail to parse are reported and left out.
func (c *SecurityConfig) TrustedPrefixes() ([]netip.Prefix, error) {
	var (
		prefixes []netip.Prefix
		bad      []string
	)
	for _, entry := range c.TrustedProxies {
		if p, err := netip.ParsePrefix(entry); err == nil {
			prefixes = append(prefixes, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(entry); err == nil {
			prefixes = append(prefixes, netip.PrefixFrom(a.Unmap(), a.Unmap().BitLen()))
			continue
		}
		bad = append(bad, entry)
	}
	if len(bad) > 0 {
		return prefixes, fmt.Errorf("invalid trusted proxies %q", bad)
	}
	return prefixes, nil
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" envDefault:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" envDefault:"text"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `env:"OTEL_ENABLED" envDefault:"false"`
	ServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"pendampingan"`
	// SampleRatio is the fraction of root spans recorded (0-1).
	SampleRatio float64 `env:"OTEL_SAMPLER_RATIO" envDefault:"1"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
