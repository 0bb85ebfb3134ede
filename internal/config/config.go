// Package config provides configuration types for abuse-gate.
//
// Configuration is file-based (abuse-gate.yaml) with environment overrides.
// Every section is optional: an empty file runs the built-in policy table
// on the in-memory store, bound to localhost.
package config

import (
	"github.com/spf13/viper"
)

// Config is the top-level configuration for abuse-gate.
type Config struct {
	// Server configures the HTTP listener for the decision, health and
	// admin APIs.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Store selects and configures the counter and violation backend.
	Store StoreConfig `yaml:"store" mapstructure:"store"`

	// RateLimit tunes the engine: policy overrides, exemptions and timeouts.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Violations tunes the asynchronous violation recorder.
	Violations ViolationsConfig `yaml:"violations" mapstructure:"violations"`

	// Audit configures where security events are written.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Admin configures access to the admin API.
	Admin AdminConfig `yaml:"admin" mapstructure:"admin"`

	// Tracing configures optional OpenTelemetry span export.
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`

	// DevMode enables debug logging and span export to stderr.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// HTTPAddr is the address to listen on (e.g., "127.0.0.1:8080", "0.0.0.0:8080").
	// Defaults to "127.0.0.1:8080" (localhost only) if empty.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error".
	// Defaults to "info" if empty. DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// TLSCertFile and TLSKeyFile enable HTTPS when both are set.
	TLSCertFile string `yaml:"tls_cert_file" mapstructure:"tls_cert_file" validate:"required_with=TLSKeyFile"`
	TLSKeyFile  string `yaml:"tls_key_file" mapstructure:"tls_key_file" validate:"required_with=TLSCertFile"`

	// ShutdownTimeout bounds graceful shutdown (e.g., "10s").
	ShutdownTimeout string `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"omitempty,duration"`
}

// StoreConfig selects the storage backend. Counters and violations always
// live in the same backend.
type StoreConfig struct {
	// Type is one of "memory", "sqlite", "postgres", "mysql", "redis".
	// Defaults to "memory".
	Type string `yaml:"type" mapstructure:"type" validate:"required,store_type"`

	// DSN is the database/sql data source name for sqlite, postgres and mysql.
	// Defaults to "abuse-gate.db" for sqlite.
	DSN string `yaml:"dsn" mapstructure:"dsn"`

	// MaxOpenConns, MaxIdleConns and ConnMaxLifetime tune the SQL pool.
	MaxOpenConns    int    `yaml:"max_open_conns" mapstructure:"max_open_conns" validate:"omitempty,min=1"`
	MaxIdleConns    int    `yaml:"max_idle_conns" mapstructure:"max_idle_conns" validate:"omitempty,min=0"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime" validate:"omitempty,duration"`

	// MaxRetries bounds optimistic transaction retries (SQL and Redis).
	// Defaults to 3.
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries" validate:"omitempty,min=1,max=20"`

	// ShardCount sets the memory store shard count. Defaults to 64.
	ShardCount int `yaml:"shard_count" mapstructure:"shard_count" validate:"omitempty,min=1,max=4096"`

	// Redis configures the redis backend.
	Redis RedisConfig `yaml:"redis" mapstructure:"redis"`
}

// RedisConfig configures the redis client.
type RedisConfig struct {
	// Addr is host:port of the server. Defaults to "127.0.0.1:6379".
	Addr     string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db" validate:"omitempty,min=0,max=15"`
	// Prefix namespaces every key. Defaults to "abusegate:".
	Prefix string `yaml:"prefix" mapstructure:"prefix"`
}

// RateLimitConfig configures the engine.
type RateLimitConfig struct {
	// Policies overrides the built-in limits of individual actions.
	// Actions not listed keep their defaults.
	Policies []PolicyOverride `yaml:"policies" mapstructure:"policies" validate:"omitempty,dive"`

	// Exemptions are CEL expressions over subject, action and scope.
	// A request matching any of them is allowed without being counted.
	Exemptions []string `yaml:"exemptions" mapstructure:"exemptions" validate:"omitempty,dive,required"`

	// StoreTimeout bounds each store transaction (e.g., "2s").
	// A timeout fails open. Defaults to "2s".
	StoreTimeout string `yaml:"store_timeout" mapstructure:"store_timeout" validate:"omitempty,duration"`

	// Retention is how long counters are kept after their window ends.
	// Defaults to "24h".
	Retention string `yaml:"retention" mapstructure:"retention" validate:"omitempty,duration"`

	// CleanupInterval is how often expired counters are removed.
	// Defaults to "5m".
	CleanupInterval string `yaml:"cleanup_interval" mapstructure:"cleanup_interval" validate:"omitempty,duration"`
}

// PolicyOverride replaces the limits of one known action.
type PolicyOverride struct {
	Action         string `yaml:"action" mapstructure:"action" validate:"required,action_name"`
	MaxRequests    int    `yaml:"max_requests" mapstructure:"max_requests" validate:"required,min=1"`
	WindowSeconds  int    `yaml:"window_seconds" mapstructure:"window_seconds" validate:"required,min=1"`
	BurstAllowance int    `yaml:"burst_allowance" mapstructure:"burst_allowance" validate:"omitempty,min=0"`
}

// ViolationsConfig tunes the violation recorder and its retention.
type ViolationsConfig struct {
	// ChannelSize is the buffer size for the violation channel.
	// Defaults to 1000 if not specified or 0.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`

	// BatchSize is the number of violations written per store call.
	// Defaults to 100 if not specified or 0.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`

	// FlushInterval is how often pending violations are flushed (e.g., "1s").
	// Defaults to "1s".
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty,duration"`

	// SendTimeout is how long a denial may block when the channel is full.
	// Defaults to "10ms". Records that cannot be queued are dropped.
	SendTimeout string `yaml:"send_timeout" mapstructure:"send_timeout" validate:"omitempty,duration"`

	// WarningThreshold is the queue fill percentage (0-100) that triggers
	// a warning. Defaults to 80.
	WarningThreshold int `yaml:"warning_threshold" mapstructure:"warning_threshold" validate:"omitempty,min=0,max=100"`

	// BufferSize is how many violations the memory store keeps.
	// Defaults to 10000.
	BufferSize int `yaml:"buffer_size" mapstructure:"buffer_size" validate:"omitempty,min=1"`

	// Journal mirrors violations of the memory store as JSON lines
	// ("stdout" or "file:///absolute/path"). Empty disables it.
	Journal string `yaml:"journal" mapstructure:"journal" validate:"omitempty,audit_output"`

	// Retention is how long violations are kept by the sql and redis
	// stores. Defaults to "720h" (30 days).
	Retention string `yaml:"retention" mapstructure:"retention" validate:"omitempty,duration"`
}

// AuditConfig configures security event output.
type AuditConfig struct {
	// Output specifies where security events are written.
	// Valid values: "stdout" or "file:///absolute/path/to/security.log"
	// Defaults to "stdout" if empty.
	Output string `yaml:"output" mapstructure:"output" validate:"required,audit_output"`
}

// AdminConfig configures the admin API.
type AdminConfig struct {
	// APIKeyHash enables remote admin access with a Bearer key.
	// Generate with: abuse-gate hash-key <key>
	// Accepts argon2id PHC strings and "sha256:<hex>". Empty means the
	// admin API only answers localhost.
	APIKeyHash string `yaml:"api_key_hash" mapstructure:"api_key_hash" validate:"omitempty,key_hash"`

	// RateLimit caps remote admin requests per address per RateWindow.
	// Defaults to 60 per "1m".
	RateLimit  int    `yaml:"rate_limit" mapstructure:"rate_limit" validate:"omitempty,min=1"`
	RateWindow string `yaml:"rate_window" mapstructure:"rate_window" validate:"omitempty,duration"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	// Output is "stdout", "stderr" or "file:///absolute/path". Empty
	// disables tracing unless DevMode is set.
	Output string `yaml:"output" mapstructure:"output" validate:"omitempty,trace_output"`

	// SampleRatio is the fraction of root spans sampled (0 < r <= 1).
	// Defaults to 1.
	SampleRatio float64 `yaml:"sample_ratio" mapstructure:"sample_ratio" validate:"omitempty,gt=0,lte=1"`
}

// SetDevDefaults applies development defaults. Called before validation.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	c.Server.LogLevel = "debug"
	if c.Tracing.Output == "" {
		c.Tracing.Output = "stderr"
	}
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	// Server defaults: bind to localhost only.
	// Users who need network access must explicitly set http_addr: "0.0.0.0:8080".
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "10s"
	}

	// Store defaults
	if c.Store.Type == "" {
		c.Store.Type = "memory"
	}
	if c.Store.Type == "sqlite" && c.Store.DSN == "" {
		c.Store.DSN = "abuse-gate.db"
	}
	if c.Store.MaxRetries == 0 {
		c.Store.MaxRetries = 3
	}
	if c.Store.ShardCount == 0 {
		c.Store.ShardCount = 64
	}
	if c.Store.Redis.Addr == "" {
		c.Store.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Store.Redis.Prefix == "" {
		c.Store.Redis.Prefix = "abusegate:"
	}

	// Rate limit defaults
	if c.RateLimit.StoreTimeout == "" {
		c.RateLimit.StoreTimeout = "2s"
	}
	if c.RateLimit.Retention == "" {
		c.RateLimit.Retention = "24h"
	}
	if c.RateLimit.CleanupInterval == "" {
		c.RateLimit.CleanupInterval = "5m"
	}

	// Violation recorder defaults
	if c.Violations.ChannelSize == 0 {
		c.Violations.ChannelSize = 1000
	}
	if c.Violations.BatchSize == 0 {
		c.Violations.BatchSize = 100
	}
	if c.Violations.FlushInterval == "" {
		c.Violations.FlushInterval = "1s"
	}
	if c.Violations.SendTimeout == "" {
		c.Violations.SendTimeout = "10ms"
	}
	// viper.IsSet distinguishes "not set" from an explicit 0 (warnings off).
	if c.Violations.WarningThreshold == 0 && !viper.IsSet("violations.warning_threshold") {
		c.Violations.WarningThreshold = 80
	}
	if c.Violations.BufferSize == 0 {
		c.Violations.BufferSize = 10000
	}
	if c.Violations.Retention == "" {
		c.Violations.Retention = "720h"
	}

	// Audit defaults
	if c.Audit.Output == "" {
		c.Audit.Output = "stdout"
	}

	// Admin defaults
	if c.Admin.RateLimit == 0 {
		c.Admin.RateLimit = 60
	}
	if c.Admin.RateWindow == "" {
		c.Admin.RateWindow = "1m"
	}

	if c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = 1
	}
}
