// Package am holds scribe's configuration: defaults, file merging and
// environment overrides via viper.
package am

import "time"

// Config represents the core scribe configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Pulse    PulseConfig    `mapstructure:"pulse"`
	Provider ProviderConfig `mapstructure:"provider"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Log      LogConfig      `mapstructure:"log"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the HTTP queue API
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DefaultServerPort is used when server.port is unset.
const DefaultServerPort = 8787

// PulseConfig configures the job scheduler and worker pool
type PulseConfig struct {
	Workers                int `mapstructure:"workers"`                  // Concurrent workers; bounds concurrent provider calls
	PollIntervalMS         int `mapstructure:"poll_interval_ms"`         // How often an idle worker polls for work
	LeaseSeconds           int `mapstructure:"lease_seconds"`            // PROCESSING lease; expired leases are recovered
	SweepIntervalSeconds   int `mapstructure:"sweep_interval_seconds"`   // Maintenance sweep cadence (0 = disabled)
	MaxAttempts            int `mapstructure:"max_attempts"`             // Attempts before terminal FAILED
	BackoffBaseSeconds     int `mapstructure:"backoff_base_seconds"`     // delay = base * 2^(attempt-1)
	BackoffMaxSeconds      int `mapstructure:"backoff_max_seconds"`      // delay cap
	ProviderTimeoutSeconds int `mapstructure:"provider_timeout_seconds"` // Per provider call
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"` // Graceful stop wait
	MaxCallsPerMinute      int `mapstructure:"max_calls_per_minute"`     // Provider rate limit (0 = unlimited)
	RetentionHours         int `mapstructure:"retention_hours"`          // COMPLETED jobs older than this are swept (0 = keep)
}

// PollInterval returns the worker poll interval.
func (p PulseConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalMS) * time.Millisecond
}

// Lease returns the PROCESSING lease duration.
func (p PulseConfig) Lease() time.Duration {
	return time.Duration(p.LeaseSeconds) * time.Second
}

// SweepInterval returns the maintenance sweep cadence.
func (p PulseConfig) SweepInterval() time.Duration {
	return time.Duration(p.SweepIntervalSeconds) * time.Second
}

// BackoffBase returns the retry base delay.
func (p PulseConfig) BackoffBase() time.Duration {
	return time.Duration(p.BackoffBaseSeconds) * time.Second
}

// BackoffMax returns the retry delay cap.
func (p PulseConfig) BackoffMax() time.Duration {
	return time.Duration(p.BackoffMaxSeconds) * time.Second
}

// ProviderTimeout returns the per-call provider timeout.
func (p PulseConfig) ProviderTimeout() time.Duration {
	return time.Duration(p.ProviderTimeoutSeconds) * time.Second
}

// ShutdownTimeout returns how long Stop waits for in-flight jobs.
func (p PulseConfig) ShutdownTimeout() time.Duration {
	return time.Duration(p.ShutdownTimeoutSeconds) * time.Second
}

// Retention returns how long COMPLETED jobs are kept.
func (p PulseConfig) Retention() time.Duration {
	return time.Duration(p.RetentionHours) * time.Hour
}

// ProviderConfig selects and configures the content-generation provider
type ProviderConfig struct {
	Name        string   `mapstructure:"name"`        // openai, openrouter or echo
	APIKey      string   `mapstructure:"api_key"`     // Sensitive; prefer SCRIBE_PROVIDER_API_KEY
	BaseURL     string   `mapstructure:"base_url"`    // Override for OpenAI-compatible gateways
	Model       string   `mapstructure:"model"`       // e.g. "gpt-4o-mini"
	Temperature *float64 `mapstructure:"temperature"` // nil = provider default 0.2
	MaxTokens   int      `mapstructure:"max_tokens"`  // Fallback when a section declares none
}

// CacheConfig configures the response cache
type CacheConfig struct {
	Backend    string      `mapstructure:"backend"` // sqlite, redis or none
	TTLSeconds int         `mapstructure:"ttl_seconds"`
	Redis      RedisConfig `mapstructure:"redis"`
}

// TTL returns the default entry lifetime.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// RedisConfig configures the redis cache backend
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// LedgerConfig configures default token/cost limits applied to scopes the
// ledger has not seen yet. Zero means no limit.
type LedgerConfig struct {
	GlobalLimitTokens int64   `mapstructure:"global_limit_tokens"`
	GlobalLimitCost   float64 `mapstructure:"global_limit_cost"`
	ClientLimitTokens int64   `mapstructure:"client_limit_tokens"`
	ClientLimitCost   float64 `mapstructure:"client_limit_cost"`
	JobLimitTokens    int64   `mapstructure:"job_limit_tokens"`
	AlertThresholds   []int   `mapstructure:"alert_thresholds"` // Percentages, e.g. [50, 75, 90, 100]
	AutoPause         bool    `mapstructure:"auto_pause"`       // Deny reservations once a limit is reached
}

// StorageConfig configures the assembled-document store
type StorageConfig struct {
	Dir     string `mapstructure:"dir"`
	Catalog string `mapstructure:"catalog"` // Section catalog YAML; empty uses the built-in catalog
}

// NotifyConfig configures outbound webhooks for budget alerts and job failures
type NotifyConfig struct {
	Webhooks       []string `mapstructure:"webhooks"`
	AllowPrivate   bool     `mapstructure:"allow_private"` // Permit loopback and private-network webhook hosts
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
	QueueSize      int      `mapstructure:"queue_size"` // Events buffered per webhook before dropping
}

// Timeout returns the per-delivery timeout.
func (n NotifyConfig) Timeout() time.Duration {
	return time.Duration(n.TimeoutSeconds) * time.Second
}

// LogConfig configures logging output
type LogConfig struct {
	JSON bool `mapstructure:"json"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)
