package am

import (
	"fmt"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "scribe.db")

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"http://127.0.0.1",
	})

	// Pulse (job scheduler) defaults
	v.SetDefault("pulse.workers", 2)
	v.SetDefault("pulse.poll_interval_ms", 1000)
	v.SetDefault("pulse.lease_seconds", 120)
	v.SetDefault("pulse.sweep_interval_seconds", 30)
	v.SetDefault("pulse.max_attempts", 3)
	v.SetDefault("pulse.backoff_base_seconds", 2)
	v.SetDefault("pulse.backoff_max_seconds", 300)
	v.SetDefault("pulse.provider_timeout_seconds", 90)
	v.SetDefault("pulse.shutdown_timeout_seconds", 30)
	v.SetDefault("pulse.max_calls_per_minute", 60)
	v.SetDefault("pulse.retention_hours", 24*30)

	// Provider defaults
	v.SetDefault("provider.name", "openai")
	v.SetDefault("provider.model", "gpt-4o-mini") // Cost-effective default
	v.SetDefault("provider.temperature", 0.2)
	v.SetDefault("provider.max_tokens", 1200)

	// Cache defaults
	v.SetDefault("cache.backend", "sqlite")
	v.SetDefault("cache.ttl_seconds", 7*24*3600)
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.prefix", "scribe:cache:")

	// Ledger defaults
	v.SetDefault("ledger.alert_thresholds", []int{50, 75, 90, 100})
	v.SetDefault("ledger.auto_pause", true)

	v.SetDefault("storage.dir", "documents")
	v.SetDefault("notify.webhooks", []string{})
	v.SetDefault("notify.allow_private", false)
	v.SetDefault("notify.timeout_seconds", 10)
	v.SetDefault("notify.queue_size", 64)

	v.SetDefault("log.json", false)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("provider.api_key", "SCRIBE_PROVIDER_API_KEY", "OPENAI_API_KEY")
	v.BindEnv("cache.redis.password", "SCRIBE_REDIS_PASSWORD")
	v.BindEnv("database.path", "SCRIBE_DATABASE_PATH")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "scribe.db"
	}
	return c.Database.Path
}

// GetServerPort returns the configured server port, or DefaultServerPort.
func (c *Config) GetServerPort() int {
	if c.Server.Port == 0 {
		return DefaultServerPort
	}
	return c.Server.Port
}

// GetAlertThresholds returns ledger alert thresholds with defaults applied.
func (c *Config) GetAlertThresholds() []int {
	if len(c.Ledger.AlertThresholds) == 0 {
		return []int{50, 75, 90, 100}
	}
	return c.Ledger.AlertThresholds
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Provider: %s/%s, Cache: %s, Pulse: {Workers: %d, MaxAttempts: %d}}",
		c.Database.Path, c.Provider.Name, c.Provider.Model, c.Cache.Backend, c.Pulse.Workers, c.Pulse.MaxAttempts)
}
