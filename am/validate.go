package am

import (
	"strings"

	"github.com/teranos/scribe/errors"
)

// Validate checks that the configuration is valid. Zero means "disabled" or
// "unlimited" where the field allows it; negative values are always invalid.
func (c *Config) Validate() error {
	if c.Server.Port < 0 {
		return errors.Newf("server.port must be positive, got %d", c.Server.Port)
	}

	if c.Pulse.Workers < 0 {
		return errors.Newf("pulse.workers must be >= 0, got %d", c.Pulse.Workers)
	}
	if c.Pulse.MaxAttempts < 0 {
		return errors.Newf("pulse.max_attempts must be >= 0, got %d", c.Pulse.MaxAttempts)
	}
	if c.Pulse.BackoffBaseSeconds < 0 || c.Pulse.BackoffMaxSeconds < 0 {
		return errors.New("pulse backoff values must be >= 0")
	}
	if c.Pulse.BackoffMaxSeconds > 0 && c.Pulse.BackoffBaseSeconds > c.Pulse.BackoffMaxSeconds {
		return errors.Newf("pulse.backoff_base_seconds (%d) exceeds pulse.backoff_max_seconds (%d)",
			c.Pulse.BackoffBaseSeconds, c.Pulse.BackoffMaxSeconds)
	}
	if c.Pulse.LeaseSeconds < 0 || c.Pulse.ProviderTimeoutSeconds < 0 {
		return errors.New("pulse lease and provider timeout must be >= 0")
	}
	if c.Pulse.MaxCallsPerMinute < 0 {
		return errors.Newf("pulse.max_calls_per_minute must be >= 0, got %d", c.Pulse.MaxCallsPerMinute)
	}

	switch c.Provider.Name {
	case "", "openai", "openrouter", "echo":
	default:
		return errors.Newf("provider.name must be openai, openrouter or echo, got %q", c.Provider.Name)
	}

	switch c.Cache.Backend {
	case "", "sqlite", "redis", "none":
	default:
		return errors.Newf("cache.backend must be sqlite, redis or none, got %q", c.Cache.Backend)
	}
	if c.Cache.Backend == "redis" && c.Cache.Redis.Addr == "" {
		return errors.New("cache.redis.addr cannot be empty when cache.backend is redis")
	}
	if c.Cache.TTLSeconds < 0 {
		return errors.Newf("cache.ttl_seconds must be >= 0, got %d", c.Cache.TTLSeconds)
	}

	if c.Ledger.GlobalLimitTokens < 0 || c.Ledger.ClientLimitTokens < 0 || c.Ledger.JobLimitTokens < 0 {
		return errors.New("ledger token limits must be >= 0")
	}
	if c.Ledger.GlobalLimitCost < 0 || c.Ledger.ClientLimitCost < 0 {
		return errors.New("ledger cost limits must be >= 0")
	}
	for _, pct := range c.Ledger.AlertThresholds {
		if pct <= 0 || pct > 100 {
			return errors.Newf("ledger.alert_thresholds entries must be in (0, 100], got %d", pct)
		}
	}

	if c.Notify.TimeoutSeconds < 0 || c.Notify.QueueSize < 0 {
		return errors.New("notify timeout and queue size must be >= 0")
	}
	for _, hook := range c.Notify.Webhooks {
		if !strings.HasPrefix(hook, "http://") && !strings.HasPrefix(hook, "https://") {
			return errors.Newf("notify.webhooks entries must be http(s) URLs, got %q", hook)
		}
	}

	return nil
}
