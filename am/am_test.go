package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	// Isolated viper so user/system config files don't leak in
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	assert.Equal(t, "scribe.db", cfg.Database.Path)
	assert.Equal(t, DefaultServerPort, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Pulse.Workers)
	assert.Equal(t, 3, cfg.Pulse.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Pulse.BackoffBase())
	assert.Equal(t, 5*time.Minute, cfg.Pulse.BackoffMax())
	assert.Equal(t, "sqlite", cfg.Cache.Backend)
	assert.Equal(t, []int{50, 75, 90, 100}, cfg.Ledger.AlertThresholds)
	assert.True(t, cfg.Ledger.AutoPause)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scribe.toml")
	content := `
[pulse]
workers = 4
max_attempts = 5

[cache]
backend = "redis"

[cache.redis]
addr = "redis:6379"

[ledger]
client_limit_tokens = 50000
alert_thresholds = [80, 100]
`
	require.NoError(t, os.WriteFile(path, []byte(content), DefaultFilePermissions))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Pulse.Workers)
	assert.Equal(t, 5, cfg.Pulse.MaxAttempts)
	assert.Equal(t, 2, cfg.Pulse.BackoffBaseSeconds, "unset keys keep defaults")
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, "redis:6379", cfg.Cache.Redis.Addr)
	assert.Equal(t, int64(50000), cfg.Ledger.ClientLimitTokens)
	assert.Equal(t, []int{80, 100}, cfg.GetAlertThresholds())
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"zero config is valid", Config{}, false},
		{"negative workers", Config{Pulse: PulseConfig{Workers: -1}}, true},
		{"base above cap", Config{Pulse: PulseConfig{BackoffBaseSeconds: 10, BackoffMaxSeconds: 5}}, true},
		{"unknown provider", Config{Provider: ProviderConfig{Name: "carrier-pigeon"}}, true},
		{"unknown cache backend", Config{Cache: CacheConfig{Backend: "memcached"}}, true},
		{"redis without addr", Config{Cache: CacheConfig{Backend: "redis"}}, true},
		{"threshold over 100", Config{Ledger: LedgerConfig{AlertThresholds: []int{50, 120}}}, true},
		{"negative cost limit", Config{Ledger: LedgerConfig{ClientLimitCost: -1}}, true},
		{"echo provider", Config{Provider: ProviderConfig{Name: "echo"}}, false},
		{"webhook without scheme", Config{Notify: NotifyConfig{Webhooks: []string{"hooks.example.com"}}}, true},
		{"https webhook", Config{Notify: NotifyConfig{Webhooks: []string{"https://hooks.example.com/scribe"}}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEnvOverride(t *testing.T) {
	Reset()
	t.Cleanup(Reset)
	t.Setenv("SCRIBE_PULSE_WORKERS", "7")
	t.Setenv("SCRIBE_PROVIDER_API_KEY", "sk-test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Pulse.Workers)
	assert.Equal(t, "sk-test", cfg.Provider.APIKey)
}

func TestGetServerPortFallback(t *testing.T) {
	assert.Equal(t, DefaultServerPort, (&Config{}).GetServerPort())
	assert.Equal(t, 9000, (&Config{Server: ServerConfig{Port: 9000}}).GetServerPort())
}
