package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := loadConfigFrom(filepath.Join(t.TempDir(), "missing.json"), envMap(nil))
	assert.Equal(t, ":8000", cfg.ListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.AllowedOrigins)
	assert.True(t, cfg.sweepEnabled())
	assert.Equal(t, 10*time.Second, cfg.shutdownTimeout())
}

func TestLoadConfig_Layers(t *testing.T) {
	settings := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(settings, []byte(`{
		"listen_addr": ":9000",
		"log_level": "debug",
		"cache_size": 64,
		"sweep_cron": "off"
	}`), 0o644))

	cfg := loadConfigFrom(settings, envMap(map[string]string{
		"LINEFLOW_LOG_LEVEL":       "warn",
		"LINEFLOW_ALLOWED_ORIGINS": "https://a.example, https://b.example,",
		"LINEFLOW_CACHE_SIZE":      "not-a-number",
		"LINEFLOW_DB_PATH":         "/var/lib/lineflow.db",
	}))

	assert.Equal(t, ":9000", cfg.ListenAddr, "settings.json beats defaults")
	assert.Equal(t, "warn", cfg.LogLevel, "env beats settings.json")
	assert.Equal(t, 64, cfg.CacheSize, "unparsable env is ignored")
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.False(t, cfg.sweepEnabled())
	assert.Equal(t, "file:/var/lib/lineflow.db", cfg.dsn())
}

func TestConfig_Durations(t *testing.T) {
	cfg := Config{ShutdownTimeout: "nope", SweepRetention: "720h"}
	assert.Equal(t, 10*time.Second, cfg.shutdownTimeout())
	d, err := cfg.sweepRetention()
	require.NoError(t, err)
	assert.Equal(t, 720*time.Hour, d)

	cfg.SweepRetention = "a month"
	_, err = cfg.sweepRetention()
	assert.Error(t, err)
}

func TestDiffConfigs(t *testing.T) {
	old := defaultConfig()
	next := old
	next.LogLevel = "debug"
	next.RulesFile = "rules.yaml"
	next.ListenAddr = ":9999"
	next.SweepCron = "@daily"

	d := diffConfigs(old, next)
	assert.True(t, d.LogLevelChanged)
	assert.True(t, d.RulesChanged)
	assert.Equal(t, []string{"listen_addr", "sweep"}, d.RestartNeeded)

	assert.Empty(t, diffConfigs(old, old).RestartNeeded)
}
