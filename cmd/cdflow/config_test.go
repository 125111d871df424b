package main

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/cdflow/internal/engine"
)

func TestLoadConfig_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CDFLOW_HOME", dir)

	cfg := loadConfig()
	assert.Equal(t, filepath.Join(dir, "cdflow.db"), cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, engine.DefaultPoolSize, cfg.PoolSize)
	assert.Equal(t, engine.DefaultWaitTimeout, cfg.waitTimeout())
	assert.Empty(t, cfg.MetricsAddr)
	assert.Equal(t, 30, cfg.EventRetentionDays)
}

func TestLoadConfig_SettingsThenEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CDFLOW_HOME", dir)

	data, err := json.Marshal(map[string]any{"log_level": "debug", "pool_size": 4, "metrics_addr": ":9100"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), data, 0o644))

	cfg := loadConfig()
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 4, cfg.PoolSize)
	assert.Equal(t, ":9100", cfg.MetricsAddr)

	t.Setenv("CDFLOW_POOL_SIZE", "16")
	t.Setenv("CDFLOW_METRICS_ADDR", "")
	t.Setenv("CDFLOW_DEFAULT_WAIT_TIMEOUT", "90m")
	t.Setenv("CDFLOW_PURGE_SPEC", "")

	cfg = loadConfig()
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 16, cfg.PoolSize)
	assert.Empty(t, cfg.MetricsAddr, "an empty env var disables metrics")
	assert.Equal(t, 90*time.Minute, cfg.waitTimeout())
	assert.Empty(t, cfg.schedulerConfig().PurgeSpec)
}

func TestConfig_BadWaitTimeoutFallsBack(t *testing.T) {
	cfg := Config{DefaultWaitTimeout: "soon"}
	assert.Equal(t, engine.DefaultWaitTimeout, cfg.waitTimeout())
}

func TestConfig_SchedulerRetention(t *testing.T) {
	cfg := Config{ExpirySpec: "@every 1m", EventRetentionDays: 7}
	sc := cfg.schedulerConfig()
	assert.Equal(t, "@every 1m", sc.ExpirySpec)
	assert.Equal(t, 7*24*time.Hour, sc.EventRetention)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLogLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLogLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLogLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("bogus"))
}

func TestDiffConfigs(t *testing.T) {
	old := defaultConfig()

	d := diffConfigs(old, old)
	assert.False(t, d.LogLevelChanged)
	assert.Empty(t, d.RestartNeeded)

	next := old
	next.LogLevel = "debug"
	next.PoolSize = 20
	next.PurgeSpec = ""
	d = diffConfigs(old, next)
	assert.True(t, d.LogLevelChanged)
	assert.Equal(t, []string{"pool_size", "scheduler"}, d.RestartNeeded)
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(good, []byte(`{
		"name": "deploy",
		"states": [{"name": "approve", "type": "PAUSE", "properties": {}}]
	}`), 0o644))
	require.NoError(t, os.WriteFile(bad, []byte(`{"name": "broken", "states": []}`), 0o644))

	cmd := newRootCmd()
	cmd.SetArgs([]string{"validate", good})
	cmd.SetOut(&discard{})
	assert.NoError(t, cmd.Execute())

	cmd = newRootCmd()
	cmd.SetArgs([]string{"validate", good, bad})
	cmd.SetOut(&discard{})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestGraphCommand(t *testing.T) {
	dir := t.TempDir()
	def := filepath.Join(dir, "def.json")
	out := filepath.Join(dir, "def.mmd")
	require.NoError(t, os.WriteFile(def, []byte(`{
		"name": "deploy",
		"states": [{"name": "approve", "type": "PAUSE", "properties": {}}]
	}`), 0o644))

	cmd := newRootCmd()
	cmd.SetArgs([]string{"graph", def, "-o", out})
	require.NoError(t, cmd.Execute())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `approve(["approve"])`)
}
