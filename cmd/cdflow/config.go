package main

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/cdflow/internal/engine"
	"github.com/rendis/cdflow/internal/scheduler"
)

// Config holds all cdflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath             string `json:"db_path"`
	LogLevel           string `json:"log_level"`
	PoolSize           int    `json:"pool_size"`
	DefaultWaitTimeout string `json:"default_wait_timeout"`
	MetricsAddr        string `json:"metrics_addr"` // empty disables the metrics endpoint
	ExpirySpec         string `json:"expiry_spec"`
	PurgeSpec          string `json:"purge_spec"`
	EventRetentionDays int    `json:"event_retention_days"`
}

func defaultConfig() Config {
	sched := scheduler.DefaultConfig()
	return Config{
		DBPath:             filepath.Join(cdflowDir(), "cdflow.db"),
		LogLevel:           "info",
		PoolSize:           engine.DefaultPoolSize,
		DefaultWaitTimeout: engine.DefaultWaitTimeout.String(),
		ExpirySpec:         sched.ExpirySpec,
		PurgeSpec:          sched.PurgeSpec,
		EventRetentionDays: int(sched.EventRetention / (24 * time.Hour)),
	}
}

func cdflowDir() string {
	if v := os.Getenv("CDFLOW_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cdflow"
	}
	return filepath.Join(home, ".cdflow")
}

func settingsPath() string {
	return filepath.Join(cdflowDir(), "settings.json")
}

func pidPath() string {
	return filepath.Join(cdflowDir(), "cdflow.pid")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("CDFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CDFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CDFLOW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("CDFLOW_DEFAULT_WAIT_TIMEOUT"); v != "" {
		cfg.DefaultWaitTimeout = v
	}
	if v, ok := os.LookupEnv("CDFLOW_METRICS_ADDR"); ok {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("CDFLOW_EXPIRY_SPEC"); v != "" {
		cfg.ExpirySpec = v
	}
	if v, ok := os.LookupEnv("CDFLOW_PURGE_SPEC"); ok {
		cfg.PurgeSpec = v
	}
	if v := os.Getenv("CDFLOW_EVENT_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EventRetentionDays = n
		}
	}

	return cfg
}

// waitTimeout parses DefaultWaitTimeout. Unparseable values fall back to
// the executor default.
func (c Config) waitTimeout() time.Duration {
	d, err := time.ParseDuration(c.DefaultWaitTimeout)
	if err != nil {
		return engine.DefaultWaitTimeout
	}
	return d
}

func (c Config) schedulerConfig() scheduler.Config {
	sc := scheduler.DefaultConfig()
	sc.ExpirySpec = c.ExpirySpec
	sc.PurgeSpec = c.PurgeSpec
	if c.EventRetentionDays > 0 {
		sc.EventRetention = time.Duration(c.EventRetentionDays) * 24 * time.Hour
	}
	return sc
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.PoolSize != new.PoolSize {
		d.RestartNeeded = append(d.RestartNeeded, "pool_size")
	}
	if old.DefaultWaitTimeout != new.DefaultWaitTimeout {
		d.RestartNeeded = append(d.RestartNeeded, "default_wait_timeout")
	}
	if old.MetricsAddr != new.MetricsAddr {
		d.RestartNeeded = append(d.RestartNeeded, "metrics_addr")
	}
	if old.ExpirySpec != new.ExpirySpec || old.PurgeSpec != new.PurgeSpec || old.EventRetentionDays != new.EventRetentionDays {
		d.RestartNeeded = append(d.RestartNeeded, "scheduler")
	}
	return d
}
