package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all lineflow server configuration.
// Priority: flags > env vars (.env included) > settings.json > defaults.
type Config struct {
	ListenAddr      string   `json:"listen_addr"`
	DBPath          string   `json:"db_path"`
	LogLevel        string   `json:"log_level"`
	CacheSize       int      `json:"cache_size"`
	AllowedOrigins  []string `json:"allowed_origins"`
	SweepCron       string   `json:"sweep_cron"`      // "off" disables the sweeper
	SweepRetention  string   `json:"sweep_retention"` // duration; empty keeps history forever
	RulesFile       string   `json:"rules_file"`
	ShutdownTimeout string   `json:"shutdown_timeout"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:      ":8000",
		DBPath:          filepath.Join(lineflowDir(), "lineflow.db"),
		LogLevel:        "info",
		CacheSize:       256,
		AllowedOrigins:  []string{"http://localhost:3000"},
		SweepCron:       "0 * * * *",
		ShutdownTimeout: "10s",
	}
}

func lineflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lineflow"
	}
	return filepath.Join(home, ".lineflow")
}

func settingsPath() string {
	return filepath.Join(lineflowDir(), "settings.json")
}

// loadConfig layers defaults, settings.json, .env and LINEFLOW_* variables.
// Flags are applied afterwards by the commands.
func loadConfig() Config {
	// .env never overrides variables already set in the environment.
	_ = godotenv.Load()
	return loadConfigFrom(settingsPath(), os.Getenv)
}

func loadConfigFrom(settings string, getenv func(string) string) Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settings); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := getenv("LINEFLOW_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := getenv("LINEFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("LINEFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("LINEFLOW_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CacheSize = n
		}
	}
	if v := getenv("LINEFLOW_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}
	if v := getenv("LINEFLOW_SWEEP_CRON"); v != "" {
		cfg.SweepCron = v
	}
	if v := getenv("LINEFLOW_SWEEP_RETENTION"); v != "" {
		cfg.SweepRetention = v
	}
	if v := getenv("LINEFLOW_RULES_FILE"); v != "" {
		cfg.RulesFile = v
	}
	if v := getenv("LINEFLOW_SHUTDOWN_TIMEOUT"); v != "" {
		cfg.ShutdownTimeout = v
	}

	return cfg
}

// dsn returns the libSQL file URI of DBPath.
func (c Config) dsn() string {
	if strings.HasPrefix(c.DBPath, "file:") {
		return c.DBPath
	}
	return "file:" + c.DBPath
}

func (c Config) shutdownTimeout() time.Duration {
	d, err := time.ParseDuration(c.ShutdownTimeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

func (c Config) sweepRetention() (time.Duration, error) {
	if c.SweepRetention == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.SweepRetention)
	if err != nil {
		return 0, fmt.Errorf("parse sweep_retention %q: %w", c.SweepRetention, err)
	}
	return d, nil
}

func (c Config) sweepEnabled() bool {
	return c.SweepCron != "" && !strings.EqualFold(c.SweepCron, "off")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// configDiff describes what changed between two configurations. Rules,
// cache size, CORS origins and log level are applied on reload.
type configDiff struct {
	LogLevelChanged bool
	RulesChanged    bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.RulesFile != new.RulesFile {
		d.RulesChanged = true
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.SweepCron != new.SweepCron || old.SweepRetention != new.SweepRetention {
		d.RestartNeeded = append(d.RestartNeeded, "sweep")
	}
	return d
}
