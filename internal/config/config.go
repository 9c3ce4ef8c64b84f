package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
)

const (
	StoreFS     = "fs"
	StoreSQLite = "sqlite"
)

type Config struct {
	ListenAddr  string   `yaml:"listen_addr"`
	DataDir     string   `yaml:"data_dir"`
	Store       string   `yaml:"store"`
	DBPath      string   `yaml:"db_path"`
	APIKeys     []string `yaml:"api_keys"`
	CORSOrigins []string `yaml:"cors_origins"`

	WorkerIntervalSeconds int `yaml:"worker_interval_seconds"`
	CleanupEveryTicks     int `yaml:"cleanup_every_ticks"`
	RetentionDays         int `yaml:"retention_days"`
	LockStaleMinutes      int `yaml:"lock_stale_minutes"`
	RateLimitRPS          int `yaml:"rate_limit_rps"`
	RateLimitBurst        int `yaml:"rate_limit_burst"`

	ClaudePath string `yaml:"claude_path"`
	GitPath    string `yaml:"git_path"`
}

// Load builds the configuration from defaults, then the optional YAML
// file named by WORKFLOWD_CONFIG, then environment variables. Later
// sources win.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:            ":8080",
		DataDir:               "data",
		Store:                 StoreFS,
		DBPath:                "workflowd.db",
		WorkerIntervalSeconds: 2,
		CleanupEveryTicks:     100,
		RetentionDays:         7,
		LockStaleMinutes:      60,
		RateLimitRPS:          10,
		ClaudePath:            "claude",
		GitPath:               "git",
	}

	if path := os.Getenv("WORKFLOWD_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.ListenAddr = getEnv("WORKFLOWD_LISTEN_ADDR", cfg.ListenAddr)
	cfg.DataDir = getEnv("WORKFLOWD_DATA_DIR", cfg.DataDir)
	cfg.Store = getEnv("WORKFLOWD_STORE", cfg.Store)
	cfg.DBPath = getEnv("WORKFLOWD_DB_PATH", cfg.DBPath)
	cfg.ClaudePath = getEnv("WORKFLOWD_CLAUDE_PATH", cfg.ClaudePath)
	cfg.GitPath = getEnv("WORKFLOWD_GIT_PATH", cfg.GitPath)

	if rawKeys := os.Getenv("WORKFLOWD_API_KEYS"); rawKeys != "" {
		cfg.APIKeys = splitList(rawKeys)
	}
	if rawOrigins := os.Getenv("WORKFLOWD_CORS_ORIGINS"); rawOrigins != "" {
		cfg.CORSOrigins = splitList(rawOrigins)
	}

	var err error
	if cfg.WorkerIntervalSeconds, err = getEnvInt("WORKFLOWD_WORKER_INTERVAL_SECONDS", cfg.WorkerIntervalSeconds); err != nil {
		return nil, fmt.Errorf("WORKFLOWD_WORKER_INTERVAL_SECONDS: %w", err)
	}
	if cfg.CleanupEveryTicks, err = getEnvInt("WORKFLOWD_CLEANUP_EVERY_TICKS", cfg.CleanupEveryTicks); err != nil {
		return nil, fmt.Errorf("WORKFLOWD_CLEANUP_EVERY_TICKS: %w", err)
	}
	if cfg.RetentionDays, err = getEnvInt("WORKFLOWD_RETENTION_DAYS", cfg.RetentionDays); err != nil {
		return nil, fmt.Errorf("WORKFLOWD_RETENTION_DAYS: %w", err)
	}
	if cfg.LockStaleMinutes, err = getEnvInt("WORKFLOWD_LOCK_STALE_MINUTES", cfg.LockStaleMinutes); err != nil {
		return nil, fmt.Errorf("WORKFLOWD_LOCK_STALE_MINUTES: %w", err)
	}
	if cfg.RateLimitRPS, err = getEnvInt("WORKFLOWD_RATE_LIMIT_RPS", cfg.RateLimitRPS); err != nil {
		return nil, fmt.Errorf("WORKFLOWD_RATE_LIMIT_RPS: %w", err)
	}
	if cfg.RateLimitBurst, err = getEnvInt("WORKFLOWD_RATE_LIMIT_BURST", cfg.RateLimitBurst); err != nil {
		return nil, fmt.Errorf("WORKFLOWD_RATE_LIMIT_BURST: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Store != StoreFS && c.Store != StoreSQLite {
		return fmt.Errorf("store %q must be %q or %q", c.Store, StoreFS, StoreSQLite)
	}
	if c.DataDir == "" {
		return errors.New("data_dir must not be empty")
	}
	if c.Store == StoreSQLite && c.DBPath == "" {
		return errors.New("db_path must not be empty when store is sqlite")
	}
	if c.WorkerIntervalSeconds < 1 {
		return errors.New("worker_interval_seconds must be > 0")
	}
	if c.CleanupEveryTicks < 1 {
		return errors.New("cleanup_every_ticks must be > 0")
	}
	if c.RetentionDays < 1 {
		return errors.New("retention_days must be > 0")
	}
	if c.LockStaleMinutes < 1 {
		return errors.New("lock_stale_minutes must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
