package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ServerPort string `yaml:"server_port"`
	LogLevel   string `yaml:"log_level"`

	RedisAddr string `yaml:"redis_addr"`
	RedisPass string `yaml:"redis_password"`
	RedisDB   int    `yaml:"redis_db"`

	WorkerCount  int           `yaml:"worker_count"`
	PollInterval time.Duration `yaml:"poll_interval"`
	RetryBase    time.Duration `yaml:"retry_base"`
	TerminalTTL  time.Duration `yaml:"terminal_ttl"`

	DurablePath  string        `yaml:"durable_path"`
	SyncInterval time.Duration `yaml:"sync_interval"`

	RefreshCron string `yaml:"refresh_cron"`
}

func defaults() *Config {
	return &Config{
		ServerPort:   "8080",
		LogLevel:     "info",
		RedisAddr:    "localhost:6379",
		RedisDB:      0,
		WorkerCount:  3,
		PollInterval: 2 * time.Second,
		RetryBase:    time.Second,
		TerminalTTL:  24 * time.Hour,
		DurablePath:  "data/durable.db",
		SyncInterval: 30 * time.Second,
		RefreshCron:  "@every 15m",
	}
}

// Load builds the config from defaults, an optional YAML file named by
// CONFIG_FILE, and finally environment variables. Later sources win.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.ServerPort = getEnv("SERVER_PORT", cfg.ServerPort)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPass = getEnv("REDIS_PASSWORD", cfg.RedisPass)
	cfg.RedisDB = getEnvInt("REDIS_DB", cfg.RedisDB)
	cfg.WorkerCount = getEnvInt("WORKER_COUNT", cfg.WorkerCount)
	cfg.PollInterval = getEnvDuration("POLL_INTERVAL", cfg.PollInterval)
	cfg.RetryBase = getEnvDuration("RETRY_BASE", cfg.RetryBase)
	cfg.TerminalTTL = getEnvDuration("TERMINAL_TTL", cfg.TerminalTTL)
	cfg.DurablePath = getEnv("DURABLE_PATH", cfg.DurablePath)
	cfg.SyncInterval = getEnvDuration("SYNC_INTERVAL", cfg.SyncInterval)
	cfg.RefreshCron = getEnv("REFRESH_CRON", cfg.RefreshCron)

	if cfg.WorkerCount <= 0 {
		return nil, fmt.Errorf("worker_count must be positive, got %d", cfg.WorkerCount)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
