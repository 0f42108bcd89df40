// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Config holds all application configuration.
type Config struct {
	Port           string   `yaml:"port"`
	Env            string   `yaml:"env"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	Store      StoreConfig      `yaml:"store"`
	Coalesce   CoalesceConfig   `yaml:"coalesce"`
	Compaction CompactionConfig `yaml:"compaction"`
	Limits     LimitsConfig     `yaml:"limits"`
}

type StoreConfig struct {
	Driver   string `yaml:"driver"`
	DBPath   string `yaml:"db_path"`
	RedisURL string `yaml:"redis_url"`
}

// CoalesceConfig controls how long edits are held before they are written.
type CoalesceConfig struct {
	Window  time.Duration `yaml:"window"`
	Timeout time.Duration `yaml:"timeout"`
}

type CompactionConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// LimitsConfig caps retained log entries and per-connection message rate.
type LimitsConfig struct {
	ChatLog           int     `yaml:"chat_log"`
	ExecutionLog      int     `yaml:"execution_log"`
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	MessageBurst      int     `yaml:"message_burst"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Port:           "8080",
		Env:            "production",
		AllowedOrigins: []string{"*"},
		Store: StoreConfig{
			Driver: DriverSQLite,
			DBPath: "./data/huddle.db",
		},
		Coalesce: CoalesceConfig{
			Window:  2 * time.Second,
			Timeout: 10 * time.Second,
		},
		Compaction: CompactionConfig{
			Interval: 5 * time.Minute,
		},
		Limits: LimitsConfig{
			ChatLog:           100,
			ExecutionLog:      50,
			MessagesPerSecond: 100,
			MessageBurst:      200,
		},
	}
}

// Load builds the configuration from defaults, the YAML file named by
// HUDDLE_CONFIG if set, and then environment variables.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("HUDDLE_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.Env = getEnv("HUDDLE_ENV", c.Env)
	if origins, ok := os.LookupEnv("ALLOWED_ORIGINS"); ok {
		c.AllowedOrigins = splitList(origins)
	}

	c.Store.Driver = strings.ToLower(getEnv("STORE_DRIVER", c.Store.Driver))
	c.Store.DBPath = getEnv("HUDDLE_DB_PATH", c.Store.DBPath)
	c.Store.RedisURL = getEnv("REDIS_URL", c.Store.RedisURL)

	c.Coalesce.Window = getEnvDuration("COALESCE_WINDOW", c.Coalesce.Window)
	c.Coalesce.Timeout = getEnvDuration("PERSIST_TIMEOUT", c.Coalesce.Timeout)
	c.Compaction.Interval = getEnvDuration("COMPACTION_INTERVAL", c.Compaction.Interval)

	c.Limits.ChatLog = getEnvInt("CHAT_LOG_CAP", c.Limits.ChatLog)
	c.Limits.ExecutionLog = getEnvInt("EXECUTION_LOG_CAP", c.Limits.ExecutionLog)
	c.Limits.MessagesPerSecond = getEnvFloat("MESSAGES_PER_SECOND", c.Limits.MessagesPerSecond)
	c.Limits.MessageBurst = getEnvInt("MESSAGE_BURST", c.Limits.MessageBurst)
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.DBPath == "" {
			return fmt.Errorf("HUDDLE_DB_PATH cannot be empty")
		}
	case DriverRedis:
		if c.Store.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when STORE_DRIVER=redis")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver)
	}
	if c.Coalesce.Window <= 0 {
		return fmt.Errorf("COALESCE_WINDOW must be > 0")
	}
	if c.Coalesce.Timeout <= 0 {
		return fmt.Errorf("PERSIST_TIMEOUT must be > 0")
	}
	if c.Compaction.Interval <= 0 {
		return fmt.Errorf("COMPACTION_INTERVAL must be > 0")
	}
	if c.Limits.ChatLog <= 0 || c.Limits.ExecutionLog <= 0 {
		return fmt.Errorf("log caps must be > 0")
	}
	if c.Limits.MessagesPerSecond <= 0 || c.Limits.MessageBurst <= 0 {
		return fmt.Errorf("MESSAGES_PER_SECOND and MESSAGE_BURST must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
