// Package config loads process configuration from the environment, with an
// optional YAML file underneath it.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultFile is the optional overlay read by the CLI from the project root.
const DefaultFile = "nstar.yaml"

// Config holds process configuration.
type Config struct {
	Port          string  `yaml:"port"`
	LogLevel      string  `yaml:"log_level"`
	Root          string  `yaml:"root"`
	TracePath     string  `yaml:"trace_path"`
	IntentsPath   string  `yaml:"intents_path"`
	TestCmd       string  `yaml:"test_cmd"`
	AuthSecret    string  `yaml:"auth_secret"`
	RateRPS       float64 `yaml:"rate_rps"`
	RateBurst     int     `yaml:"rate_burst"`
	DatabaseURL   string  `yaml:"database_url"`
	SQLitePath    string  `yaml:"sqlite_path"`
	RedisAddr     string  `yaml:"redis_addr"`
	RedisPassword string  `yaml:"redis_password"`
	OTelEnabled   bool    `yaml:"otel_enabled"`
	OTelEndpoint  string  `yaml:"otel_endpoint"`
	// ServerURL is where client commands reach a running server.
	ServerURL string `yaml:"server_url"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		Port:        "8080",
		LogLevel:    "INFO",
		Root:        ".",
		TracePath:   "ops/TRACE.jsonl",
		IntentsPath: "state/intents/pr.jsonl",
		RateRPS:     20,
		RateBurst:   40,
	}
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := Defaults()
	cfg.applyEnv()
	return cfg
}

// Server returns ServerURL, or the local address on Port when unset.
func (c *Config) Server() string {
	if c.ServerURL != "" {
		return c.ServerURL
	}
	return "http://localhost:" + c.Port
}

// LoadFile reads a YAML file over the defaults, then applies the environment
// on top. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Port, "PORT")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.Root, "NSTAR_ROOT")
	setString(&c.TracePath, "NSTAR_TRACE_PATH")
	setString(&c.IntentsPath, "NSTAR_INTENTS_PATH")
	setString(&c.TestCmd, "NSTAR_TEST_CMD")
	setString(&c.AuthSecret, "NSTAR_AUTH_SECRET")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.SQLitePath, "NSTAR_SQLITE_PATH")
	setString(&c.RedisAddr, "REDIS_ADDR")
	setString(&c.RedisPassword, "REDIS_PASSWORD")
	setString(&c.OTelEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&c.ServerURL, "NSTAR_SERVER")

	if v := os.Getenv("NSTAR_RATE_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			c.RateRPS = f
		}
	}
	if v := os.Getenv("NSTAR_RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.RateBurst = n
		}
	}
	if v := os.Getenv("OTEL_ENABLED"); v != "" {
		c.OTelEnabled = v == "true"
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// SlogLevel maps LogLevel to a slog level. Unknown values are INFO.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
