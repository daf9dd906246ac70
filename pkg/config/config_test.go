package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/nstar/pkg/config"
)

var envKeys = []string{
	"PORT", "LOG_LEVEL", "NSTAR_ROOT", "NSTAR_TRACE_PATH", "NSTAR_INTENTS_PATH",
	"NSTAR_TEST_CMD", "NSTAR_AUTH_SECRET", "NSTAR_RATE_RPS", "NSTAR_RATE_BURST",
	"DATABASE_URL", "NSTAR_SQLITE_PATH", "REDIS_ADDR", "REDIS_PASSWORD",
	"OTEL_ENABLED", "OTEL_EXPORTER_OTLP_ENDPOINT", "NSTAR_SERVER",
}

func clearEnv(t *testing.T) {
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

// TestLoad_Defaults verifies the process boots with local defaults.
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, ".", cfg.Root)
	assert.Equal(t, "ops/TRACE.jsonl", cfg.TracePath)
	assert.Equal(t, "state/intents/pr.jsonl", cfg.IntentsPath)
	assert.Equal(t, 20.0, cfg.RateRPS)
	assert.Equal(t, 40, cfg.RateBurst)
	assert.Empty(t, cfg.DatabaseURL)
	assert.False(t, cfg.OTelEnabled)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("NSTAR_TEST_CMD", "go test ./...")
	t.Setenv("NSTAR_RATE_RPS", "2.5")
	t.Setenv("NSTAR_RATE_BURST", "not-a-number")
	t.Setenv("DATABASE_URL", "postgres://db:5432/nstar")
	t.Setenv("OTEL_ENABLED", "true")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Equal(t, "go test ./...", cfg.TestCmd)
	assert.Equal(t, 2.5, cfg.RateRPS)
	assert.Equal(t, 40, cfg.RateBurst)
	assert.Equal(t, "postgres://db:5432/nstar", cfg.DatabaseURL)
	assert.True(t, cfg.OTelEnabled)
}

func TestLoadFile_EnvWinsOverFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), config.DefaultFile)
	require.NoError(t, os.WriteFile(path, []byte("port: \"7070\"\ntest_cmd: make test\nrate_burst: 5\nredis_addr: localhost:6379\n"), 0o644))
	t.Setenv("PORT", "9999")

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.Port)
	assert.Equal(t, "make test", cfg.TestCmd)
	assert.Equal(t, 5, cfg.RateBurst)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, "INFO", cfg.LogLevel)
}

func TestLoadFile_Missing(t *testing.T) {
	clearEnv(t)
	cfg, err := config.LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, config.Defaults(), cfg)
}

func TestLoadFile_Malformed(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), config.DefaultFile)
	require.NoError(t, os.WriteFile(path, []byte("port: [unterminated\n"), 0o644))

	_, err := config.LoadFile(path)
	assert.Error(t, err)
}

func TestSlogLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	} {
		assert.Equal(t, want, (&config.Config{LogLevel: in}).SlogLevel(), in)
	}
}

func TestServer(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	assert.Equal(t, "http://localhost:9090", config.Load().Server())

	t.Setenv("NSTAR_SERVER", "http://nstar.internal:8080")
	assert.Equal(t, "http://nstar.internal:8080", config.Load().Server())
}
