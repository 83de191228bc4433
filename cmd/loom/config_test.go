package main

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir()) // keep any real settings.json out of the test
	t.Setenv("LOOM_DB_PATH", "memory")
	t.Setenv("LOOM_LOG_LEVEL", "debug")
	t.Setenv("LOOM_SCHEDULER", "false")
	t.Setenv("LOOM_SEARCH_ENDPOINT", "https://search.example.com")

	cfg := loadConfig()
	assert.Equal(t, "memory", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.False(t, cfg.Scheduler)
	assert.Equal(t, "https://search.example.com", cfg.SearchEndpoint)
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("LOOM_DB_PATH", "")
	t.Setenv("LOOM_LOG_LEVEL", "")
	t.Setenv("LOOM_SCHEDULER", "")

	cfg := loadConfig()
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.Scheduler)
	assert.Contains(t, cfg.DBPath, "loom.db")
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLogLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLogLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLogLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("info"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("garbage"))
}
