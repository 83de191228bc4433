package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all loom daemon configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath         string `json:"db_path"`
	LogLevel       string `json:"log_level"`
	Scheduler      bool   `json:"scheduler"`
	SearchEndpoint string `json:"search_endpoint"`
	SearchAPIKey   string `json:"search_api_key"`
	// VaultPassphrase enables the secrets vault. Env-only on purpose;
	// it does not belong in settings.json next to the database.
	VaultPassphrase string `json:"-"`
}

func defaultConfig() Config {
	return Config{
		DBPath:    filepath.Join(loomDir(), "loom.db"),
		LogLevel:  "info",
		Scheduler: true,
	}
}

func loomDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".loom"
	}
	return filepath.Join(home, ".loom")
}

func settingsPath() string {
	return filepath.Join(loomDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("LOOM_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LOOM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOOM_SCHEDULER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Scheduler = b
		}
	}
	if v := os.Getenv("LOOM_SEARCH_ENDPOINT"); v != "" {
		cfg.SearchEndpoint = v
	}
	if v := os.Getenv("LOOM_SEARCH_API_KEY"); v != "" {
		cfg.SearchAPIKey = v
	}
	cfg.VaultPassphrase = os.Getenv("LOOM_VAULT_PASSPHRASE")

	return cfg
}
