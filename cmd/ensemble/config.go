package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all ensemble server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr      string `json:"listen_addr"`
	DBPath          string `json:"db_path"`
	LogLevel        string `json:"log_level"`
	PoolSize        int    `json:"pool_size"`
	DeadlineSeconds int    `json:"deadline_seconds"`
	SweepSchedule   string `json:"sweep_schedule"`
	RetentionDays   int    `json:"retention_days"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:      ":4200",
		DBPath:          filepath.Join(ensembleDir(), "ensemble.db"),
		LogLevel:        "info",
		PoolSize:        10,
		DeadlineSeconds: 600,
		SweepSchedule:   "0 3 * * *",
		RetentionDays:   30,
	}
}

func ensembleDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ensemble"
	}
	return filepath.Join(home, ".ensemble")
}

func settingsPath() string {
	return filepath.Join(ensembleDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("ENSEMBLE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("ENSEMBLE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("ENSEMBLE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ENSEMBLE_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("ENSEMBLE_DEADLINE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DeadlineSeconds = n
		}
	}
	if v := os.Getenv("ENSEMBLE_SWEEP_SCHEDULE"); v != "" {
		cfg.SweepSchedule = v
	}
	if v := os.Getenv("ENSEMBLE_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetentionDays = n
		}
	}

	return cfg
}
