package config

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads the given .env files, then ./.env. Missing files are
// skipped and variables already set in the environment are kept.
func LoadDotEnv(paths ...string) {
	for _, path := range append(paths, ".env") {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			slog.Debug("failed to load .env file", "path", path, "error", err)
			continue
		}
		slog.Debug("loaded environment from .env", "path", path)
	}
}

// LoadDotEnvForConfig loads the .env next to the config file, then ./.env.
func LoadDotEnvForConfig(configPath string) {
	if configPath == "" {
		LoadDotEnv()
		return
	}
	abs, err := filepath.Abs(configPath)
	if err != nil {
		LoadDotEnv()
		return
	}
	LoadDotEnv(filepath.Join(filepath.Dir(abs), ".env"))
}
