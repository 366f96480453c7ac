// Package config reads configuration from the environment. A .env file
// is loaded first when present, for development.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all configuration for both binaries.
type Config struct {
	Port         string `env:"PORT" envDefault:"8080"`
	DatabasePath string `env:"DATABASE_PATH" envDefault:"relaychat.db"`

	ServerURL  string `env:"RELAYCHAT_WS_URL" envDefault:"ws://localhost:8080/ws"`
	HistoryURL string `env:"RELAYCHAT_API_URL" envDefault:"http://localhost:8080"`

	UserID       string `env:"RELAYCHAT_USER"`
	DisplayName  string `env:"RELAYCHAT_NAME"`
	Conversation string `env:"RELAYCHAT_CONVERSATION" envDefault:"general"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}
