// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	// SandboxURI is the websocket endpoint of the code execution engine.
	SandboxURI string
	// SandboxSecretKey authenticates against the execution engine.
	SandboxSecretKey string

	// SQLDBPath is the sqlite database queried by run_sql.
	SQLDBPath string
	// CatalogPath optionally points at a JSON schema catalog rendered
	// into the system prompt. Empty means an empty catalog.
	CatalogPath string

	ConfirmationTimeout time.Duration
	PromptCharBudget    int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		FrontendURL:         getEnv("FRONTEND_URL", ""),
		DBPath:              getEnv("DB_PATH", "./data/queryloop.db"),
		SandboxURI:          getEnv("SANDBOX_URI", "ws://localhost:3001"),
		SandboxSecretKey:    getEnv("SANDBOX_SECRET_KEY", ""),
		SQLDBPath:           getEnv("SQL_DB_PATH", "./data/userdata.db"),
		CatalogPath:         getEnv("CATALOG_PATH", ""),
		ConfirmationTimeout: time.Duration(getEnvInt("CONFIRMATION_TIMEOUT_SECS", 60)) * time.Second,
		PromptCharBudget:    getEnvInt("PROMPT_CHAR_BUDGET", 32000),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.SandboxURI == "" {
		return fmt.Errorf("SANDBOX_URI cannot be empty")
	}
	if !strings.HasPrefix(c.SandboxURI, "ws://") && !strings.HasPrefix(c.SandboxURI, "wss://") {
		return fmt.Errorf("SANDBOX_URI must be a ws:// or wss:// URL")
	}
	if c.SQLDBPath == "" {
		return fmt.Errorf("SQL_DB_PATH cannot be empty")
	}
	if c.ConfirmationTimeout <= 0 {
		return fmt.Errorf("CONFIRMATION_TIMEOUT_SECS must be > 0")
	}
	if c.PromptCharBudget <= 0 {
		return fmt.Errorf("PROMPT_CHAR_BUDGET must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
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
