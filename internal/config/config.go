// Package config holds the server configuration, loaded from the environment
// with sane defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/avela/refinery/internal/memory"
)

// Config is the full runtime configuration for the refinery server.
type Config struct {
	// DataDir is where the SQLite database lives.
	DataDir string
	// MaxContentLength caps memory content, in characters.
	MaxContentLength int
	// MaxSearchResults caps ledger search result counts.
	MaxSearchResults int
	// DefaultThreshold is the retention threshold assigned to agents that do
	// not specify one.
	DefaultThreshold float64
	// JournalRetentionDays is how long journal memories live before the
	// nightly purge tombstones them.
	JournalRetentionDays int
	// LogLevel is a logrus level name (debug, info, warn, error).
	LogLevel string
}

// Load builds a Config from REFINERY_* environment variables, falling back to
// defaults for anything unset.
func Load() (*Config, error) {
	home, _ := os.UserHomeDir()
	cfg := &Config{
		DataDir:              envStr("REFINERY_DATA_DIR", filepath.Join(home, ".refinery")),
		MaxContentLength:     envInt("REFINERY_MAX_CONTENT_LENGTH", 10000),
		MaxSearchResults:     envInt("REFINERY_MAX_SEARCH_RESULTS", 50),
		DefaultThreshold:     envFloat("REFINERY_DEFAULT_THRESHOLD", 0.90),
		JournalRetentionDays: envInt("REFINERY_JOURNAL_RETENTION_DAYS", 30),
		LogLevel:             envStr("REFINERY_LOG_LEVEL", "info"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data dir must not be empty")
	}
	if c.MaxContentLength <= 0 {
		return fmt.Errorf("config: max content length must be positive, got %d", c.MaxContentLength)
	}
	if c.MaxSearchResults <= 0 {
		return fmt.Errorf("config: max search results must be positive, got %d", c.MaxSearchResults)
	}
	if c.DefaultThreshold <= 0 || c.DefaultThreshold > 1 {
		return fmt.Errorf("config: default threshold must be in (0, 1], got %v", c.DefaultThreshold)
	}
	if c.JournalRetentionDays <= 0 {
		return fmt.Errorf("config: journal retention must be positive, got %d", c.JournalRetentionDays)
	}
	return nil
}

// StoreConfig maps the server configuration onto the memory store's.
func (c *Config) StoreConfig() memory.Config {
	return memory.Config{
		DataDir:          c.DataDir,
		MaxContentLength: c.MaxContentLength,
		MaxSearchResults: c.MaxSearchResults,
		DefaultThreshold: c.DefaultThreshold,
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
