// Package config loads the YAML configuration shared by the server and
// command-line sessions.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultAddr           = ":8080"
	DefaultDatabase       = "arggraph.db"
	DefaultSaveDebounce   = time.Second
	DefaultLockTTL        = 5 * time.Second
	DefaultCompactionKeep = 50
)

// Config is the file format.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `yaml:"addr"`

	// Database is the SQLite path. Ignored when PostgresURL is set.
	Database string `yaml:"database"`

	// PostgresURL switches the durable store to PostgreSQL.
	PostgresURL string `yaml:"postgres_url,omitempty"`

	// RedisAddr fans presence out across server instances.
	RedisAddr string `yaml:"redis_addr,omitempty"`

	SaveDebounce   time.Duration `yaml:"save_debounce"`
	LockTTL        time.Duration `yaml:"lock_ttl"`
	CompactionKeep int           `yaml:"compaction_keep"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Addr:           DefaultAddr,
		Database:       DefaultDatabase,
		SaveDebounce:   DefaultSaveDebounce,
		LockTTL:        DefaultLockTTL,
		CompactionKeep: DefaultCompactionKeep,
	}
}

// Load reads a config file. Fields missing from the file keep their
// defaults; unknown fields are rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes config YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks field ranges.
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	if c.Database == "" && c.PostgresURL == "" {
		return errors.New("database or postgres_url is required")
	}
	if c.SaveDebounce <= 0 {
		return fmt.Errorf("save_debounce must be positive, got %s", c.SaveDebounce)
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("lock_ttl must be positive, got %s", c.LockTTL)
	}
	if c.CompactionKeep < 0 {
		return fmt.Errorf("compaction_keep must be non-negative, got %d", c.CompactionKeep)
	}
	return nil
}
