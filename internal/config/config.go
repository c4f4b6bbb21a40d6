package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.rcsync/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
	Store          Store  `toml:"store"`
	Sync           Sync   `toml:"sync"`
}

// Store configures the remote message store connection.
type Store struct {
	URL string `toml:"url"`
}

// Sync configures what gets uploaded and how often drift is reconciled.
type Sync struct {
	PushSms         bool `toml:"push_sms"`
	PushMms         bool `toml:"push_mms"`
	IntervalSeconds int  `toml:"interval_seconds"`
}

// Default returns the built-in configuration: SMS upload on, MMS upload
// off, hourly reconciliation.
func Default() *Config {
	return &Config{
		Sync: Sync{
			PushSms:         true,
			PushMms:         false,
			IntervalSeconds: 3600,
		},
	}
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
