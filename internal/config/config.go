package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Defaults applied by Load when the file omits a value.
const (
	DefaultAPIBaseURL           = "http://127.0.0.1:8000"
	DefaultWSBaseURL            = "ws://127.0.0.1:8000"
	DefaultMessagesLimit        = 50
	DefaultMaxReconnectAttempts = 3
)

// Config represents the global ~/.mentorchat/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	// Platform endpoints.
	APIBaseURL string `toml:"api_base_url"`
	WSBaseURL  string `toml:"ws_base_url"`

	// Live-channel behaviour. WebsocketEnabled defaults to true; set false to
	// force REST-only operation against deployments without a socket tier.
	WebsocketEnabled     *bool `toml:"websocket_enabled"`
	MaxReconnectAttempts int   `toml:"max_reconnect_attempts"`

	// Message page size used by the store's pagination cursor.
	MessagesLimit int `toml:"messages_limit"`
}

// LiveEnabled reports whether live channels are switched on.
func (c *Config) LiveEnabled() bool {
	return c.WebsocketEnabled == nil || *c.WebsocketEnabled
}

// Load reads config from the given path and fills in defaults. Returns nil
// config and error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a config with all defaults applied, for use when no
// config file exists yet.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = DefaultAPIBaseURL
	}
	if cfg.WSBaseURL == "" {
		cfg.WSBaseURL = DefaultWSBaseURL
	}
	if cfg.MessagesLimit <= 0 {
		cfg.MessagesLimit = DefaultMessagesLimit
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
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
