package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.gochat/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	Server    Server    `toml:"server"`
	Transport Transport `toml:"transport"`
	Cache     Cache     `toml:"cache"`
}

// Server holds the backend endpoints and credentials.
type Server struct {
	BaseURL string `toml:"base_url"`
	WSURL   string `toml:"ws_url"`
	Token   string `toml:"token"`
	UserID  int64  `toml:"user_id"`
}

// Transport tunes the websocket heartbeat and reconnect policy.
type Transport struct {
	HeartbeatSeconds     int `toml:"heartbeat_seconds"`
	MaxReconnectAttempts int `toml:"max_reconnect_attempts"`
	ReconnectBaseSeconds int `toml:"reconnect_base_seconds"`
	ReconnectMaxSeconds  int `toml:"reconnect_max_seconds"`
}

// Cache bounds the local message cache.
type Cache struct {
	MaxMessagesPerConversation int `toml:"max_messages_per_conversation"`
}

// Defaults applied when the config file omits a value.
const (
	DefaultHeartbeatSeconds     = 30
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectBaseSeconds = 1
	DefaultReconnectMaxSeconds  = 30
	DefaultMaxMessages          = 500
)

// Load reads config from the given path and fills in defaults.
// Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
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

func (c *Config) applyDefaults() {
	if c.Transport.HeartbeatSeconds <= 0 {
		c.Transport.HeartbeatSeconds = DefaultHeartbeatSeconds
	}
	if c.Transport.MaxReconnectAttempts <= 0 {
		c.Transport.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.Transport.ReconnectBaseSeconds <= 0 {
		c.Transport.ReconnectBaseSeconds = DefaultReconnectBaseSeconds
	}
	if c.Transport.ReconnectMaxSeconds <= 0 {
		c.Transport.ReconnectMaxSeconds = DefaultReconnectMaxSeconds
	}
	if c.Cache.MaxMessagesPerConversation <= 0 {
		c.Cache.MaxMessagesPerConversation = DefaultMaxMessages
	}
}

// HeartbeatInterval returns the heartbeat period as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Transport.HeartbeatSeconds) * time.Second
}

// ReconnectBase returns the first reconnect backoff delay.
func (c *Config) ReconnectBase() time.Duration {
	return time.Duration(c.Transport.ReconnectBaseSeconds) * time.Second
}

// ReconnectMax returns the reconnect backoff ceiling.
func (c *Config) ReconnectMax() time.Duration {
	return time.Duration(c.Transport.ReconnectMaxSeconds) * time.Second
}
