package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config holds the chat core tunables, loaded from config.toml in the
// instance data directory.
type Config struct {
	ListenAddr string   `toml:"listen_addr"`
	Messages   Messages `toml:"messages"`
	Presence   Presence `toml:"presence"`
	Chats      Chats    `toml:"chats"`
	Notify     Notify   `toml:"notify"`
}

// Messages configures the message path: pagination, validation, and the
// optimistic send engine.
type Messages struct {
	PageSize            int   `toml:"page_size"`
	MaxBodyLen          int   `toml:"max_body_len"`
	SendRetries         int   `toml:"send_retries"`
	RetryBackoffMs      int64 `toml:"retry_backoff_ms"`
	CorrelationWindowMs int64 `toml:"correlation_window_ms"`
}

// Presence configures heartbeat emission and the liveness window.
type Presence struct {
	HeartbeatMs      int64 `toml:"heartbeat_ms"`
	LivenessWindowMs int64 `toml:"liveness_window_ms"`
}

// Chats configures chat-list pagination.
type Chats struct {
	PageSize int `toml:"page_size"`
}

// Notify configures the unread-threshold events emitted for the external
// notification side-channel.
type Notify struct {
	UnreadThreshold int   `toml:"unread_threshold"`
	WindowMs        int64 `toml:"window_ms"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr: "127.0.0.1:8744",
		Messages: Messages{
			PageSize:            50,
			MaxBodyLen:          4000,
			SendRetries:         3,
			RetryBackoffMs:      500,
			CorrelationWindowMs: 10_000,
		},
		Presence: Presence{
			HeartbeatMs:      5_000,
			LivenessWindowMs: 15_000,
		},
		Chats: Chats{
			PageSize: 30,
		},
		Notify: Notify{
			UnreadThreshold: 5,
			WindowMs:        60_000,
		},
	}
}

// Load reads config from the given path, applying defaults for any field
// the file leaves unset. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
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
