package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the daemon configuration, read from ~/.chatwatch/config.toml.
type Config struct {
	HTTP    HTTP    `toml:"http"`
	Rate    Rate    `toml:"rate_limiting"`
	Sync    Sync    `toml:"sync"`
	Monitor Monitor `toml:"monitor"`
}

// HTTP configures the dashboard/control API listener.
type HTTP struct {
	Addr string `toml:"addr"`
}

// Rate configures the request governor.
type Rate struct {
	DelayBetweenRequests     Duration `toml:"delay_between_requests"`
	DelayBetweenChats        Duration `toml:"delay_between_chats"`
	MaxThrottleWait          Duration `toml:"max_throttle_wait"`
	BackoffMultiplier        float64  `toml:"backoff_multiplier"`
	MaxAttempts              int      `toml:"max_attempts"`
	CheckAccountRestrictions bool     `toml:"check_account_restrictions"`
}

// Sync configures the orchestrator.
type Sync struct {
	// MaxMessages bounds a full pull per conversation. 0 means unbounded.
	MaxMessages int `toml:"max_messages"`
	// RecheckHours is the freshness window: conversations audited within it
	// are skipped by change-check runs.
	RecheckHours int `toml:"recheck_hours"`
	// ProgressEvery controls how often (in messages) progress is published.
	ProgressEvery int `toml:"progress_every"`
	// InferDeletionsOnIncremental enables deletion-by-absence on incremental
	// pulls. Off by default: an incremental pull does not observe the full
	// id set, so absence is not evidence of deletion.
	InferDeletionsOnIncremental bool `toml:"infer_deletions_on_incremental"`
}

// Monitor configures the realtime event bridge.
type Monitor struct {
	Enabled bool `toml:"enabled"`
	// Conversations is an allow-list of conversation ids. Empty means all.
	Conversations []string `toml:"conversations"`
}

// Duration wraps time.Duration so TOML values read as strings like "500ms".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTP: HTTP{Addr: "127.0.0.1:8180"},
		Rate: Rate{
			DelayBetweenRequests:     Duration(500 * time.Millisecond),
			DelayBetweenChats:        Duration(2 * time.Second),
			MaxThrottleWait:          Duration(300 * time.Second),
			BackoffMultiplier:        1.5,
			MaxAttempts:              3,
			CheckAccountRestrictions: true,
		},
		Sync: Sync{
			RecheckHours:  24,
			ProgressEvery: 10,
		},
		Monitor: Monitor{Enabled: true},
	}
}

// Load reads config from the given path, applying defaults for missing
// fields. A missing file yields the defaults without error.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
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
