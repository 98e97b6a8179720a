package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"pointstreamd/internal/fetch"
)

// Server holds the HTTP listener and logging configuration.
type Server struct {
	Listen    string `toml:"listen"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// Network holds fetch timeouts and retry schedules, in milliseconds. Frame
// and manifest fetches carry separate policies.
type Network struct {
	TimeoutMS              int    `toml:"timeout_ms"`
	RetryBackoffMS         []int  `toml:"retry_backoff_ms"`
	ManifestTimeoutMS      int    `toml:"manifest_timeout_ms"`
	ManifestRetryBackoffMS []int  `toml:"manifest_retry_backoff_ms"`
	UserAgent              string `toml:"user_agent"`
}

// Playback holds the default playback parameters for new sessions. Each can
// be overridden per session.
type Playback struct {
	// FPS of 0 plays at the manifest's rate.
	FPS           float64 `toml:"fps"`
	PrefetchDepth int     `toml:"prefetch_depth"`
	Loop          bool    `toml:"loop"`
}

// Sequence names one sequence the daemon can play. BaseURL is the root under
// which {id}/manifest.json lives.
type Sequence struct {
	ID      string `toml:"id"`
	Name    string `toml:"name"`
	BaseURL string `toml:"base_url"`
}

// Config is the fully processed application configuration.
type Config struct {
	Server    Server     `toml:"server"`
	Network   Network    `toml:"network"`
	Playback  Playback   `toml:"playback"`
	Sequences []Sequence `toml:"sequences"`
}

// Default returns the configuration used when a field is absent from the
// file. Every knob stays visible to and overridable by the caller.
func Default() *Config {
	return &Config{
		Server: Server{
			Listen:    ":8080",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Network: Network{
			TimeoutMS:              5000,
			RetryBackoffMS:         []int{250, 750},
			ManifestTimeoutMS:      8000,
			ManifestRetryBackoffMS: []int{500},
		},
		Playback: Playback{
			PrefetchDepth: 2,
		},
	}
}

// Load reads and parses the configuration file from the given path, applying
// defaults for missing fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}

	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config TOML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Network.TimeoutMS <= 0 {
		return fmt.Errorf("network.timeout_ms must be positive, got %d", c.Network.TimeoutMS)
	}
	if c.Network.ManifestTimeoutMS <= 0 {
		return fmt.Errorf("network.manifest_timeout_ms must be positive, got %d", c.Network.ManifestTimeoutMS)
	}
	if c.Playback.PrefetchDepth < 1 {
		return fmt.Errorf("playback.prefetch_depth must be at least 1, got %d", c.Playback.PrefetchDepth)
	}
	if c.Playback.FPS < 0 {
		return fmt.Errorf("playback.fps must not be negative, got %g", c.Playback.FPS)
	}
	seen := make(map[string]struct{}, len(c.Sequences))
	for i, seq := range c.Sequences {
		if seq.ID == "" {
			return fmt.Errorf("sequences[%d] has no id", i)
		}
		if seq.BaseURL == "" {
			return fmt.Errorf("sequence %q has no base_url", seq.ID)
		}
		if _, dup := seen[seq.ID]; dup {
			return fmt.Errorf("duplicate sequence id %q", seq.ID)
		}
		seen[seq.ID] = struct{}{}
	}
	return nil
}

// Sequence looks up a configured sequence by ID.
func (c *Config) Sequence(id string) (*Sequence, bool) {
	for i := range c.Sequences {
		if c.Sequences[i].ID == id {
			return &c.Sequences[i], true
		}
	}
	return nil, false
}

// FrameFetchOptions converts the frame-fetch policy into fetcher options.
func (n Network) FrameFetchOptions() fetch.Options {
	return fetch.Options{
		Timeout: time.Duration(n.TimeoutMS) * time.Millisecond,
		Backoff: toDurations(n.RetryBackoffMS),
	}
}

// ManifestFetchOptions converts the manifest-fetch policy into fetcher
// options.
func (n Network) ManifestFetchOptions() fetch.Options {
	return fetch.Options{
		Timeout: time.Duration(n.ManifestTimeoutMS) * time.Millisecond,
		Backoff: toDurations(n.ManifestRetryBackoffMS),
	}
}

func toDurations(ms []int) []time.Duration {
	out := make([]time.Duration, len(ms))
	for i, v := range ms {
		out[i] = time.Duration(v) * time.Millisecond
	}
	return out
}
