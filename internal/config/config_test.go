package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
[[sequences]]
id = "v_1784_1828"
name = "Intersection run"
base_url = "http://data.local/sequences"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Equal(t, "json", cfg.Server.LogFormat)
	assert.Equal(t, 5000, cfg.Network.TimeoutMS)
	assert.Equal(t, []int{250, 750}, cfg.Network.RetryBackoffMS)
	assert.Equal(t, 2, cfg.Playback.PrefetchDepth)
	assert.Zero(t, cfg.Playback.FPS)

	require.Len(t, cfg.Sequences, 1)
	assert.Equal(t, "v_1784_1828", cfg.Sequences[0].ID)
	assert.Equal(t, "http://data.local/sequences", cfg.Sequences[0].BaseURL)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[server]
listen = "127.0.0.1:9090"
log_level = "debug"
log_format = "text"

[network]
timeout_ms = 1500
retry_backoff_ms = [100]
manifest_timeout_ms = 2000
manifest_retry_backoff_ms = []
user_agent = "pointstreamd-test"

[playback]
fps = 12.5
prefetch_depth = 4
loop = true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Listen)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, 1500, cfg.Network.TimeoutMS)
	assert.Equal(t, "pointstreamd-test", cfg.Network.UserAgent)
	assert.Equal(t, 12.5, cfg.Playback.FPS)
	assert.Equal(t, 4, cfg.Playback.PrefetchDepth)
	assert.True(t, cfg.Playback.Loop)
	assert.Empty(t, cfg.Sequences)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoad_MalformedTOML(t *testing.T) {
	path := writeConfig(t, `[server` + "\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config TOML")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "zero frame timeout",
			mutate:  func(c *Config) { c.Network.TimeoutMS = 0 },
			wantErr: "timeout_ms must be positive",
		},
		{
			name:    "zero manifest timeout",
			mutate:  func(c *Config) { c.Network.ManifestTimeoutMS = -1 },
			wantErr: "manifest_timeout_ms must be positive",
		},
		{
			name:    "zero prefetch depth",
			mutate:  func(c *Config) { c.Playback.PrefetchDepth = 0 },
			wantErr: "prefetch_depth must be at least 1",
		},
		{
			name:    "negative fps",
			mutate:  func(c *Config) { c.Playback.FPS = -1 },
			wantErr: "fps must not be negative",
		},
		{
			name: "sequence without id",
			mutate: func(c *Config) {
				c.Sequences = []Sequence{{BaseURL: "http://x"}}
			},
			wantErr: "has no id",
		},
		{
			name: "sequence without base url",
			mutate: func(c *Config) {
				c.Sequences = []Sequence{{ID: "a"}}
			},
			wantErr: "has no base_url",
		},
		{
			name: "duplicate sequence id",
			mutate: func(c *Config) {
				c.Sequences = []Sequence{
					{ID: "a", BaseURL: "http://x"},
					{ID: "a", BaseURL: "http://y"},
				}
			},
			wantErr: "duplicate sequence id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSequenceLookup(t *testing.T) {
	cfg := Default()
	cfg.Sequences = []Sequence{
		{ID: "a", BaseURL: "http://x"},
		{ID: "b", BaseURL: "http://y"},
	}

	seq, ok := cfg.Sequence("b")
	require.True(t, ok)
	assert.Equal(t, "http://y", seq.BaseURL)

	_, ok = cfg.Sequence("missing")
	assert.False(t, ok)
}

func TestNetworkFetchOptions(t *testing.T) {
	n := Network{
		TimeoutMS:              1500,
		RetryBackoffMS:         []int{100, 300},
		ManifestTimeoutMS:      4000,
		ManifestRetryBackoffMS: []int{500},
	}

	frame := n.FrameFetchOptions()
	assert.Equal(t, 1500*time.Millisecond, frame.Timeout)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 300 * time.Millisecond}, frame.Backoff)

	manifest := n.ManifestFetchOptions()
	assert.Equal(t, 4*time.Second, manifest.Timeout)
	assert.Equal(t, []time.Duration{500 * time.Millisecond}, manifest.Backoff)
}
