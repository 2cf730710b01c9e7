package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Servers = map[string]ServerConfig{
		"airbnb": {
			Transport: TransportProcess,
			Command:   "npx",
			Args:      []string{"-y", "@openbnb/mcp-server-airbnb"},
		},
		"geo": {
			Transport: TransportNetwork,
			URL:       "tcp://127.0.0.1:7400",
		},
	}
	return cfg
}

func TestValidate_AcceptsValidConfig(t *testing.T) {
	assert.NoError(t, Validate(validConfig()))
}

func TestValidate_RejectsMalformedServers(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty name", func(c *Config) { c.Servers[""] = ServerConfig{Transport: TransportProcess, Command: "x"} }},
		{"bad name", func(c *Config) { c.Servers["has space"] = ServerConfig{Transport: TransportProcess, Command: "x"} }},
		{"unknown transport", func(c *Config) { c.Servers["s"] = ServerConfig{Transport: "carrier-pigeon"} }},
		{"process without command", func(c *Config) { c.Servers["s"] = ServerConfig{Transport: TransportProcess} }},
		{"process with url", func(c *Config) {
			c.Servers["s"] = ServerConfig{Transport: TransportProcess, Command: "x", URL: "tcp://h:1"}
		}},
		{"network without url", func(c *Config) { c.Servers["s"] = ServerConfig{Transport: TransportNetwork} }},
		{"network bad scheme", func(c *Config) {
			c.Servers["s"] = ServerConfig{Transport: TransportNetwork, URL: "ftp://h:1"}
		}},
		{"network with command", func(c *Config) {
			c.Servers["s"] = ServerConfig{Transport: TransportNetwork, URL: "tcp://h:1", Command: "x"}
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestValidate_RejectsBadTimeoutsAndTask(t *testing.T) {
	cfg := validConfig()
	cfg.Timeouts.CallSeconds = 0
	assert.Error(t, Validate(cfg))

	cfg = validConfig()
	cfg.Task.MaxParallel = 0
	assert.Error(t, Validate(cfg))

	cfg = validConfig()
	cfg.Keepalive.Enabled = true
	cfg.Keepalive.Schedule = " "
	assert.Error(t, Validate(cfg))
}

func TestTimeouts_DurationConversion(t *testing.T) {
	timeouts := TimeoutsConfig{HandshakeSeconds: 5, DiscoverySeconds: 10, CallSeconds: 30}
	assert.Equal(t, 5*time.Second, timeouts.Handshake())
	assert.Equal(t, 10*time.Second, timeouts.Discovery())
	assert.Equal(t, 30*time.Second, timeouts.Call())
}

func TestLoader_MissingFileYieldsDefaults(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "nope.json"))
	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.Servers)
	assert.Equal(t, 30, cfg.Timeouts.CallSeconds)
}

func TestLoader_ReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wayfarer.json")
	payload := `{
		"servers": {
			"airbnb": {"transport": "process", "command": "npx", "args": ["-y", "server-airbnb"]}
		},
		"timeouts": {"call_seconds": 12}
	}`
	require.NoError(t, os.WriteFile(path, []byte(payload), 0644))

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	require.Contains(t, cfg.Servers, "airbnb")
	assert.Equal(t, "npx", cfg.Servers["airbnb"].Command)
	assert.Equal(t, 12, cfg.Timeouts.CallSeconds)
	// Unset sections keep their defaults.
	assert.Equal(t, 4, cfg.Task.MaxParallel)
}

func TestLoader_MalformedFileFailsFast(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wayfarer.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := NewLoader(path).Load()
	assert.Error(t, err)
}

func TestLoader_InvalidDescriptorFailsAtLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wayfarer.json")
	payload := `{"servers": {"bad": {"transport": "network"}}}`
	require.NoError(t, os.WriteFile(path, []byte(payload), 0644))

	_, err := NewLoader(path).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "network transport requires a url")
}
