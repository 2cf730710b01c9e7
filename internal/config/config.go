// Package config loads and validates the runtime configuration: the
// tool-server descriptors and the timeouts and policies the client
// applies to them. Malformed entries fail at load time, not at first
// use.
package config

import (
	"time"
)

// TransportProcess and TransportNetwork are the two descriptor kinds.
const (
	TransportProcess = "process"
	TransportNetwork = "network"
)

// Config is the root runtime configuration.
type Config struct {
	// Servers maps logical server names to their descriptors.
	Servers map[string]ServerConfig `json:"servers" mapstructure:"servers"`

	// Timeouts holds the per-operation default deadlines.
	Timeouts TimeoutsConfig `json:"timeouts" mapstructure:"timeouts"`

	// Task configures the task manager.
	Task TaskConfig `json:"task" mapstructure:"task"`

	// Keepalive configures periodic capability refresh.
	Keepalive KeepaliveConfig `json:"keepalive" mapstructure:"keepalive"`

	// Logging configures structured log output.
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// ServerConfig describes how to reach one tool server. Immutable once
// loaded; the client references descriptors but never mutates them.
type ServerConfig struct {
	// Transport is "process" or "network".
	Transport string `json:"transport" mapstructure:"transport"`

	// Command, Args and Env configure a process transport.
	Command string            `json:"command,omitempty" mapstructure:"command"`
	Args    []string          `json:"args,omitempty" mapstructure:"args"`
	Env     map[string]string `json:"env,omitempty" mapstructure:"env"`

	// URL configures a network transport: tcp://, ws:// or wss://.
	URL string `json:"url,omitempty" mapstructure:"url"`
}

// TimeoutsConfig holds independently configurable deadlines for
// discovery and invocation.
type TimeoutsConfig struct {
	HandshakeSeconds int `json:"handshake_seconds" mapstructure:"handshake_seconds"`
	DiscoverySeconds int `json:"discovery_seconds" mapstructure:"discovery_seconds"`
	CallSeconds      int `json:"call_seconds" mapstructure:"call_seconds"`
}

// Handshake returns the handshake deadline as a duration.
func (t TimeoutsConfig) Handshake() time.Duration {
	return time.Duration(t.HandshakeSeconds) * time.Second
}

// Discovery returns the discovery deadline as a duration.
func (t TimeoutsConfig) Discovery() time.Duration {
	return time.Duration(t.DiscoverySeconds) * time.Second
}

// Call returns the default invocation deadline as a duration.
func (t TimeoutsConfig) Call() time.Duration {
	return time.Duration(t.CallSeconds) * time.Second
}

// TaskConfig tunes multi-step task execution.
type TaskConfig struct {
	// MaxParallel bounds in-flight steps of a parallel task.
	MaxParallel int `json:"max_parallel" mapstructure:"max_parallel"`
	// StepRetries is the default bounded retry count per step.
	StepRetries int `json:"step_retries" mapstructure:"step_retries"`
	// HistoryPath is the sqlite file recording task runs; empty
	// disables history.
	HistoryPath string `json:"history_path,omitempty" mapstructure:"history_path"`
}

// KeepaliveConfig drives periodic capability refresh per server.
type KeepaliveConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
	// Schedule is a cron expression (minute granularity).
	Schedule string `json:"schedule,omitempty" mapstructure:"schedule"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file,omitempty" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Servers: map[string]ServerConfig{},
		Timeouts: TimeoutsConfig{
			HandshakeSeconds: 15,
			DiscoverySeconds: 15,
			CallSeconds:      30,
		},
		Task: TaskConfig{
			MaxParallel: 4,
			StepRetries: 1,
		},
		Keepalive: KeepaliveConfig{
			Enabled:  false,
			Schedule: "*/5 * * * *",
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Pretty:  true,
		},
	}
}
