package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var serverNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// Validate checks the whole configuration. Every malformed descriptor
// is reported at load time so nothing fails at first use.
func Validate(cfg *Config) error {
	for name, server := range cfg.Servers {
		if err := validateServer(name, server); err != nil {
			return err
		}
	}

	if cfg.Timeouts.HandshakeSeconds <= 0 {
		return fmt.Errorf("timeouts.handshake_seconds must be positive")
	}
	if cfg.Timeouts.DiscoverySeconds <= 0 {
		return fmt.Errorf("timeouts.discovery_seconds must be positive")
	}
	if cfg.Timeouts.CallSeconds <= 0 {
		return fmt.Errorf("timeouts.call_seconds must be positive")
	}

	if cfg.Task.MaxParallel <= 0 {
		return fmt.Errorf("task.max_parallel must be positive")
	}
	if cfg.Task.StepRetries < 0 {
		return fmt.Errorf("task.step_retries cannot be negative")
	}

	if cfg.Keepalive.Enabled && strings.TrimSpace(cfg.Keepalive.Schedule) == "" {
		return fmt.Errorf("keepalive.schedule is required when keepalive is enabled")
	}
	return nil
}

func validateServer(name string, server ServerConfig) error {
	if !serverNamePattern.MatchString(name) {
		return fmt.Errorf("server name %q is invalid", name)
	}

	switch server.Transport {
	case TransportProcess:
		if strings.TrimSpace(server.Command) == "" {
			return fmt.Errorf("server %q: process transport requires a command", name)
		}
		if server.URL != "" {
			return fmt.Errorf("server %q: url is not valid for a process transport", name)
		}
	case TransportNetwork:
		if strings.TrimSpace(server.URL) == "" {
			return fmt.Errorf("server %q: network transport requires a url", name)
		}
		parsed, err := url.Parse(server.URL)
		if err != nil {
			return fmt.Errorf("server %q: invalid url: %w", name, err)
		}
		switch parsed.Scheme {
		case "tcp", "ws", "wss":
		default:
			return fmt.Errorf("server %q: unsupported url scheme %q", name, parsed.Scheme)
		}
		if server.Command != "" {
			return fmt.Errorf("server %q: command is not valid for a network transport", name)
		}
	default:
		return fmt.Errorf("server %q: unknown transport %q", name, server.Transport)
	}
	return nil
}
