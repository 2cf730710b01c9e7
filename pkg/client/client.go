// Package client is the facade the orchestration layer calls. It owns
// the mapping from logical server name to session, lazily starts
// sessions, absorbs transient drops with a single transparent
// reconnect, and tears everything down on shutdown.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wayfarerhq/wayfarer/internal/config"
	"github.com/wayfarerhq/wayfarer/pkg/connector"
	"github.com/wayfarerhq/wayfarer/pkg/protocol"
	"github.com/wayfarerhq/wayfarer/pkg/retry"
	"github.com/wayfarerhq/wayfarer/pkg/session"
	"github.com/wayfarerhq/wayfarer/pkg/transport"
)

// ToolSession is the session surface the client drives. *session.Session
// satisfies it; tests substitute fakes.
type ToolSession interface {
	Start(ctx context.Context) error
	Call(ctx context.Context, capability string, args map[string]interface{}, timeout time.Duration) (json.RawMessage, error)
	Capabilities() []protocol.Capability
	CapabilitiesStale() bool
	RefreshCapabilities(ctx context.Context) error
	State() session.State
	Close() error
}

// DialFunc builds an unstarted session for a server descriptor.
type DialFunc func(name string, server config.ServerConfig) (ToolSession, error)

// ServerStatus is one row of the client's status report.
type ServerStatus struct {
	Name         string
	State        string
	Capabilities int
}

// serverEntry serializes session lifecycle per server name so that
// concurrent invokes never race two sessions into existence.
type serverEntry struct {
	mu   sync.Mutex
	sess ToolSession
}

// Client owns one session per configured tool server.
type Client struct {
	logger   zerolog.Logger
	timeouts config.TimeoutsConfig
	backoff  retry.Policy
	dial     DialFunc

	mu      sync.Mutex
	servers map[string]config.ServerConfig
	entries map[string]*serverEntry
	closed  bool
}

// New builds a client over the given configuration.
func New(cfg *config.Config, logger zerolog.Logger) *Client {
	c := &Client{
		logger:   logger,
		timeouts: cfg.Timeouts,
		backoff:  retry.DefaultPolicy(),
		servers:  copyServers(cfg.Servers),
		entries:  make(map[string]*serverEntry),
	}
	c.dial = c.defaultDial
	return c
}

// NewWithDial builds a client with a custom session factory. Used by
// tests and by embedders that wrap sessions.
func NewWithDial(cfg *config.Config, dial DialFunc, logger zerolog.Logger) *Client {
	c := New(cfg, logger)
	c.dial = dial
	return c
}

func copyServers(in map[string]config.ServerConfig) map[string]config.ServerConfig {
	out := make(map[string]config.ServerConfig, len(in))
	for name, server := range in {
		out[name] = server
	}
	return out
}

// defaultDial wires descriptor -> transport -> connector -> session.
func (c *Client) defaultDial(name string, server config.ServerConfig) (ToolSession, error) {
	var tr transport.Transport
	switch server.Transport {
	case config.TransportProcess:
		tr = transport.NewStdio(server.Command, server.Args, server.Env, c.logger)
	case config.TransportNetwork:
		var err error
		tr, err = transport.NewNetwork(server.URL, c.logger)
		if err != nil {
			return nil, protocol.WrapError(protocol.KindConnect, name, err)
		}
	default:
		return nil, protocol.NewError(protocol.KindConnect, name,
			fmt.Sprintf("unknown transport kind %q", server.Transport))
	}

	wire := connector.New(name, tr, c.logger)
	return session.New(name, wire, session.Options{
		HandshakeTimeout: c.timeouts.Handshake(),
		DiscoveryTimeout: c.timeouts.Discovery(),
		CallTimeout:      c.timeouts.Call(),
		Logger:           c.logger,
	}), nil
}

// Discover returns the named server's capability set, lazily starting
// its session and re-fetching when the peer announced a change.
func (c *Client) Discover(ctx context.Context, server string) ([]protocol.Capability, error) {
	sess, err := c.ensureSession(ctx, server)
	if err != nil {
		return nil, err
	}

	if sess.CapabilitiesStale() {
		refreshCtx, cancel := context.WithTimeout(ctx, c.timeouts.Discovery())
		err := sess.RefreshCapabilities(refreshCtx)
		cancel()
		if err != nil {
			return nil, err
		}
	}
	return sess.Capabilities(), nil
}

// Invoke calls one capability on one server. On a connection-class
// failure it performs exactly one transparent reconnect-and-retry
// before surfacing the error; all other failures surface immediately.
func (c *Client) Invoke(ctx context.Context, server, capability string, args map[string]interface{}, timeout time.Duration) (json.RawMessage, error) {
	sess, err := c.ensureSession(ctx, server)
	if err != nil {
		return nil, err
	}

	result, callErr := sess.Call(ctx, capability, args, timeout)
	if callErr == nil || protocol.KindOf(callErr) != protocol.KindConnectionLost {
		return result, callErr
	}

	c.logger.Info().Str("server", server).Str("capability", capability).
		Msg("Connection lost, attempting reconnect")
	if err := c.backoff.Sleep(ctx, 1); err != nil {
		return nil, callErr
	}

	sess, err = c.reconnect(ctx, server)
	if err != nil {
		// Surface the original error class, not the reconnect detail.
		c.logger.Warn().Str("server", server).Err(err).Msg("Reconnect failed")
		return nil, callErr
	}
	return sess.Call(ctx, capability, args, timeout)
}

// Refresh re-fetches the capability set of one server's live session.
func (c *Client) Refresh(ctx context.Context, server string) error {
	sess, err := c.ensureSession(ctx, server)
	if err != nil {
		return err
	}
	refreshCtx, cancel := context.WithTimeout(ctx, c.timeouts.Discovery())
	defer cancel()
	return sess.RefreshCapabilities(refreshCtx)
}

// ServerNames lists the configured logical server names, sorted.
func (c *Client) ServerNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.servers))
	for name := range c.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status reports the state of every configured server without starting
// any session.
func (c *Client) Status() []ServerStatus {
	c.mu.Lock()
	names := make([]string, 0, len(c.servers))
	for name := range c.servers {
		names = append(names, name)
	}
	entries := make(map[string]*serverEntry, len(c.entries))
	for name, entry := range c.entries {
		entries[name] = entry
	}
	c.mu.Unlock()
	sort.Strings(names)

	statuses := make([]ServerStatus, 0, len(names))
	for _, name := range names {
		status := ServerStatus{Name: name, State: "not started"}
		if entry, ok := entries[name]; ok {
			entry.mu.Lock()
			if entry.sess != nil {
				status.State = entry.sess.State().String()
				status.Capabilities = len(entry.sess.Capabilities())
			}
			entry.mu.Unlock()
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// ApplyConfig adopts a new server map, closing sessions whose
// descriptors were removed. Live sessions for unchanged servers keep
// running.
func (c *Client) ApplyConfig(cfg *config.Config) {
	c.mu.Lock()
	old := c.servers
	c.servers = copyServers(cfg.Servers)
	c.timeouts = cfg.Timeouts
	removed := make([]*serverEntry, 0)
	for name := range old {
		if _, stillThere := cfg.Servers[name]; !stillThere {
			if entry, ok := c.entries[name]; ok {
				removed = append(removed, entry)
				delete(c.entries, name)
			}
			c.logger.Info().Str("server", name).Msg("Server removed from configuration")
		}
	}
	c.mu.Unlock()

	for _, entry := range removed {
		entry.mu.Lock()
		if entry.sess != nil {
			_ = entry.sess.Close()
			entry.sess = nil
		}
		entry.mu.Unlock()
	}
}

// Shutdown closes every owned session. Safe to call more than once.
func (c *Client) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	entries := make([]*serverEntry, 0, len(c.entries))
	for _, entry := range c.entries {
		entries = append(entries, entry)
	}
	c.mu.Unlock()

	for _, entry := range entries {
		entry.mu.Lock()
		if entry.sess != nil {
			_ = entry.sess.Close()
			entry.sess = nil
		}
		entry.mu.Unlock()
	}
	c.logger.Info().Int("sessions", len(entries)).Msg("Client shut down")
}

// ensureSession returns the live session for a server, starting or
// replacing one as needed. Creation is serialized per server name.
func (c *Client) ensureSession(ctx context.Context, server string) (ToolSession, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, protocol.NewError(protocol.KindSessionClosed, server, "client is shut down")
	}
	desc, ok := c.servers[server]
	if !ok {
		c.mu.Unlock()
		return nil, protocol.NewError(protocol.KindUnknownServer, server, "server is not configured")
	}
	entry, ok := c.entries[server]
	if !ok {
		entry = &serverEntry{}
		c.entries[server] = entry
	}
	c.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.sess != nil {
		switch entry.sess.State() {
		case session.StateReady, session.StateConnecting:
			return entry.sess, nil
		default:
			// Degraded or closed; replace it.
			_ = entry.sess.Close()
			entry.sess = nil
		}
	}
	return c.startLocked(ctx, server, desc, entry)
}

// reconnect tears down the server's session and starts a fresh one.
func (c *Client) reconnect(ctx context.Context, server string) (ToolSession, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, protocol.NewError(protocol.KindSessionClosed, server, "client is shut down")
	}
	desc, ok := c.servers[server]
	entry := c.entries[server]
	c.mu.Unlock()
	if !ok || entry == nil {
		return nil, protocol.NewError(protocol.KindUnknownServer, server, "server is not configured")
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.sess != nil {
		_ = entry.sess.Close()
		entry.sess = nil
	}
	return c.startLocked(ctx, server, desc, entry)
}

func (c *Client) startLocked(ctx context.Context, server string, desc config.ServerConfig, entry *serverEntry) (ToolSession, error) {
	sess, err := c.dial(server, desc)
	if err != nil {
		return nil, err
	}
	if err := sess.Start(ctx); err != nil {
		return nil, err
	}
	entry.sess = sess
	return sess, nil
}
