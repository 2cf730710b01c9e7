// Package session owns the stateful relationship between the runtime
// and one tool server: the connection state machine, the capability set
// learned at handshake, and the table of in-flight requests keyed by
// correlation id. The pending table is the correctness-critical
// structure of the whole runtime: it is the single place that
// guarantees exactly-once completion and atomic fail-fast on
// disconnect.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/wayfarerhq/wayfarer/pkg/protocol"
)

// State is the lifecycle phase of a session. Only the session itself
// mutates its state.
type State int

const (
	// StateConnecting means the handshake is in progress; the
	// capability set is unknown, not empty-and-final.
	StateConnecting State = iota
	// StateReady means the handshake succeeded and calls are accepted.
	StateReady
	// StateDegraded means the transport reported an error; pending
	// requests were failed fast and no new requests are accepted.
	StateDegraded
	// StateClosed is terminal; all resources are released.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Wire is what a session requires from its connector. It exists as an
// interface so tests can drive a session without a real transport.
type Wire interface {
	Open(ctx context.Context) error
	Handshake(ctx context.Context, id int64, timeout time.Duration) (*protocol.Advertisement, error)
	Send(ctx context.Context, req *protocol.Request) error
	CancelRequest(ctx context.Context, id int64)
	Responses() <-chan *protocol.Response
	Notifications() <-chan *protocol.Notification
	Close() error
}

// Options tunes a session.
type Options struct {
	// HandshakeTimeout bounds the initialize exchange.
	HandshakeTimeout time.Duration
	// DiscoveryTimeout bounds capability fetches.
	DiscoveryTimeout time.Duration
	// CallTimeout is the default per-call deadline when the caller
	// passes none.
	CallTimeout time.Duration
	// Logger receives the session's structured events.
	Logger zerolog.Logger
}

const (
	defaultHandshakeTimeout = 15 * time.Second
	defaultDiscoveryTimeout = 15 * time.Second
	defaultCallTimeout      = 30 * time.Second
)

// Session owns one connector for its lifetime.
type Session struct {
	server     string
	instanceID string
	wire       Wire
	logger     zerolog.Logger

	handshakeTimeout time.Duration
	discoveryTimeout time.Duration
	callTimeout      time.Duration

	mu        sync.Mutex
	state     State
	nextID    int64
	pending   map[int64]*pendingRequest
	caps      map[string]protocol.Capability
	capsStale bool
	subs      []chan *protocol.Notification

	closeOnce sync.Once
}

// New builds a session for the named server over the given wire. The
// session starts in Connecting and accepts no calls until Start
// succeeds.
func New(server string, wire Wire, opts Options) *Session {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.DiscoveryTimeout <= 0 {
		opts.DiscoveryTimeout = defaultDiscoveryTimeout
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}

	instanceID, _ := gonanoid.New()
	return &Session{
		server:           server,
		instanceID:       instanceID,
		wire:             wire,
		logger:           opts.Logger.With().Str("server", server).Str("session", instanceID).Logger(),
		handshakeTimeout: opts.HandshakeTimeout,
		discoveryTimeout: opts.DiscoveryTimeout,
		callTimeout:      opts.CallTimeout,
		state:            StateConnecting,
		pending:          make(map[int64]*pendingRequest),
	}
}

// Server returns the logical server name.
func (s *Session) Server() string { return s.server }

// InstanceID returns the short id stamped on this session's log events.
func (s *Session) InstanceID() string { return s.instanceID }

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start opens the transport, runs the handshake, and discovers the
// server's capabilities. On success the session is Ready; on failure it
// is Closed and the error carries the connect or handshake kind.
func (s *Session) Start(ctx context.Context) error {
	s.logger.Info().Msg("Session starting")

	if err := s.wire.Open(ctx); err != nil {
		s.moveTo(StateClosed)
		return err
	}

	adv, err := s.wire.Handshake(ctx, s.allocID(), s.handshakeTimeout)
	if err != nil {
		s.logger.Error().Err(err).Msg("Handshake failed")
		_ = s.wire.Close()
		s.moveTo(StateClosed)
		return err
	}

	go s.dispatchLoop()
	go s.notificationLoop()

	caps, err := s.fetchCapabilities(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Capability discovery failed")
		_ = s.Close()
		return protocol.WrapError(protocol.KindHandshake, s.server, err)
	}

	s.mu.Lock()
	s.caps = caps
	s.capsStale = false
	s.state = StateReady
	s.mu.Unlock()

	s.logger.Info().
		Str("peer", adv.ServerInfo.Name).
		Int("capabilities", len(caps)).
		Str("state", StateReady.String()).
		Msg("Session ready")
	return nil
}

// Call invokes a capability and awaits its response. Valid only while
// the session is Ready. The caller's args are validated against the
// capability's input schema before anything is sent.
func (s *Session) Call(ctx context.Context, capability string, args map[string]interface{}, timeout time.Duration) (json.RawMessage, error) {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return nil, protocol.NewError(protocol.KindSessionClosed, s.server, "session is closed")
	case StateReady:
	default:
		state := s.state
		s.mu.Unlock()
		return nil, protocol.NewError(protocol.KindConnectionLost, s.server,
			fmt.Sprintf("session is %s, not ready", state))
	}
	def, known := s.caps[capability]
	s.mu.Unlock()

	if !known {
		return nil, protocol.NewError(protocol.KindUnknownCapability, s.server,
			fmt.Sprintf("capability %q is not advertised", capability))
	}
	if err := validateArgs(def, args); err != nil {
		return nil, err
	}

	if timeout <= 0 {
		timeout = s.callTimeout
	}

	s.logger.Debug().Str("capability", capability).Dur("timeout", timeout).Msg("Call started")
	start := time.Now()

	result, err := s.call(ctx, protocol.MethodCallTool, protocol.CallToolParams{
		Name:      capability,
		Arguments: args,
	}, timeout, true)

	event := s.logger.Debug().Str("capability", capability).Dur("duration", time.Since(start))
	if err != nil {
		event.Err(err).Msg("Call failed")
	} else {
		event.Msg("Call completed")
	}
	return result, err
}

// call registers a pending request, sends the frame, and awaits
// completion, deadline, or caller cancellation. requireReady is false
// only for the session's own discovery traffic during startup.
func (s *Session) call(ctx context.Context, method string, params interface{}, timeout time.Duration, requireReady bool) (json.RawMessage, error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil, protocol.NewError(protocol.KindSessionClosed, s.server, "session is closed")
	}
	if requireReady && s.state != StateReady {
		state := s.state
		s.mu.Unlock()
		return nil, protocol.NewError(protocol.KindConnectionLost, s.server,
			fmt.Sprintf("session is %s, not ready", state))
	}
	s.nextID++
	id := s.nextID
	req := newPendingRequest(id)
	s.pending[id] = req
	s.mu.Unlock()

	if err := s.wire.Send(ctx, protocol.NewRequest(id, method, params)); err != nil {
		s.removePending(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-req.done:
		return req.result, req.err

	case <-timer.C:
		// The response may have completed the slot in the same
		// instant; first writer wins. complete returns only after the
		// winning write finished, so both fields are safe to read, and
		// a response that sneaks in ahead of the timeout write still
		// reaches the caller intact.
		s.removePending(id)
		req.complete(nil, protocol.NewError(protocol.KindTimeout, s.server,
			fmt.Sprintf("no response within %s", timeout)))
		s.cancelRemote(id)
		if req.err != nil {
			s.logger.Warn().Int64("id", id).Str("method", method).Dur("timeout", timeout).Msg("Call timed out")
		}
		return req.result, req.err

	case <-ctx.Done():
		s.removePending(id)
		req.complete(nil, ctx.Err())
		s.cancelRemote(id)
		return req.result, req.err
	}
}

// cancelRemote asks the peer to abandon a request. Best effort; a late
// response is discarded because its pending entry is already gone.
func (s *Session) cancelRemote(id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.wire.CancelRequest(ctx, id)
}

// dispatchLoop routes inbound responses to their pending entries. When
// the wire's response stream closes, the transport is gone: every
// pending entry is failed fast and the session degrades.
func (s *Session) dispatchLoop() {
	for resp := range s.wire.Responses() {
		req := s.takePending(resp.ID)
		if req == nil {
			// Duplicate or late response; drop it.
			s.logger.Debug().Int64("id", resp.ID).Msg("Dropping response with no pending request")
			continue
		}
		if resp.Error != nil {
			req.complete(nil, protocol.WrapError(protocol.KindRemote, s.server, resp.Error))
		} else {
			req.complete(resp.Result, nil)
		}
	}

	failed := s.failAllPending(protocol.NewError(protocol.KindConnectionLost, s.server, "transport disconnected"))
	degraded := s.degrade()
	if degraded || failed > 0 {
		s.logger.Warn().Int("failed_calls", failed).Msg("Transport disconnected")
	}
}

// notificationLoop fans peer notifications out to subscribers and
// invalidates the capability cache on change events.
func (s *Session) notificationLoop() {
	for notif := range s.wire.Notifications() {
		if notif.Method == protocol.NotifyToolsChanged {
			s.mu.Lock()
			s.capsStale = true
			s.mu.Unlock()
			s.logger.Info().Msg("Capability set changed, cache invalidated")
		}

		s.mu.Lock()
		subs := append([]chan *protocol.Notification(nil), s.subs...)
		s.mu.Unlock()
		for _, sub := range subs {
			select {
			case sub <- notif:
			default:
			}
		}
	}

	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		close(sub)
	}
}

// Subscribe returns a channel of peer notifications. The channel closes
// when the session's transport drops or the session closes.
func (s *Session) Subscribe() <-chan *protocol.Notification {
	ch := make(chan *protocol.Notification, 16)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

// Capabilities returns the discovered capability set, sorted by name.
// It is non-empty only after the session reached Ready.
func (s *Session) Capabilities() []protocol.Capability {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady && s.state != StateDegraded {
		return nil
	}
	out := make([]protocol.Capability, 0, len(s.caps))
	for _, def := range s.caps {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CapabilitiesStale reports whether the peer announced a capability
// change since the last fetch.
func (s *Session) CapabilitiesStale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capsStale
}

// RefreshCapabilities re-fetches the capability set from the peer.
func (s *Session) RefreshCapabilities(ctx context.Context) error {
	caps, err := s.fetchCapabilities(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.caps = caps
	s.capsStale = false
	s.mu.Unlock()
	s.logger.Debug().Int("capabilities", len(caps)).Msg("Capabilities refreshed")
	return nil
}

func (s *Session) fetchCapabilities(ctx context.Context) (map[string]protocol.Capability, error) {
	result, err := s.call(ctx, protocol.MethodListTools, map[string]interface{}{}, s.discoveryTimeout, false)
	if err != nil {
		return nil, err
	}

	var list protocol.ListToolsResult
	if err := json.Unmarshal(result, &list); err != nil {
		return nil, fmt.Errorf("decode tool list: %w", err)
	}

	caps := make(map[string]protocol.Capability, len(list.Tools))
	for _, def := range list.Tools {
		caps[def.Name] = def
	}
	return caps, nil
}

// Close drains the pending table, releases the wire, and moves the
// session to its terminal state. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		prev := s.state
		s.state = StateClosed
		drained := make([]*pendingRequest, 0, len(s.pending))
		for id, req := range s.pending {
			drained = append(drained, req)
			delete(s.pending, id)
		}
		s.mu.Unlock()

		for _, req := range drained {
			req.complete(nil, protocol.NewError(protocol.KindSessionClosed, s.server, "session closed"))
		}
		_ = s.wire.Close()

		s.logger.Info().
			Str("from", prev.String()).
			Str("state", StateClosed.String()).
			Int("drained_calls", len(drained)).
			Msg("Session closed")
	})
	return nil
}

func (s *Session) allocID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

func (s *Session) removePending(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Session) takePending(id int64) *pendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.pending[id]
	if !ok {
		return nil
	}
	delete(s.pending, id)
	return req
}

// failAllPending completes every in-flight request with the given error
// and empties the table. Returns how many were failed.
func (s *Session) failAllPending(err error) int {
	s.mu.Lock()
	drained := make([]*pendingRequest, 0, len(s.pending))
	for id, req := range s.pending {
		drained = append(drained, req)
		delete(s.pending, id)
	}
	s.mu.Unlock()

	for _, req := range drained {
		req.complete(nil, err)
	}
	return len(drained)
}

// degrade moves a live session to Degraded. Closed is terminal and is
// never overridden.
func (s *Session) degrade() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.state == StateDegraded {
		return false
	}
	prev := s.state
	s.state = StateDegraded
	s.logger.Warn().Str("from", prev.String()).Str("state", StateDegraded.String()).Msg("Session degraded")
	return true
}

// moveTo applies a transition that needs no draining.
func (s *Session) moveTo(state State) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.mu.Unlock()
	if prev != state {
		s.logger.Debug().Str("from", prev.String()).Str("state", state.String()).Msg("Session state changed")
	}
}

// validateArgs checks the call arguments against the capability's
// advertised input schema. Capabilities without a schema accept
// anything.
func validateArgs(def protocol.Capability, args map[string]interface{}) error {
	if len(def.InputSchema) == 0 {
		return nil
	}

	schemaLoader := gojsonschema.NewBytesLoader(def.InputSchema)
	docLoader := gojsonschema.NewGoLoader(args)
	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		// An unparseable schema is the server's fault; do not block
		// the call on it.
		return nil
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return protocol.NewError(protocol.KindInvalidArgs, "",
		fmt.Sprintf("arguments for %q rejected: %v", def.Name, msgs))
}
