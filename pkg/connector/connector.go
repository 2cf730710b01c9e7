// Package connector layers message-level protocol behavior over one
// transport: the initialize handshake, request writing, and demux of
// inbound frames into responses and peer notifications.
package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wayfarerhq/wayfarer/pkg/protocol"
	"github.com/wayfarerhq/wayfarer/pkg/transport"
)

// responseBuffer bounds undelivered responses before the demux loop
// blocks; notificationBuffer bounds undelivered peer notifications
// before the demux loop drops new ones.
const (
	responseBuffer     = 32
	notificationBuffer = 64
)

// clientName identifies this runtime to tool servers.
const clientName = "wayfarer"

// clientVersion is reported during the handshake.
const clientVersion = "0.1.0"

// Connector wraps one transport for one tool server.
type Connector struct {
	server    string
	transport transport.Transport
	logger    zerolog.Logger

	responses     chan *protocol.Response
	notifications chan *protocol.Notification

	closeOnce sync.Once
	closed    chan struct{}
}

// New builds a connector over the given transport.
func New(server string, tr transport.Transport, logger zerolog.Logger) *Connector {
	return &Connector{
		server:        server,
		transport:     tr,
		logger:        logger.With().Str("server", server).Logger(),
		responses:     make(chan *protocol.Response, responseBuffer),
		notifications: make(chan *protocol.Notification, notificationBuffer),
		closed:        make(chan struct{}),
	}
}

// Open establishes the transport channel. The demux loop starts only
// after a successful handshake.
func (c *Connector) Open(ctx context.Context) error {
	if err := c.transport.Open(ctx); err != nil {
		return withServer(err, c.server)
	}
	return nil
}

// Handshake sends initialize under the supplied correlation id, awaits
// the peer's advertisement, acknowledges it, and starts the demux loop.
// It must complete before any call is attempted.
func (c *Connector) Handshake(ctx context.Context, id int64, timeout time.Duration) (*protocol.Advertisement, error) {
	c.logger.Debug().Msg("Handshake started")

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req := protocol.NewRequest(id, protocol.MethodInitialize, protocol.InitializeParams{
		ProtocolVersion: protocol.ProtocolVersion,
		Capabilities:    map[string]interface{}{},
		ClientInfo:      protocol.ClientInfo{Name: clientName, Version: clientVersion},
	})
	if err := c.Send(ctx, req); err != nil {
		return nil, protocol.WrapError(protocol.KindHandshake, c.server, err)
	}

	resp, err := c.awaitHandshakeResponse(ctx, id)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, protocol.WrapError(protocol.KindHandshake, c.server, resp.Error)
	}

	var adv protocol.Advertisement
	if err := json.Unmarshal(resp.Result, &adv); err != nil {
		return nil, protocol.WrapError(protocol.KindHandshake, c.server,
			fmt.Errorf("malformed advertisement: %w", err))
	}

	ack, err := protocol.EncodeNotification(protocol.MethodInitialized, map[string]interface{}{})
	if err != nil {
		return nil, protocol.WrapError(protocol.KindHandshake, c.server, err)
	}
	if err := c.transport.Send(ctx, ack); err != nil {
		return nil, protocol.WrapError(protocol.KindHandshake, c.server, err)
	}

	go c.demuxLoop()

	c.logger.Info().
		Str("peer", adv.ServerInfo.Name).
		Str("peer_version", adv.ServerInfo.Version).
		Msg("Handshake succeeded")
	return &adv, nil
}

// awaitHandshakeResponse reads frames directly; the demux loop is not
// running yet, so the handshake owns the stream.
func (c *Connector) awaitHandshakeResponse(ctx context.Context, id int64) (*protocol.Response, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, protocol.WrapError(protocol.KindHandshake, c.server,
				fmt.Errorf("no advertisement before deadline: %w", ctx.Err()))
		case frame, ok := <-c.transport.Frames():
			if !ok {
				return nil, protocol.NewError(protocol.KindHandshake, c.server, "transport closed during handshake")
			}
			if frame.Err != nil {
				return nil, protocol.WrapError(protocol.KindHandshake, c.server, frame.Err)
			}

			resp, notif, err := protocol.DecodeMessage(frame.Data)
			if err != nil {
				return nil, protocol.WrapError(protocol.KindHandshake, c.server, err)
			}
			if notif != nil {
				// Servers may emit log notifications while starting up.
				continue
			}
			if resp.ID != id {
				c.logger.Warn().Int64("id", resp.ID).Msg("Dropping stray response during handshake")
				continue
			}
			return resp, nil
		}
	}
}

// demuxLoop classifies inbound frames and feeds the two streams. It
// terminates when the transport stream ends, closing both channels so
// consumers observe the disconnect.
func (c *Connector) demuxLoop() {
	defer close(c.notifications)
	defer close(c.responses)

	for frame := range c.transport.Frames() {
		if frame.Err != nil {
			c.logger.Warn().Err(frame.Err).Msg("Transport receive failed")
			return
		}

		resp, notif, err := protocol.DecodeMessage(frame.Data)
		if err != nil {
			// Framing failures are logged and dropped, never fatal.
			c.logger.Warn().Err(err).Msg("Dropping malformed frame")
			continue
		}

		if notif != nil {
			select {
			case c.notifications <- notif:
			default:
				c.logger.Warn().Str("method", notif.Method).Msg("Dropping notification, subscriber too slow")
			}
			continue
		}

		select {
		case c.responses <- resp:
		case <-c.closed:
			return
		}
	}
}

// Send writes one request frame.
func (c *Connector) Send(ctx context.Context, req *protocol.Request) error {
	frame, err := protocol.EncodeRequest(req)
	if err != nil {
		return err
	}
	if err := c.transport.Send(ctx, frame); err != nil {
		return withServer(err, c.server)
	}
	return nil
}

// CancelRequest tells the peer to abandon an in-flight request. Best
// effort: the peer may still complete the work, in which case its late
// response is discarded upstream.
func (c *Connector) CancelRequest(ctx context.Context, id int64) {
	frame, err := protocol.EncodeNotification(protocol.MethodCancelled, protocol.CancelledParams{
		RequestID: id,
	})
	if err != nil {
		return
	}
	if err := c.transport.Send(ctx, frame); err != nil {
		c.logger.Debug().Err(err).Int64("id", id).Msg("Cancel notification not delivered")
	}
}

// Responses yields inbound responses in arrival order. The channel
// closes when the transport drops.
func (c *Connector) Responses() <-chan *protocol.Response {
	return c.responses
}

// Notifications yields peer-initiated messages. The channel closes when
// the transport drops; it restarts only with a new connector.
func (c *Connector) Notifications() <-chan *protocol.Notification {
	return c.notifications
}

// Close releases the transport. Idempotent.
func (c *Connector) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.transport.Close()
	})
	return nil
}

// withServer stamps the logical server name onto runtime errors that
// bubbled up from the transport layer.
func withServer(err error, server string) error {
	if e, ok := err.(*protocol.Error); ok && e.Server == "" {
		return &protocol.Error{Kind: e.Kind, Server: server, Message: e.Message, Err: e.Err}
	}
	return err
}
