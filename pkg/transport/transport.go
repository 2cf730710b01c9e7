// Package transport provides framed, bidirectional channels to tool
// servers. Two variants exist: a subprocess pipe transport and a network
// transport (TCP or websocket). Frames are single JSON messages, one per
// line or websocket message.
package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// Frame is one received message or a terminal receive failure. After a
// frame carrying Err, the stream closes; the transport must be reopened
// to receive again.
type Frame struct {
	Data []byte
	Err  error
}

// Transport is a framed byte channel to one tool server.
type Transport interface {
	// Open establishes the underlying channel. It fails with a
	// connect-kind error when the process cannot be launched or the
	// peer cannot be reached.
	Open(ctx context.Context) error

	// Send writes one framed message. It fails with a
	// connection-lost-kind error once the channel is closed.
	Send(ctx context.Context, frame []byte) error

	// Frames yields received messages in order. The channel closes on
	// graceful EOF; an unexpected peer disappearance is reported as a
	// final frame carrying Err before the close.
	Frames() <-chan Frame

	// Close releases the underlying resource. Idempotent.
	Close() error
}

// receiveBufferSize bounds how many undelivered frames a transport may
// hold before its read loop blocks.
const receiveBufferSize = 32

// NewNetwork builds a network transport from a connection URL. The
// scheme selects the variant: tcp selects a raw socket, ws/wss select a
// websocket connection.
func NewNetwork(rawURL string, logger zerolog.Logger) (Transport, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse transport url %q: %w", rawURL, err)
	}

	switch parsed.Scheme {
	case "tcp":
		return NewTCP(parsed.Host, logger), nil
	case "ws", "wss":
		return NewWebsocket(parsed.String(), logger), nil
	default:
		return nil, fmt.Errorf("unsupported transport url scheme %q", parsed.Scheme)
	}
}
