package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/wayfarerhq/wayfarer/pkg/protocol"
)

// Websocket is the websocket network transport: one persistent
// connection, one JSON frame per text message.
type Websocket struct {
	url    string
	logger zerolog.Logger

	conn   *websocket.Conn
	frames chan Frame

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// NewWebsocket builds a websocket transport for a ws:// or wss:// URL.
func NewWebsocket(url string, logger zerolog.Logger) *Websocket {
	return &Websocket{
		url:    url,
		logger: logger,
		frames: make(chan Frame, receiveBufferSize),
		closed: make(chan struct{}),
	}
}

// Open dials the peer and starts the read loop.
func (t *Websocket) Open(ctx context.Context) error {
	if strings.TrimSpace(t.url) == "" {
		return protocol.NewError(protocol.KindConnect, "", "websocket transport requires a url")
	}

	dialer := &websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return protocol.WrapError(protocol.KindConnect, "", fmt.Errorf("dial %s: %w", t.url, err))
	}

	t.conn = conn
	go t.readLoop()

	t.logger.Debug().Str("url", t.url).Msg("Websocket transport opened")
	return nil
}

func (t *Websocket) readLoop() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.closed:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					t.frames <- Frame{Err: protocol.WrapError(protocol.KindConnectionLost, "", fmt.Errorf("read frame: %w", err))}
				}
			}
			close(t.frames)
			return
		}
		select {
		case t.frames <- Frame{Data: data}:
		case <-t.closed:
			close(t.frames)
			return
		}
	}
}

// Send writes one frame as a websocket text message. The connection
// allows a single concurrent writer, so writes are serialized here.
func (t *Websocket) Send(ctx context.Context, frame []byte) error {
	select {
	case <-t.closed:
		return protocol.NewError(protocol.KindConnectionLost, "", "transport closed")
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return protocol.WrapError(protocol.KindConnectionLost, "", fmt.Errorf("write frame: %w", err))
	}
	return nil
}

// Frames yields received messages.
func (t *Websocket) Frames() <-chan Frame {
	return t.frames
}

// Close shuts the connection down. Idempotent.
func (t *Websocket) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.conn != nil {
			_ = t.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = t.conn.Close()
		}
	})
	return nil
}
