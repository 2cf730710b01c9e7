package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wayfarerhq/wayfarer/pkg/protocol"
)

// dialTimeout caps how long a TCP connect may take when the caller's
// context imposes no tighter deadline.
const dialTimeout = 10 * time.Second

// TCP is the raw-socket network transport: one persistent connection,
// newline-delimited JSON frames.
type TCP struct {
	address string
	logger  zerolog.Logger

	conn   net.Conn
	frames chan Frame

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// NewTCP builds a TCP transport for the given host:port address.
func NewTCP(address string, logger zerolog.Logger) *TCP {
	return &TCP{
		address: address,
		logger:  logger,
		frames:  make(chan Frame, receiveBufferSize),
		closed:  make(chan struct{}),
	}
}

// Open dials the peer and starts the read loop.
func (t *TCP) Open(ctx context.Context) error {
	if strings.TrimSpace(t.address) == "" {
		return protocol.NewError(protocol.KindConnect, "", "tcp transport requires an address")
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.address)
	if err != nil {
		return protocol.WrapError(protocol.KindConnect, "", fmt.Errorf("dial %s: %w", t.address, err))
	}

	t.conn = conn
	go t.readLoop()

	t.logger.Debug().Str("address", t.address).Msg("TCP transport opened")
	return nil
}

func (t *TCP) readLoop() {
	scanner := bufio.NewScanner(t.conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		data := make([]byte, len(line))
		copy(data, line)
		select {
		case t.frames <- Frame{Data: data}:
		case <-t.closed:
			close(t.frames)
			return
		}
	}

	select {
	case <-t.closed:
		close(t.frames)
		return
	default:
	}

	// Unlike a child process, a TCP peer gives no exit status: a clean
	// FIN and a mid-stream failure are both the server disappearing
	// from under live sessions, so both surface as connection_lost.
	err := scanner.Err()
	if err == nil {
		err = fmt.Errorf("peer closed connection")
	}
	t.frames <- Frame{Err: protocol.WrapError(protocol.KindConnectionLost, "", err)}
	close(t.frames)
}

// Send writes one frame followed by a newline.
func (t *TCP) Send(ctx context.Context, frame []byte) error {
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
	if _, err := t.conn.Write(append(frame, '\n')); err != nil {
		return protocol.WrapError(protocol.KindConnectionLost, "", fmt.Errorf("write frame: %w", err))
	}
	return nil
}

// Frames yields received messages.
func (t *TCP) Frames() <-chan Frame {
	return t.frames
}

// Close shuts the connection down. Idempotent.
func (t *TCP) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.conn != nil {
			_ = t.conn.Close()
		}
	})
	return nil
}
