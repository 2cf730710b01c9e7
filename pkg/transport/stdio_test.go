package transport

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wayfarerhq/wayfarer/pkg/protocol"
)

func TestStdio_SendReceive(t *testing.T) {
	// cat echoes stdin lines back unchanged, which is exactly the frame
	// round trip the transport promises.
	tr := NewStdio("cat", nil, nil, zerolog.Nop())
	require.NoError(t, tr.Open(context.Background()))
	defer tr.Close()

	require.NoError(t, tr.Send(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)))

	select {
	case frame := <-tr.Frames():
		require.NoError(t, frame.Err)
		assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, string(frame.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
	}
}

func TestStdio_OpenFailsForMissingCommand(t *testing.T) {
	tr := NewStdio("definitely-not-a-real-binary-1b2c3", nil, nil, zerolog.Nop())
	err := tr.Open(context.Background())
	require.Error(t, err)
	assert.Equal(t, protocol.KindConnect, protocol.KindOf(err))
}

func TestStdio_OpenFailsForEmptyCommand(t *testing.T) {
	tr := NewStdio("  ", nil, nil, zerolog.Nop())
	err := tr.Open(context.Background())
	require.Error(t, err)
	assert.Equal(t, protocol.KindConnect, protocol.KindOf(err))
}

func TestStdio_ProcessExitSurfacesError(t *testing.T) {
	// A server that exits non-zero must end the receive stream with an
	// error, never with silent EOF.
	tr := NewStdio("sh", []string{"-c", "echo oops >&2; exit 3"}, nil, zerolog.Nop())
	require.NoError(t, tr.Open(context.Background()))
	defer tr.Close()

	var last Frame
	for frame := range tr.Frames() {
		last = frame
	}
	require.Error(t, last.Err)
	assert.Equal(t, protocol.KindConnectionLost, protocol.KindOf(last.Err))
	assert.Contains(t, last.Err.Error(), "oops")
}

func TestStdio_SendAfterExitFails(t *testing.T) {
	tr := NewStdio("sh", []string{"-c", "exit 0"}, nil, zerolog.Nop())
	require.NoError(t, tr.Open(context.Background()))
	defer tr.Close()

	// Drain until the process is gone.
	for range tr.Frames() {
	}

	err := tr.Send(context.Background(), []byte("{}"))
	require.Error(t, err)
	assert.Equal(t, protocol.KindConnectionLost, protocol.KindOf(err))
}

func TestStdio_CloseIsIdempotent(t *testing.T) {
	tr := NewStdio("cat", nil, nil, zerolog.Nop())
	require.NoError(t, tr.Open(context.Background()))

	assert.NoError(t, tr.Close())
	assert.NoError(t, tr.Close())
}

func TestStdio_EnvIsMerged(t *testing.T) {
	tr := NewStdio("sh", []string{"-c", `echo "{\"v\":\"$WAYFARER_TEST_VALUE\"}"`},
		map[string]string{"WAYFARER_TEST_VALUE": "present"}, zerolog.Nop())
	require.NoError(t, tr.Open(context.Background()))
	defer tr.Close()

	select {
	case frame := <-tr.Frames():
		require.NoError(t, frame.Err)
		assert.JSONEq(t, `{"v":"present"}`, string(frame.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
	}
}
