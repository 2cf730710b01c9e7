package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wayfarerhq/wayfarer/pkg/protocol"
	"github.com/wayfarerhq/wayfarer/pkg/transport"
)

// fakeTransport is an in-memory transport the tests script by pushing
// frames into its receive channel.
type fakeTransport struct {
	mu      sync.Mutex
	sent    [][]byte
	sendErr error
	openErr error
	frames  chan transport.Frame
	closes  int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{frames: make(chan transport.Frame, 16)}
}

func (f *fakeTransport) Open(ctx context.Context) error { return f.openErr }

func (f *fakeTransport) Send(ctx context.Context, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), frame...))
	return nil
}

func (f *fakeTransport) Frames() <-chan transport.Frame { return f.frames }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeTransport) sentFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

func (f *fakeTransport) pushResponse(id int64, result string) {
	f.frames <- transport.Frame{Data: []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, id, result))}
}

func (f *fakeTransport) pushNotification(method string) {
	f.frames <- transport.Frame{Data: []byte(fmt.Sprintf(`{"jsonrpc":"2.0","method":%q}`, method))}
}

func advertisement() string {
	return `{"protocolVersion":"2024-11-05","serverInfo":{"name":"airbnb","version":"1.0"}}`
}

func handshaken(t *testing.T) (*Connector, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	c := New("airbnb", ft, zerolog.Nop())
	require.NoError(t, c.Open(context.Background()))

	ft.pushResponse(1, advertisement())
	adv, err := c.Handshake(context.Background(), 1, time.Second)
	require.NoError(t, err)
	require.Equal(t, "airbnb", adv.ServerInfo.Name)
	return c, ft
}

func TestHandshake_Succeeds(t *testing.T) {
	c, ft := handshaken(t)
	defer c.Close()

	sent := ft.sentFrames()
	require.Len(t, sent, 2)

	var init protocol.Request
	require.NoError(t, json.Unmarshal(sent[0], &init))
	assert.Equal(t, protocol.MethodInitialize, init.Method)
	assert.Equal(t, int64(1), init.ID)

	var ack protocol.Notification
	require.NoError(t, json.Unmarshal(sent[1], &ack))
	assert.Equal(t, protocol.MethodInitialized, ack.Method)
}

func TestHandshake_SkipsStrayTraffic(t *testing.T) {
	ft := newFakeTransport()
	c := New("airbnb", ft, zerolog.Nop())
	require.NoError(t, c.Open(context.Background()))
	defer c.Close()

	ft.pushNotification("notifications/message")
	ft.pushResponse(99, `{}`)
	ft.pushResponse(1, advertisement())

	adv, err := c.Handshake(context.Background(), 1, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "airbnb", adv.ServerInfo.Name)
}

func TestHandshake_MalformedAdvertisement(t *testing.T) {
	ft := newFakeTransport()
	c := New("airbnb", ft, zerolog.Nop())
	require.NoError(t, c.Open(context.Background()))
	defer c.Close()

	ft.pushResponse(1, `"not an object"`)

	_, err := c.Handshake(context.Background(), 1, time.Second)
	require.Error(t, err)
	assert.Equal(t, protocol.KindHandshake, protocol.KindOf(err))
}

func TestHandshake_RemoteError(t *testing.T) {
	ft := newFakeTransport()
	c := New("airbnb", ft, zerolog.Nop())
	require.NoError(t, c.Open(context.Background()))
	defer c.Close()

	ft.frames <- transport.Frame{Data: []byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32600,"message":"unsupported version"}}`)}

	_, err := c.Handshake(context.Background(), 1, time.Second)
	require.Error(t, err)
	assert.Equal(t, protocol.KindHandshake, protocol.KindOf(err))
	assert.Contains(t, err.Error(), "unsupported version")
}

func TestHandshake_Timeout(t *testing.T) {
	ft := newFakeTransport()
	c := New("airbnb", ft, zerolog.Nop())
	require.NoError(t, c.Open(context.Background()))
	defer c.Close()

	_, err := c.Handshake(context.Background(), 1, 50*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, protocol.KindHandshake, protocol.KindOf(err))
}

func TestDemux_RoutesResponsesAndNotifications(t *testing.T) {
	c, ft := handshaken(t)
	defer c.Close()

	ft.pushResponse(5, `{"ok":true}`)
	ft.pushNotification(protocol.NotifyToolsChanged)

	select {
	case resp := <-c.Responses():
		assert.Equal(t, int64(5), resp.ID)
	case <-time.After(time.Second):
		t.Fatal("no response routed")
	}

	select {
	case notif := <-c.Notifications():
		assert.Equal(t, protocol.NotifyToolsChanged, notif.Method)
	case <-time.After(time.Second):
		t.Fatal("no notification routed")
	}
}

func TestDemux_DropsMalformedFrames(t *testing.T) {
	c, ft := handshaken(t)
	defer c.Close()

	ft.frames <- transport.Frame{Data: []byte("{garbage")}
	ft.pushResponse(6, `{}`)

	select {
	case resp := <-c.Responses():
		assert.Equal(t, int64(6), resp.ID)
	case <-time.After(time.Second):
		t.Fatal("valid frame after garbage was not delivered")
	}
}

func TestDemux_TransportDropClosesStreams(t *testing.T) {
	c, ft := handshaken(t)
	defer c.Close()

	ft.frames <- transport.Frame{Err: protocol.NewError(protocol.KindConnectionLost, "", "peer vanished")}

	select {
	case _, ok := <-c.Responses():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("responses stream did not close")
	}
	select {
	case _, ok := <-c.Notifications():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("notifications stream did not close")
	}
}

func TestCancelRequest_SendsCancelledNotification(t *testing.T) {
	c, ft := handshaken(t)
	defer c.Close()

	c.CancelRequest(context.Background(), 17)

	sent := ft.sentFrames()
	require.Len(t, sent, 3)

	var notif struct {
		Method string                   `json:"method"`
		Params protocol.CancelledParams `json:"params"`
	}
	require.NoError(t, json.Unmarshal(sent[2], &notif))
	assert.Equal(t, protocol.MethodCancelled, notif.Method)
	assert.Equal(t, int64(17), notif.Params.RequestID)
}

func TestClose_IsIdempotent(t *testing.T) {
	ft := newFakeTransport()
	c := New("airbnb", ft, zerolog.Nop())

	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
	assert.Equal(t, 1, ft.closes)
}
