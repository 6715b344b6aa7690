package client

import (
	"testing"
	"time"

	"github.com/castlab/castrelay/model"
	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStreamer(t *testing.T, url string, clock clockwork.Clock) (*Streamer, chan string, chan *model.Content) {
	t.Helper()
	logger := zerolog.Nop()
	roomCh := make(chan string, 16)
	contentCh := make(chan *model.Content, 16)
	s := NewStreamer(StreamerConfig{
		URL:       url,
		Logger:    &logger,
		Clock:     clock,
		OnRoom:    func(id string) { roomCh <- id },
		OnContent: func(c *model.Content) { contentCh <- c },
	})
	t.Cleanup(s.Close)
	return s, roomCh, contentCh
}

// serveCreate scripts the server side of the room creation handshake.
func serveCreate(t *testing.T, conn *ws.Conn, roomID string) {
	t.Helper()
	frame := readFrame(t, conn)
	require.Equal(t, model.TypeCreateRoom, frame["type"])
	writeFrame(t, conn, model.RoomCreated{Type: model.TypeRoomCreated, RoomID: roomID})
}

func waitRoom(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case id := <-ch:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("no room notification")
		return ""
	}
}

func TestStreamer_CreatePushAndEnd(t *testing.T) {
	stub := newRelayStub(t)
	s, roomCh, contentCh := newTestStreamer(t, stub.url(), nil)

	s.Start()
	conn := stub.accept(t)
	serveCreate(t, conn, "abc123")
	assert.Equal(t, "abc123", waitRoom(t, roomCh))
	assert.Equal(t, "abc123", s.RoomID())

	s.Push(model.ContentText, "hello")
	frame := readFrame(t, conn)
	require.Equal(t, model.TypePushContent, frame["type"])
	assert.Equal(t, "abc123", frame["roomId"])
	content := frame["content"].(map[string]any)
	assert.Equal(t, "text", content["type"])
	assert.Equal(t, "hello", content["value"])

	// The local snapshot confirms against the server echo.
	writeFrame(t, conn, model.ContentUpdate{
		Type:    model.TypeContentUpdate,
		Content: &model.Content{Kind: model.ContentText, Value: "hello", Timestamp: 42},
	})
	select {
	case got := <-contentCh:
		require.NotNil(t, got)
		assert.Equal(t, int64(42), got.Timestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("no content echo delivered")
	}

	s.End()
	frame = readFrame(t, conn)
	require.Equal(t, model.TypeCloseRoom, frame["type"])
	writeFrame(t, conn, model.RoomClosed{Type: model.TypeRoomClosed})

	assert.Equal(t, "", waitRoom(t, roomCh))
	assert.Equal(t, "", s.RoomID())
	assert.Nil(t, s.Content())
}

func TestStreamer_FreshRoomPerConnection(t *testing.T) {
	stub := newRelayStub(t)
	clock := clockwork.NewFakeClock()
	s, roomCh, _ := newTestStreamer(t, stub.url(), clock)

	s.Start()
	first := stub.accept(t)
	serveCreate(t, first, "aaa111")
	require.Equal(t, "aaa111", waitRoom(t, roomCh))

	require.NoError(t, first.Close())
	clock.BlockUntil(1)
	clock.Advance(2 * time.Second)

	// The old room died with the socket; a new one is requested.
	second := stub.accept(t)
	frame := readFrame(t, second)
	require.Equal(t, model.TypeCreateRoom, frame["type"])
	assert.Equal(t, "", s.RoomID())

	writeFrame(t, second, model.RoomCreated{Type: model.TypeRoomCreated, RoomID: "bbb222"})
	assert.Equal(t, "bbb222", waitRoom(t, roomCh))
}

func TestStreamer_PushWithoutRoomIsNoOp(t *testing.T) {
	stub := newRelayStub(t)
	s, _, _ := newTestStreamer(t, stub.url(), nil)

	s.Start()
	conn := stub.accept(t)
	frame := readFrame(t, conn)
	require.Equal(t, model.TypeCreateRoom, frame["type"])

	// No ROOM_CREATED reply yet, so pushes are dropped locally.
	s.Push(model.ContentText, "too early")
	s.Clear()
	s.End()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	netErr, ok := err.(interface{ Timeout() bool })
	require.True(t, ok && netErr.Timeout(), "expected read timeout, got %v", err)
}
