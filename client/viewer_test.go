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

func newTestViewer(t *testing.T, url, roomID string, clock clockwork.Clock) (*Viewer, chan Status, chan *model.Content) {
	t.Helper()
	logger := zerolog.Nop()
	statusCh := make(chan Status, 16)
	contentCh := make(chan *model.Content, 16)
	v := NewViewer(ViewerConfig{
		URL:       url,
		RoomID:    roomID,
		Logger:    &logger,
		Clock:     clock,
		OnContent: func(c *model.Content) { contentCh <- c },
		OnStatus:  func(st Status) { statusCh <- st },
	})
	t.Cleanup(v.Close)
	return v, statusCh, contentCh
}

// serveJoin scripts the server side of the join handshake.
func serveJoin(t *testing.T, conn *ws.Conn, roomID string, content *model.Content) {
	t.Helper()
	frame := readFrame(t, conn)
	require.Equal(t, model.TypeJoinRoom, frame["type"])
	require.Equal(t, roomID, frame["roomId"])
	writeFrame(t, conn, model.RoomJoined{
		Type:    model.TypeRoomJoined,
		Content: content,
	})
}

func waitContent(t *testing.T, ch <-chan *model.Content) *model.Content {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no content delivered")
		return nil
	}
}

func TestViewer_JoinHandshake(t *testing.T) {
	stub := newRelayStub(t)
	v, statusCh, contentCh := newTestViewer(t, stub.url(), "abc123", nil)

	v.Start()
	waitStatus(t, statusCh, StatusConnecting)
	conn := stub.accept(t)

	// Transport is up, but the session stays connecting until the join
	// is confirmed.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StatusConnecting, v.Status())

	serveJoin(t, conn, "abc123", &model.Content{Kind: model.ContentText, Value: "hello", Timestamp: 123})
	waitStatus(t, statusCh, StatusConnected)

	got := waitContent(t, contentCh)
	require.NotNil(t, got)
	assert.Equal(t, "hello", got.Value)
	assert.Equal(t, got, v.Content())
}

func TestViewer_ContentUpdateAndClear(t *testing.T) {
	stub := newRelayStub(t)
	v, statusCh, contentCh := newTestViewer(t, stub.url(), "abc123", nil)

	v.Start()
	conn := stub.accept(t)
	serveJoin(t, conn, "abc123", nil)
	waitStatus(t, statusCh, StatusConnected)
	assert.Nil(t, waitContent(t, contentCh), "empty room joins with a nil snapshot")

	writeFrame(t, conn, model.ContentUpdate{
		Type:    model.TypeContentUpdate,
		Content: &model.Content{Kind: model.ContentLink, Value: "https://example.com", Timestamp: 1},
	})
	got := waitContent(t, contentCh)
	require.NotNil(t, got)
	assert.Equal(t, model.ContentLink, got.Kind)

	writeFrame(t, conn, model.ContentCleared{Type: model.TypeContentCleared})
	assert.Nil(t, waitContent(t, contentCh))
	assert.Nil(t, v.Content())
}

func TestViewer_RejoinsAfterDrop(t *testing.T) {
	stub := newRelayStub(t)
	clock := clockwork.NewFakeClock()
	v, statusCh, contentCh := newTestViewer(t, stub.url(), "abc123", clock)

	v.Start()
	first := stub.accept(t)
	serveJoin(t, first, "abc123", &model.Content{Kind: model.ContentText, Value: "before", Timestamp: 1})
	waitStatus(t, statusCh, StatusConnected)
	waitContent(t, contentCh)

	require.NoError(t, first.Close())
	waitStatus(t, statusCh, StatusReconnecting)
	clock.BlockUntil(1)
	clock.Advance(2 * time.Second)

	// The fresh socket re-joins on its own and catches up.
	second := stub.accept(t)
	serveJoin(t, second, "abc123", &model.Content{Kind: model.ContentText, Value: "after", Timestamp: 2})
	waitStatus(t, statusCh, StatusConnected)

	got := waitContent(t, contentCh)
	require.NotNil(t, got)
	assert.Equal(t, "after", got.Value)
}

func TestViewer_RoomClosedIsTerminal(t *testing.T) {
	stub := newRelayStub(t)
	clock := clockwork.NewFakeClock()
	v, statusCh, contentCh := newTestViewer(t, stub.url(), "abc123", clock)

	v.Start()
	conn := stub.accept(t)
	serveJoin(t, conn, "abc123", nil)
	waitStatus(t, statusCh, StatusConnected)
	waitContent(t, contentCh)

	writeFrame(t, conn, model.RoomClosed{Type: model.TypeRoomClosed})
	waitStatus(t, statusCh, StatusEnded)

	// Terminal is sticky: no reconnect ever, even long after.
	clock.Advance(10 * time.Minute)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), stub.dials.Load())
	assert.Equal(t, StatusEnded, v.Status())
}

func TestViewer_MissingRoomIsTerminal(t *testing.T) {
	stub := newRelayStub(t)
	clock := clockwork.NewFakeClock()
	v, statusCh, _ := newTestViewer(t, stub.url(), "ffffff", clock)

	v.Start()
	conn := stub.accept(t)
	frame := readFrame(t, conn)
	require.Equal(t, model.TypeJoinRoom, frame["type"])
	writeFrame(t, conn, model.RoomError{Type: model.TypeRoomError, Error: "Room not found"})

	waitStatus(t, statusCh, StatusNotFound)

	clock.Advance(10 * time.Minute)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), stub.dials.Load())
	assert.Equal(t, StatusNotFound, v.Status())
}
