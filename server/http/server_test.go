package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/castlab/castrelay/model"
	"github.com/castlab/castrelay/relay"
	"github.com/castlab/castrelay/service"
	"github.com/castlab/castrelay/storage/memory"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T) (*httptest.Server, *service.Service, *memory.Store) {
	t.Helper()

	logger := zerolog.Nop()
	store := memory.NewStore(clockwork.NewFakeClock())
	table := relay.NewRelay(&logger)
	svc := service.NewService(service.Config{
		RoomStore: store,
		Relay:     table,
		Logger:    &logger,
	})
	srv := NewServer(Config{
		Logger:         &logger,
		ControlService: svc,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() { ts.Close() })
	return ts, svc, store
}

func doJSON(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	if resp.ContentLength != 0 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	}
	return resp, decoded
}

func TestAPI_CreateRoom(t *testing.T) {
	ts, _, store := newTestAPI(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/rooms", "")
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Len(t, body["roomId"], 6)
	assert.Equal(t, 1, store.Rooms())
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestAPI_PushContent(t *testing.T) {
	ts, svc, store := newTestAPI(t)
	roomID := svc.CreateDetachedRoom()

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/room/"+roomID+"/push",
		`{"type":"text","value":"hello"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, float64(0), body["viewers"])

	status, err := store.Status(roomID)
	require.NoError(t, err)
	require.NotNil(t, status.Content)
	assert.Equal(t, model.ContentText, status.Content.Kind)
	assert.Equal(t, "hello", status.Content.Value)
}

func TestAPI_PushContentErrors(t *testing.T) {
	ts, svc, _ := newTestAPI(t)
	roomID := svc.CreateDetachedRoom()

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/room/ffffff/push",
		`{"type":"text","value":"x"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Room not found", body["error"])

	// An unknown room wins over a bad body.
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/room/ffffff/push", `{not json`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Room not found", body["error"])

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/room/"+roomID+"/push", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/room/"+roomID+"/push", `{"type":"text"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], `"type" and "value"`)
}

func TestAPI_RoomStatus(t *testing.T) {
	ts, svc, _ := newTestAPI(t)
	roomID := svc.CreateDetachedRoom()

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/room/"+roomID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, roomID, body["roomId"])
	assert.Equal(t, float64(0), body["viewers"])
	content, ok := body["content"]
	assert.True(t, ok, "content key present even when empty")
	assert.Nil(t, content)

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/room/ffffff", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_DeleteRoom(t *testing.T) {
	ts, svc, store := newTestAPI(t)
	roomID := svc.CreateDetachedRoom()

	resp, body := doJSON(t, http.MethodDelete, ts.URL+"/api/room/"+roomID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, 0, store.Rooms())

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/room/"+roomID, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_BroadcastEvent(t *testing.T) {
	ts, _, _ := newTestAPI(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/events",
		`{"type":"DEMO_EVENT","payload":1}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["relayed"])
	assert.Equal(t, float64(0), body["clients"])

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/events", `{"payload":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], `"type" field`)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/events", `{{`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_Health(t *testing.T) {
	ts, svc, _ := newTestAPI(t)
	svc.CreateDetachedRoom()

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["clients"])
	assert.Equal(t, float64(1), body["rooms"])
}

func TestAPI_CORSPreflight(t *testing.T) {
	ts, _, _ := newTestAPI(t)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/rooms", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "DELETE")
}
