package client

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/castlab/castrelay/model"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

type ViewerConfig struct {
	URL    string
	RoomID string
	Logger *zerolog.Logger

	Clock  clockwork.Clock
	Dialer *websocket.Dialer

	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64

	// OnContent fires with the current snapshot: on catch-up after every
	// (re)join, on updates, and with nil when the streamer clears.
	OnContent func(content *model.Content)
	OnStatus  func(status Status)
}

// Viewer is a connection manager specialized for watching one room. It
// re-sends JOIN_ROOM on every fresh connection so a viewer that drops and
// resumes mid-stream gets a correct catch-up snapshot, and it adds two
// sticky terminal states: once the room ends or turns out not to exist,
// no further reconnect attempt is ever made.
type Viewer struct {
	roomID    string
	logger    zerolog.Logger
	mgr       *Manager
	onContent func(*model.Content)
	onStatus  func(Status)

	mx       sync.Mutex
	status   Status
	terminal bool
	content  *model.Content
}

func NewViewer(cfg ViewerConfig) *Viewer {
	v := &Viewer{
		roomID:    cfg.RoomID,
		logger:    cfg.Logger.With().Str("component", "viewer-session").Str("roomID", cfg.RoomID).Logger(),
		onContent: cfg.OnContent,
		onStatus:  cfg.OnStatus,
		status:    StatusDisconnected,
	}
	v.mgr = NewManager(Config{
		URL:           cfg.URL,
		Logger:        cfg.Logger,
		Clock:         cfg.Clock,
		Dialer:        cfg.Dialer,
		InitialDelay:  cfg.InitialDelay,
		MaxDelay:      cfg.MaxDelay,
		BackoffFactor: cfg.BackoffFactor,
		OnOpen:        v.handleOpen,
		OnMessage:     v.handleMessage,
		OnStatus:      v.handleTransportStatus,
	})
	return v
}

func (v *Viewer) Start() {
	v.mgr.Start()
}

// Close tears the session down. Pending reconnects are cancelled.
func (v *Viewer) Close() {
	v.mx.Lock()
	v.terminal = true
	v.mx.Unlock()
	v.mgr.Close()
}

// Status returns the session status, including the terminal states ended
// and not_found.
func (v *Viewer) Status() Status {
	v.mx.Lock()
	defer v.mx.Unlock()
	return v.status
}

// Content returns the last received snapshot, or nil.
func (v *Viewer) Content() *model.Content {
	v.mx.Lock()
	defer v.mx.Unlock()
	return v.content
}

func (v *Viewer) handleOpen() {
	v.mgr.Send(model.Message{Type: model.TypeJoinRoom, RoomID: v.roomID})
}

// handleTransportStatus maps manager transitions onto the session status.
// The transport reaching connected is not enough: the session reports
// connected only once ROOM_JOINED confirms membership and delivers the
// catch-up snapshot.
func (v *Viewer) handleTransportStatus(st Status) {
	if st == StatusConnected {
		return
	}
	v.mx.Lock()
	if v.terminal || v.status == st {
		v.mx.Unlock()
		return
	}
	v.status = st
	v.mx.Unlock()
	v.notifyStatus(st)
}

func (v *Viewer) handleMessage(raw json.RawMessage) {
	var msg struct {
		Type    string         `json:"type"`
		Content *model.Content `json:"content"`
		Error   string         `json:"error"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}

	switch msg.Type {
	case model.TypeRoomJoined:
		v.mx.Lock()
		if v.terminal {
			v.mx.Unlock()
			return
		}
		changed := v.status != StatusConnected
		v.status = StatusConnected
		v.content = msg.Content
		v.mx.Unlock()
		if changed {
			v.notifyStatus(StatusConnected)
		}
		v.notifyContent(msg.Content)

	case model.TypeContentUpdate:
		v.mx.Lock()
		v.content = msg.Content
		v.mx.Unlock()
		v.notifyContent(msg.Content)

	case model.TypeContentCleared:
		v.mx.Lock()
		v.content = nil
		v.mx.Unlock()
		v.notifyContent(nil)

	case model.TypeRoomClosed:
		v.logger.Info().Msg("stream ended")
		v.terminate(StatusEnded)

	case model.TypeRoomError:
		v.logger.Info().Str("error", msg.Error).Msg("room rejected join")
		v.terminate(StatusNotFound)
	}
}

// terminate moves the session into a sticky terminal state and shuts the
// manager down so no later socket close can resurrect it.
func (v *Viewer) terminate(st Status) {
	v.mx.Lock()
	if v.terminal {
		v.mx.Unlock()
		return
	}
	v.terminal = true
	v.status = st
	v.mx.Unlock()
	v.mgr.Close()
	v.notifyStatus(st)
}

func (v *Viewer) notifyStatus(st Status) {
	if v.onStatus != nil {
		v.onStatus(st)
	}
}

func (v *Viewer) notifyContent(c *model.Content) {
	if v.onContent != nil {
		v.onContent(c)
	}
}
