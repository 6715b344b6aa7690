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

type StreamerConfig struct {
	URL    string
	Logger *zerolog.Logger

	Clock  clockwork.Clock
	Dialer *websocket.Dialer

	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64

	// OnRoom fires with the room id after every CREATE_ROOM handshake; a
	// reconnect yields a fresh id since the server keeps no state across
	// restarts. OnContent delivers the server echo of accepted pushes.
	OnRoom    func(roomID string)
	OnViewers func(count int)
	OnContent func(content *model.Content)
	OnStatus  func(status Status)
}

// Streamer is the publishing side: it creates a room on every fresh
// connection and pushes content snapshots into it. The server echo of
// each push carries the accepted timestamp, so the local view confirms
// against the server rather than trusting its own optimistic update.
type Streamer struct {
	logger    zerolog.Logger
	mgr       *Manager
	onRoom    func(string)
	onViewers func(int)
	onContent func(*model.Content)

	mx      sync.Mutex
	roomID  string
	viewers int
	content *model.Content
}

func NewStreamer(cfg StreamerConfig) *Streamer {
	s := &Streamer{
		logger:    cfg.Logger.With().Str("component", "streamer-session").Logger(),
		onRoom:    cfg.OnRoom,
		onViewers: cfg.OnViewers,
		onContent: cfg.OnContent,
	}
	s.mgr = NewManager(Config{
		URL:           cfg.URL,
		Logger:        cfg.Logger,
		Clock:         cfg.Clock,
		Dialer:        cfg.Dialer,
		InitialDelay:  cfg.InitialDelay,
		MaxDelay:      cfg.MaxDelay,
		BackoffFactor: cfg.BackoffFactor,
		OnOpen:        s.handleOpen,
		OnMessage:     s.handleMessage,
		OnStatus:      cfg.OnStatus,
	})
	return s
}

func (s *Streamer) Start() {
	s.mgr.Start()
}

func (s *Streamer) Close() {
	s.mgr.Close()
}

func (s *Streamer) Status() Status {
	return s.mgr.Status()
}

// RoomID returns the live room id, or "" while no room is open.
func (s *Streamer) RoomID() string {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.roomID
}

// Viewers returns the audience size last reported by the server.
func (s *Streamer) Viewers() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.viewers
}

// Content returns the last server-accepted snapshot, or nil.
func (s *Streamer) Content() *model.Content {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.content
}

// Push replaces the room content. A no-op while no room is open.
func (s *Streamer) Push(kind, value string) {
	s.mx.Lock()
	roomID := s.roomID
	s.mx.Unlock()
	if roomID == "" {
		s.logger.Debug().Msg("push dropped, no live room")
		return
	}
	s.mgr.Send(model.Message{
		Type:    model.TypePushContent,
		RoomID:  roomID,
		Content: &model.ContentInput{Kind: kind, Value: value},
	})
}

// Clear resets the room content to none.
func (s *Streamer) Clear() {
	s.mx.Lock()
	roomID := s.roomID
	s.mx.Unlock()
	if roomID == "" {
		return
	}
	s.mgr.Send(model.Message{Type: model.TypeClearContent, RoomID: roomID})
}

// End closes the room. The connection stays up; the server echo resets
// the local room state.
func (s *Streamer) End() {
	s.mx.Lock()
	roomID := s.roomID
	s.mx.Unlock()
	if roomID == "" {
		return
	}
	s.mgr.Send(model.Message{Type: model.TypeCloseRoom, RoomID: roomID})
}

// handleOpen runs on every (re)connect. Any previous room died with the
// old socket, so local state resets and a fresh room is requested.
func (s *Streamer) handleOpen() {
	s.mx.Lock()
	s.roomID = ""
	s.viewers = 0
	s.content = nil
	s.mx.Unlock()
	s.mgr.Send(model.Message{Type: model.TypeCreateRoom})
}

func (s *Streamer) handleMessage(raw json.RawMessage) {
	var msg struct {
		Type    string         `json:"type"`
		RoomID  string         `json:"roomId"`
		Count   int            `json:"count"`
		Content *model.Content `json:"content"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}

	switch msg.Type {
	case model.TypeRoomCreated:
		s.mx.Lock()
		s.roomID = msg.RoomID
		s.mx.Unlock()
		s.logger.Info().Str("roomID", msg.RoomID).Msg("room created")
		if s.onRoom != nil {
			s.onRoom(msg.RoomID)
		}

	case model.TypeViewerCount:
		s.mx.Lock()
		s.viewers = msg.Count
		s.mx.Unlock()
		if s.onViewers != nil {
			s.onViewers(msg.Count)
		}

	case model.TypeContentUpdate:
		s.mx.Lock()
		s.content = msg.Content
		s.mx.Unlock()
		if s.onContent != nil {
			s.onContent(msg.Content)
		}

	case model.TypeContentCleared:
		s.mx.Lock()
		s.content = nil
		s.mx.Unlock()
		if s.onContent != nil {
			s.onContent(nil)
		}

	case model.TypeRoomClosed:
		s.mx.Lock()
		s.roomID = ""
		s.viewers = 0
		s.content = nil
		s.mx.Unlock()
		s.logger.Info().Msg("room closed")
		if s.onRoom != nil {
			s.onRoom("")
		}
	}
}
