package service

import (
	"encoding/json"
	"errors"

	"github.com/castlab/castrelay/model"
	"github.com/castlab/castrelay/storage/memory"
	"github.com/rs/zerolog"
)

const roomNotFoundError = "Room not found"

type (
	// RoomStore is the registry the service mutates. All methods are
	// atomic with respect to each other.
	RoomStore interface {
		CreateRoom(streamer model.Connection) (string, error)
		JoinRoom(id string, conn model.Connection) (memory.JoinResult, error)
		PushContent(id string, requester model.Connection, kind, value string) (memory.PushResult, error)
		SetContent(id, kind, value string) (memory.PushResult, error)
		ClearContent(id string, requester model.Connection) (memory.CloseResult, error)
		CloseRoom(id string, requester model.Connection) (memory.CloseResult, error)
		Disconnect(conn model.Connection) (memory.DisconnectResult, bool)
		Status(id string) (memory.RoomStatus, error)
		Rooms() int
	}

	// GlobalRelay is the table of every connected socket, used for the
	// legacy server-wide channel and client counts.
	GlobalRelay interface {
		Forward(src model.Connection, data []byte)
		SendAll(data []byte) int
		Count() int
	}

	Service struct {
		store  RoomStore
		relay  GlobalRelay
		logger zerolog.Logger
	}

	Config struct {
		RoomStore RoomStore
		Relay     GlobalRelay
		Logger    *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		store:  cfg.RoomStore,
		relay:  cfg.Relay,
		logger: cfg.Logger.With().Str("component", "service").Logger(),
	}
}

// CreateRoom makes conn the streamer of a fresh room and confirms with
// ROOM_CREATED. A connection that is already affiliated keeps its current
// role; the request is dropped silently (first message wins).
func (svc *Service) CreateRoom(conn model.Connection) {
	id, err := svc.store.CreateRoom(conn)
	if err != nil {
		svc.logger.Debug().Err(err).Str("connID", conn.ID()).Msg("create room ignored")
		return
	}
	svc.send(conn, model.RoomCreated{Type: model.TypeRoomCreated, RoomID: id})
	svc.logger.Info().Str("roomID", id).Str("connID", conn.ID()).Msg("room created")
}

// JoinRoom adds conn as a viewer and replies with the current content
// snapshot. A missing room is the one socket-path error that gets a
// response (ROOM_ERROR); the streamer learns the new audience size.
func (svc *Service) JoinRoom(conn model.Connection, roomID string) {
	res, err := svc.store.JoinRoom(roomID, conn)
	if err != nil {
		if errors.Is(err, memory.ErrRoomNotFound) {
			svc.send(conn, model.RoomError{Type: model.TypeRoomError, Error: roomNotFoundError})
		} else {
			svc.logger.Debug().Err(err).Str("connID", conn.ID()).Msg("join ignored")
		}
		return
	}
	svc.send(conn, model.RoomJoined{Type: model.TypeRoomJoined, Content: res.Content})
	if res.Streamer != nil {
		svc.send(res.Streamer, model.ViewerCount{Type: model.TypeViewerCount, Count: res.ViewerCount})
	}
	svc.logger.Info().
		Str("roomID", roomID).
		Int("viewers", res.ViewerCount).
		Msg("viewer joined")
}

// PushContent replaces the room's content and fans the accepted snapshot
// out to every viewer, echoing it to the streamer so its UI can confirm
// the server-side timestamp. Unauthorized and unknown-room pushes are
// silently ignored.
func (svc *Service) PushContent(conn model.Connection, roomID, kind, value string) {
	res, err := svc.store.PushContent(roomID, conn, kind, value)
	if err != nil {
		svc.logger.Debug().Err(err).Str("roomID", roomID).Str("connID", conn.ID()).Msg("push ignored")
		return
	}
	update := model.ContentUpdate{Type: model.TypeContentUpdate, Content: &res.Content}
	svc.fanOut(res.Viewers, update)
	svc.send(conn, update)
}

// ClearContent resets the room's content to none and tells the audience.
func (svc *Service) ClearContent(conn model.Connection, roomID string) {
	res, err := svc.store.ClearContent(roomID, conn)
	if err != nil {
		svc.logger.Debug().Err(err).Str("roomID", roomID).Str("connID", conn.ID()).Msg("clear ignored")
		return
	}
	cleared := model.ContentCleared{Type: model.TypeContentCleared}
	svc.fanOut(res.Viewers, cleared)
	svc.send(conn, cleared)
}

// CloseRoom deletes the room, notifying every viewer exactly once and
// echoing the close back to the streamer.
func (svc *Service) CloseRoom(conn model.Connection, roomID string) {
	res, err := svc.store.CloseRoom(roomID, conn)
	if err != nil {
		svc.logger.Debug().Err(err).Str("roomID", roomID).Str("connID", conn.ID()).Msg("close ignored")
		return
	}
	closed := model.RoomClosed{Type: model.TypeRoomClosed}
	svc.fanOut(res.Viewers, closed)
	svc.send(conn, closed)
	svc.logger.Info().Str("roomID", roomID).Msg("room closed")
}

// Disconnect unwinds conn's room membership after its socket closed. A
// departing streamer takes the room down with it; a departing viewer
// updates the streamer's count.
func (svc *Service) Disconnect(conn model.Connection) {
	res, ok := svc.store.Disconnect(conn)
	if !ok {
		return
	}
	switch res.Role {
	case model.RoleStreamer:
		svc.fanOut(res.Viewers, model.RoomClosed{Type: model.TypeRoomClosed})
		svc.logger.Info().Str("roomID", res.RoomID).Msg("room closed, streamer disconnected")
	case model.RoleViewer:
		if res.Streamer != nil {
			svc.send(res.Streamer, model.ViewerCount{Type: model.TypeViewerCount, Count: res.ViewerCount})
		}
		svc.logger.Info().
			Str("roomID", res.RoomID).
			Int("viewers", res.ViewerCount).
			Msg("viewer left")
	}
}

// Forward pushes a non-room frame verbatim to every other socket.
func (svc *Service) Forward(src model.Connection, raw []byte) {
	svc.relay.Forward(src, raw)
}

// --- control-plane entry points ---

// CreateDetachedRoom creates a room with no streamer connection. Such a
// room can only be driven through the control plane afterwards.
func (svc *Service) CreateDetachedRoom() string {
	id, _ := svc.store.CreateRoom(nil)
	svc.logger.Info().Str("roomID", id).Msg("room created via control plane")
	return id
}

// PushByID updates a room's content authorized by id possession alone and
// returns the audience size. Deliberately weaker than the socket path.
func (svc *Service) PushByID(roomID, kind, value string) (int, error) {
	res, err := svc.store.SetContent(roomID, kind, value)
	if err != nil {
		return 0, err
	}
	update := model.ContentUpdate{Type: model.TypeContentUpdate, Content: &res.Content}
	svc.fanOut(res.Viewers, update)
	if res.Streamer != nil {
		svc.send(res.Streamer, update)
	}
	return res.ViewerCount, nil
}

// RoomStatus reports a room's audience size and current content.
func (svc *Service) RoomStatus(roomID string) (memory.RoomStatus, error) {
	return svc.store.Status(roomID)
}

// DeleteRoom closes a room by id, notifying its viewers.
func (svc *Service) DeleteRoom(roomID string) error {
	res, err := svc.store.CloseRoom(roomID, nil)
	if err != nil {
		return err
	}
	svc.fanOut(res.Viewers, model.RoomClosed{Type: model.TypeRoomClosed})
	svc.logger.Info().Str("roomID", roomID).Msg("room deleted via control plane")
	return nil
}

// BroadcastEvent relays an arbitrary event to every connected socket.
func (svc *Service) BroadcastEvent(raw []byte) (relayed, clients int) {
	return svc.relay.SendAll(raw), svc.relay.Count()
}

// Stats reports connected-socket and live-room counts for liveness.
func (svc *Service) Stats() (clients, rooms int) {
	return svc.relay.Count(), svc.store.Rooms()
}

func (svc *Service) fanOut(conns []model.Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		svc.logger.Error().Err(err).Msg("failed to marshal broadcast")
		return
	}
	for _, c := range conns {
		if !c.Send(data) {
			svc.logger.Debug().Str("connID", c.ID()).Msg("broadcast dropped, slow viewer")
		}
	}
}

func (svc *Service) send(conn model.Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		svc.logger.Error().Err(err).Msg("failed to marshal message")
		return
	}
	if !conn.Send(data) {
		svc.logger.Debug().Str("connID", conn.ID()).Msg("send dropped, queue full")
	}
}
