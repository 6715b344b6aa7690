package memory

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"

	"github.com/castlab/castrelay/model"
	"github.com/jonboulle/clockwork"
)

const roomIDBytes = 3

var (
	ErrRoomNotFound  = errors.New("room is not found")
	ErrNotStreamer   = errors.New("connection is not the room's streamer")
	ErrAlreadyJoined = errors.New("connection already belongs to a room")
)

// Store is the room registry: an in-memory map of live rooms plus a
// membership back-reference per connection. Every mutation happens under
// one mutex, and every result is a snapshot computed inside the critical
// section, so callers never observe a partial update.
type Store struct {
	mx      *sync.Mutex
	clock   clockwork.Clock
	rooms   map[string]*model.Room
	members map[model.Connection]model.Membership
}

func NewStore(clock clockwork.Clock) *Store {
	return &Store{
		mx:      &sync.Mutex{},
		clock:   clock,
		rooms:   make(map[string]*model.Room),
		members: make(map[model.Connection]model.Membership),
	}
}

// JoinResult is the snapshot returned to a joining viewer.
type JoinResult struct {
	Content     *model.Content
	Streamer    model.Connection
	ViewerCount int
}

// PushResult describes a content replacement and who should hear about it.
type PushResult struct {
	Content     model.Content
	Streamer    model.Connection
	Viewers     []model.Connection
	ViewerCount int
}

// CloseResult lists the viewers of a room that just went away.
type CloseResult struct {
	Viewers []model.Connection
}

// DisconnectResult describes the unwinding of one connection's membership.
// For a departing streamer, Viewers holds the audience of the now-deleted
// room. For a departing viewer, Streamer and ViewerCount describe whom to
// inform about the new audience size.
type DisconnectResult struct {
	RoomID      string
	Role        model.Role
	Streamer    model.Connection
	Viewers     []model.Connection
	ViewerCount int
}

// RoomStatus is the control-plane view of a room.
type RoomStatus struct {
	RoomID  string
	Viewers int
	Content *model.Content
}

// CreateRoom inserts an empty room under a freshly generated id and
// returns the id. A nil streamer creates a detached room (control-plane
// path). A connection that already holds an affiliation cannot create
// another room.
func (s *Store) CreateRoom(streamer model.Connection) (string, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	if streamer != nil {
		if _, ok := s.members[streamer]; ok {
			return "", ErrAlreadyJoined
		}
	}

	id := s.generateRoomID()
	s.rooms[id] = &model.Room{
		ID:       id,
		Streamer: streamer,
		Viewers:  make(map[model.Connection]struct{}),
	}
	if streamer != nil {
		s.members[streamer] = model.Membership{RoomID: id, Role: model.RoleStreamer}
	}
	return id, nil
}

// generateRoomID produces a short hex token unique among live rooms.
// Must be called with the lock held.
func (s *Store) generateRoomID() string {
	for {
		b := make([]byte, roomIDBytes)
		_, _ = rand.Read(b)
		id := hex.EncodeToString(b)
		if _, ok := s.rooms[id]; !ok {
			return id
		}
	}
}

// JoinRoom adds conn to the room's viewer set and returns the current
// content snapshot. Joining never creates a room. A viewer re-joining
// the room it already watches gets the snapshot again; any other
// existing affiliation rejects the join.
func (s *Store) JoinRoom(id string, conn model.Connection) (JoinResult, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	room, ok := s.rooms[id]
	if !ok {
		return JoinResult{}, ErrRoomNotFound
	}
	if m, member := s.members[conn]; member {
		if m.RoomID != id || m.Role != model.RoleViewer {
			return JoinResult{}, ErrAlreadyJoined
		}
	}

	room.Viewers[conn] = struct{}{}
	s.members[conn] = model.Membership{RoomID: id, Role: model.RoleViewer}
	return JoinResult{
		Content:     copyContent(room.Content),
		Streamer:    room.Streamer,
		ViewerCount: len(room.Viewers),
	}, nil
}

// PushContent replaces the room's content wholesale. Only the room's own
// streamer connection is allowed to push; the timestamp is stamped here,
// never taken from the client.
func (s *Store) PushContent(id string, requester model.Connection, kind, value string) (PushResult, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	room, ok := s.rooms[id]
	if !ok {
		return PushResult{}, ErrRoomNotFound
	}
	if room.Streamer == nil || room.Streamer != requester {
		return PushResult{}, ErrNotStreamer
	}
	return s.setContentLocked(room, kind, value), nil
}

// SetContent is the control-plane variant of PushContent: possession of
// the room id is the only authorization.
func (s *Store) SetContent(id, kind, value string) (PushResult, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	room, ok := s.rooms[id]
	if !ok {
		return PushResult{}, ErrRoomNotFound
	}
	return s.setContentLocked(room, kind, value), nil
}

func (s *Store) setContentLocked(room *model.Room, kind, value string) PushResult {
	content := model.Content{
		Kind:      kind,
		Value:     value,
		Timestamp: s.clock.Now().UnixMilli(),
	}
	room.Content = &content
	return PushResult{
		Content:     content,
		Streamer:    room.Streamer,
		Viewers:     viewerList(room),
		ViewerCount: len(room.Viewers),
	}
}

// ClearContent resets the room's content to none.
func (s *Store) ClearContent(id string, requester model.Connection) (CloseResult, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	room, ok := s.rooms[id]
	if !ok {
		return CloseResult{}, ErrRoomNotFound
	}
	if room.Streamer == nil || room.Streamer != requester {
		return CloseResult{}, ErrNotStreamer
	}
	room.Content = nil
	return CloseResult{Viewers: viewerList(room)}, nil
}

// CloseRoom removes the room entirely. A nil requester bypasses the
// streamer check: that is the disconnect-cleanup and control-plane path,
// which acts on behalf of the departing owner.
func (s *Store) CloseRoom(id string, requester model.Connection) (CloseResult, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	room, ok := s.rooms[id]
	if !ok {
		return CloseResult{}, ErrRoomNotFound
	}
	if requester != nil && room.Streamer != requester {
		return CloseResult{}, ErrNotStreamer
	}
	viewers := viewerList(room)
	s.deleteRoomLocked(room)
	return CloseResult{Viewers: viewers}, nil
}

// Disconnect unwinds whatever membership conn holds. It is idempotent:
// the second call for the same connection reports ok=false.
func (s *Store) Disconnect(conn model.Connection) (DisconnectResult, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()

	m, ok := s.members[conn]
	if !ok {
		return DisconnectResult{}, false
	}
	delete(s.members, conn)

	room, ok := s.rooms[m.RoomID]
	if !ok {
		// Room was already closed out from under this connection.
		return DisconnectResult{RoomID: m.RoomID, Role: m.Role}, true
	}

	res := DisconnectResult{RoomID: m.RoomID, Role: m.Role}
	if m.Role == model.RoleStreamer {
		res.Viewers = viewerList(room)
		s.deleteRoomLocked(room)
		return res, true
	}

	delete(room.Viewers, conn)
	res.Streamer = room.Streamer
	res.ViewerCount = len(room.Viewers)
	return res, true
}

// deleteRoomLocked removes the room and every membership referencing it.
func (s *Store) deleteRoomLocked(room *model.Room) {
	for v := range room.Viewers {
		delete(s.members, v)
	}
	if room.Streamer != nil {
		delete(s.members, room.Streamer)
	}
	delete(s.rooms, room.ID)
}

// Status returns the control-plane view of a room.
func (s *Store) Status(id string) (RoomStatus, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	room, ok := s.rooms[id]
	if !ok {
		return RoomStatus{}, ErrRoomNotFound
	}
	return RoomStatus{
		RoomID:  room.ID,
		Viewers: len(room.Viewers),
		Content: copyContent(room.Content),
	}, nil
}

// Rooms returns the number of live rooms.
func (s *Store) Rooms() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return len(s.rooms)
}

func viewerList(room *model.Room) []model.Connection {
	if len(room.Viewers) == 0 {
		return nil
	}
	out := make([]model.Connection, 0, len(room.Viewers))
	for v := range room.Viewers {
		out = append(out, v)
	}
	return out
}

func copyContent(c *model.Content) *model.Content {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}
