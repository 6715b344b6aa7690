package model

// Content kinds understood by the presentation layer. The relay treats
// Value as opaque and performs no shape validation.
const (
	ContentText = "text"
	ContentLink = "link"
)

// Content is the single piece of live state a room broadcasts. It is
// replaced wholesale on every push. Timestamp is unix milliseconds and
// is assigned server-side at the moment of acceptance.
type Content struct {
	Kind      string `json:"type"`
	Value     string `json:"value"`
	Timestamp int64  `json:"timestamp"`
}

// Connection is one live socket as seen by the registry and the service.
// Send is best-effort: it must never block, returning false when the
// frame was dropped.
type Connection interface {
	ID() string
	Send(data []byte) bool
}

// Room is the unit of isolation between one streamer's broadcast and its
// viewers. Streamer is nil for rooms created over the control plane.
type Room struct {
	ID       string
	Streamer Connection
	Viewers  map[Connection]struct{}
	Content  *Content
}

type Role string

const (
	RoleStreamer Role = "streamer"
	RoleViewer   Role = "viewer"
)

// Membership is a back-reference from a connection to its room, kept so
// that closing a socket can unwind its room effects without scanning all
// rooms. It never owns the room.
type Membership struct {
	RoomID string
	Role   Role
}
