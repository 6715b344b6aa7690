package model

// Room protocol message types. Inbound frames with any other non-empty
// type fall through to the legacy global relay.
const (
	TypeCreateRoom     = "CREATE_ROOM"
	TypeRoomCreated    = "ROOM_CREATED"
	TypeJoinRoom       = "JOIN_ROOM"
	TypeRoomJoined     = "ROOM_JOINED"
	TypeRoomError      = "ROOM_ERROR"
	TypePushContent    = "PUSH_CONTENT"
	TypeContentUpdate  = "CONTENT_UPDATE"
	TypeClearContent   = "CLEAR_CONTENT"
	TypeContentCleared = "CONTENT_CLEARED"
	TypeCloseRoom      = "CLOSE_ROOM"
	TypeRoomClosed     = "ROOM_CLOSED"
	TypeViewerCount    = "VIEWER_COUNT"
)

// Message is the inbound client->server envelope.
type Message struct {
	Type    string        `json:"type"`
	RoomID  string        `json:"roomId,omitempty"`
	Content *ContentInput `json:"content,omitempty"`
}

// ContentInput carries client-supplied content. Timestamps are never
// trusted from the client, so there is no timestamp field here.
type ContentInput struct {
	Kind  string `json:"type"`
	Value string `json:"value"`
}

// IsRoomProtocol reports whether t is one of the room sub-protocol types.
// Anything else (with a non-empty type) belongs to the legacy relay.
func IsRoomProtocol(t string) bool {
	switch t {
	case TypeCreateRoom, TypeJoinRoom, TypePushContent, TypeClearContent, TypeCloseRoom:
		return true
	}
	return false
}

// Outbound frames. RoomJoined and ContentUpdate keep the content field
// without omitempty so a cleared/absent snapshot serializes as an
// explicit null, matching what viewers expect on catch-up.

type RoomCreated struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

type RoomJoined struct {
	Type    string   `json:"type"`
	Content *Content `json:"content"`
}

type RoomError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type ContentUpdate struct {
	Type    string   `json:"type"`
	Content *Content `json:"content"`
}

type ContentCleared struct {
	Type string `json:"type"`
}

type RoomClosed struct {
	Type string `json:"type"`
}

type ViewerCount struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}
