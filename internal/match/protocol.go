package match

import "encoding/json"

// Wire frames of the matchmaking protocol. The message field of a chat
// frame is either a plain string or a relay envelope carrying a
// negotiation signal.

type findFrame struct {
	Type   string `json:"type"`
	Mode   string `json:"mode"`
	Region string `json:"region,omitempty"`
}

type cancelFrame struct {
	Type string `json:"type"`
}

type chatFrame struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"room_id"`
	Message json.RawMessage `json:"message"`
}

// envelope is the inbound frame shape; fields are populated per type.
type envelope struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"room_id,omitempty"`
	Peer    *peerInfo       `json:"peer,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type peerInfo struct {
	Region string `json:"region"`
}
