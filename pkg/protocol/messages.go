package protocol

import "time"

// Error represents an error message in the protocol.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PeerInfo contains information about a peer.
type PeerInfo struct {
	PeerID   string `json:"peer_id"`
	Nickname string `json:"nickname,omitempty"`
	Role     string `json:"role"`
}

// PeerList is sent to a peer right after it joins.
type PeerList struct {
	Peers []PeerInfo `json:"peers"`
}

// PeerJoined indicates a peer has joined a room.
type PeerJoined struct {
	Peer PeerInfo `json:"peer"`
}

// PeerLeft indicates a peer has left a room.
type PeerLeft struct {
	PeerID string `json:"peer_id"`
}

// Offer contains a complete SDP offer, candidates included.
type Offer struct {
	SDP string `json:"sdp"`
}

// Answer contains a complete SDP answer, candidates included.
type Answer struct {
	SDP string `json:"sdp"`
}

// CreateRoomResponse is returned by POST /room.
type CreateRoomResponse struct {
	RoomID    string    `json:"room_id"`
	Code      string    `json:"code"`
	Kind      string    `json:"kind"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RoomList is returned by GET /rooms.
type RoomList struct {
	Codes []string `json:"codes"`
}
