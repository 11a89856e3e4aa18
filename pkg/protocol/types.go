package protocol

// Message type constants for protocol envelopes.
const (
	TypeError      = "error"
	TypePeerList   = "peer_list"
	TypePeerJoined = "peer_joined"
	TypePeerLeft   = "peer_left"
	TypeOffer      = "offer"
	TypeAnswer     = "answer"
)

// Peer roles. The host creates the room and offers; the guest answers.
const (
	RoleHost  = "host"
	RoleGuest = "guest"
)

// Room kinds.
const (
	RoomKindPIN  = "pin"
	RoomKindCode = "code"
)

// Error codes carried in Error payloads.
const (
	CodeRoomFull        = "room_full"
	CodeRoomNotFound    = "room_not_found"
	CodeBadRequest      = "bad_request"
	CodeMessageTooLarge = "message_too_large"
	CodePeerNotFound    = "peer_not_found"
)
