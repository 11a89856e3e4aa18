package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const ProtocolVersion = 1

// ServerPeerID is the From of envelopes the signaling server originates.
const ServerPeerID = "server"

var (
	// ErrInvalidEnvelope wraps every Validate failure.
	ErrInvalidEnvelope = errors.New("invalid envelope")
	ErrEmptyPayload    = errors.New("payload is empty")
)

// Envelope is the frame of every signaling message. Payload holds one of
// the types in messages.go, selected by Type.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	MsgID   string          `json:"msg_id"`
	RoomID  string          `json:"room_id,omitempty"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an unaddressed envelope with a fresh message ID.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	env := Envelope{V: ProtocolVersion, Type: msgType, MsgID: NewMsgID()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s payload: %w", msgType, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Route returns a copy of e addressed within roomID. An empty to means
// everyone else in the room.
func (e Envelope) Route(roomID, from, to string) Envelope {
	e.RoomID = roomID
	e.From = from
	e.To = to
	return e
}

func (e Envelope) DecodePayload(out any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: %w", e.Type, ErrEmptyPayload)
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Validate checks the fields every envelope needs regardless of type.
func (e Envelope) Validate() error {
	switch {
	case e.V != ProtocolVersion:
		return fmt.Errorf("%w: version %d, want %d", ErrInvalidEnvelope, e.V, ProtocolVersion)
	case e.Type == "":
		return fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	case e.MsgID == "":
		return fmt.Errorf("%w: missing msg_id", ErrInvalidEnvelope)
	}
	return nil
}

// NewMsgID returns a random message ID.
func NewMsgID() string {
	return uuid.NewString()
}
