package chunk

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/sheerbytes/peerdrop/internal/channel"
	"github.com/vmihailenco/msgpack/v5"
)

// Mode selects how chunk payloads travel.
type Mode int

const (
	// ModeText sends chunks as JSON text messages with base64 data. Browser
	// clients speak this.
	ModeText Mode = iota
	// ModeBinary sends chunks as msgpack-encoded binary messages.
	ModeBinary
)

func (m Mode) String() string {
	switch m {
	case ModeText:
		return "text"
	case ModeBinary:
		return "binary"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode accepts "text" or "binary".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "text", "":
		return ModeText, nil
	case "binary":
		return ModeBinary, nil
	default:
		return 0, fmt.Errorf("unknown chunk mode %q", s)
	}
}

// Message types on the wire.
const (
	TypeStart  = "file-start"
	TypeChunk  = "file-chunk"
	TypeEnd    = "file-end"
	TypeCancel = "file-cancel"
)

// Frame is a decoded protocol message. Which fields are set depends on Type.
type Frame struct {
	Type   string
	Meta   FileMetadata // file-start
	Chunk  Chunk        // file-chunk
	ID     string       // every type
	Reason string       // file-cancel
}

// wireMessage is the JSON shape of text messages. fileId and chunkIndex are
// the older browser field names and are only read.
type wireMessage struct {
	Type        string  `json:"type"`
	TransferID  string  `json:"transferId,omitempty"`
	FileID      string  `json:"fileId,omitempty"`
	Name        string  `json:"name,omitempty"`
	Size        *int64  `json:"size,omitempty"`
	TotalChunks *int    `json:"totalChunks,omitempty"`
	Index       *int    `json:"index,omitempty"`
	ChunkIndex  *int    `json:"chunkIndex,omitempty"`
	Data        *string `json:"data,omitempty"`
	Reason      string  `json:"reason,omitempty"`
}

func (w wireMessage) id() string {
	if w.TransferID != "" {
		return w.TransferID
	}
	return w.FileID
}

func (w wireMessage) index() *int {
	if w.Index != nil {
		return w.Index
	}
	return w.ChunkIndex
}

type binaryChunk struct {
	TransferID string  `msgpack:"transferId"`
	Index      *int    `msgpack:"index"`
	Payload    *[]byte `msgpack:"payload"`
}

func encodeJSON(w wireMessage) (channel.Message, error) {
	b, err := json.Marshal(w)
	if err != nil {
		return channel.Message{}, fmt.Errorf("encode %s: %w", w.Type, err)
	}
	return channel.Message{Kind: channel.KindText, Data: b}, nil
}

// EncodeStart frames the metadata announcement.
func EncodeStart(meta FileMetadata) (channel.Message, error) {
	size, total := meta.Size, meta.TotalChunks
	return encodeJSON(wireMessage{
		Type:        TypeStart,
		TransferID:  meta.TransferID,
		Name:        meta.Name,
		Size:        &size,
		TotalChunks: &total,
	})
}

// EncodeEnd frames the end-of-transfer marker.
func EncodeEnd(transferID string) (channel.Message, error) {
	return encodeJSON(wireMessage{Type: TypeEnd, TransferID: transferID})
}

// EncodeCancel frames a cancellation notice.
func EncodeCancel(transferID, reason string) (channel.Message, error) {
	return encodeJSON(wireMessage{Type: TypeCancel, TransferID: transferID, Reason: reason})
}

// EncodeChunk frames one chunk payload in the given mode.
func EncodeChunk(mode Mode, transferID string, index int, payload []byte) (channel.Message, error) {
	if transferID == "" || index < 0 {
		return channel.Message{}, fmt.Errorf("%w: id %q index %d", ErrMalformedChunk, transferID, index)
	}
	switch mode {
	case ModeText:
		data := base64.StdEncoding.EncodeToString(payload)
		return encodeJSON(wireMessage{Type: TypeChunk, TransferID: transferID, Index: &index, Data: &data})
	case ModeBinary:
		if payload == nil {
			payload = []byte{}
		}
		b, err := msgpack.Marshal(&binaryChunk{TransferID: transferID, Index: &index, Payload: &payload})
		if err != nil {
			return channel.Message{}, fmt.Errorf("encode chunk %d: %w", index, err)
		}
		return channel.Binary(b), nil
	default:
		return channel.Message{}, fmt.Errorf("encode chunk: unknown mode %v", mode)
	}
}

// DecodeChunk decodes a chunk message of either mode.
func DecodeChunk(msg channel.Message) (Chunk, error) {
	f, err := Decode(msg)
	if err != nil {
		return Chunk{}, err
	}
	if f.Type != TypeChunk {
		return Chunk{}, fmt.Errorf("%w: got %s", ErrMalformedChunk, f.Type)
	}
	return f.Chunk, nil
}

// Decode parses any protocol message. Binary messages are always chunks; text
// messages are discriminated by their type field.
func Decode(msg channel.Message) (Frame, error) {
	if msg.Kind == channel.KindBinary {
		return decodeBinary(msg.Data)
	}

	var w wireMessage
	if err := json.Unmarshal(msg.Data, &w); err != nil {
		// A chunk with mistyped fields is still a bad chunk.
		var head struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(msg.Data, &head) == nil && head.Type == TypeChunk {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformedChunk, err)
		}
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	id := w.id()

	switch w.Type {
	case TypeStart:
		if id == "" || w.Size == nil || w.TotalChunks == nil {
			return Frame{}, fmt.Errorf("%w: file-start missing fields", ErrMalformedMessage)
		}
		meta := FileMetadata{TransferID: id, Name: w.Name, Size: *w.Size, TotalChunks: *w.TotalChunks}
		if err := meta.Validate(); err != nil {
			return Frame{}, err
		}
		return Frame{Type: TypeStart, ID: id, Meta: meta}, nil

	case TypeChunk:
		index := w.index()
		if id == "" || index == nil || *index < 0 || w.Data == nil {
			return Frame{}, fmt.Errorf("%w: file-chunk missing fields", ErrMalformedChunk)
		}
		payload, err := base64.StdEncoding.DecodeString(*w.Data)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformedChunk, err)
		}
		return Frame{Type: TypeChunk, ID: id, Chunk: Chunk{TransferID: id, Index: *index, Payload: payload}}, nil

	case TypeEnd, TypeCancel:
		if id == "" {
			return Frame{}, fmt.Errorf("%w: %s missing transfer id", ErrMalformedMessage, w.Type)
		}
		return Frame{Type: w.Type, ID: id, Reason: w.Reason}, nil

	default:
		return Frame{}, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, w.Type)
	}
}

func decodeBinary(data []byte) (Frame, error) {
	var b binaryChunk
	if err := msgpack.Unmarshal(data, &b); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedChunk, err)
	}
	if b.TransferID == "" || b.Index == nil || *b.Index < 0 || b.Payload == nil {
		return Frame{}, fmt.Errorf("%w: binary chunk missing fields", ErrMalformedChunk)
	}
	payload := *b.Payload
	if payload == nil {
		payload = []byte{}
	}
	return Frame{
		Type:  TypeChunk,
		ID:    b.TransferID,
		Chunk: Chunk{TransferID: b.TransferID, Index: *b.Index, Payload: payload},
	}, nil
}
