// Package chunk turns files into ordered chunk sequences, frames them for the
// wire, and reassembles received chunks. Everything here is stateless.
package chunk

import (
	"errors"
	"fmt"
)

// DefaultSize matches the 16 KiB chunks of the browser client.
const DefaultSize = 16384

// MaxTotalChunks bounds the slot table a receiver is willing to allocate.
const MaxTotalChunks = 1 << 22

var (
	// ErrMalformedChunk reports a chunk message with missing fields or a bad payload encoding.
	ErrMalformedChunk = errors.New("malformed chunk")
	// ErrMalformedMessage reports an undecodable control message.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrIncompleteTransfer reports an assembly attempt with empty slots.
	ErrIncompleteTransfer = errors.New("incomplete transfer")
)

// FileMetadata describes one transfer. It is fixed once announced.
type FileMetadata struct {
	TransferID  string
	Name        string
	Size        int64
	TotalChunks int
}

// Chunk is one slice of a file. Index is explicit, so delivery order does not
// matter for reassembly.
type Chunk struct {
	TransferID string
	Index      int
	Payload    []byte
}

// TotalChunks returns ceil(size/chunkSize). An empty file still travels as one
// empty chunk.
func TotalChunks(size int64, chunkSize int) int {
	if chunkSize <= 0 {
		panic("chunk: chunk size must be positive")
	}
	if size <= 0 {
		return 1
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}

// NewMetadata builds the metadata a sender announces for a file.
func NewMetadata(transferID, name string, size int64, chunkSize int) FileMetadata {
	return FileMetadata{
		TransferID:  transferID,
		Name:        name,
		Size:        size,
		TotalChunks: TotalChunks(size, chunkSize),
	}
}

// Validate checks metadata received from a peer.
func (m FileMetadata) Validate() error {
	switch {
	case m.TransferID == "":
		return fmt.Errorf("%w: empty transfer id", ErrMalformedMessage)
	case m.Name == "":
		return fmt.Errorf("%w: empty name", ErrMalformedMessage)
	case m.Size < 0:
		return fmt.Errorf("%w: negative size %d", ErrMalformedMessage, m.Size)
	case m.TotalChunks > MaxTotalChunks:
		return fmt.Errorf("%w: %d chunks exceeds limit", ErrMalformedMessage, m.TotalChunks)
	case m.TotalChunks == 0 && m.Size == 0:
		// Older clients announce empty files with zero chunks.
		return nil
	case m.TotalChunks < 1:
		return fmt.Errorf("%w: total chunks %d", ErrMalformedMessage, m.TotalChunks)
	case m.Size > 0 && int64(m.TotalChunks) > m.Size:
		return fmt.Errorf("%w: %d chunks for %d bytes", ErrMalformedMessage, m.TotalChunks, m.Size)
	}
	return nil
}

// Assemble concatenates slots in index order.
func Assemble(slots [][]byte) ([]byte, error) {
	n := 0
	for i, s := range slots {
		if s == nil {
			return nil, fmt.Errorf("%w: chunk %d missing", ErrIncompleteTransfer, i)
		}
		n += len(s)
	}
	out := make([]byte, 0, n)
	for _, s := range slots {
		out = append(out, s...)
	}
	return out, nil
}
