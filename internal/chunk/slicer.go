package chunk

import (
	"errors"
	"fmt"
	"io"

	"github.com/sheerbytes/peerdrop/internal/bufpool"
)

// Slicer lazily produces the chunks of a file in index order.
type Slicer struct {
	src       io.ReaderAt
	meta      FileMetadata
	chunkSize int
	pool      *bufpool.Pool
	next      int
}

// NewSlicer reads meta.Size bytes of src in chunkSize pieces. When pool is
// non-nil and sized to chunkSize, payloads are pool buffers and must be handed
// back with Release once sent.
func NewSlicer(src io.ReaderAt, meta FileMetadata, chunkSize int, pool *bufpool.Pool) *Slicer {
	if chunkSize <= 0 {
		panic("chunk: chunk size must be positive")
	}
	if pool != nil && pool.BufSize() != chunkSize {
		pool = nil
	}
	return &Slicer{src: src, meta: meta, chunkSize: chunkSize, pool: pool}
}

// Total is the number of chunks the slicer yields.
func (s *Slicer) Total() int {
	return s.meta.TotalChunks
}

// Seek repositions the slicer so the next chunk returned is index.
func (s *Slicer) Seek(index int) error {
	if index < 0 || index > s.meta.TotalChunks {
		return fmt.Errorf("seek to chunk %d of %d", index, s.meta.TotalChunks)
	}
	s.next = index
	return nil
}

// Next reads the next chunk. It returns io.EOF after the last one.
func (s *Slicer) Next() (Chunk, error) {
	if s.next >= s.meta.TotalChunks {
		return Chunk{}, io.EOF
	}
	index := s.next
	off := int64(index) * int64(s.chunkSize)
	n := s.meta.Size - off
	if n > int64(s.chunkSize) {
		n = int64(s.chunkSize)
	}
	if n < 0 {
		n = 0
	}

	var buf []byte
	if s.pool != nil {
		buf = s.pool.Get()[:n]
	} else {
		buf = make([]byte, n)
	}
	if n > 0 {
		read, err := s.src.ReadAt(buf, off)
		if read < len(buf) {
			s.Release(Chunk{Payload: buf})
			if err == nil || errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return Chunk{}, fmt.Errorf("read chunk %d at offset %d: %w", index, off, err)
		}
	}

	s.next++
	return Chunk{TransferID: s.meta.TransferID, Index: index, Payload: buf}, nil
}

// Release returns a chunk's payload buffer to the pool.
func (s *Slicer) Release(c Chunk) {
	if s.pool != nil && c.Payload != nil {
		s.pool.Put(c.Payload)
	}
}
