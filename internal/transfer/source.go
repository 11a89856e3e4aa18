package transfer

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Source is a file the orchestrator can send. Chunks are read with ReadAt.
type Source interface {
	io.ReaderAt
	Name() string
	Size() int64
}

// FileSource is a Source backed by an open file.
type FileSource struct {
	*os.File
	name string
	size int64
}

// OpenFile opens path for sending. The transfer name is its base name.
func OpenFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}
	return &FileSource{File: f, name: filepath.Base(path), size: info.Size()}, nil
}

func (f *FileSource) Name() string { return f.name }
func (f *FileSource) Size() int64  { return f.size }

type bytesSource struct {
	*bytes.Reader
	name string
	size int64
}

// BytesSource wraps in-memory data as a Source.
func BytesSource(name string, data []byte) Source {
	return &bytesSource{Reader: bytes.NewReader(data), name: name, size: int64(len(data))}
}

func (b *bytesSource) Name() string { return b.name }
func (b *bytesSource) Size() int64  { return b.size }
