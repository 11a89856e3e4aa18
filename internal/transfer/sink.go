package transfer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const maxFilenameLength = 255

// Sink receives completed files.
type Sink interface {
	// WriteFile stores data under name and returns where it went.
	WriteFile(name string, data []byte) (string, error)
}

// ValidateName rejects names that would escape the output directory.
func ValidateName(name string) error {
	if name == "" {
		return ErrInvalidFilename
	}
	if strings.ContainsAny(name, "/\\") || strings.ContainsRune(name, 0) {
		return ErrInvalidFilename
	}
	if name == "." || name == ".." {
		return ErrInvalidFilename
	}
	if len(name) > maxFilenameLength {
		return fmt.Errorf("%w: name longer than %d bytes", ErrInvalidFilename, maxFilenameLength)
	}
	return nil
}

// DirSink writes files into a directory. Existing files are never
// overwritten; a " (n)" suffix is added before the extension instead.
type DirSink struct {
	Dir string
}

// NewDirSink creates dir if needed.
func NewDirSink(dir string) (*DirSink, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &DirSink{Dir: dir}, nil
}

func (s *DirSink) WriteFile(name string, data []byte) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for n := 0; n < 10000; n++ {
		candidate := name
		if n > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", base, n, ext)
		}
		path := filepath.Join(s.Dir, candidate)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create %s: %w", candidate, err)
		}
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			_ = os.Remove(path)
			return "", fmt.Errorf("write %s: %w", candidate, err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("close %s: %w", candidate, err)
		}
		return path, nil
	}
	return "", fmt.Errorf("no free name for %s in %s", name, s.Dir)
}
