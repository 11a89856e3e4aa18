// Package history keeps a local log of finished transfers, one JSON object
// per line, newest last on disk.
package history

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sheerbytes/peerdrop/internal/progress"
)

const (
	DirectionSent     = "sent"
	DirectionReceived = "received"

	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Entry is one finished transfer.
type Entry struct {
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	Direction string    `json:"direction"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Peer      string    `json:"peer,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Log appends to and reads a history file. It is safe for concurrent use.
type Log struct {
	path   string
	now    func() time.Time
	logger *slog.Logger

	mu sync.Mutex
}

// Open returns a Log backed by path. The file is created on first Append.
func Open(path string, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{path: path, now: time.Now, logger: logger}
}

// Append records e. A zero Timestamp is set to the current time.
func (l *Log) Append(e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode history entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("write history: %w", err)
	}
	return f.Close()
}

// List returns every entry, newest first. A missing file is an empty history.
// Lines that do not parse are skipped.
func (l *Log) List() ([]Entry, error) {
	l.mu.Lock()
	data, err := os.ReadFile(l.path)
	l.mu.Unlock()
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	var entries []Entry
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for n := 1; sc.Scan(); n++ {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			l.logger.Warn("skipping bad history line", "line", n, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Clear removes every entry.
func (l *Log) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

// Print writes entries as a table, timestamps relative to now.
func Print(w io.Writer, entries []Entry, now time.Time) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No transfers yet")
		return
	}
	for _, e := range entries {
		arrow := "↓"
		if e.Direction == DirectionSent {
			arrow = "↑"
		}
		fmt.Fprintf(w, "%s %-32s %10s  %-9s  %s\n",
			arrow, e.Filename, progress.FormatSize(e.Size), e.Status,
			humanize.RelTime(e.Timestamp, now, "ago", "from now"))
	}
}
