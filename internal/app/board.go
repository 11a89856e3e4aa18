package app

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sheerbytes/peerdrop/internal/history"
	"github.com/sheerbytes/peerdrop/internal/progress"
	"github.com/sheerbytes/peerdrop/internal/transfer"
)

// board turns manager events into the progress view and the history log.
type board struct {
	header string
	hist   *history.Log
	peer   string
	logger *slog.Logger

	mu       sync.Mutex
	notes    []string
	sent     int
	received int
	failed   int
}

func newBoard(header, peer string, hist *history.Log, logger *slog.Logger) *board {
	return &board{header: header, peer: peer, hist: hist, logger: logger}
}

func (b *board) hooks() transfer.Hooks {
	return transfer.Hooks{
		OnSent: func(p transfer.Progress) {
			b.finish(p, history.StatusCompleted, "", fmt.Sprintf("sent %s (%s)", p.Name, progress.FormatSize(p.Size)))
		},
		OnFileReady: func(p transfer.Progress, _ []byte, path string) {
			b.finish(p, history.StatusCompleted, "", fmt.Sprintf("received %s (%s) -> %s", p.Name, progress.FormatSize(p.Size), path))
		},
		OnFailed: func(p transfer.Progress, err error) {
			status := history.StatusFailed
			if errors.Is(err, transfer.ErrTransferCancelled) {
				status = history.StatusCancelled
			}
			b.finish(p, status, err.Error(), fmt.Sprintf("%s %s %s: %v", p.Role, p.Name, status, err))
		},
	}
}

func (b *board) finish(p transfer.Progress, status, errText, note string) {
	b.mu.Lock()
	b.notes = append(b.notes, note)
	switch {
	case status != history.StatusCompleted:
		b.failed++
	case p.Role == transfer.RoleSender:
		b.sent++
	default:
		b.received++
	}
	b.mu.Unlock()

	if b.hist == nil {
		return
	}
	dir := history.DirectionReceived
	if p.Role == transfer.RoleSender {
		dir = history.DirectionSent
	}
	err := b.hist.Append(history.Entry{
		Filename:  p.Name,
		Size:      p.Size,
		Direction: dir,
		Status:    status,
		Peer:      b.peer,
		Error:     errText,
	})
	if err != nil {
		b.logger.Warn("history not saved", "name", p.Name, "error", err)
	}
}

// view returns the display callback for m.
func (b *board) view(m *transfer.Manager) func() progress.View {
	return func() progress.View {
		active := m.Active()
		rows := make([]progress.Row, 0, len(active))
		for _, p := range active {
			status := "receiving"
			if p.Role == transfer.RoleSender {
				status = "sending"
			}
			rows = append(rows, progress.Row{
				ID:        p.ID,
				Direction: p.Role.String(),
				Name:      p.Name,
				Status:    status,
				Bytes:     p.Bytes,
				Size:      p.Size,
				Percent:   p.Percent,
				Rate:      p.Rate,
				ETA:       p.ETA,
			})
		}
		b.mu.Lock()
		notes := append([]string(nil), b.notes...)
		b.mu.Unlock()
		return progress.View{Header: b.header, Rows: rows, Notes: notes}
	}
}

// summary returns the totals line printed when a session ends.
func (b *board) summary() (string, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("%d sent, %d received, %d failed", b.sent, b.received, b.failed), b.failed
}
