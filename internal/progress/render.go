package progress

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Row is one transfer in the progress display.
type Row struct {
	ID        string
	Direction string
	Name      string
	Status    string
	Bytes     int64
	Size      int64
	Percent   float64
	Rate      float64
	ETA       time.Duration
}

// View is everything the display shows at one instant.
type View struct {
	Header string
	Rows   []Row
	// Notes are finished-transfer lines, oldest first.
	Notes []string
}

func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// Render draws view until ctx ends or the returned stop func is called. On a
// terminal it runs a bubbletea program; otherwise it prints a line per changed
// row once a second. onInterrupt runs when the user presses ctrl-c in the TUI.
func Render(ctx context.Context, w io.Writer, view func() View, onInterrupt func()) func() {
	if IsTTY(w) {
		return renderTea(ctx, w, view, onInterrupt)
	}
	return renderLines(ctx, w, view, time.Second)
}

func renderLines(ctx context.Context, w io.Writer, view func() View, every time.Duration) func() {
	ticker := time.NewTicker(every)
	stop := make(chan struct{})
	done := make(chan struct{})
	var (
		renderMu sync.Mutex
		last     = make(map[string]string)
		notes    int
	)

	renderOnce := func() {
		renderMu.Lock()
		defer renderMu.Unlock()
		v := view()
		for ; notes < len(v.Notes); notes++ {
			fmt.Fprintln(w, v.Notes[notes])
		}
		for _, row := range sortedRows(v.Rows) {
			line := formatRowLine(row)
			if last[row.ID] == line {
				continue
			}
			last[row.ID] = line
			fmt.Fprintln(w, line)
		}
	}

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				renderOnce()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			renderOnce()
		})
	}
}

func sortedRows(rows []Row) []Row {
	out := append([]Row(nil), rows...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Direction != out[j].Direction {
			return out[i].Direction < out[j].Direction
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func formatRowLine(r Row) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %5.1f%% %s/%s", r.Direction, r.Name, r.Percent, FormatSize(r.Bytes), FormatSize(r.Size))
	if r.Status != "" {
		fmt.Fprintf(&b, " %s", r.Status)
	}
	fmt.Fprintf(&b, " %s ETA %s", FormatRate(r.Rate), FormatETA(r.ETA))
	return b.String()
}
