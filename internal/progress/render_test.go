package progress

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	progressbar "github.com/charmbracelet/bubbles/progress"
)

func TestRenderLinesPrintsChangesOnce(t *testing.T) {
	var buf bytes.Buffer
	v := View{
		Rows:  []Row{{ID: "a", Direction: "send", Name: "a.txt", Bytes: 1500, Size: 3000, Percent: 50, ETA: UnknownETA}},
		Notes: []string{"received b.txt"},
	}
	stop := renderLines(context.Background(), &buf, func() View { return v }, time.Hour)
	stop()
	stop()

	out := buf.String()
	if strings.Count(out, "a.txt") != 1 {
		t.Fatalf("row printed %d times:\n%s", strings.Count(out, "a.txt"), out)
	}
	if !strings.Contains(out, "received b.txt") {
		t.Fatalf("note missing:\n%s", out)
	}
	if !strings.Contains(out, "1.50 KB/3.00 KB") || !strings.Contains(out, "ETA --") {
		t.Fatalf("unexpected row format:\n%s", out)
	}
}

func TestRenderTTY(t *testing.T) {
	bar := progressbar.New(progressbar.WithWidth(10), progressbar.WithoutPercentage())
	out := renderTTY(View{
		Header: "room 4821",
		Rows: []Row{
			{ID: "2", Direction: "recv", Name: "b.bin", Percent: 100, ETA: 0},
			{ID: "1", Direction: "send", Name: "a.bin", Percent: 25, ETA: 3 * time.Second},
		},
	}, bar)
	if !strings.Contains(out, "room 4821") || !strings.Contains(out, "ETA 3s") {
		t.Fatalf("render missing fields:\n%s", out)
	}
	if strings.Index(out, "b.bin") > strings.Index(out, "a.bin") {
		t.Fatalf("rows not sorted by direction:\n%s", out)
	}

	empty := renderTTY(View{}, bar)
	if !strings.Contains(empty, "waiting for transfers") {
		t.Fatalf("empty view = %q", empty)
	}
}
