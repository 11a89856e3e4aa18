package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sheerbytes/peerdrop/internal/channel"
	"github.com/sheerbytes/peerdrop/internal/clienthttp"
	"github.com/sheerbytes/peerdrop/internal/config"
	"github.com/sheerbytes/peerdrop/internal/history"
	"github.com/sheerbytes/peerdrop/internal/logging"
	"github.com/sheerbytes/peerdrop/internal/signal"
	"github.com/sheerbytes/peerdrop/internal/transfer"
)

// syncBuffer is a bytes.Buffer safe for a writer and a polling reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testRunner(t *testing.T, mode string) (*Runner, string, *syncBuffer) {
	t.Helper()
	dir := t.TempDir()
	out := &syncBuffer{}
	return &Runner{
		Config: config.ClientConfig{
			PeerID:       "p-" + filepath.Base(dir),
			OutDir:       dir,
			ChunkSize:    1024,
			Mode:         mode,
			Pace:         0,
			StallTimeout: 5 * time.Second,
			HistoryPath:  filepath.Join(dir, "history.jsonl"),
		},
		Logger:  logging.Discard(),
		Out:     out,
		Display: io.Discard,
	}, dir, out
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}

func historyOf(t *testing.T, path string) []history.Entry {
	t.Helper()
	entries, err := history.Open(path, logging.Discard()).List()
	if err != nil {
		t.Fatal(err)
	}
	return entries
}

func TestSessionSendsFilesOverPipe(t *testing.T) {
	for _, mode := range []string{"text", "binary"} {
		t.Run(mode, func(t *testing.T) {
			sender, _, sendOut := testRunner(t, mode)
			receiver, recvDir, recvOut := testRunner(t, mode)

			src := t.TempDir()
			files := map[string][]byte{
				"a.bin":   pattern(40000),
				"empty":   {},
				"one.txt": []byte("x"),
			}
			var sources []transfer.Source
			for _, name := range []string{"a.bin", "empty", "one.txt"} {
				f, err := transfer.OpenFile(writeFile(t, src, name, files[name]))
				if err != nil {
					t.Fatal(err)
				}
				defer f.Close()
				sources = append(sources, f)
			}

			a, b := channel.Pipe()
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()

			errc := make(chan error, 1)
			go func() { errc <- receiver.session(ctx, b, nil, "sender") }()
			if err := sender.session(ctx, a, sources, "receiver"); err != nil {
				t.Fatalf("sender session: %v", err)
			}
			if err := <-errc; err != nil {
				t.Fatalf("receiver session: %v", err)
			}

			for name, want := range files {
				got, err := os.ReadFile(filepath.Join(recvDir, name))
				if err != nil {
					t.Fatalf("read %s: %v", name, err)
				}
				if !bytes.Equal(got, want) {
					t.Errorf("%s: got %d bytes, want %d", name, len(got), len(want))
				}
			}

			if !strings.Contains(sendOut.String(), "3 sent, 0 received, 0 failed") {
				t.Errorf("sender output = %q", sendOut.String())
			}
			if !strings.Contains(recvOut.String(), "0 sent, 3 received, 0 failed") {
				t.Errorf("receiver output = %q", recvOut.String())
			}

			sent := historyOf(t, sender.Config.HistoryPath)
			if len(sent) != 3 || sent[0].Direction != history.DirectionSent || sent[0].Status != history.StatusCompleted {
				t.Errorf("sender history = %+v", sent)
			}
			received := historyOf(t, receiver.Config.HistoryPath)
			if len(received) != 3 || received[0].Direction != history.DirectionReceived || received[0].Peer != "sender" {
				t.Errorf("receiver history = %+v", received)
			}
		})
	}
}

func TestSessionBothSidesSend(t *testing.T) {
	left, leftDir, _ := testRunner(t, "binary")
	right, rightDir, _ := testRunner(t, "text")

	src := t.TempDir()
	lf, err := transfer.OpenFile(writeFile(t, src, "from-left", pattern(5000)))
	if err != nil {
		t.Fatal(err)
	}
	defer lf.Close()
	rf, err := transfer.OpenFile(writeFile(t, src, "from-right", pattern(3000)))
	if err != nil {
		t.Fatal(err)
	}
	defer rf.Close()

	a, b := channel.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- right.session(ctx, b, []transfer.Source{rf}, "left") }()
	if err := left.session(ctx, a, []transfer.Source{lf}, "right"); err != nil {
		t.Fatalf("left session: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("right session: %v", err)
	}

	if _, err := os.Stat(filepath.Join(rightDir, "from-left")); err != nil {
		t.Errorf("right did not receive: %v", err)
	}
	if _, err := os.Stat(filepath.Join(leftDir, "from-right")); err != nil {
		t.Errorf("left did not receive: %v", err)
	}
}

func TestSessionStopsOnContextCancel(t *testing.T) {
	r, _, _ := testRunner(t, "text")
	a, _ := channel.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- r.session(ctx, a, nil, "peer") }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("session() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop")
	}
}

func TestSessionTimesOutWaitingForChannel(t *testing.T) {
	r, _, _ := testRunner(t, "text")
	a, _, _ := channel.PendingPipe()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := r.session(ctx, a, nil, "peer"); err == nil {
		t.Fatal("session on a channel that never opens succeeded")
	}
}

func TestSessionRejectsBadMode(t *testing.T) {
	r, _, _ := testRunner(t, "morse")
	a, _ := channel.Pipe()
	if err := r.session(context.Background(), a, nil, "peer"); err == nil {
		t.Fatal("session with unknown mode succeeded")
	}
}

func TestOpenSourcesMissingFile(t *testing.T) {
	if _, _, err := openSources([]string{filepath.Join(t.TempDir(), "nope")}); err == nil {
		t.Fatal("openSources() on a missing file succeeded")
	}
}

func TestResolveCode(t *testing.T) {
	srv := signal.NewServer(signal.Options{Logger: logging.Discard()})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx := context.Background()
	r1, err := createTestRoom(ctx, ts.URL)
	if err != nil {
		t.Fatal(err)
	}

	got, err := resolveCode(ctx, ts.URL, strings.ToLower(r1))
	if err != nil || got != r1 {
		t.Fatalf("resolveCode(full) = %q, %v", got, err)
	}
	got, err = resolveCode(ctx, ts.URL, r1[:6])
	if err != nil || got != r1 {
		t.Fatalf("resolveCode(prefix) = %q, %v", got, err)
	}
	if _, err := resolveCode(ctx, ts.URL, "0000"); err == nil {
		t.Fatal("resolveCode() for unknown code succeeded")
	}
	if _, err := resolveCode(ctx, ts.URL, "  "); err == nil {
		t.Fatal("resolveCode() for blank code succeeded")
	}
}

var roomCodeLine = regexp.MustCompile(`Room code: (\S+)`)

func TestHostJoinOverSignaling(t *testing.T) {
	srv := signal.NewServer(signal.Options{Logger: logging.Discard()})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	host, _, hostOut := testRunner(t, "binary")
	host.Config.ServerURL = ts.URL
	host.Config.RoomKind = "code"
	host.Config.Nickname = "host-box"
	guest, guestDir, _ := testRunner(t, "text")
	guest.Config.ServerURL = ts.URL
	guest.Config.Nickname = "guest-box"

	path := writeFile(t, t.TempDir(), "hello.txt", pattern(20000))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hostErr := make(chan error, 1)
	go func() { hostErr <- host.Host(ctx, []string{path}) }()

	var code string
	for code == "" {
		if m := roomCodeLine.FindStringSubmatch(hostOut.String()); m != nil {
			code = m[1]
			break
		}
		select {
		case err := <-hostErr:
			t.Fatalf("host exited early: %v", err)
		case <-ctx.Done():
			t.Fatal("no room code printed")
		case <-time.After(20 * time.Millisecond):
		}
	}

	if err := guest.Join(ctx, code, nil); err != nil {
		t.Fatalf("Join() = %v", err)
	}
	if err := <-hostErr; err != nil {
		t.Fatalf("Host() = %v", err)
	}

	got, err := os.ReadFile(filepath.Join(guestDir, "hello.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, pattern(20000)) {
		t.Fatalf("received %d bytes, content mismatch", len(got))
	}
	if !strings.Contains(hostOut.String(), "connected to guest-box") {
		t.Errorf("host output = %q", hostOut.String())
	}
}

func createTestRoom(ctx context.Context, serverURL string) (string, error) {
	rm, err := clienthttp.CreateRoom(ctx, serverURL, "code")
	if err != nil {
		return "", err
	}
	return rm.Code, nil
}
