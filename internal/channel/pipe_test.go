package channel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestPipeDeliversInOrder(t *testing.T) {
	a, b := Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	want := []Message{
		Text(`{"type":"file-start"}`),
		Binary([]byte{0x00, 0xff, 0x10}),
		Text(`{"type":"file-end"}`),
	}
	for _, m := range want {
		if err := a.Send(m); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	for i, w := range want {
		got, err := b.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive %d: %v", i, err)
		}
		if got.Kind != w.Kind || !bytes.Equal(got.Data, w.Data) {
			t.Fatalf("message %d = %v %q, want %v %q", i, got.Kind, got.Data, w.Kind, w.Data)
		}
	}
}

func TestPipeCopiesPayload(t *testing.T) {
	a, b := Pipe()
	buf := []byte("abc")
	if err := a.Send(Binary(buf)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	buf[0] = 'z'
	got, err := b.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(got.Data) != "abc" {
		t.Fatalf("payload aliased sender buffer: %q", got.Data)
	}
}

func TestPendingPipeNotReady(t *testing.T) {
	a, b, open := PendingPipe()
	if err := a.Send(Text("x")); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Send before open = %v, want ErrNotReady", err)
	}
	open()
	open()
	if err := WaitReady(context.Background(), b); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	if err := a.Send(Text("x")); err != nil {
		t.Fatalf("Send after open: %v", err)
	}
}

func TestPipeCloseDrainsThenEOF(t *testing.T) {
	a, b := Pipe()
	_ = a.Send(Text("last"))
	_ = a.Close()

	if err := a.Send(Text("late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after close = %v, want ErrClosed", err)
	}
	if err := b.Send(Text("late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("peer Send after close = %v, want ErrClosed", err)
	}

	ctx := context.Background()
	got, err := b.Receive(ctx)
	if err != nil || string(got.Data) != "last" {
		t.Fatalf("Receive = %q, %v; want queued message", got.Data, err)
	}
	if _, err := b.Receive(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("Receive after drain = %v, want io.EOF", err)
	}
}

func TestReceiveHonorsContext(t *testing.T) {
	_, b := Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Receive = %v, want deadline exceeded", err)
	}
}

func TestKindString(t *testing.T) {
	if KindText.String() != "text" || KindBinary.String() != "binary" {
		t.Fatalf("unexpected kind names %s %s", KindText, KindBinary)
	}
	if Kind(9).String() != "kind(9)" {
		t.Fatalf("unexpected unknown kind name %s", Kind(9))
	}
}
