// Package channel defines the ordered, message-oriented, bidirectional link
// the transfer protocol runs on, and the transports that provide it.
package channel

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned by Send before the channel has opened.
	ErrNotReady = errors.New("channel not ready")
	// ErrClosed is returned by Send after the channel has closed.
	ErrClosed = errors.New("channel closed")
)

// Kind tells a text message from a binary one.
type Kind uint8

const (
	KindText Kind = iota + 1
	KindBinary
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindBinary:
		return "binary"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Message is one unit delivered by a Channel. Text messages carry UTF-8.
type Message struct {
	Kind Kind
	Data []byte
}

// Text builds a text message.
func Text(s string) Message {
	return Message{Kind: KindText, Data: []byte(s)}
}

// Binary builds a binary message.
func Binary(b []byte) Message {
	return Message{Kind: KindBinary, Data: b}
}

// Channel delivers messages in the order they were sent between exactly two endpoints.
type Channel interface {
	// Send queues msg for delivery. It fails with ErrNotReady until Ready is
	// closed and with ErrClosed once the channel is gone.
	Send(msg Message) error

	// Receive blocks for the next inbound message. It returns io.EOF once the
	// channel has closed and every queued message was consumed.
	Receive(ctx context.Context) (Message, error)

	// Ready is closed when the channel opens.
	Ready() <-chan struct{}

	// Close tears the channel down. Pending inbound messages stay readable.
	Close() error
}

// Flusher is implemented by channels that buffer outbound data locally.
type Flusher interface {
	// Flush blocks until everything handed to Send has left the local buffer.
	Flush(ctx context.Context) error
}

// WaitReady blocks until ch opens or ctx ends.
func WaitReady(ctx context.Context, ch Channel) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch.Ready():
		return nil
	}
}
