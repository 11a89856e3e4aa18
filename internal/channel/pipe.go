package channel

import (
	"context"
	"io"
	"sync"
)

var _ Channel = (*PipeEnd)(nil)

// PipeEnd is one side of an in-memory channel pair.
type PipeEnd struct {
	in    *inbox
	peer  *PipeEnd
	ready chan struct{}
}

// Pipe returns two connected, already open channel ends.
func Pipe() (*PipeEnd, *PipeEnd) {
	a, b, open := PendingPipe()
	open()
	return a, b
}

// PendingPipe returns a connected pair that refuses sends until open is called.
func PendingPipe() (a, b *PipeEnd, open func()) {
	ready := make(chan struct{})
	a = &PipeEnd{in: newInbox(), ready: ready}
	b = &PipeEnd{in: newInbox(), ready: ready}
	a.peer = b
	b.peer = a
	var once sync.Once
	return a, b, func() { once.Do(func() { close(ready) }) }
}

// Send copies msg into the peer's queue.
func (p *PipeEnd) Send(msg Message) error {
	if p.in.closed() {
		return ErrClosed
	}
	select {
	case <-p.ready:
	default:
		return ErrNotReady
	}
	data := make([]byte, len(msg.Data))
	copy(data, msg.Data)
	if !p.peer.in.push(Message{Kind: msg.Kind, Data: data}) {
		return ErrClosed
	}
	return nil
}

// Receive returns the next message sent by the peer.
func (p *PipeEnd) Receive(ctx context.Context) (Message, error) {
	return p.in.pop(ctx)
}

// Ready is closed once the pair is open.
func (p *PipeEnd) Ready() <-chan struct{} {
	return p.ready
}

// Close ends both directions. The peer still drains what was already sent.
func (p *PipeEnd) Close() error {
	p.in.close(io.EOF)
	p.peer.in.close(io.EOF)
	return nil
}
