package channel

import (
	"context"
	"sync"
)

// inbox is an unbounded FIFO with a single consumer. Transport callbacks push,
// Receive pops; pushes never block so callbacks cannot stall the transport.
type inbox struct {
	mu     sync.Mutex
	items  []Message
	err    error
	signal chan struct{}
	done   chan struct{}
}

func newInbox() *inbox {
	return &inbox{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// push appends msg. It reports false if the inbox is already closed.
func (q *inbox) push(msg Message) bool {
	q.mu.Lock()
	if q.err != nil {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// close marks the end of the stream. Later pops drain queued items, then return err.
// Only the first call has an effect.
func (q *inbox) close(err error) {
	q.mu.Lock()
	if q.err != nil {
		q.mu.Unlock()
		return
	}
	q.err = err
	q.mu.Unlock()
	close(q.done)
}

func (q *inbox) closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

func (q *inbox) pop(ctx context.Context) (Message, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items[0] = Message{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, nil
		}
		err := q.err
		q.mu.Unlock()
		if err != nil {
			return Message{}, err
		}

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-q.signal:
		case <-q.done:
		}
	}
}
