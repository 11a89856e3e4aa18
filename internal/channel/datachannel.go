package channel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

var (
	_ Channel = (*DataChannel)(nil)
	_ Flusher = (*DataChannel)(nil)
)

// DataChannel adapts a pion WebRTC data channel to Channel.
type DataChannel struct {
	dc     *webrtc.DataChannel
	logger *slog.Logger
	in     *inbox

	ready     chan struct{}
	readyOnce sync.Once
}

// NewDataChannel wraps dc. It must be called before dc opens, or the open
// event is observed through ReadyState instead.
func NewDataChannel(dc *webrtc.DataChannel, logger *slog.Logger) *DataChannel {
	if logger == nil {
		logger = slog.Default()
	}
	c := &DataChannel{
		dc:     dc,
		logger: logger.With("label", dc.Label()),
		in:     newInbox(),
		ready:  make(chan struct{}),
	}

	dc.OnOpen(c.markReady)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		kind := KindBinary
		if msg.IsString {
			kind = KindText
		}
		data := make([]byte, len(msg.Data))
		copy(data, msg.Data)
		if !c.in.push(Message{Kind: kind, Data: data}) {
			c.logger.Debug("message after close dropped", "bytes", len(data))
		}
	})
	dc.OnError(func(err error) {
		c.logger.Warn("data channel error", "error", err)
		c.in.close(fmt.Errorf("data channel: %w", err))
	})
	dc.OnClose(func() {
		c.logger.Debug("data channel closed")
		c.in.close(io.EOF)
	})

	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		c.markReady()
	}
	return c
}

func (c *DataChannel) markReady() {
	c.readyOnce.Do(func() {
		c.logger.Debug("data channel open")
		close(c.ready)
	})
}

// Send writes msg as a text or binary data channel message.
func (c *DataChannel) Send(msg Message) error {
	switch c.dc.ReadyState() {
	case webrtc.DataChannelStateOpen:
	case webrtc.DataChannelStateClosing, webrtc.DataChannelStateClosed:
		return ErrClosed
	default:
		return ErrNotReady
	}

	var err error
	if msg.Kind == KindText {
		err = c.dc.SendText(string(msg.Data))
	} else {
		err = c.dc.Send(msg.Data)
	}
	if err != nil {
		return fmt.Errorf("data channel send: %w", err)
	}
	return nil
}

// Receive returns the next inbound message in delivery order.
func (c *DataChannel) Receive(ctx context.Context) (Message, error) {
	return c.in.pop(ctx)
}

// Ready is closed when the data channel opens.
func (c *DataChannel) Ready() <-chan struct{} {
	return c.ready
}

// Flush waits until pion has handed every queued byte to SCTP.
func (c *DataChannel) Flush(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for c.dc.BufferedAmount() > 0 {
		if c.dc.ReadyState() != webrtc.DataChannelStateOpen {
			return ErrClosed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close closes the underlying data channel.
func (c *DataChannel) Close() error {
	c.in.close(io.EOF)
	return c.dc.Close()
}
