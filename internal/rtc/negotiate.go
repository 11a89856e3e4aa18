package rtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// DataChannelLabel is the label browsers and the CLI agree on.
const DataChannelLabel = "fileTransfer"

// ErrConnectionFailed is returned when ICE gives up before the channel opens.
var ErrConnectionFailed = errors.New("peer connection failed")

// peer holds what offerer and answerer share: the connection and a signal
// that it is gone.
type peer struct {
	pc     *webrtc.PeerConnection
	logger *slog.Logger

	done     chan struct{}
	doneOnce sync.Once
}

func newPeer(config webrtc.Configuration, logger *slog.Logger) (*peer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pc, err := NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	p := &peer{pc: pc, logger: logger, done: make(chan struct{})}
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.logger.Debug("peer connection state", "state", s.String())
		switch s {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			p.doneOnce.Do(func() { close(p.done) })
		}
	})
	return p, nil
}

// Done is closed once the connection failed or was closed.
func (p *peer) Done() <-chan struct{} {
	return p.done
}

// PeerConnection returns the underlying connection.
func (p *peer) PeerConnection() *webrtc.PeerConnection {
	return p.pc
}

// Close tears the connection down.
func (p *peer) Close() error {
	return p.pc.Close()
}

// localDescription sets desc and waits for ICE gathering, so the returned
// SDP carries every candidate and no trickle messages are needed.
func (p *peer) localDescription(ctx context.Context, desc webrtc.SessionDescription) (string, error) {
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-p.done:
		return "", ErrConnectionFailed
	case <-gathered:
	}
	return p.pc.LocalDescription().SDP, nil
}

// Offerer is the side that creates the data channel and sends the offer.
type Offerer struct {
	*peer
	dc *webrtc.DataChannel
}

// NewOfferer creates the connection and the ordered fileTransfer channel.
func NewOfferer(config webrtc.Configuration, logger *slog.Logger) (*Offerer, error) {
	p, err := newPeer(config, logger)
	if err != nil {
		return nil, err
	}
	ordered := true
	dc, err := p.pc.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		p.pc.Close()
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}
	return &Offerer{peer: p, dc: dc}, nil
}

// DataChannel returns the channel created by NewOfferer. It opens once the
// answer has been accepted and ICE connects.
func (o *Offerer) DataChannel() *webrtc.DataChannel {
	return o.dc
}

// Offer returns the complete offer SDP.
func (o *Offerer) Offer(ctx context.Context) (string, error) {
	offer, err := o.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	return o.localDescription(ctx, offer)
}

// Accept applies the remote answer.
func (o *Offerer) Accept(answerSDP string) error {
	err := o.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP})
	if err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

// Answerer is the side that receives the offer and the data channel.
type Answerer struct {
	*peer
	channels chan *webrtc.DataChannel
}

// NewAnswerer creates a connection that waits for the remote data channel.
func NewAnswerer(config webrtc.Configuration, logger *slog.Logger) (*Answerer, error) {
	p, err := newPeer(config, logger)
	if err != nil {
		return nil, err
	}
	a := &Answerer{peer: p, channels: make(chan *webrtc.DataChannel, 1)}
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != DataChannelLabel {
			p.logger.Warn("unexpected data channel, closing", "label", dc.Label())
			dc.Close()
			return
		}
		select {
		case a.channels <- dc:
		default:
			p.logger.Warn("duplicate data channel, closing", "label", dc.Label())
			dc.Close()
		}
	})
	return a, nil
}

// Answer applies the remote offer and returns the complete answer SDP.
func (a *Answerer) Answer(ctx context.Context, offerSDP string) (string, error) {
	err := a.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP})
	if err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}
	answer, err := a.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	return a.localDescription(ctx, answer)
}

// DataChannel waits for the offerer's fileTransfer channel.
func (a *Answerer) DataChannel(ctx context.Context) (*webrtc.DataChannel, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.done:
		return nil, ErrConnectionFailed
	case dc := <-a.channels:
		return dc, nil
	}
}
