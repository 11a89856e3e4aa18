package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sheerbytes/peerdrop/internal/clienthttp"
	"github.com/sheerbytes/peerdrop/internal/wsclient"
	"github.com/sheerbytes/peerdrop/pkg/protocol"
)

// signaling is a room connection read one envelope at a time.
type signaling struct {
	conn   *wsclient.Conn
	peerID string
	envs   chan protocol.Envelope
	errc   chan error
}

func dialSignaling(ctx context.Context, serverURL, code, peerID, role, nickname string, logger *slog.Logger) (*signaling, error) {
	wsURL, err := clienthttp.WebSocketURL(serverURL, code, peerID, role, nickname)
	if err != nil {
		return nil, err
	}
	conn, err := wsclient.Dial(ctx, wsURL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	s := &signaling{
		conn:   conn,
		peerID: peerID,
		envs:   make(chan protocol.Envelope, 16),
		errc:   make(chan error, 1),
	}
	go func() {
		s.errc <- conn.ReadLoop(ctx, func(env protocol.Envelope) {
			select {
			case s.envs <- env:
			case <-ctx.Done():
			}
		})
	}()
	return s, nil
}

// next returns the next envelope. Server error envelopes become errors.
func (s *signaling) next(ctx context.Context) (protocol.Envelope, error) {
	select {
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	case err := <-s.errc:
		return protocol.Envelope{}, fmt.Errorf("signaling connection lost: %w", err)
	case env := <-s.envs:
		if env.Type == protocol.TypeError {
			var perr protocol.Error
			if err := env.DecodePayload(&perr); err != nil {
				return protocol.Envelope{}, fmt.Errorf("server error: %w", err)
			}
			return protocol.Envelope{}, fmt.Errorf("server error %s: %s", perr.Code, perr.Message)
		}
		return env, nil
	}
}

func (s *signaling) send(msgType, to string, payload any) error {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	return s.conn.Send(env.Route("", s.peerID, to))
}

func (s *signaling) Close() error {
	return s.conn.Close()
}

func peerName(p protocol.PeerInfo) string {
	if p.Nickname != "" {
		return p.Nickname
	}
	return p.PeerID
}
