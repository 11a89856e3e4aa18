package app

import (
	"context"
	"fmt"

	"github.com/sheerbytes/peerdrop/internal/channel"
	"github.com/sheerbytes/peerdrop/internal/clienthttp"
	"github.com/sheerbytes/peerdrop/internal/rtc"
	"github.com/sheerbytes/peerdrop/internal/transfer"
	"github.com/sheerbytes/peerdrop/pkg/protocol"
)

// Host creates a room, waits for a guest and offers it the data channel.
// With a direct address it listens on QUIC instead.
func (r *Runner) Host(ctx context.Context, paths []string) error {
	sources, closeSources, err := openSources(paths)
	if err != nil {
		return err
	}
	defer closeSources()

	if r.Config.Direct != "" {
		return r.hostDirect(ctx, sources)
	}

	cfg := r.Config
	logger := r.logger()
	iceCfg, err := rtc.ICEConfig(cfg.STUNServers)
	if err != nil {
		return err
	}

	rm, err := clienthttp.CreateRoom(ctx, cfg.ServerURL, cfg.RoomKind)
	if err != nil {
		return fmt.Errorf("failed to create room: %w", err)
	}
	fmt.Fprintf(r.out(), "\n=== Room code: %s ===\n\n", rm.Code)
	logger = logger.With("room_id", rm.RoomID)

	sig, err := dialSignaling(ctx, cfg.ServerURL, rm.Code, cfg.PeerID, protocol.RoleHost, cfg.Nickname, logger)
	if err != nil {
		return err
	}
	defer sig.Close()

	guest, err := waitForGuest(ctx, sig)
	if err != nil {
		return err
	}
	logger.Info("guest joined", "guest", guest.PeerID)

	off, err := rtc.NewOfferer(iceCfg, logger)
	if err != nil {
		return err
	}
	defer off.Close()
	ch := channel.NewDataChannel(off.DataChannel(), logger)

	sdp, err := off.Offer(ctx)
	if err != nil {
		return err
	}
	if err := sig.send(protocol.TypeOffer, guest.PeerID, protocol.Offer{SDP: sdp}); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	for {
		env, err := sig.next(ctx)
		if err != nil {
			return err
		}
		if env.Type == protocol.TypePeerLeft {
			return fmt.Errorf("%s left before answering", peerName(guest))
		}
		if env.Type != protocol.TypeAnswer || env.From != guest.PeerID {
			continue
		}
		var answer protocol.Answer
		if err := env.DecodePayload(&answer); err != nil {
			return fmt.Errorf("bad answer: %w", err)
		}
		if err := off.Accept(answer.SDP); err != nil {
			return err
		}
		break
	}

	return r.session(ctx, ch, sources, peerName(guest))
}

// waitForGuest returns the first guest already in the room or joining it.
func waitForGuest(ctx context.Context, sig *signaling) (protocol.PeerInfo, error) {
	for {
		env, err := sig.next(ctx)
		if err != nil {
			return protocol.PeerInfo{}, err
		}
		switch env.Type {
		case protocol.TypePeerList:
			var list protocol.PeerList
			if err := env.DecodePayload(&list); err != nil {
				continue
			}
			for _, p := range list.Peers {
				if p.PeerID != sig.peerID && p.Role == protocol.RoleGuest {
					return p, nil
				}
			}
		case protocol.TypePeerJoined:
			var joined protocol.PeerJoined
			if err := env.DecodePayload(&joined); err != nil {
				continue
			}
			if joined.Peer.Role == protocol.RoleGuest {
				return joined.Peer, nil
			}
		}
	}
}

func (r *Runner) hostDirect(ctx context.Context, sources []transfer.Source) error {
	l, err := channel.ListenQUIC(r.Config.Direct, r.logger())
	if err != nil {
		return err
	}
	defer l.Close()
	fmt.Fprintf(r.out(), "listening on %s\n", l.Addr())

	ch, err := l.Accept(ctx)
	if err != nil {
		return err
	}
	return r.session(ctx, ch, sources, ch.RemoteAddr())
}
