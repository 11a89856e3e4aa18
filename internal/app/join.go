package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/sheerbytes/peerdrop/internal/channel"
	"github.com/sheerbytes/peerdrop/internal/clienthttp"
	"github.com/sheerbytes/peerdrop/internal/rtc"
	"github.com/sheerbytes/peerdrop/internal/transfer"
	"github.com/sheerbytes/peerdrop/pkg/protocol"
)

// Join enters the room matching code and answers the host's offer. With a
// direct address it dials QUIC instead and code is ignored.
func (r *Runner) Join(ctx context.Context, code string, paths []string) error {
	sources, closeSources, err := openSources(paths)
	if err != nil {
		return err
	}
	defer closeSources()

	if r.Config.Direct != "" {
		return r.joinDirect(ctx, sources)
	}

	cfg := r.Config
	logger := r.logger()
	iceCfg, err := rtc.ICEConfig(cfg.STUNServers)
	if err != nil {
		return err
	}

	code, err = resolveCode(ctx, cfg.ServerURL, code)
	if err != nil {
		return err
	}

	sig, err := dialSignaling(ctx, cfg.ServerURL, code, cfg.PeerID, protocol.RoleGuest, cfg.Nickname, logger)
	if err != nil {
		return err
	}
	defer sig.Close()

	host := protocol.PeerInfo{}
	var offer protocol.Offer
	for {
		env, err := sig.next(ctx)
		if err != nil {
			return err
		}
		switch env.Type {
		case protocol.TypePeerList:
			var list protocol.PeerList
			if env.DecodePayload(&list) == nil {
				for _, p := range list.Peers {
					if p.Role == protocol.RoleHost {
						host = p
					}
				}
			}
			continue
		case protocol.TypePeerJoined:
			var joined protocol.PeerJoined
			if env.DecodePayload(&joined) == nil && joined.Peer.Role == protocol.RoleHost {
				host = joined.Peer
			}
			continue
		case protocol.TypeOffer:
		default:
			continue
		}
		if err := env.DecodePayload(&offer); err != nil {
			return fmt.Errorf("bad offer: %w", err)
		}
		if host.PeerID != env.From {
			host = protocol.PeerInfo{PeerID: env.From, Role: protocol.RoleHost}
		}
		break
	}
	logger.Info("offer received", "host", host.PeerID)

	ans, err := rtc.NewAnswerer(iceCfg, logger)
	if err != nil {
		return err
	}
	defer ans.Close()
	sdp, err := ans.Answer(ctx, offer.SDP)
	if err != nil {
		return err
	}
	if err := sig.send(protocol.TypeAnswer, host.PeerID, protocol.Answer{SDP: sdp}); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}

	dcCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	dc, err := ans.DataChannel(dcCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("wait for data channel: %w", err)
	}
	return r.session(ctx, channel.NewDataChannel(dc, logger), sources, peerName(host))
}

// resolveCode turns a full or partial room code into exactly one live code.
func resolveCode(ctx context.Context, serverURL, code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return "", fmt.Errorf("missing room code")
	}
	codes, err := clienthttp.FindRooms(ctx, serverURL, code)
	if err != nil {
		return "", fmt.Errorf("look up room: %w", err)
	}
	for _, c := range codes {
		if c == code {
			return c, nil
		}
	}
	switch len(codes) {
	case 0:
		return "", fmt.Errorf("no room matches %q", code)
	case 1:
		return codes[0], nil
	default:
		return "", fmt.Errorf("%q matches several rooms: %s", code, strings.Join(codes, ", "))
	}
}

func (r *Runner) joinDirect(ctx context.Context, sources []transfer.Source) error {
	ch, err := channel.DialQUIC(ctx, r.Config.Direct, r.logger())
	if err != nil {
		return err
	}
	return r.session(ctx, ch, sources, r.Config.Direct)
}
