// Package signal implements the rendezvous server two peers use to find each
// other and swap their WebRTC session descriptions.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sheerbytes/peerdrop/internal/peers"
	"github.com/sheerbytes/peerdrop/internal/room"
	"github.com/sheerbytes/peerdrop/pkg/protocol"
)

// A room connects exactly one host and one guest.
const peersPerRoom = 2

const (
	defaultMaxMessageBytes = 64 * 1024
	pingInterval           = 30 * time.Second
	writeWait              = 10 * time.Second
)

// Options configure a Server. Zero values fall back to defaults.
type Options struct {
	RoomTTL           time.Duration
	MaxRooms          int
	MaxMessageBytes   int
	RoomCreatesPerMin int
	RoomCreatesBurst  int
	WSIdleTimeout     time.Duration
	Logger            *slog.Logger
	Now               func() time.Time
}

// Server serves room creation, room lookup and the signaling WebSocket.
type Server struct {
	opts     Options
	log      *slog.Logger
	store    *room.Store
	hub      *peers.Hub
	creates  *ipLimiter
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

// NewServer returns a ready Server.
func NewServer(opts Options) *Server {
	if opts.RoomTTL <= 0 {
		opts.RoomTTL = 30 * time.Minute
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = defaultMaxMessageBytes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		opts:    opts,
		log:     logger,
		store:   room.NewStoreWithNow(opts.RoomTTL, opts.Now),
		hub:     peers.NewHub(peersPerRoom),
		creates: newIPLimiter(opts.RoomCreatesPerMin, opts.RoomCreatesBurst, opts.Now),
		mux:     http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // browsers connect from wherever the page is served
			},
		},
	}
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/room", s.handleCreateRoom)
	s.mux.HandleFunc("/rooms", s.handleListRooms)
	s.mux.HandleFunc("/ws", s.handleWebSocket)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Sweep deletes rooms that expired by now and disconnects their peers, then
// drops idle rate limiter entries. It returns how many rooms were removed.
func (s *Server) Sweep(now time.Time) int {
	expired := s.store.CleanupExpired(now)
	for _, id := range expired {
		n := s.hub.CloseRoom(id)
		s.log.Info("room expired", "room_id", id, "peers", n)
	}
	if n := s.creates.Prune(now); n > 0 {
		s.log.Debug("pruned rate limiters", "count", n)
	}
	return len(expired)
}

// RunJanitor sweeps expired rooms every interval until ctx ends.
func (s *Server) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(s.opts.Now())
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	kind, err := room.ParseKind(r.URL.Query().Get("kind"))
	if err != nil {
		sendError(w, http.StatusBadRequest, "kind must be 'pin' or 'code'")
		return
	}
	if !s.creates.Allow(clientIP(r)) {
		sendError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	if s.opts.MaxRooms > 0 && s.store.Count() >= s.opts.MaxRooms {
		sendError(w, http.StatusTooManyRequests, "room limit reached")
		return
	}

	rm, err := s.store.Create(kind)
	if err != nil {
		s.log.Warn("room create failed", "kind", kind, "error", err)
		sendError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, protocol.CreateRoomResponse{
		RoomID:    rm.ID,
		Code:      rm.Code,
		Kind:      string(rm.Kind),
		ExpiresAt: rm.ExpiresAt,
	})
	s.log.Info("room created", "room_id", rm.ID, "kind", rm.Kind)
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		sendError(w, http.StatusBadRequest, "missing prefix")
		return
	}
	codes := s.store.FindByPrefix(prefix)
	if codes == nil {
		codes = []string{}
	}
	writeJSON(w, http.StatusOK, protocol.RoomList{Codes: codes})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := q.Get("code")
	peerID := q.Get("peer_id")
	role := q.Get("role")
	nickname := q.Get("nickname")

	if code == "" {
		sendError(w, http.StatusBadRequest, "missing code")
		return
	}
	rm, found := s.store.GetByCode(code)
	if !found {
		sendError(w, http.StatusNotFound, "invalid or expired code")
		return
	}
	if peerID == "" {
		sendError(w, http.StatusBadRequest, "missing peer_id")
		return
	}
	if role != protocol.RoleHost && role != protocol.RoleGuest {
		sendError(w, http.StatusBadRequest, "role must be 'host' or 'guest'")
		return
	}
	if s.roomFull(rm.ID, peerID) {
		sendError(w, http.StatusConflict, "room is full")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(int64(s.opts.MaxMessageBytes))

	var writeMu sync.Mutex
	idle := s.opts.WSIdleTimeout
	if idle > 0 {
		conn.SetReadDeadline(time.Now().Add(idle))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(idle))
			return nil
		})
		conn.SetPingHandler(func(appData string) error {
			conn.SetReadDeadline(time.Now().Add(idle))
			writeMu.Lock()
			err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
			writeMu.Unlock()
			return err
		})
	}

	sendFunc := func(env protocol.Envelope) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(env)
	}
	sendErrorEnvelope := func(code, message string) {
		env, err := protocol.NewEnvelope(protocol.TypeError, protocol.Error{Code: code, Message: message})
		if err != nil {
			return
		}
		_ = sendFunc(env.Route(rm.ID, protocol.ServerPeerID, peerID))
	}

	logger := s.log.With("room_id", rm.ID, "peer_id", peerID, "role", role)
	peer := peers.Peer{
		PeerID:   peerID,
		Nickname: nickname,
		Role:     role,
		ConnID:   protocol.NewMsgID(),
		OnEvict:  func() { _ = conn.Close() },
	}
	removePeer, err := s.hub.Add(rm.ID, peer, sendFunc)
	if errors.Is(err, peers.ErrRoomFull) {
		// Lost a race with another joiner after the pre-upgrade check.
		sendErrorEnvelope(protocol.CodeRoomFull, "room is full")
		return
	}
	if err != nil {
		logger.Error("add peer failed", "error", err)
		return
	}
	defer removePeer()

	if idle > 0 {
		stopPing := make(chan struct{})
		defer close(stopPing)
		go func() {
			interval := pingInterval
			if idle/2 < interval {
				interval = idle / 2
			}
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-stopPing:
					return
				case <-ticker.C:
					writeMu.Lock()
					_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
					writeMu.Unlock()
				}
			}
		}()
	}

	logger.Info("peer connected")

	peerListEnv, err := s.serverEnvelope(rm.ID, protocol.TypePeerList, protocol.PeerList{Peers: s.hub.List(rm.ID)})
	if err != nil {
		logger.Error("failed to create peer list envelope", "error", err)
		return
	}
	if err := sendFunc(peerListEnv); err != nil {
		logger.Error("failed to send peer list", "error", err)
		return
	}

	joinedEnv, err := s.serverEnvelope(rm.ID, protocol.TypePeerJoined, protocol.PeerJoined{
		Peer: protocol.PeerInfo{PeerID: peerID, Nickname: nickname, Role: role},
	})
	if err != nil {
		logger.Error("failed to create peer joined envelope", "error", err)
		return
	}
	s.hub.BroadcastExcept(rm.ID, peerID, joinedEnv)

	defer func() {
		leftEnv, err := s.serverEnvelope(rm.ID, protocol.TypePeerLeft, protocol.PeerLeft{PeerID: peerID})
		if err == nil {
			s.hub.BroadcastExcept(rm.ID, peerID, leftEnv)
		}
		logger.Info("peer disconnected")
	}()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				logger.Info("websocket idle timeout")
			case errors.Is(err, websocket.ErrReadLimit):
				logger.Warn("message too large", "max", s.opts.MaxMessageBytes)
				sendErrorEnvelope(protocol.CodeMessageTooLarge, "message too large")
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure):
				logger.Error("websocket read error", "error", err)
			}
			return
		}
		if idle > 0 {
			conn.SetReadDeadline(time.Now().Add(idle))
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			logger.Warn("invalid JSON envelope", "error", err)
			sendErrorEnvelope(protocol.CodeBadRequest, "invalid JSON envelope")
			continue
		}
		if err := env.Validate(); err != nil {
			logger.Warn("invalid envelope", "error", err)
			sendErrorEnvelope(protocol.CodeBadRequest, err.Error())
			continue
		}

		// Peers cannot speak for each other or for another room.
		env = env.Route(rm.ID, peerID, env.To)

		if env.To != "" {
			if !s.hub.SendTo(rm.ID, env.To, env) {
				logger.Warn("peer not found for targeted send", "to", env.To)
				sendErrorEnvelope(protocol.CodePeerNotFound, "target peer not found: "+env.To)
			}
			continue
		}
		s.hub.BroadcastExcept(rm.ID, peerID, env)
	}
}

// roomFull reports whether a new connection for peerID would be turned away.
// A reconnect under a known peer ID replaces the old connection instead.
func (s *Server) roomFull(roomID, peerID string) bool {
	list := s.hub.List(roomID)
	for _, p := range list {
		if p.PeerID == peerID {
			return false
		}
	}
	return len(list) >= peersPerRoom
}

func (s *Server) serverEnvelope(roomID, msgType string, payload any) (protocol.Envelope, error) {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		return protocol.Envelope{}, err
	}
	return env.Route(roomID, protocol.ServerPeerID, ""), nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
