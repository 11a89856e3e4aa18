// Package peers tracks the peers connected to each room and fans signaling
// envelopes out to them.
package peers

import (
	"errors"
	"sync"
	"time"

	"github.com/sheerbytes/peerdrop/pkg/protocol"
)

// ErrRoomFull is returned by Add when a room already holds its limit of peers.
var ErrRoomFull = errors.New("room is full")

// Peer represents a connected peer.
type Peer struct {
	PeerID   string
	Nickname string
	Role     string
	ConnID   string // unique per WebSocket connection
	// OnEvict runs when the hub drops this connection on its own: a newer
	// connection took over the peer ID, or the room was closed.
	OnEvict func()
}

// peerConnection holds a peer and its send queue.
type peerConnection struct {
	peer Peer
	send chan protocol.Envelope
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

func (pc *peerConnection) enqueue(env protocol.Envelope) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return
	}
	select {
	case pc.send <- env:
	default:
		// Queue full, drop rather than block the room.
	}
}

func (pc *peerConnection) close() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return false
	}
	pc.closed = true
	close(pc.send)
	return true
}

// Hub manages peers per room in a thread-safe manner.
// Duplicate peer_ids within a room use last-write-wins: the most recent
// connection replaces any previous one.
type Hub struct {
	maxPerRoom int

	mu       sync.RWMutex
	rooms    map[string]map[string]*peerConnection // roomID -> connID -> peerConnection
	byPeerID map[string]map[string]string          // roomID -> peerID -> connID
}

// NewHub creates a hub that admits at most maxPerRoom peers per room.
// Zero means no limit.
func NewHub(maxPerRoom int) *Hub {
	return &Hub{
		maxPerRoom: maxPerRoom,
		rooms:      make(map[string]map[string]*peerConnection),
		byPeerID:   make(map[string]map[string]string),
	}
}

// Add adds a peer to a room and starts its writer goroutine, which calls send
// for every queued envelope. The returned remove func takes the peer out again.
func (h *Hub) Add(roomID string, p Peer, send func(env protocol.Envelope) error) (remove func(), err error) {
	pc := &peerConnection{
		peer: p,
		send: make(chan protocol.Envelope, 256),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[string]*peerConnection)
	}
	if h.byPeerID[roomID] == nil {
		h.byPeerID[roomID] = make(map[string]string)
	}

	var replaced *peerConnection
	if oldConnID, exists := h.byPeerID[roomID][p.PeerID]; exists && oldConnID != p.ConnID {
		replaced = h.rooms[roomID][oldConnID]
		delete(h.rooms[roomID], oldConnID)
		delete(h.byPeerID[roomID], p.PeerID)
	}
	if h.maxPerRoom > 0 && len(h.rooms[roomID]) >= h.maxPerRoom {
		if replaced != nil {
			h.rooms[roomID][replaced.peer.ConnID] = replaced
			h.byPeerID[roomID][p.PeerID] = replaced.peer.ConnID
		}
		if len(h.rooms[roomID]) == 0 {
			delete(h.rooms, roomID)
			delete(h.byPeerID, roomID)
		}
		h.mu.Unlock()
		return nil, ErrRoomFull
	}
	h.rooms[roomID][p.ConnID] = pc
	h.byPeerID[roomID][p.PeerID] = p.ConnID
	h.mu.Unlock()

	if replaced != nil {
		evict(replaced)
	}

	go func() {
		defer close(pc.done)
		for env := range pc.send {
			if err := send(env); err != nil {
				return
			}
		}
	}()

	return func() {
		h.mu.Lock()
		roomPeers, exists := h.rooms[roomID]
		if !exists || roomPeers[p.ConnID] != pc {
			h.mu.Unlock()
			return
		}
		delete(roomPeers, p.ConnID)
		if peerIDMap := h.byPeerID[roomID]; peerIDMap[p.PeerID] == p.ConnID {
			delete(peerIDMap, p.PeerID)
		}
		if len(roomPeers) == 0 {
			delete(h.rooms, roomID)
			delete(h.byPeerID, roomID)
		}
		h.mu.Unlock()

		pc.close()
		select {
		case <-pc.done:
		case <-time.After(1 * time.Second):
		}
	}, nil
}

func evict(pc *peerConnection) {
	if pc.close() && pc.peer.OnEvict != nil {
		pc.peer.OnEvict()
	}
}

// List returns the peers in a room.
func (h *Hub) List(roomID string) []protocol.PeerInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	roomPeers := h.rooms[roomID]
	peers := make([]protocol.PeerInfo, 0, len(roomPeers))
	for _, pc := range roomPeers {
		peers = append(peers, protocol.PeerInfo{
			PeerID:   pc.peer.PeerID,
			Nickname: pc.peer.Nickname,
			Role:     pc.peer.Role,
		})
	}
	return peers
}

// Count returns the number of peers in a room.
func (h *Hub) Count(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

func (h *Hub) snapshot(roomID, exceptPeerID string) []*peerConnection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	exceptConnID := ""
	if exceptPeerID != "" {
		exceptConnID = h.byPeerID[roomID][exceptPeerID]
	}
	out := make([]*peerConnection, 0, len(h.rooms[roomID]))
	for connID, pc := range h.rooms[roomID] {
		if exceptConnID != "" && connID == exceptConnID {
			continue
		}
		out = append(out, pc)
	}
	return out
}

// Broadcast queues an envelope for every peer in a room. Slow peers whose
// queue is full miss the envelope.
func (h *Hub) Broadcast(roomID string, env protocol.Envelope) {
	for _, pc := range h.snapshot(roomID, "") {
		pc.enqueue(env)
	}
}

// BroadcastExcept queues an envelope for every peer in a room but one.
func (h *Hub) BroadcastExcept(roomID string, exceptPeerID string, env protocol.Envelope) {
	for _, pc := range h.snapshot(roomID, exceptPeerID) {
		pc.enqueue(env)
	}
}

// SendTo queues an envelope for one peer. It reports whether the peer exists.
func (h *Hub) SendTo(roomID string, peerID string, env protocol.Envelope) bool {
	h.mu.RLock()
	connID, ok := h.byPeerID[roomID][peerID]
	var pc *peerConnection
	if ok {
		pc = h.rooms[roomID][connID]
	}
	h.mu.RUnlock()
	if pc == nil {
		return false
	}
	pc.enqueue(env)
	return true
}

// CloseRoom drops every peer in a room and returns how many there were.
func (h *Hub) CloseRoom(roomID string) int {
	h.mu.Lock()
	roomPeers := h.rooms[roomID]
	delete(h.rooms, roomID)
	delete(h.byPeerID, roomID)
	h.mu.Unlock()

	for _, pc := range roomPeers {
		evict(pc)
	}
	return len(roomPeers)
}
