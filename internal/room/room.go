// Package room keeps the short-lived rooms two peers rendezvous in.
package room

import (
	"crypto/rand"
	"errors"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind selects the code format of a room.
type Kind string

const (
	// KindPIN rooms are joined with a 4-digit PIN.
	KindPIN Kind = "pin"
	// KindCode rooms are joined with an 8-character code.
	KindCode Kind = "code"
)

const (
	codeChars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLen   = 8
	pinLen    = 4
	// maxCreateAttempts bounds the search for a free code. The PIN space
	// has only 10000 entries.
	maxCreateAttempts = 64
)

var (
	ErrUnknownKind = errors.New("unknown room kind")
	ErrNoFreeCode  = errors.New("no free room code")
)

// ParseKind accepts "pin" or "code"; empty means code.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(s)) {
	case KindPIN:
		return KindPIN, nil
	case KindCode, "":
		return KindCode, nil
	}
	return "", ErrUnknownKind
}

// Room is a rendezvous point.
type Room struct {
	ID        string    `json:"room_id"`
	Code      string    `json:"code"`
	Kind      Kind      `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store is a thread-safe in-memory store for rooms.
type Store struct {
	mu     sync.RWMutex
	rooms  map[string]Room   // keyed by room ID
	byCode map[string]string // code -> room ID
	ttl    time.Duration
	now    func() time.Time
}

// NewStore creates a room store with the given TTL.
func NewStore(ttl time.Duration) *Store {
	return NewStoreWithNow(ttl, time.Now)
}

// NewStoreWithNow creates a store with a custom time source (for tests).
func NewStoreWithNow(ttl time.Duration, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		rooms:  make(map[string]Room),
		byCode: make(map[string]string),
		ttl:    ttl,
		now:    now,
	}
}

// Create creates a room with a unique ID and a code of the given kind.
func (s *Store) Create(kind Kind) (Room, error) {
	gen := generateCode
	switch kind {
	case KindPIN:
		gen = generatePIN
	case KindCode:
	default:
		return Room{}, ErrUnknownKind
	}

	now := s.now()
	r := Room{
		ID:        generateRoomID(),
		Kind:      kind,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < maxCreateAttempts; i++ {
		code := gen()
		if _, taken := s.byCode[code]; taken {
			continue
		}
		r.Code = code
		s.rooms[r.ID] = r
		s.byCode[code] = r.ID
		return r, nil
	}
	return Room{}, ErrNoFreeCode
}

// GetByCode retrieves a live room by its code. Codes are case-insensitive.
func (s *Store) GetByCode(code string) (Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byCode[strings.ToUpper(code)]
	if !ok {
		return Room{}, false
	}
	r, ok := s.rooms[id]
	if !ok || s.now().After(r.ExpiresAt) {
		return Room{}, false
	}
	return r, true
}

// FindByPrefix returns the sorted codes of live rooms starting with prefix.
func (s *Store) FindByPrefix(prefix string) []string {
	prefix = strings.ToUpper(prefix)
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	codes := []string{}
	for code, id := range s.byCode {
		if !strings.HasPrefix(code, prefix) {
			continue
		}
		if r, ok := s.rooms[id]; ok && !now.After(r.ExpiresAt) {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes
}

// Delete removes a room. It reports whether the room existed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return false
	}
	delete(s.rooms, id)
	delete(s.byCode, r.Code)
	return true
}

// Count returns the number of stored rooms, expired or not.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

// CleanupExpired removes all expired rooms and returns their IDs.
func (s *Store) CleanupExpired(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for id, r := range s.rooms {
		if now.After(r.ExpiresAt) {
			removed = append(removed, id)
			delete(s.rooms, id)
			delete(s.byCode, r.Code)
		}
	}
	return removed
}

func generateRoomID() string {
	return uuid.NewString()
}

// generateCode generates an 8-character code from A-Z and 2-9, without the
// ambiguous O, 0, I and 1.
func generateCode() string {
	code := make([]byte, codeLen)
	limit := big.NewInt(int64(len(codeChars)))
	for i := range code {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "ABCDEFGH"
		}
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}

// generatePIN generates a 4-digit PIN, leading zeros allowed.
func generatePIN() string {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "0000"
	}
	s := n.String()
	return strings.Repeat("0", pinLen-len(s)) + s
}
