package signal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sheerbytes/peerdrop/internal/logging"
	"github.com/sheerbytes/peerdrop/pkg/protocol"
)

func newTestServer(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	s := NewServer(opts)
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return s, ts
}

func createRoom(t *testing.T, ts *httptest.Server, kind string) protocol.CreateRoomResponse {
	t.Helper()
	resp, err := http.Post(ts.URL+"/room?kind="+kind, "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /room status = %d", resp.StatusCode)
	}
	var out protocol.CreateRoomResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func dial(t *testing.T, ts *httptest.Server, code, peerID, role string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	q := url.Values{}
	q.Set("code", code)
	q.Set("peer_id", peerID)
	q.Set("role", role)
	q.Set("nickname", peerID+"-nick")
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?" + q.Encode()
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return env
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]bool
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || !body["ok"] {
		t.Fatalf("health = %d %v", resp.StatusCode, body)
	}
}

func TestCreateRoomKinds(t *testing.T) {
	_, ts := newTestServer(t, Options{})

	pin := createRoom(t, ts, "pin")
	if len(pin.Code) != 4 || pin.Kind != "pin" {
		t.Errorf("pin room = %+v", pin)
	}
	code := createRoom(t, ts, "code")
	if len(code.Code) != 8 || code.Kind != "code" {
		t.Errorf("code room = %+v", code)
	}

	resp, err := http.Post(ts.URL+"/room?kind=emoji", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad kind status = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/room")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /room status = %d", resp.StatusCode)
	}
}

func TestCreateRoomRateLimited(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	_, ts := newTestServer(t, Options{
		RoomCreatesPerMin: 1,
		RoomCreatesBurst:  2,
		Now:               func() time.Time { return now },
	})
	for i := 0; i < 2; i++ {
		createRoom(t, ts, "code")
	}
	resp, err := http.Post(ts.URL+"/room", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("third create status = %d, want 429", resp.StatusCode)
	}
}

func TestListRoomsByPrefix(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	r := createRoom(t, ts, "code")

	resp, err := http.Get(ts.URL + "/rooms?prefix=" + strings.ToLower(r.Code[:3]))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var list protocol.RoomList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, c := range list.Codes {
		if c == r.Code {
			found = true
		}
	}
	if !found {
		t.Fatalf("codes %v missing %s", list.Codes, r.Code)
	}
}

func TestWebSocketRejectsBadRequests(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	r := createRoom(t, ts, "code")

	tests := []struct {
		name   string
		code   string
		peerID string
		role   string
		status int
	}{
		{"unknown code", "NOPE2345", "p", protocol.RoleHost, http.StatusNotFound},
		{"missing peer", r.Code, "", protocol.RoleHost, http.StatusBadRequest},
		{"bad role", r.Code, "p", "sender", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := dial(t, ts, tt.code, tt.peerID, tt.role)
			if err == nil {
				t.Fatal("dial succeeded")
			}
			if resp == nil || resp.StatusCode != tt.status {
				t.Fatalf("resp = %v, want status %d", resp, tt.status)
			}
		})
	}
}

func TestWebSocketSignalingFlow(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	r := createRoom(t, ts, "code")

	host, _, err := dial(t, ts, r.Code, "h1", protocol.RoleHost)
	if err != nil {
		t.Fatal(err)
	}
	env := readEnvelope(t, host)
	var list protocol.PeerList
	if env.Type != protocol.TypePeerList || env.DecodePayload(&list) != nil || len(list.Peers) != 1 {
		t.Fatalf("host first envelope = %+v", env)
	}

	guest, _, err := dial(t, ts, r.Code, "g1", protocol.RoleGuest)
	if err != nil {
		t.Fatal(err)
	}
	env = readEnvelope(t, guest)
	if env.Type != protocol.TypePeerList || env.DecodePayload(&list) != nil || len(list.Peers) != 2 {
		t.Fatalf("guest first envelope = %+v", env)
	}

	env = readEnvelope(t, host)
	var joined protocol.PeerJoined
	if env.Type != protocol.TypePeerJoined || env.DecodePayload(&joined) != nil {
		t.Fatalf("host second envelope = %+v", env)
	}
	if joined.Peer.PeerID != "g1" || joined.Peer.Nickname != "g1-nick" || joined.Peer.Role != protocol.RoleGuest {
		t.Errorf("joined = %+v", joined.Peer)
	}

	offer, _ := protocol.NewEnvelope(protocol.TypeOffer, protocol.Offer{SDP: "v=0"})
	offer.To = "g1"
	offer.From = "spoofed"
	if err := host.WriteJSON(offer); err != nil {
		t.Fatal(err)
	}
	env = readEnvelope(t, guest)
	if env.Type != protocol.TypeOffer || env.From != "h1" || env.RoomID != r.RoomID {
		t.Fatalf("relayed offer = %+v", env)
	}

	answer, _ := protocol.NewEnvelope(protocol.TypeAnswer, protocol.Answer{SDP: "v=0"})
	if err := guest.WriteJSON(answer); err != nil {
		t.Fatal(err)
	}
	env = readEnvelope(t, host)
	if env.Type != protocol.TypeAnswer || env.From != "g1" {
		t.Fatalf("broadcast answer = %+v", env)
	}

	guest.Close()
	env = readEnvelope(t, host)
	var left protocol.PeerLeft
	if env.Type != protocol.TypePeerLeft || env.DecodePayload(&left) != nil || left.PeerID != "g1" {
		t.Fatalf("host after guest left = %+v", env)
	}
}

func TestWebSocketRoomFull(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	r := createRoom(t, ts, "pin")

	host, _, err := dial(t, ts, r.Code, "h1", protocol.RoleHost)
	if err != nil {
		t.Fatal(err)
	}
	readEnvelope(t, host)
	guest, _, err := dial(t, ts, r.Code, "g1", protocol.RoleGuest)
	if err != nil {
		t.Fatal(err)
	}
	readEnvelope(t, guest)

	_, resp, err := dial(t, ts, r.Code, "g2", protocol.RoleGuest)
	if err == nil {
		t.Fatal("third peer admitted")
	}
	if resp == nil || resp.StatusCode != http.StatusConflict {
		t.Fatalf("resp = %v, want 409", resp)
	}
}

func TestWebSocketTargetNotFound(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	r := createRoom(t, ts, "code")

	host, _, err := dial(t, ts, r.Code, "h1", protocol.RoleHost)
	if err != nil {
		t.Fatal(err)
	}
	readEnvelope(t, host)

	offer, _ := protocol.NewEnvelope(protocol.TypeOffer, protocol.Offer{SDP: "v=0"})
	offer.To = "ghost"
	if err := host.WriteJSON(offer); err != nil {
		t.Fatal(err)
	}
	env := readEnvelope(t, host)
	var perr protocol.Error
	if env.Type != protocol.TypeError || env.DecodePayload(&perr) != nil || perr.Code != protocol.CodePeerNotFound {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestWebSocketMessageTooLarge(t *testing.T) {
	_, ts := newTestServer(t, Options{MaxMessageBytes: 256})
	r := createRoom(t, ts, "code")

	host, _, err := dial(t, ts, r.Code, "h1", protocol.RoleHost)
	if err != nil {
		t.Fatal(err)
	}
	readEnvelope(t, host)

	offer, _ := protocol.NewEnvelope(protocol.TypeOffer, protocol.Offer{SDP: strings.Repeat("a", 1024)})
	if err := host.WriteJSON(offer); err != nil {
		t.Fatal(err)
	}
	host.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := host.ReadMessage(); err != nil {
			return // server closed the connection
		}
	}
}

func TestSweepClosesExpiredRooms(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	s, ts := newTestServer(t, Options{RoomTTL: time.Minute, Now: clock})
	r := createRoom(t, ts, "code")

	host, _, err := dial(t, ts, r.Code, "h1", protocol.RoleHost)
	if err != nil {
		t.Fatal(err)
	}
	readEnvelope(t, host)

	if n := s.Sweep(now); n != 0 {
		t.Fatalf("Sweep before expiry removed %d rooms", n)
	}
	if n := s.Sweep(now.Add(2 * time.Minute)); n != 1 {
		t.Fatalf("Sweep after expiry removed %d rooms, want 1", n)
	}

	host.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := host.ReadMessage(); err == nil {
		t.Fatal("connection still open after room expired")
	}
}

func TestIPLimiter(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := newIPLimiter(60, 2, func() time.Time { return now })
	if !l.Allow("10.0.0.1") || !l.Allow("10.0.0.1") {
		t.Fatal("burst not honored")
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("allowed beyond burst")
	}
	if !l.Allow("10.0.0.2") {
		t.Fatal("limit shared across IPs")
	}
	now = now.Add(time.Second)
	if !l.Allow("10.0.0.1") {
		t.Fatal("token not refilled")
	}
}

func TestIPLimiterPrune(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := newIPLimiter(60, 2, func() time.Time { return now })
	l.Allow("10.0.0.1")
	l.Allow("10.0.0.2")
	if n := l.Prune(now.Add(time.Second)); n != 0 {
		t.Fatalf("Prune removed %d busy entries", n)
	}
	if n := l.Prune(now.Add(2 * time.Second)); n != 2 {
		t.Fatalf("Prune removed %d entries, want 2", n)
	}
	if n := l.tracked(); n != 0 {
		t.Fatalf("%d entries left", n)
	}
}

func TestIPLimiterBounded(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := newIPLimiter(60, 2, func() time.Time { return now })
	for i := 0; i < maxTrackedIPs+5; i++ {
		l.Allow(fmt.Sprintf("10.%d.%d.%d", i>>16&0xff, i>>8&0xff, i&0xff))
	}
	if n := l.tracked(); n > maxTrackedIPs {
		t.Fatalf("tracking %d IPs, cap is %d", n, maxTrackedIPs)
	}
}

func TestIPLimiterDisabled(t *testing.T) {
	l := newIPLimiter(0, 1, time.Now)
	for i := 0; i < 10; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatal("zero rate should allow everything")
		}
	}
	if n := l.tracked(); n != 0 {
		t.Fatalf("disabled limiter tracked %d IPs", n)
	}
}
