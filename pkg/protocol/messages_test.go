package protocol

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestPeerInfoOmitsEmptyNickname(t *testing.T) {
	data, err := json.Marshal(PeerInfo{PeerID: "p1", Role: RoleGuest})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "nickname") {
		t.Fatalf("empty nickname encoded: %s", data)
	}

	data, _ = json.Marshal(PeerJoined{Peer: PeerInfo{PeerID: "p2", Nickname: "Ada", Role: RoleHost}})
	var joined PeerJoined
	if err := json.Unmarshal(data, &joined); err != nil {
		t.Fatal(err)
	}
	if joined.Peer.Nickname != "Ada" || joined.Peer.Role != RoleHost {
		t.Fatalf("joined = %+v", joined)
	}
}

func TestCreateRoomResponseJSON(t *testing.T) {
	expires := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	data, err := json.Marshal(CreateRoomResponse{RoomID: "r1", Code: "4821", Kind: RoomKindPIN, ExpiresAt: expires})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"room_id":"r1","code":"4821","kind":"pin","expires_at":"2026-01-10T12:00:00Z"}`
	if string(data) != want {
		t.Fatalf("got %s\nwant %s", data, want)
	}
}
