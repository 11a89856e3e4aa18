// Package clienthttp talks to the signaling server's plain HTTP endpoints.
package clienthttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sheerbytes/peerdrop/pkg/protocol"
)

var client = &http.Client{
	Timeout: 5 * time.Second,
}

// CreateRoom creates a room by calling POST /room?kind=KIND on the server.
func CreateRoom(ctx context.Context, serverURL, kind string) (protocol.CreateRoomResponse, error) {
	var out protocol.CreateRoomResponse
	u := baseURL(serverURL) + "/room?kind=" + url.QueryEscape(kind)
	if err := do(ctx, http.MethodPost, u, &out); err != nil {
		return protocol.CreateRoomResponse{}, err
	}
	if out.Code == "" || out.RoomID == "" {
		return protocol.CreateRoomResponse{}, fmt.Errorf("parse response: missing room_id or code")
	}
	return out, nil
}

// FindRooms returns the codes of live rooms starting with prefix.
func FindRooms(ctx context.Context, serverURL, prefix string) ([]string, error) {
	var out protocol.RoomList
	u := baseURL(serverURL) + "/rooms?prefix=" + url.QueryEscape(prefix)
	if err := do(ctx, http.MethodGet, u, &out); err != nil {
		return nil, err
	}
	return out.Codes, nil
}

// WebSocketURL builds the /ws URL a peer joins a room with.
func WebSocketURL(serverURL, code, peerID, role, nickname string) (string, error) {
	u, err := url.Parse(baseURL(serverURL))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	q := url.Values{}
	q.Set("code", code)
	q.Set("peer_id", peerID)
	q.Set("role", role)
	if nickname != "" {
		q.Set("nickname", nickname)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func baseURL(serverURL string) string {
	serverURL = strings.TrimSuffix(serverURL, "/")
	if !strings.HasPrefix(serverURL, "http://") && !strings.HasPrefix(serverURL, "https://") {
		serverURL = "http://" + serverURL
	}
	return serverURL
}

func do(ctx context.Context, method, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
