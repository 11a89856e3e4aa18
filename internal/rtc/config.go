// Package rtc sets up the WebRTC peer connection and the single ordered data
// channel files travel over.
package rtc

import (
	"fmt"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

// ICEConfig validates the STUN URLs and returns a peer connection
// configuration using them.
func ICEConfig(stunServers []string) (webrtc.Configuration, error) {
	var urls []string
	for _, raw := range stunServers {
		u, err := stun.ParseURI(raw)
		if err != nil {
			return webrtc.Configuration{}, fmt.Errorf("stun server %q: %w", raw, err)
		}
		if u.Scheme != stun.SchemeTypeSTUN && u.Scheme != stun.SchemeTypeSTUNS {
			return webrtc.Configuration{}, fmt.Errorf("stun server %q: scheme %s not supported", raw, u.Scheme)
		}
		urls = append(urls, raw)
	}

	var iceServers []webrtc.ICEServer
	if len(urls) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: urls})
	}
	return webrtc.Configuration{ICEServers: iceServers}, nil
}

// NewPeerConnection creates a PeerConnection. Data channels stay attached so
// messages arrive through OnMessage with their text/binary flag intact.
func NewPeerConnection(config webrtc.Configuration) (*webrtc.PeerConnection, error) {
	se := webrtc.SettingEngine{}
	// Lets a host and a guest on the same machine find each other.
	se.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))
	return api.NewPeerConnection(config)
}
