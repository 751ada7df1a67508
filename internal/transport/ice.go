package transport

import (
	"callrelay/internal/config"

	"github.com/pion/webrtc/v4"
)

// ICEServers turns the configured STUN/TURN endpoints into the list handed
// to browsers for their RTCPeerConnection.
func ICEServers(cfg config.ICEConfig) []webrtc.ICEServer {
	var out []webrtc.ICEServer
	if len(cfg.STUNURLs) > 0 {
		out = append(out, webrtc.ICEServer{URLs: cfg.STUNURLs})
	}
	if len(cfg.TURNURLs) > 0 {
		out = append(out, webrtc.ICEServer{
			URLs:           cfg.TURNURLs,
			Username:       cfg.TURNUsername,
			Credential:     cfg.TURNCredential,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	return out
}
