// Package ice resolves the STUN/TURN servers used by a call's peer session.
// Resolution never fails from the caller's point of view: any upstream
// problem degrades to a built-in STUN server, never to an empty list.
package ice

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// DefaultFallbackURL is the STUN server used when no other server list is available.
const DefaultFallbackURL = "stun:stun.l.google.com:19302"

// Server describes one ICE server as exchanged with the ICE resolution endpoint.
type Server struct {
	URLs       URLs   `json:"urls"`
	Username   string `json:"username,omitempty"`
	Credential string `json:"credential,omitempty"`
}

// URLs accepts either a single string or an array of strings on decode.
type URLs []string

func (u *URLs) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*u = URLs{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("urls must be a string or an array of strings: %w", err)
	}
	*u = many
	return nil
}

// WebRTC converts s into the pion representation.
func (s Server) WebRTC() webrtc.ICEServer {
	out := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...), Username: s.Username}
	if s.Credential != "" {
		out.Credential = s.Credential
		out.CredentialType = webrtc.ICECredentialTypePassword
	}
	return out
}

// ToWebRTC converts a server list for webrtc.Configuration.
func ToWebRTC(servers []Server) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, s.WebRTC())
	}
	return out
}

// Fallback returns the single-STUN server list for url, or for
// DefaultFallbackURL when url is empty.
func Fallback(url string) []Server {
	if url == "" {
		url = DefaultFallbackURL
	}
	return []Server{{URLs: URLs{url}}}
}

// ServerList accepts either an array of servers or a single server object on
// decode; Xirsys returns the latter.
type ServerList []Server

func (l *ServerList) UnmarshalJSON(data []byte) error {
	var many []Server
	if err := json.Unmarshal(data, &many); err == nil {
		*l = many
		return nil
	}
	var one Server
	if err := json.Unmarshal(data, &one); err != nil {
		return fmt.Errorf("iceServers must be a server or an array of servers: %w", err)
	}
	*l = ServerList{one}
	return nil
}

// Response is the body of the ICE resolution endpoint.
type Response struct {
	IceServers ServerList `json:"iceServers"`
}

// ResolutionError records why a server list could not be resolved. It is
// logged, never returned from Provider.Fetch.
type ResolutionError struct {
	Source string
	Err    error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve ice servers from %s: %v", e.Source, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// usable drops servers without URLs.
func usable(servers []Server) []Server {
	out := servers[:0:0]
	for _, s := range servers {
		if len(s.URLs) > 0 {
			out = append(out, s)
		}
	}
	return out
}
