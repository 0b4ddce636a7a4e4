package media

import (
	"time"

	"github.com/1ureka/famcall/internal/ice"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// Peer is the subset of *webrtc.PeerConnection the manager drives.
type Peer interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	GetTransceivers() []*webrtc.RTPTransceiver
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	Close() error
}

var _ Peer = (*webrtc.PeerConnection)(nil)

// PeerFactory creates a peer session for the given ICE servers.
type PeerFactory func(servers []ice.Server) (Peer, error)

// NewPeerFactory builds a pion API with the default codecs (Opus, VP8, ...)
// and the default interceptors (NACK, RTCP reports, TWCC).
func NewPeerFactory() (PeerFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Longer ICE timeouts keep a brief relay hiccup from failing the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(15*time.Second, 60*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	return func(servers []ice.Server) (Peer, error) {
		return api.NewPeerConnection(webrtc.Configuration{ICEServers: ice.ToWebRTC(servers)})
	}, nil
}
