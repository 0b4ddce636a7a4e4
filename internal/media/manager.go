// Package media owns the local capture handle and the pion peer session of
// one call attempt.
package media

import (
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/famcall/internal/ice"
	"github.com/1ureka/famcall/internal/signaling"
	"github.com/1ureka/famcall/internal/util"
	"github.com/pion/webrtc/v4"
)

// Events are invoked from pion's goroutines. Receivers must hand them off to
// their own serialized context.
type Events struct {
	OnLocalCandidate func(webrtc.ICECandidateInit)
	OnRemoteTrack    func(*webrtc.TrackRemote)
	OnStateChange    func(webrtc.PeerConnectionState)
}

// RemoteMedia holds the tracks received from the peer.
type RemoteMedia struct {
	Tracks []*webrtc.TrackRemote
}

// Manager is the media session of a single call attempt. All methods are
// safe for concurrent use; the blocking ones are expected to run off the
// call controller's loop.
type Manager struct {
	capturer Capturer
	newPeer  PeerFactory
	events   Events

	mu        sync.Mutex
	local     *LocalMedia
	remote    *RemoteMedia
	peer      Peer
	creating  chan struct{} // non-nil while a peer is being constructed
	acquiring chan struct{} // non-nil while capture is being opened
	closed    bool
}

// NewManager creates a manager. Nothing is acquired until asked for.
func NewManager(capturer Capturer, newPeer PeerFactory, events Events) *Manager {
	return &Manager{capturer: capturer, newPeer: newPeer, events: events}
}

// AcquireLocalMedia opens the microphone, plus the camera iff kind is video.
// It returns the held handle when called again. Open runs without the lock
// so a pending permission prompt never blocks Teardown; a handle that
// arrives after teardown is released and ErrClosed returned.
func (m *Manager) AcquireLocalMedia(kind signaling.CallKind) (*LocalMedia, error) {
	m.mu.Lock()
	for {
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if m.local != nil {
			lm := m.local
			m.mu.Unlock()
			return lm, nil
		}
		if m.acquiring == nil {
			break
		}
		wait := m.acquiring
		m.mu.Unlock()
		<-wait
		m.mu.Lock()
	}
	done := make(chan struct{})
	m.acquiring = done
	m.mu.Unlock()

	lm, err := m.capturer.Open(kind)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquiring = nil
	close(done)

	if err != nil {
		return nil, captureError(kind, "capture", err)
	}
	if m.closed {
		lm.Stop()
		util.LogDebug("Local %s capture arrived after teardown, released", kind)
		return nil, ErrClosed
	}
	m.local = lm
	return lm, nil
}

// LocalMedia returns the held capture handle or nil.
func (m *Manager) LocalMedia() *LocalMedia {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}

// RemoteMedia returns the received tracks or nil before the first arrives.
func (m *Manager) RemoteMedia() *RemoteMedia {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

// EnsurePeerSession creates the peer session on first call. Concurrent
// callers wait for the one construction in progress and all get the same
// instance.
func (m *Manager) EnsurePeerSession(servers []ice.Server) (Peer, error) {
	m.mu.Lock()
	for {
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if m.peer != nil {
			p := m.peer
			m.mu.Unlock()
			return p, nil
		}
		if m.creating == nil {
			break
		}
		wait := m.creating
		m.mu.Unlock()
		<-wait
		m.mu.Lock()
	}
	done := make(chan struct{})
	m.creating = done
	m.mu.Unlock()

	peer, err := m.newPeer(servers)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.creating = nil
	close(done)

	if err != nil {
		return nil, fmt.Errorf("create peer session: %w", err)
	}
	if m.closed {
		peer.Close()
		return nil, ErrClosed
	}

	m.peer = peer
	m.bind(peer)
	util.LogDebug("Peer session created with %d ice servers", len(servers))
	return peer, nil
}

// bind installs the pion callbacks. Callbacks arriving after teardown are
// dropped. Caller must hold m.mu.
func (m *Manager) bind(peer Peer) {
	live := func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return !m.closed && m.peer == peer
	}

	peer.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || !live() || m.events.OnLocalCandidate == nil {
			return
		}
		m.events.OnLocalCandidate(c.ToJSON())
	})

	peer.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.mu.Lock()
		if m.closed || m.peer != peer {
			m.mu.Unlock()
			return
		}
		if m.remote == nil {
			m.remote = &RemoteMedia{}
		}
		m.remote.Tracks = append(m.remote.Tracks, track)
		m.mu.Unlock()

		util.LogDebug("Remote %s track arrived (%s)", track.Kind(), track.Codec().MimeType)
		go drain(track)
		if m.events.OnRemoteTrack != nil {
			m.events.OnRemoteTrack(track)
		}
	})

	peer.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if !live() || m.events.OnStateChange == nil {
			return
		}
		m.events.OnStateChange(s)
	})
}

// drain reads a remote track until it ends so its buffers never fill.
func drain(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

// AttachLocalTracks puts the held local tracks on the peer session. A
// transceiver of the same kind that already has a sender gets its track
// replaced; otherwise the track is added, reusing an unbound transceiver
// when the remote offer created one. Calling it again is a no-op.
func (m *Manager) AttachLocalTracks() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.closed:
		return ErrClosed
	case m.peer == nil:
		return ErrNoPeer
	case m.local == nil:
		return errors.New("no local media to attach")
	}

	for _, track := range m.local.Tracks() {
		if err := m.attach(track); err != nil {
			return fmt.Errorf("attach %s track: %w", track.Kind(), err)
		}
	}
	return nil
}

func (m *Manager) attach(track webrtc.TrackLocal) error {
	for _, tr := range m.peer.GetTransceivers() {
		if tr.Kind() != track.Kind() {
			continue
		}
		sender := tr.Sender()
		if sender == nil {
			break
		}
		if sender.Track() == track {
			return nil
		}
		return sender.ReplaceTrack(track)
	}
	_, err := m.peer.AddTrack(track)
	return err
}

// CreateOffer creates an offer and applies it as the local description.
func (m *Manager) CreateOffer() (webrtc.SessionDescription, error) {
	peer, err := m.livePeer()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := peer.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := peer.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return offer, nil
}

// CreateAnswer creates an answer and applies it as the local description.
func (m *Manager) CreateAnswer() (webrtc.SessionDescription, error) {
	peer, err := m.livePeer()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := peer.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := peer.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return answer, nil
}

// SetRemoteDescription applies the peer's offer or answer.
func (m *Manager) SetRemoteDescription(sd webrtc.SessionDescription) error {
	peer, err := m.livePeer()
	if err != nil {
		return err
	}
	if err := peer.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("set remote %s: %w", sd.Type, err)
	}
	return nil
}

// AddICECandidate applies one remote candidate.
func (m *Manager) AddICECandidate(c webrtc.ICECandidateInit) error {
	peer, err := m.livePeer()
	if err != nil {
		return err
	}
	return peer.AddICECandidate(c)
}

func (m *Manager) livePeer() (Peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.peer == nil {
		return nil, ErrNoPeer
	}
	return m.peer, nil
}

// Teardown stops local capture, closes the peer session and clears both
// media handles. It may be called any number of times.
func (m *Manager) Teardown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	local, peer := m.local, m.peer
	m.local, m.remote, m.peer = nil, nil, nil
	m.mu.Unlock()

	if local != nil {
		local.Stop()
	}
	if peer != nil {
		if err := peer.Close(); err != nil {
			util.LogDebug("Peer close: %v", err)
		}
	}
}
