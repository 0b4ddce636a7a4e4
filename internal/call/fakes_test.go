package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/famcall/internal/ice"
	"github.com/1ureka/famcall/internal/media"
	"github.com/1ureka/famcall/internal/signaling"
	"github.com/pion/webrtc/v4"
)

// waitFor polls cond until it returns true or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

// ── clock ───────────────────────────────────────────────────────────────────

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and fires due timers on the caller's goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

var _ Clock = (*fakeClock)(nil)

// ── media ───────────────────────────────────────────────────────────────────

type fakeMedia struct {
	events media.Events

	// Test knobs, set before use.
	acquireErr   error
	setRemoteErr error
	ensureGate   chan struct{} // EnsurePeerSession blocks until closed

	mu         sync.Mutex
	local      *media.LocalMedia
	remote     *media.RemoteMedia
	peer       bool
	ensured    int
	offers     int
	answers    int
	remoteSDPs []webrtc.SessionDescription
	candidates []string
	teardowns  int
}

var _ Media = (*fakeMedia)(nil)

func (m *fakeMedia) AcquireLocalMedia(kind signaling.CallKind) (*media.LocalMedia, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.teardowns > 0 {
		return nil, media.ErrClosed
	}
	if m.acquireErr != nil {
		return nil, m.acquireErr
	}
	if m.local == nil {
		m.local = &media.LocalMedia{Kind: kind}
	}
	return m.local, nil
}

func (m *fakeMedia) EnsurePeerSession([]ice.Server) (media.Peer, error) {
	if m.ensureGate != nil {
		<-m.ensureGate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.teardowns > 0 {
		return nil, media.ErrClosed
	}
	m.ensured++
	m.peer = true
	return nil, nil
}

func (m *fakeMedia) AttachLocalTracks() error { return nil }

func (m *fakeMedia) CreateOffer() (webrtc.SessionDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (m *fakeMedia) CreateAnswer() (webrtc.SessionDescription, error) {
	m.mu.Lock()
	m.answers++
	m.mu.Unlock()
	m.trackArrives()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (m *fakeMedia) SetRemoteDescription(sd webrtc.SessionDescription) error {
	m.mu.Lock()
	if m.setRemoteErr != nil {
		m.mu.Unlock()
		return m.setRemoteErr
	}
	m.remoteSDPs = append(m.remoteSDPs, sd)
	m.mu.Unlock()
	if sd.Type == webrtc.SDPTypeAnswer {
		m.trackArrives()
	}
	return nil
}

// trackArrives simulates the remote track showing up shortly after
// negotiation completes.
func (m *fakeMedia) trackArrives() {
	go func() {
		time.Sleep(10 * time.Millisecond)
		m.mu.Lock()
		if m.teardowns > 0 {
			m.mu.Unlock()
			return
		}
		m.remote = &media.RemoteMedia{}
		m.mu.Unlock()
		if m.events.OnRemoteTrack != nil {
			m.events.OnRemoteTrack(nil)
		}
	}()
}

func (m *fakeMedia) AddICECandidate(c webrtc.ICECandidateInit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates = append(m.candidates, c.Candidate)
	return nil
}

func (m *fakeMedia) LocalMedia() *media.LocalMedia {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}

func (m *fakeMedia) RemoteMedia() *media.RemoteMedia {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

func (m *fakeMedia) Teardown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardowns++
	m.local, m.remote, m.peer = nil, nil, false
}

func (m *fakeMedia) stats() (offers, answers int, candidates []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offers, m.answers, append([]string(nil), m.candidates...)
}

// mediaFactory hands out fakeMedia instances and remembers them.
type mediaFactory struct {
	mu      sync.Mutex
	created []*fakeMedia
	prepare func(*fakeMedia)
}

func (f *mediaFactory) New(ev media.Events) Media {
	m := &fakeMedia{events: ev}
	if f.prepare != nil {
		f.prepare(m)
	}
	f.mu.Lock()
	f.created = append(f.created, m)
	f.mu.Unlock()
	return m
}

func (f *mediaFactory) last() *fakeMedia {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

// ── signaling, ring, ice, observer ──────────────────────────────────────────

// wire records outbound messages and optionally delivers them to a peer
// controller.
type wire struct {
	mu   sync.Mutex
	sent []signaling.Message
	peer *Controller
}

func (w *wire) Send(msg signaling.Message) {
	w.mu.Lock()
	w.sent = append(w.sent, msg)
	peer := w.peer
	w.mu.Unlock()
	if peer != nil {
		peer.HandleSignal(msg)
	}
}

func (w *wire) kinds() []signaling.Kind {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]signaling.Kind, 0, len(w.sent))
	for _, m := range w.sent {
		out = append(out, m.Kind())
	}
	return out
}

func (w *wire) count(k signaling.Kind) int {
	n := 0
	for _, got := range w.kinds() {
		if got == k {
			n++
		}
	}
	return n
}

func (w *wire) lastOf(k signaling.Kind) signaling.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := len(w.sent) - 1; i >= 0; i-- {
		if w.sent[i].Kind() == k {
			return w.sent[i]
		}
	}
	return nil
}

type fakeRinger struct {
	mu      sync.Mutex
	starts  int
	stops   int
	ringing bool
}

func (r *fakeRinger) Start(signaling.CallKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	r.ringing = true
}

func (r *fakeRinger) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	r.ringing = false
}

func (r *fakeRinger) isRinging() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ringing
}

type staticICE struct{}

func (staticICE) Fetch(context.Context) []ice.Server { return ice.Fallback("") }

type recorder struct {
	mu      sync.Mutex
	phases  []Phase
	notices []NoticeKind
}

func (r *recorder) PhaseChanged(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.phases); n == 0 || r.phases[n-1] != s.Phase {
		r.phases = append(r.phases, s.Phase)
	}
}

func (r *recorder) Notice(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n.Kind)
}

func (r *recorder) trace() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Phase(nil), r.phases...)
}

func (r *recorder) has(k NoticeKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.notices {
		if n == k {
			return true
		}
	}
	return false
}

// ── harness ─────────────────────────────────────────────────────────────────

type side struct {
	ctrl   *Controller
	wire   *wire
	media  *mediaFactory
	ringer *fakeRinger
	obs    *recorder
	clock  *fakeClock
}

func newSide(t *testing.T, self string) *side {
	t.Helper()
	s := &side{
		wire:   &wire{},
		media:  &mediaFactory{},
		ringer: &fakeRinger{},
		obs:    &recorder{},
		clock:  newFakeClock(),
	}
	s.ctrl = New(Config{
		Self:     self,
		SelfName: self + " (test)",
		Signaler: s.wire,
		NewMedia: s.media.New,
		ICE:      staticICE{},
		Ringer:   s.ringer,
		Observer: s.obs,
		Clock:    s.clock,
	})
	t.Cleanup(func() { s.ctrl.Close() })
	return s
}

// connect wires two sides so each one's outbound messages reach the other.
func connect(a, b *side) {
	a.wire.mu.Lock()
	a.wire.peer = b.ctrl
	a.wire.mu.Unlock()
	b.wire.mu.Lock()
	b.wire.peer = a.ctrl
	b.wire.mu.Unlock()
}

func (s *side) phase() Phase {
	snap, ok := s.ctrl.Snapshot()
	if !ok {
		return PhaseIdle
	}
	return snap.Phase
}

func (s *side) waitPhase(t *testing.T, p Phase) {
	t.Helper()
	waitFor(t, 2*time.Second, func() bool { return s.phase() == p })
}

func (s *side) waitIdle(t *testing.T) {
	t.Helper()
	waitFor(t, 2*time.Second, func() bool {
		_, ok := s.ctrl.Snapshot()
		return !ok
	})
}

func hdr(from, to, id string) signaling.Header {
	return signaling.Header{From: from, To: to, CallID: id}
}
