package media

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/1ureka/famcall/internal/ice"
	"github.com/1ureka/famcall/internal/signaling"
	"github.com/pion/webrtc/v4"
)

func newTestManager(t *testing.T, capturer Capturer) *Manager {
	t.Helper()
	factory, err := NewPeerFactory()
	if err != nil {
		t.Fatalf("NewPeerFactory: %v", err)
	}
	m := NewManager(capturer, factory, Events{})
	t.Cleanup(m.Teardown)
	return m
}

func TestAcquireLocalMediaIdempotentAndExclusive(t *testing.T) {
	capturer := &SyntheticCapturer{Camera: true}
	first := newTestManager(t, capturer)
	second := newTestManager(t, capturer)

	a, err := first.AcquireLocalMedia(signaling.CallVideo)
	if err != nil {
		t.Fatalf("AcquireLocalMedia: %v", err)
	}
	b, err := first.AcquireLocalMedia(signaling.CallVideo)
	if err != nil || a != b {
		t.Fatalf("second acquire returned %p, %v; want %p", b, err, a)
	}
	if len(a.Tracks()) != 2 {
		t.Fatalf("video media has %d tracks, want 2", len(a.Tracks()))
	}

	if _, err := second.AcquireLocalMedia(signaling.CallAudio); !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("err = %v, want ErrDeviceBusy", err)
	}

	first.Teardown()
	if _, err := second.AcquireLocalMedia(signaling.CallAudio); err != nil {
		t.Fatalf("acquire after teardown: %v", err)
	}
}

func TestAcquireLocalMediaErrors(t *testing.T) {
	m := newTestManager(t, &SyntheticCapturer{})
	_, err := m.AcquireLocalMedia(signaling.CallVideo)
	var mae *MediaAccessError
	if !errors.As(err, &mae) || !errors.Is(err, ErrNoDevice) || mae.Device != "camera" {
		t.Fatalf("err = %v, want camera ErrNoDevice", err)
	}

	m = newTestManager(t, &SyntheticCapturer{Denied: true})
	if _, err := m.AcquireLocalMedia(signaling.CallAudio); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
}

// gatedCapturer blocks Open until gate is closed, like a pending
// permission prompt.
type gatedCapturer struct {
	Capturer
	gate   chan struct{}
	opened atomic.Int32
}

func (g *gatedCapturer) Open(kind signaling.CallKind) (*LocalMedia, error) {
	g.opened.Add(1)
	<-g.gate
	return g.Capturer.Open(kind)
}

func TestTeardownDuringPendingAcquire(t *testing.T) {
	inner := &SyntheticCapturer{Camera: true}
	gated := &gatedCapturer{Capturer: inner, gate: make(chan struct{})}
	m := newTestManager(t, gated)

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := m.AcquireLocalMedia(signaling.CallVideo)
			results <- err
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for gated.opened.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	torn := make(chan struct{})
	go func() {
		m.Teardown()
		close(torn)
	}()
	select {
	case <-torn:
	case <-time.After(time.Second):
		t.Fatal("Teardown blocked on a pending acquire")
	}

	close(gated.gate)
	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			if !errors.Is(err, ErrClosed) {
				t.Errorf("acquire after teardown: err = %v, want ErrClosed", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("acquire did not return")
		}
	}
	if n := gated.opened.Load(); n != 1 {
		t.Errorf("capturer opened %d times, want 1", n)
	}

	// The late handle was released, so the device is free again.
	lm, err := inner.Open(signaling.CallAudio)
	if err != nil {
		t.Fatalf("device still held after late release: %v", err)
	}
	lm.Stop()
}

// TestEnsurePeerSessionSerialized verifies that concurrent callers share one
// construction.
func TestEnsurePeerSessionSerialized(t *testing.T) {
	base, err := NewPeerFactory()
	if err != nil {
		t.Fatal(err)
	}
	var built atomic.Int32
	slow := func(servers []ice.Server) (Peer, error) {
		built.Add(1)
		time.Sleep(50 * time.Millisecond)
		return base(servers)
	}
	m := NewManager(&SyntheticCapturer{}, slow, Events{})
	defer m.Teardown()

	const n = 8
	peers := make([]Peer, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := m.EnsurePeerSession(nil)
			if err != nil {
				t.Errorf("EnsurePeerSession: %v", err)
			}
			peers[i] = p
		}(i)
	}
	wg.Wait()

	if built.Load() != 1 {
		t.Fatalf("factory called %d times, want 1", built.Load())
	}
	for i := 1; i < n; i++ {
		if peers[i] != peers[0] {
			t.Fatalf("caller %d got a different peer", i)
		}
	}
}

func TestEnsurePeerSessionFactoryError(t *testing.T) {
	boom := errors.New("boom")
	m := NewManager(&SyntheticCapturer{}, func([]ice.Server) (Peer, error) { return nil, boom }, Events{})
	if _, err := m.EnsurePeerSession(nil); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if _, err := m.CreateOffer(); !errors.Is(err, ErrNoPeer) {
		t.Fatalf("CreateOffer err = %v, want ErrNoPeer", err)
	}
}

// TestAttachLocalTracksIdempotent verifies that attaching twice neither adds
// transceivers nor fails.
func TestAttachLocalTracksIdempotent(t *testing.T) {
	m := newTestManager(t, &SyntheticCapturer{Camera: true})
	if _, err := m.AcquireLocalMedia(signaling.CallVideo); err != nil {
		t.Fatal(err)
	}
	peer, err := m.EnsurePeerSession(nil)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := m.AttachLocalTracks(); err != nil {
			t.Fatalf("attach #%d: %v", i+1, err)
		}
	}
	if n := len(peer.GetTransceivers()); n != 2 {
		t.Fatalf("got %d transceivers, want 2", n)
	}
}

// TestOfferAnswerExchange negotiates two managers against each other and
// checks the callee reuses the transceivers created by the remote offer.
func TestOfferAnswerExchange(t *testing.T) {
	caller := newTestManager(t, &SyntheticCapturer{Camera: true})
	callee := newTestManager(t, &SyntheticCapturer{Camera: true})

	if _, err := caller.AcquireLocalMedia(signaling.CallVideo); err != nil {
		t.Fatal(err)
	}
	if _, err := caller.EnsurePeerSession(nil); err != nil {
		t.Fatal(err)
	}
	if err := caller.AttachLocalTracks(); err != nil {
		t.Fatal(err)
	}
	offer, err := caller.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}

	if _, err := callee.AcquireLocalMedia(signaling.CallVideo); err != nil {
		t.Fatal(err)
	}
	peer, err := callee.EnsurePeerSession(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := callee.SetRemoteDescription(offer); err != nil {
		t.Fatalf("SetRemoteDescription(offer): %v", err)
	}
	if err := callee.AttachLocalTracks(); err != nil {
		t.Fatal(err)
	}
	answer, err := callee.CreateAnswer()
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		t.Fatalf("answer type = %s", answer.Type)
	}
	if n := len(peer.GetTransceivers()); n != 2 {
		t.Fatalf("callee has %d transceivers, want 2", n)
	}

	if err := caller.SetRemoteDescription(answer); err != nil {
		t.Fatalf("SetRemoteDescription(answer): %v", err)
	}
}

func TestTeardownTwice(t *testing.T) {
	m := newTestManager(t, &SyntheticCapturer{})
	if _, err := m.AcquireLocalMedia(signaling.CallAudio); err != nil {
		t.Fatal(err)
	}
	if _, err := m.EnsurePeerSession(nil); err != nil {
		t.Fatal(err)
	}

	m.Teardown()
	m.Teardown()

	if m.LocalMedia() != nil || m.RemoteMedia() != nil {
		t.Fatal("media handles not cleared")
	}
	if _, err := m.EnsurePeerSession(nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("EnsurePeerSession after teardown: %v, want ErrClosed", err)
	}
	if _, err := m.AcquireLocalMedia(signaling.CallAudio); !errors.Is(err, ErrClosed) {
		t.Fatalf("AcquireLocalMedia after teardown: %v, want ErrClosed", err)
	}
}

func TestCaptureErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"permission", &fs.PathError{Op: "open", Path: "/dev/video0", Err: syscall.EACCES}, ErrPermissionDenied},
		{"busy errno", fmt.Errorf("start camera: %w", syscall.EBUSY), ErrDeviceBusy},
		{"busy text", errors.New("device or resource busy"), ErrDeviceBusy},
		{"no driver", errors.New("failed to find the best driver that fits the constraints"), ErrNoDevice},
		{"already classified", &MediaAccessError{Device: "camera", Err: ErrPermissionDenied}, ErrPermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := captureError(signaling.CallVideo, "camera", tt.err)
			if !errors.Is(got, tt.want) {
				t.Errorf("captureError(%v) = %v, want %v", tt.err, got, tt.want)
			}
			if got.Device != "camera" {
				t.Errorf("device = %q", got.Device)
			}
		})
	}
}
