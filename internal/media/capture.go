package media

import (
	"sync"
	"time"

	"github.com/1ureka/famcall/internal/signaling"
	"github.com/1ureka/famcall/internal/util"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// LocalMedia is an owned capture handle: one audio track and, for video
// calls, one video track.
type LocalMedia struct {
	Kind  signaling.CallKind
	Audio webrtc.TrackLocal
	Video webrtc.TrackLocal

	stopOnce sync.Once
	release  func()
}

// Tracks returns the audio track followed by the video track, if any.
func (l *LocalMedia) Tracks() []webrtc.TrackLocal {
	out := []webrtc.TrackLocal{l.Audio}
	if l.Video != nil {
		out = append(out, l.Video)
	}
	return out
}

// Stop releases the capture devices. It is safe to call more than once.
func (l *LocalMedia) Stop() {
	l.stopOnce.Do(func() {
		if l.release != nil {
			l.release()
		}
	})
}

// Capturer opens local capture devices.
type Capturer interface {
	Open(kind signaling.CallKind) (*LocalMedia, error)
}

// opusSilence is a single 20ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// vp8Blank is a shown VP8 key frame header for a 16x16 picture followed by an
// empty first partition. Receivers only need RTP to flow; nothing decodes it.
var vp8Blank = append([]byte{
	0x10, 0x02, 0x00, // key frame, show_frame, first partition of 16 bytes
	0x9d, 0x01, 0x2a, // start code
	0x10, 0x00, 0x10, 0x00, // 16x16
}, make([]byte, 16)...)

const (
	silenceInterval = 20 * time.Millisecond
	frameInterval   = 100 * time.Millisecond // 10 fps
)

// SyntheticCapturer produces Opus and VP8 sample tracks without touching
// hardware. The audio track carries silence and the video track blank frames
// so the remote side sees RTP flowing on both. Only one handle may be open at a time, mirroring an exclusive
// capture device.
type SyntheticCapturer struct {
	// Camera reports whether a camera is present; video calls fail with
	// ErrNoDevice when false.
	Camera bool
	// Denied simulates the user refusing the permission prompt.
	Denied bool

	mu   sync.Mutex
	busy bool
}

// Open implements Capturer.
func (c *SyntheticCapturer) Open(kind signaling.CallKind) (*LocalMedia, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.Denied:
		return nil, &MediaAccessError{Kind: kind, Device: "microphone", Err: ErrPermissionDenied}
	case c.busy:
		return nil, &MediaAccessError{Kind: kind, Device: "microphone", Err: ErrDeviceBusy}
	case kind == signaling.CallVideo && !c.Camera:
		return nil, &MediaAccessError{Kind: kind, Device: "camera", Err: ErrNoDevice}
	}

	stream := uuid.NewString()
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", stream)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	lm := &LocalMedia{Kind: kind, Audio: audio}
	if kind == signaling.CallVideo {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "video", stream)
		if err != nil {
			return nil, err
		}
		lm.Video = video
		go pump(video, vp8Blank, frameInterval, done)
	}
	go pump(audio, opusSilence, silenceInterval, done)

	c.busy = true
	lm.release = func() {
		close(done)
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
		util.LogDebug("Local %s capture released", kind)
	}
	util.LogDebug("Local %s capture opened", kind)
	return lm, nil
}

// pump writes frame every interval until done is closed.
func pump(track *webrtc.TrackLocalStaticSample, frame []byte, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			// Errors before the track is bound to a sender are expected.
			_ = track.WriteSample(pionmedia.Sample{Data: frame, Duration: interval})
		}
	}
}
