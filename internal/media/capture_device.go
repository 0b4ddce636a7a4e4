//go:build linux && cgo

package media

import (
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers the V4L2 camera driver
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the malgo microphone driver
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/famcall/internal/signaling"
	"github.com/1ureka/famcall/internal/util"
)

// DeviceCapturer opens the real microphone and camera through
// pion/mediadevices, encoding Opus and VP8 to match the peer's default codecs.
type DeviceCapturer struct {
	selector *mediadevices.CodecSelector

	mu   sync.Mutex
	busy bool
}

// NewDeviceCapturer sets up the encoders.
func NewDeviceCapturer() (*DeviceCapturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	opusParams.Latency = opus.Latency20ms

	return &DeviceCapturer{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// Open implements Capturer. It may block while the devices start.
func (c *DeviceCapturer) Open(kind signaling.CallKind) (*LocalMedia, error) {
	device := "microphone"
	if kind == signaling.CallVideo {
		device = "microphone and camera"
	}

	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return nil, &MediaAccessError{Kind: kind, Device: device, Err: ErrDeviceBusy}
	}
	c.busy = true
	c.mu.Unlock()

	free := func() {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
	}

	constraints := mediadevices.MediaStreamConstraints{
		Codec: c.selector,
		Audio: func(*mediadevices.MediaTrackConstraints) {},
	}
	if kind == signaling.CallVideo {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// Raw formats only; MJPEG nodes on some cameras break the encoder.
			mc.FrameFormat = prop.FrameFormatOneOf{frame.FormatYUYV, frame.FormatI420, frame.FormatI444, frame.FormatRGBA}
			mc.Width = prop.IntRanged{Max: 640}
			mc.Height = prop.IntRanged{Max: 480}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		free()
		return nil, captureError(kind, device, err)
	}

	tracks := stream.GetTracks()
	lm := &LocalMedia{Kind: kind}
	for _, track := range tracks {
		switch track.Kind() {
		case webrtc.RTPCodecTypeAudio:
			lm.Audio = track
		case webrtc.RTPCodecTypeVideo:
			lm.Video = track
		}
		track.OnEnded(func(err error) {
			if err != nil {
				util.LogWarning("Local %s track ended: %v", track.Kind(), err)
			}
		})
	}

	closeAll := func() {
		for _, track := range tracks {
			track.Close()
		}
	}
	switch {
	case lm.Audio == nil:
		closeAll()
		free()
		return nil, &MediaAccessError{Kind: kind, Device: "microphone", Err: ErrNoDevice}
	case kind == signaling.CallVideo && lm.Video == nil:
		closeAll()
		free()
		return nil, &MediaAccessError{Kind: kind, Device: "camera", Err: ErrNoDevice}
	}

	lm.release = func() {
		closeAll()
		free()
		util.LogDebug("Local %s devices released", kind)
	}
	util.LogDebug("Local %s devices opened (%d tracks)", kind, len(tracks))
	return lm, nil
}

// DefaultCapturer returns the device capturer.
func DefaultCapturer() (Capturer, error) {
	return NewDeviceCapturer()
}
