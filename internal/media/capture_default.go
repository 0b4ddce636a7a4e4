//go:build !linux || !cgo

package media

import "github.com/1ureka/famcall/internal/util"

// DefaultCapturer returns a synthetic capturer; device capture needs the
// cgo drivers available on linux.
func DefaultCapturer() (Capturer, error) {
	util.LogWarning("No capture drivers in this build, sending synthetic media")
	return &SyntheticCapturer{Camera: true}, nil
}
