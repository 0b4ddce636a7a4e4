package media

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/1ureka/famcall/internal/signaling"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrNoDevice         = errors.New("no capture device")
	ErrDeviceBusy       = errors.New("capture device in use")

	// ErrClosed is returned by Manager operations after Teardown.
	ErrClosed = errors.New("media session torn down")
	// ErrNoPeer is returned when an operation needs the peer session before
	// EnsurePeerSession has completed.
	ErrNoPeer = errors.New("peer session not created")
)

// MediaAccessError reports that local capture could not be opened. It wraps
// one of ErrPermissionDenied, ErrNoDevice or ErrDeviceBusy.
type MediaAccessError struct {
	Kind   signaling.CallKind
	Device string
	Err    error
}

func (e *MediaAccessError) Error() string {
	return fmt.Sprintf("acquire %s media (%s): %v", e.Kind, e.Device, e.Err)
}

func (e *MediaAccessError) Unwrap() error { return e.Err }

// captureError classifies a capture driver failure. Permission and busy
// errnos map to their sentinels; anything else, including no driver matching
// the constraints, counts as a missing device.
func captureError(kind signaling.CallKind, device string, err error) *MediaAccessError {
	var mae *MediaAccessError
	if errors.As(err, &mae) {
		return mae
	}

	reason := ErrNoDevice
	switch {
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		reason = ErrPermissionDenied
	case errors.Is(err, syscall.EBUSY), strings.Contains(err.Error(), "busy"):
		reason = ErrDeviceBusy
	}
	return &MediaAccessError{Kind: kind, Device: device, Err: fmt.Errorf("%w: %v", reason, err)}
}
