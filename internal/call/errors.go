package call

import (
	"errors"
	"fmt"

	"github.com/1ureka/famcall/internal/signaling"
)

var (
	ErrClosed  = errors.New("call controller closed")
	ErrBusy    = errors.New("another call is in progress")
	ErrNoCall  = errors.New("no matching call")
	ErrBadPeer = errors.New("invalid remote user")
)

// StaleEventError describes a signaling event that does not belong to the
// live attempt. It is only ever logged.
type StaleEventError struct {
	Kind   signaling.Kind
	CallID string
	From   string
	Reason string
}

func (e *StaleEventError) Error() string {
	return fmt.Sprintf("stale %s for call %s from %s: %s", e.Kind, e.CallID, e.From, e.Reason)
}

// NegotiationError is an unrecoverable failure while building or applying a
// session description.
type NegotiationError struct {
	Step string
	Err  error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation failed at %s: %v", e.Step, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }
