// Package signaling defines the call signaling messages exchanged between two
// peers over a broadcast bus, their JSON envelope, and the Channel that maps
// them onto bus events.
package signaling

import (
	"github.com/pion/webrtc/v4"
)

// Kind identifies the kind of signaling message. It doubles as the bus event
// name and the relay REST path ("/" + kind).
type Kind string

const (
	KindCall    Kind = "call"
	KindAccept  Kind = "accept"
	KindOffer   Kind = "offer"
	KindAnswer  Kind = "answer"
	KindICE     Kind = "ice"
	KindDecline Kind = "decline"
	KindHangup  Kind = "hangup"
)

// Kinds lists every message kind in protocol order.
var Kinds = []Kind{KindCall, KindAccept, KindOffer, KindAnswer, KindICE, KindDecline, KindHangup}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	for _, v := range Kinds {
		if k == v {
			return true
		}
	}
	return false
}

// Teardown reports whether k ends a call (hangup or decline).
func (k Kind) Teardown() bool { return k == KindHangup || k == KindDecline }

// CallKind is the media kind of a call, fixed for the lifetime of one attempt.
type CallKind string

const (
	CallAudio CallKind = "audio"
	CallVideo CallKind = "video"
)

// Valid reports whether c is audio or video.
func (c CallKind) Valid() bool { return c == CallAudio || c == CallVideo }

// Header carries the addressing fields present on every message.
type Header struct {
	From   string
	To     string
	CallID string
}

// Head returns the header itself; it is promoted into every message type.
func (h Header) Head() Header { return h }

// Message is one of Call, Accept, Offer, Answer, ICE, Decline or Hangup.
type Message interface {
	Kind() Kind
	Head() Header
}

// Call asks the callee to display the incoming-call UI.
type Call struct {
	Header
	CallKind CallKind
	FromName string
}

// Accept confirms the callee wants to proceed; the caller may now offer.
type Accept struct{ Header }

// Offer carries the caller's SDP offer.
type Offer struct {
	Header
	SDP      webrtc.SessionDescription
	CallKind CallKind
}

// Answer carries the callee's SDP answer.
type Answer struct {
	Header
	SDP webrtc.SessionDescription
}

// ICE carries one trickled ICE candidate.
type ICE struct {
	Header
	Candidate webrtc.ICECandidateInit
}

// Decline rejects a call before media negotiation.
type Decline struct{ Header }

// Hangup ends an active or pending call.
type Hangup struct{ Header }

func (Call) Kind() Kind    { return KindCall }
func (Accept) Kind() Kind  { return KindAccept }
func (Offer) Kind() Kind   { return KindOffer }
func (Answer) Kind() Kind  { return KindAnswer }
func (ICE) Kind() Kind     { return KindICE }
func (Decline) Kind() Kind { return KindDecline }
func (Hangup) Kind() Kind  { return KindHangup }
