package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// ErrMalformed is returned by Decode for payloads that are not a valid envelope.
var ErrMalformed = errors.New("malformed signaling envelope")

// envelope is the JSON structure carried on the bus and the relay endpoints.
// Kind-specific fields are optional on the wire; Decode enforces them.
type envelope struct {
	Kind      Kind                       `json:"kind"`
	From      string                     `json:"from"`
	To        string                     `json:"to"`
	CallID    string                     `json:"callId"`
	CallKind  CallKind                   `json:"callKind,omitempty"`
	FromName  string                     `json:"fromName,omitempty"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// Encode serializes a Message into its JSON envelope.
func Encode(msg Message) ([]byte, error) {
	h := msg.Head()
	env := envelope{Kind: msg.Kind(), From: h.From, To: h.To, CallID: h.CallID}

	switch m := msg.(type) {
	case Call:
		env.CallKind = m.CallKind
		env.FromName = m.FromName
	case Offer:
		sdp := m.SDP
		env.SDP = &sdp
		env.CallKind = m.CallKind
	case Answer:
		sdp := m.SDP
		env.SDP = &sdp
	case ICE:
		c := m.Candidate
		env.Candidate = &c
	case Accept, Decline, Hangup:
	default:
		return nil, fmt.Errorf("cannot encode message of type %T", msg)
	}

	return json.Marshal(env)
}

// Decode parses a JSON envelope into the matching Message variant, checking
// that the fields required by its kind are present.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if env.From == "" || env.To == "" || env.CallID == "" {
		return nil, fmt.Errorf("%w: from, to and callId are required", ErrMalformed)
	}
	h := Header{From: env.From, To: env.To, CallID: env.CallID}

	switch env.Kind {
	case KindCall:
		if !env.CallKind.Valid() {
			return nil, fmt.Errorf("%w: call needs callKind audio|video, got %q", ErrMalformed, env.CallKind)
		}
		return Call{Header: h, CallKind: env.CallKind, FromName: env.FromName}, nil

	case KindAccept:
		return Accept{Header: h}, nil

	case KindOffer:
		if env.SDP == nil || env.SDP.Type != webrtc.SDPTypeOffer {
			return nil, fmt.Errorf("%w: offer needs an sdp of type offer", ErrMalformed)
		}
		if !env.CallKind.Valid() {
			return nil, fmt.Errorf("%w: offer needs callKind audio|video, got %q", ErrMalformed, env.CallKind)
		}
		return Offer{Header: h, SDP: *env.SDP, CallKind: env.CallKind}, nil

	case KindAnswer:
		if env.SDP == nil || env.SDP.Type != webrtc.SDPTypeAnswer {
			return nil, fmt.Errorf("%w: answer needs an sdp of type answer", ErrMalformed)
		}
		return Answer{Header: h, SDP: *env.SDP}, nil

	case KindICE:
		if env.Candidate == nil || env.Candidate.Candidate == "" {
			return nil, fmt.Errorf("%w: ice needs a candidate", ErrMalformed)
		}
		return ICE{Header: h, Candidate: *env.Candidate}, nil

	case KindDecline:
		return Decline{Header: h}, nil

	case KindHangup:
		return Hangup{Header: h}, nil

	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformed, env.Kind)
	}
}
