package call

// Phase is the lifecycle position of a call attempt. Values are ordered so
// that every legal transition moves forward, except into PhaseEnded.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRingingOutbound
	PhaseRingingInbound
	PhaseAcceptedAwaitingOffer
	PhaseOfferSent
	PhaseOfferReceived
	PhaseAnswered
	PhaseConnected
	PhaseEnding
	PhaseEnded
)

var phaseNames = [...]string{
	PhaseIdle:                  "idle",
	PhaseRingingOutbound:       "ringing-outbound",
	PhaseRingingInbound:        "ringing-inbound",
	PhaseAcceptedAwaitingOffer: "accepted-awaiting-offer",
	PhaseOfferSent:             "offer-sent",
	PhaseOfferReceived:         "offer-received",
	PhaseAnswered:              "answered",
	PhaseConnected:             "connected",
	PhaseEnding:                "ending",
	PhaseEnded:                 "ended",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

// Ringing reports whether p is one of the two phases guarded by the ring timeout.
func (p Phase) Ringing() bool {
	return p == PhaseRingingOutbound || p == PhaseRingingInbound
}

// Role is fixed when an attempt is created.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Outcome describes how an attempt ended.
type Outcome string

const (
	OutcomeLocalHangup  Outcome = "local_hangup"
	OutcomeRemoteHangup Outcome = "remote_hangup"
	OutcomeDeclined     Outcome = "declined"
	OutcomeRejected     Outcome = "rejected"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeMediaError   Outcome = "media_error"
	OutcomeFailed       Outcome = "failed"
	OutcomeShutdown     Outcome = "shutdown"
)
