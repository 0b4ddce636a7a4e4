// Package call implements the call signaling state machine: one Controller
// per client owns at most one live Attempt and serializes every event that
// can move it (signaling messages, wake notifications, user intents, media
// callbacks and the ring timeout) through a single loop goroutine.
package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/1ureka/famcall/internal/media"
	"github.com/1ureka/famcall/internal/signaling"
	"github.com/1ureka/famcall/internal/util"
	"github.com/pion/webrtc/v4"
)

const (
	DefaultRingTimeout   = 45 * time.Second
	defaultTombstones    = 256
	eventQueueBufferSize = 64
)

// Config wires a Controller to its collaborators.
type Config struct {
	Self     string
	SelfName string

	Signaler Signaler
	NewMedia MediaFactory
	ICE      ICEResolver
	Ringer   Ringer
	Observer Observer // optional
	Clock    Clock    // optional, real time by default

	RingTimeout time.Duration // DefaultRingTimeout when zero
}

// Controller is the single source of truth for the local client's calls.
type Controller struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	events    chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the loop goroutine.
	attempt *Attempt
	ended   *tombstones
}

// New creates a controller and starts its loop.
func New(cfg Config) *Controller {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan func(), eventQueueBufferSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		ended:  newTombstones(defaultTombstones),
	}
	go c.loop()
	return c
}

func (c *Controller) loop() {
	defer close(c.done)
	for {
		select {
		case f := <-c.events:
			f()
		case <-c.quit:
			return
		}
	}
}

// post queues f on the loop. It reports false once the loop has stopped.
func (c *Controller) post(f func()) bool {
	select {
	case c.events <- f:
		return true
	case <-c.done:
		return false
	}
}

// do runs f on the loop and waits for its result.
func (c *Controller) do(f func() error) error {
	errc := make(chan error, 1)
	if !c.post(func() { errc <- f() }) {
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-c.done:
		return ErrClosed
	}
}

// Close hangs up any live call and stops the loop.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.do(func() error {
			if a := c.attempt; a != nil {
				c.end(a, OutcomeShutdown, c.teardownKind(a))
			}
			return nil
		})
		c.cancel()
		close(c.quit)
		<-c.done
	})
	return nil
}

// Snapshot returns the live attempt's state. ok is false when idle.
func (c *Controller) Snapshot() (s Snapshot, ok bool) {
	c.do(func() error {
		if c.attempt != nil {
			s, ok = c.attempt.snapshot(), true
		}
		return nil
	})
	return s, ok
}

// ── User intents ────────────────────────────────────────────────────────────

// Start places a call to remote and returns the new call id.
func (c *Controller) Start(remote string, kind signaling.CallKind) (string, error) {
	var id string
	err := c.do(func() error {
		switch {
		case remote == "" || remote == c.cfg.Self:
			return ErrBadPeer
		case !kind.Valid():
			return errors.New("invalid call kind")
		case c.attempt != nil:
			return ErrBusy
		}

		now := c.cfg.Clock.Now()
		a := c.newAttempt(NewCallID(c.cfg.Self, remote, now), remote, "", kind, RoleCaller)
		id = a.ID

		c.send(signaling.Call{Header: a.header(), CallKind: kind, FromName: c.cfg.SelfName})
		c.setPhase(a, PhaseRingingOutbound)
		c.cfg.Ringer.Start(kind)
		c.armTimeout(a)

		// Best effort: warms up the permission prompt while the callee rings.
		c.async(a, func() error {
			_, err := a.media.AcquireLocalMedia(kind)
			return err
		}, func(err error) {
			if err != nil {
				c.failMedia(a, err)
			}
		})

		util.LogInfo("Calling %s (%s), call %s", remote, kind, a.ID)
		return nil
	})
	return id, err
}

// Accept answers the ringing inbound call callID.
func (c *Controller) Accept(callID string) error {
	return c.do(func() error {
		a := c.attempt
		if a == nil || a.ID != callID || a.Role != RoleCallee || a.Phase != PhaseRingingInbound {
			return ErrNoCall
		}

		c.setPhase(a, PhaseAcceptedAwaitingOffer)
		c.cfg.Ringer.Stop()
		c.clearTimeout(a)

		c.async(a, func() error {
			_, err := a.media.AcquireLocalMedia(a.Kind)
			return err
		}, func(err error) {
			if err != nil {
				c.failMedia(a, err)
				return
			}
			c.send(signaling.Accept{Header: a.header()})
		})

		util.LogInfo("Accepted call %s from %s", a.ID, a.Remote)
		return nil
	})
}

// Decline rejects the ringing inbound call callID.
func (c *Controller) Decline(callID string) error {
	return c.do(func() error {
		a := c.attempt
		if a == nil || a.ID != callID || a.Role != RoleCallee || a.Phase != PhaseRingingInbound {
			return ErrNoCall
		}
		util.LogInfo("Declined call %s from %s", a.ID, a.Remote)
		c.end(a, OutcomeRejected, signaling.KindDecline)
		return nil
	})
}

// Hangup ends the live call, whatever its phase.
func (c *Controller) Hangup() error {
	return c.do(func() error {
		a := c.attempt
		if a == nil {
			return ErrNoCall
		}
		util.LogInfo("Hung up call %s with %s", a.ID, a.Remote)
		c.end(a, OutcomeLocalHangup, c.teardownKind(a))
		return nil
	})
}

// teardownKind is the message that tells the remote this side gave up: a
// callee that has not started negotiating declines, everything else hangs up.
func (c *Controller) teardownKind(a *Attempt) signaling.Kind {
	if a.Role == RoleCallee && a.Phase < PhaseOfferReceived {
		return signaling.KindDecline
	}
	return signaling.KindHangup
}

// ── Signaling ingestion ─────────────────────────────────────────────────────

// HandleSignal is the single ingestion point for signaling messages, whether
// they come from the bus, a wake notification or a REST handler. It never
// blocks on the state machine.
func (c *Controller) HandleSignal(msg signaling.Message) {
	c.post(func() { c.handle(msg) })
}

// HandleSignalSync is HandleSignal but returns once msg has been applied.
func (c *Controller) HandleSignalSync(msg signaling.Message) error {
	return c.do(func() error {
		c.handle(msg)
		return nil
	})
}

func (c *Controller) handle(msg signaling.Message) {
	h := msg.Head()
	if h.To != c.cfg.Self {
		c.stale(msg, "addressed to "+h.To)
		return
	}
	if c.ended.has(h.CallID) {
		c.stale(msg, "call already ended")
		return
	}

	a := c.attempt
	if a == nil {
		if call, ok := msg.(signaling.Call); ok {
			c.incoming(call)
			return
		}
		c.stale(msg, "no live call")
		return
	}

	if h.CallID != a.ID {
		if call, ok := msg.(signaling.Call); ok {
			util.LogInfo("Busy, declining call %s from %s", h.CallID, h.From)
			c.send(signaling.Decline{Header: signaling.Header{From: c.cfg.Self, To: call.From, CallID: call.CallID}})
			c.ended.add(h.CallID)
			return
		}
		c.stale(msg, "different call id")
		return
	}
	if h.From != a.Remote {
		c.stale(msg, "sender is not the pinned remote "+a.Remote)
		return
	}

	switch m := msg.(type) {
	case signaling.Call:
		c.stale(msg, "duplicate call")

	case signaling.Accept:
		if a.Role != RoleCaller || a.Phase != PhaseRingingOutbound {
			c.stale(msg, "not awaiting accept in "+a.Phase.String())
			return
		}
		c.onAccepted(a)

	case signaling.Offer:
		if a.Role != RoleCallee || a.Phase != PhaseAcceptedAwaitingOffer {
			c.stale(msg, "not awaiting offer in "+a.Phase.String())
			return
		}
		c.onOffer(a, m)

	case signaling.Answer:
		if a.Role != RoleCaller || a.Phase != PhaseOfferSent {
			c.stale(msg, "not awaiting answer in "+a.Phase.String())
			return
		}
		c.onAnswer(a, m)

	case signaling.ICE:
		c.onRemoteICE(a, m.Candidate)

	case signaling.Decline:
		util.LogInfo("Call %s declined by %s", a.ID, a.Remote)
		c.cfg.Observer.Notice(Notice{Kind: NoticeDeclined, CallID: a.ID, Remote: a.Remote})
		c.end(a, OutcomeDeclined, "")

	case signaling.Hangup:
		util.LogInfo("Call %s ended by %s", a.ID, a.Remote)
		c.cfg.Observer.Notice(Notice{Kind: NoticeRemoteHangup, CallID: a.ID, Remote: a.Remote})
		c.end(a, OutcomeRemoteHangup, "")
	}
}

func (c *Controller) stale(msg signaling.Message, reason string) {
	h := msg.Head()
	err := &StaleEventError{Kind: msg.Kind(), CallID: h.CallID, From: h.From, Reason: reason}
	util.LogDebug("%v", err)
}

func (c *Controller) incoming(call signaling.Call) {
	a := c.newAttempt(call.CallID, call.From, call.FromName, call.CallKind, RoleCallee)
	c.setPhase(a, PhaseRingingInbound)
	c.cfg.Ringer.Start(a.Kind)
	c.armTimeout(a)

	name := a.RemoteName
	if name == "" {
		name = a.Remote
	}
	util.LogInfo("Incoming %s call from %s, call %s", a.Kind, name, a.ID)
	c.cfg.Observer.Notice(Notice{Kind: NoticeIncoming, CallID: a.ID, Remote: a.Remote})
}

// onAccepted runs on the caller: acquire media, create the peer session and
// send the offer. Ringing continues until the call connects.
func (c *Controller) onAccepted(a *Attempt) {
	c.setPhase(a, PhaseOfferSent)
	c.clearTimeout(a)

	var offer webrtc.SessionDescription
	c.async(a, func() error {
		if _, err := a.media.AcquireLocalMedia(a.Kind); err != nil {
			return err
		}
		servers := c.cfg.ICE.Fetch(c.ctx)
		if _, err := a.media.EnsurePeerSession(servers); err != nil {
			return &NegotiationError{Step: "create peer session", Err: err}
		}
		if err := a.media.AttachLocalTracks(); err != nil {
			return &NegotiationError{Step: "attach tracks", Err: err}
		}
		var err error
		if offer, err = a.media.CreateOffer(); err != nil {
			return &NegotiationError{Step: "create offer", Err: err}
		}
		return nil
	}, func(err error) {
		if err != nil {
			c.failMedia(a, err)
			return
		}
		c.send(signaling.Offer{Header: a.header(), SDP: offer, CallKind: a.Kind})
		util.LogDebug("Offer sent for call %s", a.ID)
	})
}

// onOffer runs on the callee: apply the offer, drain early candidates, then
// answer.
func (c *Controller) onOffer(a *Attempt, m signaling.Offer) {
	if m.CallKind != a.Kind {
		util.LogDebug("Offer for call %s says %s, keeping %s", a.ID, m.CallKind, a.Kind)
	}
	c.setPhase(a, PhaseOfferReceived)

	c.async(a, func() error {
		if _, err := a.media.AcquireLocalMedia(a.Kind); err != nil {
			return err
		}
		servers := c.cfg.ICE.Fetch(c.ctx)
		if _, err := a.media.EnsurePeerSession(servers); err != nil {
			return &NegotiationError{Step: "create peer session", Err: err}
		}
		if err := a.media.SetRemoteDescription(m.SDP); err != nil {
			return &NegotiationError{Step: "apply offer", Err: err}
		}
		return nil
	}, func(err error) {
		if err != nil {
			c.failMedia(a, err)
			return
		}
		c.drainICE(a)

		var answer webrtc.SessionDescription
		c.async(a, func() error {
			if err := a.media.AttachLocalTracks(); err != nil {
				return &NegotiationError{Step: "attach tracks", Err: err}
			}
			var err error
			if answer, err = a.media.CreateAnswer(); err != nil {
				return &NegotiationError{Step: "create answer", Err: err}
			}
			return nil
		}, func(err error) {
			if err != nil {
				c.failMedia(a, err)
				return
			}
			c.send(signaling.Answer{Header: a.header(), SDP: answer})
			c.setPhase(a, PhaseAnswered)
			util.LogDebug("Answer sent for call %s", a.ID)
			if a.media.RemoteMedia() != nil {
				c.markConnected(a)
			}
		})
	})
}

// onAnswer runs on the caller once the callee answered.
func (c *Controller) onAnswer(a *Attempt, m signaling.Answer) {
	c.setPhase(a, PhaseConnected)
	c.cfg.Ringer.Stop()

	c.async(a, func() error {
		if err := a.media.SetRemoteDescription(m.SDP); err != nil {
			return &NegotiationError{Step: "apply answer", Err: err}
		}
		return nil
	}, func(err error) {
		if err != nil {
			c.failMedia(a, err)
			return
		}
		c.drainICE(a)
		util.LogSuccess("Call %s with %s connected", a.ID, a.Remote)
	})
}

// onRemoteICE applies c right away once the remote description is set and
// buffers it otherwise.
func (c *Controller) onRemoteICE(a *Attempt, cand webrtc.ICECandidateInit) {
	if !a.remoteSet {
		a.pendingICE = append(a.pendingICE, cand)
		util.LogDebug("Buffered ice candidate for call %s (%d pending)", a.ID, len(a.pendingICE))
		return
	}
	if err := a.media.AddICECandidate(cand); err != nil {
		util.LogDebug("Add ice candidate for call %s: %v", a.ID, err)
	}
}

// drainICE marks the session ready and applies buffered candidates in
// arrival order. It runs once per attempt.
func (c *Controller) drainICE(a *Attempt) {
	if a.remoteSet {
		return
	}
	a.remoteSet = true
	queue := a.pendingICE
	a.pendingICE = nil

	for _, cand := range queue {
		if err := a.media.AddICECandidate(cand); err != nil {
			util.LogDebug("Add buffered ice candidate for call %s: %v", a.ID, err)
		}
	}
	if len(queue) > 0 {
		util.LogDebug("Applied %d buffered ice candidates for call %s", len(queue), a.ID)
	}
}

// ── Media callbacks ─────────────────────────────────────────────────────────

// mediaEvents routes pion callbacks for attempt a through the loop. Results
// for an attempt that is no longer live are dropped.
func (c *Controller) mediaEvents(a *Attempt) media.Events {
	live := func() bool { return c.attempt == a && a.Phase != PhaseEnded }

	return media.Events{
		OnLocalCandidate: func(cand webrtc.ICECandidateInit) {
			c.post(func() {
				if live() {
					c.send(signaling.ICE{Header: a.header(), Candidate: cand})
				}
			})
		},
		OnRemoteTrack: func(*webrtc.TrackRemote) {
			c.post(func() {
				if live() {
					c.markConnected(a)
				}
			})
		},
		OnStateChange: func(s webrtc.PeerConnectionState) {
			c.post(func() {
				if !live() {
					return
				}
				util.LogDebug("Call %s peer state %s", a.ID, s)
				switch s {
				case webrtc.PeerConnectionStateConnected:
					c.markConnected(a)
				case webrtc.PeerConnectionStateFailed:
					c.failMedia(a, &NegotiationError{Step: "ice", Err: errors.New("peer connection failed")})
				}
			})
		},
	}
}

func (c *Controller) markConnected(a *Attempt) {
	if a.Phase == PhaseAnswered {
		c.setPhase(a, PhaseConnected)
		util.LogSuccess("Call %s with %s connected", a.ID, a.Remote)
		return
	}
	if a.Phase == PhaseConnected {
		// A track arriving later (e.g. video after audio) still changes what
		// observers can render.
		c.cfg.Observer.PhaseChanged(a.snapshot())
	}
}

// failMedia ends a with the user-visible notice matching err.
func (c *Controller) failMedia(a *Attempt, err error) {
	var mae *media.MediaAccessError
	if errors.As(err, &mae) {
		util.LogWarning("Call %s: %v", a.ID, err)
		c.cfg.Observer.Notice(Notice{Kind: NoticeMediaDenied, CallID: a.ID, Remote: a.Remote, Err: err})
		c.end(a, OutcomeMediaError, c.teardownKind(a))
		return
	}
	util.LogError("Call %s failed: %v", a.ID, err)
	c.cfg.Observer.Notice(Notice{Kind: NoticeCallFailed, CallID: a.ID, Remote: a.Remote, Err: err})
	c.end(a, OutcomeFailed, signaling.KindHangup)
}

// async runs work off the loop and then applies its result on the loop,
// unless a has ended or been replaced in the meantime.
func (c *Controller) async(a *Attempt, work func() error, then func(error)) {
	go func() {
		err := work()
		c.post(func() {
			if c.attempt != a || a.Phase == PhaseEnded {
				util.LogDebug("Discarding async result for ended call %s", a.ID)
				return
			}
			then(err)
		})
	}()
}

// ── Lifecycle ───────────────────────────────────────────────────────────────

func (c *Controller) newAttempt(id, remote, remoteName string, kind signaling.CallKind, role Role) *Attempt {
	a := &Attempt{
		ID:         id,
		Local:      c.cfg.Self,
		Remote:     remote,
		RemoteName: remoteName,
		Kind:       kind,
		Role:       role,
		Phase:      PhaseIdle,
		CreatedAt:  c.cfg.Clock.Now(),
	}
	a.media = c.cfg.NewMedia(c.mediaEvents(a))
	c.attempt = a
	return a
}

// setPhase moves a forward. Backward moves are refused.
func (c *Controller) setPhase(a *Attempt, p Phase) {
	if p <= a.Phase && p != PhaseEnded {
		util.LogDebug("Call %s: refusing phase %s after %s", a.ID, p, a.Phase)
		return
	}
	util.LogDebug("Call %s: %s -> %s", a.ID, a.Phase, p)
	a.Phase = p
	phaseTransitions.WithLabelValues(p.String()).Inc()
	c.cfg.Observer.PhaseChanged(a.snapshot())
}

func (c *Controller) armTimeout(a *Attempt) {
	d := c.cfg.RingTimeout
	a.Deadline = c.cfg.Clock.Now().Add(d)

	var t Timer
	t = c.cfg.Clock.AfterFunc(d, func() {
		c.post(func() {
			if c.attempt != a || a.timer != t || !a.Phase.Ringing() {
				return
			}
			c.onTimeout(a)
		})
	})
	a.timer = t
}

func (c *Controller) clearTimeout(a *Attempt) {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.Deadline = time.Time{}
}

// onTimeout behaves exactly as if the counterpart had declined (outbound)
// or the user had declined (inbound).
func (c *Controller) onTimeout(a *Attempt) {
	if a.Role == RoleCaller {
		util.LogInfo("No answer from %s, call %s", a.Remote, a.ID)
		c.cfg.Observer.Notice(Notice{Kind: NoticeNoAnswer, CallID: a.ID, Remote: a.Remote})
		c.end(a, OutcomeTimeout, signaling.KindHangup)
		return
	}
	util.LogInfo("Missed call %s from %s", a.ID, a.Remote)
	c.cfg.Observer.Notice(Notice{Kind: NoticeMissed, CallID: a.ID, Remote: a.Remote})
	c.end(a, OutcomeTimeout, signaling.KindDecline)
}

// end is the one transition allowed from every phase. publish, when set, is
// the teardown message sent to the remote. Calling it on an ended attempt
// does nothing.
func (c *Controller) end(a *Attempt, outcome Outcome, publish signaling.Kind) {
	if a.Phase == PhaseEnded || a.Phase == PhaseEnding {
		return
	}
	c.clearTimeout(a)
	c.setPhase(a, PhaseEnding)

	switch publish {
	case signaling.KindHangup:
		c.send(signaling.Hangup{Header: a.header()})
	case signaling.KindDecline:
		c.send(signaling.Decline{Header: a.header()})
	}

	c.cfg.Ringer.Stop()
	a.media.Teardown()
	a.pendingICE = nil

	c.ended.add(a.ID)
	c.setPhase(a, PhaseEnded)
	if c.attempt == a {
		c.attempt = nil
	}
	callsTotal.WithLabelValues(string(a.Role), string(outcome)).Inc()
	util.LogDebug("Call %s ended (%s)", a.ID, outcome)
}

func (c *Controller) send(msg signaling.Message) {
	c.cfg.Signaler.Send(msg)
}
