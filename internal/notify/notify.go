// Package notify turns out-of-band wake events (a push payload, a click on a
// system notification) into signaling messages for the call controller.
package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/famcall/internal/signaling"
	"github.com/1ureka/famcall/internal/util"
)

// Action is what the user chose on a notification, if anything.
type Action string

const (
	ActionNone    Action = ""
	ActionAccept  Action = "accept"
	ActionDecline Action = "decline"
)

const (
	maxQueued   = 64
	maxRemember = 512
)

// Sink is the call controller's ingestion surface.
type Sink interface {
	HandleSignal(msg signaling.Message)
	Accept(callID string) error
	Decline(callID string) error
}

// Filter shares de-duplication with the bus path; *signaling.Channel
// implements it.
type Filter interface {
	Accept(msg signaling.Message) bool
}

// Wake is one decoded wake event.
type Wake struct {
	Message signaling.Message
	Action  Action
}

// ParseWake decodes a wake payload: a signaling envelope with an optional
// "action" field.
func ParseWake(data []byte) (Wake, error) {
	msg, err := signaling.Decode(data)
	if err != nil {
		return Wake{}, err
	}
	var extra struct {
		Action Action `json:"action"`
	}
	if err := json.Unmarshal(data, &extra); err != nil {
		return Wake{}, err
	}
	switch extra.Action {
	case ActionNone, ActionAccept, ActionDecline:
	default:
		return Wake{}, fmt.Errorf("unknown action %q", extra.Action)
	}
	return Wake{Message: msg, Action: extra.Action}, nil
}

// Adapter feeds wakes into a Sink. Until SetReady is called wakes are
// queued; each queued wake is replayed exactly once.
type Adapter struct {
	self   string
	sink   Sink
	filter Filter

	mu      sync.Mutex
	ready   bool
	queue   []Wake
	seen    map[string]struct{}
	seenIDs []string
}

// NewAdapter creates an adapter for local user self. filter may be nil. sink
// may be nil when the adapter has to accept wakes before the controller
// exists; Attach supplies it later.
func NewAdapter(self string, sink Sink, filter Filter) *Adapter {
	return &Adapter{self: self, sink: sink, filter: filter, seen: make(map[string]struct{})}
}

// Attach sets the sink and filter. It must happen before SetReady.
func (a *Adapter) Attach(sink Sink, filter Filter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sink, a.filter = sink, filter
}

// ErrNotForUs is returned for wakes addressed to another user.
var ErrNotForUs = errors.New("wake addressed to another user")

// Deliver parses data and ingests it.
func (a *Adapter) Deliver(data []byte) error {
	w, err := ParseWake(data)
	if err != nil {
		return err
	}
	return a.DeliverWake(w)
}

// DeliverWake ingests a decoded wake, or queues it when not ready.
func (a *Adapter) DeliverWake(w Wake) error {
	if w.Message.Head().To != a.self {
		return ErrNotForUs
	}

	a.mu.Lock()
	if !a.ready {
		a.enqueue(w)
		a.mu.Unlock()
		util.LogDebug("Queued wake %s for call %s", w.Message.Kind(), w.Message.Head().CallID)
		return nil
	}
	a.mu.Unlock()

	a.dispatch(w)
	return nil
}

// enqueue merges wakes for the same call and kind, keeping the latest
// action. Caller must hold a.mu.
func (a *Adapter) enqueue(w Wake) {
	h := w.Message.Head()
	for i, q := range a.queue {
		qh := q.Message.Head()
		if qh.CallID == h.CallID && q.Message.Kind() == w.Message.Kind() {
			if w.Action != ActionNone {
				a.queue[i].Action = w.Action
			}
			return
		}
	}
	if len(a.queue) >= maxQueued {
		util.LogWarning("Wake queue full, dropping oldest")
		a.queue = a.queue[1:]
	}
	a.queue = append(a.queue, w)
}

// SetReady replays queued wakes in arrival order and switches to direct
// delivery. Later calls do nothing.
func (a *Adapter) SetReady() {
	a.mu.Lock()
	if a.ready {
		a.mu.Unlock()
		return
	}
	if a.sink == nil {
		a.mu.Unlock()
		util.LogWarning("Wake adapter has no sink yet, still queueing")
		return
	}
	a.ready = true
	queue := a.queue
	a.queue = nil
	a.mu.Unlock()

	if len(queue) > 0 {
		util.LogDebug("Replaying %d queued wakes", len(queue))
	}
	for _, w := range queue {
		a.dispatch(w)
	}
}

func (a *Adapter) dispatch(w Wake) {
	msg := w.Message
	id := msg.Head().CallID

	if a.firstSight(id, msg.Kind()) && (a.filter == nil || a.filter.Accept(msg)) {
		a.sink.HandleSignal(msg)
	} else {
		util.LogDebug("Wake %s for call %s already ingested", msg.Kind(), id)
	}

	var err error
	switch w.Action {
	case ActionAccept:
		err = a.sink.Accept(id)
	case ActionDecline:
		err = a.sink.Decline(id)
	}
	if err != nil {
		util.LogDebug("Wake action %s for call %s: %v", w.Action, id, err)
	}
}

// firstSight records (callID, kind) and reports whether it was new.
func (a *Adapter) firstSight(callID string, kind signaling.Kind) bool {
	key := callID + "/" + string(kind)

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.seen[key]; ok {
		return false
	}
	if len(a.seenIDs) >= maxRemember {
		delete(a.seen, a.seenIDs[0])
		a.seenIDs = a.seenIDs[1:]
	}
	a.seen[key] = struct{}{}
	a.seenIDs = append(a.seenIDs, key)
	return true
}
