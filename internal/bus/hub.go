package bus

import (
	"context"
	"sync"

	"github.com/1ureka/famcall/internal/util"
)

const endpointInboxSize = 256

// Hub is an in-process broadcast bus. Every Join returns an endpoint; a
// payload published on one endpoint is delivered to all the others.
type Hub struct {
	mu        sync.Mutex
	endpoints map[*Endpoint]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{endpoints: make(map[*Endpoint]struct{})}
}

// Join attaches a new endpoint to the hub.
func (h *Hub) Join() *Endpoint {
	e := &Endpoint{
		hub:   h,
		inbox: make(chan hubFrame, endpointInboxSize),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	h.endpoints[e] = struct{}{}
	h.mu.Unlock()

	go e.loop()
	return e
}

func (h *Hub) leave(e *Endpoint) {
	h.mu.Lock()
	delete(h.endpoints, e)
	h.mu.Unlock()
}

func (h *Hub) others(self *Endpoint) []*Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]*Endpoint, 0, len(h.endpoints))
	for e := range h.endpoints {
		if e != self {
			out = append(out, e)
		}
	}
	return out
}

type hubFrame struct {
	event   string
	payload []byte
}

// Endpoint is one peer's view of a Hub. It implements Bus.
type Endpoint struct {
	hub   *Hub
	subs  subscribers
	inbox chan hubFrame

	done      chan struct{}
	closeOnce sync.Once
}

var _ Bus = (*Endpoint)(nil)

// Publish enqueues payload on every other endpoint. A full inbox drops the
// payload for that endpoint only.
func (e *Endpoint) Publish(ctx context.Context, event string, payload []byte) error {
	select {
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	for _, peer := range e.hub.others(e) {
		peer.enqueue(hubFrame{event: event, payload: append([]byte(nil), payload...)})
	}
	return nil
}

func (e *Endpoint) enqueue(f hubFrame) {
	select {
	case <-e.done:
	case e.inbox <- f:
	default:
		util.LogWarning("hub endpoint inbox full, dropping %q event", f.event)
	}
}

// Subscribe registers fn for event.
func (e *Endpoint) Subscribe(event string, fn Handler) func() {
	return e.subs.add(event, fn)
}

// Close detaches the endpoint. Safe to call multiple times.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.hub.leave(e)
		close(e.done)
	})
	return nil
}

// loop is the single delivery goroutine; it keeps per-endpoint FIFO order.
func (e *Endpoint) loop() {
	for {
		select {
		case f := <-e.inbox:
			e.subs.dispatch(f.event, f.payload)
		case <-e.done:
			return
		}
	}
}
