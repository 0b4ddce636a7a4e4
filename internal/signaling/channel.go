package signaling

import (
	"context"
	"sync"

	"github.com/1ureka/famcall/internal/bus"
	"github.com/1ureka/famcall/internal/util"
)

const dedupeWindowSize = 1024

// Channel translates signaling messages to and from bus events for one local
// user. Inbound messages addressed to another user are discarded, and
// duplicate deliveries (same callId, kind, sender and, for ice, candidate)
// are dropped. Outbound messages leave through a single ordered writer.
type Channel struct {
	self string
	bus  bus.Bus
	out  *outbox
	seen *window

	mu      sync.Mutex
	closed  bool
	cancels []func()
}

// NewChannel creates a channel for the local user self on b.
// onError, if non-nil, is called for every message that could not be
// delivered; it runs on the outbox goroutine.
func NewChannel(self string, b bus.Bus, onError func(*DeliveryError)) *Channel {
	return &Channel{
		self: self,
		bus:  b,
		out:  newOutbox(b, onError),
		seen: newWindow(dedupeWindowSize),
	}
}

// Self returns the local user id.
func (c *Channel) Self() string { return c.self }

// Listen subscribes to every message kind and calls fn for each inbound
// message that passes target filtering and de-duplication.
func (c *Channel) Listen(fn func(Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, k := range Kinds {
		cancel := c.bus.Subscribe(string(k), func(payload []byte) {
			msg, err := Decode(payload)
			if err != nil {
				util.LogDebug("dropping undecodable %s payload: %v", k, err)
				signalsTotal.WithLabelValues(string(k), "dropped").Inc()
				return
			}
			if msg.Kind() != k {
				util.LogDebug("dropping %s payload published under %s", msg.Kind(), k)
				signalsTotal.WithLabelValues(string(k), "dropped").Inc()
				return
			}
			if !c.Accept(msg) {
				signalsTotal.WithLabelValues(string(k), "dropped").Inc()
				return
			}
			signalsTotal.WithLabelValues(string(k), "in").Inc()
			fn(msg)
		})
		c.cancels = append(c.cancels, cancel)
	}
}

// Accept applies target filtering and de-duplication to msg and reports
// whether it should be handled. Listen uses it for bus traffic; other
// ingestion paths can use it to share the same duplicate window.
func (c *Channel) Accept(msg Message) bool {
	h := msg.Head()
	if h.To != c.self {
		return false
	}
	if !c.seen.add(dedupeKey(msg)) {
		util.LogDebug("duplicate %s for call %s from %s, ignoring", msg.Kind(), h.CallID, h.From)
		return false
	}
	return true
}

// Send enqueues msg for publication. It never blocks the caller on the
// network; delivery failures are reported through the onError callback.
func (c *Channel) Send(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		util.LogDebug("channel closed, not sending %s", msg.Kind())
		return
	}
	c.out.inbox <- msg
}

// Close unsubscribes from the bus and waits until queued messages are
// published or ctx is done. The bus itself is owned by the caller.
func (c *Channel) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, cancel := range c.cancels {
		cancel()
	}
	close(c.out.inbox)
	c.mu.Unlock()

	select {
	case <-c.out.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func dedupeKey(msg Message) uint64 {
	h := msg.Head()
	if ice, ok := msg.(ICE); ok {
		return util.Fingerprint(h.CallID, string(msg.Kind()), h.From, ice.Candidate.Candidate)
	}
	return util.Fingerprint(h.CallID, string(msg.Kind()), h.From)
}

// window remembers the last size keys.
type window struct {
	mu   sync.Mutex
	keys map[uint64]struct{}
	ring []uint64
	next int
}

func newWindow(size int) *window {
	return &window{keys: make(map[uint64]struct{}, size), ring: make([]uint64, 0, size)}
}

// add records key and reports whether it was new.
func (w *window) add(key uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.keys[key]; ok {
		return false
	}
	if len(w.ring) < cap(w.ring) {
		w.ring = append(w.ring, key)
	} else {
		delete(w.keys, w.ring[w.next])
		w.ring[w.next] = key
		w.next = (w.next + 1) % len(w.ring)
	}
	w.keys[key] = struct{}{}
	return true
}
