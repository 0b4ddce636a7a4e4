package signaling

import (
	"context"
	"time"

	"github.com/1ureka/famcall/internal/bus"
	"github.com/1ureka/famcall/internal/util"
)

const (
	outboxBufferSize = 256              // outgoing message channel capacity
	publishTimeout   = 10 * time.Second // per publish attempt
)

// outbox is a goroutine-based message writer that serializes all publishes
// to one bus, so messages of one kind leave in the order they were sent.
type outbox struct {
	bus     bus.Bus
	inbox   chan Message
	done    chan struct{}
	onError func(*DeliveryError)
}

// newOutbox creates an outbox and starts its loop. The loop exits once inbox
// is closed and drained.
func newOutbox(b bus.Bus, onError func(*DeliveryError)) *outbox {
	o := &outbox{
		bus:     b,
		inbox:   make(chan Message, outboxBufferSize),
		done:    make(chan struct{}),
		onError: onError,
	}
	go o.loop()
	return o
}

// loop is the single-writer goroutine.
func (o *outbox) loop() {
	defer close(o.done)
	for msg := range o.inbox {
		o.deliver(msg)
	}
}

// deliver publishes msg. Teardown messages (hangup, decline) get one
// immediate retry; other kinds are recovered by the ring timeout instead.
func (o *outbox) deliver(msg Message) {
	data, err := Encode(msg)
	if err != nil {
		util.LogError("failed to encode %s: %v", msg.Kind(), err)
		return
	}

	err = o.publish(msg.Kind(), data)
	retried := false
	if err != nil && msg.Kind().Teardown() {
		util.LogDebug("publish %s failed, retrying once: %v", msg.Kind(), err)
		retried = true
		err = o.publish(msg.Kind(), data)
	}

	if err != nil {
		de := &DeliveryError{Kind: msg.Kind(), CallID: msg.Head().CallID, Retried: retried, Err: err}
		util.LogWarning("%v", de)
		if o.onError != nil {
			o.onError(de)
		}
		return
	}

	signalsTotal.WithLabelValues(string(msg.Kind()), "out").Inc()
}

func (o *outbox) publish(kind Kind, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return o.bus.Publish(ctx, string(kind), data)
}
