// Package bus provides the broadcast bus that moves signaling payloads between
// clients that cannot reach each other directly.
//
// Delivery contract for every implementation: a published payload reaches all
// other connected peers eventually and at least once. There is no ordering
// across events; payloads of one event from one producer are delivered in
// publish order on a best-effort basis. Publishers never receive their own
// payloads.
package bus

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("bus closed")

// Handler receives one payload published under the subscribed event.
type Handler func(payload []byte)

// Bus is the publish/subscribe relay used by the signaling channel.
type Bus interface {
	Publish(ctx context.Context, event string, payload []byte) error
	Subscribe(event string, fn Handler) (cancel func())
	Close() error
}

// subscribers is the handler table shared by the bus implementations.
type subscribers struct {
	mu   sync.RWMutex
	next int
	subs map[string]map[int]Handler
}

func (s *subscribers) add(event string, fn Handler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subs == nil {
		s.subs = make(map[string]map[int]Handler)
	}
	if s.subs[event] == nil {
		s.subs[event] = make(map[int]Handler)
	}
	id := s.next
	s.next++
	s.subs[event][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs[event], id)
			s.mu.Unlock()
		})
	}
}

// dispatch calls every handler subscribed to event. Handlers run on the
// caller's goroutine, one after another.
func (s *subscribers) dispatch(event string, payload []byte) {
	s.mu.RLock()
	handlers := make([]Handler, 0, len(s.subs[event]))
	for _, fn := range s.subs[event] {
		handlers = append(handlers, fn)
	}
	s.mu.RUnlock()

	for _, fn := range handlers {
		fn(payload)
	}
}
