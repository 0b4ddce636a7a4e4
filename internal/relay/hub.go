// Package relay is the signaling relay: every frame a client sends over its
// WebSocket (or POSTs to a per-kind endpoint) is broadcast to all other
// connected clients. The relay never interprets call state; it only checks
// that frames are well formed and that senders do not impersonate others.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/1ureka/famcall/internal/bus"
	"github.com/1ureka/famcall/internal/signaling"
	"github.com/1ureka/famcall/internal/util"
)

const (
	peerOutboxSize = 64               // frames buffered per peer before it is dropped
	writeWait      = 10 * time.Second // per frame write deadline
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxFrameSize   = 64 << 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub tracks connected peers and fans frames out to them. When a bridge bus
// is set, frames are also exchanged with other relay instances through it.
type Hub struct {
	mu     sync.RWMutex
	peers  map[*peer]struct{}
	closed bool

	bridge  bus.Bus
	cancels []func()
}

// NewHub creates a hub. bridge may be nil.
func NewHub(bridge bus.Bus) *Hub {
	h := &Hub{peers: make(map[*peer]struct{}), bridge: bridge}
	if bridge != nil {
		for _, k := range signaling.Kinds {
			event := string(k)
			h.cancels = append(h.cancels, bridge.Subscribe(event, func(payload []byte) {
				h.broadcast(nil, event, payload)
			}))
		}
	}
	return h
}

// peer is one WebSocket client.
type peer struct {
	id   string
	user string // token subject, empty when the relay runs without auth
	conn *websocket.Conn
	out  chan []byte

	closeOnce sync.Once
}

// Count returns the number of connected peers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// ServeWS upgrades the request and serves the peer until it disconnects.
// user is the authenticated user id, or empty.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, user string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	p := &peer{id: uuid.NewString()[:8], user: user, conn: conn, out: make(chan []byte, peerOutboxSize)}
	if !h.add(p) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"))
		conn.Close()
		return
	}

	go h.writeLoop(p)
	h.readLoop(p)
}

func (h *Hub) add(p *peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.peers[p] = struct{}{}
	util.Stats.AddPeer()
	peersGauge.Set(float64(len(h.peers)))
	util.LogDebug("Peer %s connected (user %q)", p.id, p.user)
	return true
}

// remove unregisters p and closes its outbox, which ends its writer.
func (h *Hub) remove(p *peer) {
	h.mu.Lock()
	_, ok := h.peers[p]
	delete(h.peers, p)
	n := len(h.peers)
	h.mu.Unlock()

	if !ok {
		return
	}
	util.Stats.RemovePeer()
	peersGauge.Set(float64(n))
	p.closeOnce.Do(func() { close(p.out) })
	util.LogDebug("Peer %s disconnected", p.id)
}

func (h *Hub) readLoop(p *peer) {
	defer func() {
		h.remove(p)
		p.conn.Close()
	}()

	p.conn.SetReadLimit(maxFrameSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		util.Stats.AddIn(len(data))

		var f bus.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			util.LogDebug("Peer %s sent an invalid frame: %v", p.id, err)
			continue
		}
		if err := checkEnvelope(f.Event, f.Payload, p.user); err != nil {
			util.LogWarning("Peer %s frame rejected: %v", p.id, err)
			framesRejected.WithLabelValues(f.Event).Inc()
			continue
		}
		h.Publish(p, f.Event, f.Payload)
	}
}

func (h *Hub) writeLoop(p *peer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case data, ok := <-p.out:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			util.Stats.AddOut(len(data))

		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Publish broadcasts a validated frame to every local peer except from (nil
// for REST publishes) and forwards it to the bridge.
func (h *Hub) Publish(from *peer, event string, payload []byte) {
	framesTotal.WithLabelValues(event).Inc()
	h.broadcast(from, event, payload)

	if h.bridge != nil {
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		err := h.bridge.Publish(ctx, event, payload)
		cancel()
		if err != nil {
			util.LogWarning("Bridge publish %s failed: %v", event, err)
		}
	}
}

func (h *Hub) broadcast(from *peer, event string, payload []byte) {
	data, err := json.Marshal(bus.Frame{Event: event, Payload: payload})
	if err != nil {
		return
	}

	h.mu.RLock()
	var slow []*peer
	for p := range h.peers {
		if p == from {
			continue
		}
		select {
		case p.out <- data:
		default:
			slow = append(slow, p)
		}
	}
	h.mu.RUnlock()

	for _, p := range slow {
		util.LogWarning("Peer %s is too slow, disconnecting", p.id)
		h.remove(p)
	}
}

// Close disconnects every peer and detaches from the bridge.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	peers := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	for _, p := range peers {
		h.remove(p)
	}
	for _, cancel := range h.cancels {
		cancel()
	}
}
