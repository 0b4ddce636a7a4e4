package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/famcall/internal/util"
)

const wsWriteTimeout = 10 * time.Second

// Frame is the JSON structure exchanged with the relay over the WebSocket.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// WS is a Bus backed by a WebSocket connection to the relay, which
// rebroadcasts every frame to all other connected peers.
type WS struct {
	conn *websocket.Conn
	subs subscribers

	mu sync.Mutex // serializes writes

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

var _ Bus = (*WS)(nil)

// DialWS connects to the relay at wsURL. A non-empty token is passed as the
// "token" query parameter, e.g.:
//
//	ws://relay.local:8080/ws?token=eyJhbGciOi...
func DialWS(ctx context.Context, wsURL, token string) (*WS, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay URL %q: %w", wsURL, err)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}

	w := &WS{conn: conn, done: make(chan struct{})}
	go w.readLoop()
	return w, nil
}

// Publish writes one frame to the relay.
func (w *WS) Publish(ctx context.Context, event string, payload []byte) error {
	select {
	case <-w.done:
		return ErrClosed
	default:
	}

	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(deadline)
	return w.conn.WriteJSON(Frame{Event: event, Payload: payload})
}

// Subscribe registers fn for event.
func (w *WS) Subscribe(event string, fn Handler) func() {
	return w.subs.add(event, fn)
}

// Done is closed when the connection to the relay is lost or closed.
func (w *WS) Done() <-chan struct{} { return w.done }

// Err returns the read error that ended the connection, if any.
func (w *WS) Err() error {
	select {
	case <-w.done:
		return w.err
	default:
		return nil
	}
}

// Close closes the relay connection. Safe to call multiple times.
func (w *WS) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		w.mu.Unlock()
		err = w.conn.Close()
	})
	return err
}

func (w *WS) readLoop() {
	defer close(w.done)
	for {
		var f Frame
		if err := w.conn.ReadJSON(&f); err != nil {
			w.err = err
			w.Close()
			return
		}
		if f.Event == "" {
			util.LogDebug("relay frame without event, ignoring")
			continue
		}
		w.subs.dispatch(f.Event, f.Payload)
	}
}
