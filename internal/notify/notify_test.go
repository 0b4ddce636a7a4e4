package notify

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/1ureka/famcall/internal/signaling"
	"github.com/gin-gonic/gin"
)

type fakeSink struct {
	mu       sync.Mutex
	msgs     []signaling.Message
	accepts  []string
	declines []string
}

func (s *fakeSink) HandleSignal(m signaling.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, m)
}

func (s *fakeSink) Accept(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepts = append(s.accepts, id)
	return nil
}

func (s *fakeSink) Decline(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.declines = append(s.declines, id)
	return nil
}

var _ Sink = (*fakeSink)(nil)

const callWake = `{"kind":"call","from":"alice","to":"bob","callId":"c1","callKind":"audio","fromName":"Alice"}`

func TestParseWake(t *testing.T) {
	w, err := ParseWake([]byte(strings.Replace(callWake, `}`, `,"action":"accept"}`, 1)))
	if err != nil {
		t.Fatalf("ParseWake: %v", err)
	}
	if w.Action != ActionAccept || w.Message.Kind() != signaling.KindCall {
		t.Fatalf("got %+v", w)
	}

	if _, err := ParseWake([]byte(strings.Replace(callWake, `}`, `,"action":"snooze"}`, 1))); err == nil {
		t.Fatal("expected error for unknown action")
	}
}

// TestDuplicateWakeIngestedOnce verifies de-duplication by call id.
func TestDuplicateWakeIngestedOnce(t *testing.T) {
	sink := &fakeSink{}
	a := NewAdapter("bob", sink, nil)
	a.SetReady()

	for i := 0; i < 3; i++ {
		if err := a.Deliver([]byte(callWake)); err != nil {
			t.Fatal(err)
		}
	}
	if len(sink.msgs) != 1 {
		t.Fatalf("ingested %d times, want 1", len(sink.msgs))
	}
}

// TestQueueReplayedOnce verifies wakes received before SetReady are replayed
// exactly once, with the latest action for the call.
func TestQueueReplayedOnce(t *testing.T) {
	sink := &fakeSink{}
	a := NewAdapter("bob", sink, nil)

	a.Deliver([]byte(callWake))
	a.Deliver([]byte(strings.Replace(callWake, `}`, `,"action":"decline"}`, 1)))
	a.Deliver([]byte(`{"kind":"hangup","from":"alice","to":"bob","callId":"c0"}`))
	if len(sink.msgs) != 0 {
		t.Fatal("delivered before ready")
	}

	a.SetReady()
	a.SetReady()

	if len(sink.msgs) != 2 {
		t.Fatalf("replayed %d messages, want 2", len(sink.msgs))
	}
	if sink.msgs[0].Head().CallID != "c1" || sink.msgs[1].Head().CallID != "c0" {
		t.Fatalf("replay order wrong: %v", sink.msgs)
	}
	if len(sink.declines) != 1 || sink.declines[0] != "c1" {
		t.Fatalf("declines = %v", sink.declines)
	}
}

// TestQueueUntilAttached covers start-up: wakes arriving before the sink
// exists are queued and replayed once it is attached and ready.
func TestQueueUntilAttached(t *testing.T) {
	a := NewAdapter("bob", nil, nil)
	if err := a.Deliver([]byte(callWake)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	// Not ready without a sink.
	a.SetReady()
	if err := a.Deliver([]byte(strings.Replace(callWake, `}`, `,"action":"accept"}`, 1))); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	sink := &fakeSink{}
	a.Attach(sink, nil)
	a.SetReady()

	if len(sink.msgs) != 1 || sink.msgs[0].Head().CallID != "c1" {
		t.Fatalf("replayed %v, want the c1 call once", sink.msgs)
	}
	if len(sink.accepts) != 1 || sink.accepts[0] != "c1" {
		t.Fatalf("accepts = %v", sink.accepts)
	}
}

// TestActionAfterIngest checks a notification click on an already ingested
// call still applies its action.
func TestActionAfterIngest(t *testing.T) {
	sink := &fakeSink{}
	a := NewAdapter("bob", sink, nil)
	a.SetReady()

	a.Deliver([]byte(callWake))
	a.Deliver([]byte(strings.Replace(callWake, `}`, `,"action":"accept"}`, 1)))

	if len(sink.msgs) != 1 || len(sink.accepts) != 1 {
		t.Fatalf("msgs=%d accepts=%v", len(sink.msgs), sink.accepts)
	}
}

type rejectAll struct{}

func (rejectAll) Accept(signaling.Message) bool { return false }

func TestFilterSuppressesIngest(t *testing.T) {
	sink := &fakeSink{}
	a := NewAdapter("bob", sink, rejectAll{})
	a.SetReady()
	a.Deliver([]byte(callWake))
	if len(sink.msgs) != 0 {
		t.Fatal("filtered wake was ingested")
	}
}

func TestWakeEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sink := &fakeSink{}
	a := NewAdapter("bob", sink, nil)
	a.SetReady()

	r := gin.New()
	a.Register(r)

	cases := []struct {
		body string
		want int
	}{
		{callWake, http.StatusAccepted},
		{`{"kind":"call"}`, http.StatusBadRequest},
		{strings.Replace(callWake, `"to":"bob"`, `"to":"carol"`, 1), http.StatusNotFound},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/wake", strings.NewReader(tc.body))
		r.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Errorf("body %s: status %d, want %d", tc.body, rec.Code, tc.want)
		}
	}
	if len(sink.msgs) != 1 {
		t.Fatalf("ingested %d, want 1", len(sink.msgs))
	}
}
