package bus

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// REST publishes through the relay's request/response endpoints (one POST
// path per event) and subscribes through an inner bus.
type REST struct {
	base   string
	token  string
	client *http.Client
	inner  Bus
}

var _ Bus = (*REST)(nil)

// NewREST creates a REST publisher rooted at base, e.g. "http://relay:8080".
func NewREST(base, token string, inner Bus) *REST {
	return &REST{
		base:   strings.TrimRight(base, "/"),
		token:  token,
		client: &http.Client{Timeout: 10 * time.Second},
		inner:  inner,
	}
}

// Publish POSTs payload to <base>/<event>.
func (r *REST) Publish(ctx context.Context, event string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+"/"+event, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("relay rejected %s: %s", event, resp.Status)
	}
	return nil
}

// Subscribe delegates to the inner bus.
func (r *REST) Subscribe(event string, fn Handler) func() {
	return r.inner.Subscribe(event, fn)
}

// Close closes the inner bus.
func (r *REST) Close() error {
	return r.inner.Close()
}
