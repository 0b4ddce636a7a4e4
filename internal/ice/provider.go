package ice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/1ureka/famcall/internal/util"
)

const defaultFetchTimeout = 5 * time.Second

// Source fetches a server list from somewhere; it may fail.
type Source interface {
	Fetch(ctx context.Context) ([]Server, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]Server, error)

func (f SourceFunc) Fetch(ctx context.Context) ([]Server, error) { return f(ctx) }

// Provider resolves ICE servers for calls. The first successful non-empty
// result is cached for the lifetime of the Provider; failures are not cached,
// so a later call retries the source.
type Provider struct {
	source   Source
	fallback []Server
	timeout  time.Duration

	mu     sync.Mutex
	cached []Server
}

// NewProvider creates a provider over source (which may be nil, meaning
// fallback only). fallbackURL empty selects DefaultFallbackURL.
func NewProvider(source Source, fallbackURL string) *Provider {
	return &Provider{source: source, fallback: Fallback(fallbackURL), timeout: defaultFetchTimeout}
}

// Fetch returns the server list. It never returns an empty list.
func (p *Provider) Fetch(ctx context.Context) []Server {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil {
		return p.cached
	}
	if p.source == nil {
		return p.fallback
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	servers, err := p.source.Fetch(ctx)
	if err == nil {
		servers = usable(servers)
		if len(servers) == 0 {
			err = errors.New("empty server list")
		}
	}
	if err != nil {
		var re *ResolutionError
		if !errors.As(err, &re) {
			err = &ResolutionError{Source: "source", Err: err}
		}
		util.LogDebug("%v, using fallback", err)
		return p.fallback
	}

	p.cached = servers
	util.LogDebug("Resolved %d ice servers", len(servers))
	return servers
}

// HTTPSource fetches {iceServers:[...]} from an ICE resolution endpoint
// such as the relay's /api/ice.
type HTTPSource struct {
	URL    string
	Token  string
	Client *http.Client
}

func (s *HTTPSource) Fetch(ctx context.Context) ([]Server, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, &ResolutionError{Source: s.URL, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &ResolutionError{Source: s.URL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		io.Copy(io.Discard, resp.Body)
		return nil, &ResolutionError{Source: s.URL, Err: fmt.Errorf("status %s", resp.Status)}
	}

	var body Response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &ResolutionError{Source: s.URL, Err: err}
	}
	return body.IceServers, nil
}
