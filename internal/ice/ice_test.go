package ice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestURLsAcceptStringOrArray(t *testing.T) {
	var servers []Server
	data := `[{"urls":"stun:a:1"},{"urls":["turn:b:2","turns:b:3"],"username":"u","credential":"c"}]`
	if err := json.Unmarshal([]byte(data), &servers); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(servers) != 2 || len(servers[0].URLs) != 1 || len(servers[1].URLs) != 2 {
		t.Fatalf("got %+v", servers)
	}

	w := servers[1].WebRTC()
	if w.Username != "u" || w.Credential != "c" {
		t.Errorf("WebRTC() = %+v", w)
	}
}

// TestProviderFallsBackOnError verifies that failures yield the STUN
// fallback and are retried on the next call.
func TestProviderFallsBackOnError(t *testing.T) {
	var calls atomic.Int32
	src := SourceFunc(func(context.Context) ([]Server, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("network down")
		}
		return []Server{{URLs: URLs{"turn:relay:3478"}}}, nil
	})
	p := NewProvider(src, "")

	got := p.Fetch(context.Background())
	if len(got) != 1 || got[0].URLs[0] != DefaultFallbackURL {
		t.Fatalf("first Fetch = %+v, want fallback", got)
	}

	got = p.Fetch(context.Background())
	if len(got) != 1 || got[0].URLs[0] != "turn:relay:3478" {
		t.Fatalf("second Fetch = %+v, want upstream", got)
	}

	p.Fetch(context.Background())
	if n := calls.Load(); n != 2 {
		t.Fatalf("source called %d times, want 2 (success cached)", n)
	}
}

func TestProviderNeverEmpty(t *testing.T) {
	p := NewProvider(SourceFunc(func(context.Context) ([]Server, error) {
		return []Server{{}}, nil
	}), "stun:custom:3478")

	got := p.Fetch(context.Background())
	if len(got) != 1 || got[0].URLs[0] != "stun:custom:3478" {
		t.Fatalf("Fetch = %+v, want custom fallback", got)
	}
}

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"iceServers":[{"urls":"turn:x:3478","username":"u","credential":"p"}]}`))
	}))
	defer srv.Close()

	got, err := (&HTTPSource{URL: srv.URL, Token: "tok"}).Fetch(context.Background())
	if err != nil || len(got) != 1 || got[0].Username != "u" {
		t.Fatalf("Fetch = %+v, %v", got, err)
	}

	_, err = (&HTTPSource{URL: srv.URL}).Fetch(context.Background())
	var re *ResolutionError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want ResolutionError", err)
	}
}

func TestXirsysResponseShapes(t *testing.T) {
	bodies := []string{
		`{"v":{"iceServers":[{"urls":["turn:v:1"]}]},"s":"ok"}`,
		`{"v":{"iceServers":{"urls":["turn:v:1"],"username":"x","credential":"y"}},"s":"ok"}`,
		`{"iceServers":[{"urls":"turn:v:1"}]}`,
		`{"d":{"iceServers":[{"urls":"turn:v:1"}]}}`,
	}
	for _, body := range bodies {
		var gotPath, gotAuth string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath, gotAuth = r.URL.Path, r.Header.Get("Authorization")
			w.Write([]byte(body))
		}))

		x := &Xirsys{Channel: "family", Username: "user", Secret: "s3", BaseURL: srv.URL}
		got, err := x.Fetch(context.Background())
		srv.Close()

		if err != nil {
			t.Fatalf("%s: %v", body, err)
		}
		if len(got) != 1 || got[0].URLs[0] != "turn:v:1" {
			t.Errorf("%s: got %+v", body, got)
		}
		if gotPath != "/_turn/family" {
			t.Errorf("path = %q", gotPath)
		}
		if gotAuth != "Basic dXNlcjpzMw==" {
			t.Errorf("auth = %q", gotAuth)
		}
	}
}

func TestXirsysErrors(t *testing.T) {
	if _, err := (&Xirsys{}).Fetch(context.Background()); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("err = %v, want ErrNoCredentials", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer b" {
			t.Errorf("auth = %q", r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"s":"error"}`))
	}))
	defer srv.Close()

	_, err := (&Xirsys{Bearer: "b", Channel: "c", BaseURL: srv.URL}).Fetch(context.Background())
	if err == nil {
		t.Fatal("expected error for 403")
	}
}

func TestXirsysApplyEnv(t *testing.T) {
	t.Setenv("XIRSYS_API_KEY", "key")
	t.Setenv("XIRSYS_USERNAME", "me")
	x := &Xirsys{}
	x.ApplyEnv()
	if x.Secret != "key" || x.Username != "me" || x.Region != "global" || x.Channel != "famcall" {
		t.Fatalf("ApplyEnv = %+v", x)
	}
	if !x.Configured() {
		t.Fatal("expected configured")
	}
}
