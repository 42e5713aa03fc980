package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/mackeh/sitelock/internal/config"
	"github.com/mackeh/sitelock/internal/driver"
	"github.com/mackeh/sitelock/internal/gate"
)

func newProxy(t *testing.T, upstream string, authorized config.AuthorizedConfig) (*Proxy, *driver.Resolver) {
	t.Helper()
	r, err := driver.NewResolver(config.DriverConfig{
		Class:   "file",
		Options: map[string]any{"file_path": filepath.Join(t.TempDir(), "maintenance.lock")},
	})
	if err != nil {
		t.Fatal(err)
	}
	rules, err := gate.Compile(authorized, false)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := gate.ResponseFromConfig(config.ResponseConfig{})
	if err != nil {
		t.Fatal(err)
	}
	p, err := New(upstream, gate.NewEngine(rules, r), resp, nil)
	if err != nil {
		t.Fatal(err)
	}
	return p, r
}

func setLock(t *testing.T, r *driver.Resolver, locked bool) {
	t.Helper()
	d, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	ok := d.Lock(context.Background())
	if !locked {
		ok = d.Unlock(context.Background())
	}
	if !ok {
		t.Fatalf("failed to set lock state to %v", locked)
	}
}

func TestProxyGating(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Forwarded", r.Header.Get("X-Forwarded-Host"))
		io.WriteString(w, "upstream:"+r.URL.Path)
	}))
	defer upstream.Close()

	p, r := newProxy(t, upstream.URL, config.AuthorizedConfig{Path: "^/healthz$"})
	srv := httptest.NewServer(p)
	defer srv.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	code, body := get("/shop")
	if code != http.StatusOK || body != "upstream:/shop" {
		t.Fatalf("unlocked: got %d %q", code, body)
	}

	setLock(t, r, true)

	code, body = get("/shop")
	if code != http.StatusServiceUnavailable {
		t.Errorf("locked: expected 503, got %d", code)
	}
	if body != config.DefaultExceptionMessage {
		t.Errorf("locked: expected exception message body, got %q", body)
	}

	code, body = get("/healthz")
	if code != http.StatusOK || body != "upstream:/healthz" {
		t.Errorf("bypassed path: got %d %q", code, body)
	}

	setLock(t, r, false)
	if code, _ := get("/shop"); code != http.StatusOK {
		t.Errorf("after unlock: expected 200, got %d", code)
	}
}

func TestProxyUpstreamDown(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	addr := upstream.URL
	upstream.Close()

	p, _ := newProxy(t, addr, config.AuthorizedConfig{})
	w := httptest.NewRecorder()
	p.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if w.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", w.Code)
	}
}

func TestNewRejectsBadUpstream(t *testing.T) {
	for _, u := range []string{"ftp://example.com", "example.com", "http://", "://bad"} {
		if _, err := New(u, gate.NewEngine(nil, nil), gate.Response{}, nil); err == nil {
			t.Errorf("expected error for upstream %q", u)
		}
	}
}
