package updater

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func releaseServer(t *testing.T, status int, body string) *Checker {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return &Checker{URL: srv.URL, Client: srv.Client()}
}

func TestCheck_NewerRelease(t *testing.T) {
	c := releaseServer(t, http.StatusOK, `{"tag_name":"v0.2.0","html_url":"https://example.com/r/v0.2.0"}`)

	rel, err := c.Check(context.Background(), "0.1.0")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if rel == nil || rel.TagName != "v0.2.0" {
		t.Fatalf("expected v0.2.0, got %+v", rel)
	}
}

func TestCheck_UpToDate(t *testing.T) {
	c := releaseServer(t, http.StatusOK, `{"tag_name":"v0.1.0"}`)

	rel, err := c.Check(context.Background(), "v0.1.0")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if rel != nil {
		t.Errorf("expected no update, got %+v", rel)
	}
}

func TestCheck_BadStatus(t *testing.T) {
	c := releaseServer(t, http.StatusForbidden, `rate limited`)

	if _, err := c.Check(context.Background(), "0.1.0"); err == nil {
		t.Error("expected error on 403")
	}
}

func TestNewChecker_DefaultURL(t *testing.T) {
	c := NewChecker()
	if c.URL != "https://api.github.com/repos/mackeh/sitelock/releases/latest" {
		t.Errorf("unexpected URL %s", c.URL)
	}
}
