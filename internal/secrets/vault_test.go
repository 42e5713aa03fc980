package secrets

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/mackeh/sitelock/internal/config"
	"github.com/mackeh/sitelock/internal/store"
	"github.com/mackeh/sitelock/internal/store/database"
)

// fakeVault serves a KV v2 mount from memory.
type fakeVault struct {
	mu      sync.Mutex
	token   string
	prefix  string // "/v1/<mount>/"
	entries map[string]map[string]any
}

func newFakeVault(t *testing.T, mount string) (*fakeVault, *httptest.Server) {
	t.Helper()
	fv := &fakeVault{token: "test-token", prefix: "/v1/" + mount + "/", entries: map[string]map[string]any{}}
	srv := httptest.NewServer(fv)
	t.Cleanup(srv.Close)
	return fv, srv
}

func (fv *fakeVault) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fv.mu.Lock()
	defer fv.mu.Unlock()

	if r.Header.Get("X-Vault-Token") != fv.token {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"errors":["permission denied"]}`)
		return
	}
	rest, ok := strings.CutPrefix(r.URL.Path, fv.prefix)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	kind, path, _ := strings.Cut(rest, "/")

	switch {
	case kind == "data" && r.Method == http.MethodGet:
		data, ok := fv.entries[path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"errors":[]}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, mustJSON(map[string]any{"data": map[string]any{"data": data}}))
	case kind == "data" && r.Method == http.MethodPost:
		var body struct {
			Data map[string]any `json:"data"`
		}
		if err := decodeJSON(r, &body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fv.entries[path] = body.Data
		fmt.Fprint(w, `{"data":{"version":1}}`)
	case kind == "metadata" && r.Method == http.MethodDelete:
		if _, ok := fv.entries[path]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(fv.entries, path)
		w.WriteHeader(http.StatusNoContent)
	case kind == "metadata" && r.URL.Query().Get("list") == "true":
		var keys []string
		for p := range fv.entries {
			if name, ok := strings.CutPrefix(p, path+"/"); ok {
				if dir, _, nested := strings.Cut(name, "/"); nested {
					name = dir + "/"
				}
				keys = append(keys, name)
			}
		}
		if len(keys) == 0 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, mustJSON(map[string]any{"data": map[string]any{"keys": keys}}))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func openVault(t *testing.T, srv *httptest.Server, cfg config.VaultConfig) *VaultStore {
	t.Helper()
	t.Setenv("SITELOCK_VAULT_TOKEN", "test-token")
	cfg.Address = srv.URL
	cfg.TokenEnv = "SITELOCK_VAULT_TOKEN"
	v, err := NewVaultStore(cfg, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("NewVaultStore failed: %v", err)
	}
	return v
}

func TestVaultStore_MissingToken(t *testing.T) {
	os.Unsetenv("VAULT_TOKEN_TEST_MISSING")
	_, err := NewVaultStore(config.VaultConfig{
		Address:  "https://vault.example.com",
		TokenEnv: "VAULT_TOKEN_TEST_MISSING",
	})
	if err == nil {
		t.Fatal("expected error for missing vault token")
	}
}

func TestVaultStore_BadAddress(t *testing.T) {
	t.Setenv("VAULT_TOKEN", "root")
	for _, addr := range []string{"", "vault.example.com", "://"} {
		if _, err := NewVaultStore(config.VaultConfig{Address: addr}); err == nil {
			t.Errorf("expected error for address %q", addr)
		}
	}
}

func TestVaultStore_Defaults(t *testing.T) {
	t.Setenv("VAULT_TOKEN", "root")
	v, err := NewVaultStore(config.VaultConfig{Address: "https://vault.example.com/", Mount: "/", Path: ""})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.token != "root" {
		t.Errorf("expected token from VAULT_TOKEN, got '%s'", v.token)
	}
	want := "https://vault.example.com/v1/secret/data/sitelock/db"
	if got := v.endpoint("data", "db"); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestVaultStore_NestedMountAndPath(t *testing.T) {
	t.Setenv("VAULT_TOKEN", "root")
	v, err := NewVaultStore(config.VaultConfig{
		Address: "https://vault.example.com",
		Mount:   "/kv/prod/",
		Path:    "apps/sitelock/",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "https://vault.example.com/v1/kv/prod/metadata/apps/sitelock/a%2Fb"
	if got := v.endpoint("metadata", "a/b"); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestVaultStore_SetGetDeleteList(t *testing.T) {
	_, srv := newFakeVault(t, "kv")
	v := openVault(t, srv, config.VaultConfig{Mount: "kv", Path: "apps/sitelock"})

	if err := v.Set("db_password", "s3cret"); err != nil {
		t.Fatalf("set error: %v", err)
	}
	val, err := v.Get("db_password")
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if val != "s3cret" {
		t.Errorf("expected 's3cret', got '%s'", val)
	}

	keys, err := v.List()
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if len(keys) != 1 || keys[0] != "db_password" {
		t.Errorf("expected [db_password], got %v", keys)
	}

	if err := v.Delete("db_password"); err != nil {
		t.Fatalf("delete error: %v", err)
	}
	if err := v.Delete("db_password"); err != nil {
		t.Errorf("deleting a missing secret should succeed, got %v", err)
	}
	if _, err := v.Get("db_password"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	keys, err = v.List()
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected no keys, got %v", keys)
	}

	if err := v.Set("db#password", "x"); err == nil {
		t.Error("expected error for a name containing the field separator")
	}
}

func TestVaultStore_NotFoundIsConsistent(t *testing.T) {
	fv, srv := newFakeVault(t, "secret")
	fv.entries["sitelock/db"] = map[string]any{"username": "app", "password": "pw", "destroyed": nil}
	v := openVault(t, srv, config.VaultConfig{})

	for _, key := range []string{"missing", "db", "db#port", "db#destroyed"} {
		if _, err := v.Get(key); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get(%q): expected ErrNotFound, got %v", key, err)
		}
	}

	val, err := v.Get("db#password")
	if err != nil || val != "pw" {
		t.Errorf("expected field lookup to return pw, got %q, %v", val, err)
	}
}

func TestVaultStore_ListSkipsFolders(t *testing.T) {
	fv, srv := newFakeVault(t, "secret")
	fv.entries["sitelock/db"] = map[string]any{"value": "a"}
	fv.entries["sitelock/staging/db"] = map[string]any{"value": "b"}
	v := openVault(t, srv, config.VaultConfig{})

	keys, err := v.List()
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if len(keys) != 1 || keys[0] != "db" {
		t.Errorf("expected [db], got %v", keys)
	}
}

func TestVaultStore_PermissionDenied(t *testing.T) {
	_, srv := newFakeVault(t, "secret")
	t.Setenv("SITELOCK_VAULT_TOKEN", "wrong")
	v, err := NewVaultStore(config.VaultConfig{Address: srv.URL, TokenEnv: "SITELOCK_VAULT_TOKEN"})
	if err != nil {
		t.Fatalf("NewVaultStore failed: %v", err)
	}

	_, err = v.Get("db_password")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected a non-NotFound error, got %v", err)
	}
	if !strings.Contains(err.Error(), "permission denied") {
		t.Errorf("expected vault error message, got %v", err)
	}
}

func TestVaultStore_ResolvesDatabasePassword(t *testing.T) {
	fv, srv := newFakeVault(t, "kv/prod")
	fv.entries["apps/sitelock/postgres"] = map[string]any{"username": "app", "password": "pg-s3cret"}
	fv.entries["apps/sitelock/db_password"] = map[string]any{"value": "plain-s3cret"}
	v := openVault(t, srv, config.VaultConfig{Mount: "kv/prod", Path: "apps/sitelock"})

	c, err := database.ResolveConnection(store.Options{
		"dsn":         "postgres://db:5432/site",
		"user":        "app",
		"password":    database.SecretPrefix + "postgres#password",
		"driver_name": "postgres",
	}, nil, v.Get)
	if err != nil {
		t.Fatalf("ResolveConnection failed: %v", err)
	}
	if c.DSN != "postgres://app:pg-s3cret@db:5432/site" {
		t.Errorf("unexpected DSN %s", c.DSN)
	}

	c, err = database.ResolveConnection(store.Options{
		"dsn":         "tcp(db:3306)/site",
		"user":        "app",
		"password":    database.SecretPrefix + "db_password",
		"driver_name": "mysql",
	}, nil, v.Get)
	if err != nil {
		t.Fatalf("ResolveConnection failed: %v", err)
	}
	if c.DSN != "app:plain-s3cret@tcp(db:3306)/site" {
		t.Errorf("unexpected DSN %s", c.DSN)
	}

	_, err = database.ResolveConnection(store.Options{
		"dsn": "x", "user": "app", "password": database.SecretPrefix + "absent",
	}, nil, v.Get)
	if !store.IsConfigError(err) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected the ConfigError to wrap ErrNotFound, got %v", err)
	}
}

func mustJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(raw)
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
