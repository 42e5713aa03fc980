package gate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mackeh/sitelock/internal/config"
	"github.com/mackeh/sitelock/internal/driver"
	"github.com/mackeh/sitelock/internal/policy"
)

type countingResolver struct {
	inner *driver.Resolver
	calls atomic.Int32
}

func (c *countingResolver) Resolve(ctx context.Context) (*driver.Driver, error) {
	c.calls.Add(1)
	return c.inner.Resolve(ctx)
}

type brokenResolver struct{}

func (brokenResolver) Resolve(context.Context) (*driver.Driver, error) {
	return nil, errors.New("backend unreachable")
}

func fileResolver(t *testing.T) *countingResolver {
	t.Helper()
	r, err := driver.NewResolver(config.DriverConfig{
		Class:   "file",
		Options: map[string]any{"file_path": filepath.Join(t.TempDir(), "lock")},
	})
	require.NoError(t, err)
	return &countingResolver{inner: r}
}

func lock(t *testing.T, r *countingResolver) {
	t.Helper()
	d, err := r.inner.Resolve(context.Background())
	require.NoError(t, err)
	require.True(t, d.Lock(context.Background()))
}

func unlock(t *testing.T, r *countingResolver) {
	t.Helper()
	d, err := r.inner.Resolve(context.Background())
	require.NoError(t, err)
	require.True(t, d.Unlock(context.Background()))
}

func TestEngine_LockCycle(t *testing.T) {
	ctx := context.Background()
	res := fileResolver(t)
	rules, err := Compile(config.AuthorizedConfig{}, false)
	require.NoError(t, err)
	e := NewEngine(rules, res)
	req := Request{Path: "/anything", ClientIP: "203.0.113.9"}

	got := e.Evaluate(ctx, req)
	assert.Equal(t, Allow, got.Decision)
	assert.Equal(t, ReasonUnlocked, got.Reason)

	lock(t, res)
	got = e.Evaluate(ctx, req)
	assert.Equal(t, Intercept, got.Decision)
	assert.Equal(t, ReasonLocked, got.Reason)

	unlock(t, res)
	assert.Equal(t, Allow, e.Evaluate(ctx, req).Decision)
}

func TestEngine_BypassSkipsLockCheck(t *testing.T) {
	ctx := context.Background()
	res := fileResolver(t)
	lock(t, res)

	rules, err := Compile(config.AuthorizedConfig{Cookie: map[string]string{"bypass": "^1$"}}, false)
	require.NoError(t, err)
	e := NewEngine(rules, res)

	got := e.Evaluate(ctx, Request{Path: "/", Cookies: map[string]string{"bypass": "1"}})
	assert.Equal(t, Allow, got.Decision)
	assert.Equal(t, ReasonCookie, got.Reason)
	assert.Zero(t, res.calls.Load(), "lock must not be consulted when a bypass rule matches")
}

func TestEngine_IPAllowList(t *testing.T) {
	ctx := context.Background()
	res := fileResolver(t)
	lock(t, res)

	rules, err := Compile(config.AuthorizedConfig{IPs: []string{"10.0.0.0/8"}}, false)
	require.NoError(t, err)
	e := NewEngine(rules, res)

	assert.Equal(t, Allow, e.Evaluate(ctx, Request{Path: "/", ClientIP: "10.1.2.3"}).Decision)
	assert.Equal(t, Intercept, e.Evaluate(ctx, Request{Path: "/", ClientIP: "8.8.8.8"}).Decision)
}

func TestEngine_FailOpenAndClosed(t *testing.T) {
	ctx := context.Background()
	rules, err := Compile(config.AuthorizedConfig{}, false)
	require.NoError(t, err)

	open := NewEngine(rules, brokenResolver{}).Evaluate(ctx, Request{Path: "/"})
	assert.Equal(t, Allow, open.Decision)
	assert.Equal(t, ReasonStorageError, open.Reason)
	assert.Error(t, open.Err)

	closed := NewEngine(rules, brokenResolver{}, WithFailClosed(true)).Evaluate(ctx, Request{Path: "/"})
	assert.Equal(t, Intercept, closed.Decision)
	assert.Equal(t, ReasonStorageError, closed.Reason)
}

func TestEngine_PolicyBypass(t *testing.T) {
	ctx := context.Background()
	res := fileResolver(t)
	lock(t, res)

	p, err := policy.NewEngine(ctx, `
package sitelock.gate
import rego.v1

default bypass := false

bypass if input.request.path == "/ping"
`)
	require.NoError(t, err)

	e := NewEngine(&Rules{}, res, WithPolicy(p))
	got := e.Evaluate(ctx, Request{Path: "/ping"})
	assert.Equal(t, Allow, got.Decision)
	assert.Equal(t, ReasonPolicy, got.Reason)

	assert.Equal(t, Intercept, e.Evaluate(ctx, Request{Path: "/pong"}).Decision)
}

func TestEngine_NilRulesAndResolver(t *testing.T) {
	got := NewEngine(nil, nil).Evaluate(context.Background(), Request{})
	assert.Equal(t, Allow, got.Decision)
}

func TestFromConfig(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bypass.rego"), []byte(`package sitelock.gate

import rego.v1

default bypass := false

bypass if startswith(input.request.path, "/status")
`), 0o600))

	res := fileResolver(t)
	lock(t, res)

	cfg := config.Default(dir)
	cfg.Authorized.Query = map[string]string{"preview": "^1$"}
	cfg.Authorized.Policy = "bypass.rego"
	e, err := FromConfig(ctx, cfg, dir, res, nil)
	require.NoError(t, err)

	assert.Equal(t, ReasonPolicy, e.Evaluate(ctx, Request{Path: "/status/db"}).Reason)
	assert.Equal(t, ReasonQuery, e.Evaluate(ctx, Request{Path: "/", Query: map[string]string{"preview": "1"}}).Reason)
	assert.Equal(t, Intercept, e.Evaluate(ctx, Request{Path: "/"}).Decision)

	cfg.Authorized.Policy = "missing.rego"
	_, err = FromConfig(ctx, cfg, dir, res, nil)
	assert.Error(t, err)

	cfg.Authorized.Policy = ""
	cfg.Authorized.IPs = []string{"not-an-ip"}
	_, err = FromConfig(ctx, cfg, dir, res, nil)
	assert.Error(t, err)
}
