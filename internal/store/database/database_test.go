package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mackeh/sitelock/internal/clock"
	"github.com/mackeh/sitelock/internal/store"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(Connection{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "lock.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestStore_CreateExistsRemove(t *testing.T) {
	ctx := context.Background()
	s, err := New(store.Options{}, openTestDB(t), "sqlite", nil, nil)
	require.NoError(t, err)

	ok, err := s.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Create(ctx))
	ok, err = s.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	_, hasDate, err := s.TTLDate(ctx)
	require.NoError(t, err)
	assert.False(t, hasDate, "lock without ttl has no expiry")

	removed, err := s.Remove(ctx)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.Remove(ctx)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestStore_TTLExpiryReapsRow(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	clk := clock.NewManual(start)
	s, err := New(store.Options{"ttl": 5}, openTestDB(t), "sqlite", clk, nil)
	require.NoError(t, err)
	require.True(t, s.HasTTL())

	require.NoError(t, s.Create(ctx))

	expiry, ok, err := s.TTLDate(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, expiry.Equal(start.Add(5*time.Second)), "expiry = %v", expiry)

	clk.Advance(5 * time.Second)
	locked, err := s.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, locked, "lock is still valid at its expiry instant")

	clk.Advance(time.Second)
	locked, err = s.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, locked)

	removed, err := s.Remove(ctx)
	require.NoError(t, err)
	assert.False(t, removed, "expired row should already be reaped")
}

func TestStore_SubSecondStartNeverExpiresEarly(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 6, 1, 10, 0, 0, 900*int(time.Millisecond), time.UTC)
	clk := clock.NewManual(start)
	s, err := New(store.Options{"ttl": 5}, openTestDB(t), "sqlite", clk, nil)
	require.NoError(t, err)

	require.NoError(t, s.Create(ctx))

	expiry, ok, err := s.TTLDate(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, expiry.Before(start.Add(5*time.Second)), "stored expiry %v is before now+ttl", expiry)

	clk.Advance(4600 * time.Millisecond)
	locked, err := s.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, locked, "lock must hold for the full ttl")

	clk.Advance(2 * time.Second)
	locked, err = s.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestCeilSecond(t *testing.T) {
	whole := time.Date(2024, 6, 1, 10, 0, 5, 0, time.UTC)
	assert.True(t, ceilSecond(whole).Equal(whole))
	assert.True(t, ceilSecond(whole.Add(time.Nanosecond)).Equal(whole.Add(time.Second)))
}

func TestStore_SetTTLOverridesOption(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	s, err := New(store.Options{"ttl": 5}, openTestDB(t), "sqlite", clock.NewManual(start), nil)
	require.NoError(t, err)

	s.SetTTL(time.Hour)
	require.NoError(t, s.Create(ctx))

	expiry, ok, err := s.TTLDate(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, expiry.Equal(start.Add(time.Hour)))
}

func TestStore_ReadFailureFailsOpen(t *testing.T) {
	db, err := Open(Connection{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "lock.db")})
	require.NoError(t, err)
	s, err := New(store.Options{}, db, "sqlite", nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Create(context.Background()))
	require.NoError(t, db.Close())

	locked, err := s.Exists(context.Background())
	require.NoError(t, err)
	assert.False(t, locked)

	require.Error(t, s.Create(context.Background()))
	_, err = s.Remove(context.Background())
	assert.True(t, store.IsStorageError(err))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(store.Options{}, nil, "sqlite", nil, nil)
	assert.True(t, store.IsConfigError(err))

	_, err = New(store.Options{"table": "drop table;"}, openTestDB(t), "sqlite", nil, nil)
	assert.True(t, store.IsConfigError(err))

	_, err = New(store.Options{"ttl": "soon"}, openTestDB(t), "sqlite", nil, nil)
	assert.True(t, store.IsConfigError(err))
}

func TestResolveConnection(t *testing.T) {
	named := map[string]Connection{
		"default": {Driver: "sqlite", DSN: "/var/lib/site.db"},
		"replica": {DSN: "/var/lib/replica.db"},
	}

	c, err := ResolveConnection(store.Options{}, named, nil)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/site.db", c.DSN)

	c, err = ResolveConnection(store.Options{"connection": "replica"}, named, nil)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", c.Driver)

	_, err = ResolveConnection(store.Options{"connection": "missing"}, named, nil)
	assert.True(t, store.IsConfigError(err))

	_, err = ResolveConnection(store.Options{"dsn": "host/db", "user": "app"}, named, nil)
	assert.True(t, store.IsConfigError(err), "password is required with dsn")

	c, err = ResolveConnection(store.Options{
		"dsn": "tcp(db:3306)/site", "user": "app", "password": "pw", "driver_name": "mysql",
	}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "app:pw@tcp(db:3306)/site", c.DSN)
}

func TestResolveConnection_SecretPassword(t *testing.T) {
	lookup := func(name string) (string, error) {
		assert.Equal(t, "db_password", name)
		return "s3cret", nil
	}
	c, err := ResolveConnection(store.Options{
		"dsn": "postgres://db:5432/site", "user": "app", "password": "secret:db_password", "driver_name": "postgres",
	}, nil, lookup)
	require.NoError(t, err)
	assert.Equal(t, "postgres://app:s3cret@db:5432/site", c.DSN)

	_, err = ResolveConnection(store.Options{
		"dsn": "x", "user": "app", "password": "secret:db_password",
	}, nil, nil)
	assert.True(t, store.IsConfigError(err))
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 6, 1, 10, 0, 5, 0, time.UTC)
	for _, raw := range []any{"2024-06-01 10:00:05", []byte("2024-06-01T10:00:05Z"), want} {
		got, ok, err := parseTimestamp(raw)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, got.Equal(want), "%v parsed to %v", raw, got)
	}
	_, ok, err := parseTimestamp(nil)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = parseTimestamp("yesterday")
	assert.Error(t, err)
}
