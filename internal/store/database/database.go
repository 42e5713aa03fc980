// Package database stores the maintenance lock as a single row in a
// dedicated table. The row carries an explicit expiry timestamp which is
// checked, and reaped, on every read.
//
// Read failures are logged and reported as "not locked" so that a flaky
// database cannot take the whole site offline.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mackeh/sitelock/internal/clock"
	"github.com/mackeh/sitelock/internal/store"
	"github.com/mackeh/sitelock/internal/telemetry"
)

const (
	backend = "database"

	// DefaultTable is the lock table name.
	DefaultTable = "idg_maintenance"

	timestampLayout = "2006-01-02 15:04:05"
)

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// tables already created, keyed by pool and table name.
var ready sync.Map

type readyKey struct {
	db    *sql.DB
	table string
}

type dialect struct {
	timeType    string
	placeholder func(n int) string
}

func dialectFor(driver string) dialect {
	switch driver {
	case "mysql":
		return dialect{timeType: "DATETIME", placeholder: func(int) string { return "?" }}
	case "postgres", "pgx":
		return dialect{timeType: "TIMESTAMP", placeholder: func(n int) string { return fmt.Sprintf("$%d", n) }}
	default:
		return dialect{timeType: "TIMESTAMP", placeholder: func(int) string { return "?" }}
	}
}

// Store is a database row lock.
type Store struct {
	store.TTLSetting
	db      *sql.DB
	table   string
	dialect dialect
	clock   clock.Clock
	logger  *zap.Logger
}

var (
	_ store.Store      = (*Store)(nil)
	_ store.TTLCapable = (*Store)(nil)
)

// New returns a store over db, which is shared and not closed by the store.
func New(opts store.Options, db *sql.DB, driver string, clk clock.Clock, logger *zap.Logger) (*Store, error) {
	if db == nil {
		return nil, &store.ConfigError{Backend: backend, Reason: "requires a database connection"}
	}
	table := opts.String("table", DefaultTable)
	if !tableNameRe.MatchString(table) {
		return nil, &store.ConfigError{Backend: backend, Key: "table", Reason: "must be a plain identifier"}
	}
	ttl, err := store.NewTTLSetting(backend, opts)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		TTLSetting: ttl,
		db:         db,
		table:      table,
		dialect:    dialectFor(driver),
		clock:      clock.OrReal(clk),
		logger:     logger,
	}, nil
}

// Exists reports whether an unexpired lock row is present. Expired rows
// are deleted. Errors are swallowed into false.
func (s *Store) Exists(ctx context.Context) (bool, error) {
	expiry, ok, found, err := s.read(ctx)
	if err != nil {
		s.failOpen("exists", err)
		return false, nil
	}
	if !found {
		return false, nil
	}
	if ok && store.IsExpired(expiry, s.clock.Now()) {
		if _, err := s.Remove(ctx); err != nil {
			s.failOpen("reap", err)
		}
		return false, nil
	}
	return true, nil
}

// TTLDate returns the stored expiry of the current lock row, if any.
func (s *Store) TTLDate(ctx context.Context) (time.Time, bool, error) {
	expiry, ok, found, err := s.read(ctx)
	if err != nil {
		return time.Time{}, false, store.Wrap(backend, "ttl date", err)
	}
	if !found || !ok {
		return time.Time{}, false, nil
	}
	return expiry, true, nil
}

// Create inserts the lock row with the TTL derived expiry and start time.
func (s *Store) Create(ctx context.Context) error {
	if err := s.ensureTable(ctx); err != nil {
		return store.Wrap(backend, "create", err)
	}
	now := s.clock.Now()
	var ttl any
	if expiry, ok := store.ComputeExpiry(s.TTL(), now); ok {
		ttl = ceilSecond(expiry).UTC().Format(timestampLayout)
	}
	query := fmt.Sprintf("INSERT INTO %s (ttl, start) VALUES (%s, %s)",
		s.table, s.dialect.placeholder(1), s.dialect.placeholder(2))
	if _, err := s.db.ExecContext(ctx, query, ttl, now.UTC().Format(timestampLayout)); err != nil {
		return store.Wrap(backend, "create", err)
	}
	return nil
}

// ceilSecond rounds t up to a whole second. The column has second
// precision, so truncating would expire the lock early.
func ceilSecond(t time.Time) time.Time {
	if tr := t.Truncate(time.Second); !tr.Equal(t) {
		return tr.Add(time.Second)
	}
	return t
}

// Remove deletes every lock row.
func (s *Store) Remove(ctx context.Context) (bool, error) {
	if err := s.ensureTable(ctx); err != nil {
		return false, store.Wrap(backend, "remove", err)
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", s.table))
	if err != nil {
		return false, store.Wrap(backend, "remove", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, store.Wrap(backend, "remove", err)
	}
	return n > 0, nil
}

func (s *Store) read(ctx context.Context) (expiry time.Time, hasExpiry, found bool, err error) {
	if err = s.ensureTable(ctx); err != nil {
		return
	}
	var raw any
	err = s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT ttl FROM %s LIMIT 1", s.table)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, false, nil
	}
	if err != nil {
		return
	}
	found = true
	expiry, hasExpiry, err = parseTimestamp(raw)
	return
}

func (s *Store) ensureTable(ctx context.Context) error {
	key := readyKey{db: s.db, table: s.table}
	if _, ok := ready.Load(key); ok {
		return nil
	}
	query := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (ttl %s DEFAULT NULL, start %s DEFAULT NULL)",
		s.table, s.dialect.timeType, s.dialect.timeType)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return err
	}
	ready.Store(key, struct{}{})
	return nil
}

func (s *Store) failOpen(op string, err error) {
	telemetry.StorageErrorsTotal.WithLabelValues(backend).Inc()
	s.logger.Warn("database lock read failed, treating site as unlocked",
		zap.String("op", op),
		zap.String("table", s.table),
		zap.Error(err))
}

var timestampLayouts = []string{
	timestampLayout,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func parseTimestamp(raw any) (time.Time, bool, error) {
	var s string
	switch v := raw.(type) {
	case nil:
		return time.Time{}, false, nil
	case time.Time:
		return v.UTC(), true, nil
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return time.Time{}, false, fmt.Errorf("unexpected ttl column type %T", raw)
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), true, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("unparseable ttl value %q", s)
}
