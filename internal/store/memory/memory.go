// Package memory keeps the maintenance flag in process memory. Locks are
// shared by every store with the same name inside one process and vanish on
// restart, which makes the backend useful for single-binary deployments
// and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mackeh/sitelock/internal/clock"
	"github.com/mackeh/sitelock/internal/store"
)

const backend = "memory"

// DefaultName is the flag used when no name option is set.
const DefaultName = "maintenance"

type flag struct {
	expiry    time.Time
	hasExpiry bool
}

var (
	flags = map[string]flag{}
	mu    sync.Mutex
)

// Store is a named in-process lock flag.
type Store struct {
	store.TTLSetting
	name  string
	clock clock.Clock
}

var (
	_ store.Store      = (*Store)(nil)
	_ store.TTLCapable = (*Store)(nil)
)

// New returns the store for the flag named by the "name" option.
func New(opts store.Options, clk clock.Clock) (*Store, error) {
	ttl, err := store.NewTTLSetting(backend, opts)
	if err != nil {
		return nil, err
	}
	return &Store{
		TTLSetting: ttl,
		name:       opts.String("name", DefaultName),
		clock:      clock.OrReal(clk),
	}, nil
}

// Exists returns true if the flag is set and unexpired.
func (s *Store) Exists(context.Context) (bool, error) {
	mu.Lock()
	defer mu.Unlock()
	f, ok := flags[s.name]
	if !ok {
		return false, nil
	}
	if f.hasExpiry && store.IsExpired(f.expiry, s.clock.Now()) {
		delete(flags, s.name)
		return false, nil
	}
	return true, nil
}

// Create sets the flag.
func (s *Store) Create(context.Context) error {
	expiry, ok := store.ComputeExpiry(s.TTL(), s.clock.Now())
	mu.Lock()
	defer mu.Unlock()
	flags[s.name] = flag{expiry: expiry, hasExpiry: ok}
	return nil
}

// Remove clears the flag.
func (s *Store) Remove(context.Context) (bool, error) {
	mu.Lock()
	defer mu.Unlock()
	_, ok := flags[s.name]
	delete(flags, s.name)
	return ok, nil
}

// Name returns the flag name.
func (s *Store) Name() string { return s.name }
