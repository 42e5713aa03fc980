// Package file stores the maintenance lock as a zero-byte file. TTL is
// measured from the file's modification time.
package file

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/mackeh/sitelock/internal/clock"
	"github.com/mackeh/sitelock/internal/store"
)

const backend = "file"

// Store is a file-existence lock.
type Store struct {
	store.TTLSetting
	path  string
	clock clock.Clock
}

var (
	_ store.Store      = (*Store)(nil)
	_ store.TTLCapable = (*Store)(nil)
)

// New validates options and returns a file store. file_path is required.
func New(opts store.Options, clk clock.Clock) (*Store, error) {
	path, err := opts.RequiredString(backend, "file_path")
	if err != nil {
		return nil, err
	}
	ttl, err := store.NewTTLSetting(backend, opts)
	if err != nil {
		return nil, err
	}
	return &Store{TTLSetting: ttl, path: path, clock: clock.OrReal(clk)}, nil
}

// Path returns the lock file location.
func (s *Store) Path() string { return s.path }

// Exists reports whether the lock file is present. An expired file is
// deleted and reported as absent.
func (s *Store) Exists(ctx context.Context) (bool, error) {
	info, err := os.Stat(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, store.Wrap(backend, "exists", err)
	}

	if s.TTL() <= 0 {
		return true, nil
	}
	expiry, _ := store.ComputeExpiry(s.TTL(), info.ModTime())
	if !store.IsExpired(expiry, s.clock.Now()) {
		return true, nil
	}
	if _, err := s.Remove(ctx); err != nil {
		return false, err
	}
	return false, nil
}

// Create writes the lock file and stamps its mtime with the store clock.
func (s *Store) Create(ctx context.Context) error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return store.Wrap(backend, "create", err)
	}
	if err := f.Close(); err != nil {
		return store.Wrap(backend, "create", err)
	}
	now := s.clock.Now()
	return store.Wrap(backend, "create", os.Chtimes(s.path, now, now))
}

// Remove deletes the lock file.
func (s *Store) Remove(ctx context.Context) (bool, error) {
	err := os.Remove(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, store.Wrap(backend, "remove", err)
	}
	return true, nil
}
