//go:build !linux

package shm

import (
	"context"

	"github.com/mackeh/sitelock/internal/store"
)

// Store is unavailable outside Linux.
type Store struct{}

// New always fails on this platform.
func New(opts store.Options) (*Store, error) {
	return nil, &store.ConfigError{Backend: backend, Err: store.ErrUnsupported}
}

func (s *Store) Exists(ctx context.Context) (bool, error) { return false, store.ErrUnsupported }
func (s *Store) Create(ctx context.Context) error         { return store.ErrUnsupported }
func (s *Store) Remove(ctx context.Context) (bool, error) { return false, store.ErrUnsupported }
func (s *Store) Close() error                             { return nil }
