//go:build linux

package shm

import (
	"context"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/mackeh/sitelock/internal/store"
)

// segments within one process share the attachment lock.
var segMu sync.Mutex

// Store is a shared-memory lock. Close detaches the segment.
type Store struct {
	id   int
	seg  []byte
	once sync.Once
}

// New attaches (creating if needed) the segment for the identifier option.
func New(opts store.Options) (*Store, error) {
	identifier := opts.String("identifier", DefaultIdentifier)
	id, err := unix.SysvShmGet(Key(identifier), segmentSize, unix.IPC_CREAT|0o600)
	if err != nil {
		return nil, &store.ConfigError{Backend: backend, Reason: "can't allocate shared memory", Err: err}
	}
	seg, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		return nil, &store.ConfigError{Backend: backend, Reason: "can't attach shared memory", Err: err}
	}
	if len(seg) < segmentSize {
		_ = unix.SysvShmDetach(seg)
		return nil, &store.ConfigError{Backend: backend, Reason: "shared memory segment too small"}
	}
	return &Store{id: id, seg: seg}, nil
}

// Exists reports whether the lock variable holds the sentinel.
func (s *Store) Exists(ctx context.Context) (bool, error) {
	segMu.Lock()
	defer segMu.Unlock()
	if s.seg == nil {
		return false, store.Wrap(backend, "exists", unix.EINVAL)
	}
	if !hasVar(s.seg, lockSlot) {
		return false, nil
	}
	return getVar(s.seg, lockSlot) == store.Sentinel, nil
}

// Create puts the sentinel into the lock slot.
func (s *Store) Create(ctx context.Context) error {
	segMu.Lock()
	defer segMu.Unlock()
	if s.seg == nil {
		return store.Wrap(backend, "create", unix.EINVAL)
	}
	putVar(s.seg, lockSlot, store.Sentinel)
	return nil
}

// Remove clears the lock slot.
func (s *Store) Remove(ctx context.Context) (bool, error) {
	segMu.Lock()
	defer segMu.Unlock()
	if s.seg == nil {
		return false, store.Wrap(backend, "remove", unix.EINVAL)
	}
	return removeVar(s.seg, lockSlot), nil
}

// Close detaches the segment. The segment itself outlives the process.
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		segMu.Lock()
		defer segMu.Unlock()
		err = unix.SysvShmDetach(s.seg)
		s.seg = nil
	})
	return err
}
