package store

import (
	"errors"
	"fmt"
)

// ErrUnsupported is returned by backends that cannot run on this platform.
var ErrUnsupported = errors.New("store: backend not supported on this platform")

// ConfigError reports a missing or invalid option at construction time.
// It is never retried.
type ConfigError struct {
	Backend string
	Key     string
	Reason  string
	Err     error
}

func (e *ConfigError) Error() string {
	msg := "config"
	if e.Backend != "" {
		msg += " " + e.Backend
	}
	if e.Key != "" {
		msg += fmt.Sprintf(": option %q", e.Key)
	}
	if e.Reason != "" {
		msg += " " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// StorageError reports a backend failure at call time.
type StorageError struct {
	Backend string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Wrap returns a StorageError for a failed operation, or nil when err is nil.
func Wrap(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Backend: backend, Op: op, Err: err}
}

// IsConfigError reports whether err is, or wraps, a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsStorageError reports whether err is, or wraps, a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
