// Package store defines the lock storage contract shared by every
// maintenance-lock backend, the options they are configured with, and the
// TTL policy used by backends that keep an explicit expiry.
package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Sentinel is the value backends store to mark the site as locked.
const Sentinel = "maintenance"

// Store persists the maintenance lock for one backend.
//
// Exists folds in any TTL cleanup the backend performs. Remove reports
// false, not an error, when there was nothing to delete.
type Store interface {
	Exists(ctx context.Context) (bool, error)
	Create(ctx context.Context) error
	Remove(ctx context.Context) (bool, error)
}

// TTLCapable is implemented by stores whose lock can auto-expire.
type TTLCapable interface {
	SetTTL(ttl time.Duration)
	TTL() time.Duration
	HasTTL() bool
}

// Options carries backend specific configuration.
type Options map[string]any

// Has reports whether key is present, even with an empty value.
func (o Options) Has(key string) bool {
	_, ok := o[key]
	return ok
}

// String returns the option as a string, or def when absent.
func (o Options) String(key, def string) string {
	v, ok := o[key]
	if !ok || v == nil {
		return def
	}
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// RequiredString returns the option or a ConfigError naming backend and key.
func (o Options) RequiredString(backend, key string) (string, error) {
	v, ok := o[key]
	if !ok || v == nil {
		return "", &ConfigError{Backend: backend, Key: key, Reason: "must be defined"}
	}
	s := o.String(key, "")
	if s == "" {
		return "", &ConfigError{Backend: backend, Key: key, Reason: "must not be empty"}
	}
	return s, nil
}

// Int returns an integer option. Present values of a non-integer type are
// a ConfigError.
func (o Options) Int(backend, key string, def int) (int, error) {
	v, ok := o[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case int32:
		return int(n), nil
	case uint:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n == float64(int(n)) {
			return int(n), nil
		}
	}
	return 0, &ConfigError{Backend: backend, Key: key, Reason: "must be an integer"}
}

// RequiredInt is Int without a default.
func (o Options) RequiredInt(backend, key string) (int, error) {
	if _, ok := o[key]; !ok {
		return 0, &ConfigError{Backend: backend, Key: key, Reason: "must be defined"}
	}
	return o.Int(backend, key, 0)
}

// TTL reads the "ttl" option in seconds. Numeric strings are accepted
// because the value may come from an operator override.
func (o Options) TTL(backend string) (time.Duration, bool, error) {
	v, ok := o["ttl"]
	if !ok || v == nil {
		return 0, false, nil
	}
	if s, isString := v.(string); isString {
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, false, &ConfigError{Backend: backend, Key: "ttl", Reason: "must be an integer"}
		}
		return time.Duration(n) * time.Second, true, nil
	}
	n, err := o.Int(backend, "ttl", 0)
	if err != nil {
		return 0, false, err
	}
	return time.Duration(n) * time.Second, true, nil
}

// Clone returns a shallow copy so callers can inject values without
// mutating configuration.
func (o Options) Clone() Options {
	out := make(Options, len(o)+1)
	for k, v := range o {
		out[k] = v
	}
	return out
}

// Keys returns the option names in sorted order.
func (o Options) Keys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
