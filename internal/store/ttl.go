package store

import "time"

// ComputeExpiry returns now+ttl. A zero or negative ttl means the lock
// never expires, reported as ok=false.
func ComputeExpiry(ttl time.Duration, now time.Time) (time.Time, bool) {
	if ttl <= 0 {
		return time.Time{}, false
	}
	return now.Add(ttl), true
}

// IsExpired reports whether expiry lies strictly before now.
func IsExpired(expiry, now time.Time) bool {
	return expiry.Before(now)
}

// TTLSetting is the TTLCapable implementation embedded by backends that
// keep their TTL in memory.
type TTLSetting struct {
	ttl time.Duration
	set bool
}

// NewTTLSetting seeds the setting from the "ttl" option.
func NewTTLSetting(backend string, opts Options) (TTLSetting, error) {
	ttl, ok, err := opts.TTL(backend)
	if err != nil {
		return TTLSetting{}, err
	}
	return TTLSetting{ttl: ttl, set: ok}, nil
}

// SetTTL overrides the configured TTL.
func (t *TTLSetting) SetTTL(ttl time.Duration) {
	t.ttl = ttl
	t.set = true
}

// TTL returns the current TTL, zero when none.
func (t *TTLSetting) TTL() time.Duration { return t.ttl }

// HasTTL reports whether a TTL was configured or set.
func (t *TTLSetting) HasTTL() bool { return t.set }
