// Package driver turns a lock store into the lock/unlock state machine
// used by the gate and the control operations.
package driver

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mackeh/sitelock/internal/logging"
	"github.com/mackeh/sitelock/internal/store"
	"github.com/mackeh/sitelock/internal/telemetry"
)

// Driver is the lock state machine over a single store. It keeps no state
// of its own: every question is answered by the store.
type Driver struct {
	backend  string
	store    store.Store
	messages Messages
	logger   *zap.Logger
}

// New wraps s. messages supplies the backend specific lock text.
func New(backend string, s store.Store, messages Messages, logger *zap.Logger) *Driver {
	return &Driver{
		backend:  backend,
		store:    s,
		messages: messages,
		logger:   logging.OrNop(logger).With(zap.String("backend", backend)),
	}
}

// Backend returns the backend identifier.
func (d *Driver) Backend() string { return d.backend }

// Store returns the underlying store.
func (d *Driver) Store() store.Store { return d.store }

// IsLocked reports whether the maintenance lock is active.
func (d *Driver) IsLocked(ctx context.Context) (bool, error) {
	locked, err := d.store.Exists(ctx)
	if err != nil {
		telemetry.StorageErrorsTotal.WithLabelValues(d.backend).Inc()
		return false, err
	}
	return locked, nil
}

// Decide is the predicate the gate consumes: true means intercept.
func (d *Driver) Decide(ctx context.Context) (bool, error) {
	return d.IsLocked(ctx)
}

// Lock creates the lock if it is not already held. A second Lock reports
// false and leaves the stored lock, including its expiry, untouched.
func (d *Driver) Lock(ctx context.Context) bool {
	ctx, span := otel.Tracer("driver").Start(ctx, "driver.Lock")
	defer span.End()
	span.SetAttributes(attribute.String("lock.backend", d.backend))

	locked, err := d.IsLocked(ctx)
	if err != nil {
		return d.failed(span, "lock", err)
	}
	if locked {
		d.record("lock", "already_locked")
		return false
	}
	if err := d.store.Create(ctx); err != nil {
		telemetry.StorageErrorsTotal.WithLabelValues(d.backend).Inc()
		return d.failed(span, "lock", err)
	}
	d.record("lock", "success")
	d.logger.Info("maintenance lock created")
	return true
}

// Unlock removes the lock if it is held.
func (d *Driver) Unlock(ctx context.Context) bool {
	ctx, span := otel.Tracer("driver").Start(ctx, "driver.Unlock")
	defer span.End()
	span.SetAttributes(attribute.String("lock.backend", d.backend))

	locked, err := d.IsLocked(ctx)
	if err != nil {
		return d.failed(span, "unlock", err)
	}
	if !locked {
		d.record("unlock", "not_locked")
		return false
	}
	removed, err := d.store.Remove(ctx)
	if err != nil {
		telemetry.StorageErrorsTotal.WithLabelValues(d.backend).Inc()
		return d.failed(span, "unlock", err)
	}
	if !removed {
		d.record("unlock", "not_locked")
		return false
	}
	d.record("unlock", "success")
	d.logger.Info("maintenance lock removed")
	return true
}

// Message returns the operator facing text for an operation outcome.
func (d *Driver) Message(forLock, result bool) string {
	return d.messages.For(forLock, result)
}

// TTL returns the store's TTL capability, if it has one.
func (d *Driver) TTL() (store.TTLCapable, bool) {
	t, ok := d.store.(store.TTLCapable)
	return t, ok
}

// Close releases the store if it holds resources.
func (d *Driver) Close() error {
	if c, ok := d.store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (d *Driver) record(op, result string) {
	telemetry.LockOperationsTotal.WithLabelValues(d.backend, op, result).Inc()
}

func (d *Driver) failed(span trace.Span, op string, err error) bool {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	d.record(op, "error")
	d.logger.Error("maintenance "+op+" failed", zap.Error(err))
	return false
}
