// Package control implements the operator actions: lock, unlock and
// status. The CLI, the admin API and the MCP server all go through it.
package control

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mackeh/sitelock/internal/driver"
	"github.com/mackeh/sitelock/internal/logging"
)

// Operations.
const (
	OpLock   = "lock"
	OpUnlock = "unlock"
)

// Result is the outcome of a lock or unlock.
type Result struct {
	Operation string        `json:"operation"`
	Success   bool          `json:"success"`
	Message   string        `json:"message"`
	Backend   string        `json:"backend"`
	TTL       time.Duration `json:"ttl,omitempty"`
	HasTTL    bool          `json:"has_ttl"`
	Warning   string        `json:"warning,omitempty"`
}

// Status describes the current lock state.
type Status struct {
	Locked     bool          `json:"locked"`
	Backend    string        `json:"backend"`
	TTLCapable bool          `json:"ttl_capable"`
	TTL        time.Duration `json:"ttl,omitempty"`
	HasTTL     bool          `json:"has_ttl"`
	ExpiresAt  *time.Time    `json:"expires_at,omitempty"`
}

// Event is emitted to observers after every lock or unlock attempt.
type Event struct {
	Result
	Actor string
	Time  time.Time
}

// Observer is notified of lock operations.
type Observer interface {
	Observe(ctx context.Context, ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event)

// Observe calls f.
func (f ObserverFunc) Observe(ctx context.Context, ev Event) { f(ctx, ev) }

// expiryReporter is implemented by stores that persist an explicit expiry.
type expiryReporter interface {
	TTLDate(ctx context.Context) (time.Time, bool, error)
}

// Controller runs operator actions against freshly resolved drivers.
type Controller struct {
	resolver  *driver.Resolver
	observers []Observer
	logger    *zap.Logger
}

// New returns a controller.
func New(resolver *driver.Resolver, logger *zap.Logger, observers ...Observer) *Controller {
	return &Controller{
		resolver:  resolver,
		observers: observers,
		logger:    logging.OrNop(logger),
	}
}

// AddObserver registers another observer.
func (c *Controller) AddObserver(o Observer) {
	c.observers = append(c.observers, o)
}

// ParseTTL validates a TTL override in whole seconds. An empty string
// means no override.
func ParseTTL(raw string) (time.Duration, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, &ValidationError{Field: "ttl", Value: raw, Reason: "must be a whole number of seconds"}
	}
	if n < 0 {
		return 0, false, &ValidationError{Field: "ttl", Value: raw, Reason: "must not be negative"}
	}
	return time.Duration(n) * time.Second, true, nil
}

// TriggerLock puts the site into maintenance mode. ttlOverride, when
// non-empty, replaces the configured TTL; it is ignored with a warning on
// backends without TTL support.
func (c *Controller) TriggerLock(ctx context.Context, ttlOverride string) (Result, error) {
	ttl, override, err := ParseTTL(ttlOverride)
	if err != nil {
		return Result{}, err
	}

	d, err := c.resolver.Resolve(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to resolve lock driver: %w", err)
	}
	defer d.Close()

	res := Result{Operation: OpLock, Backend: d.Backend()}
	if capable, ok := d.TTL(); ok {
		if override {
			capable.SetTTL(ttl)
		}
		res.TTL, res.HasTTL = capable.TTL(), capable.HasTTL()
	} else if override {
		res.Warning = fmt.Sprintf("the %s backend does not support TTL, the lock will not expire", d.Backend())
	}

	res.Success = d.Lock(ctx)
	res.Message = d.Message(true, res.Success)
	c.emit(ctx, res)
	return res, nil
}

// TriggerUnlock takes the site out of maintenance mode.
func (c *Controller) TriggerUnlock(ctx context.Context) (Result, error) {
	d, err := c.resolver.Resolve(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to resolve lock driver: %w", err)
	}
	defer d.Close()

	res := Result{Operation: OpUnlock, Backend: d.Backend()}
	res.Success = d.Unlock(ctx)
	res.Message = d.Message(false, res.Success)
	c.emit(ctx, res)
	return res, nil
}

// Status reports the lock state and TTL configuration.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	d, err := c.resolver.Resolve(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("failed to resolve lock driver: %w", err)
	}
	defer d.Close()

	st := Status{Backend: d.Backend()}
	if st.Locked, err = d.IsLocked(ctx); err != nil {
		return st, fmt.Errorf("failed to read lock state: %w", err)
	}
	if capable, ok := d.TTL(); ok {
		st.TTLCapable = true
		st.TTL, st.HasTTL = capable.TTL(), capable.HasTTL()
	}
	if r, ok := d.Store().(expiryReporter); ok && st.Locked {
		if at, ok, err := r.TTLDate(ctx); err == nil && ok {
			st.ExpiresAt = &at
		}
	}
	return st, nil
}

// Backend returns the configured backend identifier.
func (c *Controller) Backend() string { return c.resolver.Class() }

// DefaultTTL returns the TTL a lock would get without an override, for
// prompts. ok is false on backends without TTL support.
func (c *Controller) DefaultTTL(ctx context.Context) (ttl time.Duration, has, ok bool, err error) {
	d, err := c.resolver.Resolve(ctx)
	if err != nil {
		return 0, false, false, fmt.Errorf("failed to resolve lock driver: %w", err)
	}
	defer d.Close()
	capable, ok := d.TTL()
	if !ok {
		return 0, false, false, nil
	}
	return capable.TTL(), capable.HasTTL(), true, nil
}

func (c *Controller) emit(ctx context.Context, res Result) {
	ev := Event{Result: res, Actor: ActorFrom(ctx), Time: time.Now().UTC()}
	c.logger.Info("maintenance "+res.Operation,
		zap.String("backend", res.Backend),
		zap.Bool("success", res.Success),
		zap.String("actor", ev.Actor))
	for _, o := range c.observers {
		o.Observe(ctx, ev)
	}
}

type actorKey struct{}

// WithActor records who triggered an operation.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor recorded on ctx, or "unknown".
func ActorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return "unknown"
}
