// Package gate decides, per request, whether traffic passes while the site
// is in maintenance mode.
//
// Bypass rules are checked first in a fixed order (query, cookie,
// attribute, path, host, role, ip, route) followed by an optional Rego
// policy. Only when none of them match is the lock backend consulted. Any
// failure to read the lock state lets the request through unless the gate
// is configured to fail closed.
package gate

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/mackeh/sitelock/internal/config"
	"github.com/mackeh/sitelock/internal/driver"
	"github.com/mackeh/sitelock/internal/logging"
	"github.com/mackeh/sitelock/internal/policy"
	"github.com/mackeh/sitelock/internal/telemetry"
)

// Decision is the outcome of a gate evaluation.
type Decision int

const (
	Allow Decision = iota
	Intercept
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Intercept:
		return "intercept"
	default:
		return "unknown"
	}
}

// Reasons reported when no bypass rule matched.
const (
	ReasonPolicy       = "policy"
	ReasonUnlocked     = "unlocked"
	ReasonLocked       = "locked"
	ReasonStorageError = "storage_error"
)

// Request is the part of an inbound request the gate looks at. Missing
// values never match a rule.
type Request struct {
	Path       string
	Host       string
	ClientIP   string
	Query      map[string]string
	Cookies    map[string]string
	Attributes map[string]string
	Route      string
	Roles      []string // roles granted to the requester
}

// Result is a decision and the rule or state that produced it.
type Result struct {
	Decision Decision
	Reason   string
	Err      error
}

// DriverResolver yields the lock driver for one evaluation.
type DriverResolver interface {
	Resolve(ctx context.Context) (*driver.Driver, error)
}

// Engine evaluates requests. It is immutable and safe for concurrent use.
type Engine struct {
	rules      *Rules
	resolver   DriverResolver
	policy     *policy.Engine
	failClosed bool
	logger     *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy adds a Rego bypass policy evaluated after the static rules.
func WithPolicy(p *policy.Engine) Option {
	return func(e *Engine) { e.policy = p }
}

// WithFailClosed intercepts requests when the lock state cannot be read.
func WithFailClosed(failClosed bool) Option {
	return func(e *Engine) { e.failClosed = failClosed }
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine returns an engine over compiled rules and a driver resolver.
func NewEngine(rules *Rules, resolver DriverResolver, opts ...Option) *Engine {
	e := &Engine{rules: rules, resolver: resolver}
	for _, opt := range opts {
		opt(e)
	}
	if e.rules == nil {
		e.rules = &Rules{}
	}
	e.logger = logging.OrNop(e.logger)
	return e
}

// Evaluate decides whether req is allowed through.
func (e *Engine) Evaluate(ctx context.Context, req Request) Result {
	start := time.Now()
	ctx, span := otel.Tracer("gate").Start(ctx, "gate.Evaluate")
	defer span.End()

	backend := "bypass"
	res := e.evaluate(ctx, req, &backend)

	span.SetAttributes(
		attribute.String("gate.decision", res.Decision.String()),
		attribute.String("gate.reason", res.Reason),
	)
	telemetry.GateDecisionsTotal.WithLabelValues(res.Decision.String(), res.Reason).Inc()
	telemetry.GateEvaluationDuration.WithLabelValues(backend).Observe(time.Since(start).Seconds())
	return res
}

func (e *Engine) evaluate(ctx context.Context, req Request, backend *string) Result {
	if reason := e.rules.Match(req); reason != "" {
		return Result{Decision: Allow, Reason: reason}
	}

	if e.policy != nil {
		d, err := e.policy.Evaluate(ctx, policy.Input{
			Path:       decodePath(req.Path),
			Host:       req.Host,
			ClientIP:   req.ClientIP,
			Route:      req.Route,
			Query:      req.Query,
			Cookies:    req.Cookies,
			Attributes: req.Attributes,
			Roles:      req.Roles,
		})
		if err != nil {
			e.logger.Warn("bypass policy evaluation failed", zap.Error(err))
		} else if d == policy.Bypass {
			return Result{Decision: Allow, Reason: ReasonPolicy}
		}
	}

	if e.resolver == nil {
		return Result{Decision: Allow, Reason: ReasonUnlocked}
	}
	d, err := e.resolver.Resolve(ctx)
	if err != nil {
		return e.failure(err)
	}
	defer d.Close()
	*backend = d.Backend()

	locked, err := d.Decide(ctx)
	if err != nil {
		return e.failure(err)
	}
	if locked {
		return Result{Decision: Intercept, Reason: ReasonLocked}
	}
	return Result{Decision: Allow, Reason: ReasonUnlocked}
}

func (e *Engine) failure(err error) Result {
	decision := Allow
	if e.failClosed {
		decision = Intercept
	}
	e.logger.Warn("lock state unavailable",
		zap.Error(err),
		zap.Stringer("decision", decision))
	return Result{Decision: decision, Reason: ReasonStorageError, Err: err}
}

// FromConfig compiles the authorized rules and loads the bypass policy
// named in cfg. A relative policy path is resolved against configDir.
func FromConfig(ctx context.Context, cfg *config.Config, configDir string, resolver DriverResolver, logger *zap.Logger) (*Engine, error) {
	rules, err := Compile(cfg.Authorized, cfg.Gate.Debug)
	if err != nil {
		return nil, err
	}
	opts := []Option{WithFailClosed(cfg.Gate.FailClosed), WithLogger(logger)}
	if cfg.Authorized.Policy != "" {
		p, err := policy.LoadPolicy(ctx, configDir, cfg.Authorized.Policy)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithPolicy(p))
	}
	return NewEngine(rules, resolver, opts...), nil
}
