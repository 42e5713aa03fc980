package driver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mackeh/sitelock/internal/clock"
	"github.com/mackeh/sitelock/internal/config"
	"github.com/mackeh/sitelock/internal/logging"
	"github.com/mackeh/sitelock/internal/store"
	"github.com/mackeh/sitelock/internal/store/cache"
	"github.com/mackeh/sitelock/internal/store/database"
	"github.com/mackeh/sitelock/internal/store/file"
	"github.com/mackeh/sitelock/internal/store/memory"
	"github.com/mackeh/sitelock/internal/store/shm"
)

// Backend identifiers.
const (
	BackendFile     = "file"
	BackendCache    = "cache"
	BackendShm      = "shm"
	BackendDatabase = "database"
	BackendMemory   = "memory"
)

var aliases = map[string]string{
	"redis": BackendCache,
	"db":    BackendDatabase,
}

// Canonical normalizes a backend identifier, resolving aliases.
func Canonical(class string) string {
	class = strings.ToLower(strings.TrimSpace(class))
	if c, ok := aliases[class]; ok {
		return c
	}
	return class
}

// Factory builds the store for one resolution.
type Factory func(ctx context.Context, opts store.Options, env *Env) (store.Store, error)

// Registration describes a backend.
type Registration struct {
	Factory  Factory
	Messages Messages
}

// Env carries the dependencies shared by every resolution. Connection
// pools live here so that per-request drivers stay cheap.
type Env struct {
	Clock       clock.Clock
	Logger      *zap.Logger
	Connections map[string]database.Connection
	Secrets     database.SecretLookup

	mu    sync.Mutex
	redis map[cache.Settings]*redis.Client
	sql   map[string]*sql.DB
}

// Redis returns the shared client for s.
func (e *Env) Redis(s cache.Settings) *redis.Client {
	s.Key = ""
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.redis[s]; ok {
		return c
	}
	c := cache.Dial(s)
	e.redis[s] = c
	return c
}

// SQL returns the shared pool for c.
func (e *Env) SQL(c database.Connection) (*sql.DB, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if db, ok := e.sql[c.Key()]; ok {
		return db, nil
	}
	db, err := database.Open(c)
	if err != nil {
		return nil, err
	}
	e.sql[c.Key()] = db
	return db, nil
}

func (e *Env) close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var errs []error
	for k, c := range e.redis {
		errs = append(errs, c.Close())
		delete(e.redis, k)
	}
	for k, db := range e.sql {
		errs = append(errs, db.Close())
		delete(e.sql, k)
	}
	return errors.Join(errs...)
}

// Builtin returns the registrations for the bundled backends.
func Builtin() map[string]Registration {
	return map[string]Registration{
		BackendFile: {
			Factory: func(_ context.Context, opts store.Options, env *Env) (store.Store, error) {
				return file.New(opts, env.Clock)
			},
			Messages: MessagesFor("Maintenance mode enabled: lock file created"),
		},
		BackendCache: {
			Factory: func(_ context.Context, opts store.Options, env *Env) (store.Store, error) {
				settings, err := cache.ParseSettings(opts)
				if err != nil {
					return nil, err
				}
				return cache.New(opts, env.Redis(settings))
			},
			Messages: MessagesFor("Maintenance mode enabled: cache key set"),
		},
		BackendShm: {
			Factory: func(_ context.Context, opts store.Options, _ *Env) (store.Store, error) {
				return shm.New(opts)
			},
			Messages: MessagesFor("Maintenance mode enabled: shared memory variable written"),
		},
		BackendDatabase: {
			Factory: func(_ context.Context, opts store.Options, env *Env) (store.Store, error) {
				conn, err := database.ResolveConnection(opts, env.Connections, env.Secrets)
				if err != nil {
					return nil, err
				}
				db, err := env.SQL(conn)
				if err != nil {
					return nil, err
				}
				return database.New(opts, db, conn.Driver, env.Clock, env.Logger)
			},
			Messages: MessagesFor("Maintenance mode enabled: lock row inserted"),
		},
		BackendMemory: {
			Factory: func(_ context.Context, opts store.Options, env *Env) (store.Store, error) {
				return memory.New(opts, env.Clock)
			},
			Messages: MessagesFor("Maintenance mode enabled: in-process flag set"),
		},
	}
}

// Resolver builds a fresh Driver for the configured backend on every
// call.
type Resolver struct {
	cfg      config.DriverConfig
	class    string
	env      *Env
	mu       sync.RWMutex
	registry map[string]Registration
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock sets the clock used by TTL aware stores.
func WithClock(c clock.Clock) Option {
	return func(r *Resolver) { r.env.Clock = c }
}

// WithLogger sets the logger handed to drivers and stores.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) { r.env.Logger = l }
}

// WithConnections registers the named database connections.
func WithConnections(conns map[string]config.ConnectionConfig) Option {
	return func(r *Resolver) {
		for name, c := range conns {
			r.env.Connections[name] = database.Connection{Driver: c.Driver, DSN: c.DSN}
		}
	}
}

// WithSecrets sets the lookup used for secret:NAME passwords.
func WithSecrets(lookup database.SecretLookup) Option {
	return func(r *Resolver) { r.env.Secrets = lookup }
}

// WithBackend registers an extra backend before the configured class is
// validated.
func WithBackend(name string, reg Registration) Option {
	return func(r *Resolver) { r.registry[Canonical(name)] = reg }
}

// NewResolver validates cfg.Class against the registry.
func NewResolver(cfg config.DriverConfig, opts ...Option) (*Resolver, error) {
	r := &Resolver{
		cfg: cfg,
		env: &Env{
			Connections: map[string]database.Connection{},
			redis:       map[cache.Settings]*redis.Client{},
			sql:         map[string]*sql.DB{},
		},
		registry: Builtin(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.env.Clock = clock.OrReal(r.env.Clock)
	r.env.Logger = logging.OrNop(r.env.Logger)

	if strings.TrimSpace(cfg.Class) == "" {
		return nil, &store.ConfigError{Key: "driver.class", Reason: "must be defined"}
	}
	r.class = Canonical(cfg.Class)
	if _, ok := r.registry[r.class]; !ok {
		return nil, &store.ConfigError{
			Key:    "driver.class",
			Reason: fmt.Sprintf("%q is not a registered backend (known: %s)", cfg.Class, strings.Join(r.Backends(), ", ")),
		}
	}
	return r, nil
}

// FromConfig builds the resolver for a loaded configuration: its driver
// section plus the named database connections.
func FromConfig(cfg *config.Config, secrets database.SecretLookup, opts ...Option) (*Resolver, error) {
	base := []Option{WithConnections(cfg.Database.Connections), WithSecrets(secrets)}
	return NewResolver(cfg.Driver, append(base, opts...)...)
}

// Register adds or replaces a backend.
func (r *Resolver) Register(name string, reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registry[Canonical(name)] = reg
}

// Backends lists the registered identifiers.
func (r *Resolver) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.registry))
	for name := range r.registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Class returns the canonical configured backend.
func (r *Resolver) Class() string { return r.class }

// Resolve builds a driver for the configured backend. driver.ttl, when
// set, is injected as the "ttl" option.
func (r *Resolver) Resolve(ctx context.Context) (*Driver, error) {
	r.mu.RLock()
	reg, ok := r.registry[r.class]
	r.mu.RUnlock()
	if !ok {
		return nil, &store.ConfigError{Key: "driver.class", Reason: fmt.Sprintf("%q is not a registered backend", r.class)}
	}

	opts := store.Options(r.cfg.Options).Clone()
	if r.cfg.TTL != nil {
		opts["ttl"] = *r.cfg.TTL
	}

	s, err := reg.Factory(ctx, opts, r.env)
	if err != nil {
		return nil, err
	}
	return New(r.class, s, reg.Messages, r.env.Logger), nil
}

// Close releases the shared connection pools.
func (r *Resolver) Close() error {
	return r.env.close()
}
