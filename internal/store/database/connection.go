package database

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	// Registers the "sqlite" database/sql driver.
	_ "modernc.org/sqlite"

	"github.com/mackeh/sitelock/internal/store"
)

// DefaultConnection is used when neither dsn nor connection is configured.
const DefaultConnection = "default"

// SecretPrefix marks a password that must be looked up in the secrets
// store.
const SecretPrefix = "secret:"

// Connection identifies a database/sql driver and data source.
type Connection struct {
	Driver string
	DSN    string
}

// Key identifies the pool a connection may share.
func (c Connection) Key() string {
	return c.Driver + "|" + c.DSN
}

// SecretLookup resolves a secret name to its value.
type SecretLookup func(name string) (string, error)

// ResolveConnection picks the connection for opts: either the raw dsn with
// its user/password pair, or a named pre-configured connection.
func ResolveConnection(opts store.Options, named map[string]Connection, secrets SecretLookup) (Connection, error) {
	if opts.Has("dsn") {
		dsn, err := opts.RequiredString(backend, "dsn")
		if err != nil {
			return Connection{}, err
		}
		for _, key := range []string{"user", "password"} {
			if !opts.Has(key) {
				return Connection{}, &store.ConfigError{Backend: backend, Key: key, Reason: "must be defined for dsn use"}
			}
		}
		password, err := lookupPassword(opts.String("password", ""), secrets)
		if err != nil {
			return Connection{}, err
		}
		driver := opts.String("driver_name", "sqlite")
		return Connection{
			Driver: driver,
			DSN:    composeDSN(driver, dsn, opts.String("user", ""), password),
		}, nil
	}

	name := opts.String("connection", DefaultConnection)
	c, ok := named[name]
	if !ok {
		return Connection{}, &store.ConfigError{
			Backend: backend,
			Key:     "connection",
			Reason:  fmt.Sprintf("names unknown connection %q (set dsn or configure database.connections)", name),
		}
	}
	if c.Driver == "" {
		c.Driver = "sqlite"
	}
	return c, nil
}

func lookupPassword(password string, secrets SecretLookup) (string, error) {
	if !strings.HasPrefix(password, SecretPrefix) {
		return password, nil
	}
	name := strings.TrimPrefix(password, SecretPrefix)
	if secrets == nil {
		return "", &store.ConfigError{Backend: backend, Key: "password", Reason: "references a secret but no secrets store is configured"}
	}
	val, err := secrets(name)
	if err != nil {
		return "", &store.ConfigError{Backend: backend, Key: "password", Reason: fmt.Sprintf("secret %q unavailable", name), Err: err}
	}
	return val, nil
}

// composeDSN places credentials where each driver expects them.
func composeDSN(driver, dsn, user, password string) string {
	if user == "" {
		return dsn
	}
	switch driver {
	case "mysql":
		if strings.Contains(dsn, "@") {
			return dsn
		}
		return fmt.Sprintf("%s:%s@%s", user, password, dsn)
	case "postgres", "pgx":
		if u, err := url.Parse(dsn); err == nil && u.Scheme != "" && u.Host != "" {
			u.User = url.UserPassword(user, password)
			return u.String()
		}
		return fmt.Sprintf("%s user=%s password=%s", dsn, user, password)
	default:
		return dsn
	}
}

// Open opens a pool for c. Unknown driver names are configuration errors.
func Open(c Connection) (*sql.DB, error) {
	db, err := sql.Open(c.Driver, c.DSN)
	if err != nil {
		return nil, &store.ConfigError{Backend: backend, Key: "driver_name", Reason: "cannot be opened", Err: err}
	}
	return db, nil
}
