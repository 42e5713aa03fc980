// Package cache stores the maintenance lock as a sentinel value under a
// redis key. Expiry is delegated to redis.
package cache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mackeh/sitelock/internal/store"
)

const backend = "cache"

// Client is the subset of the go-redis API the store uses.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Settings are the validated connection options.
type Settings struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// ParseSettings validates key_name, host and port (which must be an
// integer), in that order.
func ParseSettings(opts store.Options) (Settings, error) {
	key, err := opts.RequiredString(backend, "key_name")
	if err != nil {
		return Settings{}, err
	}
	host, err := opts.RequiredString(backend, "host")
	if err != nil {
		return Settings{}, err
	}
	port, err := opts.RequiredInt(backend, "port")
	if err != nil {
		return Settings{}, err
	}
	db, err := opts.Int(backend, "db", 0)
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		Addr:     net.JoinHostPort(host, strconv.Itoa(port)),
		Password: opts.String("password", ""),
		DB:       db,
		Key:      key,
	}, nil
}

// Dial builds a go-redis client. The connection is established lazily.
func Dial(s Settings) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         s.Addr,
		Password:     s.Password,
		DB:           s.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
}

// Store is a redis key lock.
type Store struct {
	store.TTLSetting
	client Client
	key    string
}

var (
	_ store.Store      = (*Store)(nil)
	_ store.TTLCapable = (*Store)(nil)
)

// New returns a store over client. The client is shared and not closed by
// the store.
func New(opts store.Options, client Client) (*Store, error) {
	settings, err := ParseSettings(opts)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, &store.ConfigError{Backend: backend, Reason: "requires a redis client"}
	}
	ttl, err := store.NewTTLSetting(backend, opts)
	if err != nil {
		return nil, err
	}
	return &Store{TTLSetting: ttl, client: client, key: settings.Key}, nil
}

// Exists reports whether the sentinel is stored under the key.
func (s *Store) Exists(ctx context.Context) (bool, error) {
	val, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, store.Wrap(backend, "exists", err)
	}
	return val == store.Sentinel, nil
}

// Create sets the sentinel with the configured TTL as native expiry.
func (s *Store) Create(ctx context.Context) error {
	var expiration time.Duration
	if s.TTL() > 0 {
		expiration = s.TTL()
	}
	if err := s.client.Set(ctx, s.key, store.Sentinel, expiration).Err(); err != nil {
		return store.Wrap(backend, "create", err)
	}
	return nil
}

// Remove deletes the key.
func (s *Store) Remove(ctx context.Context) (bool, error) {
	n, err := s.client.Del(ctx, s.key).Result()
	if err != nil {
		return false, store.Wrap(backend, "remove", err)
	}
	return n > 0, nil
}

// String describes the key for logs.
func (s *Store) String() string {
	return fmt.Sprintf("redis key %q", s.key)
}
