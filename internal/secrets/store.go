package secrets

import (
	"fmt"
	"path/filepath"

	"github.com/mackeh/sitelock/internal/config"
)

// Store defines the interface for pluggable secret backends.
// Implementations: AgeStore (default), VaultStore.
type Store interface {
	// Get retrieves a secret by key.
	Get(key string) (string, error)

	// Set stores a secret.
	Set(key string, value string) error

	// Delete removes a secret.
	Delete(key string) error

	// List returns all secret key names (not values).
	List() ([]string, error)
}

// AgeStore wraps the Manager as a Store implementation.
type AgeStore struct {
	mgr *Manager
}

// NewAgeStore creates a Store backed by age encryption.
func NewAgeStore(configDir string) *AgeStore {
	return &AgeStore{mgr: NewManager(configDir)}
}

func (s *AgeStore) Get(key string) (string, error) {
	return s.mgr.Get(key)
}

func (s *AgeStore) Set(key, value string) error {
	return s.mgr.Set(key, value)
}

func (s *AgeStore) Delete(key string) error {
	secrets, err := s.mgr.loadAll()
	if err != nil {
		return err
	}
	delete(secrets, key)
	return s.mgr.saveAll(secrets)
}

func (s *AgeStore) List() ([]string, error) {
	return s.mgr.List()
}

// Dir returns the directory holding the age key and secrets file:
// secrets.dir, or configDir/secrets.
func Dir(cfg config.SecretsConfig, configDir string) string {
	if cfg.Dir != "" {
		return cfg.Dir
	}
	return filepath.Join(configDir, "secrets")
}

// Open returns the store selected by cfg.
func Open(cfg config.SecretsConfig, configDir string) (Store, error) {
	switch cfg.Backend {
	case "", "age":
		return NewAgeStore(Dir(cfg, configDir)), nil
	case "vault":
		v, err := NewVaultStore(cfg.Vault)
		if err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown secrets backend %q", cfg.Backend)
	}
}
