// Package secrets stores credentials referenced from the configuration as
// secret:NAME, for example database passwords.
package secrets

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"filippo.io/age"
)

// ErrNotFound is returned for unknown secret names.
var ErrNotFound = errors.New("secret not found")

// Manager handles secret encryption and storage. Secrets are kept as one
// age encrypted JSON object.
type Manager struct {
	configDir   string
	keyFile     string
	secretsFile string
}

// NewManager creates a new secrets manager
func NewManager(configDir string) *Manager {
	return &Manager{
		configDir:   configDir,
		keyFile:     filepath.Join(configDir, "keys.txt"),
		secretsFile: filepath.Join(configDir, "secrets.enc"),
	}
}

// Init generates a new age Identity (keypair) if one doesn't exist
func (m *Manager) Init() (string, error) {
	if _, err := os.Stat(m.keyFile); err == nil {
		return "", fmt.Errorf("keys already exist at %s", m.keyFile)
	}
	if err := os.MkdirAll(m.configDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", fmt.Errorf("failed to generate identity: %w", err)
	}

	// Save private key
	f, err := os.OpenFile(m.keyFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return "", fmt.Errorf("failed to create key file: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "# Public key: %s\n", identity.Recipient().String()); err != nil {
		return "", err
	}
	if _, err := fmt.Fprintf(f, "%s\n", identity.String()); err != nil {
		return "", err
	}

	return identity.Recipient().String(), nil
}

func (m *Manager) identity() (*age.X25519Identity, error) {
	data, err := os.ReadFile(m.keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load keys (did you run 'secrets init'?): %w", err)
	}
	identities, err := age.ParseIdentities(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse keys: %w", err)
	}
	for _, id := range identities {
		if x, ok := id.(*age.X25519Identity); ok {
			return x, nil
		}
	}
	return nil, fmt.Errorf("no X25519 identity in %s", m.keyFile)
}

// Recipient returns the public key for the managed identity
func (m *Manager) Recipient() (string, error) {
	id, err := m.identity()
	if err != nil {
		return "", err
	}
	return id.Recipient().String(), nil
}

// Set stores or replaces a secret value.
func (m *Manager) Set(key, value string) error {
	secrets, err := m.loadAll()
	if err != nil {
		return err
	}
	secrets[key] = value
	return m.saveAll(secrets)
}

// Get returns a secret value.
func (m *Manager) Get(key string) (string, error) {
	secrets, err := m.loadAll()
	if err != nil {
		return "", err
	}
	val, ok := secrets[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return val, nil
}

// List returns the stored secret names, sorted.
func (m *Manager) List() ([]string, error) {
	secrets, err := m.loadAll()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(secrets))
	for k := range secrets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Manager) loadAll() (map[string]string, error) {
	data, err := os.ReadFile(m.secretsFile)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets: %w", err)
	}

	id, err := m.identity()
	if err != nil {
		return nil, err
	}
	r, err := age.Decrypt(bytes.NewReader(data), id)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secrets: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secrets: %w", err)
	}

	secrets := map[string]string{}
	if err := json.Unmarshal(plain, &secrets); err != nil {
		return nil, fmt.Errorf("failed to parse secrets: %w", err)
	}
	return secrets, nil
}

func (m *Manager) saveAll(secrets map[string]string) error {
	id, err := m.identity()
	if err != nil {
		return err
	}
	plain, err := json.Marshal(secrets)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, id.Recipient())
	if err != nil {
		return fmt.Errorf("failed to encrypt secrets: %w", err)
	}
	if _, err := w.Write(plain); err != nil {
		return fmt.Errorf("failed to encrypt secrets: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to encrypt secrets: %w", err)
	}

	tmp := m.secretsFile + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write secrets: %w", err)
	}
	return os.Rename(tmp, m.secretsFile)
}
