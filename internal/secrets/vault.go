package secrets

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mackeh/sitelock/internal/config"
)

const (
	defaultVaultTokenEnv = "VAULT_TOKEN"
	defaultVaultMount    = "secret"
	defaultVaultPath     = "sitelock"

	// FieldSeparator splits a reference like "db#password" into the KV
	// entry and the field read from it. Without it the field is "value".
	FieldSeparator = "#"
	defaultField   = "value"
)

// VaultStore reads and writes secrets in a Vault KV v2 mount. Each secret
// is an entry under <mount>/<path>; Set writes the "value" field.
type VaultStore struct {
	base   *url.URL
	token  string
	mount  string
	path   string
	client *http.Client
}

// VaultOption customizes a VaultStore.
type VaultOption func(*VaultStore)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(c *http.Client) VaultOption {
	return func(v *VaultStore) { v.client = c }
}

// NewVaultStore connects to the KV v2 mount described by cfg. The token
// is read from cfg.TokenEnv, VAULT_TOKEN by default.
func NewVaultStore(cfg config.VaultConfig, opts ...VaultOption) (*VaultStore, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("secrets.vault.address is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.Address, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("secrets.vault.address %q is not a URL", cfg.Address)
	}

	tokenEnv := cfg.TokenEnv
	if tokenEnv == "" {
		tokenEnv = defaultVaultTokenEnv
	}
	token := os.Getenv(tokenEnv)
	if token == "" {
		return nil, fmt.Errorf("vault token not found in environment variable %s", tokenEnv)
	}

	v := &VaultStore{
		base:   base,
		token:  token,
		mount:  cleanVaultPath(cfg.Mount, defaultVaultMount),
		path:   cleanVaultPath(cfg.Path, defaultVaultPath),
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

func cleanVaultPath(p, fallback string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return fallback
	}
	return p
}

// endpoint builds /v1/<mount>/<kind>/<path>[/<entry>]. Entry segments are
// escaped so a secret name cannot climb out of the configured path.
func (v *VaultStore) endpoint(kind, entry string) string {
	segments := []string{"v1"}
	segments = append(segments, strings.Split(v.mount, "/")...)
	segments = append(segments, kind)
	segments = append(segments, strings.Split(v.path, "/")...)
	if entry != "" {
		segments = append(segments, url.PathEscape(entry))
	}
	return v.base.String() + "/" + strings.Join(segments, "/")
}

// do sends one request and returns the body of a 2xx response. A 404
// maps to ErrNotFound.
func (v *VaultStore) do(method, endpoint string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Vault-Token", v.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("vault response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode >= 300 {
		var verr struct {
			Errors []string `json:"errors"`
		}
		if json.Unmarshal(data, &verr) == nil && len(verr.Errors) > 0 {
			return nil, fmt.Errorf("vault returned status %d: %s", resp.StatusCode, strings.Join(verr.Errors, "; "))
		}
		return nil, fmt.Errorf("vault returned status %d", resp.StatusCode)
	}
	return data, nil
}

// Get resolves key, either "name" (field "value") or "name#field".
// Unknown entries, destroyed versions and missing fields are ErrNotFound.
func (v *VaultStore) Get(key string) (string, error) {
	entry, field, _ := strings.Cut(key, FieldSeparator)
	if field == "" {
		field = defaultField
	}

	data, err := v.do(http.MethodGet, v.endpoint("data", entry), nil)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return "", err
	}

	var result struct {
		Data struct {
			Data map[string]any `json:"data"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("failed to decode vault response: %w", err)
	}
	val, ok := result.Data.Data[field]
	if !ok || val == nil {
		return "", fmt.Errorf("%w: %s has no field %q", ErrNotFound, entry, field)
	}
	if s, ok := val.(string); ok {
		return s, nil
	}
	return fmt.Sprint(val), nil
}

// Set writes value to the "value" field of a new version of key.
func (v *VaultStore) Set(key, value string) error {
	if strings.Contains(key, FieldSeparator) {
		return fmt.Errorf("secret name %q must not contain %q", key, FieldSeparator)
	}
	payload := map[string]any{"data": map[string]string{defaultField: value}}
	_, err := v.do(http.MethodPost, v.endpoint("data", key), payload)
	return err
}

// Delete removes every version of key. Deleting a missing key succeeds.
func (v *VaultStore) Delete(key string) error {
	_, err := v.do(http.MethodDelete, v.endpoint("metadata", key), nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// List returns the entry names under the configured path. Sub-folders
// (names ending in "/") are skipped.
func (v *VaultStore) List() ([]string, error) {
	data, err := v.do(http.MethodGet, v.endpoint("metadata", "")+"?list=true", nil)
	if errors.Is(err, ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}

	var result struct {
		Data struct {
			Keys []string `json:"keys"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode vault response: %w", err)
	}
	keys := make([]string, 0, len(result.Data.Keys))
	for _, k := range result.Data.Keys {
		if !strings.HasSuffix(k, "/") {
			keys = append(keys, k)
		}
	}
	return keys, nil
}
