// Package doctor provides health checks for a sitelock installation.
package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mackeh/sitelock/internal/audit"
	"github.com/mackeh/sitelock/internal/config"
	"github.com/mackeh/sitelock/internal/driver"
	"github.com/mackeh/sitelock/internal/policy"
	"github.com/mackeh/sitelock/internal/secrets"
	"github.com/mackeh/sitelock/internal/security/redactor"
)

// Status represents the result of a health check.
type Status int

const (
	StatusPass Status = iota
	StatusWarn
	StatusFail
)

func (s Status) String() string {
	switch s {
	case StatusPass:
		return "pass"
	case StatusWarn:
		return "warn"
	default:
		return "fail"
	}
}

// Result holds the outcome of a single health check.
type Result struct {
	Name   string
	Status Status
	Detail string
	Fix    string // suggested remediation
}

// probeTimeout bounds the storage reachability check.
const probeTimeout = 5 * time.Second

// RunAll executes all health checks against the installation in cfgDir.
// Details are scrubbed of credentials.
func RunAll(ctx context.Context, cfgDir string) []Result {
	red := redactor.New()

	results := []Result{checkConfigDir(cfgDir)}
	cfg, res := checkConfig(cfgDir)
	results = append(results, res)
	if cfg == nil {
		cfg = config.Default(cfgDir)
	} else {
		results = append(results, checkDriver(ctx, cfg, cfgDir, red))
	}
	results = append(results,
		checkPolicy(ctx, cfg, cfgDir),
		checkSecrets(cfg.Secrets, cfgDir),
		checkAuditLog(audit.PathFor(cfg.Audit.Path, cfgDir)),
		checkDiskSpace(cfgDir),
	)

	for i := range results {
		results[i].Detail = red.Redact(results[i].Detail)
	}
	return results
}

// Healthy reports whether no check failed.
func Healthy(results []Result) bool {
	for _, r := range results {
		if r.Status == StatusFail {
			return false
		}
	}
	return true
}

func checkConfigDir(cfgDir string) Result {
	info, err := os.Stat(cfgDir)
	if err != nil {
		return Result{
			Name:   "Config directory",
			Status: StatusFail,
			Detail: cfgDir + " not found",
			Fix:    "Run: sitelock init",
		}
	}
	if !info.IsDir() {
		return Result{
			Name:   "Config directory",
			Status: StatusFail,
			Detail: cfgDir + " exists but is not a directory",
			Fix:    "Remove the file and run: sitelock init",
		}
	}
	return Result{
		Name:   "Config directory",
		Status: StatusPass,
		Detail: cfgDir,
	}
}

func checkConfig(cfgDir string) (*config.Config, Result) {
	configPath := filepath.Join(cfgDir, "config.yaml")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, Result{
			Name:   "Configuration",
			Status: StatusFail,
			Detail: err.Error(),
			Fix:    "Run: sitelock init",
		}
	}
	return cfg, Result{
		Name:   "Configuration",
		Status: StatusPass,
		Detail: fmt.Sprintf("%s (driver %s)", configPath, cfg.Driver.Class),
	}
}

// checkDriver resolves the configured backend and reads the lock state once.
func checkDriver(ctx context.Context, cfg *config.Config, cfgDir string, red *redactor.Redactor) Result {
	lookup := func(name string) (string, error) {
		s, err := secrets.Open(cfg.Secrets, cfgDir)
		if err != nil {
			return "", err
		}
		return s.Get(name)
	}

	r, err := driver.FromConfig(cfg, red.Lookup(lookup))
	if err != nil {
		return Result{
			Name:   "Lock backend",
			Status: StatusFail,
			Detail: err.Error(),
			Fix:    "Fix the driver section of config.yaml",
		}
	}
	defer r.Close()

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	d, err := r.Resolve(ctx)
	if err != nil {
		return Result{
			Name:   "Lock backend",
			Status: StatusFail,
			Detail: fmt.Sprintf("%s: %v", r.Class(), err),
			Fix:    "Check driver.options and database connections in config.yaml",
		}
	}
	defer d.Close()

	locked, err := d.IsLocked(ctx)
	if err != nil {
		return Result{
			Name:   "Lock backend",
			Status: StatusFail,
			Detail: fmt.Sprintf("%s unreachable: %v", d.Backend(), err),
			Fix:    "Requests fail open while the backend is down. Restore it or switch driver.class",
		}
	}

	state := "unlocked"
	if locked {
		state = "LOCKED"
	}
	return Result{
		Name:   "Lock backend",
		Status: StatusPass,
		Detail: fmt.Sprintf("%s reachable (%s)", d.Backend(), state),
	}
}

func checkPolicy(ctx context.Context, cfg *config.Config, cfgDir string) Result {
	if cfg.Authorized.Policy == "" {
		return Result{
			Name:   "Bypass policy",
			Status: StatusPass,
			Detail: "none configured",
		}
	}
	if _, err := policy.LoadPolicy(ctx, cfgDir, cfg.Authorized.Policy); err != nil {
		return Result{
			Name:   "Bypass policy",
			Status: StatusFail,
			Detail: err.Error(),
			Fix:    "Fix the Rego file named by authorized.policy",
		}
	}
	return Result{
		Name:   "Bypass policy",
		Status: StatusPass,
		Detail: cfg.Authorized.Policy + " compiled",
	}
}

func checkSecrets(cfg config.SecretsConfig, cfgDir string) Result {
	if cfg.Backend == "vault" {
		tokenEnv := cfg.Vault.TokenEnv
		if tokenEnv == "" {
			tokenEnv = "VAULT_TOKEN"
		}
		if os.Getenv(tokenEnv) == "" {
			return Result{
				Name:   "Secret store",
				Status: StatusWarn,
				Detail: "vault token not set in " + tokenEnv,
				Fix:    "Export " + tokenEnv + " before running sitelock",
			}
		}
		return Result{
			Name:   "Secret store",
			Status: StatusPass,
			Detail: "vault at " + cfg.Vault.Address,
		}
	}

	secretsDir := secrets.Dir(cfg, cfgDir)
	if _, err := os.Stat(secretsDir); os.IsNotExist(err) {
		return Result{
			Name:   "Secret store",
			Status: StatusWarn,
			Detail: "secrets directory not found",
			Fix:    "Run: sitelock secrets init",
		}
	}

	if _, err := os.Stat(filepath.Join(secretsDir, "keys.txt")); os.IsNotExist(err) {
		return Result{
			Name:   "Secret store",
			Status: StatusWarn,
			Detail: "not initialized (no keypair)",
			Fix:    "Run: sitelock secrets init",
		}
	}

	names, err := secrets.NewManager(secretsDir).List()
	if err != nil {
		return Result{
			Name:   "Secret store",
			Status: StatusFail,
			Detail: err.Error(),
			Fix:    "Check that keys.txt matches secrets.enc",
		}
	}
	return Result{
		Name:   "Secret store",
		Status: StatusPass,
		Detail: fmt.Sprintf("initialized (%d secrets)", len(names)),
	}
}

func checkAuditLog(logPath string) Result {
	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		return Result{
			Name:   "Audit log",
			Status: StatusPass,
			Detail: "empty (no entries yet)",
		}
	}

	entries, err := audit.ReadAll(logPath)
	if err != nil {
		return Result{
			Name:   "Audit log",
			Status: StatusFail,
			Detail: fmt.Sprintf("failed to read: %s", err),
			Fix:    "Check file permissions on " + logPath,
		}
	}

	valid, err := audit.Verify(logPath)
	if err != nil || !valid {
		detail := "hash chain broken"
		if err != nil {
			detail = err.Error()
		}
		return Result{
			Name:   "Audit log",
			Status: StatusFail,
			Detail: fmt.Sprintf("%d entries, %s", len(entries), detail),
			Fix:    "Audit log may have been tampered with. Investigate immediately.",
		}
	}

	return Result{
		Name:   "Audit log",
		Status: StatusPass,
		Detail: fmt.Sprintf("valid (%d entries, chain intact)", len(entries)),
	}
}
