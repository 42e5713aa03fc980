package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/huh"

	"github.com/mackeh/sitelock/internal/config"
	"github.com/mackeh/sitelock/internal/control"
	"github.com/mackeh/sitelock/internal/driver"
	"github.com/mackeh/sitelock/internal/secrets"
)

const bypassPolicyTemplate = `package sitelock.gate

import rego.v1

# Requests for which bypass is true skip the maintenance lock.
default bypass := false

# Health checks from the load balancer.
bypass if input.request.path == "/healthz"

# Staff with the deployer role can preview the site.
bypass if {
	"deployer" in input.request.roles
	input.request.query.preview == "1"
}
`

// initChoices are the answers gathered by the wizard or flags.
type initChoices struct {
	Backend     string
	RedisHost   string
	RedisPort   string
	TTL         string
	Audit       bool
	Policy      bool
	InitSecrets bool
}

func defaultChoices(backend string) initChoices {
	return initChoices{
		Backend:   backend,
		RedisHost: "127.0.0.1",
		RedisPort: "6379",
		Audit:     true,
	}
}

// driverFor returns the driver section for the chosen backend. Local
// resources live under dir.
func driverFor(c initChoices, dir string) (config.DriverConfig, config.DatabaseConfig, error) {
	drv := config.DriverConfig{Class: c.Backend, Options: map[string]any{}}
	var db config.DatabaseConfig

	switch driver.Canonical(c.Backend) {
	case driver.BackendFile:
		drv.Options["file_path"] = filepath.Join(dir, "maintenance.lock")
	case driver.BackendCache:
		port, err := strconv.Atoi(c.RedisPort)
		if err != nil {
			return drv, db, fmt.Errorf("invalid redis port %q", c.RedisPort)
		}
		drv.Options["host"] = c.RedisHost
		drv.Options["port"] = port
		drv.Options["key_name"] = "sitelock:maintenance"
	case driver.BackendDatabase:
		db.Connections = map[string]config.ConnectionConfig{
			"default": {Driver: "sqlite", DSN: filepath.Join(dir, "sitelock.db")},
		}
	case driver.BackendShm:
		drv.Options["identifier"] = "sitelock"
	case driver.BackendMemory:
		drv.Options["name"] = "maintenance"
	default:
		return drv, db, fmt.Errorf("unknown backend %q", c.Backend)
	}

	ttl, has, err := control.ParseTTL(c.TTL)
	if err != nil {
		return drv, db, err
	}
	if has {
		secs := int(ttl.Seconds())
		drv.TTL = &secs
	}
	return drv, db, nil
}

func runWizard(c *initChoices) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Where should the maintenance flag live?").
				Options(
					huh.NewOption("File (single host, recommended)", driver.BackendFile),
					huh.NewOption("Redis (shared across hosts)", driver.BackendCache),
					huh.NewOption("Database (SQLite by default)", driver.BackendDatabase),
					huh.NewOption("Shared memory (single host)", driver.BackendShm),
				).
				Value(&c.Backend),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Redis host").
				Value(&c.RedisHost),
			huh.NewInput().
				Title("Redis port").
				Validate(func(s string) error {
					if _, err := strconv.Atoi(s); err != nil {
						return fmt.Errorf("port must be a number")
					}
					return nil
				}).
				Value(&c.RedisPort),
		).WithHideFunc(func() bool { return c.Backend != driver.BackendCache }),
		huh.NewGroup(
			huh.NewInput().
				Title("Default lock TTL in seconds").
				Description("Leave empty for locks that never expire").
				Validate(func(s string) error {
					_, _, err := control.ParseTTL(s)
					return err
				}).
				Value(&c.TTL),
			huh.NewConfirm().
				Title("Keep a tamper-evident audit log?").
				Affirmative("Yes (recommended)").
				Negative("No").
				Value(&c.Audit),
			huh.NewConfirm().
				Title("Write an example Rego bypass policy?").
				Value(&c.Policy),
			huh.NewConfirm().
				Title("Generate encryption keys for database passwords?").
				Value(&c.InitSecrets),
		),
	)
	return form.Run()
}

func runInit(backend string, force bool) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)

	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	fmt.Println("🔧 sitelock setup")
	fmt.Println()

	choices := defaultChoices(driver.BackendFile)
	if backend != "" {
		choices.Backend = backend
	} else if interactive() {
		if err := runWizard(&choices); err != nil {
			// If user aborted (ctrl+c), fall back to defaults
			fmt.Println("  - wizard skipped, using defaults")
			choices = defaultChoices(driver.BackendFile)
		}
	}

	drv, db, err := driverFor(choices, dir)
	if err != nil {
		return err
	}

	cfg := config.Default(dir)
	cfg.Driver = drv
	cfg.Database = db
	cfg.Audit.Enabled = choices.Audit
	if choices.Policy {
		policyPath := filepath.Join(dir, "bypass.rego")
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		if err := os.WriteFile(policyPath, []byte(bypassPolicyTemplate), 0600); err != nil {
			return fmt.Errorf("failed to write policy: %w", err)
		}
		cfg.Authorized.Policy = "bypass.rego"
		fmt.Printf("✅ Created %s\n", policyPath)
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.Save(path); err != nil {
		return err
	}
	fmt.Printf("✅ Created %s (%s backend)\n", path, drv.Class)

	if choices.InitSecrets {
		secretsDir := secrets.Dir(cfg.Secrets, dir)
		if err := os.MkdirAll(secretsDir, 0700); err != nil {
			return fmt.Errorf("failed to create secrets dir: %w", err)
		}
		pubKey, err := secrets.NewManager(secretsDir).Init()
		if err != nil {
			return err
		}
		fmt.Printf("🔐 Secret store initialized (public key %s)\n", pubKey)
	}

	fmt.Println()
	fmt.Println("🚧 sitelock initialized successfully!")
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Run 'sitelock doctor' to verify your setup")
	fmt.Println("  2. Run 'sitelock lock' to enable maintenance mode")
	fmt.Println("  3. Run 'sitelock serve --upstream http://127.0.0.1:8080' to gate your site")
	return nil
}
