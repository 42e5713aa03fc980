package main

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/mackeh/sitelock/internal/audit"
	"github.com/mackeh/sitelock/internal/config"
	"github.com/mackeh/sitelock/internal/control"
	"github.com/mackeh/sitelock/internal/driver"
	"github.com/mackeh/sitelock/internal/logging"
	"github.com/mackeh/sitelock/internal/notifications"
	"github.com/mackeh/sitelock/internal/secrets"
	"github.com/mackeh/sitelock/internal/security/redactor"
	"github.com/mackeh/sitelock/internal/telemetry"
)

// app holds everything a command needs once the config is loaded.
type app struct {
	dir      string
	cfg      *config.Config
	logger   *zap.Logger
	redactor *redactor.Redactor
	resolver *driver.Resolver
	ctrl     *control.Controller
	audit    *audit.Logger
	notifier *notifications.Dispatcher
	shutdown func(context.Context) error
}

// configPath returns the --config flag value or the default location.
func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	return config.DefaultPath()
}

func loadApp(ctx context.Context) (*app, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w (run 'sitelock init' first)", err)
	}

	a := &app{dir: filepath.Dir(path), cfg: cfg, redactor: redactor.New()}

	a.logger, err = logging.New(cfg.Logging, logging.WithRedaction(a.redactor))
	if err != nil {
		return nil, err
	}

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry, version, telemetry.WithConfigDir(a.dir))
	if err != nil {
		a.logger.Warn("tracing disabled", zap.Error(err))
		shutdown = func(context.Context) error { return nil }
	}
	a.shutdown = shutdown

	a.resolver, err = driver.FromConfig(cfg, a.redactor.Lookup(a.lookupSecret), driver.WithLogger(a.logger))
	if err != nil {
		return nil, err
	}

	var observers []control.Observer
	if cfg.Audit.Enabled {
		a.audit, err = audit.NewLogger(a.auditPath())
		if err != nil {
			a.resolver.Close()
			return nil, err
		}
		observers = append(observers, control.AuditObserver(a.audit, a.logger))
	}
	if len(cfg.Notifications) > 0 {
		a.notifier = notifications.NewDispatcher(cfg.Notifications, a.logger)
		observers = append(observers, control.NotifyObserver(a.notifier))
	}
	a.ctrl = control.New(a.resolver, a.logger, observers...)
	return a, nil
}

func (a *app) lookupSecret(name string) (string, error) {
	s, err := secrets.Open(a.cfg.Secrets, a.dir)
	if err != nil {
		return "", err
	}
	return s.Get(name)
}

func (a *app) auditPath() string {
	return audit.PathFor(a.cfg.Audit.Path, a.dir)
}

// close flushes pending notifications and releases connections.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if a.notifier != nil {
		a.notifier.Wait(ctx)
	}
	if a.audit != nil {
		a.audit.Close()
	}
	a.resolver.Close()
	a.shutdown(ctx)
	a.logger.Sync()
}

// interactive reports whether both stdin and stdout are terminals.
func interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// cliActor names the local operator in audit entries.
func cliActor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return "cli:" + u.Username
	}
	return "cli"
}

// loadConfigOnly loads the config for commands that never touch the lock
// backend.
func loadConfigOnly() (*app, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w (run 'sitelock init' first)", err)
	}
	return &app{dir: filepath.Dir(path), cfg: cfg}, nil
}
