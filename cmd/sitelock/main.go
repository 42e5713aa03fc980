package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mackeh/sitelock/internal/approval"
	"github.com/mackeh/sitelock/internal/audit"
	"github.com/mackeh/sitelock/internal/control"
	"github.com/mackeh/sitelock/internal/doctor"
	"github.com/mackeh/sitelock/internal/gate"
	"github.com/mackeh/sitelock/internal/mcp"
	"github.com/mackeh/sitelock/internal/proxy"
	"github.com/mackeh/sitelock/internal/secrets"
	"github.com/mackeh/sitelock/internal/server"
	"github.com/mackeh/sitelock/internal/updater"
)

var version = "0.1.0"

// cfgFile is the --config flag.
var cfgFile string

// errFailed marks a command whose outcome was already printed.
var errFailed = errors.New("operation failed")

func main() {
	rootCmd := &cobra.Command{
		Use:   "sitelock",
		Short: "Maintenance mode for web applications",
		Long: `sitelock puts a site into maintenance mode and keeps it there until
you unlock it or the lock expires. The lock lives in a file, Redis, a SQL
table or shared memory, so every web node sees the same state, and bypass
rules let staff, health checks and trusted networks through.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.sitelock/config.yaml)")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(lockCmd())
	rootCmd.AddCommand(unlockCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(logsCmd())
	rootCmd.AddCommand(secretsCmd())
	rootCmd.AddCommand(mcpServerCmd())
	rootCmd.AddCommand(completionCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		if !errors.Is(err, errFailed) {
			fmt.Fprintln(os.Stderr, "❌", err)
		}
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var backend string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize sitelock configuration",
		Long:  "Creates ~/.sitelock/config.yaml, interactively or from --backend.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(backend, force)
		},
	}
	cmd.Flags().StringVar(&backend, "backend", "", "lock backend: file, cache, database, shm or memory (skips the wizard)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func lockCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "lock [TTL]",
		Short: "Enable maintenance mode",
		Long: `Enables maintenance mode. TTL is an optional lifetime in whole seconds that
overrides driver.ttl; backends without TTL support ignore it with a warning.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ttlArg string
			if len(args) == 1 {
				ttlArg = args[0]
			}
			if _, _, err := control.ParseTTL(ttlArg); err != nil {
				return err
			}

			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			ctx := control.WithActor(cmd.Context(), cliActor())

			if interactive() && !yes {
				ok, err := confirmLock(ctx, a, &ttlArg)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Println("🚫 Cancelled.")
					return nil
				}
			}

			res, err := a.ctrl.TriggerLock(ctx, ttlArg)
			if err != nil {
				return err
			}
			return printResult(res)
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation")
	return cmd
}

// confirmLock prompts for a TTL on TTL-capable backends, then asks for
// confirmation. ttlArg is updated with the answer.
func confirmLock(ctx context.Context, a *app, ttlArg *string) (bool, error) {
	ttl, has, capable, err := a.ctrl.DefaultTTL(ctx)
	if err != nil {
		return false, err
	}

	req := approval.Request{Operation: control.OpLock, Backend: a.ctrl.Backend()}
	switch {
	case capable && *ttlArg == "":
		answer, err := approval.PromptTTL(approval.DescribeTTL(ttl, has))
		if err != nil {
			return false, err
		}
		*ttlArg = answer
		req.TTL = approval.DescribeTTL(ttl, has)
		if answer != "" {
			req.TTL = answer + " seconds"
		}
	case capable:
		req.TTL = *ttlArg + " seconds"
	case *ttlArg != "":
		req.Warning = fmt.Sprintf("the %s backend does not support TTL, %s will be ignored", a.ctrl.Backend(), *ttlArg)
	}
	return approval.Ask(req)
}

func unlockCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Disable maintenance mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			ctx := control.WithActor(cmd.Context(), cliActor())

			if interactive() && !yes {
				ok, err := approval.Ask(approval.Request{Operation: control.OpUnlock, Backend: a.ctrl.Backend()})
				if err != nil {
					return err
				}
				if !ok {
					fmt.Println("🚫 Cancelled.")
					return nil
				}
			}

			res, err := a.ctrl.TriggerUnlock(ctx)
			if err != nil {
				return err
			}
			return printResult(res)
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation")
	return cmd
}

func printResult(res control.Result) error {
	if res.Warning != "" {
		fmt.Printf("⚠️  %s\n", res.Warning)
	}
	if !res.Success {
		fmt.Printf("❌ %s\n", res.Message)
		return errFailed
	}
	icon := "🚧"
	if res.Operation == control.OpUnlock {
		icon = "✅"
	}
	fmt.Printf("%s %s\n", icon, res.Message)
	if res.Operation == control.OpLock {
		fmt.Printf("   TTL: %s\n", approval.DescribeTTL(res.TTL, res.HasTTL))
	}
	return nil
}

func statusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether maintenance mode is on",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			st, err := a.ctrl.Status(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}

			if st.Locked {
				fmt.Println("🚧 Maintenance mode: ON")
			} else {
				fmt.Println("✅ Maintenance mode: OFF")
			}
			fmt.Printf("   Backend: %s\n", st.Backend)
			if st.TTLCapable {
				fmt.Printf("   TTL:     %s\n", approval.DescribeTTL(st.TTL, st.HasTTL))
			} else {
				fmt.Println("   TTL:     not supported by this backend")
			}
			if st.ExpiresAt != nil {
				fmt.Printf("   Expires: %s\n", st.ExpiresAt.Local().Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, upstream string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the admin API, optionally gating an upstream site",
		Long: `Starts the admin API (/health, /api/status, /api/lock, /api/unlock,
/api/ws, /metrics). With --upstream, every other path is reverse proxied to
the upstream through the maintenance gate.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if addr != "" {
				a.cfg.Server.Addr = addr
			}
			if upstream == "" {
				upstream = a.cfg.Server.Upstream
			}

			opts := []server.Option{server.WithLogger(a.logger)}
			if upstream != "" {
				engine, err := gate.FromConfig(ctx, a.cfg, a.dir, a.resolver, a.logger)
				if err != nil {
					return err
				}
				resp, err := gate.ResponseFromConfig(a.cfg.Response)
				if err != nil {
					return err
				}
				p, err := proxy.New(upstream, engine, resp, a.logger)
				if err != nil {
					return err
				}
				opts = append(opts, server.WithFallback(server.RolesMiddleware(a.cfg.Server.Auth, p)))
				fmt.Printf("🚦 Gating %s\n", upstream)
			}

			s := server.New(a.cfg.Server, a.ctrl, opts...)
			fmt.Printf("📡 sitelock API listening on %s...\n", a.cfg.Server.Addr)
			return s.ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&upstream, "upstream", "", "gate and proxy this upstream URL")
	return cmd
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose sitelock setup",
		Long:  "Runs health checks on the config, lock backend, bypass policy, secrets, audit log and disk space.",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}

			fmt.Println("🩺  sitelock Health Check")
			fmt.Println()

			results := doctor.RunAll(cmd.Context(), filepath.Dir(path))

			passed, warned, failed := 0, 0, 0
			for _, r := range results {
				var icon string
				switch r.Status {
				case doctor.StatusPass:
					icon = "✅"
					passed++
				case doctor.StatusWarn:
					icon = "⚠️ "
					warned++
				case doctor.StatusFail:
					icon = "❌"
					failed++
				}

				// Pad name to align output
				name := r.Name
				dots := strings.Repeat(".", max(3, 25-len(name)))
				fmt.Printf("%s %s %s %s\n", icon, name, dots, r.Detail)

				if r.Fix != "" && r.Status != doctor.StatusPass {
					fmt.Printf("   → %s\n", r.Fix)
				}
			}

			fmt.Printf("\n%d/%d checks passed", passed, len(results))
			if warned > 0 {
				fmt.Printf(" (%d warning", warned)
				if warned > 1 {
					fmt.Print("s")
				}
				fmt.Print(")")
			}
			if failed > 0 {
				fmt.Printf(" (%d failure", failed)
				if failed > 1 {
					fmt.Print("s")
				}
				fmt.Print(")")
			}
			fmt.Println()

			if !doctor.Healthy(results) {
				return errFailed
			}
			return nil
		},
	}
}

func logsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "View the lock/unlock audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			logPath, err := auditLogPath()
			if err != nil {
				return err
			}

			entries, err := audit.ReadAll(logPath)
			if err != nil {
				return err
			}

			if len(entries) == 0 {
				fmt.Println("📜 Audit Log (empty)")
				return nil
			}
			if limit > 0 && len(entries) > limit {
				entries = entries[len(entries)-limit:]
			}

			fmt.Println("📜 Audit Log:")
			for _, e := range entries {
				fmt.Printf("[%s] %s on %s by %s → %s\n",
					e.Timestamp.Format(time.RFC3339),
					e.Action,
					e.Backend,
					e.Actor,
					e.Outcome,
				)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show only the last N entries")

	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Verify audit log integrity (hash chain)",
		RunE: func(cmd *cobra.Command, args []string) error {
			logPath, err := auditLogPath()
			if err != nil {
				return err
			}

			fmt.Println("🕵️  Verifying audit log integrity...")
			valid, err := audit.Verify(logPath)
			if err != nil {
				fmt.Printf("❌ Verification FAILED: %v\n", err)
				return errFailed
			}

			if valid {
				fmt.Println("✅ Log integrity verified. Hash chain is unbroken.")
				return nil
			}
			fmt.Println("❌ Log integrity check returned false.")
			return errFailed
		},
	})

	return cmd
}

// auditLogPath reads the audit path from the config without opening the
// lock backend.
func auditLogPath() (string, error) {
	a, err := loadConfigOnly()
	if err != nil {
		return "", err
	}
	return audit.PathFor(a.cfg.Audit.Path, a.dir), nil
}

func secretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage secrets referenced as secret:NAME in the config",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Initialize secrets encryption keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadConfigOnly()
			if err != nil {
				return err
			}

			secretsDir := secrets.Dir(a.cfg.Secrets, a.dir)
			if err := os.MkdirAll(secretsDir, 0700); err != nil {
				return fmt.Errorf("failed to create secrets dir: %w", err)
			}

			pubKey, err := secrets.NewManager(secretsDir).Init()
			if err != nil {
				return err
			}

			fmt.Println("🔐 Secrets initialized!")
			fmt.Printf("🔑 Public Key: %s\n", pubKey)
			fmt.Println("⚠️  (Back up keys.txt, secrets cannot be recovered without it)")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [KEY] [VALUE]",
		Short: "Set a secret",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openSecrets()
			if err != nil {
				return err
			}
			if err := store.Set(args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("🔐 Secret '%s' saved. Reference it as secret:%s\n", args[0], args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rm [KEY]",
		Short: "Delete a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openSecrets()
			if err != nil {
				return err
			}
			if err := store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("🗑️  Secret '%s' deleted.\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored secrets (names only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openSecrets()
			if err != nil {
				return err
			}
			keys, err := store.List()
			if err != nil {
				return err
			}

			if len(keys) == 0 {
				fmt.Println("🔐 No secrets stored.")
				return nil
			}

			fmt.Println("🔐 Stored Secrets:")
			for _, k := range keys {
				fmt.Printf("  • %s\n", k)
			}
			return nil
		},
	})

	return cmd
}

func openSecrets() (secrets.Store, error) {
	a, err := loadConfigOnly()
	if err != nil {
		return nil, err
	}
	return secrets.Open(a.cfg.Secrets, a.dir)
}

func mcpServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp-server",
		Short: "Start the MCP server (stdio transport)",
		Long:  "Exposes status, lock, unlock and audit tools to MCP clients over stdio.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			s := mcp.NewServer(a.ctrl, a.auditPath(), version)
			return s.Run(cmd.Context())
		},
	}
}

func completionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Long: `Generate shell completion scripts for sitelock.

To load completions:

Bash:
  $ source <(sitelock completion bash)
  # Or add to ~/.bashrc:
  $ sitelock completion bash > /etc/bash_completion.d/sitelock

Zsh:
  $ sitelock completion zsh > "${fpath[1]}/_sitelock"

Fish:
  $ sitelock completion fish | source
  $ sitelock completion fish > ~/.config/fish/completions/sitelock.fish

PowerShell:
  PS> sitelock completion powershell | Out-String | Invoke-Expression
`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(os.Stdout)
			case "zsh":
				return cmd.Root().GenZshCompletion(os.Stdout)
			case "fish":
				return cmd.Root().GenFishCompletion(os.Stdout, true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
			default:
				return fmt.Errorf("unsupported shell: %s", args[0])
			}
		},
	}
}

func versionCmd() *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the sitelock version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("sitelock %s\n", version)
			if !check {
				return nil
			}

			rel, err := updater.NewChecker().Check(cmd.Context(), version)
			if err != nil {
				return fmt.Errorf("update check failed: %w", err)
			}
			if rel == nil {
				fmt.Println("✅ You are running the latest version.")
				return nil
			}
			fmt.Printf("🆕 %s is available: %s\n", rel.TagName, rel.HTMLURL)
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "check GitHub for a newer release")
	return cmd
}
