// Command ftl is the driver CLI (spec.md's top-level operations):
// it loads an inventory, a policy rule file, and an optional secrets
// binding file, wires up an Orchestrator, and runs a module locally or
// against a resolved target, lists a host's modules, registers a host
// dynamically, or drains the event router in listen mode.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/forgewire/ftl/internal/audit"
	"github.com/forgewire/ftl/internal/bundle"
	"github.com/forgewire/ftl/internal/config"
	"github.com/forgewire/ftl/internal/domain"
	"github.com/forgewire/ftl/internal/events"
	"github.com/forgewire/ftl/internal/ftlgate"
	"github.com/forgewire/ftl/internal/gatebuild"
	"github.com/forgewire/ftl/internal/gatelife"
	"github.com/forgewire/ftl/internal/inventory"
	"github.com/forgewire/ftl/internal/logging"
	"github.com/forgewire/ftl/internal/metrics"
	"github.com/forgewire/ftl/internal/observability"
	"github.com/forgewire/ftl/internal/orchestrator"
	"github.com/forgewire/ftl/internal/policy"
	"github.com/forgewire/ftl/internal/secrets"
	"github.com/forgewire/ftl/internal/statestore"
)

var (
	configFile   string
	inventoryArg string
	policyArg    string
	secretsArg   string
	stateArg     string
	replayArg    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "ftl",
		Short:         "ftl drives automation modules against local and remote targets",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a JSON config file (optional, flags/env override)")
	rootCmd.PersistentFlags().StringVar(&inventoryArg, "inventory", "", "path to the inventory YAML file (overrides config)")
	rootCmd.PersistentFlags().StringVar(&policyArg, "policy", "", "path to a JSON policy rule file (overrides config)")
	rootCmd.PersistentFlags().StringVar(&secretsArg, "secrets-file", "", "path to a JSON secrets binding file")
	rootCmd.PersistentFlags().StringVar(&stateArg, "state", "", "path to the dynamic host state file (overrides config)")
	rootCmd.PersistentFlags().StringVar(&replayArg, "replay", "", "path to an audit journal to replay instead of dispatching")

	rootCmd.AddCommand(runCmd(), listModulesCmd(), addHostCmd(), listenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var (
		target    string
		params    []string
		checkMode bool
	)
	cmd := &cobra.Command{
		Use:   "run <module>",
		Short: "Run a module locally, or against --target if set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			module := args[0]
			parsedParams, err := parseParams(params)
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			orch, err := buildOrchestrator(cfg)
			if err != nil {
				return err
			}
			defer closeOrchestrator(cmd.Context(), orch)

			if target != "" {
				results, err := orch.RunOn(cmd.Context(), domain.ModuleRequest{
					Module: module, Params: parsedParams, Target: target, CheckMode: checkMode,
				})
				if err != nil {
					return err
				}
				for _, r := range results {
					printResult(r)
				}
				printSummary(orch.Summary())
				if orch.Failed() {
					return fmt.Errorf("one or more hosts failed")
				}
				return nil
			}

			result, err := orch.Execute(cmd.Context(), module, parsedParams, checkMode)
			printResult(result)
			printSummary(orch.Summary())
			return err
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "host or group name to run against (default: local)")
	cmd.Flags().StringArrayVar(&params, "param", nil, "module parameter as key=value (repeatable)")
	cmd.Flags().BoolVar(&checkMode, "check", false, "run in check (dry-run) mode")
	return cmd
}

func listModulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list-modules [host]",
		Short: "List modules available against host (default: local)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host := ""
			if len(args) == 1 {
				host = args[0]
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			orch, err := buildOrchestrator(cfg)
			if err != nil {
				return err
			}
			defer closeOrchestrator(cmd.Context(), orch)

			names, err := orch.ListModules(cmd.Context(), host)
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		},
	}
	return cmd
}

func addHostCmd() *cobra.Command {
	var (
		address     string
		port        int
		user        string
		connection  string
		interpreter string
		keyFile     string
		password    string
	)
	cmd := &cobra.Command{
		Use:   "add-host <name>",
		Short: "Register a host dynamically, persisted to the state file if one is configured",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			orch, err := buildOrchestrator(cfg)
			if err != nil {
				return err
			}
			defer closeOrchestrator(cmd.Context(), orch)

			kind := domain.ConnectionKind(connection)
			if kind == "" {
				kind = domain.ConnectionSSH
			}
			host := domain.HostSpec{
				Name:           args[0],
				Address:        address,
				Port:           port,
				User:           user,
				Connection:     kind,
				Interpreter:    interpreter,
				PrivateKeyPath: keyFile,
				Password:       password,
			}
			return orch.AddHost(host)
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "host address")
	cmd.Flags().IntVar(&port, "port", 22, "SSH port")
	cmd.Flags().StringVar(&user, "user", "", "SSH user")
	cmd.Flags().StringVar(&connection, "connection", "ssh", "connection kind (ssh, local)")
	cmd.Flags().StringVar(&interpreter, "interpreter", "", "remote gate binary path override")
	cmd.Flags().StringVar(&keyFile, "key-file", "", "private key path")
	cmd.Flags().StringVar(&password, "password", "", "SSH password")
	return cmd
}

func listenCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Block, printing FileChanged and other gate events until --timeout elapses",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			orch, err := buildOrchestrator(cfg)
			if err != nil {
				return err
			}
			defer closeOrchestrator(cmd.Context(), orch)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return orch.Listen(ctx, timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to listen before returning (0 waits until every connection closes)")
	return cmd
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)

	if inventoryArg != "" {
		cfg.InventoryPath = inventoryArg
	}
	if policyArg != "" {
		cfg.PolicyPath = policyArg
	}
	if stateArg != "" {
		cfg.StatePath = stateArg
	}
	return cfg, nil
}

// buildOrchestrator wires every mandatory and optional Orchestrator
// dependency from cfg, the way daemonCmd's config-to-subsystem wiring
// does it: each optional piece is constructed only when its config
// names a usable path, and applied via an orchestrator.Option.
func buildOrchestrator(cfg *config.Config) (*orchestrator.Orchestrator, error) {
	logging.SetLevelFromString(cfg.Logging.Level)

	if err := observability.Init(context.Background(), observability.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
	}); err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	inv, err := inventory.Load(cfg.InventoryPath)
	if err != nil {
		return nil, fmt.Errorf("load inventory: %w", err)
	}

	rules, err := loadPolicyRules(cfg.PolicyPath)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	pol := policy.NewEngine(rules, os.Getenv("FTL_ENV"))

	bundles := bundle.NewCache(cfg.Bundle.CacheDir)
	gates := gatebuild.NewCache(cfg.Gate.CacheDir)
	life := gatelife.NewManager(gatelife.Config{
		Transport:        cfg.Transport,
		RemoteDir:        cfg.Gate.RemoteDir,
		HandshakeTimeout: cfg.Gate.HandshakeLimit,
	}, gates)

	opts := []orchestrator.Option{
		orchestrator.WithGateDispatcherSource(ftlgate.Source),
		orchestrator.WithRequestLogger(logging.Default()),
	}

	if cfg.StatePath != "" {
		store, err := statestore.Open(cfg.StatePath)
		if err != nil {
			return nil, fmt.Errorf("open state store: %w", err)
		}
		for name, host := range store.All() {
			inv.Hosts[name] = host
		}
		opts = append(opts, orchestrator.WithStateStore(store))
	}

	if secretsArg != "" {
		bindings, err := loadSecretBindings(secretsArg)
		if err != nil {
			return nil, fmt.Errorf("load secrets: %w", err)
		}
		opts = append(opts, orchestrator.WithSecrets(secrets.NewResolver(bindings)))
	}

	if cfg.Audit.JournalPath != "" {
		rec := audit.NewRecorder(cfg.Audit.JournalPath, false, false, nil)
		opts = append(opts, orchestrator.WithAuditRecorder(rec))
	}
	if replayArg != "" {
		replayer, err := audit.LoadReplayer(replayArg)
		if err != nil {
			return nil, fmt.Errorf("load replay journal: %w", err)
		}
		opts = append(opts, orchestrator.WithReplayer(replayer))
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, orchestrator.WithMetrics(metrics.New(cfg.Metrics.Namespace)))
	}

	router := events.NewRouter(func(host string) []string {
		var groups []string
		for name, g := range inv.Groups {
			if containsHost(g.Hosts, host) {
				groups = append(groups, name)
			}
		}
		return groups
	})
	router.OnGlobal(func(host, eventType string, data map[string]any) {
		logging.Op().Info("event", "host", host, "type", eventType)
	})
	opts = append(opts, orchestrator.WithEventRouter(router))

	return orchestrator.New(*cfg, inv, pol, bundles, gates, life, opts...), nil
}

func closeOrchestrator(ctx context.Context, orch *orchestrator.Orchestrator) {
	if err := orch.Close(ctx); err != nil {
		logging.Op().Warn("close orchestrator", "error", err)
	}
}

func loadPolicyRules(path string) ([]policy.Rule, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rules []policy.Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	return rules, nil
}

func loadSecretBindings(path string) ([]secrets.Binding, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var bindings []secrets.Binding
	if err := json.Unmarshal(data, &bindings); err != nil {
		return nil, fmt.Errorf("parse secrets file: %w", err)
	}
	return bindings, nil
}

func containsHost(hosts []string, host string) bool {
	for _, h := range hosts {
		if h == host {
			return true
		}
	}
	return false
}

// parseParams turns a slice of "key=value" strings into a params map.
// A value that parses as JSON (a number, bool, object, array) is
// decoded as such; otherwise it's kept as a plain string.
func parseParams(raw []string) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("malformed --param %q, want key=value", kv)
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			out[k] = decoded
		} else {
			out[k] = v
		}
	}
	return out, nil
}

func printResult(r domain.ModuleResult) {
	colorize := isatty.IsTerminal(os.Stdout.Fd())
	status := "ok"
	printer := color.New(color.FgGreen)
	switch {
	case !r.Success:
		status, printer = "failed", color.New(color.FgRed)
	case r.Changed:
		status, printer = "changed", color.New(color.FgYellow)
	}
	line := fmt.Sprintf("[%s] %s on %s (%dms)", status, r.Module, r.Host, r.Duration.Milliseconds())
	if colorize {
		printer.Println(line)
	} else {
		fmt.Println(line)
	}
	if r.Error != "" {
		fmt.Println("  error:", r.Error)
	}
}

// printSummary prints the close-time per-host tally (SPEC_FULL.md's
// supplemented progress-reporter feature), colorized when stdout is a
// terminal.
func printSummary(s orchestrator.Summary) {
	colorize := isatty.IsTerminal(os.Stdout.Fd())
	changed := color.New(color.FgYellow).SprintFunc()
	ok := color.New(color.FgGreen).SprintFunc()
	failed := color.New(color.FgRed).SprintFunc()
	if !colorize {
		changed, ok, failed = fmt.Sprint, fmt.Sprint, fmt.Sprint
	}

	hosts := make([]string, 0, len(s.Hosts))
	for h := range s.Hosts {
		hosts = append(hosts, h)
	}
	for _, h := range hosts {
		c := s.Hosts[h]
		fmt.Printf("%-24s changed=%s ok=%s failed=%s\n", h, changed(strconv.Itoa(c.Changed)), ok(strconv.Itoa(c.OK)), failed(strconv.Itoa(c.Failed)))
	}
	fmt.Printf("TOTAL: changed=%s ok=%s failed=%s\n", changed(strconv.Itoa(s.TotalChanged)), ok(strconv.Itoa(s.TotalOK)), failed(strconv.Itoa(s.TotalFailed)))
}
