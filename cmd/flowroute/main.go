package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zen-systems/flowroute/pkg/config"
	"github.com/zen-systems/flowroute/pkg/ledger"
	"github.com/zen-systems/flowroute/pkg/server"
	"github.com/zen-systems/flowroute/pkg/task"
	"github.com/zen-systems/flowroute/pkg/workflow"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "flowroute",
		Short: "Cost-aware model router and workflow automation engine",
		Long: `Flowroute routes prompts to the cheapest capable LLM provider, falling
	back across providers on failure, and runs scheduled, webhook and event
	driven workflows on top of the router.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (default ~/.flowroute/config.yaml)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(providersCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(usageCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var addrFlag string
	var graceFlag time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, scheduler and executor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if addrFlag != "" {
				cfg.Server.Addr = addrFlag
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			e, err := newEngine(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				stop()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), graceFlag)
				defer cancel()
				e.close(shutdownCtx)
				e.wait(shutdownCtx)
			}()

			if err := e.scheduler.Start(ctx); err != nil {
				return err
			}
			go reloadOnHangup(ctx, e)

			srv := server.New(
				server.WithRouter(e.pool),
				server.WithTriggers(e.scheduler),
				server.WithExecutions(e.executor),
				server.WithWorkflows(e.workflows),
				server.WithExecutionHistory(e.store),
				server.WithProviders(e.registry),
				server.WithUsage(e.ledger),
				server.WithUsageStore(e.store),
				server.WithCompensator(e.ledger),
				server.WithReloader(e.reloader),
				server.WithMetrics(e.metrics),
				server.WithLogger(e.logger),
			)
			return srv.ListenAndServe(ctx, cfg.Server.Addr, graceFlag)
		},
	}

	cmd.Flags().StringVar(&addrFlag, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().DurationVar(&graceFlag, "grace", 30*time.Second, "shutdown grace period")

	return cmd
}

// reloadOnHangup re-reads the config on every SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, e *engine) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			// Failures are logged by the reloader and leave the running
			// config in place.
			e.reloader.Reload(ctx)
		}
	}
}

func askCmd() *cobra.Command {
	var taskFlag string
	var tierFlag string
	var budgetFlag string
	var overrideFlag string
	var identityFlag string
	var systemFlag string
	var jsonFlag bool

	cmd := &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Route a single prompt and print the answer",
		Long: `Routes one prompt through the full pipeline: rate limit, cache,
	complexity analysis, provider selection and fallback.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx := context.Background()
			e, err := newEngine(ctx, cfg)
			if err != nil {
				return err
			}
			defer e.close(ctx)

			res, err := e.router.Route(ctx, task.Request{
				Input:      args[0],
				System:     systemFlag,
				TaskType:   task.ParseType(taskFlag),
				Identity:   identityFlag,
				CallerTier: task.ParseCallerTier(tierFlag),
				BudgetTier: budgetFlag,
				Override:   overrideFlag,
			})
			if err != nil {
				return err
			}

			if jsonFlag {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			fmt.Fprintf(os.Stderr, "Routed to %s/%s (%s, %.4f)\n", res.Provider, res.Model, res.Complexity.Tier, res.Cost)
			fmt.Println(res.Content)
			return nil
		},
	}

	cmd.Flags().StringVar(&taskFlag, "task", "chat", "task type")
	cmd.Flags().StringVar(&tierFlag, "tier", "authenticated", "caller tier (anonymous, authenticated, premium)")
	cmd.Flags().StringVar(&budgetFlag, "budget", "", "budget tier")
	cmd.Flags().StringVar(&overrideFlag, "provider", "", "force a provider id")
	cmd.Flags().StringVar(&identityFlag, "identity", "cli", "caller identity")
	cmd.Flags().StringVar(&systemFlag, "system", "", "system prompt")
	cmd.Flags().BoolVar(&jsonFlag, "json", false, "print the routed result as JSON")

	return cmd
}

func providersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List configured providers and their pricing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			descs, err := cfg.Descriptors()
			if err != nil {
				return err
			}
			sort.Slice(descs, func(i, j int) bool {
				if descs[i].Capability != descs[j].Capability {
					return descs[i].Capability < descs[j].Capability
				}
				return descs[i].CostPerUnit < descs[j].CostPerUnit
			})

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tADAPTER\tMODEL\tCAPABILITY\tCOST/UNIT\tTASK TYPES\tSTATUS")
			for _, d := range descs {
				types := "*"
				if len(d.TaskTypes) > 0 {
					names := make([]string, len(d.TaskTypes))
					for i, t := range d.TaskTypes {
						names[i] = string(t)
					}
					types = strings.Join(names, ",")
				}
				status := "no key"
				if cfg.HasAdapter(d.Adapter) {
					status = "ready"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.4f\t%s\t%s\n",
					d.ID, d.Adapter, d.Model, d.Capability, d.CostPerUnit, types, status)
			}
			return w.Flush()
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [workflow.yaml...]",
		Short: "Validate the config and workflow definitions",
		Long:  "Validates the config file and workflow YAML without starting anything.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			patterns := args
			if len(patterns) == 0 {
				patterns = cfg.Scheduler.Workflows
			}
			defs, err := workflow.LoadDefinitions(patterns...)
			if err != nil {
				return err
			}
			if _, err := workflow.NewMemoryStore(defs...); err != nil {
				return err
			}
			for _, warning := range cfg.Aliases.UnknownModels(cfg.Providers) {
				fmt.Fprintf(os.Stderr, "warning: %v\n", warning)
			}
			fmt.Printf("Config is valid: %d providers, %d workflows.\n", len(cfg.Providers), len(defs))
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var payloadFlag string
	var waitFlag time.Duration

	cmd := &cobra.Command{
		Use:   "run [workflow-id]",
		Short: "Run a workflow once and print the execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			var payload map[string]any
			if payloadFlag != "" {
				if err := json.Unmarshal([]byte(payloadFlag), &payload); err != nil {
					return fmt.Errorf("payload must be a JSON object: %w", err)
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			e, err := newEngine(ctx, cfg)
			if err != nil {
				return err
			}
			defer e.close(context.Background())

			id, err := e.scheduler.FireManual(ctx, args[0], "cli", payload)
			if err != nil {
				return err
			}
			waitCtx, cancel := context.WithTimeout(ctx, waitFlag)
			defer cancel()
			exec, err := e.executor.Wait(waitCtx, id)
			if err != nil {
				return fmt.Errorf("execution %s: %w", id, err)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(exec); err != nil {
				return err
			}
			if exec.State == workflow.StateFailed {
				return fmt.Errorf("execution %s failed: %s", id, exec.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&payloadFlag, "payload", "", "trigger payload as a JSON object")
	cmd.Flags().DurationVar(&waitFlag, "wait", 10*time.Minute, "how long to wait for the execution")

	return cmd
}

func usageCmd() *cobra.Command {
	var identityFlag string
	var sinceFlag time.Duration

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Summarize recorded cost from the usage store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx := context.Background()
			e, err := newEngine(ctx, cfg)
			if err != nil {
				return err
			}
			defer e.close(ctx)

			now := time.Now()
			records, err := e.store.QueryUsage(ctx, ledger.Filter{
				Identity: identityFlag,
				Since:    now.Add(-sinceFlag),
				Until:    now,
			})
			if err != nil {
				return err
			}
			agg := ledger.Fold(records)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tCOST")
			for _, p := range agg.Providers() {
				fmt.Fprintf(w, "%s\t%.4f\n", p, agg.ByProvider[p])
			}
			fmt.Fprintln(w)
			fmt.Fprintf(w, "TOTAL\t%.4f\t(%d records, %.1f units)\n", agg.TotalCost, agg.Count, agg.TotalUnits)
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&identityFlag, "identity", "", "only this identity")
	cmd.Flags().DurationVar(&sinceFlag, "since", 24*time.Hour, "look back this far")

	return cmd
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.LoadFile(configFile)
	}
	return config.Load()
}
