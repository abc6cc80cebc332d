package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"toolgov/internal/api"
	"toolgov/internal/config"
	"toolgov/internal/governance"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:          "toolgov",
		Short:        "toolgov: governed tool execution for autonomous agents",
		Long:         "toolgov registers the tools an agent may call and checks every call against RBAC and policy before it runs.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.toolgov/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(toolsCmd())
	root.AddCommand(execCmd())
	root.AddCommand(auditCmd())
	root.AddCommand(policyCmd())
	root.AddCommand(rbacCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// withApp loads the config, configures logging and runs fn against a wired app.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	l, closeLog, err := newLogger(cfg.General.LogLevel, cfg.General.LogFile)
	if err != nil {
		return err
	}
	defer closeLog()
	logger = l

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// jsonValue decodes v as JSON when possible and falls back to the raw string.
func jsonValue(v string) any {
	var out any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return v
	}
	return out
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the governance database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			logger.Info("initialized", "config", cfgPath, "governance", cfg.Governance.DBPath, "tools", a.manager.Count())
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the admin HTTP API",
		Long:  "Serves the tool catalog, dispatch, governance administration and metrics over HTTP. Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if port == 0 {
					port = a.cfg.API.Port
				}
				srv := api.NewServer(api.Config{
					Host:       a.cfg.API.Host,
					Port:       port,
					APIKey:     a.cfg.API.APIKey,
					Tools:      a.manager,
					Governance: a.gov,
					Gatherer:   a.registry,
					Logger:     a.logger,

					RatePerMinute: a.cfg.API.RatePerMinute,
					RateBurst:     a.cfg.API.RateBurst,
				})
				if err := srv.Start(ctx); err != nil {
					return fmt.Errorf("admin API: %w", err)
				}
				a.logger.Info("shutdown complete")
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (default: api.port)")
	return cmd
}

func toolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect registered tools",
	}

	var category string
	list := &cobra.Command{
		Use:   "list",
		Short: "List registered tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				defs := a.manager.ListTools()
				if category != "" {
					defs = a.manager.ListToolsByCategory(category)
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tCATEGORY\tDESCRIPTION")
				for _, d := range defs {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Name, d.Category, d.Description)
				}
				return tw.Flush()
			})
		},
	}
	list.Flags().StringVar(&category, "category", "", "only tools of this category")

	prompt := &cobra.Command{
		Use:   "prompt",
		Short: "Print the tool catalog as rendered for the planner prompt",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				fmt.Print(a.manager.ToolsForPrompt())
				return nil
			})
		},
	}

	cmd.AddCommand(list, prompt)
	return cmd
}

func execCmd() *cobra.Command {
	var agent, rawJSON string
	cmd := &cobra.Command{
		Use:   "exec <tool> [key=value ...]",
		Short: "Execute a tool through the governed dispatcher",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(args[1:])
			if err != nil {
				return err
			}
			if rawJSON != "" {
				if err := json.Unmarshal([]byte(rawJSON), &params); err != nil {
					return fmt.Errorf("--json: %w", err)
				}
			}
			return withApp(func(ctx context.Context, a *app) error {
				res := a.manager.Execute(ctx, args[0], params, agent)
				if err := printJSON(res); err != nil {
					return err
				}
				if !res.Success {
					return fmt.Errorf("%s", res.Error)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&agent, "agent", "a", "", "calling agent name (enables RBAC)")
	cmd.Flags().StringVar(&rawJSON, "json", "", "parameters as a JSON object, merged over key=value pairs")
	return cmd
}

func auditCmd() *cobra.Command {
	var limit int
	var agent string
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the most recent audit records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				events, err := a.gov.AuditTrail(ctx, limit, agent)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TIME\tAGENT\tACTION\tTARGET\tDECISION")
				for _, ev := range events {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", ev.CreatedAt.Format("2006-01-02 15:04:05"), ev.AgentName, ev.Action, ev.Target, ev.Decision)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of records")
	cmd.Flags().StringVar(&agent, "agent", "", "only records of this agent")
	return cmd
}

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage governance policies",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				rules, err := a.gov.Policies(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tSCOPE\tTARGET\tEFFECT\tPRIORITY\tACTIVE")
				for _, r := range rules {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%t\n", r.ID, r.Name, r.Scope, r.Target, r.Effect, r.Priority, r.Active)
				}
				return tw.Flush()
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "test",
		Short: "Run the built-in policy self-test suite",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				suite := a.gov.RunPolicyTests(ctx, governance.DefaultPolicyTests)
				for _, r := range suite.Results {
					mark := "PASS"
					if !r.Passed {
						mark = "FAIL"
					}
					fmt.Printf("  [%s] %-28s %s\n", mark, r.Name, r.Description)
				}
				fmt.Printf("\n%d/%d passed\n", suite.Passed, suite.Total)
				if suite.Failed > 0 {
					return fmt.Errorf("%d policy test(s) failed", suite.Failed)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "load <file.yaml>",
		Short: "Add the policies of a YAML file that are not stored yet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := governance.LoadPolicyFile(args[0])
			if err != nil {
				return err
			}
			return withApp(func(ctx context.Context, a *app) error {
				added, err := a.gov.Seed(ctx, rules)
				if err != nil {
					return err
				}
				a.logger.Info("policies loaded", "file", args[0], "added", added, "skipped", len(rules)-added)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "enable <id>",
		Short: "Activate a policy",
		Args:  cobra.ExactArgs(1),
		RunE:  setPolicyActive(true),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "disable <id>",
		Short: "Deactivate a policy",
		Args:  cobra.ExactArgs(1),
		RunE:  setPolicyActive(false),
	})
	return cmd
}

func setPolicyActive(active bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		var id int64
		if _, err := fmt.Sscan(args[0], &id); err != nil {
			return fmt.Errorf("invalid policy id %q", args[0])
		}
		return withApp(func(ctx context.Context, a *app) error {
			if err := a.gov.SetPolicyActive(ctx, id, active); err != nil {
				return err
			}
			a.logger.Info("policy updated", "id", id, "active", active)
			return nil
		})
	}
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rbac",
		Short: "Manage which agents may call which tools",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List tools with their allowed agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				records, err := a.gov.Tools(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TOOL\tCATEGORY\tALLOWED AGENTS")
				for _, r := range records {
					agents := "*"
					if len(r.AllowedAgents) > 0 {
						data, _ := json.Marshal(r.AllowedAgents)
						agents = string(data)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Name, r.Category, agents)
				}
				return tw.Flush()
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <tool> [agent ...]",
		Short: "Set the allowed agents of a tool (no agents clears the restriction)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if err := a.gov.SetToolRBAC(ctx, args[0], args[1:]); err != nil {
					return err
				}
				a.logger.Info("rbac updated", "tool", args[0], "agents", args[1:])
				return nil
			})
		},
	})
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. rbac.defaultPolicy)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			return printJSON(val)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. rbac.defaultPolicy deny)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:     "show",
		Aliases: []string{"list"},
		Short:   "Show all config values with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return printJSON(config.Sanitize(cfg))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
