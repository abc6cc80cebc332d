package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"toolgov/internal/bi"
	"toolgov/internal/config"
	"toolgov/internal/governance"
)

// doctorReport counts check outcomes.
type doctorReport struct {
	passed, warned, failed int
}

func (r *doctorReport) pass(check, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func (r *doctorReport) fail(check, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func (r *doctorReport) warn(check, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your toolgov installation",
		Long: `Verifies that the configuration, project root, governance database,
external integrations and API port are correctly set up.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("toolgov doctor v%s\n\n", version)
			r := &doctorReport{}

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'toolgov init' to create a default configuration.\n")
				return nil
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			r.pass("Config validation", "valid")

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			runDoctorChecks(ctx, cfg, r)

			fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			return nil
		},
	}
}

func runDoctorChecks(ctx context.Context, cfg *config.Config, r *doctorReport) {
	if info, err := os.Stat(cfg.Project.Root); err != nil || !info.IsDir() {
		r.fail("Project root", fmt.Sprintf("not a directory: %s", cfg.Project.Root))
	} else {
		r.pass("Project root", cfg.Project.Root)
	}

	if err := checkGovernanceDB(ctx, cfg.Governance.DBPath); err != nil {
		r.fail("Governance DB", err.Error())
	} else {
		r.pass("Governance DB", cfg.Governance.DBPath)
	}

	if cfg.Governance.PolicyFile != "" {
		if rules, err := governance.LoadPolicyFile(cfg.Governance.PolicyFile); err != nil {
			r.fail("Policy file", err.Error())
		} else {
			r.pass("Policy file", fmt.Sprintf("%d rule(s)", len(rules)))
		}
	}

	if _, err := exec.LookPath("git"); err != nil {
		r.warn("git", "not found in PATH; git tools will fail")
	} else {
		r.pass("git", "available")
	}
	if _, err := exec.LookPath(cfg.Command.TypecheckCommand[0]); err != nil {
		r.warn("Type checker", fmt.Sprintf("%s not found in PATH", cfg.Command.TypecheckCommand[0]))
	} else {
		r.pass("Type checker", cfg.Command.TypecheckCommand[0])
	}

	if cfg.GitHub.Enabled {
		if cfg.GitHub.Token == "" {
			r.warn("GitHub", "enabled without a token; rate limits apply and commits will fail")
		} else {
			r.pass("GitHub", "token configured")
		}
	}

	if cfg.BI.Enabled {
		client := bi.NewClient(cfg.BI, logger)
		if h := client.Health(ctx); h.Online {
			r.pass("BI engine", fmt.Sprintf("%s online", cfg.BI.URL))
		} else {
			r.warn("BI engine", fmt.Sprintf("%s not reachable", cfg.BI.URL))
		}
		if cfg.BI.DatabaseURL != "" {
			if catalog, err := bi.OpenCatalog(ctx, cfg.BI.DatabaseURL); err != nil {
				r.warn("BI catalog", err.Error())
			} else {
				catalog.Close()
				r.pass("BI catalog", "reachable")
			}
		}
	}

	if cfg.Notify.Telegram.Enabled {
		if len(cfg.Notify.Telegram.ChatIDs) == 0 {
			r.warn("Telegram", "enabled without chat ids; denials will not be sent")
		} else {
			r.pass("Telegram", fmt.Sprintf("%d chat(s)", len(cfg.Notify.Telegram.ChatIDs)))
		}
	}

	if cfg.API.Enabled {
		if err := checkPort(cfg.API.Host, cfg.API.Port); err != nil {
			r.warn("API port", fmt.Sprintf("port %d may be in use: %v", cfg.API.Port, err))
		} else {
			r.pass("API port", fmt.Sprintf(":%d available", cfg.API.Port))
		}
		if cfg.API.APIKey == "" {
			r.warn("API key", "admin API is unauthenticated")
		}
	}

	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
		} else {
			r.pass("Log file", cfg.General.LogFile)
		}
	}
}

// checkGovernanceDB opens the store, which runs migrations, and pings it.
func checkGovernanceDB(ctx context.Context, dbPath string) error {
	store, err := governance.OpenStore(dbPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	return nil
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
