package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"toolgov/internal/bi"
	"toolgov/internal/config"
	"toolgov/internal/domain"
	"toolgov/internal/githost"
	"toolgov/internal/governance"
	"toolgov/internal/metrics"
	"toolgov/internal/notify"
	"toolgov/internal/security"
	"toolgov/internal/tool"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	store    *governance.Store
	gov      *governance.Service
	manager  *tool.Manager
	catalog  *bi.Catalog
}

// newLogger builds a text handler on stderr, tee'd to logFile when set.
func newLogger(level, logFile string) (*slog.Logger, func(), error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	var w io.Writer = os.Stderr
	closeFn := func() {}
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
		closeFn = func() { f.Close() }
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), closeFn, nil
}

// buildApp opens the governance store, seeds policies and registers every
// enabled tool with a governed manager.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(a.registry)

	store, err := governance.OpenStore(cfg.Governance.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("governance store: %w", err)
	}
	a.store = store
	a.gov = governance.NewService(store, m, logger)

	rules := governance.DefaultPolicies()
	if cfg.Governance.PolicyFile != "" {
		extra, err := governance.LoadPolicyFile(cfg.Governance.PolicyFile)
		if err != nil {
			a.Close()
			return nil, err
		}
		rules = append(rules, extra...)
	}
	if added, err := a.gov.Seed(ctx, rules); err != nil {
		a.Close()
		return nil, fmt.Errorf("seed policies: %w", err)
	} else if added > 0 {
		logger.Info("policies seeded", "added", added)
	}

	var notifier domain.DenialNotifier
	if cfg.Notify.Telegram.Enabled {
		tg, err := notify.NewTelegram(cfg.Notify.Telegram, logger)
		if err != nil {
			logger.Warn("telegram notifier disabled", "err", err)
		} else {
			notifier = tg
		}
	}

	a.manager = tool.NewManager(tool.ManagerConfig{
		Governance:      a.gov,
		RBAC:            a.gov,
		Notifier:        notifier,
		Metrics:         m,
		Logger:          logger,
		RBACDefaultDeny: cfg.RBAC.DefaultPolicy == "deny",
		RBACFailClosed:  !cfg.RBAC.FailOpen,
		AuditAll:        cfg.Audit.Complete,
	})

	tools, err := a.tools(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	for _, t := range tools {
		if err := a.manager.Register(t); err != nil {
			a.Close()
			return nil, fmt.Errorf("register %s: %w", t.Definition().Name, err)
		}
	}
	a.manager.SyncWithGovernance(ctx)
	return a, nil
}

func (a *app) tools(ctx context.Context) ([]domain.Tool, error) {
	cfg := a.cfg
	root := cfg.Project.Root

	var guard domain.WriteGuardrail
	if cfg.Guardrail.Enabled {
		g, err := security.NewGuardrail(cfg.Guardrail, a.logger)
		if err != nil {
			return nil, fmt.Errorf("guardrail: %w", err)
		}
		guard = g
	}

	tools := []domain.Tool{
		tool.NewReadFileTool(root, cfg.Filesystem),
		tool.NewWriteFileTool(root, cfg.Filesystem, guard),
		tool.NewListDirectoryTool(root, cfg.Filesystem),
		tool.NewSearchCodeTool(root, cfg.Filesystem),
		tool.NewCommandTool(root, cfg.Command),
		tool.NewTypeCheckTool(root, cfg.Command),
		tool.NewGitStatusTool(root),
		tool.NewGitCommitTool(root, cfg.Git),
	}

	if cfg.GitHub.Enabled {
		host, err := githost.NewClient(cfg.GitHub, a.logger)
		if err != nil {
			return nil, fmt.Errorf("github: %w", err)
		}
		tools = append(tools, tool.NewGitHubTools(host, cfg.Git.MinMessageLength)...)
	}

	if cfg.BI.Enabled {
		opts := tool.BIOptions{DefaultLimit: cfg.BI.DefaultLimit, PreviewRows: cfg.BI.PreviewRows}
		if cfg.BI.DatabaseURL != "" {
			catalog, err := bi.OpenCatalog(ctx, cfg.BI.DatabaseURL)
			if err != nil {
				a.logger.Warn("bi catalog unavailable, suggestions fall back to previews", "err", err)
			} else {
				a.catalog = catalog
				opts.Catalog = catalog
			}
		}
		tools = append(tools, tool.NewBITools(bi.NewClient(cfg.BI, a.logger), opts)...)
	}
	return tools, nil
}

func (a *app) Close() error {
	var errs []error
	if a.catalog != nil {
		errs = append(errs, a.catalog.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// parseParams turns key=value pairs into a parameter map. Values that parse
// as JSON (numbers, booleans, arrays, objects) keep their JSON type.
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("parameter %q must be key=value", p)
		}
		params[k] = jsonValue(v)
	}
	return params, nil
}
