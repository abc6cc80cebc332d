package tool

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"toolgov/internal/domain"
	"toolgov/internal/metrics"
)

// ManagerConfig wires the collaborators of a Manager. Every field is optional.
type ManagerConfig struct {
	Governance domain.Governance
	RBAC       domain.RBACRegistry
	Notifier   domain.DenialNotifier
	Metrics    *metrics.Metrics
	Logger     *slog.Logger

	// RBACDefaultDeny refuses tools that have no registry record or an empty allow-list.
	RBACDefaultDeny bool
	// RBACFailClosed refuses calls when the registry lookup itself fails.
	RBACFailClosed bool
	// AuditAll also records RBAC denials, validation failures and unexpected errors.
	AuditAll bool
}

// Manager holds the registered tools and dispatches calls through RBAC,
// governance, validation, execution and audit.
type Manager struct {
	mu         sync.RWMutex
	tools      map[string]domain.Tool
	order      []string
	categories map[string][]string
	catOrder   []string

	syncMu sync.Mutex
	synced bool

	cfg    ManagerConfig
	logger *slog.Logger
}

func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		tools:      make(map[string]domain.Tool),
		categories: make(map[string][]string),
		cfg:        cfg,
		logger:     logger,
	}
}

// Register adds t, replacing any tool already registered under the same name.
func (m *Manager) Register(t domain.Tool) error {
	if t == nil {
		return fmt.Errorf("register: nil tool")
	}
	def := t.Definition()
	if err := def.CheckSchema(); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tools[def.Name]; exists {
		m.removeLocked(def.Name)
	}
	m.tools[def.Name] = t
	m.order = append(m.order, def.Name)
	if _, ok := m.categories[def.Category]; !ok {
		m.catOrder = append(m.catOrder, def.Category)
	}
	m.categories[def.Category] = append(m.categories[def.Category], def.Name)
	m.logger.Debug("registered tool", "name", def.Name, "category", def.Category)
	return nil
}

// Unregister removes a tool. It reports whether the tool was registered.
func (m *Manager) Unregister(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tools[name]; !ok {
		return false
	}
	m.removeLocked(name)
	return true
}

func (m *Manager) removeLocked(name string) {
	t := m.tools[name]
	delete(m.tools, name)
	m.order = slices.DeleteFunc(m.order, func(n string) bool { return n == name })

	cat := t.Definition().Category
	names := slices.DeleteFunc(m.categories[cat], func(n string) bool { return n == name })
	if len(names) == 0 {
		delete(m.categories, cat)
		m.catOrder = slices.DeleteFunc(m.catOrder, func(c string) bool { return c == cat })
		return
	}
	m.categories[cat] = names
}

func (m *Manager) Get(name string) domain.Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tools[name]
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tools)
}

// ListTools returns every definition in registration order.
func (m *Manager) ListTools() []domain.ToolDefinition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.definitionsLocked(m.order)
}

func (m *Manager) ListToolsByCategory(category string) []domain.ToolDefinition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.definitionsLocked(m.categories[category])
}

func (m *Manager) ListCategories() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.catOrder)
}

func (m *Manager) definitionsLocked(names []string) []domain.ToolDefinition {
	defs := make([]domain.ToolDefinition, 0, len(names))
	for _, n := range names {
		defs = append(defs, m.tools[n].Definition())
	}
	return defs
}

// ToolsForPrompt renders the catalog as Markdown grouped by category.
func (m *Manager) ToolsForPrompt() string {
	var sb strings.Builder
	sb.WriteString("## Available Tools\n\n")
	for _, cat := range m.ListCategories() {
		fmt.Fprintf(&sb, "### %s\n\n", cat)
		for _, def := range m.ListToolsByCategory(cat) {
			fmt.Fprintf(&sb, "#### %s\n%s\n\n**Parameters:**\n", def.Name, def.Description)
			for _, p := range def.Parameters {
				req := "(optional)"
				if p.Required {
					req = "(required)"
				}
				fmt.Fprintf(&sb, "- `%s` (%s) %s: %s\n", p.Name, p.Kind, req, p.Description)
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// SyncWithGovernance pushes the catalog to governance once. A failed sync is
// logged and retried on the next call.
func (m *Manager) SyncWithGovernance(ctx context.Context) {
	if m.cfg.Governance == nil {
		return
	}
	m.syncMu.Lock()
	defer m.syncMu.Unlock()
	if m.synced {
		return
	}

	defs := m.ListTools()
	entries := make([]domain.ToolCatalogEntry, 0, len(defs))
	for _, d := range defs {
		entries = append(entries, domain.ToolCatalogEntry{Name: d.Name, Description: d.Description, Category: d.Category})
	}
	n, err := m.cfg.Governance.SyncTools(ctx, entries)
	if err != nil {
		m.logger.Warn("governance sync failed", "err", err)
		return
	}
	m.synced = true
	m.logger.Info("tools synced with governance", "synced", n, "total", len(entries))
}

// Execute dispatches one call. It never returns an error: every outcome is a ToolResult.
func (m *Manager) Execute(ctx context.Context, name string, params map[string]any, agent string) domain.ToolResult {
	t := m.Get(name)
	if t == nil {
		m.cfg.Metrics.ObserveDispatch(name, metrics.OutcomeNotFound)
		return failureCode(CodeNotFound, fmt.Sprintf("Tool not found: %s", name))
	}
	if params == nil {
		params = map[string]any{}
	}
	target := policyTarget(name, params)

	if agent != "" {
		if allowed, reason := m.checkRBAC(ctx, name, agent); !allowed {
			m.cfg.Metrics.ObserveDispatch(name, metrics.OutcomeRBACDenied)
			ev := domain.AuditEvent{
				AgentName: agent, Action: name, Target: target,
				Decision: domain.DecisionRBACDenied, Justification: reason, Input: params,
			}
			if m.cfg.AuditAll {
				m.audit(ctx, ev)
			}
			m.notify(ev)
			return failureCode(CodeRBACDenied, fmt.Sprintf("RBAC denied: %s", reason))
		}

		// Governance audits every evaluation, so anonymous calls skip it.
		if denied, res := m.checkPolicy(ctx, name, target, params, agent); denied {
			m.cfg.Metrics.ObserveDispatch(name, metrics.OutcomeGovernanceDenied)
			return res
		}
	}

	def := t.Definition()
	params = def.WithDefaults(params)
	if err := validate(t, def, params); err != nil {
		m.cfg.Metrics.ObserveDispatch(name, metrics.OutcomeInvalid)
		if agent != "" && m.cfg.AuditAll {
			m.audit(ctx, domain.AuditEvent{
				AgentName: agent, Action: name, Target: target,
				Decision: domain.DecisionInvalid, Justification: err.Error(), Input: params,
			})
		}
		return failureCode(CodeInvalidParams, fmt.Sprintf("Invalid parameters: %s", err))
	}

	start := time.Now()
	res, err := m.safeExecute(ctx, t, params)
	elapsed := time.Since(start)
	m.cfg.Metrics.ObserveDuration(name, elapsed)

	if err != nil {
		m.logger.Error("tool execution error", "tool", name, "agent", agent, "err", err)
		m.cfg.Metrics.ObserveDispatch(name, metrics.OutcomeError)
		if agent != "" && m.cfg.AuditAll {
			m.audit(ctx, domain.AuditEvent{
				AgentName: agent, Action: name, Target: target,
				Decision: domain.DecisionError, Justification: err.Error(), Input: params,
				Output: map[string]any{"success": false, "durationMs": elapsed.Milliseconds()},
			})
		}
		return failureCode(CodeExecutionError, fmt.Sprintf("Tool execution failed: %s", err))
	}

	if agent != "" {
		decision, justification := domain.DecisionExecuted, fmt.Sprintf("Executed in %dms", elapsed.Milliseconds())
		if !res.Success {
			decision, justification = domain.DecisionFailed, res.Error
		}
		m.audit(ctx, domain.AuditEvent{
			AgentName: agent, Action: name, Target: target,
			Decision: decision, Justification: justification, Input: params,
			Output: map[string]any{"success": res.Success, "durationMs": elapsed.Milliseconds()},
		})
	}
	if res.Success {
		m.cfg.Metrics.ObserveDispatch(name, metrics.OutcomeExecuted)
	} else {
		m.cfg.Metrics.ObserveDispatch(name, metrics.OutcomeFailed)
	}
	return res
}

func (m *Manager) checkRBAC(ctx context.Context, name, agent string) (bool, string) {
	if m.cfg.RBAC == nil {
		return !m.cfg.RBACDefaultDeny, "no RBAC registry configured"
	}
	agents, found, err := m.cfg.RBAC.AllowedAgents(ctx, name)
	if err != nil {
		m.logger.Warn("rbac lookup failed", "tool", name, "agent", agent, "err", err)
		if m.cfg.RBACFailClosed {
			return false, fmt.Sprintf("RBAC lookup for %s failed", name)
		}
		return true, ""
	}
	if !found || len(agents) == 0 {
		if m.cfg.RBACDefaultDeny {
			return false, fmt.Sprintf("tool %s has no RBAC grant and the default policy is deny", name)
		}
		return true, ""
	}
	if slices.Contains(agents, agent) || slices.Contains(agents, "*") {
		return true, ""
	}
	return false, fmt.Sprintf("agent %s is not allowed to use %s (allowed: %s)", agent, name, strings.Join(agents, ", "))
}

// checkPolicy asks governance about the call. An evaluation error counts as a denial.
func (m *Manager) checkPolicy(ctx context.Context, name, target string, params map[string]any, agent string) (bool, domain.ToolResult) {
	if m.cfg.Governance == nil {
		return false, domain.ToolResult{}
	}
	decision, err := m.cfg.Governance.EvaluatePolicy(ctx, agent, name, target, params)
	if err != nil {
		m.logger.Error("policy evaluation failed", "tool", name, "agent", agent, "err", err)
		decision = domain.PolicyDecision{Allowed: false, Reason: fmt.Sprintf("policy evaluation failed: %s", err)}
	}
	if decision.Allowed {
		return false, domain.ToolResult{}
	}

	policy := decision.MatchedPolicyName
	if policy == "" {
		policy = "unknown"
	}
	m.logger.Info("governance denied tool call", "tool", name, "agent", agent, "target", target, "policy", policy)
	m.notify(domain.AuditEvent{
		AgentName: agent, Action: name, Target: target,
		Decision: domain.DecisionDenied, Justification: decision.Reason, PolicyID: decision.MatchedPolicyID,
	})
	res := failureCode(CodeGovernanceDenied, fmt.Sprintf("GOVERNANCE_DENIED: %s", policy))
	res.Data = map[string]any{"reason": decision.Reason}
	return true, res
}

func (m *Manager) audit(ctx context.Context, ev domain.AuditEvent) {
	if m.cfg.Governance == nil {
		return
	}
	if err := m.cfg.Governance.RecordAudit(ctx, ev); err != nil {
		m.logger.Warn("audit write failed", "tool", ev.Action, "agent", ev.AgentName, "err", err)
	}
}

func (m *Manager) notify(ev domain.AuditEvent) {
	if m.cfg.Notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.cfg.Notifier.NotifyDenial(ctx, ev); err != nil {
			m.logger.Warn("denial notification failed", "tool", ev.Action, "err", err)
		}
	}()
}

func validate(t domain.Tool, def domain.ToolDefinition, params map[string]any) error {
	if v, ok := t.(domain.ParamValidator); ok {
		return v.ValidateParams(params)
	}
	return def.Validate(params)
}

// safeExecute runs the tool and turns a panic into an error.
func (m *Manager) safeExecute(ctx context.Context, t domain.Tool, params map[string]any) (res domain.ToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("tool panicked", "tool", t.Definition().Name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	res, err = t.Execute(ctx, params)
	if err == nil && !res.Success && res.Error == "" {
		res.Error = res.Message
	}
	return res, err
}
