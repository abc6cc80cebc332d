package tool

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"toolgov/internal/domain"
	"toolgov/internal/metrics"
)

// stubTool is a minimal tool for exercising the manager.
type stubTool struct {
	def   domain.ToolDefinition
	res   domain.ToolResult
	err   error
	panic bool

	mu    sync.Mutex
	calls int
	last  map[string]any
}

func newStub(name, category string, params ...domain.ToolParameter) *stubTool {
	return &stubTool{
		def: domain.ToolDefinition{Name: name, Description: "stub: " + name, Category: category, Parameters: params},
		res: Success("ok", nil),
	}
}

func (s *stubTool) Definition() domain.ToolDefinition { return s.def }

func (s *stubTool) Execute(ctx context.Context, params map[string]any) (domain.ToolResult, error) {
	s.mu.Lock()
	s.calls++
	s.last = params
	s.mu.Unlock()
	if s.panic {
		panic("boom")
	}
	return s.res, s.err
}

func (s *stubTool) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var _ domain.Tool = (*stubTool)(nil)

type fakeGovernance struct {
	mu       sync.Mutex
	decision domain.PolicyDecision
	evalErr  error
	syncErr  error
	evals    int
	syncs    int
	audits   []domain.AuditEvent
}

func allowAll() *fakeGovernance {
	return &fakeGovernance{decision: domain.PolicyDecision{Allowed: true, Reason: "allowed"}}
}

func (g *fakeGovernance) SyncTools(ctx context.Context, tools []domain.ToolCatalogEntry) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.syncs++
	if g.syncErr != nil {
		return 0, g.syncErr
	}
	return len(tools), nil
}

func (g *fakeGovernance) EvaluatePolicy(ctx context.Context, agent, action, target string, params map[string]any) (domain.PolicyDecision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.evals++
	return g.decision, g.evalErr
}

func (g *fakeGovernance) RecordAudit(ctx context.Context, ev domain.AuditEvent) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.audits = append(g.audits, ev)
	return nil
}

func (g *fakeGovernance) auditLog() []domain.AuditEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.AuditEvent(nil), g.audits...)
}

type fakeRBAC struct {
	agents map[string][]string
	err    error
	calls  int
}

func (r *fakeRBAC) AllowedAgents(ctx context.Context, tool string) ([]string, bool, error) {
	r.calls++
	if r.err != nil {
		return nil, false, r.err
	}
	a, ok := r.agents[tool]
	return a, ok, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestManager_RegisterAndGet(t *testing.T) {
	m := NewManager(ManagerConfig{Logger: testLogger()})
	if err := m.Register(newStub("test_tool", "Test")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if m.Get("test_tool") == nil {
		t.Fatal("expected to find registered tool")
	}
	if m.Get("nonexistent") != nil {
		t.Fatal("expected nil for unknown tool")
	}
	if m.Count() != 1 {
		t.Fatalf("expected count 1, got %d", m.Count())
	}
}

func TestManager_RegisterRejectsBadSchemas(t *testing.T) {
	m := NewManager(ManagerConfig{Logger: testLogger()})
	if err := m.Register(nil); err == nil {
		t.Fatal("nil tool should be rejected")
	}
	if err := m.Register(newStub("", "Test")); err == nil {
		t.Fatal("empty name should be rejected")
	}
	dup := newStub("dup", "Test",
		domain.ToolParameter{Name: "a", Kind: domain.KindString},
		domain.ToolParameter{Name: "a", Kind: domain.KindString})
	if err := m.Register(dup); err == nil {
		t.Fatal("duplicate parameter names should be rejected")
	}
	if m.Count() != 0 {
		t.Fatalf("rejected tools must not be registered, count=%d", m.Count())
	}
}

func TestManager_ReregisterReplacesWithoutDuplicates(t *testing.T) {
	m := NewManager(ManagerConfig{Logger: testLogger()})
	m.Register(newStub("a", "Files"))
	m.Register(newStub("b", "Files"))
	m.Register(newStub("a", "Files"))
	m.Register(newStub("b", "Git"))

	files := m.ListToolsByCategory("Files")
	if len(files) != 1 || files[0].Name != "a" {
		t.Fatalf("expected Files=[a], got %+v", files)
	}
	if git := m.ListToolsByCategory("Git"); len(git) != 1 || git[0].Name != "b" {
		t.Fatalf("expected Git=[b], got %+v", git)
	}
	if m.Count() != 2 || len(m.ListTools()) != 2 {
		t.Fatalf("expected 2 tools, got count=%d list=%d", m.Count(), len(m.ListTools()))
	}
}

func TestManager_Unregister(t *testing.T) {
	m := NewManager(ManagerConfig{Logger: testLogger()})
	m.Register(newStub("a", "Files"))
	if !m.Unregister("a") {
		t.Fatal("expected unregister to report true")
	}
	if m.Unregister("a") {
		t.Fatal("second unregister should report false")
	}
	if len(m.ListCategories()) != 0 {
		t.Fatalf("empty category should be dropped, got %v", m.ListCategories())
	}
}

func TestManager_CategoriesInRegistrationOrder(t *testing.T) {
	m := NewManager(ManagerConfig{Logger: testLogger()})
	m.Register(newStub("git_status", "Git"))
	m.Register(newStub("read_file", "Files"))
	m.Register(newStub("git_local_commit", "Git"))

	cats := m.ListCategories()
	if len(cats) != 2 || cats[0] != "Git" || cats[1] != "Files" {
		t.Fatalf("unexpected categories %v", cats)
	}
	git := m.ListToolsByCategory("Git")
	if len(git) != 2 || git[0].Name != "git_status" || git[1].Name != "git_local_commit" {
		t.Fatalf("unexpected Git tools %+v", git)
	}
}

func TestManager_ExecuteUnknownTouchesNothing(t *testing.T) {
	gov := allowAll()
	rbac := &fakeRBAC{}
	m := NewManager(ManagerConfig{Governance: gov, RBAC: rbac, AuditAll: true, Logger: testLogger()})

	res := m.Execute(context.Background(), "missing", nil, "coder")
	if res.Success || res.Code != CodeNotFound {
		t.Fatalf("expected TOOL_NOT_FOUND, got %+v", res)
	}
	if rbac.calls != 0 || gov.evals != 0 || len(gov.auditLog()) != 0 {
		t.Fatalf("unknown tool must not reach rbac/governance/audit: rbac=%d evals=%d audits=%d",
			rbac.calls, gov.evals, len(gov.auditLog()))
	}
}

func TestManager_ExecuteAuditsNamedAgentOnce(t *testing.T) {
	gov := allowAll()
	m := NewManager(ManagerConfig{Governance: gov, Logger: testLogger()})
	tool := newStub("echo", "Test", domain.ToolParameter{Name: "path", Kind: domain.KindString, Required: true})
	m.Register(tool)

	res := m.Execute(context.Background(), "echo", map[string]any{"path": "server/x.ts"}, "coder")
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	audits := gov.auditLog()
	if len(audits) != 1 {
		t.Fatalf("expected exactly one audit record, got %d", len(audits))
	}
	ev := audits[0]
	if ev.Decision != domain.DecisionExecuted || ev.AgentName != "coder" || ev.Target != "server/x.ts" {
		t.Fatalf("unexpected audit %+v", ev)
	}
	if ev.Output["success"] != true {
		t.Fatalf("audit output should carry success, got %v", ev.Output)
	}
	if _, ok := ev.Output["durationMs"]; !ok {
		t.Fatal("audit output should carry durationMs")
	}
}

func TestManager_ExecuteFailedResultAudited(t *testing.T) {
	gov := allowAll()
	m := NewManager(ManagerConfig{Governance: gov, Logger: testLogger()})
	tool := newStub("fail", "Test")
	tool.res = Failure("File not found: x")
	m.Register(tool)

	res := m.Execute(context.Background(), "fail", nil, "coder")
	if res.Success || res.Error != "File not found: x" {
		t.Fatalf("tool result should pass through unchanged, got %+v", res)
	}
	audits := gov.auditLog()
	if len(audits) != 1 || audits[0].Decision != domain.DecisionFailed || audits[0].Justification != "File not found: x" {
		t.Fatalf("unexpected audits %+v", audits)
	}
}

func TestManager_AnonymousNeverAudited(t *testing.T) {
	gov := allowAll()
	m := NewManager(ManagerConfig{Governance: gov, AuditAll: true, Logger: testLogger()})
	m.Register(newStub("echo", "Test", domain.ToolParameter{Name: "n", Kind: domain.KindNumber, Required: true}))

	m.Execute(context.Background(), "echo", map[string]any{"n": 1.0}, "")
	m.Execute(context.Background(), "echo", map[string]any{}, "")
	if n := len(gov.auditLog()); n != 0 {
		t.Fatalf("anonymous calls must not be audited, got %d records", n)
	}
	if gov.evals != 0 {
		t.Fatalf("anonymous calls must skip governance, evals=%d", gov.evals)
	}
}

func TestManager_RBAC(t *testing.T) {
	rbac := &fakeRBAC{agents: map[string][]string{
		"restricted": {"planner", "reviewer"},
		"open":       {"*"},
	}}
	gov := allowAll()
	m := NewManager(ManagerConfig{Governance: gov, RBAC: rbac, Logger: testLogger()})
	restricted := newStub("restricted", "Test")
	m.Register(restricted)
	m.Register(newStub("open", "Test"))
	m.Register(newStub("unlisted", "Test"))

	res := m.Execute(context.Background(), "restricted", nil, "coder")
	if res.Success || res.Code != CodeRBACDenied {
		t.Fatalf("expected RBAC_DENIED, got %+v", res)
	}
	if !strings.Contains(res.Error, "planner") || !strings.Contains(res.Error, "reviewer") {
		t.Fatalf("denial should name permitted agents, got %q", res.Error)
	}
	if restricted.callCount() != 0 {
		t.Fatal("denied tool must not execute")
	}
	if gov.evals != 0 {
		t.Fatal("RBAC denial must short-circuit governance")
	}

	if res := m.Execute(context.Background(), "restricted", nil, "planner"); !res.Success {
		t.Fatalf("listed agent should be allowed, got %+v", res)
	}
	if res := m.Execute(context.Background(), "open", nil, "anyone"); !res.Success {
		t.Fatalf("wildcard should allow any agent, got %+v", res)
	}
	if res := m.Execute(context.Background(), "unlisted", nil, "anyone"); !res.Success {
		t.Fatalf("unlisted tool should be allowed by default, got %+v", res)
	}
}

func TestManager_RBACDefaultDenyAndFailClosed(t *testing.T) {
	rbac := &fakeRBAC{agents: map[string][]string{}}
	m := NewManager(ManagerConfig{RBAC: rbac, RBACDefaultDeny: true, Logger: testLogger()})
	m.Register(newStub("unlisted", "Test"))

	if res := m.Execute(context.Background(), "unlisted", nil, "coder"); res.Code != CodeRBACDenied {
		t.Fatalf("default deny should refuse unlisted tools, got %+v", res)
	}
	if res := m.Execute(context.Background(), "unlisted", nil, ""); !res.Success {
		t.Fatalf("anonymous calls skip RBAC, got %+v", res)
	}

	rbac.err = errors.New("db down")
	open := NewManager(ManagerConfig{RBAC: rbac, Logger: testLogger()})
	open.Register(newStub("x", "Test"))
	if res := open.Execute(context.Background(), "x", nil, "coder"); !res.Success {
		t.Fatalf("lookup failure should fail open by default, got %+v", res)
	}
	closed := NewManager(ManagerConfig{RBAC: rbac, RBACFailClosed: true, Logger: testLogger()})
	closed.Register(newStub("x", "Test"))
	if res := closed.Execute(context.Background(), "x", nil, "coder"); res.Code != CodeRBACDenied {
		t.Fatalf("lookup failure should deny when fail-closed, got %+v", res)
	}
}

func TestManager_RBACDenialAuditedOnlyWithAuditAll(t *testing.T) {
	rbac := &fakeRBAC{agents: map[string][]string{"x": {"planner"}}}
	for _, auditAll := range []bool{false, true} {
		gov := allowAll()
		m := NewManager(ManagerConfig{Governance: gov, RBAC: rbac, AuditAll: auditAll, Logger: testLogger()})
		m.Register(newStub("x", "Test"))
		m.Execute(context.Background(), "x", nil, "coder")

		audits := gov.auditLog()
		if !auditAll && len(audits) != 0 {
			t.Fatalf("auditAll=false: expected no records, got %+v", audits)
		}
		if auditAll && (len(audits) != 1 || audits[0].Decision != domain.DecisionRBACDenied) {
			t.Fatalf("auditAll=true: expected one rbac_denied record, got %+v", audits)
		}
	}
}

func TestManager_GovernanceDenial(t *testing.T) {
	gov := &fakeGovernance{decision: domain.PolicyDecision{
		Allowed: false, Reason: "protected file", MatchedPolicyID: 3, MatchedPolicyName: "protect-routes",
	}}
	m := NewManager(ManagerConfig{Governance: gov, AuditAll: true, Logger: testLogger()})
	tool := newStub("write_file", "Files")
	m.Register(tool)

	res := m.Execute(context.Background(), "write_file", map[string]any{"path": "server/routes.ts"}, "coder")
	if res.Success || res.Code != CodeGovernanceDenied {
		t.Fatalf("expected governance denial, got %+v", res)
	}
	if !strings.Contains(res.Error, "GOVERNANCE_DENIED: protect-routes") {
		t.Fatalf("denial should name the policy, got %q", res.Error)
	}
	if tool.callCount() != 0 {
		t.Fatal("denied tool must not execute")
	}
	if n := len(gov.auditLog()); n != 0 {
		t.Fatalf("governance records its own denials; manager wrote %d", n)
	}
}

func TestManager_GovernanceErrorFailsClosed(t *testing.T) {
	gov := &fakeGovernance{evalErr: errors.New("store unavailable")}
	m := NewManager(ManagerConfig{Governance: gov, Logger: testLogger()})
	tool := newStub("x", "Test")
	m.Register(tool)

	res := m.Execute(context.Background(), "x", nil, "coder")
	if res.Code != CodeGovernanceDenied || !strings.Contains(res.Error, "unknown") {
		t.Fatalf("evaluation error must deny with unknown policy, got %+v", res)
	}
	if tool.callCount() != 0 {
		t.Fatal("tool must not execute when governance errors")
	}
}

func TestManager_PolicyTargetDerivation(t *testing.T) {
	cases := []struct {
		params map[string]any
		want   string
	}{
		{map[string]any{"path": "a.ts", "file": "b.ts", "command": "ls"}, "a.ts"},
		{map[string]any{"file": "b.ts", "command": "ls"}, "b.ts"},
		{map[string]any{"command": "ls"}, "ls"},
		{map[string]any{}, "tool_x"},
		{nil, "tool_x"},
	}
	for _, c := range cases {
		if got := policyTarget("tool_x", c.params); got != c.want {
			t.Errorf("policyTarget(%v) = %q, want %q", c.params, got, c.want)
		}
	}
}

func TestManager_InvalidParams(t *testing.T) {
	gov := allowAll()
	m := NewManager(ManagerConfig{Governance: gov, AuditAll: true, Logger: testLogger()})
	tool := newStub("read", "Files", domain.ToolParameter{Name: "path", Kind: domain.KindString, Required: true})
	m.Register(tool)

	res := m.Execute(context.Background(), "read", map[string]any{"path": 12.0}, "coder")
	if res.Code != CodeInvalidParams {
		t.Fatalf("expected INVALID_PARAMS, got %+v", res)
	}
	if tool.callCount() != 0 {
		t.Fatal("invalid call must not execute")
	}
	audits := gov.auditLog()
	if len(audits) != 1 || audits[0].Decision != domain.DecisionInvalid {
		t.Fatalf("expected one invalid audit, got %+v", audits)
	}
}

type customValidated struct{ *stubTool }

func (c customValidated) ValidateParams(params map[string]any) error {
	if _, ok := params["magic"]; !ok {
		return errors.New("magic word required")
	}
	return nil
}

func TestManager_CustomValidator(t *testing.T) {
	m := NewManager(ManagerConfig{Logger: testLogger()})
	m.Register(customValidated{newStub("custom", "Test")})

	res := m.Execute(context.Background(), "custom", nil, "")
	if res.Code != CodeInvalidParams || !strings.Contains(res.Error, "magic word") {
		t.Fatalf("custom validator should run, got %+v", res)
	}
	if res := m.Execute(context.Background(), "custom", map[string]any{"magic": true}, ""); !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
}

func TestManager_DefaultsApplied(t *testing.T) {
	m := NewManager(ManagerConfig{Logger: testLogger()})
	tool := newStub("list", "Files", domain.ToolParameter{Name: "maxDepth", Kind: domain.KindNumber, Default: 3})
	m.Register(tool)

	m.Execute(context.Background(), "list", nil, "")
	if tool.last["maxDepth"] != 3 {
		t.Fatalf("expected default maxDepth=3, got %v", tool.last["maxDepth"])
	}
}

func TestManager_ErrorAndPanicBecomeExecutionError(t *testing.T) {
	gov := allowAll()
	m := NewManager(ManagerConfig{Governance: gov, Logger: testLogger()})
	failing := newStub("erroring", "Test")
	failing.err = errors.New("disk on fire")
	panicking := newStub("panicking", "Test")
	panicking.panic = true
	m.Register(failing)
	m.Register(panicking)

	for _, name := range []string{"erroring", "panicking"} {
		res := m.Execute(context.Background(), name, nil, "coder")
		if res.Success || res.Code != CodeExecutionError || res.Error == "" {
			t.Fatalf("%s: expected EXECUTION_ERROR, got %+v", name, res)
		}
	}
	if n := len(gov.auditLog()); n != 0 {
		t.Fatalf("unexpected errors are only audited with AuditAll, got %d records", n)
	}
}

func TestManager_ToolsForPromptDeterministic(t *testing.T) {
	m := NewManager(ManagerConfig{Logger: testLogger()})
	m.Register(newStub("read_file", "Files",
		domain.ToolParameter{Name: "path", Kind: domain.KindString, Required: true, Description: "file path"},
		domain.ToolParameter{Name: "startLine", Kind: domain.KindNumber, Description: "first line"}))
	m.Register(newStub("git_status", "Git"))

	first := m.ToolsForPrompt()
	if first != m.ToolsForPrompt() {
		t.Fatal("prompt output must be deterministic")
	}
	for _, want := range []string{
		"### Files", "### Git", "#### read_file",
		"- `path` (string) (required): file path",
		"- `startLine` (number) (optional): first line",
	} {
		if !strings.Contains(first, want) {
			t.Errorf("prompt missing %q:\n%s", want, first)
		}
	}
	if strings.Index(first, "### Files") > strings.Index(first, "### Git") {
		t.Fatal("categories should render in registration order")
	}
}

func TestManager_SyncWithGovernance(t *testing.T) {
	gov := allowAll()
	gov.syncErr = errors.New("unavailable")
	m := NewManager(ManagerConfig{Governance: gov, Logger: testLogger()})
	m.Register(newStub("a", "Test"))

	m.SyncWithGovernance(context.Background())
	gov.syncErr = nil
	m.SyncWithGovernance(context.Background())
	m.SyncWithGovernance(context.Background())

	if gov.syncs != 2 {
		t.Fatalf("expected a retry after failure and then no more syncs, got %d", gov.syncs)
	}
}

func TestManager_Metrics(t *testing.T) {
	met := metrics.New(prometheus.NewRegistry())
	m := NewManager(ManagerConfig{Metrics: met, Logger: testLogger()})
	m.Register(newStub("echo", "Test"))

	m.Execute(context.Background(), "echo", nil, "")
	m.Execute(context.Background(), "nope", nil, "")

	if got := testutil.ToFloat64(met.Dispatch.WithLabelValues("echo", metrics.OutcomeExecuted)); got != 1 {
		t.Fatalf("executed counter: got %v", got)
	}
	if got := testutil.ToFloat64(met.Dispatch.WithLabelValues("nope", metrics.OutcomeNotFound)); got != 1 {
		t.Fatalf("not_found counter: got %v", got)
	}
}

type chanNotifier struct{ ch chan domain.AuditEvent }

func (n chanNotifier) NotifyDenial(ctx context.Context, ev domain.AuditEvent) error {
	n.ch <- ev
	return nil
}

func TestManager_NotifiesDenials(t *testing.T) {
	n := chanNotifier{ch: make(chan domain.AuditEvent, 1)}
	gov := &fakeGovernance{decision: domain.PolicyDecision{Allowed: false, MatchedPolicyName: "no-rm"}}
	m := NewManager(ManagerConfig{Governance: gov, Notifier: n, Logger: testLogger()})
	m.Register(newStub("run_command", "Command"))

	m.Execute(context.Background(), "run_command", map[string]any{"command": "rm -rf /"}, "coder")
	ev := <-n.ch
	if ev.Action != "run_command" || ev.Target != "rm -rf /" || ev.Decision != domain.DecisionDenied {
		t.Fatalf("unexpected notification %+v", ev)
	}
}
