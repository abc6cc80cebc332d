package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"toolgov/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Project.Root = t.TempDir()
	cfg.Governance.DBPath = filepath.Join(t.TempDir(), "governance.db")
	return cfg
}

func testApp(t *testing.T, cfg *config.Config) *app {
	t.Helper()
	a, err := buildApp(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestBuildApp_RegistersLocalTools(t *testing.T) {
	a := testApp(t, testConfig(t))

	want := []string{"read_file", "write_file", "list_directory", "search_code", "run_command", "typecheck", "git_status", "git_local_commit"}
	for _, name := range want {
		if a.manager.Get(name) == nil {
			t.Errorf("tool %s not registered", name)
		}
	}
	if a.manager.Get("bi.query") != nil {
		t.Error("bi tools must not be registered when bi is disabled")
	}

	records, err := a.gov.Tools(context.Background())
	if err != nil {
		t.Fatalf("Tools: %v", err)
	}
	if len(records) != len(want) {
		t.Fatalf("governance registry has %d tools, want %d", len(records), len(want))
	}
}

func TestBuildApp_BIToolsWhenEnabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.BI.Enabled = true
	a := testApp(t, cfg)
	if a.manager.Get("bi.query") == nil {
		t.Fatal("bi.query not registered")
	}
}

func TestBuildApp_GovernedDispatch(t *testing.T) {
	cfg := testConfig(t)
	a := testApp(t, cfg)
	ctx := context.Background()

	res := a.manager.Execute(ctx, "write_file", map[string]any{"path": "server/app.ts", "content": "export {}\n"}, "generator")
	if !res.Success {
		t.Fatalf("write_file: %+v", res)
	}
	if _, err := os.Stat(filepath.Join(cfg.Project.Root, "server", "app.ts")); err != nil {
		t.Fatalf("file not written: %v", err)
	}

	res = a.manager.Execute(ctx, "write_file", map[string]any{"path": "server/routes.ts", "content": "x"}, "generator")
	if res.Success || res.Code != "GOVERNANCE_DENIED" {
		t.Fatalf("protected write should be denied by policy, got %+v", res)
	}

	events, err := a.gov.AuditTrail(ctx, 50, "generator")
	if err != nil {
		t.Fatalf("AuditTrail: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("expected audit records for generator")
	}
}

func TestBuildApp_AnonymousCallsNotAudited(t *testing.T) {
	cfg := testConfig(t)
	a := testApp(t, cfg)
	ctx := context.Background()

	for _, path := range []string{".", "server", "."} {
		a.manager.Execute(ctx, "list_directory", map[string]any{"path": path}, "")
	}
	events, err := a.gov.AuditTrail(ctx, 50, "")
	if err != nil {
		t.Fatalf("AuditTrail: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("anonymous calls must not reach the audit trail, got %d rows", len(events))
	}
}

func TestBuildApp_RBACDefaultDeny(t *testing.T) {
	cfg := testConfig(t)
	cfg.RBAC.DefaultPolicy = "deny"
	a := testApp(t, cfg)

	res := a.manager.Execute(context.Background(), "list_directory", map[string]any{"path": "."}, "architect")
	if res.Success || res.Code != "RBAC_DENIED" {
		t.Fatalf("expected RBAC denial, got %+v", res)
	}
	if err := a.gov.SetToolRBAC(context.Background(), "list_directory", []string{"architect"}); err != nil {
		t.Fatal(err)
	}
	res = a.manager.Execute(context.Background(), "list_directory", map[string]any{"path": "."}, "architect")
	if !res.Success {
		t.Fatalf("allowed agent refused: %+v", res)
	}
}

func TestBuildApp_PolicyFile(t *testing.T) {
	cfg := testConfig(t)
	policyFile := filepath.Join(t.TempDir(), "policies.yaml")
	yaml := `policies:
  - name: no-commits
    scope: tool
    target: git_local_commit
    effect: deny
    priority: 5
`
	if err := os.WriteFile(policyFile, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.Governance.PolicyFile = policyFile
	a := testApp(t, cfg)

	res := a.manager.Execute(context.Background(), "git_local_commit", map[string]any{"message": "update things"}, "executor")
	if res.Code != "GOVERNANCE_DENIED" {
		t.Fatalf("expected policy denial, got %+v", res)
	}
}

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"path=server/index.ts", "startLine=3", "recursive=true", `files=["a","b"]`})
	if err != nil {
		t.Fatal(err)
	}
	if params["path"] != "server/index.ts" {
		t.Errorf("path = %v", params["path"])
	}
	if params["startLine"] != 3.0 {
		t.Errorf("startLine = %#v", params["startLine"])
	}
	if params["recursive"] != true {
		t.Errorf("recursive = %#v", params["recursive"])
	}
	if files, ok := params["files"].([]any); !ok || len(files) != 2 {
		t.Errorf("files = %#v", params["files"])
	}

	if _, err := parseParams([]string{"novalue"}); err == nil {
		t.Fatal("expected error for missing '='")
	}
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	src := t.TempDir()
	dbPath := filepath.Join(src, "governance.db")
	cfgPath := filepath.Join(src, "config.json")
	os.WriteFile(dbPath, []byte("db-bytes"), 0o644)
	os.WriteFile(dbPath+"-wal", []byte("wal-bytes"), 0o644)
	os.WriteFile(cfgPath, []byte(`{"general":{}}`), 0o644)

	files := backupFiles(dbPath, cfgPath)
	if len(files) != 3 {
		t.Fatalf("backupFiles = %v", files)
	}
	archive := filepath.Join(t.TempDir(), "b.tar.gz")
	if err := createTarGz(archive, files); err != nil {
		t.Fatalf("createTarGz: %v", err)
	}

	dst := t.TempDir()
	newDB := filepath.Join(dst, "data", "gov.db")
	newCfg := filepath.Join(dst, "config.json")
	restored, err := extractTarGz(archive, newDB, newCfg)
	if err != nil {
		t.Fatalf("extractTarGz: %v", err)
	}
	if len(restored) != 3 {
		t.Fatalf("restored = %v", restored)
	}
	if data, _ := os.ReadFile(newDB); string(data) != "db-bytes" {
		t.Errorf("db content = %q", data)
	}
	if data, _ := os.ReadFile(newDB + "-wal"); string(data) != "wal-bytes" {
		t.Errorf("wal content = %q", data)
	}
	if data, _ := os.ReadFile(newCfg); string(data) != `{"general":{}}` {
		t.Errorf("config content = %q", data)
	}
}

func TestHumanSize(t *testing.T) {
	cases := map[int64]string{512: "512 B", 2048: "2.0 KB", 3 << 20: "3.0 MB"}
	for in, want := range cases {
		if got := humanSize(in); got != want {
			t.Errorf("humanSize(%d) = %q, want %q", in, got, want)
		}
	}
}
