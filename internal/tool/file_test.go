package tool

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"toolgov/internal/config"
	"toolgov/internal/security"
)

func writeProjectFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func testFSConfig() config.FilesystemConfig {
	return config.Defaults().Filesystem
}

func TestReadFile_LineRange(t *testing.T) {
	root := t.TempDir()
	writeProjectFile(t, root, "server/app.ts", "one\ntwo\nthree\nfour")
	tool := NewReadFileTool(root, testFSConfig())

	res, err := tool.Execute(context.Background(), map[string]any{"path": "server/app.ts", "startLine": 2.0, "endLine": 3.0})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Error)
	}
	data := res.Data.(map[string]any)
	if data["content"] != "two\nthree" {
		t.Fatalf("unexpected content %q", data["content"])
	}
	if data["totalLines"] != 4 || data["linesReturned"] != 2 {
		t.Fatalf("unexpected counts: %v / %v", data["totalLines"], data["linesReturned"])
	}
}

func TestReadFile_Refusals(t *testing.T) {
	root := t.TempDir()
	writeProjectFile(t, root, "node_modules/pkg/index.js", "x")
	writeProjectFile(t, root, "server/secret.bin", "x")
	tool := NewReadFileTool(root, testFSConfig())

	for _, path := range []string{
		"node_modules/pkg/index.js",
		"server/secret.bin",
		"../outside.ts",
		"server/missing.ts",
	} {
		res, _ := tool.Execute(context.Background(), map[string]any{"path": path})
		if res.Success {
			t.Errorf("read of %q should fail", path)
		}
		if res.Error == "" {
			t.Errorf("failed read of %q must carry an error", path)
		}
	}
}

func TestReadFile_SegmentMatchOnly(t *testing.T) {
	root := t.TempDir()
	writeProjectFile(t, root, "server/distribution.ts", "ok")
	tool := NewReadFileTool(root, testFSConfig())
	res, _ := tool.Execute(context.Background(), map[string]any{"path": "server/distribution.ts"})
	if !res.Success {
		t.Fatalf("a file name containing a blocked word is not a blocked directory: %q", res.Error)
	}
}

func TestWriteFile_CreatedThenUpdated(t *testing.T) {
	root := t.TempDir()
	tool := NewWriteFileTool(root, testFSConfig(), nil)

	res, _ := tool.Execute(context.Background(), map[string]any{"path": "server/new/util.ts", "content": "a", "createDirs": true})
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Error)
	}
	if res.Data.(map[string]any)["action"] != "created" {
		t.Fatalf("expected created, got %v", res.Data)
	}

	res, _ = tool.Execute(context.Background(), map[string]any{"path": "server/new/util.ts", "content": "bb", "createDirs": true})
	if res.Data.(map[string]any)["action"] != "updated" {
		t.Fatalf("expected updated, got %v", res.Data)
	}
	got, _ := os.ReadFile(filepath.Join(root, "server/new/util.ts"))
	if string(got) != "bb" {
		t.Fatalf("unexpected file content %q", got)
	}
}

func TestWriteFile_ProtectedFiles(t *testing.T) {
	root := t.TempDir()
	tool := NewWriteFileTool(root, testFSConfig(), nil)
	for _, path := range []string{"package.json", "client/package.json", "server/routes.ts", "../escape.ts"} {
		res, _ := tool.Execute(context.Background(), map[string]any{"path": path, "content": "x", "createDirs": true})
		if res.Success {
			t.Errorf("write to %q should be refused", path)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "package.json")); err == nil {
		t.Fatal("protected file must not be written")
	}
}

func TestWriteFile_ProtectedAbsolutePath(t *testing.T) {
	root := t.TempDir()
	tool := NewWriteFileTool(root, testFSConfig(), nil)

	for _, rel := range []string{"shared/schema.ts", "server/./routes.ts", "client/package.json"} {
		abs := filepath.Join(root, rel)
		res, _ := tool.Execute(context.Background(), map[string]any{"path": abs, "content": "x", "createDirs": true})
		if res.Success {
			t.Errorf("absolute write to %s should be refused", rel)
		}
		if _, err := os.Stat(filepath.Join(root, filepath.Clean(rel))); err == nil {
			t.Errorf("%s must not be written", rel)
		}
	}

	res, _ := tool.Execute(context.Background(), map[string]any{"path": filepath.Join(root, "shared", "types.ts"), "content": "x", "createDirs": true})
	if !res.Success {
		t.Fatalf("absolute path to an ordinary file inside the root should be written, got %q", res.Error)
	}
}

func TestWriteFile_GuardrailRunsFirst(t *testing.T) {
	root := t.TempDir()
	g, err := security.NewGuardrail(config.Defaults().Guardrail, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	tool := NewWriteFileTool(root, testFSConfig(), g)

	res, _ := tool.Execute(context.Background(), map[string]any{"path": "scripts/run.ts", "content": "x", "createDirs": true})
	if res.Success || !strings.HasPrefix(res.Error, "Invalid path") {
		t.Fatalf("expected guardrail path rejection, got %+v", res)
	}

	res, _ = tool.Execute(context.Background(), map[string]any{"path": "server/x.ts", "content": "eval(input)", "createDirs": true})
	if res.Success || !strings.HasPrefix(res.Error, "Invalid content") {
		t.Fatalf("expected guardrail content rejection, got %+v", res)
	}

	res, _ = tool.Execute(context.Background(), map[string]any{"path": "server/x.ts", "content": "export const x = 1", "createDirs": true})
	if !res.Success {
		t.Fatalf("expected write to pass guardrail, got %q", res.Error)
	}
}

func TestListDirectory(t *testing.T) {
	root := t.TempDir()
	writeProjectFile(t, root, "server/a.ts", "a")
	writeProjectFile(t, root, "server/lib/b.ts", "b")
	writeProjectFile(t, root, "server/.secret", "s")
	writeProjectFile(t, root, "server/.env.example", "E=1")
	writeProjectFile(t, root, "server/node_modules/x.js", "x")
	tool := NewListDirectoryTool(root, testFSConfig())

	res, _ := tool.Execute(context.Background(), map[string]any{"path": "server", "recursive": true, "maxDepth": 3.0})
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Error)
	}
	items := res.Data.(map[string]any)["items"].([]DirEntry)
	paths := map[string]string{}
	for _, it := range items {
		paths[it.Path] = it.Type
	}
	for _, want := range []string{"server/a.ts", "server/lib", "server/lib/b.ts", "server/.env.example"} {
		if _, ok := paths[want]; !ok {
			t.Errorf("missing %s in listing %v", want, paths)
		}
	}
	for _, hidden := range []string{"server/.secret", "server/node_modules"} {
		if _, ok := paths[hidden]; ok {
			t.Errorf("%s should be hidden", hidden)
		}
	}
	if paths["server/lib"] != "directory" {
		t.Errorf("server/lib should be a directory, got %q", paths["server/lib"])
	}

	res, _ = tool.Execute(context.Background(), map[string]any{"path": "server"})
	flat := res.Data.(map[string]any)["items"].([]DirEntry)
	for _, it := range flat {
		if it.Path == "server/lib/b.ts" {
			t.Fatal("non-recursive listing must not descend")
		}
	}
}
