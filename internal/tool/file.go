package tool

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"toolgov/internal/config"
	"toolgov/internal/domain"
)

const categoryFilesystem = "Filesystem"

// resolvePath resolves a project-relative path and refuses anything outside root.
func resolvePath(root, path string) (string, error) {
	path = strings.TrimSpace(path)
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve project root: %w", err)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(rootAbs, path)
	}
	resolved := filepath.Clean(path)
	if resolved != rootAbs && !strings.HasPrefix(resolved, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the project", path)
	}
	return resolved, nil
}

// relPath renders abs relative to root with forward slashes.
func relPath(root, abs string) string {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return abs
	}
	rel, err := filepath.Rel(rootAbs, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}

// blockedSegment returns the first path segment that names a blocked directory.
func blockedSegment(path string, blocked []string) (string, bool) {
	for _, seg := range strings.FieldsFunc(filepath.ToSlash(path), func(r rune) bool { return r == '/' }) {
		if slices.Contains(blocked, seg) {
			return seg, true
		}
	}
	return "", false
}

func allowedExtension(path string, allowed []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return slices.Contains(allowed, ext)
}

// --- ReadFileTool ---

// ReadFileTool reads a project file, optionally a line range of it.
type ReadFileTool struct {
	root string
	cfg  config.FilesystemConfig
}

func NewReadFileTool(root string, cfg config.FilesystemConfig) *ReadFileTool {
	return &ReadFileTool{root: root, cfg: cfg}
}

func (t *ReadFileTool) Definition() domain.ToolDefinition {
	return domain.ToolDefinition{
		Name:        "read_file",
		Description: "Read the contents of a project file",
		Category:    categoryFilesystem,
		Parameters: []domain.ToolParameter{
			{Name: "path", Kind: domain.KindString, Description: "File path relative to the project root", Required: true},
			{Name: "startLine", Kind: domain.KindNumber, Description: "First line to return (1-based)"},
			{Name: "endLine", Kind: domain.KindNumber, Description: "Last line to return (inclusive)"},
		},
	}
}

type readFileParams struct {
	Path      string `json:"path"`
	StartLine int    `json:"startLine"`
	EndLine   int    `json:"endLine"`
}

func (t *ReadFileTool) Execute(ctx context.Context, params map[string]any) (domain.ToolResult, error) {
	var p readFileParams
	if err := decodeParams(params, &p); err != nil {
		return Failure("Invalid parameters: %v", err), nil
	}
	if seg, ok := blockedSegment(p.Path, t.cfg.BlockedDirs); ok {
		return Failure("Access denied to path %s (blocked directory %s)", p.Path, seg), nil
	}
	if !allowedExtension(p.Path, t.cfg.AllowedExtensions) {
		return Failure("File extension not allowed: %q", filepath.Ext(p.Path)), nil
	}
	resolved, err := resolvePath(t.root, p.Path)
	if err != nil {
		return Failure("Access outside the project is not allowed: %s", p.Path), nil
	}

	data, err := os.ReadFile(resolved)
	if errors.Is(err, fs.ErrNotExist) {
		return Failure("File not found: %s", p.Path), nil
	}
	if err != nil {
		return Failure("Cannot read file %s: %v", p.Path, err), nil
	}

	lines := strings.Split(string(data), "\n")
	selected := lines
	if p.StartLine > 0 || p.EndLine > 0 {
		start := max(p.StartLine, 1) - 1
		end := len(lines)
		if p.EndLine > 0 && p.EndLine < end {
			end = p.EndLine
		}
		if start > end {
			start = end
		}
		selected = lines[start:end]
	}

	return Success(fmt.Sprintf("Read %s (%d lines)", p.Path, len(selected)), map[string]any{
		"path":          p.Path,
		"content":       strings.Join(selected, "\n"),
		"totalLines":    len(lines),
		"linesReturned": len(selected),
	}), nil
}

// --- WriteFileTool ---

// WriteFileTool creates or overwrites a project file after the guardrail and
// protected-file checks pass.
type WriteFileTool struct {
	root      string
	cfg       config.FilesystemConfig
	guardrail domain.WriteGuardrail
}

func NewWriteFileTool(root string, cfg config.FilesystemConfig, guardrail domain.WriteGuardrail) *WriteFileTool {
	return &WriteFileTool{root: root, cfg: cfg, guardrail: guardrail}
}

func (t *WriteFileTool) Definition() domain.ToolDefinition {
	return domain.ToolDefinition{
		Name:        "write_file",
		Description: "Write or create a project file",
		Category:    categoryFilesystem,
		Parameters: []domain.ToolParameter{
			{Name: "path", Kind: domain.KindString, Description: "File path relative to the project root", Required: true},
			{Name: "content", Kind: domain.KindString, Description: "Content to write", Required: true},
			{Name: "createDirs", Kind: domain.KindBoolean, Description: "Create parent directories when missing", Default: true},
		},
	}
}

type writeFileParams struct {
	Path       string `json:"path"`
	Content    string `json:"content"`
	CreateDirs bool   `json:"createDirs"`
}

func (t *WriteFileTool) Execute(ctx context.Context, params map[string]any) (domain.ToolResult, error) {
	p := writeFileParams{CreateDirs: true}
	if err := decodeParams(params, &p); err != nil {
		return Failure("Invalid parameters: %v", err), nil
	}

	if t.guardrail != nil {
		if err := t.guardrail.ValidateFilePath(p.Path); err != nil {
			return Failure("Invalid path: %v", err), nil
		}
		if err := t.guardrail.ValidateContent(p.Content); err != nil {
			return Failure("Invalid content: %v", err), nil
		}
	}

	resolved, err := resolvePath(t.root, p.Path)
	if err != nil {
		return Failure("Writing outside the project is not allowed: %s", p.Path), nil
	}
	// Compare on the root-relative form so absolute spellings are caught too.
	rel := relPath(t.root, resolved)
	if name := filepath.Base(rel); slices.Contains(t.cfg.BlockedFiles, name) {
		return Failure("Protected file: %s", name), nil
	}
	if slices.Contains(t.cfg.ProtectedPaths, rel) {
		return Failure("Critical file is protected and cannot be overwritten: %s", rel), nil
	}
	if p.CreateDirs {
		if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
			return Failure("Cannot create directory for %s: %v", p.Path, err), nil
		}
	}

	action := "created"
	if _, err := os.Stat(resolved); err == nil {
		action = "updated"
	}
	if err := os.WriteFile(resolved, []byte(p.Content), 0o644); err != nil {
		return Failure("Cannot write file %s: %v", p.Path, err), nil
	}

	msg := "File created: " + p.Path
	if action == "updated" {
		msg = "File updated: " + p.Path
	}
	return Success(msg, map[string]any{
		"path":   p.Path,
		"action": action,
		"size":   len(p.Content),
	}), nil
}

// --- ListDirectoryTool ---

// ListDirectoryTool lists a project directory, optionally recursively.
type ListDirectoryTool struct {
	root string
	cfg  config.FilesystemConfig
}

func NewListDirectoryTool(root string, cfg config.FilesystemConfig) *ListDirectoryTool {
	return &ListDirectoryTool{root: root, cfg: cfg}
}

func (t *ListDirectoryTool) Definition() domain.ToolDefinition {
	return domain.ToolDefinition{
		Name:        "list_directory",
		Description: "List files and folders of a project directory",
		Category:    categoryFilesystem,
		Parameters: []domain.ToolParameter{
			{Name: "path", Kind: domain.KindString, Description: "Directory path relative to the project root", Required: true},
			{Name: "recursive", Kind: domain.KindBoolean, Description: "List subdirectories too", Default: false},
			{Name: "maxDepth", Kind: domain.KindNumber, Description: "Maximum depth when recursive", Default: 3},
		},
	}
}

type listDirParams struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
	MaxDepth  int    `json:"maxDepth"`
}

// DirEntry is one item of a directory listing.
type DirEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Path string `json:"path"`
	Size int64  `json:"size,omitempty"`
}

func (t *ListDirectoryTool) Execute(ctx context.Context, params map[string]any) (domain.ToolResult, error) {
	p := listDirParams{MaxDepth: 3}
	if err := decodeParams(params, &p); err != nil {
		return Failure("Invalid parameters: %v", err), nil
	}
	if p.Path == "" {
		p.Path = "."
	}
	if seg, ok := blockedSegment(p.Path, t.cfg.BlockedDirs); ok {
		return Failure("Access denied to path %s (blocked directory %s)", p.Path, seg), nil
	}
	resolved, err := resolvePath(t.root, p.Path)
	if err != nil {
		return Failure("Access outside the project is not allowed: %s", p.Path), nil
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return Failure("Cannot list directory %s: %v", p.Path, err), nil
	}
	if !info.IsDir() {
		return Failure("Not a directory: %s", p.Path), nil
	}

	items := t.list(ctx, resolved, p.Recursive, p.MaxDepth, 0)
	return Success(fmt.Sprintf("Listed %d items in %s", len(items), p.Path), map[string]any{
		"path":  p.Path,
		"items": items,
		"count": len(items),
	}), nil
}

func (t *ListDirectoryTool) list(ctx context.Context, dir string, recursive bool, maxDepth, depth int) []DirEntry {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil // unreadable subdirectories are skipped
	}
	var items []DirEntry
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		name := e.Name()
		if slices.Contains(t.cfg.BlockedDirs, name) {
			continue
		}
		if strings.HasPrefix(name, ".") && name != ".env.example" {
			continue
		}
		full := filepath.Join(dir, name)
		if e.IsDir() {
			items = append(items, DirEntry{Name: name, Type: "directory", Path: relPath(t.root, full)})
			if recursive && depth < maxDepth {
				items = append(items, t.list(ctx, full, recursive, maxDepth, depth+1)...)
			}
			continue
		}
		entry := DirEntry{Name: name, Type: "file", Path: relPath(t.root, full)}
		if info, err := e.Info(); err == nil {
			entry.Size = info.Size()
		}
		items = append(items, entry)
	}
	return items
}

// Compile-time interface checks.
var (
	_ domain.Tool = (*ReadFileTool)(nil)
	_ domain.Tool = (*WriteFileTool)(nil)
	_ domain.Tool = (*ListDirectoryTool)(nil)
)
