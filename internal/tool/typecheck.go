package tool

import (
	"context"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"toolgov/internal/config"
	"toolgov/internal/domain"
)

// diagnosticLine matches tsc's "file(line,col): error TSxxxx: message" output.
var diagnosticLine = regexp.MustCompile(`^(.+)\((\d+),(\d+)\): error (TS\d+): (.+)$`)

const maxTypecheckOutput = 5000

// Diagnostic is one compiler error.
type Diagnostic struct {
	File    string `json:"file"`
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ParseDiagnostics extracts compiler errors from output. Lines that do not
// look like a diagnostic are dropped.
func ParseDiagnostics(output string) []Diagnostic {
	var diags []Diagnostic
	for _, line := range strings.Split(output, "\n") {
		m := diagnosticLine.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil {
			continue
		}
		ln, _ := strconv.Atoi(m[2])
		col, _ := strconv.Atoi(m[3])
		diags = append(diags, Diagnostic{File: m[1], Line: ln, Column: col, Code: m[4], Message: m[5]})
	}
	return diags
}

// TypeCheckTool runs the project's type checker.
type TypeCheckTool struct {
	root string
	cfg  config.CommandConfig
}

func NewTypeCheckTool(root string, cfg config.CommandConfig) *TypeCheckTool {
	return &TypeCheckTool{root: root, cfg: cfg}
}

func (t *TypeCheckTool) Definition() domain.ToolDefinition {
	return domain.ToolDefinition{
		Name:        "typecheck",
		Description: "Run the TypeScript compiler and report type errors",
		Category:    categoryCommand,
		Parameters: []domain.ToolParameter{
			{Name: "path", Kind: domain.KindString, Description: "File or directory to check, relative to the project root"},
		},
	}
}

type typecheckParams struct {
	Path string `json:"path"`
}

func (t *TypeCheckTool) Execute(ctx context.Context, params map[string]any) (domain.ToolResult, error) {
	var p typecheckParams
	if err := decodeParams(params, &p); err != nil {
		return Failure("Invalid parameters: %v", err), nil
	}
	if len(t.cfg.TypecheckCommand) == 0 {
		return Failure("No type-check command is configured"), nil
	}
	argv := slices.Clone(t.cfg.TypecheckCommand)
	if strings.TrimSpace(p.Path) != "" {
		resolved, err := resolvePath(t.root, p.Path)
		if err != nil {
			return Failure("Access denied: %v", err), nil
		}
		if rel := relPath(t.root, resolved); rel != "." {
			argv = append(argv, rel)
		}
	}

	timeout := time.Duration(t.cfg.TypecheckTimeoutSec) * time.Second
	res, err := runProcess(ctx, t.root, timeout, argv[0], argv[1:]...)
	if err != nil {
		return Failure("Cannot run type checker: %v", err), nil
	}
	if res.TimedOut {
		return Failure("Type check exceeded the timeout of %ds", t.cfg.TypecheckTimeoutSec), nil
	}
	if res.ExitCode == 0 {
		return Success("Type check passed", map[string]any{"passed": true, "errors": []Diagnostic{}}), nil
	}

	combined := res.Stdout + res.Stderr
	diags := ParseDiagnostics(combined)
	if diags == nil {
		diags = []Diagnostic{}
	}
	output, _ := truncate(combined, maxTypecheckOutput)
	return Success(
		"Type check found "+strconv.Itoa(len(diags))+" error(s)",
		map[string]any{"passed": false, "errors": diags, "errorCount": len(diags), "output": output},
	), nil
}

var _ domain.Tool = (*TypeCheckTool)(nil)
