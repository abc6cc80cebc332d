package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"toolgov/internal/config"
	"toolgov/internal/domain"
)

const categoryCommand = "Command"

// processResult is the outcome of one child process.
type processResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// runProcess runs name with args in dir under a timeout. A non-zero exit is
// reported through ExitCode, not err; err is reserved for start failures.
func runProcess(ctx context.Context, dir string, timeout time.Duration, name string, args ...string) (processResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.WaitDelay = 2 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := processResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if ctx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.ExitCode = -1
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if err != nil {
		return res, err
	}
	return res, nil
}

// shellOperators are refused so one allowed prefix cannot chain a second command.
// Pipes stay allowed; every pipeline stage is checked on its own.
var shellOperators = []string{";", "&&", "||", "`", "$(", ">", "<", "\n"}

// CommandTool runs allow-listed shell commands in the project root.
type CommandTool struct {
	root    string
	cfg     config.CommandConfig
	blocked []string // lower-cased blocked terms
}

func NewCommandTool(root string, cfg config.CommandConfig) *CommandTool {
	blocked := make([]string, 0, len(cfg.BlockedTerms))
	for _, term := range cfg.BlockedTerms {
		blocked = append(blocked, strings.ToLower(term))
	}
	return &CommandTool{root: root, cfg: cfg, blocked: blocked}
}

func (t *CommandTool) Definition() domain.ToolDefinition {
	return domain.ToolDefinition{
		Name:        "run_command",
		Description: "Run an allow-listed shell command in the project",
		Category:    categoryCommand,
		Parameters: []domain.ToolParameter{
			{Name: "command", Kind: domain.KindString, Description: "Command to run", Required: true},
			{Name: "timeout", Kind: domain.KindNumber, Description: fmt.Sprintf("Timeout in ms (max %d)", t.cfg.MaxTimeoutMs), Default: t.cfg.DefaultTimeoutMs},
		},
	}
}

type commandParams struct {
	Command string `json:"command"`
	Timeout int    `json:"timeout"`
}

// CheckCommand applies the allow-list and then the blocked terms. A blocked
// term matches anywhere in the command, inside longer words too.
func (t *CommandTool) CheckCommand(command string) error {
	command = strings.TrimSpace(command)
	if command == "" {
		return errors.New("command is empty")
	}
	for _, op := range shellOperators {
		if strings.Contains(command, op) {
			return fmt.Errorf("shell operator %q is not allowed", op)
		}
	}
	for _, stage := range strings.Split(command, "|") {
		if !t.allowedPrefix(strings.TrimSpace(stage)) {
			return fmt.Errorf("command not allowed. Allowed commands: %s", strings.Join(t.cfg.AllowedPrefixes, ", "))
		}
	}
	lower := strings.ToLower(command)
	for i, term := range t.blocked {
		if strings.Contains(lower, term) {
			return fmt.Errorf("command blocked for safety: %s", t.cfg.BlockedTerms[i])
		}
	}
	return nil
}

func (t *CommandTool) allowedPrefix(stage string) bool {
	for _, prefix := range t.cfg.AllowedPrefixes {
		if stage == prefix || strings.HasPrefix(stage, prefix+" ") {
			return true
		}
	}
	return false
}

func (t *CommandTool) Execute(ctx context.Context, params map[string]any) (domain.ToolResult, error) {
	p := commandParams{Timeout: t.cfg.DefaultTimeoutMs}
	if err := decodeParams(params, &p); err != nil {
		return Failure("Invalid parameters: %v", err), nil
	}
	p.Command = strings.TrimSpace(p.Command)
	if err := t.CheckCommand(p.Command); err != nil {
		return Failure("%s", capitalize(err.Error())), nil
	}
	timeoutMs := p.Timeout
	if timeoutMs <= 0 {
		timeoutMs = t.cfg.DefaultTimeoutMs
	}
	timeoutMs = min(timeoutMs, t.cfg.MaxTimeoutMs)

	res, err := runProcess(ctx, t.root, time.Duration(timeoutMs)*time.Millisecond, "sh", "-c", p.Command)
	if err != nil {
		return Failure("Cannot start command: %v", err), nil
	}
	if res.TimedOut {
		r := Failure("Command exceeded the timeout of %dms", timeoutMs)
		r.Data = map[string]any{"command": p.Command, "timedOut": true}
		return r, nil
	}

	output := res.Stdout
	if res.Stderr != "" {
		output += "\nSTDERR: " + res.Stderr
	}
	output, truncated := truncate(output, t.cfg.MaxOutputBytes)
	data := map[string]any{
		"command":   p.Command,
		"output":    output,
		"truncated": truncated,
		"exitCode":  res.ExitCode,
	}
	if res.ExitCode != 0 {
		r := Failure("Command failed with exit code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
		r.Data = data
		return r, nil
	}
	return Success("Command executed: "+p.Command, data), nil
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

var _ domain.Tool = (*CommandTool)(nil)
