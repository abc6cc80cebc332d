package tool

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"toolgov/internal/config"
	"toolgov/internal/domain"
)

const (
	categoryGit = "Git"
	gitTimeout  = 30 * time.Second
)

var commitSummary = regexp.MustCompile(`\[([^\]]+)\s+([a-f0-9]+)\]`)

// git runs git with argv in root; never through a shell.
func git(ctx context.Context, root string, args ...string) (processResult, error) {
	return runProcess(ctx, root, gitTimeout, "git", args...)
}

// GitFileStatus is one entry of `git status --porcelain`.
type GitFileStatus struct {
	Path     string `json:"path"`
	Index    string `json:"index"`
	Worktree string `json:"worktree"`
}

// GitStatus is the parsed working tree state.
type GitStatus struct {
	Branch    string          `json:"branch"`
	Staged    int             `json:"staged"`
	Unstaged  int             `json:"unstaged"`
	Untracked int             `json:"untracked"`
	Files     []GitFileStatus `json:"files"`
	Clean     bool            `json:"clean"`
}

// ParseGitStatus reads `git status --porcelain=v1 -b` output.
func ParseGitStatus(out string) GitStatus {
	st := GitStatus{Files: []GitFileStatus{}}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "## "); ok {
			branch, _, _ := strings.Cut(rest, "...")
			branch = strings.TrimPrefix(branch, "No commits yet on ")
			st.Branch = strings.TrimSpace(strings.SplitN(branch, " ", 2)[0])
			continue
		}
		if len(line) < 4 {
			continue
		}
		x, y, path := line[0], line[1], line[3:]
		if _, to, ok := strings.Cut(path, " -> "); ok {
			path = to
		}
		f := GitFileStatus{Path: path, Index: string(x), Worktree: string(y)}
		st.Files = append(st.Files, f)
		switch {
		case x == '?' && y == '?':
			st.Untracked++
		default:
			if x != ' ' {
				st.Staged++
			}
			if y != ' ' {
				st.Unstaged++
			}
		}
	}
	st.Clean = len(st.Files) == 0
	return st
}

// GitStatusTool reports branch and changed files of the project repository.
type GitStatusTool struct {
	root string
}

func NewGitStatusTool(root string) *GitStatusTool {
	return &GitStatusTool{root: root}
}

func (t *GitStatusTool) Definition() domain.ToolDefinition {
	return domain.ToolDefinition{
		Name:        "git_status",
		Description: "Show the current branch and changed files",
		Category:    categoryGit,
	}
}

func (t *GitStatusTool) Execute(ctx context.Context, params map[string]any) (domain.ToolResult, error) {
	res, err := git(ctx, t.root, "status", "--porcelain=v1", "-b", "--untracked-files=all")
	if err != nil {
		return Failure("Cannot run git: %v", err), nil
	}
	if res.ExitCode != 0 {
		return Failure("git status failed: %s", strings.TrimSpace(res.Stderr)), nil
	}
	st := ParseGitStatus(res.Stdout)
	msg := fmt.Sprintf("Branch %s: %d staged, %d unstaged, %d untracked", st.Branch, st.Staged, st.Unstaged, st.Untracked)
	if st.Clean {
		msg = fmt.Sprintf("Branch %s: working tree clean", st.Branch)
	}
	return Success(msg, st), nil
}

// GitCommitTool commits project changes to the local repository. It never pushes.
type GitCommitTool struct {
	root string
	cfg  config.GitConfig
}

func NewGitCommitTool(root string, cfg config.GitConfig) *GitCommitTool {
	return &GitCommitTool{root: root, cfg: cfg}
}

func (t *GitCommitTool) Definition() domain.ToolDefinition {
	return domain.ToolDefinition{
		Name:        "git_local_commit",
		Description: "Stage files and create a local git commit",
		Category:    categoryGit,
		Parameters: []domain.ToolParameter{
			{Name: "message", Kind: domain.KindString, Description: "Commit message", Required: true},
			{Name: "files", Kind: domain.KindArray, Description: `Paths to stage; omit or pass ["all"] to stage everything`},
		},
	}
}

type gitCommitParams struct {
	Message string   `json:"message"`
	Files   []string `json:"files"`
}

func (t *GitCommitTool) Execute(ctx context.Context, params map[string]any) (domain.ToolResult, error) {
	var p gitCommitParams
	if err := decodeParams(params, &p); err != nil {
		return Failure("Invalid parameters: %v", err), nil
	}
	p.Message = strings.TrimSpace(p.Message)
	if len(p.Message) < t.cfg.MinMessageLength {
		return Failure("Commit message must be at least %d characters", t.cfg.MinMessageLength), nil
	}

	addArgs := []string{"add", "-A"}
	if len(p.Files) > 0 && !slices.Contains(p.Files, "all") {
		addArgs = []string{"add", "--"}
		for _, f := range p.Files {
			if _, err := resolvePath(t.root, f); err != nil {
				return Failure("Cannot stage %s: %v", f, err), nil
			}
			addArgs = append(addArgs, f)
		}
	}
	res, err := git(ctx, t.root, addArgs...)
	if err != nil {
		return Failure("Cannot run git: %v", err), nil
	}
	if res.ExitCode != 0 {
		return Failure("git add failed: %s", strings.TrimSpace(res.Stderr)), nil
	}

	res, err = git(ctx, t.root, "diff", "--cached", "--quiet")
	if err != nil {
		return Failure("Cannot run git: %v", err), nil
	}
	if res.ExitCode == 0 {
		return Success("Nothing to commit", map[string]any{"committed": false, "reason": "no_changes"}), nil
	}

	res, err = git(ctx, t.root, "commit", "-m", p.Message)
	if err != nil {
		return Failure("Cannot run git: %v", err), nil
	}
	if res.ExitCode != 0 {
		detail := strings.TrimSpace(res.Stderr)
		if detail == "" {
			detail = strings.TrimSpace(res.Stdout)
		}
		return Failure("git commit failed: %s", detail), nil
	}

	branch, hash := parseCommitSummary(res.Stdout)
	return Success(fmt.Sprintf("Committed %s on %s", hash, branch), map[string]any{
		"committed": true,
		"branch":    branch,
		"hash":      hash,
		"message":   p.Message,
	}), nil
}

// parseCommitSummary extracts branch and short hash from "[main abc1234] msg".
func parseCommitSummary(out string) (branch, hash string) {
	m := commitSummary.FindStringSubmatch(out)
	if m == nil {
		return "", ""
	}
	branch = strings.TrimSuffix(strings.TrimSpace(m[1]), " (root-commit)")
	return branch, m[2]
}

var (
	_ domain.Tool = (*GitStatusTool)(nil)
	_ domain.Tool = (*GitCommitTool)(nil)
)
