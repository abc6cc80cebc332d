package tool

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"toolgov/internal/domain"
	"toolgov/internal/githost"
)

const categoryGitHub = "GitHub"

// RepoHost is the external repository host the GitHub tools read from and
// commit to. Writes only ever target the host's configured home repository.
type RepoHost interface {
	Analyze(ctx context.Context, ref githost.RepoRef, focusPaths []string) (*githost.Analysis, error)
	ReadFile(ctx context.Context, ref githost.RepoRef, path, branch string) (string, error)
	ReadFiles(ctx context.Context, ref githost.RepoRef, paths []string, branch string) []githost.FileContent
	ListDirectory(ctx context.Context, ref githost.RepoRef, path string) ([]githost.Entry, error)
	SearchFiles(ctx context.Context, ref githost.RepoRef, pattern string) ([]string, error)
	CommitFiles(ctx context.Context, branch, message string, files []githost.CommitFile) (*githost.CommitResult, error)
}

var repoURLParam = domain.ToolParameter{
	Name: "repoUrl", Kind: domain.KindString, Required: true,
	Description: "GitHub repository URL, e.g. https://github.com/owner/repo",
}

// NewGitHubTools returns the external repository tools backed by host.
func NewGitHubTools(host RepoHost, minMessageLength int) []domain.Tool {
	return []domain.Tool{
		&AnalyzeRepoTool{host: host},
		&ReadExternalFileTool{host: host},
		&ReadExternalFilesTool{host: host},
		&ListExternalDirectoryTool{host: host},
		&SearchExternalRepoTool{host: host},
		&GitHubCommitTool{host: host, minMessageLength: minMessageLength},
	}
}

// --- AnalyzeRepoTool ---

type AnalyzeRepoTool struct{ host RepoHost }

func (t *AnalyzeRepoTool) Definition() domain.ToolDefinition {
	return domain.ToolDefinition{
		Name:        "analyze_external_repo",
		Description: "Analyze the structure of an external GitHub repository for reference",
		Category:    categoryGitHub,
		Parameters: []domain.ToolParameter{
			repoURLParam,
			{Name: "focusPaths", Kind: domain.KindArray, Description: "Path prefixes whose files should be read, e.g. [\"packages/core/src\"]"},
		},
	}
}

func (t *AnalyzeRepoTool) Execute(ctx context.Context, params map[string]any) (domain.ToolResult, error) {
	var p struct {
		RepoURL    string   `json:"repoUrl"`
		FocusPaths []string `json:"focusPaths"`
	}
	if err := decodeParams(params, &p); err != nil {
		return Failure("Invalid parameters: %v", err), nil
	}
	ref, err := githost.ParseRepoURL(p.RepoURL)
	if err != nil {
		return Failure("Invalid repository URL. Use the form https://github.com/owner/repo"), nil
	}
	a, err := t.host.Analyze(ctx, ref, p.FocusPaths)
	if err != nil {
		return Failure("Cannot analyze %s: %v", ref, err), nil
	}
	return Success("Repository analyzed: "+a.Repository+"\n\n"+a.Summary, a), nil
}

// --- ReadExternalFileTool ---

type ReadExternalFileTool struct{ host RepoHost }

func (t *ReadExternalFileTool) Definition() domain.ToolDefinition {
	return domain.ToolDefinition{
		Name:        "read_external_file",
		Description: "Read one file of an external GitHub repository",
		Category:    categoryGitHub,
		Parameters: []domain.ToolParameter{
			repoURLParam,
			{Name: "filePath", Kind: domain.KindString, Description: "Path of the file inside the repository", Required: true},
		},
	}
}

func (t *ReadExternalFileTool) Execute(ctx context.Context, params map[string]any) (domain.ToolResult, error) {
	var p struct {
		RepoURL  string `json:"repoUrl"`
		FilePath string `json:"filePath"`
	}
	if err := decodeParams(params, &p); err != nil {
		return Failure("Invalid parameters: %v", err), nil
	}
	ref, err := githost.ParseRepoURL(p.RepoURL)
	if err != nil {
		return Failure("Invalid repository URL. Use the form https://github.com/owner/repo"), nil
	}
	content, err := t.host.ReadFile(ctx, ref, p.FilePath, "")
	if errors.Is(err, githost.ErrNotFound) || (err == nil && content == "") {
		return Failure("File not found: %s", p.FilePath), nil
	}
	if err != nil {
		return Failure("Cannot read %s from %s: %v", p.FilePath, ref, err), nil
	}
	return Success(fmt.Sprintf("File read: %s (%d bytes)", p.FilePath, len(content)), map[string]any{
		"path":    p.FilePath,
		"content": content,
	}), nil
}

// --- ReadExternalFilesTool ---

type ReadExternalFilesTool struct{ host RepoHost }

func (t *ReadExternalFilesTool) Definition() domain.ToolDefinition {
	return domain.ToolDefinition{
		Name:        "read_external_files",
		Description: "Read several files of an external GitHub repository",
		Category:    categoryGitHub,
		Parameters: []domain.ToolParameter{
			repoURLParam,
			{Name: "filePaths", Kind: domain.KindArray, Description: "Paths of the files inside the repository", Required: true},
		},
	}
}

func (t *ReadExternalFilesTool) Execute(ctx context.Context, params map[string]any) (domain.ToolResult, error) {
	var p struct {
		RepoURL   string   `json:"repoUrl"`
		FilePaths []string `json:"filePaths"`
	}
	if err := decodeParams(params, &p); err != nil {
		return Failure("Invalid parameters: %v", err), nil
	}
	if len(p.FilePaths) == 0 {
		return Failure("No file paths given"), nil
	}
	ref, err := githost.ParseRepoURL(p.RepoURL)
	if err != nil {
		return Failure("Invalid repository URL. Use the form https://github.com/owner/repo"), nil
	}
	files := t.host.ReadFiles(ctx, ref, p.FilePaths, "")
	if len(files) == 0 {
		return Failure("None of the %d files could be read from %s", len(p.FilePaths), ref), nil
	}
	return Success(fmt.Sprintf("Read %d of %d files from %s", len(files), len(p.FilePaths), ref), map[string]any{
		"files": files,
	}), nil
}

// --- ListExternalDirectoryTool ---

type ListExternalDirectoryTool struct{ host RepoHost }

func (t *ListExternalDirectoryTool) Definition() domain.ToolDefinition {
	return domain.ToolDefinition{
		Name:        "list_external_directory",
		Description: "List a directory of an external GitHub repository",
		Category:    categoryGitHub,
		Parameters: []domain.ToolParameter{
			repoURLParam,
			{Name: "path", Kind: domain.KindString, Description: "Directory inside the repository; empty for the root"},
		},
	}
}

func (t *ListExternalDirectoryTool) Execute(ctx context.Context, params map[string]any) (domain.ToolResult, error) {
	var p struct {
		RepoURL string `json:"repoUrl"`
		Path    string `json:"path"`
	}
	if err := decodeParams(params, &p); err != nil {
		return Failure("Invalid parameters: %v", err), nil
	}
	ref, err := githost.ParseRepoURL(p.RepoURL)
	if err != nil {
		return Failure("Invalid repository URL. Use the form https://github.com/owner/repo"), nil
	}
	entries, err := t.host.ListDirectory(ctx, ref, strings.Trim(p.Path, "/"))
	if err != nil {
		return Failure("Cannot list %q of %s: %v", p.Path, ref, err), nil
	}
	return Success(fmt.Sprintf("Listed %d entries", len(entries)), map[string]any{
		"path":    p.Path,
		"entries": entries,
	}), nil
}

// --- SearchExternalRepoTool ---

type SearchExternalRepoTool struct{ host RepoHost }

func (t *SearchExternalRepoTool) Definition() domain.ToolDefinition {
	return domain.ToolDefinition{
		Name:        "search_external_repo",
		Description: "Find files in an external GitHub repository whose path contains a pattern",
		Category:    categoryGitHub,
		Parameters: []domain.ToolParameter{
			repoURLParam,
			{Name: "pattern", Kind: domain.KindString, Description: "Substring to look for in file paths", Required: true},
		},
	}
}

func (t *SearchExternalRepoTool) Execute(ctx context.Context, params map[string]any) (domain.ToolResult, error) {
	var p struct {
		RepoURL string `json:"repoUrl"`
		Pattern string `json:"pattern"`
	}
	if err := decodeParams(params, &p); err != nil {
		return Failure("Invalid parameters: %v", err), nil
	}
	if strings.TrimSpace(p.Pattern) == "" {
		return Failure("Search pattern is empty"), nil
	}
	ref, err := githost.ParseRepoURL(p.RepoURL)
	if err != nil {
		return Failure("Invalid repository URL. Use the form https://github.com/owner/repo"), nil
	}
	paths, err := t.host.SearchFiles(ctx, ref, p.Pattern)
	if err != nil {
		return Failure("Cannot search %s: %v", ref, err), nil
	}
	return Success(fmt.Sprintf("Found %d files matching %q", len(paths), p.Pattern), map[string]any{
		"pattern": p.Pattern,
		"files":   paths,
	}), nil
}

// --- GitHubCommitTool ---

// GitHubCommitTool commits files to the home repository. It has no owner or
// repository parameter.
type GitHubCommitTool struct {
	host             RepoHost
	minMessageLength int
}

func (t *GitHubCommitTool) Definition() domain.ToolDefinition {
	return domain.ToolDefinition{
		Name:        "github_commit",
		Description: "Commit files to the project's GitHub repository",
		Category:    categoryGitHub,
		Parameters: []domain.ToolParameter{
			{Name: "message", Kind: domain.KindString, Description: "Commit message (conventional commits)", Required: true},
			{Name: "files", Kind: domain.KindArray, Description: "Objects with path and content", Required: true},
			{Name: "branch", Kind: domain.KindString, Description: "Target branch", Default: "main"},
		},
	}
}

func (t *GitHubCommitTool) Execute(ctx context.Context, params map[string]any) (domain.ToolResult, error) {
	var p struct {
		Message string               `json:"message"`
		Files   []githost.CommitFile `json:"files"`
		Branch  string               `json:"branch"`
	}
	if err := decodeParams(params, &p); err != nil {
		return Failure("Invalid parameters: %v", err), nil
	}
	if len(p.Files) == 0 {
		return Failure("No files given to commit"), nil
	}
	if len(strings.TrimSpace(p.Message)) < t.minMessageLength {
		return Failure("Commit message must be at least %d characters", t.minMessageLength), nil
	}
	for _, f := range p.Files {
		if strings.TrimSpace(f.Path) == "" {
			return Failure("Every file needs a path"), nil
		}
	}
	res, err := t.host.CommitFiles(ctx, p.Branch, p.Message, p.Files)
	if err != nil {
		return Failure("Commit failed: %v", err), nil
	}
	return Success("Commit created: "+res.URL, map[string]any{
		"files":     res.Files,
		"commitSha": res.SHA,
		"commitUrl": res.URL,
		"branch":    res.Branch,
	}), nil
}

var (
	_ domain.Tool = (*AnalyzeRepoTool)(nil)
	_ domain.Tool = (*ReadExternalFileTool)(nil)
	_ domain.Tool = (*ReadExternalFilesTool)(nil)
	_ domain.Tool = (*ListExternalDirectoryTool)(nil)
	_ domain.Tool = (*SearchExternalRepoTool)(nil)
	_ domain.Tool = (*GitHubCommitTool)(nil)
	_ RepoHost    = (*githost.Client)(nil)
)
