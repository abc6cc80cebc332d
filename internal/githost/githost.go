// Package githost reads external GitHub repositories and commits to the
// configured home repository.
package githost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/go-github/v66/github"

	"toolgov/internal/config"
	"toolgov/internal/httpclient"
)

// ErrNotFound is returned when a repository path does not exist.
var ErrNotFound = errors.New("not found")

var repoURLPattern = regexp.MustCompile(`github\.com/([^/]+)/([^/]+)`)

// RepoRef names a repository.
type RepoRef struct {
	Owner string `json:"owner"`
	Repo  string `json:"repo"`
}

func (r RepoRef) String() string { return r.Owner + "/" + r.Repo }

// ParseRepoURL extracts owner and repository from a github.com URL. A
// trailing .git is dropped.
func ParseRepoURL(raw string) (RepoRef, error) {
	m := repoURLPattern.FindStringSubmatch(raw)
	if m == nil {
		return RepoRef{}, fmt.Errorf("invalid repository URL %q: use https://github.com/owner/repo", raw)
	}
	repo := strings.TrimSuffix(m[2], ".git")
	repo, _, _ = strings.Cut(repo, "?")
	repo, _, _ = strings.Cut(repo, "#")
	if repo == "" {
		return RepoRef{}, fmt.Errorf("invalid repository URL %q: missing repository name", raw)
	}
	return RepoRef{Owner: m[1], Repo: repo}, nil
}

// TreeItem is one entry of a recursive repository tree.
type TreeItem struct {
	Path string `json:"path"`
	Type string `json:"type"`
	Size int    `json:"size,omitempty"`
}

// Structure is the full tree of a repository at a branch head.
type Structure struct {
	Owner      string     `json:"owner"`
	Repo       string     `json:"repo"`
	Branch     string     `json:"branch"`
	Tree       []TreeItem `json:"tree"`
	TotalFiles int        `json:"totalFiles"`
	TotalDirs  int        `json:"totalDirs"`
	Truncated  bool       `json:"truncated,omitempty"`
}

// FileContent is a file read from a repository.
type FileContent struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Size    int    `json:"size"`
}

// Entry is one item of a directory listing.
type Entry struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"`
}

// Analysis is the result of AnalyzeRepository.
type Analysis struct {
	Repository string        `json:"repository"`
	Structure  *Structure    `json:"structure"`
	Files      []FileContent `json:"files"`
	Summary    string        `json:"summary"`
}

// CommitFile is one file written by CommitFiles.
type CommitFile struct {
	Path    string `json:"path" mapstructure:"path"`
	Content string `json:"content" mapstructure:"content"`
}

// CommitResult describes a commit pushed to the home repository.
type CommitResult struct {
	SHA    string `json:"commitSha"`
	URL    string `json:"commitUrl"`
	Branch string `json:"branch"`
	Files  int    `json:"files"`
}

// Client wraps the GitHub REST API.
type Client struct {
	gh            *github.Client
	home          RepoRef
	defaultBranch string
	maxPerFocus   int
	logger        *slog.Logger
}

// NewClient builds a client from configuration. BaseURL overrides the API
// endpoint (GitHub Enterprise or tests).
func NewClient(cfg config.GitHubConfig, logger *slog.Logger) (*Client, error) {
	hc := httpclient.New(time.Duration(cfg.TimeoutSec) * time.Second)
	return newClient(hc, cfg, logger)
}

func newClient(hc *http.Client, cfg config.GitHubConfig, logger *slog.Logger) (*Client, error) {
	gh := github.NewClient(hc)
	if cfg.Token != "" {
		gh = gh.WithAuthToken(cfg.Token)
	}
	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("parse github base URL: %w", err)
		}
		gh.BaseURL = u
	}
	branch := cfg.DefaultBranch
	if branch == "" {
		branch = "main"
	}
	maxPerFocus := cfg.MaxFilesPerFocusPath
	if maxPerFocus <= 0 {
		maxPerFocus = 20
	}
	return &Client{
		gh:            gh,
		home:          RepoRef{Owner: cfg.Owner, Repo: cfg.Repo},
		defaultBranch: branch,
		maxPerFocus:   maxPerFocus,
		logger:        logger,
	}, nil
}

// Home is the repository CommitFiles writes to.
func (c *Client) Home() RepoRef { return c.home }

// Structure returns the recursive tree of ref at branch. An empty branch
// means the repository's default branch.
func (c *Client) Structure(ctx context.Context, ref RepoRef, branch string) (*Structure, error) {
	if branch == "" {
		repo, _, err := c.gh.Repositories.Get(ctx, ref.Owner, ref.Repo)
		if err != nil {
			return nil, wrap(err, "get repository %s", ref)
		}
		branch = repo.GetDefaultBranch()
	}
	_, treeSHA, err := c.head(ctx, ref, branch)
	if err != nil {
		return nil, err
	}
	tree, _, err := c.gh.Git.GetTree(ctx, ref.Owner, ref.Repo, treeSHA, true)
	if err != nil {
		return nil, wrap(err, "get tree of %s", ref)
	}

	st := &Structure{Owner: ref.Owner, Repo: ref.Repo, Branch: branch, Truncated: tree.GetTruncated()}
	for _, e := range tree.Entries {
		item := TreeItem{Path: e.GetPath(), Type: e.GetType(), Size: e.GetSize()}
		st.Tree = append(st.Tree, item)
		switch item.Type {
		case "blob":
			st.TotalFiles++
		case "tree":
			st.TotalDirs++
		}
	}
	return st, nil
}

// head resolves a branch to its commit and tree SHAs.
func (c *Client) head(ctx context.Context, ref RepoRef, branch string) (commitSHA, treeSHA string, err error) {
	r, _, err := c.gh.Git.GetRef(ctx, ref.Owner, ref.Repo, "heads/"+branch)
	if err != nil {
		return "", "", wrap(err, "get ref heads/%s of %s", branch, ref)
	}
	commitSHA = r.GetObject().GetSHA()
	commit, _, err := c.gh.Git.GetCommit(ctx, ref.Owner, ref.Repo, commitSHA)
	if err != nil {
		return "", "", wrap(err, "get commit %s of %s", commitSHA, ref)
	}
	return commitSHA, commit.GetTree().GetSHA(), nil
}

// ReadFile returns the decoded content of one file.
func (c *Client) ReadFile(ctx context.Context, ref RepoRef, path, branch string) (string, error) {
	var opts *github.RepositoryContentGetOptions
	if branch != "" {
		opts = &github.RepositoryContentGetOptions{Ref: branch}
	}
	file, _, _, err := c.gh.Repositories.GetContents(ctx, ref.Owner, ref.Repo, path, opts)
	if err != nil {
		return "", wrap(err, "read %s from %s", path, ref)
	}
	if file == nil {
		return "", fmt.Errorf("read %s from %s: is a directory: %w", path, ref, ErrNotFound)
	}
	content, err := file.GetContent()
	if err != nil {
		return "", fmt.Errorf("decode %s from %s: %w", path, ref, err)
	}
	return content, nil
}

// ReadFiles reads each path and skips those that cannot be read.
func (c *Client) ReadFiles(ctx context.Context, ref RepoRef, paths []string, branch string) []FileContent {
	var files []FileContent
	for _, p := range paths {
		if ctx.Err() != nil {
			break
		}
		content, err := c.ReadFile(ctx, ref, p, branch)
		if err != nil {
			c.logger.Debug("skip unreadable external file", "repo", ref.String(), "path", p, "error", err)
			continue
		}
		files = append(files, FileContent{Path: p, Content: content, Size: len(content)})
	}
	return files
}

// ListDirectory lists one directory of a repository.
func (c *Client) ListDirectory(ctx context.Context, ref RepoRef, path string) ([]Entry, error) {
	_, dir, _, err := c.gh.Repositories.GetContents(ctx, ref.Owner, ref.Repo, path, nil)
	if err != nil {
		return nil, wrap(err, "list %q of %s", path, ref)
	}
	entries := make([]Entry, 0, len(dir))
	for _, item := range dir {
		typ := "file"
		if item.GetType() == "dir" {
			typ = "dir"
		}
		entries = append(entries, Entry{Name: item.GetName(), Path: item.GetPath(), Type: typ})
	}
	return entries, nil
}

// SearchFiles returns the file paths containing pattern.
func (c *Client) SearchFiles(ctx context.Context, ref RepoRef, pattern string) ([]string, error) {
	st, err := c.Structure(ctx, ref, "")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, item := range st.Tree {
		if item.Type == "blob" && strings.Contains(item.Path, pattern) {
			paths = append(paths, item.Path)
		}
	}
	return paths, nil
}

// Analyze fetches the tree and reads up to the configured number of files
// under each focus path.
func (c *Client) Analyze(ctx context.Context, ref RepoRef, focusPaths []string) (*Analysis, error) {
	st, err := c.Structure(ctx, ref, "")
	if err != nil {
		return nil, err
	}
	var files []FileContent
	for _, focus := range focusPaths {
		var paths []string
		for _, item := range st.Tree {
			if item.Type == "blob" && strings.HasPrefix(item.Path, focus) {
				paths = append(paths, item.Path)
				if len(paths) == c.maxPerFocus {
					break
				}
			}
		}
		files = append(files, c.ReadFiles(ctx, ref, paths, st.Branch)...)
	}
	return &Analysis{
		Repository: ref.String(),
		Structure:  st,
		Files:      files,
		Summary:    Summarize(st, files),
	}, nil
}

// CommitFiles writes files to branch of the home repository as one commit:
// blobs, a tree on top of the current head, the commit, then the ref update.
func (c *Client) CommitFiles(ctx context.Context, branch, message string, files []CommitFile) (*CommitResult, error) {
	if c.home.Owner == "" || c.home.Repo == "" {
		return nil, errors.New("home repository is not configured")
	}
	if branch == "" {
		branch = c.defaultBranch
	}
	owner, repo := c.home.Owner, c.home.Repo

	parentSHA, baseTree, err := c.head(ctx, c.home, branch)
	if err != nil {
		return nil, err
	}

	entries := make([]*github.TreeEntry, 0, len(files))
	for _, f := range files {
		blob, _, err := c.gh.Git.CreateBlob(ctx, owner, repo, &github.Blob{
			Content:  github.String(f.Content),
			Encoding: github.String("utf-8"),
		})
		if err != nil {
			return nil, wrap(err, "create blob for %s", f.Path)
		}
		entries = append(entries, &github.TreeEntry{
			Path: github.String(f.Path),
			Mode: github.String("100644"),
			Type: github.String("blob"),
			SHA:  blob.SHA,
		})
	}

	tree, _, err := c.gh.Git.CreateTree(ctx, owner, repo, baseTree, entries)
	if err != nil {
		return nil, wrap(err, "create tree")
	}
	commit, _, err := c.gh.Git.CreateCommit(ctx, owner, repo, &github.Commit{
		Message: github.String(message),
		Tree:    &github.Tree{SHA: tree.SHA},
		Parents: []*github.Commit{{SHA: github.String(parentSHA)}},
	}, nil)
	if err != nil {
		return nil, wrap(err, "create commit")
	}
	_, _, err = c.gh.Git.UpdateRef(ctx, owner, repo, &github.Reference{
		Ref:    github.String("heads/" + branch),
		Object: &github.GitObject{SHA: commit.SHA},
	}, false)
	if err != nil {
		return nil, wrap(err, "update heads/%s", branch)
	}

	sha := commit.GetSHA()
	c.logger.Info("commit pushed to home repository", "repo", c.home.String(), "branch", branch, "sha", sha, "files", len(files))
	return &CommitResult{
		SHA:    sha,
		URL:    fmt.Sprintf("https://github.com/%s/%s/commit/%s", owner, repo, sha),
		Branch: branch,
		Files:  len(files),
	}, nil
}

// wrap adds context and maps 404 responses to ErrNotFound.
func wrap(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", msg, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
