package tool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"toolgov/internal/config"
	"toolgov/internal/domain"
)

const maxMatchLineChars = 200

var errSearchLimit = errors.New("search limit reached")

// SearchCodeTool greps project source files with a case-insensitive regex.
type SearchCodeTool struct {
	root string
	cfg  config.FilesystemConfig
}

func NewSearchCodeTool(root string, cfg config.FilesystemConfig) *SearchCodeTool {
	return &SearchCodeTool{root: root, cfg: cfg}
}

func (t *SearchCodeTool) Definition() domain.ToolDefinition {
	return domain.ToolDefinition{
		Name:        "search_code",
		Description: "Search project source code for text or a regular expression",
		Category:    categoryFilesystem,
		Parameters: []domain.ToolParameter{
			{Name: "query", Kind: domain.KindString, Description: "Text or regular expression to find", Required: true},
			{Name: "path", Kind: domain.KindString, Description: "Directory to search instead of the default source directories"},
			{Name: "filePattern", Kind: domain.KindString, Description: "Glob on file names, e.g. *.tsx"},
			{Name: "maxResults", Kind: domain.KindNumber, Description: "Maximum number of matches", Default: 50},
		},
	}
}

type searchParams struct {
	Query       string `json:"query"`
	Path        string `json:"path"`
	FilePattern string `json:"filePattern"`
	MaxResults  int    `json:"maxResults"`
}

// SearchMatch is one matching line.
type SearchMatch struct {
	File    string `json:"file"`
	Line    int    `json:"line"`
	Content string `json:"content"`
}

func (t *SearchCodeTool) Execute(ctx context.Context, params map[string]any) (domain.ToolResult, error) {
	p := searchParams{MaxResults: t.cfg.MaxSearchResults}
	if err := decodeParams(params, &p); err != nil {
		return Failure("Invalid parameters: %v", err), nil
	}
	if p.MaxResults <= 0 {
		p.MaxResults = 50
	}
	re, err := regexp.Compile("(?i)" + p.Query)
	if err != nil {
		return Failure("Invalid search pattern %q: %v", p.Query, err), nil
	}
	if p.FilePattern != "" {
		if _, err := filepath.Match(p.FilePattern, ""); err != nil {
			return Failure("Invalid file pattern %q: %v", p.FilePattern, err), nil
		}
	}

	dirs := t.cfg.SearchDirs
	if p.Path != "" {
		if seg, ok := blockedSegment(p.Path, t.cfg.BlockedDirs); ok {
			return Failure("Access denied to path %s (blocked directory %s)", p.Path, seg), nil
		}
		dirs = []string{p.Path}
	}

	var matches []SearchMatch
	for _, dir := range dirs {
		resolved, err := resolvePath(t.root, dir)
		if err != nil {
			return Failure("Access outside the project is not allowed: %s", dir), nil
		}
		err = t.walk(ctx, resolved, re, p.FilePattern, p.MaxResults, &matches)
		if errors.Is(err, errSearchLimit) {
			break
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Failure("Search failed: %v", err), nil
		}
	}

	return Success(fmt.Sprintf("Found %d results for %q", len(matches), p.Query), map[string]any{
		"query":      p.Query,
		"results":    matches,
		"totalFound": len(matches),
	}), nil
}

func (t *SearchCodeTool) walk(ctx context.Context, dir string, re *regexp.Regexp, pattern string, limit int, matches *[]SearchMatch) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil // skip unreadable entries
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != dir && slices.Contains(t.cfg.BlockedDirs, d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !allowedExtension(d.Name(), t.cfg.AllowedExtensions) {
			return nil
		}
		if pattern != "" {
			if ok, _ := filepath.Match(pattern, d.Name()); !ok {
				return nil
			}
		}
		return t.grepFile(path, re, limit, matches)
	})
}

func (t *SearchCodeTool) grepFile(path string, re *regexp.Regexp, limit int, matches *[]SearchMatch) error {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if !re.MatchString(text) {
			continue
		}
		content, _ := truncate(strings.TrimSpace(text), maxMatchLineChars)
		*matches = append(*matches, SearchMatch{File: relPath(t.root, path), Line: line, Content: content})
		if len(*matches) >= limit {
			return errSearchLimit
		}
	}
	return nil
}

var _ domain.Tool = (*SearchCodeTool)(nil)
