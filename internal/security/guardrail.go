package security

import (
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"strings"

	"toolgov/internal/config"
)

// Guardrail vets agent file writes: where they may land and what they may contain.
type Guardrail struct {
	blockedPaths []string
	allowedDirs  []string
	maxContent   int
	dangerous    []*regexp.Regexp
	logger       *slog.Logger
}

func NewGuardrail(cfg config.GuardrailConfig, logger *slog.Logger) (*Guardrail, error) {
	dangerous, err := compilePatterns(cfg.DangerousPatterns)
	if err != nil {
		return nil, fmt.Errorf("invalid dangerous pattern: %w", err)
	}
	return &Guardrail{
		blockedPaths: cfg.BlockedPaths,
		allowedDirs:  cfg.AllowedDirs,
		maxContent:   cfg.MaxContentBytes,
		dangerous:    dangerous,
		logger:       logger,
	}, nil
}

// ValidateFilePath accepts only project-relative paths inside an allowed
// directory that avoid every blocked path fragment.
func (g *Guardrail) ValidateFilePath(p string) error {
	p = strings.TrimSpace(p)
	for _, blocked := range g.blockedPaths {
		if strings.Contains(p, blocked) {
			g.logger.Warn("write BLOCKED by guardrail", "path", p, "blocked", blocked)
			return fmt.Errorf("blocked path: %s", blocked)
		}
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "..") {
		g.logger.Warn("write BLOCKED by guardrail", "path", p, "reason", "absolute or traversal")
		return fmt.Errorf("absolute paths and traversal are not allowed")
	}
	if len(g.allowedDirs) == 0 {
		return nil
	}
	clean := path.Clean(strings.TrimPrefix(p, "./"))
	for _, dir := range g.allowedDirs {
		if clean == dir || strings.HasPrefix(clean, dir+"/") {
			return nil
		}
	}
	return fmt.Errorf("path must be inside one of: %s", strings.Join(g.allowedDirs, ", "))
}

// ValidateContent rejects oversized content and known dangerous code patterns.
func (g *Guardrail) ValidateContent(content string) error {
	if g.maxContent > 0 && len(content) > g.maxContent {
		return fmt.Errorf("content too large (max %d bytes)", g.maxContent)
	}
	for _, re := range g.dangerous {
		if re.MatchString(content) {
			g.logger.Warn("content BLOCKED by guardrail", "pattern", re.String())
			return fmt.Errorf("potentially dangerous pattern detected: %s", re.String())
		}
	}
	return nil
}

// Simple strings are converted to substring-match patterns.
func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		var re *regexp.Regexp
		var err error
		if isRegex(p) {
			re, err = regexp.Compile(p)
		} else {
			re, err = regexp.Compile(`(?i)` + regexp.QuoteMeta(p))
		}
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func isRegex(s string) bool {
	for _, c := range s {
		switch c {
		case '(', ')', '[', ']', '{', '}', '|', '^', '$', '.', '*', '+', '?', '\\':
			return true
		}
	}
	return false
}
