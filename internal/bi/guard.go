package bi

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrNotReadOnly is returned for statements that do not start with a read keyword.
	ErrNotReadOnly = errors.New("only SELECT queries are allowed")
	// ErrForbiddenPattern is returned for statements carrying chained DDL/DML or comments.
	ErrForbiddenPattern = errors.New("query contains forbidden patterns")
)

var (
	readKeywords    = []string{"SELECT", "WITH", "EXPLAIN"}
	forbidden       = []*regexp.Regexp{regexp.MustCompile(`(?i);\s*(DROP|DELETE|UPDATE|INSERT|TRUNCATE|ALTER|CREATE)`), regexp.MustCompile(`--`), regexp.MustCompile(`/\*`)}
	trailingSemi    = regexp.MustCompile(`;\s*$`)
	identifierRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// ValidateReadOnly is a heuristic screen for native queries. The BI engine's
// database user must still be read-only.
func ValidateReadOnly(query string) error {
	upper := strings.ToUpper(strings.TrimSpace(query))
	ok := false
	for _, kw := range readKeywords {
		if strings.HasPrefix(upper, kw) {
			ok = true
			break
		}
	}
	if !ok {
		return ErrNotReadOnly
	}
	for _, re := range forbidden {
		if re.MatchString(query) {
			return ErrForbiddenPattern
		}
	}
	return nil
}

// ApplyLimit appends a LIMIT clause after dropping a trailing semicolon.
// A non-positive limit leaves the query unchanged.
func ApplyLimit(query string, limit int) string {
	if limit <= 0 {
		return query
	}
	return fmt.Sprintf("%s LIMIT %d", trailingSemi.ReplaceAllString(query, ""), limit)
}

// ValidIdentifier reports whether name is a bare SQL identifier.
func ValidIdentifier(name string) bool {
	return identifierRegex.MatchString(name)
}
