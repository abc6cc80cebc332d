package githost

import (
	"fmt"
	"strings"
)

const maxTopLevelEntries = 15

// toolingMarkers maps a marker file name to the tooling it indicates.
var toolingMarkers = []struct {
	file  string
	label string
}{
	{"package.json", "Node.js / JavaScript"},
	{"tsconfig.json", "TypeScript"},
	{"requirements.txt", "Python"},
	{"pyproject.toml", "Python"},
	{"go.mod", "Go"},
	{"Cargo.toml", "Rust"},
	{"Dockerfile", "Docker"},
}

// Summarize renders an advisory Markdown overview of a repository.
func Summarize(st *Structure, files []FileContent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Repository analysis: %s/%s\n", st.Owner, st.Repo)
	fmt.Fprintf(&b, "**Branch:** %s\n", st.Branch)
	fmt.Fprintf(&b, "**Total files:** %d\n", st.TotalFiles)
	fmt.Fprintf(&b, "**Total directories:** %d\n\n", st.TotalDirs)

	b.WriteString("### Detected tooling:\n")
	for _, label := range detectTooling(st.Tree) {
		fmt.Fprintf(&b, "- %s\n", label)
	}
	b.WriteString("\n### Top-level structure:\n")
	for _, entry := range topLevel(st.Tree, maxTopLevelEntries) {
		fmt.Fprintf(&b, "- %s\n", entry)
	}

	if len(files) > 0 {
		fmt.Fprintf(&b, "\n### Inspected files (%d):\n", len(files))
		for _, f := range files {
			fmt.Fprintf(&b, "- %s (%d bytes)\n", f.Path, f.Size)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func detectTooling(tree []TreeItem) []string {
	var labels []string
	seen := map[string]bool{}
	for _, m := range toolingMarkers {
		for _, item := range tree {
			name := item.Path[strings.LastIndex(item.Path, "/")+1:]
			// tsconfig anywhere counts; the other markers only at the root
			if item.Path == m.file || (m.file == "tsconfig.json" && name == m.file) {
				if !seen[m.label] {
					seen[m.label] = true
					labels = append(labels, m.label)
				}
				break
			}
		}
	}
	return labels
}

func topLevel(tree []TreeItem, limit int) []string {
	var out []string
	seen := map[string]bool{}
	for _, item := range tree {
		first, _, nested := strings.Cut(item.Path, "/")
		if seen[first] {
			continue
		}
		seen[first] = true
		if nested || item.Type == "tree" {
			first += "/"
		}
		out = append(out, first)
		if len(out) == limit {
			break
		}
	}
	return out
}
