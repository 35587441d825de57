package fs

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"strings"
)

// defaultExcludePatterns are always applied regardless of config.
// VMware lock files change while a VM runs and are never part of a backup's content.
var defaultExcludePatterns = []string{"*.lck"}

// excludePattern is a parsed exclude pattern with its matching strategy.
type excludePattern struct {
	pattern   string
	matchPath bool // true = match against relative path; false = match against basename only
}

// ExcludeMatcher decides which files in a backup folder are left out of
// checksum scans.
// Patterns without '/' match against the file's basename only.
// Patterns with '/' match against the full relative path from the backup folder.
type ExcludeMatcher struct {
	patterns []excludePattern
}

// NewExcludeMatcher creates an ExcludeMatcher from raw pattern strings plus the
// default patterns. Blank lines and lines starting with '#' are skipped.
func NewExcludeMatcher(rawPatterns []string) *ExcludeMatcher {
	var patterns []excludePattern
	for _, raw := range append(append([]string{}, defaultExcludePatterns...), rawPatterns...) {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		patterns = append(patterns, excludePattern{
			pattern:   strings.TrimPrefix(raw, "/"),
			matchPath: strings.Contains(raw, "/"),
		})
	}
	return &ExcludeMatcher{patterns: patterns}
}

// Match reports whether the given slash-separated relative path is excluded.
func (m *ExcludeMatcher) Match(relativePath string) bool {
	basename := path.Base(relativePath)

	for _, p := range m.patterns {
		var matched bool
		var err error
		if p.matchPath {
			matched, err = path.Match(p.pattern, relativePath)
		} else {
			matched, err = path.Match(p.pattern, basename)
		}
		if err != nil {
			// Bad pattern: skip rather than fail the scan.
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

// ParseExcludeFile reads exclude patterns, one per line.
// Returns nil and no error if the file does not exist.
func ParseExcludeFile(filePath string) ([]string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening exclude file: %w", err)
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		patterns = append(patterns, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading exclude file: %w", err)
	}
	return patterns, nil
}
