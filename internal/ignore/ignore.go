// Package ignore matches repository paths against gitignore-style patterns.
//
// Supported syntax is a subset of gitignore: blank lines and # comments are
// skipped, a trailing slash matches directories only, a leading slash or an
// inner slash anchors the pattern at the repository root, and everything
// else matches at any depth. Negation (!) is not supported and such lines
// are ignored. A path is excluded when it or any of its parent directories
// matches.
package ignore

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultFile is the per-repository ignore file read by the validation stage.
const DefaultFile = ".prgateignore"

type rule struct {
	glob    string
	dirOnly bool
}

// Matcher holds compiled patterns. The zero value matches nothing.
type Matcher struct {
	rules []rule
}

// New compiles gitignore-style lines.
func New(lines ...string) (*Matcher, error) {
	m := &Matcher{}
	for i, line := range lines {
		r, ok := parseLine(line)
		if !ok {
			continue
		}
		if !doublestar.ValidatePattern(r.glob) {
			return nil, fmt.Errorf("pattern %d %q: invalid glob", i+1, strings.TrimSpace(line))
		}
		m.rules = append(m.rules, r)
	}
	return m, nil
}

// Load reads the ignore file at root/name and compiles it together with
// extra. A missing file is not an error.
func Load(root, name string, extra ...string) (*Matcher, error) {
	lines := append([]string(nil), extra...)
	if name != "" {
		fileLines, err := readLines(filepath.Join(root, name))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		lines = append(lines, fileLines...)
	}
	m, err := New(lines...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return m, nil
}

// Len is the number of active patterns.
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.rules)
}

// Match reports whether rel, a slash or OS separated path relative to the
// repository root, is excluded.
func (m *Matcher) Match(rel string) bool {
	if m.Len() == 0 {
		return false
	}
	rel = path.Clean(filepath.ToSlash(rel))

	for dir := path.Dir(rel); dir != "." && dir != "/"; dir = path.Dir(dir) {
		for _, r := range m.rules {
			if doublestar.MatchUnvalidated(r.glob, dir) {
				return true
			}
		}
	}
	for _, r := range m.rules {
		if !r.dirOnly && doublestar.MatchUnvalidated(r.glob, rel) {
			return true
		}
	}
	return false
}

// Filter splits paths into kept and excluded, preserving order.
func (m *Matcher) Filter(paths []string) (kept, excluded []string) {
	for _, p := range paths {
		if m.Match(p) {
			excluded = append(excluded, p)
		} else {
			kept = append(kept, p)
		}
	}
	return kept, excluded
}

func readLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

// parseLine converts one gitignore line to a rule. Comments, blank lines
// and negations yield false.
func parseLine(line string) (rule, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
		return rule{}, false
	}

	var r rule
	if strings.HasSuffix(line, "/") {
		r.dirOnly = true
		line = strings.TrimRight(line, "/")
	}
	anchored := strings.HasPrefix(line, "/") || strings.Contains(line, "/")
	line = strings.TrimPrefix(line, "/")
	if line == "" {
		return rule{}, false
	}
	if !anchored && !strings.HasPrefix(line, "**/") {
		line = "**/" + line
	}
	r.glob = line
	return r, true
}
