package ignore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want rule
		ok   bool
	}{
		{"empty line", "", rule{}, false},
		{"whitespace only", "   ", rule{}, false},
		{"comment", "# generated", rule{}, false},
		{"negation skipped", "!keep.txt", rule{}, false},
		{"bare slash", "/", rule{}, false},
		{"extension glob", "*.log", rule{glob: "**/*.log"}, true},
		{"name anywhere", "node_modules", rule{glob: "**/node_modules"}, true},
		{"directory only", "dist/", rule{glob: "**/dist", dirOnly: true}, true},
		{"anchored", "/build", rule{glob: "build"}, true},
		{"nested path is anchored", "vendor/cache", rule{glob: "vendor/cache"}, true},
		{"explicit double star", "**/testdata", rule{glob: "**/testdata"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseLine(tt.line)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatcher_Match(t *testing.T) {
	m, err := New("*.pb.go", "dist/", "/build", "vendor/cache", "docs/**/*.md")
	require.NoError(t, err)
	assert.Equal(t, 5, m.Len())

	tests := []struct {
		path string
		want bool
	}{
		{"api/service.pb.go", true},
		{"service.pb.go", true},
		{"api/service.go", false},
		{"dist/app.js", true},
		{"web/dist/app.js", true},
		{"dist", false},
		{"build/out.bin", true},
		{"cmd/build/main.go", false},
		{"vendor/cache/x.go", true},
		{"vendor/other/x.go", false},
		{"docs/guide/intro.md", true},
		{"./dist/app.js", true},
		{"README.md", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Match(tt.path))
		})
	}
}

func TestMatcher_Empty(t *testing.T) {
	var m *Matcher
	assert.False(t, m.Match("anything.go"))
	assert.Zero(t, m.Len())

	kept, excluded := (&Matcher{}).Filter([]string{"a.go"})
	assert.Equal(t, []string{"a.go"}, kept)
	assert.Empty(t, excluded)
}

func TestMatcher_Filter(t *testing.T) {
	m, err := New("*.lock")
	require.NoError(t, err)

	kept, excluded := m.Filter([]string{"go.sum", "yarn.lock", "main.go", "web/package.lock"})
	assert.Equal(t, []string{"go.sum", "main.go"}, kept)
	assert.Equal(t, []string{"yarn.lock", "web/package.lock"}, excluded)
}

func TestNew_InvalidPattern(t *testing.T) {
	_, err := New("ok.txt", "bad[")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pattern 2")
}

func TestLoad(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, DefaultFile), []byte("# generated code\n*.gen.go\n\nfixtures/\n"), 0o644))

	m, err := Load(root, DefaultFile, "*.snap")
	require.NoError(t, err)
	assert.Equal(t, 3, m.Len())
	assert.True(t, m.Match("model.gen.go"))
	assert.True(t, m.Match("test/fixtures/a.json"))
	assert.True(t, m.Match("ui/__snapshots__/view.snap"))
	assert.False(t, m.Match("model.go"))

	missing, err := Load(t.TempDir(), DefaultFile, "*.snap")
	require.NoError(t, err)
	assert.Equal(t, 1, missing.Len())

	require.NoError(t, os.WriteFile(filepath.Join(root, "broken"), []byte("[\n"), 0o644))
	_, err = Load(root, "broken")
	assert.Error(t, err)
}
