package validation

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/prgate/internal/pipeline"
	"github.com/fyrsmithlabs/prgate/internal/shell"
)

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func noRunner() shell.Runner {
	return shell.RunnerFunc(func(ctx context.Context, cmd shell.Command) (shell.Result, error) {
		panic("runner must not be called")
	})
}

func TestValidate_FileChecks(t *testing.T) {
	tests := []struct {
		name     string
		files    map[string]string
		changed  []string
		severity pipeline.Severity
		category string
	}{
		{"missing", nil, []string{"gone.go"}, pipeline.SeverityError, CategoryStructure},
		{"bad json", map[string]string{"a.json": `{"a": }`}, []string{"a.json"}, pipeline.SeverityError, CategorySyntax},
		{"bad yaml", map[string]string{"ci.yml": "a: [1, 2\nb: c"}, []string{"ci.yml"}, pipeline.SeverityError, CategorySyntax},
		{"empty", map[string]string{"empty.txt": ""}, []string{"empty.txt"}, pipeline.SeverityWarning, CategoryStructure},
		{"conflict", map[string]string{"x.go": "package x\n<<<<<<< HEAD\nvar a = 1\n=======\nvar a = 2\n>>>>>>> feature\n"}, []string{"x.go"}, pipeline.SeverityError, CategoryConflict},
		{"todo", map[string]string{"y.go": "package y\n\n// TODO: handle retries\n"}, []string{"y.go"}, pipeline.SeverityInfo, CategoryNote},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := writeFiles(t, tt.files)
			v := NewValidator(noRunner(), Options{})

			result, err := v.Validate(context.Background(), shell.Environment{Root: root}, tt.changed)
			require.NoError(t, err)
			require.Len(t, result.Issues, 1)
			assert.Equal(t, tt.severity, result.Issues[0].Severity)
			assert.Equal(t, tt.category, result.Issues[0].Category)
			assert.Equal(t, tt.changed[0], result.Issues[0].File)
			assert.Equal(t, tt.severity != pipeline.SeverityError, result.Valid)
		})
	}
}

func TestValidate_CleanFiles(t *testing.T) {
	root := writeFiles(t, map[string]string{
		"main.go":         "package main\n\nfunc main() {}\n",
		"config/app.json": `{"name": "app", "replicas": 2}`,
		"deploy.yaml":     "a: 1\n---\nb: [1, 2]\n",
	})
	v := NewValidator(noRunner(), Options{})

	result, err := v.Validate(context.Background(), shell.Environment{Root: root}, []string{"main.go", "config/app.json", "deploy.yaml"})
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Empty(t, result.Issues)
	assert.Equal(t, 100.0, result.Score)
	assert.Len(t, result.ChangedFiles, 3)
}

func TestValidate_Exclusions(t *testing.T) {
	root := writeFiles(t, map[string]string{
		".prgateignore":      "# generated\ngen/\n",
		"gen/client.json":    `{"broken": }`,
		"fixtures/bad.yaml":  "a: [1\nb: c",
		"service/service.go": "package service\n",
	})
	v := NewValidator(noRunner(), Options{Exclude: []string{"fixtures/"}})

	changed := []string{"gen/client.json", "fixtures/bad.yaml", "service/service.go"}
	result, err := v.Validate(context.Background(), shell.Environment{Root: root}, changed)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Empty(t, result.Issues)
	assert.Equal(t, changed, result.ChangedFiles)
	assert.ElementsMatch(t, []string{"gen/client.json", "fixtures/bad.yaml"}, result.Excluded)
}

func TestValidate_BadIgnoreFile(t *testing.T) {
	root := writeFiles(t, map[string]string{
		".prgateignore": "bad[\n",
		"main.go":       "package main\n",
	})
	v := NewValidator(noRunner(), Options{})

	result, err := v.Validate(context.Background(), shell.Environment{Root: root}, []string{"main.go"})
	require.NoError(t, err)
	assert.True(t, result.Valid)
	require.Len(t, result.Issues, 1)
	assert.Equal(t, pipeline.SeverityWarning, result.Issues[0].Severity)
	assert.Contains(t, result.Issues[0].Message, "ignore patterns not applied")
}

func TestValidate_SizeLimit(t *testing.T) {
	root := writeFiles(t, map[string]string{"big.txt": strings.Repeat("x", 2048)})
	v := NewValidator(noRunner(), Options{MaxFileSize: 1024})

	result, err := v.Validate(context.Background(), shell.Environment{Root: root}, []string{"big.txt"})
	require.NoError(t, err)
	require.Len(t, result.Issues, 1)
	assert.Equal(t, pipeline.SeverityWarning, result.Issues[0].Severity)
	assert.True(t, result.Valid)
	assert.Equal(t, 95.0, result.Score)
}

func TestValidate_Commands(t *testing.T) {
	var lines []string
	runner := shell.RunnerFunc(func(ctx context.Context, cmd shell.Command) (shell.Result, error) {
		lines = append(lines, cmd.Line)
		if cmd.Line == "golangci-lint run" {
			return shell.Result{ExitCode: 1, Combined: "main.go:3:1: unused variable\n2 issues found\n"}, nil
		}
		return shell.Result{}, nil
	})
	v := NewValidator(runner, Options{Commands: []Command{
		{Name: "fmt", Line: "gofmt -l ."},
		{Name: "lint", Line: "golangci-lint run", Severity: pipeline.SeverityWarning, Category: "lint"},
	}})

	result, err := v.Validate(context.Background(), shell.Environment{Root: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"gofmt -l .", "golangci-lint run"}, lines)
	require.Len(t, result.Issues, 1)
	assert.Equal(t, "lint", result.Issues[0].Category)
	assert.Contains(t, result.Issues[0].Message, "2 issues found")
	assert.True(t, result.Valid)
}

func TestValidate_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	v := NewValidator(noRunner(), Options{Commands: []Command{{Name: "x", Line: "true"}}})

	_, err := v.Validate(ctx, shell.Environment{Root: t.TempDir()}, []string{"a.go"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScore(t *testing.T) {
	tests := []struct {
		summary map[pipeline.Severity]int
		want    float64
	}{
		{nil, 100},
		{map[pipeline.Severity]int{pipeline.SeverityError: 1, pipeline.SeverityWarning: 2, pipeline.SeverityInfo: 3}, 67},
		{map[pipeline.Severity]int{pipeline.SeverityError: 6}, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Score(tt.summary))
	}
}
