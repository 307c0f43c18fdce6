package definition

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/prgate/internal/pipeline"
)

const yamlDef = `
name: widgets
defaults:
  timeout: 10m
  max_retries: 1
setup:
  commands:
    - name: deps
      command: go mod download
  services:
    - name: db
      start: docker run -d --name db postgres:16
      ready: pg_isready -h localhost
      stop: docker rm -f db
      parallel: true
      ready_retries: 5
      ready_interval: 2s
steps:
  - name: compile
    command: go build ./...
    parallel: true
  - name: package
    command: go build -o bin/widgets ./cmd/widgets
    depends_on: [compile]
    max_retries: 0
    required: false
    artifacts: [bin/widgets]
suites:
  - name: unit
    command: go test -json ./...
    parallel: true
    timeout: 5m
    coverage:
      path: coverage.out
      format: go
    tags: [fast]
gates:
  - name: coverage
    type: coverage
    threshold: 80
  - name: complexity
    type: complexity
    threshold: 15
    command: gocyclo -avg .
    required: false
  - name: latency
    type: performance
    metric: BenchmarkParse
    threshold: 1500
    operator: max
validation:
  max_file_size: 2048
  commands:
    - name: vet
      command: go vet ./...
      severity: warning
      category: lint
`

func TestParse_YAML(t *testing.T) {
	def, err := Parse([]byte(yamlDef), FormatYAML)
	require.NoError(t, err)

	assert.Equal(t, "widgets", def.Name)

	require.Len(t, def.Steps, 2)
	compile, pkg := def.Steps[0], def.Steps[1]
	assert.True(t, compile.Required)
	assert.Equal(t, 10*time.Minute, compile.Timeout)
	assert.Equal(t, 1, compile.MaxRetries)
	assert.True(t, compile.Parallel)
	assert.False(t, pkg.Required)
	assert.Equal(t, 0, pkg.MaxRetries)
	assert.Equal(t, []string{"compile"}, pkg.DependsOn)
	assert.Equal(t, []string{"bin/widgets"}, pkg.Artifacts)

	require.Len(t, def.Suites, 1)
	unit := def.Suites[0]
	assert.Equal(t, 5*time.Minute, unit.Timeout)
	assert.Equal(t, pipeline.CoverageSource{Enabled: true, Path: "coverage.out", Format: "go"}, unit.Coverage)
	assert.True(t, unit.Required)

	require.Len(t, def.Gates, 3)
	assert.Equal(t, pipeline.OpGTE, def.Gates[0].Operator)
	assert.True(t, def.Gates[0].Required)
	assert.Equal(t, pipeline.OpLTE, def.Gates[1].Operator)
	assert.False(t, def.Gates[1].Required)
	assert.Equal(t, pipeline.OpLTE, def.Gates[2].Operator)

	require.Len(t, def.Setup.Commands, 1)
	require.Len(t, def.Setup.Services, 1)
	assert.Equal(t, 2*time.Second, def.Setup.Services[0].ReadyInterval)
	assert.Equal(t, 5, def.Setup.Services[0].ReadyRetries)

	assert.Equal(t, int64(2048), def.Validation.MaxFileSize)
	require.Len(t, def.Validation.Commands, 1)
	assert.Equal(t, pipeline.SeverityWarning, def.Validation.Commands[0].Severity)
	assert.Equal(t, "go vet ./...", def.Validation.Commands[0].Line)

	batches, err := def.Batches()
	require.NoError(t, err)
	assert.Len(t, batches, 2)
}

func TestParse_TOML(t *testing.T) {
	src := `
name = "widgets"

[defaults]
timeout = "3m"

[[steps]]
name = "compile"
command = "make build"

[[steps]]
name = "image"
command = "make image"
depends_on = ["compile"]

[[suites]]
name = "unit"
command = "make test"
required = false

[[gates]]
name = "secrets"
type = "security"
threshold = 0.0
paths = ["config"]

[[validation.commands]]
name = "shellcheck"
command = "shellcheck scripts/*.sh"
`
	def, err := Parse([]byte(src), FormatTOML)
	require.NoError(t, err)
	require.Len(t, def.Steps, 2)
	assert.Equal(t, 3*time.Minute, def.Steps[1].Timeout)
	assert.False(t, def.Suites[0].Required)
	assert.Equal(t, pipeline.OpLTE, def.Gates[0].Operator)
	assert.Equal(t, []string{"config"}, def.Gates[0].Paths)
	assert.Equal(t, pipeline.SeverityError, def.Validation.Commands[0].Severity)
}

func TestParse_JSONC(t *testing.T) {
	src := `{
  // build graph
  "steps": [
    {"name": "compile", "command": "npm run build", "parallel": true},
    {"name": "lint", "command": "npm run lint", "parallel": true, "required": false,},
  ],
  /* gates */
  "gates": [
    {"name": "dup", "type": "duplication", "threshold": 5, "command": "jscpd --reporters json ."},
  ],
}`
	def, err := Parse([]byte(src), FormatJSONC)
	require.NoError(t, err)
	require.Len(t, def.Steps, 2)
	assert.False(t, def.Steps[1].Required)
	assert.Equal(t, pipeline.GateDuplication, def.Gates[0].Type)
	assert.Equal(t, pipeline.OpLTE, def.Gates[0].Operator)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		src    string
		format Format
		want   string
	}{
		{
			name:   "unknown yaml field",
			src:    "steps:\n  - name: a\n    command: x\n    retries: 3\n",
			format: FormatYAML,
			want:   "retries",
		},
		{
			name:   "unknown toml field",
			src:    "[[steps]]\nname = \"a\"\ncommand = \"x\"\nretries = 3\n",
			format: FormatTOML,
			want:   "retries",
		},
		{
			name:   "unknown json field",
			src:    `{"steps": [{"name": "a", "command": "x", "retries": 3}]}`,
			format: FormatJSONC,
			want:   "retries",
		},
		{
			name:   "cycle",
			src:    "steps:\n  - {name: a, command: x, depends_on: [b]}\n  - {name: b, command: y, depends_on: [a]}\n",
			format: FormatYAML,
			want:   "dependency cycle",
		},
		{
			name:   "self dependency",
			src:    "steps:\n  - {name: a, command: x, depends_on: [a]}\n",
			format: FormatYAML,
			want:   "dependency cycle",
		},
		{
			name:   "unknown dependency",
			src:    "steps:\n  - {name: a, command: x, depends_on: [ghost]}\n",
			format: FormatYAML,
			want:   "ghost",
		},
		{
			name:   "missing command",
			src:    "steps:\n  - {name: a}\n",
			format: FormatYAML,
			want:   `steps[0] "a": command is required`,
		},
		{
			name:   "unknown gate type",
			src:    "gates:\n  - {name: style, type: style, threshold: 1}\n",
			format: FormatYAML,
			want:   `unknown gate type "style"`,
		},
		{
			name:   "bad operator",
			src:    "gates:\n  - {name: cov, type: coverage, threshold: 1, operator: '>>'}\n",
			format: FormatYAML,
			want:   "unknown comparison operator",
		},
		{
			name:   "duplicate suite",
			src:    "suites:\n  - {name: unit, command: x}\n  - {name: unit, command: y}\n",
			format: FormatYAML,
			want:   "duplicate suite name",
		},
		{
			name:   "bad severity",
			src:    "validation:\n  commands:\n    - {name: vet, command: go vet, severity: fatal}\n",
			format: FormatYAML,
			want:   `unknown severity "fatal"`,
		},
		{
			name:   "bad exclude pattern",
			src:    "validation:\n  exclude: ['gen/[']\n",
			format: FormatYAML,
			want:   "validation.exclude",
		},
		{
			name:   "service cycle",
			src:    "setup:\n  services:\n    - {name: a, start: x, depends_on: [b]}\n    - {name: b, start: y, depends_on: [a]}\n",
			format: FormatYAML,
			want:   "setup.services",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.src), tt.format)
			require.Error(t, err)
			assert.True(t, pipeline.IsConfiguration(err), "got %T", err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prgate.yml")
	require.NoError(t, os.WriteFile(path, []byte("steps:\n  - {name: compile, command: make}\n"), 0o644))

	def, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "prgate", def.Name)

	_, err = Load(filepath.Join(dir, "pipeline.ini"))
	assert.True(t, pipeline.IsConfiguration(err))

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
	assert.False(t, pipeline.IsConfiguration(err))
}
