// Package definition loads pipeline definitions: the build steps, check
// suites, gates, environment setup and validation commands of a repository.
//
// Definitions are authored as YAML, TOML or JSONC (JSON with comments and
// trailing commas). The format is chosen from the file extension.
package definition

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/prgate/internal/config"
	"github.com/fyrsmithlabs/prgate/internal/envsetup"
	"github.com/fyrsmithlabs/prgate/internal/graph"
	"github.com/fyrsmithlabs/prgate/internal/ignore"
	"github.com/fyrsmithlabs/prgate/internal/pipeline"
	"github.com/fyrsmithlabs/prgate/internal/validation"
)

// Format is a definition file syntax.
type Format string

const (
	FormatYAML  Format = "yaml"
	FormatTOML  Format = "toml"
	FormatJSONC Format = "jsonc"
)

// FormatFromPath picks the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	case ".json", ".jsonc":
		return FormatJSONC, nil
	}
	return "", fmt.Errorf("unsupported definition format %q", filepath.Ext(path))
}

// File is the on-disk schema.
type File struct {
	Name       string        `yaml:"name" toml:"name" json:"name"`
	Defaults   Defaults      `yaml:"defaults" toml:"defaults" json:"defaults"`
	Setup      SetupFile     `yaml:"setup" toml:"setup" json:"setup"`
	Steps      []StepFile    `yaml:"steps" toml:"steps" json:"steps"`
	Suites     []SuiteFile   `yaml:"suites" toml:"suites" json:"suites"`
	Gates      []GateFile    `yaml:"gates" toml:"gates" json:"gates"`
	Validation ValidationDef `yaml:"validation" toml:"validation" json:"validation"`
}

// Defaults apply to steps and suites that leave a field unset.
type Defaults struct {
	Timeout    config.Duration `yaml:"timeout" toml:"timeout" json:"timeout"`
	MaxRetries int             `yaml:"max_retries" toml:"max_retries" json:"max_retries"`
}

// SetupFile is the setup section.
type SetupFile struct {
	Commands []SetupCommandFile `yaml:"commands" toml:"commands" json:"commands"`
	Services []ServiceFile      `yaml:"services" toml:"services" json:"services"`
}

// SetupCommandFile is one setup command.
type SetupCommandFile struct {
	Name       string            `yaml:"name" toml:"name" json:"name"`
	Command    string            `yaml:"command" toml:"command" json:"command"`
	WorkingDir string            `yaml:"working_dir" toml:"working_dir" json:"working_dir"`
	Timeout    config.Duration   `yaml:"timeout" toml:"timeout" json:"timeout"`
	Env        map[string]string `yaml:"env" toml:"env" json:"env"`
}

// ServiceFile is one background service.
type ServiceFile struct {
	Name          string          `yaml:"name" toml:"name" json:"name"`
	Start         string          `yaml:"start" toml:"start" json:"start"`
	Ready         string          `yaml:"ready" toml:"ready" json:"ready"`
	Stop          string          `yaml:"stop" toml:"stop" json:"stop"`
	DependsOn     []string        `yaml:"depends_on" toml:"depends_on" json:"depends_on"`
	Parallel      bool            `yaml:"parallel" toml:"parallel" json:"parallel"`
	ReadyRetries  int             `yaml:"ready_retries" toml:"ready_retries" json:"ready_retries"`
	ReadyInterval config.Duration `yaml:"ready_interval" toml:"ready_interval" json:"ready_interval"`
	Timeout       config.Duration `yaml:"timeout" toml:"timeout" json:"timeout"`
}

// StepFile is one build step. Required defaults to true.
type StepFile struct {
	Name       string            `yaml:"name" toml:"name" json:"name"`
	Command    string            `yaml:"command" toml:"command" json:"command"`
	WorkingDir string            `yaml:"working_dir" toml:"working_dir" json:"working_dir"`
	Timeout    config.Duration   `yaml:"timeout" toml:"timeout" json:"timeout"`
	MaxRetries *int              `yaml:"max_retries" toml:"max_retries" json:"max_retries"`
	DependsOn  []string          `yaml:"depends_on" toml:"depends_on" json:"depends_on"`
	Parallel   bool              `yaml:"parallel" toml:"parallel" json:"parallel"`
	Env        map[string]string `yaml:"env" toml:"env" json:"env"`
	Artifacts  []string          `yaml:"artifacts" toml:"artifacts" json:"artifacts"`
	Required   *bool             `yaml:"required" toml:"required" json:"required"`
}

// CoverageFile locates a suite's coverage output.
type CoverageFile struct {
	Path   string `yaml:"path" toml:"path" json:"path"`
	Format string `yaml:"format" toml:"format" json:"format"`
}

// SuiteFile is one check suite. Required defaults to true.
type SuiteFile struct {
	Name       string            `yaml:"name" toml:"name" json:"name"`
	Command    string            `yaml:"command" toml:"command" json:"command"`
	WorkingDir string            `yaml:"working_dir" toml:"working_dir" json:"working_dir"`
	Timeout    config.Duration   `yaml:"timeout" toml:"timeout" json:"timeout"`
	MaxRetries *int              `yaml:"max_retries" toml:"max_retries" json:"max_retries"`
	Parallel   bool              `yaml:"parallel" toml:"parallel" json:"parallel"`
	Env        map[string]string `yaml:"env" toml:"env" json:"env"`
	Required   *bool             `yaml:"required" toml:"required" json:"required"`
	Coverage   *CoverageFile     `yaml:"coverage" toml:"coverage" json:"coverage"`
	Tags       []string          `yaml:"tags" toml:"tags" json:"tags"`
}

// GateFile is one quality gate. Required defaults to true.
type GateFile struct {
	Name        string          `yaml:"name" toml:"name" json:"name"`
	Type        string          `yaml:"type" toml:"type" json:"type"`
	Threshold   float64         `yaml:"threshold" toml:"threshold" json:"threshold"`
	Operator    string          `yaml:"operator" toml:"operator" json:"operator"`
	Required    *bool           `yaml:"required" toml:"required" json:"required"`
	Command     string          `yaml:"command" toml:"command" json:"command"`
	WorkingDir  string          `yaml:"working_dir" toml:"working_dir" json:"working_dir"`
	Timeout     config.Duration `yaml:"timeout" toml:"timeout" json:"timeout"`
	Metric      string          `yaml:"metric" toml:"metric" json:"metric"`
	MinSeverity string          `yaml:"min_severity" toml:"min_severity" json:"min_severity"`
	Paths       []string        `yaml:"paths" toml:"paths" json:"paths"`
}

// ValidationDef is the validation section.
type ValidationDef struct {
	MaxFileSize int64                   `yaml:"max_file_size" toml:"max_file_size" json:"max_file_size"`
	Commands    []ValidationCommandFile `yaml:"commands" toml:"commands" json:"commands"`
	Exclude     []string                `yaml:"exclude" toml:"exclude" json:"exclude"`
	IgnoreFile  string                  `yaml:"ignore_file" toml:"ignore_file" json:"ignore_file"`
}

// ValidationCommandFile is one extra validation command.
type ValidationCommandFile struct {
	Name       string          `yaml:"name" toml:"name" json:"name"`
	Command    string          `yaml:"command" toml:"command" json:"command"`
	WorkingDir string          `yaml:"working_dir" toml:"working_dir" json:"working_dir"`
	Timeout    config.Duration `yaml:"timeout" toml:"timeout" json:"timeout"`
	Severity   string          `yaml:"severity" toml:"severity" json:"severity"`
	Category   string          `yaml:"category" toml:"category" json:"category"`
}

// Definition is a validated pipeline definition in engine types.
type Definition struct {
	Name       string
	Setup      envsetup.Plan
	Steps      []pipeline.Step
	Suites     []pipeline.CheckSuite
	Gates      []pipeline.Gate
	Validation validation.Options
}

// Load reads and converts the definition at path.
func Load(path string) (*Definition, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, &pipeline.ConfigurationError{Reason: err.Error()}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	def, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if def.Name == "" {
		base := filepath.Base(path)
		def.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return def, nil
}

// Parse decodes data in format and converts it. Every structural problem is
// reported in one ConfigurationError.
func Parse(data []byte, format Format) (*Definition, error) {
	var f File
	if err := decode(data, format, &f); err != nil {
		return nil, &pipeline.ConfigurationError{Reason: fmt.Sprintf("parsing %s definition: %v", format, err)}
	}
	def, issues := f.convert()
	issues = append(issues, def.validate()...)
	if len(issues) > 0 {
		return nil, &pipeline.ConfigurationError{Reason: strings.Join(issues, "; ")}
	}
	return def, nil
}

func decode(data []byte, format Format, f *File) error {
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		return dec.Decode(f)
	case FormatTOML:
		md, err := toml.Decode(string(data), f)
		if err != nil {
			return err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("unknown field %q", undecoded[0].String())
		}
		return nil
	case FormatJSONC:
		dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		dec.DisallowUnknownFields()
		return dec.Decode(f)
	}
	return fmt.Errorf("unsupported format %q", format)
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func (f File) convert() (*Definition, []string) {
	var issues []string
	def := &Definition{Name: f.Name}
	timeout := f.Defaults.Timeout.Duration()

	for _, c := range f.Setup.Commands {
		def.Setup.Commands = append(def.Setup.Commands, envsetup.Command{
			Name:       c.Name,
			Line:       c.Command,
			WorkingDir: c.WorkingDir,
			Timeout:    c.Timeout.Duration(),
			Env:        c.Env,
		})
	}
	for _, s := range f.Setup.Services {
		def.Setup.Services = append(def.Setup.Services, envsetup.Service{
			Name:          s.Name,
			Start:         s.Start,
			Ready:         s.Ready,
			Stop:          s.Stop,
			DependsOn:     s.DependsOn,
			Parallel:      s.Parallel,
			ReadyRetries:  s.ReadyRetries,
			ReadyInterval: s.ReadyInterval.Duration(),
			Timeout:       s.Timeout.Duration(),
		})
	}

	for _, s := range f.Steps {
		step := pipeline.Step{
			Name:       s.Name,
			Command:    s.Command,
			WorkingDir: s.WorkingDir,
			Timeout:    s.Timeout.Duration(),
			MaxRetries: intOr(s.MaxRetries, f.Defaults.MaxRetries),
			DependsOn:  s.DependsOn,
			Parallel:   s.Parallel,
			Env:        s.Env,
			Artifacts:  s.Artifacts,
			Required:   boolOr(s.Required, true),
		}
		if step.Timeout == 0 {
			step.Timeout = timeout
		}
		def.Steps = append(def.Steps, step)
	}

	for _, s := range f.Suites {
		suite := pipeline.CheckSuite{
			Name:       s.Name,
			Command:    s.Command,
			WorkingDir: s.WorkingDir,
			Timeout:    s.Timeout.Duration(),
			MaxRetries: intOr(s.MaxRetries, f.Defaults.MaxRetries),
			Parallel:   s.Parallel,
			Env:        s.Env,
			Required:   boolOr(s.Required, true),
			Tags:       s.Tags,
		}
		if suite.Timeout == 0 {
			suite.Timeout = timeout
		}
		if s.Coverage != nil {
			suite.Coverage = pipeline.CoverageSource{Enabled: true, Path: s.Coverage.Path, Format: s.Coverage.Format}
		}
		def.Suites = append(def.Suites, suite)
	}

	for i, g := range f.Gates {
		gate := pipeline.Gate{
			Name:        g.Name,
			Type:        pipeline.GateType(strings.ToLower(g.Type)),
			Threshold:   g.Threshold,
			Required:    boolOr(g.Required, true),
			Command:     g.Command,
			WorkingDir:  g.WorkingDir,
			Timeout:     g.Timeout.Duration(),
			Metric:      g.Metric,
			MinSeverity: g.MinSeverity,
			Paths:       g.Paths,
		}
		op := g.Operator
		if op == "" {
			op = defaultOperator(gate.Type)
		}
		parsed, err := pipeline.ParseOperator(op)
		if err != nil {
			issues = append(issues, fmt.Sprintf("gates[%d] %q: %v", i, g.Name, err))
		}
		gate.Operator = parsed
		def.Gates = append(def.Gates, gate)
	}

	def.Validation.MaxFileSize = f.Validation.MaxFileSize
	def.Validation.IgnoreFile = f.Validation.IgnoreFile
	def.Validation.Exclude = f.Validation.Exclude
	if _, err := ignore.New(f.Validation.Exclude...); err != nil {
		issues = append(issues, fmt.Sprintf("validation.exclude: %v", err))
	}
	for i, c := range f.Validation.Commands {
		sev := pipeline.Severity(strings.ToLower(c.Severity))
		switch sev {
		case "":
			sev = pipeline.SeverityError
		case pipeline.SeverityError, pipeline.SeverityWarning, pipeline.SeverityInfo:
		default:
			issues = append(issues, fmt.Sprintf("validation.commands[%d] %q: unknown severity %q", i, c.Name, c.Severity))
		}
		def.Validation.Commands = append(def.Validation.Commands, validation.Command{
			Name:       c.Name,
			Line:       c.Command,
			WorkingDir: c.WorkingDir,
			Timeout:    c.Timeout.Duration(),
			Severity:   sev,
			Category:   c.Category,
		})
	}

	return def, issues
}

// defaultOperator is <= for gates where lower is better.
func defaultOperator(t pipeline.GateType) string {
	switch t {
	case pipeline.GateComplexity, pipeline.GateDuplication, pipeline.GateSecurity, pipeline.GatePerformance:
		return "<="
	}
	return ">="
}

var knownGateTypes = map[pipeline.GateType]bool{
	pipeline.GateCoverage:    true,
	pipeline.GateComplexity:  true,
	pipeline.GateDuplication: true,
	pipeline.GateSecurity:    true,
	pipeline.GatePerformance: true,
}

func (d *Definition) validate() []string {
	var issues []string

	for i, s := range d.Steps {
		if s.Name == "" {
			issues = append(issues, fmt.Sprintf("steps[%d]: name is required", i))
		}
		if strings.TrimSpace(s.Command) == "" {
			issues = append(issues, fmt.Sprintf("steps[%d] %q: command is required", i, s.Name))
		}
		if s.MaxRetries < 0 {
			issues = append(issues, fmt.Sprintf("steps[%d] %q: max_retries must be >= 0", i, s.Name))
		}
	}

	suiteNames := make(map[string]int, len(d.Suites))
	for i, s := range d.Suites {
		if s.Name == "" {
			issues = append(issues, fmt.Sprintf("suites[%d]: name is required", i))
		} else if first, dup := suiteNames[s.Name]; dup {
			issues = append(issues, fmt.Sprintf("suites[%d] %q: duplicate suite name (first used at suites[%d])", i, s.Name, first))
		} else {
			suiteNames[s.Name] = i
		}
		if strings.TrimSpace(s.Command) == "" {
			issues = append(issues, fmt.Sprintf("suites[%d] %q: command is required", i, s.Name))
		}
	}

	for i, g := range d.Gates {
		if g.Name == "" {
			issues = append(issues, fmt.Sprintf("gates[%d]: name is required", i))
		}
		if !knownGateTypes[g.Type] {
			issues = append(issues, fmt.Sprintf("gates[%d] %q: unknown gate type %q", i, g.Name, g.Type))
		}
		if g.Type == pipeline.GatePerformance && g.Metric == "" {
			issues = append(issues, fmt.Sprintf("gates[%d] %q: performance gates need a metric", i, g.Name))
		}
	}

	for i, c := range d.Setup.Commands {
		if strings.TrimSpace(c.Line) == "" {
			issues = append(issues, fmt.Sprintf("setup.commands[%d] %q: command is required", i, c.Name))
		}
	}

	if len(issues) == 0 {
		if _, err := graph.Resolve(d.Steps); err != nil {
			issues = append(issues, "steps: "+err.Error())
		}
		if err := envsetup.Validate(d.Setup); err != nil {
			issues = append(issues, "setup.services: "+err.Error())
		}
	}
	return issues
}

// Batches resolves the step graph for display.
func (d *Definition) Batches() ([]graph.Batch[pipeline.Step], error) {
	return graph.Resolve(d.Steps)
}
