// Package validation inspects the files a change touches and runs the
// configured validation commands, producing graded issues and a structural
// score.
package validation

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/prgate/internal/ignore"
	"github.com/fyrsmithlabs/prgate/internal/logging"
	"github.com/fyrsmithlabs/prgate/internal/pipeline"
	"github.com/fyrsmithlabs/prgate/internal/shell"
)

// DefaultMaxFileSize is the size above which a changed file draws a warning.
const DefaultMaxFileSize = 1 << 20

const defaultCommandTimeout = 5 * time.Minute

// Issue categories.
const (
	CategoryStructure = "structure"
	CategorySyntax    = "syntax"
	CategoryConflict  = "merge-conflict"
	CategoryNote      = "annotation"
	CategoryCommand   = "command"
)

// Command is an extra validation command. A non-zero exit records one issue
// at Severity.
type Command struct {
	Name       string
	Line       string
	WorkingDir string
	Timeout    time.Duration
	Severity   pipeline.Severity
	Category   string
}

// Options configures a Validator.
type Options struct {
	MaxFileSize int64
	Commands    []Command
	// Exclude holds gitignore-style patterns of changed files to skip.
	// Patterns from IgnoreFile in the checkout are added to them.
	Exclude []string
	// IgnoreFile defaults to ignore.DefaultFile. Set it to "-" to read no
	// file.
	IgnoreFile string
	Logger     *logging.Logger
}

// Validator runs the validation stage.
type Validator struct {
	runner shell.Runner
	opts   Options
	logger *logging.Logger
	tracer trace.Tracer
}

// NewValidator creates a Validator. Commands run through runner.
func NewValidator(runner shell.Runner, opts Options) *Validator {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	switch opts.IgnoreFile {
	case "":
		opts.IgnoreFile = ignore.DefaultFile
	case "-":
		opts.IgnoreFile = ""
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Validator{
		runner: runner,
		opts:   opts,
		logger: logger.Named("validation"),
		tracer: otel.Tracer("github.com/fyrsmithlabs/prgate/internal/validation"),
	}
}

// Score is the structural score for a set of severity counts.
func Score(summary map[pipeline.Severity]int) float64 {
	s := 100.0 -
		20*float64(summary[pipeline.SeverityError]) -
		5*float64(summary[pipeline.SeverityWarning]) -
		1*float64(summary[pipeline.SeverityInfo])
	return max(0, s)
}

// Validate checks every changed file under env.Root, then runs the
// configured commands. Only context cancellation is returned as an error.
func (v *Validator) Validate(ctx context.Context, env shell.Environment, changed []string) (*pipeline.ValidationResult, error) {
	ctx, span := v.tracer.Start(ctx, "validation.validate", trace.WithAttributes(
		attribute.Int("validation.changed_files", len(changed)),
		attribute.Int("validation.commands", len(v.opts.Commands)),
	))
	defer span.End()

	result := &pipeline.ValidationResult{
		Valid:        true,
		Summary:      make(map[pipeline.Severity]int),
		ChangedFiles: changed,
	}

	checked := changed
	matcher, err := ignore.Load(env.Root, v.opts.IgnoreFile, v.opts.Exclude...)
	if err != nil {
		result.AddIssue(pipeline.Issue{
			Severity: pipeline.SeverityWarning,
			Category: CategoryStructure,
			Message:  "ignore patterns not applied: " + err.Error(),
			File:     v.opts.IgnoreFile,
		})
	} else {
		checked, result.Excluded = matcher.Filter(changed)
		if len(result.Excluded) > 0 {
			v.logger.Debug(ctx, "changed files excluded", zap.Strings("files", result.Excluded))
		}
	}

	for _, rel := range checked {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		for _, issue := range v.checkFile(env.Root, rel) {
			result.AddIssue(issue)
		}
	}

	for _, c := range v.opts.Commands {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if issue, ok := v.runCommand(ctx, env, c); ok {
			result.AddIssue(issue)
		}
	}

	result.Score = Score(result.Summary)
	span.SetAttributes(attribute.Bool("validation.valid", result.Valid), attribute.Float64("validation.score", result.Score))
	v.logger.Info(ctx, "validation finished",
		zap.Bool("valid", result.Valid),
		zap.Int("errors", result.Summary[pipeline.SeverityError]),
		zap.Int("warnings", result.Summary[pipeline.SeverityWarning]),
		zap.Int("infos", result.Summary[pipeline.SeverityInfo]),
		zap.Float64("score", result.Score),
	)
	return result, nil
}

func (v *Validator) checkFile(root, rel string) []pipeline.Issue {
	path := filepath.Join(root, rel)
	info, err := os.Stat(path)
	if err != nil {
		msg := fmt.Sprintf("cannot read changed file: %v", err)
		if errors.Is(err, fs.ErrNotExist) {
			msg = "changed file does not exist in the checkout"
		}
		return []pipeline.Issue{{Severity: pipeline.SeverityError, Category: CategoryStructure, Message: msg, File: rel}}
	}
	if info.IsDir() {
		return nil
	}
	if info.Size() == 0 {
		return []pipeline.Issue{{Severity: pipeline.SeverityWarning, Category: CategoryStructure, Message: "file is empty", File: rel}}
	}
	if info.Size() > v.opts.MaxFileSize {
		return []pipeline.Issue{{
			Severity:   pipeline.SeverityWarning,
			Category:   CategoryStructure,
			Message:    fmt.Sprintf("file is %d bytes, over the %d byte limit", info.Size(), v.opts.MaxFileSize),
			File:       rel,
			Suggestion: "split the file or track it with LFS",
		}}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return []pipeline.Issue{{Severity: pipeline.SeverityError, Category: CategoryStructure, Message: fmt.Sprintf("cannot read changed file: %v", err), File: rel}}
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return nil
	}

	var issues []pipeline.Issue
	switch strings.ToLower(filepath.Ext(rel)) {
	case ".json":
		var probe any
		if err := json.Unmarshal(data, &probe); err != nil {
			issues = append(issues, pipeline.Issue{Severity: pipeline.SeverityError, Category: CategorySyntax, Message: fmt.Sprintf("invalid JSON: %v", err), File: rel})
		}
	case ".yaml", ".yml":
		if err := checkYAML(data); err != nil {
			issues = append(issues, pipeline.Issue{Severity: pipeline.SeverityError, Category: CategorySyntax, Message: fmt.Sprintf("invalid YAML: %v", err), File: rel})
		}
	}
	return append(issues, scanLines(rel, data)...)
}

// checkYAML decodes every document of a YAML stream.
func checkYAML(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// scanLines reports the first merge conflict marker and every TODO/FIXME.
func scanLines(rel string, data []byte) []pipeline.Issue {
	var issues []pipeline.Issue
	conflict := false
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	n := 0
	for sc.Scan() {
		n++
		line := sc.Text()
		if !conflict && isConflictMarker(line) {
			conflict = true
			issues = append(issues, pipeline.Issue{
				Severity: pipeline.SeverityError,
				Category: CategoryConflict,
				Message:  "unresolved merge conflict marker",
				File:     rel,
				Line:     n,
			})
		}
		upper := strings.ToUpper(line)
		for _, kw := range []string{"TODO", "FIXME"} {
			if strings.Contains(upper, kw) {
				issues = append(issues, pipeline.Issue{
					Severity: pipeline.SeverityInfo,
					Category: CategoryNote,
					Message:  kw + " comment",
					File:     rel,
					Line:     n,
				})
				break
			}
		}
	}
	return issues
}

func isConflictMarker(line string) bool {
	return strings.HasPrefix(line, "<<<<<<< ") ||
		strings.HasPrefix(line, ">>>>>>> ") ||
		line == "<<<<<<<" || line == ">>>>>>>" || line == "======="
}

func (v *Validator) runCommand(ctx context.Context, env shell.Environment, c Command) (pipeline.Issue, bool) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	severity := c.Severity
	if severity == "" {
		severity = pipeline.SeverityError
	}
	category := c.Category
	if category == "" {
		category = CategoryCommand
	}

	ctx = logging.WithStep(ctx, c.Name)
	res, err := v.runner.Run(ctx, shell.Command{
		EnvironmentID: env.ID,
		Line:          c.Line,
		Dir:           c.WorkingDir,
		Timeout:       timeout,
	})
	switch {
	case err != nil:
		v.logger.Warn(ctx, "validation command failed to run", zap.Error(err))
		return pipeline.Issue{Severity: severity, Category: category, Message: fmt.Sprintf("%s: %v", c.Name, err)}, true
	case res.ExitCode != 0:
		msg := fmt.Sprintf("%s exited with code %d", c.Name, res.ExitCode)
		if last := lastLine(res.Combined); last != "" {
			msg += ": " + last
		}
		v.logger.Debug(ctx, "validation command reported problems", zap.Int("exit_code", res.ExitCode))
		return pipeline.Issue{Severity: severity, Category: category, Message: msg}, true
	}
	return pipeline.Issue{}, false
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
