package gates

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/zricethezav/gitleaks/v8/detect"

	"github.com/fyrsmithlabs/prgate/internal/shell"
)

const maxScanFileSize = 1 << 20

// SecretFinding is one secret detected in the workspace. The secret value
// itself is never kept.
type SecretFinding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	File        string `json:"file"`
	Line        int    `json:"line"`
}

// Vulnerability is one entry of the vulnerability command's JSON output.
type Vulnerability struct {
	ID       string `json:"id"`
	Severity string `json:"severity"`
	Package  string `json:"package,omitempty"`
}

// SecurityCollector counts secret findings in the workspace plus
// vulnerabilities at or above Gate.MinSeverity reported by Gate.Command.
type SecurityCollector struct {
	Runner shell.Runner
	// Scan replaces the workspace secret scan. Tests use it.
	Scan func(ctx context.Context, root string, paths []string) ([]SecretFinding, error)
}

// Collect implements Collector.
func (c SecurityCollector) Collect(ctx context.Context, req Request) (Measurement, error) {
	scan := c.Scan
	if scan == nil {
		scan = ScanSecrets
	}

	secrets, err := scan(ctx, req.Env.Root, req.Gate.Paths)
	if err != nil {
		return Measurement{}, unavailable(req, "secrets", err)
	}

	details := map[string]any{"secrets": len(secrets)}
	if len(secrets) > 0 {
		details["secret_findings"] = secrets
	}
	count := len(secrets)

	if req.Gate.Command != "" {
		res, err := runGateCommand(ctx, c.Runner, req)
		if err != nil {
			return Measurement{}, err
		}
		var vulns []Vulnerability
		if err := json.Unmarshal([]byte(strings.TrimSpace(res.Stdout)), &vulns); err != nil {
			return Measurement{}, unavailable(req, "vulnerabilities", fmt.Errorf("parsing vulnerability report: %w", err))
		}
		floor := SeverityRank(req.Gate.MinSeverity)
		var counted []Vulnerability
		for _, v := range vulns {
			if SeverityRank(v.Severity) >= floor {
				counted = append(counted, v)
			}
		}
		details["vulnerabilities"] = len(counted)
		details["vulnerabilities_reported"] = len(vulns)
		if len(counted) > 0 {
			details["vulnerability_findings"] = counted
		}
		count += len(counted)
	}

	return Measurement{
		Value:   float64(count),
		Score:   score(100 - 25*float64(count)),
		Details: details,
	}, nil
}

// SeverityRank orders vulnerability severities. Unknown or empty values rank
// lowest, so an empty MinSeverity counts everything.
func SeverityRank(s string) int {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return 1
	case "medium", "moderate":
		return 2
	case "high":
		return 3
	case "critical":
		return 4
	}
	return 0
}

// ScanSecrets runs the gitleaks default rule set over regular files under
// root, or under root/paths when paths is set. VCS metadata, binary files and
// files over 1MB are skipped.
func ScanSecrets(ctx context.Context, root string, paths []string) ([]SecretFinding, error) {
	if root == "" {
		return nil, errors.New("no workspace to scan")
	}
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}

	starts := []string{root}
	if len(paths) > 0 {
		starts = starts[:0]
		for _, p := range paths {
			starts = append(starts, filepath.Join(root, p))
		}
	}

	var findings []SecretFinding
	for _, start := range starts {
		err := filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if d.IsDir() {
				if d.Name() == ".git" {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil || info.Size() > maxScanFileSize {
				return nil
			}
			data, err := os.ReadFile(path)
			if err != nil || bytes.IndexByte(data, 0) >= 0 {
				return nil
			}

			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				rel = path
			}
			for _, f := range detector.DetectString(string(data)) {
				findings = append(findings, SecretFinding{
					RuleID:      f.RuleID,
					Description: f.Description,
					File:        rel,
					Line:        f.StartLine,
				})
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", start, err)
		}
	}
	return findings, nil
}
