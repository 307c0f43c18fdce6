// Package history persists finished runs in sqlite so past verdicts can be
// listed and inspected.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fyrsmithlabs/prgate/internal/pipeline"
)

// ErrNotFound is returned by Get for an unknown run id.
var ErrNotFound = errors.New("run not found")

// Summary is the list view of a stored run.
type Summary struct {
	ID            string        `json:"id"`
	Repository    string        `json:"repository"`
	Branch        string        `json:"branch"`
	PullRequest   int           `json:"pull_request,omitempty"`
	Commit        string        `json:"commit,omitempty"`
	Success       bool          `json:"success"`
	CombinedScore *float64      `json:"combined_score,omitempty"`
	FailedGates   int           `json:"failed_gates"`
	StartedAt     time.Time     `json:"started_at"`
	Elapsed       time.Duration `json:"elapsed"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Repository  string
	Branch      string
	PullRequest int
	Limit       int
}

// Stats aggregates stored runs of a repository.
type Stats struct {
	Total      int           `json:"total"`
	Passed     int           `json:"passed"`
	Failed     int           `json:"failed"`
	PassRate   float64       `json:"pass_rate"`
	AvgElapsed time.Duration `json:"avg_elapsed"`
}

// Store is a sqlite-backed run history.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the history database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			repository TEXT NOT NULL,
			branch TEXT NOT NULL,
			pull_request INTEGER NOT NULL DEFAULT 0,
			commit_sha TEXT NOT NULL DEFAULT '',
			success INTEGER NOT NULL,
			combined_score REAL,
			failed_gates INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL,
			elapsed_ns INTEGER NOT NULL,
			document TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_repository ON runs(repository, started_at)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}
	return nil
}

// Save stores run, replacing an earlier record with the same id.
func (s *Store) Save(ctx context.Context, run *pipeline.PipelineRun) error {
	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}
	var score sql.NullFloat64
	if run.Verdict != nil && run.Verdict.CombinedScore != nil {
		score = sql.NullFloat64{Float64: *run.Verdict.CombinedScore, Valid: true}
	}
	failedGates := 0
	for _, g := range run.Gates {
		if !g.Success {
			failedGates++
		}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs
			(id, repository, branch, pull_request, commit_sha, success, combined_score, failed_gates, started_at, elapsed_ns, document)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Repository, run.Branch, run.PullRequest, run.Commit, run.Success,
		score, failedGates, run.StartedAt.UTC(), int64(run.Elapsed), string(doc),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// Get loads the full run document.
func (s *Store) Get(ctx context.Context, id string) (*pipeline.PipelineRun, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM runs WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read run: %w", err)
	}
	var run pipeline.PipelineRun
	if err := json.Unmarshal([]byte(doc), &run); err != nil {
		return nil, fmt.Errorf("failed to decode run: %w", err)
	}
	return &run, nil
}

// List returns summaries newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Summary, error) {
	var where []string
	var args []any
	if f.Repository != "" {
		where = append(where, "repository = ?")
		args = append(args, f.Repository)
	}
	if f.Branch != "" {
		where = append(where, "branch = ?")
		args = append(args, f.Branch)
	}
	if f.PullRequest > 0 {
		where = append(where, "pull_request = ?")
		args = append(args, f.PullRequest)
	}
	query := `SELECT id, repository, branch, pull_request, commit_sha, success, combined_score, failed_gates, started_at, elapsed_ns FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum     Summary
			score   sql.NullFloat64
			elapsed int64
		)
		if err := rows.Scan(&sum.ID, &sum.Repository, &sum.Branch, &sum.PullRequest, &sum.Commit,
			&sum.Success, &score, &sum.FailedGates, &sum.StartedAt, &elapsed); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if score.Valid {
			v := score.Float64
			sum.CombinedScore = &v
		}
		sum.Elapsed = time.Duration(elapsed)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Stats summarizes the runs of repository, or of every repository when it
// is empty.
func (s *Store) Stats(ctx context.Context, repository string) (Stats, error) {
	query := `SELECT COUNT(*), COALESCE(SUM(success), 0), COALESCE(AVG(elapsed_ns), 0) FROM runs`
	var args []any
	if repository != "" {
		query += ` WHERE repository = ?`
		args = append(args, repository)
	}
	var (
		st  Stats
		avg float64
	)
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&st.Total, &st.Passed, &avg); err != nil {
		return Stats{}, fmt.Errorf("failed to compute stats: %w", err)
	}
	st.Failed = st.Total - st.Passed
	if st.Total > 0 {
		st.PassRate = float64(st.Passed) / float64(st.Total)
	}
	st.AvgElapsed = time.Duration(avg)
	return st, nil
}

// Prune deletes runs started before cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
