package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/prgate/internal/dashboard"
	"github.com/fyrsmithlabs/prgate/internal/history"
)

type historyFlags struct {
	filter history.Filter
	json   bool
	stats  bool
	prune  time.Duration
}

func newHistoryCmd(global *globalFlags) *cobra.Command {
	flags := &historyFlags{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs",
		Long: `History lists runs recorded in the local run history, newest first.

Examples:
  # Last 20 runs
  prgate history

  # Pass rate of one repository
  prgate history --repository acme/widgets --stats`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if flags.filter.Limit < 0 {
				return &usageError{err: fmt.Errorf("--limit must be >= 0, got %d", flags.filter.Limit)}
			}
			cfg, err := loadConfig(global)
			if err != nil {
				return err
			}
			store, err := history.Open(cfg.History.Path)
			if err != nil {
				return fmt.Errorf("opening run history: %w", err)
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if flags.prune > 0 {
				n, err := store.Prune(cmd.Context(), time.Now().Add(-flags.prune))
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "pruned %d run(s)\n", n)
				return nil
			}
			if flags.stats {
				stats, err := store.Stats(cmd.Context(), flags.filter.Repository)
				if err != nil {
					return err
				}
				if flags.json {
					return writeJSON(out, stats)
				}
				fmt.Fprintln(out, renderStats(stats))
				return nil
			}

			runs, err := store.List(cmd.Context(), flags.filter)
			if err != nil {
				return err
			}
			if flags.json {
				return writeJSON(out, runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, dimStyle.Render("no runs recorded"))
				return nil
			}
			fmt.Fprintln(out, renderRuns(runs))
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.filter.Repository, "repository", "", "only runs of this repository")
	cmd.Flags().StringVar(&flags.filter.Branch, "branch", "", "only runs of this branch")
	cmd.Flags().IntVar(&flags.filter.PullRequest, "pr", 0, "only runs of this pull request")
	cmd.Flags().IntVarP(&flags.filter.Limit, "limit", "n", 20, "maximum runs to list")
	cmd.Flags().BoolVar(&flags.json, "json", false, "print JSON")
	cmd.Flags().BoolVar(&flags.stats, "stats", false, "print pass/fail totals instead of runs")
	cmd.Flags().DurationVar(&flags.prune, "prune-older-than", 0, "delete runs older than this and exit")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderRuns renders run summaries as a table.
func renderRuns(runs []history.Summary) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("RUN", "REPOSITORY", "BRANCH", "PR", "RESULT", "SCORE", "STARTED", "ELAPSED")
	for _, r := range runs {
		result := passStyle.Render("passed")
		if !r.Success {
			result = failStyle.Render("failed")
		}
		pr := ""
		if r.PullRequest > 0 {
			pr = "#" + strconv.Itoa(r.PullRequest)
		}
		t.Row(
			shortID(r.ID),
			r.Repository,
			r.Branch,
			pr,
			result,
			dashboard.FormatScore(r.CombinedScore),
			r.StartedAt.Local().Format(time.DateTime),
			dashboard.FormatElapsed(r.Elapsed),
		)
	}
	return t.String()
}

func renderStats(s history.Stats) string {
	return fmt.Sprintf("%d runs, %s passed, %s failed, pass rate %s, average %s",
		s.Total,
		passStyle.Render(strconv.Itoa(s.Passed)),
		failStyle.Render(strconv.Itoa(s.Failed)),
		dashboard.FormatPercentage(s.PassRate),
		dashboard.FormatElapsed(s.AvgElapsed),
	)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
