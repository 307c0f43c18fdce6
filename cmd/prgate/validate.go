package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/prgate/internal/definition"
	"github.com/fyrsmithlabs/prgate/internal/graph"
	"github.com/fyrsmithlabs/prgate/internal/pipeline"
)

func newValidateDefinitionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-definition [file]",
		Short: "Check a pipeline definition and print its execution plan",
		Long: `Validate-definition parses a definition file, resolves the step graph and
prints the batches steps would run in, followed by suites and gates.

A definition that fails to parse or resolve exits with code 2.`,
		Args: usageArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultDefinitionPath
			if len(args) == 1 {
				path = args[0]
			}
			def, err := definition.Load(path)
			if err != nil {
				return err
			}
			batches, err := def.Batches()
			if err != nil {
				return err
			}
			printPlan(cmd.OutOrStdout(), def, batches)
			return nil
		},
	}
}

// printPlan writes the resolved plan of def.
func printPlan(w io.Writer, def *definition.Definition, batches []graph.Batch[pipeline.Step]) {
	fmt.Fprintf(w, "%s %s\n", passStyle.Render("✓"), def.Name)

	if n := len(def.Setup.Commands) + len(def.Setup.Services); n > 0 {
		fmt.Fprintf(w, "\nsetup: %d command(s), %d service(s)\n", len(def.Setup.Commands), len(def.Setup.Services))
	}

	fmt.Fprintf(w, "\nsteps: %d in %d batch(es)\n", len(def.Steps), len(batches))
	for _, b := range batches {
		var parts []string
		if len(b.Parallel) > 0 {
			parts = append(parts, "parallel: "+stepNames(b.Parallel))
		}
		if len(b.Sequential) > 0 {
			parts = append(parts, "sequential: "+stepNames(b.Sequential))
		}
		fmt.Fprintf(w, "  %d. %s\n", b.Level+1, strings.Join(parts, "; "))
	}

	fmt.Fprintf(w, "\nsuites: %d\n", len(def.Suites))
	for _, s := range def.Suites {
		fmt.Fprintf(w, "  - %s%s\n", s.Name, requiredMark(s.Required))
	}

	fmt.Fprintf(w, "\ngates: %d\n", len(def.Gates))
	for _, g := range def.Gates {
		fmt.Fprintf(w, "  - %s (%s %s %g)%s\n", g.Name, g.Type, g.Operator, g.Threshold, requiredMark(g.Required))
	}
}

func stepNames(steps []pipeline.Step) string {
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.Name + requiredMark(s.Required)
	}
	return strings.Join(names, ", ")
}

func requiredMark(required bool) string {
	if required {
		return ""
	}
	return dimStyle.Render(" (optional)")
}
