// Prgate validates a pull request branch in an isolated environment.
//
// It provisions a workspace, clones the branch, builds it, runs check
// suites, evaluates quality gates, validates changed files, requests an
// automated review and reports one verdict.
//
// Configuration is layered: defaults, then a YAML file, then PRGATE_*
// environment variables. See internal/config for details.
//
// Usage:
//
//	# Validate pull request 42 of acme/widgets
//	prgate run acme/widgets feature/login 42 --definition .prgate.yaml
//
//	# Serve the run history API
//	prgate serve
//
// Exit codes: 0 when the verdict passes, 1 when it fails, 2 on configuration
// or usage errors.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/prgate/internal/pipeline"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	envFiles   []string
}

func main() {
	os.Exit(execute(os.Args[1:]))
}

// execute runs the CLI with args and returns the process exit code.
func execute(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	err := root.Execute()
	if err != nil && !errors.Is(err, errVerdictFailed) {
		fmt.Fprintf(root.ErrOrStderr(), "Error: %v\n", err)
	}
	return exitCode(err)
}

// errVerdictFailed is returned by run when the pipeline completed with a
// failing verdict. The verdict has already been printed.
var errVerdictFailed = errors.New("verdict failed")

// usageError marks errors caused by bad arguments or flags.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var usage *usageError
	var cfgErr *pipeline.ConfigurationError
	if errors.As(err, &usage) || errors.As(err, &cfgErr) {
		return exitUsage
	}
	return exitFailed
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "prgate",
		Short: "Validate pull requests in isolated environments",
		Long: `prgate runs a pull request branch through build, test, quality gate,
validation and review stages and reports a single pass/fail verdict.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, gitCommit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file (default ~/.config/prgate/config.yaml)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level override (trace, debug, info, warn, error)")
	root.PersistentFlags().StringSliceVar(&flags.envFiles, "env-file", nil, "dotenv files loaded before configuration")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	root.AddCommand(
		newRunCmd(flags),
		newServeCmd(flags),
		newHistoryCmd(flags),
		newValidateDefinitionCmd(),
	)
	return root
}

// usageArgs wraps a cobra argument validator so failures exit with the
// usage code.
func usageArgs(fn cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := fn(cmd, args); err != nil {
			return &usageError{err: err}
		}
		return nil
	}
}
