package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the bindingtester command. Invoked with
// positional arguments it runs a tester process; the subcommands work with
// scenarios and journals.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RunOptions{RootOptions: &RootOptions{}})
}

func newRootCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bindingtester <prefix> <api-version> [cluster]",
		Short: "Binding tester stack machine",
		Long: `Execute a binding-tester instruction stream.

Reads the instructions stored under pack((prefix, i)), runs them on a stack
machine against the store named by cluster, and exits 0 once every thread
started by the stream has finished.

Cluster descriptors:
  memory            in-memory Badger engine (default)
  badger:<dir>      persistent Badger engine
  sqlite:<path>     SQLite engine
  <file>            cluster file whose first line is a descriptor

A prefix that collides with a subcommand name (run, scenario, validate,
trace) is taken as that subcommand; use "bindingtester run <prefix> ..."
to test such a prefix.

Exit codes:
  0 - All threads finished
  1 - A thread stopped with a fatal machine error
  2 - Command error (bad arguments, store cannot be opened)

Examples:
  bindingtester test_spec 730
  bindingtester test_spec 730 badger:/tmp/tester --journal ./journal.db
  bindingtester test_spec 630 sqlite:/tmp/kv.db --metrics-addr :9090`,
		Args:          cobra.RangeArgs(2, 3),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTester(opts, args, cmd)
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	addTesterFlags(cmd, opts)

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts.RootOptions))
	cmd.AddCommand(NewValidateCommand(opts.RootOptions))
	cmd.AddCommand(NewTraceCommand(opts.RootOptions))

	return cmd
}

// newRunCommand runs the tester like the root command does, for prefixes
// that shadow a subcommand name.
func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <prefix> <api-version> [cluster]",
		Short: "Execute an instruction stream",
		Long: `Execute the instruction stream stored under prefix. Equivalent to the
root command, but the prefix may be any name, including "trace".

Examples:
  bindingtester run trace 730 sqlite:/tmp/kv.db`,
		Args:          cobra.RangeArgs(2, 3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTester(opts, args, cmd)
		},
	}
	addTesterFlags(cmd, opts)
	return cmd
}

func addTesterFlags(cmd *cobra.Command, opts *RunOptions) {
	cmd.Flags().StringVar(&opts.Journal, "journal", "", "path to SQLite instruction journal")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&opts.OTelStdout, "otel-stdout", false, "export trace spans to stderr")
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
