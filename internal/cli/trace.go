package cli

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/bindingtester/internal/engine"
	"github.com/roach88/bindingtester/internal/store"
	"github.com/roach88/bindingtester/internal/tuple"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Thread string // optional - filter to one thread
}

// TraceEvent is one journaled instruction.
type TraceEvent struct {
	Seq         int64  `json:"seq"`
	Thread      string `json:"thread"`
	Instruction int    `json:"instruction"`
	Opcode      string `json:"opcode"`
	StackDepth  int    `json:"stack_depth"`
	Outcome     string `json:"outcome"`
}

// TraceStats holds summary statistics for a run.
type TraceStats struct {
	Instructions    int            `json:"instructions"`
	Threads         map[string]int `json:"threads"`
	StoreErrors     int            `json:"store_errors"`
	DirectoryErrors int            `json:"directory_errors"`
	Fatal           bool           `json:"fatal"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	RunID      string       `json:"run_id"`
	Prefix     string       `json:"prefix"`
	APIVersion int          `json:"api_version"`
	Cluster    string       `json:"cluster"`
	Timeline   []TraceEvent `json:"timeline"`
	Stats      TraceStats   `json:"stats"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace <journal.db> [run-id]",
		Short: "Show the instruction journal of a run",
		Long: `Print the instructions a run dispatched, in order, with the stack depth
each saw and how it ended: ok, store_error (pushed as an ERROR marker),
directory_error (pushed as DIRECTORY_ERROR) or fatal.

Without a run ID, lists the runs in the journal.

Examples:
  bindingtester trace ./journal.db
  bindingtester trace ./journal.db 0190c2a4-7d3e-7b6a-9f00-5a1e2c3d4e5f
  bindingtester trace ./journal.db <run-id> --thread main --format json`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := ""
			if len(args) == 2 {
				runID = args[1]
			}
			return runTrace(opts, args[0], runID, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Thread, "thread", "", "only show instructions of this thread")

	return cmd
}

func runTrace(opts *TraceOptions, path, runID string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := os.Stat(path); err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("journal not found: %s", path), err)
	}
	st, err := store.Open(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	defer st.Close()

	if runID == "" {
		return listRuns(ctx, opts, st, cmd)
	}

	run, err := st.ReadRun(ctx, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return NewExitError(ExitCommandError, fmt.Sprintf("run not found: %s", runID))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read run", err)
	}

	records, err := st.ReadInstructions(ctx, runID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read journal", err)
	}

	result := TraceResult{
		RunID:      run.ID,
		Prefix:     string(run.Prefix),
		APIVersion: run.APIVersion,
		Cluster:    run.Cluster,
		Timeline:   buildTimeline(records, opts.Thread),
	}
	result.Stats = buildStats(result.Timeline)

	if opts.Format == "json" {
		return outputTraceJSON(cmd, result)
	}
	return outputTraceText(cmd.OutOrStdout(), result, opts.Verbose)
}

func listRuns(ctx context.Context, opts *TraceOptions, st *store.Store, cmd *cobra.Command) error {
	ids, err := st.ListRuns(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list runs", err)
	}
	if opts.Format == "json" {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(CLIResponse{Status: "ok", Data: map[string]any{"runs": ids}})
	}
	w := cmd.OutOrStdout()
	if len(ids) == 0 {
		fmt.Fprintln(w, "No runs in journal.")
		return nil
	}
	for _, id := range ids {
		fmt.Fprintln(w, id)
	}
	return nil
}

// buildTimeline converts journal records to timeline events, keeping only
// threadFilter's records when it is set.
func buildTimeline(records []store.InstructionRecord, threadFilter string) []TraceEvent {
	timeline := []TraceEvent{}
	for _, r := range records {
		if threadFilter != "" && string(r.Thread) != threadFilter {
			continue
		}
		timeline = append(timeline, TraceEvent{
			Seq:         r.Seq,
			Thread:      string(r.Thread),
			Instruction: r.Instruction,
			Opcode:      r.Opcode,
			StackDepth:  r.StackDepth,
			Outcome:     r.Outcome,
		})
	}
	return timeline
}

func buildStats(timeline []TraceEvent) TraceStats {
	stats := TraceStats{
		Instructions: len(timeline),
		Threads:      make(map[string]int),
	}
	for _, e := range timeline {
		stats.Threads[e.Thread]++
		switch e.Outcome {
		case engine.OutcomeStoreError:
			stats.StoreErrors++
		case engine.OutcomeDirectoryError:
			stats.DirectoryErrors++
		case engine.OutcomeFatal:
			stats.Fatal = true
		}
	}
	return stats
}

// outputTraceJSON outputs the trace result as JSON.
func outputTraceJSON(cmd *cobra.Command, result TraceResult) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(CLIResponse{Status: "ok", Data: result})
}

// outputTraceText outputs the trace result as text.
func outputTraceText(w io.Writer, result TraceResult, verbose bool) error {
	fmt.Fprintf(w, "Trace for Run: %s\n", result.RunID)
	fmt.Fprintf(w, "Prefix: %s  API: %d  Cluster: %s\n", result.Prefix, result.APIVersion, clusterName(result.Cluster))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Timeline ===")
	if len(result.Timeline) == 0 {
		fmt.Fprintln(w, "  (no instructions)")
	}
	for _, e := range result.Timeline {
		fmt.Fprintf(w, "  [%d] %s #%d %s", e.Seq, tuple.PrintableBytes([]byte(e.Thread)), e.Instruction, e.Opcode)
		if verbose {
			fmt.Fprintf(w, " depth=%d", e.StackDepth)
		}
		if e.Outcome != engine.OutcomeOK {
			fmt.Fprintf(w, " (%s)", e.Outcome)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Stats ===")
	fmt.Fprintf(w, "  Instructions:     %d\n", result.Stats.Instructions)
	threads := make([]string, 0, len(result.Stats.Threads))
	for t := range result.Stats.Threads {
		threads = append(threads, t)
	}
	sort.Strings(threads)
	for _, t := range threads {
		fmt.Fprintf(w, "  Thread %s: %d\n", tuple.PrintableBytes([]byte(t)), result.Stats.Threads[t])
	}
	fmt.Fprintf(w, "  Store Errors:     %d\n", result.Stats.StoreErrors)
	fmt.Fprintf(w, "  Directory Errors: %d\n", result.Stats.DirectoryErrors)
	fmt.Fprintf(w, "  Fatal:            %t\n", result.Stats.Fatal)
	return nil
}

func clusterName(c string) string {
	if c == "" {
		return "memory"
	}
	return c
}
