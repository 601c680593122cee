package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/bindingtester/internal/cluster"
	"github.com/roach88/bindingtester/internal/engine"
	"github.com/roach88/bindingtester/internal/kv"
	"github.com/roach88/bindingtester/internal/store"
)

// RunOptions holds flags for a tester run.
type RunOptions struct {
	*RootOptions
	Journal     string
	MetricsAddr string
	OTelStdout  bool

	// RunIDGenerator allows overriding the journal run ID generator (for
	// testing). If nil, defaults to UUIDv7Generator.
	RunIDGenerator engine.RunIDGenerator
}

// RunSummary is the result of a completed tester run.
type RunSummary struct {
	Prefix       string `json:"prefix"`
	APIVersion   int    `json:"api_version"`
	Cluster      string `json:"cluster"`
	Instructions int64  `json:"instructions"`
	Threads      int    `json:"threads"`
	RunID        string `json:"run_id,omitempty"`
}

func newLogger(verbose bool, w io.Writer) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel}))
}

func runTester(opts *RunOptions, args []string, cmd *cobra.Command) error {
	prefix := []byte(args[0])
	apiVersion, err := strconv.Atoi(args[1])
	if err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("invalid api version %q", args[1]), err)
	}
	if apiVersion < kv.MinAPIVersion || apiVersion > kv.MaxAPIVersion {
		return NewExitError(ExitCommandError,
			fmt.Sprintf("api version %d not supported: must be in [%d, %d]", apiVersion, kv.MinAPIVersion, kv.MaxAPIVersion))
	}
	clusterArg := ""
	if len(args) == 3 {
		clusterArg = args[2]
	}

	logger := newLogger(opts.Verbose, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.OTelStdout {
		shutdown, err := setupTracing(cmd.ErrOrStderr())
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to set up tracing", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Warn("tracer shutdown failed", "error", err)
			}
		}()
	}
	if opts.MetricsAddr != "" {
		srv, err := startMetrics(opts.MetricsAddr, logger)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to start metrics server", err)
		}
		defer srv.Close()
	}

	logger.Debug("opening cluster", "cluster", clusterArg, "api_version", apiVersion)
	db, err := cluster.Open(ctx, clusterArg, apiVersion, cluster.Options{Logger: logger})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open cluster", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	schedOpts := []engine.SchedulerOption{engine.WithSchedulerLogger(logger)}
	summary := RunSummary{
		Prefix:     string(prefix),
		APIVersion: apiVersion,
		Cluster:    clusterArg,
	}

	if opts.Journal != "" {
		journal, err := store.Open(opts.Journal)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open journal", err)
		}
		defer journal.Close()

		gen := opts.RunIDGenerator
		if gen == nil {
			gen = engine.UUIDv7Generator{}
		}
		summary.RunID = gen.Generate()
		if err := journal.WriteRun(ctx, store.Run{
			ID:         summary.RunID,
			Prefix:     prefix,
			APIVersion: apiVersion,
			Cluster:    clusterArg,
		}); err != nil {
			return WrapExitError(ExitCommandError, "failed to register run", err)
		}
		schedOpts = append(schedOpts, engine.WithSchedulerJournal(journal, summary.RunID))
		logger.Info("journaling run", "run_id", summary.RunID, "journal", opts.Journal)
	}

	sched := engine.NewScheduler(db, schedOpts...)
	runErr := sched.Run(ctx, prefix)
	summary.Instructions = sched.InstructionsRun()
	summary.Threads = len(sched.Machines())
	if runErr != nil {
		logger.Error("binding tester failed", "error", runErr, "instructions", summary.Instructions)
		exitErr := WrapExitError(ExitFailure, "binding tester failed", runErr)
		if opts.Format == "json" {
			formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			_ = formatter.ReportError(exitErr)
		}
		return exitErr
	}

	if opts.Format == "json" {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(CLIResponse{Status: "ok", Data: summary})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Go binding tester complete. %d commands executed\n", summary.Instructions)
	return nil
}
