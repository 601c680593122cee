package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bindingtester/internal/cluster"
	"github.com/roach88/bindingtester/internal/engine"
	"github.com/roach88/bindingtester/internal/kv"
	"github.com/roach88/bindingtester/internal/testutil"
	"github.com/roach88/bindingtester/internal/tuple"
)

var in = testutil.Instr

// seedCluster writes threads into a fresh SQLite store and returns its
// cluster descriptor.
func seedCluster(t *testing.T, threads map[string][]tuple.Tuple) string {
	t.Helper()
	desc := "sqlite:" + filepath.Join(t.TempDir(), "kv.db")
	db, err := cluster.Open(context.Background(), desc, kv.MaxAPIVersion, cluster.Options{})
	require.NoError(t, err)
	for name, instrs := range threads {
		testutil.SeedInstructions(t, db, []byte(name), instrs...)
	}
	require.NoError(t, db.Close())
	return desc
}

func execute(t *testing.T, opts *RunOptions, args ...string) (string, error) {
	t.Helper()
	if opts == nil {
		opts = &RunOptions{RootOptions: &RootOptions{}}
	}
	cmd := newRootCommand(opts)
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRun_PrintsCompletionLine(t *testing.T) {
	desc := seedCluster(t, map[string][]tuple.Tuple{
		"main": {
			in("PUSH", []byte("v")),
			in("PUSH", []byte("k")),
			in("SET_DATABASE"),
		},
	})

	out, err := execute(t, nil, "main", "730", desc)
	require.NoError(t, err)
	assert.Equal(t, "Go binding tester complete. 3 commands executed\n", out)

	db, err := cluster.Open(context.Background(), desc, kv.MaxAPIVersion, cluster.Options{})
	require.NoError(t, err)
	defer db.Close()
	v, err := db.ReadTransact(func(rt kv.ReadTransaction) (any, error) {
		return rt.Get([]byte("k"))
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestRun_CountsStartedThreads(t *testing.T) {
	desc := seedCluster(t, map[string][]tuple.Tuple{
		"main":   {in("PUSH", []byte("worker")), in("START_THREAD")},
		"worker": {in("UNIT_TESTS"), in("UNIT_TESTS")},
	})

	out, err := execute(t, nil, "main", "730", desc)
	require.NoError(t, err)
	assert.Contains(t, out, "4 commands executed")
}

func TestRun_FatalErrorExitsWithFailure(t *testing.T) {
	desc := seedCluster(t, map[string][]tuple.Tuple{
		"main": {in("PUSH", int64(1)), in("BOGUS")},
	})

	_, err := execute(t, nil, "main", "730", desc)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var me *engine.MachineError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, engine.ErrCodeUnknownOpcode, me.Code)
}

func TestRun_CommandErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"api version not a number", []string{"main", "seven"}, "invalid api version"},
		{"api version too old", []string{"main", "100"}, "not supported"},
		{"api version too new", []string{"main", "9999"}, "not supported"},
		{"unknown cluster", []string{"main", "730", "etcd:localhost"}, "failed to open cluster"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, nil, tt.args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRun_EmptyMemoryCluster(t *testing.T) {
	out, err := execute(t, nil, "main", "520")
	require.NoError(t, err)
	assert.Equal(t, "Go binding tester complete. 0 commands executed\n", out)
}

func TestRun_JSONWithJournal(t *testing.T) {
	desc := seedCluster(t, map[string][]tuple.Tuple{
		"main": {
			in("PUSH", []byte("v")),
			in("PUSH", []byte{0xff, 0x01}),
			in("SET_DATABASE"),
		},
	})
	journal := filepath.Join(t.TempDir(), "journal.db")

	opts := &RunOptions{
		RootOptions:    &RootOptions{},
		RunIDGenerator: engine.NewFixedGenerator("run-1"),
	}
	out, err := execute(t, opts, "--format", "json", "--journal", journal, "main", "730", desc)
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   RunSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, RunSummary{
		Prefix:       "main",
		APIVersion:   730,
		Cluster:      desc,
		Instructions: 3,
		Threads:      1,
		RunID:        "run-1",
	}, resp.Data)

	out, err = execute(t, nil, "--format", "json", "trace", journal, "run-1")
	require.NoError(t, err)

	var trace struct {
		Data TraceResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &trace))
	require.Len(t, trace.Data.Timeline, 3)
	assert.Equal(t, "SET_DATABASE", trace.Data.Timeline[2].Opcode)
	assert.Equal(t, engine.OutcomeStoreError, trace.Data.Timeline[2].Outcome)
	assert.Equal(t, 1, trace.Data.Stats.StoreErrors)
	assert.Equal(t, map[string]int{"main": 3}, trace.Data.Stats.Threads)
}

func TestRun_MetricsServer(t *testing.T) {
	logger := newLogger(false, &bytes.Buffer{})
	srv, err := startMetrics("127.0.0.1:0", logger)
	require.NoError(t, err)
	defer srv.Close()
	assert.NotEmpty(t, srv.Addr())
}

func TestRun_SubcommandAcceptsShadowedPrefix(t *testing.T) {
	desc := seedCluster(t, map[string][]tuple.Tuple{
		"trace": {
			in("PUSH", []byte("v")),
			in("PUSH", []byte("k")),
			in("SET_DATABASE"),
		},
	})

	out, err := execute(t, nil, "run", "trace", "730", desc)
	require.NoError(t, err)
	assert.Equal(t, "Go binding tester complete. 3 commands executed\n", out)

	_, err = execute(t, nil, "run", "trace")
	require.Error(t, err)
}
