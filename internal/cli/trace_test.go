package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bindingtester/internal/engine"
	"github.com/roach88/bindingtester/internal/store"
)

func seedJournal(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	require.NoError(t, st.WriteRun(ctx, store.Run{ID: "r1", Prefix: []byte("main"), APIVersion: 730}))
	for _, rec := range []store.InstructionRecord{
		{RunID: "r1", Thread: []byte("main"), Instruction: 0, Opcode: "PUSH", StackDepth: 0, Outcome: engine.OutcomeOK},
		{RunID: "r1", Thread: []byte("main"), Instruction: 1, Opcode: "DIRECTORY_OPEN", StackDepth: 1, Outcome: engine.OutcomeDirectoryError},
		{RunID: "r1", Thread: []byte("w"), Instruction: 0, Opcode: "BOGUS", StackDepth: 0, Outcome: engine.OutcomeFatal},
	} {
		require.NoError(t, st.WriteInstruction(ctx, rec))
	}
	return path
}

func TestTrace_ListRuns(t *testing.T) {
	path := seedJournal(t)

	out, err := execute(t, nil, "trace", path)
	require.NoError(t, err)
	assert.Equal(t, "r1\n", out)
}

func TestTrace_Text(t *testing.T) {
	path := seedJournal(t)

	out, err := execute(t, nil, "trace", path, "r1")
	require.NoError(t, err)
	assert.Contains(t, out, "Trace for Run: r1")
	assert.Contains(t, out, "Cluster: memory")
	assert.Contains(t, out, `"main" #1 DIRECTORY_OPEN (directory_error)`)
	assert.Contains(t, out, "Directory Errors: 1")
	assert.Contains(t, out, "Fatal:            true")
}

func TestTrace_ThreadFilter(t *testing.T) {
	path := seedJournal(t)

	out, err := execute(t, nil, "trace", path, "r1", "--thread", "w")
	require.NoError(t, err)
	assert.Contains(t, out, "BOGUS")
	assert.NotContains(t, out, "PUSH")
}

func TestTrace_Errors(t *testing.T) {
	path := seedJournal(t)

	_, err := execute(t, nil, "trace", path, "missing")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "run not found")

	_, err = execute(t, nil, "trace", filepath.Join(t.TempDir(), "none.db"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestBuildStats(t *testing.T) {
	stats := buildStats([]TraceEvent{
		{Thread: "a", Outcome: engine.OutcomeOK},
		{Thread: "a", Outcome: engine.OutcomeStoreError},
		{Thread: "b", Outcome: engine.OutcomeOK},
	})
	assert.Equal(t, TraceStats{
		Instructions: 3,
		Threads:      map[string]int{"a": 2, "b": 1},
		StoreErrors:  1,
	}, stats)
}

func TestOutputTraceText_Empty(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, outputTraceText(buf, TraceResult{RunID: "x", Stats: TraceStats{Threads: map[string]int{}}}, false))
	assert.Contains(t, buf.String(), "(no instructions)")
}
