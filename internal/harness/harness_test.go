package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bindingtester/internal/engine"
	"github.com/roach88/bindingtester/internal/store"
)

func TestRun_Scenarios(t *testing.T) {
	files, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, file := range files {
		t.Run(filepath.Base(file), func(t *testing.T) {
			s, err := LoadScenario(file)
			require.NoError(t, err)

			result, err := Run(context.Background(), s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_ReportsFailedAssertions(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: wrong
description: expectations that do not hold
prefix: main
threads:
  main:
    - [PUSH, {bytes: a}]
assertions:
  - {type: stack, thread: main, values: [{bytes: b}]}
  - {type: stack_depth, thread: main, depth: 3}
  - {type: key_value, key: a, value: b}
  - {type: fatal, code: ASSERTION}
`))
	require.NoError(t, err)

	result, err := Run(context.Background(), s)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 4)
	assert.Contains(t, result.Errors[0], `expected [b"b"], got [b"a"]`)
	assert.Contains(t, result.Errors[1], "expected 3, got 1")
	assert.Contains(t, result.Errors[2], "got no value")
	assert.Contains(t, result.Errors[3], "got clean run")
}

func TestRun_UnexpectedFatalFails(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: underflow
description: DUP on an empty stack
prefix: main
threads:
  main:
    - [DUP]
assertions:
  - {type: stack_depth, thread: main, depth: 0}
`))
	require.NoError(t, err)

	result, err := Run(context.Background(), s)
	require.NoError(t, err)

	require.NotNil(t, result.Fatal)
	assert.Equal(t, engine.ErrCodeStackUnderflow, result.Fatal.Code)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "run stopped")
}

func TestRun_JournalsThroughSchedulerOptions(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.WriteRun(context.Background(), store.Run{ID: "scenario-run", Prefix: []byte("main"), APIVersion: 730}))

	s, err := LoadScenario("testdata/scenarios/set_and_read.yaml")
	require.NoError(t, err)

	result, err := Run(context.Background(), s,
		WithSchedulerOptions(engine.WithSchedulerJournal(st, "scenario-run")))
	require.NoError(t, err)
	assert.True(t, result.Pass)

	records, err := st.ReadInstructions(context.Background(), "scenario-run")
	require.NoError(t, err)
	require.Len(t, records, 6)
	assert.Equal(t, "SET_DATABASE", records[2].Opcode)
	assert.Equal(t, engine.OutcomeOK, records[2].Outcome)
}
