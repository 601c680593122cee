package engine

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bindingtester/internal/kv"
	"github.com/roach88/bindingtester/internal/testutil"
)

func TestRegistry_PutReplacesEnsureKeeps(t *testing.T) {
	db := testutil.OpenDatabase(t)
	r := NewRegistry()
	first := db.CreateTransaction()
	second := db.CreateTransaction()

	assert.Nil(t, r.Get([]byte("a")))

	got := r.Ensure([]byte("a"), func() *kv.Transaction { return first })
	assert.Same(t, first, got)
	got = r.Ensure([]byte("a"), func() *kv.Transaction { return second })
	assert.Same(t, first, got)

	r.Put([]byte("a"), second)
	assert.Same(t, second, r.Get([]byte("a")))
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_ConcurrentEnsure(t *testing.T) {
	db := testutil.OpenDatabase(t)
	r := NewRegistry()

	var wg sync.WaitGroup
	results := make([]*kv.Transaction, 20)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = r.Ensure([]byte("shared"), func() *kv.Transaction { return db.CreateTransaction() })
		}()
	}
	wg.Wait()

	for _, tr := range results {
		assert.Same(t, results[0], tr)
	}
}

func TestScheduler_RunsStartedThreads(t *testing.T) {
	db := testutil.OpenDatabase(t)
	testutil.SeedInstructions(t, db, []byte("main"),
		in("PUSH", []byte("worker")),
		in("START_THREAD"),
		in("PUSH", []byte("main-done")),
		in("PUSH", []byte("main")),
		in("SET_DATABASE"),
	)
	testutil.SeedInstructions(t, db, []byte("worker"),
		in("PUSH", []byte("worker-done")),
		in("PUSH", []byte("worker")),
		in("SET_DATABASE"),
	)

	s := NewScheduler(db)
	require.NoError(t, s.Run(context.Background(), []byte("main")))

	assert.Equal(t, int64(8), s.InstructionsRun())
	assert.Len(t, s.Machines(), 2)

	r, err := db.ReadTransact(func(rt kv.ReadTransaction) (any, error) {
		return rt.Get([]byte("worker"))
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("worker-done"), r)
}

func TestScheduler_NestedThreads(t *testing.T) {
	db := testutil.OpenDatabase(t)
	const depth = 5
	for i := range depth {
		prefix := []byte(fmt.Sprintf("t%d", i))
		if i+1 < depth {
			testutil.SeedInstructions(t, db, prefix,
				in("PUSH", []byte(fmt.Sprintf("t%d", i+1))),
				in("START_THREAD"),
			)
		} else {
			testutil.SeedInstructions(t, db, prefix, in("UNIT_TESTS"))
		}
	}

	s := NewScheduler(db)
	require.NoError(t, s.Run(context.Background(), []byte("t0")))

	assert.Len(t, s.Machines(), depth)
	assert.Equal(t, int64(2*(depth-1)+1), s.InstructionsRun())
}

func TestScheduler_SharedTransactionNames(t *testing.T) {
	db := testutil.OpenDatabase(t)
	testutil.SeedInstructions(t, db, []byte("main"),
		in("PUSH", []byte("tx")),
		in("USE_TRANSACTION"),
		in("NEW_TRANSACTION"),
		in("PUSH", []byte("v")),
		in("PUSH", []byte("k")),
		in("SET"),
	)

	s := NewScheduler(db)
	require.NoError(t, s.Run(context.Background(), []byte("main")))

	tr := s.Registry().Get([]byte("tx"))
	require.NotNil(t, tr)
	v, err := tr.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestScheduler_FatalErrorStopsRun(t *testing.T) {
	db := testutil.OpenDatabase(t)
	testutil.SeedInstructions(t, db, []byte("main"),
		in("PUSH", []byte("bad")),
		in("START_THREAD"),
	)
	testutil.SeedInstructions(t, db, []byte("bad"),
		in("PUSH", int64(1)),
		in("BOGUS"),
	)

	s := NewScheduler(db)
	err := s.Run(context.Background(), []byte("main"))
	require.Error(t, err)
	assert.True(t, IsUnknownOpcode(err))

	var me *MachineError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, []byte("bad"), me.Thread)
	assert.Equal(t, 1, me.Instruction)
}

func TestScheduler_JournalsEveryThread(t *testing.T) {
	db := testutil.OpenDatabase(t)
	testutil.SeedInstructions(t, db, []byte("main"),
		in("PUSH", []byte("worker")),
		in("START_THREAD"),
	)
	testutil.SeedInstructions(t, db, []byte("worker"), in("UNIT_TESTS"))

	log := &recordingLog{}
	s := NewScheduler(db, WithSchedulerJournal(log, "run-7"))
	require.NoError(t, s.Run(context.Background(), []byte("main")))

	require.Len(t, log.records, 3)
	threads := map[string]int{}
	for _, rec := range log.records {
		assert.Equal(t, "run-7", rec.RunID)
		threads[string(rec.Thread)]++
	}
	assert.Equal(t, map[string]int{"main": 2, "worker": 1}, threads)
}

func TestScheduler_EmptyThread(t *testing.T) {
	db := testutil.OpenDatabase(t)

	s := NewScheduler(db)
	require.NoError(t, s.Run(context.Background(), []byte("nothing")))
	assert.Zero(t, s.InstructionsRun())
}

func TestFixedGenerator(t *testing.T) {
	g := NewFixedGenerator("a", "b")
	assert.Equal(t, "a", g.Generate())
	assert.Equal(t, "b", g.Generate())
	assert.Panics(t, func() { g.Generate() })
}

func TestUUIDv7Generator(t *testing.T) {
	var g UUIDv7Generator
	a, b := g.Generate(), g.Generate()
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
}

func TestScheduler_MachineOptionsApplyToEveryThread(t *testing.T) {
	db := testutil.OpenDatabase(t)
	testutil.SeedInstructions(t, db, []byte("main"),
		in("PUSH", []byte("side")),
		in("START_THREAD"),
	)
	testutil.SeedInstructions(t, db, []byte("side"),
		in("PUSH", int64(1)),
	)

	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	var mu sync.Mutex
	spawned := 0
	s := NewScheduler(db, WithMachineOptions(
		WithLogger(logger),
		WithSpawner(func([]byte) {
			mu.Lock()
			spawned++
			mu.Unlock()
		}),
	))

	require.NoError(t, s.Run(context.Background(), []byte("main")))
	assert.Contains(t, buf.String(), "msg=dispatch")
	assert.Contains(t, buf.String(), "executing thread")
	assert.Equal(t, 1, spawned)
	assert.Len(t, s.Machines(), 1)
}

func TestScheduler_WaitEmptySynchronizesThreads(t *testing.T) {
	db := testutil.OpenDatabase(t)
	testutil.SeedInstructions(t, db, []byte("main"),
		in("PUSH", []byte("x")),
		in("PUSH", []byte("busy/1")),
		in("SET_DATABASE"),
		in("PUSH", []byte("cleaner")),
		in("START_THREAD"),
		in("PUSH", []byte("busy/")),
		in("WAIT_EMPTY"),
	)
	testutil.SeedInstructions(t, db, []byte("cleaner"),
		in("PUSH", []byte("busy/1")),
		in("CLEAR_DATABASE"),
	)

	s := NewScheduler(db)
	require.NoError(t, s.Run(context.Background(), []byte("main")))

	stacks := map[string][]any{}
	for _, m := range s.Machines() {
		stacks[string(m.Thread())] = values(m)
	}
	assert.Equal(t, []any{[]byte("RESULT_NOT_PRESENT"), []byte("WAITED_FOR_EMPTY")}, stacks["main"])
	assert.Equal(t, []any{[]byte("RESULT_NOT_PRESENT")}, stacks["cleaner"])
}
