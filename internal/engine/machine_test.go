package engine

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bindingtester/internal/kv"
	"github.com/roach88/bindingtester/internal/store"
	"github.com/roach88/bindingtester/internal/testutil"
	"github.com/roach88/bindingtester/internal/tuple"
)

var in = testutil.Instr

func newTestMachine(t *testing.T, opts ...MachineOption) (*kv.Database, *Machine) {
	t.Helper()
	db := testutil.OpenDatabase(t)
	return db, NewMachine(db, []byte("thread"), opts...)
}

func execute(t *testing.T, m *Machine, instrs ...tuple.Tuple) {
	t.Helper()
	for _, inst := range instrs {
		require.NoError(t, m.Execute(context.Background(), inst.MustPack()), "instruction %v", inst)
	}
}

func topValue(t *testing.T, m *Machine) any {
	t.Helper()
	item, ok := m.Stack().Top()
	require.True(t, ok, "stack is empty")
	return item.Value
}

func values(m *Machine) []any {
	items := m.Stack().Items()
	out := make([]any, len(items))
	for i, it := range items {
		out[i] = it.Value
	}
	return out
}

func seed(t *testing.T, db *kv.Database, pairs ...string) {
	t.Helper()
	_, err := db.Transact(func(tr *kv.Transaction) (any, error) {
		for i := 0; i+1 < len(pairs); i += 2 {
			if err := tr.Set([]byte(pairs[i]), []byte(pairs[i+1])); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	require.NoError(t, err)
}

func errorTuple(code string) []byte {
	return tuple.Tuple{[]byte("ERROR"), []byte(code)}.MustPack()
}

func TestMachine_SetCommitGet(t *testing.T) {
	_, m := newTestMachine(t)

	execute(t, m,
		in("NEW_TRANSACTION"),
		in("PUSH", []byte("testvalue")),
		in("PUSH", []byte("testkey")),
		in("SET"),
		in("COMMIT"),
		in("POP"),
		in("NEW_TRANSACTION"),
		in("PUSH", []byte("testkey")),
		in("GET"),
	)

	assert.Equal(t, []any{[]byte("testvalue")}, values(m))
	assert.Equal(t, 9, m.Index())
}

func TestMachine_SnapshotAndDatabaseReadsAgree(t *testing.T) {
	db, m := newTestMachine(t)
	seed(t, db, "k", "v")

	execute(t, m,
		in("NEW_TRANSACTION"),
		in("PUSH", []byte("k")),
		in("GET"),
		in("PUSH", []byte("k")),
		in("GET_SNAPSHOT"),
		in("PUSH", []byte("k")),
		in("GET_DATABASE"),
		in("PUSH", []byte("missing")),
		in("GET_DATABASE"),
	)

	assert.Equal(t, []any{
		[]byte("v"), []byte("v"), []byte("v"), []byte("RESULT_NOT_PRESENT"),
	}, values(m))
}

func TestMachine_DatabaseWritesPushResult(t *testing.T) {
	db, m := newTestMachine(t)

	execute(t, m,
		in("PUSH", []byte("v")),
		in("PUSH", []byte("k")),
		in("SET_DATABASE"),
		in("NEW_TRANSACTION"),
		in("PUSH", []byte("v2")),
		in("PUSH", []byte("k2")),
		in("SET"),
	)

	assert.Equal(t, []any{[]byte("RESULT_NOT_PRESENT")}, values(m))
	r, err := db.ReadTransact(func(rt kv.ReadTransaction) (any, error) {
		return rt.Get([]byte("k"))
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), r)
}

func TestMachine_StoreErrorPushedAsMarker(t *testing.T) {
	_, m := newTestMachine(t)

	execute(t, m,
		in("PUSH", []byte("v")),
		in("PUSH", []byte("\xff\x01")),
		in("SET_DATABASE"),
	)

	assert.Equal(t, []any{errorTuple("2004")}, values(m))
}

func TestMachine_SwapIsSelfInverse(t *testing.T) {
	_, m := newTestMachine(t)
	execute(t, m,
		in("PUSH", []byte("a")),
		in("PUSH", []byte("b")),
		in("PUSH", []byte("c")),
	)
	before := values(m)

	execute(t, m,
		in("PUSH", int64(2)),
		in("SWAP"),
	)
	assert.Equal(t, []any{[]byte("c"), []byte("b"), []byte("a")}, values(m))

	execute(t, m,
		in("PUSH", int64(2)),
		in("SWAP"),
	)
	assert.Equal(t, before, values(m))
}

func TestMachine_StackOpcodes(t *testing.T) {
	_, m := newTestMachine(t)

	execute(t, m,
		in("POP"),
		in("PUSH", int64(3)),
		in("PUSH", int64(10)),
		in("SUB"),
		in("DUP"),
		in("PUSH", "lo"),
		in("PUSH", "hel"),
		in("CONCAT"),
	)

	assert.Equal(t, []any{big.NewInt(7), big.NewInt(7), "hello"}, values(m))

	execute(t, m, in("EMPTY_STACK"))
	assert.Zero(t, m.Stack().Len())
}

func TestMachine_DupOnEmptyStackUnderflows(t *testing.T) {
	_, m := newTestMachine(t)

	err := m.Execute(context.Background(), in("DUP").MustPack())
	require.Error(t, err)
	assert.True(t, IsStackUnderflow(err))
}

func TestMachine_ConcatMixedTypesFails(t *testing.T) {
	_, m := newTestMachine(t)
	execute(t, m,
		in("PUSH", []byte("a")),
		in("PUSH", "b"),
	)

	err := m.Execute(context.Background(), in("CONCAT").MustPack())
	assert.True(t, IsAssertion(err))
}

func TestMachine_TypeMismatchNamesProducer(t *testing.T) {
	_, m := newTestMachine(t)
	execute(t, m, in("PUSH", "not bytes"))

	err := m.Execute(context.Background(), in("GET_DATABASE").MustPack())
	require.Error(t, err)
	assert.True(t, IsTypeMismatch(err))

	var me *MachineError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, 1, me.Instruction)
	assert.Equal(t, "GET", me.Opcode)
	assert.Equal(t, []byte("thread"), me.Thread)
	assert.Contains(t, me.Message, "inserted at 0")
}

func TestMachine_UnknownOpcode(t *testing.T) {
	_, m := newTestMachine(t)

	err := m.Execute(context.Background(), in("BOGUS").MustPack())
	assert.True(t, IsUnknownOpcode(err))

	require.NoError(t, m.Execute(context.Background(), in("DIRECTORY_BOGUS").MustPack()))
	assert.Equal(t, []any{[]byte("DIRECTORY_ERROR")}, values(m))
	assert.Len(t, m.DirectoryEntries(), 1)
}

func TestMachine_GetKeyClampsToPrefix(t *testing.T) {
	tests := []struct {
		name     string
		selector kv.KeySelector
		want     string
	}{
		{"below prefix", kv.LastLessOrEqual([]byte("a")), "a/"},
		{"above prefix", kv.FirstGreaterOrEqual([]byte("a/")), "a0"},
		{"inside prefix", kv.FirstGreaterOrEqual([]byte("a/")), "a/x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, m := newTestMachine(t)
			seed(t, db, "a", "1", "b", "2")
			if tt.want == "a/x" {
				seed(t, db, "a/x", "3")
			}

			orEqual := int64(0)
			if tt.selector.OrEqual {
				orEqual = 1
			}
			execute(t, m,
				in("NEW_TRANSACTION"),
				in("PUSH", []byte("a/")),
				in("PUSH", int64(tt.selector.Offset)),
				in("PUSH", orEqual),
				in("PUSH", tt.selector.Key),
				in("GET_KEY"),
			)

			assert.Equal(t, []byte(tt.want), topValue(t, m))
		})
	}
}

func TestMachine_GetRangeFiltersSelectorPrefix(t *testing.T) {
	db, m := newTestMachine(t)
	seed(t, db, "a", "1", "p/1", "2", "p/2", "3", "q", "4")

	execute(t, m,
		in("PUSH", []byte("p/")),
		in("PUSH", int64(kv.StreamingModeWantAll)),
		in("PUSH", int64(0)),
		in("PUSH", int64(0)),
		in("PUSH", int64(1)),
		in("PUSH", int64(0)),
		in("PUSH", []byte("z")),
		in("PUSH", int64(1)),
		in("PUSH", int64(0)),
		in("PUSH", []byte("a")),
		in("GET_RANGE_SELECTOR_DATABASE"),
	)

	want := tuple.Tuple{[]byte("p/1"), []byte("2"), []byte("p/2"), []byte("3")}.MustPack()
	assert.Equal(t, []any{want}, values(m))
}

func TestMachine_GetRangeStartsWith(t *testing.T) {
	db, m := newTestMachine(t)
	seed(t, db, "p/1", "a", "p/2", "b", "q", "c")

	execute(t, m,
		in("PUSH", int64(kv.StreamingModeWantAll)),
		in("PUSH", int64(1)),
		in("PUSH", int64(1)),
		in("PUSH", []byte("p/")),
		in("GET_RANGE_STARTS_WITH_DATABASE"),
	)

	want := tuple.Tuple{[]byte("p/2"), []byte("b")}.MustPack()
	assert.Equal(t, []any{want}, values(m))
}

func TestMachine_AtomicOp(t *testing.T) {
	db, m := newTestMachine(t)

	execute(t, m,
		in("PUSH", []byte{5, 0, 0, 0}),
		in("PUSH", []byte("counter")),
		in("PUSH", "ADD"),
		in("ATOMIC_OP_DATABASE"),
		in("PUSH", []byte{2, 0, 0, 0}),
		in("PUSH", []byte("counter")),
		in("PUSH", "ADD"),
		in("ATOMIC_OP_DATABASE"),
	)

	r, err := db.ReadTransact(func(rt kv.ReadTransaction) (any, error) {
		return rt.Get([]byte("counter"))
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 0, 0, 0}, r)
}

func TestMachine_AtomicOpUnknownNameIsFatal(t *testing.T) {
	_, m := newTestMachine(t)
	execute(t, m,
		in("PUSH", []byte("param")),
		in("PUSH", []byte("key")),
		in("PUSH", "NOT_A_MUTATION"),
	)

	err := m.Execute(context.Background(), in("ATOMIC_OP_DATABASE").MustPack())
	require.Error(t, err)
	assert.True(t, IsAssertion(err))
	assert.Contains(t, err.Error(), "NotAMutation")
}

func TestMutationName(t *testing.T) {
	assert.Equal(t, "BitAnd", mutationName("BIT_AND"))
	assert.Equal(t, "SetVersionstampedKey", mutationName("SET_VERSIONSTAMPED_KEY"))
	assert.Equal(t, "Add", mutationName("ADD"))
}

func TestMachine_EncodeDecodeDoubleKeepsNaNPayload(t *testing.T) {
	_, m := newTestMachine(t)
	raw := []byte{0x7f, 0xf8, 0, 0, 0, 0, 0, 0x01}

	execute(t, m,
		in("PUSH", raw),
		in("ENCODE_DOUBLE"),
		in("DECODE_DOUBLE"),
	)

	assert.Equal(t, []any{raw}, values(m))
}

func TestMachine_EncodeDecodeFloat(t *testing.T) {
	_, m := newTestMachine(t)
	raw := []byte{0x7f, 0xc0, 0x00, 0x05}

	execute(t, m,
		in("PUSH", raw),
		in("ENCODE_FLOAT"),
		in("DECODE_FLOAT"),
	)

	assert.Equal(t, []any{raw}, values(m))
}

func TestMachine_TupleUnpackRoundTrip(t *testing.T) {
	_, m := newTestMachine(t)
	packed := tuple.Tuple{int64(1), "a", []byte("x"), nil}.MustPack()

	execute(t, m,
		in("PUSH", packed),
		in("TUPLE_UNPACK"),
	)

	got := values(m)
	require.Len(t, got, 4)
	assert.Equal(t, tuple.Tuple{int64(1)}.MustPack(), got[0])
	assert.Equal(t, tuple.Tuple{"a"}.MustPack(), got[1])
	assert.Equal(t, tuple.Tuple{[]byte("x")}.MustPack(), got[2])
	assert.Equal(t, tuple.Tuple{nil}.MustPack(), got[3])
}

func TestMachine_TuplePackAndRange(t *testing.T) {
	_, m := newTestMachine(t)

	execute(t, m,
		in("PUSH", "b"),
		in("PUSH", int64(1)),
		in("PUSH", int64(2)),
		in("TUPLE_PACK"),
	)
	assert.Equal(t, []any{tuple.Tuple{int64(1), "b"}.MustPack()}, values(m))

	execute(t, m,
		in("EMPTY_STACK"),
		in("PUSH", "x"),
		in("PUSH", int64(1)),
		in("TUPLE_RANGE"),
	)
	begin, end, err := tuple.Tuple{"x"}.Range()
	require.NoError(t, err)
	assert.Equal(t, []any{begin, end}, values(m))
}

func TestMachine_TuplePackWithVersionstamp(t *testing.T) {
	_, m := newTestMachine(t)

	execute(t, m,
		in("PUSH", "a"),
		in("PUSH", int64(1)),
		in("PUSH", []byte("p")),
		in("TUPLE_PACK_WITH_VERSIONSTAMP"),
	)

	assert.Equal(t, []any{[]byte("ERROR: NONE")}, values(m))
}

func TestMachine_TupleSort(t *testing.T) {
	_, m := newTestMachine(t)
	b := tuple.Tuple{"b"}.MustPack()
	a := tuple.Tuple{"a"}.MustPack()
	n := tuple.Tuple{int64(3)}.MustPack()

	execute(t, m,
		in("PUSH", b),
		in("PUSH", a),
		in("PUSH", n),
		in("PUSH", int64(3)),
		in("TUPLE_SORT"),
	)

	assert.Equal(t, []any{a, b, n}, values(m))
}

func TestMachine_VersionstampResolvesAfterCommit(t *testing.T) {
	_, m := newTestMachine(t)

	execute(t, m,
		in("NEW_TRANSACTION"),
		in("PUSH", []byte("v")),
		in("PUSH", []byte("k")),
		in("SET"),
		in("GET_VERSIONSTAMP"),
		in("COMMIT"),
		in("POP"),
		in("WAIT_FUTURE"),
	)

	stamp, ok := topValue(t, m).([]byte)
	require.True(t, ok)
	assert.Len(t, stamp, 10)
}

func TestMachine_VersionstampOfReadOnlyCommit(t *testing.T) {
	_, m := newTestMachine(t)

	execute(t, m,
		in("NEW_TRANSACTION"),
		in("GET_VERSIONSTAMP"),
		in("COMMIT"),
		in("POP"),
		in("WAIT_FUTURE"),
	)

	assert.Equal(t, []any{errorTuple("2021")}, values(m))
}

func TestMachine_ReadVersionRoundTrip(t *testing.T) {
	_, m := newTestMachine(t)

	execute(t, m,
		in("NEW_TRANSACTION"),
		in("GET_READ_VERSION"),
		in("NEW_TRANSACTION"),
		in("SET_READ_VERSION"),
	)

	assert.Equal(t, []any{[]byte("GOT_READ_VERSION")}, values(m))
	assert.Positive(t, m.LastVersion())
}

func TestMachine_UseTransactionKeepsExisting(t *testing.T) {
	_, m := newTestMachine(t)

	execute(t, m,
		in("PUSH", []byte("other")),
		in("USE_TRANSACTION"),
		in("PUSH", []byte("v")),
		in("PUSH", []byte("k")),
		in("SET"),
		in("PUSH", []byte("thread")),
		in("USE_TRANSACTION"),
		in("PUSH", []byte("other")),
		in("USE_TRANSACTION"),
		in("COMMIT"),
	)

	assert.Equal(t, []any{[]byte("RESULT_NOT_PRESENT")}, values(m))
	assert.Equal(t, 2, m.registry.Len())
}

func TestMachine_ConflictMarkers(t *testing.T) {
	_, m := newTestMachine(t)

	execute(t, m,
		in("NEW_TRANSACTION"),
		in("PUSH", []byte("b")),
		in("PUSH", []byte("a")),
		in("READ_CONFLICT_RANGE"),
		in("PUSH", []byte("k")),
		in("WRITE_CONFLICT_KEY"),
	)

	assert.Equal(t, []any{[]byte("SET_CONFLICT_RANGE"), []byte("SET_CONFLICT_KEY")}, values(m))
}

func TestMachine_WaitEmptyReturnsOnEmptyPrefix(t *testing.T) {
	db, m := newTestMachine(t)
	seed(t, db, "busy/1", "x")

	execute(t, m,
		in("PUSH", []byte("idle/")),
		in("WAIT_EMPTY"),
	)
	assert.Equal(t, []any{[]byte("WAITED_FOR_EMPTY")}, values(m))
}

func TestMachine_WaitEmptyBlocksUntilPrefixCleared(t *testing.T) {
	db, m := newTestMachine(t)
	seed(t, db, "busy/1", "x", "other", "y")

	cleared := make(chan error, 1)
	go func() {
		time.Sleep(100 * time.Millisecond)
		_, err := db.Transact(func(tr *kv.Transaction) (any, error) {
			return nil, tr.Clear([]byte("busy/1"))
		})
		cleared <- err
	}()

	start := time.Now()
	execute(t, m,
		in("PUSH", []byte("busy/")),
		in("WAIT_EMPTY"),
	)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	require.NoError(t, <-cleared)

	assert.Equal(t, []any{[]byte("WAITED_FOR_EMPTY")}, values(m))
	rows := testutil.Dump(t, db)
	require.Len(t, rows, 1)
	assert.Equal(t, []byte("other"), rows[0].Key)
}

func TestMachine_WaitEmptyStopsOnCancel(t *testing.T) {
	db, m := newTestMachine(t)
	seed(t, db, "busy/1", "x")

	execute(t, m, in("PUSH", []byte("busy/")))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := m.Execute(ctx, in("WAIT_EMPTY").MustPack())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMachine_EmptyRangeResultIsUsableBytes(t *testing.T) {
	_, m := newTestMachine(t)
	emptyRange := []tuple.Tuple{
		in("PUSH", int64(kv.StreamingModeWantAll)),
		in("PUSH", int64(0)),
		in("PUSH", int64(0)),
		in("PUSH", []byte("nothing/z")),
		in("PUSH", []byte("nothing/a")),
		in("GET_RANGE_DATABASE"),
	}

	execute(t, m, emptyRange...)
	require.Equal(t, []any{[]byte{}}, values(m))

	execute(t, m, in("TUPLE_UNPACK"))
	assert.Zero(t, m.Stack().Len())

	execute(t, m, emptyRange...)
	execute(t, m, emptyRange...)
	execute(t, m, in("CONCAT"))
	assert.Equal(t, []any{[]byte{}}, values(m))
}

func TestMachine_TuplePackZeroItems(t *testing.T) {
	_, m := newTestMachine(t)

	execute(t, m,
		in("PUSH", []byte("before")),
		in("PUSH", int64(0)),
		in("TUPLE_PACK"),
	)
	require.Equal(t, []any{[]byte("before"), []byte{}}, values(m))

	execute(t, m, in("TUPLE_UNPACK"))
	assert.Equal(t, []any{[]byte("before")}, values(m))
}

func TestMachine_LogStack(t *testing.T) {
	db, m := newTestMachine(t)

	execute(t, m,
		in("PUSH", []byte("a")),
		in("PUSH", int64(7)),
		in("PUSH", []byte("log")),
		in("LOG_STACK"),
	)
	assert.Zero(t, m.Stack().Len())

	rows := testutil.Dump(t, db)
	require.Len(t, rows, 2)
	assert.Equal(t, append([]byte("log"), tuple.Tuple{int64(0), int64(0)}.MustPack()...), rows[0].Key)
	assert.Equal(t, tuple.Tuple{[]byte("a")}.MustPack(), rows[0].Value)
	assert.Equal(t, append([]byte("log"), tuple.Tuple{int64(1), int64(1)}.MustPack()...), rows[1].Key)
	assert.Equal(t, tuple.Tuple{int64(7)}.MustPack(), rows[1].Value)
}

func TestMachine_LogStackTruncatesLargeValues(t *testing.T) {
	db, m := newTestMachine(t)
	large := make([]byte, logStackMaxValue+100)

	execute(t, m,
		in("PUSH", large),
		in("PUSH", []byte("log")),
		in("LOG_STACK"),
	)

	rows := testutil.Dump(t, db)
	require.Len(t, rows, 1)
	assert.Len(t, rows[0].Value, logStackMaxValue)
}

func TestMachine_StartThreadWithoutSchedulerFails(t *testing.T) {
	_, m := newTestMachine(t)
	execute(t, m, in("PUSH", []byte("child")))

	err := m.Execute(context.Background(), in("START_THREAD").MustPack())
	assert.True(t, IsAssertion(err))
}

func TestMachine_CanceledContext(t *testing.T) {
	_, m := newTestMachine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.Execute(ctx, in("PUSH", int64(1)).MustPack())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, m.Index())
}

type recordingLog struct {
	mu      sync.Mutex
	records []store.InstructionRecord
}

func (r *recordingLog) WriteInstruction(_ context.Context, rec store.InstructionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func TestMachine_Journal(t *testing.T) {
	log := &recordingLog{}
	_, m := newTestMachine(t, WithJournal(log, "run-1"))

	execute(t, m,
		in("PUSH", []byte("v")),
		in("PUSH", []byte("\xff")),
		in("SET_DATABASE"),
		in("DIRECTORY_CHANGE"),
	)
	err := m.Execute(context.Background(), in("BOGUS").MustPack())
	require.Error(t, err)

	require.Len(t, log.records, 5)
	want := []struct {
		opcode  string
		depth   int
		outcome string
	}{
		{"PUSH", 0, OutcomeOK},
		{"PUSH", 1, OutcomeOK},
		{"SET_DATABASE", 2, OutcomeStoreError},
		{"DIRECTORY_CHANGE", 1, OutcomeDirectoryError},
		{"BOGUS", 1, OutcomeFatal},
	}
	for i, w := range want {
		rec := log.records[i]
		assert.Equal(t, "run-1", rec.RunID)
		assert.Equal(t, []byte("thread"), rec.Thread)
		assert.Equal(t, i, rec.Instruction)
		assert.Equal(t, w.opcode, rec.Opcode)
		assert.Equal(t, w.depth, rec.StackDepth, "record %d", i)
		assert.Equal(t, w.outcome, rec.Outcome, "record %d", i)
	}
}

func TestMachine_RunExecutesThreadInKeyOrder(t *testing.T) {
	db, m := newTestMachine(t)
	testutil.SeedInstructions(t, db, []byte("thread"),
		in("PUSH", int64(1)),
		in("PUSH", int64(2)),
		in("SUB"),
	)
	testutil.SeedInstructions(t, db, []byte("other"), in("BOGUS"))

	n, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []any{big.NewInt(1)}, values(m))
}

func TestSplitOpcode(t *testing.T) {
	tests := []struct {
		name   string
		opcode string
		kind   operandKind
	}{
		{"GET", "GET", operandTransaction},
		{"GET_SNAPSHOT", "GET", operandSnapshot},
		{"SET_DATABASE", "SET", operandDatabase},
		{"DIRECTORY_CREATE_DATABASE", "DIRECTORY_CREATE", operandDatabase},
	}
	for _, tt := range tests {
		op, kind := splitOpcode(tt.name)
		assert.Equal(t, tt.opcode, op, tt.name)
		assert.Equal(t, tt.kind, kind, tt.name)
	}
}
