package engine

import (
	"bytes"
	"context"
	"math/big"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/roach88/bindingtester/internal/kv"
	"github.com/roach88/bindingtester/internal/tuple"
)

// handler runs one opcode. args holds the literal operands embedded in the
// instruction after the opcode name.
type handler func(ctx context.Context, m *Machine, op operand, args tuple.Tuple) error

// opcodes maps opcode names, after suffix stripping, to their handlers.
var opcodes = map[string]handler{
	// Stack
	"PUSH":        opPush,
	"POP":         opPop,
	"DUP":         opDup,
	"EMPTY_STACK": opEmptyStack,
	"SWAP":        opSwap,
	"SUB":         opSub,
	"CONCAT":      opConcat,
	"LOG_STACK":   opLogStack,
	"WAIT_FUTURE": opWaitFuture,

	// Transactions
	"NEW_TRANSACTION":       opNewTransaction,
	"USE_TRANSACTION":       opUseTransaction,
	"ON_ERROR":              opOnError,
	"COMMIT":                opCommit,
	"RESET":                 opReset,
	"CANCEL":                opCancel,
	"GET_COMMITTED_VERSION": opGetCommittedVersion,
	"GET_READ_VERSION":      opGetReadVersion,
	"SET_READ_VERSION":      opSetReadVersion,
	"GET_APPROXIMATE_SIZE":  opGetApproximateSize,
	"GET_VERSIONSTAMP":      opGetVersionstamp,

	// Reads
	"GET":                      opGet,
	"GET_KEY":                  opGetKey,
	"GET_RANGE":                opGetRange,
	"GET_RANGE_STARTS_WITH":    opGetRangeStartsWith,
	"GET_RANGE_SELECTOR":       opGetRangeSelector,
	"GET_ESTIMATED_RANGE_SIZE": opGetEstimatedRangeSize,
	"GET_RANGE_SPLIT_POINTS":   opGetRangeSplitPoints,

	// Writes
	"SET":                     opSet,
	"CLEAR":                   opClear,
	"CLEAR_RANGE":             opClearRange,
	"CLEAR_RANGE_STARTS_WITH": opClearRangeStartsWith,
	"ATOMIC_OP":               opAtomicOp,
	"READ_CONFLICT_RANGE":     opReadConflictRange,
	"WRITE_CONFLICT_RANGE":    opWriteConflictRange,
	"READ_CONFLICT_KEY":       opReadConflictKey,
	"WRITE_CONFLICT_KEY":      opWriteConflictKey,
	"DISABLE_WRITE_CONFLICT":  opDisableWriteConflict,

	// Tuples
	"TUPLE_PACK":                   opTuplePack,
	"TUPLE_PACK_WITH_VERSIONSTAMP": opTuplePackWithVersionstamp,
	"TUPLE_UNPACK":                 opTupleUnpack,
	"TUPLE_RANGE":                  opTupleRange,
	"TUPLE_SORT":                   opTupleSort,
	"ENCODE_FLOAT":                 opEncodeFloat,
	"ENCODE_DOUBLE":                opEncodeDouble,
	"DECODE_FLOAT":                 opDecodeFloat,
	"DECODE_DOUBLE":                opDecodeDouble,

	// Threads
	"START_THREAD": opStartThread,
	"WAIT_EMPTY":   opWaitEmpty,
	"UNIT_TESTS":   opUnitTests,

	// Directories
	"DIRECTORY_CREATE_SUBSPACE":  opDirectoryCreateSubspace,
	"DIRECTORY_CREATE_LAYER":     opDirectoryCreateLayer,
	"DIRECTORY_CREATE_OR_OPEN":   opDirectoryCreateOrOpen,
	"DIRECTORY_CREATE":           opDirectoryCreate,
	"DIRECTORY_OPEN":             opDirectoryOpen,
	"DIRECTORY_CHANGE":           opDirectoryChange,
	"DIRECTORY_SET_ERROR_INDEX":  opDirectorySetErrorIndex,
	"DIRECTORY_MOVE":             opDirectoryMove,
	"DIRECTORY_MOVE_TO":          opDirectoryMoveTo,
	"DIRECTORY_REMOVE":           opDirectoryRemove,
	"DIRECTORY_REMOVE_IF_EXISTS": opDirectoryRemoveIfExists,
	"DIRECTORY_LIST":             opDirectoryList,
	"DIRECTORY_EXISTS":           opDirectoryExists,
	"DIRECTORY_PACK_KEY":         opDirectoryPackKey,
	"DIRECTORY_UNPACK_KEY":       opDirectoryUnpackKey,
	"DIRECTORY_RANGE":            opDirectoryRange,
	"DIRECTORY_CONTAINS":         opDirectoryContains,
	"DIRECTORY_OPEN_SUBSPACE":    opDirectoryOpenSubspace,
	"DIRECTORY_LOG_SUBSPACE":     opDirectoryLogSubspace,
	"DIRECTORY_LOG_DIRECTORY":    opDirectoryLogDirectory,
	"DIRECTORY_STRIP_PREFIX":     opDirectoryStripPrefix,
}

// Opcodes returns the supported opcode names, without suffixes.
func Opcodes() []string {
	names := make([]string, 0, len(opcodes))
	for name := range opcodes {
		names = append(names, name)
	}
	return names
}

const (
	logStackChunk    = 100
	logStackMaxValue = 40000

	// Transactions created past this instruction index get no options.
	maxOptionedTransaction = 430
)

// Stack

func opPush(_ context.Context, m *Machine, _ operand, args tuple.Tuple) error {
	if len(args) == 0 {
		return NewAssertionError("PUSH without an operand")
	}
	m.push(normalize(args[0]))
	return nil
}

// opPop discards the top item without waiting for it. Popping an empty
// stack does nothing.
func opPop(_ context.Context, m *Machine, _ operand, _ tuple.Tuple) error {
	if n := m.stack.Len(); n > 0 {
		m.stack.items = m.stack.items[:n-1]
	}
	return nil
}

// opDup on an empty stack is a fatal underflow rather than pushing an
// undefined value for a later opcode to trip over.
func opDup(_ context.Context, m *Machine, _ operand, _ tuple.Tuple) error {
	top, ok := m.stack.Top()
	if !ok {
		return NewStackUnderflowError()
	}
	m.stack.items = append(m.stack.items, top)
	return nil
}

func opEmptyStack(_ context.Context, m *Machine, _ operand, _ tuple.Tuple) error {
	m.stack.Clear()
	return nil
}

func opSwap(ctx context.Context, m *Machine, _ operand, _ tuple.Tuple) error {
	depth, err := m.stack.PopSmallInt(ctx)
	if err != nil {
		return err
	}
	return m.stack.Swap(depth)
}

func opSub(ctx context.Context, m *Machine, _ operand, _ tuple.Tuple) error {
	a, err := m.stack.PopInt(ctx)
	if err != nil {
		return err
	}
	b, err := m.stack.PopInt(ctx)
	if err != nil {
		return err
	}
	m.push(new(big.Int).Sub(a, b))
	return nil
}

func opConcat(ctx context.Context, m *Machine, _ operand, _ tuple.Tuple) error {
	a, aStr, err := m.stack.PopStringOrBytes(ctx)
	if err != nil {
		return err
	}
	b, bStr, err := m.stack.PopStringOrBytes(ctx)
	if err != nil {
		return err
	}
	if aStr != bStr {
		return NewAssertionError("concat type mismatch")
	}
	out := make([]byte, 0, len(a)+len(b))
	out = append(append(out, a...), b...)
	if aStr {
		m.push(string(out))
	} else {
		m.push(out)
	}
	return nil
}

// opLogStack writes the whole stack under a prefix, oldest entry first, in
// transactions of at most logStackChunk entries, then clears it.
func opLogStack(ctx context.Context, m *Machine, _ operand, _ tuple.Tuple) error {
	prefix, err := m.stack.PopBytes(ctx)
	if err != nil {
		return err
	}
	items := m.stack.Items()
	for start := 0; start < len(items); start += logStackChunk {
		end := min(start+logStackChunk, len(items))
		if err := m.logStackChunk(ctx, prefix, items, start, end); err != nil {
			return err
		}
	}
	m.stack.Clear()
	return nil
}

func (m *Machine) logStackChunk(ctx context.Context, prefix []byte, items []StackItem, start, end int) error {
	ctx, span := tracer.Start(ctx, "engine.LogStack")
	span.SetAttributes(
		attribute.Int("stack.begin", start),
		attribute.Int("stack.end", end))
	defer span.End()

	type entry struct{ key, value []byte }
	entries := make([]entry, 0, end-start)
	for i := start; i < end; i++ {
		v := items[i].Value
		if p, ok := v.(*Pending); ok {
			var err error
			if v, err = p.resolve(ctx); err != nil {
				span.RecordError(err)
				return err
			}
		}
		e, err := element(v)
		if err != nil {
			return err
		}
		value, err := tuple.Tuple{e}.Pack()
		if err != nil {
			return err
		}
		if len(value) > logStackMaxValue {
			value = value[:logStackMaxValue]
		}
		key := append(bytes.Clone(prefix), tuple.Tuple{int64(i), int64(items[i].InstructionIndex)}.MustPack()...)
		entries = append(entries, entry{key: key, value: value})
	}
	_, err := m.db.TransactContext(ctx, func(tr *kv.Transaction) (any, error) {
		for _, e := range entries {
			if err := tr.Set(e.key, e.value); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func opWaitFuture(ctx context.Context, m *Machine, _ operand, _ tuple.Tuple) error {
	item, err := m.stack.popItem(ctx)
	if err != nil {
		return err
	}
	m.stack.items = append(m.stack.items, item)
	return nil
}

// Transactions

func opNewTransaction(_ context.Context, m *Machine, _ operand, _ tuple.Tuple) error {
	var opts []kv.TransactionOption
	if m.index <= maxOptionedTransaction {
		opts = append(opts, kv.WithDebugIdentifier(strconv.Itoa(m.index)), kv.WithLogTransaction())
	}
	m.registry.Put(m.trName, m.db.CreateTransaction(opts...))
	return nil
}

func opUseTransaction(ctx context.Context, m *Machine, _ operand, _ tuple.Tuple) error {
	name, err := m.stack.PopBytes(ctx)
	if err != nil {
		return err
	}
	m.trName = name
	m.registry.Ensure(name, func() *kv.Transaction { return m.db.CreateTransaction() })
	return nil
}

func opOnError(ctx context.Context, m *Machine, op operand, _ tuple.Tuple) error {
	code, err := m.stack.PopSmallInt(ctx)
	if err != nil {
		return err
	}
	tr, err := op.transaction()
	if err != nil {
		return err
	}
	if err := tr.OnErrorContext(ctx, code); err != nil {
		return err
	}
	m.pushLiteral(resultNotPresent)
	return nil
}

func opCommit(_ context.Context, m *Machine, op operand, _ tuple.Tuple) error {
	tr, err := op.transaction()
	if err != nil {
		return err
	}
	if err := tr.Commit(); err != nil {
		return err
	}
	m.pushLiteral(resultNotPresent)
	return nil
}

func opReset(_ context.Context, _ *Machine, op operand, _ tuple.Tuple) error {
	tr, err := op.transaction()
	if err != nil {
		return err
	}
	tr.Reset()
	return nil
}

func opCancel(_ context.Context, _ *Machine, op operand, _ tuple.Tuple) error {
	tr, err := op.transaction()
	if err != nil {
		return err
	}
	tr.Cancel()
	return nil
}

func opGetCommittedVersion(_ context.Context, m *Machine, op operand, _ tuple.Tuple) error {
	tr, err := op.transaction()
	if err != nil {
		return err
	}
	v, err := tr.GetCommittedVersion()
	if err != nil {
		return err
	}
	m.lastVersion = v
	m.pushLiteral(gotCommittedVersion)
	return nil
}

func opGetReadVersion(_ context.Context, m *Machine, op operand, _ tuple.Tuple) error {
	tr, err := op.transaction()
	if err != nil {
		return err
	}
	v, err := tr.GetReadVersion()
	if err != nil {
		return err
	}
	m.lastVersion = v
	m.pushLiteral(gotReadVersion)
	return nil
}

func opSetReadVersion(_ context.Context, m *Machine, op operand, _ tuple.Tuple) error {
	tr, err := op.transaction()
	if err != nil {
		return err
	}
	tr.SetReadVersion(m.lastVersion)
	return nil
}

func opGetApproximateSize(_ context.Context, m *Machine, op operand, _ tuple.Tuple) error {
	tr, err := op.transaction()
	if err != nil {
		return err
	}
	if _, err := tr.GetApproximateSize(); err != nil {
		return err
	}
	m.pushLiteral(gotApproximateSize)
	return nil
}

func opGetVersionstamp(_ context.Context, m *Machine, op operand, _ tuple.Tuple) error {
	tr, err := op.transaction()
	if err != nil {
		return err
	}
	m.push(&Pending{future: tr.GetVersionstamp()})
	return nil
}

// Reads

func opGet(ctx context.Context, m *Machine, op operand, _ tuple.Tuple) error {
	key, err := m.stack.PopBytes(ctx)
	if err != nil {
		return err
	}
	r, err := op.read(func(rt kv.ReadTransaction) (any, error) {
		return rt.Get(key)
	})
	if err != nil {
		return err
	}
	v, err := wrapResult(r.([]byte), nil)
	if err != nil {
		return err
	}
	m.push(v)
	return nil
}

// opGetKey resolves a selector and clamps the result to the popped prefix:
// a key below the prefix becomes the prefix and a key above it becomes the
// prefix's successor.
func opGetKey(ctx context.Context, m *Machine, op operand, _ tuple.Tuple) error {
	sel, err := m.stack.PopSelector(ctx)
	if err != nil {
		return err
	}
	prefix, err := m.stack.PopBytes(ctx)
	if err != nil {
		return err
	}
	r, err := op.read(func(rt kv.ReadTransaction) (any, error) {
		return rt.GetKey(sel)
	})
	if err != nil {
		return err
	}
	key, _ := r.([]byte)
	if key == nil {
		key = []byte{}
	}
	if bytes.Equal(key, resultNotPresent) {
		return nil
	}
	switch {
	case bytes.HasPrefix(key, prefix):
		m.push(key)
	case bytes.Compare(key, prefix) < 0:
		m.push(bytes.Clone(prefix))
	default:
		next, err := kv.Strinc(prefix)
		if err != nil {
			return NewAssertionError("GET_KEY prefix: %v", err)
		}
		m.push(next)
	}
	return nil
}

// rangeOptions pops a limit, a reverse flag and a streaming mode.
func rangeOptions(ctx context.Context, s *Stack) (kv.RangeOptions, error) {
	limit, err := s.PopSmallInt(ctx)
	if err != nil {
		return kv.RangeOptions{}, err
	}
	reverse, err := s.PopBool(ctx)
	if err != nil {
		return kv.RangeOptions{}, err
	}
	mode, err := s.PopSmallInt(ctx)
	if err != nil {
		return kv.RangeOptions{}, err
	}
	return kv.RangeOptions{Limit: limit, Reverse: reverse, Mode: kv.StreamingMode(mode)}, nil
}

// packRows packs rows as a flat tuple (k1, v1, k2, v2, ...), keeping only
// keys that begin with prefix.
func packRows(rows []kv.KeyValue, prefix []byte) []byte {
	t := make(tuple.Tuple, 0, 2*len(rows))
	for _, r := range rows {
		if bytes.HasPrefix(r.Key, prefix) {
			t = append(t, r.Key, r.Value)
		}
	}
	return t.MustPack()
}

func (m *Machine) readRange(op operand, r kv.SelectorRange, opts kv.RangeOptions, prefix []byte) error {
	res, err := op.read(func(rt kv.ReadTransaction) (any, error) {
		return rt.GetRange(r, opts)
	})
	if err != nil {
		return err
	}
	rows, _ := res.([]kv.KeyValue)
	m.push(packRows(rows, prefix))
	return nil
}

func opGetRange(ctx context.Context, m *Machine, op operand, _ tuple.Tuple) error {
	begin, err := m.stack.PopBytes(ctx)
	if err != nil {
		return err
	}
	end, err := m.stack.PopBytes(ctx)
	if err != nil {
		return err
	}
	opts, err := rangeOptions(ctx, &m.stack)
	if err != nil {
		return err
	}
	return m.readRange(op, kv.SelectorRangeOf(kv.KeyRange{Begin: begin, End: end}), opts, nil)
}

func opGetRangeStartsWith(ctx context.Context, m *Machine, op operand, _ tuple.Tuple) error {
	prefix, err := m.stack.PopBytes(ctx)
	if err != nil {
		return err
	}
	opts, err := rangeOptions(ctx, &m.stack)
	if err != nil {
		return err
	}
	r, err := kv.PrefixRange(prefix)
	if err != nil {
		return NewAssertionError("GET_RANGE_STARTS_WITH prefix: %v", err)
	}
	return m.readRange(op, kv.SelectorRangeOf(r), opts, nil)
}

func opGetRangeSelector(ctx context.Context, m *Machine, op operand, _ tuple.Tuple) error {
	begin, err := m.stack.PopSelector(ctx)
	if err != nil {
		return err
	}
	end, err := m.stack.PopSelector(ctx)
	if err != nil {
		return err
	}
	opts, err := rangeOptions(ctx, &m.stack)
	if err != nil {
		return err
	}
	prefix, err := m.stack.PopBytes(ctx)
	if err != nil {
		return err
	}
	return m.readRange(op, kv.SelectorRange{Begin: begin, End: end}, opts, prefix)
}

// popKeyRange pops a begin key and an end key.
func popKeyRange(ctx context.Context, s *Stack) (kv.KeyRange, error) {
	begin, err := s.PopBytes(ctx)
	if err != nil {
		return kv.KeyRange{}, err
	}
	end, err := s.PopBytes(ctx)
	if err != nil {
		return kv.KeyRange{}, err
	}
	return kv.KeyRange{Begin: begin, End: end}, nil
}

func opGetEstimatedRangeSize(ctx context.Context, m *Machine, op operand, _ tuple.Tuple) error {
	r, err := popKeyRange(ctx, &m.stack)
	if err != nil {
		return err
	}
	_, err = op.read(func(rt kv.ReadTransaction) (any, error) {
		return rt.GetEstimatedRangeSizeBytes(r)
	})
	if err != nil {
		return err
	}
	m.pushLiteral(gotEstimatedRangeSize)
	return nil
}

func opGetRangeSplitPoints(ctx context.Context, m *Machine, op operand, _ tuple.Tuple) error {
	r, err := popKeyRange(ctx, &m.stack)
	if err != nil {
		return err
	}
	chunk, err := m.stack.PopInt(ctx)
	if err != nil {
		return err
	}
	_, err = op.read(func(rt kv.ReadTransaction) (any, error) {
		return rt.GetRangeSplitPoints(r, chunk.Int64())
	})
	if err != nil {
		return err
	}
	m.pushLiteral(gotRangeSplitPoints)
	return nil
}

// Writes

// write runs fn against the operand and, when it ran in its own database
// transaction, pushes the result.
func (m *Machine) write(op operand, fn func(*kv.Transaction) error) error {
	own, err := op.write(fn)
	if err != nil {
		return err
	}
	if own {
		m.pushLiteral(resultNotPresent)
	}
	return nil
}

func opSet(ctx context.Context, m *Machine, op operand, _ tuple.Tuple) error {
	key, _, err := m.stack.PopStringOrBytes(ctx)
	if err != nil {
		return err
	}
	value, _, err := m.stack.PopStringOrBytes(ctx)
	if err != nil {
		return err
	}
	return m.write(op, func(tr *kv.Transaction) error {
		return tr.Set(key, value)
	})
}

func opClear(ctx context.Context, m *Machine, op operand, _ tuple.Tuple) error {
	key, _, err := m.stack.PopStringOrBytes(ctx)
	if err != nil {
		return err
	}
	return m.write(op, func(tr *kv.Transaction) error {
		return tr.Clear(key)
	})
}

func opClearRange(ctx context.Context, m *Machine, op operand, _ tuple.Tuple) error {
	begin, _, err := m.stack.PopStringOrBytes(ctx)
	if err != nil {
		return err
	}
	end, _, err := m.stack.PopStringOrBytes(ctx)
	if err != nil {
		return err
	}
	return m.write(op, func(tr *kv.Transaction) error {
		return tr.ClearRange(begin, end)
	})
}

func opClearRangeStartsWith(ctx context.Context, m *Machine, op operand, _ tuple.Tuple) error {
	prefix, _, err := m.stack.PopStringOrBytes(ctx)
	if err != nil {
		return err
	}
	r, err := kv.PrefixRange(prefix)
	if err != nil {
		return NewAssertionError("CLEAR_RANGE_STARTS_WITH prefix: %v", err)
	}
	return m.write(op, func(tr *kv.Transaction) error {
		return tr.ClearRange(r.Begin, r.End)
	})
}

var titleCase = cases.Title(language.Und)

// mutationName converts an opcode-style name such as BIT_AND into the
// UpperCamelCase form used by kv.MutationTypes.
func mutationName(s string) string {
	parts := strings.Split(s, "_")
	for i, p := range parts {
		parts[i] = titleCase.String(p)
	}
	return strings.Join(parts, "")
}

func opAtomicOp(ctx context.Context, m *Machine, op operand, _ tuple.Tuple) error {
	name, err := m.stack.PopString(ctx)
	if err != nil {
		return err
	}
	mt, ok := kv.MutationTypes[mutationName(name)]
	if !ok {
		return NewAssertionError("could not find atomic operation %s", mutationName(name))
	}
	key, _, err := m.stack.PopStringOrBytes(ctx)
	if err != nil {
		return err
	}
	param, _, err := m.stack.PopStringOrBytes(ctx)
	if err != nil {
		return err
	}
	return m.write(op, func(tr *kv.Transaction) error {
		return tr.Atomic(mt, key, param)
	})
}

// conflictRange pops a range and registers it with add.
func conflictRange(ctx context.Context, m *Machine, op operand, add func(*kv.Transaction, []byte, []byte) error) error {
	begin, _, err := m.stack.PopStringOrBytes(ctx)
	if err != nil {
		return err
	}
	end, _, err := m.stack.PopStringOrBytes(ctx)
	if err != nil {
		return err
	}
	tr, err := op.transaction()
	if err != nil {
		return err
	}
	if err := add(tr, begin, end); err != nil {
		return err
	}
	m.pushLiteral(setConflictRange)
	return nil
}

// conflictKey pops a key and registers it with add.
func conflictKey(ctx context.Context, m *Machine, op operand, add func(*kv.Transaction, []byte) error) error {
	key, _, err := m.stack.PopStringOrBytes(ctx)
	if err != nil {
		return err
	}
	tr, err := op.transaction()
	if err != nil {
		return err
	}
	if err := add(tr, key); err != nil {
		return err
	}
	m.pushLiteral(setConflictKey)
	return nil
}

func opReadConflictRange(ctx context.Context, m *Machine, op operand, _ tuple.Tuple) error {
	return conflictRange(ctx, m, op, (*kv.Transaction).AddReadConflictRange)
}

func opWriteConflictRange(ctx context.Context, m *Machine, op operand, _ tuple.Tuple) error {
	return conflictRange(ctx, m, op, (*kv.Transaction).AddWriteConflictRange)
}

func opReadConflictKey(ctx context.Context, m *Machine, op operand, _ tuple.Tuple) error {
	return conflictKey(ctx, m, op, (*kv.Transaction).AddReadConflictKey)
}

func opWriteConflictKey(ctx context.Context, m *Machine, op operand, _ tuple.Tuple) error {
	return conflictKey(ctx, m, op, (*kv.Transaction).AddWriteConflictKey)
}

func opDisableWriteConflict(_ context.Context, _ *Machine, op operand, _ tuple.Tuple) error {
	tr, err := op.transaction()
	if err != nil {
		return err
	}
	tr.Options().SetNextWriteNoWriteConflictRange()
	return nil
}

// Threads

func opStartThread(ctx context.Context, m *Machine, _ operand, _ tuple.Tuple) error {
	prefix, err := m.stack.PopBytes(ctx)
	if err != nil {
		return err
	}
	if m.spawn == nil {
		return NewAssertionError("START_THREAD needs a scheduler")
	}
	m.spawn(bytes.Clone(prefix))
	return nil
}

// opWaitEmpty blocks until no key begins with the popped prefix. A
// non-empty prefix raises not_committed inside a retried transaction, so the
// check repeats with backoff. Non-retryable store errors are absorbed; the
// completion marker is pushed either way.
func opWaitEmpty(ctx context.Context, m *Machine, _ operand, _ tuple.Tuple) error {
	prefix, err := m.stack.PopBytes(ctx)
	if err != nil {
		return err
	}
	_, err = m.db.TransactContext(ctx, func(tr *kv.Transaction) (any, error) {
		next, err := tr.GetKey(kv.FirstGreaterOrEqual(prefix))
		if err != nil {
			return nil, err
		}
		if len(next) > 0 && bytes.HasPrefix(next, prefix) {
			return nil, &kv.Error{Code: kv.CodeNotCommitted}
		}
		return nil, nil
	})
	if err != nil {
		if _, ferr := errorMarker(err); ferr != nil {
			return ferr
		}
		m.logger.Debug("wait empty absorbed", "prefix", tuple.PrintableBytes(prefix), "error", err)
	}
	m.pushLiteral(waitedForEmpty)
	return nil
}

func opUnitTests(context.Context, *Machine, operand, tuple.Tuple) error {
	return nil
}
