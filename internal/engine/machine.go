package engine

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/bindingtester/internal/directory"
	"github.com/roach88/bindingtester/internal/kv"
	"github.com/roach88/bindingtester/internal/store"
	"github.com/roach88/bindingtester/internal/tuple"
)

// InstructionLog receives one record per dispatched instruction.
// Implemented by *store.Store.
type InstructionLog interface {
	WriteInstruction(ctx context.Context, rec store.InstructionRecord) error
}

// Journal outcomes.
const (
	OutcomeOK             = "ok"
	OutcomeStoreError     = "store_error"
	OutcomeDirectoryError = "directory_error"
	OutcomeFatal          = "fatal"
)

const (
	snapshotSuffix = "_SNAPSHOT"
	databaseSuffix = "_DATABASE"
)

// Machine interprets the instruction stream of one thread.
//
// Each machine owns its stack, its current transaction name, its directory
// list and its last-seen version. Only the transaction registry and the
// database are shared with other machines.
//
// Thread-safety: a Machine must be driven from one goroutine.
type Machine struct {
	db       *kv.Database
	thread   []byte
	registry *Registry
	logger   *slog.Logger
	journal  InstructionLog
	runID    string
	spawn    func(prefix []byte)

	stack       Stack
	trName      []byte
	index       int
	lastVersion int64
	dirs        directoryState
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithRegistry shares a transaction registry between machines.
func WithRegistry(r *Registry) MachineOption {
	return func(m *Machine) {
		m.registry = r
	}
}

// WithLogger sets the logger. Each instruction is logged at Debug.
func WithLogger(l *slog.Logger) MachineOption {
	return func(m *Machine) {
		m.logger = l
	}
}

// WithJournal records every dispatched instruction under runID.
func WithJournal(log InstructionLog, runID string) MachineOption {
	return func(m *Machine) {
		m.journal = log
		m.runID = runID
	}
}

// WithSpawner sets the function START_THREAD calls with the new thread's
// prefix. It must not block.
func WithSpawner(spawn func(prefix []byte)) MachineOption {
	return func(m *Machine) {
		m.spawn = spawn
	}
}

// NewMachine creates a machine for the thread whose instructions live under
// prefix. The current transaction name starts out equal to prefix.
func NewMachine(db *kv.Database, prefix []byte, opts ...MachineOption) *Machine {
	thread := append([]byte(nil), prefix...)
	m := &Machine{
		db:     db,
		thread: thread,
		trName: thread,
		logger: slog.Default(),
		dirs:   newDirectoryState(directory.Root()),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = NewRegistry()
	}
	return m
}

// Stack returns the machine's value stack.
func (m *Machine) Stack() *Stack {
	return &m.stack
}

// Thread returns the instruction prefix the machine was created for.
func (m *Machine) Thread() []byte {
	return m.thread
}

// Index returns the index of the next instruction.
func (m *Machine) Index() int {
	return m.index
}

// LastVersion returns the version cached by the last GET_READ_VERSION or
// GET_COMMITTED_VERSION.
func (m *Machine) LastVersion() int64 {
	return m.lastVersion
}

func (m *Machine) push(v any) {
	m.stack.Push(m.index, v)
}

// pushLiteral pushes a private copy of a marker.
func (m *Machine) pushLiteral(b []byte) {
	m.push(bytes.Clone(b))
}

// splitOpcode strips an operand suffix from name.
func splitOpcode(name string) (string, operandKind) {
	if op, ok := strings.CutSuffix(name, snapshotSuffix); ok {
		return op, operandSnapshot
	}
	if op, ok := strings.CutSuffix(name, databaseSuffix); ok {
		return op, operandDatabase
	}
	return name, operandTransaction
}

// Execute decodes and dispatches one instruction.
//
// Store errors are pushed as ("ERROR", "<code>") markers and any failure of
// a DIRECTORY_ opcode is pushed as DIRECTORY_ERROR; both return nil. Every
// other failure is returned as a *MachineError.
func (m *Machine) Execute(ctx context.Context, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	inst, err := tuple.Unpack(raw)
	if err != nil {
		return located(fmt.Errorf("decode instruction: %w", err), m.thread, m.index, "")
	}
	if len(inst) == 0 {
		return located(NewAssertionError("empty instruction"), m.thread, m.index, "")
	}
	name, ok := inst[0].(string)
	if !ok {
		return located(NewAssertionError("opcode %s is not a string", describe(inst[0])), m.thread, m.index, "")
	}
	opcode, kind := splitOpcode(name)
	depth := m.stack.Len()

	m.logger.Debug("dispatch",
		"thread", tuple.PrintableBytes(m.thread),
		"index", m.index,
		"opcode", name,
		"stack_depth", depth)
	instructionsTotal.WithLabelValues(opcode, kind.String()).Inc()

	op := operand{kind: kind, tr: m.registry.Get(m.trName), db: m.db}
	outcome := OutcomeOK
	if err := m.dispatch(ctx, opcode, op, inst[1:]); err != nil {
		switch {
		case strings.HasPrefix(opcode, "DIRECTORY_"):
			if producesEntry(opcode) {
				m.dirs.append(nil)
			}
			m.pushLiteral(directoryError)
			outcome = OutcomeDirectoryError
			absorbedErrorsTotal.WithLabelValues("directory").Inc()
			m.logger.Debug("absorbed directory error", "index", m.index, "opcode", name, "error", err)
		default:
			marker, ferr := errorMarker(err)
			if ferr != nil {
				merr := located(ferr, m.thread, m.index, opcode)
				m.logger.Error("instruction failed", "index", m.index, "opcode", name, "error", merr)
				if jerr := m.record(ctx, name, depth, OutcomeFatal); jerr != nil {
					m.logger.Warn("journal write failed", "error", jerr)
				}
				return merr
			}
			m.push(marker)
			outcome = OutcomeStoreError
			absorbedErrorsTotal.WithLabelValues("store").Inc()
			m.logger.Debug("absorbed store error", "index", m.index, "opcode", name, "error", err)
		}
	}
	if err := m.record(ctx, name, depth, outcome); err != nil {
		return err
	}
	m.index++
	return nil
}

func (m *Machine) dispatch(ctx context.Context, opcode string, op operand, args tuple.Tuple) error {
	h, ok := opcodes[opcode]
	if !ok {
		return NewUnknownOpcodeError(opcode)
	}
	return h(ctx, m, op, args)
}

// record writes a journal entry when a journal is configured.
func (m *Machine) record(ctx context.Context, opcode string, depth int, outcome string) error {
	if m.journal == nil {
		return nil
	}
	err := m.journal.WriteInstruction(ctx, store.InstructionRecord{
		RunID:       m.runID,
		Thread:      m.thread,
		Instruction: m.index,
		Opcode:      opcode,
		StackDepth:  depth,
		Outcome:     outcome,
	})
	if err != nil {
		return fmt.Errorf("journal instruction %d: %w", m.index, err)
	}
	return nil
}

// Run reads every instruction stored under the thread prefix and executes
// them in key order. It returns the number of instructions read.
func (m *Machine) Run(ctx context.Context) (int, error) {
	begin, end, err := tuple.Tuple{m.thread}.Range()
	if err != nil {
		return 0, fmt.Errorf("instruction range: %w", err)
	}
	r, err := m.db.ReadTransact(func(rt kv.ReadTransaction) (any, error) {
		return rt.GetRange(kv.SelectorRangeOf(kv.KeyRange{Begin: begin, End: end}),
			kv.RangeOptions{Mode: kv.StreamingModeWantAll})
	})
	if err != nil {
		return 0, fmt.Errorf("read instructions for %s: %w", tuple.PrintableBytes(m.thread), err)
	}
	rows := r.([]kv.KeyValue)
	m.logger.Debug("executing thread", "thread", tuple.PrintableBytes(m.thread), "instructions", len(rows))
	for _, row := range rows {
		if err := m.Execute(ctx, row.Value); err != nil {
			return len(rows), err
		}
	}
	return len(rows), nil
}
