package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/bindingtester/internal/kv"
	"github.com/roach88/bindingtester/internal/tuple"
)

// Scheduler runs one machine per thread prefix. The first thread is started
// by Run; every other thread is started by a START_THREAD instruction. All
// machines share one transaction registry.
//
// Thread-safety: Run may be called once. Machines and InstructionsRun are
// safe to call while it is running.
type Scheduler struct {
	db       *kv.Database
	registry *Registry
	logger   *slog.Logger
	journal  InstructionLog
	runID    string
	extra    []MachineOption

	instructions atomic.Int64

	mu       sync.Mutex
	machines []*Machine
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets the logger handed to every machine.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// WithSchedulerJournal records every machine's instructions under runID.
func WithSchedulerJournal(log InstructionLog, runID string) SchedulerOption {
	return func(s *Scheduler) {
		s.journal = log
		s.runID = runID
	}
}

// WithMachineOptions appends options applied to every machine after the
// scheduler's own.
func WithMachineOptions(opts ...MachineOption) SchedulerOption {
	return func(s *Scheduler) {
		s.extra = append(s.extra, opts...)
	}
}

// NewScheduler creates a scheduler over db with a fresh registry.
func NewScheduler(db *kv.Database, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		db:       db,
		registry: NewRegistry(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the transaction registry shared by the machines.
func (s *Scheduler) Registry() *Registry {
	return s.registry
}

// InstructionsRun returns the number of instructions dispatched so far
// across all threads.
func (s *Scheduler) InstructionsRun() int64 {
	return s.instructions.Load()
}

// Machines returns the machines started so far, in start order.
func (s *Scheduler) Machines() []*Machine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Machine(nil), s.machines...)
}

// Run executes the thread stored under prefix and every thread it starts,
// directly or transitively, and waits for all of them. The first fatal
// error cancels the remaining threads and is returned.
func (s *Scheduler) Run(ctx context.Context, prefix []byte) error {
	g, gctx := errgroup.WithContext(ctx)

	var start func(prefix []byte)
	start = func(prefix []byte) {
		m := s.newMachine(prefix, start)
		g.Go(func() error {
			return s.runThread(gctx, m)
		})
	}
	start(prefix)
	return g.Wait()
}

func (s *Scheduler) newMachine(prefix []byte, spawn func([]byte)) *Machine {
	opts := []MachineOption{
		WithRegistry(s.registry),
		WithLogger(s.logger),
		WithSpawner(spawn),
	}
	if s.journal != nil {
		opts = append(opts, WithJournal(s.journal, s.runID))
	}
	m := NewMachine(s.db, prefix, append(opts, s.extra...)...)

	s.mu.Lock()
	s.machines = append(s.machines, m)
	s.mu.Unlock()
	return m
}

func (s *Scheduler) runThread(ctx context.Context, m *Machine) error {
	ctx, span := tracer.Start(ctx, "engine.thread",
		trace.WithAttributes(attribute.String("thread", tuple.PrintableBytes(m.thread))),
	)
	defer span.End()

	threadsStarted.Inc()
	threadsActive.Inc()
	defer threadsActive.Dec()

	s.logger.Debug("thread started", "thread", tuple.PrintableBytes(m.thread))
	_, err := m.Run(ctx)
	s.instructions.Add(int64(m.Index()))
	span.SetAttributes(attribute.Int("instructions", m.Index()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "thread failed")
		return err
	}
	s.logger.Debug("thread finished", "thread", tuple.PrintableBytes(m.thread), "instructions", m.Index())
	return nil
}
