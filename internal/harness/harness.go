package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/bindingtester/internal/engine"
	"github.com/roach88/bindingtester/internal/kv"
	"github.com/roach88/bindingtester/internal/store/badger"
	"github.com/roach88/bindingtester/internal/testutil"
	"github.com/roach88/bindingtester/internal/tuple"
)

// RunOption configures Run.
type RunOption func(*runConfig)

type runConfig struct {
	logger    *slog.Logger
	scheduler []engine.SchedulerOption
}

// WithLogger sets the logger used by the database and every machine.
// Runs are silent by default.
func WithLogger(l *slog.Logger) RunOption {
	return func(c *runConfig) {
		c.logger = l
	}
}

// WithSchedulerOptions passes extra options to the scheduler, e.g. a
// journal.
func WithSchedulerOptions(opts ...engine.SchedulerOption) RunOption {
	return func(c *runConfig) {
		c.scheduler = append(c.scheduler, opts...)
	}
}

// Run executes a scenario against a fresh in-memory database and checks
// its assertions.
//
// A machine error stopping the run is not returned: it is recorded in
// Result.Fatal and judged by the fatal assertions. The returned error is
// reserved for failures to set the run up.
func Run(ctx context.Context, scenario *Scenario, opts ...RunOption) (*Result, error) {
	cfg := runConfig{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&cfg)
	}

	apiVersion := scenario.APIVersion
	if apiVersion == 0 {
		apiVersion = kv.MaxAPIVersion
	}
	eng, err := badger.OpenInMemory()
	if err != nil {
		return nil, fmt.Errorf("open engine: %w", err)
	}
	clock := testutil.NewDeterministicClock(testutil.Epoch)
	db, err := kv.Open(eng, apiVersion, kv.WithClock(clock.Now), kv.WithLogger(cfg.logger))
	if err != nil {
		_ = eng.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := seed(db, scenario); err != nil {
		return nil, err
	}

	schedOpts := append([]engine.SchedulerOption{engine.WithSchedulerLogger(cfg.logger)}, cfg.scheduler...)
	sched := engine.NewScheduler(db, schedOpts...)

	result := NewResult()
	runErr := sched.Run(ctx, []byte(scenario.Prefix))
	if runErr != nil {
		var me *engine.MachineError
		if !errors.As(runErr, &me) {
			return nil, fmt.Errorf("run scenario %s: %w", scenario.Name, runErr)
		}
		result.Fatal = me
	}
	result.Instructions = sched.InstructionsRun()

	for _, m := range sched.Machines() {
		items := m.Stack().Items()
		rendered := make([]string, len(items))
		for i, item := range items {
			rendered[i] = engine.FormatValue(item.Value)
		}
		result.Stacks[string(m.Thread())] = rendered
	}

	if err := collectStore(db, scenario, result); err != nil {
		return nil, err
	}

	checkAssertions(scenario, result)
	return result, nil
}

// seed writes the setup keys and every thread's instructions in one
// transaction.
func seed(db *kv.Database, scenario *Scenario) error {
	_, err := db.Transact(func(tr *kv.Transaction) (any, error) {
		for i, e := range scenario.Setup {
			k, err := DecodeBytes(e.Key)
			if err != nil {
				return nil, fmt.Errorf("setup[%d].key: %w", i, err)
			}
			v, err := DecodeBytes(e.Value)
			if err != nil {
				return nil, fmt.Errorf("setup[%d].value: %w", i, err)
			}
			if err := tr.Set(k, v); err != nil {
				return nil, err
			}
		}
		for _, name := range scenario.ThreadNames() {
			for i, raw := range scenario.Threads[name] {
				v, err := encodeInstruction(raw)
				if err != nil {
					return nil, fmt.Errorf("threads.%s[%d]: %w", name, i, err)
				}
				k := tuple.Tuple{[]byte(name), int64(i)}.MustPack()
				if err := tr.Set(k, v); err != nil {
					return nil, err
				}
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("seed scenario %s: %w", scenario.Name, err)
	}
	return nil
}

// collectStore reads the final store, skipping instruction rows.
func collectStore(db *kv.Database, scenario *Scenario, result *Result) error {
	var threads []kv.KeyRange
	for _, name := range scenario.ThreadNames() {
		begin, end, err := tuple.Tuple{[]byte(name)}.Range()
		if err != nil {
			return err
		}
		threads = append(threads, kv.KeyRange{Begin: begin, End: end})
	}

	r, err := db.ReadTransact(func(rt kv.ReadTransaction) (any, error) {
		return rt.GetRange(kv.SelectorRangeOf(kv.KeyRange{Begin: []byte{}, End: []byte{0xff}}),
			kv.RangeOptions{Mode: kv.StreamingModeWantAll})
	})
	if err != nil {
		return fmt.Errorf("read final store: %w", err)
	}

rows:
	for _, row := range r.([]kv.KeyValue) {
		for _, t := range threads {
			if t.Contains(row.Key) {
				continue rows
			}
		}
		result.raw[string(row.Key)] = row.Value
		result.Store = append(result.Store, StoreEntry{
			Key:   tuple.FormatElement(row.Key),
			Value: tuple.FormatElement(row.Value),
		})
	}
	return nil
}
