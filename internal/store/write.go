package store

import (
	"context"
	"fmt"

	"github.com/roach88/bindingtester/internal/kv"
)

// Apply writes a commit batch at version in one SQLite transaction.
//
// Clears become tombstones for every key stored in the range. Point writes
// follow with INSERT OR REPLACE, so a key both cleared and written in the
// same batch keeps the written value.
func (s *Store) Apply(version int64, batch kv.Batch) error {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("apply: begin: %w", err)
	}
	defer tx.Rollback()

	for _, c := range batch.Clears {
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO kv_versions (key, version, value)
			SELECT DISTINCT key, ?, NULL
			FROM kv_versions
			WHERE key >= ? AND key < ?
		`, version, blob(c.Begin), blob(c.End))
		if err != nil {
			return fmt.Errorf("apply: clear range: %w", err)
		}
	}

	for _, w := range batch.Writes {
		var value any
		if !w.Delete {
			value = blob(w.Value)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO kv_versions (key, version, value)
			VALUES (?, ?, ?)
		`, blob(w.Key), version, value)
		if err != nil {
			return fmt.Errorf("apply: write: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO kv_meta (name, value) VALUES ('latest_version', ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value
	`, version)
	if err != nil {
		return fmt.Errorf("apply: record version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("apply: commit: %w", err)
	}
	return nil
}

// Run describes one tester process run.
type Run struct {
	ID         string
	Prefix     []byte
	APIVersion int
	Cluster    string
}

// InstructionRecord is one journal entry.
type InstructionRecord struct {
	Seq         int64
	RunID       string
	Thread      []byte
	Instruction int
	Opcode      string
	StackDepth  int
	Outcome     string
}

// WriteRun registers a run. Duplicate IDs are silently ignored.
func (s *Store) WriteRun(ctx context.Context, run Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, prefix, api_version, cluster)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, run.ID, blob(run.Prefix), run.APIVersion, run.Cluster)
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	return nil
}

// WriteInstruction appends a journal entry. The run must exist (foreign key
// constraint).
func (s *Store) WriteInstruction(ctx context.Context, rec InstructionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instruction_log (run_id, thread, instruction, opcode, stack_depth, outcome)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.RunID, blob(rec.Thread), rec.Instruction, rec.Opcode, rec.StackDepth, rec.Outcome)
	if err != nil {
		return fmt.Errorf("write instruction: %w", err)
	}
	return nil
}
