package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/bindingtester/internal/kv"
)

// Get returns the newest value of key at or below version.
func (s *Store) Get(version int64, key []byte) ([]byte, bool, error) {
	var value []byte
	var tombstone bool
	err := s.db.QueryRowContext(context.Background(), `
		SELECT value, value IS NULL
		FROM kv_versions
		WHERE key = ? AND version <= ?
		ORDER BY version DESC
		LIMIT 1
	`, blob(key), version).Scan(&value, &tombstone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get: %w", err)
	}
	if tombstone {
		return nil, false, nil
	}
	return blob(value), true, nil
}

// Scan returns live rows in [begin, end) at version. A limit <= 0 means no
// limit.
func (s *Store) Scan(version int64, begin, end []byte, limit int, reverse bool) ([]kv.KeyValue, error) {
	order := "ASC"
	if reverse {
		order = "DESC"
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(context.Background(), `
		SELECT v.key, v.value
		FROM kv_versions AS v
		WHERE v.key >= ? AND v.key < ?
		  AND v.version = (
			SELECT MAX(version) FROM kv_versions
			WHERE key = v.key AND version <= ?
		  )
		  AND v.value IS NOT NULL
		ORDER BY v.key `+order+`
		LIMIT ?
	`, blob(begin), blob(end), version, limit)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	defer rows.Close()

	out := []kv.KeyValue{}
	for rows.Next() {
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, kv.KeyValue{Key: blob(k), Value: blob(v)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scan: %w", err)
	}
	return out, nil
}

// LatestVersion returns the version of the last applied batch, or 0.
func (s *Store) LatestVersion() (int64, error) {
	var v int64
	err := s.db.QueryRowContext(context.Background(), `
		SELECT value FROM kv_meta WHERE name = 'latest_version'
	`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("latest version: %w", err)
	}
	return v, nil
}

// ReadRun retrieves a run by ID.
// Returns sql.ErrNoRows if not found.
func (s *Store) ReadRun(ctx context.Context, id string) (Run, error) {
	var r Run
	err := s.db.QueryRowContext(ctx, `
		SELECT id, prefix, api_version, cluster FROM runs WHERE id = ?
	`, id).Scan(&r.ID, &r.Prefix, &r.APIVersion, &r.Cluster)
	if err != nil {
		return Run{}, err
	}
	return r, nil
}

// ListRuns returns all run IDs in insertion order.
func (s *Store) ListRuns(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM runs ORDER BY rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return ids, nil
}

// ReadInstructions returns the journal of a run in dispatch order.
// Returns an empty slice (not nil) if the run has no entries.
func (s *Store) ReadInstructions(ctx context.Context, runID string) ([]InstructionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, run_id, thread, instruction, opcode, stack_depth, outcome
		FROM instruction_log
		WHERE run_id = ?
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query instructions: %w", err)
	}
	defer rows.Close()

	records := []InstructionRecord{}
	for rows.Next() {
		var r InstructionRecord
		if err := rows.Scan(&r.Seq, &r.RunID, &r.Thread, &r.Instruction, &r.Opcode, &r.StackDepth, &r.Outcome); err != nil {
			return nil, fmt.Errorf("scan instruction: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instructions: %w", err)
	}
	return records, nil
}
