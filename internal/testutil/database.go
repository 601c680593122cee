// Package testutil provides helpers shared by package tests: deterministic
// in-memory databases and instruction seeding.
package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/bindingtester/internal/kv"
	"github.com/roach88/bindingtester/internal/store/badger"
	"github.com/roach88/bindingtester/internal/tuple"
)

// Epoch is the start time of databases opened by OpenDatabase.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// OpenDatabase opens a database over a fresh in-memory Badger engine with
// a deterministic clock. The database is closed when the test ends.
func OpenDatabase(t testing.TB) *kv.Database {
	t.Helper()
	engine, err := badger.OpenInMemory()
	require.NoError(t, err)
	db, err := kv.Open(engine, kv.MaxAPIVersion, kv.WithClock(NewDeterministicClock(Epoch).Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// Instr builds one instruction tuple: an opcode followed by its literal
// operands.
func Instr(opcode string, operands ...any) tuple.Tuple {
	return append(tuple.Tuple{opcode}, operands...)
}

// SeedInstructions writes instrs under the thread prefix in dispatch
// order: instruction i is stored at pack((prefix, i)).
func SeedInstructions(t testing.TB, db *kv.Database, prefix []byte, instrs ...tuple.Tuple) {
	t.Helper()
	_, err := db.Transact(func(tr *kv.Transaction) (any, error) {
		for i, in := range instrs {
			v, err := in.Pack()
			if err != nil {
				return nil, err
			}
			k := tuple.Tuple{prefix, int64(i)}.MustPack()
			if err := tr.Set(k, v); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	require.NoError(t, err)
}

// Dump returns every key-value pair below 0xff.
func Dump(t testing.TB, db *kv.Database) []kv.KeyValue {
	t.Helper()
	r, err := db.ReadTransact(func(rt kv.ReadTransaction) (any, error) {
		return rt.GetRange(kv.SelectorRangeOf(kv.KeyRange{Begin: []byte{}, End: []byte{0xff}}), kv.RangeOptions{})
	})
	require.NoError(t, err)
	return r.([]kv.KeyValue)
}
