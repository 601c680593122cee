package kv

import (
	"bytes"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// mapEngine is a minimal multi-version map used to test transaction
// semantics without a storage backend.
type mapEngine struct {
	mu       sync.Mutex
	versions map[string][]versioned
	latest   int64
}

type versioned struct {
	version int64
	value   []byte
	deleted bool
}

func newMapEngine() *mapEngine {
	return &mapEngine{versions: make(map[string][]versioned)}
}

func (e *mapEngine) lookup(version int64, key string) ([]byte, bool) {
	vs := e.versions[key]
	for i := len(vs) - 1; i >= 0; i-- {
		if vs[i].version <= version {
			if vs[i].deleted {
				return nil, false
			}
			return vs[i].value, true
		}
	}
	return nil, false
}

func (e *mapEngine) Get(version int64, key []byte) ([]byte, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.lookup(version, string(key))
	return v, ok, nil
}

func (e *mapEngine) Scan(version int64, begin, end []byte, limit int, reverse bool) ([]KeyValue, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var keys []string
	for k := range e.versions {
		if bytes.Compare([]byte(k), begin) >= 0 && bytes.Compare([]byte(k), end) < 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if reverse {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}
	var out []KeyValue
	for _, k := range keys {
		if v, ok := e.lookup(version, k); ok {
			out = append(out, KeyValue{Key: []byte(k), Value: v})
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (e *mapEngine) Apply(version int64, batch Batch) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	skip := batch.WriteKeys()
	for _, c := range batch.Clears {
		for k := range e.versions {
			if _, ok := skip[k]; ok || !c.Contains([]byte(k)) {
				continue
			}
			e.versions[k] = append(e.versions[k], versioned{version: version, deleted: true})
		}
	}
	for _, w := range batch.Writes {
		e.versions[string(w.Key)] = append(e.versions[string(w.Key)], versioned{version: version, value: w.Value, deleted: w.Delete})
	}
	e.latest = version
	return nil
}

func (e *mapEngine) LatestVersion() (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latest, nil
}

func (e *mapEngine) Close() error { return nil }

func openTestDatabase(t *testing.T) *Database {
	t.Helper()
	fixed := time.Unix(1_700_000_000, 0)
	db, err := Open(newMapEngine(), MaxAPIVersion, WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func mustSet(t *testing.T, db *Database, pairs ...string) {
	t.Helper()
	_, err := db.Transact(func(tr *Transaction) (any, error) {
		for i := 0; i+1 < len(pairs); i += 2 {
			if err := tr.Set([]byte(pairs[i]), []byte(pairs[i+1])); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	require.NoError(t, err)
}

func keysOf(rows []KeyValue) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = string(r.Key)
	}
	return out
}
