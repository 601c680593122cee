package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/bindingtester/internal/kv"
)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// mustApply applies a batch or fails the test.
func mustApply(t *testing.T, s *Store, version int64, batch kv.Batch) {
	t.Helper()
	if err := s.Apply(version, batch); err != nil {
		t.Fatalf("Apply(%d) failed: %v", version, err)
	}
}

// sets builds a batch of point writes from key/value pairs.
func sets(pairs ...string) kv.Batch {
	var b kv.Batch
	for i := 0; i+1 < len(pairs); i += 2 {
		b.Writes = append(b.Writes, kv.Write{Key: []byte(pairs[i]), Value: []byte(pairs[i+1])})
	}
	return b
}

func keys(rows []kv.KeyValue) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = string(r.Key)
	}
	return out
}
