package kv

// Engine is the multi-version storage a Database runs on. Versions are
// positive and strictly increasing across Apply calls; a read at version v
// observes every batch applied at a version <= v.
//
// Implementations must be safe for concurrent use. Database serializes
// Apply calls.
type Engine interface {
	// Get returns the value of key at version, and whether it exists.
	Get(version int64, key []byte) ([]byte, bool, error)

	// Scan returns live rows in [begin, end) at version, in key order (or
	// reverse key order), stopping after limit rows when limit > 0.
	Scan(version int64, begin, end []byte, limit int, reverse bool) ([]KeyValue, error)

	// Apply atomically writes a batch at version.
	Apply(version int64, batch Batch) error

	// LatestVersion returns the highest version applied so far, or 0.
	LatestVersion() (int64, error)

	// Close releases engine resources.
	Close() error
}

// Batch is the set of writes produced by one commit. Clears are applied
// before Writes, and a key named in Writes is never also removed by a
// clear in the same batch.
type Batch struct {
	Clears []KeyRange
	Writes []Write
}

// Write sets Key to Value, or deletes it when Delete is true.
type Write struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// WriteKeys returns the set of keys named in b.Writes, for engines that
// expand clears themselves.
func (b Batch) WriteKeys() map[string]struct{} {
	keys := make(map[string]struct{}, len(b.Writes))
	for _, w := range b.Writes {
		keys[string(w.Key)] = struct{}{}
	}
	return keys
}
