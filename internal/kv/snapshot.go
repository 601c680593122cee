package kv

// Snapshot is a view of a transaction whose reads see the transaction's own
// writes but do not add read conflict ranges.
type Snapshot struct {
	tr *Transaction
}

// Get returns the value of key, or nil if it is absent.
func (s Snapshot) Get(key []byte) ([]byte, error) {
	return s.tr.get(key, true)
}

// GetKey resolves a key selector.
func (s Snapshot) GetKey(sel KeySelector) ([]byte, error) {
	return s.tr.getKey(sel, true)
}

// GetRange reads the rows between two resolved selectors.
func (s Snapshot) GetRange(r SelectorRange, opts RangeOptions) ([]KeyValue, error) {
	return s.tr.getRange(r, opts, true)
}

// GetReadVersion returns the parent transaction's read version.
func (s Snapshot) GetReadVersion() (int64, error) {
	return s.tr.GetReadVersion()
}

// GetEstimatedRangeSizeBytes estimates the stored size of a range.
func (s Snapshot) GetEstimatedRangeSizeBytes(r KeyRange) (int64, error) {
	return s.tr.GetEstimatedRangeSizeBytes(r)
}

// GetRangeSplitPoints returns keys dividing r into chunks.
func (s Snapshot) GetRangeSplitPoints(r KeyRange, chunkSize int64) ([][]byte, error) {
	return s.tr.GetRangeSplitPoints(r, chunkSize)
}

// Snapshot returns s.
func (s Snapshot) Snapshot() Snapshot {
	return s
}

// Transaction returns the transaction the view reads from.
func (s Snapshot) Transaction() *Transaction {
	return s.tr
}

// ReadTransact runs fn against the snapshot view.
func (s Snapshot) ReadTransact(fn func(ReadTransaction) (any, error)) (any, error) {
	return fn(s)
}
