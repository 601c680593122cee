package badger

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/dgraph-io/badger/v4"

	"github.com/roach88/bindingtester/internal/kv"
)

const (
	dataNamespace = 'd'
)

var latestVersionKey = []byte("m/latest_version")

// Engine implements kv.Engine on a managed-mode BadgerDB.
//
// Thread-safety: Engine is safe for concurrent use.
type Engine struct {
	db *badger.DB
}

var _ kv.Engine = (*Engine)(nil)

func dataKey(key []byte) []byte {
	out := make([]byte, 0, len(key)+1)
	out = append(out, dataNamespace)
	return append(out, key...)
}

func userKey(key []byte) []byte {
	return append([]byte{}, key[1:]...)
}

// Get returns the value of key at version.
func (e *Engine) Get(version int64, key []byte) ([]byte, bool, error) {
	txn := e.db.NewTransactionAt(uint64(version), false)
	defer txn.Discard()

	item, err := txn.Get(dataKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("badger get: %w", err)
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, fmt.Errorf("badger value: %w", err)
	}
	if v == nil {
		v = []byte{}
	}
	return v, true, nil
}

// Scan returns live rows in [begin, end) at version.
func (e *Engine) Scan(version int64, begin, end []byte, limit int, reverse bool) ([]kv.KeyValue, error) {
	txn := e.db.NewTransactionAt(uint64(version), false)
	defer txn.Discard()

	lo, hi := dataKey(begin), dataKey(end)
	opts := badger.DefaultIteratorOptions
	opts.Reverse = reverse
	opts.Prefix = []byte{dataNamespace}
	it := txn.NewIterator(opts)
	defer it.Close()

	out := []kv.KeyValue{}
	inRange := func(k []byte) bool {
		return bytes.Compare(k, lo) >= 0 && bytes.Compare(k, hi) < 0
	}
	if reverse {
		it.Seek(hi)
		// Seek lands on the greatest key <= hi; hi itself is excluded.
		if it.Valid() && bytes.Equal(it.Item().Key(), hi) {
			it.Next()
		}
	} else {
		it.Seek(lo)
	}
	for ; it.Valid(); it.Next() {
		item := it.Item()
		k := item.Key()
		if !inRange(k) {
			break
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return nil, fmt.Errorf("badger value: %w", err)
		}
		if v == nil {
			v = []byte{}
		}
		out = append(out, kv.KeyValue{Key: userKey(k), Value: v})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Apply writes batch with version as the commit timestamp. Clears are
// expanded into deletes of the keys live at the newest version.
func (e *Engine) Apply(version int64, batch kv.Batch) error {
	skip := batch.WriteKeys()
	var doomed [][]byte
	for _, c := range batch.Clears {
		rows, err := e.Scan(math.MaxInt64, c.Begin, c.End, 0, false)
		if err != nil {
			return fmt.Errorf("expand clear: %w", err)
		}
		for _, r := range rows {
			if _, ok := skip[string(r.Key)]; !ok {
				doomed = append(doomed, r.Key)
				skip[string(r.Key)] = struct{}{}
			}
		}
	}

	wb := e.db.NewWriteBatchAt(uint64(version))
	for _, k := range doomed {
		if err := wb.Delete(dataKey(k)); err != nil {
			wb.Cancel()
			return fmt.Errorf("badger delete: %w", err)
		}
	}
	for _, w := range batch.Writes {
		var err error
		if w.Delete {
			err = wb.Delete(dataKey(w.Key))
		} else {
			err = wb.Set(dataKey(w.Key), w.Value)
		}
		if err != nil {
			wb.Cancel()
			return fmt.Errorf("badger write: %w", err)
		}
	}
	if err := wb.Set(latestVersionKey, binary.BigEndian.AppendUint64(nil, uint64(version))); err != nil {
		wb.Cancel()
		return fmt.Errorf("badger write version: %w", err)
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("badger flush: %w", err)
	}
	return nil
}

// LatestVersion returns the version of the last applied batch, or 0.
func (e *Engine) LatestVersion() (int64, error) {
	txn := e.db.NewTransactionAt(math.MaxUint64, false)
	defer txn.Discard()

	item, err := txn.Get(latestVersionKey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("badger latest version: %w", err)
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return 0, fmt.Errorf("badger latest version: %w", err)
	}
	return int64(binary.BigEndian.Uint64(v)), nil
}

// Close closes the database.
func (e *Engine) Close() error {
	return e.db.Close()
}
