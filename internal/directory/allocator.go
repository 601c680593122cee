package directory

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/roach88/bindingtester/internal/kv"
	"github.com/roach88/bindingtester/internal/subspace"
	"github.com/roach88/bindingtester/internal/tuple"
)

// highContentionAllocator hands out short integer prefixes. Allocations
// are spread randomly over a window that grows as it fills, so
// concurrent transactions rarely claim the same candidate.
type highContentionAllocator struct {
	counters subspace.Subspace
	recent   subspace.Subspace

	// Serializes window bookkeeping for concurrent allocations that share
	// a transaction.
	mu sync.Mutex
}

func newHCA(ss subspace.Subspace) *highContentionAllocator {
	return &highContentionAllocator{
		counters: ss.Sub(0),
		recent:   ss.Sub(1),
	}
}

func windowSize(start int64) int64 {
	switch {
	case start < 255:
		return 64
	case start < 65535:
		return 1024
	default:
		return 8192
	}
}

// latestCounter returns the start of the newest window, if any.
func (a *highContentionAllocator) latestCounter(rtr kv.ReadTransaction) (int64, bool, error) {
	rows, err := rtr.GetRange(kv.SelectorRangeOf(a.counters.FullRange()), kv.RangeOptions{Limit: 1, Reverse: true})
	if err != nil {
		return 0, false, err
	}
	if len(rows) == 0 {
		return 0, false, nil
	}
	t, err := a.counters.Unpack(rows[0].Key)
	if err != nil {
		return 0, false, err
	}
	start, ok := t[0].(int64)
	if !ok {
		return 0, false, fmt.Errorf("directory: malformed allocator counter key %s", t)
	}
	return start, true, nil
}

func (a *highContentionAllocator) allocate(tr *kv.Transaction) ([]byte, error) {
	snap := tr.Snapshot()
	for {
		start, _, err := a.latestCounter(snap)
		if err != nil {
			return nil, err
		}

		window, err := a.advanceWindow(tr, &start)
		if err != nil {
			return nil, err
		}

		prefix, restart, err := a.claim(tr, start, window)
		if err != nil {
			return nil, err
		}
		if !restart {
			return prefix, nil
		}
	}
}

// advanceWindow bumps the allocation count of the window at *start,
// moving to the next window while the current one is at least half full.
func (a *highContentionAllocator) advanceWindow(tr *kv.Transaction, start *int64) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	advanced := false
	for {
		if advanced {
			if err := tr.ClearRange(a.counters.Bytes(), mustPack(a.counters, *start)); err != nil {
				return 0, err
			}
			tr.Options().SetNextWriteNoWriteConflictRange()
			if err := tr.ClearRange(a.recent.Bytes(), mustPack(a.recent, *start)); err != nil {
				return 0, err
			}
		}

		key := mustPack(a.counters, *start)
		if err := tr.Atomic(kv.MutationAdd, key, binary.LittleEndian.AppendUint64(nil, 1)); err != nil {
			return 0, err
		}
		v, err := tr.Snapshot().Get(key)
		if err != nil {
			return 0, err
		}
		var count int64
		if len(v) >= 8 {
			count = int64(binary.LittleEndian.Uint64(v))
		}

		window := windowSize(*start)
		if count*2 < window {
			return window, nil
		}
		*start += window
		advanced = true
	}
}

// claim picks random candidates in [start, start+window) until one is
// unused. restart is set when another allocation moved the window.
func (a *highContentionAllocator) claim(tr *kv.Transaction, start, window int64) (prefix []byte, restart bool, err error) {
	for {
		candidate := start + rand.Int64N(window)
		key := mustPack(a.recent, candidate)

		a.mu.Lock()
		latest, ok, err := a.latestCounter(tr.Snapshot())
		if err != nil {
			a.mu.Unlock()
			return nil, false, err
		}
		used, err := tr.Get(key)
		if err != nil {
			a.mu.Unlock()
			return nil, false, err
		}
		tr.Options().SetNextWriteNoWriteConflictRange()
		err = tr.Set(key, []byte{})
		a.mu.Unlock()
		if err != nil {
			return nil, false, err
		}

		if ok && latest > start {
			return nil, true, nil
		}
		if used == nil {
			if err := tr.AddWriteConflictKey(key); err != nil {
				return nil, false, err
			}
			return tuple.Tuple{candidate}.MustPack(), false, nil
		}
	}
}
