package kv

import (
	"bytes"
	"errors"
)

// Size limits enforced on writes.
const (
	MaxKeySize         = 10_000
	MaxValueSize       = 100_000
	MaxTransactionSize = 10_000_000
)

// systemKeyPrefix is the first key outside the user keyspace.
var systemKeyPrefix = []byte{0xff}

// KeyValue is a single row returned by a range read.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// KeyRange is the half-open interval [Begin, End).
type KeyRange struct {
	Begin []byte
	End   []byte
}

// Contains reports whether key falls inside the range.
func (r KeyRange) Contains(key []byte) bool {
	return bytes.Compare(key, r.Begin) >= 0 && bytes.Compare(key, r.End) < 0
}

func (r KeyRange) intersects(o KeyRange) bool {
	return bytes.Compare(r.Begin, o.End) < 0 && bytes.Compare(o.Begin, r.End) < 0
}

// KeySelector identifies a key relative to a reference key: the last key
// less than (or, with OrEqual, less than or equal to) Key, moved Offset
// keys forward.
type KeySelector struct {
	Key     []byte
	OrEqual bool
	Offset  int
}

// FirstGreaterOrEqual selects the first key >= key.
func FirstGreaterOrEqual(key []byte) KeySelector {
	return KeySelector{Key: key, Offset: 1}
}

// FirstGreaterThan selects the first key > key.
func FirstGreaterThan(key []byte) KeySelector {
	return KeySelector{Key: key, OrEqual: true, Offset: 1}
}

// LastLessThan selects the last key < key.
func LastLessThan(key []byte) KeySelector {
	return KeySelector{Key: key}
}

// LastLessOrEqual selects the last key <= key.
func LastLessOrEqual(key []byte) KeySelector {
	return KeySelector{Key: key, OrEqual: true}
}

// SelectorRange is a range whose endpoints are resolved from selectors.
type SelectorRange struct {
	Begin KeySelector
	End   KeySelector
}

// SelectorRangeOf converts a key range into first-greater-or-equal
// selectors.
func SelectorRangeOf(r KeyRange) SelectorRange {
	return SelectorRange{Begin: FirstGreaterOrEqual(r.Begin), End: FirstGreaterOrEqual(r.End)}
}

// StreamingMode hints how a range read should be batched. Every mode returns
// the same rows; only validity is checked.
type StreamingMode int

// Streaming modes.
const (
	StreamingModeWantAll  StreamingMode = -2
	StreamingModeIterator StreamingMode = -1
	StreamingModeExact    StreamingMode = 0
	StreamingModeSmall    StreamingMode = 1
	StreamingModeMedium   StreamingMode = 2
	StreamingModeLarge    StreamingMode = 3
	StreamingModeSerial   StreamingMode = 4
)

func (m StreamingMode) valid() bool {
	return m >= StreamingModeWantAll && m <= StreamingModeSerial
}

// RangeOptions controls a range read. A Limit of zero means unlimited.
type RangeOptions struct {
	Limit   int
	Reverse bool
	Mode    StreamingMode
}

// ErrNoSuccessor is returned by Strinc when every byte of the prefix is 0xff.
var ErrNoSuccessor = errors.New("kv: key must contain at least one byte not equal to 0xff")

// Strinc returns the first key that does not have prefix as a prefix:
// trailing 0xff bytes are dropped and the last remaining byte incremented.
func Strinc(prefix []byte) ([]byte, error) {
	for i := len(prefix) - 1; i >= 0; i-- {
		if prefix[i] != 0xff {
			out := make([]byte, i+1)
			copy(out, prefix[:i+1])
			out[i]++
			return out, nil
		}
	}
	return nil, ErrNoSuccessor
}

// PrefixRange returns the range of all keys beginning with prefix.
func PrefixRange(prefix []byte) (KeyRange, error) {
	end, err := Strinc(prefix)
	if err != nil {
		return KeyRange{}, err
	}
	return KeyRange{Begin: append([]byte{}, prefix...), End: end}, nil
}

// keyAfter returns the smallest key greater than key.
func keyAfter(key []byte) []byte {
	out := make([]byte, len(key)+1)
	copy(out, key)
	return out
}

func validateWriteKey(key []byte) error {
	if len(key) > MaxKeySize {
		return newError(CodeKeyTooLarge)
	}
	if bytes.Compare(key, systemKeyPrefix) >= 0 {
		return newError(CodeKeyOutsideLegalRange)
	}
	return nil
}

func validateReadKey(key []byte) error {
	if len(key) > MaxKeySize+1 {
		return newError(CodeKeyTooLarge)
	}
	if bytes.Compare(key, systemKeyPrefix) >= 0 {
		return newError(CodeKeyOutsideLegalRange)
	}
	return nil
}

func validateValue(value []byte) error {
	if len(value) > MaxValueSize {
		return newError(CodeValueTooLarge)
	}
	return nil
}

// clampEnd limits a range end to the user keyspace.
func clampEnd(key []byte) []byte {
	if bytes.Compare(key, systemKeyPrefix) > 0 {
		return systemKeyPrefix
	}
	return key
}
