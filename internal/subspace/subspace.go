// Package subspace partitions the key space by a byte prefix and encodes
// keys within the partition as tuples.
//
// Unpack is strict: a key whose suffix is not exactly one well-formed
// tuple is rejected.
package subspace

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/roach88/bindingtester/internal/kv"
	"github.com/roach88/bindingtester/internal/tuple"
)

// ErrNotInSubspace is returned by Unpack for keys outside the subspace.
var ErrNotInSubspace = errors.New("key is not in subspace")

// Subspace is a key prefix with tuple helpers.
type Subspace interface {
	// Sub returns the subspace for this prefix extended by the packed
	// elements.
	Sub(el ...any) Subspace

	// Bytes returns the raw prefix.
	Bytes() []byte

	// Pack returns the prefix followed by the packed tuple.
	Pack(t tuple.Tuple) ([]byte, error)

	// PackWithVersionstamp is Pack for a tuple holding exactly one
	// incomplete versionstamp; the offset is appended.
	PackWithVersionstamp(t tuple.Tuple) ([]byte, error)

	// Unpack strips the prefix from k and decodes the remainder.
	Unpack(k []byte) (tuple.Tuple, error)

	// Contains reports whether k starts with the prefix.
	Contains(k []byte) bool

	// FullRange returns the range of all keys strictly inside the
	// subspace: prefix+0x00 to prefix+0xff.
	FullRange() kv.KeyRange
}

type subspace struct {
	raw []byte
}

// FromBytes returns a subspace with the given raw prefix.
func FromBytes(b []byte) Subspace {
	return subspace{raw: append([]byte{}, b...)}
}

// Sub returns a subspace prefixed by the packed elements.
func Sub(el ...any) Subspace {
	return subspace{}.Sub(el...)
}

// AllKeys returns the subspace with an empty prefix.
func AllKeys() Subspace {
	return subspace{}
}

func (s subspace) Sub(el ...any) Subspace {
	return subspace{raw: concat(s.raw, tuple.Tuple(el).MustPack())}
}

func (s subspace) Bytes() []byte {
	return s.raw
}

func (s subspace) Pack(t tuple.Tuple) ([]byte, error) {
	packed, err := t.Pack()
	if err != nil {
		return nil, err
	}
	return concat(s.raw, packed), nil
}

func (s subspace) PackWithVersionstamp(t tuple.Tuple) ([]byte, error) {
	return t.PackWithVersionstamp(s.raw)
}

func (s subspace) Unpack(k []byte) (tuple.Tuple, error) {
	if !s.Contains(k) {
		return nil, fmt.Errorf("%w: %s", ErrNotInSubspace, tuple.PrintableBytes(k))
	}
	return tuple.Unpack(k[len(s.raw):])
}

func (s subspace) Contains(k []byte) bool {
	return bytes.HasPrefix(k, s.raw)
}

func (s subspace) FullRange() kv.KeyRange {
	return kv.KeyRange{
		Begin: concat(s.raw, []byte{0x00}),
		End:   concat(s.raw, []byte{0xff}),
	}
}

func (s subspace) String() string {
	return fmt.Sprintf("Subspace(rawPrefix=%s)", tuple.PrintableBytes(s.raw))
}

func concat(a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
