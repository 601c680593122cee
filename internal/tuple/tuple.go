// Package tuple implements the ordered tuple encoding used for keys and
// values in the store.
//
// Packed tuples sort bytewise in the same order as their elements compare,
// so a prefix of packed elements selects a contiguous key range. Supported
// element types are:
//
//   - nil
//   - []byte
//   - string (UTF-8)
//   - int, int32, int64, uint, uint32, uint64, *big.Int
//   - float32, float64
//   - bool
//   - uuid.UUID
//   - Versionstamp
//   - Tuple (nested)
//
// Decoding returns int64 for integers that fit and *big.Int otherwise.
package tuple

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/google/uuid"
)

// Type codes for the tuple wire format.
const (
	codeNil          = 0x00
	codeBytes        = 0x01
	codeString       = 0x02
	codeNested       = 0x05
	codeNegBigInt    = 0x0b
	codeIntZero      = 0x14
	codePosBigInt    = 0x1d
	codeFloat        = 0x20
	codeDouble       = 0x21
	codeFalse        = 0x26
	codeTrue         = 0x27
	codeUUID         = 0x30
	codeVersionstamp = 0x33
)

// Tuple is an ordered list of elements.
type Tuple []any

// ErrIncompleteVersionstamp is returned by Pack when the tuple contains an
// incomplete versionstamp. Use PackWithVersionstamp instead.
var ErrIncompleteVersionstamp = errors.New("tuple: incomplete versionstamp in plain pack")

// UnsupportedTypeError reports an element that has no tuple encoding.
type UnsupportedTypeError struct {
	Index int
	Value any
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("tuple: unsupported element type %T at index %d", e.Value, e.Index)
}

type packer struct {
	buf []byte
	// versionstamp payload positions, relative to the start of buf
	stamps []int
}

// Pack encodes the tuple. It fails on unsupported element types and on
// incomplete versionstamps. The empty tuple packs to a non-nil empty slice.
func (t Tuple) Pack() ([]byte, error) {
	p := &packer{buf: []byte{}}
	if err := p.encodeTuple(t, false); err != nil {
		return nil, err
	}
	if len(p.stamps) > 0 {
		return nil, ErrIncompleteVersionstamp
	}
	return p.buf, nil
}

// MustPack is Pack for tuples known to be encodable. It panics on error and
// is meant for constant keys and tests.
func (t Tuple) MustPack() []byte {
	b, err := t.Pack()
	if err != nil {
		panic(err)
	}
	return b
}

// Range returns the key range strictly containing every tuple that has t
// as a prefix: pack(t)+0x00 to pack(t)+0xff.
func (t Tuple) Range() (begin, end []byte, err error) {
	p, err := t.Pack()
	if err != nil {
		return nil, nil, err
	}
	begin = append(append([]byte{}, p...), 0x00)
	end = append(append([]byte{}, p...), 0xff)
	return begin, end, nil
}

func (p *packer) encodeTuple(t Tuple, nested bool) error {
	for i, e := range t {
		if err := p.encode(e, nested); err != nil {
			var ute *UnsupportedTypeError
			if errors.As(err, &ute) && !nested {
				ute.Index = i
			}
			return err
		}
	}
	return nil
}

func (p *packer) encode(e any, nested bool) error {
	switch v := e.(type) {
	case nil:
		if nested {
			p.buf = append(p.buf, codeNil, 0xff)
		} else {
			p.buf = append(p.buf, codeNil)
		}
	case []byte:
		p.encodeBytes(codeBytes, v)
	case string:
		p.encodeBytes(codeString, []byte(v))
	case int:
		p.encodeInt(big.NewInt(int64(v)))
	case int32:
		p.encodeInt(big.NewInt(int64(v)))
	case int64:
		p.encodeInt(big.NewInt(v))
	case uint:
		p.encodeInt(new(big.Int).SetUint64(uint64(v)))
	case uint32:
		p.encodeInt(new(big.Int).SetUint64(uint64(v)))
	case uint64:
		p.encodeInt(new(big.Int).SetUint64(v))
	case *big.Int:
		if v == nil {
			return &UnsupportedTypeError{Value: e}
		}
		p.encodeInt(v)
	case big.Int:
		p.encodeInt(&v)
	case float32:
		p.buf = append(p.buf, codeFloat)
		p.buf = binary.BigEndian.AppendUint32(p.buf, math.Float32bits(v))
		adjustFloat(p.buf[len(p.buf)-4:], true)
	case float64:
		p.buf = append(p.buf, codeDouble)
		p.buf = binary.BigEndian.AppendUint64(p.buf, math.Float64bits(v))
		adjustFloat(p.buf[len(p.buf)-8:], true)
	case bool:
		if v {
			p.buf = append(p.buf, codeTrue)
		} else {
			p.buf = append(p.buf, codeFalse)
		}
	case uuid.UUID:
		p.buf = append(p.buf, codeUUID)
		p.buf = append(p.buf, v[:]...)
	case Versionstamp:
		p.buf = append(p.buf, codeVersionstamp)
		if !v.IsComplete() {
			p.stamps = append(p.stamps, len(p.buf))
		}
		p.buf = append(p.buf, v.Bytes()...)
	case Tuple:
		p.buf = append(p.buf, codeNested)
		if err := p.encodeTuple(v, true); err != nil {
			return err
		}
		p.buf = append(p.buf, 0x00)
	case []any:
		return p.encode(Tuple(v), nested)
	default:
		return &UnsupportedTypeError{Value: e}
	}
	return nil
}

func (p *packer) encodeBytes(code byte, b []byte) {
	p.buf = append(p.buf, code)
	for _, c := range b {
		p.buf = append(p.buf, c)
		if c == 0x00 {
			p.buf = append(p.buf, 0xff)
		}
	}
	p.buf = append(p.buf, 0x00)
}

func (p *packer) encodeInt(i *big.Int) {
	switch i.Sign() {
	case 0:
		p.buf = append(p.buf, codeIntZero)
	case 1:
		b := i.Bytes()
		if len(b) > 8 {
			p.buf = append(p.buf, codePosBigInt, byte(len(b)))
		} else {
			p.buf = append(p.buf, codeIntZero+byte(len(b)))
		}
		p.buf = append(p.buf, b...)
	default:
		abs := new(big.Int).Neg(i)
		n := len(abs.Bytes())
		// ones' complement of |i| in n bytes
		max := new(big.Int).Lsh(big.NewInt(1), uint(8*n))
		max.Sub(max, big.NewInt(1))
		enc := new(big.Int).Sub(max, abs).Bytes()
		if n > 8 {
			p.buf = append(p.buf, codeNegBigInt, byte(n)^0xff)
		} else {
			p.buf = append(p.buf, codeIntZero-byte(n))
		}
		p.buf = append(p.buf, make([]byte, n-len(enc))...)
		p.buf = append(p.buf, enc...)
	}
}

// adjustFloat maps IEEE 754 bit patterns onto a bytewise-sortable form and
// back. NaN payload bits pass through unchanged.
func adjustFloat(b []byte, encode bool) {
	negative := b[0]&0x80 != 0
	if !encode {
		negative = b[0]&0x80 == 0
	}
	if negative {
		for i := range b {
			b[i] ^= 0xff
		}
	} else {
		b[0] ^= 0x80
	}
}

// Compare orders two tuples by their packed form.
func Compare(a, b Tuple) (int, error) {
	pa, err := a.Pack()
	if err != nil {
		return 0, err
	}
	pb, err := b.Pack()
	if err != nil {
		return 0, err
	}
	return bytes.Compare(pa, pb), nil
}
