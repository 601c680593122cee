package tuple

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"

	"github.com/google/uuid"
)

// DecodeError describes malformed tuple bytes.
type DecodeError struct {
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("tuple: %s at offset %d", e.Reason, e.Offset)
}

// Unpack decodes b strictly: every byte must belong to a well-formed
// element.
func Unpack(b []byte) (Tuple, error) {
	t, _, err := decodeTuple(b, 0, false)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// UnpackLenient decodes the longest well-formed prefix of b and ignores the
// rest. It never fails; it is used to render arbitrary keys.
func UnpackLenient(b []byte) Tuple {
	t, _, _ := decodeTuple(b, 0, false)
	return t
}

func decodeTuple(b []byte, pos int, nested bool) (Tuple, int, error) {
	t := Tuple{}
	for pos < len(b) {
		if nested && b[pos] == 0x00 {
			if pos+1 < len(b) && b[pos+1] == 0xff {
				t = append(t, nil)
				pos += 2
				continue
			}
			return t, pos + 1, nil
		}
		e, next, err := decodeElement(b, pos)
		if err != nil {
			return t, pos, err
		}
		t = append(t, e)
		pos = next
	}
	if nested {
		return t, pos, &DecodeError{Offset: pos, Reason: "unterminated nested tuple"}
	}
	return t, pos, nil
}

func decodeElement(b []byte, pos int) (any, int, error) {
	code := b[pos]
	switch {
	case code == codeNil:
		return nil, pos + 1, nil
	case code == codeBytes:
		v, next, err := decodeBytes(b, pos+1)
		return v, next, err
	case code == codeString:
		v, next, err := decodeBytes(b, pos+1)
		if err != nil {
			return nil, pos, err
		}
		return string(v), next, nil
	case code == codeNested:
		return decodeTuple(b, pos+1, true)
	case code > codeNegBigInt && code < codePosBigInt:
		return decodeInt(b, pos)
	case code == codeNegBigInt || code == codePosBigInt:
		return decodeBigInt(b, pos)
	case code == codeFloat:
		if pos+5 > len(b) {
			return nil, pos, &DecodeError{Offset: pos, Reason: "truncated float"}
		}
		raw := append([]byte{}, b[pos+1:pos+5]...)
		adjustFloat(raw, false)
		return math.Float32frombits(binary.BigEndian.Uint32(raw)), pos + 5, nil
	case code == codeDouble:
		if pos+9 > len(b) {
			return nil, pos, &DecodeError{Offset: pos, Reason: "truncated double"}
		}
		raw := append([]byte{}, b[pos+1:pos+9]...)
		adjustFloat(raw, false)
		return math.Float64frombits(binary.BigEndian.Uint64(raw)), pos + 9, nil
	case code == codeFalse:
		return false, pos + 1, nil
	case code == codeTrue:
		return true, pos + 1, nil
	case code == codeUUID:
		if pos+17 > len(b) {
			return nil, pos, &DecodeError{Offset: pos, Reason: "truncated uuid"}
		}
		var u uuid.UUID
		copy(u[:], b[pos+1:pos+17])
		return u, pos + 17, nil
	case code == codeVersionstamp:
		if pos+13 > len(b) {
			return nil, pos, &DecodeError{Offset: pos, Reason: "truncated versionstamp"}
		}
		var v Versionstamp
		copy(v.TransactionVersion[:], b[pos+1:pos+11])
		v.UserVersion = binary.BigEndian.Uint16(b[pos+11 : pos+13])
		return v, pos + 13, nil
	}
	return nil, pos, &DecodeError{Offset: pos, Reason: fmt.Sprintf("unknown type code 0x%02x", code)}
}

func decodeBytes(b []byte, pos int) ([]byte, int, error) {
	out := []byte{}
	for pos < len(b) {
		c := b[pos]
		if c == 0x00 {
			if pos+1 < len(b) && b[pos+1] == 0xff {
				out = append(out, 0x00)
				pos += 2
				continue
			}
			return out, pos + 1, nil
		}
		out = append(out, c)
		pos++
	}
	return nil, pos, &DecodeError{Offset: pos, Reason: "unterminated byte string"}
}

func decodeInt(b []byte, pos int) (any, int, error) {
	code := int(b[pos])
	n := code - codeIntZero
	neg := n < 0
	if neg {
		n = -n
	}
	if pos+1+n > len(b) {
		return nil, pos, &DecodeError{Offset: pos, Reason: "truncated integer"}
	}
	mag := new(big.Int).SetBytes(b[pos+1 : pos+1+n])
	if neg {
		max := new(big.Int).Lsh(big.NewInt(1), uint(8*n))
		max.Sub(max, big.NewInt(1))
		mag.Sub(mag, max)
	}
	return normalizeInt(mag), pos + 1 + n, nil
}

func decodeBigInt(b []byte, pos int) (any, int, error) {
	if pos+2 > len(b) {
		return nil, pos, &DecodeError{Offset: pos, Reason: "truncated integer length"}
	}
	neg := b[pos] == codeNegBigInt
	n := int(b[pos+1])
	if neg {
		n ^= 0xff
	}
	start := pos + 2
	if start+n > len(b) {
		return nil, pos, &DecodeError{Offset: pos, Reason: "truncated integer"}
	}
	mag := new(big.Int).SetBytes(b[start : start+n])
	if neg {
		max := new(big.Int).Lsh(big.NewInt(1), uint(8*n))
		max.Sub(max, big.NewInt(1))
		mag.Sub(mag, max)
	}
	return normalizeInt(mag), start + n, nil
}

func normalizeInt(i *big.Int) any {
	if i.IsInt64() {
		return i.Int64()
	}
	return i
}
