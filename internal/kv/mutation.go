package kv

import "bytes"

// MutationType identifies an atomic operation applied at commit time.
type MutationType int

// Mutation codes. The values match the reference client's option codes.
const (
	MutationAdd                    MutationType = 2
	MutationBitAnd                 MutationType = 6
	MutationBitOr                  MutationType = 7
	MutationBitXor                 MutationType = 8
	MutationAppendIfFits           MutationType = 9
	MutationMax                    MutationType = 12
	MutationMin                    MutationType = 13
	MutationSetVersionstampedKey   MutationType = 14
	MutationSetVersionstampedValue MutationType = 15
	MutationByteMin                MutationType = 16
	MutationByteMax                MutationType = 17
	MutationCompareAndClear        MutationType = 20
)

// MutationTypes maps UpperCamelCase mutation names to their codes.
// And, Or and Xor are deprecated aliases kept by the reference client.
var MutationTypes = map[string]MutationType{
	"Add":                    MutationAdd,
	"And":                    MutationBitAnd,
	"BitAnd":                 MutationBitAnd,
	"Or":                     MutationBitOr,
	"BitOr":                  MutationBitOr,
	"Xor":                    MutationBitXor,
	"BitXor":                 MutationBitXor,
	"AppendIfFits":           MutationAppendIfFits,
	"Max":                    MutationMax,
	"Min":                    MutationMin,
	"SetVersionstampedKey":   MutationSetVersionstampedKey,
	"SetVersionstampedValue": MutationSetVersionstampedValue,
	"ByteMin":                MutationByteMin,
	"ByteMax":                MutationByteMax,
	"CompareAndClear":        MutationCompareAndClear,
}

func (m MutationType) valid() bool {
	switch m {
	case MutationAdd, MutationBitAnd, MutationBitOr, MutationBitXor, MutationAppendIfFits,
		MutationMax, MutationMin, MutationSetVersionstampedKey, MutationSetVersionstampedValue,
		MutationByteMin, MutationByteMax, MutationCompareAndClear:
		return true
	}
	return false
}

// applyAtomic folds one atomic operation onto the current value of a key.
// The boolean result reports whether the key exists afterwards.
func applyAtomic(op MutationType, existing []byte, present bool, param []byte) ([]byte, bool) {
	switch op {
	case MutationAdd:
		a := resize(existing, len(param))
		out := make([]byte, len(param))
		carry := 0
		for i := range param {
			sum := int(a[i]) + int(param[i]) + carry
			out[i] = byte(sum)
			carry = sum >> 8
		}
		return out, true
	case MutationBitAnd:
		if !present {
			return clone(param), true
		}
		a := resize(existing, len(param))
		for i := range a {
			a[i] &= param[i]
		}
		return a, true
	case MutationBitOr:
		a := resize(existing, len(param))
		for i := range a {
			a[i] |= param[i]
		}
		return a, true
	case MutationBitXor:
		a := resize(existing, len(param))
		for i := range a {
			a[i] ^= param[i]
		}
		return a, true
	case MutationAppendIfFits:
		if !present {
			return clone(param), true
		}
		if len(existing)+len(param) > MaxValueSize {
			return existing, true
		}
		return append(clone(existing), param...), true
	case MutationMax, MutationMin:
		if !present {
			return clone(param), true
		}
		a := resize(existing, len(param))
		cmp := compareLittleEndian(a, param)
		if (op == MutationMax && cmp >= 0) || (op == MutationMin && cmp <= 0) {
			return a, true
		}
		return clone(param), true
	case MutationByteMin, MutationByteMax:
		if !present {
			return clone(param), true
		}
		cmp := bytes.Compare(existing, param)
		if (op == MutationByteMax && cmp >= 0) || (op == MutationByteMin && cmp <= 0) {
			return existing, true
		}
		return clone(param), true
	case MutationCompareAndClear:
		if present && bytes.Equal(existing, param) {
			return nil, false
		}
		return existing, present
	}
	return existing, present
}

// resize copies b into a new slice of length n, zero-padding or truncating.
func resize(b []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, b)
	return out
}

func clone(b []byte) []byte {
	return append([]byte{}, b...)
}

// compareLittleEndian compares two equal-length unsigned little-endian
// integers.
func compareLittleEndian(a, b []byte) int {
	for i := len(a) - 1; i >= 0; i-- {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
