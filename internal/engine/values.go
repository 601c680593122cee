package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"strconv"

	"github.com/google/uuid"

	"github.com/roach88/bindingtester/internal/kv"
	"github.com/roach88/bindingtester/internal/tuple"
)

// Literal markers pushed by opcodes.
var (
	resultNotPresent        = []byte("RESULT_NOT_PRESENT")
	gotReadVersion          = []byte("GOT_READ_VERSION")
	gotCommittedVersion     = []byte("GOT_COMMITTED_VERSION")
	gotApproximateSize      = []byte("GOT_APPROXIMATE_SIZE")
	gotEstimatedRangeSize   = []byte("GOT_ESTIMATED_RANGE_SIZE")
	gotRangeSplitPoints     = []byte("GOT_RANGE_SPLIT_POINTS")
	setConflictRange        = []byte("SET_CONFLICT_RANGE")
	setConflictKey          = []byte("SET_CONFLICT_KEY")
	waitedForEmpty          = []byte("WAITED_FOR_EMPTY")
	directoryError          = []byte("DIRECTORY_ERROR")
	versionstampOK          = []byte("OK")
	versionstampErrNone     = []byte("ERROR: NONE")
	versionstampErrMultiple = []byte("ERROR: MULTIPLE")
)

// Float is a single-precision stack value. Raw holds the original
// big-endian encoding when Value is NaN.
type Float struct {
	Value float32
	Raw   []byte
}

// Bytes returns the big-endian IEEE-754 encoding.
func (f Float) Bytes() []byte {
	if f.Raw != nil {
		return append([]byte(nil), f.Raw...)
	}
	return binary.BigEndian.AppendUint32(nil, math.Float32bits(f.Value))
}

// Double is a double-precision stack value. Raw holds the original
// big-endian encoding when Value is NaN.
type Double struct {
	Value float64
	Raw   []byte
}

// Bytes returns the big-endian IEEE-754 encoding.
func (d Double) Bytes() []byte {
	if d.Raw != nil {
		return append([]byte(nil), d.Raw...)
	}
	return binary.BigEndian.AppendUint64(nil, math.Float64bits(d.Value))
}

// Pending is a stack value whose result is produced later by the store.
// Popping it waits for the result.
type Pending struct {
	future *kv.Future[[]byte]
}

// resolve waits for the result and wraps it like any other store result.
func (p *Pending) resolve(ctx context.Context) (any, error) {
	v, err := p.future.GetContext(ctx)
	return wrapResult(v, err)
}

// wrapResult converts the outcome of a store call into a stack value: an
// absent value becomes RESULT_NOT_PRESENT and a store error becomes its
// packed ("ERROR", "<code>") marker. Other errors are returned.
func wrapResult(v []byte, err error) (any, error) {
	if err != nil {
		return errorMarker(err)
	}
	if v == nil {
		return resultNotPresent, nil
	}
	return v, nil
}

// errorMarker packs a store error as ("ERROR", "<code>"). Errors without a
// store code are returned unchanged.
func errorMarker(err error) ([]byte, error) {
	kerr, ok := kv.AsError(err)
	if !ok {
		return nil, err
	}
	return tuple.Tuple{[]byte("ERROR"), []byte(strconv.Itoa(kerr.Code))}.MustPack(), nil
}

// normalize converts a decoded tuple element into its stack form.
func normalize(e any) any {
	switch v := e.(type) {
	case int64:
		return big.NewInt(v)
	case int:
		return big.NewInt(int64(v))
	case uint64:
		return new(big.Int).SetUint64(v)
	case float32:
		f := Float{Value: v}
		if math.IsNaN(float64(v)) {
			f.Raw = binary.BigEndian.AppendUint32(nil, math.Float32bits(v))
		}
		return f
	case float64:
		d := Double{Value: v}
		if math.IsNaN(v) {
			d.Raw = binary.BigEndian.AppendUint64(nil, math.Float64bits(v))
		}
		return d
	default:
		return e
	}
}

// element converts a resolved stack value into a tuple element.
func element(v any) (any, error) {
	switch x := v.(type) {
	case nil, string, []byte, *big.Int, bool, uuid.UUID, tuple.Versionstamp, tuple.Tuple:
		return v, nil
	case Float:
		if x.Raw != nil {
			return math.Float32frombits(binary.BigEndian.Uint32(x.Raw)), nil
		}
		return x.Value, nil
	case Double:
		if x.Raw != nil {
			return math.Float64frombits(binary.BigEndian.Uint64(x.Raw)), nil
		}
		return x.Value, nil
	default:
		return nil, NewAssertionError("value %s has no tuple encoding", describe(v))
	}
}

// elements converts values into a tuple.
func elements(values []any) (tuple.Tuple, error) {
	t := make(tuple.Tuple, len(values))
	for i, v := range values {
		e, err := element(v)
		if err != nil {
			return nil, err
		}
		t[i] = e
	}
	return t, nil
}

// FormatValue renders a stack value the way its tuple element prints.
// Unresolved results render as "pending".
func FormatValue(v any) string {
	if _, ok := v.(*Pending); ok {
		return "pending"
	}
	e, err := element(v)
	if err != nil {
		return describe(v)
	}
	return tuple.FormatElement(e)
}

// describe renders a stack value for diagnostics.
func describe(v any) string {
	switch x := v.(type) {
	case nil:
		return "nil"
	case []byte:
		return fmt.Sprintf("bytes(%s)", tuple.PrintableBytes(x))
	case string:
		return fmt.Sprintf("string(%q)", x)
	case *big.Int:
		return fmt.Sprintf("int(%s)", x)
	case *Pending:
		return "pending"
	case Float:
		return fmt.Sprintf("float(%v)", x.Value)
	case Double:
		return fmt.Sprintf("double(%v)", x.Value)
	default:
		return fmt.Sprintf("%T(%v)", v, v)
	}
}
