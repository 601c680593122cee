package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sort"

	"github.com/roach88/bindingtester/internal/tuple"
)

func opTuplePack(ctx context.Context, m *Machine, _ operand, _ tuple.Tuple) error {
	values, err := m.stack.PopValues(ctx)
	if err != nil {
		return err
	}
	t, err := elements(values)
	if err != nil {
		return err
	}
	packed, err := t.Pack()
	if err != nil {
		return err
	}
	m.push(packed)
	return nil
}

// opTuplePackWithVersionstamp pushes OK and the prefixed packing when the
// values hold exactly one incomplete versionstamp, and an error marker
// naming the problem otherwise.
func opTuplePackWithVersionstamp(ctx context.Context, m *Machine, _ operand, _ tuple.Tuple) error {
	prefix, err := m.stack.PopBytes(ctx)
	if err != nil {
		return err
	}
	values, err := m.stack.PopValues(ctx)
	if err != nil {
		return err
	}
	t, err := elements(values)
	if err != nil {
		return err
	}
	packed, err := t.PackWithVersionstamp(prefix)
	switch {
	case errors.Is(err, tuple.ErrNoIncompleteVersionstamp):
		m.pushLiteral(versionstampErrNone)
	case errors.Is(err, tuple.ErrMultipleIncompleteVersionstamps):
		m.pushLiteral(versionstampErrMultiple)
	case err != nil:
		return err
	default:
		m.pushLiteral(versionstampOK)
		m.push(packed)
	}
	return nil
}

// opTupleUnpack pushes each element of a packed tuple, packed on its own.
func opTupleUnpack(ctx context.Context, m *Machine, _ operand, _ tuple.Tuple) error {
	packed, err := m.stack.PopBytes(ctx)
	if err != nil {
		return err
	}
	t, err := tuple.Unpack(packed)
	if err != nil {
		return err
	}
	for _, e := range t {
		b, err := tuple.Tuple{e}.Pack()
		if err != nil {
			return err
		}
		m.push(b)
	}
	return nil
}

func opTupleRange(ctx context.Context, m *Machine, _ operand, _ tuple.Tuple) error {
	values, err := m.stack.PopValues(ctx)
	if err != nil {
		return err
	}
	t, err := elements(values)
	if err != nil {
		return err
	}
	begin, end, err := t.Range()
	if err != nil {
		return err
	}
	m.push(begin)
	m.push(end)
	return nil
}

// opTupleSort pushes packed tuples back in the order of their canonical
// packing.
func opTupleSort(ctx context.Context, m *Machine, _ operand, _ tuple.Tuple) error {
	values, err := m.stack.PopValues(ctx)
	if err != nil {
		return err
	}
	packed := make([][]byte, len(values))
	for i, v := range values {
		b, ok := v.([]byte)
		if !ok {
			return NewAssertionError("TUPLE_SORT element %s is not a packed tuple", describe(v))
		}
		t, err := tuple.Unpack(b)
		if err != nil {
			return err
		}
		if packed[i], err = t.Pack(); err != nil {
			return err
		}
	}
	sort.SliceStable(packed, func(i, j int) bool {
		return bytes.Compare(packed[i], packed[j]) < 0
	})
	for _, p := range packed {
		m.push(p)
	}
	return nil
}

func opEncodeFloat(ctx context.Context, m *Machine, _ operand, _ tuple.Tuple) error {
	b, err := m.stack.PopBytes(ctx)
	if err != nil {
		return err
	}
	if len(b) < 4 {
		return NewAssertionError("ENCODE_FLOAT needs 4 bytes, got %d", len(b))
	}
	v := math.Float32frombits(binary.BigEndian.Uint32(b))
	f := Float{Value: v}
	if math.IsNaN(float64(v)) {
		f.Raw = bytes.Clone(b[:4])
	}
	m.push(f)
	return nil
}

func opEncodeDouble(ctx context.Context, m *Machine, _ operand, _ tuple.Tuple) error {
	b, err := m.stack.PopBytes(ctx)
	if err != nil {
		return err
	}
	if len(b) < 8 {
		return NewAssertionError("ENCODE_DOUBLE needs 8 bytes, got %d", len(b))
	}
	v := math.Float64frombits(binary.BigEndian.Uint64(b))
	d := Double{Value: v}
	if math.IsNaN(v) {
		d.Raw = bytes.Clone(b[:8])
	}
	m.push(d)
	return nil
}

func opDecodeFloat(ctx context.Context, m *Machine, _ operand, _ tuple.Tuple) error {
	item, err := m.stack.popItem(ctx)
	if err != nil {
		return err
	}
	f, ok := item.Value.(Float)
	if !ok {
		return NewTypeMismatchError(item.Value, item.InstructionIndex, "float")
	}
	m.push(f.Bytes())
	return nil
}

func opDecodeDouble(ctx context.Context, m *Machine, _ operand, _ tuple.Tuple) error {
	item, err := m.stack.popItem(ctx)
	if err != nil {
		return err
	}
	d, ok := item.Value.(Double)
	if !ok {
		return NewTypeMismatchError(item.Value, item.InstructionIndex, "double")
	}
	m.push(d.Bytes())
	return nil
}
