package engine

import (
	"context"
	"math"
	"math/big"

	"github.com/roach88/bindingtester/internal/kv"
)

// StackItem is one entry of a machine's value stack.
type StackItem struct {
	// InstructionIndex is the index of the instruction that pushed Value.
	InstructionIndex int

	// Value is one of string, []byte, *big.Int, bool, nil, uuid.UUID,
	// tuple.Versionstamp, tuple.Tuple, Float, Double or *Pending.
	Value any
}

// Stack is a LIFO of stack items; index 0 is the oldest.
//
// Thread-safety: Stack is owned by one machine and is not safe for
// concurrent use.
type Stack struct {
	items []StackItem
}

// Push appends v, recording the producing instruction.
func (s *Stack) Push(index int, v any) {
	s.items = append(s.items, StackItem{InstructionIndex: index, Value: v})
}

// Len returns the number of items.
func (s *Stack) Len() int {
	return len(s.items)
}

// Items returns a copy of the stack, oldest first.
func (s *Stack) Items() []StackItem {
	return append([]StackItem(nil), s.items...)
}

// Top returns the newest item without removing it.
func (s *Stack) Top() (StackItem, bool) {
	if len(s.items) == 0 {
		return StackItem{}, false
	}
	return s.items[len(s.items)-1], true
}

// Clear empties the stack.
func (s *Stack) Clear() {
	s.items = s.items[:0]
}

// Swap exchanges the top item with the item depth positions below it.
func (s *Stack) Swap(depth int) error {
	if depth < 0 || depth >= len(s.items) {
		return NewAssertionError("swap depth %d out of range for stack of %d", depth, len(s.items))
	}
	top := len(s.items) - 1
	s.items[top], s.items[top-depth] = s.items[top-depth], s.items[top]
	return nil
}

// popItem removes the newest item and resolves a pending value.
func (s *Stack) popItem(ctx context.Context) (StackItem, error) {
	if len(s.items) == 0 {
		return StackItem{}, NewStackUnderflowError()
	}
	item := s.items[len(s.items)-1]
	s.items = s.items[:len(s.items)-1]
	if p, ok := item.Value.(*Pending); ok {
		v, err := p.resolve(ctx)
		if err != nil {
			return StackItem{}, err
		}
		item.Value = v
	}
	return item, nil
}

// Pop removes the newest item and returns its resolved value.
func (s *Stack) Pop(ctx context.Context) (any, error) {
	item, err := s.popItem(ctx)
	return item.Value, err
}

// pop removes the newest item and checks it with accept.
func pop[T any](ctx context.Context, s *Stack, want string, accept func(any) (T, bool)) (T, error) {
	var zero T
	item, err := s.popItem(ctx)
	if err != nil {
		return zero, err
	}
	v, ok := accept(item.Value)
	if !ok {
		return zero, NewTypeMismatchError(item.Value, item.InstructionIndex, want)
	}
	return v, nil
}

// PopString pops a string.
func (s *Stack) PopString(ctx context.Context) (string, error) {
	return pop(ctx, s, "string", func(v any) (string, bool) {
		x, ok := v.(string)
		return x, ok
	})
}

// PopBool pops an integer that must be 0 or 1.
func (s *Stack) PopBool(ctx context.Context) (bool, error) {
	return pop(ctx, s, "bool", func(v any) (bool, bool) {
		x, ok := v.(*big.Int)
		if !ok || !x.IsInt64() {
			return false, false
		}
		switch x.Int64() {
		case 0:
			return false, true
		case 1:
			return true, true
		}
		return false, false
	})
}

// PopInt pops an integer of any size.
func (s *Stack) PopInt(ctx context.Context) (*big.Int, error) {
	return pop(ctx, s, "int", func(v any) (*big.Int, bool) {
		x, ok := v.(*big.Int)
		return x, ok
	})
}

// PopSmallInt pops an integer that fits in an int.
func (s *Stack) PopSmallInt(ctx context.Context) (int, error) {
	return pop(ctx, s, "int", func(v any) (int, bool) {
		x, ok := v.(*big.Int)
		if !ok || !x.IsInt64() || x.Int64() > math.MaxInt || x.Int64() < math.MinInt {
			return 0, false
		}
		return int(x.Int64()), true
	})
}

// PopBytes pops a byte string.
func (s *Stack) PopBytes(ctx context.Context) ([]byte, error) {
	return pop(ctx, s, "buf", func(v any) ([]byte, bool) {
		x, ok := v.([]byte)
		return x, ok
	})
}

// PopStringOrBytes pops a string or byte string, returned as bytes. The
// second result reports whether the value was a string.
func (s *Stack) PopStringOrBytes(ctx context.Context) ([]byte, bool, error) {
	type strbuf struct {
		b   []byte
		str bool
	}
	v, err := pop(ctx, s, "buf|str", func(v any) (strbuf, bool) {
		switch x := v.(type) {
		case string:
			return strbuf{b: []byte(x), str: true}, true
		case []byte:
			return strbuf{b: x}, true
		}
		return strbuf{}, false
	})
	return v.b, v.str, err
}

// PopNullableBytes pops nil or a byte string.
func (s *Stack) PopNullableBytes(ctx context.Context) ([]byte, error) {
	return pop(ctx, s, "buf|null", func(v any) ([]byte, bool) {
		if v == nil {
			return nil, true
		}
		x, ok := v.([]byte)
		return x, ok
	})
}

// PopSelector pops a key, an or-equal flag and an offset, in that order.
func (s *Stack) PopSelector(ctx context.Context) (kv.KeySelector, error) {
	key, err := s.PopBytes(ctx)
	if err != nil {
		return kv.KeySelector{}, err
	}
	orEqual, err := s.PopBool(ctx)
	if err != nil {
		return kv.KeySelector{}, err
	}
	offset, err := s.PopSmallInt(ctx)
	if err != nil {
		return kv.KeySelector{}, err
	}
	return kv.KeySelector{Key: key, OrEqual: orEqual, Offset: offset}, nil
}

// PopValues pops a count n and then n values. The first value popped is
// first in the result.
func (s *Stack) PopValues(ctx context.Context) ([]any, error) {
	n, err := s.PopSmallInt(ctx)
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, NewAssertionError("negative value count %d", n)
	}
	out := make([]any, 0, n)
	for range n {
		v, err := s.Pop(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// PopPath pops a count n and then n strings naming a directory path.
func (s *Stack) PopPath(ctx context.Context) ([]string, error) {
	values, err := s.PopValues(ctx)
	if err != nil {
		return nil, err
	}
	path := make([]string, len(values))
	for i, v := range values {
		p, ok := v.(string)
		if !ok {
			return nil, NewAssertionError("path element %s is not a string", describe(v))
		}
		path[i] = p
	}
	return path, nil
}
