package harness

import (
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"github.com/roach88/bindingtester/internal/tuple"
)

// DecodeValue converts a YAML operand into a tuple element. See the package
// documentation for the accepted forms.
func DecodeValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, string, bool, float64:
		return x, nil
	case int:
		return int64(x), nil
	case int64, uint64:
		return x, nil
	case []any:
		t := make(tuple.Tuple, len(x))
		for i, e := range x {
			d, err := DecodeValue(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			t[i] = d
		}
		return t, nil
	case map[string]any:
		return decodeTagged(x)
	default:
		return nil, fmt.Errorf("unsupported operand %T", v)
	}
}

func decodeTagged(m map[string]any) (any, error) {
	if len(m) != 1 {
		return nil, fmt.Errorf("tagged value needs exactly one key, got %d", len(m))
	}
	for tag, raw := range m {
		switch tag {
		case "bytes":
			s, ok := raw.(string)
			if !ok {
				return nil, fmt.Errorf("bytes: want string, got %T", raw)
			}
			return []byte(s), nil
		case "hex":
			s, ok := raw.(string)
			if !ok {
				return nil, fmt.Errorf("hex: want string, got %T", raw)
			}
			b, err := hex.DecodeString(s)
			if err != nil {
				return nil, fmt.Errorf("hex: %w", err)
			}
			return b, nil
		case "int":
			s := fmt.Sprint(raw)
			i, ok := new(big.Int).SetString(s, 10)
			if !ok {
				return nil, fmt.Errorf("int: %q is not a decimal integer", s)
			}
			return i, nil
		case "float":
			switch f := raw.(type) {
			case float64:
				return float32(f), nil
			case int:
				return float32(f), nil
			default:
				return nil, fmt.Errorf("float: want number, got %T", raw)
			}
		case "uuid":
			s, ok := raw.(string)
			if !ok {
				return nil, fmt.Errorf("uuid: want string, got %T", raw)
			}
			u, err := uuid.Parse(s)
			if err != nil {
				return nil, fmt.Errorf("uuid: %w", err)
			}
			return u, nil
		case "packed":
			list, ok := raw.([]any)
			if !ok {
				return nil, fmt.Errorf("packed: want list, got %T", raw)
			}
			t, err := DecodeValue(list)
			if err != nil {
				return nil, fmt.Errorf("packed: %w", err)
			}
			return t.(tuple.Tuple).Pack()
		case "error":
			code := fmt.Sprint(raw)
			return tuple.Tuple{[]byte("ERROR"), []byte(code)}.Pack()
		default:
			return nil, fmt.Errorf("unknown value tag %q", tag)
		}
	}
	panic("unreachable")
}

// DecodeBytes decodes v and requires a byte string. Plain strings are taken
// as their UTF-8 bytes.
func DecodeBytes(v any) ([]byte, error) {
	d, err := DecodeValue(v)
	if err != nil {
		return nil, err
	}
	switch b := d.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		return nil, fmt.Errorf("want a byte string, got %s", tuple.FormatElement(d))
	}
}

// encodeInstruction packs one instruction: an opcode name followed by its
// decoded operands.
func encodeInstruction(raw []any) ([]byte, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty instruction")
	}
	opcode, ok := raw[0].(string)
	if !ok || opcode == "" {
		return nil, fmt.Errorf("opcode must be a non-empty string, got %v", raw[0])
	}
	t := tuple.Tuple{opcode}
	for i, operand := range raw[1:] {
		v, err := DecodeValue(operand)
		if err != nil {
			return nil, fmt.Errorf("operand %d: %w", i, err)
		}
		t = append(t, v)
	}
	return t.Pack()
}
