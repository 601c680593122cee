package tuple

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// String renders the tuple in a readable, stable form, e.g.
// ("a", b"\x00k", 3, (true, nil)).
func (t Tuple) String() string {
	parts := make([]string, len(t))
	for i, e := range t {
		parts[i] = FormatElement(e)
	}
	if len(parts) == 1 {
		return "(" + parts[0] + ",)"
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// FormatElement renders a single tuple element.
func FormatElement(e any) string {
	switch v := e.(type) {
	case nil:
		return "nil"
	case []byte:
		return "b" + PrintableBytes(v)
	case string:
		return strconv.Quote(v)
	case *big.Int:
		return v.String()
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32) + "f"
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case uuid.UUID:
		return "UUID(" + v.String() + ")"
	case Tuple:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// PrintableBytes quotes b with printable ASCII kept and every other byte
// escaped as \xNN.
func PrintableBytes(b []byte) string {
	var sb strings.Builder
	sb.WriteByte('"')
	for _, c := range b {
		switch {
		case c == '\\':
			sb.WriteString(`\\`)
		case c == '"':
			sb.WriteString(`\"`)
		case c >= 0x20 && c < 0x7f:
			sb.WriteByte(c)
		default:
			fmt.Fprintf(&sb, `\x%02x`, c)
		}
	}
	sb.WriteByte('"')
	return sb.String()
}
