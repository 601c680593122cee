package harness

import (
	"math/big"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bindingtester/internal/tuple"
)

func TestDecodeValue(t *testing.T) {
	huge, _ := new(big.Int).SetString("-123456789012345678901234567890", 10)
	id := uuid.MustParse("00112233-4455-6677-8899-aabbccddeeff")

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"string", "s", "s"},
		{"int", 7, int64(7)},
		{"double", 2.5, 2.5},
		{"bool", true, true},
		{"bytes", map[string]any{"bytes": "ab"}, []byte("ab")},
		{"hex", map[string]any{"hex": "00ff"}, []byte{0x00, 0xff}},
		{"big int", map[string]any{"int": "-123456789012345678901234567890"}, huge},
		{"float", map[string]any{"float": 1.5}, float32(1.5)},
		{"uuid", map[string]any{"uuid": id.String()}, id},
		{"nested", []any{"a", 1}, tuple.Tuple{"a", int64(1)}},
		{"packed", map[string]any{"packed": []any{"a", 1}}, tuple.Tuple{"a", 1}.MustPack()},
		{"error", map[string]any{"error": "1020"}, tuple.Tuple{[]byte("ERROR"), []byte("1020")}.MustPack()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeValue(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeValue_Errors(t *testing.T) {
	for _, in := range []any{
		map[string]any{"bytes": "a", "hex": "00"},
		map[string]any{"hex": "zz"},
		map[string]any{"int": "1.5"},
		map[string]any{"uuid": "nope"},
		map[string]any{"packed": "a"},
		struct{}{},
	} {
		_, err := DecodeValue(in)
		assert.Error(t, err, "%v", in)
	}
}

func TestDecodeBytes(t *testing.T) {
	b, err := DecodeBytes("plain")
	require.NoError(t, err)
	assert.Equal(t, []byte("plain"), b)

	_, err = DecodeBytes(3)
	assert.ErrorContains(t, err, "want a byte string")
}

func TestEncodeInstruction(t *testing.T) {
	got, err := encodeInstruction([]any{"PUSH", map[string]any{"bytes": "x"}})
	require.NoError(t, err)
	assert.Equal(t, tuple.Tuple{"PUSH", []byte("x")}.MustPack(), got)

	_, err = encodeInstruction(nil)
	assert.Error(t, err)
	_, err = encodeInstruction([]any{3})
	assert.Error(t, err)
}
