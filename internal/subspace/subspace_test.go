package subspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bindingtester/internal/tuple"
)

func TestSub_PrefixesPackedElements(t *testing.T) {
	s := Sub("app", int64(1))
	assert.Equal(t, tuple.Tuple{"app", int64(1)}.MustPack(), s.Bytes())

	nested := s.Sub("users")
	want := append(tuple.Tuple{"app", int64(1)}.MustPack(), tuple.Tuple{"users"}.MustPack()...)
	assert.Equal(t, want, nested.Bytes())
}

func TestPackUnpack(t *testing.T) {
	s := FromBytes([]byte("\x15\x01"))
	k, err := s.Pack(tuple.Tuple{"k", []byte{0, 1}})
	require.NoError(t, err)
	assert.True(t, s.Contains(k))

	got, err := s.Unpack(k)
	require.NoError(t, err)
	assert.Equal(t, tuple.Tuple{"k", []byte{0, 1}}, got)
}

func TestUnpack_Strict(t *testing.T) {
	s := FromBytes([]byte("p"))

	_, err := s.Unpack([]byte("q\x02a\x00"))
	assert.ErrorIs(t, err, ErrNotInSubspace)

	// Trailing garbage after a complete element.
	_, err = s.Unpack([]byte("p\x02a\x00\xff"))
	assert.Error(t, err)

	// Unterminated string.
	_, err = s.Unpack([]byte("p\x02abc"))
	assert.Error(t, err)
}

func TestFullRange(t *testing.T) {
	r := FromBytes([]byte("ab")).FullRange()
	assert.Equal(t, []byte("ab\x00"), r.Begin)
	assert.Equal(t, []byte("ab\xff"), r.End)
}

func TestAllKeys(t *testing.T) {
	s := AllKeys()
	assert.Empty(t, s.Bytes())
	assert.True(t, s.Contains([]byte("anything")))
	k, err := s.Pack(tuple.Tuple{int64(5)})
	require.NoError(t, err)
	assert.Equal(t, tuple.Tuple{int64(5)}.MustPack(), k)
}

func TestPackWithVersionstamp(t *testing.T) {
	s := FromBytes([]byte("pre"))
	k, err := s.PackWithVersionstamp(tuple.Tuple{"x", tuple.IncompleteVersionstamp(0)})
	require.NoError(t, err)
	assert.Equal(t, []byte("pre"), k[:3])

	_, err = s.PackWithVersionstamp(tuple.Tuple{"x"})
	assert.ErrorIs(t, err, tuple.ErrNoIncompleteVersionstamp)
}

func TestFromBytes_Copies(t *testing.T) {
	b := []byte("abc")
	s := FromBytes(b)
	b[0] = 'z'
	assert.Equal(t, []byte("abc"), s.Bytes())
}
