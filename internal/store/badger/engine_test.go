package badger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bindingtester/internal/kv"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func sets(kvs ...string) kv.Batch {
	var b kv.Batch
	for i := 0; i+1 < len(kvs); i += 2 {
		b.Writes = append(b.Writes, kv.Write{Key: []byte(kvs[i]), Value: []byte(kvs[i+1])})
	}
	return b
}

func keys(rows []kv.KeyValue) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = string(r.Key)
	}
	return out
}

func TestEngine_GetVersionVisibility(t *testing.T) {
	e := openTestEngine(t)
	require.NoError(t, e.Apply(10, sets("k", "v1")))
	require.NoError(t, e.Apply(20, sets("k", "v2")))

	_, ok, err := e.Get(5, []byte("k"))
	require.NoError(t, err)
	assert.False(t, ok)

	got, ok, err := e.Get(15, []byte("k"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v1", string(got))

	got, _, err = e.Get(20, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))
}

func TestEngine_EmptyKeyAndValue(t *testing.T) {
	e := openTestEngine(t)
	require.NoError(t, e.Apply(1, sets("", "root", "e", "")))

	got, ok, err := e.Get(1, []byte(""))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "root", string(got))

	got, ok, err = e.Get(1, []byte("e"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestEngine_Scan(t *testing.T) {
	e := openTestEngine(t)
	require.NoError(t, e.Apply(1, sets("b", "2", "a", "1", "\x00", "0", "c", "3")))

	rows, err := e.Scan(1, []byte(""), []byte("c"), 0, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"\x00", "a", "b"}, keys(rows))

	rows, err = e.Scan(1, []byte("a"), []byte("c"), 0, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, keys(rows))

	rows, err = e.Scan(1, []byte("a"), []byte("d"), 2, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, keys(rows))

	rows, err = e.Scan(1, []byte("x"), []byte("z"), 0, false)
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
}

func TestEngine_ClearRange(t *testing.T) {
	e := openTestEngine(t)
	require.NoError(t, e.Apply(1, sets("a", "1", "b", "2", "c", "3")))
	require.NoError(t, e.Apply(2, kv.Batch{
		Clears: []kv.KeyRange{
			{Begin: []byte("a"), End: []byte("c")},
			{Begin: []byte("a"), End: []byte("b\x00")},
		},
		Writes: []kv.Write{{Key: []byte("b"), Value: []byte("kept")}},
	}))

	rows, err := e.Scan(2, []byte(""), []byte("\xff"), 0, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, keys(rows))
	assert.Equal(t, "kept", string(rows[0].Value))

	rows, err = e.Scan(1, []byte(""), []byte("\xff"), 0, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, keys(rows))
}

func TestEngine_Delete(t *testing.T) {
	e := openTestEngine(t)
	require.NoError(t, e.Apply(1, sets("k", "v")))
	require.NoError(t, e.Apply(2, kv.Batch{Writes: []kv.Write{{Key: []byte("k"), Delete: true}}}))

	_, ok, err := e.Get(2, []byte("k"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = e.Get(1, []byte("k"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEngine_LatestVersion(t *testing.T) {
	e := openTestEngine(t)

	v, err := e.LatestVersion()
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	require.NoError(t, e.Apply(7, sets("a", "1")))
	require.NoError(t, e.Apply(9, kv.Batch{}))

	v, err = e.LatestVersion()
	require.NoError(t, err)
	assert.Equal(t, int64(9), v)
}

func TestEngine_BacksDatabase(t *testing.T) {
	e := openTestEngine(t)
	db, err := kv.Open(e, kv.MaxAPIVersion)
	require.NoError(t, err)

	_, err = db.Transact(func(tr *kv.Transaction) (any, error) {
		return nil, tr.Set([]byte("hello"), []byte("world"))
	})
	require.NoError(t, err)

	got, err := db.ReadTransact(func(rt kv.ReadTransaction) (any, error) {
		return rt.Get([]byte("hello"))
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), got)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestOpen_Persistent(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	require.NoError(t, e.Apply(3, sets("p", "q")))
	require.NoError(t, e.Close())

	e, err = Open(DefaultConfig(dir))
	require.NoError(t, err)
	defer e.Close()

	got, ok, err := e.Get(3, []byte("p"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "q", string(got))
}
