package cluster

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bindingtester/internal/kv"
)

func TestParseDescriptor(t *testing.T) {
	tests := []struct {
		in   string
		want Descriptor
	}{
		{"", Descriptor{Kind: KindMemory}},
		{"memory", Descriptor{Kind: KindMemory}},
		{"badger-memory", Descriptor{Kind: KindMemory}},
		{"badger:/tmp/db", Descriptor{Kind: KindBadger, Path: "/tmp/db"}},
		{"sqlite::memory:", Descriptor{Kind: KindSQLite, Path: ":memory:"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDescriptor(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDescriptor_Unknown(t *testing.T) {
	for _, in := range []string{"fdb", "redis:localhost", "badger:"} {
		_, err := ParseDescriptor(in)
		assert.ErrorIs(t, err, ErrUnknownDescriptor, in)
	}
}

func TestParseDescriptor_ClusterFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fdb.cluster")
	require.NoError(t, os.WriteFile(path, []byte("\n# local\nsqlite::memory:\n"), 0o600))

	got, err := ParseDescriptor(path)
	require.NoError(t, err)
	assert.Equal(t, Descriptor{Kind: KindSQLite, Path: ":memory:"}, got)
}

func TestParseDescriptor_EmptyClusterFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.cluster")
	require.NoError(t, os.WriteFile(path, []byte("\n\n"), 0o600))

	_, err := ParseDescriptor(path)
	assert.ErrorIs(t, err, ErrUnknownDescriptor)
}

func TestDescriptor_String(t *testing.T) {
	assert.Equal(t, "memory", Descriptor{Kind: KindMemory}.String())
	assert.Equal(t, "badger:/x", Descriptor{Kind: KindBadger, Path: "/x"}.String())
}

func TestOpen_Engines(t *testing.T) {
	dir := t.TempDir()
	for _, desc := range []string{
		"memory",
		"badger:" + filepath.Join(dir, "badger"),
		"sqlite:" + filepath.Join(dir, "kv.db"),
	} {
		t.Run(desc, func(t *testing.T) {
			db, err := Open(context.Background(), desc, kv.MaxAPIVersion, Options{})
			require.NoError(t, err)
			defer db.Close()

			_, err = db.Transact(func(tr *kv.Transaction) (any, error) {
				return nil, tr.Set([]byte("k"), []byte("v"))
			})
			require.NoError(t, err)

			got, err := db.ReadTransact(func(rt kv.ReadTransaction) (any, error) {
				return rt.Get([]byte("k"))
			})
			require.NoError(t, err)
			assert.Equal(t, []byte("v"), got)
		})
	}
}

func TestOpen_BadAPIVersion(t *testing.T) {
	_, err := Open(context.Background(), "memory", 100, Options{})
	require.Error(t, err)
	kerr, ok := kv.AsError(err)
	require.True(t, ok)
	assert.Equal(t, kv.CodeAPIVersionNotSupported, kerr.Code)
}
