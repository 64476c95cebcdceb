package pathoram

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryPositionMapGetSet(t *testing.T) {
	p := newMemoryPositionMap(16)
	_, ok, err := p.Get(1)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, p.Set(1, 42))
	leaf, ok, err := p.Get(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(42), leaf)
}

func TestEncodeDecodePositionMapRoundTrip(t *testing.T) {
	p := newMemoryPositionMap(4)
	p.m[1] = 10
	p.m[2] = 20
	p.m[3] = 30

	raw := encodePositionMap(p)
	require.Zero(t, len(raw)%16, "encoded length must be a multiple of 16")

	decoded, err := decodePositionMap(raw)
	require.NoError(t, err)
	for id, leaf := range p.m {
		got, ok := decoded.m[id]
		require.True(t, ok)
		require.Equal(t, leaf, got)
	}
}

func TestDecodePositionMapRejectsBadLength(t *testing.T) {
	_, err := decodePositionMap([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestSQLitePositionMapGetSetAndCache(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	p, err := newSQLitePositionMapFromDB(db, 8)
	require.NoError(t, err)

	_, ok, err := p.Get(1)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, p.Set(1, 7))
	leaf, ok, err := p.Get(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(7), leaf)

	require.NoError(t, p.Set(1, 9))
	leaf, ok, err = p.Get(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(9), leaf)
}

func TestSQLitePositionMapPersistsAcrossCacheEviction(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	p, err := newSQLitePositionMapFromDB(db, 1)
	require.NoError(t, err)

	require.NoError(t, p.Set(1, 100))
	// Setting a second id with cache size 1 evicts id 1 from the cache, so
	// this Get must fall through to the database.
	require.NoError(t, p.Set(2, 200))

	leaf, ok, err := p.Get(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(100), leaf)
}
