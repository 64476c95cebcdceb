package pathoram

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/utahoram/pathoram/blockdevice"
)

var registerMemoryOnce sync.Once

func ensureMemoryBackend() {
	registerMemoryOnce.Do(func() {
		if err := blockdevice.RegisterMemory(); err != nil {
			panic(err)
		}
	})
}

func testKey() []byte {
	k := make([]byte, 32)
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func TestHeightForDegenerateAndGrowingCases(t *testing.T) {
	cases := []struct {
		m, z, k int64
		want    int
	}{
		{4, 4, 2, 0},
		{1, 4, 2, 0},
		{5, 4, 2, 1},
		{100, 4, 2, 5},
	}
	for _, c := range cases {
		got := heightFor(c.m, int(c.z), int(c.k))
		require.Equal(t, c.want, got, "heightFor(%d, %d, %d)", c.m, c.z, c.k)
	}
}

func TestEncodeDecodeEngineHeaderRoundTrip(t *testing.T) {
	caller := []byte("caller-supplied-bytes")
	raw := encodeEngineHeader(1000, 4, 2, 5, 16, caller)
	m, z, k, h, s, gotCaller, err := decodeEngineHeader(raw)
	require.NoError(t, err)
	require.EqualValues(t, 1000, m)
	require.Equal(t, 4, z)
	require.Equal(t, 2, k)
	require.Equal(t, 5, h)
	require.Equal(t, 16, s)
	require.Equal(t, caller, gotCaller)
}

func TestDecodeEngineHeaderRejectsShortInput(t *testing.T) {
	_, _, _, _, _, _, err := decodeEngineHeader([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestEngineSetupAccessRoundTrip(t *testing.T) {
	ensureMemoryBackend()
	ctx := context.Background()

	e, err := Setup(ctx, SetupOptions{
		BlockSize:      16,
		BlockCount:     20,
		StorageTag:     "memory",
		StorageName:    "setup-access-round-trip",
		Key:            testKey(),
		BucketCapacity: 4,
		HeapArity:      2,
	})
	require.NoError(t, err)
	defer e.Close(ctx)

	initial, err := e.Access(ctx, OpRead, 3, nil)
	require.NoError(t, err)
	require.Len(t, initial, 16)

	payload := make([]byte, 16)
	copy(payload, "hello, block 3!!")
	_, err = e.Access(ctx, OpWrite, 3, payload)
	require.NoError(t, err)

	got, err := e.Access(ctx, OpRead, 3, nil)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	// A handful of further accesses across other ids must not disturb the
	// value written above (each Access reassigns the leaf of its own block
	// and re-evicts unrelated ones pulled off the same path).
	for id := int64(0); id < 20; id++ {
		if id == 3 {
			continue
		}
		_, err := e.Access(ctx, OpRead, id, nil)
		require.NoErrorf(t, err, "Access(%d)", id)
	}
	got, err = e.Access(ctx, OpRead, 3, nil)
	require.NoError(t, err)
	require.Equal(t, payload, got, "block 3 must survive unrelated accesses")
}

func TestEngineAccessRejectsOutOfRangeID(t *testing.T) {
	ensureMemoryBackend()
	ctx := context.Background()

	e, err := Setup(ctx, SetupOptions{
		BlockSize:   16,
		BlockCount:  10,
		StorageTag:  "memory",
		StorageName: "out-of-range-id",
		Key:         testKey(),
	})
	require.NoError(t, err)
	defer e.Close(ctx)

	_, err = e.Access(ctx, OpRead, -1, nil)
	require.Error(t, err)
	_, err = e.Access(ctx, OpRead, 10, nil)
	require.Error(t, err)
}

func TestEngineAccessRejectsWrongLengthWrite(t *testing.T) {
	ensureMemoryBackend()
	ctx := context.Background()

	e, err := Setup(ctx, SetupOptions{
		BlockSize:   16,
		BlockCount:  10,
		StorageTag:  "memory",
		StorageName: "wrong-length-write",
		Key:         testKey(),
	})
	require.NoError(t, err)
	defer e.Close(ctx)

	_, err = e.Access(ctx, OpWrite, 0, []byte("too short"))
	require.Error(t, err)
}

func TestEngineGeneratesAndExposesKeyWhenNoneSupplied(t *testing.T) {
	ensureMemoryBackend()
	ctx := context.Background()

	e, err := Setup(ctx, SetupOptions{
		BlockSize:   16,
		BlockCount:  10,
		StorageTag:  "memory",
		StorageName: "generated-key",
		KeySize:     32,
	})
	require.NoError(t, err)
	defer e.Close(ctx)

	require.Len(t, e.Key(), 32)
}

func TestEngineReopenPersistsStateAcrossSessions(t *testing.T) {
	ensureMemoryBackend()
	ctx := context.Background()
	key := testKey()
	statePath := filepath.Join(t.TempDir(), "state.db")

	e, err := Setup(ctx, SetupOptions{
		BlockSize:      16,
		BlockCount:     20,
		StorageTag:     "memory",
		StorageName:    "reopen-persists-state",
		Key:            key,
		LocalStatePath: statePath,
	})
	require.NoError(t, err)

	payload := make([]byte, 16)
	copy(payload, "persisted value!")
	_, err = e.Access(ctx, OpWrite, 7, payload)
	require.NoError(t, err)
	require.NoError(t, e.Close(ctx))

	reopened, err := Open(ctx, OpenOptions{
		StorageTag:     "memory",
		StorageName:    "reopen-persists-state",
		Key:            key,
		LocalStatePath: statePath,
	})
	require.NoError(t, err)
	defer reopened.Close(ctx)

	got, err := reopened.Access(ctx, OpRead, 7, nil)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestOpenRejectsMissingLocalStatePath(t *testing.T) {
	ensureMemoryBackend()
	ctx := context.Background()
	key := testKey()

	e, err := Setup(ctx, SetupOptions{
		BlockSize:   16,
		BlockCount:  10,
		StorageTag:  "memory",
		StorageName: "missing-local-state-path",
		Key:         key,
	})
	require.NoError(t, err)
	require.NoError(t, e.Close(ctx))

	_, err = Open(ctx, OpenOptions{
		StorageTag:  "memory",
		StorageName: "missing-local-state-path",
		Key:         key,
	})
	require.Error(t, err)
}

func TestEngineHeaderDataRoundTrip(t *testing.T) {
	ensureMemoryBackend()
	ctx := context.Background()

	e, err := Setup(ctx, SetupOptions{
		BlockSize:   16,
		BlockCount:  10,
		StorageTag:  "memory",
		StorageName: "header-data-round-trip",
		Key:         testKey(),
		HeaderData:  []byte("caller header"),
	})
	require.NoError(t, err)
	defer e.Close(ctx)

	require.Equal(t, "caller header", string(e.HeaderData()))
}
