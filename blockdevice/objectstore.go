package blockdevice

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/utahoram/pathoram/errs"
)

// errObjectNotFound is the internal not-found sentinel used between an
// ObjectStore and the objectDevice that wraps it, mirroring
// persistent.ErrObjectNotFound. A missing metadata object is translated to
// errs.ErrNotFound when a device is opened; a missing block surfaces from
// ReadBlock wrapped in errs.ErrBackendIO.
var errObjectNotFound = errors.New("blockdevice: object not found")

// ObjectStore is the minimal interface a remote object-storage provider
// implements: get/set/delete by opaque string key. s3.go, b2.go and gcs.go
// each implement this; objectDevice turns any ObjectStore into a Device.
type ObjectStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// ObjectStoreOps counts operations against any ObjectStore-backed Device,
// labeled by backend and operation. Unifies what would otherwise be
// separate per-backend S3Ops/B2Ops/GCSOps counters into one vector so every
// remote backend reports through the same metric family.
var ObjectStoreOps = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pathoram_object_store_ops",
		Help: "The number of operations against an ObjectStore-backed block device, by backend and outcome.",
	},
	[]string{"backend", "operation", "success"},
)

func blockKey(i int64) string {
	return fmt.Sprintf("block/%016x", i)
}

// retryStore wraps an ObjectStore, making up to attempts tries in total per
// request (a not-found Get is not retried). Modeled on persistent/object_storage.go's `retry` type.
type retryStore struct {
	base     ObjectStore
	attempts int
}

// NewRetry wraps base so that failed requests are retried. attempts must be
// at least 1.
func NewRetry(base ObjectStore, attempts int) (ObjectStore, error) {
	if attempts <= 0 {
		return nil, fmt.Errorf("%w: attempts must be positive", errs.ErrInvalidArgument)
	}
	return &retryStore{base, attempts}, nil
}

func (r *retryStore) Get(ctx context.Context, key string) (data []byte, err error) {
	for i := 0; i < r.attempts; i++ {
		data, err = r.base.Get(ctx, key)
		if err == nil || errors.Is(err, errObjectNotFound) {
			return data, err
		}
	}
	return nil, err
}

func (r *retryStore) Set(ctx context.Context, key string, data []byte) (err error) {
	for i := 0; i < r.attempts; i++ {
		if err = r.base.Set(ctx, key, data); err == nil {
			return nil
		}
	}
	return err
}

func (r *retryStore) Delete(ctx context.Context, key string) (err error) {
	for i := 0; i < r.attempts; i++ {
		if err = r.base.Delete(ctx, key); err == nil {
			return nil
		}
	}
	return err
}

// objectDevice adapts any ObjectStore into a Device, storing each block
// under its own key, plus three small metadata objects ("meta", "header" and
// "lock").
// Writes are routed through a WAL so that WriteBlocks (the full-path
// writeback the ORAM engine issues every access) commits atomically even
// though the underlying store has no native multi-key transactions.
type objectDevice struct {
	name  string
	store ObjectStore
	wal   *WAL

	blockSize  int
	blockCount int64
	userHdrLen int
}

func metaKey() string   { return "meta" }
func headerKey() string { return "header" }
func lockKey() string   { return "lock" }

func encodeMeta(blockSize int, blockCount int64, userHdrLen int) []byte {
	buf := make([]byte, 20)
	binary.BigEndian.PutUint32(buf[0:4], uint32(blockSize))
	binary.BigEndian.PutUint64(buf[4:12], uint64(blockCount))
	binary.BigEndian.PutUint32(buf[12:16], uint32(userHdrLen))
	return buf
}

func decodeMeta(b []byte) (blockSize int, blockCount int64, userHdrLen int, err error) {
	if len(b) < 16 {
		return 0, 0, 0, fmt.Errorf("%w: metadata object is truncated", errs.ErrNotFound)
	}
	blockSize = int(binary.BigEndian.Uint32(b[0:4]))
	blockCount = int64(binary.BigEndian.Uint64(b[4:12]))
	userHdrLen = int(binary.BigEndian.Uint32(b[12:16]))
	return blockSize, blockCount, userHdrLen, nil
}

// newObjectDevice performs Setup over store: writes the metadata object, the
// header, the lock marker (set, since the returned device holds the lock
// until Close), and every initial block.
func newObjectDevice(ctx context.Context, backend, walDir string, store ObjectStore, opts SetupOptions) (Device, error) {
	if _, err := store.Get(ctx, metaKey()); err == nil {
		if !opts.IgnoreExisting {
			return nil, errs.ErrAlreadyExists
		}
	} else if !errors.Is(err, errObjectNotFound) {
		return nil, fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}

	wal, err := NewWAL(walDir, store, backend)
	if err != nil {
		return nil, err
	}

	dev := &objectDevice{
		name:       backend,
		store:      store,
		wal:        wal,
		blockSize:  opts.BlockSize,
		blockCount: opts.BlockCount,
		userHdrLen: len(opts.HeaderData),
	}

	writes := map[string][]byte{
		metaKey():   encodeMeta(opts.BlockSize, opts.BlockCount, len(opts.HeaderData)),
		headerKey(): dup(opts.HeaderData),
		lockKey():   {1},
	}
	for i := int64(0); i < opts.BlockCount; i++ {
		block := make([]byte, opts.BlockSize)
		if opts.Initialize != nil {
			copy(block, opts.Initialize(i))
		}
		writes[blockKey(i)] = block
	}
	if err := wal.Commit(ctx, writes); err != nil {
		return nil, err
	}
	return dev, nil
}

func openObjectDevice(ctx context.Context, backend, walDir string, store ObjectStore, opts OpenOptions) (Device, error) {
	raw, err := store.Get(ctx, metaKey())
	if errors.Is(err, errObjectNotFound) {
		return nil, errs.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	blockSize, blockCount, userHdrLen, err := decodeMeta(raw)
	if err != nil {
		return nil, err
	}

	lockVal, err := store.Get(ctx, lockKey())
	if err != nil && !errors.Is(err, errObjectNotFound) {
		return nil, fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	if len(lockVal) > 0 && lockVal[0] != 0 && !opts.IgnoreLock {
		return nil, errs.ErrLocked
	}

	wal, err := NewWAL(walDir, store, backend)
	if err != nil {
		return nil, err
	}
	if err := wal.Commit(ctx, map[string][]byte{lockKey(): {1}}); err != nil {
		return nil, err
	}

	return &objectDevice{
		name:       backend,
		store:      store,
		wal:        wal,
		blockSize:  blockSize,
		blockCount: blockCount,
		userHdrLen: userHdrLen,
	}, nil
}

func (od *objectDevice) BlockSize() int    { return od.blockSize }
func (od *objectDevice) BlockCount() int64 { return od.blockCount }

func (od *objectDevice) HeaderData() []byte {
	raw, err := od.store.Get(context.Background(), headerKey())
	if err != nil {
		return nil
	}
	return raw
}

func (od *objectDevice) ReadBlock(ctx context.Context, i int64) ([]byte, error) {
	if i < 0 || i >= od.blockCount {
		return nil, fmt.Errorf("%w: block index %d out of range", errs.ErrInvalidArgument, i)
	}
	data, err := od.wal.Get(ctx, blockKey(i))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	return data, nil
}

func (od *objectDevice) WriteBlock(ctx context.Context, i int64, block []byte) error {
	return od.WriteBlocks(ctx, map[int64][]byte{i: block})
}

func (od *objectDevice) ReadBlocks(ctx context.Context, indices []int64) (map[int64][]byte, error) {
	out := make(map[int64][]byte, len(indices))
	for _, i := range indices {
		b, err := od.ReadBlock(ctx, i)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func (od *objectDevice) WriteBlocks(ctx context.Context, blocks map[int64][]byte) error {
	writes := make(map[string][]byte, len(blocks))
	for i, b := range blocks {
		if i < 0 || i >= od.blockCount {
			return fmt.Errorf("%w: block index %d out of range", errs.ErrInvalidArgument, i)
		}
		if len(b) != od.blockSize {
			return fmt.Errorf("%w: block has length %d, want %d", errs.ErrInvalidArgument, len(b), od.blockSize)
		}
		writes[blockKey(i)] = b
	}
	if err := od.wal.Commit(ctx, writes); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	return nil
}

func (od *objectDevice) UpdateHeaderData(ctx context.Context, newHeader []byte) error {
	if len(newHeader) != od.userHdrLen {
		return fmt.Errorf("%w: new header length %d != old length %d", errs.ErrInvalidArgument, len(newHeader), od.userHdrLen)
	}
	return od.wal.Commit(ctx, map[string][]byte{headerKey(): dup(newHeader)})
}

func (od *objectDevice) Close(ctx context.Context) error {
	if err := od.wal.Commit(ctx, map[string][]byte{lockKey(): {0}}); err != nil {
		return err
	}
	return od.wal.Close()
}
