// Package pathoram implements an oblivious, block-addressable storage
// engine: a client holding a small, secret position map and stash can read
// or write any of M logical blocks on an untrusted device such that the
// server-observable sequence of physical accesses is independent of which
// logical blocks were actually touched. This is the Path ORAM protocol
// layered on heapstore's heap-backed storage, sealed's encrypted block
// device, and blockdevice's pluggable backends.
package pathoram

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"

	"github.com/utahoram/pathoram/errs"
	"github.com/utahoram/pathoram/heap"
	"github.com/utahoram/pathoram/heapstore"
	"github.com/utahoram/pathoram/sealed"
)

// Op selects the operation Access performs.
type Op int

const (
	OpRead Op = iota
	OpWrite
)

type engineState int

const (
	stateClosed engineState = iota
	stateOpened
	stateAccessing
	stateCorrupt
)

// Engine is a single Path ORAM session over one device. It is not
// reentrant: a second Access call while one is in flight fails with
// ErrInvalidArgument rather than racing with it.
type Engine struct {
	mu    sync.Mutex
	state engineState

	params      heap.Params
	bucketSize  int // Z
	payloadSize int // S
	m           int64

	dev   *sealed.Device
	store *heapstore.Store
	key   []byte

	posMap positionMap
	stash  *stash

	localDB    *sql.DB
	stashStore *stashStore

	metrics  BytesCrossed
	progress ProgressSink
}

// engineHeaderPrefix carries the shape parameters needed to reopen a device
// without the caller re-specifying them: M(8) || Z(4) || K(4) || H(4) || S(4).
// S (the payload size) is included because sealed.Device can't report its
// own BlockSize until BindLogicalSize is called, and BindLogicalSize needs S
// — so S has to come from somewhere that doesn't depend on the device
// already being bound.
const engineHeaderPrefixLen = 24

func encodeEngineHeader(m int64, z, k, h, s int, caller []byte) []byte {
	out := make([]byte, engineHeaderPrefixLen+len(caller))
	binary.BigEndian.PutUint64(out[0:8], uint64(m))
	binary.BigEndian.PutUint32(out[8:12], uint32(z))
	binary.BigEndian.PutUint32(out[12:16], uint32(k))
	binary.BigEndian.PutUint32(out[16:20], uint32(h))
	binary.BigEndian.PutUint32(out[20:24], uint32(s))
	copy(out[24:], caller)
	return out
}

func decodeEngineHeader(raw []byte) (m int64, z, k, h, s int, caller []byte, err error) {
	if len(raw) < engineHeaderPrefixLen {
		return 0, 0, 0, 0, 0, nil, fmt.Errorf("%w: engine header is too short", errs.ErrIntegrityViolation)
	}
	m = int64(binary.BigEndian.Uint64(raw[0:8]))
	z = int(binary.BigEndian.Uint32(raw[8:12]))
	k = int(binary.BigEndian.Uint32(raw[12:16]))
	h = int(binary.BigEndian.Uint32(raw[16:20]))
	s = int(binary.BigEndian.Uint32(raw[20:24]))
	caller = dup(raw[24:])
	return m, z, k, h, s, caller, nil
}

func dup(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func resolveKey(key []byte, keySize int) ([]byte, error) {
	if len(key) > 0 {
		return key, nil
	}
	size := keySize
	if size == 0 {
		size = 32
	}
	switch size {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: key_size must be 16, 24, or 32", errs.ErrInvalidArgument)
	}
	out := make([]byte, size)
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	return out, nil
}

// heightFor computes H = ceil(log_k(M/Z)), the smallest heap height whose
// leaf count can home every one of M logical blocks, with the degenerate
// case M <= Z (everything fits in the root bucket) giving H = 0.
func heightFor(m int64, z, k int) int {
	if m <= int64(z) {
		return 0
	}
	ratio := float64(m) / float64(z)
	h := int(math.Ceil(math.Log(ratio) / math.Log(float64(k))))
	if h < 0 {
		h = 0
	}
	return h
}

// Setup allocates a new Path ORAM device: it fixes the heap shape, draws an
// initial position for every logical block, greedily packs the initial heap
// root-first, spills anything that doesn't fit into the initial stash, and
// flushes everything through the encrypted block layer.
func Setup(ctx context.Context, opts SetupOptions) (*Engine, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	progress := progressOrNoop(opts.Progress)

	z := opts.bucketCapacity()
	k := opts.heapArity()
	h := heightFor(opts.BlockCount, z, k)
	params, err := heap.NewParams(k, h)
	if err != nil {
		return nil, err
	}

	key, err := resolveKey(opts.Key, opts.KeySize)
	if err != nil {
		return nil, err
	}

	bucketContents := make(map[uint64][]heapstore.Record, int(params.BucketCount()))
	freeSlots := make(map[uint64]int, int(params.BucketCount()))
	positions := make(map[int64]uint64, opts.BlockCount)
	var overflow []heapstore.Record

	progress.BeginPath(int(opts.BlockCount))
	for id := int64(0); id < opts.BlockCount; id++ {
		leaf, err := params.RandomLeafBucket()
		if err != nil {
			return nil, err
		}
		positions[id] = leaf

		var payload []byte
		if opts.Initialize != nil {
			payload = opts.Initialize(id)
		}
		if len(payload) != opts.BlockSize {
			full := make([]byte, opts.BlockSize)
			copy(full, payload)
			payload = full
		}

		placed := false
		path := params.PathToRoot(leaf)
		for i := len(path) - 1; i >= 0; i-- { // root-first: PathToRoot is leaf-first
			b := path[i]
			if freeSlots[b] == 0 && bucketContents[b] == nil {
				freeSlots[b] = z
			}
			if freeSlots[b] > 0 {
				bucketContents[b] = append(bucketContents[b], heapstore.Record{ID: id, Payload: payload})
				freeSlots[b]--
				placed = true
				break
			}
		}
		if !placed {
			overflow = append(overflow, heapstore.Record{ID: id, Payload: payload})
		}
		progress.Advance(1)
	}
	progress.Done()

	payloadSize := opts.BlockSize
	bucketBlockSize := heapstore.BucketBlockSize(z, payloadSize)
	sealedHeader := encodeEngineHeader(opts.BlockCount, z, k, h, payloadSize, opts.HeaderData)

	dev, err := sealed.Setup(ctx, opts.StorageTag, opts.StorageName, sealed.SetupOptions{
		BlockSize:  bucketBlockSize,
		BlockCount: int64(params.BucketCount()),
		HeaderData: sealedHeader,
		Initialize: func(i int64) []byte {
			return heapstore.MarshalBucket(z, payloadSize, bucketContents[uint64(i)])
		},
		IgnoreExisting: opts.IgnoreExisting,
		Key:            key,
		Mode:           opts.AESMode,
	})
	if err != nil {
		return nil, err
	}

	store, err := heapstore.Open(params, z, payloadSize, dev)
	if err != nil {
		dev.Close(ctx)
		return nil, err
	}

	e := &Engine{
		params:      params,
		bucketSize:  z,
		payloadSize: payloadSize,
		m:           opts.BlockCount,
		dev:         dev,
		store:       store,
		key:         key,
		stash:       newStash(),
		progress:    progress,
		state:       stateOpened,
	}

	if opts.LocalStatePath != "" {
		db, err := sql.Open("sqlite", opts.LocalStatePath)
		if err != nil {
			dev.Close(ctx)
			return nil, fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
		}
		posMap, err := newSQLitePositionMapFromDB(db, 4096)
		if err != nil {
			db.Close()
			dev.Close(ctx)
			return nil, err
		}
		ss, err := newStashStore(db)
		if err != nil {
			db.Close()
			dev.Close(ctx)
			return nil, err
		}
		e.localDB = db
		e.posMap = posMap
		e.stashStore = ss
	} else {
		e.posMap = newMemoryPositionMap(opts.BlockCount)
	}

	for id, leaf := range positions {
		if err := e.posMap.Set(id, leaf); err != nil {
			e.Close(ctx)
			return nil, err
		}
	}
	for _, rec := range overflow {
		e.stash.Put(rec.ID, positions[rec.ID], rec.Payload)
		if e.stashStore != nil {
			if err := e.stashStore.Put(rec.ID, positions[rec.ID], rec.Payload); err != nil {
				e.Close(ctx)
				return nil, err
			}
		}
	}
	EngineStashSize.Set(float64(e.stash.Len()))

	return e, nil
}

// Open reopens a previously set-up device, restoring the position map and
// stash from LocalStatePath (required — this state is client-owned and
// never recoverable from the untrusted device alone, except for the
// M/Z/k/H/S shape this module mirrors into the device header for
// convenience).
func Open(ctx context.Context, opts OpenOptions) (*Engine, error) {
	if opts.AESMode == sealed.ModeCTR && !opts.AllowUnauthenticatedMode {
		return nil, fmt.Errorf("%w: ModeCTR requires AllowUnauthenticatedMode", errs.ErrInvalidArgument)
	}
	progress := progressOrNoop(opts.Progress)

	dev, err := sealed.Open(ctx, opts.StorageTag, opts.StorageName, sealed.OpenOptions{
		IgnoreLock:               opts.IgnoreLock,
		Key:                      opts.Key,
		Mode:                     opts.AESMode,
		AllowUnauthenticatedMode: opts.AllowUnauthenticatedMode,
	})
	if err != nil {
		return nil, err
	}

	m, z, k, h, payloadSize, _, err := decodeEngineHeader(dev.HeaderData())
	if err != nil {
		dev.Close(ctx)
		return nil, err
	}
	params, err := heap.NewParams(k, h)
	if err != nil {
		dev.Close(ctx)
		return nil, err
	}

	if err := dev.BindLogicalSize(heapstore.BucketBlockSize(z, payloadSize)); err != nil {
		dev.Close(ctx)
		return nil, err
	}

	store, err := heapstore.Open(params, z, payloadSize, dev)
	if err != nil {
		dev.Close(ctx)
		return nil, err
	}

	e := &Engine{
		params:      params,
		bucketSize:  z,
		payloadSize: payloadSize,
		m:           m,
		dev:         dev,
		store:       store,
		key:         opts.Key,
		progress:    progress,
		state:       stateOpened,
	}

	if opts.LocalStatePath == "" {
		dev.Close(ctx)
		return nil, fmt.Errorf("%w: local_state_path is required to reopen a session", errs.ErrInvalidArgument)
	}
	db, err := sql.Open("sqlite", opts.LocalStatePath)
	if err != nil {
		dev.Close(ctx)
		return nil, fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	posMap, err := newSQLitePositionMapFromDB(db, 4096)
	if err != nil {
		db.Close()
		dev.Close(ctx)
		return nil, err
	}
	ss, err := newStashStore(db)
	if err != nil {
		db.Close()
		dev.Close(ctx)
		return nil, err
	}
	st, err := ss.Load()
	if err != nil {
		db.Close()
		dev.Close(ctx)
		return nil, err
	}
	e.localDB = db
	e.posMap = posMap
	e.stashStore = ss
	e.stash = st
	EngineStashSize.Set(float64(e.stash.Len()))

	return e, nil
}

// Close releases the device lock and local state handles. Idempotent.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == stateClosed {
		return nil
	}
	var firstErr error
	if e.dev != nil {
		if err := e.dev.Close(ctx); err != nil {
			firstErr = err
		}
	}
	if e.localDB != nil {
		if err := e.localDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.state = stateClosed
	return firstErr
}

// HeaderData returns the caller-supplied portion of the device header.
func (e *Engine) HeaderData() []byte {
	_, _, _, _, _, caller, err := decodeEngineHeader(e.dev.HeaderData())
	if err != nil {
		return nil
	}
	return caller
}

// Metrics returns the byte counters for this session's sealed-layer traffic.
func (e *Engine) Metrics() *BytesCrossed { return &e.metrics }

// Key returns the AES key this session was set up with. Setup generates one
// when SetupOptions.Key is empty, and it is not recoverable from the device
// itself — a caller relying on generated keys must read this immediately
// after Setup and store it somewhere it can reach Open with later.
func (e *Engine) Key() []byte { return dup(e.key) }

// Access implements the access protocol: reassign the block's leaf before
// any I/O, read the old path into the stash, service the request from the
// stash, then greedily write the path back.
func (e *Engine) Access(ctx context.Context, op Op, id int64, newData []byte) ([]byte, error) {
	e.mu.Lock()
	if e.state == stateCorrupt {
		e.mu.Unlock()
		return nil, errs.ErrCorrupt
	}
	if e.state == stateClosed {
		e.mu.Unlock()
		return nil, errs.ErrClosed
	}
	if e.state != stateOpened {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: engine is not in the Opened state", errs.ErrInvalidArgument)
	}
	if id < 0 || id >= e.m {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: block id %d out of range", errs.ErrInvalidArgument, id)
	}
	if op == OpWrite && len(newData) != e.payloadSize {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: new data has length %d, want %d", errs.ErrInvalidArgument, len(newData), e.payloadSize)
	}
	e.state = stateAccessing
	e.mu.Unlock()

	result, err := e.access(ctx, op, id, newData)

	e.mu.Lock()
	if err != nil && (isAuthFailure(err) || isIntegrityViolation(err) || isStashMissing(err)) {
		e.state = stateCorrupt
	} else {
		e.state = stateOpened
	}
	e.mu.Unlock()

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	opLabel := "read"
	if op == OpWrite {
		opLabel = "write"
	}
	EngineAccesses.WithLabelValues(opLabel, outcome).Inc()
	return result, err
}

func isAuthFailure(err error) bool        { return errors.Is(err, errs.ErrAuthenticationFailure) }
func isIntegrityViolation(err error) bool { return errors.Is(err, errs.ErrIntegrityViolation) }
func isStashMissing(err error) bool       { return errors.Is(err, errs.ErrStashBlockMissing) }

func (e *Engine) access(ctx context.Context, op Op, id int64, newData []byte) ([]byte, error) {
	oldLeaf, ok, err := e.posMap.Get(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		oldLeaf, err = e.params.RandomLeafBucket()
		if err != nil {
			return nil, err
		}
	}

	newLeaf, err := e.params.RandomLeafBucket()
	if err != nil {
		return nil, err
	}
	if err := e.setPosition(id, newLeaf); err != nil {
		return nil, err
	}

	bucketRecords, err := e.store.ReadPath(ctx, oldLeaf)
	if err != nil {
		if isAuthFailure(err) || isIntegrityViolation(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	for _, recs := range bucketRecords {
		for _, r := range recs {
			leaf := newLeaf
			if r.ID != id {
				l, ok, err := e.posMap.Get(r.ID)
				if err != nil {
					return nil, err
				}
				if !ok {
					return nil, fmt.Errorf("%w: record %d has no position map entry", errs.ErrIntegrityViolation, r.ID)
				}
				leaf = l
			}
			if err := e.mergeIntoStash(r.ID, leaf, r.Payload); err != nil {
				return nil, err
			}
		}
		e.metrics.addReceived(e.bucketSize * heapstore.SlotSize(e.payloadSize))
	}

	rec, ok := e.stash.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: block %d not found after reading its path", errs.ErrStashBlockMissing, id)
	}
	result := make([]byte, len(rec.payload))
	copy(result, rec.payload)
	payload := rec.payload
	if op == OpWrite {
		payload = newData
	}
	if err := e.mergeIntoStash(id, newLeaf, payload); err != nil {
		return nil, err
	}

	if err := e.writePath(ctx, oldLeaf); err != nil {
		return nil, err
	}
	EngineStashSize.Set(float64(e.stash.Len()))
	return result, nil
}

func (e *Engine) setPosition(id int64, leaf uint64) error {
	return e.posMap.Set(id, leaf)
}

// mergeIntoStash adds or updates a record in the in-memory stash and, when a
// stashStore is attached, persists it in the same step so nothing merged in
// during a path read can be lost if the session closes before it is written
// back out to the device.
func (e *Engine) mergeIntoStash(id int64, leaf uint64, payload []byte) error {
	e.stash.Put(id, leaf, payload)
	if e.stashStore != nil {
		return e.stashStore.Put(id, leaf, payload)
	}
	return nil
}

// writePath traverses the path to evictLeaf from the deepest level up to
// the root, greedily filling each bucket with up to bucketSize eligible
// stash records, per the tie-break rule in stash.go's eligibleFor.
func (e *Engine) writePath(ctx context.Context, evictLeaf uint64) error {
	path := e.params.PathToRoot(evictLeaf) // deepest first
	buckets := make(map[uint64][]heapstore.Record, len(path))

	for _, b := range path {
		candidates := e.stash.eligibleFor(e.params, b, evictLeaf)
		n := len(candidates)
		if n > e.bucketSize {
			n = e.bucketSize
		}
		recs := make([]heapstore.Record, 0, n)
		for i := 0; i < n; i++ {
			c := candidates[i]
			recs = append(recs, heapstore.Record{ID: c.id, Payload: c.payload})
			e.stash.Delete(c.id)
			if e.stashStore != nil {
				if err := e.stashStore.Delete(c.id); err != nil {
					return err
				}
			}
		}
		buckets[b] = recs
	}

	if err := e.store.WritePath(ctx, buckets); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	e.metrics.addSent(len(buckets) * e.bucketSize * heapstore.SlotSize(e.payloadSize))

	if e.stash.Len() > maxStashRecords(e.params) {
		log.Printf("pathoram: stash grew to %d records, beyond the expected O(log M) bound", e.stash.Len())
		return fmt.Errorf("%w: stash exceeded its hard cap of %d records", errs.ErrIntegrityViolation, maxStashRecords(e.params))
	}
	return nil
}

// maxStashRecords is the hard cap beyond which a swollen stash is treated as
// an integrity violation rather than ordinary statistical variance. Set
// generously relative to the expected O(log M) stash size.
func maxStashRecords(params heap.Params) int {
	return 64 * (params.Levels() + 1)
}
