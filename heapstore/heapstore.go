// Package heapstore couples a heap.Params shape with a sealed.Device,
// turning "read bucket 17" into a single read of physical block 17 (one
// heap bucket per backing block), and "write bucket 17 with these records" into a fixed-width,
// padded slot layout. Modeled on persistent/oblivious.go's
// marshalBucket/unmarshalBucket, adapted from that file's varint-ish
// length-prefixed slots to a fixed id(8 bytes)||payload(S bytes) framing,
// which lets a bucket's on-disk size be computed without touching its
// contents.
package heapstore

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/utahoram/pathoram/errs"
	"github.com/utahoram/pathoram/heap"
)

// NilSlotID is the sentinel block identifier marking an empty slot.
const NilSlotID int64 = -1

// Record is one occupied or empty slot within a bucket: an 8-byte signed
// block identifier (NilSlotID for empty) and a fixed-size payload.
type Record struct {
	ID      int64
	Payload []byte
}

// Store couples heap arithmetic with a sealed block device: BucketSize (Z)
// records of PayloadSize bytes each live per bucket, laid out one heap
// bucket per backing block.
type Store struct {
	params      heap.Params
	bucketSize  int // Z, records per bucket
	payloadSize int // S, bytes per record payload

	dev device
}

// device is the subset of sealed.Device's surface Store needs, kept narrow
// so tests can supply a fake without pulling in the encryption layer.
type device interface {
	BlockSize() int
	BlockCount() int64
	ReadBlock(ctx context.Context, i int64) ([]byte, error)
	WriteBlock(ctx context.Context, i int64, block []byte) error
	ReadBlocks(ctx context.Context, indices []int64) (map[int64][]byte, error)
	WriteBlocks(ctx context.Context, blocks map[int64][]byte) error
}

// SlotSize returns the on-disk size, in bytes, of one record slot: 8 bytes
// of identifier plus the payload.
func SlotSize(payloadSize int) int { return 8 + payloadSize }

// BucketBlockSize returns the block size a device must be configured with to
// hold one bucket of bucketSize records of payloadSize bytes each.
func BucketBlockSize(bucketSize, payloadSize int) int {
	return bucketSize * SlotSize(payloadSize)
}

// Open wraps dev, which must report a block size of exactly
// BucketBlockSize(bucketSize, payloadSize) and a block count of exactly
// params.BucketCount().
func Open(params heap.Params, bucketSize, payloadSize int, dev device) (*Store, error) {
	if bucketSize <= 0 || payloadSize < 0 {
		return nil, fmt.Errorf("%w: bucket size must be positive and payload size non-negative", errs.ErrInvalidArgument)
	}
	want := BucketBlockSize(bucketSize, payloadSize)
	if dev.BlockSize() != want {
		return nil, fmt.Errorf("%w: device block size %d does not match bucket layout (want %d)", errs.ErrInvalidArgument, dev.BlockSize(), want)
	}
	if dev.BlockCount() != int64(params.BucketCount()) {
		return nil, fmt.Errorf("%w: device block count %d does not match heap shape (want %d)", errs.ErrInvalidArgument, dev.BlockCount(), params.BucketCount())
	}
	return &Store{params: params, bucketSize: bucketSize, payloadSize: payloadSize, dev: dev}, nil
}

// Params returns the heap shape this store was opened with.
func (s *Store) Params() heap.Params { return s.params }

// BucketSize returns Z, the number of record slots per bucket.
func (s *Store) BucketSize() int { return s.bucketSize }

// PayloadSize returns S, the number of payload bytes per record.
func (s *Store) PayloadSize() int { return s.payloadSize }

// MarshalBucket encodes up to bucketSize records into the fixed-width slot
// layout, padding any remaining slots with NilSlotID and zero payload. It
// panics if len(records) exceeds bucketSize or a payload is the wrong size,
// since both are programmer errors in the caller (the eviction algorithm is
// responsible for never producing either). Exported as a standalone
// function, not just a Store method, so Engine.Setup can lay out the
// initial heap contents before a Store — which requires an already-open
// device — exists.
func MarshalBucket(bucketSize, payloadSize int, records []Record) []byte {
	if len(records) > bucketSize {
		panic("heapstore: too many records for bucket size")
	}
	out := make([]byte, bucketSize*SlotSize(payloadSize))
	slot := 0
	for _, r := range records {
		if len(r.Payload) != payloadSize {
			panic("heapstore: payload has the wrong size")
		}
		writeSlot(out, slot, payloadSize, r.ID, r.Payload)
		slot++
	}
	for ; slot < bucketSize; slot++ {
		writeSlot(out, slot, payloadSize, NilSlotID, nil)
	}
	return out
}

func writeSlot(out []byte, slot, payloadSize int, id int64, payload []byte) {
	off := slot * SlotSize(payloadSize)
	binary.BigEndian.PutUint64(out[off:off+8], uint64(id))
	copy(out[off+8:off+8+payloadSize], payload)
}

// UnmarshalBucket decodes a bucket's raw block back into its occupied
// records; empty (NilSlotID) slots are omitted.
func UnmarshalBucket(bucketSize, payloadSize int, raw []byte) ([]Record, error) {
	want := bucketSize * SlotSize(payloadSize)
	if len(raw) != want {
		return nil, fmt.Errorf("%w: bucket block has length %d, want %d", errs.ErrIntegrityViolation, len(raw), want)
	}
	var out []Record
	for slot := 0; slot < bucketSize; slot++ {
		off := slot * SlotSize(payloadSize)
		id := int64(binary.BigEndian.Uint64(raw[off : off+8]))
		if id == NilSlotID {
			continue
		}
		payload := make([]byte, payloadSize)
		copy(payload, raw[off+8:off+8+payloadSize])
		out = append(out, Record{ID: id, Payload: payload})
	}
	return out, nil
}

// MarshalBucket encodes records using this Store's bucket shape.
func (s *Store) MarshalBucket(records []Record) []byte {
	return MarshalBucket(s.bucketSize, s.payloadSize, records)
}

// UnmarshalBucket decodes raw using this Store's bucket shape.
func (s *Store) UnmarshalBucket(raw []byte) ([]Record, error) {
	return UnmarshalBucket(s.bucketSize, s.payloadSize, raw)
}

// ReadBucket reads and decodes the bucket at heap index b.
func (s *Store) ReadBucket(ctx context.Context, b uint64) ([]Record, error) {
	if s.params.IsNil(b) {
		return nil, fmt.Errorf("%w: bucket %d out of range", errs.ErrInvalidArgument, b)
	}
	raw, err := s.dev.ReadBlock(ctx, int64(b))
	if err != nil {
		return nil, err
	}
	return s.UnmarshalBucket(raw)
}

// WriteBucket encodes records and writes them to the bucket at heap index b.
func (s *Store) WriteBucket(ctx context.Context, b uint64, records []Record) error {
	if s.params.IsNil(b) {
		return fmt.Errorf("%w: bucket %d out of range", errs.ErrInvalidArgument, b)
	}
	return s.dev.WriteBlock(ctx, int64(b), s.MarshalBucket(records))
}

// ReadPath reads every bucket from the root down to leaf bucket leaf,
// returning them indexed by heap bucket id.
func (s *Store) ReadPath(ctx context.Context, leaf uint64) (map[uint64][]Record, error) {
	path := s.params.PathToRoot(leaf)
	indices := make([]int64, len(path))
	for i, b := range path {
		indices[i] = int64(b)
	}
	raw, err := s.dev.ReadBlocks(ctx, indices)
	if err != nil {
		return nil, err
	}
	out := make(map[uint64][]Record, len(path))
	for _, b := range path {
		recs, err := s.UnmarshalBucket(raw[int64(b)])
		if err != nil {
			return nil, err
		}
		out[b] = recs
	}
	return out, nil
}

// WritePath writes back every bucket named in buckets in a single round
// trip, the write-side counterpart of ReadPath used at the end of an
// eviction pass.
func (s *Store) WritePath(ctx context.Context, buckets map[uint64][]Record) error {
	raw := make(map[int64][]byte, len(buckets))
	for b, recs := range buckets {
		if s.params.IsNil(b) {
			return fmt.Errorf("%w: bucket %d out of range", errs.ErrInvalidArgument, b)
		}
		raw[int64(b)] = s.MarshalBucket(recs)
	}
	return s.dev.WriteBlocks(ctx, raw)
}
