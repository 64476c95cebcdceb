package heapstore

import (
	"bytes"
	"context"
	"testing"

	"github.com/utahoram/pathoram/blockdevice"
	"github.com/utahoram/pathoram/heap"
	"github.com/utahoram/pathoram/sealed"
)

func init() {
	blockdevice.RegisterMemory()
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	params, err := heap.NewParams(2, 2)
	if err != nil {
		t.Fatal(err)
	}
	s := &Store{params: params, bucketSize: 4, payloadSize: 8}

	records := []Record{
		{ID: 7, Payload: []byte("abcdefgh")},
		{ID: 3, Payload: []byte("12345678")},
	}
	raw := s.MarshalBucket(records)
	if len(raw) != 4*SlotSize(8) {
		t.Fatalf("marshaled bucket length = %d, want %d", len(raw), 4*SlotSize(8))
	}

	got, err := s.UnmarshalBucket(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	byID := map[int64][]byte{}
	for _, r := range got {
		byID[r.ID] = r.Payload
	}
	if !bytes.Equal(byID[7], []byte("abcdefgh")) || !bytes.Equal(byID[3], []byte("12345678")) {
		t.Fatalf("unmarshaled records don't match: %v", got)
	}
}

func TestMarshalEmptyBucketIsAllNil(t *testing.T) {
	params, _ := heap.NewParams(2, 1)
	s := &Store{params: params, bucketSize: 3, payloadSize: 4}
	raw := s.MarshalBucket(nil)
	recs, err := s.UnmarshalBucket(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected no records in an empty bucket, got %d", len(recs))
	}
}

func TestOpenValidatesDeviceShape(t *testing.T) {
	ctx := context.Background()
	params, _ := heap.NewParams(2, 2) // 7 buckets
	dev, err := sealed.Setup(ctx, "memory", "shape-check", sealed.SetupOptions{
		BlockSize:  BucketBlockSize(4, 16),
		BlockCount: int64(params.BucketCount()),
		Key:        testKey,
		Mode:       sealed.ModeGCM,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close(ctx)

	if _, err := Open(params, 4, 16, dev); err != nil {
		t.Fatalf("Open with matching shape should succeed: %v", err)
	}
	if _, err := Open(params, 5, 16, dev); err == nil {
		t.Fatal("Open with mismatched bucket size should fail")
	}
}

func TestReadWritePath(t *testing.T) {
	ctx := context.Background()
	params, _ := heap.NewParams(2, 3) // 15 buckets, leaves 7..14
	dev, err := sealed.Setup(ctx, "memory", "path-rw", sealed.SetupOptions{
		BlockSize:  BucketBlockSize(4, 8),
		BlockCount: int64(params.BucketCount()),
		Key:        testKey,
		Mode:       sealed.ModeGCM,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close(ctx)

	store, err := Open(params, 4, 8, dev)
	if err != nil {
		t.Fatal(err)
	}

	leaf := params.FirstBucketAt(params.H)
	path := params.PathToRoot(leaf)
	writes := make(map[uint64][]Record, len(path))
	for i, b := range path {
		writes[b] = []Record{{ID: int64(i), Payload: []byte("12345678")}}
	}
	if err := store.WritePath(ctx, writes); err != nil {
		t.Fatal(err)
	}

	got, err := store.ReadPath(ctx, leaf)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(path) {
		t.Fatalf("ReadPath returned %d buckets, want %d", len(got), len(path))
	}
	for _, b := range path {
		if len(got[b]) != 1 || !bytes.Equal(got[b][0].Payload, []byte("12345678")) {
			t.Fatalf("bucket %d round-tripped incorrectly: %v", b, got[b])
		}
	}
}

var testKey = []byte("0123456789abcdef0123456789abcdef")
