package pathoram

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/utahoram/pathoram/heap"
)

func TestStashPutGetDelete(t *testing.T) {
	s := newStash()
	_, ok := s.Get(1)
	require.False(t, ok, "expected empty stash to have no record for id 1")

	s.Put(1, 5, []byte("hello"))
	rec, ok := s.Get(1)
	require.True(t, ok)
	require.Equal(t, "hello", string(rec.payload))
	require.Equal(t, uint64(5), rec.leaf)
	require.Equal(t, 1, s.Len())

	s.Delete(1)
	_, ok = s.Get(1)
	require.False(t, ok, "expected record to be gone after Delete")
	require.Equal(t, 0, s.Len())
}

func TestStashPutPreservesSeqOnOverwrite(t *testing.T) {
	s := newStash()
	s.Put(1, 5, []byte("a"))
	first, _ := s.Get(1)
	seq := first.seq

	s.Put(1, 7, []byte("b"))
	second, _ := s.Get(1)
	require.Equal(t, seq, second.seq, "seq must not change on overwrite")
	require.Equal(t, uint64(7), second.leaf)
	require.Equal(t, "b", string(second.payload))
}

func TestEligibleForOnlyReturnsRecordsOnPath(t *testing.T) {
	params, err := heap.NewParams(2, 3) // 15 buckets
	require.NoError(t, err)

	leaf, err := params.RandomLeafBucket()
	require.NoError(t, err)

	path := params.PathToRoot(leaf)
	offPath := params.LastBucketAt(params.H)
	for _, b := range path {
		if offPath == b {
			offPath--
		}
	}

	s := newStash()
	s.Put(1, leaf, []byte("on-path"))
	s.Put(2, offPath, []byte("off-path"))

	for _, b := range path {
		got := s.eligibleFor(params, b, leaf)
		onOffPathRecordsPath := params.LastCommonLevel(b, offPath) == params.BucketLevel(b)
		found := false
		for _, r := range got {
			if r.id == 2 {
				found = true
			}
		}
		require.Equal(t, onOffPathRecordsPath, found, "bucket %d is eligible for the record homed at %d only if it lies on that record's path", b, offPath)
	}
}

func TestEligibleForTieBreakOrdersByDeepestFirst(t *testing.T) {
	params, err := heap.NewParams(2, 3)
	require.NoError(t, err)

	leaf, err := params.RandomLeafBucket()
	require.NoError(t, err)
	root := uint64(0)

	s := newStash()
	s.Put(1, leaf, []byte("deepest"))

	sibling, err := params.RandomLeafBucket()
	require.NoError(t, err)
	for sibling == leaf {
		sibling, err = params.RandomLeafBucket()
		require.NoError(t, err)
	}
	s.Put(2, sibling, []byte("shallower-or-equal"))

	got := s.eligibleFor(params, root, leaf)
	require.NotEmpty(t, got, "expected at least one eligible record at the root")
	for i := 1; i < len(got); i++ {
		li := params.LastCommonLevel(got[i-1].leaf, leaf)
		lj := params.LastCommonLevel(got[i].leaf, leaf)
		require.GreaterOrEqual(t, li, lj, "eligibleFor must be sorted deepest-first")
	}
}
