package pathoram

import (
	"sort"

	"github.com/utahoram/pathoram/heap"
)

// stashRecord is one block sitting in the client-side stash, awaiting
// placement on a future write-back. seq records insertion order, used only
// to break eviction ties without reference to record contents, so the
// physical access pattern never depends on what's actually stored.
type stashRecord struct {
	id      int64
	leaf    uint64
	payload []byte
	seq     uint64
}

// stash is the unordered collection of records pulled off a path but not yet
// written back. It is addressed by block id for the O(1) "is id already
// fetched" lookup the access protocol needs, and iterated in full during
// write-back.
type stash struct {
	byID map[int64]*stashRecord
	next uint64
}

func newStash() *stash {
	return &stash{byID: make(map[int64]*stashRecord)}
}

func (s *stash) Len() int { return len(s.byID) }

func (s *stash) Get(id int64) (*stashRecord, bool) {
	r, ok := s.byID[id]
	return r, ok
}

// Put inserts or overwrites the record for id, preserving its original
// insertion sequence if it was already present so the tie-break rule stays
// stable across repeated merges of the same record.
func (s *stash) Put(id int64, leaf uint64, payload []byte) {
	if existing, ok := s.byID[id]; ok {
		existing.leaf = leaf
		existing.payload = payload
		return
	}
	s.byID[id] = &stashRecord{id: id, leaf: leaf, payload: payload, seq: s.next}
	s.next++
}

func (s *stash) Delete(id int64) { delete(s.byID, id) }

// eligibleFor returns every stashed record that may legally be placed into
// bucket b during the write-back of the path rooted at leaf evictLeaf — i.e.
// b lies on the path to the record's current leaf — ordered with the
// greatest last_common_level(rec.leaf, evictLeaf) first (the records with
// fewer remaining chances to descend, since the traversal visits bucket
// levels deepest-first), ties broken by insertion order so the choice never
// depends on block contents.
func (s *stash) eligibleFor(params heap.Params, b uint64, evictLeaf uint64) []*stashRecord {
	bLevel := params.BucketLevel(b)
	var out []*stashRecord
	for _, r := range s.byID {
		if params.LastCommonLevel(b, r.leaf) == bLevel {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		li := params.LastCommonLevel(out[i].leaf, evictLeaf)
		lj := params.LastCommonLevel(out[j].leaf, evictLeaf)
		if li != lj {
			return li > lj
		}
		return out[i].seq < out[j].seq
	})
	return out
}
