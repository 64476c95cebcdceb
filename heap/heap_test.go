package heap

import "testing"

func TestNewParams(t *testing.T) {
	if _, err := NewParams(1, 3); err == nil {
		t.Fatal("expected error for arity < 2")
	}
	if _, err := NewParams(2, -1); err == nil {
		t.Fatal("expected error for negative height")
	}
	if _, err := NewParams(2, 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBucketCount(t *testing.T) {
	tests := []struct {
		k, h int
		want uint64
	}{
		{2, 0, 1},
		{2, 1, 3},
		{2, 2, 7},
		{2, 3, 15},
		{4, 0, 1},
		{4, 1, 5},
		{4, 2, 21},
		{3, 2, 13},
	}
	for _, tt := range tests {
		p, err := NewParams(tt.k, tt.h)
		if err != nil {
			t.Fatalf("NewParams(%d, %d): %v", tt.k, tt.h, err)
		}
		if got := p.BucketCount(); got != tt.want {
			t.Errorf("BucketCount(k=%d,h=%d) = %d, want %d", tt.k, tt.h, got, tt.want)
		}
	}
}

func TestLeafBucketCount(t *testing.T) {
	p, _ := NewParams(2, 3)
	if got, want := p.LeafBucketCount(), uint64(8); got != want {
		t.Errorf("LeafBucketCount() = %d, want %d", got, want)
	}
	p2, _ := NewParams(4, 2)
	if got, want := p2.LeafBucketCount(), uint64(16); got != want {
		t.Errorf("LeafBucketCount() = %d, want %d", got, want)
	}
}

func TestBucketLevel(t *testing.T) {
	p, _ := NewParams(2, 3) // buckets 0..14
	levels := []int{0, 1, 1, 2, 2, 2, 2, 3, 3, 3, 3, 3, 3, 3, 3}
	for b, want := range levels {
		if got := p.BucketLevel(uint64(b)); got != want {
			t.Errorf("BucketLevel(%d) = %d, want %d", b, got, want)
		}
	}
	if got := p.BucketLevel(p.BucketCount()); got != -1 {
		t.Errorf("BucketLevel(out-of-range) = %d, want -1", got)
	}
}

func TestFirstLastBucketAt(t *testing.T) {
	p, _ := NewParams(3, 2) // levels: 0 -> {0}, 1 -> {1,2,3}, 2 -> {4..12}
	if p.FirstBucketAt(0) != 0 || p.LastBucketAt(0) != 0 {
		t.Errorf("level 0 bounds wrong")
	}
	if p.FirstBucketAt(1) != 1 || p.LastBucketAt(1) != 3 {
		t.Errorf("level 1 bounds wrong: [%d, %d]", p.FirstBucketAt(1), p.LastBucketAt(1))
	}
	if p.FirstBucketAt(2) != 4 || p.LastBucketAt(2) != 12 {
		t.Errorf("level 2 bounds wrong: [%d, %d]", p.FirstBucketAt(2), p.LastBucketAt(2))
	}
	for l := 0; l <= p.H; l++ {
		if got := p.BucketLevel(p.LastBucketAt(l)); got != l {
			t.Errorf("BucketLevel(LastBucketAt(%d)) = %d, want %d", l, got, l)
		}
	}
}

func TestParentChildRoundTrip(t *testing.T) {
	p, _ := NewParams(3, 4)
	for b := uint64(0); b < p.BucketCount(); b++ {
		for c := 0; c < p.K; c++ {
			child := p.Child(b, c)
			if p.IsNil(child) {
				continue
			}
			if got := p.Parent(child); got != b {
				t.Errorf("Parent(Child(%d, %d)) = %d, want %d", b, c, got, b)
			}
		}
	}
}

func TestPathToRoot(t *testing.T) {
	p, _ := NewParams(2, 2) // 0,1,2,3,4,5,6
	path := p.PathToRoot(5)
	want := []uint64{5, 2, 0}
	if len(path) != len(want) {
		t.Fatalf("PathToRoot(5) = %v, want %v", path, want)
	}
	for i := range want {
		if path[i] != want[i] {
			t.Errorf("PathToRoot(5)[%d] = %d, want %d", i, path[i], want[i])
		}
	}
}

func TestLastCommonLevel(t *testing.T) {
	p, _ := NewParams(2, 3) // leaves 7..14
	for b := uint64(0); b < p.BucketCount(); b++ {
		if got := p.LastCommonLevel(b, b); got != p.BucketLevel(b) {
			t.Errorf("LastCommonLevel(%d, %d) = %d, want %d", b, b, got, p.BucketLevel(b))
		}
	}

	// Two sibling leaves share everything up to their parent.
	if got, want := p.LastCommonLevel(7, 8), p.BucketLevel(p.Parent(7)); got != want {
		t.Errorf("LastCommonLevel(7, 8) = %d, want %d", got, want)
	}

	// A bucket compared against one of its own descendants: the ancestor's
	// own level is the answer, since the ancestor lies on the descendant's
	// path.
	if got := p.LastCommonLevel(1, 7); got != p.BucketLevel(1) {
		t.Errorf("LastCommonLevel(1, 7) = %d, want %d", got, p.BucketLevel(1))
	}
}

func TestAncestorAtLevel(t *testing.T) {
	p, _ := NewParams(2, 3)
	anc, ok := p.AncestorAtLevel(14, 1)
	if !ok {
		t.Fatal("expected ok")
	}
	if p.BucketLevel(anc) != 1 {
		t.Errorf("ancestor %d is at level %d, want 1", anc, p.BucketLevel(anc))
	}
	if _, ok := p.AncestorAtLevel(1, 3); ok {
		t.Error("expected !ok when requested level is deeper than the bucket itself")
	}
}

func TestRandomLeafBucketIsALeaf(t *testing.T) {
	p, _ := NewParams(2, 4)
	for i := 0; i < 100; i++ {
		leaf, err := p.RandomLeafBucket()
		if err != nil {
			t.Fatalf("RandomLeafBucket: %v", err)
		}
		if p.BucketLevel(leaf) != p.H {
			t.Errorf("RandomLeafBucket() = %d, level %d, want level %d", leaf, p.BucketLevel(leaf), p.H)
		}
	}
}
