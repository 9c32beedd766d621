package osegtree

import (
	"context"
	"testing"

	"github.com/pathvault/obliviousfs/cipher"
	"github.com/pathvault/obliviousfs/remote"
)

func newTestTree(t *testing.T, n uint64, maxVal uint32) *OSegTree {
	t.Helper()
	box, err := cipher.New("correct horse battery staple", "osegtree-test")
	if err != nil {
		t.Fatal(err)
	}
	tr, err := Construct(context.Background(), Config{
		N: n, MaxVal: maxVal, Box: box, Backend: remote.NewMemory(),
		Name: "test", FirstBuild: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

// TestAllocFreeRoundTrip allocates every leaf's worth of capacity,
// confirms the tree reports exhaustion, frees one allocation, and
// confirms it can be reissued.
func TestAllocFreeRoundTrip(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t, 8, 4)

	keys := make(map[uint32]bool)
	for i := 0; i < 8; i++ {
		key, ok, err := tr.Alloc(ctx, 4)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("alloc %d: expected success, tree should have capacity for 8 leaves of 4", i)
		}
		if keys[key] {
			t.Fatalf("alloc %d: key %d issued twice", i, key)
		}
		keys[key] = true
	}

	if _, ok, err := tr.Alloc(ctx, 1); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Fatal("expected allocation to fail once every leaf is fully reserved")
	}

	var freed uint32
	for k := range keys {
		freed = k
		break
	}
	if err := tr.Free(ctx, freed, 4); err != nil {
		t.Fatal(err)
	}

	key, ok, err := tr.Alloc(ctx, 4)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || key != freed {
		t.Fatalf("expected the freed leaf %d to be reissued, got key=%d ok=%v", freed, key, ok)
	}
}

// TestVariableLengthAlloc exercises allocation of requests smaller than
// MaxVal, confirming a single leaf can satisfy several partial requests
// before it is exhausted.
func TestVariableLengthAlloc(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t, 4, 10)

	total := uint32(0)
	count := 0
	for {
		_, ok, err := tr.Alloc(ctx, 3)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		total += 3
		count++
		if count > 100 {
			t.Fatal("allocation never exhausted: possible accounting bug")
		}
	}
	// 4 leaves * 10 capacity = 40, but each leaf fits only three 3-unit
	// requests (9 units, 1 stranded), so exactly 12 allocations succeed.
	if count != 12 || total != 36 {
		t.Fatalf("allocated %d units in %d requests, expected 36 units in 12", total, count)
	}
}

// TestSingleLeafDegenerateCase: an OSegTree of capacity one leaf must
// never contact a backend (it has no ORAM) and still behaves like a
// plain counter.
func TestSingleLeafDegenerateCase(t *testing.T) {
	ctx := context.Background()
	box, err := cipher.New("correct horse battery staple", "osegtree-test")
	if err != nil {
		t.Fatal(err)
	}
	tr, err := Construct(ctx, Config{
		N: 1, MaxVal: 5, Box: box, Backend: remote.NewMemory(),
		Name: "single", FirstBuild: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	key, ok, err := tr.Alloc(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || key != 0 {
		t.Fatalf("expected alloc to succeed with key 0, got key=%d ok=%v", key, ok)
	}
	if _, ok, err := tr.Alloc(ctx, 1); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Fatal("expected allocation to fail once the single leaf is exhausted")
	}
	if err := tr.Free(ctx, 0, 5); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := tr.Alloc(ctx, 5); err != nil {
		t.Fatal(err)
	} else if !ok {
		t.Fatal("expected alloc to succeed again after freeing capacity")
	}
	if tr.BytesMoved() != 0 {
		t.Fatalf("expected an N=1 tree to never move any bytes, moved %d", tr.BytesMoved())
	}
}

// TestDummyOp checks that a dummy operation leaves allocation state alone.
func TestDummyOp(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t, 8, 4)

	key, ok, err := tr.Alloc(ctx, 4)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected initial allocation to succeed")
	}

	if err := tr.DummyOp(ctx); err != nil {
		t.Fatal(err)
	}

	// The earlier allocation must be unaffected by the dummy op: the other
	// seven leaves are still free, and no eighth one has appeared.
	for i := 0; i < 7; i++ {
		if _, ok, err := tr.Alloc(ctx, 4); err != nil {
			t.Fatal(err)
		} else if !ok {
			t.Fatalf("alloc %d after dummy op: expected success", i)
		}
	}
	if _, ok, err := tr.Alloc(ctx, 1); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Fatal("expected the dummy op not to have released any capacity")
	}
	if err := tr.Free(ctx, key, 4); err != nil {
		t.Fatal(err)
	}
}
