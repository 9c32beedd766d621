package naiveoram

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/pathvault/obliviousfs/cipher"
	"github.com/pathvault/obliviousfs/remote"
	"github.com/pathvault/obliviousfs/remote/memstore"
)

func newTestNaiveOram(t *testing.T, backend remote.Store, name string, firstBuild bool) *NaiveOram {
	t.Helper()
	box, err := cipher.New("correct horse battery staple", "naiveoram-test")
	if err != nil {
		t.Fatal(err)
	}
	no, err := Construct(context.Background(), Config{
		N: 8, V: 32, Box: box, Backend: backend, Name: name, FirstBuild: firstBuild,
	})
	if err != nil {
		t.Fatal(err)
	}
	return no
}

func TestAddReadRemove(t *testing.T) {
	ctx := context.Background()
	no := newTestNaiveOram(t, remote.NewMemory(), "test", true)

	val := bytes.Repeat([]byte{0x5}, 32)
	ok, err := no.Add(ctx, 1<<40|7, val)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected Add to succeed")
	}

	got, found, err := no.Read(ctx, 1<<40|7)
	if err != nil {
		t.Fatal(err)
	}
	if !found || !bytes.Equal(got, val) {
		t.Fatal("expected Read to return the value added, with its full 64-bit key preserved")
	}

	if err := no.Evict(ctx); err != nil {
		t.Fatal(err)
	}

	got, found, err = no.ReadAndRemove(ctx, 1<<40|7)
	if err != nil {
		t.Fatal(err)
	}
	if !found || !bytes.Equal(got, val) {
		t.Fatal("expected value to survive an evict/reload cycle")
	}

	if _, found, err := no.Read(ctx, 1<<40|7); err != nil {
		t.Fatal(err)
	} else if found {
		t.Fatal("expected key to be absent after ReadAndRemove")
	}
}

func TestAddReplacesExistingSlot(t *testing.T) {
	ctx := context.Background()
	no := newTestNaiveOram(t, remote.NewMemory(), "test", true)

	v1 := bytes.Repeat([]byte{0x1}, 32)
	v2 := bytes.Repeat([]byte{0x2}, 32)
	if _, err := no.Add(ctx, 9, v1); err != nil {
		t.Fatal(err)
	}
	if _, err := no.Add(ctx, 9, v2); err != nil {
		t.Fatal(err)
	}
	got, found, err := no.Read(ctx, 9)
	if err != nil {
		t.Fatal(err)
	}
	if !found || !bytes.Equal(got, v2) {
		t.Fatal("expected a second Add under the same key to replace, not duplicate, its slot")
	}
}

func TestCapacityExhausted(t *testing.T) {
	ctx := context.Background()
	no := newTestNaiveOram(t, remote.NewMemory(), "test", true)

	for k := uint64(0); k < 8; k++ {
		if ok, err := no.Add(ctx, k, bytes.Repeat([]byte{byte(k)}, 32)); err != nil {
			t.Fatal(err)
		} else if !ok {
			t.Fatalf("expected Add to succeed for key %d out of 8 slots", k)
		}
	}
	if ok, err := no.Add(ctx, 8, bytes.Repeat([]byte{0x9}, 32)); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Fatal("expected Add to fail once every slot is occupied")
	}
}

// TestPrebuiltReuse: a named blob written by one instance is adopted and
// readable by a second instance constructed from the same name.
func TestPrebuiltReuse(t *testing.T) {
	ctx := context.Background()
	store, err := memstore.Open(filepath.Join(t.TempDir(), "naiveoram-test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	no1 := newTestNaiveOram(t, store, "persist", true)
	val := bytes.Repeat([]byte{0x3}, 32)
	if _, err := no1.Add(ctx, 4, val); err != nil {
		t.Fatal(err)
	}
	if err := no1.Evict(ctx); err != nil {
		t.Fatal(err)
	}

	no2 := newTestNaiveOram(t, store, "persist", false)
	if !no2.WasPrebuilt() {
		t.Fatal("expected second construction to adopt the prebuilt store")
	}
	got, found, err := no2.Read(ctx, 4)
	if err != nil {
		t.Fatal(err)
	}
	if !found || !bytes.Equal(got, val) {
		t.Fatal("prebuilt store did not recover key 4's value")
	}
}
