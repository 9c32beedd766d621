package ofs

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/pathvault/obliviousfs/cipher"
	"github.com/pathvault/obliviousfs/remote"
	"github.com/pathvault/obliviousfs/remote/memstore"
)

func newTestStore(t *testing.T, backend remote.Store, name string, firstBuild bool) *Store {
	t.Helper()
	box, err := cipher.New("correct horse battery staple", "ofs-test")
	if err != nil {
		t.Fatal(err)
	}
	s, err := Construct(context.Background(), Config{
		N: 8, S: 3, LF: 4, V: 16, StorageType: HDD, InitLevel: 0,
		NaiveN: 8, NaiveV: 512,
		Box: box, Backend: backend, Name: name,
		UploadStash: true, FirstBuild: firstBuild,
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// TestAppendReadAcrossLevels: a value starts small enough for the lowest
// level, then grows by repeated append until it must relocate to a higher
// level, and reads back correctly throughout.
func TestAppendReadAcrossLevels(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, remote.NewMemory(), "multi", true)

	// level 0 holds up to lf*1 = 4 base blocks of 16 bytes = 64 bytes.
	first := bytes.Repeat([]byte{0xAA}, 40)
	if err := s.Append(ctx, 1, first); err != nil {
		t.Fatal(err)
	}
	got, err := s.Search(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, first) {
		t.Fatalf("after first append: got %x, want %x", got, first)
	}

	// A second key, sized to land directly on level 1 (lf*2 = 8 blocks
	// = 128 bytes).
	second := bytes.Repeat([]byte{0xBB}, 100)
	if err := s.Append(ctx, 2, second); err != nil {
		t.Fatal(err)
	}

	// Grow key 1 past level 0's 64-byte capacity; it must relocate to a
	// higher level while keeping its existing bytes.
	more := bytes.Repeat([]byte{0xCC}, 80)
	if err := s.Append(ctx, 1, more); err != nil {
		t.Fatal(err)
	}
	want := append(append([]byte(nil), first...), more...)
	got, err = s.Search(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("after relocation: got %d bytes, want %d bytes matching", len(got), len(want))
	}

	// key 2 must be unaffected by key 1's relocation.
	got, err = s.Search(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, second) {
		t.Fatal("key 2's value was disturbed by an unrelated key's relocation")
	}

	// A value large enough to overflow every configured level lands in
	// the naive tail and is still readable.
	huge := bytes.Repeat([]byte{0xDD}, 400)
	if err := s.Append(ctx, 3, huge); err != nil {
		t.Fatal(err)
	}
	got, err = s.Search(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, huge) {
		t.Fatal("naive-tail value round-tripped incorrectly")
	}

	deleted, err := s.Delete(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(deleted, second) {
		t.Fatal("delete did not return key 2's current value")
	}
	if got, err := s.Search(ctx, 2); err != nil {
		t.Fatal(err)
	} else if got != nil {
		t.Fatal("key 2 should be absent after delete")
	}
}

// TestReadUpdate exercises the ReadUpdate primitive independent of
// append's merge semantics.
func TestReadUpdate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, remote.NewMemory(), "ru", true)

	old, err := s.ReadUpdate(ctx, 9, func(cur []byte) []byte {
		if cur != nil {
			t.Fatal("expected no prior value for a fresh key")
		}
		return []byte("v1")
	})
	if err != nil {
		t.Fatal(err)
	}
	if old != nil {
		t.Fatal("expected nil old value for a fresh key")
	}

	old, err = s.ReadUpdate(ctx, 9, func(cur []byte) []byte {
		if !bytes.Equal(cur, []byte("v1")) {
			t.Fatalf("expected v1, got %q", cur)
		}
		return []byte("v2")
	})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(old, []byte("v1")) {
		t.Fatal("ReadUpdate did not return the prior value")
	}

	got, err := s.Search(ctx, 9)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("v2")) {
		t.Fatal("ReadUpdate's replacement was not persisted")
	}
}

// TestAppendSingleLevel exercises the single-level specialization.
func TestAppendSingleLevel(t *testing.T) {
	ctx := context.Background()
	box, err := cipher.New("correct horse battery staple", "ofs-test")
	if err != nil {
		t.Fatal(err)
	}
	s, err := Construct(ctx, Config{
		N: 8, S: 1, LF: 4, V: 16, StorageType: RAM,
		NaiveN: 4, NaiveV: 256,
		Box: box, Backend: remote.NewMemory(), Name: "single",
		UploadStash: true, FirstBuild: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.AppendSingleLevel(ctx, 1, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendSingleLevel(ctx, 1, []byte(" world")); err != nil {
		t.Fatal(err)
	}
	got, err := s.Search(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("hello world")) {
		t.Fatalf("got %q, want %q", got, "hello world")
	}
}

// TestAllLevelsDegenerateToNaive: a store with N=1 under "all levels"
// mode carries zero real Path-ORAM levels and routes every nonempty value
// straight to the naive tail.
func TestAllLevelsDegenerateToNaive(t *testing.T) {
	ctx := context.Background()
	box, err := cipher.New("correct horse battery staple", "ofs-test")
	if err != nil {
		t.Fatal(err)
	}
	s, err := Construct(ctx, Config{
		N: 1, S: 1, AllLevels: true, V: 16, StorageType: RAM,
		NaiveN: 4, NaiveV: 64,
		Box: box, Backend: remote.NewMemory(), Name: "degenerate",
		UploadStash: true, FirstBuild: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(s.levels) != 0 {
		t.Fatalf("expected zero real levels under N=1 all-levels mode, got %d", len(s.levels))
	}

	val := []byte("x")
	if err := s.Append(ctx, 1, val); err != nil {
		t.Fatal(err)
	}
	if got, found, err := s.naive.Read(ctx, 1); err != nil {
		t.Fatal(err)
	} else if !found || !bytes.Equal(unpackNaivePayload(got), val) {
		t.Fatal("expected the value to land in the naive tail")
	}
	got, err := s.Search(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, val) {
		t.Fatalf("got %q, want %q", got, val)
	}
}

// TestAllLevelsOneSuperblockPerKey exercises "all levels" mode proper
// (N > 1): LF is forced to 1 so each key's value lives alone in its own
// superblock, relocating across levels as it grows.
func TestAllLevelsOneSuperblockPerKey(t *testing.T) {
	ctx := context.Background()
	box, err := cipher.New("correct horse battery staple", "ofs-test")
	if err != nil {
		t.Fatal(err)
	}
	s, err := Construct(ctx, Config{
		N: 8, AllLevels: true, LF: 4, V: 16, StorageType: HDD, InitLevel: 0,
		NaiveN: 4, NaiveV: 256,
		Box: box, Backend: remote.NewMemory(), Name: "alllevels",
		UploadStash: true, FirstBuild: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	// ceil(log2(8)) + 1 = 4 levels, regardless of the caller-supplied LF.
	if len(s.levels) != 4 {
		t.Fatalf("expected 4 levels (ceil(log2 8)+1), got %d", len(s.levels))
	}
	if s.lf != 1 {
		t.Fatalf("expected AllLevels to force lf=1, got %d", s.lf)
	}

	first := bytes.Repeat([]byte{0x1}, 10)
	if err := s.Append(ctx, 1, first); err != nil {
		t.Fatal(err)
	}
	second := bytes.Repeat([]byte{0x2}, 20)
	if err := s.Append(ctx, 2, second); err != nil {
		t.Fatal(err)
	}

	// Grow key 1 past its current level's capacity, forcing relocation to
	// a higher size class, while key 2 stays put.
	more := bytes.Repeat([]byte{0x3}, 40)
	if err := s.Append(ctx, 1, more); err != nil {
		t.Fatal(err)
	}
	want := append(append([]byte(nil), first...), more...)
	got, err := s.Search(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("after relocation: got %d bytes, want %d bytes matching", len(got), len(want))
	}
	got, err = s.Search(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, second) {
		t.Fatal("key 2's value was disturbed by an unrelated key's relocation")
	}
}

// TestPrebuiltReuse: a Store built fresh under a name and reconstructed
// from the same name must be recognized as prebuilt and still serve its
// prior contents.
func TestPrebuiltReuse(t *testing.T) {
	ctx := context.Background()
	store, err := memstore.Open(filepath.Join(t.TempDir(), "ofs-test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	s1 := newTestStore(t, store, "persist", true)
	val := bytes.Repeat([]byte{0x7}, 50)
	if err := s1.Append(ctx, 42, val); err != nil {
		t.Fatal(err)
	}

	s2 := newTestStore(t, store, "persist", false)
	if !s2.WasPrebuilt() {
		t.Fatal("expected second construction to adopt the prebuilt store")
	}
	got, err := s2.Search(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, val) {
		t.Fatal("prebuilt store did not recover key 42's value")
	}
}
