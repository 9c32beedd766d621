package cipher

import (
	"bytes"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	box, err := New("hunter2", "buckets")
	if err != nil {
		t.Fatal(err)
	}

	aad := []byte("node-42")
	plaintext := []byte("the quick brown fox")

	ct, err := box.Seal(aad, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if len(ct) != box.SealedLen(len(plaintext)) {
		t.Fatalf("SealedLen mismatch: got %d, want %d", box.SealedLen(len(plaintext)), len(ct))
	}

	pt, err := box.Open(aad, ct)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("round trip mismatch: got %q, want %q", pt, plaintext)
	}
}

func TestOpenWrongAAD(t *testing.T) {
	box, err := New("hunter2", "buckets")
	if err != nil {
		t.Fatal(err)
	}
	ct, err := box.Seal([]byte("node-1"), []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := box.Open([]byte("node-2"), ct); err == nil {
		t.Fatal("expected authentication failure for mismatched aad")
	}
}

func TestDomainSeparation(t *testing.T) {
	a, err := New("hunter2", "a")
	if err != nil {
		t.Fatal(err)
	}
	b, err := New("hunter2", "b")
	if err != nil {
		t.Fatal(err)
	}
	ct, err := a.Seal(nil, []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Open(nil, ct); err == nil {
		t.Fatal("expected different domains to derive different keys")
	}
}
