// Package naiveoram implements a single-ciphertext fallback store: one
// encrypted blob holding up to N fixed-size (key, value) slots, always
// downloaded and re-uploaded in full regardless of which key an operation
// touches. Used as the tail level of ofs once a value's size class is
// large enough that a linear in-memory scan beats a Path-ORAM path
// traversal.
package naiveoram

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/pathvault/obliviousfs/cipher"
	"github.com/pathvault/obliviousfs/internal/pack"
	"github.com/pathvault/obliviousfs/remote"
)

// Key identifies a slot's logical owner. It is a full 64-bit value so an
// ofs.Store's user keys can move to the NaiveOram tail without truncation.
type Key = uint64

// Entry is one occupied or empty slot of the blob.
type Entry struct {
	Valid bool
	Key   Key
	Val   []byte
}

// Config carries everything needed to construct or re-open a NaiveOram.
type Config struct {
	N          uint64 // slot capacity
	V          int    // fixed value length per slot
	Box        *cipher.Box
	Backend    remote.Store
	Name       string
	FirstBuild bool
}

// NaiveOram is a single-blob fallback store of N fixed-size slots.
type NaiveOram struct {
	backend remote.Store
	box     *cipher.Box
	id      uint64
	n       uint64
	v       int

	entries     []Entry
	loaded      bool
	wasPrebuilt bool
	bytesMoved  uint64
}

func bitmapLen(n uint64) int {
	return int((n + 7) / 8)
}

func plainLen(n uint64, v int) int {
	return bitmapLen(n) + int(n)*(8+v)
}

// Construct opens or builds a NaiveOram per cfg.
func Construct(ctx context.Context, cfg Config) (*NaiveOram, error) {
	box := cfg.Box
	entrySize := box.SealedLen(plainLen(cfg.N, cfg.V))
	id, foundPrebuilt, err := cfg.Backend.Initialize(ctx, remote.InitOpts{
		N: 1, EntrySize: uint64(entrySize), Name: cfg.Name, FirstBuild: cfg.FirstBuild,
	})
	if err != nil {
		return nil, err
	}
	no := &NaiveOram{
		backend: cfg.Backend, box: box, id: id, n: cfg.N, v: cfg.V,
		entries: make([]Entry, cfg.N), wasPrebuilt: foundPrebuilt,
	}
	if !foundPrebuilt {
		if err := no.Evict(ctx); err != nil {
			return nil, err
		}
	}
	return no, nil
}

// Fetch downloads and decrypts the whole blob into memory. It always
// performs real backend I/O: the whole point of this store is that every
// access costs exactly the same regardless of which key it concerns.
func (no *NaiveOram) Fetch(ctx context.Context) error {
	data, err := no.backend.ReadMany(ctx, no.id, []uint64{0})
	if err != nil {
		return err
	}
	plain, err := no.box.Open(no.aad(), data[0])
	if err != nil {
		return fmt.Errorf("naiveoram: decrypting blob: %w", err)
	}
	entries, err := unmarshalBlob(plain, no.n, no.v)
	if err != nil {
		return err
	}
	no.entries = entries
	no.loaded = true
	no.bytesMoved += uint64(len(data[0]))
	return nil
}

func (no *NaiveOram) aad() []byte { return []byte("naiveoram-blob") }

func (no *NaiveOram) ensureLoaded(ctx context.Context) error {
	if no.loaded {
		return nil
	}
	return no.Fetch(ctx)
}

// Add inserts or replaces val under key, reusing key's existing slot if
// present or the first empty slot otherwise. It reports false if the blob
// is full and key is not already present — a capacity error the caller
// (ofs) must treat as fatal.
func (no *NaiveOram) Add(ctx context.Context, key Key, val []byte) (bool, error) {
	if err := no.ensureLoaded(ctx); err != nil {
		return false, err
	}
	free := -1
	for i, e := range no.entries {
		if e.Valid && e.Key == key {
			no.entries[i] = Entry{Valid: true, Key: key, Val: append([]byte(nil), val...)}
			return true, nil
		}
		if !e.Valid && free == -1 {
			free = i
		}
	}
	if free == -1 {
		return false, nil
	}
	no.entries[free] = Entry{Valid: true, Key: key, Val: append([]byte(nil), val...)}
	return true, nil
}

// ReadAndRemove returns key's value and frees its slot, if present.
func (no *NaiveOram) ReadAndRemove(ctx context.Context, key Key) ([]byte, bool, error) {
	if err := no.ensureLoaded(ctx); err != nil {
		return nil, false, err
	}
	for i, e := range no.entries {
		if e.Valid && e.Key == key {
			no.entries[i] = Entry{}
			return e.Val, true, nil
		}
	}
	return nil, false, nil
}

// Read returns key's value without removing it.
func (no *NaiveOram) Read(ctx context.Context, key Key) ([]byte, bool, error) {
	if err := no.ensureLoaded(ctx); err != nil {
		return nil, false, err
	}
	for _, e := range no.entries {
		if e.Valid && e.Key == key {
			return e.Val, true, nil
		}
	}
	return nil, false, nil
}

// Evict encrypts the in-memory blob and re-uploads it, then marks the
// blob as no longer loaded so the next access re-downloads it fresh.
func (no *NaiveOram) Evict(ctx context.Context) error {
	plain := marshalBlob(no.entries, no.n, no.v)
	sealed, err := no.box.Seal(no.aad(), plain)
	if err != nil {
		return err
	}
	if err := no.backend.WriteMany(ctx, no.id, map[uint64][]byte{0: sealed}); err != nil {
		return err
	}
	no.bytesMoved += uint64(len(sealed))
	no.loaded = false
	return nil
}

func marshalBlob(entries []Entry, n uint64, v int) []byte {
	buf := new(bytes.Buffer)
	bitmap := make([]byte, bitmapLen(n))
	for i, e := range entries {
		if e.Valid {
			bitmap[i/8] |= 1 << uint(i%8)
		}
	}
	buf.Write(bitmap)
	for _, e := range entries {
		pack.PutUint64(buf, e.Key)
		pack.PadTo(buf, e.Val, v)
	}
	return buf.Bytes()
}

func unmarshalBlob(data []byte, n uint64, v int) ([]Entry, error) {
	want := plainLen(n, v)
	if len(data) != want {
		return nil, fmt.Errorf("naiveoram: blob plaintext has length %d, want %d", len(data), want)
	}
	r := bytes.NewReader(data)
	bitmap := make([]byte, bitmapLen(n))
	if _, err := io.ReadFull(r, bitmap); err != nil {
		return nil, err
	}
	entries := make([]Entry, n)
	for i := uint64(0); i < n; i++ {
		key, err := pack.ReadUint64(r)
		if err != nil {
			return nil, err
		}
		val := make([]byte, v)
		if _, err := io.ReadFull(r, val); err != nil {
			return nil, err
		}
		entries[i] = Entry{
			Valid: bitmap[i/8]&(1<<uint(i%8)) != 0,
			Key:   key,
			Val:   val,
		}
	}
	return entries, nil
}

func (no *NaiveOram) BytesMoved() uint64       { return no.bytesMoved }
func (no *NaiveOram) TotalSizeOfStore() uint64 { return uint64(no.box.SealedLen(plainLen(no.n, no.v))) }
func (no *NaiveOram) WasPrebuilt() bool        { return no.wasPrebuilt }
func (no *NaiveOram) Destroy(ctx context.Context) error {
	return no.backend.Destroy(ctx, no.id)
}
