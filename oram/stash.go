package oram

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pathvault/obliviousfs/cipher"
	"github.com/pathvault/obliviousfs/internal/pack"
	"github.com/pathvault/obliviousfs/remote"
)

// remoteStashMaxBlocks bounds how much of the local stash is mirrored to
// the backend. Blocks beyond this many stay local-only and do not survive
// a process restart.
const remoteStashMaxBlocks = 150

// remoteStash persists a snapshot of the local stash to a second backend
// store, so a process that restarts (or a second process adopting a
// prebuilt store) can resume with in-flight blocks intact.
//
// Entry layout: count(u64, plaintext) || AEAD(count x (pos(u32) key(u32)
// val(v))) || zero padding up to entrySize. The count rides outside the
// ciphertext so a reader can compute the exact sealed length before
// opening; the padding after it is never fed to the cipher.
type remoteStash struct {
	store     remote.Store
	box       *cipher.Box
	id        uint64
	v         int
	entrySize int
}

func stashEntrySize(v int, box *cipher.Box) int {
	return 8 + box.SealedLen(remoteStashMaxBlocks*(8+v))
}

func newRemoteStash(ctx context.Context, store remote.Store, box *cipher.Box, name string, v int, firstBuild bool) (*remoteStash, error) {
	entrySize := stashEntrySize(v, box)
	id, _, err := store.Initialize(ctx, remote.InitOpts{
		N:          1,
		EntrySize:  uint64(entrySize),
		Name:       stashName(name),
		FirstBuild: firstBuild,
	})
	if err != nil {
		return nil, err
	}
	return &remoteStash{store: store, box: box, id: id, v: v, entrySize: entrySize}, nil
}

func stashName(name string) string {
	if name == "" {
		return ""
	}
	return name + "-stash"
}

// upload snapshots up to remoteStashMaxBlocks blocks of stash into the
// single fixed-size backend entry. The snapshot entry is written even when
// the stash is empty, so a stale prior snapshot can never resurrect blocks
// that have since been evicted into buckets.
func (rs *remoteStash) upload(ctx context.Context, stash map[Key]block) error {
	if rs == nil {
		return nil
	}
	n := len(stash)
	if n > remoteStashMaxBlocks {
		n = remoteStashMaxBlocks
	}
	body := new(bytes.Buffer)
	i := 0
	for key, b := range stash {
		if i >= n {
			break
		}
		pack.PutUint32(body, b.Pos)
		pack.PutUint32(body, key)
		body.Write(b.Val)
		i++
	}
	sealed, err := rs.box.Seal([]byte("oram-stash"), body.Bytes())
	if err != nil {
		return err
	}
	entry := make([]byte, rs.entrySize)
	binary.LittleEndian.PutUint64(entry[:8], uint64(n))
	if 8+len(sealed) > rs.entrySize {
		return fmt.Errorf("oram: remote stash snapshot (%d bytes) exceeds entry size %d", 8+len(sealed), rs.entrySize)
	}
	copy(entry[8:], sealed)
	return rs.store.WriteMany(ctx, rs.id, map[uint64][]byte{0: entry})
}

// download reads back the most recent snapshot written by upload, or an
// empty stash if none has been written yet (a fresh entry reads as all
// zeroes, i.e. a zero count).
func (rs *remoteStash) download(ctx context.Context) (map[Key]block, error) {
	if rs == nil {
		return nil, nil
	}
	out, err := rs.store.ReadMany(ctx, rs.id, []uint64{0})
	if err != nil {
		return nil, err
	}
	entry := out[0]
	if len(entry) < 8 {
		return nil, fmt.Errorf("oram: remote stash entry is %d bytes, want at least 8", len(entry))
	}
	count := binary.LittleEndian.Uint64(entry[:8])
	if count == 0 {
		return map[Key]block{}, nil
	}
	if count > remoteStashMaxBlocks {
		return nil, fmt.Errorf("oram: remote stash snapshot claims %d blocks, limit is %d", count, remoteStashMaxBlocks)
	}
	sealedLen := rs.box.SealedLen(int(count) * (8 + rs.v))
	if len(entry) < 8+sealedLen {
		return nil, fmt.Errorf("oram: remote stash entry truncated: %d bytes, want %d", len(entry), 8+sealedLen)
	}
	plain, err := rs.box.Open([]byte("oram-stash"), entry[8:8+sealedLen])
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(plain)
	stash := make(map[Key]block, count)
	for i := uint64(0); i < count; i++ {
		pos, err := pack.ReadUint32(r)
		if err != nil {
			return nil, err
		}
		key, err := pack.ReadUint32(r)
		if err != nil {
			return nil, err
		}
		val := make([]byte, rs.v)
		if _, err := io.ReadFull(r, val); err != nil {
			return nil, err
		}
		stash[key] = block{Pos: pos, Val: val}
	}
	return stash, nil
}
