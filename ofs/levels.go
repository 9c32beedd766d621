package ofs

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/pathvault/obliviousfs/cipher"
	"github.com/pathvault/obliviousfs/internal/padding"
	"github.com/pathvault/obliviousfs/metrics"
	"github.com/pathvault/obliviousfs/omap"
	"github.com/pathvault/obliviousfs/oram"
	"github.com/pathvault/obliviousfs/osegtree"
	"github.com/pathvault/obliviousfs/remote"
)

// StorageType selects how MakeLevels spaces size classes.
type StorageType int

const (
	RAM StorageType = iota
	HDD
	SSD
)

// ramStep is the exponent increment between consecutive RAM-mode levels.
const ramStep = 4

// MakeLevels returns the base-blocks-per-value size class for each of
// numLevels Path-ORAM levels, as successive powers of two. RAM mode
// spaces levels ramStep exponent-bits apart; HDD/SSD mode spaces them one
// bit apart. Size classes are always distinct: a key is served by exactly
// one level at a time, which presumes the levels partition the size
// range.
func MakeLevels(storage StorageType, initLevel, numLevels int) []uint64 {
	s := ramStep
	if storage != RAM {
		s = 1
	}
	sizes := make([]uint64, numLevels)
	for i := 0; i < numLevels; i++ {
		sizes[i] = uint64(1) << uint(initLevel+i*s)
	}
	return sizes
}

// level is one Path-ORAM size class: a superblock store, its own
// free-slot allocator, and its own position map (oram key -> leaf),
// since (unlike an OMap's root) a superblock's position changes on
// every eviction and must be looked up explicitly.
type level struct {
	name         string
	blocksPerVal uint64 // base blocks per value at this level's size class
	lf           uint32
	partDataLen  int // bytes of one part's fixed data region

	o       *oram.ORAM
	alloc   *osegtree.OSegTree
	posMap  *omap.OMap
	metrics *metrics.Collector
}

func posToBytes(pos oram.Pos) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(pos))
	return b
}

func bytesToPos(b []byte) oram.Pos {
	return oram.Pos(binary.BigEndian.Uint32(b))
}

func buildLevel(ctx context.Context, name string, blocksPerVal uint64, lf uint32, baseV int, numSuperblocks uint64, box *cipher.Box, backend remote.Store, uploadStash, firstBuild bool, coll *metrics.Collector) (*level, error) {
	partDataLen := int(blocksPerVal) * baseV
	superV := superblockPlainLen(lf, partDataLen)

	o, err := oram.Construct(ctx, oram.Config{
		N: numSuperblocks, V: superV, Box: box, Backend: backend,
		Name: name + "-oram", UploadStash: uploadStash, FirstBuild: firstBuild,
		Metrics: coll,
	})
	if err != nil {
		return nil, fmt.Errorf("ofs: building level %q oram: %w", name, err)
	}
	a, err := osegtree.Construct(ctx, osegtree.Config{
		N: numSuperblocks * uint64(lf), MaxVal: 1, Box: box, Backend: backend,
		Name: name + "-alloc", UploadStash: uploadStash, FirstBuild: firstBuild,
		Metrics: coll,
	})
	if err != nil {
		return nil, fmt.Errorf("ofs: building level %q allocator: %w", name, err)
	}
	pm, err := omap.Construct(ctx, omap.Config{
		N: numSuperblocks, V: 4, Box: box, Backend: backend,
		Name: name + "-posmap", UploadStash: uploadStash, FirstBuild: firstBuild,
		Metrics: coll,
	})
	if err != nil {
		return nil, fmt.Errorf("ofs: building level %q position map: %w", name, err)
	}
	return &level{name: name, blocksPerVal: blocksPerVal, lf: lf, partDataLen: partDataLen, o: o, alloc: a, posMap: pm, metrics: coll}, nil
}

// allocSlot reserves one part-slot, returning the global slot number.
func (lv *level) allocSlot(ctx context.Context) (uint32, error) {
	slot, ok, err := lv.alloc.Alloc(ctx, 1)
	if err != nil {
		return 0, err
	}
	if !ok {
		panic("ofs: level allocator exhausted")
	}
	return slot, nil
}

func (lv *level) freeSlot(ctx context.Context, slot uint32) error {
	return lv.alloc.Free(ctx, slot, 1)
}

func slotOwner(slot uint32, lf uint32) (superblock uint32, slotInBlock uint32) {
	return slot / lf, slot % lf
}

// readSuperblock returns oramKey's current parts, or an all-empty set if
// oramKey has never been written (its first slot was just allocated).
func (lv *level) readSuperblock(ctx context.Context, oramKey uint32) ([]part, error) {
	posBytes, found, err := lv.posMap.Read(ctx, uint64(oramKey))
	if err != nil {
		return nil, err
	}
	if !found {
		return make([]part, lv.lf), nil
	}
	pos := bytesToPos(posBytes)
	if _, err := lv.o.FetchPath(ctx, uint64(pos)); err != nil {
		return nil, err
	}
	raw, _, ok := lv.o.ReadAndRemoveFromStash(oram.Key(oramKey))
	if !ok {
		return make([]part, lv.lf), nil
	}
	return unmarshalSuperblock(raw, lv.lf, lv.partDataLen)
}

// writeSuperblock re-stashes oramKey's superblock at a fresh position and
// records that position in the level's own position map.
func (lv *level) writeSuperblock(ctx context.Context, oramKey uint32, parts []part) error {
	raw := marshalSuperblock(parts, lv.lf, lv.partDataLen)
	pos := lv.o.AddToStash(oram.Key(oramKey), raw, oram.NilPos)
	return lv.posMap.Insert(ctx, uint64(oramKey), posToBytes(pos))
}

// putPart writes p into the superblock slot identified by slot, fetching
// and rewriting that superblock as a whole.
func (lv *level) putPart(ctx context.Context, slot uint32, p part) error {
	oramKey, slotInBlock := slotOwner(slot, lv.lf)
	parts, err := lv.readSuperblock(ctx, oramKey)
	if err != nil {
		return err
	}
	parts[slotInBlock] = p
	return lv.writeSuperblock(ctx, oramKey, parts)
}

// getPart reads the part at slot without freeing it.
func (lv *level) getPart(ctx context.Context, slot uint32) (part, error) {
	oramKey, slotInBlock := slotOwner(slot, lv.lf)
	parts, err := lv.readSuperblock(ctx, oramKey)
	if err != nil {
		return part{}, err
	}
	p := parts[slotInBlock]
	if err := lv.writeSuperblock(ctx, oramKey, parts); err != nil {
		return part{}, err
	}
	return p, nil
}

// removePart clears slot's part and releases it back to the allocator.
func (lv *level) removePart(ctx context.Context, slot uint32) (part, error) {
	oramKey, slotInBlock := slotOwner(slot, lv.lf)
	parts, err := lv.readSuperblock(ctx, oramKey)
	if err != nil {
		return part{}, err
	}
	p := parts[slotInBlock]
	parts[slotInBlock] = part{}
	if err := lv.writeSuperblock(ctx, oramKey, parts); err != nil {
		return part{}, err
	}
	if err := lv.freeSlot(ctx, slot); err != nil {
		return part{}, err
	}
	return p, nil
}

// evictAll pads this level's superblock ORAM up to counter's target
// before evicting. Unlike omap/osegtree, a bare oram.ORAM has no padding
// counter of its own, so ofs.Store keeps one per level.
func (lv *level) evictAll(ctx context.Context, counter *padding.Counter) error {
	before := lv.o.BytesMoved()
	for counter.Remaining() > 0 {
		did, err := lv.o.FetchDummyPath(ctx)
		if err != nil {
			return err
		}
		if !did {
			break
		}
		counter.Fetch()
	}
	if err := lv.o.EvictAll(ctx); err != nil {
		return err
	}
	lv.metrics.LevelBytesMoved(lv.name, lv.o.BytesMoved()-before)
	counter.Reset()
	return nil
}

func (lv *level) bytesMoved() uint64 {
	return lv.o.BytesMoved() + lv.alloc.BytesMoved() + lv.posMap.BytesMoved()
}

func (lv *level) totalSize() uint64 {
	return lv.o.TotalSizeOfStore() + lv.alloc.TotalSizeOfStore() + lv.posMap.TotalSizeOfStore()
}

func (lv *level) destroy(ctx context.Context) error {
	if err := lv.o.Destroy(ctx); err != nil {
		return err
	}
	if err := lv.alloc.Destroy(ctx); err != nil {
		return err
	}
	return lv.posMap.Destroy(ctx)
}

// sizeRecord is the value the size map stores per user key: the value's
// total length in base blocks, which level currently holds it (or
// naiveLevel if it has overflowed to the NaiveOram tail), and the slot of
// each of its parts, all in one fixed-width record.
type sizeRecord struct {
	Size     uint64
	Level    int8 // naiveLevel if stored in the naive tail.
	NumParts uint32
	Parts    []uint32 // length lf; only the first NumParts entries are meaningful.
}

const naiveLevel = -1

func sizeRecordLen(lf uint32) int { return 8 + 1 + 4 + int(lf)*4 }

func marshalSizeRecord(r sizeRecord, lf uint32) []byte {
	buf := make([]byte, 0, sizeRecordLen(lf))
	tmp := make([]byte, 8)
	binary.LittleEndian.PutUint64(tmp, r.Size)
	buf = append(buf, tmp...)
	buf = append(buf, byte(r.Level))
	tmp4 := make([]byte, 4)
	binary.LittleEndian.PutUint32(tmp4, r.NumParts)
	buf = append(buf, tmp4...)
	for i := uint32(0); i < lf; i++ {
		var v uint32
		if int(i) < len(r.Parts) {
			v = r.Parts[i]
		}
		binary.LittleEndian.PutUint32(tmp4, v)
		buf = append(buf, tmp4...)
	}
	return buf
}

func unmarshalSizeRecord(data []byte, lf uint32) (sizeRecord, error) {
	if len(data) != sizeRecordLen(lf) {
		return sizeRecord{}, fmt.Errorf("ofs: size record has length %d, want %d", len(data), sizeRecordLen(lf))
	}
	r := sizeRecord{
		Size:  binary.LittleEndian.Uint64(data[0:8]),
		Level: int8(data[8]),
	}
	r.NumParts = binary.LittleEndian.Uint32(data[9:13])
	r.Parts = make([]uint32, lf)
	off := 13
	for i := uint32(0); i < lf; i++ {
		r.Parts[i] = binary.LittleEndian.Uint32(data[off : off+4])
		off += 4
	}
	return r, nil
}

// blocksFor returns how many base blocks of size baseV bytes are needed
// to hold n bytes, rounding up.
func blocksFor(n, baseV int) uint64 {
	if n == 0 {
		return 0
	}
	return uint64((n + baseV - 1) / baseV)
}
