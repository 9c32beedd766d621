// Package ofs implements a variable-length oblivious key-value store:
// several Path-ORAM "levels" of increasing superblock capacity, a
// NaiveOram tail for values too large to amortize against a path
// traversal, and the OMap index structures (a size map per key, a
// position map per level) that let Append/Delete/ReadUpdate locate and
// relocate a value's parts without the backend learning which level (or
// slot) actually serves a given key.
package ofs

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/pathvault/obliviousfs/cipher"
	"github.com/pathvault/obliviousfs/internal/padding"
	"github.com/pathvault/obliviousfs/metrics"
	"github.com/pathvault/obliviousfs/naiveoram"
	"github.com/pathvault/obliviousfs/omap"
	"github.com/pathvault/obliviousfs/remote"
)

// Config carries everything needed to construct or re-open a Store.
type Config struct {
	N           uint64      // per-level superblock capacity (power of two).
	S           int         // number of Path-ORAM levels (ignored if AllLevels).
	LF          uint32      // max parts co-located per superblock (power of two; 0 defaults to 4).
	V           int         // base block size in bytes.
	StorageType StorageType
	InitLevel   int

	// AllLevels selects one size class per level: levels =
	// ceil(log2 N) + 1, and LF is forced to 1 since each level's
	// superblock then holds exactly one key's whole value rather than LF
	// co-located parts (S is ignored in this mode). N=1 under AllLevels
	// degenerates to zero real levels — every value overflows straight
	// to the naive tail — mirroring OSegTree's own N=1 degenerate case.
	// The default mode instead splits oversized values into up to LF
	// parts per superblock.
	AllLevels bool

	NaiveN uint64 // NaiveOram tail capacity (entries).
	NaiveV int    // NaiveOram tail per-entry byte budget (must exceed the largest value ever appended, plus 4 bytes of length header).

	Box         *cipher.Box
	Backend     remote.Store
	Name        string
	UploadStash bool
	FirstBuild  bool

	// Workers bounds how many levels evict concurrently at the end of
	// each operation; 0 defaults to 4.
	Workers int

	// Metrics is optional; a nil value disables instrumentation.
	Metrics *metrics.Collector
}

// Store is the variable-length key-value dispatcher.
type Store struct {
	cfg        Config
	lf         uint32
	levelSizes []uint64 // base blocks per value, per level.
	levels     []*level
	counters   []*padding.Counter

	sizeMap *omap.OMap
	naive   *naiveoram.NaiveOram
	sem     *semaphore.Weighted

	keyCount int
}

// Construct builds or re-opens a Store per cfg.
func Construct(ctx context.Context, cfg Config) (*Store, error) {
	lf := cfg.LF
	if lf == 0 {
		lf = 4
	}

	var numLevels int
	switch {
	case cfg.AllLevels && cfg.N == 1:
		// A single-superblock "all levels" store has nowhere useful to
		// put even a one-block value, so it carries zero real levels and
		// degenerates entirely to the naive tail.
		numLevels = 0
		lf = 1
	case cfg.AllLevels:
		numLevels = int(math.Ceil(math.Log2(float64(cfg.N)))) + 1
		lf = 1
	default:
		numLevels = cfg.S
	}
	if numLevels < 1 && !(cfg.AllLevels && cfg.N == 1) {
		return nil, fmt.Errorf("ofs: need at least one level, got %d", numLevels)
	}
	sizes := MakeLevels(cfg.StorageType, cfg.InitLevel, numLevels)

	levels := make([]*level, numLevels)
	counters := make([]*padding.Counter, numLevels)
	for i, sz := range sizes {
		name := fmt.Sprintf("%s-level%d", cfg.Name, i)
		lv, err := buildLevel(ctx, name, sz, lf, cfg.V, cfg.N, cfg.Box, cfg.Backend, cfg.UploadStash, cfg.FirstBuild, cfg.Metrics)
		if err != nil {
			return nil, err
		}
		levels[i] = lv
		counters[i] = padding.NewCounter(cfg.N)
	}

	sm, err := omap.Construct(ctx, omap.Config{
		N: cfg.N, V: sizeRecordLen(lf), Box: cfg.Box, Backend: cfg.Backend,
		Name: cfg.Name + "-sizemap", UploadStash: cfg.UploadStash, FirstBuild: cfg.FirstBuild,
		Metrics: cfg.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("ofs: building size map: %w", err)
	}

	naiveV := cfg.NaiveV
	if naiveV == 0 {
		// A reasonable default headroom for values one size class beyond
		// the largest configured level (or, for a degenerate zero-level
		// store, one base block), plus the 4-byte length header
		// packNaivePayload prepends. Callers with larger values must set
		// cfg.NaiveV explicitly.
		base := uint64(1)
		if len(sizes) > 0 {
			base = MakeLevels(cfg.StorageType, cfg.InitLevel, len(sizes)+1)[len(sizes)]
		}
		naiveV = 4 + int(uint64(lf)*base)*cfg.V
		cfg.NaiveV = naiveV
	}
	no, err := naiveoram.Construct(ctx, naiveoram.Config{
		N: cfg.NaiveN, V: naiveV, Box: cfg.Box, Backend: cfg.Backend,
		Name: cfg.Name + "-naive", FirstBuild: cfg.FirstBuild,
	})
	if err != nil {
		return nil, fmt.Errorf("ofs: building naive tail: %w", err)
	}

	workers := cfg.Workers
	if workers == 0 {
		workers = 4
	}
	return &Store{
		cfg: cfg, lf: lf, levelSizes: sizes, levels: levels, counters: counters,
		sizeMap: sm, naive: no, sem: semaphore.NewWeighted(int64(workers)),
	}, nil
}

// levelIdx returns the index of the smallest level whose superblocks can
// hold a value of the given size in base blocks across at most lf parts,
// or naiveLevel if even the largest level cannot fit it.
func (s *Store) levelIdx(blocks uint64) int {
	for i, sz := range s.levelSizes {
		if uint64(s.lf)*sz >= blocks {
			return i
		}
	}
	return naiveLevel
}

func packNaivePayload(data []byte, width int) []byte {
	buf := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)
	if len(buf) > width {
		panic(fmt.Sprintf("ofs: naive payload of %d bytes exceeds configured NaiveV %d", len(buf), width))
	}
	return buf
}

func unpackNaivePayload(raw []byte) []byte {
	n := binary.LittleEndian.Uint32(raw[:4])
	return append([]byte(nil), raw[4:4+n]...)
}

// beginOp charges every level's padding counter for one logical
// operation and unconditionally loads the naive tail, so the backend
// sees identical traffic on every level and on the naive tier regardless
// of which one actually serves this operation's key.
func (s *Store) beginOp(ctx context.Context) error {
	for _, c := range s.counters {
		c.Op()
	}
	return s.naive.Fetch(ctx)
}

// endOp pads and evicts every level and unconditionally re-uploads the
// naive tail. Levels are independent of one another (own ORAM, own
// allocator, own padding counter), so their evictions run concurrently,
// bounded by the worker semaphore, and are all joined before the
// operation returns.
func (s *Store) endOp(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i, lv := range s.levels {
		i, lv := i, lv
		g.Go(func() error {
			if err := s.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer s.sem.Release(1)
			return lv.evictAll(gctx, s.counters[i])
		})
	}
	g.Go(func() error {
		if err := s.sem.Acquire(gctx, 1); err != nil {
			return err
		}
		defer s.sem.Release(1)
		return s.naive.Evict(gctx)
	})
	return g.Wait()
}

// extractAndClear removes k's current value (if any) from whichever tier
// holds it, freeing its slots, and returns the recovered bytes.
func (s *Store) extractAndClear(ctx context.Context, k uint64) ([]byte, error) {
	raw, found, err := s.sizeMap.ReadAndRemove(ctx, k)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	rec, err := unmarshalSizeRecord(raw, s.lf)
	if err != nil {
		return nil, err
	}
	s.keyCount--

	if int(rec.Level) == naiveLevel {
		payload, found, err := s.naive.ReadAndRemove(ctx, k)
		if err != nil {
			return nil, err
		}
		if !found {
			panic("ofs: size map named a naive-tier value that the naive tail does not have")
		}
		return unpackNaivePayload(payload), nil
	}

	lv := s.levels[rec.Level]
	var out []byte
	for i := uint32(0); i < rec.NumParts; i++ {
		p, err := lv.removePart(ctx, rec.Parts[i])
		if err != nil {
			return nil, err
		}
		out = append(out, p.Data[:p.Len]...)
	}
	return out, nil
}

// storeValue writes val as k's whole current value, choosing a level (or
// the naive tail) by its size. Storing an empty val is a no-op: writing
// nothing back leaves the key absent.
func (s *Store) storeValue(ctx context.Context, k uint64, val []byte) error {
	if len(val) == 0 {
		return nil
	}
	blocks := blocksFor(len(val), s.cfg.V)
	lvl := s.levelIdx(blocks)

	rec := sizeRecord{Size: blocks}
	if lvl == naiveLevel {
		rec.Level = naiveLevel
		ok, err := s.naive.Add(ctx, k, packNaivePayload(val, s.cfg.NaiveV))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("ofs: naive tail is full")
		}
	} else {
		lv := s.levels[lvl]
		chunkLen := lv.partDataLen
		numParts := uint32((len(val) + chunkLen - 1) / chunkLen)
		if numParts > s.lf {
			panic("ofs: value does not fit in the level chosen by levelIdx")
		}
		rec.Level = int8(lvl)
		rec.NumParts = numParts
		rec.Parts = make([]uint32, s.lf)
		for i := uint32(0); i < numParts; i++ {
			start := int(i) * chunkLen
			end := start + chunkLen
			if end > len(val) {
				end = len(val)
			}
			chunk := val[start:end]
			slot, err := lv.allocSlot(ctx)
			if err != nil {
				return err
			}
			data := make([]byte, chunkLen)
			copy(data, chunk)
			if err := lv.putPart(ctx, slot, part{Valid: true, Key: k, Index: i, Len: uint32(len(chunk)), Data: data}); err != nil {
				return err
			}
			rec.Parts[i] = slot
		}
	}

	s.keyCount++
	return s.sizeMap.Insert(ctx, k, marshalSizeRecord(rec, s.lf))
}

// Append appends v to k's current value, creating it if absent.
func (s *Store) Append(ctx context.Context, k uint64, v []byte) error {
	if err := s.beginOp(ctx); err != nil {
		return err
	}
	old, err := s.extractAndClear(ctx, k)
	if err != nil {
		return err
	}
	merged := append(old, v...)
	if err := s.storeValue(ctx, k, merged); err != nil {
		return err
	}
	return s.endOp(ctx)
}

// AppendSingleLevel is Append restricted to a Store configured with
// exactly one Path-ORAM level. There is no separate code path for this
// case (level selection is already a plain runtime loop over one
// element), so it validates the precondition and delegates.
func (s *Store) AppendSingleLevel(ctx context.Context, k uint64, v []byte) error {
	if len(s.levels) != 1 {
		return fmt.Errorf("ofs: AppendSingleLevel requires exactly one configured level, got %d", len(s.levels))
	}
	return s.Append(ctx, k, v)
}

// Delete removes and returns k's current value, if any.
func (s *Store) Delete(ctx context.Context, k uint64) ([]byte, error) {
	if err := s.beginOp(ctx); err != nil {
		return nil, err
	}
	old, err := s.extractAndClear(ctx, k)
	if err != nil {
		return nil, err
	}
	if err := s.endOp(ctx); err != nil {
		return nil, err
	}
	if len(old) == 0 {
		return nil, nil
	}
	return old, nil
}

// ReadUpdate reads k's current value (nil if absent), passes it to
// update, and writes back whatever update returns.
func (s *Store) ReadUpdate(ctx context.Context, k uint64, update func([]byte) []byte) ([]byte, error) {
	if err := s.beginOp(ctx); err != nil {
		return nil, err
	}
	old, err := s.extractAndClear(ctx, k)
	if err != nil {
		return nil, err
	}
	next := update(old)
	if err := s.storeValue(ctx, k, next); err != nil {
		return nil, err
	}
	if err := s.endOp(ctx); err != nil {
		return nil, err
	}
	return old, nil
}

// Search is ReadUpdate's read-without-modify specialization.
func (s *Store) Search(ctx context.Context, k uint64) ([]byte, error) {
	return s.ReadUpdate(ctx, k, func(old []byte) []byte { return old })
}

// EvictAll flushes every level and the naive tail without otherwise
// changing any value (every other operation already does this
// internally).
func (s *Store) EvictAll(ctx context.Context) error {
	if err := s.beginOp(ctx); err != nil {
		return err
	}
	return s.endOp(ctx)
}

// BytesMoved returns the cumulative ciphertext bytes moved across every
// level, the size map, and the naive tail.
func (s *Store) BytesMoved() uint64 {
	total := s.sizeMap.BytesMoved() + s.naive.BytesMoved()
	for _, lv := range s.levels {
		total += lv.bytesMoved()
	}
	return total
}

// TotalSizeOfStore returns the aggregate backend footprint of every
// underlying structure, independent of occupancy.
func (s *Store) TotalSizeOfStore() uint64 {
	total := s.sizeMap.TotalSizeOfStore() + s.naive.TotalSizeOfStore()
	for _, lv := range s.levels {
		total += lv.totalSize()
	}
	return total
}

// WasPrebuilt reports whether Construct adopted an existing backend
// store under cfg.Name instead of initializing a fresh one.
func (s *Store) WasPrebuilt() bool { return s.sizeMap.WasPrebuilt() }

// Destroy releases every underlying structure's backend state.
func (s *Store) Destroy(ctx context.Context) error {
	for _, lv := range s.levels {
		if err := lv.destroy(ctx); err != nil {
			return err
		}
	}
	if err := s.sizeMap.Destroy(ctx); err != nil {
		return err
	}
	return s.naive.Destroy(ctx)
}

// Stats is a read-only operational snapshot: it reads only in-memory
// bookkeeping already maintained for BytesMoved/TotalSizeOfStore, so it
// cannot leak access-pattern information beyond what those already
// expose.
type Stats struct {
	KeyCount   int
	LevelSizes []uint64 // base blocks per value, per level.
}

func (s *Store) Stats() Stats {
	return Stats{KeyCount: s.keyCount, LevelSizes: append([]uint64(nil), s.levelSizes...)}
}
