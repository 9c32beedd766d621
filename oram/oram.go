// Package oram implements a Path-ORAM block store: a fixed-capacity
// complete binary tree of encrypted buckets held by a remote.Store, backed
// by a local stash, read and rewritten one root-to-leaf path at a time so
// that which blocks an access touches is never revealed to the backend.
package oram

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/pathvault/obliviousfs/cipher"
	"github.com/pathvault/obliviousfs/metrics"
	"github.com/pathvault/obliviousfs/remote"
)

// block is a single stashed (position, value) pair, keyed externally by
// its Key.
type block struct {
	Pos Pos
	Val []byte
}

// Config carries everything needed to construct or re-open an ORAM.
type Config struct {
	N           uint64 // leaf count; must be a power of two.
	V           int    // fixed value length per block.
	Box         *cipher.Box
	Backend     remote.Store
	Name        string
	UploadStash bool
	FirstBuild  bool

	// Metrics is optional; a nil value disables instrumentation.
	Metrics *metrics.Collector
}

// ORAM is a Path-ORAM block store of fixed capacity N and value length V.
type ORAM struct {
	backend remote.Store
	id      uint64
	box     *cipher.Box

	n          uint64
	v          int
	treeDepth  uint64
	totalNodes uint64
	entrySize  int

	cachedNodes    map[uint64]bool
	stash          map[Key]block
	availablePaths map[uint64]bool

	remoteStash *remoteStash

	bytesMovedTotal   uint64
	pathsFetchedTotal uint64
	wasPrebuilt       bool

	name    string
	metrics *metrics.Collector
}

// Construct opens or builds an ORAM per cfg. If the backend reports an
// existing store under cfg.Name (and cfg.FirstBuild is false), that store
// is adopted as-is; otherwise every bucket is freshly initialized to an
// empty "all-dummy" state via fillWithDummies.
func Construct(ctx context.Context, cfg Config) (*ORAM, error) {
	if !isPowerOfTwo(cfg.N) {
		return nil, fmt.Errorf("oram: N must be a power of two, got %d", cfg.N)
	}
	o := &ORAM{
		backend:        cfg.Backend,
		box:            cfg.Box,
		n:              cfg.N,
		v:              cfg.V,
		treeDepth:      depth(cfg.N),
		totalNodes:     2*cfg.N - 1,
		entrySize:      cfg.Box.SealedLen(plainLen(cfg.V)),
		cachedNodes:    make(map[uint64]bool),
		stash:          make(map[Key]block),
		availablePaths: make(map[uint64]bool),
		name:           cfg.Name,
		metrics:        cfg.Metrics,
	}

	id, foundPrebuilt, err := cfg.Backend.Initialize(ctx, remote.InitOpts{
		N:          o.totalNodes,
		EntrySize:  uint64(o.entrySize),
		Name:       cfg.Name,
		FirstBuild: cfg.FirstBuild,
	})
	if err != nil {
		return nil, err
	}
	o.id = id
	o.wasPrebuilt = foundPrebuilt
	o.resetAvailablePaths()

	if cfg.UploadStash {
		rs, err := newRemoteStash(ctx, cfg.Backend, cfg.Box, cfg.Name, cfg.V, cfg.FirstBuild)
		if err != nil {
			return nil, err
		}
		o.remoteStash = rs
		if foundPrebuilt {
			stash, err := rs.download(ctx)
			if err != nil {
				return nil, err
			}
			o.stash = stash
		}
	}

	if !foundPrebuilt {
		if err := o.fillWithDummies(ctx); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *ORAM) resetAvailablePaths() {
	o.availablePaths = make(map[uint64]bool, o.n)
	lo, hi := o.n-1, 2*o.n-2
	for p := lo; p <= hi; p++ {
		o.availablePaths[p] = true
	}
}

// aad binds a bucket's ciphertext to the node index it was sealed under,
// so a ciphertext read back at a different index fails authentication
// instead of being silently accepted.
func aad(node uint64) []byte {
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(node >> uint(8*i))
	}
	return buf
}

// fillWithDummies writes every tree node as an empty, all-invalid-slot
// bucket. Doing this eagerly for the whole tree means every node is always
// fetchable without first having to learn its validity from its parent's
// flags bits.
func (o *ORAM) fillWithDummies(ctx context.Context) error {
	empty := emptyBucket()
	entries := make(map[uint64][]byte, o.totalNodes)
	for k := uint64(0); k < o.totalNodes; k++ {
		empty.LeftValid = 2*k+1 < o.totalNodes
		empty.RightValid = 2*k+2 < o.totalNodes
		sealed, err := o.box.Seal(aad(k), marshalBucket(empty, o.v))
		if err != nil {
			return err
		}
		entries[k] = sealed
	}
	return o.backend.WriteMany(ctx, o.id, entries)
}

func (o *ORAM) randomLeaf() uint64 {
	lo, hi := o.n-1, 2*o.n-2
	span := hi - lo + 1
	n, _ := rand.Int(rand.Reader, big.NewInt(int64(span)))
	return lo + n.Uint64()
}

func (o *ORAM) randomAvailableLeaf() (uint64, bool) {
	if len(o.availablePaths) == 0 {
		return 0, false
	}
	idx, _ := rand.Int(rand.Reader, big.NewInt(int64(len(o.availablePaths))))
	i := int64(0)
	for leaf := range o.availablePaths {
		if i == idx.Int64() {
			return leaf, true
		}
		i++
	}
	return 0, false
}

func (o *ORAM) fetchNodes(ctx context.Context, nodes []uint64) error {
	data, err := o.backend.ReadMany(ctx, o.id, nodes)
	if err != nil {
		return err
	}
	for _, k := range nodes {
		ct := data[k]
		pt, err := o.box.Open(aad(k), ct)
		if err != nil {
			return fmt.Errorf("oram: decrypting node %d: %w", k, err)
		}
		b, err := unmarshalBucket(pt, o.v)
		if err != nil {
			return err
		}
		for _, s := range b.Slots {
			if !s.Valid {
				continue
			}
			if _, exists := o.stash[s.Key]; !exists {
				o.stash[s.Key] = block{Pos: s.Pos, Val: append([]byte(nil), s.Val...)}
			}
		}
		o.bytesMovedTotal += uint64(len(ct))
	}
	return nil
}

// FetchPath pulls every not-yet-cached ancestor of leaf into the local
// stash. It reports whether any backend contact was actually made (false
// if the whole path was already cached this epoch).
func (o *ORAM) FetchPath(ctx context.Context, leaf uint64) (bool, error) {
	if leaf < o.n-1 || leaf > 2*o.n-2 {
		return false, fmt.Errorf("oram: leaf %d out of range [%d, %d]", leaf, o.n-1, 2*o.n-2)
	}
	delete(o.availablePaths, leaf)

	var toFetch []uint64
	for _, a := range ancestorsOf(leaf) {
		if !o.cachedNodes[a] {
			o.cachedNodes[a] = true
			toFetch = append(toFetch, a)
		}
	}
	if len(toFetch) == 0 {
		return false, nil
	}
	if err := o.fetchNodes(ctx, toFetch); err != nil {
		return false, err
	}
	o.pathsFetchedTotal++
	o.metrics.PathFetched(o.name)
	return true, nil
}

// FetchDummyPath fetches a path to a leaf not yet touched this epoch, for
// padding an operation's access count up to a fixed target independent of
// what the operation actually needed. A drawn leaf whose whole path is
// already cached is discarded and another is drawn, so every call that
// reports true contacts the backend exactly once. It reports false if every
// leaf has already been touched this epoch (nothing left to draw from).
func (o *ORAM) FetchDummyPath(ctx context.Context) (bool, error) {
	for {
		leaf, ok := o.randomAvailableLeaf()
		if !ok {
			return false, nil
		}
		did, err := o.FetchPath(ctx, leaf)
		if err != nil || did {
			return true, err
		}
	}
}

// GeneratePos returns a uniformly random leaf position, the same draw
// AddToStash performs when handed NilPos. Callers that need to know a
// block's position before inserting it use this.
func (o *ORAM) GeneratePos() Pos { return Pos(o.randomLeaf()) }

// AddToStash stores val under key at pos, assigning a fresh uniformly
// random leaf position when pos is NilPos. It returns the position the
// block now lives at.
func (o *ORAM) AddToStash(key Key, val []byte, pos Pos) Pos {
	if pos == NilPos {
		pos = Pos(o.randomLeaf())
	}
	o.stash[key] = block{Pos: pos, Val: append([]byte(nil), val...)}
	return pos
}

// ReadAndRemoveFromStash pops key's value out of the stash, if present.
func (o *ORAM) ReadAndRemoveFromStash(key Key) ([]byte, Pos, bool) {
	b, ok := o.stash[key]
	if !ok {
		return nil, 0, false
	}
	delete(o.stash, key)
	return b.Val, b.Pos, true
}

// Peek reports a stashed value without removing it.
func (o *ORAM) Peek(key Key) ([]byte, Pos, bool) {
	b, ok := o.stash[key]
	return b.Val, b.Pos, ok
}

// EvictAll writes every node touched since the last eviction back to the
// backend, greedily packing each node (deepest first) with whichever
// stashed blocks are still eligible to live there, then refreshes the
// remote stash snapshot and resets the epoch's bookkeeping.
func (o *ORAM) EvictAll(ctx context.Context) error {
	touched := make([]uint64, 0, len(o.cachedNodes))
	for k := range o.cachedNodes {
		touched = append(touched, k)
	}
	sort.Slice(touched, func(i, j int) bool { return levelOf(touched[i]) > levelOf(touched[j]) })

	written := make(map[uint64][]byte, len(touched))
	for _, k := range touched {
		d := levelOf(k)
		b := emptyBucket()
		b.LeftValid = 2*k+1 < o.totalNodes
		b.RightValid = 2*k+2 < o.totalNodes
		count := 0
		for key, blk := range o.stash {
			if count >= BlocksPerBucket {
				break
			}
			if posAtLevel(uint64(blk.Pos), d, o.treeDepth) != k {
				continue
			}
			b.Slots[count] = slot{Valid: true, Pos: blk.Pos, Key: key, Val: blk.Val}
			count++
			delete(o.stash, key)
		}
		sealed, err := o.box.Seal(aad(k), marshalBucket(b, o.v))
		if err != nil {
			return err
		}
		written[k] = sealed
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if len(written) == 0 {
			return nil
		}
		return o.backend.WriteMany(gctx, o.id, written)
	})
	g.Go(func() error {
		return o.remoteStash.upload(gctx, o.stash)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	var evicted uint64
	for _, ct := range written {
		evicted += uint64(len(ct))
	}
	o.bytesMovedTotal += evicted
	o.metrics.BytesMoved(o.name, evicted)
	o.metrics.Eviction(o.name)
	o.metrics.StashSize(o.name, len(o.stash))
	o.cachedNodes = make(map[uint64]bool)
	o.resetAvailablePaths()
	return nil
}

// BytesMoved returns the cumulative number of ciphertext bytes this ORAM
// has read from or written to its backend.
func (o *ORAM) BytesMoved() uint64 { return o.bytesMovedTotal }

// PathsFetched returns the cumulative number of real (backend-contacting)
// path fetches, dummy fetches included. Unlike BytesMoved, this count does
// not depend on how much the fetched paths happened to overlap, so two
// operation sequences padded to the same per-epoch target report the same
// value.
func (o *ORAM) PathsFetched() uint64 { return o.pathsFetchedTotal }

// TotalSizeOfStore returns the backend footprint of this ORAM's tree, in
// ciphertext bytes, independent of how full it is.
func (o *ORAM) TotalSizeOfStore() uint64 { return o.totalNodes * uint64(o.entrySize) }

// WasPrebuilt reports whether Construct adopted an existing backend store
// instead of initializing a fresh one.
func (o *ORAM) WasPrebuilt() bool { return o.wasPrebuilt }

// StashSize reports how many blocks currently live in the local stash.
func (o *ORAM) StashSize() int { return len(o.stash) }

// Destroy releases this ORAM's backend state.
func (o *ORAM) Destroy(ctx context.Context) error {
	if o.remoteStash != nil {
		if err := o.backend.Destroy(ctx, o.remoteStash.id); err != nil {
			return err
		}
	}
	return o.backend.Destroy(ctx, o.id)
}

// LeafRange returns the inclusive range of valid leaf positions.
func (o *ORAM) LeafRange() (lo, hi uint64) { return o.n - 1, 2*o.n - 2 }

// Depth returns the tree's depth (0 = just a root).
func (o *ORAM) Depth() uint64 { return o.treeDepth }

// MinPos is the fixed leaf position index structures pin their root block
// to, so that the first operation on a fresh instance can begin without an
// out-of-band position map.
func (o *ORAM) MinPos() Pos { return Pos(o.n - 1) }

// BatchSetupEvictAll evicts the entire stash as if a fetch had already
// been issued for every block's position. It is used when seeding an index
// structure at construction time: every block was added directly via
// AddToStash without ever being fetched, so the normal cached-nodes
// bookkeeping is empty and a plain EvictAll would write nothing back.
func (o *ORAM) BatchSetupEvictAll(ctx context.Context) error {
	for _, b := range o.stash {
		for _, a := range ancestorsOf(uint64(b.Pos)) {
			o.cachedNodes[a] = true
		}
	}
	return o.EvictAll(ctx)
}
