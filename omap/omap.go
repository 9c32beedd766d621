// Package omap implements an oblivious AVL tree over a Path-ORAM, mapping
// unsigned 64-bit user keys to fixed-length values, and a
// duplicates-allowed variant (see osm.go).
//
// Tree nodes live behind the ORAM in an arena-and-index arrangement: a
// node's children are named by opaque (oram key, leaf position) handles
// rather than pointers, every touched node is popped into process memory
// for the duration of one operation, and the whole touched path is written
// back under fresh random positions before the operation returns.
package omap

import (
	"context"
	"fmt"

	"github.com/pathvault/obliviousfs/cipher"
	"github.com/pathvault/obliviousfs/internal/padding"
	"github.com/pathvault/obliviousfs/metrics"
	"github.com/pathvault/obliviousfs/oram"
	"github.com/pathvault/obliviousfs/remote"
)

// childRef names a child subtree: either an as-yet-unfetched block pointer
// (bp.Valid, node == nil) or an in-memory node already popped out of the
// ORAM's stash this operation (node != nil). touched records that this
// slot was visited this operation even if it ends up empty (distinguishing
// "never looked at this subtree" from "looked at it and deleted it all"),
// so commit knows whether to preserve the original bp unchanged or drop it.
//
// A subtree that doesn't exist at all is a nil *childRef; load never
// creates a ref for an invalid child pointer.
type childRef struct {
	bp      bp
	node    *memNode
	touched bool
}

// memNode is the in-memory, not-yet-committed form of an avlNode: children
// are live childRefs rather than wire-encoded bp's, so a chain of rotations
// can mutate the whole path in process memory before anything is written
// back through the ORAM.
type memNode struct {
	key    uint64
	height uint8
	left   *childRef
	right  *childRef
	lCount uint32
	rCount uint32
	val    []byte
}

func childHeight(c *childRef) uint8 {
	if c == nil {
		return 0
	}
	if c.node != nil {
		return c.node.height
	}
	return c.bp.Height
}

func updateHeight(n *memNode) {
	lh, rh := childHeight(n.left), childHeight(n.right)
	if lh > rh {
		n.height = lh + 1
	} else {
		n.height = rh + 1
	}
}

func balanceFactor(n *memNode) int {
	return int(childHeight(n.left)) - int(childHeight(n.right))
}

// Config carries everything needed to construct or re-open an OMap.
type Config struct {
	N               uint64 // capacity (power of two); also the underlying ORAM's N.
	V               int    // fixed value length.
	Box             *cipher.Box
	Backend         remote.Store
	Name            string
	UploadStash     bool
	FirstBuild      bool
	AllowDuplicates bool // OSM variant, see osm.go.

	// Metrics is optional; a nil value disables instrumentation.
	Metrics *metrics.Collector
}

// OMap is an oblivious AVL tree mapping uint64 keys to fixed-length
// values. The root block is pinned at the underlying ORAM's MinPos so
// every operation can begin its descent without an out-of-band position
// map.
type OMap struct {
	oram            *oram.ORAM
	v               int
	allowDuplicates bool

	counter *padding.Counter
	nextKey uint32
}

// Construct builds or re-opens an OMap per cfg.
func Construct(ctx context.Context, cfg Config) (*OMap, error) {
	o, err := oram.Construct(ctx, oram.Config{
		N: cfg.N, V: nodeSize(cfg.V), Box: cfg.Box, Backend: cfg.Backend,
		Name: cfg.Name, UploadStash: cfg.UploadStash, FirstBuild: cfg.FirstBuild,
		Metrics: cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return &OMap{
		oram:            o,
		v:               cfg.V,
		allowDuplicates: cfg.AllowDuplicates,
		counter:         padding.NewCounter(cfg.N),
		nextKey:         1,
	}, nil
}

// rootBP is the block pointer every operation starts its descent from:
// opaque key 0, fixed at the ORAM's MinPos. Height is irrelevant here
// since the root is never "a child" of anything.
func (m *OMap) rootBP() bp {
	return bp{Key: 0, Pos: m.oram.MinPos(), Valid: true}
}

// load fetches ref's path and pops its node out of the ORAM stash, if it
// names one and hasn't already been loaded this operation. It is a no-op
// for a nil ref, an invalid child pointer, or a node already in memory.
func (m *OMap) load(ctx context.Context, ref *childRef) error {
	if ref == nil || ref.node != nil || ref.touched || !ref.bp.Valid {
		return nil
	}
	did, err := m.oram.FetchPath(ctx, uint64(ref.bp.Pos))
	if err != nil {
		return err
	}
	if did {
		m.counter.Fetch()
	}
	ref.touched = true
	val, _, ok := m.oram.ReadAndRemoveFromStash(ref.bp.Key)
	if !ok {
		return nil
	}
	n, err := unmarshalNode(val, m.v)
	if err != nil {
		return err
	}
	ref.node = &memNode{
		key: n.Key, height: n.Height, lCount: n.LCount, rCount: n.RCount, val: n.Val,
	}
	if n.Left.Valid {
		ref.node.left = &childRef{bp: n.Left}
	}
	if n.Right.Valid {
		ref.node.right = &childRef{bp: n.Right}
	}
	if ref.bp.Key == 0 {
		m.nextKey = n.NextKey
	}
	return nil
}

// ensureLoaded is load plus an explicit padding charge for the case where
// rebalancing needs a sibling subtree that the main descent never touched.
func (m *OMap) ensureLoaded(ctx context.Context, ref *childRef) error {
	if ref == nil || ref.node != nil || !ref.bp.Valid {
		return nil
	}
	wasTouched := ref.touched
	if err := m.load(ctx, ref); err != nil {
		return err
	}
	if !wasTouched {
		m.counter.ExtraFetch()
	}
	return nil
}

func (m *OMap) newKey() oram.Key {
	k := m.nextKey
	m.nextKey++
	return oram.Key(k)
}

// beginOp starts a logical operation by loading the root slot.
func (m *OMap) beginOp(ctx context.Context) (*childRef, error) {
	m.counter.Op()
	root := &childRef{bp: m.rootBP()}
	if err := m.load(ctx, root); err != nil {
		return nil, err
	}
	return root, nil
}

// commit recursively assigns each touched node a fresh identity (random
// position, except the root which is pinned to key 0 / MinPos), writing it
// into the ORAM's stash, and returns the bp the parent should store. An
// untouched subtree's bp passes through unchanged; a touched-but-now-empty
// subtree (deleted down to nothing) returns an invalid bp.
func (m *OMap) commit(ref *childRef, isRoot bool) bp {
	if ref == nil {
		return bp{}
	}
	if ref.node == nil {
		if ref.touched {
			return bp{}
		}
		return ref.bp
	}
	n := ref.node
	leftBP := m.commit(n.left, false)
	rightBP := m.commit(n.right, false)

	wire := &avlNode{
		Key: n.key, Height: n.height, Left: leftBP, Right: rightBP,
		LCount: n.lCount, RCount: n.rCount, Val: n.val,
	}
	if isRoot {
		wire.NextKey = m.nextKey
		data := marshalNode(wire, m.v)
		m.oram.AddToStash(oram.Key(0), data, m.oram.MinPos())
		return bp{Key: 0, Pos: m.oram.MinPos(), Valid: true, Height: n.height}
	}
	key := m.newKey()
	data := marshalNode(wire, m.v)
	pos := m.oram.AddToStash(key, data, oram.NilPos)
	return bp{Key: key, Pos: pos, Valid: true, Height: n.height}
}

// rotateLeft promotes ref's right child to the top of this subtree.
// Requires ref.node.right already loaded.
func rotateLeft(ref *childRef) {
	n := ref.node
	r := n.right.node
	if r.key == n.key {
		n.rCount = r.lCount
		r.lCount = 1 + n.lCount + n.rCount
	}
	n.right = r.left
	updateHeight(n)
	r.left = &childRef{node: n, touched: true}
	updateHeight(r)
	ref.node = r
}

// rotateRight promotes ref's left child to the top of this subtree.
// Requires ref.node.left already loaded.
func rotateRight(ref *childRef) {
	n := ref.node
	l := n.left.node
	if l.key == n.key {
		n.lCount = l.rCount
		l.rCount = 1 + n.rCount + n.lCount
	}
	n.left = l.right
	updateHeight(n)
	l.right = &childRef{node: n, touched: true}
	updateHeight(l)
	ref.node = l
}

// rebalance restores the AVL invariant at ref after its subtree changed,
// fetching a sibling subtree's top node if (and only if) deletion left an
// imbalance that single- or double-rotation needs to inspect but the main
// descent never touched.
func (m *OMap) rebalance(ctx context.Context, ref *childRef) error {
	n := ref.node
	updateHeight(n)
	switch bf := balanceFactor(n); {
	case bf > 1:
		if err := m.ensureLoaded(ctx, n.left); err != nil {
			return err
		}
		if balanceFactor(n.left.node) < 0 {
			if err := m.ensureLoaded(ctx, n.left.node.right); err != nil {
				return err
			}
			rotateLeft(n.left)
		}
		rotateRight(ref)
	case bf < -1:
		if err := m.ensureLoaded(ctx, n.right); err != nil {
			return err
		}
		if balanceFactor(n.right.node) > 0 {
			if err := m.ensureLoaded(ctx, n.right.node.left); err != nil {
				return err
			}
			rotateRight(n.right)
		}
		rotateLeft(ref)
	}
	return nil
}

// replaceWith substitutes ref's whole subtree with the subtree at child
// (which may be nil). The child's identity, loadedness, and touched state
// carry over unchanged so commit still does the right thing for it.
func replaceWith(ref, child *childRef) {
	if child == nil {
		ref.node = nil
		ref.bp = bp{}
		ref.touched = true
		return
	}
	ref.node = child.node
	ref.bp = child.bp
	ref.touched = child.touched
}

// insertRec inserts (key, val), replacing any existing value for key,
// rebalancing on the way back up.
func (m *OMap) insertRec(ctx context.Context, ref *childRef, key uint64, val []byte) error {
	if err := m.load(ctx, ref); err != nil {
		return err
	}
	if ref.node == nil {
		ref.node = &memNode{key: key, height: 1, val: append([]byte(nil), val...)}
		ref.touched = true
		return nil
	}
	n := ref.node
	switch {
	case key == n.key:
		n.val = append([]byte(nil), val...)
		return nil
	case key < n.key:
		if n.left == nil {
			n.left = &childRef{}
		}
		if err := m.insertRec(ctx, n.left, key, val); err != nil {
			return err
		}
	default:
		if n.right == nil {
			n.right = &childRef{}
		}
		if err := m.insertRec(ctx, n.right, key, val); err != nil {
			return err
		}
	}
	return m.rebalance(ctx, ref)
}

// readRec descends to key without structural changes. Every node visited
// is still popped out of the stash and (via commit) rewritten to a fresh
// position: an oblivious access re-randomizes every block it touches
// whether or not the logical operation was a write.
func (m *OMap) readRec(ctx context.Context, ref *childRef, key uint64) ([]byte, bool, error) {
	if err := m.load(ctx, ref); err != nil {
		return nil, false, err
	}
	if ref == nil || ref.node == nil {
		return nil, false, nil
	}
	n := ref.node
	switch {
	case key == n.key:
		return n.val, true, nil
	case key < n.key:
		if n.left == nil {
			return nil, false, nil
		}
		return m.readRec(ctx, n.left, key)
	default:
		if n.right == nil {
			return nil, false, nil
		}
		return m.readRec(ctx, n.right, key)
	}
}

// removeMin deletes and returns the minimum-keyed node of the subtree at
// ref, rebalancing on the way back up; used by deleteRec's two-child case
// (successor substitution).
func (m *OMap) removeMin(ctx context.Context, ref *childRef) (uint64, []byte, error) {
	if err := m.load(ctx, ref); err != nil {
		return 0, nil, err
	}
	n := ref.node
	if n.left == nil {
		k, v := n.key, n.val
		replaceWith(ref, n.right)
		return k, v, nil
	}
	k, v, err := m.removeMin(ctx, n.left)
	if err != nil {
		return 0, nil, err
	}
	if n.left.node == nil && !n.left.bp.Valid {
		n.left = nil
	}
	if err := m.rebalance(ctx, ref); err != nil {
		return 0, nil, err
	}
	return k, v, nil
}

// deleteRec removes key from the subtree at ref, if present, rebalancing
// on the way back up. Two-child nodes are replaced by their successor (the
// leftmost node of the right subtree).
func (m *OMap) deleteRec(ctx context.Context, ref *childRef, key uint64) ([]byte, bool, error) {
	if err := m.load(ctx, ref); err != nil {
		return nil, false, err
	}
	if ref == nil || ref.node == nil {
		return nil, false, nil
	}
	n := ref.node
	switch {
	case key < n.key:
		if n.left == nil {
			return nil, false, nil
		}
		val, found, err := m.deleteRec(ctx, n.left, key)
		if err != nil || !found {
			return val, found, err
		}
		if n.left.node == nil && !n.left.bp.Valid {
			n.left = nil
		}
		return val, found, m.rebalance(ctx, ref)
	case key > n.key:
		if n.right == nil {
			return nil, false, nil
		}
		val, found, err := m.deleteRec(ctx, n.right, key)
		if err != nil || !found {
			return val, found, err
		}
		if n.right.node == nil && !n.right.bp.Valid {
			n.right = nil
		}
		return val, found, m.rebalance(ctx, ref)
	default:
		val := n.val
		switch {
		case n.left == nil && n.right == nil:
			replaceWith(ref, nil)
		case n.left == nil:
			replaceWith(ref, n.right)
		case n.right == nil:
			replaceWith(ref, n.left)
		default:
			succKey, succVal, err := m.removeMin(ctx, n.right)
			if err != nil {
				return nil, false, err
			}
			n.key, n.val = succKey, succVal
			if n.right.node == nil && !n.right.bp.Valid {
				n.right = nil
			}
			if err := m.rebalance(ctx, ref); err != nil {
				return nil, false, err
			}
		}
		return val, true, nil
	}
}

// Insert adds key/val to the map, replacing any existing value for key.
func (m *OMap) Insert(ctx context.Context, key uint64, val []byte) error {
	if len(val) != m.v {
		return fmt.Errorf("omap: value has length %d, want %d", len(val), m.v)
	}
	root, err := m.beginOp(ctx)
	if err != nil {
		return err
	}
	if err := m.insertRec(ctx, root, key, val); err != nil {
		return err
	}
	m.commit(root, true)
	return m.EvictAll(ctx)
}

// Read returns key's value, if present, without removing it.
func (m *OMap) Read(ctx context.Context, key uint64) ([]byte, bool, error) {
	root, err := m.beginOp(ctx)
	if err != nil {
		return nil, false, err
	}
	val, found, err := m.readRec(ctx, root, key)
	if err != nil {
		return nil, false, err
	}
	m.commit(root, true)
	if err := m.EvictAll(ctx); err != nil {
		return nil, false, err
	}
	return val, found, nil
}

// ReadAndRemove returns and deletes key's value, if present.
func (m *OMap) ReadAndRemove(ctx context.Context, key uint64) ([]byte, bool, error) {
	root, err := m.beginOp(ctx)
	if err != nil {
		return nil, false, err
	}
	val, found, err := m.deleteRec(ctx, root, key)
	if err != nil {
		return nil, false, err
	}
	m.commit(root, true)
	if err := m.EvictAll(ctx); err != nil {
		return nil, false, err
	}
	return val, found, nil
}

// DummyOp exercises the same I/O envelope as Read without revealing
// whether any particular key is of interest to the caller.
func (m *OMap) DummyOp(ctx context.Context) error {
	_, _, err := m.Read(ctx, 0)
	return err
}

// EvictAll pads the number of paths fetched this epoch up to the target
// padding.Counter has accumulated, then evicts the underlying ORAM and
// starts a new epoch. The padding is what keeps the per-epoch path count
// independent of which keys the epoch's operations touched.
func (m *OMap) EvictAll(ctx context.Context) error {
	for m.counter.Remaining() > 0 {
		did, err := m.oram.FetchDummyPath(ctx)
		if err != nil {
			return err
		}
		if !did {
			break
		}
		m.counter.Fetch()
	}
	if err := m.oram.EvictAll(ctx); err != nil {
		return err
	}
	m.counter.Reset()
	return nil
}

func (m *OMap) BytesMoved() uint64       { return m.oram.BytesMoved() }
func (m *OMap) PathsFetched() uint64     { return m.oram.PathsFetched() }
func (m *OMap) TotalSizeOfStore() uint64 { return m.oram.TotalSizeOfStore() }
func (m *OMap) WasPrebuilt() bool        { return m.oram.WasPrebuilt() }
func (m *OMap) Destroy(ctx context.Context) error {
	return m.oram.Destroy(ctx)
}
