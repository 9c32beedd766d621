// Package osegtree implements an oblivious segment tree over a Path-ORAM,
// used by ofs to track free space within each size-class level: a fixed
// complete binary tree whose internal nodes cache the largest free length
// available in each child subtree, so an allocation descends straight to a
// leaf that can satisfy it.
package osegtree

import (
	"context"
	"fmt"

	"github.com/pathvault/obliviousfs/cipher"
	"github.com/pathvault/obliviousfs/metrics"
	"github.com/pathvault/obliviousfs/oram"
	"github.com/pathvault/obliviousfs/remote"
)

// Config carries everything needed to construct or re-open an OSegTree.
type Config struct {
	N           uint64 // capacity (power of two); also the underlying ORAM's N.
	MaxVal      uint32 // maximum free length per leaf.
	Box         *cipher.Box
	Backend     remote.Store
	Name        string
	UploadStash bool
	FirstBuild  bool

	// Metrics is optional; a nil value disables instrumentation.
	Metrics *metrics.Collector
}

// OSegTree is an oblivious free-space allocator: N leaves, each holding up
// to MaxVal units of free capacity, addressable by an opaque allocation
// key returned from Alloc.
type OSegTree struct {
	oram   *oram.ORAM
	n      uint64
	maxVal uint32

	// localFreeLen is used only in the N==1 degenerate case, where the
	// tree has no internal nodes and therefore never needs an ORAM at
	// all; the single leaf's free length is just a counter.
	localFreeLen uint32
}

// Construct builds or re-opens an OSegTree per cfg.
func Construct(ctx context.Context, cfg Config) (*OSegTree, error) {
	if cfg.N == 1 {
		return &OSegTree{n: 1, maxVal: cfg.MaxVal, localFreeLen: cfg.MaxVal}, nil
	}

	o, err := oram.Construct(ctx, oram.Config{
		N: cfg.N, V: nodeSize, Box: cfg.Box, Backend: cfg.Backend,
		Name: cfg.Name, UploadStash: cfg.UploadStash, FirstBuild: cfg.FirstBuild,
		Metrics: cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	t := &OSegTree{oram: o, n: cfg.N, maxVal: cfg.MaxVal}
	if !o.WasPrebuilt() {
		if err := t.prebuild(ctx); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// prebuild seeds every internal node (indices 1..N-2, bottom-up, then the
// root) with a fully-free subtree.
func (t *OSegTree) prebuild(ctx context.Context) error {
	childPos := make(map[uint64]oram.Pos)
	for k := int64(t.n) - 2; k >= 1; k-- {
		node := &segNode{LeftFreeLen: t.maxVal, RightFreeLen: t.maxVal}
		left, right := uint64(2*k+1), uint64(2*k+2)
		if !t.isLeaf(left) {
			node.LeftChildPos = childPos[left]
		}
		if !t.isLeaf(right) {
			node.RightChildPos = childPos[right]
		}
		pos := t.oram.AddToStash(oram.Key(k), marshalNode(node), oram.NilPos)
		childPos[uint64(k)] = pos
	}

	root := &segNode{LeftFreeLen: t.maxVal, RightFreeLen: t.maxVal}
	if !t.isLeaf(1) {
		root.LeftChildPos = childPos[1]
	}
	if !t.isLeaf(2) {
		root.RightChildPos = childPos[2]
	}
	t.oram.AddToStash(oram.Key(0), marshalNode(root), t.oram.MinPos())

	return t.oram.BatchSetupEvictAll(ctx)
}

func (t *OSegTree) isLeaf(node uint64) bool {
	return node >= t.n-1
}

func (t *OSegTree) fetchNode(ctx context.Context, idx uint64, pos oram.Pos) (*segNode, error) {
	if _, err := t.oram.FetchPath(ctx, uint64(pos)); err != nil {
		return nil, err
	}
	val, _, ok := t.oram.ReadAndRemoveFromStash(oram.Key(idx))
	if !ok {
		panic(fmt.Sprintf("osegtree: node %d missing from stash after fetching its path", idx))
	}
	return unmarshalNode(val)
}

type chainEntry struct {
	idx      uint64
	node     *segNode
	wentLeft bool
}

// rewriteChain recomputes free lengths bottom-up from the mutated leaf
// node, assigns each non-root node a fresh random position, fixes up each
// parent's recorded child position, and writes everything through the
// ORAM's stash. The caller must call EvictAll afterward.
func (t *OSegTree) rewriteChain(chain []chainEntry) {
	var childNewPos oram.Pos = oram.NilPos
	for i := len(chain) - 1; i >= 0; i-- {
		e := chain[i]
		if i < len(chain)-1 {
			child := chain[i+1]
			if e.wentLeft {
				e.node.LeftChildPos = childNewPos
				e.node.LeftFreeLen = child.node.visibleFreeLen()
			} else {
				e.node.RightChildPos = childNewPos
				e.node.RightFreeLen = child.node.visibleFreeLen()
			}
		}
		if e.idx == 0 {
			t.oram.AddToStash(oram.Key(0), marshalNode(e.node), t.oram.MinPos())
			continue
		}
		childNewPos = t.oram.AddToStash(oram.Key(e.idx), marshalNode(e.node), oram.NilPos)
	}
}

// Alloc reserves reqLen units of capacity and returns the leaf's public
// key, or false if the tree has no leaf with enough free space.
func (t *OSegTree) Alloc(ctx context.Context, reqLen uint32) (uint32, bool, error) {
	if t.n == 1 {
		if t.localFreeLen < reqLen {
			return 0, false, nil
		}
		t.localFreeLen -= reqLen
		return 0, true, nil
	}

	root, err := t.fetchNode(ctx, 0, t.oram.MinPos())
	if err != nil {
		return 0, false, err
	}
	if root.visibleFreeLen() < reqLen {
		// fetchNode popped the root out of the stash; put it back before
		// evicting or it would be lost.
		t.oram.AddToStash(oram.Key(0), marshalNode(root), t.oram.MinPos())
		if _, err := t.oram.FetchDummyPath(ctx); err != nil {
			return 0, false, err
		}
		if err := t.oram.EvictAll(ctx); err != nil {
			return 0, false, err
		}
		return 0, false, nil
	}

	chain := []chainEntry{{idx: 0, node: root}}
	curIdx := uint64(0)
	cur := root
	var key uint32
	for {
		goLeft := cur.LeftFreeLen >= reqLen
		chain[len(chain)-1].wentLeft = goLeft
		var childIdx uint64
		if goLeft {
			childIdx = 2*curIdx + 1
		} else {
			childIdx = 2*curIdx + 2
		}

		if t.isLeaf(childIdx) {
			if goLeft {
				cur.LeftFreeLen -= reqLen
			} else {
				cur.RightFreeLen -= reqLen
			}
			key = uint32(childIdx - (t.n - 1))
			break
		}

		var childPos oram.Pos
		if goLeft {
			childPos = cur.LeftChildPos
		} else {
			childPos = cur.RightChildPos
		}
		child, err := t.fetchNode(ctx, childIdx, childPos)
		if err != nil {
			return 0, false, err
		}
		chain = append(chain, chainEntry{idx: childIdx, node: child})
		curIdx, cur = childIdx, child
	}

	t.rewriteChain(chain)
	if err := t.oram.EvictAll(ctx); err != nil {
		return 0, false, err
	}
	return key, true, nil
}

// Free releases length units of capacity back to the leaf identified by key.
func (t *OSegTree) Free(ctx context.Context, key uint32, length uint32) error {
	if t.n == 1 {
		t.localFreeLen += length
		if t.localFreeLen > t.maxVal {
			t.localFreeLen = t.maxVal
		}
		return nil
	}

	leaf := uint64(key) + (t.n - 1)
	root, err := t.fetchNode(ctx, 0, t.oram.MinPos())
	if err != nil {
		return err
	}

	chain := []chainEntry{{idx: 0, node: root}}
	curIdx := uint64(0)
	cur := root
	for {
		leftChild := 2*curIdx + 1
		goLeft := isDescendant(leftChild, leaf)
		chain[len(chain)-1].wentLeft = goLeft
		var childIdx uint64
		if goLeft {
			childIdx = leftChild
		} else {
			childIdx = 2*curIdx + 2
		}

		if t.isLeaf(childIdx) {
			if goLeft {
				cur.LeftFreeLen += length
			} else {
				cur.RightFreeLen += length
			}
			break
		}

		var childPos oram.Pos
		if goLeft {
			childPos = cur.LeftChildPos
		} else {
			childPos = cur.RightChildPos
		}
		child, err := t.fetchNode(ctx, childIdx, childPos)
		if err != nil {
			return err
		}
		chain = append(chain, chainEntry{idx: childIdx, node: child})
		curIdx, cur = childIdx, child
	}

	t.rewriteChain(chain)
	return t.oram.EvictAll(ctx)
}

// DummyOp exercises the same I/O envelope as Free without changing any
// allocation state.
func (t *OSegTree) DummyOp(ctx context.Context) error {
	return t.Free(ctx, 0, 0)
}

// isDescendant reports whether leaf is in the subtree rooted at ancestor,
// found by walking leaf up to the root.
func isDescendant(ancestor, leaf uint64) bool {
	for {
		if leaf == ancestor {
			return true
		}
		if leaf == 0 {
			return false
		}
		leaf = (leaf - 1) / 2
	}
}

func (t *OSegTree) BytesMoved() uint64 {
	if t.oram == nil {
		return 0
	}
	return t.oram.BytesMoved()
}

func (t *OSegTree) TotalSizeOfStore() uint64 {
	if t.oram == nil {
		return 0
	}
	return t.oram.TotalSizeOfStore()
}

func (t *OSegTree) WasPrebuilt() bool { return t.oram != nil && t.oram.WasPrebuilt() }

func (t *OSegTree) Destroy(ctx context.Context) error {
	if t.oram == nil {
		return nil
	}
	return t.oram.Destroy(ctx)
}
