package omap

import (
	"context"
	"crypto/rand"
	"fmt"
)

// coinFlip returns a uniformly random boolean, used by InsertDuplicate to
// decide which side a tied key goes to, so that duplicates of one value
// end up spread across both subtrees rather than forming a single
// right-leaning (or left-leaning) chain; the LCount/RCount fields only
// help prune ReadAll's traversal if duplicates can actually live on
// either side.
func coinFlip() bool {
	var b [1]byte
	rand.Read(b[:])
	return b[0]&1 == 1
}

// insertDupRec inserts a new node for key unconditionally (never replacing
// an existing one), maintaining each visited node's LCount/RCount of how
// many duplicates of ITS OWN key live in the respective subtree.
func (m *OMap) insertDupRec(ctx context.Context, ref *childRef, key uint64, val []byte) error {
	if err := m.load(ctx, ref); err != nil {
		return err
	}
	if ref.node == nil {
		ref.node = &memNode{key: key, height: 1, val: append([]byte(nil), val...)}
		ref.touched = true
		return nil
	}
	n := ref.node
	goLeft := key < n.key || (key == n.key && coinFlip())
	if goLeft {
		if n.left == nil {
			n.left = &childRef{}
		}
		if err := m.insertDupRec(ctx, n.left, key, val); err != nil {
			return err
		}
		if key == n.key {
			n.lCount++
		}
	} else {
		if n.right == nil {
			n.right = &childRef{}
		}
		if err := m.insertDupRec(ctx, n.right, key, val); err != nil {
			return err
		}
		if key == n.key {
			n.rCount++
		}
	}
	return m.rebalance(ctx, ref)
}

// readAllRec collects the values of every node storing key, descending
// into a subtree only when the current node's own counts (if it matches
// key) or the ordinary BST comparison (if it doesn't) say key could be
// there.
func (m *OMap) readAllRec(ctx context.Context, ref *childRef, key uint64, out *[][]byte) error {
	if err := m.load(ctx, ref); err != nil {
		return err
	}
	if ref.node == nil {
		return nil
	}
	n := ref.node
	if n.key == key {
		*out = append(*out, n.val)
		if n.lCount > 0 && n.left != nil {
			if err := m.readAllRec(ctx, n.left, key, out); err != nil {
				return err
			}
		}
		if n.rCount > 0 && n.right != nil {
			if err := m.readAllRec(ctx, n.right, key, out); err != nil {
				return err
			}
		}
		return nil
	}
	if key < n.key {
		if n.left == nil {
			return nil
		}
		return m.readAllRec(ctx, n.left, key, out)
	}
	if n.right == nil {
		return nil
	}
	return m.readAllRec(ctx, n.right, key, out)
}

// InsertDuplicate adds a new (key, val) record without disturbing any
// existing record for key. It is only valid on an OMap constructed with
// AllowDuplicates.
func (m *OMap) InsertDuplicate(ctx context.Context, key uint64, val []byte) error {
	if !m.allowDuplicates {
		return fmt.Errorf("omap: InsertDuplicate called on a non-OSM OMap")
	}
	if len(val) != m.v {
		return fmt.Errorf("omap: value has length %d, want %d", len(val), m.v)
	}
	root, err := m.beginOp(ctx)
	if err != nil {
		return err
	}
	if err := m.insertDupRec(ctx, root, key, val); err != nil {
		return err
	}
	m.commit(root, true)
	return m.EvictAll(ctx)
}

// ReadAll returns every value stored under key.
func (m *OMap) ReadAll(ctx context.Context, key uint64) ([][]byte, error) {
	if !m.allowDuplicates {
		return nil, fmt.Errorf("omap: ReadAll called on a non-OSM OMap")
	}
	root, err := m.beginOp(ctx)
	if err != nil {
		return nil, err
	}
	var out [][]byte
	if err := m.readAllRec(ctx, root, key, &out); err != nil {
		return nil, err
	}
	m.commit(root, true)
	if err := m.EvictAll(ctx); err != nil {
		return nil, err
	}
	return out, nil
}
