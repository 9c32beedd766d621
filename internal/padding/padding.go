// Package padding implements the fetch-count bookkeeping that keeps the
// number of backend paths touched per epoch independent of the key
// distribution.
package padding

import "math"

// PerOp returns the per-operation fetch budget for an oblivious structure
// of capacity n: ceil(1.44 * 3 * log2(n)), the worst-case number of node
// touches one AVL operation (descent plus rotations) can need.
func PerOp(n uint64) int {
	if n <= 1 {
		return 0
	}
	return int(math.Ceil(1.44 * 3 * math.Log2(float64(n))))
}

// Counter tracks "paths fetched since the last eviction" against a target
// that every logical operation advances by PerOp, and that every fetch
// beyond the ones PerOp already accounts for advances by one. Evicting
// drains the difference with dummy fetches, then Reset starts a new epoch.
type Counter struct {
	perOp  int
	done   int
	target int
}

// NewCounter returns a Counter for a structure whose capacity is n.
func NewCounter(n uint64) *Counter {
	return &Counter{perOp: PerOp(n)}
}

// Op records that one logical operation has begun; it alone accounts for
// perOp fetches.
func (c *Counter) Op() { c.target += c.perOp }

// ExtraFetch records that an operation needed one more fetch than perOp
// already budgeted for (e.g. an AVL rotation touching an extra node).
func (c *Counter) ExtraFetch() { c.target++ }

// Fetch records one path fetch actually performed, real or dummy.
func (c *Counter) Fetch() { c.done++ }

// Remaining is how many additional dummy fetches must happen before the
// next eviction to keep this epoch's fetch count independent of which
// branches the logical operations took.
func (c *Counter) Remaining() int {
	if c.target > c.done {
		return c.target - c.done
	}
	return 0
}

// Reset starts a new epoch, zeroing both counters.
func (c *Counter) Reset() {
	c.done, c.target = 0, 0
}
