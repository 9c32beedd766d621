package omap

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pathvault/obliviousfs/internal/pack"
	"github.com/pathvault/obliviousfs/oram"
)

// bp is an oblivious "block pointer": an opaque (oram key, leaf position)
// handle to a child node, plus a cached subtree Height so a parent can
// compute its own balance factor without fetching a child it never
// otherwise needs to touch.
type bp struct {
	Key    oram.Key
	Pos    oram.Pos
	Valid  bool
	Height uint8
}

// avlNode is the on-disk record of one tree node. LCount/RCount are only
// meaningful when the OMap was constructed with AllowDuplicates; they are
// always present in the fixed-width encoding so both variants share one
// wire layout. NextKey is only meaningful on the node currently occupying
// the root slot: it is the oblivious-key allocation counter (see omap.go's
// newKey), persisted there because the root is the one record every
// operation reads first.
type avlNode struct {
	Key     uint64
	Height  uint8
	Left    bp
	Right   bp
	LCount  uint32
	RCount  uint32
	NextKey uint32
	Val     []byte
}

// nodeSize returns the fixed plaintext length of one node record for a
// value of length v.
func nodeSize(v int) int {
	// Key(8) + Height(1) + 2*(Valid(1)+Key(4)+Pos(4)+Height(1)) + LCount(4)
	// + RCount(4) + NextKey(4) + Val(v).
	return 8 + 1 + 2*(1+4+4+1) + 4 + 4 + 4 + v
}

func marshalBP(buf *bytes.Buffer, b bp) {
	if b.Valid {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	pack.PutUint32(buf, b.Key)
	pack.PutUint32(buf, uint32(b.Pos))
	buf.WriteByte(b.Height)
}

func unmarshalBP(r *bytes.Reader) (bp, error) {
	validByte, err := r.ReadByte()
	if err != nil {
		return bp{}, err
	}
	key, err := pack.ReadUint32(r)
	if err != nil {
		return bp{}, err
	}
	pos, err := pack.ReadUint32(r)
	if err != nil {
		return bp{}, err
	}
	height, err := r.ReadByte()
	if err != nil {
		return bp{}, err
	}
	return bp{Key: key, Pos: oram.Pos(pos), Valid: validByte != 0, Height: height}, nil
}

func marshalNode(n *avlNode, v int) []byte {
	buf := new(bytes.Buffer)
	pack.PutUint64(buf, n.Key)
	buf.WriteByte(n.Height)
	marshalBP(buf, n.Left)
	marshalBP(buf, n.Right)
	pack.PutUint32(buf, n.LCount)
	pack.PutUint32(buf, n.RCount)
	pack.PutUint32(buf, n.NextKey)
	pack.PadTo(buf, n.Val, v)
	return buf.Bytes()
}

func unmarshalNode(data []byte, v int) (*avlNode, error) {
	if len(data) != nodeSize(v) {
		return nil, fmt.Errorf("omap: node plaintext has length %d, want %d", len(data), nodeSize(v))
	}
	r := bytes.NewReader(data)
	key, err := pack.ReadUint64(r)
	if err != nil {
		return nil, err
	}
	height, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	left, err := unmarshalBP(r)
	if err != nil {
		return nil, err
	}
	right, err := unmarshalBP(r)
	if err != nil {
		return nil, err
	}
	lCount, err := pack.ReadUint32(r)
	if err != nil {
		return nil, err
	}
	rCount, err := pack.ReadUint32(r)
	if err != nil {
		return nil, err
	}
	nextKey, err := pack.ReadUint32(r)
	if err != nil {
		return nil, err
	}
	val := make([]byte, v)
	if _, err := io.ReadFull(r, val); err != nil {
		return nil, err
	}
	return &avlNode{
		Key: key, Height: height, Left: left, Right: right,
		LCount: lCount, RCount: rCount, NextKey: nextKey, Val: val,
	}, nil
}
