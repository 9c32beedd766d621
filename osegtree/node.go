package osegtree

import (
	"bytes"

	"github.com/pathvault/obliviousfs/internal/pack"
	"github.com/pathvault/obliviousfs/oram"
)

// nodeSize is the wire size of one segment-tree node: four uint32 fields
// (len, len, pos, pos).
const nodeSize = 16

// segNode is one internal node of the segment tree: the cached free
// length and current ORAM position of each child subtree. Leaves have no
// node of their own — their free length lives directly in whichever
// field of their parent describes them.
type segNode struct {
	LeftFreeLen   uint32
	RightFreeLen  uint32
	LeftChildPos  oram.Pos
	RightChildPos oram.Pos
}

// visibleFreeLen is what this node looks like to its own parent: the max
// of what its two children can satisfy.
func (n *segNode) visibleFreeLen() uint32 {
	if n.LeftFreeLen > n.RightFreeLen {
		return n.LeftFreeLen
	}
	return n.RightFreeLen
}

func marshalNode(n *segNode) []byte {
	buf := new(bytes.Buffer)
	pack.PutUint32(buf, n.LeftFreeLen)
	pack.PutUint32(buf, n.RightFreeLen)
	pack.PutUint32(buf, uint32(n.LeftChildPos))
	pack.PutUint32(buf, uint32(n.RightChildPos))
	return buf.Bytes()
}

func unmarshalNode(data []byte) (*segNode, error) {
	r := bytes.NewReader(data)
	left, err := pack.ReadUint32(r)
	if err != nil {
		return nil, err
	}
	right, err := pack.ReadUint32(r)
	if err != nil {
		return nil, err
	}
	leftPos, err := pack.ReadUint32(r)
	if err != nil {
		return nil, err
	}
	rightPos, err := pack.ReadUint32(r)
	if err != nil {
		return nil, err
	}
	return &segNode{
		LeftFreeLen:   left,
		RightFreeLen:  right,
		LeftChildPos:  oram.Pos(leftPos),
		RightChildPos: oram.Pos(rightPos),
	}, nil
}
