package ofs

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pathvault/obliviousfs/internal/pack"
)

// part is one occupied or empty slot inside a superblock. Each of a
// superblock's lf slots carries an independent (key, part-index) pair, so
// a superblock amortizes one ORAM-tree node across several small values
// (or several parts of the same large value) rather than dedicating a
// whole node to one part.
type part struct {
	Valid bool
	Key   uint64
	Index uint32
	Len   uint32 // bytes of Data actually in use; the rest is zero padding.
	Data  []byte
}

func partRecSize(dataLen int) int { return 8 + 4 + 4 + dataLen }

func bitmapLen(n uint32) int { return int((n + 7) / 8) }

// superblockPlainLen is the fixed plaintext size of one superblock holding
// lf parts, each with a dataLen-byte fixed data region.
func superblockPlainLen(lf uint32, dataLen int) int {
	return bitmapLen(lf) + int(lf)*partRecSize(dataLen)
}

func marshalSuperblock(parts []part, lf uint32, dataLen int) []byte {
	buf := new(bytes.Buffer)
	bitmap := make([]byte, bitmapLen(lf))
	for i, p := range parts {
		if p.Valid {
			bitmap[i/8] |= 1 << uint(i%8)
		}
	}
	buf.Write(bitmap)
	for _, p := range parts {
		pack.PutUint64(buf, p.Key)
		pack.PutUint32(buf, p.Index)
		pack.PutUint32(buf, p.Len)
		pack.PadTo(buf, p.Data, dataLen)
	}
	return buf.Bytes()
}

func unmarshalSuperblock(data []byte, lf uint32, dataLen int) ([]part, error) {
	want := superblockPlainLen(lf, dataLen)
	if len(data) != want {
		return nil, fmt.Errorf("ofs: superblock plaintext has length %d, want %d", len(data), want)
	}
	r := bytes.NewReader(data)
	bitmap := make([]byte, bitmapLen(lf))
	if _, err := io.ReadFull(r, bitmap); err != nil {
		return nil, err
	}
	parts := make([]part, lf)
	for i := uint32(0); i < lf; i++ {
		key, err := pack.ReadUint64(r)
		if err != nil {
			return nil, err
		}
		idx, err := pack.ReadUint32(r)
		if err != nil {
			return nil, err
		}
		ln, err := pack.ReadUint32(r)
		if err != nil {
			return nil, err
		}
		d := make([]byte, dataLen)
		if _, err := io.ReadFull(r, d); err != nil {
			return nil, err
		}
		parts[i] = part{
			Valid: bitmap[i/8]&(1<<uint(i%8)) != 0,
			Key:   key, Index: idx, Len: ln, Data: d,
		}
	}
	return parts, nil
}
