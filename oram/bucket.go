package oram

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pathvault/obliviousfs/internal/pack"
)

// BlocksPerBucket is the fixed block capacity of every bucket.
const BlocksPerBucket = 4

// slot is one of a bucket's fixed block entries.
type slot struct {
	Valid bool
	Pos   Pos
	Key   Key
	Val   []byte
}

// bucket is the plaintext contents of one tree node: a flags byte followed
// by BlocksPerBucket fixed-width (pos, key, val) slots. Flags bits 0/1 mark
// the left/right child valid; bits 2..5 mark the corresponding slot valid.
type bucket struct {
	LeftValid  bool
	RightValid bool
	Slots      [BlocksPerBucket]slot
}

// plainLen returns the length of a bucket's AEAD plaintext for value
// length v: the flags byte plus BlocksPerBucket slots of (pos, key, val).
func plainLen(v int) int {
	return 1 + BlocksPerBucket*(8+v)
}

func marshalBucket(b *bucket, v int) []byte {
	buf := new(bytes.Buffer)
	var flags byte
	if b.LeftValid {
		flags |= 1
	}
	if b.RightValid {
		flags |= 2
	}
	for i, s := range b.Slots {
		if s.Valid {
			flags |= 1 << uint(2+i)
		}
	}
	buf.WriteByte(flags)
	for _, s := range b.Slots {
		pack.PutUint32(buf, s.Pos)
		pack.PutUint32(buf, s.Key)
		pack.PadTo(buf, s.Val, v)
	}
	return buf.Bytes()
}

func unmarshalBucket(data []byte, v int) (*bucket, error) {
	if len(data) != plainLen(v) {
		return nil, fmt.Errorf("oram: bucket plaintext has length %d, want %d", len(data), plainLen(v))
	}
	r := bytes.NewReader(data)
	flagsByte, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	b := &bucket{
		LeftValid:  flagsByte&1 != 0,
		RightValid: flagsByte&2 != 0,
	}
	for i := 0; i < BlocksPerBucket; i++ {
		pos, err := pack.ReadUint32(r)
		if err != nil {
			return nil, err
		}
		key, err := pack.ReadUint32(r)
		if err != nil {
			return nil, err
		}
		val := make([]byte, v)
		if _, err := io.ReadFull(r, val); err != nil {
			return nil, err
		}
		b.Slots[i] = slot{
			Valid: flagsByte&(1<<uint(2+i)) != 0,
			Pos:   pos,
			Key:   key,
			Val:   val,
		}
	}
	return b, nil
}

// emptyBucket returns a bucket with every slot marked invalid, used to seed
// the backend during fillWithDummies.
func emptyBucket() *bucket {
	return &bucket{}
}
