// Package pack holds the small binary-framing helpers shared by the bucket,
// AVL-node, segment-tree-node, and superblock encoders.
package pack

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// PutUint32 appends v to buf in little-endian order.
func PutUint32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

// PutUint64 appends v to buf in little-endian order.
func PutUint64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

// ReadUint32 reads a little-endian uint32 from r.
func ReadUint32(r *bytes.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(tmp[:]), nil
}

// ReadUint64 reads a little-endian uint64 from r.
func ReadUint64(r *bytes.Reader) (uint64, error) {
	var tmp [8]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(tmp[:]), nil
}

// PadTo writes data followed by enough zero bytes to make a fixed-size field
// of width bytes. It panics if data is already longer than width: a
// programmer error, not a runtime condition.
func PadTo(buf *bytes.Buffer, data []byte, width int) {
	if len(data) > width {
		panic(fmt.Sprintf("pack: data of length %d exceeds fixed field width %d", len(data), width))
	}
	buf.Write(data)
	buf.Write(make([]byte, width-len(data)))
}
