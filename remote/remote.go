// Package remote defines the interface the rest of this module consumes
// from the untrusted backend — a flat indexed byte-array service with an
// initialize/read-many/write-many/destroy contract — and provides one
// concrete client against that wire protocol. The backend server itself
// and the stores that back it live elsewhere; remote/memstore provides a
// local, sqlite-backed stand-in.
package remote

import (
	"context"
	"errors"
)

// StoreType selects the storage medium the backend should use for a newly
// initialized store. The core never inspects this value itself; it is
// forwarded to Initialize verbatim.
type StoreType int

const (
	RAM StoreType = iota
	MMapRAM
	MMapFile
	PosixSingleFile
)

// Errors returned by a Store. Callers treat all of these as fatal for
// the current operation.
var (
	ErrOutOfRange         = errors.New("remote: out of range")
	ErrInvalidArgument    = errors.New("remote: invalid argument")
	ErrInternal           = errors.New("remote: internal error")
	ErrFailedPrecondition = errors.New("remote: failed precondition")
)

// InitOpts carries the arguments of the initialize RPC.
type InitOpts struct {
	N          uint64
	EntrySize  uint64
	StoreType  StoreType
	Name       string
	FirstBuild bool
}

// EntryPart is one chunk of one entry as it travels over the wire. A single
// entry may be split into multiple parts if it's larger than MaxChunkBytes;
// parts for one index are delivered/accepted in ascending Offset order.
type EntryPart struct {
	Index  uint64
	Offset uint64
	Data   []byte
}

// MaxChunkBytes is the largest chunk a Store implementation will ever emit
// or accept in one EntryPart.
const MaxChunkBytes = 1 << 30 // 1 GiB

// Store is the client-side view of the remote block store. A store ID
// returned by Initialize owns a disjoint range of the backend's entries;
// the same backend instance may host many stores.
//
// ReadMany and WriteMany operate on whole entries; chunking across
// MaxChunkBytes-sized wire frames is an implementation detail of a given
// Store and is never visible to callers.
type Store interface {
	// Initialize allocates or adopts a store of n entries of entrySize bytes
	// each. If name is non-empty and opts.FirstBuild is false, a previously
	// built store of matching size under that name may be adopted, in which
	// case foundPrebuilt is true.
	Initialize(ctx context.Context, opts InitOpts) (id uint64, foundPrebuilt bool, err error)

	// ReadMany returns the current contents of the given indexes. Indexes
	// with no prior Write return a zero-filled entry, not an error.
	ReadMany(ctx context.Context, id uint64, idxs []uint64) (map[uint64][]byte, error)

	// WriteMany overwrites the given indexes in full; partial overwrites are
	// not supported; omitted indexes are left untouched.
	WriteMany(ctx context.Context, id uint64, entries map[uint64][]byte) error

	// Destroy releases backend state associated with id. A prebuilt file may
	// be kept for later reuse by name, per the backend's own policy.
	Destroy(ctx context.Context, id uint64) error
}
