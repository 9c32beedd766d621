package remote

import (
	"context"
	"sync"
)

// Memory is a Store that keeps every entry in process memory. It never
// persists anything, so a "name" given to Initialize is never adopted as
// prebuilt; it exists for unit tests that don't need durability across
// processes (remote/memstore provides that).
type Memory struct {
	mu     sync.Mutex
	nextID uint64
	stores map[uint64]*memoryStore
}

type memoryStore struct {
	entrySize int
	entries   map[uint64][]byte
}

// NewMemory returns an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{stores: make(map[uint64]*memoryStore)}
}

func (m *Memory) Initialize(ctx context.Context, opts InitOpts) (uint64, bool, error) {
	if opts.EntrySize == 0 {
		return 0, false, ErrInvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.stores[id] = &memoryStore{
		entrySize: int(opts.EntrySize),
		entries:   make(map[uint64][]byte),
	}
	return id, false, nil
}

func (m *Memory) get(id uint64) (*memoryStore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stores[id]
	if !ok {
		return nil, ErrFailedPrecondition
	}
	return s, nil
}

func (m *Memory) ReadMany(ctx context.Context, id uint64, idxs []uint64) (map[uint64][]byte, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[uint64][]byte, len(idxs))
	for _, idx := range idxs {
		if val, ok := s.entries[idx]; ok {
			cp := make([]byte, len(val))
			copy(cp, val)
			out[idx] = cp
		} else {
			out[idx] = make([]byte, s.entrySize)
		}
	}
	return out, nil
}

func (m *Memory) WriteMany(ctx context.Context, id uint64, entries map[uint64][]byte) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for idx, val := range entries {
		if len(val) != s.entrySize {
			return ErrInvalidArgument
		}
		cp := make([]byte, len(val))
		copy(cp, val)
		s.entries[idx] = cp
	}
	return nil
}

func (m *Memory) Destroy(ctx context.Context, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stores[id]; !ok {
		return ErrFailedPrecondition
	}
	delete(m.stores, id)
	return nil
}
