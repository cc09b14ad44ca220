package storage

import (
	"context"
	"sync"
)

// Persistence stores one cursor (last processed block) per stream.
type Persistence interface {
	// LoadCursor reads the last processed block height. A stream that was
	// never saved reads as 0.
	LoadCursor(ctx context.Context, key string) (uint64, error)

	// SaveCursor overwrites the cursor unconditionally. It is the operator
	// override path; the indexer only uses CompareAndSetCursor.
	SaveCursor(ctx context.Context, key string, height uint64) error

	// CompareAndSetCursor sets the cursor to next only if it currently equals
	// expected. A missing cursor equals 0.
	CompareAndSetCursor(ctx context.Context, key string, expected, next uint64) (bool, error)

	// Close releases resources
	Close() error
}

// MemoryStore is a simple in-memory implementation (Note: data lost on restart, for testing/temp tasks only)
type MemoryStore struct {
	data   map[string]uint64
	prefix string
	mu     sync.RWMutex
}

// NewMemoryStore initializes a new in-memory storage.
func NewMemoryStore(prefix string) *MemoryStore {
	return &MemoryStore{
		data:   make(map[string]uint64),
		prefix: prefix,
	}
}

// LoadCursor retrieves the last processed block height from memory.
func (m *MemoryStore) LoadCursor(_ context.Context, key string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data[m.prefix+key], nil
}

// SaveCursor updates the last processed block height in memory.
func (m *MemoryStore) SaveCursor(_ context.Context, key string, height uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[m.prefix+key] = height
	return nil
}

// CompareAndSetCursor swaps the cursor under the store lock.
func (m *MemoryStore) CompareAndSetCursor(_ context.Context, key string, expected, next uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[m.prefix+key] != expected {
		return false, nil
	}
	m.data[m.prefix+key] = next
	return true, nil
}

// Close implements the Persistence interface.
func (m *MemoryStore) Close() error {
	return nil
}
