package records

import (
	"context"
	"sync"
)

type memStream struct {
	refs    map[uint64]BlockRef
	records map[string]Record
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string]*memStream
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{streams: make(map[string]*memStream)}
}

func (m *MemoryStore) stream(name string) *memStream {
	s, ok := m.streams[name]
	if !ok {
		s = &memStream{refs: make(map[uint64]BlockRef), records: make(map[string]Record)}
		m.streams[name] = s
	}
	return s
}

func (m *MemoryStore) Persist(_ context.Context, stream string, b Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stream(stream)
	for n := range s.refs {
		if n >= b.From && n <= b.To {
			delete(s.refs, n)
		}
	}
	for k, r := range s.records {
		if r.BlockNumber >= b.From && r.BlockNumber <= b.To {
			delete(s.records, k)
		}
	}
	for _, ref := range b.Blocks {
		s.refs[ref.Number] = ref
	}
	for _, r := range b.Records {
		r.Stream = stream
		s.records[r.Key] = r
	}
	return nil
}

func (m *MemoryStore) DeleteAfter(_ context.Context, stream string, number uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stream(stream)
	for n := range s.refs {
		if n > number {
			delete(s.refs, n)
		}
	}
	for k, r := range s.records {
		if r.BlockNumber > number {
			delete(s.records, k)
		}
	}
	return nil
}

func (m *MemoryStore) BlockRef(_ context.Context, stream string, number uint64) (BlockRef, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.streams[stream]
	if !ok {
		return BlockRef{}, false, nil
	}
	ref, ok := s.refs[number]
	return ref, ok, nil
}

func (m *MemoryStore) Finalize(_ context.Context, stream string, upTo uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stream(stream)
	for n, ref := range s.refs {
		if n <= upTo && ref.Provisional {
			ref.Provisional = false
			s.refs[n] = ref
		}
	}
	for k, r := range s.records {
		if r.BlockNumber <= upTo && r.Provisional {
			r.Provisional = false
			s.records[k] = r
		}
	}
	return nil
}

func (m *MemoryStore) Records(_ context.Context, stream string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.streams[stream]
	if !ok {
		return nil, nil
	}
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	SortRecords(out)
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
