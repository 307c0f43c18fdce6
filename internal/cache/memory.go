package cache

import (
	"context"
	"sync"
)

// MemoryStore keeps entries for the lifetime of the process.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) (*Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	e.Artifacts = append([]string(nil), e.Artifacts...)
	return &e, true, nil
}

// Put implements Store.
func (s *MemoryStore) Put(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry.Artifacts = append([]string(nil), entry.Artifacts...)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.entries[entry.Key] = entry
	return nil
}

// Len returns the number of cached entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close drops all entries.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.entries = nil
	return nil
}
