package callparams

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	params    Params
	expiresAt time.Time // zero = never
}

// MemoryStore is an in-process Store for single-node deployments.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
	}
}

// Put stashes params under callSID, replacing any earlier entry.
func (s *MemoryStore) Put(_ context.Context, callSID string, params Params, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	// Entries for calls that never connect would otherwise accumulate;
	// sweep the expired ones while we hold the lock anyway.
	now := time.Now()
	for sid, e := range s.entries {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(s.entries, sid)
		}
	}

	entry := memoryEntry{params: params}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}
	s.entries[callSID] = entry
	return nil
}

// Take retrieves and removes the entry for callSID.
func (s *MemoryStore) Take(_ context.Context, callSID string) (Params, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Params{}, ErrStoreClosed
	}

	entry, ok := s.entries[callSID]
	if !ok {
		return Params{}, ErrNotFound
	}
	delete(s.entries, callSID)

	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		return Params{}, ErrNotFound
	}
	return entry.params, nil
}

// Close marks the store closed and drops all entries.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.entries = nil
	return nil
}
