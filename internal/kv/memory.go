package kv

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and local development.
// Entries expire lazily on read.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	// now is injectable for expiry tests.
	now func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Get returns the value for key, or ErrNotFound if absent or expired.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || s.expired(e) {
		delete(s.entries, key)
		return nil, ErrNotFound
	}
	// Copy so callers cannot mutate the stored value.
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set writes the value with the given TTL.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = s.entry(value, ttl)
	return nil
}

// SetNX writes the value only if the key is absent or expired.
func (s *MemoryStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok && !s.expired(e) {
		return false, nil
	}
	s.entries[key] = s.entry(value, ttl)
	return true, nil
}

func (s *MemoryStore) entry(value []byte, ttl time.Duration) memoryEntry {
	stored := make([]byte, len(value))
	copy(stored, value)
	e := memoryEntry{value: stored}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	return e
}

func (s *MemoryStore) expired(e memoryEntry) bool {
	return !e.expiresAt.IsZero() && s.now().After(e.expiresAt)
}
