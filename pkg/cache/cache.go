// Package cache memoizes codec support checks. The cache is process scoped:
// it is created once, bounded, injected where needed and explicitly cleared.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned by a Store when the key is absent or expired
var ErrNotFound = errors.New("key not found")

// Store is the backend of a CodecSupportCache
type Store interface {
	// Get returns the cached support flag of key
	Get(ctx context.Context, key string) (bool, error)

	// Set stores the support flag of key for ttl (0 means the store's default)
	Set(ctx context.Context, key string, supported bool, ttl time.Duration) error

	// Delete removes key
	Delete(ctx context.Context, key string) error

	// Clear removes every entry
	Clear(ctx context.Context) error

	// Stats returns store statistics
	Stats(ctx context.Context) (Stats, error)
}

// Stats represents cache statistics
type Stats struct {
	Hits      int64   // Cache hits
	Misses    int64   // Cache misses
	Evictions int64   // Number of evictions
	Size      int     // Current cache size
	HitRate   float64 // Hit rate (hits / (hits + misses))
}

// Entry is one memoized support check
type Entry struct {
	Key        string
	Supported  bool
	ExpiresAt  time.Time
	CreatedAt  time.Time
	LastAccess time.Time
}

// MemoryStore is a bounded in-memory Store evicting the least recently
// used entry when full.
type MemoryStore struct {
	entries    map[string]*Entry
	maxSize    int
	defaultTTL time.Duration
	now        func() time.Time

	// Stats
	hits      int64
	misses    int64
	evictions int64

	mu sync.Mutex
}

// NewMemoryStore creates an in-memory store holding at most maxSize entries
func NewMemoryStore(maxSize int, defaultTTL time.Duration) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 64
	}
	return &MemoryStore{
		entries:    make(map[string]*Entry),
		maxSize:    maxSize,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// Get retrieves a value from the store
func (s *MemoryStore) Get(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[key]
	if !exists {
		s.misses++
		return false, ErrNotFound
	}

	now := s.now()
	if !entry.ExpiresAt.IsZero() && now.After(entry.ExpiresAt) {
		delete(s.entries, key)
		s.misses++
		return false, ErrNotFound
	}

	entry.LastAccess = now
	s.hits++
	return entry.Supported, nil
}

// Set stores a value in the store
func (s *MemoryStore) Set(ctx context.Context, key string, supported bool, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ttl == 0 {
		ttl = s.defaultTTL
	}

	if len(s.entries) >= s.maxSize {
		if _, exists := s.entries[key]; !exists {
			s.evictLRU()
		}
	}

	now := s.now()
	entry := &Entry{
		Key:        key,
		Supported:  supported,
		CreatedAt:  now,
		LastAccess: now,
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}
	s.entries[key] = entry
	return nil
}

// Delete removes a value from the store
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Clear clears all entries
func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*Entry)
	return nil
}

// Stats returns store statistics
func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		Hits:      s.hits,
		Misses:    s.misses,
		Evictions: s.evictions,
		Size:      len(s.entries),
	}
	if total := s.hits + s.misses; total > 0 {
		stats.HitRate = float64(s.hits) / float64(total)
	}
	return stats, nil
}

// evictLRU evicts the least recently used entry
func (s *MemoryStore) evictLRU() {
	var victimKey string
	var oldestAccess time.Time

	for key, entry := range s.entries {
		if victimKey == "" || entry.LastAccess.Before(oldestAccess) {
			victimKey = key
			oldestAccess = entry.LastAccess
		}
	}

	if victimKey != "" {
		delete(s.entries, victimKey)
		s.evictions++
	}
}
