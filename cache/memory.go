// Package cache - In-memory store for tests and single-process deployments.
package cache

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore is a Store backed by a process-local map. It honors TTLs and
// emulates cursor-based scanning over a sorted key snapshot so the cache
// layer exercises the same iteration contract as Redis.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time

	// cursors maps an opaque scan token to the last key returned for that
	// iteration. Resuming from a key instead of a positional index keeps
	// the cursor stable when entries are deleted between pages.
	cursors    map[uint64]string
	nextCursor uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		cursors: make(map[uint64]string),
		now:     time.Now,
	}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || entry.expired(s.now()) {
		return nil, ErrNotFound
	}
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, nil
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	delete(s.entries, key)
	return !entry.expired(s.now()), nil
}

// DeleteMany implements Store.
func (s *MemoryStore) DeleteMany(ctx context.Context, keys []string) (int64, error) {
	var deleted int64
	for _, key := range keys {
		ok, err := s.Delete(ctx, key)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}

// Scan implements Store. The returned cursor is an opaque token that
// resumes after the last key of the previous page in sorted order, so keys
// deleted between pages never shift the resume position: like Redis SCAN,
// every key present for the whole iteration is returned exactly once. A
// returned cursor of 0 ends the iteration; the token is consumed on use.
func (s *MemoryStore) Scan(_ context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	if count <= 0 {
		count = 10
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	startAfter := ""
	if cursor != 0 {
		key, ok := s.cursors[cursor]
		if !ok {
			return nil, 0, nil
		}
		delete(s.cursors, cursor)
		startAfter = key
	}

	now := s.now()
	keys := make([]string, 0, len(s.entries))
	for key, entry := range s.entries {
		if entry.expired(now) || key <= startAfter {
			continue
		}
		if matched, _ := path.Match(match, key); matched {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	if int64(len(keys)) <= count {
		return keys, 0, nil
	}
	page := keys[:count]
	s.nextCursor++
	s.cursors[s.nextCursor] = page[len(page)-1]
	return page, s.nextCursor, nil
}

// MemoryUsage implements Store with the stored byte length plus a small
// per-entry overhead.
func (s *MemoryStore) MemoryUsage(_ context.Context, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if !ok || entry.expired(s.now()) {
		return 0, ErrNotFound
	}
	return int64(len(entry.value) + len(key) + 64), nil
}
