package onetime

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is a process-local Store for tests and single-instance deployments.
type MemoryStore struct {
	mutex   sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore constructs an empty MemoryStore. A nil now uses time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     now,
	}
}

func (store *MemoryStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	stored := make([]byte, len(value))
	copy(stored, value)

	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	store.entries[key] = memoryEntry{value: stored, expiresAt: store.now().Add(ttl)}
	return nil
}

func (store *MemoryStore) Take(ctx context.Context, key string) ([]byte, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	entry, ok := store.entries[key]
	if !ok {
		store.purgeExpiredLocked()
		return nil, ErrNotFound
	}
	delete(store.entries, key)
	if store.now().After(entry.expiresAt) {
		store.purgeExpiredLocked()
		return nil, ErrNotFound
	}
	store.purgeExpiredLocked()
	return entry.value, nil
}

func (store *MemoryStore) Peek(ctx context.Context, key string) ([]byte, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	entry, ok := store.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, nil
}

func (store *MemoryStore) purgeExpiredLocked() {
	if len(store.entries) == 0 {
		return
	}
	now := store.now()
	for key, entry := range store.entries {
		if now.After(entry.expiresAt) {
			delete(store.entries, key)
		}
	}
}
