package marketdata

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend keeps cache entries in a process-local map. The mutex only
// protects the map; it does not serialize provider fetches.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]*Entry)}
}

func (b *MemoryBackend) Get(_ context.Context, key string) (*Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.entries[key], nil
}

// Set stores e. Stale entries are overwritten on the next fetch rather than
// evicted, so ttl is unused here.
func (b *MemoryBackend) Set(_ context.Context, key string, e *Entry, _ time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[key] = e
	return nil
}

// Len returns the number of stored entries, fresh or stale.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
