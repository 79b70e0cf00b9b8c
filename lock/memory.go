package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend implements Backend in process memory. It coordinates
// goroutines within one process only; use RedisBackend for a cluster.
type MemoryBackend struct {
	mu    sync.Mutex
	locks map[string]memoryEntry
}

type memoryEntry struct {
	token   string
	expires time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{locks: make(map[string]memoryEntry)}
}

func (b *MemoryBackend) Acquire(_ context.Context, key, token string, lease time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if entry, ok := b.locks[key]; ok && entry.expires.After(now) {
		return false, nil
	}
	b.locks[key] = memoryEntry{token: token, expires: now.Add(lease)}
	return true, nil
}

func (b *MemoryBackend) Release(_ context.Context, key, token string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.locks[key]
	if !ok || entry.token != token || !entry.expires.After(time.Now()) {
		return false, nil
	}
	delete(b.locks, key)
	return true, nil
}
