package session

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// defaultMemorySize bounds the number of sessions kept by a MemoryBackend.
const defaultMemorySize = 10000

// MemoryBackend keeps sessions in process memory. Entries expire after the
// configured TTL and the least recently used entries are evicted first.
type MemoryBackend struct {
	cache *expirable.LRU[string, []byte]
}

// NewMemoryBackend creates a memory backend holding up to size sessions.
func NewMemoryBackend(size int, ttl time.Duration) *MemoryBackend {
	if size <= 0 {
		size = defaultMemorySize
	}
	return &MemoryBackend{
		cache: expirable.NewLRU[string, []byte](size, nil, ttl),
	}
}

// Load implements Backend.
func (m *MemoryBackend) Load(_ context.Context, id string) ([]byte, error) {
	data, ok := m.cache.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

// Save implements Backend.
func (m *MemoryBackend) Save(_ context.Context, id string, data []byte) error {
	m.cache.Add(id, data)
	return nil
}

// Len returns the number of live sessions.
func (m *MemoryBackend) Len() int {
	return m.cache.Len()
}
