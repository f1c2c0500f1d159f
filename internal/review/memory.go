package review

import (
	"context"
	"sync"
)

// MemoryBackend keeps queued items in process memory.
type MemoryBackend struct {
	items map[Key]Item
	mu    sync.RWMutex
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{items: make(map[Key]Item)}
}

// Load implements Backend.
func (m *MemoryBackend) Load(_ context.Context, key Key) (Item, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, ok := m.items[key]
	return item, ok, nil
}

// Save implements Backend.
func (m *MemoryBackend) Save(_ context.Context, item Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items[item.Key()] = item
	return nil
}

// Remove implements Backend.
func (m *MemoryBackend) Remove(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.items, key)
	return nil
}

// All implements Backend.
func (m *MemoryBackend) All(_ context.Context) ([]Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Item, 0, len(m.items))
	for _, item := range m.items {
		out = append(out, item)
	}
	return out, nil
}
