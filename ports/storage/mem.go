package storage

import (
	"context"
	"sync"
)

type MemStore struct {
	mu   sync.RWMutex
	data map[string][]Entry
}

func NewMemStore() *MemStore {
	return &MemStore{data: map[string][]Entry{}}
}

func (m *MemStore) Append(_ context.Context, addressKey string, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[addressKey] = append(m.data[addressKey], entry)
	return nil
}

func (m *MemStore) Pending(_ context.Context, addressKey string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, ok := m.data[addressKey]
	if !ok {
		return nil, nil
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out, nil
}

func (m *MemStore) ResetAddress(_ context.Context, addressKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, addressKey)
	return nil
}

var _ Store = (*MemStore)(nil)
