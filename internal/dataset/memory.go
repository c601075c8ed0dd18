package dataset

import (
	"context"
	"sync"
	"time"

	"github.com/JonMunkholm/pendampingan/internal/core"
)

// MemoryStore keeps datasets in process memory. Expired entries are dropped
// on access and swept on every Put.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	items map[string]*Dataset
}

// NewMemoryStore creates a store with the given TTL (DefaultTTL when <= 0).
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{ttl: ttl, now: time.Now, items: make(map[string]*Dataset)}
}

func (m *MemoryStore) Put(_ context.Context, name string, records []core.Record) (Info, error) {
	now := m.now()
	ds := newDataset(name, records, now, m.ttl)

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, item := range m.items {
		if !now.Before(item.ExpiresAt) {
			delete(m.items, id)
		}
	}
	m.items[ds.ID] = ds
	return ds.Info, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Dataset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ds, ok := m.items[id]
	if !ok {
		return nil, core.ErrDatasetNotFound
	}
	if !m.now().Before(ds.ExpiresAt) {
		delete(m.items, id)
		return nil, core.ErrDatasetNotFound
	}
	return ds, nil
}

func (m *MemoryStore) Records(ctx context.Context, id string) ([]core.Record, error) {
	ds, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return ds.Data, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return core.ErrDatasetNotFound
	}
	delete(m.items, id)
	return nil
}
