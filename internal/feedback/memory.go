package feedback

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps feedback in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Upsert(_ context.Context, rec Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if existing, ok := m.records[rec.QueryID]; ok {
		rec.CreatedAt = existing.CreatedAt
	} else {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	m.records[rec.QueryID] = rec
	return rec, nil
}

func (m *MemoryStore) Get(_ context.Context, queryID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[queryID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) Stats(_ context.Context, recentLimit int) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := map[Rating]int{}
	all := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		counts[rec.Rating]++
		all = append(all, rec)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].QueryID < all[j].QueryID
	})
	if recentLimit >= 0 && len(all) > recentLimit {
		all = all[:recentLimit]
	}
	return BuildStats(counts, all), nil
}

func (m *MemoryStore) HealthCheck(context.Context) error {
	return nil
}
