package vectorindex

import (
	"context"
	"sort"
	"sync"

	"github.com/sqlrag/sqlrag/internal/ragerr"
)

type memoryCollection struct {
	dim     int
	records map[string]Record
}

// MemoryIndex keeps every collection in process memory. Queries are an exact
// linear scan.
type MemoryIndex struct {
	mu          sync.RWMutex
	collections map[string]*memoryCollection
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{collections: make(map[string]*memoryCollection)}
}

func (m *MemoryIndex) Upsert(ctx context.Context, collection string, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if collection == "" {
		return ragerr.Validation("collection is required")
	}
	if err := ValidateRecord(rec, 0); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	coll, ok := m.collections[collection]
	if !ok {
		coll = &memoryCollection{dim: len(rec.Vector), records: make(map[string]Record)}
		m.collections[collection] = coll
	}
	if len(rec.Vector) != coll.dim {
		return ragerr.Validation("collection %q dimension mismatch: expected %d, got %d", collection, coll.dim, len(rec.Vector))
	}
	coll.records[rec.ID] = Record{
		ID:       rec.ID,
		Vector:   cloneVector(rec.Vector),
		Metadata: cloneMetadata(rec.Metadata),
	}
	return nil
}

func (m *MemoryIndex) Query(ctx context.Context, collection string, vector []float32, topK int, filter Filter) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return []Match{}, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	coll, ok := m.collections[collection]
	if !ok || len(coll.records) == 0 {
		return []Match{}, nil
	}
	if len(vector) != coll.dim {
		return nil, ragerr.Validation("query dimension mismatch for %q: expected %d, got %d", collection, coll.dim, len(vector))
	}

	matches := make([]Match, 0, len(coll.records))
	for _, rec := range coll.records {
		if !MatchesFilter(rec.Metadata, filter) {
			continue
		}
		matches = append(matches, Match{
			ID:         rec.ID,
			Similarity: ClampSimilarity(Cosine(vector, rec.Vector)),
			Metadata:   cloneMetadata(rec.Metadata),
		})
	}
	SortMatches(matches)
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (m *MemoryIndex) Delete(ctx context.Context, collection string, ids ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	coll, ok := m.collections[collection]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(coll.records, id)
	}
	return nil
}

func (m *MemoryIndex) Count(_ context.Context, collection string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	coll, ok := m.collections[collection]
	if !ok {
		return 0, nil
	}
	return len(coll.records), nil
}

func (m *MemoryIndex) IDs(ctx context.Context, collection string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	coll, ok := m.collections[collection]
	if !ok {
		return []string{}, nil
	}
	ids := make([]string, 0, len(coll.records))
	for id := range coll.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Dump returns a copy of every record grouped by collection.
func (m *MemoryIndex) Dump() map[string][]Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]Record, len(m.collections))
	for name, coll := range m.collections {
		records := make([]Record, 0, len(coll.records))
		for _, rec := range coll.records {
			records = append(records, Record{ID: rec.ID, Vector: cloneVector(rec.Vector), Metadata: cloneMetadata(rec.Metadata)})
		}
		out[name] = records
	}
	return out
}

// Load replaces the whole index content. Records are validated first so a
// bad input leaves the index untouched.
func (m *MemoryIndex) Load(data map[string][]Record) error {
	next := make(map[string]*memoryCollection, len(data))
	for name, records := range data {
		if len(records) == 0 {
			continue
		}
		coll := &memoryCollection{dim: len(records[0].Vector), records: make(map[string]Record, len(records))}
		for _, rec := range records {
			if err := ValidateRecord(rec, coll.dim); err != nil {
				return err
			}
			coll.records[rec.ID] = Record{ID: rec.ID, Vector: cloneVector(rec.Vector), Metadata: cloneMetadata(rec.Metadata)}
		}
		next[name] = coll
	}
	m.mu.Lock()
	m.collections = next
	m.mu.Unlock()
	return nil
}
