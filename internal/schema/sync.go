package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sqlrag/sqlrag/internal/embedding"
	"github.com/sqlrag/sqlrag/internal/observability"
	"github.com/sqlrag/sqlrag/internal/vectorindex"
)

// Metadata keys written on schema records.
const (
	MetaKind        = "kind"
	MetaTable       = "table"
	MetaDocument    = "document"
	MetaEntryJSON   = "entry_json"
	MetaFingerprint = "fingerprint"
)

type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) (embedding.Matrix, error)
}

type SyncResult struct {
	Indexed   []string `json:"indexed"`
	Deleted   []string `json:"deleted"`
	Unchanged int      `json:"unchanged"`
}

// Syncer keeps one schema-collection record per table. Only tables whose
// fingerprint changed since the last sync are re-embedded. The first sync
// after start or Reset also picks up the ids already in the collection, so
// tables dropped while no process was running get removed too.
type Syncer struct {
	provider Provider
	embedder BatchEmbedder
	index    vectorindex.Index
	logger   *slog.Logger

	mu     sync.Mutex
	seeded bool
	synced map[string]string
}

func NewSyncer(provider Provider, embedder BatchEmbedder, index vectorindex.Index, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		provider: provider,
		embedder: embedder,
		index:    index,
		logger:   logger,
		synced:   make(map[string]string),
	}
}

// Ensure brings the schema collection in line with the provider's current
// listing.
func (s *Syncer) Ensure(ctx context.Context) (SyncResult, error) {
	tables, err := s.provider.ListTables(ctx)
	if err != nil {
		return SyncResult{}, fmt.Errorf("list tables: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.seeded {
		if err := s.seedFromIndex(ctx); err != nil {
			return SyncResult{}, err
		}
	}

	start := time.Now()
	current := make(map[string]string, len(tables))
	changed := make([]Table, 0)
	for _, table := range tables {
		fp := Fingerprint(table)
		current[table.Name] = fp
		if s.synced[table.Name] != fp {
			changed = append(changed, table)
		}
	}

	result := SyncResult{Unchanged: len(tables) - len(changed)}
	if len(changed) > 0 {
		docs := make([]string, len(changed))
		for i, table := range changed {
			docs[i] = Describe(table)
		}
		vectors, err := s.embedder.EmbedBatch(ctx, docs)
		if err != nil {
			return SyncResult{}, fmt.Errorf("embed schema documents: %w", err)
		}
		for i, table := range changed {
			entryJSON, err := json.Marshal(table)
			if err != nil {
				return SyncResult{}, fmt.Errorf("encode table %q: %w", table.Name, err)
			}
			rec := vectorindex.Record{
				ID:     table.Name,
				Vector: vectors.Row(i),
				Metadata: vectorindex.Metadata{
					MetaKind:        "table",
					MetaTable:       table.Name,
					MetaDocument:    docs[i],
					MetaEntryJSON:   string(entryJSON),
					MetaFingerprint: current[table.Name],
				},
			}
			if err := s.index.Upsert(ctx, vectorindex.CollectionSchema, rec); err != nil {
				return SyncResult{}, fmt.Errorf("index table %q: %w", table.Name, err)
			}
			s.synced[table.Name] = current[table.Name]
			result.Indexed = append(result.Indexed, table.Name)
		}
	}

	for name := range s.synced {
		if _, ok := current[name]; !ok {
			result.Deleted = append(result.Deleted, name)
		}
	}
	if len(result.Deleted) > 0 {
		sort.Strings(result.Deleted)
		if err := s.index.Delete(ctx, vectorindex.CollectionSchema, result.Deleted...); err != nil {
			return SyncResult{}, fmt.Errorf("remove dropped tables: %w", err)
		}
		for _, name := range result.Deleted {
			delete(s.synced, name)
		}
	}

	if len(result.Indexed) > 0 || len(result.Deleted) > 0 {
		observability.ObserveSchemaSync(len(result.Indexed), len(result.Deleted), time.Since(start))
		s.logger.Info("schema collection synced",
			slog.Int("indexed", len(result.Indexed)),
			slog.Int("deleted", len(result.Deleted)),
			slog.Int("unchanged", result.Unchanged),
		)
	}
	return result, nil
}

// seedFromIndex records every id in the schema collection with an empty
// fingerprint. Must be called with s.mu held.
func (s *Syncer) seedFromIndex(ctx context.Context) error {
	ids, err := s.index.IDs(ctx, vectorindex.CollectionSchema)
	if err != nil {
		return fmt.Errorf("list indexed tables: %w", err)
	}
	for _, id := range ids {
		if _, ok := s.synced[id]; !ok {
			s.synced[id] = ""
		}
	}
	s.seeded = true
	return nil
}

// Reset forgets every fingerprint so the next Ensure re-embeds all tables
// and re-reads the collection's ids.
func (s *Syncer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.synced {
		s.synced[name] = ""
	}
	s.seeded = false
}

// TableFromMetadata decodes the table stored on a schema record.
func TableFromMetadata(md vectorindex.Metadata) (Table, error) {
	raw, ok := md[MetaEntryJSON].(string)
	if !ok || raw == "" {
		return Table{}, fmt.Errorf("schema record has no %s", MetaEntryJSON)
	}
	var table Table
	if err := json.Unmarshal([]byte(raw), &table); err != nil {
		return Table{}, fmt.Errorf("decode schema record: %w", err)
	}
	if table.Name == "" {
		return Table{}, fmt.Errorf("schema record has no table name")
	}
	return table, nil
}
