package schema

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sqlrag/sqlrag/internal/embedding"
	"github.com/sqlrag/sqlrag/internal/vectorindex"
)

func customersTable() Table {
	return Table{
		Name: "customers",
		Columns: []Column{
			{Name: "id", DeclaredType: "integer", IsKey: true},
			{Name: "name", DeclaredType: "text", Nullable: true},
			{Name: "city", DeclaredType: "text", Nullable: true},
		},
	}
}

func productsTable() Table {
	return Table{
		Name: "products",
		Columns: []Column{
			{Name: "id", DeclaredType: "integer", IsKey: true},
			{Name: "title", DeclaredType: "text"},
			{Name: "price", DeclaredType: "numeric"},
		},
	}
}

func TestDescribe(t *testing.T) {
	table := customersTable()
	table.Relationships = []Relationship{{FromColumn: "city", ToTable: "cities", ToColumn: "name"}}
	got := Describe(table)
	want := "Table: customers\n" +
		"  - id (integer, primary key, not null)\n" +
		"  - name (text)\n" +
		"  - city (text)\n" +
		"  references customers.city -> cities.name"
	if got != want {
		t.Fatalf("Describe() =\n%s\nwant\n%s", got, want)
	}
}

func TestFingerprintChangesWithColumns(t *testing.T) {
	a := customersTable()
	b := customersTable()
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatal("identical tables must share a fingerprint")
	}
	b.Columns = append(b.Columns, Column{Name: "email", DeclaredType: "text"})
	if Fingerprint(a) == Fingerprint(b) {
		t.Fatal("changed table must change fingerprint")
	}
}

type stubProvider struct {
	tables []Table
	calls  atomic.Int32
	err    error
}

func (s *stubProvider) ListTables(context.Context) ([]Table, error) {
	s.calls.Add(1)
	return s.tables, s.err
}

func TestCachedProviderServesFromCacheUntilInvalidated(t *testing.T) {
	provider := &stubProvider{tables: []Table{customersTable()}}
	cached := NewCachedProvider(provider, NewMemoryCache(time.Minute), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tables, err := cached.ListTables(ctx)
		if err != nil || len(tables) != 1 {
			t.Fatalf("ListTables() = %v, %v", tables, err)
		}
	}
	if provider.calls.Load() != 1 {
		t.Fatalf("provider calls = %d, want 1", provider.calls.Load())
	}
	if err := cached.Invalidate(ctx); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	_, _ = cached.ListTables(ctx)
	if provider.calls.Load() != 2 {
		t.Fatalf("provider calls after invalidate = %d, want 2", provider.calls.Load())
	}
}

func TestCachedProviderDoesNotCacheErrors(t *testing.T) {
	provider := &stubProvider{err: errors.New("db down")}
	cached := NewCachedProvider(provider, NewMemoryCache(time.Minute), nil)
	if _, err := cached.ListTables(context.Background()); err == nil {
		t.Fatal("expected provider error")
	}
	provider.err = nil
	provider.tables = []Table{productsTable()}
	tables, err := cached.ListTables(context.Background())
	if err != nil || len(tables) != 1 || tables[0].Name != "products" {
		t.Fatalf("ListTables() = %v, %v", tables, err)
	}
}

func TestRedisCacheRoundTrip(t *testing.T) {
	client := newFakeRedis()
	cache := NewRedisCache(client, "", time.Minute)
	ctx := context.Background()

	if _, ok, err := cache.Get(ctx); ok || err != nil {
		t.Fatalf("Get() on empty cache = %v, %v", ok, err)
	}
	if err := cache.Set(ctx, []Table{customersTable()}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if client.ttl["sqlrag:schema"] != time.Minute {
		t.Fatalf("ttl = %v", client.ttl["sqlrag:schema"])
	}
	tables, ok, err := cache.Get(ctx)
	if err != nil || !ok || tables[0].Name != "customers" || !tables[0].Columns[0].IsKey {
		t.Fatalf("Get() = %+v, %v, %v", tables, ok, err)
	}
	if err := cache.Invalidate(ctx); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	if _, ok, _ := cache.Get(ctx); ok {
		t.Fatal("expected miss after invalidate")
	}
}

func TestSyncerIndexesChangedAndDeletesDroppedTables(t *testing.T) {
	ctx := context.Background()
	provider := &stubProvider{tables: []Table{customersTable(), productsTable()}}
	gen, _ := embedding.NewGenerator(embedding.NewHashEmbedder(64), 64)
	index := vectorindex.NewMemoryIndex()
	syncer := NewSyncer(provider, gen, index, nil)

	result, err := syncer.Ensure(ctx)
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if len(result.Indexed) != 2 || result.Unchanged != 0 {
		t.Fatalf("first sync = %+v", result)
	}

	result, _ = syncer.Ensure(ctx)
	if len(result.Indexed) != 0 || result.Unchanged != 2 {
		t.Fatalf("second sync = %+v", result)
	}

	changed := customersTable()
	changed.Columns = append(changed.Columns, Column{Name: "email", DeclaredType: "text", Nullable: true})
	provider.tables = []Table{changed}
	result, _ = syncer.Ensure(ctx)
	if strings.Join(result.Indexed, ",") != "customers" || strings.Join(result.Deleted, ",") != "products" {
		t.Fatalf("third sync = %+v", result)
	}
	count, _ := index.Count(ctx, vectorindex.CollectionSchema)
	if count != 1 {
		t.Fatalf("schema records = %d, want 1", count)
	}

	q, _ := gen.Embed(ctx, "customers email")
	matches, _ := index.Query(ctx, vectorindex.CollectionSchema, q.Row(0), 1, nil)
	table, err := TableFromMetadata(matches[0].Metadata)
	if err != nil {
		t.Fatalf("TableFromMetadata() error = %v", err)
	}
	if len(table.Columns) != 4 {
		t.Fatalf("indexed table = %+v", table)
	}
}

func TestSyncerRemovesTablesDroppedBeforeRestart(t *testing.T) {
	ctx := context.Background()
	gen, _ := embedding.NewGenerator(embedding.NewHashEmbedder(64), 64)
	index := vectorindex.NewMemoryIndex()

	first := NewSyncer(&stubProvider{tables: []Table{customersTable(), productsTable()}}, gen, index, nil)
	if _, err := first.Ensure(ctx); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}

	// A new process over the same index whose database no longer has products.
	restarted := NewSyncer(&stubProvider{tables: []Table{customersTable()}}, gen, index, nil)
	result, err := restarted.Ensure(ctx)
	if err != nil {
		t.Fatalf("Ensure() after restart error = %v", err)
	}
	if strings.Join(result.Deleted, ",") != "products" {
		t.Fatalf("deleted after restart = %v, want [products]", result.Deleted)
	}
	ids, _ := index.IDs(ctx, vectorindex.CollectionSchema)
	if strings.Join(ids, ",") != "customers" {
		t.Fatalf("schema ids = %v", ids)
	}
}

func TestSyncerResetRereadsIndexedIDs(t *testing.T) {
	ctx := context.Background()
	gen, _ := embedding.NewGenerator(embedding.NewHashEmbedder(64), 64)
	index := vectorindex.NewMemoryIndex()
	syncer := NewSyncer(&stubProvider{tables: []Table{customersTable()}}, gen, index, nil)
	if _, err := syncer.Ensure(ctx); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}

	// Written by another replica sharing the index, then dropped upstream.
	vec, _ := gen.Embed(ctx, "orders")
	if err := index.Upsert(ctx, vectorindex.CollectionSchema, vectorindex.Record{ID: "orders", Vector: vec.Row(0)}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	syncer.Reset()
	result, err := syncer.Ensure(ctx)
	if err != nil {
		t.Fatalf("Ensure() after reset error = %v", err)
	}
	if strings.Join(result.Indexed, ",") != "customers" || strings.Join(result.Deleted, ",") != "orders" {
		t.Fatalf("sync after reset = %+v", result)
	}
	count, _ := index.Count(ctx, vectorindex.CollectionSchema)
	if count != 1 {
		t.Fatalf("schema records = %d, want 1", count)
	}
}

func TestSyncerSurfacesIndexListingFailure(t *testing.T) {
	gen, _ := embedding.NewGenerator(embedding.NewHashEmbedder(8), 8)
	syncer := NewSyncer(&stubProvider{tables: []Table{customersTable()}}, gen, idsFailingIndex{Index: vectorindex.NewMemoryIndex()}, nil)
	if _, err := syncer.Ensure(context.Background()); err == nil || !strings.Contains(err.Error(), "list indexed tables") {
		t.Fatalf("Ensure() error = %v", err)
	}
}

type idsFailingIndex struct {
	vectorindex.Index
}

func (idsFailingIndex) IDs(context.Context, string) ([]string, error) {
	return nil, errors.New("index unavailable")
}

func TestTableFromMetadataRejectsMalformedRecords(t *testing.T) {
	for _, md := range []vectorindex.Metadata{
		{},
		{MetaEntryJSON: "{"},
		{MetaEntryJSON: `{"columns":[]}`},
	} {
		if _, err := TableFromMetadata(md); err == nil {
			t.Fatalf("TableFromMetadata(%v) expected error", md)
		}
	}
}

type fakeRedis struct {
	values map[string]string
	ttl    map[string]time.Duration
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string]string{}, ttl: map[string]time.Duration{}}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	value, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(value, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	switch v := value.(type) {
	case []byte:
		f.values[key] = string(v)
	case string:
		f.values[key] = v
	}
	f.ttl[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, key := range keys {
		if _, ok := f.values[key]; ok {
			delete(f.values, key)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}
