package feedback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sqlrag/sqlrag/internal/embedding"
	"github.com/sqlrag/sqlrag/internal/ragerr"
	"github.com/sqlrag/sqlrag/internal/vectorindex"
)

func strPtr(v string) *string { return &v }

func TestParseRatingAcceptsAliases(t *testing.T) {
	cases := map[string]Rating{
		"positive":    RatingPositive,
		"THUMBS_UP":   RatingPositive,
		" negative ":  RatingNegative,
		"thumbs_down": RatingNegative,
	}
	for raw, want := range cases {
		got, err := ParseRating(raw)
		if err != nil {
			t.Fatalf("ParseRating(%q) error = %v", raw, err)
		}
		if got != want {
			t.Fatalf("ParseRating(%q) = %q, want %q", raw, got, want)
		}
	}
	if _, err := ParseRating("meh"); err == nil {
		t.Fatal("expected error for unsupported rating")
	}
}

func TestSubmissionValidate(t *testing.T) {
	rec, err := Submission{
		QueryID:         " q-1 ",
		NaturalLanguage: "count orders",
		GeneratedSQL:    "SELECT 1",
		Rating:          "thumbs_down",
		CorrectedSQL:    strPtr("SELECT COUNT(*) FROM orders"),
		Comments:        strPtr("   "),
	}.Validate()
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if rec.QueryID != "q-1" || rec.Rating != RatingNegative {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Comments != nil {
		t.Fatalf("blank comments should be dropped, got %q", *rec.Comments)
	}
	if rec.ExemplarSQL() != "SELECT COUNT(*) FROM orders" {
		t.Fatalf("ExemplarSQL() = %q", rec.ExemplarSQL())
	}

	_, err = Submission{QueryID: "q", NaturalLanguage: "x", GeneratedSQL: "SELECT 1", Rating: "meh"}.Validate()
	if !ragerr.IsKind(err, ragerr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	rec := Record{
		QueryID:         "q-1",
		NaturalLanguage: "list customers",
		GeneratedSQL:    "SELECT * FROM customers",
		Rating:          RatingPositive,
		CorrectedSQL:    strPtr("SELECT id FROM customers"),
	}
	if err := vectorindex.ValidateMetadata(rec.Metadata()); err != nil {
		t.Fatalf("metadata is not scalar: %v", err)
	}
	got, err := RecordFromMetadata(rec.Metadata())
	if err != nil {
		t.Fatalf("RecordFromMetadata() error = %v", err)
	}
	if got.QueryID != rec.QueryID || got.ExemplarSQL() != "SELECT id FROM customers" || got.Comments != nil {
		t.Fatalf("unexpected record: %+v", got)
	}

	if _, err := RecordFromMetadata(vectorindex.Metadata{MetaQueryID: "q"}); err == nil {
		t.Fatal("expected error for incomplete metadata")
	}
}

func TestMemoryStoreUpsertPreservesCreatedAt(t *testing.T) {
	store := NewMemoryStore()
	clock := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return clock }

	first, err := store.Upsert(context.Background(), Record{QueryID: "q-1", Rating: RatingPositive})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	clock = clock.Add(time.Minute)
	second, err := store.Upsert(context.Background(), Record{QueryID: "q-1", Rating: RatingNegative})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("CreatedAt changed: %v -> %v", first.CreatedAt, second.CreatedAt)
	}
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Fatalf("UpdatedAt not refreshed: %v -> %v", first.UpdatedAt, second.UpdatedAt)
	}
	got, err := store.Get(context.Background(), "q-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Rating != RatingNegative {
		t.Fatalf("Rating = %q", got.Rating)
	}
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	clock := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { clock = clock.Add(time.Second); return clock }

	for _, rec := range []Record{
		{QueryID: "a", Rating: RatingPositive},
		{QueryID: "b", Rating: RatingPositive},
		{QueryID: "c", Rating: RatingNegative},
	} {
		if _, err := store.Upsert(context.Background(), rec); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
	}

	stats, err := store.Stats(context.Background(), 2)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Total != 3 {
		t.Fatalf("Total = %d", stats.Total)
	}
	if stats.ByRating[0].Count != 2 || stats.ByRating[0].Percentage != 66.67 {
		t.Fatalf("positive = %+v", stats.ByRating[0])
	}
	if stats.ByRating[1].Count != 1 || stats.ByRating[1].Percentage != 33.33 {
		t.Fatalf("negative = %+v", stats.ByRating[1])
	}
	if len(stats.Recent) != 2 || stats.Recent[0].QueryID != "c" || stats.Recent[1].QueryID != "b" {
		t.Fatalf("recent = %+v", stats.Recent)
	}
}

func newTestRecorder(t *testing.T, store Store) (*Recorder, *vectorindex.MemoryIndex) {
	t.Helper()
	gen, err := embedding.NewGenerator(embedding.NewHashEmbedder(64), 64)
	if err != nil {
		t.Fatalf("NewGenerator() error = %v", err)
	}
	index := vectorindex.NewMemoryIndex()
	return NewRecorder(store, gen, index, nil), index
}

func TestRecorderResubmissionUpdatesInPlace(t *testing.T) {
	recorder, index := newTestRecorder(t, NewMemoryStore())
	ctx := context.Background()

	sub := Submission{
		QueryID:         "q-1",
		NaturalLanguage: "how many orders were placed",
		GeneratedSQL:    "SELECT COUNT(*) FROM order",
		Rating:          "negative",
	}
	if _, err := recorder.Record(ctx, sub); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	sub.Rating = "positive"
	sub.CorrectedSQL = strPtr("SELECT COUNT(*) FROM orders")
	rec, err := recorder.Record(ctx, sub)
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if rec.Rating != RatingPositive {
		t.Fatalf("Rating = %q", rec.Rating)
	}

	count, err := index.Count(ctx, vectorindex.CollectionFeedback)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 1 {
		t.Fatalf("feedback collection count = %d, want 1", count)
	}
	stats, err := recorder.Stats(ctx, 10)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Total != 1 {
		t.Fatalf("Total = %d", stats.Total)
	}

	query, err := embedding.NewHashEmbedder(64).Embed(ctx, []string{"how many orders were placed"})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	matches, err := index.Query(ctx, vectorindex.CollectionFeedback, query[0], 1, nil)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(matches) != 1 || matches[0].Similarity < 0.999 {
		t.Fatalf("unexpected matches: %+v", matches)
	}
	if matches[0].Metadata[MetaCorrectedSQL] != "SELECT COUNT(*) FROM orders" {
		t.Fatalf("corrected_sql = %v", matches[0].Metadata[MetaCorrectedSQL])
	}
}

type failingStore struct {
	MemoryStore
	calls int
}

func (f *failingStore) Upsert(context.Context, Record) (Record, error) {
	f.calls++
	return Record{}, errors.New("connection refused")
}

func TestRecorderStoreFailureIsPersistenceError(t *testing.T) {
	store := &failingStore{}
	recorder, index := newTestRecorder(t, store)

	_, err := recorder.Record(context.Background(), Submission{
		QueryID:         "q-1",
		NaturalLanguage: "list customers",
		GeneratedSQL:    "SELECT * FROM customers",
		Rating:          "positive",
	})
	if !ragerr.IsKind(err, ragerr.KindPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if count, _ := index.Count(context.Background(), vectorindex.CollectionFeedback); count != 0 {
		t.Fatalf("feedback collection count = %d, want 0", count)
	}
}

type flakyIndex struct {
	*vectorindex.MemoryIndex
	failures int
}

func (f *flakyIndex) Upsert(ctx context.Context, collection string, rec vectorindex.Record) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("index unavailable")
	}
	return f.MemoryIndex.Upsert(ctx, collection, rec)
}

func TestRecorderResubmissionRepairsFailedIndexWrite(t *testing.T) {
	ctx := context.Background()
	gen, _ := embedding.NewGenerator(embedding.NewHashEmbedder(64), 64)
	index := &flakyIndex{MemoryIndex: vectorindex.NewMemoryIndex(), failures: 1}
	store := NewMemoryStore()
	recorder := NewRecorder(store, gen, index, nil)

	sub := Submission{
		QueryID:         "q-7",
		NaturalLanguage: "total revenue per region",
		GeneratedSQL:    "SELECT region, sum(total) FROM orders GROUP BY region",
		Rating:          "positive",
	}
	if _, err := recorder.Record(ctx, sub); !ragerr.IsKind(err, ragerr.KindPersistence) {
		t.Fatalf("Record() error = %v, want persistence", err)
	}
	// The row is committed even though the vector is missing.
	if _, err := store.Get(ctx, "q-7"); err != nil {
		t.Fatalf("Get() after failed index write error = %v", err)
	}
	if count, _ := index.Count(ctx, vectorindex.CollectionFeedback); count != 0 {
		t.Fatalf("feedback collection count = %d, want 0", count)
	}

	if _, err := recorder.Record(ctx, sub); err != nil {
		t.Fatalf("resubmitted Record() error = %v", err)
	}
	if count, _ := index.Count(ctx, vectorindex.CollectionFeedback); count != 1 {
		t.Fatalf("feedback collection count = %d, want 1", count)
	}
	stats, _ := recorder.Stats(ctx, 10)
	if stats.Total != 1 {
		t.Fatalf("Total = %d, want 1", stats.Total)
	}
}

func TestRecorderValidationHappensBeforeWrite(t *testing.T) {
	store := &failingStore{}
	recorder, _ := newTestRecorder(t, store)

	_, err := recorder.Record(context.Background(), Submission{
		QueryID:         "q-1",
		NaturalLanguage: "   ",
		GeneratedSQL:    "SELECT 1",
		Rating:          "positive",
	})
	if !ragerr.IsKind(err, ragerr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if store.calls != 0 {
		t.Fatalf("store was called %d times", store.calls)
	}
}
