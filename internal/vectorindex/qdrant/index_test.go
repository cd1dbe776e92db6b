package qdrant

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/sqlrag/sqlrag/internal/ragerr"
	"github.com/sqlrag/sqlrag/internal/vectorindex"
)

func TestUpsertCreatesCollectionAndQueryMapsIDs(t *testing.T) {
	fake := newFakeQdrant()
	server := httptest.NewServer(fake)
	defer server.Close()

	idx, err := New(Config{URL: server.URL, Prefix: "sqlrag", APIKey: "k"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()
	if err := idx.Upsert(ctx, "feedback", vectorindex.Record{ID: "q1", Vector: []float32{1, 0}, Metadata: vectorindex.Metadata{"feedback": "positive"}}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if fake.created["sqlrag_feedback"] != 2 {
		t.Fatalf("created = %#v", fake.created)
	}
	if fake.apiKey != "k" {
		t.Fatalf("api-key header = %q", fake.apiKey)
	}

	fake.hits = `[{"id":"x","score":0.5,"payload":{"_sqlrag_record_id":"b","feedback":"negative"}},` +
		`{"id":"y","score":0.5,"payload":{"_sqlrag_record_id":"a","feedback":"positive"}},` +
		`{"id":"z","score":-0.2,"payload":{"_sqlrag_record_id":"c"}}]`
	matches, err := idx.Query(ctx, "feedback", []float32{1, 0}, 3, vectorindex.Filter{"feedback": "positive"})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(matches) != 3 || matches[0].ID != "a" || matches[1].ID != "b" || matches[2].Similarity != 0 {
		t.Fatalf("matches = %+v", matches)
	}
	if _, ok := matches[0].Metadata[payloadRecordIDKey]; ok {
		t.Fatal("internal payload key leaked into metadata")
	}
	if !strings.Contains(fake.lastSearch, `"key":"feedback"`) {
		t.Fatalf("search body missing filter: %s", fake.lastSearch)
	}
}

func TestQueryMissingCollectionIsEmpty(t *testing.T) {
	server := httptest.NewServer(newFakeQdrant())
	defer server.Close()
	idx, _ := New(Config{URL: server.URL})

	matches, err := idx.Query(context.Background(), "schema", []float32{1}, 5, nil)
	if err != nil || len(matches) != 0 {
		t.Fatalf("Query() = %v, %v", matches, err)
	}
	count, err := idx.Count(context.Background(), "schema")
	if err != nil || count != 0 {
		t.Fatalf("Count() = %d, %v", count, err)
	}
}

func TestUpsertRejectsDimensionMismatch(t *testing.T) {
	fake := newFakeQdrant()
	fake.created["schema"] = 4
	server := httptest.NewServer(fake)
	defer server.Close()
	idx, _ := New(Config{URL: server.URL})

	err := idx.Upsert(context.Background(), "schema", vectorindex.Record{ID: "t", Vector: []float32{1, 0}})
	if !ragerr.IsKind(err, ragerr.KindValidation) {
		t.Fatalf("Upsert() error = %v, want validation", err)
	}
}

func TestQueryBreaksBoundaryTiesByRecordID(t *testing.T) {
	fake := newFakeQdrant()
	fake.created["schema"] = 2
	// Qdrant returns equal scores in point-id order, which differs from record-id order.
	fake.hits = `[{"id":"p1","score":0.9,"payload":{"_sqlrag_record_id":"orders"}},` +
		`{"id":"p2","score":0.7,"payload":{"_sqlrag_record_id":"zones"}},` +
		`{"id":"p3","score":0.7,"payload":{"_sqlrag_record_id":"accounts"}}]`
	server := httptest.NewServer(fake)
	defer server.Close()
	idx, _ := New(Config{URL: server.URL})

	matches, err := idx.Query(context.Background(), "schema", []float32{1, 0}, 2, nil)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(matches) != 2 || matches[0].ID != "orders" || matches[1].ID != "accounts" {
		t.Fatalf("matches = %+v", matches)
	}
	if !strings.Contains(fake.lastSearch, `"limit":10`) {
		t.Fatalf("search body = %s, want limit topK+%d", fake.lastSearch, tieOverfetch)
	}
}

func TestIDsScrollsEveryPage(t *testing.T) {
	fake := newFakeQdrant()
	fake.created["sqlrag_schema"] = 2
	fake.scrolls = []string{
		`{"points":[{"id":"p1","payload":{"_sqlrag_record_id":"orders"}}],"next_page_offset":"p2"}`,
		`{"points":[{"id":"p2","payload":{"_sqlrag_record_id":"customers"}},{"id":"p3","payload":{}}],"next_page_offset":null}`,
	}
	server := httptest.NewServer(fake)
	defer server.Close()
	idx, _ := New(Config{URL: server.URL, Prefix: "sqlrag"})

	ids, err := idx.IDs(context.Background(), "schema")
	if err != nil {
		t.Fatalf("IDs() error = %v", err)
	}
	if strings.Join(ids, ",") != "customers,orders" {
		t.Fatalf("IDs() = %v", ids)
	}
	if len(fake.scrollReqs) != 2 || !strings.Contains(fake.scrollReqs[1], `"offset":"p2"`) {
		t.Fatalf("scroll requests = %v", fake.scrollReqs)
	}

	ids, err = idx.IDs(context.Background(), "feedback")
	if err != nil || len(ids) != 0 {
		t.Fatalf("IDs() on missing collection = %v, %v", ids, err)
	}
}

func TestPointIDIsDeterministic(t *testing.T) {
	if pointID("c", "a") != pointID("c", "a") {
		t.Fatal("point ids must be stable")
	}
	if pointID("c", "a") == pointID("d", "a") {
		t.Fatal("point ids must differ across collections")
	}
}

func TestEnvelopeError(t *testing.T) {
	if msg := envelopeError(json.RawMessage(`"ok"`)); msg != "" {
		t.Fatalf("ok status = %q", msg)
	}
	if msg := envelopeError(json.RawMessage(`{"error":"bad filter"}`)); msg != "bad filter" {
		t.Fatalf("error status = %q", msg)
	}
}

type fakeQdrant struct {
	mu         sync.Mutex
	created    map[string]int
	hits       string
	lastSearch string
	apiKey     string
	scrolls    []string
	scrollReqs []string
}

func newFakeQdrant() *fakeQdrant {
	return &fakeQdrant{created: make(map[string]int), hits: "[]"}
}

func (f *fakeQdrant) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if key := r.Header.Get("api-key"); key != "" {
		f.apiKey = key
	}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "collections" {
		http.NotFound(w, r)
		return
	}
	name := parts[1]
	dim, exists := f.created[name]

	switch {
	case len(parts) == 2 && r.Method == http.MethodGet:
		if !exists {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"status":{"error":"Not found"}}`))
			return
		}
		writeResult(w, map[string]any{"config": map[string]any{"params": map[string]any{"vectors": map[string]any{"size": dim}}}})
	case len(parts) == 2 && r.Method == http.MethodPut:
		var body struct {
			Vectors struct {
				Size int `json:"size"`
			} `json:"vectors"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.created[name] = body.Vectors.Size
		writeResult(w, true)
	case !exists:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"status":{"error":"Not found"}}`))
	case len(parts) == 3 && parts[2] == "points":
		writeResult(w, map[string]any{"status": "completed"})
	case len(parts) == 4 && parts[3] == "search":
		raw, _ := io.ReadAll(r.Body)
		f.lastSearch = string(raw)
		_, _ = w.Write([]byte(`{"status":"ok","result":` + f.hits + `}`))
	case len(parts) == 4 && parts[3] == "scroll":
		raw, _ := io.ReadAll(r.Body)
		page := len(f.scrollReqs)
		f.scrollReqs = append(f.scrollReqs, string(raw))
		if page >= len(f.scrolls) {
			writeResult(w, map[string]any{"points": []any{}, "next_page_offset": nil})
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok","result":` + f.scrolls[page] + `}`))
	case len(parts) == 4 && parts[3] == "count":
		writeResult(w, map[string]any{"count": 1})
	default:
		writeResult(w, map[string]any{"status": "completed"})
	}
}

func writeResult(w http.ResponseWriter, result any) {
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "result": result})
}
