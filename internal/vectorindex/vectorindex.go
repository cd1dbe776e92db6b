// Package vectorindex stores embedding vectors in named collections and
// answers nearest-neighbour queries by cosine similarity.
package vectorindex

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/sqlrag/sqlrag/internal/embedding"
	"github.com/sqlrag/sqlrag/internal/ragerr"
)

const (
	CollectionSchema   = "schema"
	CollectionFeedback = "feedback"
)

// Metadata maps keys to scalar values: string, bool, integers or floats.
type Metadata map[string]any

// Filter restricts a query to records whose metadata equals every entry.
type Filter map[string]any

type Record struct {
	ID       string
	Vector   []float32
	Metadata Metadata
}

type Match struct {
	ID         string
	Similarity float64
	Metadata   Metadata
}

// Index is implemented by every vector backend.
//
// Upsert inserts or atomically replaces the record with the given id. The
// first write to a collection fixes its dimension; later writes with another
// dimension fail with a validation error. Query returns at most topK matches
// ordered by descending similarity in [0,1] with ties broken by ascending id;
// querying an empty or unknown collection returns no matches and no error.
// IDs lists every record id of a collection in ascending order.
type Index interface {
	Upsert(ctx context.Context, collection string, rec Record) error
	Query(ctx context.Context, collection string, vector []float32, topK int, filter Filter) ([]Match, error)
	Delete(ctx context.Context, collection string, ids ...string) error
	Count(ctx context.Context, collection string) (int, error)
	IDs(ctx context.Context, collection string) ([]string, error)
}

// ValidateRecord checks id, vector and metadata of rec. dim <= 0 skips the
// dimension check.
func ValidateRecord(rec Record, dim int) error {
	if strings.TrimSpace(rec.ID) == "" {
		return ragerr.Validation("record id is required")
	}
	if err := embedding.ValidateVector(rec.Vector, dim); err != nil {
		return err
	}
	return ValidateMetadata(rec.Metadata)
}

func ValidateMetadata(md Metadata) error {
	for key, value := range md {
		if !isScalar(value) {
			return ragerr.Validation("metadata %q must be a scalar, got %T", key, value)
		}
	}
	return nil
}

func isScalar(value any) bool {
	switch value.(type) {
	case string, bool, int, int32, int64, uint32, float32, float64:
		return true
	default:
		return false
	}
}

// Cosine returns the cosine similarity of a and b computed in float64.
// Zero vectors have similarity 0.
func Cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// ClampSimilarity maps a raw cosine score into [0,1]. Opposed vectors are
// as irrelevant as orthogonal ones.
func ClampSimilarity(score float64) float64 {
	switch {
	case math.IsNaN(score) || score < 0:
		return 0
	case score > 1:
		return 1
	default:
		return score
	}
}

// SortMatches orders matches by descending similarity, then ascending id.
func SortMatches(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity == matches[j].Similarity {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].Similarity > matches[j].Similarity
	})
}

// MatchesFilter reports whether md equals filter on every filter key.
// Numbers compare by value regardless of their Go type.
func MatchesFilter(md Metadata, filter Filter) bool {
	for key, want := range filter {
		got, ok := md[key]
		if !ok || !scalarEqual(got, want) {
			return false
		}
	}
	return true
}

func scalarEqual(a, b any) bool {
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum && bNum {
		return fa == fb
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func cloneMetadata(md Metadata) Metadata {
	out := make(Metadata, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

func cloneVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
