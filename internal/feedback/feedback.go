// Package feedback stores user ratings of generated SQL and indexes them as
// retrievable exemplars for later questions.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sqlrag/sqlrag/internal/ragerr"
	"github.com/sqlrag/sqlrag/internal/vectorindex"
)

var ErrNotFound = errors.New("feedback not found")

type Rating string

const (
	RatingPositive Rating = "positive"
	RatingNegative Rating = "negative"
)

// ParseRating accepts the canonical ratings and the thumbs_up/thumbs_down
// aliases, case-insensitively.
func ParseRating(raw string) (Rating, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "positive", "thumbs_up":
		return RatingPositive, nil
	case "negative", "thumbs_down":
		return RatingNegative, nil
	default:
		return "", fmt.Errorf("unsupported rating %q", raw)
	}
}

type Record struct {
	QueryID         string    `json:"query_id"`
	NaturalLanguage string    `json:"natural_language"`
	GeneratedSQL    string    `json:"generated_sql"`
	Rating          Rating    `json:"rating"`
	CorrectedSQL    *string   `json:"corrected_sql,omitempty"`
	Comments        *string   `json:"comments,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Corrected reports whether the record carries a non-blank correction.
func (r Record) Corrected() bool {
	return r.CorrectedSQL != nil && strings.TrimSpace(*r.CorrectedSQL) != ""
}

// ExemplarSQL is the statement shown to the model: the correction when one
// exists, otherwise the generated statement.
func (r Record) ExemplarSQL() string {
	if r.Corrected() {
		return *r.CorrectedSQL
	}
	return r.GeneratedSQL
}

type Submission struct {
	QueryID         string  `json:"query_id"`
	NaturalLanguage string  `json:"natural_language"`
	GeneratedSQL    string  `json:"generated_sql"`
	Rating          string  `json:"feedback"`
	CorrectedSQL    *string `json:"corrected_sql,omitempty"`
	Comments        *string `json:"comments,omitempty"`
}

// Validate normalises the submission into a record without timestamps.
func (s Submission) Validate() (Record, error) {
	queryID := strings.TrimSpace(s.QueryID)
	if queryID == "" {
		return Record{}, ragerr.Validation("query_id is required")
	}
	if strings.TrimSpace(s.NaturalLanguage) == "" {
		return Record{}, ragerr.Validation("natural_language is required")
	}
	if strings.TrimSpace(s.GeneratedSQL) == "" {
		return Record{}, ragerr.Validation("generated_sql is required")
	}
	rating, err := ParseRating(s.Rating)
	if err != nil {
		return Record{}, ragerr.Validation("feedback must be positive or negative: %v", err)
	}
	return Record{
		QueryID:         queryID,
		NaturalLanguage: s.NaturalLanguage,
		GeneratedSQL:    s.GeneratedSQL,
		Rating:          rating,
		CorrectedSQL:    blankToNil(s.CorrectedSQL),
		Comments:        blankToNil(s.Comments),
	}, nil
}

func blankToNil(value *string) *string {
	if value == nil || strings.TrimSpace(*value) == "" {
		return nil
	}
	v := *value
	return &v
}

type RatingCount struct {
	Rating     Rating  `json:"rating"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

type Stats struct {
	Total    int           `json:"total"`
	ByRating []RatingCount `json:"by_rating"`
	Recent   []Record      `json:"recent"`
}

type Store interface {
	// Upsert inserts the record or updates the existing one with the same
	// query id. CreatedAt of an existing record is preserved.
	Upsert(ctx context.Context, rec Record) (Record, error)
	Get(ctx context.Context, queryID string) (Record, error)
	Stats(ctx context.Context, recentLimit int) (Stats, error)
	HealthCheck(ctx context.Context) error
}

// Metadata keys written on feedback-collection records.
const (
	MetaKind            = "kind"
	MetaQueryID         = "query_id"
	MetaNaturalLanguage = "natural_language"
	MetaGeneratedSQL    = "generated_sql"
	MetaRating          = "rating"
	MetaCorrectedSQL    = "corrected_sql"
	MetaComments        = "comments"
)

func (r Record) Metadata() vectorindex.Metadata {
	md := vectorindex.Metadata{
		MetaKind:            "feedback",
		MetaQueryID:         r.QueryID,
		MetaNaturalLanguage: r.NaturalLanguage,
		MetaGeneratedSQL:    r.GeneratedSQL,
		MetaRating:          string(r.Rating),
	}
	if r.CorrectedSQL != nil {
		md[MetaCorrectedSQL] = *r.CorrectedSQL
	}
	if r.Comments != nil {
		md[MetaComments] = *r.Comments
	}
	return md
}

// RecordFromMetadata rebuilds the exemplar fields of a record from index
// metadata. Timestamps are not carried in the index.
func RecordFromMetadata(md vectorindex.Metadata) (Record, error) {
	queryID, _ := md[MetaQueryID].(string)
	question, _ := md[MetaNaturalLanguage].(string)
	generated, _ := md[MetaGeneratedSQL].(string)
	rawRating, _ := md[MetaRating].(string)
	if queryID == "" || question == "" || generated == "" {
		return Record{}, fmt.Errorf("feedback record is missing exemplar fields")
	}
	rating, err := ParseRating(rawRating)
	if err != nil {
		return Record{}, fmt.Errorf("feedback record %q: %w", queryID, err)
	}
	rec := Record{
		QueryID:         queryID,
		NaturalLanguage: question,
		GeneratedSQL:    generated,
		Rating:          rating,
	}
	if corrected, ok := md[MetaCorrectedSQL].(string); ok {
		rec.CorrectedSQL = &corrected
	}
	if comments, ok := md[MetaComments].(string); ok {
		rec.Comments = &comments
	}
	return rec, nil
}

// BuildStats computes per-rating counts over total and attaches recent.
func BuildStats(counts map[Rating]int, recent []Record) Stats {
	total := 0
	for _, count := range counts {
		total += count
	}
	stats := Stats{Total: total, Recent: recent}
	for _, rating := range []Rating{RatingPositive, RatingNegative} {
		entry := RatingCount{Rating: rating, Count: counts[rating]}
		if total > 0 {
			entry.Percentage = roundPercent(float64(entry.Count) * 100 / float64(total))
		}
		stats.ByRating = append(stats.ByRating, entry)
	}
	if stats.Recent == nil {
		stats.Recent = []Record{}
	}
	return stats
}

func roundPercent(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
