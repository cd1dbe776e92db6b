// Package retrieval turns a question vector into the ranked, budgeted list of
// schema tables and feedback exemplars that ground a prompt.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sqlrag/sqlrag/internal/feedback"
	"github.com/sqlrag/sqlrag/internal/observability"
	"github.com/sqlrag/sqlrag/internal/ragerr"
	"github.com/sqlrag/sqlrag/internal/schema"
	"github.com/sqlrag/sqlrag/internal/vectorindex"
)

type Source string

const (
	SourceSchema   Source = "schema"
	SourceFeedback Source = "feedback"
)

// Item is one piece of prompt context. Exactly one of Table and Feedback is
// set, matching Source.
type Item struct {
	Source     Source           `json:"source"`
	ID         string           `json:"id"`
	Similarity float64          `json:"similarity"`
	Table      *schema.Table    `json:"table,omitempty"`
	Feedback   *feedback.Record `json:"feedback,omitempty"`

	weighted float64
}

type Budget struct {
	TopKSchema   int
	TopKFeedback int
	// MaxChars caps the summed rendered size of accepted items. Zero or less
	// disables the cap.
	MaxChars int
}

// FeedbackWeights scale feedback similarity by rating before ranking.
type FeedbackWeights struct {
	Positive  float64
	Negative  float64
	Corrected float64
}

func DefaultFeedbackWeights() FeedbackWeights {
	return FeedbackWeights{Positive: 1, Negative: 1, Corrected: 1}
}

func (w FeedbackWeights) weight(rec *feedback.Record) float64 {
	var factor float64
	switch {
	case rec.Corrected():
		factor = w.Corrected
	case rec.Rating == feedback.RatingPositive:
		factor = w.Positive
	default:
		factor = w.Negative
	}
	if factor < 0 {
		return 0
	}
	return factor
}

// MeasureFunc reports the rendered size of an item in characters.
type MeasureFunc func(Item) int

type Config struct {
	Timeout time.Duration
	Weights FeedbackWeights
	Measure MeasureFunc
}

type Ranker struct {
	index  vectorindex.Index
	cfg    Config
	logger *slog.Logger
}

func NewRanker(index vectorindex.Index, cfg Config, logger *slog.Logger) (*Ranker, error) {
	if index == nil {
		return nil, fmt.Errorf("vector index is required")
	}
	if cfg.Measure == nil {
		return nil, fmt.Errorf("measure function is required")
	}
	if cfg.Weights == (FeedbackWeights{}) {
		cfg.Weights = DefaultFeedbackWeights()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ranker{index: index, cfg: cfg, logger: logger}, nil
}

// Rank queries the schema and feedback collections concurrently and returns
// the merged items in ranked order, truncated to the budget. A failure of
// either query fails the whole call.
func (r *Ranker) Rank(ctx context.Context, vector []float32, budget Budget) (items []Item, err error) {
	ctx, span := observability.StartSpan(ctx, "retrieval.rank")
	defer func() { observability.EndSpan(span, err) }()
	start := time.Now()

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	var schemaMatches, feedbackMatches []vectorindex.Match
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		schemaMatches, err = r.query(groupCtx, vectorindex.CollectionSchema, vector, budget.TopKSchema)
		return err
	})
	group.Go(func() error {
		var err error
		feedbackMatches, err = r.query(groupCtx, vectorindex.CollectionFeedback, vector, budget.TopKFeedback)
		return err
	})
	if err := group.Wait(); err != nil {
		if ragerr.KindOf(err) == ragerr.KindValidation {
			return nil, err
		}
		return nil, ragerr.Retrieval(err, "context retrieval failed")
	}

	merged := make([]Item, 0, len(schemaMatches)+len(feedbackMatches))
	merged = append(merged, r.schemaItems(ctx, schemaMatches)...)
	merged = append(merged, r.feedbackItems(ctx, feedbackMatches)...)
	sortItems(merged)
	items = truncate(merged, budget.MaxChars, r.cfg.Measure)

	schemaCount, feedbackCount := 0, 0
	for _, item := range items {
		if item.Source == SourceSchema {
			schemaCount++
		} else {
			feedbackCount++
		}
	}
	observability.ObserveRetrieval(schemaCount, feedbackCount, time.Since(start))
	return items, nil
}

func (r *Ranker) query(ctx context.Context, collection string, vector []float32, topK int) ([]vectorindex.Match, error) {
	if topK <= 0 {
		return nil, nil
	}
	matches, err := r.index.Query(ctx, collection, vector, topK, nil)
	if err != nil {
		return nil, fmt.Errorf("query %s collection: %w", collection, err)
	}
	return matches, nil
}

func (r *Ranker) schemaItems(ctx context.Context, matches []vectorindex.Match) []Item {
	items := make([]Item, 0, len(matches))
	for _, match := range matches {
		table, err := schema.TableFromMetadata(match.Metadata)
		if err != nil {
			r.logger.WarnContext(ctx, "skipping malformed schema record",
				slog.String("id", match.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		items = append(items, Item{
			Source:     SourceSchema,
			ID:         match.ID,
			Similarity: match.Similarity,
			Table:      &table,
			weighted:   match.Similarity,
		})
	}
	return items
}

func (r *Ranker) feedbackItems(ctx context.Context, matches []vectorindex.Match) []Item {
	items := make([]Item, 0, len(matches))
	for _, match := range matches {
		rec, err := feedback.RecordFromMetadata(match.Metadata)
		if err != nil {
			r.logger.WarnContext(ctx, "skipping malformed feedback record",
				slog.String("id", match.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		weighted := vectorindex.ClampSimilarity(match.Similarity * r.cfg.Weights.weight(&rec))
		items = append(items, Item{
			Source:     SourceFeedback,
			ID:         match.ID,
			Similarity: match.Similarity,
			Feedback:   &rec,
			weighted:   weighted,
		})
	}
	return items
}

// sortItems orders by weighted similarity descending, schema before feedback
// on ties, then id ascending.
func sortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].weighted != items[j].weighted {
			return items[i].weighted > items[j].weighted
		}
		if items[i].Source != items[j].Source {
			return items[i].Source == SourceSchema
		}
		return items[i].ID < items[j].ID
	})
}

// truncate keeps the longest prefix of items whose summed size fits maxChars.
func truncate(items []Item, maxChars int, measure MeasureFunc) []Item {
	if maxChars <= 0 {
		return items
	}
	used := 0
	for i, item := range items {
		size := measure(item)
		if used+size > maxChars {
			return items[:i]
		}
		used += size
	}
	return items
}
