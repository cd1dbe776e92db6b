package feedback

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/sqlrag/sqlrag/internal/embedding"
	"github.com/sqlrag/sqlrag/internal/observability"
	"github.com/sqlrag/sqlrag/internal/ragerr"
	"github.com/sqlrag/sqlrag/internal/vectorindex"
)

type Embedder interface {
	Embed(ctx context.Context, text string) (embedding.Matrix, error)
}

// Recorder persists a rating and indexes its question so that later
// questions can retrieve it as an exemplar.
type Recorder struct {
	store    Store
	embedder Embedder
	index    vectorindex.Index
	logger   *slog.Logger
}

func NewRecorder(store Store, embedder Embedder, index vectorindex.Index, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, embedder: embedder, index: index, logger: logger}
}

// Record validates and embeds the submission before writing anything, then
// upserts the store row and the feedback-collection vector keyed by query id.
// Submitting the same query id again updates both in place.
func (r *Recorder) Record(ctx context.Context, sub Submission) (rec Record, err error) {
	ctx, span := observability.StartSpan(ctx, "feedback.record")
	defer func() { observability.EndSpan(span, err) }()

	rec, err = sub.Validate()
	if err != nil {
		return Record{}, err
	}
	span.SetAttributes(
		attribute.String("query_id", rec.QueryID),
		attribute.String("rating", string(rec.Rating)),
	)

	vectors, err := r.embedder.Embed(ctx, rec.NaturalLanguage)
	if err != nil {
		if ragerr.KindOf(err) != "" {
			return Record{}, err
		}
		return Record{}, ragerr.Persistence(err, "embed feedback question")
	}

	stored, err := r.store.Upsert(ctx, rec)
	if err != nil {
		return Record{}, ragerr.Persistence(err, "store feedback")
	}

	indexed := vectorindex.Record{
		ID:       stored.QueryID,
		Vector:   vectors.Row(0),
		Metadata: stored.Metadata(),
	}
	if err := r.index.Upsert(ctx, vectorindex.CollectionFeedback, indexed); err != nil {
		return Record{}, ragerr.Persistence(err, "index feedback")
	}

	observability.IncrementFeedback(string(stored.Rating))
	r.logger.InfoContext(ctx, "feedback recorded",
		slog.String("trace_id", observability.TraceIDFromContext(ctx)),
		slog.String("query_id", stored.QueryID),
		slog.String("rating", string(stored.Rating)),
		slog.Bool("corrected", stored.Corrected()),
	)
	return stored, nil
}

func (r *Recorder) Get(ctx context.Context, queryID string) (Record, error) {
	return r.store.Get(ctx, queryID)
}

func (r *Recorder) Stats(ctx context.Context, recentLimit int) (Stats, error) {
	return r.store.Stats(ctx, recentLimit)
}

func (r *Recorder) HealthCheck(ctx context.Context) error {
	return r.store.HealthCheck(ctx)
}
