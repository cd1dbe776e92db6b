// Package rag wires retrieval, prompting, generation and the safety gate into
// the operations the service exposes.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sqlrag/sqlrag/internal/embedding"
	"github.com/sqlrag/sqlrag/internal/feedback"
	"github.com/sqlrag/sqlrag/internal/nl2sql"
	"github.com/sqlrag/sqlrag/internal/observability"
	"github.com/sqlrag/sqlrag/internal/prompt"
	"github.com/sqlrag/sqlrag/internal/query"
	"github.com/sqlrag/sqlrag/internal/ragerr"
	"github.com/sqlrag/sqlrag/internal/retrieval"
	"github.com/sqlrag/sqlrag/internal/schema"
	"github.com/sqlrag/sqlrag/internal/sqlsafety"
	"github.com/sqlrag/sqlrag/internal/vectorindex"
)

type Embedder interface {
	Embed(ctx context.Context, text string) (embedding.Matrix, error)
	Model() string
}

type SchemaSyncer interface {
	Ensure(ctx context.Context) (schema.SyncResult, error)
	Reset()
}

type Ranker interface {
	Rank(ctx context.Context, vector []float32, budget retrieval.Budget) ([]retrieval.Item, error)
}

type SQLGenerator interface {
	Generate(ctx context.Context, prompt string) (nl2sql.Result, error)
}

type Validator interface {
	Validate(sql string) (string, error)
}

type FeedbackRecorder interface {
	Record(ctx context.Context, sub feedback.Submission) (feedback.Record, error)
	Get(ctx context.Context, queryID string) (feedback.Record, error)
	Stats(ctx context.Context, recentLimit int) (feedback.Stats, error)
}

type SnapshotSaver interface {
	Save(ctx context.Context) (vectorindex.SnapshotResult, error)
}

type cacheInvalidator interface {
	Invalidate(ctx context.Context) error
}

type Config struct {
	Budget          retrieval.Budget
	Template        prompt.Template
	SimilarTopK     int
	ExecuteRowLimit int
	RecentFeedback  int
}

// Deps are the collaborators of an Engine. Executor and Snapshots are
// optional; the matching operations fail with a validation error without
// them.
type Deps struct {
	Embedder  Embedder
	Schema    schema.Provider
	Syncer    SchemaSyncer
	Ranker    Ranker
	Generator SQLGenerator
	Validator Validator
	Feedback  FeedbackRecorder
	Index     vectorindex.Index
	Executor  query.Executor
	Snapshots SnapshotSaver
	Logger    *slog.Logger
}

type Engine struct {
	deps Deps
	cfg  Config
	log  *slog.Logger
	now  func() time.Time
}

func NewEngine(deps Deps, cfg Config) (*Engine, error) {
	switch {
	case deps.Embedder == nil:
		return nil, fmt.Errorf("embedder is required")
	case deps.Schema == nil:
		return nil, fmt.Errorf("schema provider is required")
	case deps.Syncer == nil:
		return nil, fmt.Errorf("schema syncer is required")
	case deps.Ranker == nil:
		return nil, fmt.Errorf("ranker is required")
	case deps.Generator == nil:
		return nil, fmt.Errorf("sql generator is required")
	case deps.Validator == nil:
		return nil, fmt.Errorf("validator is required")
	case deps.Feedback == nil:
		return nil, fmt.Errorf("feedback recorder is required")
	case deps.Index == nil:
		return nil, fmt.Errorf("vector index is required")
	}
	if cfg.SimilarTopK <= 0 {
		cfg.SimilarTopK = 5
	}
	if cfg.RecentFeedback <= 0 {
		cfg.RecentFeedback = 10
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{deps: deps, cfg: cfg, log: logger, now: time.Now}, nil
}

type Generation struct {
	QueryID     string           `json:"query_id"`
	Question    string           `json:"natural_language"`
	SQL         string           `json:"sql"`
	ContextUsed []retrieval.Item `json:"context_used"`
	Model       string           `json:"model"`
	Provider    string           `json:"provider"`
	Attempts    int              `json:"attempts"`
}

// GenerateSQL turns question into one approved statement. The returned
// QueryID identifies the answer for later feedback.
func (e *Engine) GenerateSQL(ctx context.Context, question string) (gen Generation, err error) {
	start := e.now()
	ctx, span := observability.StartSpan(ctx, "rag.generate_sql")
	defer func() {
		observability.ObserveGeneration(string(ragerr.KindOf(err)), e.now().Sub(start))
		observability.EndSpan(span, err)
	}()

	question = strings.TrimSpace(question)
	if question == "" {
		return Generation{}, ragerr.Validation("question is required")
	}
	queryID := uuid.NewString()
	span.SetAttributes(attribute.String("query_id", queryID))

	if _, err := e.deps.Syncer.Ensure(ctx); err != nil {
		return Generation{}, asRetrieval(err, "schema sync failed")
	}

	vectors, err := e.deps.Embedder.Embed(ctx, question)
	if err != nil {
		return Generation{}, err
	}
	items, err := e.deps.Ranker.Rank(ctx, vectors.Row(0), e.cfg.Budget)
	if err != nil {
		return Generation{}, err
	}

	text := prompt.Build(question, items, e.cfg.Template)
	result, err := e.deps.Generator.Generate(ctx, text)
	if err != nil {
		return Generation{}, err
	}
	approved, err := e.deps.Validator.Validate(result.SQL)
	if err != nil {
		e.log.WarnContext(ctx, "generated sql rejected",
			slog.String("trace_id", observability.TraceIDFromContext(ctx)),
			slog.String("query_id", queryID),
			slog.String("error", err.Error()),
		)
		return Generation{}, err
	}

	e.log.InfoContext(ctx, "sql generated",
		slog.String("trace_id", observability.TraceIDFromContext(ctx)),
		slog.String("query_id", queryID),
		slog.Int("context_items", len(items)),
		slog.Int("attempts", result.Attempts),
		slog.String("model", result.Model),
	)
	return Generation{
		QueryID:     queryID,
		Question:    question,
		SQL:         approved,
		ContextUsed: items,
		Model:       result.Model,
		Provider:    result.Provider,
		Attempts:    result.Attempts,
	}, nil
}

func (e *Engine) SubmitFeedback(ctx context.Context, sub feedback.Submission) (feedback.Record, error) {
	return e.deps.Feedback.Record(ctx, sub)
}

type SimilarQuery struct {
	QueryID         string          `json:"query_id"`
	NaturalLanguage string          `json:"natural_language"`
	SQL             string          `json:"sql"`
	Rating          feedback.Rating `json:"rating"`
	Similarity      float64         `json:"similarity"`
}

// FindSimilar returns up to topK recorded questions closest to the one
// recorded under queryID, excluding that record.
func (e *Engine) FindSimilar(ctx context.Context, queryID string, topK int) (similar []SimilarQuery, err error) {
	ctx, span := observability.StartSpan(ctx, "rag.find_similar", attribute.String("query_id", queryID))
	defer func() { observability.EndSpan(span, err) }()

	queryID = strings.TrimSpace(queryID)
	if queryID == "" {
		return nil, ragerr.Validation("query_id is required")
	}
	if topK <= 0 {
		topK = e.cfg.SimilarTopK
	}

	rec, err := e.deps.Feedback.Get(ctx, queryID)
	if err != nil {
		if errors.Is(err, feedback.ErrNotFound) {
			return nil, ragerr.NotFound("no feedback recorded for query %q", queryID)
		}
		return nil, ragerr.Persistence(err, "load feedback")
	}
	vectors, err := e.deps.Embedder.Embed(ctx, rec.NaturalLanguage)
	if err != nil {
		return nil, err
	}
	matches, err := e.deps.Index.Query(ctx, vectorindex.CollectionFeedback, vectors.Row(0), topK+1, nil)
	if err != nil {
		return nil, asRetrieval(err, "similar query lookup failed")
	}

	similar = make([]SimilarQuery, 0, topK)
	for _, match := range matches {
		if match.ID == queryID {
			continue
		}
		other, err := feedback.RecordFromMetadata(match.Metadata)
		if err != nil {
			e.log.WarnContext(ctx, "skipping malformed feedback record",
				slog.String("id", match.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		similar = append(similar, SimilarQuery{
			QueryID:         other.QueryID,
			NaturalLanguage: other.NaturalLanguage,
			SQL:             other.ExemplarSQL(),
			Rating:          other.Rating,
			Similarity:      match.Similarity,
		})
		if len(similar) == topK {
			break
		}
	}
	return similar, nil
}

// Execute runs an approved statement against the target database, capped at
// the configured row limit.
func (e *Engine) Execute(ctx context.Context, sql string, rowLimit int) (result query.Result, err error) {
	ctx, span := observability.StartSpan(ctx, "rag.execute")
	defer func() { observability.EndSpan(span, err) }()

	if e.deps.Executor == nil {
		return query.Result{}, ragerr.Validation("sql execution is not configured")
	}
	approved, err := e.deps.Validator.Validate(sql)
	if err != nil {
		return query.Result{}, err
	}
	if rowLimit <= 0 || (e.cfg.ExecuteRowLimit > 0 && rowLimit > e.cfg.ExecuteRowLimit) {
		rowLimit = e.cfg.ExecuteRowLimit
	}
	verb, _ := sqlsafety.Verb(approved)
	span.SetAttributes(attribute.String("sql.verb", verb), attribute.Int("sql.row_limit", rowLimit))

	result, err = e.deps.Executor.Execute(ctx, query.Request{SQL: approved, RowLimit: rowLimit})
	if err != nil {
		return query.Result{}, err
	}
	e.log.InfoContext(ctx, "sql executed",
		slog.String("trace_id", observability.TraceIDFromContext(ctx)),
		slog.String("verb", verb),
		slog.Int("rows", result.RowCount),
		slog.Bool("truncated", result.Truncated),
		slog.String("duration", result.Duration.String()),
	)
	return result, nil
}

func (e *Engine) Schema(ctx context.Context) ([]schema.Table, error) {
	tables, err := e.deps.Schema.ListTables(ctx)
	if err != nil {
		return nil, asRetrieval(err, "list schema")
	}
	return tables, nil
}

// ReindexSchema drops cached schema state and re-embeds every table.
func (e *Engine) ReindexSchema(ctx context.Context) (schema.SyncResult, error) {
	if inv, ok := e.deps.Schema.(cacheInvalidator); ok {
		if err := inv.Invalidate(ctx); err != nil {
			e.log.WarnContext(ctx, "schema cache invalidation failed", slog.String("error", err.Error()))
		}
	}
	e.deps.Syncer.Reset()
	result, err := e.deps.Syncer.Ensure(ctx)
	if err != nil {
		return schema.SyncResult{}, asRetrieval(err, "schema reindex failed")
	}
	return result, nil
}

func (e *Engine) FeedbackStats(ctx context.Context) (feedback.Stats, error) {
	stats, err := e.deps.Feedback.Stats(ctx, e.cfg.RecentFeedback)
	if err != nil {
		return feedback.Stats{}, ragerr.Persistence(err, "feedback stats")
	}
	return stats, nil
}

func (e *Engine) SaveSnapshot(ctx context.Context) (vectorindex.SnapshotResult, error) {
	if e.deps.Snapshots == nil {
		return vectorindex.SnapshotResult{}, ragerr.Validation("index snapshots are not enabled")
	}
	result, err := e.deps.Snapshots.Save(ctx)
	if err != nil {
		return vectorindex.SnapshotResult{}, ragerr.Persistence(err, "save index snapshot")
	}
	return result, nil
}

func asRetrieval(err error, message string) error {
	if ragerr.KindOf(err) != "" {
		return err
	}
	return ragerr.Retrieval(err, message)
}
