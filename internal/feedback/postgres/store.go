package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sqlrag/sqlrag/internal/feedback"
)

// Store persists feedback in the query_feedback table.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping feedback db: %w", err)
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, rec feedback.Record) (feedback.Record, error) {
	query := `
INSERT INTO query_feedback (query_id, natural_language, generated_sql, feedback, corrected_sql, comments)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (query_id)
DO UPDATE SET natural_language = EXCLUDED.natural_language,
	generated_sql = EXCLUDED.generated_sql,
	feedback = EXCLUDED.feedback,
	corrected_sql = EXCLUDED.corrected_sql,
	comments = EXCLUDED.comments,
	updated_at = NOW()
RETURNING created_at, updated_at`

	if err := s.db.QueryRowContext(ctx, query,
		rec.QueryID,
		rec.NaturalLanguage,
		rec.GeneratedSQL,
		string(rec.Rating),
		nullString(rec.CorrectedSQL),
		nullString(rec.Comments),
	).Scan(&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return feedback.Record{}, fmt.Errorf("upsert feedback: %w", err)
	}
	return rec, nil
}

func (s *Store) Get(ctx context.Context, queryID string) (feedback.Record, error) {
	query := `
SELECT query_id, natural_language, generated_sql, feedback, corrected_sql, comments, created_at, updated_at
FROM query_feedback
WHERE query_id = $1`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, queryID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return feedback.Record{}, feedback.ErrNotFound
		}
		return feedback.Record{}, fmt.Errorf("get feedback: %w", err)
	}
	return rec, nil
}

func (s *Store) Stats(ctx context.Context, recentLimit int) (feedback.Stats, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT feedback, COUNT(*)
FROM query_feedback
GROUP BY feedback`)
	if err != nil {
		return feedback.Stats{}, fmt.Errorf("count feedback: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := map[feedback.Rating]int{}
	for rows.Next() {
		var rating string
		var count int
		if err := rows.Scan(&rating, &count); err != nil {
			return feedback.Stats{}, fmt.Errorf("scan feedback count: %w", err)
		}
		counts[feedback.Rating(rating)] += count
	}
	if err := rows.Err(); err != nil {
		return feedback.Stats{}, fmt.Errorf("iterate feedback counts: %w", err)
	}

	recent := make([]feedback.Record, 0)
	if recentLimit > 0 {
		recent, err = s.recent(ctx, recentLimit)
		if err != nil {
			return feedback.Stats{}, err
		}
	}
	return feedback.BuildStats(counts, recent), nil
}

func (s *Store) recent(ctx context.Context, limit int) ([]feedback.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT query_id, natural_language, generated_sql, feedback, corrected_sql, comments, created_at, updated_at
FROM query_feedback
ORDER BY created_at DESC, query_id ASC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent feedback: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]feedback.Record, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan feedback row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feedback rows: %w", err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (feedback.Record, error) {
	var rec feedback.Record
	var rating string
	var corrected, comments sql.NullString
	if err := row.Scan(
		&rec.QueryID,
		&rec.NaturalLanguage,
		&rec.GeneratedSQL,
		&rating,
		&corrected,
		&comments,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return feedback.Record{}, err
	}
	rec.Rating = feedback.Rating(rating)
	if corrected.Valid {
		rec.CorrectedSQL = &corrected.String
	}
	if comments.Valid {
		rec.Comments = &comments.String
	}
	return rec, nil
}

func nullString(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}
