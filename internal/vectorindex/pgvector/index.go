// Package pgvector stores vector collections in Postgres using the pgvector
// extension. Tables are created by the migrations package.
package pgvector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/sqlrag/sqlrag/internal/ragerr"
	"github.com/sqlrag/sqlrag/internal/vectorindex"
)

type Index struct {
	db *sql.DB
}

func New(db *sql.DB) *Index {
	return &Index{db: db}
}

func (i *Index) Upsert(ctx context.Context, collection string, rec vectorindex.Record) error {
	if collection == "" {
		return ragerr.Validation("collection is required")
	}
	if err := vectorindex.ValidateRecord(rec, 0); err != nil {
		return err
	}
	metadataJSON, err := marshalMetadata(rec.Metadata)
	if err != nil {
		return err
	}

	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO vector_collection (name, dim)
VALUES ($1, $2)
ON CONFLICT (name) DO NOTHING`, collection, len(rec.Vector)); err != nil {
		return fmt.Errorf("register collection %q: %w", collection, err)
	}

	var dim int
	if err := tx.QueryRowContext(ctx, `SELECT dim FROM vector_collection WHERE name = $1`, collection).Scan(&dim); err != nil {
		return fmt.Errorf("read collection %q dimension: %w", collection, err)
	}
	if dim != len(rec.Vector) {
		return ragerr.Validation("collection %q dimension mismatch: expected %d, got %d", collection, dim, len(rec.Vector))
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO vector_record (collection, record_id, embedding, metadata, updated_at)
VALUES ($1, $2, $3, $4::jsonb, NOW())
ON CONFLICT (collection, record_id)
DO UPDATE SET embedding = EXCLUDED.embedding, metadata = EXCLUDED.metadata, updated_at = NOW()`,
		collection, rec.ID, pgvector.NewVector(rec.Vector), metadataJSON,
	); err != nil {
		return fmt.Errorf("upsert vector %s/%s: %w", collection, rec.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert tx: %w", err)
	}
	return nil
}

func (i *Index) Query(ctx context.Context, collection string, vector []float32, topK int, filter vectorindex.Filter) ([]vectorindex.Match, error) {
	if topK <= 0 {
		return []vectorindex.Match{}, nil
	}
	var dim int
	err := i.db.QueryRowContext(ctx, `SELECT dim FROM vector_collection WHERE name = $1`, collection).Scan(&dim)
	if errors.Is(err, sql.ErrNoRows) {
		return []vectorindex.Match{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read collection %q dimension: %w", collection, err)
	}
	if dim != len(vector) {
		return nil, ragerr.Validation("query dimension mismatch for %q: expected %d, got %d", collection, dim, len(vector))
	}

	filterJSON, err := marshalMetadata(vectorindex.Metadata(filter))
	if err != nil {
		return nil, err
	}

	rows, err := i.db.QueryContext(ctx, `
SELECT record_id, 1 - (embedding <=> $2) AS similarity, metadata
FROM vector_record
WHERE collection = $1 AND metadata @> $3::jsonb
ORDER BY embedding <=> $2, record_id
LIMIT $4`, collection, pgvector.NewVector(vector), filterJSON, topK)
	if err != nil {
		return nil, fmt.Errorf("query collection %q: %w", collection, err)
	}
	defer func() { _ = rows.Close() }()

	matches := make([]vectorindex.Match, 0, topK)
	for rows.Next() {
		var (
			id         string
			similarity sql.NullFloat64
			rawMeta    []byte
		)
		if err := rows.Scan(&id, &similarity, &rawMeta); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		md := vectorindex.Metadata{}
		if len(rawMeta) > 0 {
			if err := json.Unmarshal(rawMeta, &md); err != nil {
				return nil, fmt.Errorf("decode metadata for %q: %w", id, err)
			}
		}
		matches = append(matches, vectorindex.Match{
			ID:         id,
			Similarity: vectorindex.ClampSimilarity(similarity.Float64),
			Metadata:   md,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate matches: %w", err)
	}
	vectorindex.SortMatches(matches)
	return matches, nil
}

func (i *Index) Delete(ctx context.Context, collection string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM vector_record WHERE collection = $1 AND record_id = $2`, collection, id); err != nil {
			return fmt.Errorf("delete vector %s/%s: %w", collection, id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete tx: %w", err)
	}
	return nil
}

func (i *Index) Count(ctx context.Context, collection string) (int, error) {
	var count int
	if err := i.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vector_record WHERE collection = $1`, collection).Scan(&count); err != nil {
		return 0, fmt.Errorf("count collection %q: %w", collection, err)
	}
	return count, nil
}

func (i *Index) IDs(ctx context.Context, collection string) ([]string, error) {
	rows, err := i.db.QueryContext(ctx, `SELECT record_id FROM vector_record WHERE collection = $1 ORDER BY record_id`, collection)
	if err != nil {
		return nil, fmt.Errorf("list ids of collection %q: %w", collection, err)
	}
	defer func() { _ = rows.Close() }()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan record id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate record ids: %w", err)
	}
	return ids, nil
}

func (i *Index) HealthCheck(ctx context.Context) error {
	return i.db.PingContext(ctx)
}

func marshalMetadata(md vectorindex.Metadata) (string, error) {
	if md == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(md)
	if err != nil {
		return "", ragerr.Validation("encode metadata: %v", err)
	}
	return string(raw), nil
}
