// Package sqldb executes statements through database/sql, against Postgres
// or DuckDB.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sqlrag/sqlrag/internal/query"
)

// Validator approves a statement before it runs.
type Validator interface {
	Validate(sql string) (string, error)
}

type Executor struct {
	db        *sql.DB
	validator Validator
}

func NewExecutor(db *sql.DB, validator Validator) (*Executor, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	if validator == nil {
		return nil, fmt.Errorf("validator is required")
	}
	return &Executor{db: db, validator: validator}, nil
}

// Execute re-validates request.SQL and runs it once. At most RowLimit rows
// are returned; Truncated reports whether more were available.
func (e *Executor) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	approved, err := e.validator.Validate(request.SQL)
	if err != nil {
		return query.Result{}, err
	}
	sqlText := stripTrailingSemicolons(approved)

	start := time.Now()
	rows, err := e.db.QueryContext(ctx, sqlText)
	if err != nil {
		return query.Result{}, &query.ExecutionError{Err: err}
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return query.Result{}, fmt.Errorf("query columns: %w", err)
	}

	result := query.Result{Columns: columns, Rows: make([][]any, 0)}
	for rows.Next() {
		if request.RowLimit > 0 && len(result.Rows) >= request.RowLimit {
			result.Truncated = true
			break
		}
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return query.Result{}, fmt.Errorf("scan row: %w", err)
		}
		result.Rows = append(result.Rows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return query.Result{}, &query.ExecutionError{Err: err}
	}

	result.RowCount = len(result.Rows)
	result.Duration = time.Since(start)
	return result, nil
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
