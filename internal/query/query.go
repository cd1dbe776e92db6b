// Package query runs approved statements against the target database.
package query

import (
	"context"
	"time"
)

type Request struct {
	SQL      string
	RowLimit int
}

type Result struct {
	Columns   []string      `json:"columns"`
	Rows      [][]any       `json:"rows"`
	RowCount  int           `json:"row_count"`
	Truncated bool          `json:"truncated"`
	Duration  time.Duration `json:"-"`
}

type Executor interface {
	Execute(ctx context.Context, request Request) (Result, error)
}

// ExecutionError wraps a failure reported by the database while running an
// approved statement.
type ExecutionError struct {
	Err error
}

func (e *ExecutionError) Error() string {
	return "execute query: " + e.Err.Error()
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
