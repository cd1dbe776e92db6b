// Package embedding turns text into fixed-dimension vectors.
//
// Every result is a Matrix with one row per input text, including the
// single-text case, so storage and similarity code can treat single inserts
// and bulk loads the same way.
package embedding

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/sqlrag/sqlrag/internal/ragerr"
)

// Matrix is a batch of embedding rows with shape (rows, dim).
type Matrix [][]float32

func (m Matrix) Rows() int {
	return len(m)
}

// Dim returns the width of the first row, or 0 for an empty matrix.
func (m Matrix) Dim() int {
	if len(m) == 0 {
		return 0
	}
	return len(m[0])
}

// Row returns row i. It panics like a slice index when i is out of range.
func (m Matrix) Row(i int) []float32 {
	return m[i]
}

// Embedder is a backend that produces raw vectors. Implementations return one
// vector per input text, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// Generator guards an Embedder: it rejects blank input and any backend output
// that does not match the configured dimension.
type Generator struct {
	backend Embedder
	dim     int
}

func NewGenerator(backend Embedder, dim int) (*Generator, error) {
	if backend == nil {
		return nil, fmt.Errorf("embedding backend is required")
	}
	if dim <= 0 {
		return nil, fmt.Errorf("embedding dimension must be > 0")
	}
	return &Generator{backend: backend, dim: dim}, nil
}

func (g *Generator) Dimension() int {
	return g.dim
}

func (g *Generator) Model() string {
	return g.backend.Model()
}

// Embed returns a one-row Matrix for text.
func (g *Generator) Embed(ctx context.Context, text string) (Matrix, error) {
	return g.EmbedBatch(ctx, []string{text})
}

// EmbedBatch returns a Matrix with len(texts) rows.
func (g *Generator) EmbedBatch(ctx context.Context, texts []string) (Matrix, error) {
	if len(texts) == 0 {
		return nil, ragerr.Validation("at least one text is required")
	}
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			return nil, ragerr.Validation("text %d is empty", i)
		}
	}

	rows, err := g.backend.Embed(ctx, texts)
	if err != nil {
		if ragerr.KindOf(err) != "" {
			return nil, err
		}
		return nil, ragerr.Retrieval(err, "embedding backend failed")
	}
	if len(rows) != len(texts) {
		return nil, ragerr.Validation("embedding backend returned %d rows for %d texts", len(rows), len(texts))
	}
	out := make(Matrix, len(rows))
	for i, row := range rows {
		if err := ValidateVector(row, g.dim); err != nil {
			return nil, err
		}
		out[i] = row
	}
	return out, nil
}

// ValidateVector checks that v is non-empty, finite and, when dim > 0, has
// exactly dim components.
func ValidateVector(v []float32, dim int) error {
	if len(v) == 0 {
		return ragerr.Validation("embedding vector is empty")
	}
	if dim > 0 && len(v) != dim {
		return ragerr.Validation("embedding dimension mismatch: expected %d, got %d", dim, len(v))
	}
	for i, value := range v {
		f := float64(value)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return ragerr.Validation("embedding value %d is not finite", i)
		}
	}
	return nil
}
