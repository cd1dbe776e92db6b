package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/sqlrag/sqlrag/internal/auth"
)

type generateRequest struct {
	NaturalLanguage string `json:"natural_language"`
}

type executeRequest struct {
	SQL      string `json:"sql"`
	RowLimit int    `json:"row_limit"`
}

func handleGenerate(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if err := auth.RequireRole(r, auth.RoleSQLReader); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var request generateRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid generate request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.NaturalLanguage) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "natural_language is required", false, nil)
		return
	}

	ctx, cancel := requestContext(deps, r)
	defer cancel()
	generation, err := deps.Engine.GenerateSQL(ctx, request.NaturalLanguage)
	if err != nil {
		writeEngineError(deps, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, generation)
}

func handleExecute(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if err := auth.RequireRole(r, auth.RoleSQLExecutor); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var request executeRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid execute request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.SQL) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_REQUIRED", "sql is required", false, nil)
		return
	}
	if request.RowLimit < 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_ROW_LIMIT", "row_limit must be >= 0", false, nil)
		return
	}

	ctx, cancel := requestContext(deps, r)
	defer cancel()
	result, err := deps.Engine.Execute(ctx, request.SQL, request.RowLimit)
	if err != nil {
		writeEngineError(deps, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"columns":   result.Columns,
		"rows":      result.Rows,
		"row_count": result.RowCount,
		"truncated": result.Truncated,
		"stats": map[string]any{
			"duration_ms": result.Duration.Milliseconds(),
		},
	})
}

func requestContext(deps Dependencies, r *http.Request) (context.Context, context.CancelFunc) {
	if deps.RequestTimeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), deps.RequestTimeout)
}
