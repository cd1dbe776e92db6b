package api

import (
	"net/http"

	"github.com/sqlrag/sqlrag/internal/auth"
)

func handleSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if err := auth.RequireRole(r, auth.RoleSQLReader); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	tables, err := deps.Engine.Schema(r.Context())
	if err != nil {
		writeEngineError(deps, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tables": tables})
}

func handleReindex(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if err := auth.RequireRole(r, auth.RoleIndexAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	result, err := deps.Engine.ReindexSchema(r.Context())
	if err != nil {
		writeEngineError(deps, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func handleSnapshot(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if err := auth.RequireRole(r, auth.RoleIndexAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	result, err := deps.Engine.SaveSnapshot(r.Context())
	if err != nil {
		writeEngineError(deps, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"key":          result.Key,
		"archive_key":  result.ArchiveKey,
		"record_count": result.RecordCount,
		"bytes":        result.Bytes,
	})
}
