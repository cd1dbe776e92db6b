package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/sqlrag/sqlrag/internal/auth"
	"github.com/sqlrag/sqlrag/internal/feedback"
)

const maxSimilarLimit = 50

func handleFeedback(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if err := auth.RequireRole(r, auth.RoleFeedbackWriter); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var submission feedback.Submission
	if err := decodeJSON(r, &submission); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid feedback request body", false, map[string]any{"details": err.Error()})
		return
	}

	record, err := deps.Engine.SubmitFeedback(r.Context(), submission)
	if err != nil {
		writeEngineError(deps, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "recorded",
		"feedback": record,
	})
}

func handleFeedbackStats(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if err := auth.RequireRole(r, auth.RoleSQLReader); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	stats, err := deps.Engine.FeedbackStats(r.Context())
	if err != nil {
		writeEngineError(deps, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func handleSimilar(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if err := auth.RequireRole(r, auth.RoleSQLReader); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	queryID := strings.TrimSpace(r.PathValue("query_id"))
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxSimilarLimit {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be between 1 and "+strconv.Itoa(maxSimilarLimit), false, nil)
			return
		}
		limit = parsed
	}

	similar, err := deps.Engine.FindSimilar(r.Context(), queryID, limit)
	if err != nil {
		writeEngineError(deps, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query_id": queryID,
		"similar":  similar,
	})
}
