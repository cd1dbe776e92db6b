package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/sqlrag/sqlrag/internal/query"
	"github.com/sqlrag/sqlrag/internal/ragerr"
)

// writeEngineError maps an engine failure onto a status and error code.
func writeEngineError(deps Dependencies, w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()

	var execErr *query.ExecutionError
	if errors.As(err, &execErr) {
		writeError(ctx, w, http.StatusBadRequest, "EXECUTION_FAILED", execErr.Error(), false, nil)
		return
	}

	var rerr *ragerr.Error
	if !errors.As(err, &rerr) {
		if deps.Logger != nil {
			deps.Logger.ErrorContext(ctx, "unclassified engine error", slog.String("error", err.Error()))
		}
		writeError(ctx, w, http.StatusInternalServerError, "INTERNAL", "internal error", false, nil)
		return
	}

	extra := map[string]any{}
	for k, v := range rerr.Details {
		extra[k] = v
	}
	if rerr.Reason != "" {
		extra["reason"] = rerr.Reason
	}
	if rerr.Cause != nil {
		extra["details"] = rerr.Cause.Error()
	}
	if len(extra) == 0 {
		extra = nil
	}

	switch rerr.Kind {
	case ragerr.KindValidation:
		writeError(ctx, w, http.StatusBadRequest, "INVALID_REQUEST", rerr.Message, false, extra)
	case ragerr.KindNotFound:
		writeError(ctx, w, http.StatusNotFound, "NOT_FOUND", rerr.Message, false, extra)
	case ragerr.KindSQLSafety:
		writeError(ctx, w, http.StatusUnprocessableEntity, "SQL_NOT_ALLOWED", rerr.Message, false, extra)
	case ragerr.KindGeneration:
		switch rerr.Reason {
		case ragerr.ReasonNoSQLFound:
			writeError(ctx, w, http.StatusUnprocessableEntity, "NO_SQL_FOUND", rerr.Message, true, extra)
		case ragerr.ReasonCanceled:
			writeError(ctx, w, http.StatusGatewayTimeout, "GENERATION_CANCELED", rerr.Message, true, extra)
		default:
			writeError(ctx, w, http.StatusBadGateway, "GENERATION_FAILED", rerr.Message, rerr.Reason == ragerr.ReasonUpstreamUnavailable, extra)
		}
	case ragerr.KindRetrieval:
		writeError(ctx, w, http.StatusServiceUnavailable, "RETRIEVAL_FAILED", rerr.Message, true, extra)
	case ragerr.KindPersistence:
		writeError(ctx, w, http.StatusInternalServerError, "PERSISTENCE_FAILED", rerr.Message, true, extra)
	default:
		writeError(ctx, w, http.StatusInternalServerError, "INTERNAL", rerr.Error(), false, extra)
	}
}
