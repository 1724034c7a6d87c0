package handlers

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rxlytics/analyst-engine/pkg/auth"
	"github.com/rxlytics/analyst-engine/pkg/repositories"
)

const defaultAuditPageSize = 50

// AuditHandler exposes governance audit records to internal tooling. The
// endpoint is service-to-service only and sits behind a bearer token, not
// a user session.
type AuditHandler struct {
	records    repositories.AuditRepository
	middleware *auth.Middleware
	logger     *zap.Logger
}

// NewAuditHandler creates an audit handler.
func NewAuditHandler(records repositories.AuditRepository, mw *auth.Middleware, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		records:    records,
		middleware: mw,
		logger:     logger,
	}
}

// RegisterRoutes registers the audit routes on the given mux.
func (h *AuditHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/audit/records", h.middleware.RequireServiceToken(h.List))
}

// List handles GET /api/audit/records with optional user_id, request_id,
// and limit query parameters.
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := repositories.AuditFilter{
		RequestID: r.URL.Query().Get("request_id"),
		Limit:     defaultAuditPageSize,
	}

	if raw := r.URL.Query().Get("user_id"); raw != "" {
		userID, err := uuid.Parse(raw)
		if err != nil {
			_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid user_id")
			return
		}
		filter.UserID = &userID
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid limit")
			return
		}
		filter.Limit = limit
	}

	recs, err := h.records.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list audit records", zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Failed to list audit records")
		return
	}
	_ = WriteJSON(w, http.StatusOK, map[string]any{"records": recs})
}
