package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rxlytics/analyst-engine/pkg/apperrors"
	"github.com/rxlytics/analyst-engine/pkg/auth"
	"github.com/rxlytics/analyst-engine/pkg/services"
)

// ConversationHandler exposes conversation listing, creation, and message
// history for the authenticated user.
type ConversationHandler struct {
	service    *services.ConversationService
	middleware *auth.Middleware
	logger     *zap.Logger
}

// NewConversationHandler creates a conversation handler.
func NewConversationHandler(service *services.ConversationService, mw *auth.Middleware, logger *zap.Logger) *ConversationHandler {
	return &ConversationHandler{
		service:    service,
		middleware: mw,
		logger:     logger,
	}
}

// RegisterRoutes registers the conversation routes on the given mux.
func (h *ConversationHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/conversations", h.middleware.RequireAuth(h.List))
	mux.HandleFunc("POST /api/conversations", h.middleware.RequireAuth(h.Create))
	mux.HandleFunc("GET /api/conversations/{id}/messages", h.middleware.RequireAuth(h.Messages))
}

// List handles GET /api/conversations.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := auth.GetUserID(r.Context())

	convs, err := h.service.List(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list conversations", zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Failed to list conversations")
		return
	}
	_ = WriteJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

type createConversationRequest struct {
	Title string `json:"title"`
}

// Create handles POST /api/conversations. An empty body starts an untitled
// conversation.
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := auth.GetUserID(r.Context())

	var req createConversationRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
			return
		}
	}

	conv, err := h.service.Create(r.Context(), userID, req.Title)
	if err != nil {
		h.logger.Error("failed to create conversation", zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Failed to create conversation")
		return
	}
	_ = WriteJSON(w, http.StatusCreated, conv)
}

// Messages handles GET /api/conversations/{id}/messages.
func (h *ConversationHandler) Messages(w http.ResponseWriter, r *http.Request) {
	userID := auth.GetUserID(r.Context())

	conversationID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid conversation id")
		return
	}

	msgs, err := h.service.Messages(r.Context(), userID, conversationID)
	if errors.Is(err, apperrors.ErrNotFound) {
		_ = ErrorResponse(w, http.StatusNotFound, "not_found", "Conversation not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to list messages", zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Failed to list messages")
		return
	}
	_ = WriteJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}
