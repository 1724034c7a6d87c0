package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rxlytics/analyst-engine/pkg/apperrors"
	"github.com/rxlytics/analyst-engine/pkg/auth"
	"github.com/rxlytics/analyst-engine/pkg/models"
	"github.com/rxlytics/analyst-engine/pkg/pipeline"
	"github.com/rxlytics/analyst-engine/pkg/services"
)

// eventBufferSize bounds the in-flight event queue per streaming request;
// a slow client applies backpressure to the run instead of growing memory.
const eventBufferSize = 256

// ChatHandler exposes the analysis pipeline over SSE and a synchronous
// JSON endpoint.
type ChatHandler struct {
	chat       *services.ChatService
	middleware *auth.Middleware
	logger     *zap.Logger
}

// NewChatHandler creates a chat handler.
func NewChatHandler(chat *services.ChatService, mw *auth.Middleware, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		chat:       chat,
		middleware: mw,
		logger:     logger,
	}
}

// RegisterRoutes registers the chat routes on the given mux.
func (h *ChatHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/chat/stream", h.middleware.RequireAuth(h.Stream))
	mux.HandleFunc("POST /api/chat", h.middleware.RequireAuth(h.Chat))
}

type chatRequest struct {
	ConversationID *uuid.UUID `json:"conversation_id,omitempty"`
	Message        string     `json:"message"`
}

func (h *ChatHandler) decodeChatRequest(r *http.Request) (services.ChatRequest, error) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return services.ChatRequest{}, fmt.Errorf("invalid JSON body: %w", err)
	}
	return services.ChatRequest{
		UserID:         auth.GetUserID(r.Context()),
		ConversationID: req.ConversationID,
		Message:        req.Message,
	}, nil
}

// Stream handles POST /api/chat/stream. Every pipeline event becomes one
// SSE frame (`event: <kind>` + `data: <payload>`), in emission order,
// flushed as it arrives.
func (h *ChatHandler) Stream(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeChatRequest(r)
	if err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := make(chan models.Event, eventBufferSize)
	emitter := pipeline.EmitterFunc(func(e models.Event) { events <- e })

	go func() {
		defer close(events)
		if _, err := h.chat.Run(r.Context(), req, emitter); err != nil {
			if errors.Is(err, context.Canceled) {
				h.logger.Debug("chat stream cancelled by client")
				return
			}
			h.logger.Error("chat run failed", zap.Error(err))
			events <- models.NewErrorEvent(clientErrorMessage(err))
			events <- models.NewCompleteEvent(models.CompletePayload{OK: false, Reason: clientErrorMessage(err)})
		}
	}()

	// After a write failure the loop keeps draining until the run goroutine
	// closes the channel; abandoning the channel could leave the run blocked
	// on a full buffer.
	clientGone := false
	for event := range events {
		if clientGone {
			continue
		}
		payload, err := json.Marshal(event.Data)
		if err != nil {
			h.logger.Error("failed to encode event", zap.Error(err))
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, payload); err != nil {
			h.logger.Debug("client disconnected mid-stream", zap.Error(err))
			clientGone = true
			continue
		}
		flusher.Flush()
	}
}

// chatResponse is the synchronous endpoint's reply: the run summary plus
// the full ordered event list a streaming client would have received.
type chatResponse struct {
	RequestID      string            `json:"request_id"`
	ConversationID uuid.UUID         `json:"conversation_id"`
	Outcome        string            `json:"outcome"`
	Answer         string            `json:"answer"`
	Events         []models.Event    `json:"events"`
	Metrics        models.RunMetrics `json:"metrics"`
}

// Chat handles POST /api/chat, running the same pipeline with a collector
// instead of a live stream.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeChatRequest(r)
	if err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	collector := pipeline.NewCollector()
	out, err := h.chat.Run(r.Context(), req, collector)
	if errors.Is(err, apperrors.ErrNotFound) {
		_ = ErrorResponse(w, http.StatusNotFound, "not_found", "Conversation not found")
		return
	}
	if err != nil {
		h.logger.Error("chat run failed", zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", "The analysis could not be completed")
		return
	}

	_ = WriteJSON(w, http.StatusOK, chatResponse{
		RequestID:      out.RequestID,
		ConversationID: out.ConversationID,
		Outcome:        string(out.Result.Outcome),
		Answer:         out.Result.Answer,
		Events:         collector.Events(),
		Metrics:        out.Result.Metrics,
	})
}

// clientErrorMessage maps service errors to safe client text.
func clientErrorMessage(err error) string {
	if errors.Is(err, apperrors.ErrNotFound) {
		return "Conversation not found."
	}
	return "The analysis could not be completed."
}
