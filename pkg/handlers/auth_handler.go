package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/rxlytics/analyst-engine/pkg/apperrors"
	"github.com/rxlytics/analyst-engine/pkg/auth"
)

// AuthHandler handles registration, login, logout, and the current-user
// endpoint.
type AuthHandler struct {
	service    *auth.Service
	cookies    *auth.CookieStore
	middleware *auth.Middleware
	logger     *zap.Logger
}

// NewAuthHandler creates an auth handler.
func NewAuthHandler(service *auth.Service, cookies *auth.CookieStore, mw *auth.Middleware, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		service:    service,
		cookies:    cookies,
		middleware: mw,
		logger:     logger,
	}
}

// RegisterRoutes registers the auth routes on the given mux.
func (h *AuthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/auth/register", h.Register)
	mux.HandleFunc("POST /api/auth/login", h.Login)
	mux.HandleFunc("POST /api/auth/logout", h.Logout)
	mux.HandleFunc("GET /api/auth/me", h.middleware.RequireAuth(h.Me))
}

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register handles POST /api/auth/register.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	user, err := h.service.Register(r.Context(), req.Email, req.Password, req.DisplayName)
	if errors.Is(err, apperrors.ErrConflict) {
		_ = ErrorResponse(w, http.StatusConflict, "conflict", "An account with that email already exists")
		return
	}
	if errors.Is(err, apperrors.ErrEmptyInput) {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Email and password are required")
		return
	}
	if err != nil {
		h.logger.Error("registration failed", zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Registration failed")
		return
	}

	_ = WriteJSON(w, http.StatusCreated, user)
}

// Login handles POST /api/auth/login. A successful login sets the signed
// session cookie.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	user, session, err := h.service.Login(r.Context(), req.Email, req.Password)
	if errors.Is(err, apperrors.ErrInvalidCredentials) {
		_ = ErrorResponse(w, http.StatusUnauthorized, "invalid_credentials", "Invalid email or password")
		return
	}
	if err != nil {
		h.logger.Error("login failed", zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Login failed")
		return
	}

	if err := h.cookies.Write(w, r, session.ID); err != nil {
		h.logger.Error("failed to set session cookie", zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Login failed")
		return
	}

	_ = WriteJSON(w, http.StatusOK, user)
}

// Logout handles POST /api/auth/logout. Always clears the cookie, even
// when no server-side session exists.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if sessionID, ok := h.cookies.Read(r); ok {
		if err := h.service.Logout(r.Context(), sessionID); err != nil {
			h.logger.Warn("failed to delete session", zap.Error(err))
		}
	}
	if err := h.cookies.Clear(w, r); err != nil {
		h.logger.Warn("failed to clear session cookie", zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

// Me handles GET /api/auth/me for the authenticated user.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, err := auth.RequireUser(r.Context())
	if err != nil {
		_ = ErrorResponse(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}
	_ = WriteJSON(w, http.StatusOK, user)
}
