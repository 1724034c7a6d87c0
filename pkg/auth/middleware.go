package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Middleware gates HTTP handlers behind the login session cookie, or an
// HS256 service token for internal governance endpoints.
type Middleware struct {
	service            *Service
	cookies            *CookieStore
	serviceTokenSecret string
	logger             *zap.Logger
}

// NewMiddleware creates the auth middleware.
func NewMiddleware(service *Service, cookies *CookieStore, serviceTokenSecret string, logger *zap.Logger) *Middleware {
	return &Middleware{
		service:            service,
		cookies:            cookies,
		serviceTokenSecret: serviceTokenSecret,
		logger:             logger,
	}
}

// RequireAuth validates the session cookie and puts the user in context.
func (m *Middleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID, ok := m.cookies.Read(r)
		if !ok {
			m.unauthorized(w, "Authentication required")
			return
		}

		user, err := m.service.ValidateSession(r.Context(), sessionID)
		if err != nil {
			m.unauthorized(w, "Authentication required")
			return
		}

		next(w, r.WithContext(WithUser(r.Context(), user)))
	}
}

// RequireServiceToken validates an HS256 bearer token. Used by internal
// governance tooling that reads the audit trail without a login session.
func (m *Middleware) RequireServiceToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenString == "" {
			m.unauthorized(w, "Bearer token required")
			return
		}

		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return []byte(m.serviceTokenSecret), nil
		})
		if err != nil || !token.Valid {
			m.logger.Warn("service token rejected",
				zap.String("path", r.URL.Path),
				zap.Error(err))
			m.unauthorized(w, "Invalid service token")
			return
		}

		next(w, r)
	}
}

// unauthorized returns a 401 response with a JSON error body.
func (m *Middleware) unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": message,
	})
}
