package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rxlytics/analyst-engine/pkg/models"
)

const testServiceSecret = "test-service-secret"

func newTestMiddleware(t *testing.T) (*Middleware, *fakeUserRepo, *CookieStore) {
	t.Helper()
	repo := newFakeUserRepo()
	svc := newTestService(repo)
	cookies := NewCookieStore("cookie-secret", "http://localhost:8080", 7*24*time.Hour)
	mw := NewMiddleware(svc, cookies, testServiceSecret, zap.NewNop())
	return mw, repo, cookies
}

func TestRequireAuth_NoCookie(t *testing.T) {
	mw, _, _ := newTestMiddleware(t)

	handler := mw.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run without a session")
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/api/conversations", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "unauthorized")
}

func TestRequireAuth_ValidSession(t *testing.T) {
	mw, repo, cookies := newTestMiddleware(t)
	ctx := context.Background()

	user := &models.User{Email: "analyst@example.com"}
	require.NoError(t, repo.Create(ctx, user))
	session := &models.UserSession{UserID: user.ID, ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, repo.CreateSession(ctx, session))

	// Capture the signed cookie from a write, then replay it.
	writeRec := httptest.NewRecorder()
	writeReq := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	require.NoError(t, cookies.Write(writeRec, writeReq, session.ID))
	cookieHeader := writeRec.Header().Get("Set-Cookie")
	require.NotEmpty(t, cookieHeader)

	var gotUser *models.User
	handler := mw.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = GetUser(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set("Cookie", cookieHeader)
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, gotUser)
	assert.Equal(t, user.ID, gotUser.ID)
}

func TestRequireServiceToken(t *testing.T) {
	mw, _, _ := newTestMiddleware(t)

	signed := func(secret string, method jwt.SigningMethod) string {
		token := jwt.NewWithClaims(method, jwt.RegisteredClaims{
			Subject:   "governance",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})
		s, err := token.SignedString([]byte(secret))
		require.NoError(t, err)
		return s
	}

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
	}{
		{"valid token", "Bearer " + signed(testServiceSecret, jwt.SigningMethodHS256), http.StatusOK},
		{"wrong secret", "Bearer " + signed("other-secret", jwt.SigningMethodHS256), http.StatusUnauthorized},
		{"missing header", "", http.StatusUnauthorized},
		{"not a bearer", "Basic abc123", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := mw.RequireServiceToken(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodGet, "/api/audit/records", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rec := httptest.NewRecorder()
			handler(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestRequireServiceToken_ExpiredToken(t *testing.T) {
	mw, _, _ := newTestMiddleware(t)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "governance",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	signed, err := token.SignedString([]byte(testServiceSecret))
	require.NoError(t, err)

	handler := mw.RequireServiceToken(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/audit/records", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCookieStore_ReadInvalid(t *testing.T) {
	cookies := NewCookieStore("cookie-secret", "http://localhost:8080", time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := cookies.Read(req)
	assert.False(t, ok)

	req.Header.Set("Cookie", SessionCookieName+"=tampered")
	_, ok = cookies.Read(req)
	assert.False(t, ok)
}

func TestGetUserID_Unauthenticated(t *testing.T) {
	assert.Equal(t, uuid.Nil, GetUserID(context.Background()))
}
