package auth

import (
	"crypto/sha256"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
)

// SessionCookieName is the name of the signed login session cookie.
const SessionCookieName = "analyst-session"

const sessionKeySessionID = "sid"

// CookieStore wraps a signed cookie store carrying the login session ID.
// The session itself lives in PostgreSQL; the cookie only names it.
type CookieStore struct {
	store *sessions.CookieStore
}

// NewCookieStore creates the cookie store. The secret can be any
// passphrase; it is SHA-256 hashed to derive a consistent 32-byte signing
// key, so it survives restarts and load-balanced deployments.
//
// Security settings:
//   - HttpOnly: true (inaccessible to JavaScript)
//   - Secure: derived from the base URL scheme
//   - SameSite: Lax (the UI navigates here from login redirects)
func NewCookieStore(secret, baseURL string, ttl time.Duration) *CookieStore {
	key := sha256.Sum256([]byte(secret))

	store := sessions.NewCookieStore(key[:])
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   isHTTPS(baseURL),
		SameSite: http.SameSiteLaxMode,
	}
	return &CookieStore{store: store}
}

// Write stores the session ID in the signed cookie.
func (c *CookieStore) Write(w http.ResponseWriter, r *http.Request, sessionID uuid.UUID) error {
	session, _ := c.store.Get(r, SessionCookieName)
	session.Values[sessionKeySessionID] = sessionID.String()
	return session.Save(r, w)
}

// Read returns the session ID from the cookie, if present and valid.
func (c *CookieStore) Read(r *http.Request) (uuid.UUID, bool) {
	session, err := c.store.Get(r, SessionCookieName)
	if err != nil {
		return uuid.Nil, false
	}
	raw, ok := session.Values[sessionKeySessionID].(string)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// Clear expires the cookie.
func (c *CookieStore) Clear(w http.ResponseWriter, r *http.Request) error {
	session, _ := c.store.Get(r, SessionCookieName)
	session.Options.MaxAge = -1
	delete(session.Values, sessionKeySessionID)
	return session.Save(r, w)
}

// isHTTPS reports whether the base URL uses HTTPS. Empty or invalid URLs
// default to true.
func isHTTPS(baseURL string) bool {
	if baseURL == "" {
		return true
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return true
	}
	return parsed.Scheme != "http"
}
