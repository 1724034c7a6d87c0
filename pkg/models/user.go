package models

import (
	"time"

	"github.com/google/uuid"
)

// User is an authenticated account. PasswordHash is a bcrypt hash and is
// never serialized.
type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	DisplayName  string    `json:"display_name"`
	CreatedAt    time.Time `json:"created_at"`
}

// UserSession is a server-side login session backing the session cookie.
type UserSession struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Expired reports whether the session is past its expiry.
func (s *UserSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
