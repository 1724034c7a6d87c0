package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/rxlytics/analyst-engine/pkg/models"
)

type contextKey string

// UserKey is the context key under which the middleware stores the
// authenticated user.
const UserKey contextKey = "auth_user"

// WithUser returns a context carrying the authenticated user.
func WithUser(ctx context.Context, user *models.User) context.Context {
	return context.WithValue(ctx, UserKey, user)
}

// GetUser extracts the authenticated user from the context.
func GetUser(ctx context.Context) (*models.User, bool) {
	user, ok := ctx.Value(UserKey).(*models.User)
	return user, ok && user != nil
}

// GetUserID returns the authenticated user's ID, or uuid.Nil when the
// request is unauthenticated.
func GetUserID(ctx context.Context) uuid.UUID {
	user, ok := GetUser(ctx)
	if !ok {
		return uuid.Nil
	}
	return user.ID
}

// RequireUser extracts the authenticated user and errors when absent.
func RequireUser(ctx context.Context) (*models.User, error) {
	user, ok := GetUser(ctx)
	if !ok {
		return nil, fmt.Errorf("user not found in context")
	}
	return user, nil
}
