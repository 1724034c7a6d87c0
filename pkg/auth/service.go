// Package auth implements password login, database-backed login
// sessions, and the HTTP middleware that gates the API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/rxlytics/analyst-engine/pkg/apperrors"
	"github.com/rxlytics/analyst-engine/pkg/models"
	"github.com/rxlytics/analyst-engine/pkg/repositories"
)

// Service implements registration, login, and session validation.
type Service struct {
	users      repositories.UserRepository
	sessionTTL time.Duration
	logger     *zap.Logger
}

// NewService creates an auth service.
func NewService(users repositories.UserRepository, sessionTTL time.Duration, logger *zap.Logger) *Service {
	return &Service{
		users:      users,
		sessionTTL: sessionTTL,
		logger:     logger.Named("auth"),
	}
}

// Register creates a new user with a bcrypt password hash.
func (s *Service) Register(ctx context.Context, email, password, displayName string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, fmt.Errorf("email and password are required: %w", apperrors.ErrEmptyInput)
	}

	if _, err := s.users.GetByEmail(ctx, email); err == nil {
		return nil, apperrors.ErrConflict
	} else if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, fmt.Errorf("failed to check existing user: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &models.User{
		Email:        email,
		PasswordHash: string(hash),
		DisplayName:  displayName,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}

	s.logger.Info("user registered", zap.String("user_id", user.ID.String()))
	return user, nil
}

// Login verifies credentials and opens a new login session. Wrong email
// and wrong password both return ErrInvalidCredentials so callers cannot
// distinguish the two.
func (s *Service) Login(ctx context.Context, email, password string) (*models.User, *models.UserSession, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	user, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil, apperrors.ErrInvalidCredentials
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to look up user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, nil, apperrors.ErrInvalidCredentials
	}

	session := &models.UserSession{
		UserID:    user.ID,
		ExpiresAt: time.Now().Add(s.sessionTTL),
	}
	if err := s.users.CreateSession(ctx, session); err != nil {
		return nil, nil, err
	}

	s.logger.Info("user logged in",
		zap.String("user_id", user.ID.String()),
		zap.Time("session_expires_at", session.ExpiresAt))
	return user, session, nil
}

// Logout deletes the login session. Unknown session IDs are not an error.
func (s *Service) Logout(ctx context.Context, sessionID uuid.UUID) error {
	return s.users.DeleteSession(ctx, sessionID)
}

// ValidateSession resolves a session ID to its user. Expired sessions are
// deleted eagerly and reported as unauthorized.
func (s *Service) ValidateSession(ctx context.Context, sessionID uuid.UUID) (*models.User, error) {
	session, err := s.users.GetSession(ctx, sessionID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, apperrors.ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if session.Expired(time.Now()) {
		if err := s.users.DeleteSession(ctx, sessionID); err != nil {
			s.logger.Warn("failed to delete expired session", zap.Error(err))
		}
		return nil, apperrors.ErrUnauthorized
	}

	user, err := s.users.GetByID(ctx, session.UserID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, apperrors.ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session user: %w", err)
	}
	return user, nil
}

// PurgeExpiredSessions removes expired login sessions. Intended for a
// periodic background sweep.
func (s *Service) PurgeExpiredSessions(ctx context.Context) {
	n, err := s.users.DeleteExpiredSessions(ctx)
	if err != nil {
		s.logger.Warn("failed to purge expired sessions", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("purged expired sessions", zap.Int64("count", n))
	}
}
