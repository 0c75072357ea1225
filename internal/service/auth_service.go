package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"mailer-service/internal/auth"
	"mailer-service/internal/repository/postgres"
)

type LoginResult struct {
	UID          int64
	AccessToken  string
	RefreshToken string
	RefreshTTL   time.Duration
}

// AuthService issues and refreshes API tokens.
type AuthService struct {
	users  UserStore
	hasher PasswordHasher
	tokens *auth.TokenIssuer
	logger *zap.Logger
}

func NewAuthService(users UserStore, hasher PasswordHasher, tokens *auth.TokenIssuer, logger *zap.Logger) *AuthService {
	return &AuthService{users: users, hasher: hasher, tokens: tokens, logger: logger}
}

func (s *AuthService) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	u, err := s.users.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	// Accounts created through Google consent have no password.
	if u.Password == "" {
		return nil, ErrInvalidCredentials
	}
	ok, err := s.hasher.VerifyPassword(password, u.Password)
	if err != nil || !ok {
		return nil, ErrInvalidCredentials
	}
	if s.hasher.NeedsRehash(u.Password) {
		s.rehash(ctx, u.UID, password)
	}

	access, err := s.tokens.IssueAccess(u.UID)
	if err != nil {
		return nil, err
	}
	refresh, err := s.tokens.IssueRefresh(u.UID)
	if err != nil {
		return nil, err
	}
	if err := s.users.SetRefreshToken(ctx, u.UID, refresh); err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	s.logger.Info("User logged in", zap.Int64("uid", u.UID))
	return &LoginResult{UID: u.UID, AccessToken: access, RefreshToken: refresh, RefreshTTL: s.tokens.RefreshTTL()}, nil
}

// rehash upgrades a stored hash to the current argon2 parameters. A failure
// leaves the old hash in place and does not fail the login.
func (s *AuthService) rehash(ctx context.Context, uid int64, password string) {
	encoded, err := s.hasher.HashPassword(password)
	if err == nil {
		err = s.users.SetPassword(ctx, uid, encoded)
	}
	if err != nil {
		s.logger.Warn("Failed to upgrade password hash", zap.Int64("uid", uid), zap.Error(err))
		return
	}
	s.logger.Info("Password hash upgraded", zap.Int64("uid", uid))
}

// Refresh exchanges the refresh cookie for a new access token. The token must
// be the one most recently issued to the user.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (string, error) {
	if refreshToken == "" {
		return "", auth.ErrInvalidToken
	}
	uid, err := s.tokens.Verify(refreshToken, auth.KindRefresh)
	if err != nil {
		return "", auth.ErrInvalidToken
	}

	u, err := lookupUser(ctx, s.users, uid)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return "", auth.ErrInvalidToken
		}
		return "", err
	}
	if u.RefreshToken == nil || *u.RefreshToken != refreshToken {
		return "", auth.ErrInvalidToken
	}
	return s.tokens.IssueAccess(uid)
}
