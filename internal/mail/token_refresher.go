package mail

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"mailer-service/internal/config"
	"mailer-service/internal/metrics"
	"mailer-service/internal/models"
	"mailer-service/internal/repository/postgres"
)

var (
	ErrNotAuthorized = errors.New("gmail access not authorized")
	ErrRefreshFailed = errors.New("failed to refresh gmail access token")
)

// NewOAuthConfig builds the Google OAuth2 client used for consent and refresh.
func NewOAuthConfig(cfg config.GoogleConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       cfg.Scopes,
		Endpoint:     endpoints.Google,
	}
}

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (string, time.Time, error)
}

type OAuthRefresher struct {
	cfg *oauth2.Config
}

func NewOAuthRefresher(cfg *oauth2.Config) *OAuthRefresher {
	return &OAuthRefresher{cfg: cfg}
}

func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (string, time.Time, error) {
	if refreshToken == "" {
		return "", time.Time{}, fmt.Errorf("%w: no refresh token on file", ErrRefreshFailed)
	}
	// A token without an access token is never valid, so Token() always refreshes.
	tok, err := r.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	return tok.AccessToken, tok.Expiry, nil
}

// TokenStore persists delegated credentials.
type TokenStore interface {
	Get(ctx context.Context, uid int64) (*models.UserToken, error)
	UpdateAccess(ctx context.Context, uid int64, accessToken string, expiresAt time.Time) error
}

// TokenProvider hands out a usable access token per user, refreshing and
// storing it when the stored one has expired.
type TokenProvider struct {
	store     TokenStore
	refresher Refresher
	now       func() time.Time
	logger    *zap.Logger
}

func NewTokenProvider(store TokenStore, refresher Refresher, logger *zap.Logger) *TokenProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenProvider{store: store, refresher: refresher, now: time.Now, logger: logger}
}

func (p *TokenProvider) AccessToken(ctx context.Context, uid int64) (string, error) {
	tok, err := p.store.Get(ctx, uid)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			return "", ErrNotAuthorized
		}
		return "", fmt.Errorf("failed to load user token: %w", err)
	}
	if !tok.Expired(p.now().UTC()) {
		return tok.AccessToken, nil
	}

	access, expiry, err := p.refresher.Refresh(ctx, tok.RefreshToken)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues("failed").Inc()
		p.logger.Warn("Access token refresh failed", zap.Int64("uid", uid), zap.Error(err))
		return "", err
	}
	metrics.TokenRefreshes.WithLabelValues("refreshed").Inc()

	if err := p.store.UpdateAccess(ctx, uid, access, expiry.UTC()); err != nil {
		// The refreshed token is still usable for this send.
		p.logger.Error("Failed to store refreshed access token", zap.Int64("uid", uid), zap.Error(err))
	}
	return access, nil
}
