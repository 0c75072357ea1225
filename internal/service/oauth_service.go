package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"mailer-service/internal/models"
)

type googleUserInfo struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// OAuthService runs the Gmail consent flow and stores the delegated tokens.
type OAuthService struct {
	cfg         *oauth2.Config
	userInfoURL string
	users       UserStore
	tokens      TokenStore
	logger      *zap.Logger
}

func NewOAuthService(cfg *oauth2.Config, userInfoURL string, users UserStore, tokens TokenStore, logger *zap.Logger) *OAuthService {
	return &OAuthService{cfg: cfg, userInfoURL: userInfoURL, users: users, tokens: tokens, logger: logger}
}

// AuthorizeURL returns a consent URL and the state the callback must echo.
func (s *OAuthService) AuthorizeURL() (string, string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("failed to generate oauth state: %w", err)
	}
	state := base64.RawURLEncoding.EncodeToString(b)
	url := s.cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
	)
	return url, state, nil
}

// HandleCallback verifies state, exchanges code and stores the credentials
// against the Google account's user, creating it when new.
func (s *OAuthService) HandleCallback(ctx context.Context, state, storedState, code string) (int64, error) {
	if state == "" || state != storedState {
		return 0, ErrOAuthState
	}
	if code == "" {
		return 0, fmt.Errorf("%w: missing authorization code", ErrInvalidInput)
	}

	tok, err := s.cfg.Exchange(ctx, code)
	if err != nil {
		return 0, fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	info, err := s.fetchUserInfo(ctx, tok)
	if err != nil {
		return 0, err
	}

	uid, err := s.users.UpsertByEmail(ctx, info.Name, info.Email)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert oauth user: %w", err)
	}

	err = s.tokens.Upsert(ctx, &models.UserToken{
		UID:          uid,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    "Google",
		ExpiresAt:    tok.Expiry.UTC(),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to store gmail credentials: %w", err)
	}

	s.logger.Info("Gmail access granted", zap.Int64("uid", uid))
	return uid, nil
}

func (s *OAuthService) fetchUserInfo(ctx context.Context, tok *oauth2.Token) (*googleUserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.userInfoURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.cfg.Client(ctx, tok).Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch userinfo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo returned status %d", resp.StatusCode)
	}

	var info googleUserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode userinfo: %w", err)
	}
	if info.Email == "" {
		return nil, fmt.Errorf("%w: userinfo carried no email", ErrInvalidInput)
	}
	if info.Name == "" {
		info.Name = info.Email
	}
	return &info, nil
}
