package mail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"mailer-service/internal/delivery"
	"mailer-service/internal/models"
	"mailer-service/internal/repository/postgres"
)

type fakeTokenStore struct {
	token   *models.UserToken
	err     error
	updated string
	expiry  time.Time
}

func (s *fakeTokenStore) Get(_ context.Context, _ int64) (*models.UserToken, error) {
	if s.err != nil {
		return nil, s.err
	}
	cp := *s.token
	return &cp, nil
}

func (s *fakeTokenStore) UpdateAccess(_ context.Context, _ int64, access string, expiresAt time.Time) error {
	s.updated = access
	s.expiry = expiresAt
	return nil
}

type refresherFunc func(ctx context.Context, refreshToken string) (string, time.Time, error)

func (f refresherFunc) Refresh(ctx context.Context, refreshToken string) (string, time.Time, error) {
	return f(ctx, refreshToken)
}

type staticTokens string

func (s staticTokens) AccessToken(context.Context, int64) (string, error) { return string(s), nil }

func TestAttachmentName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"/tmp/fetch-1/7_Jane.pdf", "Jane_resume.pdf"},
		{"7_Jane_Doe.pdf", "Jane_Doe_resume.pdf"},
		{"resume.pdf", "resume.pdf"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, AttachmentName(tt.in))
		})
	}
}

func TestComposeMessage(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	att := filepath.Join(dir, "7_Jane.pdf")
	require.NoError(t, os.WriteFile(att, []byte("%PDF-1.4"), 0o600))

	cc, bcc := "cc@example.com", "bcc@example.com"
	raw, err := ComposeMessage("jane@example.com", &models.EmailJob{
		ToEmail:  "hr@example.com",
		Subject:  "Application",
		Body:     "<p>Hello</p>",
		CCEmail:  &cc,
		BCCEmail: &bcc,
	}, att)
	require.NoError(t, err)

	msg := string(raw)
	assert.Contains(t, msg, "From: jane@example.com")
	assert.Contains(t, msg, "To: hr@example.com")
	assert.Contains(t, msg, "Cc: cc@example.com")
	assert.Contains(t, msg, "Bcc: bcc@example.com")
	assert.Contains(t, msg, "Subject: Application")
	assert.Contains(t, msg, "text/html")
	assert.Contains(t, msg, "application/pdf")
	assert.Contains(t, msg, `filename="Jane_resume.pdf"`)
	assert.Equal(t, 1, strings.Count(msg, "Bcc:"))
	assert.True(t, strings.HasPrefix(msg, "Bcc: bcc@example.com\r\n"))
}

func TestComposeMessage_Bcc(t *testing.T) {
	t.Parallel()

	t.Run("absent when unset", func(t *testing.T) {
		raw, err := ComposeMessage("jane@example.com", &models.EmailJob{ToEmail: "hr@example.com", Subject: "s", Body: "b"}, "")
		require.NoError(t, err)
		assert.NotContains(t, string(raw), "Bcc:")
	})

	t.Run("header injection is rejected", func(t *testing.T) {
		bcc := "bcc@example.com\r\nX-Injected: 1"
		_, err := ComposeMessage("jane@example.com", &models.EmailJob{ToEmail: "hr@example.com", Subject: "s", Body: "b", BCCEmail: &bcc}, "")
		assert.Error(t, err)
	})
}

func TestTokenProvider(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("valid token is returned as is", func(t *testing.T) {
		store := &fakeTokenStore{token: &models.UserToken{AccessToken: "live", ExpiresAt: now.Add(time.Hour)}}
		p := NewTokenProvider(store, refresherFunc(func(context.Context, string) (string, time.Time, error) {
			t.Fatal("refresh must not be called")
			return "", time.Time{}, nil
		}), zap.NewNop())
		p.now = func() time.Time { return now }

		tok, err := p.AccessToken(context.Background(), 7)
		require.NoError(t, err)
		assert.Equal(t, "live", tok)
	})

	t.Run("expired token is refreshed and stored", func(t *testing.T) {
		store := &fakeTokenStore{token: &models.UserToken{AccessToken: "old", RefreshToken: "r1", ExpiresAt: now.Add(-time.Minute)}}
		p := NewTokenProvider(store, refresherFunc(func(_ context.Context, rt string) (string, time.Time, error) {
			assert.Equal(t, "r1", rt)
			return "new", now.Add(time.Hour), nil
		}), zap.NewNop())
		p.now = func() time.Time { return now }

		tok, err := p.AccessToken(context.Background(), 7)
		require.NoError(t, err)
		assert.Equal(t, "new", tok)
		assert.Equal(t, "new", store.updated)
		assert.Equal(t, now.Add(time.Hour), store.expiry)
	})

	t.Run("missing token means not authorized", func(t *testing.T) {
		p := NewTokenProvider(&fakeTokenStore{err: postgres.ErrNotFound}, nil, zap.NewNop())
		_, err := p.AccessToken(context.Background(), 7)
		assert.ErrorIs(t, err, ErrNotAuthorized)
	})

	t.Run("refresh failure", func(t *testing.T) {
		store := &fakeTokenStore{token: &models.UserToken{RefreshToken: "r1", ExpiresAt: now.Add(-time.Minute)}}
		p := NewTokenProvider(store, refresherFunc(func(context.Context, string) (string, time.Time, error) {
			return "", time.Time{}, fmt.Errorf("%w: invalid_grant", ErrRefreshFailed)
		}), zap.NewNop())
		p.now = func() time.Time { return now }

		_, err := p.AccessToken(context.Background(), 7)
		assert.ErrorIs(t, err, ErrRefreshFailed)
		assert.Empty(t, store.updated)
	})
}

func TestOAuthRefresher(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.Form.Get("refresh_token") != "good" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	r := NewOAuthRefresher(&oauth2.Config{
		ClientID: "id",
		Endpoint: oauth2.Endpoint{TokenURL: srv.URL, AuthStyle: oauth2.AuthStyleInParams},
	})

	access, expiry, err := r.Refresh(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "fresh", access)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiry, time.Minute)

	_, _, err = r.Refresh(context.Background(), "bad")
	assert.ErrorIs(t, err, ErrRefreshFailed)

	_, _, err = r.Refresh(context.Background(), "")
	assert.ErrorIs(t, err, ErrRefreshFailed)
}

func TestGmailSender(t *testing.T) {
	t.Parallel()

	var gotAuth, gotRaw string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, sendPath, r.URL.Path)
		gotAuth = r.Header.Get("Authorization")

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		decoded, err := base64.URLEncoding.DecodeString(body["raw"])
		require.NoError(t, err)
		gotRaw = string(decoded)

		if strings.Contains(gotRaw, "To: blocked@example.com") {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":{"message":"quota exceeded"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"msg-123","threadId":"t-1"}`))
	}))
	defer srv.Close()

	s := NewGmailSender(staticTokens("tok"), srv.URL+"/", srv.Client(), zap.NewNop())
	job := &models.EmailJob{JobID: "j1", ToEmail: "hr@example.com", Subject: "Hi", Body: "<b>x</b>"}

	res := s.Send(context.Background(), delivery.SendRequest{UserID: 7, FromEmail: "jane@example.com", Job: job})
	require.True(t, res.OK(), "%v", res.Err)
	assert.Equal(t, "msg-123", res.MessageID)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Contains(t, gotRaw, "From: jane@example.com")

	blocked := &models.EmailJob{JobID: "j2", ToEmail: "blocked@example.com", Subject: "Hi", Body: "x"}
	res = s.Send(context.Background(), delivery.SendRequest{UserID: 7, FromEmail: "jane@example.com", Job: blocked})
	assert.False(t, res.OK())
	assert.ErrorIs(t, res.Err, ErrProviderRejected)
	assert.Contains(t, res.Err.Error(), "403")
}

func TestGmailSenderTokenError(t *testing.T) {
	t.Parallel()

	p := NewTokenProvider(&fakeTokenStore{err: postgres.ErrNotFound}, nil, zap.NewNop())
	s := NewGmailSender(p, "http://127.0.0.1:1", nil, nil)
	res := s.Send(context.Background(), delivery.SendRequest{UserID: 7, Job: &models.EmailJob{JobID: "j"}})
	assert.True(t, errors.Is(res.Err, ErrNotAuthorized))
}
