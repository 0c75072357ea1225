package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailer-service/internal/config"
)

func newIssuer() *TokenIssuer {
	return NewTokenIssuer(config.JWTConfig{Secret: "test-secret", AccessTTL: 30 * time.Minute, RefreshTTL: 7 * 24 * time.Hour})
}

func TestIssueAndVerify(t *testing.T) {
	t.Parallel()
	i := newIssuer()

	access, err := i.IssueAccess(42)
	require.NoError(t, err)
	uid, err := i.Verify(access, KindAccess)
	require.NoError(t, err)
	assert.Equal(t, int64(42), uid)

	_, err = i.Verify(access, KindRefresh)
	assert.ErrorIs(t, err, ErrWrongKind)

	refresh, err := i.IssueRefresh(42)
	require.NoError(t, err)
	uid, err = i.Verify(refresh, KindRefresh)
	require.NoError(t, err)
	assert.Equal(t, int64(42), uid)
}

func TestVerifyRejects(t *testing.T) {
	t.Parallel()
	i := newIssuer()

	expired := newIssuer()
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	old, err := expired.IssueAccess(1)
	require.NoError(t, err)

	other := NewTokenIssuer(config.JWTConfig{Secret: "other", AccessTTL: time.Minute})
	foreign, err := other.IssueAccess(1)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"expired", old},
		{"wrong secret", foreign},
		{"garbage", "not.a.jwt"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := i.Verify(tt.token, KindAccess)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestIdentifyAndRequire(t *testing.T) {
	t.Parallel()
	i := newIssuer()
	token, err := i.IssueAccess(9)
	require.NoError(t, err)

	var seen int64
	h := i.Identify(Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})))

	req := httptest.NewRequest(http.MethodGet, "/api/queue/get-queue", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, int64(9), seen)

	for _, header := range []string{"", "Bearer bogus", "Basic " + token} {
		req := httptest.NewRequest(http.MethodGet, "/api/queue/get-queue", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, header)
	}
}

func TestRequestIdentity(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := RequestIdentity(req)
	assert.False(t, ok)

	req = req.WithContext(WithUserID(req.Context(), 5))
	id, ok := RequestIdentity(req)
	assert.True(t, ok)
	assert.Equal(t, "5", id)
}
