package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

type ctxKey struct{}

func WithUserID(ctx context.Context, uid int64) context.Context {
	return context.WithValue(ctx, ctxKey{}, uid)
}

func UserIDFromContext(ctx context.Context) (int64, bool) {
	uid, ok := ctx.Value(ctxKey{}).(int64)
	return uid, ok && uid > 0
}

// RequestIdentity adapts the context uid for the rate limiter key function.
func RequestIdentity(r *http.Request) (string, bool) {
	uid, ok := UserIDFromContext(r.Context())
	if !ok {
		return "", false
	}
	return strconv.FormatInt(uid, 10), true
}

// Identify attaches the uid of a valid bearer access token to the request
// context. Requests without one pass through untouched.
func (i *TokenIssuer) Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token, ok := bearerToken(r); ok {
			if uid, err := i.Verify(token, KindAccess); err == nil {
				r = r.WithContext(WithUserID(r.Context(), uid))
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Require rejects requests that Identify did not authenticate.
func Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := UserIDFromContext(r.Context()); !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"success":     false,
				"status_code": http.StatusUnauthorized,
				"message":     "Unauthorized",
				"error":       ErrInvalidToken.Error(),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}
