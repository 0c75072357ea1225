package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"mailer-service/internal/config"
)

var (
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrWrongKind    = errors.New("token kind mismatch")
)

type TokenKind string

const (
	KindAccess  TokenKind = "access"
	KindRefresh TokenKind = "refresh"
)

// Claims carries the user id in the standard subject claim.
type Claims struct {
	Kind TokenKind `json:"typ"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 tokens for users.
type TokenIssuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewTokenIssuer(cfg config.JWTConfig) *TokenIssuer {
	return &TokenIssuer{
		secret:     []byte(cfg.Secret),
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        time.Now,
	}
}

func (i *TokenIssuer) IssueAccess(uid int64) (string, error) {
	return i.issue(uid, KindAccess, i.accessTTL)
}

func (i *TokenIssuer) IssueRefresh(uid int64) (string, error) {
	return i.issue(uid, KindRefresh, i.refreshTTL)
}

func (i *TokenIssuer) RefreshTTL() time.Duration {
	return i.refreshTTL
}

func (i *TokenIssuer) issue(uid int64, kind TokenKind, ttl time.Duration) (string, error) {
	now := i.now()
	claims := Claims{
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(uid, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses token, checks signature, expiry and kind, and returns the uid.
func (i *TokenIssuer) Verify(token string, kind TokenKind) (int64, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil || !parsed.Valid {
		return 0, ErrInvalidToken
	}
	if claims.Kind != kind {
		return 0, ErrWrongKind
	}
	uid, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || uid <= 0 {
		return 0, ErrInvalidToken
	}
	return uid, nil
}
