package postgres

import (
	"context"
	"fmt"
	"time"

	"mailer-service/internal/models"
)

// Encrypter seals token values before they reach the table.
type Encrypter interface {
	EncryptString(ctx context.Context, plaintext string) (string, error)
	DecryptString(ctx context.Context, stored string) (string, error)
}

// TokenRepository stores delegated Gmail credentials encrypted at rest.
type TokenRepository struct {
	db  *DB
	enc Encrypter
}

func NewTokenRepository(db *DB, enc Encrypter) *TokenRepository {
	return &TokenRepository{db: db, enc: enc}
}

func (r *TokenRepository) Upsert(ctx context.Context, t *models.UserToken) error {
	access, err := r.enc.EncryptString(ctx, t.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refresh := ""
	if t.RefreshToken != "" {
		if refresh, err = r.enc.EncryptString(ctx, t.RefreshToken); err != nil {
			return fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	// A consent without a new refresh token keeps the stored one.
	err = r.db.q(ctx).QueryRow(ctx, `
		INSERT INTO user_tokens (uid, access_token, refresh_token, token_type, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (uid) DO UPDATE SET
			access_token  = EXCLUDED.access_token,
			refresh_token = COALESCE(NULLIF(EXCLUDED.refresh_token, ''), user_tokens.refresh_token),
			token_type    = EXCLUDED.token_type,
			expires_at    = EXCLUDED.expires_at
		RETURNING token_id`,
		t.UID, access, refresh, t.TokenType, t.ExpiresAt,
	).Scan(&t.TokenID)
	if err != nil {
		return fmt.Errorf("failed to store user token: %w", mapError(err))
	}
	return nil
}

func (r *TokenRepository) Get(ctx context.Context, uid int64) (*models.UserToken, error) {
	qctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		t               models.UserToken
		access, refresh string
	)
	err := r.db.q(qctx).QueryRow(qctx, `
		SELECT token_id, uid, access_token, refresh_token, token_type, expires_at
		FROM user_tokens WHERE uid = $1`, uid,
	).Scan(&t.TokenID, &t.UID, &access, &refresh, &t.TokenType, &t.ExpiresAt)
	if err != nil {
		return nil, mapError(err)
	}

	if t.AccessToken, err = r.enc.DecryptString(ctx, access); err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	if refresh != "" {
		if t.RefreshToken, err = r.enc.DecryptString(ctx, refresh); err != nil {
			return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
	}
	return &t, nil
}

// UpdateAccess stores a refreshed access token.
func (r *TokenRepository) UpdateAccess(ctx context.Context, uid int64, accessToken string, expiresAt time.Time) error {
	access, err := r.enc.EncryptString(ctx, accessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tag, err := r.db.q(ctx).Exec(ctx,
		`UPDATE user_tokens SET access_token = $2, expires_at = $3 WHERE uid = $1`,
		uid, access, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to update access token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
