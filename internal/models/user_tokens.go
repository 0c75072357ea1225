package models

import "time"

// UserToken is a delegated Gmail credential. Token fields hold plaintext in
// memory; the repository encrypts them at rest.
type UserToken struct {
	TokenID      int64     `db:"token_id"`
	UID          int64     `db:"uid"`
	AccessToken  string    `db:"access_token"`
	RefreshToken string    `db:"refresh_token"`
	TokenType    string    `db:"token_type"`
	ExpiresAt    time.Time `db:"expires_at"`
}

func (t *UserToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}
