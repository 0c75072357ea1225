package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"mailer-service/internal/models"
)

const userColumns = `uid, name, email, password, refresh_token, resume, cover_letter, created_at`

type UserRepository struct {
	db *DB
}

func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db}
}

// Create inserts u and sets its uid. Returns ErrDuplicate when the email is taken.
func (r *UserRepository) Create(ctx context.Context, u *models.User) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	err := r.db.q(ctx).QueryRow(ctx, `
		INSERT INTO users (name, email, password, resume, cover_letter)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING uid, created_at`,
		u.Name, u.Email, u.Password, u.Resume, u.CoverLetter,
	).Scan(&u.UID, &u.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", mapError(err))
	}
	return nil
}

func (r *UserRepository) GetUser(ctx context.Context, uid int64) (*models.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE uid = $1`, uid)
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

func (r *UserRepository) getOne(ctx context.Context, sql string, arg any) (*models.User, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.q(ctx).Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	u, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[models.User])
	if err != nil {
		return nil, mapError(err)
	}
	return u, nil
}

// UpsertByEmail returns the uid for email, creating a password-less user when absent.
func (r *UserRepository) UpsertByEmail(ctx context.Context, name, email string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var uid int64
	err := r.db.q(ctx).QueryRow(ctx, `
		INSERT INTO users (name, email) VALUES ($1, $2)
		ON CONFLICT (email) DO UPDATE SET name = COALESCE(NULLIF(users.name, ''), EXCLUDED.name)
		RETURNING uid`, name, email).Scan(&uid)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert user: %w", mapError(err))
	}
	return uid, nil
}

func (r *UserRepository) SetRefreshToken(ctx context.Context, uid int64, token string) error {
	return r.exec(ctx, `UPDATE users SET refresh_token = $2 WHERE uid = $1`, uid, token)
}

func (r *UserRepository) SetPassword(ctx context.Context, uid int64, encoded string) error {
	return r.exec(ctx, `UPDATE users SET password = $2 WHERE uid = $1`, uid, encoded)
}

func (r *UserRepository) SetResume(ctx context.Context, uid int64, url string) error {
	return r.exec(ctx, `UPDATE users SET resume = $2 WHERE uid = $1`, uid, url)
}

func (r *UserRepository) exec(ctx context.Context, sql string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tag, err := r.db.q(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
