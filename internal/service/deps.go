package service

import (
	"context"
	"io"
	"time"

	"mailer-service/internal/client"
	"mailer-service/internal/delivery"
	"mailer-service/internal/models"
)

type UserStore interface {
	Create(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, uid int64) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	UpsertByEmail(ctx context.Context, name, email string) (int64, error)
	SetRefreshToken(ctx context.Context, uid int64, token string) error
	SetResume(ctx context.Context, uid int64, url string) error
	SetPassword(ctx context.Context, uid int64, encoded string) error
}

type EmailStore interface {
	Insert(ctx context.Context, rec *models.Email) (int64, error)
	Get(ctx context.Context, eid int64) (*models.Email, error)
	ListUnsent(ctx context.Context, uid int64, excludeEIDs []int64) ([]*models.Email, error)
	ListSent(ctx context.Context, uid int64, since time.Time, limit int) ([]*models.Email, error)
}

type TemplateStore interface {
	ListByUser(ctx context.Context, uid int64) ([]models.Template, error)
	Create(ctx context.Context, t *models.Template) error
}

type TemplateCache interface {
	GetAll(ctx context.Context, uid int64) ([]models.Template, bool, error)
	Put(ctx context.Context, uid int64, templates ...models.Template) error
	Invalidate(ctx context.Context, uid int64) error
}

type TokenStore interface {
	Upsert(ctx context.Context, t *models.UserToken) error
}

// QueueStore is the queue as seen by request handlers.
type QueueStore interface {
	Push(ctx context.Context, uid int64, jobs ...*models.EmailJob) (int64, error)
	Pending(ctx context.Context, uid int64) ([]*models.EmailJob, error)
	Failed(ctx context.Context, uid int64) ([]*models.EmailJob, error)
	Dead(ctx context.Context, uid int64) ([]*models.EmailJob, error)
	FailedEIDs(ctx context.Context, uid int64) ([]int64, error)
	Remove(ctx context.Context, uid int64, jobID string) (bool, error)
	// Version and Refill implement the cache-aside reload of an empty pending list.
	Version(ctx context.Context, uid int64) (string, error)
	Refill(ctx context.Context, uid int64, version string, jobs []*models.EmailJob) (int64, error)
}

type PasswordHasher interface {
	HashPassword(password string) (string, error)
	VerifyPassword(password, encoded string) (bool, error)
	NeedsRehash(encoded string) bool
}

type ObjectStorage interface {
	StoreResume(ctx context.Context, uid int64, name string, body io.Reader, size int64) (string, error)
	delivery.AttachmentFetcher
}

// AccessTokens resolves a usable Gmail token, refreshing it when needed.
type AccessTokens interface {
	AccessToken(ctx context.Context, uid int64) (string, error)
}

type EmailSearcher interface {
	SearchEmails(ctx context.Context, uid int64, q string, size int) ([]client.SentEmailDoc, error)
}
