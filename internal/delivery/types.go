package delivery

import (
	"context"
	"errors"
	"time"

	"mailer-service/internal/models"
)

var (
	ErrResumeMissing    = errors.New("user does not have a resume uploaded")
	ErrDispatcherClosed = errors.New("dispatcher is not running")
	ErrInvalidRun       = errors.New("invalid delivery run")
	ErrAttachmentFetch  = errors.New("failed to fetch attachment")
	errRunCancelled     = errors.New("delivery run cancelled before attempt")
)

type Kind string

const (
	KindDeliver Kind = "deliver"
	KindRetry   Kind = "retry"
)

// Run is one unit of background work for a single user.
type Run struct {
	ID          string    `json:"run_id"`
	Kind        Kind      `json:"kind"`
	UserID      int64     `json:"uid"`
	JobIDs      []string  `json:"job_ids,omitempty"`
	EIDs        []int64   `json:"eids,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

func (r Run) Validate() error {
	switch {
	case r.ID == "":
		return errors.Join(ErrInvalidRun, errors.New("run_id is required"))
	case r.UserID <= 0:
		return errors.Join(ErrInvalidRun, errors.New("uid is required"))
	case r.Kind != KindDeliver && r.Kind != KindRetry:
		return errors.Join(ErrInvalidRun, errors.New("unknown kind "+string(r.Kind)))
	}
	return nil
}

// SendResult is the provider outcome of one send attempt.
type SendResult struct {
	MessageID string
	Err       error
}

func Sent(messageID string) SendResult { return SendResult{MessageID: messageID} }
func Failed(err error) SendResult      { return SendResult{Err: err} }

func (r SendResult) OK() bool { return r.Err == nil }

// SendRequest carries one job to the mail collaborator. AttachmentPath is empty when no
// attachment was requested.
type SendRequest struct {
	UserID         int64
	FromEmail      string
	Job            *models.EmailJob
	AttachmentPath string
}

// Sender delivers mail on behalf of a user, refreshing the delegated token when expired.
type Sender interface {
	Send(ctx context.Context, req SendRequest) SendResult
}

// AttachmentFetcher downloads an object into transient local storage.
// Release removes what Fetch created.
type AttachmentFetcher interface {
	Fetch(ctx context.Context, objectURL string) (string, error)
	Release(localPath string) error
}

type UserDirectory interface {
	GetUser(ctx context.Context, uid int64) (*models.User, error)
}

// EmailStore is the durable record store as seen by the pipeline.
type EmailStore interface {
	// CommitRun applies staged updates and inserts in one transaction.
	CommitRun(ctx context.Context, updates []models.SentUpdate, inserts []*models.Email) error
	MarkSent(ctx context.Context, update models.SentUpdate) error
	Insert(ctx context.Context, rec *models.Email) (int64, error)
	MarkDeadLettered(ctx context.Context, uid, eid int64, reason string) error
}

// Queue is the per-user pending/failed/dead-letter store.
type Queue interface {
	DrainPending(ctx context.Context, uid int64) ([]*models.EmailJob, []string, error)
	Requeue(ctx context.Context, uid int64, jobs []*models.EmailJob) error
	PushFailed(ctx context.Context, uid int64, job *models.EmailJob) error
	PopFailed(ctx context.Context, uid int64) (*models.EmailJob, string, error)
	FailedLen(ctx context.Context, uid int64) (int64, error)
	PushDead(ctx context.Context, uid int64, job *models.EmailJob) error
	// Release clears eids that were written durably from the in-flight set.
	Release(ctx context.Context, uid int64, eids ...int64) error
	Quarantine(ctx context.Context, uid int64, raws ...string) error
	RefreshTTL(ctx context.Context, uid int64) error
	FailedUsers(ctx context.Context) ([]int64, error)
	ForgetFailedUser(ctx context.Context, uid int64) (bool, error)
}

// Observer receives every attempt. Errors are logged and never change queue state.
type Observer interface {
	RecordAttempt(ctx context.Context, attempt models.DeliveryAttempt) error
}

// Processor executes a run to completion.
type Processor interface {
	Process(ctx context.Context, run Run) (*Report, error)
}

// Dispatcher hands a run to whatever executes it.
type Dispatcher interface {
	Dispatch(ctx context.Context, run Run) error
}

// Report summarizes one run.
type Report struct {
	RunID       string        `json:"run_id"`
	Kind        Kind          `json:"kind"`
	UserID      int64         `json:"uid"`
	Selected    int           `json:"selected"`
	Requeued    int           `json:"requeued"`
	Sent        int           `json:"sent"`
	Failed      int           `json:"failed"`
	Dead        int           `json:"dead"`
	Quarantined int           `json:"quarantined"`
	Cancelled   int           `json:"cancelled"`
	BatchErr    error         `json:"-"`
	Duration    time.Duration `json:"duration"`
}
