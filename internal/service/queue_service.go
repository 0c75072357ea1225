package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailer-service/internal/delivery"
	"mailer-service/internal/models"
	"mailer-service/internal/repository/postgres"
	queueredis "mailer-service/internal/repository/redis"
)

// QueueService is the request-side surface of the per-user email queue.
// Delivery itself happens in background runs handed to the dispatcher.
type QueueService struct {
	users      UserStore
	emails     EmailStore
	queue      QueueStore
	dispatcher delivery.Dispatcher
	logger     *zap.Logger
	now        func() time.Time
}

func NewQueueService(users UserStore, emails EmailStore, queue QueueStore, dispatcher delivery.Dispatcher, logger *zap.Logger) *QueueService {
	return &QueueService{
		users:      users,
		emails:     emails,
		queue:      queue,
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
	}
}

// Enqueue appends a job to the caller's pending list, persisting it first when
// SaveForLater is set so it carries an eid. Returns the job and the new queue length.
func (s *QueueService) Enqueue(ctx context.Context, uid int64, req EmailRequest) (*models.EmailJob, int64, error) {
	u, err := lookupUser(ctx, s.users, uid)
	if err != nil {
		return nil, 0, err
	}
	job, err := req.toJob(u, s.now())
	if err != nil {
		return nil, 0, err
	}

	if job.HasEID() {
		if err := s.checkQueueable(ctx, uid, *job.EID); err != nil {
			return nil, 0, err
		}
	} else if req.SaveForLater {
		eid, err := s.emails.Insert(ctx, job.ToRecord())
		if err != nil {
			return nil, 0, fmt.Errorf("failed to save email: %w", err)
		}
		job.EID = &eid
	}

	n, err := s.queue.Push(ctx, uid, job)
	if errors.Is(err, queueredis.ErrAlreadyQueued) {
		return nil, 0, fmt.Errorf("%w: eid %d", ErrAlreadyQueued, *job.EID)
	}
	if err != nil {
		return nil, 0, err
	}
	s.logger.Debug("Email queued", zap.Int64("uid", uid), zap.String("job_id", job.JobID), zap.Int64("queue_length", n))
	return job, n, nil
}

// checkQueueable accepts an eid only for the caller's own saved, unsent record.
func (s *QueueService) checkQueueable(ctx context.Context, uid, eid int64) error {
	rec, err := s.emails.Get(ctx, eid)
	if errors.Is(err, postgres.ErrNotFound) {
		return fmt.Errorf("%w: eid %d", ErrEmailNotFound, eid)
	}
	if err != nil {
		return fmt.Errorf("failed to load email %d: %w", eid, err)
	}
	switch {
	case rec.UID != uid:
		return fmt.Errorf("%w: eid %d", ErrEmailNotFound, eid)
	case rec.IsSent:
		return fmt.Errorf("%w: email %d was already sent", ErrInvalidInput, eid)
	case rec.DeadLettered:
		return fmt.Errorf("%w: email %d is dead-lettered", ErrInvalidInput, eid)
	}
	return nil
}

// Pending returns the pending list. When it is empty the durable store's unsent
// records are pushed back, except those failed or held by a running delivery.
// The reload is dropped if the list filled up or a record left the queues in
// the meantime, and the list is read again.
func (s *QueueService) Pending(ctx context.Context, uid int64) ([]*models.EmailJob, error) {
	jobs, err := s.queue.Pending(ctx, uid)
	if err != nil {
		return nil, err
	}
	if len(jobs) > 0 {
		return jobs, nil
	}

	u, err := lookupUser(ctx, s.users, uid)
	if err != nil {
		return nil, err
	}
	version, err := s.queue.Version(ctx, uid)
	if err != nil {
		return nil, err
	}
	failed, err := s.queue.FailedEIDs(ctx, uid)
	if err != nil {
		return nil, err
	}
	recs, err := s.emails.ListUnsent(ctx, uid, failed)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return []*models.EmailJob{}, nil
	}

	jobs = make([]*models.EmailJob, 0, len(recs))
	for _, rec := range recs {
		jobs = append(jobs, models.JobFromRecord(rec, u.Email))
	}
	n, err := s.queue.Refill(ctx, uid, version, jobs)
	if err != nil {
		s.logger.Warn("Failed to repopulate pending queue", zap.Int64("uid", uid), zap.Error(err))
		return jobs, nil
	}
	s.logger.Debug("Pending queue repopulated", zap.Int64("uid", uid), zap.Int64("pushed", n))
	return s.queue.Pending(ctx, uid)
}

// SendQueued hands a delivery run for the selected jobs to the dispatcher.
func (s *QueueService) SendQueued(ctx context.Context, uid int64, jobIDs []string, eids []int64) (delivery.Run, error) {
	if len(jobIDs) == 0 && len(eids) == 0 {
		return delivery.Run{}, fmt.Errorf("%w: job_ids or eids are required", ErrInvalidInput)
	}
	run := delivery.NewRun(delivery.KindDeliver, uid, jobIDs, eids)
	if err := s.dispatcher.Dispatch(ctx, run); err != nil {
		return delivery.Run{}, err
	}
	return run, nil
}

func (s *QueueService) RetryFailed(ctx context.Context, uid int64) (delivery.Run, error) {
	run := delivery.NewRun(delivery.KindRetry, uid, nil, nil)
	if err := s.dispatcher.Dispatch(ctx, run); err != nil {
		return delivery.Run{}, err
	}
	return run, nil
}

func (s *QueueService) Failed(ctx context.Context, uid int64) ([]*models.EmailJob, error) {
	return s.queue.Failed(ctx, uid)
}

func (s *QueueService) DeadLetter(ctx context.Context, uid int64) ([]*models.EmailJob, error) {
	return s.queue.Dead(ctx, uid)
}

func (s *QueueService) Remove(ctx context.Context, uid int64, jobID string) error {
	found, err := s.queue.Remove(ctx, uid, jobID)
	if err != nil {
		return err
	}
	if !found {
		return ErrJobNotFound
	}
	return nil
}
