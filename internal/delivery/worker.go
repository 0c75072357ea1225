package delivery

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"mailer-service/internal/metrics"
	"mailer-service/internal/models"
)

const (
	defaultRetryCeiling    = 3
	defaultCommitTimeout   = 30 * time.Second
	defaultObserverTimeout = 5 * time.Second

	requeueAttempts       = 3
	defaultRequeueBackoff = 100 * time.Millisecond
)

type WorkerDeps struct {
	Queue     Queue
	Sender    Sender
	Store     EmailStore
	Users     UserDirectory
	Files     AttachmentFetcher
	Observers []Observer
	Logger    *zap.Logger
}

type WorkerOption func(*Worker)

// WithRetryCeiling sets how many failures a job may accumulate before it is dead-lettered.
func WithRetryCeiling(n int) WorkerOption {
	return func(w *Worker) {
		if n >= 0 {
			w.retryCeiling = n
		}
	}
}

// WithRequeueBackoff sets the first delay between attempts to put unselected jobs back.
func WithRequeueBackoff(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d >= 0 {
			w.requeueBackoff = d
		}
	}
}

func WithWorkerClock(now func() time.Time) WorkerOption {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// Worker drains a user's pending list, sends the selected jobs and records outcomes.
// It also runs retry passes over the failed list.
type Worker struct {
	queue     Queue
	sender    Sender
	store     EmailStore
	users     UserDirectory
	files     AttachmentFetcher
	observers []Observer
	logger    *zap.Logger

	retryCeiling   int
	requeueBackoff time.Duration
	now            func() time.Time
}

func NewWorker(deps WorkerDeps, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:          deps.Queue,
		sender:         deps.Sender,
		store:          deps.Store,
		users:          deps.Users,
		files:          deps.Files,
		observers:      deps.Observers,
		logger:         deps.Logger,
		retryCeiling:   defaultRetryCeiling,
		requeueBackoff: defaultRequeueBackoff,
		now:            time.Now,
	}
	if w.logger == nil {
		w.logger = zap.NewNop()
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Process executes run according to its kind.
func (w *Worker) Process(ctx context.Context, run Run) (*Report, error) {
	if err := run.Validate(); err != nil {
		return nil, err
	}

	start := w.now()
	var (
		report *Report
		err    error
	)
	switch run.Kind {
	case KindDeliver:
		report, err = w.Deliver(ctx, run)
	case KindRetry:
		report, err = w.Retry(ctx, run)
	}

	elapsed := w.now().Sub(start)
	if report != nil {
		report.Duration = elapsed
	}
	metrics.DeliveryRuns.WithLabelValues(string(run.Kind)).Inc()
	metrics.DeliveryRunDuration.WithLabelValues(string(run.Kind)).Observe(elapsed.Seconds())
	return report, err
}

// Deliver runs one delivery pass: drain pending, re-push the jobs that were not
// selected, attempt the selected ones and commit successes in one transaction.
func (w *Worker) Deliver(ctx context.Context, run Run) (*Report, error) {
	uid := run.UserID
	report := &Report{RunID: run.ID, Kind: KindDeliver, UserID: uid}
	log := w.logger.With(zap.String("run_id", run.ID), zap.Int64("uid", uid))

	jobs, malformed, err := w.queue.DrainPending(ctx, uid)
	if err != nil {
		return report, fmt.Errorf("failed to drain pending queue: %w", err)
	}

	// Drained jobs now exist only in memory. Queue writes below must outlive ctx.
	safeCtx := context.WithoutCancel(ctx)

	if len(malformed) > 0 {
		report.Quarantined = len(malformed)
		if err := w.queue.Quarantine(safeCtx, uid, malformed...); err != nil {
			log.Error("Failed to quarantine malformed entries", zap.Strings("payloads", malformed), zap.Error(err))
		}
	}

	selected, keep := selectJobs(jobs, run)
	report.Selected = len(selected)
	if err := w.requeue(safeCtx, uid, keep); err != nil {
		report.Quarantined += len(keep)
		w.quarantineJobs(safeCtx, uid, keep, log)
		log.Error("Failed to requeue unselected jobs, quarantined them",
			zap.Strings("job_ids", jobIDs(keep)), zap.Error(err))
	} else {
		report.Requeued = len(keep)
	}

	att := &runAttachment{}
	defer w.releaseAttachment(att)

	var (
		updates []models.SentUpdate
		inserts []*models.Email
	)
	for i, job := range selected {
		if ctx.Err() != nil {
			report.Cancelled = w.parkUnattempted(safeCtx, uid, selected[i:])
			log.Warn("Delivery run cancelled, parked remaining jobs in failed queue",
				zap.Int("parked", report.Cancelled))
			break
		}

		started := w.now()
		res := w.attempt(ctx, uid, job, att)
		if res.OK() {
			sentAt := w.now().UTC()
			if job.HasEID() {
				updates = append(updates, models.SentUpdate{EID: *job.EID, UID: uid, GoogleMessageID: res.MessageID, SentAt: sentAt})
			} else {
				inserts = append(inserts, sentRecord(job, res.MessageID, sentAt))
			}
			report.Sent++
			w.observe(safeCtx, run, job, models.OutcomeSent, res, started)
			continue
		}

		job.RecordFailure(res.Err.Error())
		if err := w.queue.PushFailed(safeCtx, uid, job); err != nil {
			log.Error("Failed to park job in failed queue", zap.String("job_id", job.JobID), zap.Error(err))
		}
		report.Failed++
		w.observe(safeCtx, run, job, models.OutcomeFailed, res, started)
	}

	if err := w.queue.RefreshTTL(safeCtx, uid); err != nil {
		log.Warn("Failed to refresh queue TTLs", zap.Error(err))
	}

	if len(updates)+len(inserts) > 0 {
		commitCtx, cancel := context.WithTimeout(safeCtx, defaultCommitTimeout)
		err := w.store.CommitRun(commitCtx, updates, inserts)
		cancel()
		if err != nil {
			// The provider already accepted these messages.
			report.BatchErr = err
			metrics.DeliveryBatchWriteFailures.Inc()
			log.Error("Batched status write failed after provider acceptance",
				zap.Int("updates", len(updates)),
				zap.Int("inserts", len(inserts)),
				zap.Strings("message_ids", messageIDs(updates, inserts)),
				zap.Error(err))
		} else if err := w.queue.Release(safeCtx, uid, sentEIDs(updates)...); err != nil {
			log.Warn("Failed to release sent eids", zap.Error(err))
		}
	}

	log.Info("Delivery run completed",
		zap.Int("selected", report.Selected),
		zap.Int("requeued", report.Requeued),
		zap.Int("sent", report.Sent),
		zap.Int("failed", report.Failed),
		zap.Int("quarantined", report.Quarantined))
	return report, nil
}

// Retry runs one pass over the failed list. Only the entries present when the
// pass starts are attempted, so jobs pushed back during the pass wait for the next one.
func (w *Worker) Retry(ctx context.Context, run Run) (*Report, error) {
	uid := run.UserID
	report := &Report{RunID: run.ID, Kind: KindRetry, UserID: uid}
	log := w.logger.With(zap.String("run_id", run.ID), zap.Int64("uid", uid))

	pending, err := w.queue.FailedLen(ctx, uid)
	if err != nil {
		return report, fmt.Errorf("failed to size failed queue: %w", err)
	}

	safeCtx := context.WithoutCancel(ctx)
	att := &runAttachment{}
	defer w.releaseAttachment(att)

	for i := int64(0); i < pending; i++ {
		if ctx.Err() != nil {
			log.Warn("Retry pass cancelled", zap.Int64("remaining", pending-i))
			break
		}

		job, raw, err := w.queue.PopFailed(ctx, uid)
		if err != nil {
			return report, fmt.Errorf("failed to pop failed queue: %w", err)
		}
		if job == nil {
			if raw == "" {
				break
			}
			report.Quarantined++
			if err := w.queue.Quarantine(safeCtx, uid, raw); err != nil {
				log.Error("Failed to quarantine malformed failed entry", zap.String("payload", raw), zap.Error(err))
			}
			continue
		}
		report.Selected++

		started := w.now()
		res := w.attempt(ctx, uid, job, att)
		if res.OK() {
			if w.recordSent(safeCtx, job, res.MessageID) && job.HasEID() {
				if err := w.queue.Release(safeCtx, uid, *job.EID); err != nil {
					log.Warn("Failed to release sent eid", zap.Int64("eid", *job.EID), zap.Error(err))
				}
			}
			report.Sent++
			w.observe(safeCtx, run, job, models.OutcomeSent, res, started)
			continue
		}

		if job.RecordFailure(res.Err.Error()) > w.retryCeiling {
			w.deadLetter(safeCtx, uid, job)
			report.Dead++
			w.observe(safeCtx, run, job, models.OutcomeDead, res, started)
			continue
		}

		if err := w.queue.PushFailed(safeCtx, uid, job); err != nil {
			log.Error("Failed to push job back to failed queue", zap.String("job_id", job.JobID), zap.Error(err))
		}
		report.Failed++
		w.observe(safeCtx, run, job, models.OutcomeFailed, res, started)
	}

	if _, err := w.queue.ForgetFailedUser(safeCtx, uid); err != nil {
		log.Warn("Failed to update failed user registry", zap.Error(err))
	}
	if err := w.queue.RefreshTTL(safeCtx, uid); err != nil {
		log.Warn("Failed to refresh queue TTLs", zap.Error(err))
	}

	log.Info("Retry pass completed",
		zap.Int("attempted", report.Selected),
		zap.Int("sent", report.Sent),
		zap.Int("failed", report.Failed),
		zap.Int("dead", report.Dead))
	return report, nil
}

// attempt sends one job. Panics from collaborators become failures.
func (w *Worker) attempt(ctx context.Context, uid int64, job *models.EmailJob, att *runAttachment) (res SendResult) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Panic while processing job",
				zap.Int64("uid", uid),
				zap.String("job_id", job.JobID),
				zap.Any("panic", r))
			res = Failed(fmt.Errorf("panic during send: %v", r))
		}
	}()

	var path string
	if job.IncludeResume {
		p, err := w.attachment(ctx, uid, att)
		if err != nil {
			return Failed(err)
		}
		path = p
	}

	return w.sender.Send(ctx, SendRequest{
		UserID:         uid,
		FromEmail:      job.FromEmail,
		Job:            job,
		AttachmentPath: path,
	})
}

// recordSent writes one success durably. Used by retry passes, which do not batch.
// An eid whose write failed stays in flight so a refill cannot queue it again.
func (w *Worker) recordSent(ctx context.Context, job *models.EmailJob, messageID string) bool {
	ctx, cancel := context.WithTimeout(ctx, defaultCommitTimeout)
	defer cancel()

	sentAt := w.now().UTC()
	var err error
	if job.HasEID() {
		err = w.store.MarkSent(ctx, models.SentUpdate{EID: *job.EID, UID: job.UID, GoogleMessageID: messageID, SentAt: sentAt})
	} else {
		_, err = w.store.Insert(ctx, sentRecord(job, messageID, sentAt))
	}
	if err != nil {
		metrics.DeliveryBatchWriteFailures.Inc()
		w.logger.Error("Status write failed after provider acceptance",
			zap.Int64("uid", job.UID),
			zap.String("job_id", job.JobID),
			zap.String("message_id", messageID),
			zap.Error(err))
		return false
	}
	return true
}

// deadLetter records the permanent failure durably and parks the job in the dead-letter list.
func (w *Worker) deadLetter(ctx context.Context, uid int64, job *models.EmailJob) {
	writeCtx, cancel := context.WithTimeout(ctx, defaultCommitTimeout)
	defer cancel()

	reason := ""
	if job.Error != nil {
		reason = *job.Error
	}

	if job.HasEID() {
		if err := w.store.MarkDeadLettered(writeCtx, uid, *job.EID, reason); err != nil {
			w.logger.Error("Failed to mark record dead-lettered", zap.Int64("eid", *job.EID), zap.Error(err))
		}
	} else {
		rec := job.ToRecord()
		rec.IsSent = false
		rec.DeadLettered = true
		eid, err := w.store.Insert(writeCtx, rec)
		if err != nil {
			w.logger.Error("Failed to persist dead-lettered job", zap.String("job_id", job.JobID), zap.Error(err))
		} else {
			job.EID = &eid
		}
	}

	if err := w.queue.PushDead(ctx, uid, job); err != nil {
		w.logger.Error("Failed to push job to dead-letter queue", zap.String("job_id", job.JobID), zap.Error(err))
	}
	w.logger.Warn("Job dead-lettered", zap.Int64("uid", uid), zap.String("job_id", job.JobID), zap.Int("retry_count", job.Retries()))
}

// requeue puts unselected jobs back on the pending list, backing off between attempts.
func (w *Worker) requeue(ctx context.Context, uid int64, jobs []*models.EmailJob) error {
	if len(jobs) == 0 {
		return nil
	}
	var err error
	delay := w.requeueBackoff
	for attempt := 0; attempt < requeueAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		if err = w.queue.Requeue(ctx, uid, jobs); err == nil {
			return nil
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", requeueAttempts, err)
}

// quarantineJobs keeps jobs that could not be requeued out of automatic
// delivery. Their eids stay in flight until the set expires, after which the
// cache-aside read loads them again.
func (w *Worker) quarantineJobs(ctx context.Context, uid int64, jobs []*models.EmailJob, log *zap.Logger) {
	raws := make([]string, 0, len(jobs))
	for _, job := range jobs {
		raw, err := job.Encode()
		if err != nil {
			log.Error("Failed to encode unselected job", zap.String("job_id", job.JobID), zap.Error(err))
			continue
		}
		raws = append(raws, raw)
	}
	if err := w.queue.Quarantine(ctx, uid, raws...); err != nil {
		log.Error("Failed to quarantine unselected jobs", zap.Strings("payloads", raws), zap.Error(err))
	}
}

// parkUnattempted moves jobs that were drained but never attempted to the failed list.
func (w *Worker) parkUnattempted(ctx context.Context, uid int64, jobs []*models.EmailJob) int {
	for _, job := range jobs {
		reason := errRunCancelled.Error()
		job.Error = &reason
		if err := w.queue.PushFailed(ctx, uid, job); err != nil {
			w.logger.Error("Failed to park unattempted job", zap.String("job_id", job.JobID), zap.Error(err))
		}
	}
	return len(jobs)
}

func (w *Worker) observe(ctx context.Context, run Run, job *models.EmailJob, outcome string, res SendResult, started time.Time) {
	metrics.DeliveryJobs.WithLabelValues(string(run.Kind), outcome).Inc()
	if len(w.observers) == 0 {
		return
	}

	attempt := models.DeliveryAttempt{
		RunID:       run.ID,
		Kind:        string(run.Kind),
		JobID:       job.JobID,
		UID:         job.UID,
		EID:         job.EID,
		ToEmail:     job.ToEmail,
		Subject:     job.Subject,
		Body:        job.Body,
		Outcome:     outcome,
		MessageID:   res.MessageID,
		RetryCount:  job.Retries(),
		AttemptedAt: started.UTC(),
		Duration:    w.now().Sub(started),
	}
	if res.Err != nil {
		attempt.Error = res.Err.Error()
	}

	ctx, cancel := context.WithTimeout(ctx, defaultObserverTimeout)
	defer cancel()
	for _, o := range w.observers {
		if err := o.RecordAttempt(ctx, attempt); err != nil {
			w.logger.Warn("Delivery observer failed",
				zap.String("job_id", job.JobID),
				zap.String("observer", fmt.Sprintf("%T", o)),
				zap.Error(err))
		}
	}
}

// runAttachment caches the resume download for the duration of one run.
type runAttachment struct {
	loaded bool
	path   string
	err    error
}

func (w *Worker) attachment(ctx context.Context, uid int64, att *runAttachment) (string, error) {
	if att.loaded {
		return att.path, att.err
	}
	att.loaded = true

	user, err := w.users.GetUser(ctx, uid)
	if err != nil {
		att.err = fmt.Errorf("%w: user lookup: %v", ErrAttachmentFetch, err)
		return "", att.err
	}
	if !user.HasResume() {
		att.err = ErrResumeMissing
		return "", att.err
	}

	path, err := w.files.Fetch(ctx, *user.Resume)
	if err != nil {
		att.err = fmt.Errorf("%w: %v", ErrAttachmentFetch, err)
		return "", att.err
	}
	att.path = path
	return path, nil
}

func (w *Worker) releaseAttachment(att *runAttachment) {
	if att.path == "" {
		return
	}
	if err := w.files.Release(att.path); err != nil && !os.IsNotExist(err) {
		w.logger.Warn("Failed to remove transient attachment", zap.String("path", att.path), zap.Error(err))
	}
}

func selectJobs(jobs []*models.EmailJob, run Run) (selected, keep []*models.EmailJob) {
	ids := make(map[string]struct{}, len(run.JobIDs))
	for _, id := range run.JobIDs {
		ids[id] = struct{}{}
	}
	eids := make(map[int64]struct{}, len(run.EIDs))
	for _, eid := range run.EIDs {
		eids[eid] = struct{}{}
	}
	for _, j := range jobs {
		if j.Matches(ids, eids) {
			selected = append(selected, j)
		} else {
			keep = append(keep, j)
		}
	}
	return selected, keep
}

func sentRecord(job *models.EmailJob, messageID string, sentAt time.Time) *models.Email {
	rec := job.ToRecord()
	rec.IsSent = true
	rec.GoogleMessageID = &messageID
	rec.SendAt = &sentAt
	rec.LastError = nil
	return rec
}

func jobIDs(jobs []*models.EmailJob) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.JobID
	}
	return out
}

func sentEIDs(updates []models.SentUpdate) []int64 {
	out := make([]int64, len(updates))
	for i, u := range updates {
		out[i] = u.EID
	}
	return out
}

func messageIDs(updates []models.SentUpdate, inserts []*models.Email) []string {
	out := make([]string, 0, len(updates)+len(inserts))
	for _, u := range updates {
		out = append(out, u.GoogleMessageID)
	}
	for _, rec := range inserts {
		if rec.GoogleMessageID != nil {
			out = append(out, *rec.GoogleMessageID)
		}
	}
	return out
}
