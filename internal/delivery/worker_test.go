package delivery_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailer-service/internal/client"
	"mailer-service/internal/delivery"
	"mailer-service/internal/models"
	queueredis "mailer-service/internal/repository/redis"
)

const uid = int64(7)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, req delivery.SendRequest) delivery.SendResult {
	args := m.Called(ctx, req)
	return args.Get(0).(delivery.SendResult)
}

type senderFunc func(ctx context.Context, req delivery.SendRequest) delivery.SendResult

func (f senderFunc) Send(ctx context.Context, req delivery.SendRequest) delivery.SendResult {
	return f(ctx, req)
}

type memStore struct {
	mu        sync.Mutex
	updates   []models.SentUpdate
	inserts   []*models.Email
	marked    []models.SentUpdate
	dead      map[int64]string
	nextEID   int64
	commitErr error
}

func newMemStore() *memStore {
	return &memStore{dead: make(map[int64]string), nextEID: 100}
}

func (s *memStore) CommitRun(_ context.Context, updates []models.SentUpdate, inserts []*models.Email) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitErr != nil {
		return s.commitErr
	}
	s.updates = append(s.updates, updates...)
	s.inserts = append(s.inserts, inserts...)
	return nil
}

func (s *memStore) MarkSent(_ context.Context, u models.SentUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, u)
	return nil
}

func (s *memStore) Insert(_ context.Context, rec *models.Email) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEID++
	rec.EID = s.nextEID
	s.inserts = append(s.inserts, rec)
	return rec.EID, nil
}

func (s *memStore) MarkDeadLettered(_ context.Context, _, eid int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dead[eid] = reason
	return nil
}

type userDir map[int64]*models.User

func (d userDir) GetUser(_ context.Context, id int64) (*models.User, error) {
	u, ok := d[id]
	if !ok {
		return nil, errors.New("user not found")
	}
	return u, nil
}

type tempFetcher struct {
	dir   string
	calls int
	err   error
	path  string
}

func (f *tempFetcher) Fetch(_ context.Context, _ string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	f.path = filepath.Join(f.dir, "resume.pdf")
	return f.path, os.WriteFile(f.path, []byte("%PDF-1.4"), 0o600)
}

func (f *tempFetcher) Release(path string) error {
	return os.Remove(path)
}

type recordingObserver struct {
	mu       sync.Mutex
	attempts []models.DeliveryAttempt
}

func (o *recordingObserver) RecordAttempt(_ context.Context, a models.DeliveryAttempt) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts = append(o.attempts, a)
	return nil
}

func (o *recordingObserver) outcomes() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.attempts))
	for i, a := range o.attempts {
		out[i] = a.Outcome
	}
	return out
}

type fixture struct {
	queue    *queueredis.QueueStore
	mr       *miniredis.Miniredis
	store    *memStore
	files    *tempFetcher
	observer *recordingObserver
	users    userDir
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := client.NewRedisClientFromConn(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = rc.Close() })

	resume := "https://bucket.s3.amazonaws.com/resume/7_jane.pdf"
	return &fixture{
		queue: queueredis.NewQueueStore(rc, queueredis.QueueTTLs{
			Pending: 90 * time.Minute,
			Failed:  90 * time.Minute,
			Dead:    24 * time.Hour,
		}),
		mr:       mr,
		store:    newMemStore(),
		files:    &tempFetcher{dir: t.TempDir()},
		observer: &recordingObserver{},
		users:    userDir{uid: {UID: uid, Name: "Jane", Email: "jane@example.com", Resume: &resume}},
	}
}

func (f *fixture) worker(sender delivery.Sender) *delivery.Worker {
	return delivery.NewWorker(delivery.WorkerDeps{
		Queue:     f.queue,
		Sender:    sender,
		Store:     f.store,
		Users:     f.users,
		Files:     f.files,
		Observers: []delivery.Observer{f.observer},
		Logger:    zap.NewNop(),
	}, delivery.WithRetryCeiling(3), delivery.WithWorkerClock(func() time.Time { return fixedNow }))
}

func (f *fixture) push(t *testing.T, jobs ...*models.EmailJob) {
	t.Helper()
	_, err := f.queue.Push(context.Background(), uid, jobs...)
	require.NoError(t, err)
}

func newJob(id string, eid int64) *models.EmailJob {
	j := &models.EmailJob{
		JobID:     id,
		UID:       uid,
		Subject:   "Application " + id,
		Body:      "Hello",
		ToEmail:   "hr@example.com",
		FromEmail: "jane@example.com",
		SendAt:    models.NewISOTime(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	if eid > 0 {
		j.EID = &eid
	}
	return j
}

func jobIDs(jobs []*models.EmailJob) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.JobID
	}
	return out
}

func forJob(id string) interface{} {
	return mock.MatchedBy(func(r delivery.SendRequest) bool { return r.Job.JobID == id })
}

func deliverRun(jobIDs []string, eids []int64) delivery.Run {
	return delivery.Run{ID: "run-1", Kind: delivery.KindDeliver, UserID: uid, JobIDs: jobIDs, EIDs: eids}
}

func retryRun() delivery.Run {
	return delivery.Run{ID: "retry-1", Kind: delivery.KindRetry, UserID: uid}
}

func TestWorker_DeliverSelectsAndRequeues(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.push(t, newJob("a", 0), newJob("b", 11), newJob("c", 0), newJob("d", 12))

	sender := &mockSender{}
	sender.On("Send", mock.Anything, forJob("a")).Return(delivery.Sent("m-a")).Once()
	sender.On("Send", mock.Anything, forJob("b")).Return(delivery.Sent("m-b")).Once()

	report, err := f.worker(sender).Process(ctx, deliverRun([]string{"a"}, []int64{11}))
	require.NoError(t, err)
	sender.AssertExpectations(t)

	assert.Equal(t, 2, report.Selected)
	assert.Equal(t, 2, report.Requeued)
	assert.Equal(t, 2, report.Sent)
	assert.Equal(t, 0, report.Failed)
	assert.NoError(t, report.BatchErr)

	require.Len(t, f.store.updates, 1)
	assert.Equal(t, models.SentUpdate{EID: 11, UID: uid, GoogleMessageID: "m-b", SentAt: fixedNow}, f.store.updates[0])
	require.Len(t, f.store.inserts, 1)
	ins := f.store.inserts[0]
	assert.True(t, ins.IsSent)
	assert.Equal(t, "m-a", *ins.GoogleMessageID)
	assert.Equal(t, fixedNow, *ins.SendAt)

	pending, err := f.queue.Pending(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, jobIDs(pending))

	failed, err := f.queue.Failed(ctx, uid)
	require.NoError(t, err)
	assert.Empty(t, failed)
	assert.Equal(t, []string{models.OutcomeSent, models.OutcomeSent}, f.observer.outcomes())

	// The committed eid and the requeued one are no longer in flight.
	assert.False(t, f.mr.Exists(queueredis.InflightKey(uid)))
}

func TestWorker_DeliverFailureParksJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.push(t, newJob("a", 0))

	sender := &mockSender{}
	sender.On("Send", mock.Anything, mock.Anything).Return(delivery.Failed(errors.New("quota exceeded")))

	report, err := f.worker(sender).Process(ctx, deliverRun([]string{"a"}, nil))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Empty(t, f.store.inserts)

	failed, err := f.queue.Failed(ctx, uid)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Retries())
	assert.Equal(t, "quota exceeded", *failed[0].Error)

	users, err := f.queue.FailedUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{uid}, users)
}

func TestWorker_FourFailuresDeadLetter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.push(t, newJob("a", 5))

	sender := &mockSender{}
	sender.On("Send", mock.Anything, mock.Anything).Return(delivery.Failed(errors.New("smtp 550")))
	w := f.worker(sender)

	_, err := w.Process(ctx, deliverRun([]string{"a"}, nil))
	require.NoError(t, err)

	for pass, want := range []int{2, 3} {
		report, err := w.Process(ctx, retryRun())
		require.NoError(t, err)
		assert.Equal(t, 1, report.Failed, "pass %d", pass)

		failed, err := f.queue.Failed(ctx, uid)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, want, failed[0].Retries())
	}

	report, err := w.Process(ctx, retryRun())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Dead)
	assert.Equal(t, 4, len(sender.Calls))

	failed, err := f.queue.Failed(ctx, uid)
	require.NoError(t, err)
	assert.Empty(t, failed)

	dead, err := f.queue.Dead(ctx, uid)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 4, dead[0].Retries())
	assert.Equal(t, "smtp 550", f.store.dead[5])

	users, err := f.queue.FailedUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)

	assert.Equal(t, []string{
		models.OutcomeFailed, models.OutcomeFailed, models.OutcomeFailed, models.OutcomeDead,
	}, f.observer.outcomes())
}

func TestWorker_DeadLetterWithoutEIDInsertsRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	j := newJob("a", 0)
	n := 3
	reason := "previous"
	j.RetryCount, j.Error = &n, &reason
	require.NoError(t, f.queue.PushFailed(ctx, uid, j))

	sender := &mockSender{}
	sender.On("Send", mock.Anything, mock.Anything).Return(delivery.Failed(errors.New("rejected")))

	report, err := f.worker(sender).Process(ctx, retryRun())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Dead)

	require.Len(t, f.store.inserts, 1)
	rec := f.store.inserts[0]
	assert.True(t, rec.DeadLettered)
	assert.False(t, rec.IsSent)
	assert.Equal(t, "rejected", *rec.LastError)

	dead, err := f.queue.Dead(ctx, uid)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.NotNil(t, dead[0].EID)
	assert.Equal(t, rec.EID, *dead[0].EID)
}

func TestWorker_RetrySuccessWritesDurably(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	one := 1
	withEID, withoutEID := newJob("a", 21), newJob("b", 0)
	withEID.RetryCount, withoutEID.RetryCount = &one, &one
	require.NoError(t, f.queue.PushFailed(ctx, uid, withEID))
	require.NoError(t, f.queue.PushFailed(ctx, uid, withoutEID))

	sender := &mockSender{}
	sender.On("Send", mock.Anything, forJob("a")).Return(delivery.Sent("m-a"))
	sender.On("Send", mock.Anything, forJob("b")).Return(delivery.Sent("m-b"))

	report, err := f.worker(sender).Process(ctx, retryRun())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Sent)

	assert.Equal(t, []models.SentUpdate{{EID: 21, UID: uid, GoogleMessageID: "m-a", SentAt: fixedNow}}, f.store.marked)
	assert.False(t, f.mr.Exists(queueredis.InflightKey(uid)))
	require.Len(t, f.store.inserts, 1)
	assert.Equal(t, "m-b", *f.store.inserts[0].GoogleMessageID)

	users, err := f.queue.FailedUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestWorker_RetryPassIsBounded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.queue.PushFailed(ctx, uid, newJob("a", 0)))
	require.NoError(t, f.queue.PushFailed(ctx, uid, newJob("b", 0)))

	sender := &mockSender{}
	sender.On("Send", mock.Anything, mock.Anything).Return(delivery.Failed(errors.New("down")))

	report, err := f.worker(sender).Process(ctx, retryRun())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Selected)
	sender.AssertNumberOfCalls(t, "Send", 2)

	failed, err := f.queue.Failed(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, jobIDs(failed))
}

func TestWorker_AttachmentFetchedOncePerRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	a, b := newJob("a", 0), newJob("b", 0)
	a.IncludeResume, b.IncludeResume = true, true
	f.push(t, a, b)

	var paths []string
	sender := senderFunc(func(_ context.Context, req delivery.SendRequest) delivery.SendResult {
		paths = append(paths, req.AttachmentPath)
		_, err := os.Stat(req.AttachmentPath)
		if err != nil {
			return delivery.Failed(err)
		}
		return delivery.Sent("m-" + req.Job.JobID)
	})

	report, err := f.worker(sender).Process(ctx, deliverRun([]string{"a", "b"}, nil))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Sent)
	assert.Equal(t, 1, f.files.calls)
	assert.Equal(t, []string{f.files.path, f.files.path}, paths)

	_, err = os.Stat(f.files.path)
	assert.True(t, os.IsNotExist(err), "transient attachment must be removed after the run")
}

func TestWorker_MissingResumeFailsJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.users[uid].Resume = nil
	a, b := newJob("a", 0), newJob("b", 0)
	a.IncludeResume = true
	f.push(t, a, b)

	sender := &mockSender{}
	sender.On("Send", mock.Anything, forJob("b")).Return(delivery.Sent("m-b"))

	report, err := f.worker(sender).Process(ctx, deliverRun([]string{"a", "b"}, nil))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 0, f.files.calls)
	sender.AssertNotCalled(t, "Send", mock.Anything, forJob("a"))

	failed, err := f.queue.Failed(ctx, uid)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Retries())
	assert.Equal(t, delivery.ErrResumeMissing.Error(), *failed[0].Error)
}

func TestWorker_PanicBecomesFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.push(t, newJob("a", 0), newJob("b", 0))

	sender := senderFunc(func(_ context.Context, req delivery.SendRequest) delivery.SendResult {
		if req.Job.JobID == "a" {
			panic("nil token")
		}
		return delivery.Sent("m-b")
	})

	report, err := f.worker(sender).Process(ctx, deliverRun([]string{"a", "b"}, nil))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Sent)

	failed, err := f.queue.Failed(ctx, uid)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Contains(t, *failed[0].Error, "nil token")
}

func TestWorker_CancelledRunParksRemainingJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.push(t, newJob("a", 0), newJob("b", 0), newJob("c", 0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sender := senderFunc(func(_ context.Context, _ delivery.SendRequest) delivery.SendResult {
		cancel()
		return delivery.Sent("m-a")
	})

	report, err := f.worker(sender).Process(ctx, deliverRun([]string{"a", "b", "c"}, nil))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 2, report.Cancelled)
	require.Len(t, f.store.inserts, 1)

	failed, err := f.queue.Failed(context.Background(), uid)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, jobIDs(failed))
	for _, j := range failed {
		assert.Equal(t, 0, j.Retries())
	}
}

func TestWorker_BatchCommitFailureIsReported(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.store.commitErr = errors.New("db down")
	f.push(t, newJob("a", 3))

	sender := &mockSender{}
	sender.On("Send", mock.Anything, mock.Anything).Return(delivery.Sent("m-a"))

	report, err := f.worker(sender).Process(ctx, deliverRun(nil, []int64{3}))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.EqualError(t, report.BatchErr, "db down")

	pending, err := f.queue.Pending(ctx, uid)
	require.NoError(t, err)
	assert.Empty(t, pending)
	failed, err := f.queue.Failed(ctx, uid)
	require.NoError(t, err)
	assert.Empty(t, failed)

	// The record is still unsent in the store, so the eid stays claimed.
	members, err := f.mr.Members(queueredis.InflightKey(uid))
	require.NoError(t, err)
	assert.Equal(t, []string{"3"}, members)
}

func TestWorker_QuarantinesMalformedEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.push(t, newJob("a", 0))
	_, err := f.mr.Push(queueredis.PendingKey(uid), "{not json")
	require.NoError(t, err)

	report, err := f.worker(&mockSender{}).Process(ctx, deliverRun(nil, nil))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Quarantined)
	assert.Equal(t, 1, report.Requeued)

	quarantined, err := f.mr.List(queueredis.QuarantineKey(uid))
	require.NoError(t, err)
	assert.Equal(t, []string{"{not json"}, quarantined)
}

func TestWorker_ProcessRejectsInvalidRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.worker(&mockSender{}).Process(context.Background(), delivery.Run{ID: "x", Kind: "bogus", UserID: uid})
	assert.ErrorIs(t, err, delivery.ErrInvalidRun)
}

// brokenRequeue is a queue whose Requeue always fails.
type brokenRequeue struct {
	*queueredis.QueueStore
	mu    sync.Mutex
	calls int
}

func (q *brokenRequeue) Requeue(context.Context, int64, []*models.EmailJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	return errors.New("connection reset")
}

func TestWorker_RequeueFailureQuarantinesUnselectedJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.push(t, newJob("a", 0), newJob("b", 0), newJob("c", 9))

	queue := &brokenRequeue{QueueStore: f.queue}
	sender := &mockSender{}
	sender.On("Send", mock.Anything, forJob("a")).Return(delivery.Sent("m-a")).Once()

	w := delivery.NewWorker(delivery.WorkerDeps{
		Queue:  queue,
		Sender: sender,
		Store:  f.store,
		Users:  f.users,
		Files:  f.files,
		Logger: zap.NewNop(),
	}, delivery.WithRequeueBackoff(time.Millisecond), delivery.WithWorkerClock(func() time.Time { return fixedNow }))

	report, err := w.Process(ctx, deliverRun([]string{"a"}, nil))
	require.NoError(t, err)
	assert.Equal(t, 3, queue.calls)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 0, report.Requeued)
	assert.Equal(t, 2, report.Quarantined)

	quarantined, err := f.mr.List(queueredis.QuarantineKey(uid))
	require.NoError(t, err)
	require.Len(t, quarantined, 2)
	kept := make([]string, 0, 2)
	for _, raw := range quarantined {
		j, err := models.DecodeJob(raw)
		require.NoError(t, err)
		kept = append(kept, j.JobID)
	}
	assert.ElementsMatch(t, []string{"b", "c"}, kept)

	// eid 9 stays claimed so a cache-aside read cannot queue it twice.
	members, err := f.mr.Members(queueredis.InflightKey(uid))
	require.NoError(t, err)
	assert.Equal(t, []string{"9"}, members)
}
