package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mailer-service/internal/client"
	"mailer-service/internal/metrics"
	"mailer-service/internal/models"
	"mailer-service/internal/util"
)

const (
	queuePrefix      = "email_queue:"
	failedSuffix     = ":failed"
	deadSuffix       = ":dead"
	quarantineSuffix = ":quarantine"
	// eids drained by a run and not yet written back anywhere
	inflightSuffix = ":inflight"
	// bumped whenever an eid leaves the queues for good
	versionSuffix = ":version"

	// uid -> pending list key, one entry per user that ever queued mail
	usersRegistryKey = "users"
	// users with a non-empty failed list, walked by the retry scheduler
	failedUsersKey = "failed_users"

	opTimeout = 5 * time.Second
)

// forgetIfEmpty drops a user from failed_users only when their failed list is empty.
const forgetIfEmptyScript = `
if redis.call('LLEN', KEYS[1]) == 0 then
	redis.call('SREM', KEYS[2], ARGV[1])
	return 1
end
return 0
`

// Entries are flat JSON written by encoding/json, so an unescaped "eid": or
// "job_id": can only be the key itself.

// pushScript appends one job unless its eid is already pending, failed or in flight.
const pushScript = `
local eid = ARGV[3]
if eid ~= '' then
	if redis.call('SISMEMBER', KEYS[2], eid) == 1 then
		return -1
	end
	for _, key in ipairs({KEYS[1], KEYS[3]}) do
		for _, raw in ipairs(redis.call('LRANGE', key, 0, -1)) do
			if string.match(raw, '"eid":(%d+)') == eid then
				return -1
			end
		end
	end
end
local n = redis.call('RPUSH', KEYS[1], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[4], ARGV[2], KEYS[1])
return n
`

// drainScript empties the pending list and marks every drained eid in flight.
const drainScript = `
local items = redis.call('LRANGE', KEYS[1], 0, -1)
if #items == 0 then
	return items
end
redis.call('DEL', KEYS[1])
local marked = 0
for _, raw in ipairs(items) do
	local eid = string.match(raw, '"eid":(%d+)')
	if eid then
		redis.call('SADD', KEYS[2], eid)
		marked = marked + 1
	end
end
if marked > 0 then
	redis.call('PEXPIRE', KEYS[2], ARGV[1])
end
return items
`

// popFailedScript takes the oldest failed entry and marks its eid in flight.
const popFailedScript = `
local raw = redis.call('LPOP', KEYS[1])
if not raw then
	return ''
end
local eid = string.match(raw, '"eid":(%d+)')
if eid then
	redis.call('SADD', KEYS[2], eid)
	redis.call('PEXPIRE', KEYS[2], ARGV[1])
end
return raw
`

// removeScript deletes the first pending entry carrying job_id ARGV[1].
const removeScript = `
for _, raw in ipairs(redis.call('LRANGE', KEYS[1], 0, -1)) do
	if string.match(raw, '"job_id":"([^"]*)"') == ARGV[1] then
		redis.call('LREM', KEYS[1], 1, raw)
		return 1
	end
end
return 0
`

// refillScript repopulates an empty pending list from durable records. It
// gives up when the list is no longer empty or an eid left the queues since
// the caller read ARGV[2], and skips eids that are failed or in flight.
const refillScript = `
if redis.call('LLEN', KEYS[1]) > 0 then
	return -1
end
if (redis.call('GET', KEYS[4]) or '0') ~= ARGV[2] then
	return -2
end
local failed = {}
for _, raw in ipairs(redis.call('LRANGE', KEYS[3], 0, -1)) do
	local eid = string.match(raw, '"eid":(%d+)')
	if eid then
		failed[eid] = true
	end
end
local pushed = 0
for i = 4, #ARGV, 2 do
	local eid = ARGV[i]
	if not failed[eid] and redis.call('SISMEMBER', KEYS[2], eid) == 0 then
		redis.call('RPUSH', KEYS[1], ARGV[i + 1])
		pushed = pushed + 1
	end
end
if pushed > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	redis.call('HSET', KEYS[5], ARGV[3], KEYS[1])
end
return pushed
`

// ErrAlreadyQueued is returned by Push for an eid that is already pending, failed or in flight.
var ErrAlreadyQueued = errors.New("email already queued")

func PendingKey(uid int64) string    { return queuePrefix + strconv.FormatInt(uid, 10) }
func FailedKey(uid int64) string     { return PendingKey(uid) + failedSuffix }
func DeadKey(uid int64) string       { return PendingKey(uid) + deadSuffix }
func QuarantineKey(uid int64) string { return PendingKey(uid) + quarantineSuffix }
func InflightKey(uid int64) string   { return PendingKey(uid) + inflightSuffix }
func VersionKey(uid int64) string    { return PendingKey(uid) + versionSuffix }

type QueueTTLs struct {
	Pending time.Duration
	Failed  time.Duration
	Dead    time.Duration
}

// QueueStore keeps the pending, failed and dead-letter lists of every user.
// Every write slides the TTL of the list it touches.
type QueueStore struct {
	client *client.RedisClient
	ttls   QueueTTLs
}

func NewQueueStore(client *client.RedisClient, ttls QueueTTLs) *QueueStore {
	if ttls.Pending <= 0 {
		ttls.Pending = 90 * time.Minute
	}
	if ttls.Failed <= 0 {
		ttls.Failed = 90 * time.Minute
	}
	if ttls.Dead <= 0 {
		ttls.Dead = 7 * 24 * time.Hour
	}
	return &QueueStore{client: client, ttls: ttls}
}

// Push appends jobs to the user's pending list and registers the user. A job
// whose eid is already queued is rejected with ErrAlreadyQueued; jobs before
// it stay pushed.
func (s *QueueStore) Push(ctx context.Context, uid int64, jobs ...*models.EmailJob) (int64, error) {
	if len(jobs) == 0 {
		return s.PendingLen(ctx, uid)
	}

	ctx, cancel := s.client.WithContext(ctx, opTimeout)
	defer cancel()

	var n int64
	for _, job := range jobs {
		raw, err := job.Encode()
		if err != nil {
			return 0, fmt.Errorf("failed to encode job %s: %w", job.JobID, err)
		}
		res, err := s.client.Eval(ctx, pushScript,
			[]string{PendingKey(uid), InflightKey(uid), FailedKey(uid), usersRegistryKey},
			s.ttls.Pending.Milliseconds(), strconv.FormatInt(uid, 10), eidArg(job), raw)
		if err != nil {
			util.Error("Failed to push job to pending queue", zap.Int64("uid", uid), zap.String("job_id", job.JobID), zap.Error(err))
			return 0, fmt.Errorf("failed to push to pending queue: %w", err)
		}
		n, _ = res.(int64)
		if n < 0 {
			return 0, fmt.Errorf("%w: eid %s", ErrAlreadyQueued, eidArg(job))
		}
		metrics.QueueEnqueued.Inc()
	}

	util.Debug("Jobs pushed to pending queue", zap.Int64("uid", uid), zap.Int("count", len(jobs)))
	return n, nil
}

// Version is the token a cache-aside refill passes back to Refill.
func (s *QueueStore) Version(ctx context.Context, uid int64) (string, error) {
	ctx, cancel := s.client.WithContext(ctx, opTimeout)
	defer cancel()

	v, err := s.client.Get(ctx, VersionKey(uid))
	if errors.Is(err, client.ErrKeyNotFound) {
		return "0", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read queue version: %w", err)
	}
	return v, nil
}

// Refill pushes jobs loaded from the durable store into an empty pending list.
// It returns the number pushed, zero when the list filled up or an eid left
// the queues after version was read.
func (s *QueueStore) Refill(ctx context.Context, uid int64, version string, jobs []*models.EmailJob) (int64, error) {
	if len(jobs) == 0 {
		return 0, nil
	}
	args := []interface{}{s.ttls.Pending.Milliseconds(), version, strconv.FormatInt(uid, 10)}
	for _, job := range jobs {
		if !job.HasEID() {
			return 0, fmt.Errorf("refill job %s has no eid", job.JobID)
		}
		raw, err := job.Encode()
		if err != nil {
			return 0, fmt.Errorf("failed to encode job %s: %w", job.JobID, err)
		}
		args = append(args, eidArg(job), raw)
	}

	ctx, cancel := s.client.WithContext(ctx, opTimeout)
	defer cancel()

	res, err := s.client.Eval(ctx, refillScript,
		[]string{PendingKey(uid), InflightKey(uid), FailedKey(uid), VersionKey(uid), usersRegistryKey}, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to refill pending queue: %w", err)
	}
	n, _ := res.(int64)
	if n < 0 {
		util.Debug("Skipped pending refill", zap.Int64("uid", uid), zap.Int64("reason", n))
		return 0, nil
	}
	return n, nil
}

func (s *QueueStore) PendingLen(ctx context.Context, uid int64) (int64, error) {
	ctx, cancel := s.client.WithContext(ctx, opTimeout)
	defer cancel()
	return s.client.LLen(ctx, PendingKey(uid))
}

func (s *QueueStore) FailedLen(ctx context.Context, uid int64) (int64, error) {
	ctx, cancel := s.client.WithContext(ctx, opTimeout)
	defer cancel()
	return s.client.LLen(ctx, FailedKey(uid))
}

// Pending returns the pending list and slides its TTL. Entries that fail to
// decode are skipped; the next drain quarantines them.
func (s *QueueStore) Pending(ctx context.Context, uid int64) ([]*models.EmailJob, error) {
	return s.readList(ctx, uid, PendingKey(uid), s.ttls.Pending)
}

func (s *QueueStore) Failed(ctx context.Context, uid int64) ([]*models.EmailJob, error) {
	return s.readList(ctx, uid, FailedKey(uid), s.ttls.Failed)
}

func (s *QueueStore) Dead(ctx context.Context, uid int64) ([]*models.EmailJob, error) {
	return s.readList(ctx, uid, DeadKey(uid), s.ttls.Dead)
}

// FailedEIDs lists the durable ids currently parked in the failed list.
func (s *QueueStore) FailedEIDs(ctx context.Context, uid int64) ([]int64, error) {
	jobs, err := s.Failed(ctx, uid)
	if err != nil {
		return nil, err
	}
	eids := make([]int64, 0, len(jobs))
	for _, j := range jobs {
		if j.EID != nil {
			eids = append(eids, *j.EID)
		}
	}
	return eids, nil
}

func (s *QueueStore) readList(ctx context.Context, uid int64, key string, ttl time.Duration) ([]*models.EmailJob, error) {
	ctx, cancel := s.client.WithContext(ctx, opTimeout)
	defer cancel()

	pipe := s.client.TxPipeline()
	rangeCmd := pipe.LRange(ctx, key, 0, -1)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}

	raws := rangeCmd.Val()
	jobs := make([]*models.EmailJob, 0, len(raws))
	for _, raw := range raws {
		job, err := models.DecodeJob(raw)
		if err != nil {
			util.Warn("Skipping malformed queue entry", zap.Int64("uid", uid), zap.String("key", key), zap.Error(err))
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// DrainPending removes the whole pending list in one step and returns the
// decoded jobs plus the raw entries that did not decode. Drained eids stay in
// flight until they are requeued, parked or released.
func (s *QueueStore) DrainPending(ctx context.Context, uid int64) ([]*models.EmailJob, []string, error) {
	ctx, cancel := s.client.WithContext(ctx, opTimeout)
	defer cancel()

	res, err := s.client.Eval(ctx, drainScript, []string{PendingKey(uid), InflightKey(uid)}, s.ttls.Pending.Milliseconds())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to drain pending queue: %w", err)
	}
	items, _ := res.([]interface{})
	raws := make([]string, 0, len(items))
	for _, item := range items {
		if raw, ok := item.(string); ok {
			raws = append(raws, raw)
		}
	}

	jobs := make([]*models.EmailJob, 0, len(raws))
	var malformed []string
	for _, raw := range raws {
		job, err := models.DecodeJob(raw)
		if err != nil {
			malformed = append(malformed, raw)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, malformed, nil
}

// Requeue pushes untouched jobs back onto the pending list.
func (s *QueueStore) Requeue(ctx context.Context, uid int64, jobs []*models.EmailJob) error {
	if len(jobs) == 0 {
		return nil
	}
	values, err := encodeAll(jobs)
	if err != nil {
		return err
	}
	ctx, cancel := s.client.WithContext(ctx, opTimeout)
	defer cancel()

	key := PendingKey(uid)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, values...)
	pipe.Expire(ctx, key, s.ttls.Pending)
	if eids := eidMembers(jobs...); len(eids) > 0 {
		pipe.SRem(ctx, InflightKey(uid), eids...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to requeue pending jobs: %w", err)
	}
	return nil
}

// PushFailed parks a job in the failed list and marks the user for retry.
func (s *QueueStore) PushFailed(ctx context.Context, uid int64, job *models.EmailJob) error {
	raw, err := job.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.JobID, err)
	}

	ctx, cancel := s.client.WithContext(ctx, opTimeout)
	defer cancel()

	key := FailedKey(uid)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, raw)
	pipe.Expire(ctx, key, s.ttls.Failed)
	pipe.SAdd(ctx, failedUsersKey, strconv.FormatInt(uid, 10))
	if eids := eidMembers(job); len(eids) > 0 {
		pipe.SRem(ctx, InflightKey(uid), eids...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to push job to failed queue", zap.Int64("uid", uid), zap.String("job_id", job.JobID), zap.Error(err))
		return fmt.Errorf("failed to push to failed queue: %w", err)
	}
	return nil
}

// PopFailed takes the oldest failed job and marks it in flight. It returns
// (nil, "", nil) once the list is empty.
// A non-empty raw with a nil job means the entry did not decode.
func (s *QueueStore) PopFailed(ctx context.Context, uid int64) (*models.EmailJob, string, error) {
	ctx, cancel := s.client.WithContext(ctx, opTimeout)
	defer cancel()

	res, err := s.client.Eval(ctx, popFailedScript, []string{FailedKey(uid), InflightKey(uid)}, s.ttls.Pending.Milliseconds())
	if err != nil {
		return nil, "", fmt.Errorf("failed to pop failed queue: %w", err)
	}
	raw, _ := res.(string)
	if raw == "" {
		return nil, "", nil
	}
	job, err := models.DecodeJob(raw)
	if err != nil {
		return nil, raw, nil
	}
	return job, raw, nil
}

// PushDead moves a job to the dead-letter list. Dead jobs are never retried automatically.
func (s *QueueStore) PushDead(ctx context.Context, uid int64, job *models.EmailJob) error {
	raw, err := job.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.JobID, err)
	}
	ctx, cancel := s.client.WithContext(ctx, opTimeout)
	defer cancel()

	key := DeadKey(uid)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, raw)
	pipe.Expire(ctx, key, s.ttls.Dead)
	s.releaseIn(ctx, pipe, uid, eidMembers(job))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push to dead-letter queue: %w", err)
	}
	return nil
}

// Release clears eids that reached a terminal state from the in-flight set.
func (s *QueueStore) Release(ctx context.Context, uid int64, eids ...int64) error {
	if len(eids) == 0 {
		return nil
	}
	members := make([]interface{}, len(eids))
	for i, eid := range eids {
		members[i] = strconv.FormatInt(eid, 10)
	}

	ctx, cancel := s.client.WithContext(ctx, opTimeout)
	defer cancel()

	pipe := s.client.TxPipeline()
	s.releaseIn(ctx, pipe, uid, members)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to release in-flight eids: %w", err)
	}
	return nil
}

func (s *QueueStore) releaseIn(ctx context.Context, pipe goredis.Pipeliner, uid int64, members []interface{}) {
	if len(members) == 0 {
		return
	}
	pipe.SRem(ctx, InflightKey(uid), members...)
	pipe.Incr(ctx, VersionKey(uid))
	pipe.Expire(ctx, VersionKey(uid), s.ttls.Dead)
}

// Quarantine keeps undecodable payloads aside for inspection.
func (s *QueueStore) Quarantine(ctx context.Context, uid int64, raws ...string) error {
	if len(raws) == 0 {
		return nil
	}
	values := make([]interface{}, len(raws))
	for i, r := range raws {
		values[i] = r
	}
	ctx, cancel := s.client.WithContext(ctx, opTimeout)
	defer cancel()
	if _, err := s.client.RPushExpire(ctx, QuarantineKey(uid), s.ttls.Dead, values...); err != nil {
		return fmt.Errorf("failed to quarantine entries: %w", err)
	}
	metrics.DeliveryJobs.WithLabelValues("any", models.OutcomeQuarantined).Add(float64(len(raws)))
	util.Warn("Quarantined malformed queue entries", zap.Int64("uid", uid), zap.Int("count", len(raws)))
	return nil
}

// Remove deletes one pending job by job id in place.
func (s *QueueStore) Remove(ctx context.Context, uid int64, jobID string) (bool, error) {
	ctx, cancel := s.client.WithContext(ctx, opTimeout)
	defer cancel()

	res, err := s.client.Eval(ctx, removeScript, []string{PendingKey(uid)}, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to remove pending job: %w", err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// RefreshTTL slides the expiry of the pending and failed lists.
func (s *QueueStore) RefreshTTL(ctx context.Context, uid int64) error {
	ctx, cancel := s.client.WithContext(ctx, opTimeout)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.Expire(ctx, PendingKey(uid), s.ttls.Pending)
	pipe.Expire(ctx, FailedKey(uid), s.ttls.Failed)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to refresh queue TTLs: %w", err)
	}
	return nil
}

// FailedUsers lists users that may have jobs waiting for a retry pass.
func (s *QueueStore) FailedUsers(ctx context.Context) ([]int64, error) {
	ctx, cancel := s.client.WithContext(ctx, opTimeout)
	defer cancel()

	members, err := s.client.SMembers(ctx, failedUsersKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed users: %w", err)
	}
	uids := make([]int64, 0, len(members))
	for _, m := range members {
		uid, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			util.Warn("Dropping invalid failed_users member", zap.String("member", m))
			_ = s.client.SRem(ctx, failedUsersKey, m)
			continue
		}
		uids = append(uids, uid)
	}
	return uids, nil
}

// ForgetFailedUser unregisters uid from retry scanning if its failed list is empty.
func (s *QueueStore) ForgetFailedUser(ctx context.Context, uid int64) (bool, error) {
	ctx, cancel := s.client.WithContext(ctx, opTimeout)
	defer cancel()

	res, err := s.client.Eval(ctx, forgetIfEmptyScript,
		[]string{FailedKey(uid), failedUsersKey}, strconv.FormatInt(uid, 10))
	if err != nil {
		return false, fmt.Errorf("failed to unregister failed user: %w", err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// QueueKey returns the registered pending list key of uid.
func (s *QueueStore) QueueKey(ctx context.Context, uid int64) (string, error) {
	ctx, cancel := s.client.WithContext(ctx, opTimeout)
	defer cancel()
	return s.client.HGet(ctx, usersRegistryKey, strconv.FormatInt(uid, 10))
}

func encodeAll(jobs []*models.EmailJob) ([]interface{}, error) {
	values := make([]interface{}, 0, len(jobs))
	for _, j := range jobs {
		raw, err := j.Encode()
		if err != nil {
			return nil, fmt.Errorf("failed to encode job %s: %w", j.JobID, err)
		}
		values = append(values, raw)
	}
	return values, nil
}

func eidArg(job *models.EmailJob) string {
	if !job.HasEID() {
		return ""
	}
	return strconv.FormatInt(*job.EID, 10)
}

func eidMembers(jobs ...*models.EmailJob) []interface{} {
	var out []interface{}
	for _, j := range jobs {
		if j.HasEID() {
			out = append(out, strconv.FormatInt(*j.EID, 10))
		}
	}
	return out
}
