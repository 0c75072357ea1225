package redis_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailer-service/internal/client"
	"mailer-service/internal/models"
	queueredis "mailer-service/internal/repository/redis"
)

func newStore(t *testing.T) (*queueredis.QueueStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := client.NewRedisClientFromConn(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = rc.Close() })
	return queueredis.NewQueueStore(rc, queueredis.QueueTTLs{
		Pending: 90 * time.Minute,
		Failed:  90 * time.Minute,
		Dead:    24 * time.Hour,
	}), mr
}

func job(uid int64, id string) *models.EmailJob {
	return &models.EmailJob{
		JobID:     id,
		UID:       uid,
		Subject:   "subject " + id,
		Body:      "body",
		ToEmail:   "to@example.com",
		FromEmail: "me@example.com",
		SendAt:    models.NewISOTime(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
}

func saved(uid, eid int64, id string) *models.EmailJob {
	j := job(uid, id)
	j.EID = &eid
	return j
}

func ids(jobs []*models.EmailJob) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.JobID
	}
	return out
}

func TestQueueStore_PushAndRead(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, mr := newStore(t)

	n, err := store.Push(ctx, 7, job(7, "a"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.Push(ctx, 7, job(7, "b"), job(7, "c"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	jobs, err := store.Pending(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(jobs))
	assert.Equal(t, job(7, "a"), jobs[0])

	assert.Equal(t, 90*time.Minute, mr.TTL(queueredis.PendingKey(7)))
	assert.Equal(t, queueredis.PendingKey(7), mr.HGet("users", "7"))

	key, err := store.QueueKey(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "email_queue:7", key)
}

func TestQueueStore_ReadSlidesTTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, mr := newStore(t)

	_, err := store.Push(ctx, 1, job(1, "a"))
	require.NoError(t, err)

	mr.FastForward(60 * time.Minute)
	assert.Equal(t, 30*time.Minute, mr.TTL(queueredis.PendingKey(1)))

	_, err = store.Pending(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, mr.TTL(queueredis.PendingKey(1)))
}

func TestQueueStore_DrainAndRequeue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, mr := newStore(t)

	_, err := store.Push(ctx, 2, job(2, "a"), job(2, "b"), job(2, "c"))
	require.NoError(t, err)
	_, err = mr.Lpush(queueredis.PendingKey(2), "{not json")
	require.NoError(t, err)

	jobs, malformed, err := store.DrainPending(ctx, 2)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, ids(jobs))
	assert.Equal(t, []string{"{not json"}, malformed)
	assert.False(t, mr.Exists(queueredis.PendingKey(2)))

	// a job enqueued while the run holds the drained set must survive
	_, err = store.Push(ctx, 2, job(2, "d"))
	require.NoError(t, err)

	require.NoError(t, store.Requeue(ctx, 2, []*models.EmailJob{jobs[0], jobs[2]}))
	require.NoError(t, store.Quarantine(ctx, 2, malformed...))

	pending, err := store.Pending(ctx, 2)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c", "d"}, ids(pending))

	quarantined, err := mr.List(queueredis.QuarantineKey(2))
	require.NoError(t, err)
	assert.Equal(t, []string{"{not json"}, quarantined)
}

func TestQueueStore_FailedLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, mr := newStore(t)

	eid := int64(11)
	failed := job(3, "a")
	failed.EID = &eid
	failed.RecordFailure("smtp down")

	require.NoError(t, store.PushFailed(ctx, 3, failed))
	require.NoError(t, store.PushFailed(ctx, 3, job(3, "b")))

	users, err := store.FailedUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, users)

	eids, err := store.FailedEIDs(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{11}, eids)

	forgotten, err := store.ForgetFailedUser(ctx, 3)
	require.NoError(t, err)
	assert.False(t, forgotten)

	got, raw, err := store.PopFailed(ctx, 3)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.NotEmpty(t, raw)
	assert.Equal(t, "a", got.JobID)
	assert.Equal(t, 1, got.Retries())

	_, _, err = store.PopFailed(ctx, 3)
	require.NoError(t, err)

	got, raw, err = store.PopFailed(ctx, 3)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Empty(t, raw)

	forgotten, err = store.ForgetFailedUser(ctx, 3)
	require.NoError(t, err)
	assert.True(t, forgotten)
	ok, _ := mr.SIsMember("failed_users", "3")
	assert.False(t, ok)
}

func TestQueueStore_PopFailedMalformed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, mr := newStore(t)

	_, err := mr.Push(queueredis.FailedKey(4), `{"uid":"x"}`)
	require.NoError(t, err)

	got, raw, err := store.PopFailed(ctx, 4)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, `{"uid":"x"}`, raw)
}

func TestQueueStore_DeadLetter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, mr := newStore(t)

	require.NoError(t, store.PushDead(ctx, 5, job(5, "z")))

	dead, err := store.Dead(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"z"}, ids(dead))
	assert.Equal(t, 24*time.Hour, mr.TTL(queueredis.DeadKey(5)))
}

func TestQueueStore_Remove(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := newStore(t)

	for i := 0; i < 3; i++ {
		_, err := store.Push(ctx, 6, job(6, fmt.Sprintf("j%d", i)))
		require.NoError(t, err)
	}

	removed, err := store.Remove(ctx, 6, "j1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = store.Remove(ctx, 6, "missing")
	require.NoError(t, err)
	assert.False(t, removed)

	pending, err := store.Pending(ctx, 6)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"j0", "j2"}, ids(pending))
}

func TestQueueStore_RemoveLeavesListOnCancel(t *testing.T) {
	t.Parallel()
	store, mr := newStore(t)

	for i := 0; i < 3; i++ {
		_, err := store.Push(context.Background(), 6, job(6, fmt.Sprintf("j%d", i)))
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := store.Remove(ctx, 6, "j1")
	require.Error(t, err)

	raws, err := mr.List(queueredis.PendingKey(6))
	require.NoError(t, err)
	assert.Len(t, raws, 3)

	removed, err := store.Remove(context.Background(), 6, "j0")
	require.NoError(t, err)
	assert.True(t, removed)
	pending, err := store.Pending(context.Background(), 6)
	require.NoError(t, err)
	assert.Equal(t, []string{"j1", "j2"}, ids(pending), "order of the remaining jobs is kept")
}

func TestQueueStore_PushRejectsQueuedEID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := newStore(t)

	_, err := store.Push(ctx, 9, saved(9, 1, "a"))
	require.NoError(t, err)
	_, err = store.Push(ctx, 9, saved(9, 1, "a2"))
	assert.ErrorIs(t, err, queueredis.ErrAlreadyQueued, "pending")

	require.NoError(t, store.PushFailed(ctx, 9, saved(9, 2, "b")))
	_, err = store.Push(ctx, 9, saved(9, 2, "b2"))
	assert.ErrorIs(t, err, queueredis.ErrAlreadyQueued, "failed")

	_, _, err = store.DrainPending(ctx, 9)
	require.NoError(t, err)
	_, err = store.Push(ctx, 9, saved(9, 1, "a3"))
	assert.ErrorIs(t, err, queueredis.ErrAlreadyQueued, "in flight")

	_, err = store.Push(ctx, 9, saved(9, 3, "c"), job(9, "d"))
	require.NoError(t, err)
}

func TestQueueStore_InflightTracking(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, mr := newStore(t)

	_, err := store.Push(ctx, 10, saved(10, 1, "a"), saved(10, 2, "b"), saved(10, 3, "c"), job(10, "d"))
	require.NoError(t, err)

	jobs, _, err := store.DrainPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 4)
	members, err := mr.Members(queueredis.InflightKey(10))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1", "2", "3"}, members)
	assert.Equal(t, 90*time.Minute, mr.TTL(queueredis.InflightKey(10)))

	before, err := store.Version(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "0", before)

	require.NoError(t, store.Requeue(ctx, 10, []*models.EmailJob{jobs[0], jobs[3]}))
	require.NoError(t, store.PushFailed(ctx, 10, jobs[1]))
	members, err = mr.Members(queueredis.InflightKey(10))
	require.NoError(t, err)
	assert.Equal(t, []string{"3"}, members)

	require.NoError(t, store.Release(ctx, 10, 3))
	assert.False(t, mr.Exists(queueredis.InflightKey(10)))
	after, err := store.Version(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "1", after)

	failed, _, err := store.PopFailed(ctx, 10)
	require.NoError(t, err)
	require.NotNil(t, failed)
	ok, _ := mr.SIsMember(queueredis.InflightKey(10), "2")
	assert.True(t, ok)
	require.NoError(t, store.PushDead(ctx, 10, failed))
	ok, _ = mr.SIsMember(queueredis.InflightKey(10), "2")
	assert.False(t, ok)
	after, _ = store.Version(ctx, 10)
	assert.Equal(t, "2", after)
}

func TestQueueStore_Refill(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("skips failed and in-flight records", func(t *testing.T) {
		store, _ := newStore(t)
		_, err := store.Push(ctx, 11, saved(11, 1, "a"))
		require.NoError(t, err)
		_, _, err = store.DrainPending(ctx, 11)
		require.NoError(t, err)
		require.NoError(t, store.PushFailed(ctx, 11, saved(11, 2, "b")))

		v, err := store.Version(ctx, 11)
		require.NoError(t, err)
		n, err := store.Refill(ctx, 11, v, []*models.EmailJob{saved(11, 1, "eid-1"), saved(11, 2, "eid-2"), saved(11, 3, "eid-3")})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		pending, err := store.Pending(ctx, 11)
		require.NoError(t, err)
		assert.Equal(t, []string{"eid-3"}, ids(pending))
	})

	t.Run("concurrent cold reads push once", func(t *testing.T) {
		store, _ := newStore(t)
		recs := []*models.EmailJob{saved(12, 1, "eid-1"), saved(12, 2, "eid-2")}

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.Refill(ctx, 12, "0", recs)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		pending, err := store.Pending(ctx, 12)
		require.NoError(t, err)
		assert.Equal(t, []string{"eid-1", "eid-2"}, ids(pending))
	})

	t.Run("stale read after a send is dropped", func(t *testing.T) {
		store, _ := newStore(t)
		_, err := store.Push(ctx, 13, saved(13, 1, "a"))
		require.NoError(t, err)

		v, err := store.Version(ctx, 13)
		require.NoError(t, err)
		_, _, err = store.DrainPending(ctx, 13)
		require.NoError(t, err)
		require.NoError(t, store.Release(ctx, 13, 1))

		n, err := store.Refill(ctx, 13, v, []*models.EmailJob{saved(13, 1, "eid-1")})
		require.NoError(t, err)
		assert.Zero(t, n)
		pending, err := store.Pending(ctx, 13)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("requires durable ids", func(t *testing.T) {
		store, _ := newStore(t)
		_, err := store.Refill(ctx, 14, "0", []*models.EmailJob{job(14, "x")})
		assert.Error(t, err)
	})
}

func TestQueueStore_ConcurrentEnqueueDuringRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := newStore(t)

	const writers, perWriter = 4, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := store.Push(ctx, 15, job(15, fmt.Sprintf("w%d-%d", w, i)))
				assert.NoError(t, err)
			}
		}(w)
	}

	seen := map[string]int{}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
		}
		jobs, _, err := store.DrainPending(ctx, 15)
		require.NoError(t, err)
		require.NoError(t, store.Requeue(ctx, 15, jobs))
	}

	pending, err := store.Pending(ctx, 15)
	require.NoError(t, err)
	for _, j := range pending {
		seen[j.JobID]++
	}
	assert.Len(t, seen, writers*perWriter)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestQueueStore_RefreshTTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, mr := newStore(t)

	_, err := store.Push(ctx, 8, job(8, "a"))
	require.NoError(t, err)
	require.NoError(t, store.PushFailed(ctx, 8, job(8, "b")))

	mr.FastForward(80 * time.Minute)
	require.NoError(t, store.RefreshTTL(ctx, 8))

	assert.Equal(t, 90*time.Minute, mr.TTL(queueredis.PendingKey(8)))
	assert.Equal(t, 90*time.Minute, mr.TTL(queueredis.FailedKey(8)))
}
