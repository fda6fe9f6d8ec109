package queue_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ketmar/dispatch/core/queue"
)

// newRedisTestStorage connects to the broker named by TEST_REDIS_URL and
// flushes its database. Tests sharing the database must not run in parallel.
func newRedisTestStorage(t *testing.T) (*queue.RedisStorage, *redis.Client) {
	t.Helper()

	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}

	opts, err := redis.ParseURL(url)
	require.NoError(t, err)

	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })

	require.NoError(t, client.FlushDB(context.Background()).Err())

	rs, err := queue.NewRedisStorage(client)
	require.NoError(t, err)
	return rs, client
}

func TestRedisStorage_ClaimPriorityOrder(t *testing.T) {
	rs, _ := newRedisTestStorage(t)
	ctx := context.Background()
	workerID := uuid.New()

	low := newJob(queue.QueueLifecycle, "low", queue.PriorityLow)
	urgent := newJob(queue.QueueLifecycle, "urgent", queue.PriorityUrgent)
	first := newJob(queue.QueueLifecycle, "first-normal", queue.PriorityNormal)
	second := newJob(queue.QueueLifecycle, "second-normal", queue.PriorityNormal)

	for _, job := range []*queue.Job{low, first, urgent, second} {
		require.NoError(t, rs.Enqueue(ctx, job))
	}

	var order []string
	for i := 0; i < 4; i++ {
		job, err := rs.Claim(ctx, queue.QueueLifecycle, workerID, time.Minute)
		require.NoError(t, err)
		order = append(order, job.Name)
		require.NoError(t, rs.Complete(ctx, queue.QueueLifecycle, job.ID))
	}

	assert.Equal(t, []string{"urgent", "first-normal", "second-normal", "low"}, order)

	_, err := rs.Claim(ctx, queue.QueueLifecycle, workerID, time.Minute)
	assert.ErrorIs(t, err, queue.ErrNoJobToClaim)
}

func TestRedisStorage_DelayedPromotion(t *testing.T) {
	rs, _ := newRedisTestStorage(t)
	ctx := context.Background()
	workerID := uuid.New()

	delayed := newJob(queue.QueueLifecycle, "delayed", queue.PriorityNormal)
	delayed.RunAt = time.Now().Add(40 * time.Millisecond)
	require.NoError(t, rs.Enqueue(ctx, delayed))

	_, err := rs.Claim(ctx, queue.QueueLifecycle, workerID, time.Minute)
	require.ErrorIs(t, err, queue.ErrNoJobToClaim)

	counts, err := rs.Counts(ctx, queue.QueueLifecycle)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Delayed)

	time.Sleep(60 * time.Millisecond)

	job, err := rs.Claim(ctx, queue.QueueLifecycle, workerID, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "delayed", job.Name)
}

func TestRedisStorage_FailRetriesThenParks(t *testing.T) {
	rs, _ := newRedisTestStorage(t)
	ctx := context.Background()
	workerID := uuid.New()

	job := newJob(queue.QueueAITasks, "flaky", queue.PriorityNormal)
	require.NoError(t, rs.Enqueue(ctx, job))

	for attempt := 1; attempt <= 3; attempt++ {
		// Backoff is 1ms, so the rescheduled job is due again right away.
		var claimed *queue.Job
		require.Eventually(t, func() bool {
			var err error
			claimed, err = rs.Claim(ctx, queue.QueueAITasks, workerID, time.Minute)
			return err == nil
		}, time.Second, 5*time.Millisecond)

		require.NoError(t, rs.Fail(ctx, queue.QueueAITasks, claimed.ID, "boom"))
	}

	counts, err := rs.Counts(ctx, queue.QueueAITasks)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Failed, "job must be parked after exhausting attempts")

	failed, err := rs.ListFailed(ctx, queue.QueueAITasks, 0, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.EqualValues(t, 3, failed[0].Attempts)
	require.NotNil(t, failed[0].LastError)
	assert.Equal(t, "boom", *failed[0].LastError)
}

func TestRedisStorage_Retry(t *testing.T) {
	rs, _ := newRedisTestStorage(t)
	ctx := context.Background()
	workerID := uuid.New()

	job := newJob(queue.QueueNotifications, "retryable", queue.PriorityHigh)
	job.MaxAttempts = 1
	require.NoError(t, rs.Enqueue(ctx, job))

	claimed, err := rs.Claim(ctx, queue.QueueNotifications, workerID, time.Minute)
	require.NoError(t, err)
	require.NoError(t, rs.Fail(ctx, queue.QueueNotifications, claimed.ID, "fatal"))

	require.NoError(t, rs.Retry(ctx, queue.QueueNotifications, job.ID))

	reclaimed, err := rs.Claim(ctx, queue.QueueNotifications, workerID, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, job.ID, reclaimed.ID)
	assert.Zero(t, reclaimed.Attempts, "retry resets the attempts budget")

	assert.ErrorIs(t, rs.Retry(ctx, queue.QueueNotifications, job.ID), queue.ErrJobNotFailed)
	assert.ErrorIs(t, rs.Retry(ctx, queue.QueueNotifications, uuid.New()), queue.ErrJobNotFound)
}

func TestRedisStorage_Discard(t *testing.T) {
	rs, _ := newRedisTestStorage(t)
	ctx := context.Background()
	workerID := uuid.New()

	job := newJob(queue.QueueSearchAlerts, "orphan", queue.PriorityHigh)
	require.NoError(t, rs.Enqueue(ctx, job))

	claimed, err := rs.Claim(ctx, queue.QueueSearchAlerts, workerID, time.Minute)
	require.NoError(t, err)

	require.NoError(t, rs.Discard(ctx, queue.QueueSearchAlerts, claimed.ID, "no handler"))

	counts, err := rs.Counts(ctx, queue.QueueSearchAlerts)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Failed, "discard bypasses the retry budget")
}

func TestRedisStorage_PauseResume(t *testing.T) {
	rs, _ := newRedisTestStorage(t)
	ctx := context.Background()
	workerID := uuid.New()

	require.NoError(t, rs.Enqueue(ctx, newJob(queue.QueueAnalytics, "job", queue.PriorityNormal)))
	require.NoError(t, rs.Pause(ctx, queue.QueueAnalytics))

	paused, err := rs.Paused(ctx, queue.QueueAnalytics)
	require.NoError(t, err)
	assert.True(t, paused)

	_, err = rs.Claim(ctx, queue.QueueAnalytics, workerID, time.Minute)
	assert.ErrorIs(t, err, queue.ErrQueuePaused)

	require.NoError(t, rs.Resume(ctx, queue.QueueAnalytics))

	_, err = rs.Claim(ctx, queue.QueueAnalytics, workerID, time.Minute)
	assert.NoError(t, err)
}

func TestRedisStorage_ReleaseExpired(t *testing.T) {
	rs, _ := newRedisTestStorage(t)
	ctx := context.Background()
	workerID := uuid.New()

	job := newJob(queue.QueueLifecycle, "stalled", queue.PriorityNormal)
	require.NoError(t, rs.Enqueue(ctx, job))

	_, err := rs.Claim(ctx, queue.QueueLifecycle, workerID, 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	released, err := rs.ReleaseExpired(ctx, queue.QueueLifecycle)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	// Stall counts against the budget and the job is immediately claimable.
	reclaimed, err := rs.Claim(ctx, queue.QueueLifecycle, workerID, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, job.ID, reclaimed.ID)
	assert.EqualValues(t, 1, reclaimed.Attempts)
}

func TestRedisStorage_ReleaseExpiredRecoversInterruptedClaim(t *testing.T) {
	rs, client := newRedisTestStorage(t)
	ctx := context.Background()
	workerID := uuid.New()

	job := newJob(queue.QueueLifecycle, "interrupted", queue.PriorityNormal)
	require.NoError(t, rs.Enqueue(ctx, job))

	// Simulate a claimer dying right after the index move: the id sits in the
	// active set with an expired deadline while the record still says waiting.
	require.NoError(t, client.ZRem(ctx, queue.QueueLifecycle+":waiting", job.ID.String()).Err())
	require.NoError(t, client.ZAdd(ctx, queue.QueueLifecycle+":active", redis.Z{
		Score:  float64(time.Now().Add(-time.Second).UnixMilli()),
		Member: job.ID.String(),
	}).Err())

	released, err := rs.ReleaseExpired(ctx, queue.QueueLifecycle)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	reclaimed, err := rs.Claim(ctx, queue.QueueLifecycle, workerID, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, job.ID, reclaimed.ID)
	assert.Zero(t, reclaimed.Attempts, "an interrupted claim is not a processing failure")
}

func TestRedisStorage_PruneFinished(t *testing.T) {
	rs, _ := newRedisTestStorage(t)
	ctx := context.Background()
	workerID := uuid.New()

	for i := 0; i < 3; i++ {
		job := newJob(queue.QueueAnalytics, "done", queue.PriorityNormal)
		require.NoError(t, rs.Enqueue(ctx, job))
		claimed, err := rs.Claim(ctx, queue.QueueAnalytics, workerID, time.Minute)
		require.NoError(t, err)
		require.NoError(t, rs.Complete(ctx, queue.QueueAnalytics, claimed.ID))
	}

	// Count cutoff keeps the newest entry, age cutoff is in the past.
	pruned, err := rs.PruneFinished(ctx, queue.QueueAnalytics, queue.Retention{
		CompletedBefore: time.Now().Add(-time.Hour),
		FailedBefore:    time.Now().Add(-time.Hour),
		KeepCompleted:   1,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, pruned)

	counts, err := rs.Counts(ctx, queue.QueueAnalytics)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Completed)
}

func TestRedisStorage_PendingJobByName(t *testing.T) {
	rs, _ := newRedisTestStorage(t)
	ctx := context.Background()

	missing, err := rs.PendingJobByName(ctx, queue.QueueLifecycle, "cleanup-expired")
	require.NoError(t, err)
	assert.Nil(t, missing)

	// A one-off sharing the name must not count as a pending instance.
	oneOff := newJob(queue.QueueLifecycle, "cleanup-expired", queue.PriorityNormal)
	require.NoError(t, rs.Enqueue(ctx, oneOff))

	missing, err = rs.PendingJobByName(ctx, queue.QueueLifecycle, "cleanup-expired")
	require.NoError(t, err)
	assert.Nil(t, missing)

	delayed := newJob(queue.QueueLifecycle, "cleanup-expired", queue.PriorityLow)
	delayed.Repeatable = true
	delayed.RunAt = time.Now().Add(time.Hour)
	require.NoError(t, rs.Enqueue(ctx, delayed))

	found, err := rs.PendingJobByName(ctx, queue.QueueLifecycle, "cleanup-expired")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, delayed.ID, found.ID)
}

func TestRedisStorage_EnqueueInvalidPriority(t *testing.T) {
	rs, _ := newRedisTestStorage(t)
	ctx := context.Background()

	tooLow := newJob(queue.QueueLifecycle, "bad", queue.Priority(0))
	assert.ErrorIs(t, rs.Enqueue(ctx, tooLow), queue.ErrInvalidPriority)

	tooHigh := newJob(queue.QueueLifecycle, "bad", queue.Priority(9))
	assert.ErrorIs(t, rs.Enqueue(ctx, tooHigh), queue.ErrInvalidPriority)

	counts, err := rs.Counts(ctx, queue.QueueLifecycle)
	require.NoError(t, err)
	assert.Zero(t, counts.Waiting)
}
