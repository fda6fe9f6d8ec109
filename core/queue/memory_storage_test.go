package queue_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ketmar/dispatch/core/queue"
)

func newJob(queueName, name string, p queue.Priority) *queue.Job {
	now := time.Now()
	return &queue.Job{
		ID:          uuid.New(),
		Queue:       queueName,
		Name:        name,
		Payload:     json.RawMessage(`{}`),
		Status:      queue.JobStatusWaiting,
		Priority:    p,
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
		RunAt:       now,
		EnqueuedAt:  now,
	}
}

func TestMemoryStorage_ClaimPriorityOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ms := queue.NewMemoryStorage()
	workerID := uuid.New()

	low := newJob(queue.QueueLifecycle, "low", queue.PriorityLow)
	urgent := newJob(queue.QueueLifecycle, "urgent", queue.PriorityUrgent)
	normal := newJob(queue.QueueLifecycle, "normal", queue.PriorityNormal)

	require.NoError(t, ms.Enqueue(ctx, low))
	require.NoError(t, ms.Enqueue(ctx, urgent))
	require.NoError(t, ms.Enqueue(ctx, normal))

	var order []string
	for i := 0; i < 3; i++ {
		job, err := ms.Claim(ctx, queue.QueueLifecycle, workerID, time.Minute)
		require.NoError(t, err)
		order = append(order, job.Name)
		require.NoError(t, ms.Complete(ctx, queue.QueueLifecycle, job.ID))
	}

	assert.Equal(t, []string{"urgent", "normal", "low"}, order)

	_, err := ms.Claim(ctx, queue.QueueLifecycle, workerID, time.Minute)
	assert.ErrorIs(t, err, queue.ErrNoJobToClaim)
}

func TestMemoryStorage_ClaimFIFOWithinPriority(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ms := queue.NewMemoryStorage()
	workerID := uuid.New()

	first := newJob(queue.QueueAnalytics, "first", queue.PriorityNormal)
	second := newJob(queue.QueueAnalytics, "second", queue.PriorityNormal)
	second.EnqueuedAt = first.EnqueuedAt.Add(time.Millisecond)

	require.NoError(t, ms.Enqueue(ctx, first))
	require.NoError(t, ms.Enqueue(ctx, second))

	job, err := ms.Claim(ctx, queue.QueueAnalytics, workerID, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "first", job.Name)
}

func TestMemoryStorage_DelayedPromotion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ms := queue.NewMemoryStorage()
	workerID := uuid.New()

	delayed := newJob(queue.QueueLifecycle, "delayed", queue.PriorityNormal)
	delayed.RunAt = time.Now().Add(40 * time.Millisecond)
	require.NoError(t, ms.Enqueue(ctx, delayed))

	_, err := ms.Claim(ctx, queue.QueueLifecycle, workerID, time.Minute)
	require.ErrorIs(t, err, queue.ErrNoJobToClaim)

	counts, err := ms.Counts(ctx, queue.QueueLifecycle)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Delayed)

	time.Sleep(60 * time.Millisecond)

	job, err := ms.Claim(ctx, queue.QueueLifecycle, workerID, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "delayed", job.Name)
}

func TestMemoryStorage_FailRetriesThenParks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ms := queue.NewMemoryStorage()
	workerID := uuid.New()

	job := newJob(queue.QueueAITasks, "flaky", queue.PriorityNormal)
	require.NoError(t, ms.Enqueue(ctx, job))

	for attempt := 1; attempt <= 3; attempt++ {
		// Backoff is 1ms, so the rescheduled job is due again right away.
		var claimed *queue.Job
		require.Eventually(t, func() bool {
			var err error
			claimed, err = ms.Claim(ctx, queue.QueueAITasks, workerID, time.Minute)
			return err == nil
		}, time.Second, 5*time.Millisecond)

		require.NoError(t, ms.Fail(ctx, queue.QueueAITasks, claimed.ID, "boom"))
	}

	counts, err := ms.Counts(ctx, queue.QueueAITasks)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Failed, "job must be parked after exhausting attempts")

	failed, err := ms.ListFailed(ctx, queue.QueueAITasks, 0, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.EqualValues(t, 3, failed[0].Attempts)
	require.NotNil(t, failed[0].LastError)
	assert.Equal(t, "boom", *failed[0].LastError)
}

func TestMemoryStorage_Retry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ms := queue.NewMemoryStorage()
	workerID := uuid.New()

	job := newJob(queue.QueueNotifications, "retryable", queue.PriorityHigh)
	job.MaxAttempts = 1
	require.NoError(t, ms.Enqueue(ctx, job))

	claimed, err := ms.Claim(ctx, queue.QueueNotifications, workerID, time.Minute)
	require.NoError(t, err)
	require.NoError(t, ms.Fail(ctx, queue.QueueNotifications, claimed.ID, "fatal"))

	require.NoError(t, ms.Retry(ctx, queue.QueueNotifications, job.ID))

	reclaimed, err := ms.Claim(ctx, queue.QueueNotifications, workerID, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, job.ID, reclaimed.ID)
	assert.Zero(t, reclaimed.Attempts, "retry resets the attempts budget")
	require.NotNil(t, reclaimed.LastError, "error history is kept")

	assert.ErrorIs(t, ms.Retry(ctx, queue.QueueNotifications, job.ID), queue.ErrJobNotFailed)
	assert.ErrorIs(t, ms.Retry(ctx, queue.QueueNotifications, uuid.New()), queue.ErrJobNotFound)
}

func TestMemoryStorage_Discard(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ms := queue.NewMemoryStorage()
	workerID := uuid.New()

	job := newJob(queue.QueueSearchAlerts, "orphan", queue.PriorityHigh)
	require.NoError(t, ms.Enqueue(ctx, job))

	claimed, err := ms.Claim(ctx, queue.QueueSearchAlerts, workerID, time.Minute)
	require.NoError(t, err)

	require.NoError(t, ms.Discard(ctx, queue.QueueSearchAlerts, claimed.ID, "no handler"))

	counts, err := ms.Counts(ctx, queue.QueueSearchAlerts)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Failed, "discard bypasses the retry budget")
}

func TestMemoryStorage_PauseResume(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ms := queue.NewMemoryStorage()
	workerID := uuid.New()

	require.NoError(t, ms.Enqueue(ctx, newJob(queue.QueueAnalytics, "job", queue.PriorityNormal)))
	require.NoError(t, ms.Pause(ctx, queue.QueueAnalytics))

	paused, err := ms.Paused(ctx, queue.QueueAnalytics)
	require.NoError(t, err)
	assert.True(t, paused)

	_, err = ms.Claim(ctx, queue.QueueAnalytics, workerID, time.Minute)
	assert.ErrorIs(t, err, queue.ErrQueuePaused)

	require.NoError(t, ms.Resume(ctx, queue.QueueAnalytics))

	_, err = ms.Claim(ctx, queue.QueueAnalytics, workerID, time.Minute)
	assert.NoError(t, err)
}

func TestMemoryStorage_ReleaseExpired(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ms := queue.NewMemoryStorage()
	workerID := uuid.New()

	job := newJob(queue.QueueLifecycle, "stalled", queue.PriorityNormal)
	require.NoError(t, ms.Enqueue(ctx, job))

	_, err := ms.Claim(ctx, queue.QueueLifecycle, workerID, 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	released, err := ms.ReleaseExpired(ctx, queue.QueueLifecycle)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	// Stall counts against the budget and the job is immediately claimable.
	reclaimed, err := ms.Claim(ctx, queue.QueueLifecycle, workerID, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, job.ID, reclaimed.ID)
	assert.EqualValues(t, 1, reclaimed.Attempts)
}

func TestMemoryStorage_PendingJobByName(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ms := queue.NewMemoryStorage()

	missing, err := ms.PendingJobByName(ctx, queue.QueueLifecycle, "cleanup-expired")
	require.NoError(t, err)
	assert.Nil(t, missing)

	// A one-off sharing the name must not count as a pending instance.
	oneOff := newJob(queue.QueueLifecycle, "cleanup-expired", queue.PriorityNormal)
	require.NoError(t, ms.Enqueue(ctx, oneOff))

	missing, err = ms.PendingJobByName(ctx, queue.QueueLifecycle, "cleanup-expired")
	require.NoError(t, err)
	assert.Nil(t, missing)

	delayed := newJob(queue.QueueLifecycle, "cleanup-expired", queue.PriorityLow)
	delayed.Repeatable = true
	delayed.RunAt = time.Now().Add(time.Hour)
	require.NoError(t, ms.Enqueue(ctx, delayed))

	found, err := ms.PendingJobByName(ctx, queue.QueueLifecycle, "cleanup-expired")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, delayed.ID, found.ID)
}

func TestMemoryStorage_EnqueueInvalidPriority(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ms := queue.NewMemoryStorage()

	tooLow := newJob(queue.QueueLifecycle, "bad", queue.Priority(0))
	assert.ErrorIs(t, ms.Enqueue(ctx, tooLow), queue.ErrInvalidPriority)

	tooHigh := newJob(queue.QueueLifecycle, "bad", queue.Priority(9))
	assert.ErrorIs(t, ms.Enqueue(ctx, tooHigh), queue.ErrInvalidPriority)

	counts, err := ms.Counts(ctx, queue.QueueLifecycle)
	require.NoError(t, err)
	assert.Zero(t, counts.Waiting)
}

func TestMemoryStorage_PruneFinished(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ms := queue.NewMemoryStorage()
	workerID := uuid.New()

	for i := 0; i < 3; i++ {
		job := newJob(queue.QueueAnalytics, "done", queue.PriorityNormal)
		require.NoError(t, ms.Enqueue(ctx, job))
		claimed, err := ms.Claim(ctx, queue.QueueAnalytics, workerID, time.Minute)
		require.NoError(t, err)
		require.NoError(t, ms.Complete(ctx, queue.QueueAnalytics, claimed.ID))
	}

	// Count cutoff keeps the newest entry, age cutoff is in the past.
	pruned, err := ms.PruneFinished(ctx, queue.QueueAnalytics, queue.Retention{
		CompletedBefore: time.Now().Add(-time.Hour),
		FailedBefore:    time.Now().Add(-time.Hour),
		KeepCompleted:   1,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, pruned)

	counts, err := ms.Counts(ctx, queue.QueueAnalytics)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Completed)
}
