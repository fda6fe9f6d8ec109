package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Retention bounds the history of finished jobs. Pending work is never
// pruned; only completed/failed history is subject to retention.
type Retention struct {
	CompletedBefore time.Time // completed jobs finished before this are pruned
	FailedBefore    time.Time // failed jobs finished before this are pruned
	KeepCompleted   int       // completed jobs kept regardless of age, newest first
}

// Storage is the broker-facing contract of the queue subsystem. The manager,
// workers, and scheduler depend on this interface only, so whether delayed
// and repeatable jobs are served by a broker-native feature or by an external
// loop stays invisible above it.
//
// Implementations own the durable job state and the retry/backoff
// bookkeeping: Fail either reschedules the job with exponential backoff or
// parks it in failed state once the attempts budget is exhausted.
type Storage interface {
	// Enqueue stores a new job. Jobs with RunAt in the future are held in
	// delayed state until due. A priority outside the defined range is
	// rejected with ErrInvalidPriority.
	Enqueue(ctx context.Context, job *Job) error

	// Claim atomically claims the next due job of the queue, honoring
	// priority order (lower value first, FIFO within a priority class).
	// Returns ErrNoJobToClaim when nothing is due and ErrQueuePaused when
	// the queue is paused.
	Claim(ctx context.Context, queue string, workerID uuid.UUID, lock time.Duration) (*Job, error)

	// Complete marks an active job as completed.
	Complete(ctx context.Context, queue string, jobID uuid.UUID) error

	// Fail records a processing failure. While attempts remain the job is
	// rescheduled with exponential backoff; otherwise it moves to failed
	// state and is retained per the queue's retention policy.
	Fail(ctx context.Context, queue string, jobID uuid.UUID, errMsg string) error

	// Discard parks an active job in failed state immediately, bypassing the
	// retry budget. Used when retrying cannot help, e.g. no handler exists
	// for the job name.
	Discard(ctx context.Context, queue string, jobID uuid.UUID, errMsg string) error

	// Retry re-queues a specific failed job for immediate processing.
	Retry(ctx context.Context, queue string, jobID uuid.UUID) error

	// ExtendLock extends the lock deadline of a long-running active job.
	ExtendLock(ctx context.Context, queue string, jobID uuid.UUID, d time.Duration) error

	// Counts returns per-state job counts for one queue.
	Counts(ctx context.Context, queue string) (QueueCounts, error)

	// ListWaiting returns a page of waiting jobs in claim order.
	ListWaiting(ctx context.Context, queue string, offset, limit int) ([]Job, error)

	// ListFailed returns a page of failed jobs, most recent first.
	ListFailed(ctx context.Context, queue string, offset, limit int) ([]Job, error)

	// PendingJobByName finds a waiting or delayed repeatable instance by
	// name. One-off jobs sharing the name are ignored, so a queued one-off
	// never suppresses a cron occurrence. Used by the scheduler to keep
	// repeatable jobs idempotent across restarts.
	PendingJobByName(ctx context.Context, queue, name string) (*Job, error)

	// Pause stops the queue from handing out jobs without losing queued
	// work; Resume reverts it.
	Pause(ctx context.Context, queue string) error
	Resume(ctx context.Context, queue string) error
	Paused(ctx context.Context, queue string) (bool, error)

	// ReleaseExpired requeues stalled jobs whose lock deadline passed,
	// counting the stall against the attempts budget. Returns the number of
	// jobs released.
	ReleaseExpired(ctx context.Context, queue string) (int, error)

	// PruneFinished removes completed/failed history per the retention
	// policy. Returns the number of jobs removed.
	PruneFinished(ctx context.Context, queue string, ret Retention) (int, error)

	// Close releases storage resources. Safe to call more than once.
	Close() error
}
