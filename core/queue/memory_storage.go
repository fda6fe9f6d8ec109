package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStorage implements Storage in process memory for tests and local
// development. It mirrors the broker semantics the Redis storage provides:
// priority-ordered claims with FIFO tiebreaking, delayed promotion, stalled
// release, and retention pruning.
type MemoryStorage struct {
	mu     sync.RWMutex
	jobs   map[uuid.UUID]*Job
	paused map[string]bool

	// Indexes for efficient queries
	byQueue  map[string][]uuid.UUID
	byStatus map[JobStatus][]uuid.UUID
}

// NewMemoryStorage creates an in-memory storage implementation.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		jobs:     make(map[uuid.UUID]*Job),
		paused:   make(map[string]bool),
		byQueue:  make(map[string][]uuid.UUID),
		byStatus: make(map[JobStatus][]uuid.UUID),
	}
}

// Enqueue stores a new job, holding future-dated jobs in delayed state.
func (ms *MemoryStorage) Enqueue(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job cannot be nil")
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if !job.Priority.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, job.Priority)
	}

	if _, exists := ms.jobs[job.ID]; exists {
		return fmt.Errorf("job with ID %s already exists", job.ID)
	}

	jobCopy := *job
	if jobCopy.RunAt.After(time.Now()) {
		jobCopy.Status = JobStatusDelayed
	} else {
		jobCopy.Status = JobStatusWaiting
	}

	ms.jobs[jobCopy.ID] = &jobCopy
	ms.byQueue[jobCopy.Queue] = append(ms.byQueue[jobCopy.Queue], jobCopy.ID)
	ms.byStatus[jobCopy.Status] = append(ms.byStatus[jobCopy.Status], jobCopy.ID)

	return nil
}

// Claim atomically claims the next due job: lowest priority value first,
// earliest submission within a priority class.
func (ms *MemoryStorage) Claim(ctx context.Context, queue string, workerID uuid.UUID, lock time.Duration) (*Job, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.paused[queue] {
		return nil, ErrQueuePaused
	}

	now := time.Now()

	// Promote due delayed jobs so they compete on priority with waiting ones.
	for _, jobID := range append([]uuid.UUID(nil), ms.byStatus[JobStatusDelayed]...) {
		job := ms.jobs[jobID]
		if job.Queue == queue && !job.RunAt.After(now) {
			ms.moveStatus(jobID, JobStatusDelayed, JobStatusWaiting)
		}
	}

	var best *Job
	for _, jobID := range ms.byStatus[JobStatusWaiting] {
		job := ms.jobs[jobID]
		if job.Queue != queue || job.RunAt.After(now) {
			continue
		}
		if best == nil ||
			job.Priority < best.Priority ||
			(job.Priority == best.Priority && job.EnqueuedAt.Before(best.EnqueuedAt)) {
			best = job
		}
	}

	if best == nil {
		return nil, ErrNoJobToClaim
	}

	lockUntil := now.Add(lock)
	ms.moveStatus(best.ID, JobStatusWaiting, JobStatusActive)
	best.Status = JobStatusActive
	best.LockedUntil = &lockUntil
	best.LockedBy = &workerID

	jobCopy := *best
	return &jobCopy, nil
}

// Complete marks an active job as completed.
func (ms *MemoryStorage) Complete(ctx context.Context, queue string, jobID uuid.UUID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	job, err := ms.activeJob(queue, jobID)
	if err != nil {
		return err
	}

	now := time.Now()
	ms.moveStatus(jobID, JobStatusActive, JobStatusCompleted)
	job.Status = JobStatusCompleted
	job.FinishedAt = &now
	job.LockedUntil = nil
	job.LockedBy = nil

	return nil
}

// Fail records a processing failure, rescheduling with exponential backoff
// while attempts remain.
func (ms *MemoryStorage) Fail(ctx context.Context, queue string, jobID uuid.UUID, errMsg string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	job, err := ms.activeJob(queue, jobID)
	if err != nil {
		return err
	}

	ms.failLocked(job, errMsg)
	return nil
}

// failLocked transitions an active job after a failure. Caller holds ms.mu.
func (ms *MemoryStorage) failLocked(job *Job, errMsg string) {
	job.Attempts++
	job.LastError = &errMsg
	job.LockedUntil = nil
	job.LockedBy = nil

	if job.Attempts >= job.MaxAttempts {
		now := time.Now()
		ms.moveStatus(job.ID, JobStatusActive, JobStatusFailed)
		job.Status = JobStatusFailed
		job.FinishedAt = &now
		return
	}

	// Exponential backoff: base * 2^(attempts-1).
	backoff := job.Backoff << (job.Attempts - 1)
	ms.moveStatus(job.ID, JobStatusActive, JobStatusDelayed)
	job.Status = JobStatusDelayed
	job.RunAt = time.Now().Add(backoff)
}

// Discard parks an active job in failed state immediately, bypassing the
// retry budget.
func (ms *MemoryStorage) Discard(ctx context.Context, queue string, jobID uuid.UUID, errMsg string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	job, err := ms.activeJob(queue, jobID)
	if err != nil {
		return err
	}

	now := time.Now()
	job.Attempts = job.MaxAttempts
	job.LastError = &errMsg
	job.LockedUntil = nil
	job.LockedBy = nil
	ms.moveStatus(jobID, JobStatusActive, JobStatusFailed)
	job.Status = JobStatusFailed
	job.FinishedAt = &now

	return nil
}

// Retry re-queues a failed job with a fresh attempts budget. The previous
// error is kept for history.
func (ms *MemoryStorage) Retry(ctx context.Context, queue string, jobID uuid.UUID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	job, exists := ms.jobs[jobID]
	if !exists || job.Queue != queue {
		return ErrJobNotFound
	}
	if job.Status != JobStatusFailed {
		return ErrJobNotFailed
	}

	ms.moveStatus(jobID, JobStatusFailed, JobStatusWaiting)
	job.Status = JobStatusWaiting
	job.Attempts = 0
	job.RunAt = time.Now()
	job.FinishedAt = nil

	return nil
}

// ExtendLock extends the lock deadline for a long-running active job.
func (ms *MemoryStorage) ExtendLock(ctx context.Context, queue string, jobID uuid.UUID, d time.Duration) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	job, err := ms.activeJob(queue, jobID)
	if err != nil {
		return err
	}

	lockUntil := time.Now().Add(d)
	job.LockedUntil = &lockUntil
	return nil
}

// Counts returns per-state job counts for one queue.
func (ms *MemoryStorage) Counts(ctx context.Context, queue string) (QueueCounts, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var c QueueCounts
	for _, jobID := range ms.byQueue[queue] {
		switch ms.jobs[jobID].Status {
		case JobStatusWaiting:
			c.Waiting++
		case JobStatusDelayed:
			c.Delayed++
		case JobStatusActive:
			c.Active++
		case JobStatusCompleted:
			c.Completed++
		case JobStatusFailed:
			c.Failed++
		}
	}
	return c, nil
}

// ListWaiting returns a page of waiting jobs in claim order.
func (ms *MemoryStorage) ListWaiting(ctx context.Context, queue string, offset, limit int) ([]Job, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	jobs := ms.collect(queue, JobStatusWaiting)
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority < jobs[j].Priority
		}
		return jobs[i].EnqueuedAt.Before(jobs[j].EnqueuedAt)
	})

	return page(jobs, offset, limit), nil
}

// ListFailed returns a page of failed jobs, most recent failure first.
func (ms *MemoryStorage) ListFailed(ctx context.Context, queue string, offset, limit int) ([]Job, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	jobs := ms.collect(queue, JobStatusFailed)
	sort.Slice(jobs, func(i, j int) bool {
		ti, tj := jobs[i].FinishedAt, jobs[j].FinishedAt
		if ti == nil || tj == nil {
			return tj == nil
		}
		return ti.After(*tj)
	})

	return page(jobs, offset, limit), nil
}

// PendingJobByName finds a waiting or delayed repeatable instance by name.
func (ms *MemoryStorage) PendingJobByName(ctx context.Context, queue, name string) (*Job, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	for _, status := range []JobStatus{JobStatusWaiting, JobStatusDelayed} {
		for _, jobID := range ms.byStatus[status] {
			job := ms.jobs[jobID]
			if job.Queue == queue && job.Name == name && job.Repeatable {
				jobCopy := *job
				return &jobCopy, nil
			}
		}
	}
	return nil, nil
}

// Pause stops the queue from handing out jobs. Queued work is kept.
func (ms *MemoryStorage) Pause(ctx context.Context, queue string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.paused[queue] = true
	return nil
}

// Resume reverts Pause.
func (ms *MemoryStorage) Resume(ctx context.Context, queue string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.paused, queue)
	return nil
}

// Paused reports whether the queue is paused.
func (ms *MemoryStorage) Paused(ctx context.Context, queue string) (bool, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.paused[queue], nil
}

// ReleaseExpired requeues stalled jobs whose lock deadline passed. A stall
// counts against the attempts budget like any other failure.
func (ms *MemoryStorage) ReleaseExpired(ctx context.Context, queue string) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := time.Now()
	released := 0
	for _, jobID := range append([]uuid.UUID(nil), ms.byStatus[JobStatusActive]...) {
		job := ms.jobs[jobID]
		if job.Queue != queue || job.LockedUntil == nil || job.LockedUntil.After(now) {
			continue
		}
		ms.failLocked(job, "job stalled: worker lock expired")
		// Stalled jobs requeue immediately rather than waiting out backoff.
		if job.Status == JobStatusDelayed {
			ms.moveStatus(job.ID, JobStatusDelayed, JobStatusWaiting)
			job.Status = JobStatusWaiting
			job.RunAt = now
		}
		released++
	}
	return released, nil
}

// PruneFinished removes completed/failed history per the retention policy.
func (ms *MemoryStorage) PruneFinished(ctx context.Context, queue string, ret Retention) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	pruned := 0

	completed := ms.collect(queue, JobStatusCompleted)
	sort.Slice(completed, func(i, j int) bool {
		return finishTime(&completed[i]).After(finishTime(&completed[j]))
	})
	for i := range completed {
		job := &completed[i]
		if finishTime(job).Before(ret.CompletedBefore) || (ret.KeepCompleted > 0 && i >= ret.KeepCompleted) {
			ms.deleteJob(job.ID)
			pruned++
		}
	}

	for _, job := range ms.collect(queue, JobStatusFailed) {
		if finishTime(&job).Before(ret.FailedBefore) {
			ms.deleteJob(job.ID)
			pruned++
		}
	}

	return pruned, nil
}

// Close is a no-op for memory storage.
func (ms *MemoryStorage) Close() error {
	return nil
}

func (ms *MemoryStorage) activeJob(queue string, jobID uuid.UUID) (*Job, error) {
	job, exists := ms.jobs[jobID]
	if !exists || job.Queue != queue {
		return nil, ErrJobNotFound
	}
	if job.Status != JobStatusActive {
		return nil, ErrJobNotActive
	}
	return job, nil
}

func (ms *MemoryStorage) collect(queue string, status JobStatus) []Job {
	var out []Job
	for _, jobID := range ms.byStatus[status] {
		job := ms.jobs[jobID]
		if job.Queue == queue {
			out = append(out, *job)
		}
	}
	return out
}

func (ms *MemoryStorage) moveStatus(jobID uuid.UUID, from, to JobStatus) {
	ms.byStatus[from] = removeID(ms.byStatus[from], jobID)
	ms.byStatus[to] = append(ms.byStatus[to], jobID)
}

func (ms *MemoryStorage) deleteJob(jobID uuid.UUID) {
	job, exists := ms.jobs[jobID]
	if !exists {
		return
	}
	ms.byStatus[job.Status] = removeID(ms.byStatus[job.Status], jobID)
	ms.byQueue[job.Queue] = removeID(ms.byQueue[job.Queue], jobID)
	delete(ms.jobs, jobID)
}

func removeID(ids []uuid.UUID, jobID uuid.UUID) []uuid.UUID {
	for i, id := range ids {
		if id == jobID {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func finishTime(job *Job) time.Time {
	if job.FinishedAt != nil {
		return *job.FinishedAt
	}
	return job.EnqueuedAt
}

func page(jobs []Job, offset, limit int) []Job {
	if offset >= len(jobs) {
		return nil
	}
	jobs = jobs[offset:]
	if limit > 0 && limit < len(jobs) {
		jobs = jobs[:limit]
	}
	return jobs
}
