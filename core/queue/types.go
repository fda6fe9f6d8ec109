package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Priority orders jobs within a queue. Lower values are served first,
// matching broker semantics where priority 1 preempts priority 4.
type Priority int8

const (
	PriorityUrgent Priority = 1
	PriorityHigh   Priority = 2
	PriorityNormal Priority = 3
	PriorityLow    Priority = 4
)

// Valid checks if the priority is within the allowed range.
func (p Priority) Valid() bool {
	return p >= PriorityUrgent && p <= PriorityLow
}

// JobStatus tracks the lifecycle state of a job through the queue system.
type JobStatus string

const (
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusDelayed   JobStatus = "delayed"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Job represents one unit of asynchronous work submitted to a named queue.
// The payload crosses a process boundary, so it must be JSON-serializable;
// the broker owns the job's durable state once Enqueue succeeds.
type Job struct {
	ID          uuid.UUID       `json:"id"`
	Queue       string          `json:"queue"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      JobStatus       `json:"status"`
	Priority    Priority        `json:"priority"`
	Attempts    int8            `json:"attempts"`
	MaxAttempts int8            `json:"max_attempts"`
	Backoff     time.Duration   `json:"backoff"`
	RunAt       time.Time       `json:"run_at"`
	Repeatable  bool            `json:"repeatable,omitempty"`
	LockedUntil *time.Time      `json:"locked_until,omitempty"`
	LockedBy    *uuid.UUID      `json:"locked_by,omitempty"`
	LastError   *string         `json:"last_error,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// DispatchResult is returned by every job-submission call. Queued=false means
// the work was already handled through the fallback path; callers must not
// retry it themselves.
type DispatchResult struct {
	JobID    string `json:"job_id,omitempty"`
	Queued   bool   `json:"queued"`
	Fallback bool   `json:"fallback,omitempty"`
}

// QueueCounts holds per-state job counts for a single queue.
type QueueCounts struct {
	Waiting   int `json:"waiting"`
	Delayed   int `json:"delayed"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// QueueStats is one queue's entry in a stats aggregation. A failed stats call
// for one queue populates Error instead of failing the whole aggregation.
type QueueStats struct {
	QueueCounts
	Paused bool   `json:"paused,omitempty"`
	Error  string `json:"error,omitempty"`
}

type (
	// JobOption overrides per-job submission settings.
	JobOption func(*jobOptions)

	jobOptions struct {
		priority    Priority
		delay       time.Duration
		runAt       *time.Time
		maxAttempts int8
		backoff     time.Duration
	}
)

// WithPriority overrides the queue's default priority for this job.
func WithPriority(p Priority) JobOption {
	return func(o *jobOptions) {
		if p.Valid() {
			o.priority = p
		}
	}
}

// Urgent raises the job to the highest priority. Shorthand used by producer
// methods that accept an urgency flag from callers.
func Urgent() JobOption {
	return WithPriority(PriorityUrgent)
}

// WithDelay postpones the job's earliest execution by d. Negative values are
// treated as zero so a job is never scheduled in the past.
func WithDelay(d time.Duration) JobOption {
	return func(o *jobOptions) {
		if d > 0 {
			o.delay = d
		}
	}
}

// WithRunAt postpones the job's earliest execution to an absolute time.
func WithRunAt(at time.Time) JobOption {
	return func(o *jobOptions) {
		o.runAt = &at
	}
}

// WithMaxAttempts overrides the retry budget for this job. Capped at 10 to
// prevent infinite retry loops on persistent failures.
func WithMaxAttempts(n int8) JobOption {
	return func(o *jobOptions) {
		if n > 0 && n <= 10 {
			o.maxAttempts = n
		}
	}
}

// WithBackoff overrides the base delay of the exponential retry backoff.
func WithBackoff(d time.Duration) JobOption {
	return func(o *jobOptions) {
		if d > 0 {
			o.backoff = d
		}
	}
}
