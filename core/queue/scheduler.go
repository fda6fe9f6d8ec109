package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/ketmar/dispatch/core/logger"
)

// Repeatable jobs use standard 5-field cron patterns (minute, hour, day of
// month, month, day of week).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// RepeatableJob is a registered recurring job. Registration is in-process:
// entries live for the process lifetime and must be re-registered on start,
// which keeps the broker free of stale schedules from old deployments.
type RepeatableJob struct {
	Queue   string
	Name    string
	Pattern string

	schedule cron.Schedule
	payload  json.RawMessage
	opts     []JobOption

	mu              sync.Mutex
	lastScheduledAt time.Time
}

// NextRun returns the first scheduled instant strictly after the given time.
func (r *RepeatableJob) NextRun(after time.Time) time.Time {
	return r.schedule.Next(after)
}

// LastScheduledAt returns the run time of the most recently enqueued
// instance, zero before the first one.
func (r *RepeatableJob) LastScheduledAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastScheduledAt
}

func (r *RepeatableJob) markScheduled(at time.Time) {
	r.mu.Lock()
	r.lastScheduledAt = at
	r.mu.Unlock()
}

// Scheduler keeps exactly one pending instance per repeatable job in the
// broker. Each pass enqueues the next cron occurrence for every entry whose
// previous instance has already been consumed. Instances carry a repeatable
// tag and duplicate suppression matches only tagged jobs, so a missed pass
// never double-fires and a queued one-off sharing the name never suppresses
// a cron occurrence.
type Scheduler struct {
	storage  Storage
	interval time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	entries []*RepeatableJob

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// SchedulerOption configures a Scheduler instance.
type SchedulerOption func(*Scheduler)

// WithCheckInterval sets how often the scheduler evaluates its entries.
func WithCheckInterval(interval time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithSchedulerLogger sets the logger for scheduler operations.
func WithSchedulerLogger(log *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if log != nil {
			s.log = log
		}
	}
}

// NewScheduler creates a repeatable-job scheduler over the given storage.
func NewScheduler(storage Storage, opts ...SchedulerOption) (*Scheduler, error) {
	if storage == nil {
		return nil, ErrStorageNil
	}

	s := &Scheduler{
		storage:  storage,
		interval: 15 * time.Second,
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Add registers a recurring job. The pattern is validated here; the first
// instance is enqueued on the next scheduler pass.
func (s *Scheduler) Add(queueName, jobName string, payload any, cronPattern string, opts ...JobOption) (*RepeatableJob, error) {
	if !KnownQueue(queueName) {
		return nil, ErrUnknownQueue
	}

	schedule, err := cronParser.Parse(cronPattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidCronPattern, cronPattern, err)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("payload not serializable: %w", err)
	}

	rj := &RepeatableJob{
		Queue:    queueName,
		Name:     jobName,
		Pattern:  cronPattern,
		schedule: schedule,
		payload:  raw,
		opts:     opts,
	}

	s.mu.Lock()
	for _, existing := range s.entries {
		if existing.Queue == queueName && existing.Name == jobName {
			s.mu.Unlock()
			return nil, ErrAlreadyRegistered
		}
	}
	s.entries = append(s.entries, rj)
	s.mu.Unlock()

	s.log.Info("repeatable job registered",
		logger.Queue(queueName),
		logger.JobName(jobName),
		slog.String("pattern", cronPattern))

	return rj, nil
}

// Remove unregisters a recurring job. An already-enqueued pending instance
// still runs; only future occurrences stop.
func (s *Scheduler) Remove(queueName, jobName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, rj := range s.entries {
		if rj.Queue == queueName && rj.Name == jobName {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Entries returns the registered repeatable jobs.
func (s *Scheduler) Entries() []*RepeatableJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*RepeatableJob, len(s.entries))
	copy(out, s.entries)
	return out
}

// Start launches the background scheduling loop. Idempotent: a second call
// while running is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.cancel != nil {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(loopCtx)

	s.log.InfoContext(ctx, "scheduler started",
		slog.Duration("check_interval", s.interval))
	return nil
}

// Stop terminates the scheduling loop and waits for the in-flight pass to
// finish. Safe to call without a prior Start.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

// Tick runs one scheduling pass as of the given instant. The background loop
// calls it every check interval; it is exported so operators can force a pass.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	for _, rj := range s.Entries() {
		if err := s.scheduleNext(ctx, rj, now); err != nil {
			s.log.ErrorContext(ctx, "failed to schedule repeatable job",
				logger.Queue(rj.Queue),
				logger.JobName(rj.Name),
				logger.Error(err))
		}
	}
}

func (s *Scheduler) scheduleNext(ctx context.Context, rj *RepeatableJob, now time.Time) error {
	pending, err := s.storage.PendingJobByName(ctx, rj.Queue, rj.Name)
	if err != nil {
		return err
	}
	if pending != nil {
		return nil
	}

	runAt := rj.schedule.Next(now)

	options := &jobOptions{
		priority:    DefaultPriorityFor(rj.Queue),
		maxAttempts: DefaultJobOptions().MaxAttempts,
		backoff:     DefaultJobOptions().Backoff,
	}
	for _, opt := range rj.opts {
		opt(options)
	}

	job := &Job{
		ID:          uuid.New(),
		Queue:       rj.Queue,
		Name:        rj.Name,
		Payload:     rj.payload,
		Status:      JobStatusDelayed,
		Repeatable:  true,
		Priority:    options.priority,
		MaxAttempts: options.maxAttempts,
		Backoff:     options.backoff,
		RunAt:       runAt,
		EnqueuedAt:  now,
	}

	if err := s.storage.Enqueue(ctx, job); err != nil {
		return err
	}
	rj.markScheduled(runAt)

	s.log.DebugContext(ctx, "repeatable job instance enqueued",
		logger.Queue(rj.Queue),
		logger.JobName(rj.Name),
		logger.JobID(job.ID.String()),
		slog.Time("run_at", runAt))
	return nil
}
