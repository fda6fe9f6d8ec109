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

	"github.com/ketmar/dispatch/core/logger"
)

// Queue is a named, independently configured channel of work. There is
// exactly one Queue object per name for the process lifetime; identity is
// the name.
type Queue struct {
	name            string
	defaults        JobDefaults
	tuning          WorkerTuning
	defaultPriority Priority
	log             *slog.Logger
}

// Name returns the broker-safe queue name.
func (q *Queue) Name() string { return q.name }

// Tuning returns the queue's worker tuning.
func (q *Queue) Tuning() WorkerTuning { return q.tuning }

// Manager owns queue lifecycle and every submission path. Its central
// invariant: no public add operation ever returns an error for a failed
// submission. Disabled mode and broker errors degrade to the fallback
// handler, and the caller gets a DispatchResult telling it the work was
// already handled.
type Manager struct {
	storage  Storage
	cfg      Config
	defaults JobDefaults
	fallback FallbackHandler
	log      *slog.Logger

	mu          sync.RWMutex
	queues      map[string]*Queue
	scheduler   *Scheduler
	initialized bool
}

// ManagerOption configures a Manager instance.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger for the manager and its queues.
func WithManagerLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithFallbackHandler replaces the default log-and-drop fallback policy.
func WithFallbackHandler(h FallbackHandler) ManagerOption {
	return func(m *Manager) {
		if h != nil {
			m.fallback = h
		}
	}
}

// WithJobDefaults overrides the registry's shared default job options.
func WithJobDefaults(d JobDefaults) ManagerOption {
	return func(m *Manager) {
		if d.MaxAttempts > 0 {
			m.defaults = d
		}
	}
}

// NewManager creates a Manager over the given storage. A nil storage is
// valid and means disabled mode: Initialize reports false and every add
// degrades to fallback.
func NewManager(cfg Config, storage Storage, opts ...ManagerOption) *Manager {
	m := &Manager{
		storage:  storage,
		cfg:      cfg.normalize(),
		defaults: DefaultJobOptions(),
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		queues:   make(map[string]*Queue),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.fallback == nil {
		m.fallback = NewLogFallback(m.log)
	}

	return m
}

// Initialize constructs one Queue per registry entry. Idempotent: a second
// call is a no-op returning the cached result. Never panics; any failure
// leaves the system in fallback mode and reports false, because callers
// assume "initialize failed" means "keep working without queues".
func (m *Manager) Initialize(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return true
	}
	if !m.cfg.Enabled() || m.storage == nil {
		m.log.InfoContext(ctx, "queue broker not configured, running in fallback mode")
		return false
	}

	for _, name := range QueueNames() {
		m.queues[name] = &Queue{
			name:            name,
			defaults:        m.defaults,
			tuning:          TuningFor(name),
			defaultPriority: DefaultPriorityFor(name),
			log:             m.log.With(logger.Queue(name)),
		}
	}

	scheduler, err := NewScheduler(m.storage,
		WithCheckInterval(m.cfg.CheckInterval),
		WithSchedulerLogger(m.log))
	if err != nil {
		// Construction failure keeps the contract: log, stay in fallback mode.
		m.log.ErrorContext(ctx, "failed to construct scheduler", logger.Error(err))
		m.queues = make(map[string]*Queue)
		return false
	}
	m.scheduler = scheduler

	m.initialized = true
	m.log.InfoContext(ctx, "queue manager initialized",
		slog.Int("queue_count", len(m.queues)))
	return true
}

// Initialized reports whether Initialize completed successfully.
func (m *Manager) Initialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// Available reports whether a broker URL is configured.
func (m *Manager) Available() bool {
	return m.cfg.Enabled()
}

// GetQueue returns the Queue for a name, or nil when the manager is not
// initialized or the name is unknown.
func (m *Manager) GetQueue(name string) *Queue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queues[name]
}

// Scheduler returns the repeatable-job scheduler, nil before Initialize.
func (m *Manager) Scheduler() *Scheduler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scheduler
}

// AddNotification submits a job to the notifications queue. Defaults to HIGH
// priority; callers may override via options.
func (m *Manager) AddNotification(ctx context.Context, jobName string, payload any, opts ...JobOption) DispatchResult {
	return m.Add(ctx, QueueNotifications, jobName, payload, opts...)
}

// AddAnalyticsEvent submits a job to the analytics queue at LOW priority.
func (m *Manager) AddAnalyticsEvent(ctx context.Context, jobName string, payload any, opts ...JobOption) DispatchResult {
	return m.Add(ctx, QueueAnalytics, jobName, payload, opts...)
}

// AddAITask submits a job to the AI tasks queue at NORMAL priority.
func (m *Manager) AddAITask(ctx context.Context, jobName string, payload any, opts ...JobOption) DispatchResult {
	return m.Add(ctx, QueueAITasks, jobName, payload, opts...)
}

// AddLifecycleTask submits a job to the ad-lifecycle queue at NORMAL priority.
func (m *Manager) AddLifecycleTask(ctx context.Context, jobName string, payload any, opts ...JobOption) DispatchResult {
	return m.Add(ctx, QueueLifecycle, jobName, payload, opts...)
}

// AddSearchAlert submits a job to the search-alerts queue at HIGH priority.
func (m *Manager) AddSearchAlert(ctx context.Context, jobName string, payload any, opts ...JobOption) DispatchResult {
	return m.Add(ctx, QueueSearchAlerts, jobName, payload, opts...)
}

// Add submits one job. This is the single choke point implementing the
// fallback contract: broker submission first; on a missing queue (disabled
// mode) or any submission error the job goes to the fallback handler and the
// caller sees {Queued:false, Fallback:true} instead of an error.
func (m *Manager) Add(ctx context.Context, queueName, jobName string, payload any, opts ...JobOption) DispatchResult {
	raw, err := json.Marshal(payload)
	if err != nil {
		return m.dispatchFallback(ctx, queueName, jobName, nil,
			fmt.Errorf("payload not serializable: %w", err))
	}

	q := m.GetQueue(queueName)
	if q == nil {
		return m.dispatchFallback(ctx, queueName, jobName, raw, ErrNotInitialized)
	}

	job := m.buildJob(q, jobName, raw, opts)
	if err := m.storage.Enqueue(ctx, job); err != nil {
		return m.dispatchFallback(ctx, queueName, jobName, raw, err)
	}

	q.log.DebugContext(ctx, "job queued",
		logger.JobID(job.ID.String()),
		logger.JobName(jobName),
		slog.Int("priority", int(job.Priority)))

	return DispatchResult{JobID: job.ID.String(), Queued: true}
}

// ScheduleJob adds a job to run after a delay. The delay is clamped to a
// minimum of zero so a past target never schedules negatively.
func (m *Manager) ScheduleJob(ctx context.Context, queueName, jobName string, payload any, delay time.Duration, opts ...JobOption) DispatchResult {
	if delay < 0 {
		delay = 0
	}
	return m.Add(ctx, queueName, jobName, payload, append(opts, WithDelay(delay))...)
}

// AddRepeatableJob registers a recurring job described by a cron pattern.
// A missing queue or bad pattern logs and returns nil rather than erroring,
// matching the submission-path contract.
func (m *Manager) AddRepeatableJob(ctx context.Context, queueName, jobName string, payload any, cronPattern string, opts ...JobOption) *RepeatableJob {
	q := m.GetQueue(queueName)
	scheduler := m.Scheduler()
	if q == nil || scheduler == nil {
		m.log.WarnContext(ctx, "cannot register repeatable job, queue unavailable",
			logger.Queue(queueName),
			logger.JobName(jobName))
		return nil
	}

	rj, err := scheduler.Add(queueName, jobName, payload, cronPattern, opts...)
	if err != nil {
		m.log.ErrorContext(ctx, "failed to register repeatable job",
			logger.Queue(queueName),
			logger.JobName(jobName),
			logger.Error(err))
		return nil
	}
	return rj
}

// Stats aggregates per-queue counts. A failing queue contributes an Error
// entry instead of failing the whole call; the method itself never errors.
func (m *Manager) Stats(ctx context.Context) map[string]QueueStats {
	m.mu.RLock()
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.RUnlock()

	stats := make(map[string]QueueStats, len(queues))
	for _, q := range queues {
		counts, err := m.storage.Counts(ctx, q.name)
		if err != nil {
			stats[q.name] = QueueStats{Error: err.Error()}
			continue
		}
		paused, _ := m.storage.Paused(ctx, q.name)
		stats[q.name] = QueueStats{QueueCounts: counts, Paused: paused}
	}
	return stats
}

// FailedJobs returns the failed jobs of a queue in positions [start, end],
// most recent first.
func (m *Manager) FailedJobs(ctx context.Context, queueName string, start, end int) ([]Job, error) {
	if m.GetQueue(queueName) == nil {
		return nil, ErrUnknownQueue
	}
	if start < 0 {
		start = 0
	}
	if end < start {
		end = start
	}
	return m.storage.ListFailed(ctx, queueName, start, end-start+1)
}

// RetryJob re-queues a specific failed job. Returns false when the queue or
// job is not found or the job is not in failed state.
func (m *Manager) RetryJob(ctx context.Context, queueName, jobID string) bool {
	if m.GetQueue(queueName) == nil {
		return false
	}
	id, err := uuid.Parse(jobID)
	if err != nil {
		return false
	}
	if err := m.storage.Retry(ctx, queueName, id); err != nil {
		m.log.WarnContext(ctx, "failed to retry job",
			logger.Queue(queueName),
			logger.JobID(jobID),
			logger.Error(err))
		return false
	}
	return true
}

// PauseQueue stops a queue from handing out jobs without losing queued work.
func (m *Manager) PauseQueue(ctx context.Context, queueName string) error {
	if m.GetQueue(queueName) == nil {
		return ErrUnknownQueue
	}
	return m.storage.Pause(ctx, queueName)
}

// ResumeQueue reverts PauseQueue.
func (m *Manager) ResumeQueue(ctx context.Context, queueName string) error {
	if m.GetQueue(queueName) == nil {
		return ErrUnknownQueue
	}
	return m.storage.Resume(ctx, queueName)
}

// Shutdown clears the queue registry and resets the manager to the
// uninitialized state. Safe to call repeatedly and before Initialize:
// over empty maps it is a no-op.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queues = make(map[string]*Queue)
	m.scheduler = nil
	m.initialized = false
	m.log.Info("queue manager shut down")
}

func (m *Manager) buildJob(q *Queue, jobName string, raw json.RawMessage, opts []JobOption) *Job {
	options := &jobOptions{
		priority:    q.defaultPriority,
		maxAttempts: q.defaults.MaxAttempts,
		backoff:     q.defaults.Backoff,
	}
	for _, opt := range opts {
		opt(options)
	}

	now := time.Now()
	runAt := now
	if options.runAt != nil {
		runAt = *options.runAt
	} else if options.delay > 0 {
		runAt = now.Add(options.delay)
	}

	return &Job{
		ID:          uuid.New(),
		Queue:       q.name,
		Name:        jobName,
		Payload:     raw,
		Status:      JobStatusWaiting,
		Priority:    options.priority,
		MaxAttempts: options.maxAttempts,
		Backoff:     options.backoff,
		RunAt:       runAt,
		EnqueuedAt:  now,
	}
}

func (m *Manager) dispatchFallback(ctx context.Context, queueName, jobName string, raw json.RawMessage, reason error) DispatchResult {
	m.fallback.HandleFallback(ctx, queueName, jobName, raw, reason)
	return DispatchResult{Queued: false, Fallback: true}
}
