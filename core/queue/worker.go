package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ketmar/dispatch/core/logger"
	"github.com/ketmar/dispatch/pkg/ratelimiter"
)

// Worker processes jobs from a single queue. Concurrency is bounded by a
// semaphore sized from the queue's tuning; external API pressure is bounded
// by an optional token bucket, so a burst of notification jobs cannot trip
// Telegram's rate limits.
type Worker struct {
	storage  Storage
	queue    string
	handlers map[string]Handler
	workerID uuid.UUID
	sem      chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex

	limiter         *ratelimiter.Bucket
	drainDelay      time.Duration
	lockTimeout     time.Duration
	shutdownTimeout time.Duration
	log             *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	jobsProcessed atomic.Int64
	jobsFailed    atomic.Int64
	activeJobs    atomic.Int32
}

// WorkerStats provides observability metrics for monitoring and debugging.
type WorkerStats struct {
	Queue         string
	JobsProcessed int64 // successfully completed jobs
	JobsFailed    int64 // failed executions, including discarded jobs
	ActiveJobs    int32 // jobs currently being processed
	IsRunning     bool
}

type workerOptions struct {
	concurrency     int
	drainDelay      time.Duration
	rateLimit       int
	rateWindow      time.Duration
	lockTimeout     time.Duration
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// WorkerOption overrides the queue's registry tuning for one worker.
type WorkerOption func(*workerOptions)

// WithConcurrency sets the maximum number of jobs processed simultaneously.
func WithConcurrency(n int) WorkerOption {
	return func(o *workerOptions) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithDrainDelay sets the pause between claim passes.
func WithDrainDelay(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.drainDelay = d
		}
	}
}

// WithRateLimit caps job starts at n per window. Zero n disables limiting.
func WithRateLimit(n int, window time.Duration) WorkerOption {
	return func(o *workerOptions) {
		o.rateLimit = n
		o.rateWindow = window
	}
}

// WithLockTimeout sets how long a claimed job stays locked to this worker.
func WithLockTimeout(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.lockTimeout = d
		}
	}
}

// WithShutdownTimeout bounds how long Stop waits for in-flight jobs.
func WithShutdownTimeout(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}

// WithWorkerLogger sets the logger for worker operations.
func WithWorkerLogger(log *slog.Logger) WorkerOption {
	return func(o *workerOptions) {
		if log != nil {
			o.logger = log
		}
	}
}

// NewWorker creates a worker for one registered queue. Tuning defaults come
// from the registry; options override them.
func NewWorker(storage Storage, queueName string, opts ...WorkerOption) (*Worker, error) {
	if storage == nil {
		return nil, ErrStorageNil
	}
	if !KnownQueue(queueName) {
		return nil, ErrUnknownQueue
	}

	tuning := TuningFor(queueName)
	options := &workerOptions{
		concurrency:     tuning.Concurrency,
		drainDelay:      tuning.DrainDelay,
		rateLimit:       tuning.RateLimit,
		rateWindow:      tuning.RateWindow,
		lockTimeout:     2 * time.Minute,
		shutdownTimeout: 30 * time.Second,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(options)
	}

	var limiter *ratelimiter.Bucket
	if options.rateLimit > 0 {
		var err error
		limiter, err = ratelimiter.NewBucket(ratelimiter.NewMemoryStore(), ratelimiter.Config{
			Capacity:       options.rateLimit,
			RefillRate:     options.rateLimit,
			RefillInterval: options.rateWindow,
		})
		if err != nil {
			return nil, fmt.Errorf("invalid rate limit for %q: %w", queueName, err)
		}
	}

	return &Worker{
		storage:         storage,
		queue:           queueName,
		handlers:        make(map[string]Handler),
		workerID:        uuid.New(),
		sem:             make(chan struct{}, options.concurrency),
		limiter:         limiter,
		drainDelay:      options.drainDelay,
		lockTimeout:     options.lockTimeout,
		shutdownTimeout: options.shutdownTimeout,
		log:             options.logger.With(logger.Queue(queueName)),
	}, nil
}

// RegisterHandler registers a job handler. Registering the same name twice
// returns ErrAlreadyRegistered so a wiring mistake fails loudly at startup.
func (w *Worker) RegisterHandler(handler Handler) error {
	if handler == nil {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.handlers[handler.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, handler.Name())
	}
	w.handlers[handler.Name()] = handler
	return nil
}

// RegisterHandlers registers multiple job handlers.
func (w *Worker) RegisterHandlers(handlers ...Handler) error {
	for _, h := range handlers {
		if err := w.RegisterHandler(h); err != nil {
			return err
		}
	}
	return nil
}

// HandlerCount returns the number of registered handlers.
func (w *Worker) HandlerCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.handlers)
}

// Queue returns the queue name this worker processes.
func (w *Worker) Queue() string {
	return w.queue
}

// Start begins processing jobs. Blocking; runs until the context is
// cancelled or Stop is called. Use Run for errgroup coordination.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return fmt.Errorf("worker already started")
	}
	if len(w.handlers) == 0 {
		w.mu.Unlock()
		return ErrHandlerNotFound
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.log.InfoContext(w.ctx, "worker started",
		logger.WorkerID(w.workerID.String()),
		slog.Int("concurrency", cap(w.sem)),
		slog.Duration("drain_delay", w.drainDelay))

	ticker := time.NewTicker(w.drainDelay)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			w.log.Info("worker stopping")
			return w.ctx.Err()
		case <-ticker.C:
			w.drain()
		}
	}
}

// drain claims jobs until the queue is empty, all slots are busy, or the
// rate limit window is exhausted.
func (w *Worker) drain() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case w.sem <- struct{}{}:
		default:
			return
		}

		if w.limiter != nil {
			result, err := w.limiter.Allow(w.ctx, w.queue)
			if err != nil || !result.Allowed() {
				<-w.sem
				return
			}
		}

		job, err := w.storage.Claim(w.ctx, w.queue, w.workerID, w.lockTimeout)
		if err != nil || job == nil {
			<-w.sem
			if err != nil && !errors.Is(err, ErrNoJobToClaim) && !errors.Is(err, ErrQueuePaused) && w.ctx.Err() == nil {
				w.log.ErrorContext(w.ctx, "failed to claim job", logger.Error(err))
			}
			return
		}

		// Stop() waits on the group; pairing Add with the held slot keeps the
		// count consistent under a concurrent shutdown.
		w.mu.RLock()
		if w.cancel == nil {
			w.mu.RUnlock()
			<-w.sem
			return
		}
		w.wg.Add(1)
		w.mu.RUnlock()

		go func() {
			defer w.wg.Done()
			defer func() { <-w.sem }()
			w.processJob(job)
		}()
	}
}

// processJob executes one claimed job with panic recovery.
func (w *Worker) processJob(job *Job) {
	start := time.Now()

	w.activeJobs.Add(1)
	defer w.activeJobs.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			w.log.ErrorContext(w.ctx, "handler panicked",
				logger.JobID(job.ID.String()),
				logger.JobName(job.Name),
				slog.Any("panic", r))
			w.handleFailure(job, fmt.Errorf("panic in handler: %v", r), time.Since(start))
		}
	}()

	w.mu.RLock()
	handler, ok := w.handlers[job.Name]
	w.mu.RUnlock()

	if !ok {
		w.handleMissingHandler(job)
		return
	}

	// Jobs run on an independent context bounded by the lock timeout, so a
	// graceful worker shutdown does not cut running handlers short.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(w.ctx), w.lockTimeout)
	defer cancel()

	err := handler.Handle(ctx, job.Payload)
	duration := time.Since(start)

	if err != nil {
		w.handleFailure(job, err, duration)
		return
	}
	w.handleSuccess(job, duration)
}

// handleMissingHandler discards the job: without a handler every retry would
// fail identically, so it goes straight to failed state for inspection.
func (w *Worker) handleMissingHandler(job *Job) {
	w.jobsFailed.Add(1)

	w.log.ErrorContext(w.ctx, "no handler registered for job",
		logger.JobID(job.ID.String()),
		logger.JobName(job.Name))

	errMsg := "no handler registered for job: " + job.Name
	if err := w.storage.Discard(context.WithoutCancel(w.ctx), w.queue, job.ID, errMsg); err != nil {
		w.log.ErrorContext(w.ctx, "failed to discard job",
			logger.JobID(job.ID.String()),
			logger.Error(err))
	}
}

func (w *Worker) handleFailure(job *Job, execErr error, duration time.Duration) {
	w.jobsFailed.Add(1)

	w.log.ErrorContext(w.ctx, "job failed",
		logger.JobID(job.ID.String()),
		logger.JobName(job.Name),
		logger.Attempt(int(job.Attempts)+1),
		slog.Int("max_attempts", int(job.MaxAttempts)),
		logger.Duration(duration),
		logger.Error(execErr))

	if err := w.storage.Fail(context.WithoutCancel(w.ctx), w.queue, job.ID, execErr.Error()); err != nil {
		w.log.ErrorContext(w.ctx, "failed to record job failure",
			logger.JobID(job.ID.String()),
			logger.Error(err))
	}
}

func (w *Worker) handleSuccess(job *Job, duration time.Duration) {
	if err := w.storage.Complete(context.WithoutCancel(w.ctx), w.queue, job.ID); err != nil {
		w.log.ErrorContext(w.ctx, "failed to mark job completed",
			logger.JobID(job.ID.String()),
			logger.Error(err))
		return
	}

	w.jobsProcessed.Add(1)

	w.log.InfoContext(w.ctx, "job completed",
		logger.JobID(job.ID.String()),
		logger.JobName(job.Name),
		logger.Duration(duration))
}

// Stop gracefully shuts down the worker, waiting up to the shutdown timeout
// for in-flight jobs.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if w.cancel == nil {
		w.mu.Unlock()
		return ErrWorkerNotRunning
	}
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	cancel()

	w.log.Info("worker stopping, waiting for active jobs",
		logger.WorkerID(w.workerID.String()),
		slog.Duration("timeout", w.shutdownTimeout))

	ctx, ctxCancel := context.WithTimeout(context.Background(), w.shutdownTimeout)
	defer ctxCancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.log.Info("worker stopped cleanly", logger.WorkerID(w.workerID.String()))
		return nil
	case <-ctx.Done():
		w.log.Warn("worker shutdown timeout exceeded, abandoned jobs will be released by the janitor",
			logger.WorkerID(w.workerID.String()),
			slog.Duration("timeout", w.shutdownTimeout))
		return fmt.Errorf("shutdown timeout exceeded after %s", w.shutdownTimeout)
	}
}

// Run provides errgroup compatibility for coordinated lifecycle management.
func (w *Worker) Run(ctx context.Context) func() error {
	return func() error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- w.Start(ctx)
		}()

		select {
		case <-ctx.Done():
			_ = w.Stop()
			<-errCh
			return nil
		case err := <-errCh:
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
	}
}

// Stats returns current worker metrics. Thread-safe.
func (w *Worker) Stats() WorkerStats {
	w.mu.RLock()
	isRunning := w.cancel != nil
	w.mu.RUnlock()

	return WorkerStats{
		Queue:         w.queue,
		JobsProcessed: w.jobsProcessed.Load(),
		JobsFailed:    w.jobsFailed.Load(),
		ActiveJobs:    w.activeJobs.Load(),
		IsRunning:     isRunning,
	}
}

// Healthcheck validates that the worker is running and not saturated.
//
// The returned error can be checked with errors.Is:
//
//	if errors.Is(err, queue.ErrWorkerNotRunning) { ... }
//	if errors.Is(err, queue.ErrWorkerOverloaded) { ... }
func (w *Worker) Healthcheck(ctx context.Context) error {
	stats := w.Stats()

	if !stats.IsRunning {
		return errors.Join(ErrHealthcheckFailed, ErrWorkerNotRunning)
	}

	capacity := int32(cap(w.sem))
	if stats.ActiveJobs >= capacity {
		return errors.Join(ErrHealthcheckFailed, ErrWorkerOverloaded,
			fmt.Errorf("%d/%d slots busy", stats.ActiveJobs, capacity))
	}

	return nil
}
