package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ketmar/dispatch/core/logger"
)

// Health status values reported by Service.Health.
const (
	HealthDisabled = "disabled"
	HealthHealthy  = "healthy"
	HealthError    = "error"
)

// InitResult reports the outcome of Service.Initialize. Fallback true means
// the process keeps running without queues and every submission takes the
// fallback path.
type InitResult struct {
	Initialized    bool
	Fallback       bool
	WorkersStarted int
}

// HealthReport is the never-failing health snapshot of the subsystem.
type HealthReport struct {
	Status  string
	Error   string                `json:",omitempty"`
	Queues  map[string]QueueStats `json:",omitempty"`
	Workers []WorkerStats         `json:",omitempty"`
}

// Service wires the queue subsystem together: manager, producer, per-queue
// workers, the repeatable-job scheduler, and the janitor that releases
// stalled jobs and prunes finished history.
type Service struct {
	cfg      Config
	storage  Storage
	manager  *Manager
	producer *EventProducer
	fallback FallbackHandler
	log      *slog.Logger

	handlers map[string][]Handler

	mu       sync.Mutex
	workers  []*Worker
	group    *errgroup.Group
	cancel   context.CancelFunc
	result   *InitResult
	shutdown bool
}

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// WithServiceLogger sets the logger shared by all subsystem components.
func WithServiceLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithStorage injects the broker storage. Without it the service runs in
// disabled mode.
func WithStorage(storage Storage) ServiceOption {
	return func(s *Service) {
		s.storage = storage
	}
}

// WithServiceFallback replaces the default log-and-drop fallback policy for
// submissions that cannot reach the broker.
func WithServiceFallback(h FallbackHandler) ServiceOption {
	return func(s *Service) {
		if h != nil {
			s.fallback = h
		}
	}
}

// WithQueueHandlers registers job handlers for a queue. Workers are started
// only for queues that have at least one handler.
func WithQueueHandlers(queueName string, handlers ...Handler) ServiceOption {
	return func(s *Service) {
		s.handlers[queueName] = append(s.handlers[queueName], handlers...)
	}
}

// NewService creates the queue subsystem facade. Construction never touches
// the broker; Initialize does.
func NewService(cfg Config, opts ...ServiceOption) *Service {
	s := &Service{
		cfg:      cfg.normalize(),
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		handlers: make(map[string][]Handler),
	}

	for _, opt := range opts {
		opt(s)
	}

	managerOpts := []ManagerOption{WithManagerLogger(s.log)}
	if s.fallback != nil {
		managerOpts = append(managerOpts, WithFallbackHandler(s.fallback))
	}
	s.manager = NewManager(cfg, s.storage, managerOpts...)
	s.producer, _ = NewEventProducer(s.manager)

	return s
}

// Manager exposes the queue manager for admin operations (stats, retry,
// pause/resume).
func (s *Service) Manager() *Manager {
	return s.manager
}

// Producer exposes the event producer, the API application code enqueues
// through.
func (s *Service) Producer() *EventProducer {
	return s.producer
}

// RegisterHandlers adds job handlers for a queue before Initialize.
func (s *Service) RegisterHandlers(queueName string, handlers ...Handler) error {
	if !KnownQueue(queueName) {
		return ErrUnknownQueue
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result != nil {
		return errors.New("handlers must be registered before Initialize")
	}
	s.handlers[queueName] = append(s.handlers[queueName], handlers...)
	return nil
}

// Initialize brings the subsystem up: queue registry, workers for every
// queue with handlers, scheduler, and janitor. Never returns an error; any
// failure leaves the system in fallback mode. Idempotent, a second call
// returns the first result.
func (s *Service) Initialize(ctx context.Context) InitResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.result != nil {
		return *s.result
	}

	if !s.manager.Initialize(ctx) {
		s.log.InfoContext(ctx, "queue subsystem running in fallback mode")
		s.result = &InitResult{Fallback: true}
		return *s.result
	}

	// The run context outlives the Initialize caller's context; lifecycle
	// ends at Shutdown, not when the init request finishes.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	group, groupCtx := errgroup.WithContext(runCtx)
	s.cancel = cancel
	s.group = group

	started := 0
	for _, queueName := range QueueNames() {
		handlers := s.handlers[queueName]
		if len(handlers) == 0 {
			continue
		}

		worker, err := NewWorker(s.storage, queueName,
			WithLockTimeout(s.cfg.LockTimeout),
			WithShutdownTimeout(s.cfg.ShutdownTimeout),
			WithWorkerLogger(s.log))
		if err != nil {
			s.log.ErrorContext(ctx, "failed to construct worker",
				logger.Queue(queueName),
				logger.Error(err))
			continue
		}
		if err := worker.RegisterHandlers(handlers...); err != nil {
			s.log.ErrorContext(ctx, "failed to register handlers",
				logger.Queue(queueName),
				logger.Error(err))
			continue
		}

		s.workers = append(s.workers, worker)
		group.Go(worker.Run(groupCtx))
		started++
	}

	if scheduler := s.manager.Scheduler(); scheduler != nil {
		if err := scheduler.Start(groupCtx); err != nil {
			s.log.ErrorContext(ctx, "failed to start scheduler", logger.Error(err))
		}
	}

	group.Go(func() error {
		s.janitor(groupCtx)
		return nil
	})

	s.log.InfoContext(ctx, "queue subsystem initialized",
		logger.Count("workers", started))

	s.result = &InitResult{Initialized: true, WorkersStarted: started}
	return *s.result
}

// Run is the blocking entrypoint for process supervisors: initialize, serve
// until the context is cancelled, then shut down.
func (s *Service) Run(ctx context.Context) error {
	s.Initialize(ctx)
	<-ctx.Done()
	return s.Shutdown(context.WithoutCancel(ctx))
}

// Shutdown stops the subsystem in dependency order: workers first so no new
// jobs are claimed, then scheduler and janitor, then the manager registry,
// then storage. Idempotent; repeated calls are no-ops.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	workers := s.workers
	cancel := s.cancel
	group := s.group
	s.mu.Unlock()

	var errs []error

	for _, w := range workers {
		if err := w.Stop(); err != nil && !errors.Is(err, ErrWorkerNotRunning) {
			errs = append(errs, err)
		}
	}

	if scheduler := s.manager.Scheduler(); scheduler != nil {
		scheduler.Stop()
	}

	if cancel != nil {
		cancel()
	}
	if group != nil {
		if err := group.Wait(); err != nil {
			errs = append(errs, err)
		}
	}

	s.manager.Shutdown()

	if s.storage != nil {
		if err := s.storage.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	s.log.InfoContext(ctx, "queue subsystem shut down")
	return errors.Join(errs...)
}

// Health reports subsystem health without ever failing: health endpoints
// must stay up when the broker is down.
func (s *Service) Health(ctx context.Context) HealthReport {
	if !s.cfg.Enabled() || s.storage == nil {
		return HealthReport{Status: HealthDisabled}
	}

	report := HealthReport{
		Status: HealthHealthy,
		Queues: s.manager.Stats(ctx),
	}

	var broken []string
	for name, stats := range report.Queues {
		if stats.Error != "" {
			broken = append(broken, name+": "+stats.Error)
		}
	}
	if len(broken) > 0 {
		report.Status = HealthError
		report.Error = strings.Join(broken, "; ")
	}

	s.mu.Lock()
	for _, w := range s.workers {
		report.Workers = append(report.Workers, w.Stats())
	}
	s.mu.Unlock()

	return report
}

// janitor periodically releases stalled jobs back to their queues and prunes
// finished history per the retention policy.
func (s *Service) janitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.JanitorInterval)
	defer ticker.Stop()

	defaults := DefaultJobOptions()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			ret := Retention{
				CompletedBefore: now.Add(-defaults.CompletedAge),
				FailedBefore:    now.Add(-defaults.FailedAge),
				KeepCompleted:   defaults.KeepCompleted,
			}

			for _, queueName := range QueueNames() {
				released, err := s.storage.ReleaseExpired(ctx, queueName)
				if err != nil && ctx.Err() == nil {
					s.log.ErrorContext(ctx, "failed to release stalled jobs",
						logger.Queue(queueName),
						logger.Error(err))
				} else if released > 0 {
					s.log.WarnContext(ctx, "released stalled jobs",
						logger.Queue(queueName),
						logger.Count("released", released))
				}

				pruned, err := s.storage.PruneFinished(ctx, queueName, ret)
				if err != nil && ctx.Err() == nil {
					s.log.ErrorContext(ctx, "failed to prune finished jobs",
						logger.Queue(queueName),
						logger.Error(err))
				} else if pruned > 0 {
					s.log.DebugContext(ctx, "pruned finished jobs",
						logger.Queue(queueName),
						logger.Count("pruned", pruned))
				}
			}
		}
	}
}
