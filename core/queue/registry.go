package queue

import "time"

// Broker-safe queue names. The broker reserves the colon character for its
// own key namespacing, so queue identifiers use dashes only.
const (
	QueueNotifications = "ketmar-notifications"
	QueueAnalytics     = "ketmar-analytics"
	QueueAITasks       = "ketmar-ai-tasks"
	QueueLifecycle     = "ketmar-lifecycle"
	QueueSearchAlerts  = "ketmar-search-alerts"
)

// Job names understood by the workers of each queue family.
const (
	JobSendMessage  = "send-message"
	JobSendPhoto    = "send-photo"
	JobSendCallback = "send-callback"
	JobSendBatch    = "send-batch"

	JobTrackEvent = "track-event"

	JobAITask = "ai-task"

	JobExpirationCheck = "expiration-check"
	JobExpireAd        = "expire-ad"
	JobRepublishAd     = "republish-ad"
	JobSellerReminder  = "seller-reminder"
	JobCleanupExpired  = "cleanup-expired"

	JobNewAdCheck     = "new-ad-check"
	JobUserAlertMatch = "user-alert-match"
	JobBulkScan       = "bulk-scan"
	JobAlertCleanup   = "cleanup"
)

// JobDefaults holds the default job options shared by every queue: retry
// budget, exponential backoff base, and retention of finished jobs.
type JobDefaults struct {
	MaxAttempts   int8          // retries before a job lands in failed state
	Backoff       time.Duration // base delay, doubled on each retry
	KeepCompleted int           // completed jobs retained beyond the age cutoff
	CompletedAge  time.Duration // completed jobs older than this are pruned
	FailedAge     time.Duration // failed jobs are kept longer for inspection
}

// DefaultJobOptions returns the shared default job options applied to every
// queue unless a submission overrides them.
func DefaultJobOptions() JobDefaults {
	return JobDefaults{
		MaxAttempts:   3,
		Backoff:       5 * time.Second,
		KeepCompleted: 1000,
		CompletedAge:  time.Hour,
		FailedAge:     7 * 24 * time.Hour,
	}
}

// WorkerTuning configures a queue's consumer: concurrency limit, an optional
// rate limit expressed as max jobs per window, and the drain delay an idle
// worker waits between polls.
type WorkerTuning struct {
	Concurrency int
	RateLimit   int           // 0 disables rate limiting
	RateWindow  time.Duration // window for RateLimit
	DrainDelay  time.Duration
}

// workerTunings reflects the relative cost of each job family: analytics jobs
// are cheap and batched, AI tasks are expensive and throttled hard.
var workerTunings = map[string]WorkerTuning{
	QueueNotifications: {Concurrency: 5, RateLimit: 30, RateWindow: time.Second, DrainDelay: 250 * time.Millisecond},
	QueueAnalytics:     {Concurrency: 20, RateLimit: 0, RateWindow: 0, DrainDelay: time.Second},
	QueueAITasks:       {Concurrency: 3, RateLimit: 10, RateWindow: time.Minute, DrainDelay: time.Second},
	QueueLifecycle:     {Concurrency: 5, RateLimit: 0, RateWindow: 0, DrainDelay: 500 * time.Millisecond},
	QueueSearchAlerts:  {Concurrency: 8, RateLimit: 0, RateWindow: 0, DrainDelay: 500 * time.Millisecond},
}

// defaultPriorities maps each queue to the priority applied when a submission
// does not specify one. Notifications and alert matches are user-facing,
// analytics feeds background aggregation.
var defaultPriorities = map[string]Priority{
	QueueNotifications: PriorityHigh,
	QueueAnalytics:     PriorityLow,
	QueueAITasks:       PriorityNormal,
	QueueLifecycle:     PriorityNormal,
	QueueSearchAlerts:  PriorityHigh,
}

// QueueNames returns the fixed set of queues in registration order.
func QueueNames() []string {
	return []string{
		QueueNotifications,
		QueueAnalytics,
		QueueAITasks,
		QueueLifecycle,
		QueueSearchAlerts,
	}
}

// KnownQueue reports whether name is one of the registered queues.
func KnownQueue(name string) bool {
	_, ok := workerTunings[name]
	return ok
}

// TuningFor returns the worker tuning for a queue, or a conservative default
// for names outside the registry.
func TuningFor(queue string) WorkerTuning {
	if t, ok := workerTunings[queue]; ok {
		return t
	}
	return WorkerTuning{Concurrency: 1, DrainDelay: time.Second}
}

// DefaultPriorityFor returns the queue's default submission priority.
func DefaultPriorityFor(queue string) Priority {
	if p, ok := defaultPriorities[queue]; ok {
		return p
	}
	return PriorityNormal
}
