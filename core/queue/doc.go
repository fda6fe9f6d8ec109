// Package queue implements the asynchronous job subsystem of the
// marketplace: a fixed registry of five queues over a Redis broker, with
// priority scheduling, delayed and repeatable jobs, retry with exponential
// backoff, and per-queue workers with bounded concurrency and rate limits.
//
// # Architecture
//
// Storage is the broker contract; RedisStorage implements it over ZSET-based
// queues and MemoryStorage mirrors the same semantics in process for tests
// and local development. Manager owns the queue registry and every
// submission path. EventProducer is the facade application code calls; it
// translates domain events into named jobs. Worker consumes one queue.
// Scheduler keeps repeatable cron jobs flowing. Service wires all of it
// together with a janitor for stalled-job release and retention pruning.
//
// # Fallback Contract
//
// Submissions never fail the caller. When the broker is unconfigured
// (disabled mode) or a submission errors, the job payload goes to the
// FallbackHandler and the caller receives:
//
//	DispatchResult{Queued: false, Fallback: true}
//
// The default policy logs and drops. Applications wanting synchronous
// degradation plug their own handler:
//
//	svc := queue.NewService(cfg,
//		queue.WithStorage(storage),
//		queue.WithServiceFallback(queue.FallbackFunc(func(ctx context.Context, q, name string, payload json.RawMessage, reason error) {
//			// execute inline, write to an outbox table, etc.
//		})),
//	)
//
// # Priorities
//
// Lower values are served first: PriorityUrgent(1) before PriorityHigh(2)
// before PriorityNormal(3) before PriorityLow(4). FIFO order holds within a
// priority class.
//
// # Usage
//
//	cfg := queue.DefaultConfig()
//	svc := queue.NewService(cfg,
//		queue.WithStorage(storage),
//		queue.WithQueueHandlers(queue.QueueNotifications,
//			queue.NewHandler(queue.JobSendMessage, sendMessage),
//		),
//	)
//	result := svc.Initialize(ctx)
//	if result.Fallback {
//		log.Println("queues disabled, running in fallback mode")
//	}
//
//	producer := svc.Producer()
//	producer.SendNotification(ctx, "123456", "Your ad is live")
//	producer.TrackEvent(ctx, "ad_published", "user-1", nil)
//
//	defer svc.Shutdown(context.Background())
//
// Repeatable jobs use standard 5-field cron patterns:
//
//	svc.Manager().AddRepeatableJob(ctx, queue.QueueLifecycle, queue.JobCleanupExpired,
//		queue.LifecyclePayload{Action: queue.LifecycleCleanup, Data: map[string]any{"older_than_days": 90}},
//		"0 3 * * *")
package queue
