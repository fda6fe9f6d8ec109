// Package redis provides Redis client initialization, a lazy connection
// provider, and health checking for the queue broker.
//
// Connect wraps the go-redis client with URL validation, exponential backoff
// retries, and a verification ping. Provider adds lazy, memoized access with
// first-class handling of the unconfigured case: when no URL is set, Get
// returns (nil, nil) so the queue subsystem can run in fallback mode instead
// of failing startup.
//
// # Configuration
//
// All configuration is handled through the Config struct with environment
// variable mapping:
//
//	type Config struct {
//		ConnectionURL    string        `env:"QUEUE_REDIS_URL"`
//		ConnectionURLAlt string        `env:"REDIS_URL"`
//		RetryAttempts    int           `env:"REDIS_RETRY_ATTEMPTS" envDefault:"3"`
//		RetryInterval    time.Duration `env:"REDIS_RETRY_INTERVAL" envDefault:"5s"`
//		ConnectTimeout   time.Duration `env:"REDIS_CONNECT_TIMEOUT" envDefault:"30s"`
//	}
//
// Both redis:// and rediss:// (TLS) URL schemes are supported; other schemes
// are rejected with ErrFailedToParseConnString.
//
// # Usage
//
//	provider := redis.NewProvider(cfg)
//	defer provider.Close()
//
//	client, err := provider.Get(ctx)
//	if err != nil {
//		log.Printf("broker unavailable, running degraded: %v", err)
//	}
//	if client == nil {
//		// unconfigured, skip queue wiring
//	}
//
// # Queue wiring
//
// The provider feeds the queue subsystem its broker client. The storage does
// not own the client, so shut the queue service down first and close the
// provider last:
//
//	provider := redis.NewProvider(redis.DefaultConfig())
//	defer provider.Close()
//
//	client, err := provider.Get(ctx)
//	if err != nil || client == nil {
//		// run the queue service without storage, it degrades to fallback
//	}
//
//	storage, err := queue.NewRedisStorage(client)
//	if err != nil {
//		return err
//	}
//
//	svc := queue.NewService(cfg, queue.WithStorage(storage))
//	svc.Initialize(ctx)
//	defer svc.Shutdown(ctx)
//
// # Health Checking
//
// Provider.Healthcheck suits readiness probes: it pings only an established
// client and treats "not connected yet" as healthy, so a deliberately
// queue-less deployment does not page anyone.
//
//	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
//		if err := provider.Healthcheck(r.Context()); err != nil {
//			http.Error(w, "redis unhealthy", http.StatusServiceUnavailable)
//			return
//		}
//		w.WriteHeader(http.StatusOK)
//	})
package redis
