package queue

import "errors"

// Package-level error definitions. Use errors.Is() to check error types.
var (
	ErrStorageNil         = errors.New("storage cannot be nil")
	ErrNotInitialized     = errors.New("queue manager not initialized")
	ErrUnknownQueue       = errors.New("unknown queue")
	ErrJobNotFound        = errors.New("job not found")
	ErrNoJobToClaim       = errors.New("no job available to claim")
	ErrQueuePaused        = errors.New("queue is paused")
	ErrJobNotFailed       = errors.New("job is not in failed state")
	ErrJobNotActive       = errors.New("job is not in active state")
	ErrHandlerNotFound    = errors.New("no handler registered for job name")
	ErrInvalidPriority    = errors.New("priority out of range")
	ErrInvalidCronPattern = errors.New("invalid cron pattern")
	ErrAlreadyRegistered  = errors.New("already registered")
	ErrWorkerNotRunning   = errors.New("worker is not running")
	ErrWorkerOverloaded   = errors.New("worker is overloaded")
	ErrHealthcheckFailed  = errors.New("healthcheck failed")
)
