package queue

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/ketmar/dispatch/core/logger"
)

// FallbackHandler receives jobs that could not be submitted to the broker,
// either because queuing is disabled or because the submission failed.
//
// The fallback policy is a deliberate, documented choice: the handler decides
// whether a dropped submission means "drop", "spool locally", or "execute
// inline". Whatever the choice, it must never be silent: the shipped
// LogFallback records every dropped job.
type FallbackHandler interface {
	HandleFallback(ctx context.Context, queueName, jobName string, payload json.RawMessage, reason error)
}

// FallbackFunc adapts a function to the FallbackHandler interface.
type FallbackFunc func(ctx context.Context, queueName, jobName string, payload json.RawMessage, reason error)

func (f FallbackFunc) HandleFallback(ctx context.Context, queueName, jobName string, payload json.RawMessage, reason error) {
	f(ctx, queueName, jobName, payload, reason)
}

// LogFallback is the default fallback policy: log and drop. It does not
// execute the business handler inline because job handlers are external
// collaborators unknown to the queue layer. Deployments that need inline
// execution or a durable spool inject their own FallbackHandler.
type LogFallback struct {
	log *slog.Logger
}

// NewLogFallback creates the log-and-drop fallback policy.
func NewLogFallback(log *slog.Logger) *LogFallback {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &LogFallback{log: log}
}

func (f *LogFallback) HandleFallback(ctx context.Context, queueName, jobName string, payload json.RawMessage, reason error) {
	f.log.WarnContext(ctx, "job not queued, dropping per fallback policy",
		logger.Queue(queueName),
		logger.JobName(jobName),
		slog.Int("payload_bytes", len(payload)),
		logger.Error(reason))
}
