package queue_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ketmar/dispatch/core/queue"
)

func TestFallbackFunc(t *testing.T) {
	t.Parallel()

	var gotQueue, gotJob string
	var gotReason error
	fn := queue.FallbackFunc(func(ctx context.Context, queueName, jobName string, payload json.RawMessage, reason error) {
		gotQueue = queueName
		gotJob = jobName
		gotReason = reason
	})

	reason := errors.New("broker down")
	fn.HandleFallback(context.Background(), queue.QueueAnalytics, queue.JobTrackEvent, json.RawMessage(`{}`), reason)

	assert.Equal(t, queue.QueueAnalytics, gotQueue)
	assert.Equal(t, queue.JobTrackEvent, gotJob)
	assert.ErrorIs(t, gotReason, reason)
}

func TestLogFallback(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	fb := queue.NewLogFallback(slog.New(slog.NewTextHandler(&buf, nil)))

	fb.HandleFallback(context.Background(), queue.QueueNotifications, queue.JobSendMessage,
		json.RawMessage(`{"text":"hi"}`), queue.ErrNotInitialized)

	out := buf.String()
	assert.Contains(t, out, "dropping per fallback policy")
	assert.Contains(t, out, queue.QueueNotifications)
	assert.Contains(t, out, queue.JobSendMessage)
}

func TestNewLogFallback_NilLoggerSafe(t *testing.T) {
	t.Parallel()

	fb := queue.NewLogFallback(nil)
	assert.NotPanics(t, func() {
		fb.HandleFallback(context.Background(), queue.QueueAnalytics, queue.JobTrackEvent, nil, nil)
	})
}
