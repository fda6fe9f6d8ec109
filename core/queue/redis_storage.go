package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// promoteBatch bounds how many due delayed jobs one Claim call promotes.
const promoteBatch = 100

// claimScript moves the lowest-scored waiting job into the active set in one
// atomic step. KEYS[1] is the waiting set, KEYS[2] the active set, ARGV[1]
// the lock deadline score.
var claimScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
	return false
end
redis.call('ZADD', KEYS[2], ARGV[1], popped[1])
return popped[1]
`)

// RedisStorage implements Storage over a Redis-compatible broker.
//
// Key layout per queue (queue names carry no colon, the colon is the key
// namespace separator):
//
//	<queue>:job:<id>   JSON job record
//	<queue>:seq        submission counter for FIFO tiebreaking
//	<queue>:waiting    ZSET scored by (priority, seq)
//	<queue>:delayed    ZSET scored by run-at (unix ms)
//	<queue>:active     ZSET scored by lock deadline (unix ms)
//	<queue>:completed  ZSET scored by finish time (unix ms)
//	<queue>:failed     ZSET scored by finish time (unix ms)
//	<queue>:paused     flag key
//
// Claims run a small Lua script popping from the waiting set and indexing
// into the active set in one step, so a crash mid-claim can never strand a
// job outside every index; delayed-to-waiting promotion uses idempotent
// ZADD/ZREM pipelines, so a racing promotion cannot duplicate a job.
type RedisStorage struct {
	client *redis.Client
}

// NewRedisStorage creates a Storage over an established Redis client. The
// client's lifecycle belongs to the connection provider, not the storage.
func NewRedisStorage(client *redis.Client) (*RedisStorage, error) {
	if client == nil {
		return nil, ErrStorageNil
	}
	return &RedisStorage{client: client}, nil
}

func (rs *RedisStorage) Enqueue(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job cannot be nil")
	}
	if !job.Priority.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, job.Priority)
	}

	jobCopy := *job
	now := time.Now()
	if jobCopy.RunAt.After(now) {
		jobCopy.Status = JobStatusDelayed
	} else {
		jobCopy.Status = JobStatusWaiting
	}

	if jobCopy.Status == JobStatusDelayed {
		if err := rs.storeJob(ctx, &jobCopy); err != nil {
			return err
		}
		return rs.client.ZAdd(ctx, key(jobCopy.Queue, "delayed"), redis.Z{
			Score:  float64(jobCopy.RunAt.UnixMilli()),
			Member: jobCopy.ID.String(),
		}).Err()
	}

	score, err := rs.waitingScore(ctx, jobCopy.Queue, jobCopy.Priority)
	if err != nil {
		return err
	}
	if err := rs.storeJob(ctx, &jobCopy); err != nil {
		return err
	}
	return rs.client.ZAdd(ctx, key(jobCopy.Queue, "waiting"), redis.Z{
		Score:  score,
		Member: jobCopy.ID.String(),
	}).Err()
}

func (rs *RedisStorage) Claim(ctx context.Context, queue string, workerID uuid.UUID, lock time.Duration) (*Job, error) {
	paused, err := rs.Paused(ctx, queue)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, ErrQueuePaused
	}

	if err := rs.promoteDue(ctx, queue); err != nil {
		return nil, err
	}

	lockUntil := time.Now().Add(lock)
	popped, err := claimScript.Run(ctx, rs.client,
		[]string{key(queue, "waiting"), key(queue, "active")},
		lockUntil.UnixMilli()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoJobToClaim
		}
		return nil, fmt.Errorf("failed to pop waiting job: %w", err)
	}

	jobID, err := uuid.Parse(popped.(string))
	if err != nil {
		return nil, fmt.Errorf("malformed job id in waiting set: %w", err)
	}

	job, err := rs.loadJob(ctx, queue, jobID)
	if err != nil {
		return nil, err
	}

	// The indexes already moved; the record update is recovered by
	// ReleaseExpired if this write never lands.
	job.Status = JobStatusActive
	job.LockedUntil = &lockUntil
	job.LockedBy = &workerID
	if err := rs.storeJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to activate job %s: %w", job.ID, err)
	}

	return job, nil
}

func (rs *RedisStorage) Complete(ctx context.Context, queue string, jobID uuid.UUID) error {
	job, err := rs.loadJob(ctx, queue, jobID)
	if err != nil {
		return err
	}
	if job.Status != JobStatusActive {
		return ErrJobNotActive
	}

	now := time.Now()
	job.Status = JobStatusCompleted
	job.FinishedAt = &now
	job.LockedUntil = nil
	job.LockedBy = nil

	pipe := rs.client.TxPipeline()
	rs.storeJobPipe(ctx, pipe, job)
	pipe.ZRem(ctx, key(queue, "active"), jobID.String())
	pipe.ZAdd(ctx, key(queue, "completed"), redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: jobID.String(),
	})
	_, err = pipe.Exec(ctx)
	return err
}

func (rs *RedisStorage) Fail(ctx context.Context, queue string, jobID uuid.UUID, errMsg string) error {
	job, err := rs.loadJob(ctx, queue, jobID)
	if err != nil {
		return err
	}
	if job.Status != JobStatusActive {
		return ErrJobNotActive
	}
	return rs.transitionFailed(ctx, job, errMsg, false)
}

// Discard parks an active job in failed state immediately, bypassing the
// retry budget.
func (rs *RedisStorage) Discard(ctx context.Context, queue string, jobID uuid.UUID, errMsg string) error {
	job, err := rs.loadJob(ctx, queue, jobID)
	if err != nil {
		return err
	}
	if job.Status != JobStatusActive {
		return ErrJobNotActive
	}

	now := time.Now()
	job.Status = JobStatusFailed
	job.Attempts = job.MaxAttempts
	job.LastError = &errMsg
	job.FinishedAt = &now
	job.LockedUntil = nil
	job.LockedBy = nil

	pipe := rs.client.TxPipeline()
	rs.storeJobPipe(ctx, pipe, job)
	pipe.ZRem(ctx, key(queue, "active"), jobID.String())
	pipe.ZAdd(ctx, key(queue, "failed"), redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: jobID.String(),
	})
	_, err = pipe.Exec(ctx)
	return err
}

func (rs *RedisStorage) Retry(ctx context.Context, queue string, jobID uuid.UUID) error {
	job, err := rs.loadJob(ctx, queue, jobID)
	if err != nil {
		return err
	}
	if job.Status != JobStatusFailed {
		return ErrJobNotFailed
	}

	job.Status = JobStatusWaiting
	job.Attempts = 0
	job.RunAt = time.Now()
	job.FinishedAt = nil

	score, err := rs.waitingScore(ctx, queue, job.Priority)
	if err != nil {
		return err
	}

	pipe := rs.client.TxPipeline()
	rs.storeJobPipe(ctx, pipe, job)
	pipe.ZRem(ctx, key(queue, "failed"), jobID.String())
	pipe.ZAdd(ctx, key(queue, "waiting"), redis.Z{Score: score, Member: jobID.String()})
	_, err = pipe.Exec(ctx)
	return err
}

func (rs *RedisStorage) ExtendLock(ctx context.Context, queue string, jobID uuid.UUID, d time.Duration) error {
	job, err := rs.loadJob(ctx, queue, jobID)
	if err != nil {
		return err
	}
	if job.Status != JobStatusActive {
		return ErrJobNotActive
	}

	lockUntil := time.Now().Add(d)
	job.LockedUntil = &lockUntil

	pipe := rs.client.TxPipeline()
	rs.storeJobPipe(ctx, pipe, job)
	pipe.ZAdd(ctx, key(queue, "active"), redis.Z{
		Score:  float64(lockUntil.UnixMilli()),
		Member: jobID.String(),
	})
	_, err = pipe.Exec(ctx)
	return err
}

func (rs *RedisStorage) Counts(ctx context.Context, queue string) (QueueCounts, error) {
	pipe := rs.client.Pipeline()
	waiting := pipe.ZCard(ctx, key(queue, "waiting"))
	delayed := pipe.ZCard(ctx, key(queue, "delayed"))
	active := pipe.ZCard(ctx, key(queue, "active"))
	completed := pipe.ZCard(ctx, key(queue, "completed"))
	failed := pipe.ZCard(ctx, key(queue, "failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return QueueCounts{}, fmt.Errorf("failed to count jobs in %q: %w", queue, err)
	}

	return QueueCounts{
		Waiting:   int(waiting.Val()),
		Delayed:   int(delayed.Val()),
		Active:    int(active.Val()),
		Completed: int(completed.Val()),
		Failed:    int(failed.Val()),
	}, nil
}

func (rs *RedisStorage) ListWaiting(ctx context.Context, queue string, offset, limit int) ([]Job, error) {
	return rs.listRange(ctx, queue, "waiting", offset, limit, false)
}

func (rs *RedisStorage) ListFailed(ctx context.Context, queue string, offset, limit int) ([]Job, error) {
	return rs.listRange(ctx, queue, "failed", offset, limit, true)
}

func (rs *RedisStorage) PendingJobByName(ctx context.Context, queue, name string) (*Job, error) {
	for _, state := range []string{"waiting", "delayed"} {
		ids, err := rs.client.ZRange(ctx, key(queue, state), 0, -1).Result()
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			jobID, err := uuid.Parse(id)
			if err != nil {
				continue
			}
			job, err := rs.loadJob(ctx, queue, jobID)
			if err != nil {
				continue
			}
			if job.Name == name && job.Repeatable {
				return job, nil
			}
		}
	}
	return nil, nil
}

func (rs *RedisStorage) Pause(ctx context.Context, queue string) error {
	return rs.client.Set(ctx, key(queue, "paused"), "1", 0).Err()
}

func (rs *RedisStorage) Resume(ctx context.Context, queue string) error {
	return rs.client.Del(ctx, key(queue, "paused")).Err()
}

func (rs *RedisStorage) Paused(ctx context.Context, queue string) (bool, error) {
	n, err := rs.client.Exists(ctx, key(queue, "paused")).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (rs *RedisStorage) ReleaseExpired(ctx context.Context, queue string) (int, error) {
	now := time.Now()
	ids, err := rs.client.ZRangeByScore(ctx, key(queue, "active"), &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10), Count: promoteBatch,
	}).Result()
	if err != nil || len(ids) == 0 {
		return 0, err
	}

	released := 0
	for _, id := range ids {
		jobID, err := uuid.Parse(id)
		if err != nil {
			continue
		}
		job, err := rs.loadJob(ctx, queue, jobID)
		if err != nil {
			continue
		}
		if job.Status == JobStatusWaiting {
			// Interrupted claim: the indexes moved but the record update
			// never landed. Put the job back in the waiting set.
			score, err := rs.waitingScore(ctx, queue, job.Priority)
			if err != nil {
				return released, err
			}
			pipe := rs.client.TxPipeline()
			pipe.ZRem(ctx, key(queue, "active"), id)
			pipe.ZAdd(ctx, key(queue, "waiting"), redis.Z{Score: score, Member: id})
			if _, err := pipe.Exec(ctx); err != nil {
				return released, err
			}
			released++
			continue
		}
		if job.Status != JobStatusActive {
			// Lost race with a slow Complete/Fail; drop the stale index entry.
			rs.client.ZRem(ctx, key(queue, "active"), id)
			continue
		}
		if err := rs.transitionFailed(ctx, job, "job stalled: worker lock expired", true); err != nil {
			return released, err
		}
		released++
	}
	return released, nil
}

func (rs *RedisStorage) PruneFinished(ctx context.Context, queue string, ret Retention) (int, error) {
	pruned := 0

	n, err := rs.pruneByScore(ctx, queue, "completed", ret.CompletedBefore)
	if err != nil {
		return pruned, err
	}
	pruned += n

	// Count cutoff keeps only the newest KeepCompleted entries.
	if ret.KeepCompleted > 0 {
		ids, err := rs.client.ZRange(ctx, key(queue, "completed"), 0, int64(-ret.KeepCompleted-1)).Result()
		if err != nil {
			return pruned, err
		}
		pruned += rs.deleteJobs(ctx, queue, "completed", ids)
	}

	n, err = rs.pruneByScore(ctx, queue, "failed", ret.FailedBefore)
	if err != nil {
		return pruned, err
	}
	pruned += n

	return pruned, nil
}

// Close is a no-op: the client belongs to the connection provider.
func (rs *RedisStorage) Close() error {
	return nil
}

// promoteDue moves due delayed jobs into the waiting set so they compete on
// priority. ZADD/ZREM are idempotent, so concurrent promotions are safe.
func (rs *RedisStorage) promoteDue(ctx context.Context, queue string) error {
	now := time.Now()
	ids, err := rs.client.ZRangeByScore(ctx, key(queue, "delayed"), &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10), Count: promoteBatch,
	}).Result()
	if err != nil || len(ids) == 0 {
		return err
	}

	for _, id := range ids {
		jobID, err := uuid.Parse(id)
		if err != nil {
			continue
		}
		job, err := rs.loadJob(ctx, queue, jobID)
		if err != nil {
			continue
		}
		job.Status = JobStatusWaiting

		score, err := rs.waitingScore(ctx, queue, job.Priority)
		if err != nil {
			return err
		}

		pipe := rs.client.TxPipeline()
		rs.storeJobPipe(ctx, pipe, job)
		pipe.ZAdd(ctx, key(queue, "waiting"), redis.Z{Score: score, Member: id})
		pipe.ZRem(ctx, key(queue, "delayed"), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to promote delayed job %s: %w", id, err)
		}
	}
	return nil
}

// transitionFailed applies the shared failure bookkeeping: backoff reschedule
// while attempts remain, failed state otherwise. Stalled jobs skip the
// backoff wait and requeue immediately.
func (rs *RedisStorage) transitionFailed(ctx context.Context, job *Job, errMsg string, immediate bool) error {
	queue := job.Queue
	job.Attempts++
	job.LastError = &errMsg
	job.LockedUntil = nil
	job.LockedBy = nil

	pipe := rs.client.TxPipeline()
	pipe.ZRem(ctx, key(queue, "active"), job.ID.String())

	if job.Attempts >= job.MaxAttempts {
		now := time.Now()
		job.Status = JobStatusFailed
		job.FinishedAt = &now
		pipe.ZAdd(ctx, key(queue, "failed"), redis.Z{
			Score:  float64(now.UnixMilli()),
			Member: job.ID.String(),
		})
	} else if immediate {
		job.Status = JobStatusWaiting
		job.RunAt = time.Now()
		score, err := rs.waitingScore(ctx, queue, job.Priority)
		if err != nil {
			return err
		}
		pipe.ZAdd(ctx, key(queue, "waiting"), redis.Z{Score: score, Member: job.ID.String()})
	} else {
		backoff := job.Backoff << (job.Attempts - 1)
		job.Status = JobStatusDelayed
		job.RunAt = time.Now().Add(backoff)
		pipe.ZAdd(ctx, key(queue, "delayed"), redis.Z{
			Score:  float64(job.RunAt.UnixMilli()),
			Member: job.ID.String(),
		})
	}

	rs.storeJobPipe(ctx, pipe, job)
	_, err := pipe.Exec(ctx)
	return err
}

func (rs *RedisStorage) listRange(ctx context.Context, queue, state string, offset, limit int, reverse bool) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	start := int64(offset)
	stop := int64(offset + limit - 1)

	var ids []string
	var err error
	if reverse {
		ids, err = rs.client.ZRevRange(ctx, key(queue, state), start, stop).Result()
	} else {
		ids, err = rs.client.ZRange(ctx, key(queue, state), start, stop).Result()
	}
	if err != nil {
		return nil, err
	}

	jobs := make([]Job, 0, len(ids))
	for _, id := range ids {
		jobID, err := uuid.Parse(id)
		if err != nil {
			continue
		}
		job, err := rs.loadJob(ctx, queue, jobID)
		if err != nil {
			continue
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

func (rs *RedisStorage) pruneByScore(ctx context.Context, queue, state string, before time.Time) (int, error) {
	if before.IsZero() {
		return 0, nil
	}
	ids, err := rs.client.ZRangeByScore(ctx, key(queue, state), &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	return rs.deleteJobs(ctx, queue, state, ids), nil
}

func (rs *RedisStorage) deleteJobs(ctx context.Context, queue, state string, ids []string) int {
	if len(ids) == 0 {
		return 0
	}
	pipe := rs.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, key(queue, state), id)
		pipe.Del(ctx, key(queue, "job:"+id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0
	}
	return len(ids)
}

// waitingScore encodes (priority, submission order) into one ZSET score:
// priority is the major component, a monotonic counter breaks ties FIFO.
// float64 keeps exact integers up to 2^53, far beyond the counter range.
func (rs *RedisStorage) waitingScore(ctx context.Context, queue string, p Priority) (float64, error) {
	seq, err := rs.client.Incr(ctx, key(queue, "seq")).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to advance submission counter: %w", err)
	}
	return float64(p)*1e12 + float64(seq), nil
}

func (rs *RedisStorage) storeJob(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	return rs.client.Set(ctx, jobKey(job.Queue, job.ID), raw, 0).Err()
}

func (rs *RedisStorage) storeJobPipe(ctx context.Context, pipe redis.Pipeliner, job *Job) {
	raw, err := json.Marshal(job)
	if err != nil {
		return
	}
	pipe.Set(ctx, jobKey(job.Queue, job.ID), raw, 0)
}

func (rs *RedisStorage) loadJob(ctx context.Context, queue string, jobID uuid.UUID) (*Job, error) {
	raw, err := rs.client.Get(ctx, jobKey(queue, jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}

	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", jobID, err)
	}
	return &job, nil
}

func key(queue, part string) string {
	return queue + ":" + part
}

func jobKey(queue string, jobID uuid.UUID) string {
	return key(queue, "job:"+jobID.String())
}
