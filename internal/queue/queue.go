// Package queue implements the durable, prioritized prefetch job queue on
// Redis, plus the bounded-concurrency worker pool that consumes it.
//
// Layout in Redis (all under the "prefetch:q:" prefix):
//
//	waiting    ZSET  jobID scored by priority rank and enqueue time
//	delayed    ZSET  jobID scored by the instant it becomes eligible
//	active     ZSET  jobID scored by its stall deadline
//	completed  ZSET  outcome-record JSON scored by finish time
//	failed     ZSET  jobID scored by finish time
//	job:<id>   HASH  the job record itself
//	paused     KEY   presence pauses dispatch
//
// Every state transition (enqueue, claim, complete, fail, retry, stall
// return, delayed promotion) runs as a Lua script so multiple worker
// processes can share one queue without coordination beyond Redis itself.
// Jobs are dispatched priority-first, FIFO within a priority, at-least-once:
// a handler error re-queues with exponential backoff until the attempt
// ceiling, after which the job lands in the failed window.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/nodal-labs/prefetch-engine/internal/config"
	"github.com/nodal-labs/prefetch-engine/internal/domain"
)

const (
	keyWaiting   = "prefetch:q:waiting"
	keyDelayed   = "prefetch:q:delayed"
	keyActive    = "prefetch:q:active"
	keyCompleted = "prefetch:q:completed"
	keyFailed    = "prefetch:q:failed"
	keyPaused    = "prefetch:q:paused"
	jobPrefix    = "prefetch:q:job:"
)

// rankStride separates priority bands in the waiting ZSET score. It is far
// above any unix-millis timestamp, so priority always dominates and enqueue
// time breaks ties within a band.
const rankStride = float64(1 << 42)

// completedJobTTL bounds how long a completed job hash outlives its run; the
// introspection window lives in the completed ZSET, not the hash.
const completedJobTTL = 24 * time.Hour

// ErrClosed is returned by operations invoked after Close.
var ErrClosed = errors.New("queue closed")

// UnrecoverableError marks a handler failure the queue must not retry: the
// job fails terminally on the first throw instead of backing off.
type UnrecoverableError struct {
	Err error
}

func (e *UnrecoverableError) Error() string { return fmt.Sprintf("unrecoverable: %v", e.Err) }
func (e *UnrecoverableError) Unwrap() error { return e.Err }

// Unrecoverable wraps err so the queue fails the job without further
// attempts. A nil err returns nil.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &UnrecoverableError{Err: err}
}

// IsUnrecoverable reports whether err carries the no-retry marker.
func IsUnrecoverable(err error) bool {
	var ue *UnrecoverableError
	return errors.As(err, &ue)
}

//
// Lua scripts. KEYS/ARGV documented inline; each script is one atomic state
// transition.
//

// addJob: KEYS{jobKey, waiting, delayed}
// ARGV{id, userID, priority, createdMs, delayUntilMs, waitingScore, nowMs}
// Returns 0 when the id already exists (idempotent add), 1 otherwise.
var addJob = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1],
  'id', ARGV[1], 'user_id', ARGV[2], 'priority', ARGV[3],
  'attempts', 0, 'created_at', ARGV[4], 'delay_until', ARGV[5])
if tonumber(ARGV[5]) > tonumber(ARGV[7]) then
  redis.call('HSET', KEYS[1], 'state', 'delayed')
  redis.call('ZADD', KEYS[3], ARGV[5], ARGV[1])
else
  redis.call('HSET', KEYS[1], 'state', 'waiting')
  redis.call('ZADD', KEYS[2], ARGV[6], ARGV[1])
end
return 1
`)

// claimJob: KEYS{waiting, active, paused}
// ARGV{stallDeadlineMs, jobPrefix, startedMs}
// Pops the best waiting job into active and returns its hash, or false.
var claimJob = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then return false end
local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
if #ids == 0 then return false end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[1], id)
local jk = ARGV[2] .. id
redis.call('HSET', jk, 'state', 'active', 'started_at', ARGV[3])
return redis.call('HGETALL', jk)
`)

// completeJob: KEYS{active, completed, jobKey}
// ARGV{id, finishedMs, recordJSON, retention, jobTTLMs}
var completeJob = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[3], 'state', 'completed', 'finished_at', ARGV[2])
redis.call('PEXPIRE', KEYS[3], ARGV[5])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
local excess = redis.call('ZCARD', KEYS[2]) - tonumber(ARGV[4])
if excess > 0 then
  redis.call('ZREMRANGEBYRANK', KEYS[2], 0, excess - 1)
end
`)

// failJob: KEYS{active, failed, jobKey}
// ARGV{id, finishedMs, errText, retention, jobPrefix}
// Prunes the oldest failed records (and their hashes) past retention.
var failJob = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[3], 'state', 'failed', 'finished_at', ARGV[2], 'last_error', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
local excess = redis.call('ZCARD', KEYS[2]) - tonumber(ARGV[4])
if excess > 0 then
  local old = redis.call('ZRANGE', KEYS[2], 0, excess - 1)
  for _, pid in ipairs(old) do
    redis.call('DEL', ARGV[5] .. pid)
  end
  redis.call('ZREMRANGEBYRANK', KEYS[2], 0, excess - 1)
end
`)

// retryLater: KEYS{active, delayed, jobKey}
// ARGV{id, attempts, runAtMs, errText}
// Backoff path for a retryable handler failure.
var retryLater = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[3], 'state', 'delayed', 'attempts', ARGV[2], 'last_error', ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
`)

// retryFailed: KEYS{failed, waiting, jobKey}
// ARGV{id}
// Moves a failed job back to waiting with a reset attempt counter, re-scored
// into its original priority band by its enqueue time so a retry cannot jump
// the dispatch order. Returns 0 for unknown or non-failed jobs.
var retryFailed = redis.NewScript(`
if redis.call('HGET', KEYS[3], 'state') ~= 'failed' then return 0 end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[3], 'state', 'waiting', 'attempts', 0, 'last_error', '')
local rank = 2
local pr = redis.call('HGET', KEYS[3], 'priority')
if pr == 'high' then rank = 0 elseif pr == 'medium' then rank = 1 end
local created = tonumber(redis.call('HGET', KEYS[3], 'created_at')) or 0
redis.call('ZADD', KEYS[2], rank * 4398046511104 + created, ARGV[1])
return 1
`)

// promoteDelayed: KEYS{delayed, waiting}
// ARGV{nowMs, jobPrefix, limit}
// Moves eligible delayed jobs into waiting with their priority score.
var promoteDelayed = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local jk = ARGV[2] .. id
  if redis.call('EXISTS', jk) == 1 then
    redis.call('HSET', jk, 'state', 'waiting')
    local rank = 2
    local pr = redis.call('HGET', jk, 'priority')
    if pr == 'high' then rank = 0 elseif pr == 'medium' then rank = 1 end
    local created = tonumber(redis.call('HGET', jk, 'created_at')) or 0
    redis.call('ZADD', KEYS[2], rank * 4398046511104 + created, id)
  end
end
return #ids
`)

// reapStalled: KEYS{active, waiting}
// ARGV{nowMs, jobPrefix, limit}
// Returns claims whose stall deadline passed to waiting, bumping attempts.
// Yields the reaped ids so the caller can count and emit events.
var reapStalled = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local jk = ARGV[2] .. id
  if redis.call('EXISTS', jk) == 1 then
    local att = (tonumber(redis.call('HGET', jk, 'attempts')) or 0) + 1
    redis.call('HSET', jk, 'state', 'waiting', 'attempts', att)
    local rank = 2
    local pr = redis.call('HGET', jk, 'priority')
    if pr == 'high' then rank = 0 elseif pr == 'medium' then rank = 1 end
    local created = tonumber(redis.call('HGET', jk, 'created_at')) or 0
    redis.call('ZADD', KEYS[2], rank * 4398046511104 + created, id)
  end
end
return ids
`)

// cleanFailed: KEYS{failed}  ARGV{cutoffMs, jobPrefix}
var cleanFailed = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
  redis.call('DEL', ARGV[2] .. id)
end
return redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
`)

// Handler executes one claimed job. On success it reports the tier the
// artifact landed in; an error re-queues per retry policy unless wrapped
// with Unrecoverable.
type Handler func(ctx context.Context, job *domain.Job) (domain.Tier, error)

// Events carries the queue's best-effort notification callbacks. Loss of a
// notification never affects job-state correctness.
type Events struct {
	Completed func(job domain.Job, rec domain.JobRecord)
	Failed    func(job domain.Job, err error)
	Stalled   func(jobID string)
	Error     func(err error)
}

// AddOptions tunes a single enqueue.
type AddOptions struct {
	Priority domain.Priority
	// Delay defers eligibility relative to now; zero enqueues immediately.
	Delay time.Duration
	// JobID pins a stable id; two adds with the same id collapse to one.
	JobID string
}

// Queue is the durable prefetch job queue.
//
// Safe for concurrent use; multiple processes may share one queue.
type Queue struct {
	rdb redis.UniversalClient
	cfg config.QueueConfig

	events Events

	// lifecycle of the worker pool; see worker.go
	workCtx    context.Context
	workCancel context.CancelFunc
	done       chan struct{}
	closed     chan struct{}

	now func() time.Time
}

// New constructs a queue over an existing Redis client.
func New(rdb redis.UniversalClient, cfg config.QueueConfig) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		rdb:        rdb,
		cfg:        cfg,
		workCtx:    ctx,
		workCancel: cancel,
		done:       make(chan struct{}),
		closed:     make(chan struct{}),
		now:        time.Now,
	}
}

// Notify registers event callbacks. Call before Process.
func (q *Queue) Notify(ev Events) { q.events = ev }

// waitingScore computes the dispatch score: priority band, then FIFO.
func waitingScore(p domain.Priority, createdAt time.Time) float64 {
	return float64(p.Rank())*rankStride + float64(createdAt.UnixMilli())
}

// Add enqueues one prefetch job for userID. It returns the job id, which is
// opts.JobID when supplied, and reports idempotent collapses via the bool.
func (q *Queue) Add(ctx context.Context, userID string, opts AddOptions) (string, bool, error) {
	select {
	case <-q.workCtx.Done():
		return "", false, ErrClosed
	default:
	}

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	if !opts.Priority.Valid() {
		opts.Priority = domain.PriorityMedium
	}

	now := q.now()
	delayUntil := int64(0)
	if opts.Delay > 0 {
		delayUntil = now.Add(opts.Delay).UnixMilli()
	}

	n, err := addJob.Run(ctx, q.rdb,
		[]string{jobPrefix + id, keyWaiting, keyDelayed},
		id, userID, string(opts.Priority),
		now.UnixMilli(), delayUntil,
		waitingScore(opts.Priority, now), now.UnixMilli(),
	).Int()
	if err != nil {
		return "", false, fmt.Errorf("enqueue: %w", err)
	}
	return id, n == 0, nil
}

// AddBulk enqueues a batch, returning the ids in input order. The batch is
// not atomic as a whole; each job is. The first backend error aborts the
// remainder.
func (q *Queue) AddBulk(ctx context.Context, userIDs []string, priority domain.Priority) ([]string, error) {
	ids := make([]string, 0, len(userIDs))
	for _, userID := range userIDs {
		id, _, err := q.Add(ctx, userID, AddOptions{Priority: priority})
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Job fetches a job record by id.
func (q *Queue) Job(ctx context.Context, id string) (*domain.Job, error) {
	fields, err := q.rdb.HGetAll(ctx, jobPrefix+id).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	job := jobFromFields(fields)
	return &job, nil
}

// Stats samples queue depths. A partial snapshot (with Partial set) is
// returned when some samples fail; the error reflects the first failure.
func (q *Queue) Stats(ctx context.Context) (domain.QueueStats, error) {
	var stats domain.QueueStats
	var firstErr error

	sample := func(dst *int64, f func() (int64, error)) {
		n, err := f()
		if err != nil {
			stats.Partial = true
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		*dst = n
	}

	sample(&stats.Waiting, func() (int64, error) { return q.rdb.ZCard(ctx, keyWaiting).Result() })
	sample(&stats.Active, func() (int64, error) { return q.rdb.ZCard(ctx, keyActive).Result() })
	sample(&stats.Delayed, func() (int64, error) { return q.rdb.ZCard(ctx, keyDelayed).Result() })
	sample(&stats.Completed, func() (int64, error) { return q.rdb.ZCard(ctx, keyCompleted).Result() })
	sample(&stats.Failed, func() (int64, error) { return q.rdb.ZCard(ctx, keyFailed).Result() })

	paused, err := q.rdb.Exists(ctx, keyPaused).Result()
	if err != nil {
		stats.Partial = true
		if firstErr == nil {
			firstErr = err
		}
	}
	stats.Paused = paused == 1

	return stats, firstErr
}

// Failed lists up to limit failed jobs, most recent first.
func (q *Queue) Failed(ctx context.Context, limit int) ([]domain.FailedJob, error) {
	if limit <= 0 {
		limit = q.cfg.RetentionFailed
	}
	ids, err := q.rdb.ZRevRange(ctx, keyFailed, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.FailedJob, 0, len(ids))
	for _, id := range ids {
		fields, err := q.rdb.HGetAll(ctx, jobPrefix+id).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		job := jobFromFields(fields)
		out = append(out, domain.FailedJob{
			JobID:        job.ID,
			UserID:       job.UserID,
			Priority:     job.Priority,
			FailedReason: job.LastError,
			Attempts:     job.Attempts,
			Timestamp:    job.FinishedAt,
		})
	}
	return out, nil
}

// Retry moves a failed job back to waiting with attempts reset, keeping its
// original priority band and enqueue-time ordering. It reports false for
// unknown jobs or jobs not in the failed state.
func (q *Queue) Retry(ctx context.Context, jobID string) (bool, error) {
	n, err := retryFailed.Run(ctx, q.rdb,
		[]string{keyFailed, keyWaiting, jobPrefix + jobID},
		jobID,
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Pause stops dispatch; queued and delayed jobs keep accumulating.
func (q *Queue) Pause(ctx context.Context) error {
	return q.rdb.Set(ctx, keyPaused, "1", 0).Err()
}

// Resume re-enables dispatch.
func (q *Queue) Resume(ctx context.Context) error {
	return q.rdb.Del(ctx, keyPaused).Err()
}

// Clean drops completed or failed records older than grace.
func (q *Queue) Clean(ctx context.Context, grace time.Duration, state domain.JobState) (int64, error) {
	cutoff := q.now().Add(-grace).UnixMilli()
	switch state {
	case domain.StateCompleted:
		return q.rdb.ZRemRangeByScore(ctx, keyCompleted, "-inf", strconv.FormatInt(cutoff, 10)).Result()
	case domain.StateFailed:
		return cleanFailed.Run(ctx, q.rdb, []string{keyFailed}, cutoff, jobPrefix).Int64()
	default:
		return 0, fmt.Errorf("clean: unsupported state %q", state)
	}
}

// Close stops the worker pool and waits for in-flight handlers, bounded by
// the context deadline. The queue state itself stays durable in Redis.
func (q *Queue) Close(ctx context.Context) error {
	select {
	case <-q.closed:
		return nil
	default:
		close(q.closed)
	}
	q.workCancel()
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// backoffDelay computes the exponential retry delay for the given attempt
// (1-based), doubling from the configured base with light jitter.
func (q *Queue) backoffDelay(attempt int) time.Duration {
	d := q.cfg.BackoffBase << (attempt - 1)
	if q.cfg.BackoffBase >= 4*time.Millisecond {
		d += time.Duration(rand.Int63n(int64(q.cfg.BackoffBase) / 4)) //nolint:gosec
	}
	return d
}

// jobFromFields rebuilds a Job from its Redis hash.
func jobFromFields(f map[string]string) domain.Job {
	job := domain.Job{
		ID:        f["id"],
		UserID:    f["user_id"],
		Priority:  domain.Priority(f["priority"]),
		State:     domain.JobState(f["state"]),
		LastError: f["last_error"],
	}
	job.Attempts, _ = strconv.Atoi(f["attempts"])
	job.CreatedAt = msField(f, "created_at")
	job.DelayUntil = msField(f, "delay_until")
	job.FinishedAt = msField(f, "finished_at")
	return job
}

// msField parses a unix-millis hash field; zero or absent yields the zero time.
func msField(f map[string]string, name string) time.Time {
	ms, err := strconv.ParseInt(f[name], 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// emitError forwards a backend error to the registered callback, if any.
func (q *Queue) emitError(err error) {
	if q.events.Error != nil {
		q.events.Error(err)
	} else {
		log.Warn().Err(err).Msg("queue backend error")
	}
}
