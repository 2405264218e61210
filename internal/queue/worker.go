package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/nodal-labs/prefetch-engine/internal/domain"
)

// pollInterval is how long an idle worker sleeps before re-checking the
// waiting set. Claims are pull-based; there is no blocking read on a ZSET.
const pollInterval = 250 * time.Millisecond

// housekeepInterval paces the delayed-promotion and stall-reaper loops.
const housekeepInterval = time.Second

// housekeepBatch caps how many jobs one promotion or reap pass moves.
const housekeepBatch = 50

// Process registers handler and starts the worker pool: concurrency claim
// loops plus one housekeeping loop that promotes eligible delayed jobs and
// returns stalled claims to waiting. It blocks until Close; run it on its
// own goroutine.
func (q *Queue) Process(concurrency int, handler Handler) {
	if concurrency < 1 {
		concurrency = 1
	}

	workers := make(chan struct{}, concurrency)
	for i := 0; i < concurrency; i++ {
		workers <- struct{}{}
	}

	go q.housekeep()

	defer close(q.done)
	for {
		select {
		case <-q.workCtx.Done():
			// Drain the pool so every in-flight handler has returned its
			// slot before Close observes q.done.
			for i := 0; i < concurrency; i++ {
				<-workers
			}
			return
		case <-workers:
		}

		job, ok := q.claim()
		if !ok {
			workers <- struct{}{}
			select {
			case <-q.workCtx.Done():
			case <-time.After(pollInterval):
			}
			continue
		}

		go func(job domain.Job) {
			defer func() { workers <- struct{}{} }()
			q.execute(job, handler)
		}(*job)
	}
}

// claim atomically pops the best eligible job into the active set.
func (q *Queue) claim() (*domain.Job, bool) {
	now := q.now()
	res, err := claimJob.Run(q.workCtx, q.rdb,
		[]string{keyWaiting, keyActive, keyPaused},
		now.Add(q.cfg.StallInterval).UnixMilli(), jobPrefix, now.UnixMilli(),
	).Result()
	if err != nil {
		// redis.Nil covers both "paused" and "empty"; anything else is a
		// backend problem worth surfacing.
		if !errors.Is(err, redis.Nil) {
			q.emitError(err)
		}
		return nil, false
	}

	pairs, ok := res.([]any)
	if !ok || len(pairs) == 0 {
		return nil, false
	}
	fields := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		k, _ := pairs[i].(string)
		v, _ := pairs[i+1].(string)
		fields[k] = v
	}
	job := jobFromFields(fields)
	if job.ID == "" {
		return nil, false
	}
	return &job, true
}

// execute runs the handler for one claimed job, renewing the stall deadline
// while it runs, then applies the completion, backoff, or terminal-failure
// transition.
func (q *Queue) execute(job domain.Job, handler Handler) {
	started := q.now()

	hbCtx, hbCancel := context.WithCancel(q.workCtx)
	defer hbCancel()
	go q.heartbeat(hbCtx, job.ID)

	tier, err := handler(q.workCtx, &job)
	finished := q.now()

	switch {
	case err == nil:
		q.finishOK(job, started, finished, tier)
	case IsUnrecoverable(err) || job.Attempts+1 >= q.cfg.RetryAttempts:
		q.finishFailed(job, finished, err)
	default:
		q.requeue(job, err)
	}
}

// heartbeat renews the job's stall deadline at a third of the watchdog
// interval while the handler runs.
func (q *Queue) heartbeat(ctx context.Context, jobID string) {
	interval := q.cfg.StallInterval / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := q.now().Add(q.cfg.StallInterval).UnixMilli()
			// XX: only renew while still claimed; a reaped job stays reaped.
			err := q.rdb.ZAddXX(context.Background(), keyActive, redis.Z{
				Score:  float64(deadline),
				Member: jobID,
			}).Err()
			if err != nil {
				q.emitError(err)
			}
		}
	}
}

func (q *Queue) finishOK(job domain.Job, started, finished time.Time, tier domain.Tier) {
	rec := domain.JobRecord{
		JobID:      job.ID,
		UserID:     job.UserID,
		StartedAt:  started,
		FinishedAt: finished,
		DurationMS: finished.Sub(started).Milliseconds(),
		Tier:       tier,
		Outcome:    domain.OutcomeOK,
		Attempts:   job.Attempts + 1,
	}
	data, _ := json.Marshal(rec)

	err := completeJob.Run(context.Background(), q.rdb,
		[]string{keyActive, keyCompleted, jobPrefix + job.ID},
		job.ID, finished.UnixMilli(), data,
		q.cfg.RetentionCompleted, completedJobTTL.Milliseconds(),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		q.emitError(err)
		return
	}
	if q.events.Completed != nil {
		q.events.Completed(job, rec)
	}
}

func (q *Queue) finishFailed(job domain.Job, finished time.Time, cause error) {
	err := failJob.Run(context.Background(), q.rdb,
		[]string{keyActive, keyFailed, jobPrefix + job.ID},
		job.ID, finished.UnixMilli(), cause.Error(),
		q.cfg.RetentionFailed, jobPrefix,
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		q.emitError(err)
		return
	}
	log.Warn().
		Str("job_id", job.ID).
		Str("user_id", job.UserID).
		Int("attempts", job.Attempts+1).
		Err(cause).
		Msg("prefetch job failed terminally")
	if q.events.Failed != nil {
		q.events.Failed(job, cause)
	}
}

func (q *Queue) requeue(job domain.Job, cause error) {
	attempts := job.Attempts + 1
	runAt := q.now().Add(q.backoffDelay(attempts))
	err := retryLater.Run(context.Background(), q.rdb,
		[]string{keyActive, keyDelayed, jobPrefix + job.ID},
		job.ID, attempts, runAt.UnixMilli(), cause.Error(),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		q.emitError(err)
		return
	}
	log.Debug().
		Str("job_id", job.ID).
		Int("attempts", attempts).
		Time("run_at", runAt).
		Msg("prefetch job re-queued with backoff")
}

// housekeep promotes eligible delayed jobs and reaps stalled claims on a
// fixed cadence until the pool shuts down.
func (q *Queue) housekeep() {
	ticker := time.NewTicker(housekeepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.workCtx.Done():
			return
		case <-ticker.C:
		}

		now := q.now().UnixMilli()

		if err := promoteDelayed.Run(context.Background(), q.rdb,
			[]string{keyDelayed, keyWaiting}, now, jobPrefix, housekeepBatch,
		).Err(); err != nil && !errors.Is(err, redis.Nil) {
			q.emitError(err)
		}

		res, err := reapStalled.Run(context.Background(), q.rdb,
			[]string{keyActive, keyWaiting}, now, jobPrefix, housekeepBatch,
		).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				q.emitError(err)
			}
			continue
		}
		if ids, ok := res.([]any); ok {
			for _, raw := range ids {
				id, _ := raw.(string)
				if id == "" {
					continue
				}
				log.Warn().Str("job_id", id).Msg("stalled job returned to waiting")
				if q.events.Stalled != nil {
					q.events.Stalled(id)
				}
			}
		}
	}
}
