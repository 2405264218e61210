// Prefetch control-plane handlers.
//
// This file exposes the scheduling and queue-introspection endpoints:
//   - POST /api/prefetch/schedule/:userId   (enqueue, 202)
//   - POST /api/prefetch/immediate/:userId  (synchronous fetch)
//   - GET  /api/prefetch/queue/stats
//   - GET  /api/prefetch/queue/failed
//   - POST /api/prefetch/queue/retry/:jobId
//   - GET  /api/prefetch/metrics[/:date]
//
// Handlers are transport-thin: validate input, call the service or queue,
// translate the result into the response envelope.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nodal-labs/prefetch-engine/internal/cache"
	"github.com/nodal-labs/prefetch-engine/internal/domain"
	"github.com/nodal-labs/prefetch-engine/internal/metrics"
	"github.com/nodal-labs/prefetch-engine/internal/prefetch"
	"github.com/nodal-labs/prefetch-engine/internal/queue"
)

// PrefetchService is the application surface the handlers consume.
// Implemented by *prefetch.Service; abstract here so handler tests can stub
// the origin-facing paths.
type PrefetchService interface {
	Immediate(ctx context.Context, userID string, priority domain.Priority) (*domain.Artifact, error)
	Read(ctx context.Context, userID string) (*domain.Artifact, bool)
	Invalidate(ctx context.Context, userID string)
	Status(ctx context.Context, userID string) cache.Status
}

// JobQueue is the queue surface the handlers consume. Implemented by
// *queue.Queue.
type JobQueue interface {
	Add(ctx context.Context, userID string, opts queue.AddOptions) (string, bool, error)
	Stats(ctx context.Context) (domain.QueueStats, error)
	Failed(ctx context.Context, limit int) ([]domain.FailedJob, error)
	Retry(ctx context.Context, jobID string) (bool, error)
}

// Handlers groups the control-plane endpoints over the prefetch service, the
// job queue, and the metrics sink.
type Handlers struct {
	svc   PrefetchService
	queue JobQueue
	sink  *metrics.Sink
}

// New constructs a Handlers bound to the given dependencies.
func New(svc PrefetchService, q JobQueue, sink *metrics.Sink) *Handlers {
	return &Handlers{svc: svc, queue: q, sink: sink}
}

// ScheduleRequest is the JSON payload for POST /api/prefetch/schedule/:userId.
// All fields are optional.
type ScheduleRequest struct {
	// Priority is one of high, medium, low; defaults to medium.
	Priority string `json:"priority"`
	// DelayMS defers eligibility by the given milliseconds.
	DelayMS int64 `json:"delay"`
	// JobID pins a stable id so repeated schedules collapse to one job.
	JobID string `json:"jobId"`
}

// ScheduleResponse echoes the accepted job.
type ScheduleResponse struct {
	JobID    string          `json:"jobId"`
	UserID   string          `json:"userId"`
	Priority domain.Priority `json:"priority"`
	DelayMS  int64           `json:"delay"`
	// Collapsed is true when an identical pending job already existed.
	Collapsed bool `json:"collapsed,omitempty"`
}

// Schedule enqueues a prefetch job and answers 202 with the job id.
func (h *Handlers) Schedule(c *gin.Context) {
	userID, okID := pathUserID(c)
	if !okID {
		return
	}

	var req ScheduleRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeValidation, KindValidation, "malformed JSON body")
			return
		}
	}

	priority := domain.PriorityMedium
	if req.Priority != "" {
		priority = domain.Priority(req.Priority)
		if !priority.Valid() {
			fail(c, http.StatusBadRequest, ErrCodeValidation, KindValidation,
				"priority must be one of high, medium, low")
			return
		}
	}
	if req.DelayMS < 0 {
		fail(c, http.StatusBadRequest, ErrCodeValidation, KindValidation, "delay must be >= 0")
		return
	}

	jobID, collapsed, err := h.queue.Add(c.Request.Context(), userID, queue.AddOptions{
		Priority: priority,
		Delay:    time.Duration(req.DelayMS) * time.Millisecond,
		JobID:    req.JobID,
	})
	if err != nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeQueueUnavailable, KindUpstream,
			"job queue unavailable")
		return
	}
	// A collapsed add scheduled no new work.
	if !collapsed {
		h.sink.Inc(metrics.PrefetchScheduled)
	}

	ok(c, http.StatusAccepted, ScheduleResponse{
		JobID:     jobID,
		UserID:    userID,
		Priority:  priority,
		DelayMS:   req.DelayMS,
		Collapsed: collapsed,
	})
}

// ImmediateRequest is the JSON payload for POST /api/prefetch/immediate/:userId.
type ImmediateRequest struct {
	Priority string `json:"priority"`
}

// TimelineResponse is the artifact view returned by immediate fetches and
// cache reads.
type TimelineResponse struct {
	UserID    string            `json:"userId"`
	Entries   []json.RawMessage `json:"entries"`
	Count     int               `json:"count"`
	Cached    bool              `json:"cached"`
	Tier      domain.Tier       `json:"tier,omitempty"`
	FetchedAt time.Time         `json:"fetchedAt"`
}

// Immediate fetches the user's timeline synchronously, bypassing the queue,
// and caches the result. Transient origin failures are retried in-call; an
// exhausted retry budget surfaces as PREFETCH_FAILED.
func (h *Handlers) Immediate(c *gin.Context) {
	userID, okID := pathUserID(c)
	if !okID {
		return
	}

	var req ImmediateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeValidation, KindValidation, "malformed JSON body")
			return
		}
	}
	priority := domain.PriorityHigh
	if req.Priority != "" {
		priority = domain.Priority(req.Priority)
		if !priority.Valid() {
			fail(c, http.StatusBadRequest, ErrCodeValidation, KindValidation,
				"priority must be one of high, medium, low")
			return
		}
	}

	art, err := h.svc.Immediate(c.Request.Context(), userID, priority)
	if err != nil {
		if errors.Is(err, prefetch.ErrUpstreamUnavailable) {
			fail(c, http.StatusInternalServerError, ErrCodePrefetchFailed, KindUpstream,
				"timeline origin unavailable after retries")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodePrefetchFailed, KindInternal,
			"prefetch failed")
		return
	}

	ok(c, http.StatusOK, timelineView(art, true))
}

// QueueStats answers the queue depth snapshot.
func (h *Handlers) QueueStats(c *gin.Context) {
	stats, err := h.queue.Stats(c.Request.Context())
	if err != nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeQueueUnavailable, KindUpstream,
			"job queue unavailable")
		return
	}
	ok(c, http.StatusOK, stats)
}

// queueFailedMaxLimit caps the failed-job listing.
const queueFailedMaxLimit = 100

// QueueFailed lists the most recent terminally failed jobs, newest first.
// The limit query parameter defaults to 10 and is capped.
func (h *Handlers) QueueFailed(c *gin.Context) {
	limit := 10
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			fail(c, http.StatusBadRequest, ErrCodeValidation, KindValidation,
				"limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > queueFailedMaxLimit {
		limit = queueFailedMaxLimit
	}

	jobs, err := h.queue.Failed(c.Request.Context(), limit)
	if err != nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeQueueUnavailable, KindUpstream,
			"job queue unavailable")
		return
	}
	ok(c, http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

// QueueRetry moves a failed job back to waiting with its attempt counter
// reset. Unknown or non-failed job ids answer 404.
func (h *Handlers) QueueRetry(c *gin.Context) {
	jobID := c.Param("jobId")
	if jobID == "" || len(jobID) > 128 {
		fail(c, http.StatusBadRequest, ErrCodeValidation, KindValidation, "invalid jobId")
		return
	}

	retried, err := h.queue.Retry(c.Request.Context(), jobID)
	if err != nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeQueueUnavailable, KindUpstream,
			"job queue unavailable")
		return
	}
	if !retried {
		fail(c, http.StatusNotFound, ErrCodeNotFound, KindNotFound, "no such failed job")
		return
	}
	ok(c, http.StatusOK, gin.H{"jobId": jobID})
}

// Metrics answers today's aggregate snapshot.
func (h *Handlers) Metrics(c *gin.Context) {
	ok(c, http.StatusOK, h.sink.Current())
}

// MetricsForDay answers the aggregates for one retained day (YYYY-MM-DD).
// Days outside the retention window come back zeroed, not 404: absence of
// traffic and absence of the bucket are indistinguishable by design.
func (h *Handlers) MetricsForDay(c *gin.Context) {
	day := c.Param("date")
	if _, err := time.Parse("2006-01-02", day); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeValidation, KindValidation,
			"date must be YYYY-MM-DD")
		return
	}
	ok(c, http.StatusOK, h.sink.ForDay(day))
}

// timelineView shapes an artifact for the wire.
func timelineView(art *domain.Artifact, cached bool) TimelineResponse {
	return TimelineResponse{
		UserID:    art.UserID,
		Entries:   art.Entries,
		Count:     len(art.Entries),
		Cached:    cached,
		Tier:      art.Tier,
		FetchedAt: art.FetchedAt,
	}
}
