package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nodal-labs/prefetch-engine/internal/cache"
	"github.com/nodal-labs/prefetch-engine/internal/domain"
	"github.com/nodal-labs/prefetch-engine/internal/metrics"
	"github.com/nodal-labs/prefetch-engine/internal/prefetch"
	"github.com/nodal-labs/prefetch-engine/internal/queue"
)

// stubService is a canned PrefetchService.
type stubService struct {
	immediateArt *domain.Artifact
	immediateErr error
	readArt      *domain.Artifact
	readHit      bool
	invalidated  []string
	status       cache.Status
}

func (s *stubService) Immediate(ctx context.Context, userID string, p domain.Priority) (*domain.Artifact, error) {
	return s.immediateArt, s.immediateErr
}

func (s *stubService) Read(ctx context.Context, userID string) (*domain.Artifact, bool) {
	return s.readArt, s.readHit
}

func (s *stubService) Invalidate(ctx context.Context, userID string) {
	s.invalidated = append(s.invalidated, userID)
}

func (s *stubService) Status(ctx context.Context, userID string) cache.Status {
	return s.status
}

// stubQueue is a canned JobQueue.
type stubQueue struct {
	addID        string
	addCollapsed bool
	addErr       error
	addOpts      queue.AddOptions
	stats        domain.QueueStats
	statsErr     error
	failed       []domain.FailedJob
	retried      bool
	retryErr     error
}

func (q *stubQueue) Add(ctx context.Context, userID string, opts queue.AddOptions) (string, bool, error) {
	q.addOpts = opts
	return q.addID, q.addCollapsed, q.addErr
}

func (q *stubQueue) Stats(ctx context.Context) (domain.QueueStats, error) {
	return q.stats, q.statsErr
}

func (q *stubQueue) Failed(ctx context.Context, limit int) ([]domain.FailedJob, error) {
	if limit < len(q.failed) {
		return q.failed[:limit], nil
	}
	return q.failed, nil
}

func (q *stubQueue) Retry(ctx context.Context, jobID string) (bool, error) {
	return q.retried, q.retryErr
}

func newTestRouter(svc PrefetchService, q JobQueue) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := New(svc, q, metrics.NewSink())
	r := gin.New()
	r.POST("/api/prefetch/schedule/:userId", h.Schedule)
	r.POST("/api/prefetch/immediate/:userId", h.Immediate)
	r.GET("/api/prefetch/queue/stats", h.QueueStats)
	r.GET("/api/prefetch/queue/failed", h.QueueFailed)
	r.POST("/api/prefetch/queue/retry/:jobId", h.QueueRetry)
	r.GET("/api/prefetch/metrics", h.Metrics)
	r.GET("/api/prefetch/metrics/:date", h.MetricsForDay)
	r.GET("/api/cache/:userId", h.GetTimeline)
	r.GET("/api/cache/status/:userId", h.CacheStatus)
	r.DELETE("/api/cache/:userId/timeline", h.InvalidateTimeline)
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("invalid JSON response: %v\n%s", err, w.Body.String())
		}
	}
	return w, out
}

func TestSchedule_Defaults(t *testing.T) {
	q := &stubQueue{addID: "J1"}
	r := newTestRouter(&stubService{}, q)

	w, body := doJSON(t, r, http.MethodPost, "/api/prefetch/schedule/u1", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d; want 202 (%s)", w.Code, w.Body.String())
	}
	if body["success"] != true {
		t.Fatalf("expected success envelope, got %v", body)
	}
	data := body["data"].(map[string]any)
	if data["jobId"] != "J1" || data["userId"] != "u1" || data["priority"] != "medium" {
		t.Fatalf("unexpected data: %v", data)
	}
	if q.addOpts.Priority != domain.PriorityMedium {
		t.Fatalf("default priority = %v; want medium", q.addOpts.Priority)
	}
}

func TestSchedule_PriorityAndDelay(t *testing.T) {
	q := &stubQueue{addID: "J2"}
	r := newTestRouter(&stubService{}, q)

	w, _ := doJSON(t, r, http.MethodPost, "/api/prefetch/schedule/u1",
		`{"priority":"high","delay":1500}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d; want 202", w.Code)
	}
	if q.addOpts.Priority != domain.PriorityHigh {
		t.Fatalf("priority = %v; want high", q.addOpts.Priority)
	}
	if q.addOpts.Delay != 1500*time.Millisecond {
		t.Fatalf("delay = %v; want 1.5s", q.addOpts.Delay)
	}
}

func TestSchedule_Validation(t *testing.T) {
	r := newTestRouter(&stubService{}, &stubQueue{addID: "J"})

	cases := []struct {
		path, body string
	}{
		{"/api/prefetch/schedule/bad%20user", ""},
		{"/api/prefetch/schedule/" + strings.Repeat("x", 65), ""},
		{"/api/prefetch/schedule/u1", `{"priority":"urgent"}`},
		{"/api/prefetch/schedule/u1", `{"delay":-5}`},
		{"/api/prefetch/schedule/u1", `{not json`},
	}
	for _, tc := range cases {
		w, body := doJSON(t, r, http.MethodPost, tc.path, tc.body)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s %q -> %d; want 400", tc.path, tc.body, w.Code)
		}
		if body["error"] != ErrCodeValidation {
			t.Fatalf("error code = %v; want %s", body["error"], ErrCodeValidation)
		}
	}
}

func TestSchedule_CountsScheduled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sink := metrics.NewSink()
	q := &stubQueue{addID: "J1"}
	h := New(&stubService{}, q, sink)
	r := gin.New()
	r.POST("/api/prefetch/schedule/:userId", h.Schedule)

	doJSON(t, r, http.MethodPost, "/api/prefetch/schedule/u1", "")
	if got := sink.Today()[metrics.PrefetchScheduled]; got != 1 {
		t.Fatalf("scheduled counter = %d; want 1", got)
	}

	// A collapsed add scheduled nothing new.
	q.addCollapsed = true
	doJSON(t, r, http.MethodPost, "/api/prefetch/schedule/u1", "")
	if got := sink.Today()[metrics.PrefetchScheduled]; got != 1 {
		t.Fatalf("scheduled counter = %d after collapsed add; want 1", got)
	}
}

func TestSchedule_QueueDown(t *testing.T) {
	r := newTestRouter(&stubService{}, &stubQueue{addErr: errors.New("redis gone")})

	w, body := doJSON(t, r, http.MethodPost, "/api/prefetch/schedule/u1", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d; want 503", w.Code)
	}
	if body["error"] != ErrCodeQueueUnavailable {
		t.Fatalf("error = %v; want %s", body["error"], ErrCodeQueueUnavailable)
	}
}

func TestImmediate_Success(t *testing.T) {
	art := &domain.Artifact{
		UserID:    "u2",
		Entries:   []json.RawMessage{json.RawMessage(`{"id":1}`)},
		FetchedAt: time.Now(),
		Tier:      domain.TierHot,
	}
	r := newTestRouter(&stubService{immediateArt: art}, &stubQueue{})

	w, body := doJSON(t, r, http.MethodPost, "/api/prefetch/immediate/u2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", w.Code)
	}
	data := body["data"].(map[string]any)
	if data["userId"] != "u2" || data["count"] != float64(1) || data["tier"] != "hot" {
		t.Fatalf("unexpected data: %v", data)
	}
}

func TestImmediate_UpstreamExhausted(t *testing.T) {
	svc := &stubService{immediateErr: prefetch.ErrUpstreamUnavailable}
	r := newTestRouter(svc, &stubQueue{})

	w, body := doJSON(t, r, http.MethodPost, "/api/prefetch/immediate/u2", "")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d; want 500", w.Code)
	}
	if body["error"] != ErrCodePrefetchFailed || body["kind"] != KindUpstream {
		t.Fatalf("body = %v; want PREFETCH_FAILED / UpstreamUnavailable", body)
	}
}

func TestQueueStats(t *testing.T) {
	q := &stubQueue{stats: domain.QueueStats{Waiting: 4, Active: 2, Failed: 1}}
	r := newTestRouter(&stubService{}, q)

	w, body := doJSON(t, r, http.MethodGet, "/api/prefetch/queue/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", w.Code)
	}
	data := body["data"].(map[string]any)
	if data["waiting"] != float64(4) || data["active"] != float64(2) {
		t.Fatalf("unexpected stats: %v", data)
	}
}

func TestQueueFailed_LimitHandling(t *testing.T) {
	q := &stubQueue{failed: []domain.FailedJob{
		{JobID: "J1", UserID: "u1"},
		{JobID: "J2", UserID: "u2"},
		{JobID: "J3", UserID: "u3"},
	}}
	r := newTestRouter(&stubService{}, q)

	w, body := doJSON(t, r, http.MethodGet, "/api/prefetch/queue/failed?limit=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", w.Code)
	}
	data := body["data"].(map[string]any)
	if data["count"] != float64(2) {
		t.Fatalf("count = %v; want 2", data["count"])
	}

	w, _ = doJSON(t, r, http.MethodGet, "/api/prefetch/queue/failed?limit=zero", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad limit -> %d; want 400", w.Code)
	}
	w, _ = doJSON(t, r, http.MethodGet, "/api/prefetch/queue/failed?limit=-1", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("negative limit -> %d; want 400", w.Code)
	}
}

func TestQueueRetry(t *testing.T) {
	r := newTestRouter(&stubService{}, &stubQueue{retried: true})
	w, body := doJSON(t, r, http.MethodPost, "/api/prefetch/queue/retry/J6", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", w.Code)
	}
	if body["success"] != true {
		t.Fatalf("expected success envelope, got %v", body)
	}
	if body["data"].(map[string]any)["jobId"] != "J6" {
		t.Fatalf("unexpected data: %v", body["data"])
	}

	r2 := newTestRouter(&stubService{}, &stubQueue{retried: false})
	w2, body2 := doJSON(t, r2, http.MethodPost, "/api/prefetch/queue/retry/nope", "")
	if w2.Code != http.StatusNotFound {
		t.Fatalf("unknown job -> %d; want 404", w2.Code)
	}
	if body2["kind"] != KindNotFound {
		t.Fatalf("kind = %v; want NotFound", body2["kind"])
	}
}

func TestMetricsEndpoints(t *testing.T) {
	r := newTestRouter(&stubService{}, &stubQueue{})

	w, body := doJSON(t, r, http.MethodGet, "/api/prefetch/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", w.Code)
	}
	data := body["data"].(map[string]any)
	if _, ok := data["cache"]; !ok {
		t.Fatalf("snapshot missing cache section: %v", data)
	}

	w, _ = doJSON(t, r, http.MethodGet, "/api/prefetch/metrics/2026-08-30", "")
	if w.Code != http.StatusOK {
		t.Fatalf("day metrics -> %d; want 200", w.Code)
	}
	w, _ = doJSON(t, r, http.MethodGet, "/api/prefetch/metrics/30-08-2026", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad date -> %d; want 400", w.Code)
	}
}

func TestGetTimeline_HitAndMiss(t *testing.T) {
	art := &domain.Artifact{
		UserID:    "u1",
		Entries:   []json.RawMessage{json.RawMessage(`{"id":1}`), json.RawMessage(`{"id":2}`)},
		FetchedAt: time.Now(),
		Tier:      domain.TierWarm,
	}
	r := newTestRouter(&stubService{readArt: art, readHit: true}, &stubQueue{})

	w, body := doJSON(t, r, http.MethodGet, "/api/cache/u1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", w.Code)
	}
	data := body["data"].(map[string]any)
	if data["cached"] != true || data["tier"] != "warm" || data["count"] != float64(2) {
		t.Fatalf("unexpected data: %v", data)
	}

	r2 := newTestRouter(&stubService{}, &stubQueue{})
	w2, body2 := doJSON(t, r2, http.MethodGet, "/api/cache/u9", "")
	if w2.Code != http.StatusNotFound {
		t.Fatalf("miss -> %d; want 404", w2.Code)
	}
	if body2["error"] != ErrCodeNotFound {
		t.Fatalf("error = %v; want NOT_FOUND", body2["error"])
	}
}

func TestInvalidateTimeline(t *testing.T) {
	svc := &stubService{}
	r := newTestRouter(svc, &stubQueue{})

	w, body := doJSON(t, r, http.MethodDelete, "/api/cache/u1/timeline", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", w.Code)
	}
	if body["data"].(map[string]any)["userId"] != "u1" {
		t.Fatalf("unexpected data: %v", body["data"])
	}
	if len(svc.invalidated) != 1 || svc.invalidated[0] != "u1" {
		t.Fatalf("invalidate not forwarded: %v", svc.invalidated)
	}
}

func TestCacheStatus(t *testing.T) {
	svc := &stubService{status: cache.Status{Exists: true, Tier: domain.TierHot, TTL: 90 * time.Second}}
	r := newTestRouter(svc, &stubQueue{})

	w, body := doJSON(t, r, http.MethodGet, "/api/cache/status/u1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", w.Code)
	}
	data := body["data"].(map[string]any)
	if data["exists"] != true || data["tier"] != "hot" || data["ttl"] != float64(90000) {
		t.Fatalf("unexpected data: %v", data)
	}
}
