// Health endpoints:
//   - GET /health        composite dependency report
//   - GET /health/ready  readiness: cache backend reachable
//   - GET /health/live   liveness: process is up
//
// The composite report grades the service healthy, degraded (a dependency is
// down but cached reads still work), or unhealthy (cache backend
// unreachable). Only unhealthy maps to a 503.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nodal-labs/prefetch-engine/internal/sysutil"
)

// Pinger is a reachability probe on a dependency client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// probeTimeout bounds each dependency probe so a hung dependency cannot hang
// the health endpoint.
const probeTimeout = 2 * time.Second

// Health implements the health endpoints over the dependency probes.
type Health struct {
	cache   Pinger
	origin  Pinger
	ca      Pinger
	queue   JobQueue
	started time.Time
}

// NewHealth constructs the health handler. started anchors uptime reporting.
func NewHealth(cache, origin, ca Pinger, q JobQueue, started time.Time) *Health {
	return &Health{cache: cache, origin: origin, ca: ca, queue: q, started: started}
}

// HealthReport is the composite health view.
type HealthReport struct {
	Status string              `json:"status"` // healthy | degraded | unhealthy
	Uptime string              `json:"uptime"`
	Checks map[string]string   `json:"checks"` // dependency -> up | down
	Queue  any                 `json:"queue,omitempty"`
	Memory sysutil.MemoryUsage `json:"memory"`
}

// Report runs all dependency probes and grades the service.
func (h *Health) Report(c *gin.Context) {
	checks := map[string]string{
		"cache":  h.probe(c, h.cache),
		"origin": h.probe(c, h.origin),
		"ca":     h.probe(c, h.ca),
	}

	report := HealthReport{
		Uptime: time.Since(h.started).Round(time.Second).String(),
		Checks: checks,
		Memory: sysutil.ReadMemoryUsage(),
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
	stats, err := h.queue.Stats(ctx)
	cancel()
	if err != nil {
		checks["queue"] = "down"
	} else {
		checks["queue"] = "up"
		report.Queue = stats
	}

	switch {
	case checks["cache"] == "down":
		report.Status = "unhealthy"
	case checks["origin"] == "down" || checks["ca"] == "down" || checks["queue"] == "down":
		report.Status = "degraded"
	default:
		report.Status = "healthy"
	}

	status := http.StatusOK
	if report.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, Envelope{Success: report.Status != "unhealthy", Data: report})
}

// Ready answers 200 when the cache backend is reachable, 503 otherwise.
func (h *Health) Ready(c *gin.Context) {
	if h.probe(c, h.cache) == "down" {
		c.JSON(http.StatusServiceUnavailable, Envelope{Error: "NOT_READY", Kind: KindUpstream,
			Message: "cache backend unreachable"})
		return
	}
	ok(c, http.StatusOK, gin.H{"status": "ready"})
}

// Live answers 200 unconditionally with process uptime.
func (h *Health) Live(c *gin.Context) {
	ok(c, http.StatusOK, gin.H{
		"status": "alive",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

func (h *Health) probe(c *gin.Context, p Pinger) string {
	if p == nil {
		return "down"
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		return "down"
	}
	return "up"
}
