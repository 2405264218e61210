// Package httpapi wires the Gin transport to the prefetch service, job
// queue, and metrics sink. It owns middleware ordering and the route table;
// all dependencies are injected.
//
// Middleware order:
//  1. OpenTelemetry tracing
//  2. RequestID (correlation)
//  3. Logger (structured access logs)
//  4. Recovery (panics → enveloped 500)
//  5. Body size limit
//  6. Prometheus metrics
//  7. CORS + security headers
//  8. Per-group authentication and rate limiting
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/nodal-labs/prefetch-engine/internal/auth"
	"github.com/nodal-labs/prefetch-engine/internal/config"
	"github.com/nodal-labs/prefetch-engine/internal/http/handlers"
	"github.com/nodal-labs/prefetch-engine/internal/http/middleware"
)

// Deps carries everything the router mounts.
type Deps struct {
	Handlers *handlers.Handlers
	Health   *handlers.Health
	Verifier *auth.Verifier
}

// RegisterRoutes attaches all middleware and endpoints to the engine.
//
// Permission model: cache and queue reads require "read"; scheduling and
// retries require "write"; invalidation requires "delete". Health endpoints
// and /metrics are unauthenticated so probes and scrapers need no tokens.
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	if cfg.OTEL.Enabled {
		r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	}
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	r.Use(limitBody(256 << 10))
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if len(cfg.CORS.AllowedOrigins) == 0 {
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	} else {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		NoStore:      true,
		EnablePolicy: true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, handlers.KindNotFound,
			"route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed,
			handlers.KindValidation, "method not allowed")
	})

	r.GET("/health", deps.Health.Report)
	r.GET("/health/ready", deps.Health.Ready)
	r.GET("/health/live", deps.Health.Live)

	h := deps.Handlers
	rl := middleware.NewLimiters(cfg.RateLimit)

	api := r.Group("/api")
	api.Use(rl.Global.Handler())
	{
		pf := api.Group("/prefetch")
		{
			write := pf.Group("")
			write.Use(middleware.Authenticate(deps.Verifier, "write"))
			write.POST("/schedule/:userId", rl.Enqueue.Handler(), h.Schedule)
			write.POST("/immediate/:userId", rl.Enqueue.Handler(), h.Immediate)
			write.POST("/queue/retry/:jobId", h.QueueRetry)

			read := pf.Group("")
			read.Use(middleware.Authenticate(deps.Verifier, "read"))
			read.GET("/queue/stats", h.QueueStats)
			read.GET("/queue/failed", h.QueueFailed)
			read.GET("/metrics", h.Metrics)
			read.GET("/metrics/:date", h.MetricsForDay)
		}

		ca := api.Group("/cache")
		{
			read := ca.Group("")
			read.Use(middleware.Authenticate(deps.Verifier, "read"), rl.Read.Handler())
			read.GET("/:userId", h.GetTimeline)
			read.GET("/status/:userId", h.CacheStatus)

			del := ca.Group("")
			del.Use(middleware.Authenticate(deps.Verifier, "delete"))
			del.DELETE("/:userId/timeline", h.InvalidateTimeline)
		}
	}
}

// limitBody caps the request body size using http.MaxBytesReader; reads past
// the cap error out downstream.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
