// Command server runs the timeline prefetch engine: the worker pool and
// scheduler behind the HTTP control plane.
//
// Startup order: configuration, logging, tracing, Redis, auth clients, cache,
// queue, scheduler, HTTP. Shutdown reverses it on SIGTERM/SIGINT: stop
// accepting requests, stop the scheduler, drain the queue's in-flight
// handlers, then release clients.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nodal-labs/prefetch-engine/internal/auth"
	"github.com/nodal-labs/prefetch-engine/internal/cache"
	"github.com/nodal-labs/prefetch-engine/internal/config"
	httpapi "github.com/nodal-labs/prefetch-engine/internal/http"
	"github.com/nodal-labs/prefetch-engine/internal/http/handlers"
	"github.com/nodal-labs/prefetch-engine/internal/metrics"
	"github.com/nodal-labs/prefetch-engine/internal/observability"
	"github.com/nodal-labs/prefetch-engine/internal/origin"
	"github.com/nodal-labs/prefetch-engine/internal/prefetch"
	"github.com/nodal-labs/prefetch-engine/internal/queue"
	"github.com/nodal-labs/prefetch-engine/internal/strategy"
	"github.com/nodal-labs/prefetch-engine/internal/sysutil"
)

// version is stamped at build time via -ldflags.
var version = "dev"

// shutdownTimeout bounds the entire graceful-stop sequence.
const shutdownTimeout = 30 * time.Second

func main() {
	// Optional .env for local development; absence is not an error.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	gin.SetMode(cfg.GinMode)

	ctx := context.Background()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		// Degraded start: reads miss and enqueues fail until Redis returns,
		// but the process stays up and /health reports the outage.
		log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable at startup")
	}
	cancel()

	tokens := auth.NewClient(cfg.Auth, nil)
	verifier := auth.NewVerifier(cfg.Auth, nil)
	originClient := origin.NewClient(cfg.OriginURL, cfg.PrefetchTimeout, nil)

	tiered := cache.New(rdb, cfg.Cache)
	sink := metrics.NewSink()
	tracker := strategy.NewTracker()

	q := queue.New(rdb, cfg.Queue)
	q.Notify(queue.Events{
		Stalled: func(jobID string) {
			sink.Inc(metrics.PrefetchStalled)
		},
		Error: func(err error) {
			log.Error().Err(err).Msg("queue backend error")
		},
	})

	svc := prefetch.NewService(tokens, originClient, tiered, sink, tracker)
	go q.Process(cfg.Worker.Concurrency, svc.Execute)

	scheduler := strategy.NewScheduler(q, sink,
		cfg.ActivityCheckInterval, cfg.Worker.BatchSize,
		strategy.NewActivityStrategy(tracker),
	)
	scheduler.Start()

	engine := gin.New()
	httpapi.RegisterRoutes(engine, httpapi.Deps{
		Handlers: handlers.New(svc, q, sink),
		Health:   handlers.NewHealth(tiered, originClient, tokens, q, time.Now()),
		Verifier: verifier,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("prefetch engine listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	stopCtx, stopCancel := context.WithTimeout(ctx, shutdownTimeout)
	defer stopCancel()

	if err := srv.Shutdown(stopCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown incomplete")
	}
	scheduler.Stop()
	if err := q.Close(stopCtx); err != nil {
		log.Error().Err(err).Msg("queue close incomplete; in-flight jobs will be reaped as stalled")
	}
	tokens.Close()
	if err := rdb.Close(); err != nil {
		log.Error().Err(err).Msg("redis close failed")
	}
	if err := shutdownOTel(stopCtx); err != nil {
		log.Error().Err(err).Msg("otel shutdown failed")
	}
	log.Info().Msg("prefetch engine stopped")
}
