// Package prefetch implements the engine's core service: fetch a user's
// timeline from the origin with a service token and place it in the tiered
// cache. The same path backs the queue's worker handler and the synchronous
// immediate-fetch endpoint; reads and invalidation also route through here
// so cache metrics stay in one place.
package prefetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nodal-labs/prefetch-engine/internal/auth"
	"github.com/nodal-labs/prefetch-engine/internal/cache"
	"github.com/nodal-labs/prefetch-engine/internal/domain"
	"github.com/nodal-labs/prefetch-engine/internal/metrics"
	"github.com/nodal-labs/prefetch-engine/internal/origin"
	"github.com/nodal-labs/prefetch-engine/internal/queue"
	"github.com/nodal-labs/prefetch-engine/internal/strategy"
)

// originService and readPermissions identify what the worker asks the CA
// for when calling the timeline origin.
const originService = "timeline"

var readPermissions = []string{"read"}

// immediateRetries caps in-call retries of transient origin failures on the
// synchronous path. The queue path never retries in-call; it throws so the
// queue applies backoff.
const immediateRetries = 3

// ErrUpstreamUnavailable is surfaced when the origin (or the CA on its
// behalf) stays unavailable past the retry ceiling.
var ErrUpstreamUnavailable = errors.New("timeline origin unavailable")

// Service wires the token client, origin client, tiered cache, metrics
// sink, and activity tracker into the prefetch path.
//
// Safe for concurrent use.
type Service struct {
	tokens  *auth.Client
	origin  *origin.Client
	cache   *cache.Tiered
	sink    *metrics.Sink
	tracker *strategy.Tracker
}

// NewService constructs the prefetch service.
func NewService(tokens *auth.Client, oc *origin.Client, tc *cache.Tiered, sink *metrics.Sink, tracker *strategy.Tracker) *Service {
	return &Service{tokens: tokens, origin: oc, cache: tc, sink: sink, tracker: tracker}
}

// Execute is the queue worker handler: one fetch attempt for job's user.
// Transient failures return a plain error so the queue applies its backoff;
// permanent failures return queue.Unrecoverable so the job fails terminally
// on this attempt.
func (s *Service) Execute(ctx context.Context, job *domain.Job) (domain.Tier, error) {
	art, err := s.fetch(ctx, job.UserID)
	if err != nil {
		s.sink.Inc(metrics.PrefetchFailed)
		if origin.IsPermanent(err) {
			return "", queue.Unrecoverable(err)
		}
		return "", err
	}

	tier := s.tierFor(job)
	// A superseding write or a degraded backend may drop ours; the job
	// still did its work, so either way it completes.
	s.cache.Put(ctx, job.UserID, art, tier)
	s.sink.Inc(metrics.PrefetchSucceeded)
	return tier, nil
}

// Immediate fetches synchronously for the control API, retrying transient
// failures up to the in-call ceiling, and writes the result to the cache.
func (s *Service) Immediate(ctx context.Context, userID string, priority domain.Priority) (*domain.Artifact, error) {
	var lastErr error
	for attempt := 1; attempt <= immediateRetries; attempt++ {
		art, err := s.fetch(ctx, userID)
		if err == nil {
			tier := domain.TierWarm
			if priority == domain.PriorityHigh || s.tracker.Contains(userID) {
				tier = domain.TierHot
			}
			s.cache.Put(ctx, userID, art, tier)
			s.sink.Inc(metrics.PrefetchSucceeded)
			art.Tier = tier
			return art, nil
		}
		lastErr = err
		if origin.IsPermanent(err) || errors.Is(err, context.Canceled) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, ctx.Err())
		case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
		}
	}
	s.sink.Inc(metrics.PrefetchFailed)
	if origin.IsPermanent(lastErr) {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, lastErr)
}

// Read serves the cache read path and records per-tier hit/miss counters:
// a warm hit still counts a hot miss, since hot was checked first.
func (s *Service) Read(ctx context.Context, userID string) (*domain.Artifact, bool) {
	art, ok := s.cache.Get(ctx, userID)
	switch {
	case ok && art.Tier == domain.TierHot:
		s.sink.Inc(metrics.HotHits)
	case ok:
		s.sink.Inc(metrics.HotMisses)
		s.sink.Inc(metrics.WarmHits)
	default:
		s.sink.Inc(metrics.HotMisses)
		s.sink.Inc(metrics.WarmMisses)
	}
	return art, ok
}

// Invalidate drops the user's cached timeline and records the activity
// signal so the next scheduler tick refreshes it.
func (s *Service) Invalidate(ctx context.Context, userID string) {
	s.cache.Delete(ctx, userID)
	s.tracker.Track(userID)
}

// Status reports tier and TTL for the status endpoint.
func (s *Service) Status(ctx context.Context, userID string) cache.Status {
	return s.cache.StatusOf(ctx, userID)
}

// fetch acquires a token and calls the origin, translating an origin 401
// into a token invalidation plus a retryable error.
func (s *Service) fetch(ctx context.Context, userID string) (*domain.Artifact, error) {
	start := time.Now()

	token, err := s.tokens.ServiceToken(ctx, originService, readPermissions)
	if err != nil {
		// CA outage: retryable from the queue's point of view.
		return nil, fmt.Errorf("acquire token: %w", err)
	}

	art, err := s.origin.FetchTimeline(ctx, userID, token)
	if err != nil {
		if errors.Is(err, origin.ErrUnauthorized) {
			s.tokens.Invalidate(originService, readPermissions)
			log.Warn().Str("user_id", userID).Msg("origin rejected token; cache key invalidated")
			return nil, fmt.Errorf("token rejected, re-issue pending: %w", err)
		}
		return nil, err
	}

	s.sink.ObserveFetch(time.Since(start))
	return art, nil
}

// tierFor picks the destination tier: hot for high-priority jobs and users
// active at completion time, warm otherwise.
func (s *Service) tierFor(job *domain.Job) domain.Tier {
	if job.Priority == domain.PriorityHigh || s.tracker.Contains(job.UserID) {
		return domain.TierHot
	}
	return domain.TierWarm
}
