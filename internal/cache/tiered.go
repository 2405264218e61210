// Package cache implements the two-tier (hot/warm) timeline cache on Redis.
//
// Entries are per-user hashes carrying the serialized artifact and its fetch
// timestamp, expired by Redis TTLs per tier. Writes go through a Lua script
// that enforces the two engine invariants atomically: an entry lives in at
// most one tier, and a write never regresses the stored fetch timestamp
// (put-if-newer). Backend failures degrade: reads become misses, writes and
// deletes become logged no-ops. The cache never takes a worker down.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/nodal-labs/prefetch-engine/internal/config"
	"github.com/nodal-labs/prefetch-engine/internal/domain"
)

var backendErrors = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cache_backend_errors_total",
		Help: "Total Redis failures observed by the tiered cache, by operation.",
	},
	[]string{"op"},
)

func init() {
	prometheus.MustRegister(backendErrors)
}

// putIfNewer writes an entry into the target tier unless either tier already
// holds a newer fetch for the same user, and clears the other tier so the
// entry exists in exactly one place.
//
// KEYS[1] target tier key, KEYS[2] other tier key.
// ARGV[1] serialized artifact, ARGV[2] fetchedAt unix-millis, ARGV[3] TTL millis.
// Returns 1 when the write landed, 0 when a newer entry won.
var putIfNewer = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'fetched_at')
if cur and tonumber(cur) > tonumber(ARGV[2]) then return 0 end
local other = redis.call('HGET', KEYS[2], 'fetched_at')
if other and tonumber(other) > tonumber(ARGV[2]) then return 0 end
redis.call('DEL', KEYS[1], KEYS[2])
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'fetched_at', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// Status describes a user's cache entry for the status endpoint.
type Status struct {
	Exists bool          `json:"exists"`
	Tier   domain.Tier   `json:"tier,omitempty"`
	TTL    time.Duration `json:"ttl,omitempty"`
}

// Tiered is the two-tier timeline cache.
//
// Safe for concurrent use across goroutines and processes; all coordination
// happens in Redis.
type Tiered struct {
	rdb     redis.UniversalClient
	hotTTL  time.Duration
	warmTTL time.Duration
	maxSize int
}

// New constructs the tiered cache over an existing Redis client.
func New(rdb redis.UniversalClient, cfg config.CacheConfig) *Tiered {
	return &Tiered{
		rdb:     rdb,
		hotTTL:  cfg.HotTTL,
		warmTTL: cfg.WarmTTL,
		maxSize: cfg.MaxTimelineSize,
	}
}

func hotKey(userID string) string  { return "timeline:hot:" + userID }
func warmKey(userID string) string { return "timeline:warm:" + userID }

func (t *Tiered) ttlFor(tier domain.Tier) time.Duration {
	if tier == domain.TierHot {
		return t.hotTTL
	}
	return t.warmTTL
}

// Get returns the cached artifact for userID, checking hot before warm. The
// returned artifact is annotated with its tier. A backend failure is counted
// and surfaces as a miss.
func (t *Tiered) Get(ctx context.Context, userID string) (*domain.Artifact, bool) {
	for _, tier := range []domain.Tier{domain.TierHot, domain.TierWarm} {
		key := hotKey(userID)
		if tier == domain.TierWarm {
			key = warmKey(userID)
		}
		raw, err := t.rdb.HGet(ctx, key, "data").Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			backendErrors.WithLabelValues("get").Inc()
			log.Warn().Err(err).Str("user_id", userID).Msg("cache read failed, treating as miss")
			return nil, false
		}
		var art domain.Artifact
		if err := json.Unmarshal([]byte(raw), &art); err != nil {
			backendErrors.WithLabelValues("decode").Inc()
			log.Warn().Err(err).Str("user_id", userID).Msg("corrupt cache entry, treating as miss")
			return nil, false
		}
		art.Tier = tier
		return &art, true
	}
	return nil, false
}

// Put writes the artifact into tier, truncating to the configured size bound
// first. A stored entry with a newer fetchedAt wins regardless of tier; the
// stale write is dropped and reported via the return value. Backend failures
// are silent drops.
func (t *Tiered) Put(ctx context.Context, userID string, art *domain.Artifact, tier domain.Tier) bool {
	art.Truncate(t.maxSize)
	// The tier annotation is a read-side concern; never persist it.
	stored := *art
	stored.Tier = ""

	data, err := json.Marshal(&stored)
	if err != nil {
		backendErrors.WithLabelValues("encode").Inc()
		log.Error().Err(err).Str("user_id", userID).Msg("cache write dropped: encode failed")
		return false
	}

	target, other := hotKey(userID), warmKey(userID)
	if tier == domain.TierWarm {
		target, other = other, target
	}

	n, err := putIfNewer.Run(ctx, t.rdb,
		[]string{target, other},
		data, art.FetchedAt.UnixMilli(), t.ttlFor(tier).Milliseconds(),
	).Int()
	if err != nil {
		backendErrors.WithLabelValues("put").Inc()
		log.Warn().Err(err).Str("user_id", userID).Msg("cache write dropped: backend failure")
		return false
	}
	if n == 0 {
		log.Debug().Str("user_id", userID).Msg("cache write superseded by newer entry")
		return false
	}
	return true
}

// Delete removes the user's entry from both tiers. Backend failures are
// logged no-ops.
func (t *Tiered) Delete(ctx context.Context, userID string) {
	if err := t.rdb.Del(ctx, hotKey(userID), warmKey(userID)).Err(); err != nil {
		backendErrors.WithLabelValues("delete").Inc()
		log.Warn().Err(err).Str("user_id", userID).Msg("cache delete failed")
	}
}

// Exists reports whether the user has a live entry in either tier.
func (t *Tiered) Exists(ctx context.Context, userID string) bool {
	n, err := t.rdb.Exists(ctx, hotKey(userID), warmKey(userID)).Result()
	if err != nil {
		backendErrors.WithLabelValues("exists").Inc()
		return false
	}
	return n > 0
}

// StatusOf reports the tier and remaining TTL for the user's entry, if any.
func (t *Tiered) StatusOf(ctx context.Context, userID string) Status {
	for _, tier := range []domain.Tier{domain.TierHot, domain.TierWarm} {
		key := hotKey(userID)
		if tier == domain.TierWarm {
			key = warmKey(userID)
		}
		ttl, err := t.rdb.PTTL(ctx, key).Result()
		if err != nil {
			backendErrors.WithLabelValues("ttl").Inc()
			return Status{}
		}
		// PTTL returns -2 for a missing key and -1 for a key without expiry;
		// entries always carry one, so both mean "no live entry here".
		if ttl > 0 {
			return Status{Exists: true, Tier: tier, TTL: ttl}
		}
	}
	return Status{}
}

// Ping probes the backend for readiness checks.
func (t *Tiered) Ping(ctx context.Context) error {
	return t.rdb.Ping(ctx).Err()
}
