// Package metrics implements the engine's per-process metrics sink: named
// counters bucketed by day, a rolling fetch-latency window, and per-tier
// fill rates. The same signals are exported through Prometheus collectors so
// dashboards and the control API read from one source. Nothing here persists
// across restarts.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Counter names. Tier counters feed fill rates; prefetch counters feed the
// job-outcome view.
const (
	HotHits           = "hot.hits"
	HotMisses         = "hot.misses"
	WarmHits          = "warm.hits"
	WarmMisses        = "warm.misses"
	PrefetchScheduled = "prefetch.scheduled"
	PrefetchSucceeded = "prefetch.succeeded"
	PrefetchFailed    = "prefetch.failed"
	PrefetchStalled   = "prefetch.stalled"
)

// dayRetention bounds how many day buckets the sink keeps.
const dayRetention = 7

// latencyWindow bounds the rolling fetch-latency sample count.
const latencyWindow = 512

var (
	promEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prefetch_events_total",
			Help: "Total prefetch engine events by counter name.",
		},
		[]string{"event"},
	)

	promFetchLat = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "prefetch_fetch_duration_seconds",
			Help:    "Duration of origin timeline fetches in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(promEvents, promFetchLat)
}

// LatencyStats summarizes the rolling fetch-latency window.
type LatencyStats struct {
	Count int     `json:"count"`
	AvgMS float64 `json:"avg_ms"`
	P95MS float64 `json:"p95_ms"`
}

// TierStats is the per-tier counter view plus the derived fill rate
// (hits / (hits + misses); 0 when no samples).
type TierStats struct {
	Hits     int64   `json:"hits"`
	Misses   int64   `json:"misses"`
	FillRate float64 `json:"fill_rate"`
}

// Snapshot is the aggregate view served by the metrics endpoint.
type Snapshot struct {
	Cache struct {
		Hot  TierStats `json:"hot"`
		Warm TierStats `json:"warm"`
	} `json:"cache"`
	Prefetch struct {
		Scheduled int64        `json:"scheduled"`
		Succeeded int64        `json:"succeeded"`
		Failed    int64        `json:"failed"`
		Stalled   int64        `json:"stalled"`
		Latency   LatencyStats `json:"latency"`
	} `json:"prefetch"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink accumulates counters in per-day buckets and keeps a rolling latency
// window. Increments are short critical sections; no lock is held across
// suspension points.
//
// Safe for concurrent use.
type Sink struct {
	mu   sync.Mutex
	days map[string]map[string]int64
	// order tracks day keys oldest-first for retention pruning.
	order []string

	lat    []float64 // ring buffer of fetch durations in ms
	latPos int
	latLen int

	now func() time.Time
}

// NewSink constructs an empty sink.
func NewSink() *Sink {
	return &Sink{
		days: make(map[string]map[string]int64),
		lat:  make([]float64, latencyWindow),
		now:  time.Now,
	}
}

// dayKey formats t as the bucket key (UTC calendar day).
func dayKey(t time.Time) string { return t.UTC().Format("2006-01-02") }

// Inc increments the named counter in today's bucket by one.
func (s *Sink) Inc(name string) { s.Add(name, 1) }

// Add increments the named counter in today's bucket by n.
func (s *Sink) Add(name string, n int64) {
	promEvents.WithLabelValues(name).Add(float64(n))

	s.mu.Lock()
	day := dayKey(s.now())
	bucket, ok := s.days[day]
	if !ok {
		bucket = make(map[string]int64)
		s.days[day] = bucket
		s.order = append(s.order, day)
		for len(s.order) > dayRetention {
			delete(s.days, s.order[0])
			s.order = s.order[1:]
		}
	}
	bucket[name] += n
	s.mu.Unlock()
}

// ObserveFetch records one origin fetch duration.
func (s *Sink) ObserveFetch(d time.Duration) {
	promFetchLat.Observe(d.Seconds())

	s.mu.Lock()
	s.lat[s.latPos] = float64(d.Milliseconds())
	s.latPos = (s.latPos + 1) % len(s.lat)
	if s.latLen < len(s.lat) {
		s.latLen++
	}
	s.mu.Unlock()
}

// Day returns a copy of the counters for the given day key (YYYY-MM-DD).
// Absent days return an empty map.
func (s *Sink) Day(day string) map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.days[day]))
	for k, v := range s.days[day] {
		out[k] = v
	}
	return out
}

// Today returns a copy of today's counters.
func (s *Sink) Today() map[string]int64 {
	return s.Day(dayKey(s.now()))
}

// Latency summarizes the rolling fetch-latency window.
func (s *Sink) Latency() LatencyStats {
	s.mu.Lock()
	n := s.latLen
	samples := make([]float64, n)
	copy(samples, s.lat[:n])
	s.mu.Unlock()

	if n == 0 {
		return LatencyStats{}
	}
	var sum float64
	for _, v := range samples {
		sum += v
	}
	sort.Float64s(samples)
	idx := (n * 95) / 100
	if idx >= n {
		idx = n - 1
	}
	return LatencyStats{
		Count: n,
		AvgMS: sum / float64(n),
		P95MS: samples[idx],
	}
}

// Current builds the aggregate snapshot from today's counters and the
// rolling latency window.
func (s *Sink) Current() Snapshot {
	today := s.Today()
	return s.snapshotFrom(today)
}

// ForDay builds a snapshot for an addressable prior day. Latency is a
// rolling window and is only meaningful for the current snapshot; it is
// zeroed for historical days.
func (s *Sink) ForDay(day string) Snapshot {
	snap := s.snapshotFrom(s.Day(day))
	snap.Prefetch.Latency = LatencyStats{}
	return snap
}

func (s *Sink) snapshotFrom(c map[string]int64) Snapshot {
	var snap Snapshot
	snap.Cache.Hot = tierStats(c[HotHits], c[HotMisses])
	snap.Cache.Warm = tierStats(c[WarmHits], c[WarmMisses])
	snap.Prefetch.Scheduled = c[PrefetchScheduled]
	snap.Prefetch.Succeeded = c[PrefetchSucceeded]
	snap.Prefetch.Failed = c[PrefetchFailed]
	snap.Prefetch.Stalled = c[PrefetchStalled]
	snap.Prefetch.Latency = s.Latency()
	snap.Timestamp = s.now()
	return snap
}

func tierStats(hits, misses int64) TierStats {
	ts := TierStats{Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		ts.FillRate = float64(hits) / float64(total)
	}
	return ts
}
