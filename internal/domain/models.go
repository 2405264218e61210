// Package domain defines the core types of the prefetch engine: timeline
// artifacts, cache tiers, prefetch jobs and their lifecycle states, job
// outcome records, and queue statistics. These types are shared across the
// cache, queue, worker, and HTTP layers.
package domain

import (
	"encoding/json"
	"time"
)

// Tier identifies one of the two logical cache stores. Hot entries belong to
// recently-active users and carry a short TTL; warm entries carry a longer
// TTL for users whose activity has cooled.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
)

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool { return t == TierHot || t == TierWarm }

// Priority orders prefetch jobs for dispatch. High sorts before medium,
// medium before low; ties within a priority are FIFO by enqueue time.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank maps a priority to its numeric dispatch rank (lower dispatches first).
// Unknown values rank with low so a corrupt record can never jump the queue.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

// Valid reports whether p is one of the allowed priorities.
func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityMedium || p == PriorityLow
}

// Artifact is the opaque timeline value produced by the origin service.
// The engine never inspects entry contents; it only observes the fetch
// timestamp, the tier assigned at write time, and the entry count (bounded
// by configuration before a cache write).
type Artifact struct {
	UserID    string            `json:"user_id"`
	Entries   []json.RawMessage `json:"entries"`
	FetchedAt time.Time         `json:"fetched_at"`
	// Tier is annotated on cache reads; empty on a freshly fetched artifact.
	Tier Tier `json:"tier,omitempty"`
}

// Truncate caps the artifact at max entries, keeping the head of the list.
// A non-positive max leaves the artifact unchanged.
func (a *Artifact) Truncate(max int) {
	if max > 0 && len(a.Entries) > max {
		a.Entries = a.Entries[:max]
	}
}

// JobState is the queue-side lifecycle state of a prefetch job.
//
// Transitions: waiting → active → (completed | failed);
// waiting → delayed → waiting; active → waiting (stall);
// failed → waiting (retry).
type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateDelayed   JobState = "delayed"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// Job is a unit of prefetch work: refresh one user's cached timeline.
type Job struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Priority  Priority  `json:"priority"`
	State     JobState  `json:"state"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
	// DelayUntil defers eligibility; zero means immediately eligible.
	DelayUntil time.Time `json:"delay_until,omitempty"`
	// LastError holds the most recent handler failure, if any.
	LastError  string    `json:"last_error,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Outcome classifies how a job execution ended.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeFailed  Outcome = "failed"
	OutcomeStalled Outcome = "stalled"
)

// JobRecord is the immutable outcome record retained for introspection.
// The queue keeps a bounded window of completed and failed records.
type JobRecord struct {
	JobID        string    `json:"job_id"`
	UserID       string    `json:"user_id"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	DurationMS   int64     `json:"duration_ms"`
	Tier         Tier      `json:"tier,omitempty"`
	Outcome      Outcome   `json:"outcome"`
	Attempts     int       `json:"attempts"`
	ErrorSummary string    `json:"error_summary,omitempty"`
}

// FailedJob is the introspection view of a failed job, as listed by the
// failed-jobs endpoint.
type FailedJob struct {
	JobID        string    `json:"job_id"`
	UserID       string    `json:"user_id"`
	Priority     Priority  `json:"priority"`
	FailedReason string    `json:"failed_reason"`
	Attempts     int       `json:"attempts"`
	Timestamp    time.Time `json:"timestamp"`
}

// QueueStats is a point-in-time snapshot of queue depths. Partial is set
// when the backend could not be fully sampled; populated fields are still
// meaningful in that case.
type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    bool  `json:"paused"`
	Partial   bool  `json:"partial,omitempty"`
}
