// Package strategy decides which users to refresh and when. The activity
// strategy is the default: user activity signals accumulate in an in-memory
// set, and a periodic scheduler drains the set into high-priority prefetch
// jobs. Further strategies implement the same Strategy interface and run on
// the same tick.
package strategy

import (
	"context"
	"sync"

	"github.com/nodal-labs/prefetch-engine/internal/domain"
)

// Tracker is the in-memory activity set: user ids observed since the last
// scheduler tick. Drain swaps in a fresh set under the lock, so signals
// arriving mid-drain land in the next tick rather than being lost.
//
// Safe for concurrent use; per-process by design.
type Tracker struct {
	mu  sync.Mutex
	set map[string]struct{}
}

// NewTracker constructs an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{set: make(map[string]struct{})}
}

// Track records an activity signal for userID. Duplicate signals within one
// tick collapse.
func (t *Tracker) Track(userID string) {
	if userID == "" {
		return
	}
	t.mu.Lock()
	t.set[userID] = struct{}{}
	t.mu.Unlock()
}

// Contains reports whether userID has signaled activity since the last drain.
func (t *Tracker) Contains(userID string) bool {
	t.mu.Lock()
	_, ok := t.set[userID]
	t.mu.Unlock()
	return ok
}

// Len reports the current set size.
func (t *Tracker) Len() int {
	t.mu.Lock()
	n := len(t.set)
	t.mu.Unlock()
	return n
}

// Drain atomically takes the current set and installs a fresh empty one,
// returning the drained user ids in no particular order.
func (t *Tracker) Drain() []string {
	t.mu.Lock()
	set := t.set
	t.set = make(map[string]struct{})
	t.mu.Unlock()

	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Candidate is one scheduling decision: refresh this user at this priority.
type Candidate struct {
	UserID   string
	Priority domain.Priority
}

// Strategy produces a batch of scheduling candidates per tick. Event-driven
// and predictive strategies plug in beside the activity strategy through
// this interface.
type Strategy interface {
	Name() string
	Schedule(ctx context.Context) []Candidate
}

// ActivityStrategy drains the tracker into high-priority candidates.
type ActivityStrategy struct {
	tracker *Tracker
}

// NewActivityStrategy binds the strategy to a tracker.
func NewActivityStrategy(t *Tracker) *ActivityStrategy {
	return &ActivityStrategy{tracker: t}
}

// Name implements Strategy.
func (s *ActivityStrategy) Name() string { return "activity" }

// Schedule implements Strategy: every user active since the last tick is a
// high-priority candidate. An empty drain yields nil.
func (s *ActivityStrategy) Schedule(_ context.Context) []Candidate {
	users := s.tracker.Drain()
	if len(users) == 0 {
		return nil
	}
	out := make([]Candidate, 0, len(users))
	for _, id := range users {
		out = append(out, Candidate{UserID: id, Priority: domain.PriorityHigh})
	}
	return out
}
