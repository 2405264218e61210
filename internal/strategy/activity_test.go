package strategy

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/nodal-labs/prefetch-engine/internal/domain"
)

func TestTracker_TrackAndDrain(t *testing.T) {
	tr := NewTracker()

	tr.Track("u1")
	tr.Track("u2")
	tr.Track("u1") // duplicate signals collapse
	tr.Track("")   // empty ids are dropped

	if tr.Len() != 2 || !tr.Contains("u1") || tr.Contains("ghost") {
		t.Fatalf("tracker state: len=%d", tr.Len())
	}

	got := tr.Drain()
	sort.Strings(got)
	if len(got) != 2 || got[0] != "u1" || got[1] != "u2" {
		t.Fatalf("drained = %v; want [u1 u2]", got)
	}

	// Drain installs a fresh set.
	if tr.Len() != 0 || tr.Contains("u1") {
		t.Fatalf("tracker not empty after drain")
	}
	if second := tr.Drain(); len(second) != 0 {
		t.Fatalf("second drain = %v; want empty", second)
	}
}

func TestTracker_SignalsDuringDrainLandInNextTick(t *testing.T) {
	tr := NewTracker()
	tr.Track("u1")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tr.Track("u2")
	}()
	first := tr.Drain()
	wg.Wait()
	second := tr.Drain()

	seen := make(map[string]int)
	for _, id := range append(first, second...) {
		seen[id]++
	}
	if seen["u1"] != 1 || seen["u2"] != 1 {
		t.Fatalf("signals lost or duplicated across drains: %v", seen)
	}
}

func TestActivityStrategy_Schedule(t *testing.T) {
	tr := NewTracker()
	s := NewActivityStrategy(tr)

	if s.Name() != "activity" {
		t.Fatalf("name = %q", s.Name())
	}
	if got := s.Schedule(context.Background()); got != nil {
		t.Fatalf("empty drain produced candidates: %v", got)
	}

	tr.Track("u1")
	tr.Track("u2")
	got := s.Schedule(context.Background())
	if len(got) != 2 {
		t.Fatalf("candidates = %v; want 2", got)
	}
	for _, c := range got {
		if c.Priority != domain.PriorityHigh {
			t.Fatalf("candidate %s priority = %v; want high", c.UserID, c.Priority)
		}
	}
}
