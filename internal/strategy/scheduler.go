package strategy

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nodal-labs/prefetch-engine/internal/domain"
	"github.com/nodal-labs/prefetch-engine/internal/metrics"
)

// Enqueuer is the queue surface the scheduler needs. Satisfied by
// *queue.Queue.
type Enqueuer interface {
	AddBulk(ctx context.Context, userIDs []string, priority domain.Priority) ([]string, error)
}

// Scheduler runs all registered strategies on a fixed interval and feeds
// their candidates into the queue in bounded batches. Enqueue failures are
// logged and counted, not re-queued: the users' next activity signal will
// re-trigger them.
type Scheduler struct {
	queue      Enqueuer
	sink       *metrics.Sink
	strategies []Strategy
	interval   time.Duration
	batchSize  int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler constructs a scheduler. batchSize caps a single AddBulk call.
func NewScheduler(q Enqueuer, sink *metrics.Sink, interval time.Duration, batchSize int, strategies ...Strategy) *Scheduler {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Scheduler{
		queue:      q,
		sink:       sink,
		strategies: strategies,
		interval:   interval,
		batchSize:  batchSize,
		done:       make(chan struct{}),
	}
}

// Start launches the tick loop on its own goroutine.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// Tick runs every strategy once and enqueues its candidates. Exposed for
// tests and for an operator-triggered manual run.
func (s *Scheduler) Tick(ctx context.Context) {
	for _, st := range s.strategies {
		candidates := st.Schedule(ctx)
		if len(candidates) == 0 {
			continue
		}
		s.enqueue(ctx, st.Name(), candidates)
	}
}

// enqueue groups candidates by priority and submits them in batches.
func (s *Scheduler) enqueue(ctx context.Context, name string, candidates []Candidate) {
	byPriority := make(map[domain.Priority][]string)
	for _, c := range candidates {
		p := c.Priority
		if !p.Valid() {
			p = domain.PriorityMedium
		}
		byPriority[p] = append(byPriority[p], c.UserID)
	}

	for priority, users := range byPriority {
		for start := 0; start < len(users); start += s.batchSize {
			end := start + s.batchSize
			if end > len(users) {
				end = len(users)
			}
			batch := users[start:end]
			ids, err := s.queue.AddBulk(ctx, batch, priority)
			s.sink.Add(metrics.PrefetchScheduled, int64(len(ids)))
			if err != nil {
				log.Error().
					Err(err).
					Str("strategy", name).
					Int("batch", len(batch)).
					Int("enqueued", len(ids)).
					Msg("scheduler enqueue failed; users will re-trigger on next activity")
				break
			}
			log.Debug().
				Str("strategy", name).
				Str("priority", string(priority)).
				Int("jobs", len(ids)).
				Msg("scheduler batch enqueued")
		}
	}
}
