package fairqueue

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper runs ExpireStale on a cron schedule. Overlapping runs are
// skipped rather than queued.
type Sweeper struct {
	cron  *cron.Cron
	queue *Queue
	now   func() time.Time
}

// NewSweeper creates a sweeper. schedule uses the six-field cron format
// with seconds, e.g. "0 */5 * * * *".
func NewSweeper(baseCtx context.Context, q *Queue, schedule string) (*Sweeper, error) {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	s := &Sweeper{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		queue: q,
		now:   func() time.Time { return time.Now().UTC() },
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.Sweep(baseCtx) }); err != nil {
		return nil, err
	}
	return s, nil
}

// Sweep expires stale entries once.
func (s *Sweeper) Sweep(ctx context.Context) int {
	n, err := s.queue.ExpireStale(ctx, s.now())
	if err != nil {
		slog.Error("queue sweep failed", "expired", n, "err", err)
		return n
	}
	if n > 0 {
		slog.Info("queue sweep", "expired", n)
	}
	return n
}

func (s *Sweeper) Start() {
	slog.Info("queue sweeper started")
	s.cron.Start()
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	slog.Info("queue sweeper stopped")
}
