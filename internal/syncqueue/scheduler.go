package syncqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Scheduler runs a queue pass on a fixed interval.
type Scheduler struct {
	scheduler gocron.Scheduler
	queue     *Queue
	interval  time.Duration
}

// NewScheduler prepares a periodic pass every interval, or the queue's
// TickInterval when interval is not positive.
func NewScheduler(queue *Queue, interval time.Duration) (*Scheduler, error) {
	if interval <= 0 {
		interval = queue.cfg.TickInterval
	}
	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return &Scheduler{scheduler: s, queue: queue, interval: interval}, nil
}

// Start registers the periodic job and starts the scheduler. Passes run with ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			res, err := s.queue.ProcessQueue(ctx)
			if err != nil {
				s.queue.logger.ErrorContext(ctx, "scheduled queue pass failed", "error", err)
				return
			}
			if res.Delivered > 0 || res.Failed > 0 {
				s.queue.logger.InfoContext(ctx, "scheduled queue pass", "delivered", res.Delivered, "failed", res.Failed, "deferred", res.Deferred)
			}
		}),
		gocron.WithName("sync_queue_tick"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule queue pass: %w", err)
	}
	s.scheduler.Start()
	return nil
}

// Stop shuts the scheduler down, waiting for a running job to return.
func (s *Scheduler) Stop() error {
	return s.scheduler.Shutdown()
}
