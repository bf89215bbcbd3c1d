package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"

	"filing-analyzer/internal/logger"
)

// Scheduler runs periodic maintenance jobs such as the ingestion cache sweep.
type Scheduler struct {
	scheduler *gocron.Scheduler
	cancel    context.CancelFunc
	ctx       context.Context
}

func NewScheduler() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := gocron.NewScheduler(time.UTC)
	s.TagsUnique()
	s.SingletonModeAll()

	return &Scheduler{
		scheduler: s,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Scheduler) Start() {
	s.scheduler.StartAsync()
}

// Stop stops the scheduler and cancels the context handed to running jobs.
func (s *Scheduler) Stop() {
	s.scheduler.Stop()
	if s.cancel != nil {
		s.cancel()
	}
}

// ScheduleInterval schedules a job to run at regular intervals
func (s *Scheduler) ScheduleInterval(tag string, every time.Duration, job func(ctx context.Context) error) error {
	_, err := s.scheduler.Every(every).Tag(tag).Do(func() {
		started := time.Now()
		if err := job(s.ctx); err != nil {
			logger.Error("Scheduled job failed", "job", tag, "error", err)
			return
		}
		logger.Debug("Scheduled job finished", "job", tag, "duration", time.Since(started).String())
	})
	return err
}

func (s *Scheduler) RemoveJob(tag string) error {
	return s.scheduler.RemoveByTag(tag)
}

func (s *Scheduler) JobCount() int {
	return len(s.scheduler.Jobs())
}

// Sweeper is anything holding entries that expire.
type Sweeper interface {
	Sweep(ctx context.Context) int
}

// ScheduleCacheSweep evicts expired ingestion cache entries every interval.
func (s *Scheduler) ScheduleCacheSweep(every time.Duration, cache Sweeper) error {
	return s.ScheduleInterval("ingestion-cache-sweep", every, func(ctx context.Context) error {
		if n := cache.Sweep(ctx); n > 0 {
			logger.Info("Swept expired filings", "evicted", n)
		}
		return nil
	})
}
