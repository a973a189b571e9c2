package services

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"staydesk.handoff/internal/core/logger"
)

// Scheduler runs periodic maintenance jobs on cron schedules ("@every 30s" or
// a standard five-field expression).
type Scheduler struct {
	cron *cron.Cron
	jobs []scheduledJob
}

type scheduledJob struct {
	name     string
	schedule string
	fn       func(ctx context.Context) error
}

func NewScheduler() *Scheduler {
	return &Scheduler{cron: cron.New()}
}

// Add registers a job. It is validated here and started by Run.
func (s *Scheduler) Add(name, schedule string, fn func(ctx context.Context) error) error {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for %s: %w", schedule, name, err)
	}
	s.jobs = append(s.jobs, scheduledJob{name: name, schedule: schedule, fn: fn})
	return nil
}

// Run starts every job and blocks until ctx is cancelled, then waits for running jobs.
func (s *Scheduler) Run(ctx context.Context) error {
	for _, job := range s.jobs {
		job := job
		if _, err := s.cron.AddFunc(job.schedule, func() {
			jobCtx, cancel := context.WithTimeout(ctx, time.Minute)
			defer cancel()

			start := time.Now()
			if err := job.fn(jobCtx); err != nil {
				logger.Warn("Scheduled job failed", "job", job.name, "error", err, "duration", time.Since(start))
				return
			}
			logger.Debug("Scheduled job completed", "job", job.name, "duration", time.Since(start))
		}); err != nil {
			return fmt.Errorf("scheduler: add %s: %w", job.name, err)
		}
		logger.Info("Job scheduled", "job", job.name, "schedule", job.schedule)
	}

	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}
