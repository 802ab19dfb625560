package scheduler

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

type Job interface {
	Run() error
	Name() string
}

// Scheduler runs background jobs on cron schedules. Schedules use the
// standard five fields or descriptors such as "@every 5m" and "@hourly".
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

func New(logger *slog.Logger) *Scheduler {
	if logger != nil {
		logger = logger.With("component", "scheduler")
	}
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger: logger,
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
	if s.logger != nil {
		s.logger.Info("scheduler started", "jobs", len(s.cron.Entries()))
	}
}

func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	if s.logger != nil {
		s.logger.Info("scheduler stopped")
	}
}

func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		s.run(job)
	})
	if err != nil {
		return err
	}
	if s.logger != nil {
		s.logger.Info("job registered", "schedule", schedule, "job", job.Name())
	}
	return nil
}

// RunNow executes a job immediately, outside its schedule.
func (s *Scheduler) RunNow(job Job) error {
	if s.logger != nil {
		s.logger.Info("running job immediately", "job", job.Name())
	}
	return job.Run()
}

func (s *Scheduler) run(job Job) {
	if s.logger != nil {
		s.logger.Debug("running job", "job", job.Name())
	}
	if err := job.Run(); err != nil {
		if s.logger != nil {
			s.logger.Error("job failed", "job", job.Name(), "err", err)
		}
		return
	}
	if s.logger != nil {
		s.logger.Debug("job completed", "job", job.Name())
	}
}
