// Package jobs runs the periodic progressive maintenance tasks.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Sweeper flags levels whose transactions or linked updates timed out.
type Sweeper interface {
	SweepTimeouts(ctx context.Context, now time.Time) error
}

// Checker re-evaluates level error conditions.
type Checker interface {
	CheckAll(ctx context.Context) error
}

// Job is one scheduled task.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Scheduler runs jobs on cron schedules. A job still running when its next
// tick fires is skipped.
type Scheduler struct {
	cron   *cron.Cron
	logger zerolog.Logger
	now    func() time.Time

	mu   sync.Mutex
	jobs []Job
	ctx  context.Context
	stop context.CancelFunc
}

// NewScheduler creates a scheduler in UTC.
func NewScheduler(logger zerolog.Logger) *Scheduler {
	logger = logger.With().Str("component", "scheduler").Logger()
	ctx, stop := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cronLogger{logger}), cron.SkipIfStillRunning(cronLogger{logger})),
		),
		logger: logger,
		now:    time.Now,
		ctx:    ctx,
		stop:   stop,
	}
}

// Add registers a job. It fails on an invalid spec.
func (s *Scheduler) Add(job Job) error {
	if _, err := s.cron.AddFunc(job.Spec, func() { s.run(job) }); err != nil {
		return err
	}
	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()
	return nil
}

// AddProgressiveJobs registers the timeout sweep and the level error check
// on the same schedule.
func (s *Scheduler) AddProgressiveJobs(spec string, sweeper Sweeper, checker Checker) error {
	if err := s.Add(Job{
		Name: "sweep_timeouts",
		Spec: spec,
		Run: func(ctx context.Context) error {
			return sweeper.SweepTimeouts(ctx, s.now())
		},
	}); err != nil {
		return err
	}
	return s.Add(Job{Name: "check_level_errors", Spec: spec, Run: checker.CheckAll})
}

// RunNow runs every registered job once, in registration order.
func (s *Scheduler) RunNow() {
	s.mu.Lock()
	jobs := append([]Job(nil), s.jobs...)
	s.mu.Unlock()
	for _, job := range jobs {
		s.run(job)
	}
}

func (s *Scheduler) run(job Job) {
	start := s.now()
	if err := job.Run(s.ctx); err != nil {
		s.logger.Error().Err(err).Str("job", job.Name).Msg("Scheduled job failed")
		return
	}
	s.logger.Debug().Str("job", job.Name).Dur("duration", time.Since(start)).Msg("Scheduled job done")
}

// Start starts the cron loop.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Int("jobs", len(s.cron.Entries())).Msg("Scheduler started")
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.stop()
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Scheduler stopped")
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
