package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrUnknownJob is returned by Trigger for a name that was never added.
var ErrUnknownJob = errors.New("jobs: unknown job")

// Job is a recurring unit of work.
type Job struct {
	Name string
	// Spec is a five-field cron expression evaluated in UTC.
	Spec string
	// Key derives the run's idempotency key from its scheduled time, e.g.
	// one key per hour for the fee sweep.
	Key     func(at time.Time) string
	Run     func(ctx context.Context) error
	Options Options
}

// HourKey, DayKey and MonthKey build bucketed idempotency keys.
func HourKey(prefix string) func(time.Time) string {
	return func(t time.Time) string { return prefix + "_" + t.UTC().Format("2006-01-02_15") }
}

func DayKey(prefix string) func(time.Time) string {
	return func(t time.Time) string { return prefix + "_" + t.UTC().Format("2006-01-02") }
}

func MonthKey(prefix string) func(time.Time) string {
	return func(t time.Time) string { return prefix + "_" + t.UTC().Format("2006-01") }
}

// MinuteKey is for jobs that may legitimately run several times an hour.
func MinuteKey(prefix string) func(time.Time) string {
	return func(t time.Time) string { return prefix + "_" + t.UTC().Format("2006-01-02_15:04") }
}

// Scheduler fires registered jobs on their cron specs through a Runner.
// Overlapping schedulers in several processes are safe: the runner's lease
// lets one of them run each key.
type Scheduler struct {
	cron   *cron.Cron
	runner *Runner
	nowFn  func() time.Time

	mu   sync.Mutex
	jobs map[string]Job
	ctx  context.Context
}

// NewScheduler creates a UTC scheduler.
func NewScheduler(r *Runner) *Scheduler {
	logger := cronLogger{slog.Default()}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger)),
		),
		runner: r,
		nowFn:  func() time.Time { return time.Now().UTC() },
		jobs:   make(map[string]Job),
		ctx:    context.Background(),
	}
}

// Add registers job. The cron expression is validated immediately.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil || job.Key == nil {
		return fmt.Errorf("jobs: job %q is incomplete", job.Name)
	}
	s.mu.Lock()
	if _, dup := s.jobs[job.Name]; dup {
		s.mu.Unlock()
		return fmt.Errorf("jobs: job %q already added", job.Name)
	}
	s.jobs[job.Name] = job
	s.mu.Unlock()

	if _, err := s.cron.AddFunc(job.Spec, func() { s.fire(job) }); err != nil {
		s.mu.Lock()
		delete(s.jobs, job.Name)
		s.mu.Unlock()
		return fmt.Errorf("jobs: job %q spec %q: %w", job.Name, job.Spec, err)
	}
	return nil
}

func (s *Scheduler) fire(job Job) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if _, err := s.runner.Run(ctx, job.Name, job.Key(s.nowFn()), job.Run, job.Options); err != nil {
		slog.Error("scheduled job failed", "job", job.Name, "err", err)
	}
}

// Trigger runs a registered job now under its current key.
func (s *Scheduler) Trigger(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%q: %w", name, ErrUnknownJob)
	}
	return s.runner.Run(ctx, job.Name, job.Key(s.nowFn()), job.Run, job.Options)
}

// Start begins firing jobs. Runs started by the scheduler inherit ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	for _, e := range s.cron.Entries() {
		slog.Info("job scheduled", "next", e.Next.Format(time.RFC3339))
	}
}

// Stop stops firing and returns a context done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, kv ...interface{}) {
	c.l.Debug("cron: "+msg, kv...)
}

func (c cronLogger) Error(err error, msg string, kv ...interface{}) {
	c.l.Error("cron: "+msg, append(kv, "err", err)...)
}
