// Package jobs runs scheduled work with a persisted lease per idempotency
// key, exponential backoff retries and a dead-letter sink.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/orquesta/settlement/internal/alert"
	"github.com/orquesta/settlement/internal/metrics"
	"github.com/orquesta/settlement/internal/model"
	"github.com/orquesta/settlement/internal/store"
)

// ErrExhausted is returned when a job failed on every attempt and was
// dead-lettered.
var ErrExhausted = errors.New("jobs: retries exhausted")

// Options tune one run.
type Options struct {
	// MaxRetries is the total number of attempts.
	MaxRetries int
	// BackoffBase is the delay after the first failure; each later delay
	// is four times the previous one.
	BackoffBase time.Duration
	// Timeout bounds each attempt.
	Timeout time.Duration
}

// DefaultOptions returns 3 attempts, 1s backoff base and a 60s timeout.
func DefaultOptions() Options {
	return Options{MaxRetries: 3, BackoffBase: time.Second, Timeout: 60 * time.Second}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxRetries <= 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = d.BackoffBase
	}
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	return o
}

// Backoff returns base × 4^(attempt-1).
func Backoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 4
	}
	return d
}

// leaseTTL covers every attempt and every backoff of one run.
func leaseTTL(o Options) time.Duration {
	ttl := time.Duration(o.MaxRetries) * o.Timeout
	for a := 1; a < o.MaxRetries; a++ {
		ttl += Backoff(o.BackoffBase, a)
	}
	return ttl + time.Minute
}

// Runner executes jobs. Several runners may share one store; the lease
// record guarantees that a key runs in at most one of them at a time and
// never again once completed.
type Runner struct {
	store    store.Store
	notifier alert.Notifier
	holder   string
	logger   *slog.Logger
	nowFn    func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewRunner creates a runner. A nil notifier logs alerts only.
func NewRunner(st store.Store, n alert.Notifier, logger *slog.Logger) *Runner {
	if n == nil {
		n = alert.LogNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	host, _ := os.Hostname()
	return &Runner{
		store:    st,
		notifier: n,
		holder:   fmt.Sprintf("%s/%s", host, uuid.NewString()[:8]),
		logger:   logger,
		nowFn:    func() time.Time { return time.Now().UTC() },
		sleep:    sleepCtx,
	}
}

// WithClock overrides the clock used for leases.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.nowFn = now
	return r
}

// WithSleep overrides how backoff delays are waited out.
func (r *Runner) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Runner {
	r.sleep = sleep
	return r
}

// Holder identifies this runner in lease records.
func (r *Runner) Holder() string { return r.holder }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run executes fn under key. ran is false when the key is completed or
// leased by another live run. When every attempt fails the run is marked
// failed, dead-lettered and alerted, and an error wrapping ErrExhausted is
// returned. Alert delivery errors are logged, never returned.
func (r *Runner) Run(ctx context.Context, name, key string, fn func(ctx context.Context) error, opts Options) (ran bool, err error) {
	opts = opts.withDefaults()
	log := r.logger.With("job", name, "key", key)

	run, acquired, err := r.store.AcquireJobLease(ctx, name, key, r.holder, r.nowFn(), leaseTTL(opts))
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !acquired {
		metrics.JobRuns.WithLabelValues(name, "skipped").Inc()
		if run.Status == model.JobCompleted {
			log.Debug("job already completed, skipping")
		} else {
			log.Warn("job already running, skipping", "holder", run.Holder)
		}
		return false, nil
	}

	// Bookkeeping must land even if ctx is cancelled mid-run.
	bg := context.WithoutCancel(ctx)
	prior := run.Attempts
	started := time.Now()
	log.Info("job started", "holder", r.holder)

	var lastErr error
	for attempt := 1; attempt <= opts.MaxRetries; attempt++ {
		actx, cancel := context.WithTimeout(ctx, opts.Timeout)
		lastErr = fn(actx)
		cancel()

		if lastErr == nil {
			if err := r.store.CompleteJob(bg, key, prior+attempt, r.nowFn()); err != nil {
				log.Error("failed to record job completion", "err", err)
			}
			metrics.JobRuns.WithLabelValues(name, "completed").Inc()
			log.Info("job completed", "attempts", attempt, "duration_ms", time.Since(started).Milliseconds())
			return true, nil
		}

		log.Error("job attempt failed", "attempt", attempt, "max_retries", opts.MaxRetries, "err", lastErr)
		if attempt == opts.MaxRetries {
			break
		}
		delay := Backoff(opts.BackoffBase, attempt)
		metrics.JobRuns.WithLabelValues(name, "retried").Inc()
		log.Info("retrying job", "delay_ms", delay.Milliseconds())
		if err := r.sleep(ctx, delay); err != nil {
			if ferr := r.store.FailJob(bg, key, prior+attempt, err.Error(), r.nowFn()); ferr != nil {
				log.Error("failed to record job failure", "err", ferr)
			}
			metrics.JobRuns.WithLabelValues(name, "cancelled").Inc()
			return true, fmt.Errorf("job %s cancelled: %w", key, err)
		}
	}

	r.deadLetter(bg, log, name, key, prior+opts.MaxRetries, lastErr)
	return true, fmt.Errorf("job %s after %d attempts: %w: %w", key, opts.MaxRetries, ErrExhausted, lastErr)
}

func (r *Runner) deadLetter(ctx context.Context, log *slog.Logger, name, key string, attempts int, cause error) {
	now := r.nowFn()
	if err := r.store.FailJob(ctx, key, attempts, cause.Error(), now); err != nil {
		log.Error("failed to record job failure", "err", err)
	}
	dl := &model.DeadLetter{
		ID:             uuid.NewString(),
		JobName:        name,
		IdempotencyKey: key,
		Reason:         cause.Error(),
		Attempts:       attempts,
		FailedAt:       now,
	}
	if err := r.store.AppendDeadLetter(ctx, dl); err != nil {
		log.Error("failed to append dead letter", "err", err)
	}
	metrics.JobRuns.WithLabelValues(name, "dead_lettered").Inc()
	metrics.DeadLetters.WithLabelValues(name).Inc()
	log.Error("job moved to dead letter list", "attempts", attempts, "reason", cause.Error())

	actx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err := r.notifier.Notify(actx, alert.Alert{
		JobName:        name,
		IdempotencyKey: key,
		Reason:         cause.Error(),
		Attempts:       attempts,
		At:             now,
	})
	if err != nil {
		log.Error("dead letter alert failed", "err", err)
	}
}
