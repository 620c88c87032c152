package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/orquesta/settlement/internal/alert"
	"github.com/orquesta/settlement/internal/model"
	"github.com/orquesta/settlement/internal/store"
)

type fakeNotifier struct {
	mu     sync.Mutex
	alerts []alert.Alert
	err    error
}

func (f *fakeNotifier) Notify(_ context.Context, a alert.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
	return f.err
}

type sleepRecorder struct{ delays []time.Duration }

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

var t0 = time.Date(2026, 10, 16, 14, 0, 0, 0, time.UTC)

func newRunner(st store.Store, n alert.Notifier, rec *sleepRecorder) *Runner {
	return NewRunner(st, n, nil).
		WithClock(func() time.Time { return t0 }).
		WithSleep(rec.sleep)
}

var quick = Options{MaxRetries: 3, BackoffBase: time.Second, Timeout: time.Second}

func TestBackoff(t *testing.T) {
	want := []time.Duration{time.Second, 4 * time.Second, 16 * time.Second}
	for i, w := range want {
		if got := Backoff(time.Second, i+1); got != w {
			t.Errorf("attempt %d: got %v, want %v", i+1, got, w)
		}
	}
}

func TestRun_CompletesOnceAndSkipsAfter(t *testing.T) {
	st := store.NewMemoryStore()
	rec := &sleepRecorder{}
	r := newRunner(st, &fakeNotifier{}, rec)
	ctx := context.Background()

	calls := 0
	fn := func(context.Context) error { calls++; return nil }

	ran, err := r.Run(ctx, "fee_sweep", "fee_sweep_2026-10-16_14", fn, quick)
	if !ran || err != nil {
		t.Fatalf("first run: ran=%v err=%v", ran, err)
	}
	ran, err = r.Run(ctx, "fee_sweep", "fee_sweep_2026-10-16_14", fn, quick)
	if ran || err != nil {
		t.Fatalf("expected completed key to be skipped: ran=%v err=%v", ran, err)
	}
	if calls != 1 {
		t.Errorf("expected one call, got %d", calls)
	}
	job, _ := st.GetJob(ctx, "fee_sweep_2026-10-16_14")
	if job.Status != model.JobCompleted || job.Attempts != 1 {
		t.Errorf("unexpected job record %+v", job)
	}
}

func TestRun_SkipsLiveLeaseFromAnotherRunner(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	if _, ok, _ := st.AcquireJobLease(ctx, "payout_batch", "payout_batch_2026-10-16", "other", t0, time.Hour); !ok {
		t.Fatal("expected to seed a lease")
	}

	r := newRunner(st, &fakeNotifier{}, &sleepRecorder{})
	called := false
	ran, err := r.Run(ctx, "payout_batch", "payout_batch_2026-10-16", func(context.Context) error { called = true; return nil }, quick)
	if ran || err != nil || called {
		t.Errorf("expected skip while another holder runs: ran=%v err=%v called=%v", ran, err, called)
	}
}

func TestRun_ReacquiresExpiredLease(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	st.AcquireJobLease(ctx, "payout_batch", "k", "crashed", t0.Add(-2*time.Hour), time.Hour)

	r := newRunner(st, &fakeNotifier{}, &sleepRecorder{})
	ran, err := r.Run(ctx, "payout_batch", "k", func(context.Context) error { return nil }, quick)
	if !ran || err != nil {
		t.Errorf("expected expired lease to be taken over: ran=%v err=%v", ran, err)
	}
}

func TestRun_RetriesWithBackoff(t *testing.T) {
	st := store.NewMemoryStore()
	rec := &sleepRecorder{}
	r := newRunner(st, &fakeNotifier{}, rec)

	calls := 0
	ran, err := r.Run(context.Background(), "fee_sweep", "k", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("deadlock detected")
		}
		return nil
	}, quick)
	if !ran || err != nil {
		t.Fatalf("expected success on third attempt: %v", err)
	}
	if len(rec.delays) != 2 || rec.delays[0] != time.Second || rec.delays[1] != 4*time.Second {
		t.Errorf("unexpected backoff delays %v", rec.delays)
	}
}

func TestRun_ExhaustedDeadLettersAndAlerts(t *testing.T) {
	st := store.NewMemoryStore()
	n := &fakeNotifier{err: errors.New("telegram down")}
	r := newRunner(st, n, &sleepRecorder{})
	ctx := context.Background()

	boom := errors.New("connection refused")
	ran, err := r.Run(ctx, "payout_batch", "payout_batch_2026-10-16", func(context.Context) error { return boom }, quick)
	if !ran {
		t.Fatal("expected the job to run")
	}
	if !errors.Is(err, ErrExhausted) || !errors.Is(err, boom) {
		t.Fatalf("expected exhausted error wrapping the cause, got %v", err)
	}

	job, _ := st.GetJob(ctx, "payout_batch_2026-10-16")
	if job.Status != model.JobFailed || job.Attempts != 3 || job.LastError != boom.Error() {
		t.Errorf("unexpected job record %+v", job)
	}
	dls, _ := st.ListDeadLetters(ctx, 0)
	if len(dls) != 1 || dls[0].JobName != "payout_batch" || dls[0].Attempts != 3 {
		t.Errorf("unexpected dead letters %+v", dls)
	}
	if len(n.alerts) != 1 || n.alerts[0].IdempotencyKey != "payout_batch_2026-10-16" {
		t.Errorf("expected one alert, got %+v", n.alerts)
	}

	// A failed key may be retried by a later run.
	ran, err = r.Run(ctx, "payout_batch", "payout_batch_2026-10-16", func(context.Context) error { return nil }, quick)
	if !ran || err != nil {
		t.Errorf("expected failed job to be re-runnable: ran=%v err=%v", ran, err)
	}
}

func TestRun_AttemptTimeout(t *testing.T) {
	st := store.NewMemoryStore()
	r := newRunner(st, &fakeNotifier{}, &sleepRecorder{})
	opts := Options{MaxRetries: 1, BackoffBase: time.Millisecond, Timeout: 10 * time.Millisecond}

	_, err := r.Run(context.Background(), "slow", "k", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, opts)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected attempt deadline, got %v", err)
	}
}

func TestRun_CancelledDuringBackoff(t *testing.T) {
	st := store.NewMemoryStore()
	r := NewRunner(st, &fakeNotifier{}, nil).WithClock(func() time.Time { return t0 })
	ctx, cancel := context.WithCancel(context.Background())

	_, err := r.Run(ctx, "fee_sweep", "k", func(context.Context) error {
		cancel()
		return errors.New("fail")
	}, Options{MaxRetries: 3, BackoffBase: time.Hour, Timeout: time.Second})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	dls, _ := st.ListDeadLetters(context.Background(), 0)
	if len(dls) != 0 {
		t.Error("cancelled runs must not be dead-lettered")
	}
}
