package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/orquesta/settlement/internal/store"
)

func TestKeys(t *testing.T) {
	at := time.Date(2026, 10, 16, 14, 35, 0, 0, time.UTC)
	cases := map[string]string{
		HourKey("fee_sweep")(at):         "fee_sweep_2026-10-16_14",
		DayKey("payout_batch")(at):       "payout_batch_2026-10-16",
		MonthKey("tax_report")(at):       "tax_report_2026-10",
		MinuteKey("payout_dispatch")(at): "payout_dispatch_2026-10-16_14:35",
	}
	for got, want := range cases {
		if got != want {
			t.Errorf("got %s, want %s", got, want)
		}
	}
}

func TestScheduler_AddValidatesSpec(t *testing.T) {
	s := NewScheduler(NewRunner(store.NewMemoryStore(), nil, nil))
	noop := func(context.Context) error { return nil }

	if err := s.Add(Job{Name: "bad", Spec: "every hour", Key: HourKey("bad"), Run: noop}); err == nil {
		t.Error("expected invalid spec to be rejected")
	}
	if err := s.Add(Job{Name: "fee_sweep", Spec: "0 * * * *", Key: HourKey("fee_sweep"), Run: noop}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add(Job{Name: "fee_sweep", Spec: "0 * * * *", Key: HourKey("fee_sweep"), Run: noop}); err == nil {
		t.Error("expected duplicate name to be rejected")
	}
	if err := s.Add(Job{Name: "incomplete", Spec: "0 * * * *"}); err == nil {
		t.Error("expected incomplete job to be rejected")
	}
}

func TestScheduler_TriggerRunsUnderCurrentKey(t *testing.T) {
	st := store.NewMemoryStore()
	s := NewScheduler(NewRunner(st, nil, nil))
	s.nowFn = func() time.Time { return time.Date(2026, 10, 16, 14, 5, 0, 0, time.UTC) }

	calls := 0
	s.Add(Job{Name: "fee_sweep", Spec: "0 * * * *", Key: HourKey("fee_sweep"),
		Run: func(context.Context) error { calls++; return nil }})

	ctx := context.Background()
	if ran, err := s.Trigger(ctx, "fee_sweep"); !ran || err != nil {
		t.Fatalf("trigger: ran=%v err=%v", ran, err)
	}
	if ran, _ := s.Trigger(ctx, "fee_sweep"); ran {
		t.Error("expected second trigger in the same hour to be skipped")
	}
	if calls != 1 {
		t.Errorf("expected one call, got %d", calls)
	}
	if _, err := st.GetJob(ctx, "fee_sweep_2026-10-16_14"); err != nil {
		t.Errorf("expected lease record: %v", err)
	}
	if _, err := s.Trigger(ctx, "nope"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("expected unknown job, got %v", err)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	s := NewScheduler(NewRunner(store.NewMemoryStore(), nil, nil))
	s.Add(Job{Name: "noop", Spec: "0 6 * * *", Key: DayKey("noop"), Run: func(context.Context) error { return nil }})
	s.Start(context.Background())
	select {
	case <-s.Stop().Done():
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
