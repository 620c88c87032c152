package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/orquesta/settlement/internal/config"
	"github.com/orquesta/settlement/internal/gateway"
	"github.com/orquesta/settlement/internal/model"
	"github.com/orquesta/settlement/internal/settlement"
	"github.com/orquesta/settlement/internal/store"
	"github.com/orquesta/settlement/internal/webhook"
)

func newApp(t *testing.T, mod func(*config.Config)) *App {
	t.Helper()
	cfg := config.Default()
	if mod != nil {
		mod(&cfg)
	}
	a, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func TestNew_DevelopmentDefaults(t *testing.T) {
	a := newApp(t, nil)
	if _, ok := a.Store.(*store.MemoryStore); !ok {
		t.Errorf("expected memory store, got %T", a.Store)
	}
	if _, ok := a.Gateway.(*gateway.Simulated); !ok {
		t.Errorf("expected simulated gateway, got %T", a.Gateway)
	}
	if _, ok := a.Guard.(*webhook.StoreGuard); !ok {
		t.Errorf("expected store-backed replay guard, got %T", a.Guard)
	}
	deps := a.Dependencies()
	if deps["payment_provider"]() != "closed" {
		t.Errorf("expected closed provider breaker")
	}
	if _, ok := deps["payout_gateway"]; ok {
		t.Error("simulated gateway has no breaker to report")
	}
}

func TestNew_RedisGuard(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newApp(t, func(c *config.Config) { c.RedisURL = "redis://" + mr.Addr() })
	if _, ok := a.Guard.(*webhook.RedisGuard); !ok {
		t.Errorf("expected redis replay guard, got %T", a.Guard)
	}
	first, err := a.Guard.FirstSeen(context.Background(), "payments:1:abc")
	if err != nil || !first {
		t.Fatalf("expected first delivery, got %v %v", first, err)
	}
}

func TestNew_InvalidRedisURL(t *testing.T) {
	cfg := config.Default()
	cfg.RedisURL = "not a url"
	if _, err := New(context.Background(), cfg, nil); err == nil {
		t.Error("expected error for invalid redis url")
	}
}

func TestJobs_Registered(t *testing.T) {
	a := newApp(t, nil)
	at := time.Date(2026, 10, 16, 6, 0, 0, 0, time.UTC)
	want := map[string]string{
		"fee_sweep":       "fee_sweep_2026-10-16_06",
		"payout_batch":    "payout_2026-10-16",
		"payout_dispatch": "payout_dispatch_2026-10-16_06:00",
		"tax_report":      "tax_report_2026-10",
	}
	jobs := a.Jobs()
	if len(jobs) != len(want) {
		t.Fatalf("expected %d jobs, got %d", len(want), len(jobs))
	}
	for _, j := range jobs {
		if got := j.Key(at); got != want[j.Name] {
			t.Errorf("%s key = %s, want %s", j.Name, got, want[j.Name])
		}
		if j.Options.MaxRetries != 3 {
			t.Errorf("%s: expected 3 attempts, got %d", j.Name, j.Options.MaxRetries)
		}
	}
	if _, err := a.Scheduler(); err != nil {
		t.Fatalf("scheduler: %v", err)
	}
}

func TestTriggerFeeSweep(t *testing.T) {
	a := newApp(t, nil)
	ctx := context.Background()
	pi := &model.PaymentIntent{
		ID: "pi1", ProjectID: "proj", SellerID: "s1", AmountCents: 10000,
		Currency: model.CurrencyPAB, Status: model.IntentProcessing, IdempotencyKey: "k1",
	}
	if err := a.Store.CreatePaymentIntent(ctx, pi); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Settlement.Settle(ctx, pi, 290, settlement.Key(pi.ID)); err != nil {
		t.Fatal(err)
	}

	s, err := a.Scheduler()
	if err != nil {
		t.Fatal(err)
	}
	ran, err := s.Trigger(ctx, "fee_sweep")
	if err != nil || !ran {
		t.Fatalf("trigger: ran=%v err=%v", ran, err)
	}
	refs, _ := a.Store.ListSellersWithPendingFees(ctx, "", 0)
	if len(refs) != 0 {
		t.Errorf("expected no pending fees after sweep, got %v", refs)
	}
}

func TestTaxReports_EveryProject(t *testing.T) {
	a := newApp(t, nil)
	ctx := context.Background()
	for _, id := range []string{"p1", "p2"} {
		if err := a.Store.CreateProject(ctx, &model.Project{ID: id, Name: id, Environment: "test"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := a.TaxReports(ctx, "2026-09"); err != nil {
		t.Errorf("tax reports: %v", err)
	}
	if err := a.TaxReports(ctx, "September"); err == nil {
		t.Error("expected invalid period error")
	}
}
