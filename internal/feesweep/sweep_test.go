package feesweep

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/orquesta/settlement/internal/ledger"
	"github.com/orquesta/settlement/internal/model"
	"github.com/orquesta/settlement/internal/settlement"
	"github.com/orquesta/settlement/internal/store"
)

var hour = time.Date(2026, 10, 16, 14, 5, 0, 0, time.UTC)

func settle(t *testing.T, st store.Store, seller, intentID string, amount, fee int64) {
	t.Helper()
	ctx := context.Background()
	pi := &model.PaymentIntent{
		ID: intentID, ProjectID: "proj", SellerID: seller, AmountCents: amount,
		Currency: model.CurrencyPAB, Status: model.IntentProcessing, IdempotencyKey: "req-" + intentID,
	}
	if err := st.CreatePaymentIntent(ctx, pi); err != nil {
		t.Fatalf("create intent: %v", err)
	}
	svc := settlement.NewService(st, ledger.NewEngine(), nil)
	if _, err := svc.Settle(ctx, pi, fee, settlement.Key(intentID)); err != nil {
		t.Fatalf("settle: %v", err)
	}
}

func newSweeper(st store.Store, now time.Time) *Sweeper {
	return NewSweeper(st, ledger.NewEngine(), nil).WithClock(func() time.Time { return now })
}

func TestKey_HourBucket(t *testing.T) {
	a := Key("s1", hour, model.CurrencyPAB)
	b := Key("s1", hour.Add(50*time.Minute), model.CurrencyPAB)
	if a != "fee_sweep_s1_2026-10-16_14_PAB" {
		t.Errorf("unexpected key %s", a)
	}
	if a == b {
		t.Error("expected a different bucket in the next hour")
	}
}

func TestSweep_PostsBalancedTransaction(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	settle(t, st, "s1", "pi1", 10000, 101)
	settle(t, st, "s1", "pi2", 20000, 200) // tax 14

	res, err := newSweeper(st, hour).Sweep(ctx, "proj", "")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.SweptCount != 2 || res.SweptAmountCents != 101+7+200+14 {
		t.Errorf("unexpected result %+v", res)
	}

	bal, _ := st.GetSellerBalance(ctx, "proj", "s1", model.CurrencyPAB)
	wantNet := int64(9892 + 19786)
	if bal != wantNet-322 {
		t.Errorf("expected balance %d, got %d", wantNet-322, bal)
	}

	pending, _ := st.LockPendingFeeObligations(ctx, "proj", "s1")
	if len(pending) != 0 {
		t.Errorf("expected all obligations swept, got %d pending", len(pending))
	}
}

func TestSweep_TwiceInSameHourSweepsOnce(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	settle(t, st, "s1", "pi1", 10000, 101)
	sw := newSweeper(st, hour)

	first, err := sw.Sweep(ctx, "proj", "s1")
	if err != nil || first.SweptCount != 1 {
		t.Fatalf("first sweep: %+v %v", first, err)
	}
	second, err := sw.Sweep(ctx, "proj", "s1")
	if err != nil || second.SweptCount != 0 {
		t.Fatalf("second sweep should be a no-op: %+v %v", second, err)
	}

	entries, _ := st.ListLedgerEntries(ctx, store.LedgerFilter{SellerID: "s1"})
	if len(entries) != 4+3 {
		t.Errorf("expected 7 entries, got %d", len(entries))
	}
}

func TestSweep_NewObligationWaitsForNextBucket(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	settle(t, st, "s1", "pi1", 10000, 101)
	if _, err := newSweeper(st, hour).Sweep(ctx, "proj", "s1"); err != nil {
		t.Fatal(err)
	}

	settle(t, st, "s1", "pi2", 10000, 101)
	res, err := newSweeper(st, hour.Add(10*time.Minute)).Sweep(ctx, "proj", "s1")
	if err != nil || res.SweptCount != 0 {
		t.Fatalf("expected silent no-op in the same bucket, got %+v %v", res, err)
	}
	pending, _ := st.LockPendingFeeObligations(ctx, "proj", "s1")
	if len(pending) != 1 {
		t.Fatalf("expected obligation left pending, got %d", len(pending))
	}

	res, err = newSweeper(st, hour.Add(time.Hour)).Sweep(ctx, "proj", "s1")
	if err != nil || res.SweptCount != 1 {
		t.Errorf("expected next bucket to sweep it, got %+v %v", res, err)
	}
}

func TestSweep_TaxFreeSweepStillClaimsBucket(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	settle(t, st, "s1", "pi1", 1000, 10) // tax 0, two-line sweep
	first, err := newSweeper(st, hour).Sweep(ctx, "proj", "s1")
	if err != nil || first.SweptCount != 1 {
		t.Fatalf("first sweep: %+v %v", first, err)
	}

	settle(t, st, "s1", "pi2", 10000, 101) // tax 7, three-line sweep
	res, err := newSweeper(st, hour.Add(20*time.Minute)).Sweep(ctx, "proj", "s1")
	if err != nil || res.SweptCount != 0 || res.Failed != 0 {
		t.Fatalf("expected silent no-op in the same bucket, got %+v %v", res, err)
	}
	pending, _ := st.LockPendingFeeObligations(ctx, "proj", "s1")
	if len(pending) != 1 {
		t.Fatalf("expected obligation left pending, got %d", len(pending))
	}

	res, err = newSweeper(st, hour.Add(time.Hour)).Sweep(ctx, "proj", "s1")
	if err != nil || res.SweptCount != 1 || res.SweptAmountCents != 108 {
		t.Errorf("expected next bucket to sweep it, got %+v %v", res, err)
	}
}

func TestSweep_ConcurrentRunsSweepOnce(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"pi1", "pi2", "pi3"} {
		settle(t, st, "s1", id, 10000, 101)
	}

	var wg sync.WaitGroup
	results := make([]*Result, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := newSweeper(st, hour).Sweep(ctx, "proj", "")
			if err != nil {
				t.Errorf("sweep %d: %v", i, err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	total := 0
	for _, r := range results {
		if r != nil {
			total += r.SweptCount
		}
	}
	if total != 3 {
		t.Errorf("expected 3 obligations swept across all runs, got %d", total)
	}
	bal, _ := st.GetSellerBalance(ctx, "proj", "s1", model.CurrencyPAB)
	if bal != 3*(9892-108) {
		t.Errorf("expected balance %d, got %d", 3*(9892-108), bal)
	}
}

// failingStore fails obligation locking for one seller.
type failingStore struct {
	store.Store
	bad string
}

func (f failingStore) WithTx(ctx context.Context, fn func(tx store.Store) error) error {
	return f.Store.WithTx(ctx, func(tx store.Store) error {
		return fn(failingStore{Store: tx, bad: f.bad})
	})
}

func (f failingStore) LockPendingFeeObligations(ctx context.Context, projectID, sellerID string) ([]model.FeeObligation, error) {
	if sellerID == f.bad {
		return nil, errors.New("connection reset")
	}
	return f.Store.LockPendingFeeObligations(ctx, projectID, sellerID)
}

func TestSweep_IsolatesSellerFailures(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	settle(t, ms, "s1", "pi1", 10000, 101)
	settle(t, ms, "s2", "pi2", 10000, 101)

	res, err := newSweeper(failingStore{Store: ms, bad: "s1"}, hour).Sweep(ctx, "proj", "")
	if err == nil {
		t.Fatal("expected the failing seller to be reported")
	}
	if res.SweptCount != 1 || res.Failed != 1 {
		t.Errorf("expected one swept and one failed, got %+v", res)
	}
	pending, _ := ms.LockPendingFeeObligations(ctx, "proj", "s2")
	if len(pending) != 0 {
		t.Errorf("expected s2 swept despite s1 failing")
	}
}
