package settlement

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"testing/quick"

	"github.com/orquesta/settlement/internal/ledger"
	"github.com/orquesta/settlement/internal/model"
	"github.com/orquesta/settlement/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	return NewService(ms, ledger.NewEngine(), nil), ms
}

func seedIntent(t *testing.T, ms *store.MemoryStore, id string, amount int64) *model.PaymentIntent {
	t.Helper()
	pi := &model.PaymentIntent{
		ID: id, ProjectID: "proj", SellerID: "s1", AmountCents: amount,
		Currency: model.CurrencyPAB, Status: model.IntentProcessing, IdempotencyKey: "req-" + id,
	}
	if err := ms.CreatePaymentIntent(context.Background(), pi); err != nil {
		t.Fatalf("seed intent: %v", err)
	}
	return pi
}

func TestTax_Examples(t *testing.T) {
	cases := map[int64]int64{0: 0, 1: 0, 14: 0, 15: 1, 100: 7, 101: 7, 290: 20}
	for fee, want := range cases {
		if got := Tax(fee); got != want {
			t.Errorf("Tax(%d) = %d, want %d", fee, got, want)
		}
	}
}

func TestTax_FloorProperty(t *testing.T) {
	prop := func(f uint32) bool {
		fee := int64(f)
		want := new(big.Int).Div(big.NewInt(fee*7), big.NewInt(100)).Int64()
		got := Tax(fee)
		return got == want && got*100 <= fee*7 && (got+1)*100 > fee*7
	}
	if err := quick.Check(prop, &quick.Config{MaxCount: 10000}); err != nil {
		t.Error(err)
	}
}

func TestSettle_PostsFourBalancedLines(t *testing.T) {
	svc, ms := newTestService(t)
	ctx := context.Background()
	pi := seedIntent(t, ms, "pi1", 10000)

	res, err := svc.Settle(ctx, pi, 101, Key(pi.ID))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res.TaxCents != 7 || res.NetCents != 9892 {
		t.Errorf("expected tax=7 net=9892, got %+v", res)
	}

	entries, _ := ms.ListLedgerEntries(ctx, store.LedgerFilter{PaymentIntentID: "pi1"})
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}
	var debits, credits int64
	for _, e := range entries {
		if e.EntryType == model.Debit {
			debits += e.AmountCents
		} else {
			credits += e.AmountCents
		}
	}
	if debits != 10000 || credits != 10000 {
		t.Errorf("expected 10000/10000, got %d/%d", debits, credits)
	}

	bal, _ := ms.GetSellerBalance(ctx, "proj", "s1", model.CurrencyPAB)
	if bal != 9892 {
		t.Errorf("expected balance 9892, got %d", bal)
	}

	pending, _ := ms.LockPendingFeeObligations(ctx, "proj", "s1")
	if len(pending) != 1 || pending[0].AmountCents != 101 || pending[0].TaxCents != 7 {
		t.Errorf("unexpected obligations %+v", pending)
	}

	stored, _ := ms.GetPaymentIntent(ctx, "pi1")
	if stored.Status != model.IntentSucceeded {
		t.Errorf("expected succeeded, got %s", stored.Status)
	}
}

func TestSettle_DuplicateDeliveryPostsOnce(t *testing.T) {
	svc, ms := newTestService(t)
	ctx := context.Background()
	pi := seedIntent(t, ms, "pi1", 10000)

	// Two deliveries that both observed the intent before it succeeded.
	a, b := *pi, *pi
	if _, err := svc.Settle(ctx, &a, 101, Key(pi.ID)); err != nil {
		t.Fatal(err)
	}
	res, err := svc.Settle(ctx, &b, 101, Key(pi.ID))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Duplicate {
		t.Error("expected second settlement to be a duplicate")
	}

	entries, _ := ms.ListLedgerEntries(ctx, store.LedgerFilter{PaymentIntentID: "pi1"})
	if len(entries) != 4 {
		t.Errorf("expected 4 entries, got %d", len(entries))
	}
	pending, _ := ms.LockPendingFeeObligations(ctx, "proj", "s1")
	if len(pending) != 1 {
		t.Errorf("expected a single obligation, got %d", len(pending))
	}
}

func TestSettle_AlreadySucceededIsNoop(t *testing.T) {
	svc, ms := newTestService(t)
	pi := seedIntent(t, ms, "pi1", 10000)
	pi.Status = model.IntentSucceeded

	res, err := svc.Settle(context.Background(), pi, 101, Key(pi.ID))
	if err != nil || !res.Skipped {
		t.Fatalf("expected skip, got %+v %v", res, err)
	}
	entries, _ := ms.ListLedgerEntries(context.Background(), store.LedgerFilter{})
	if len(entries) != 0 {
		t.Errorf("expected nothing posted, got %d", len(entries))
	}
}

func TestSettle_NonPositiveNet(t *testing.T) {
	svc, ms := newTestService(t)
	ctx := context.Background()
	pi := seedIntent(t, ms, "pi1", 100)

	_, err := svc.Settle(ctx, pi, 95, Key(pi.ID)) // tax 6, net -1
	if !errors.Is(err, ErrNonPositiveSettlement) {
		t.Fatalf("expected ErrNonPositiveSettlement, got %v", err)
	}
	stored, _ := ms.GetPaymentIntent(ctx, "pi1")
	if stored.Status != model.IntentProcessing {
		t.Errorf("expected intent untouched, got %s", stored.Status)
	}
}

func TestSettle_ZeroFeeSkipsRevenueLines(t *testing.T) {
	svc, ms := newTestService(t)
	ctx := context.Background()
	pi := seedIntent(t, ms, "pi1", 500)

	if _, err := svc.Settle(ctx, pi, 0, Key(pi.ID)); err != nil {
		t.Fatal(err)
	}
	entries, _ := ms.ListLedgerEntries(ctx, store.LedgerFilter{PaymentIntentID: "pi1"})
	if len(entries) != 2 {
		t.Errorf("expected 2 entries, got %d", len(entries))
	}
	pending, _ := ms.LockPendingFeeObligations(ctx, "proj", "s1")
	if len(pending) != 0 {
		t.Errorf("expected no obligation for a zero fee, got %d", len(pending))
	}
}
