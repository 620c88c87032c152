package payout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/orquesta/settlement/internal/gateway"
	"github.com/orquesta/settlement/internal/ledger"
	"github.com/orquesta/settlement/internal/model"
	"github.com/orquesta/settlement/internal/store"
)

var day = time.Date(2026, 10, 16, 6, 0, 0, 0, time.UTC) // Friday

func seed(t *testing.T, st store.Store, id string, tier model.RiskTier, taxID string) {
	t.Helper()
	err := st.CreateSeller(context.Background(), &model.Seller{
		ID: id, ProjectID: "proj", Name: id, TaxID: taxID, RiskTier: tier, PreferredCurrency: model.CurrencyPAB,
	})
	if err != nil {
		t.Fatalf("create seller: %v", err)
	}
}

// fund credits the seller's payable balance as a settlement would.
func fund(t *testing.T, st store.Store, sellerID, key string, amount int64) {
	t.Helper()
	_, err := ledger.NewEngine().Post(context.Background(), st, ledger.Transaction{
		ProjectID:      "proj",
		IdempotencyKey: key,
		Source:         "test",
		Lines: []ledger.Line{
			{AccountCode: model.CodeMerchantReceivables, SellerID: sellerID, Type: model.Debit, AmountCents: amount, Currency: model.CurrencyPAB},
			{AccountCode: model.CodeMerchantPayables, SellerID: sellerID, Type: model.Credit, AmountCents: amount, Currency: model.CurrencyPAB},
		},
	})
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
}

func balance(t *testing.T, st store.Store, sellerID string) int64 {
	t.Helper()
	b, err := st.GetSellerBalance(context.Background(), "proj", sellerID, model.CurrencyPAB)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func newScheduler(st store.Store, gw gateway.Gateway, now time.Time) *Scheduler {
	return NewScheduler(st, ledger.NewEngine(), gw, nil).WithClock(func() time.Time { return now })
}

func TestKey(t *testing.T) {
	if got := Key("s1", day.Add(17*time.Hour)); got != "payout_s1_2026-10-16" {
		t.Errorf("unexpected key %s", got)
	}
	if Key("s1", day) == Key("s1", day.Add(24*time.Hour)) {
		t.Error("expected a new key on the next day")
	}
}

func TestNextBusinessDay(t *testing.T) {
	cases := []struct {
		from, want string
	}{
		{"2026-10-14", "2026-10-15"}, // Wed -> Thu
		{"2026-10-16", "2026-10-19"}, // Fri -> Mon
		{"2026-10-17", "2026-10-19"}, // Sat -> Mon
		{"2026-11-02", "2026-11-06"}, // Mon -> Fri past 11-03..11-05
		{"2026-12-24", "2026-12-28"}, // Thu -> Mon past 12-25
		{"2026-12-31", "2027-01-04"}, // Thu -> Mon past 01-01
	}
	for _, tc := range cases {
		from, _ := time.Parse("2006-01-02", tc.from)
		if got := NextBusinessDay(from).Format("2006-01-02"); got != tc.want {
			t.Errorf("NextBusinessDay(%s) = %s, want %s", tc.from, got, tc.want)
		}
	}
}

func TestRunBatch_PaysOutEligibleSeller(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	seed(t, st, "s1", model.RiskGreen, "155612345")
	fund(t, st, "s1", "f1", 9892)

	res, err := newScheduler(st, gateway.NewSimulated(), day).RunBatch(ctx, 0)
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if res.Processed != 1 || len(res.Successful) != 1 || res.TotalAmountCents != 9892 {
		t.Fatalf("unexpected result %+v", res)
	}
	out := res.Successful[0]
	if out.Status != model.PayoutPaid || out.ExternalID == "" {
		t.Errorf("expected even amount paid synchronously, got %+v", out)
	}
	if b := balance(t, st, "s1"); b != 0 {
		t.Errorf("expected balance drained, got %d", b)
	}

	p, err := st.GetPayoutByIdempotencyKey(ctx, "payout_s1_2026-10-16")
	if err != nil {
		t.Fatal(err)
	}
	if p.EstimatedArrival == nil || p.EstimatedArrival.Weekday() != time.Monday {
		t.Errorf("expected arrival on Monday, got %v", p.EstimatedArrival)
	}
	entries, _ := st.ListLedgerEntries(ctx, store.LedgerFilter{PayoutID: p.ID})
	if len(entries) != 2 {
		t.Errorf("expected 2 payout lines, got %d", len(entries))
	}
}

func TestRunBatch_OddAmountStaysProcessing(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, "s1", model.RiskYellow, "155612345")
	fund(t, st, "s1", "f1", 5001)

	res, err := newScheduler(st, gateway.NewSimulated(), day).RunBatch(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Successful) != 1 || res.Successful[0].Status != model.PayoutProcessing {
		t.Errorf("expected processing payout, got %+v", res)
	}
}

func TestRunBatch_OncePerSellerPerDay(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	seed(t, st, "s1", model.RiskGreen, "155612345")
	fund(t, st, "s1", "f1", 5000)
	gw := gateway.NewSimulated()

	if _, err := newScheduler(st, gw, day).RunBatch(ctx, 0); err != nil {
		t.Fatal(err)
	}
	fund(t, st, "s1", "f2", 3000)
	res, err := newScheduler(st, gw, day.Add(3*time.Hour)).RunBatch(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Skipped) != 1 || res.Skipped[0].Reason != "already scheduled today" {
		t.Fatalf("expected seller skipped, got %+v", res)
	}
	payouts, _ := st.ListPayouts(ctx, "proj", "s1", 0)
	if len(payouts) != 1 {
		t.Errorf("expected one payout, got %d", len(payouts))
	}
	if gw.Calls() != 1 {
		t.Errorf("expected one rail call, got %d", gw.Calls())
	}

	res, _ = newScheduler(st, gw, day.Add(24*time.Hour)).RunBatch(ctx, 0)
	if len(res.Successful) != 1 || res.Successful[0].AmountCents != 3000 {
		t.Errorf("expected next day payout of 3000, got %+v", res)
	}
}

func TestRunBatch_RiskTierGate(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, "red", model.RiskRed, "155612345")
	seed(t, st, "black", model.RiskBlack, "155612345")
	seed(t, st, "green", model.RiskGreen, "155612345")
	fund(t, st, "red", "f1", 500000)
	fund(t, st, "black", "f2", 500000)
	fund(t, st, "green", "f3", 2000)

	res, err := newScheduler(st, gateway.NewSimulated(), day).RunBatch(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 1 || res.Successful[0].SellerID != "green" {
		t.Errorf("expected only the green seller, got %+v", res)
	}
	if balance(t, st, "red") != 500000 || balance(t, st, "black") != 500000 {
		t.Error("expected RED and BLACK balances untouched")
	}
}

func TestRunBatch_ThresholdIsExclusive(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, "s1", model.RiskGreen, "155612345")
	fund(t, st, "s1", "f1", MinBalanceCents)

	res, _ := newScheduler(st, gateway.NewSimulated(), day).RunBatch(context.Background(), 0)
	if res.Processed != 0 {
		t.Errorf("expected balance equal to threshold to be ineligible, got %+v", res)
	}
}

func TestRunBatch_UnverifiedTaxIDFails(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	seed(t, st, "s1", model.RiskGreen, "8-NT-123")
	fund(t, st, "s1", "f1", 5000)

	res, err := newScheduler(st, gateway.NewSimulated(), day).RunBatch(ctx, 0)
	if err != nil {
		t.Fatalf("business rejection should not error the batch: %v", err)
	}
	if len(res.Failed) != 1 || res.Failed[0].Reason != "tax_id_unverified: invalid_format" {
		t.Errorf("unexpected result %+v", res)
	}
	if b := balance(t, st, "s1"); b != 5000 {
		t.Errorf("expected balance untouched, got %d", b)
	}
}

func TestRunBatch_DispatchFailureLeavesPending(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	seed(t, st, "s1", model.RiskGreen, "155612345")
	fund(t, st, "s1", "f1", 5001)
	gw := gateway.NewSimulated()
	gw.Fail = func(gateway.PayoutRequest) error { return errors.New("rail timeout") }
	sch := newScheduler(st, gw, day)

	res, err := sch.RunBatch(ctx, 0)
	if err != nil {
		t.Fatalf("dispatch failures are deferred, got %v", err)
	}
	if len(res.Successful) != 1 || res.Successful[0].Status != model.PayoutPending {
		t.Fatalf("expected committed pending payout, got %+v", res)
	}
	if b := balance(t, st, "s1"); b != 0 {
		t.Errorf("expected ledger posted despite dispatch failure, got %d", b)
	}

	if _, err := sch.DispatchPending(ctx, 0); err == nil {
		t.Error("expected dispatch error while the rail is down")
	}

	gw.Fail = nil
	dr, err := sch.DispatchPending(ctx, 0)
	if err != nil || dr.Dispatched != 1 {
		t.Fatalf("expected redispatch, got %+v %v", dr, err)
	}
	pending, _ := st.ListPayoutsByStatus(ctx, model.PayoutPending, 0)
	if len(pending) != 0 {
		t.Errorf("expected no pending payouts, got %d", len(pending))
	}
}

func TestReconcile_FailedReversesOnce(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	seed(t, st, "s1", model.RiskGreen, "155612345")
	fund(t, st, "s1", "f1", 5001)
	sch := newScheduler(st, gateway.NewSimulated(), day)

	res, err := sch.RunBatch(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	id := res.Successful[0].PayoutID

	p, err := sch.Reconcile(ctx, id, model.PayoutFailed, "", "account_closed")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if p.Status != model.PayoutFailed || p.FailureReason != "account_closed" {
		t.Errorf("unexpected payout %+v", p)
	}
	if b := balance(t, st, "s1"); b != 5001 {
		t.Errorf("expected funds returned, got %d", b)
	}

	if _, err := sch.Reconcile(ctx, id, model.PayoutFailed, "", "account_closed"); err != nil {
		t.Errorf("redelivery should be a no-op, got %v", err)
	}
	if b := balance(t, st, "s1"); b != 5001 {
		t.Errorf("expected a single reversal, got balance %d", b)
	}

	_, err = sch.Reconcile(ctx, id, model.PayoutPaid, "", "")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected terminal payout to reject updates, got %v", err)
	}
}

func TestReconcile_ProcessingToPaid(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	seed(t, st, "s1", model.RiskGreen, "155612345")
	fund(t, st, "s1", "f1", 5001)
	sch := newScheduler(st, gateway.NewSimulated(), day)
	res, _ := sch.RunBatch(ctx, 0)
	id := res.Successful[0].PayoutID

	p, err := sch.Reconcile(ctx, id, model.PayoutPaid, "", "")
	if err != nil || p.Status != model.PayoutPaid {
		t.Fatalf("expected paid, got %+v %v", p, err)
	}
	if _, err := sch.Reconcile(ctx, id, model.PayoutProcessing, "", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected backward transition rejected, got %v", err)
	}
	if _, err := sch.Reconcile(ctx, "missing", model.PayoutPaid, "", ""); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestInitiate(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	seed(t, st, "s1", model.RiskGreen, "155612345")
	seed(t, st, "red", model.RiskRed, "155612345")
	fund(t, st, "s1", "f1", 5000)
	fund(t, st, "red", "f2", 5000)
	sch := newScheduler(st, gateway.NewSimulated(), day)

	_, err := sch.Initiate(ctx, InitiateRequest{ProjectID: "proj", SellerID: "red", AmountCents: 100})
	if !errors.Is(err, ErrSellerIneligible) {
		t.Errorf("expected ineligible, got %v", err)
	}
	_, err = sch.Initiate(ctx, InitiateRequest{ProjectID: "proj", SellerID: "s1", AmountCents: 6000})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("expected insufficient balance, got %v", err)
	}
	_, err = sch.Initiate(ctx, InitiateRequest{ProjectID: "proj", SellerID: "s1", AmountCents: 0})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected invalid amount, got %v", err)
	}

	req := InitiateRequest{ProjectID: "proj", SellerID: "s1", AmountCents: 1500, IdempotencyKey: "manual-1"}
	p, err := sch.Initiate(ctx, req)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if p.Status != model.PayoutPaid || p.Currency != model.CurrencyPAB {
		t.Errorf("unexpected payout %+v", p)
	}
	if b := balance(t, st, "s1"); b != 3500 {
		t.Errorf("expected balance 3500, got %d", b)
	}

	again, err := sch.Initiate(ctx, req)
	if !errors.Is(err, store.ErrDuplicateKey) || again == nil || again.ID != p.ID {
		t.Errorf("expected existing payout with duplicate error, got %+v %v", again, err)
	}
	if b := balance(t, st, "s1"); b != 3500 {
		t.Errorf("expected no second debit, got %d", b)
	}
}

func TestInitiate_KeyReusedFromSettlementPostsDebit(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	seed(t, st, "s1", model.RiskGreen, "155612345")
	fund(t, st, "s1", "fund-1", 50000)
	sch := newScheduler(st, gateway.NewSimulated(), day)

	p, err := sch.Initiate(ctx, InitiateRequest{ProjectID: "proj", SellerID: "s1", AmountCents: 5000, IdempotencyKey: "fund-1"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if b := balance(t, st, "s1"); b != 45000 {
		t.Errorf("expected balance 45000, got %d", b)
	}
	lines, _ := st.ListLedgerEntries(ctx, store.LedgerFilter{PayoutID: p.ID})
	if len(lines) != 2 {
		t.Errorf("expected 2 payout ledger lines, got %d", len(lines))
	}
}

func TestCommit_PostedLedgerKeyRollsBack(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	seed(t, st, "s1", model.RiskGreen, "155612345")
	fund(t, st, "s1", "fund-1", 50000)
	sch := newScheduler(st, gateway.NewSimulated(), day)

	_, err := sch.commit(ctx, "proj", "s1", model.CurrencyPAB, 5000, "manual-9", "fund-1", day)
	if !errors.Is(err, ErrLedgerKeyUsed) {
		t.Fatalf("expected ErrLedgerKeyUsed, got %v", err)
	}
	if _, err := st.GetPayoutByIdempotencyKey(ctx, "manual-9"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected payout rolled back, got %v", err)
	}
	if b := balance(t, st, "s1"); b != 50000 {
		t.Errorf("expected untouched balance, got %d", b)
	}
}
