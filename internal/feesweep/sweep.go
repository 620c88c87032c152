// Package feesweep moves accrued fee obligations out of sellers' payable
// balances into platform revenue and tax accounts.
package feesweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/orquesta/settlement/internal/ledger"
	"github.com/orquesta/settlement/internal/metrics"
	"github.com/orquesta/settlement/internal/model"
	"github.com/orquesta/settlement/internal/store"
)

// Result aggregates a sweep run.
type Result struct {
	SweptCount       int   `json:"swept_count"`
	SweptAmountCents int64 `json:"swept_amount_cents"`
	Sellers          int   `json:"sellers"`
	Failed           int   `json:"failed"`
}

// Key is the sweep idempotency key for one seller, currency and UTC hour.
func Key(sellerID string, at time.Time, cur model.Currency) string {
	return fmt.Sprintf("fee_sweep_%s_%s_%s", sellerID, at.UTC().Format("2006-01-02_15"), cur)
}

// Sweeper runs fee sweeps. Safe to run concurrently from several workers:
// pending rows are locked skip-if-locked and postings are keyed per hour.
type Sweeper struct {
	store  store.Store
	ledger *ledger.Engine
	events model.EventPublisher
	nowFn  func() time.Time
}

// NewSweeper creates a sweeper. events may be nil.
func NewSweeper(st store.Store, eng *ledger.Engine, events model.EventPublisher) *Sweeper {
	if events == nil {
		events = model.NopPublisher{}
	}
	return &Sweeper{
		store:  st,
		ledger: eng,
		events: events,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock used for hour buckets.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.nowFn = now
	return s
}

// Sweep sweeps one project's sellers, or only sellerID when it is set.
// Each seller is processed in its own transaction; failures are collected
// and returned together after every seller has been attempted.
func (s *Sweeper) Sweep(ctx context.Context, projectID, sellerID string) (*Result, error) {
	if sellerID != "" {
		return s.sweepRefs(ctx, []model.SellerRef{{ProjectID: projectID, SellerID: sellerID}})
	}
	refs, err := s.store.ListSellersWithPendingFees(ctx, projectID, 0)
	if err != nil {
		return nil, fmt.Errorf("list sellers with pending fees: %w", err)
	}
	return s.sweepRefs(ctx, refs)
}

// SweepAll sweeps up to limit sellers across every project.
func (s *Sweeper) SweepAll(ctx context.Context, limit int) (*Result, error) {
	refs, err := s.store.ListSellersWithPendingFees(ctx, "", limit)
	if err != nil {
		return nil, fmt.Errorf("list sellers with pending fees: %w", err)
	}
	return s.sweepRefs(ctx, refs)
}

func (s *Sweeper) sweepRefs(ctx context.Context, refs []model.SellerRef) (*Result, error) {
	res := &Result{}
	var errs []error
	for _, ref := range refs {
		count, amount, err := s.sweepSeller(ctx, ref)
		if err != nil {
			res.Failed++
			errs = append(errs, fmt.Errorf("seller %s: %w", ref.SellerID, err))
			slog.Error("fee sweep failed", "project_id", ref.ProjectID, "seller_id", ref.SellerID, "err", err)
			continue
		}
		if count > 0 {
			res.Sellers++
		}
		res.SweptCount += count
		res.SweptAmountCents += amount
	}
	return res, errors.Join(errs...)
}

type currencyTotal struct {
	ids    []string
	amount int64
	tax    int64
}

func (s *Sweeper) sweepSeller(ctx context.Context, ref model.SellerRef) (int, int64, error) {
	now := s.nowFn()
	var (
		count int
		total int64
		swept = map[model.Currency]int64{}
	)

	err := s.store.WithTx(ctx, func(tx store.Store) error {
		pending, err := tx.LockPendingFeeObligations(ctx, ref.ProjectID, ref.SellerID)
		if err != nil {
			return fmt.Errorf("lock obligations: %w", err)
		}
		if len(pending) == 0 {
			return nil
		}

		groups := map[model.Currency]*currencyTotal{}
		for _, fo := range pending {
			g, ok := groups[fo.Currency]
			if !ok {
				g = &currencyTotal{}
				groups[fo.Currency] = g
			}
			g.ids = append(g.ids, fo.ID)
			g.amount += fo.AmountCents
			g.tax += fo.TaxCents
		}
		currencies := make([]model.Currency, 0, len(groups))
		for c := range groups {
			currencies = append(currencies, c)
		}
		sort.Slice(currencies, func(i, j int) bool { return currencies[i] < currencies[j] })

		for _, cur := range currencies {
			g := groups[cur]
			if g.amount+g.tax == 0 {
				continue
			}
			key := Key(ref.SellerID, now, cur)
			taken, err := ledger.Posted(ctx, tx, key)
			if err != nil {
				return err
			}
			if taken {
				// Already swept in this hour bucket; remaining obligations
				// roll into the next bucket.
				continue
			}
			posted, err := s.ledger.Post(ctx, tx, sweepTransaction(ref, key, cur, g))
			if err != nil {
				return err
			}
			if posted.Duplicate {
				continue
			}
			if err := tx.MarkFeeObligationsSwept(ctx, g.ids, now); err != nil {
				return fmt.Errorf("mark swept: %w", err)
			}
			count += len(g.ids)
			total += g.amount + g.tax
			swept[cur] = g.amount + g.tax
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	for cur, amount := range swept {
		metrics.FeesSweptCents.WithLabelValues(string(cur)).Add(float64(amount))
		s.events.Publish(model.Event{
			Type:        model.EventFeesSwept,
			ProjectID:   ref.ProjectID,
			SellerID:    ref.SellerID,
			AmountCents: amount,
			Currency:    cur,
			At:          now,
		})
	}
	if count > 0 {
		metrics.FeesSwept.Add(float64(count))
		slog.Info("fee sweep posted", "project_id", ref.ProjectID, "seller_id", ref.SellerID,
			"obligations", count, "amount_cents", total)
	}
	return count, total, nil
}

func sweepTransaction(ref model.SellerRef, key string, cur model.Currency, g *currencyTotal) ledger.Transaction {
	lines := []ledger.Line{{
		AccountCode: model.CodeMerchantPayables,
		SellerID:    ref.SellerID,
		Type:        model.Debit,
		AmountCents: g.amount + g.tax,
		Currency:    cur,
		TaxCents:    g.tax,
	}}
	if g.amount > 0 {
		lines = append(lines, ledger.Line{
			AccountCode: model.CodePlatformFeeRevenue,
			SellerID:    ref.SellerID,
			Type:        model.Credit,
			AmountCents: g.amount,
			Currency:    cur,
		})
	}
	if g.tax > 0 {
		lines = append(lines, ledger.Line{
			AccountCode: model.CodeTaxPayable,
			SellerID:    ref.SellerID,
			Type:        model.Credit,
			AmountCents: g.tax,
			Currency:    cur,
			TaxCents:    g.tax,
		})
	}
	return ledger.Transaction{
		ProjectID:      ref.ProjectID,
		IdempotencyKey: key,
		Source:         "fee_sweep",
		Lines:          lines,
	}
}
