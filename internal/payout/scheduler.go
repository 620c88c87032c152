package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/orquesta/settlement/internal/gateway"
	"github.com/orquesta/settlement/internal/ledger"
	"github.com/orquesta/settlement/internal/metrics"
	"github.com/orquesta/settlement/internal/model"
	"github.com/orquesta/settlement/internal/store"
)

// errAlreadyScheduled marks a seller whose payout for the day exists.
var errAlreadyScheduled = errors.New("already scheduled today")

// Scheduler creates, dispatches and reconciles payouts.
type Scheduler struct {
	store      store.Store
	ledger     *ledger.Engine
	gateway    gateway.Gateway
	events     model.EventPublisher
	minBalance int64
	nowFn      func() time.Time
}

// NewScheduler creates a scheduler. events may be nil.
func NewScheduler(st store.Store, eng *ledger.Engine, gw gateway.Gateway, events model.EventPublisher) *Scheduler {
	if events == nil {
		events = model.NopPublisher{}
	}
	return &Scheduler{
		store:      st,
		ledger:     eng,
		gateway:    gw,
		events:     events,
		minBalance: MinBalanceCents,
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock used for day keys and arrival estimates.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.nowFn = now
	return s
}

// RunBatch pays out up to limit eligible sellers. Each seller's payout is
// committed in its own transaction; committed payouts are then dispatched
// to the rail. The returned error joins infrastructure failures so the job
// runner can retry; rerunning the same day skips sellers already scheduled.
func (s *Scheduler) RunBatch(ctx context.Context, limit int) (*BatchResult, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	now := s.nowFn()

	candidates, err := s.store.ListPayoutCandidates(ctx, s.minBalance, limit)
	if err != nil {
		return nil, fmt.Errorf("list payout candidates: %w", err)
	}

	res := &BatchResult{}
	var (
		errs      []error
		committed []*model.Payout
	)
	for _, c := range candidates {
		res.Processed++
		out := Outcome{
			SellerID:    c.Seller.ID,
			ProjectID:   c.Seller.ProjectID,
			AmountCents: c.BalanceCents,
			Currency:    c.Currency,
		}
		key := Key(c.Seller.ID, now)

		if _, err := s.store.GetPayoutByIdempotencyKey(ctx, key); err == nil {
			out.Reason = errAlreadyScheduled.Error()
			res.Skipped = append(res.Skipped, out)
			metrics.Payouts.WithLabelValues("skipped").Inc()
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			out.Reason = err.Error()
			res.Failed = append(res.Failed, out)
			errs = append(errs, fmt.Errorf("seller %s: %w", c.Seller.ID, err))
			continue
		}

		if reason, err := s.verifyTaxID(ctx, &c.Seller); err != nil || reason != "" {
			if err != nil {
				reason = err.Error()
				errs = append(errs, fmt.Errorf("seller %s: verify tax id: %w", c.Seller.ID, err))
			}
			out.Reason = reason
			res.Failed = append(res.Failed, out)
			metrics.Payouts.WithLabelValues("failed").Inc()
			slog.Warn("payout blocked by tax id verification", "seller_id", c.Seller.ID, "reason", reason)
			continue
		}

		p, err := s.commit(ctx, c.Seller.ProjectID, c.Seller.ID, c.Currency, 0, key, key, now)
		switch {
		case errors.Is(err, errAlreadyScheduled):
			out.Reason = err.Error()
			res.Skipped = append(res.Skipped, out)
			metrics.Payouts.WithLabelValues("skipped").Inc()
			continue
		case errors.Is(err, ErrInsufficientBalance):
			out.Reason = "balance below threshold"
			res.Skipped = append(res.Skipped, out)
			metrics.Payouts.WithLabelValues("skipped").Inc()
			continue
		case err != nil:
			out.Reason = err.Error()
			res.Failed = append(res.Failed, out)
			errs = append(errs, fmt.Errorf("seller %s: %w", c.Seller.ID, err))
			metrics.Payouts.WithLabelValues("failed").Inc()
			slog.Error("payout commit failed", "seller_id", c.Seller.ID, "err", err)
			continue
		}
		committed = append(committed, p)
	}

	for _, p := range committed {
		out := Outcome{
			SellerID:    p.SellerID,
			ProjectID:   p.ProjectID,
			PayoutID:    p.ID,
			AmountCents: p.AmountCents,
			Currency:    p.Currency,
			Status:      p.Status,
		}
		if d, err := s.dispatch(ctx, p); err != nil {
			out.Reason = "dispatch deferred: " + err.Error()
		} else {
			out.Status = d.Status
			out.ExternalID = d.ExternalID
		}
		res.Successful = append(res.Successful, out)
		res.TotalAmountCents += p.AmountCents
	}

	slog.Info("payout batch completed",
		"processed", res.Processed,
		"successful", len(res.Successful),
		"failed", len(res.Failed),
		"skipped", len(res.Skipped),
		"total_amount_cents", res.TotalAmountCents)
	return res, errors.Join(errs...)
}

func (s *Scheduler) verifyTaxID(ctx context.Context, seller *model.Seller) (string, error) {
	if seller.TaxID == "" {
		return "missing_tax_id", nil
	}
	v, err := s.gateway.VerifyTaxID(ctx, seller.TaxID)
	if err != nil {
		return "", err
	}
	if !v.Verified {
		if v.Reason == "" {
			return "tax_id_unverified", nil
		}
		return "tax_id_unverified: " + v.Reason, nil
	}
	return "", nil
}

// commit creates a pending payout and posts payable -> cash in one
// transaction. amount 0 pays out the full balance, which is re-read inside
// the transaction and must exceed the minimum.
func (s *Scheduler) commit(ctx context.Context, projectID, sellerID string, cur model.Currency, amount int64, key, ledgerKey string, now time.Time) (*model.Payout, error) {
	var p *model.Payout
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		balance, err := tx.GetSellerBalance(ctx, projectID, sellerID, cur)
		if err != nil {
			return fmt.Errorf("balance: %w", err)
		}
		if amount == 0 {
			if balance <= s.minBalance {
				return ErrInsufficientBalance
			}
			amount = balance
		} else if balance < amount {
			return fmt.Errorf("balance %d < %d: %w", balance, amount, ErrInsufficientBalance)
		}

		arrival := NextBusinessDay(now)
		p = &model.Payout{
			ID:               uuid.NewString(),
			ProjectID:        projectID,
			SellerID:         sellerID,
			AmountCents:      amount,
			Currency:         cur,
			Status:           model.PayoutPending,
			IdempotencyKey:   key,
			EstimatedArrival: &arrival,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := tx.CreatePayout(ctx, p); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				return errAlreadyScheduled
			}
			return fmt.Errorf("create payout: %w", err)
		}

		meta := map[string]string{"source": "payout", "payout_id": p.ID}
		posted, err := s.ledger.Post(ctx, tx, ledger.Transaction{
			ProjectID:      projectID,
			IdempotencyKey: ledgerKey,
			Source:         "payout",
			Lines: []ledger.Line{
				{AccountCode: model.CodeMerchantPayables, SellerID: sellerID, Type: model.Debit, AmountCents: amount, Currency: cur, PayoutID: p.ID, Metadata: meta},
				{AccountCode: model.CodeCashReserve, SellerID: sellerID, Type: model.Credit, AmountCents: amount, Currency: cur, PayoutID: p.ID, Metadata: meta},
			},
		})
		if err != nil {
			return err
		}
		if posted.Duplicate {
			return fmt.Errorf("%s: %w", ledgerKey, ErrLedgerKeyUsed)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.Payouts.WithLabelValues("created").Inc()
	slog.Info("payout committed", "payout_id", p.ID, "seller_id", sellerID,
		"amount_cents", p.AmountCents, "currency", cur, "key", key)
	s.events.Publish(model.Event{
		Type:        model.EventPayoutCreated,
		ProjectID:   projectID,
		SellerID:    sellerID,
		Reference:   p.ID,
		Status:      string(p.Status),
		AmountCents: p.AmountCents,
		Currency:    cur,
		At:          now,
	})
	return p, nil
}

// dispatch sends a committed payout to the rail under its idempotency key
// and applies the synchronous answer. On error the payout stays pending.
func (s *Scheduler) dispatch(ctx context.Context, p *model.Payout) (*model.Payout, error) {
	r, err := s.gateway.CreatePayout(ctx, gateway.PayoutRequest{
		SellerID:    p.SellerID,
		AmountCents: p.AmountCents,
		Currency:    p.Currency,
	}, p.IdempotencyKey)
	if err != nil {
		metrics.Payouts.WithLabelValues("dispatch_failed").Inc()
		slog.Warn("payout dispatch failed", "payout_id", p.ID, "seller_id", p.SellerID, "err", err)
		return nil, err
	}

	status := model.PayoutProcessing
	if r.Status == string(model.PayoutPaid) {
		status = model.PayoutPaid
	}
	updated, err := s.Reconcile(ctx, p.ID, status, r.ExternalID, "")
	if errors.Is(err, ErrInvalidTransition) {
		// A callback already moved it further.
		return updated, nil
	}
	if err != nil {
		return nil, err
	}
	metrics.Payouts.WithLabelValues("dispatched").Inc()
	return updated, nil
}

// DispatchPending retries dispatch for payouts left pending by an earlier
// rail failure.
func (s *Scheduler) DispatchPending(ctx context.Context, limit int) (*DispatchResult, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	pending, err := s.store.ListPayoutsByStatus(ctx, model.PayoutPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending payouts: %w", err)
	}

	res := &DispatchResult{}
	var errs []error
	for i := range pending {
		if _, err := s.dispatch(ctx, &pending[i]); err != nil {
			res.Failed++
			errs = append(errs, fmt.Errorf("payout %s: %w", pending[i].ID, err))
			continue
		}
		res.Dispatched++
	}
	if len(pending) > 0 {
		slog.Info("pending payouts dispatched", "dispatched", res.Dispatched, "failed", res.Failed)
	}
	return res, errors.Join(errs...)
}
