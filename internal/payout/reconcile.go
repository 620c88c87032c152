package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/orquesta/settlement/internal/ledger"
	"github.com/orquesta/settlement/internal/metrics"
	"github.com/orquesta/settlement/internal/model"
	"github.com/orquesta/settlement/internal/store"
)

// Reconcile applies a status reported by the rail. Transitions are
// forward-only; repeating the current status is a no-op. A failed payout
// returns its funds to the seller through a reversal posting keyed by the
// payout id, so redelivered failures post it once.
//
// On ErrInvalidTransition the current payout is returned with the error.
func (s *Scheduler) Reconcile(ctx context.Context, payoutID string, status model.PayoutStatus, externalID, reason string) (*model.Payout, error) {
	var (
		p       *model.Payout
		changed bool
	)
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		cur, err := tx.GetPayout(ctx, payoutID)
		if err != nil {
			return err
		}
		p = cur
		if cur.Status == status {
			return nil
		}
		if !cur.Status.CanTransition(status) {
			return fmt.Errorf("payout %s %s -> %s: %w", payoutID, cur.Status, status, ErrInvalidTransition)
		}

		now := s.nowFn()
		if err := tx.UpdatePayoutStatus(ctx, payoutID, status, externalID, reason, now); err != nil {
			return fmt.Errorf("update payout: %w", err)
		}
		if status == model.PayoutFailed {
			if err := s.reverse(ctx, tx, cur); err != nil {
				return err
			}
		}
		p, err = tx.GetPayout(ctx, payoutID)
		changed = err == nil
		return err
	})
	if err != nil {
		return p, err
	}
	if !changed {
		return p, nil
	}

	metrics.Payouts.WithLabelValues(string(status)).Inc()
	slog.Info("payout status updated", "payout_id", p.ID, "seller_id", p.SellerID,
		"status", p.Status, "external_id", p.ExternalID)
	s.events.Publish(model.Event{
		Type:        model.EventPayoutUpdated,
		ProjectID:   p.ProjectID,
		SellerID:    p.SellerID,
		Reference:   p.ID,
		Status:      string(p.Status),
		AmountCents: p.AmountCents,
		Currency:    p.Currency,
		At:          p.UpdatedAt,
	})
	return p, nil
}

func (s *Scheduler) reverse(ctx context.Context, tx store.Store, p *model.Payout) error {
	meta := map[string]string{"source": "payout_reversal", "payout_id": p.ID}
	_, err := s.ledger.Post(ctx, tx, ledger.Transaction{
		ProjectID:      p.ProjectID,
		IdempotencyKey: ReversalKey(p.ID),
		Source:         "payout_reversal",
		Lines: []ledger.Line{
			{AccountCode: model.CodeCashReserve, SellerID: p.SellerID, Type: model.Debit, AmountCents: p.AmountCents, Currency: p.Currency, PayoutID: p.ID, Metadata: meta},
			{AccountCode: model.CodeMerchantPayables, SellerID: p.SellerID, Type: model.Credit, AmountCents: p.AmountCents, Currency: p.Currency, PayoutID: p.ID, Metadata: meta},
		},
	})
	if err != nil {
		return fmt.Errorf("reverse payout %s: %w", p.ID, err)
	}
	return nil
}

// Initiate creates a manual payout of a fixed amount. RED and BLACK sellers
// are rejected. A reused idempotency key returns the existing payout with
// store.ErrDuplicateKey. The payout is dispatched after commit; a rail
// failure leaves it pending for DispatchPending.
func (s *Scheduler) Initiate(ctx context.Context, req InitiateRequest) (*model.Payout, error) {
	if req.AmountCents <= 0 {
		return nil, ErrInvalidAmount
	}
	seller, err := s.store.GetSeller(ctx, req.ProjectID, req.SellerID)
	if err != nil {
		return nil, err
	}
	if !seller.RiskTier.PayoutEligible() {
		return nil, fmt.Errorf("seller %s tier %s: %w", seller.ID, seller.RiskTier, ErrSellerIneligible)
	}
	cur := req.Currency
	if cur == "" {
		cur = seller.PreferredCurrency
	}
	key := req.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}

	if existing, err := s.store.GetPayoutByIdempotencyKey(ctx, key); err == nil {
		return existing, fmt.Errorf("payout %s: %w", key, store.ErrDuplicateKey)
	}

	p, err := s.commit(ctx, req.ProjectID, req.SellerID, cur, req.AmountCents, key, ManualLedgerKey(key), s.nowFn())
	if errors.Is(err, errAlreadyScheduled) {
		existing, gerr := s.store.GetPayoutByIdempotencyKey(ctx, key)
		if gerr != nil {
			return nil, gerr
		}
		return existing, fmt.Errorf("payout %s: %w", key, store.ErrDuplicateKey)
	}
	if err != nil {
		return nil, err
	}

	if d, err := s.dispatch(ctx, p); err == nil && d != nil {
		return d, nil
	}
	return p, nil
}
