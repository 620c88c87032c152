// Package settlement turns a confirmed payment into ledger postings and a
// pending fee obligation.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/orquesta/settlement/internal/ledger"
	"github.com/orquesta/settlement/internal/metrics"
	"github.com/orquesta/settlement/internal/model"
	"github.com/orquesta/settlement/internal/store"
)

var (
	// ErrNonPositiveSettlement means fee plus tax consume the whole payment.
	ErrNonPositiveSettlement = errors.New("settlement: merchant net must be positive")
	ErrInvalidFee            = errors.New("settlement: platform fee must not be negative")
)

// TaxRatePercent is the transaction tax (ITBMS) charged on platform fees.
const TaxRatePercent = 7

// Tax returns floor(feeCents × 7 / 100) for non-negative fees.
func Tax(feeCents int64) int64 {
	return feeCents * TaxRatePercent / 100
}

// Key is the settlement idempotency key used for webhook-driven settlement.
func Key(intentID string) string {
	return "settle_" + intentID
}

// Result summarizes one settlement.
type Result struct {
	FeeCents  int64 `json:"fee_cents"`
	TaxCents  int64 `json:"tax_cents"`
	NetCents  int64 `json:"net_cents"`
	Duplicate bool  `json:"duplicate"`
	// Skipped is true when the intent was already succeeded on entry.
	Skipped bool `json:"skipped"`
}

// Service settles payment intents.
type Service struct {
	store  store.Store
	ledger *ledger.Engine
	events model.EventPublisher
	nowFn  func() time.Time
}

// NewService creates a settlement service. events may be nil.
func NewService(st store.Store, eng *ledger.Engine, events model.EventPublisher) *Service {
	if events == nil {
		events = model.NopPublisher{}
	}
	return &Service{
		store:  st,
		ledger: eng,
		events: events,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// Settle posts the settlement of pi, records the fee obligation and marks
// the intent succeeded, all in one storage transaction.
//
// The status check on entry is only a fast path; duplicate deliveries are
// deduplicated by the ledger keys derived from key.
func (s *Service) Settle(ctx context.Context, pi *model.PaymentIntent, feeCents int64, key string) (*Result, error) {
	if pi.Status == model.IntentSucceeded {
		return &Result{Skipped: true}, nil
	}
	if feeCents < 0 {
		return nil, ErrInvalidFee
	}

	tax := Tax(feeCents)
	net := pi.AmountCents - feeCents - tax
	if net <= 0 {
		return nil, fmt.Errorf("intent %s amount=%d fee=%d tax=%d: %w",
			pi.ID, pi.AmountCents, feeCents, tax, ErrNonPositiveSettlement)
	}
	res := &Result{FeeCents: feeCents, TaxCents: tax, NetCents: net}

	lines := []ledger.Line{
		s.line(pi, model.CodeMerchantReceivables, model.Debit, pi.AmountCents, 0),
		s.line(pi, model.CodeMerchantPayables, model.Credit, net, 0),
	}
	if feeCents > 0 {
		lines = append(lines, s.line(pi, model.CodePlatformFeeRevenue, model.Credit, feeCents, 0))
	}
	if tax > 0 {
		lines = append(lines, s.line(pi, model.CodeTaxPayable, model.Credit, tax, tax))
	}

	err := s.store.WithTx(ctx, func(tx store.Store) error {
		posted, err := s.ledger.Post(ctx, tx, ledger.Transaction{
			ProjectID:      pi.ProjectID,
			IdempotencyKey: key,
			Source:         "settlement",
			Lines:          lines,
		})
		if err != nil {
			return err
		}
		res.Duplicate = posted.Duplicate

		if feeCents+tax > 0 {
			if _, err := tx.CreateFeeObligation(ctx, &model.FeeObligation{
				ProjectID:       pi.ProjectID,
				SellerID:        pi.SellerID,
				PaymentIntentID: pi.ID,
				AmountCents:     feeCents,
				TaxCents:        tax,
				Currency:        pi.Currency,
				Status:          model.FeePending,
				IdempotencyKey:  key,
				CreatedAt:       s.nowFn(),
			}); err != nil {
				return fmt.Errorf("create fee obligation: %w", err)
			}
		}

		current, err := tx.GetPaymentIntent(ctx, pi.ID)
		if err != nil {
			return err
		}
		if current.Status.CanTransition(model.IntentSucceeded) {
			if err := tx.UpdatePaymentIntentStatus(ctx, pi.ID, model.IntentSucceeded, ""); err != nil {
				return fmt.Errorf("mark intent succeeded: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	pi.Status = model.IntentSucceeded
	if !res.Duplicate {
		metrics.Settlements.WithLabelValues(string(pi.Currency)).Inc()
		slog.Info("payment settled",
			"intent_id", pi.ID, "seller_id", pi.SellerID,
			"amount_cents", pi.AmountCents, "fee_cents", feeCents, "tax_cents", tax, "net_cents", net)
		s.events.Publish(model.Event{
			Type:        model.EventPaymentSettled,
			ProjectID:   pi.ProjectID,
			SellerID:    pi.SellerID,
			Reference:   pi.ID,
			Status:      string(model.IntentSucceeded),
			AmountCents: net,
			Currency:    pi.Currency,
			At:          s.nowFn(),
		})
	}
	return res, nil
}

func (s *Service) line(pi *model.PaymentIntent, code string, typ model.EntryType, amount, tax int64) ledger.Line {
	return ledger.Line{
		AccountCode:     code,
		SellerID:        pi.SellerID,
		Type:            typ,
		AmountCents:     amount,
		Currency:        pi.Currency,
		PaymentIntentID: pi.ID,
		TaxCents:        tax,
	}
}
