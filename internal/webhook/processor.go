package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/orquesta/settlement/internal/model"
	"github.com/orquesta/settlement/internal/payout"
	"github.com/orquesta/settlement/internal/risk"
	"github.com/orquesta/settlement/internal/settlement"
	"github.com/orquesta/settlement/internal/store"
)

var (
	ErrUnknownStatus = errors.New("webhook: unknown status")
	ErrMissingID     = errors.New("webhook: missing id")
)

// PaymentEvent is the provider's payment callback body.
type PaymentEvent struct {
	Type string `json:"type"`
	Data struct {
		PaymentIntentID string `json:"payment_intent_id"`
		Status          string `json:"status"`
	} `json:"data"`
}

// PayoutEvent is the payout rail's callback body.
type PayoutEvent struct {
	Type string `json:"type"`
	Data struct {
		PayoutID   string `json:"payout_id"`
		Status     string `json:"status"`
		ExternalID string `json:"external_id,omitempty"`
		Reason     string `json:"reason,omitempty"`
	} `json:"data"`
}

// PaymentOutcome reports how a payment callback was applied.
type PaymentOutcome struct {
	IntentID   string                    `json:"payment_intent_id"`
	Status     model.PaymentIntentStatus `json:"status"`
	Blocked    bool                      `json:"blocked,omitempty"`
	Ignored    bool                      `json:"ignored,omitempty"`
	Settlement *settlement.Result        `json:"settlement,omitempty"`
}

// Processor applies verified callbacks to the domain.
type Processor struct {
	store      store.Store
	settlement *settlement.Service
	classifier risk.Classifier
	payouts    *payout.Scheduler
}

func NewProcessor(st store.Store, settle *settlement.Service, classifier risk.Classifier, payouts *payout.Scheduler) *Processor {
	return &Processor{store: st, settlement: settle, classifier: classifier, payouts: payouts}
}

// Payment applies a provider payment status. Succeeded payments are risk
// assessed; BLACK tier payments are failed instead of settled. Settlement is
// keyed by the intent id, so duplicate deliveries post once.
func (p *Processor) Payment(ctx context.Context, ev PaymentEvent) (*PaymentOutcome, error) {
	id := ev.Data.PaymentIntentID
	if id == "" {
		return nil, ErrMissingID
	}
	pi, err := p.store.GetPaymentIntent(ctx, id)
	if err != nil {
		return nil, err
	}
	out := &PaymentOutcome{IntentID: pi.ID, Status: pi.Status}

	status := model.PaymentIntentStatus(ev.Data.Status)
	switch status {
	case model.IntentProcessing, model.IntentFailed, model.IntentCanceled:
		if !pi.Status.CanTransition(status) {
			out.Ignored = true
			return out, nil
		}
		if err := p.store.UpdatePaymentIntentStatus(ctx, pi.ID, status, ""); err != nil {
			return nil, fmt.Errorf("update intent %s: %w", pi.ID, err)
		}
		out.Status = status
		slog.Info("payment intent updated", "intent_id", pi.ID, "status", status)
		return out, nil

	case model.IntentSucceeded:
	default:
		return nil, fmt.Errorf("%q: %w", ev.Data.Status, ErrUnknownStatus)
	}

	if pi.Status.Terminal() {
		out.Ignored = pi.Status != model.IntentSucceeded
		return out, nil
	}

	assessment, err := p.classifier.Assess(ctx, pi)
	if err != nil {
		return nil, fmt.Errorf("assess intent %s: %w", pi.ID, err)
	}
	if assessment.Tier == model.RiskBlack {
		if err := p.store.UpdatePaymentIntentStatus(ctx, pi.ID, model.IntentFailed, ""); err != nil {
			return nil, fmt.Errorf("block intent %s: %w", pi.ID, err)
		}
		slog.Warn("payment blocked by risk tier", "intent_id", pi.ID, "seller_id", pi.SellerID,
			"amount_cents", pi.AmountCents, "tier", assessment.Tier)
		out.Status = model.IntentFailed
		out.Blocked = true
		return out, nil
	}

	res, err := p.settlement.Settle(ctx, pi, assessment.FeeCents(pi.AmountCents), settlement.Key(pi.ID))
	if err != nil {
		return nil, err
	}
	out.Status = model.IntentSucceeded
	out.Settlement = res
	return out, nil
}

// Payout applies a payout rail status through payout reconciliation.
// Stale or backward transitions are reported as ignored, not as errors.
func (p *Processor) Payout(ctx context.Context, ev PayoutEvent) (*model.Payout, bool, error) {
	if ev.Data.PayoutID == "" {
		return nil, false, ErrMissingID
	}
	status := model.PayoutStatus(ev.Data.Status)
	switch status {
	case model.PayoutProcessing, model.PayoutPaid, model.PayoutFailed:
	default:
		return nil, false, fmt.Errorf("%q: %w", ev.Data.Status, ErrUnknownStatus)
	}

	po, err := p.payouts.Reconcile(ctx, ev.Data.PayoutID, status, ev.Data.ExternalID, ev.Data.Reason)
	if errors.Is(err, payout.ErrInvalidTransition) {
		slog.Info("stale payout callback ignored", "payout_id", ev.Data.PayoutID, "status", status)
		return po, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	return po, false, nil
}
