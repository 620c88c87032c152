// Package risk classifies payments into risk tiers and prices the platform fee.
package risk

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/orquesta/settlement/internal/model"
)

// Assessment is the outcome of classifying one payment.
type Assessment struct {
	Tier    model.RiskTier
	FeeRate decimal.Decimal
}

// FeeCents is floor(amount × rate) in minor units.
func (a Assessment) FeeCents(amountCents int64) int64 {
	return FeeCents(amountCents, a.FeeRate)
}

// Classifier assesses a payment intent before it is settled.
type Classifier interface {
	Assess(ctx context.Context, pi *model.PaymentIntent) (Assessment, error)
}

// Amount thresholds in minor units, inclusive.
const (
	BlackThreshold  int64 = 5_000_000
	RedThreshold    int64 = 1_000_000
	YellowThreshold int64 = 300_000
)

// DefaultFeeRate is the platform fee applied to every settled payment.
var DefaultFeeRate = decimal.RequireFromString("0.029")

// StaticClassifier tiers payments by amount and applies a flat fee rate.
type StaticClassifier struct {
	FeeRate decimal.Decimal
}

// NewStaticClassifier returns a classifier with the given rate, or the
// default rate when rate is zero.
func NewStaticClassifier(rate decimal.Decimal) *StaticClassifier {
	if rate.IsZero() {
		rate = DefaultFeeRate
	}
	return &StaticClassifier{FeeRate: rate}
}

func (c *StaticClassifier) Assess(_ context.Context, pi *model.PaymentIntent) (Assessment, error) {
	return Assessment{Tier: TierForAmount(pi.AmountCents), FeeRate: c.FeeRate}, nil
}

// TierForAmount maps a payment amount to its risk tier.
func TierForAmount(amountCents int64) model.RiskTier {
	switch {
	case amountCents >= BlackThreshold:
		return model.RiskBlack
	case amountCents >= RedThreshold:
		return model.RiskRed
	case amountCents >= YellowThreshold:
		return model.RiskYellow
	default:
		return model.RiskGreen
	}
}

// FeeCents computes floor(amount × rate) without floating point.
func FeeCents(amountCents int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(amountCents).Mul(rate).Floor().IntPart()
}
