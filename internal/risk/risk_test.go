package risk

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/orquesta/settlement/internal/model"
)

func TestTierForAmount(t *testing.T) {
	tests := []struct {
		amount int64
		want   model.RiskTier
	}{
		{100, model.RiskGreen},
		{299_999, model.RiskGreen},
		{300_000, model.RiskYellow},
		{1_000_000, model.RiskRed},
		{4_999_999, model.RiskRed},
		{5_000_000, model.RiskBlack},
	}
	for _, tt := range tests {
		if got := TierForAmount(tt.amount); got != tt.want {
			t.Errorf("TierForAmount(%d) = %s, want %s", tt.amount, got, tt.want)
		}
	}
}

func TestFeeCents_Floors(t *testing.T) {
	rate := decimal.RequireFromString("0.029")
	tests := []struct {
		amount int64
		want   int64
	}{
		{10000, 290},
		{3483, 101}, // 101.007
		{34, 0},     // 0.986
		{0, 0},
	}
	for _, tt := range tests {
		if got := FeeCents(tt.amount, rate); got != tt.want {
			t.Errorf("FeeCents(%d) = %d, want %d", tt.amount, got, tt.want)
		}
	}
}

func TestStaticClassifier_DefaultRate(t *testing.T) {
	c := NewStaticClassifier(decimal.Zero)
	a, err := c.Assess(context.Background(), &model.PaymentIntent{AmountCents: 10000})
	if err != nil {
		t.Fatal(err)
	}
	if a.Tier != model.RiskGreen || !a.FeeRate.Equal(DefaultFeeRate) {
		t.Errorf("unexpected assessment %+v", a)
	}
	if a.FeeCents(10000) != 290 {
		t.Errorf("expected fee 290, got %d", a.FeeCents(10000))
	}
}
