package position

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ycliu-tw/quantd/internal/types"
)

func buySignal(symbol string, qty int, confidence string) types.TradingSignal {
	return types.TradingSignal{
		ID:                "sig-1",
		Symbol:            symbol,
		Type:              types.SignalBuy,
		Confidence:        decimal.RequireFromString(confidence),
		Timestamp:         time.Now(),
		SuggestedQuantity: qty,
		StrategyName:      "test",
	}
}

// TestComputeTargetDelta_ClampsToRiskCap tests the 10%-of-capital
// scenario: capital 90000, 10% cap, price 15 permits 600 shares, so a
// 1000-share BUY from flat clamps to 600 without erroring.
func TestComputeTargetDelta_ClampsToRiskCap(t *testing.T) {
	m := NewManager(decimal.NewFromInt(90000), nil)
	limits := RiskLimits{MaxPositionPct: decimal.RequireFromString("0.10"), MinQuantity: 1}

	intent, err := m.ComputeTargetDelta(buySignal("AAPL", 1000, "0.8"), limits, decimal.NewFromInt(15))
	if err != nil {
		t.Fatalf("ComputeTargetDelta() error = %v", err)
	}

	if intent.TargetQuantity != 600 {
		t.Errorf("target quantity = %d, want 600", intent.TargetQuantity)
	}
	if intent.Side != types.SideBuy {
		t.Errorf("side = %v, want BUY", intent.Side)
	}
	if intent.SignalID != "sig-1" {
		t.Errorf("signal id = %s, want sig-1", intent.SignalID)
	}
}

// TestComputeTargetDelta_ClampToZeroErrors tests that a position
// already at the cap yields ErrRiskLimitExceeded rather than a zero
// intent.
func TestComputeTargetDelta_ClampToZeroErrors(t *testing.T) {
	m := NewManager(decimal.NewFromInt(90000), nil)
	limits := RiskLimits{MaxPositionPct: decimal.RequireFromString("0.10"), MinQuantity: 1}

	// Fill up to the 600-share cap first.
	if err := m.ApplyFill(types.Fill{
		OrderID:       "o1",
		Symbol:        "AAPL",
		Side:          types.SideBuy,
		Quantity:      600,
		CumulativeQty: 600,
		Price:         decimal.NewFromInt(15),
		Timestamp:     time.Now(),
	}); err != nil {
		t.Fatalf("ApplyFill() error = %v", err)
	}

	_, err := m.ComputeTargetDelta(buySignal("AAPL", 100, "0.8"), limits, decimal.NewFromInt(15))
	if !errors.Is(err, types.ErrRiskLimitExceeded) {
		t.Errorf("ComputeTargetDelta() error = %v, want ErrRiskLimitExceeded", err)
	}
}

// TestComputeTargetDelta_HoldYieldsNothing tests HOLD short-circuits.
func TestComputeTargetDelta_HoldYieldsNothing(t *testing.T) {
	m := newTestManager()

	sig := buySignal("AAPL", 100, "0.9")
	sig.Type = types.SignalHold

	intent, err := m.ComputeTargetDelta(sig, DefaultRiskLimits(), decimal.NewFromInt(150))
	if err != nil {
		t.Fatalf("ComputeTargetDelta() error = %v", err)
	}
	if intent != nil {
		t.Errorf("intent = %+v, want nil for HOLD", intent)
	}
}

// TestComputeTargetDelta_SellReducesExposure tests a SELL from a long
// position is not blocked by the long-side cap.
func TestComputeTargetDelta_SellReducesExposure(t *testing.T) {
	m := NewManager(decimal.NewFromInt(90000), nil)
	limits := RiskLimits{MaxPositionPct: decimal.RequireFromString("0.10"), MinQuantity: 1}

	if err := m.ApplyFill(types.Fill{
		OrderID:       "o1",
		Symbol:        "AAPL",
		Side:          types.SideBuy,
		Quantity:      600,
		CumulativeQty: 600,
		Price:         decimal.NewFromInt(15),
		Timestamp:     time.Now(),
	}); err != nil {
		t.Fatalf("ApplyFill() error = %v", err)
	}

	sig := buySignal("AAPL", 400, "0.8")
	sig.Type = types.SignalSell

	intent, err := m.ComputeTargetDelta(sig, limits, decimal.NewFromInt(15))
	if err != nil {
		t.Fatalf("ComputeTargetDelta() error = %v", err)
	}
	if intent.Side != types.SideSell || intent.TargetQuantity != 400 {
		t.Errorf("intent = %v %d, want SELL 400", intent.Side, intent.TargetQuantity)
	}
}

// TestComputeTargetDelta_InvalidInputs tests validation errors.
func TestComputeTargetDelta_InvalidInputs(t *testing.T) {
	m := newTestManager()

	noQty := buySignal("AAPL", 0, "0.8")
	if _, err := m.ComputeTargetDelta(noQty, DefaultRiskLimits(), decimal.NewFromInt(150)); !errors.Is(err, types.ErrInvalidSignal) {
		t.Errorf("no quantity: error = %v, want ErrInvalidSignal", err)
	}

	if _, err := m.ComputeTargetDelta(buySignal("AAPL", 100, "0.8"), DefaultRiskLimits(), decimal.Zero); !errors.Is(err, types.ErrInvalidSignal) {
		t.Errorf("no reference price: error = %v, want ErrInvalidSignal", err)
	}
}

// TestUrgencyFor tests the confidence-to-urgency mapping.
func TestUrgencyFor(t *testing.T) {
	tests := []struct {
		confidence string
		want       types.Urgency
	}{
		{"0.95", types.UrgencyHigh},
		{"0.85", types.UrgencyHigh},
		{"0.70", types.UrgencyMedium},
		{"0.65", types.UrgencyMedium},
		{"0.50", types.UrgencyLow},
	}

	for _, tt := range tests {
		got := urgencyFor(decimal.RequireFromString(tt.confidence))
		if got != tt.want {
			t.Errorf("urgencyFor(%s) = %v, want %v", tt.confidence, got, tt.want)
		}
	}
}
