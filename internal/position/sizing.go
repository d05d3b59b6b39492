package position

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ycliu-tw/quantd/internal/types"
)

// RiskLimits bounds how large an intent may grow relative to equity.
type RiskLimits struct {
	// MaxPositionPct caps per-symbol exposure as a fraction of equity
	// (0.10 = 10% of capital per symbol).
	MaxPositionPct decimal.Decimal
	// MinQuantity drops intents smaller than this after clamping.
	MinQuantity int
}

// DefaultRiskLimits returns the conservative defaults.
func DefaultRiskLimits() RiskLimits {
	return RiskLimits{
		MaxPositionPct: decimal.RequireFromString("0.10"),
		MinQuantity:    1,
	}
}

// ComputeTargetDelta turns an accepted signal into an execution intent,
// clamped to the risk limits. The cap is equity * MaxPositionPct worth
// of exposure at the reference price, applied to the resulting absolute
// position. A clamp that still leaves tradable quantity is logged as a
// risk-limit event but not an error; a clamp to zero (or below
// MinQuantity) returns ErrRiskLimitExceeded.
func (m *Manager) ComputeTargetDelta(signal types.TradingSignal, limits RiskLimits, refPrice decimal.Decimal) (*types.ExecutionIntent, error) {
	if signal.Type == types.SignalHold {
		return nil, nil
	}
	if signal.SuggestedQuantity <= 0 {
		return nil, fmt.Errorf("%w: signal %s has no suggested quantity", types.ErrInvalidSignal, signal.ID)
	}
	if !refPrice.IsPositive() {
		return nil, fmt.Errorf("%w: signal %s has no reference price", types.ErrInvalidSignal, signal.ID)
	}

	side := types.SideBuy
	if signal.Type == types.SignalSell {
		side = types.SideSell
	}

	current := m.GetPosition(signal.Symbol)
	desiredTarget := current.Quantity + signal.SuggestedQuantity*side.Sign()

	// Cap the absolute resulting position by exposure at the reference
	// price: maxShares = equity * pct / price.
	equity, _, _ := m.equity.Snapshot()
	maxShares := 0
	if limits.MaxPositionPct.IsPositive() && equity.IsPositive() {
		maxShares = int(equity.Mul(limits.MaxPositionPct).Div(refPrice).IntPart())
	}

	clampedTarget := desiredTarget
	if maxShares > 0 {
		if clampedTarget > maxShares {
			clampedTarget = maxShares
		}
		if clampedTarget < -maxShares {
			clampedTarget = -maxShares
		}
	}

	quantity := (clampedTarget - current.Quantity) * side.Sign()
	if quantity < 0 {
		// The clamp pushed the target behind the current position; there
		// is nothing tradable in the signal's direction.
		quantity = 0
	}

	minQty := limits.MinQuantity
	if minQty < 1 {
		minQty = 1
	}
	if quantity < minQty {
		m.logger.Warn("signal dropped: risk limit leaves no tradable quantity",
			"signal_id", signal.ID,
			"symbol", signal.Symbol,
			"suggested", signal.SuggestedQuantity,
			"position", current.Quantity,
			"max_shares", maxShares,
		)
		return nil, fmt.Errorf("%w: %s target clamped to zero", types.ErrRiskLimitExceeded, signal.Symbol)
	}

	if clampedTarget != desiredTarget {
		m.logger.Warn("intent clamped by risk limit",
			"signal_id", signal.ID,
			"symbol", signal.Symbol,
			"requested", signal.SuggestedQuantity,
			"granted", quantity,
			"max_shares", maxShares,
		)
	}

	intent := &types.ExecutionIntent{
		ID:             uuid.New().String(),
		SignalID:       signal.ID,
		Symbol:         signal.Symbol,
		Side:           side,
		TargetQuantity: quantity,
		Urgency:        urgencyFor(signal.Confidence),
		PriceLimit:     signal.SuggestedPrice,
		ReferencePrice: refPrice,
		CreatedAt:      time.Now(),
	}
	return intent, nil
}

var (
	highConfidence   = decimal.RequireFromString("0.85")
	mediumConfidence = decimal.RequireFromString("0.65")
)

// urgencyFor maps signal confidence onto execution urgency: strong
// conviction is worked aggressively, weak conviction patiently.
func urgencyFor(confidence decimal.Decimal) types.Urgency {
	switch {
	case confidence.GreaterThanOrEqual(highConfidence):
		return types.UrgencyHigh
	case confidence.GreaterThanOrEqual(mediumConfidence):
		return types.UrgencyMedium
	default:
		return types.UrgencyLow
	}
}
