package position

import (
	"sync"

	"github.com/shopspring/decimal"
)

// EquityTracker tracks current equity and its high-water mark.
// Thread-safe for concurrent access.
type EquityTracker struct {
	mu      sync.RWMutex
	peak    decimal.Decimal
	current decimal.Decimal
}

// NewEquityTracker creates a tracker seeded with initial equity.
func NewEquityTracker(initial decimal.Decimal) *EquityTracker {
	return &EquityTracker{
		peak:    initial,
		current: initial,
	}
}

// Update records the latest equity. Returns true on a new peak.
func (h *EquityTracker) Update(equity decimal.Decimal) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.current = equity
	if equity.GreaterThan(h.peak) {
		h.peak = equity
		return true
	}
	return false
}

// Snapshot returns current equity, peak and drawdown ratio
// (peak - current) / peak.
func (h *EquityTracker) Snapshot() (current, peak, drawdown decimal.Decimal) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	current = h.current
	peak = h.peak
	if peak.IsZero() || current.GreaterThanOrEqual(peak) {
		drawdown = decimal.Zero
	} else {
		drawdown = peak.Sub(current).Div(peak)
	}
	return current, peak, drawdown
}
