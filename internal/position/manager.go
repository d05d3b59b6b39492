// Package position owns the authoritative view of current holdings and
// compiles risk-clamped execution intents from trading signals.
package position

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ycliu-tw/quantd/internal/types"
)

// fillKey is the idempotency key for one fill delivery: brokers may
// redeliver the same execution report, but (order, cumulative quantity)
// identifies it uniquely.
type fillKey struct {
	orderID string
	cumQty  int
}

// symbolState is everything the manager holds for one symbol. Each
// symbol has its own lock so concurrently arriving fills for different
// symbols never contend, while fills for the same symbol serialize.
type symbolState struct {
	mu  sync.Mutex
	pos types.Position
}

// Manager is the single writer of position state. All mutation goes
// through ApplyFill; signal processing and risk sizing only read.
type Manager struct {
	logger *slog.Logger

	mu      sync.RWMutex
	symbols map[string]*symbolState
	applied map[fillKey]struct{}

	equity *EquityTracker
}

// NewManager creates a manager seeded with the configured capital. Live
// account equity, when available, replaces the configured value via
// UpdateEquity.
func NewManager(capital decimal.Decimal, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:  logger,
		symbols: make(map[string]*symbolState),
		applied: make(map[fillKey]struct{}),
		equity:  NewEquityTracker(capital),
	}
}

// GetPosition returns the current position for a symbol. An unknown
// symbol is a zero position, not an error.
func (m *Manager) GetPosition(symbol string) types.Position {
	m.mu.RLock()
	st, ok := m.symbols[symbol]
	m.mu.RUnlock()
	if !ok {
		return types.Position{Symbol: symbol}
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.pos
}

// Positions returns a copy of every non-flat position.
func (m *Manager) Positions() []types.Position {
	m.mu.RLock()
	states := make([]*symbolState, 0, len(m.symbols))
	for _, st := range m.symbols {
		states = append(states, st)
	}
	m.mu.RUnlock()

	out := make([]types.Position, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		if st.pos.Quantity != 0 {
			out = append(out, st.pos)
		}
		st.mu.Unlock()
	}
	return out
}

// ApplyFill applies one fill to the symbol's position. It must be
// called exactly once per fill event; redelivered fills (same order and
// cumulative quantity) return ErrDuplicateFill and leave state
// untouched. Signed quantity comes from the fill side.
func (m *Manager) ApplyFill(fill types.Fill) error {
	if fill.Quantity <= 0 {
		return fmt.Errorf("%w: fill quantity %d", types.ErrInvalidOrderSize, fill.Quantity)
	}

	key := fillKey{orderID: fill.OrderID, cumQty: fill.CumulativeQty}

	m.mu.Lock()
	if _, dup := m.applied[key]; dup {
		m.mu.Unlock()
		return fmt.Errorf("%w: order %s cum %d", types.ErrDuplicateFill, fill.OrderID, fill.CumulativeQty)
	}
	m.applied[key] = struct{}{}
	st, ok := m.symbols[fill.Symbol]
	if !ok {
		st = &symbolState{pos: types.Position{Symbol: fill.Symbol}}
		m.symbols[fill.Symbol] = st
	}
	m.mu.Unlock()

	signed := fill.Quantity * fill.Side.Sign()

	st.mu.Lock()
	defer st.mu.Unlock()

	prev := st.pos
	next := prev.Quantity + signed

	switch {
	case prev.Quantity == 0 || sameSign(prev.Quantity, signed):
		// Opening or adding: average cost is quantity-weighted.
		prevAbs := decimal.NewFromInt(int64(abs(prev.Quantity)))
		addAbs := decimal.NewFromInt(int64(abs(signed)))
		totalAbs := prevAbs.Add(addAbs)
		st.pos.AverageCost = prev.AverageCost.Mul(prevAbs).
			Add(fill.Price.Mul(addAbs)).
			Div(totalAbs)
	case abs(signed) > abs(prev.Quantity):
		// Flip: the surviving side carries the fill price as its basis.
		st.pos.AverageCost = fill.Price
	case next == 0:
		st.pos.AverageCost = decimal.Zero
	}
	// Partial close keeps the existing average cost.

	st.pos.Quantity = next
	st.pos.LastUpdated = fill.Timestamp
	if st.pos.LastUpdated.IsZero() {
		st.pos.LastUpdated = time.Now()
	}

	m.logger.Debug("fill applied",
		"symbol", fill.Symbol,
		"order_id", fill.OrderID,
		"signed_qty", signed,
		"price", fill.Price,
		"position", st.pos.Quantity,
		"avg_cost", st.pos.AverageCost,
	)
	return nil
}

// UpdateEquity refreshes the equity the risk caps are computed against.
func (m *Manager) UpdateEquity(equity decimal.Decimal) {
	if m.equity.Update(equity) {
		m.logger.Info("new equity peak", "equity", equity)
	}
}

// Equity returns the current equity tracker snapshot.
func (m *Manager) Equity() (current, peak, drawdown decimal.Decimal) {
	return m.equity.Snapshot()
}

func sameSign(a, b int) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
