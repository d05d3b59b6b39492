// Package execution turns risk-clamped intents into broker orders and
// tracks their lifecycle. The Tracker is the single owner of order
// state; the Gateway submits and cancels; the Optimizer decides how an
// intent is sliced over time.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ycliu-tw/quantd/internal/broker"
	"github.com/ycliu-tw/quantd/internal/types"
)

// maxOrphans bounds the retained orphan events. Older orphans are
// already journaled by the caller, so capping memory is safe.
const maxOrphans = 1024

type orderState struct {
	order    types.ExecutionOrder
	intentID string
}

type intentState struct {
	intent       types.ExecutionIntent
	orderIDs     []string
	filled       int
	slipWeighted decimal.Decimal // sum of (fill - reference) * side * qty
	slipQty      int
}

// Tracker owns the order lifecycle state machine. All transitions flow
// through OnOrderEvent (broker callbacks) or the explicit local
// transitions Reject and MarkCancelled; nothing else mutates an order.
type Tracker struct {
	logger *slog.Logger

	mu       sync.Mutex
	orders   map[string]*orderState // by OrderID
	byClient map[string]string      // ClientOrderID -> OrderID
	intents  map[string]*intentState
	orphans  []broker.OrderEvent
	changed  chan struct{} // closed and replaced on every mutation

	orphanCount    int
	cancelledCount int
	rejectedCount  int
	filledCount    int
	submitDelaySum time.Duration
	submitCount    int
}

// NewTracker creates an empty tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		logger:   logger,
		orders:   make(map[string]*orderState),
		byClient: make(map[string]string),
		intents:  make(map[string]*intentState),
		changed:  make(chan struct{}),
	}
}

// RegisterIntent records an intent so its child orders can be rolled up.
func (t *Tracker) RegisterIntent(intent types.ExecutionIntent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.intents[intent.ID]; ok {
		return
	}
	t.intents[intent.ID] = &intentState{
		intent:       intent,
		slipWeighted: decimal.Zero,
	}
}

// Register records a NEW order before submission. The order's parent
// intent must have been registered first so fills roll up. Registration
// is refused with ErrExceedsTarget when the new quantity, on top of the
// intent's fills and still-live child orders, could push the intent
// past its target.
func (t *Tracker) Register(order types.ExecutionOrder) error {
	if order.OrderID == "" || order.ClientOrderID == "" {
		return fmt.Errorf("%w: order must carry an id and a client order id", types.ErrInvalidOrderSize)
	}
	if order.Quantity <= 0 {
		return fmt.Errorf("%w: quantity %d", types.ErrInvalidOrderSize, order.Quantity)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.orders[order.OrderID]; ok {
		return fmt.Errorf("order %s already registered", order.OrderID)
	}
	if order.ParentIntentID != "" {
		is, ok := t.intents[order.ParentIntentID]
		if !ok {
			return fmt.Errorf("%w: intent %s", types.ErrUnknownOrder, order.ParentIntentID)
		}
		// Live quantity counts against the target until a sibling is
		// confirmed terminal. A cancel that was only requested, never
		// confirmed, can still fill; admitting replacement quantity on
		// top of it would let the intent over-fill.
		outstanding := 0
		for _, id := range is.orderIDs {
			if sib, found := t.orders[id]; found && !sib.order.Status.IsTerminal() {
				outstanding += sib.order.Quantity - sib.order.FilledQuantity
			}
		}
		if is.filled+outstanding+order.Quantity > is.intent.TargetQuantity {
			return fmt.Errorf("%w: intent %s has %d filled and %d outstanding of %d, refusing %d more",
				types.ErrExceedsTarget, order.ParentIntentID,
				is.filled, outstanding, is.intent.TargetQuantity, order.Quantity)
		}
		is.orderIDs = append(is.orderIDs, order.OrderID)
	}

	order.Status = types.OrderStatusNew
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now()
	}
	t.orders[order.OrderID] = &orderState{order: order, intentID: order.ParentIntentID}
	t.byClient[order.ClientOrderID] = order.OrderID
	t.broadcastLocked()
	return nil
}

// OnOrderEvent applies one broker callback. It returns the normalized
// incremental fill to apply to positions, or nil when the event carried
// no new execution. Events for unknown orders are captured as orphans
// and surface ErrUnknownOrder; the caller journals them, they are never
// silently dropped. Status-only events arriving after an order is
// terminal are ignored; a terminal-state event that carries new
// executed quantity is captured as an orphan instead, because the
// broker traded while we had already written the order off locally.
func (t *Tracker) OnOrderEvent(ev broker.OrderEvent) (*types.Fill, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.lookupLocked(ev.OrderID, ev.ClientOrderID)
	if st == nil {
		if len(t.orphans) < maxOrphans {
			t.orphans = append(t.orphans, ev)
		}
		t.orphanCount++
		t.logger.Warn("orphan order event captured",
			"order_id", ev.OrderID,
			"client_order_id", ev.ClientOrderID,
			"symbol", ev.Symbol,
			"status", ev.Status.String(),
		)
		t.broadcastLocked()
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownOrder, ev.OrderID)
	}

	order := &st.order
	if ev.Status != order.Status {
		if !order.Status.CanTransitionTo(ev.Status) {
			if order.Status.IsTerminal() {
				// A locally rejected or cancelled order can still execute
				// at the broker (a timeout reject racing the real fill).
				// That execution moved money; treat it as an orphan so the
				// caller journals and alerts it.
				if ev.Fill != nil && ev.Fill.CumulativeQty > order.FilledQuantity {
					if len(t.orphans) < maxOrphans {
						t.orphans = append(t.orphans, ev)
					}
					t.orphanCount++
					t.logger.Warn("fill after terminal state captured as orphan",
						"order_id", order.OrderID,
						"client_order_id", order.ClientOrderID,
						"symbol", order.Symbol,
						"status", order.Status.String(),
						"cumulative", ev.Fill.CumulativeQty,
					)
					t.broadcastLocked()
					return nil, fmt.Errorf("%w: late fill for terminal order %s",
						types.ErrUnknownOrder, order.OrderID)
				}
				t.logger.Debug("event after terminal state ignored",
					"order_id", order.OrderID,
					"status", order.Status.String(),
					"event_status", ev.Status.String(),
				)
				return nil, nil
			}
			return nil, fmt.Errorf("%w: %s -> %s for order %s",
				types.ErrInvalidTransition, order.Status, ev.Status, order.OrderID)
		}
		t.applyStatusLocked(st, ev.Status, ev.Timestamp)
	}
	if ev.Reason != "" {
		order.Reason = ev.Reason
	}
	order.UpdatedAt = ev.Timestamp

	var applied *types.Fill
	if ev.Fill != nil {
		fill, err := t.applyFillLocked(st, *ev.Fill)
		if err != nil {
			return nil, err
		}
		applied = fill
	}

	t.broadcastLocked()
	return applied, nil
}

// applyStatusLocked moves the order to next and updates the rollup
// counters. Caller holds the lock and has validated the transition.
func (t *Tracker) applyStatusLocked(st *orderState, next types.OrderStatus, at time.Time) {
	order := &st.order
	if next == types.OrderStatusSubmitted && order.SubmittedAt.IsZero() {
		order.SubmittedAt = at
		if !order.CreatedAt.IsZero() && at.After(order.CreatedAt) {
			t.submitDelaySum += at.Sub(order.CreatedAt)
			t.submitCount++
		}
	}
	switch next {
	case types.OrderStatusFilled:
		t.filledCount++
	case types.OrderStatusCancelled:
		t.cancelledCount++
	case types.OrderStatusRejected:
		t.rejectedCount++
	}
	order.Status = next
}

// applyFillLocked folds one execution into the order and its intent.
// The broker's cumulative quantity is authoritative: a cumulative at or
// below what we already hold is a duplicate or out-of-order delivery
// and yields no incremental fill.
func (t *Tracker) applyFillLocked(st *orderState, f types.Fill) (*types.Fill, error) {
	order := &st.order

	if f.CumulativeQty > order.Quantity {
		return nil, fmt.Errorf("%w: cumulative %d exceeds order quantity %d for %s",
			types.ErrInvalidOrderSize, f.CumulativeQty, order.Quantity, order.OrderID)
	}
	if f.CumulativeQty <= order.FilledQuantity {
		t.logger.Debug("duplicate fill delivery ignored",
			"order_id", order.OrderID,
			"cumulative", f.CumulativeQty,
			"held", order.FilledQuantity,
		)
		return nil, nil
	}

	inc := f.CumulativeQty - order.FilledQuantity
	prevNotional := order.AvgFillPrice.Mul(decimal.NewFromInt(int64(order.FilledQuantity)))
	incNotional := f.Price.Mul(decimal.NewFromInt(int64(inc)))
	order.FilledQuantity = f.CumulativeQty
	order.AvgFillPrice = prevNotional.Add(incNotional).Div(decimal.NewFromInt(int64(order.FilledQuantity)))

	if is, ok := t.intents[st.intentID]; ok {
		is.filled += inc
		if is.intent.ReferencePrice.IsPositive() {
			// Signed per-share slippage: positive means worse than the
			// arrival price for this side.
			slip := f.Price.Sub(is.intent.ReferencePrice).
				Mul(decimal.NewFromInt(int64(is.intent.Side.Sign()))).
				Mul(decimal.NewFromInt(int64(inc)))
			is.slipWeighted = is.slipWeighted.Add(slip)
			is.slipQty += inc
		}
	}

	applied := f
	applied.OrderID = order.OrderID
	applied.Symbol = order.Symbol
	applied.Side = order.Side
	applied.Quantity = inc
	return &applied, nil
}

// Reject locally moves a NEW order to REJECTED. Used for submission
// timeouts and send failures, before the broker ever acknowledged.
func (t *Tracker) Reject(orderID, reason string) error {
	return t.localTransition(orderID, types.OrderStatusRejected, reason)
}

// MarkCancelled locally moves a non-terminal order to CANCELLED. Used
// by reconciliation when the broker no longer knows the order.
func (t *Tracker) MarkCancelled(orderID, reason string) error {
	return t.localTransition(orderID, types.OrderStatusCancelled, reason)
}

func (t *Tracker) localTransition(orderID string, next types.OrderStatus, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrUnknownOrder, orderID)
	}
	if st.order.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", types.ErrAlreadyTerminal, orderID, st.order.Status)
	}
	if !st.order.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s for order %s",
			types.ErrInvalidTransition, st.order.Status, next, orderID)
	}

	t.applyStatusLocked(st, next, time.Now())
	st.order.Reason = reason
	st.order.UpdatedAt = time.Now()
	t.broadcastLocked()
	return nil
}

// WaitForStatus blocks until the order reaches want, goes terminal, or
// ctx expires. Reaching a terminal state other than want is an error:
// REJECTED surfaces as ErrOrderRejected with the broker's reason.
func (t *Tracker) WaitForStatus(ctx context.Context, orderID string, want types.OrderStatus) error {
	for {
		t.mu.Lock()
		st, ok := t.orders[orderID]
		if !ok {
			t.mu.Unlock()
			return fmt.Errorf("%w: %s", types.ErrUnknownOrder, orderID)
		}
		status := st.order.Status
		reason := st.order.Reason
		ch := t.changed
		t.mu.Unlock()

		if status == want {
			return nil
		}
		if status.IsTerminal() {
			if status == types.OrderStatusRejected {
				return fmt.Errorf("%w: %s: %s", types.ErrOrderRejected, orderID, reason)
			}
			return fmt.Errorf("%w: %s is %s", types.ErrAlreadyTerminal, orderID, status)
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitQuiescent blocks until no child order of the intent is in flight
// or ctx expires. Returns immediately for an unknown intent.
func (t *Tracker) WaitQuiescent(ctx context.Context, intentID string) error {
	for {
		t.mu.Lock()
		is, ok := t.intents[intentID]
		if !ok {
			t.mu.Unlock()
			return nil
		}
		live := false
		for _, id := range is.orderIDs {
			if st, found := t.orders[id]; found && !st.order.Status.IsTerminal() {
				live = true
				break
			}
		}
		ch := t.changed
		t.mu.Unlock()

		if !live {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// LiveOrders returns copies of the intent's in-flight child orders.
func (t *Tracker) LiveOrders(intentID string) []types.ExecutionOrder {
	t.mu.Lock()
	defer t.mu.Unlock()

	is, ok := t.intents[intentID]
	if !ok {
		return nil
	}
	var out []types.ExecutionOrder
	for _, id := range is.orderIDs {
		if st, found := t.orders[id]; found && !st.order.Status.IsTerminal() {
			out = append(out, st.order)
		}
	}
	return out
}

// broadcastLocked wakes every waiter. Caller holds the lock.
func (t *Tracker) broadcastLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

func (t *Tracker) lookupLocked(orderID, clientOrderID string) *orderState {
	if st, ok := t.orders[orderID]; ok {
		return st
	}
	if id, ok := t.byClient[clientOrderID]; ok {
		return t.orders[id]
	}
	return nil
}

// Order returns a copy of the tracked order.
func (t *Tracker) Order(orderID string) (types.ExecutionOrder, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.orders[orderID]
	if !ok {
		return types.ExecutionOrder{}, false
	}
	return st.order, true
}

// NonTerminalOrders returns copies of every order still in flight.
func (t *Tracker) NonTerminalOrders() []types.ExecutionOrder {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []types.ExecutionOrder
	for _, st := range t.orders {
		if !st.order.Status.IsTerminal() {
			out = append(out, st.order)
		}
	}
	return out
}

// IntentProgress returns the filled and target quantities for an intent.
func (t *Tracker) IntentProgress(intentID string) (filled, target int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	is, found := t.intents[intentID]
	if !found {
		return 0, 0, false
	}
	return is.filled, is.intent.TargetQuantity, true
}

// Orphans drains and returns the captured orphan events.
func (t *Tracker) Orphans() []broker.OrderEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.orphans
	t.orphans = nil
	return out
}

// MetricsSnapshot rolls up execution quality across all intents. The
// snapshot is eventually consistent and never authoritative for
// position state.
func (t *Tracker) MetricsSnapshot() types.ExecutionMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := types.ExecutionMetrics{
		Timestamp:       time.Now(),
		Intents:         len(t.intents),
		Orders:          len(t.orders),
		FilledOrders:    t.filledCount,
		CancelledOrders: t.cancelledCount,
		RejectedOrders:  t.rejectedCount,
		OrphanFills:     t.orphanCount,
		BySymbol:        make(map[string]types.SymbolMetrics),
	}

	totalSlip := decimal.Zero
	totalSlipQty := 0
	symSlip := make(map[string]decimal.Decimal)
	symSlipQty := make(map[string]int)
	for _, is := range t.intents {
		m.FilledQuantity += is.filled
		m.TargetQuantity += is.intent.TargetQuantity
		totalSlip = totalSlip.Add(is.slipWeighted)
		totalSlipQty += is.slipQty

		sym := is.intent.Symbol
		symSlip[sym] = symSlip[sym].Add(is.slipWeighted)
		symSlipQty[sym] += is.slipQty

		sm := m.BySymbol[sym]
		sm.Symbol = sym
		sm.Orders += len(is.orderIDs)
		sm.FilledQuantity += is.filled
		sm.TargetQuantity += is.intent.TargetQuantity
		if sm.TargetQuantity > 0 {
			sm.FillRatio = decimal.NewFromInt(int64(sm.FilledQuantity)).
				Div(decimal.NewFromInt(int64(sm.TargetQuantity)))
		}
		m.BySymbol[sym] = sm
	}
	// Per-symbol slippage is fill-weighted across every intent on the
	// symbol, so it divides once after the rollup.
	for sym, qty := range symSlipQty {
		if qty <= 0 {
			continue
		}
		sm := m.BySymbol[sym]
		sm.AvgSlippage = symSlip[sym].Div(decimal.NewFromInt(int64(qty)))
		m.BySymbol[sym] = sm
	}

	if m.TargetQuantity > 0 {
		m.FillRatio = decimal.NewFromInt(int64(m.FilledQuantity)).
			Div(decimal.NewFromInt(int64(m.TargetQuantity)))
	}
	if totalSlipQty > 0 {
		m.AvgSlippage = totalSlip.Div(decimal.NewFromInt(int64(totalSlipQty)))
	}
	if t.submitCount > 0 {
		m.AvgSubmitDelay = t.submitDelaySum / time.Duration(t.submitCount)
	}
	return m
}
