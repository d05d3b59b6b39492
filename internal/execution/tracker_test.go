package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ycliu-tw/quantd/internal/types"
)

func mustDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testIntent(qty int) types.ExecutionIntent {
	return types.ExecutionIntent{
		ID:             "intent-1",
		SignalID:       "sig-1",
		Symbol:         "AAPL",
		Side:           types.SideBuy,
		TargetQuantity: qty,
		Urgency:        types.UrgencyMedium,
		ReferencePrice: mustDecimal("150.00"),
		CreatedAt:      time.Now(),
	}
}

func registeredOrder(t *testing.T, tr *Tracker, intent types.ExecutionIntent, qty int) types.ExecutionOrder {
	t.Helper()
	tr.RegisterIntent(intent)
	order := NewOrder(intent, qty, types.OrderTypeMarket, decimal.Zero)
	if err := tr.Register(order); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return order
}

// TestTracker_Lifecycle tests the full happy path: ack, two partial
// fills, terminal FILLED, with weighted average price.
func TestTracker_Lifecycle(t *testing.T) {
	tr := NewTracker(nil)
	order := registeredOrder(t, tr, testIntent(100), 100)

	if _, err := tr.OnOrderEvent(ackEvent(order)); err != nil {
		t.Fatalf("ack: %v", err)
	}
	got, _ := tr.Order(order.OrderID)
	if got.Status != types.OrderStatusSubmitted {
		t.Fatalf("status after ack = %v, want SUBMITTED", got.Status)
	}
	if got.SubmittedAt.IsZero() {
		t.Error("SubmittedAt must be set on ack")
	}

	fill, err := tr.OnOrderEvent(fillEvent(order, 40, "150.00"))
	if err != nil {
		t.Fatalf("first fill: %v", err)
	}
	if fill == nil || fill.Quantity != 40 {
		t.Fatalf("incremental fill = %+v, want quantity 40", fill)
	}

	fill, err = tr.OnOrderEvent(fillEvent(order, 100, "151.00"))
	if err != nil {
		t.Fatalf("second fill: %v", err)
	}
	if fill.Quantity != 60 {
		t.Errorf("incremental quantity = %d, want 60", fill.Quantity)
	}

	got, _ = tr.Order(order.OrderID)
	if got.Status != types.OrderStatusFilled {
		t.Errorf("status = %v, want FILLED", got.Status)
	}
	if got.FilledQuantity != 100 {
		t.Errorf("filled quantity = %d, want 100", got.FilledQuantity)
	}
	// 40*150 + 60*151 = 15060 over 100.
	if !got.AvgFillPrice.Equal(mustDecimal("150.6")) {
		t.Errorf("avg fill price = %s, want 150.6", got.AvgFillPrice)
	}

	filled, target, ok := tr.IntentProgress("intent-1")
	if !ok || filled != 100 || target != 100 {
		t.Errorf("intent progress = %d/%d ok=%v, want 100/100", filled, target, ok)
	}
}

// TestTracker_InvalidTransition tests a fill event for an order the
// broker never acknowledged is rejected.
func TestTracker_InvalidTransition(t *testing.T) {
	tr := NewTracker(nil)
	order := registeredOrder(t, tr, testIntent(100), 100)

	_, err := tr.OnOrderEvent(fillEvent(order, 40, "150.00"))
	if !errors.Is(err, types.ErrInvalidTransition) {
		t.Errorf("fill before ack: error = %v, want ErrInvalidTransition", err)
	}
}

// TestTracker_LateStatusIgnored tests status-only events after a
// terminal state are dropped without error and without mutation.
func TestTracker_LateStatusIgnored(t *testing.T) {
	tr := NewTracker(nil)
	order := registeredOrder(t, tr, testIntent(100), 100)

	if _, err := tr.OnOrderEvent(ackEvent(order)); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := tr.MarkCancelled(order.OrderID, "test"); err != nil {
		t.Fatalf("MarkCancelled() error = %v", err)
	}

	fill, err := tr.OnOrderEvent(ackEvent(order))
	if err != nil || fill != nil {
		t.Errorf("late ack: fill = %v, err = %v, want both nil", fill, err)
	}
	got, _ := tr.Order(order.OrderID)
	if got.Status != types.OrderStatusCancelled {
		t.Errorf("status mutated to %v after terminal", got.Status)
	}
}

// TestTracker_FillAfterTerminalBecomesOrphan tests an execution that
// arrives after the order was locally written off is captured as an
// orphan, never silently dropped and never applied to the intent. A
// submission-timeout reject races the broker: it may execute anyway.
func TestTracker_FillAfterTerminalBecomesOrphan(t *testing.T) {
	tr := NewTracker(nil)
	order := registeredOrder(t, tr, testIntent(100), 100)

	if err := tr.Reject(order.OrderID, "submission timeout"); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}

	fill, err := tr.OnOrderEvent(fillEvent(order, 10, "150.00"))
	if !errors.Is(err, types.ErrUnknownOrder) {
		t.Fatalf("late fill: error = %v, want ErrUnknownOrder", err)
	}
	if fill != nil {
		t.Errorf("late fill must not apply, got %+v", fill)
	}

	orphans := tr.Orphans()
	if len(orphans) != 1 || orphans[0].OrderID != order.OrderID {
		t.Fatalf("orphans = %+v, want the late fill event", orphans)
	}
	if orphans[0].Fill == nil || orphans[0].Fill.CumulativeQty != 10 {
		t.Errorf("orphan fill = %+v, want cumulative 10", orphans[0].Fill)
	}

	got, _ := tr.Order(order.OrderID)
	if got.FilledQuantity != 0 {
		t.Errorf("filled quantity mutated to %d after terminal", got.FilledQuantity)
	}
	if filled, _, _ := tr.IntentProgress("intent-1"); filled != 0 {
		t.Errorf("intent filled = %d, orphan must not roll up", filled)
	}
	if m := tr.MetricsSnapshot(); m.OrphanFills != 1 {
		t.Errorf("orphan count = %d, want 1", m.OrphanFills)
	}
}

// TestTracker_DuplicateFillIgnored tests cumulative-quantity dedup.
func TestTracker_DuplicateFillIgnored(t *testing.T) {
	tr := NewTracker(nil)
	order := registeredOrder(t, tr, testIntent(100), 100)

	if _, err := tr.OnOrderEvent(ackEvent(order)); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if _, err := tr.OnOrderEvent(fillEvent(order, 40, "150.00")); err != nil {
		t.Fatalf("fill: %v", err)
	}

	fill, err := tr.OnOrderEvent(fillEvent(order, 40, "150.00"))
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if fill != nil {
		t.Errorf("duplicate yielded incremental fill %+v", fill)
	}
	got, _ := tr.Order(order.OrderID)
	if got.FilledQuantity != 40 {
		t.Errorf("filled quantity = %d, want 40", got.FilledQuantity)
	}
}

// TestTracker_OverfillRejected tests the no-overfill invariant.
func TestTracker_OverfillRejected(t *testing.T) {
	tr := NewTracker(nil)
	order := registeredOrder(t, tr, testIntent(100), 100)

	if _, err := tr.OnOrderEvent(ackEvent(order)); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if _, err := tr.OnOrderEvent(fillEvent(order, 150, "150.00")); err == nil {
		t.Error("cumulative above order quantity must be rejected")
	}
}

// TestTracker_Register_RefusesBeyondTarget tests live quantity counts
// against the intent target: replacement orders are refused while
// unconfirmed siblings could still fill, and admitted once those
// siblings are confirmed terminal.
func TestTracker_Register_RefusesBeyondTarget(t *testing.T) {
	tr := NewTracker(nil)
	intent := testIntent(8)
	tr.RegisterIntent(intent)

	first := NewOrder(intent, 4, types.OrderTypeMarket, decimal.Zero)
	second := NewOrder(intent, 4, types.OrderTypeMarket, decimal.Zero)
	for _, order := range []types.ExecutionOrder{first, second} {
		if err := tr.Register(order); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		if _, err := tr.OnOrderEvent(ackEvent(order)); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}

	// Cancels requested but never confirmed: both slices are still live,
	// so the full-quantity replacement must be refused.
	replacement := NewOrder(intent, 8, types.OrderTypeMarket, decimal.Zero)
	if err := tr.Register(replacement); !errors.Is(err, types.ErrExceedsTarget) {
		t.Fatalf("Register() error = %v, want ErrExceedsTarget", err)
	}

	if _, err := tr.OnOrderEvent(cancelEvent(first)); err != nil {
		t.Fatalf("cancel confirm: %v", err)
	}
	partial := NewOrder(intent, 4, types.OrderTypeMarket, decimal.Zero)
	if err := tr.Register(partial); err != nil {
		t.Errorf("Register() after confirmed cancel error = %v", err)
	}
}

// TestTracker_OrphanCaptured tests fills for unknown orders are kept,
// not dropped.
func TestTracker_OrphanCaptured(t *testing.T) {
	tr := NewTracker(nil)

	unknown := types.ExecutionOrder{
		OrderID:       "ghost",
		ClientOrderID: "ghost-client",
		Symbol:        "AAPL",
		Side:          types.SideBuy,
		Quantity:      100,
	}
	_, err := tr.OnOrderEvent(fillEvent(unknown, 100, "150.00"))
	if !errors.Is(err, types.ErrUnknownOrder) {
		t.Fatalf("error = %v, want ErrUnknownOrder", err)
	}

	orphans := tr.Orphans()
	if len(orphans) != 1 || orphans[0].OrderID != "ghost" {
		t.Errorf("orphans = %+v, want the ghost event", orphans)
	}
	if got := tr.Orphans(); len(got) != 0 {
		t.Errorf("Orphans() must drain, second call returned %d", len(got))
	}
	if m := tr.MetricsSnapshot(); m.OrphanFills != 1 {
		t.Errorf("orphan count = %d, want 1", m.OrphanFills)
	}
}

// TestTracker_LocalTransitions tests Reject and MarkCancelled, and that
// both refuse terminal orders.
func TestTracker_LocalTransitions(t *testing.T) {
	tr := NewTracker(nil)
	order := registeredOrder(t, tr, testIntent(100), 100)

	if err := tr.Reject(order.OrderID, "submission timeout"); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	got, _ := tr.Order(order.OrderID)
	if got.Status != types.OrderStatusRejected || got.Reason != "submission timeout" {
		t.Errorf("order = %v %q, want REJECTED submission timeout", got.Status, got.Reason)
	}

	if err := tr.Reject(order.OrderID, "again"); !errors.Is(err, types.ErrAlreadyTerminal) {
		t.Errorf("second Reject() error = %v, want ErrAlreadyTerminal", err)
	}
	if err := tr.MarkCancelled(order.OrderID, "reconcile"); !errors.Is(err, types.ErrAlreadyTerminal) {
		t.Errorf("MarkCancelled() on terminal error = %v, want ErrAlreadyTerminal", err)
	}
}

// TestTracker_WaitForStatus tests waiting for an async ack, surfacing a
// rejection and honoring the context deadline.
func TestTracker_WaitForStatus(t *testing.T) {
	t.Run("ack arrives", func(t *testing.T) {
		tr := NewTracker(nil)
		order := registeredOrder(t, tr, testIntent(100), 100)

		go func() {
			time.Sleep(10 * time.Millisecond)
			_, _ = tr.OnOrderEvent(ackEvent(order))
		}()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := tr.WaitForStatus(ctx, order.OrderID, types.OrderStatusSubmitted); err != nil {
			t.Errorf("WaitForStatus() error = %v", err)
		}
	})

	t.Run("rejection surfaces", func(t *testing.T) {
		tr := NewTracker(nil)
		order := registeredOrder(t, tr, testIntent(100), 100)

		go func() {
			time.Sleep(10 * time.Millisecond)
			_, _ = tr.OnOrderEvent(rejectEvent(order, "margin"))
		}()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		err := tr.WaitForStatus(ctx, order.OrderID, types.OrderStatusSubmitted)
		if !errors.Is(err, types.ErrOrderRejected) {
			t.Errorf("WaitForStatus() error = %v, want ErrOrderRejected", err)
		}
	})

	t.Run("context expires", func(t *testing.T) {
		tr := NewTracker(nil)
		order := registeredOrder(t, tr, testIntent(100), 100)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := tr.WaitForStatus(ctx, order.OrderID, types.OrderStatusSubmitted)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("WaitForStatus() error = %v, want deadline exceeded", err)
		}
	})
}

// TestTracker_MetricsSnapshot tests the rollup: fill ratio and signed
// per-share slippage against the intent's arrival price.
func TestTracker_MetricsSnapshot(t *testing.T) {
	tr := NewTracker(nil)
	order := registeredOrder(t, tr, testIntent(100), 100)

	if _, err := tr.OnOrderEvent(ackEvent(order)); err != nil {
		t.Fatalf("ack: %v", err)
	}
	// Buy 100 at 150.50 against a 150.00 reference: +0.50/share slippage.
	if _, err := tr.OnOrderEvent(fillEvent(order, 100, "150.50")); err != nil {
		t.Fatalf("fill: %v", err)
	}

	m := tr.MetricsSnapshot()
	if m.Intents != 1 || m.Orders != 1 || m.FilledOrders != 1 {
		t.Errorf("counts = %d/%d/%d, want 1/1/1", m.Intents, m.Orders, m.FilledOrders)
	}
	if !m.FillRatio.Equal(decimal.NewFromInt(1)) {
		t.Errorf("fill ratio = %s, want 1", m.FillRatio)
	}
	if !m.AvgSlippage.Equal(mustDecimal("0.5")) {
		t.Errorf("avg slippage = %s, want 0.5", m.AvgSlippage)
	}
	sm, ok := m.BySymbol["AAPL"]
	if !ok || sm.FilledQuantity != 100 || !sm.AvgSlippage.Equal(mustDecimal("0.5")) {
		t.Errorf("symbol rollup = %+v", sm)
	}
}

// TestTracker_MetricsSnapshot_SymbolSlippageWeighted tests per-symbol
// slippage is fill-weighted across every intent on the symbol, not the
// value of whichever intent happened to be visited last.
func TestTracker_MetricsSnapshot_SymbolSlippageWeighted(t *testing.T) {
	tr := NewTracker(nil)

	fillIntent := func(id string, qty int, price string) {
		intent := testIntent(qty)
		intent.ID = id
		order := registeredOrder(t, tr, intent, qty)
		if _, err := tr.OnOrderEvent(ackEvent(order)); err != nil {
			t.Fatalf("ack %s: %v", id, err)
		}
		if _, err := tr.OnOrderEvent(fillEvent(order, qty, price)); err != nil {
			t.Fatalf("fill %s: %v", id, err)
		}
	}

	// Both against the 150.00 reference: +0.50/share on 100 shares and
	// +2.00/share on 50 shares weights out to +1.00/share.
	fillIntent("intent-a", 100, "150.50")
	fillIntent("intent-b", 50, "152.00")

	m := tr.MetricsSnapshot()
	sm, ok := m.BySymbol["AAPL"]
	if !ok {
		t.Fatal("missing AAPL rollup")
	}
	if sm.FilledQuantity != 150 {
		t.Errorf("filled = %d, want 150", sm.FilledQuantity)
	}
	if !sm.AvgSlippage.Equal(decimal.NewFromInt(1)) {
		t.Errorf("symbol slippage = %s, want 1", sm.AvgSlippage)
	}
	if !m.AvgSlippage.Equal(decimal.NewFromInt(1)) {
		t.Errorf("overall slippage = %s, want 1", m.AvgSlippage)
	}
}
