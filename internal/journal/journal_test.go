package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ycliu-tw/quantd/internal/broker"
	"github.com/ycliu-tw/quantd/internal/types"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func sampleOrder(orderID, clientID string, status types.OrderStatus) types.ExecutionOrder {
	return types.ExecutionOrder{
		OrderID:        orderID,
		ClientOrderID:  clientID,
		ParentIntentID: "intent-1",
		Symbol:         "AAPL",
		Side:           types.SideBuy,
		Quantity:       100,
		OrderType:      types.OrderTypeLimit,
		LimitPrice:     decimal.RequireFromString("150.50"),
		Status:         status,
		CreatedAt:      time.Now().UTC().Truncate(time.Second),
	}
}

// TestJournal_IntentRoundTrip tests intent persistence.
func TestJournal_IntentRoundTrip(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	intent := types.ExecutionIntent{
		ID:             "intent-1",
		SignalID:       "sig-1",
		Symbol:         "AAPL",
		Side:           types.SideBuy,
		TargetQuantity: 600,
		Urgency:        types.UrgencyMedium,
		ReferencePrice: decimal.RequireFromString("150.00"),
		CreatedAt:      time.Now().UTC().Truncate(time.Second),
	}
	if err := j.SaveIntent(ctx, intent); err != nil {
		t.Fatalf("SaveIntent() error = %v", err)
	}

	got, err := j.Intent(ctx, "intent-1")
	if err != nil {
		t.Fatalf("Intent() error = %v", err)
	}
	if got == nil {
		t.Fatal("Intent() = nil")
	}
	if got.Symbol != "AAPL" || got.TargetQuantity != 600 || got.Side != types.SideBuy {
		t.Errorf("intent = %+v", got)
	}
	if !got.ReferencePrice.Equal(intent.ReferencePrice) {
		t.Errorf("reference price = %s, want %s", got.ReferencePrice, intent.ReferencePrice)
	}

	missing, err := j.Intent(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("missing intent = %v, %v, want nil, nil", missing, err)
	}
}

// TestJournal_OpenOrders tests recovery returns exactly the non-terminal
// orders, with the latest upserted state.
func TestJournal_OpenOrders(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	live := sampleOrder("o1", "c1", types.OrderStatusSubmitted)
	done := sampleOrder("o2", "c2", types.OrderStatusFilled)
	for _, o := range []types.ExecutionOrder{live, done} {
		if err := j.SaveOrder(ctx, o); err != nil {
			t.Fatalf("SaveOrder() error = %v", err)
		}
	}

	open, err := j.OpenOrders(ctx)
	if err != nil {
		t.Fatalf("OpenOrders() error = %v", err)
	}
	if len(open) != 1 || open[0].OrderID != "o1" {
		t.Fatalf("open = %+v, want only o1", open)
	}
	if !open[0].LimitPrice.Equal(decimal.RequireFromString("150.50")) {
		t.Errorf("limit price = %s, want 150.50", open[0].LimitPrice)
	}

	// Upsert to terminal removes it from recovery.
	live.Status = types.OrderStatusCancelled
	live.Reason = "lost on reconnect"
	if err := j.SaveOrder(ctx, live); err != nil {
		t.Fatalf("SaveOrder() update error = %v", err)
	}
	open, err = j.OpenOrders(ctx)
	if err != nil {
		t.Fatalf("OpenOrders() error = %v", err)
	}
	if len(open) != 0 {
		t.Errorf("open after cancel = %+v, want empty", open)
	}
}

// TestJournal_FillIdempotency tests the (order_id, cumulative_qty) key
// makes redelivery a no-op.
func TestJournal_FillIdempotency(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	fill := types.Fill{
		OrderID:       "o1",
		Symbol:        "AAPL",
		Side:          types.SideBuy,
		Quantity:      40,
		Price:         decimal.RequireFromString("150.25"),
		CumulativeQty: 40,
		Timestamp:     time.Now().UTC().Truncate(time.Second),
	}

	inserted, err := j.SaveFill(ctx, fill)
	if err != nil || !inserted {
		t.Fatalf("first SaveFill() = %v, %v, want true, nil", inserted, err)
	}

	inserted, err = j.SaveFill(ctx, fill)
	if err != nil {
		t.Fatalf("duplicate SaveFill() error = %v", err)
	}
	if inserted {
		t.Error("duplicate fill must not insert")
	}

	// Same order, later cumulative: new row.
	fill.Quantity = 60
	fill.CumulativeQty = 100
	if inserted, err = j.SaveFill(ctx, fill); err != nil || !inserted {
		t.Fatalf("second fill = %v, %v, want true, nil", inserted, err)
	}

	fills, err := j.FillsForOrder(ctx, "o1")
	if err != nil {
		t.Fatalf("FillsForOrder() error = %v", err)
	}
	if len(fills) != 2 || fills[0].CumulativeQty != 40 || fills[1].CumulativeQty != 100 {
		t.Errorf("fills = %+v, want cumulative 40 then 100", fills)
	}
}

// TestJournal_Orphans tests orphan events persist with their fill data.
func TestJournal_Orphans(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	ev := broker.OrderEvent{
		OrderID:       "ghost",
		ClientOrderID: "ghost-client",
		Symbol:        "AAPL",
		Status:        types.OrderStatusFilled,
		Fill: &types.Fill{
			OrderID:       "ghost",
			Symbol:        "AAPL",
			Side:          types.SideBuy,
			Quantity:      100,
			Price:         decimal.RequireFromString("150.00"),
			CumulativeQty: 100,
			Timestamp:     time.Now(),
		},
		Timestamp: time.Now(),
	}
	if err := j.SaveOrphan(ctx, ev); err != nil {
		t.Fatalf("SaveOrphan() error = %v", err)
	}
	// No fill payload is fine too.
	ev.Fill = nil
	if err := j.SaveOrphan(ctx, ev); err != nil {
		t.Fatalf("SaveOrphan() without fill error = %v", err)
	}

	n, err := j.OrphanCount(ctx)
	if err != nil {
		t.Fatalf("OrphanCount() error = %v", err)
	}
	if n != 2 {
		t.Errorf("orphan count = %d, want 2", n)
	}
}
