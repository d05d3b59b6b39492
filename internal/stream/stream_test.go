package stream

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ycliu-tw/quantd/internal/broker"
	"github.com/ycliu-tw/quantd/internal/types"
)

func TestOrderStatePayload(t *testing.T) {
	order := types.ExecutionOrder{
		OrderID:        "ord-1",
		ClientOrderID:  "cl-1",
		ParentIntentID: "intent-1",
		Symbol:         "AAPL",
		Side:           types.SideSell,
		Quantity:       10,
		FilledQuantity: 4,
		AvgFillPrice:   decimal.RequireFromString("100.25"),
		Status:         types.OrderStatusPartiallyFilled,
	}

	payload := orderStatePayload(order)

	if payload.OrderID != "ord-1" || payload.IntentID != "intent-1" {
		t.Errorf("ids = %s/%s", payload.OrderID, payload.IntentID)
	}
	if payload.Side != "SELL" || payload.Status != "PARTIALLY_FILLED" {
		t.Errorf("side/status = %s/%s", payload.Side, payload.Status)
	}
	if payload.AvgFillPrice != "100.25" {
		t.Errorf("avg fill price = %q, want 100.25", payload.AvgFillPrice)
	}
}

func TestOrderStatePayload_NoFillOmitsPrice(t *testing.T) {
	order := types.ExecutionOrder{
		OrderID:  "ord-2",
		Symbol:   "AAPL",
		Quantity: 10,
		Status:   types.OrderStatusSubmitted,
	}

	payload := orderStatePayload(order)
	if payload.AvgFillPrice != "" {
		t.Errorf("avg fill price = %q, want empty before any fill", payload.AvgFillPrice)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(raw), "avg_fill_price") {
		t.Error("unfilled order payload must omit avg_fill_price")
	}
}

func TestConnStatePayload(t *testing.T) {
	payload := connStatePayload(broker.ConnEvent{
		State:     broker.StateDisconnected,
		Fatal:     true,
		Err:       types.ErrConnectionLost,
		Timestamp: time.Now(),
	})

	if payload.State != "disconnected" || !payload.Fatal {
		t.Errorf("payload = %+v, want fatal disconnected", payload)
	}
	if payload.Error == "" {
		t.Error("error text must be carried")
	}
}

func TestEvent_EnvelopeRoundTrip(t *testing.T) {
	raw, err := json.Marshal(connStatePayload(broker.ConnEvent{State: broker.StateConnected, Reconnected: true}))
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	value, err := json.Marshal(Event{
		Type:      EventConnectionStateChanged,
		Timestamp: time.Now(),
		Payload:   raw,
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	var ev Event
	if err := json.Unmarshal(value, &ev); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if ev.Type != EventConnectionStateChanged {
		t.Errorf("type = %s", ev.Type)
	}

	var payload ConnectionStateChanged
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.State != "connected" || !payload.Reconnected {
		t.Errorf("payload = %+v, want reconnected connected", payload)
	}
}

func TestNoop_ImplementsPublisher(t *testing.T) {
	ctx := context.Background()
	var p Publisher = Noop{}
	p.PublishOrderState(ctx, types.ExecutionOrder{})
	p.PublishConnState(ctx, broker.ConnEvent{})
	p.PublishMetrics(ctx, types.ExecutionMetrics{})
	if err := p.Close(); err != nil {
		t.Errorf("Close = %v", err)
	}
}
