package execution

import (
	"context"
	"sync"
	"time"

	"github.com/ycliu-tw/quantd/internal/broker"
	"github.com/ycliu-tw/quantd/internal/contract"
	"github.com/ycliu-tw/quantd/internal/types"
)

// mockSession is a scriptable broker.Session for gateway and optimizer
// tests. onPlace and onCancel hooks run synchronously so tests stay
// deterministic.
type mockSession struct {
	mu        sync.Mutex
	placed    []types.ExecutionOrder
	cancelled []string

	failPlaces int // fail this many PlaceOrder calls before succeeding
	placeErr   error
	cancelErr  error
	open       []broker.OrderSnapshot
	openErr    error

	onPlace  func(order types.ExecutionOrder)
	onCancel func(orderID string)

	orderCh chan broker.OrderEvent
	tickCh  chan broker.TickEvent
	connCh  chan broker.ConnEvent
}

func newMockSession() *mockSession {
	return &mockSession{
		orderCh: make(chan broker.OrderEvent, 64),
		tickCh:  make(chan broker.TickEvent, 64),
		connCh:  make(chan broker.ConnEvent, 16),
	}
}

func (m *mockSession) Connect(ctx context.Context) error { return nil }

func (m *mockSession) Disconnect() error { return nil }

func (m *mockSession) State() broker.ConnectionState { return broker.StateConnected }

func (m *mockSession) IsConnected() bool { return true }

func (m *mockSession) PlaceOrder(ctx context.Context, order *types.ExecutionOrder, c contract.Contract) error {
	m.mu.Lock()
	if m.failPlaces > 0 {
		m.failPlaces--
		err := m.placeErr
		m.mu.Unlock()
		if err == nil {
			err = types.ErrNotConnected
		}
		return err
	}
	m.placed = append(m.placed, *order)
	hook := m.onPlace
	m.mu.Unlock()

	if hook != nil {
		hook(*order)
	}
	return nil
}

func (m *mockSession) CancelOrder(ctx context.Context, orderID string) error {
	m.mu.Lock()
	if m.cancelErr != nil {
		err := m.cancelErr
		m.mu.Unlock()
		return err
	}
	m.cancelled = append(m.cancelled, orderID)
	hook := m.onCancel
	m.mu.Unlock()

	if hook != nil {
		hook(orderID)
	}
	return nil
}

func (m *mockSession) OpenOrders(ctx context.Context) ([]broker.OrderSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open, m.openErr
}

func (m *mockSession) SubscribeMarketData(ctx context.Context, c contract.Contract) error {
	return nil
}

func (m *mockSession) UnsubscribeMarketData(c contract.Contract) error { return nil }

func (m *mockSession) Positions(ctx context.Context) ([]types.Position, error) { return nil, nil }

func (m *mockSession) AccountSummary(ctx context.Context) (*broker.AccountSummary, error) {
	return &broker.AccountSummary{}, nil
}

func (m *mockSession) OrderEvents() <-chan broker.OrderEvent { return m.orderCh }

func (m *mockSession) MarketData() <-chan broker.TickEvent { return m.tickCh }

func (m *mockSession) ConnectionEvents() <-chan broker.ConnEvent { return m.connCh }

func (m *mockSession) Shutdown(ctx context.Context) error { return nil }

func (m *mockSession) placedOrders() []types.ExecutionOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.ExecutionOrder, len(m.placed))
	copy(out, m.placed)
	return out
}

func (m *mockSession) cancelledIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.cancelled))
	copy(out, m.cancelled)
	return out
}

// ackEvent builds a broker SUBMITTED acknowledgment for an order.
func ackEvent(order types.ExecutionOrder) broker.OrderEvent {
	return broker.OrderEvent{
		OrderID:       order.OrderID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Status:        types.OrderStatusSubmitted,
		Timestamp:     time.Now(),
	}
}

// rejectEvent builds a broker rejection with a reason.
func rejectEvent(order types.ExecutionOrder, reason string) broker.OrderEvent {
	return broker.OrderEvent{
		OrderID:       order.OrderID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Status:        types.OrderStatusRejected,
		Reason:        reason,
		Timestamp:     time.Now(),
	}
}

// cancelEvent builds a broker cancellation confirmation.
func cancelEvent(order types.ExecutionOrder) broker.OrderEvent {
	return broker.OrderEvent{
		OrderID:       order.OrderID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Status:        types.OrderStatusCancelled,
		Timestamp:     time.Now(),
	}
}

// fillEvent builds an execution event at the given cumulative quantity.
func fillEvent(order types.ExecutionOrder, cum int, price string) broker.OrderEvent {
	status := types.OrderStatusPartiallyFilled
	if cum >= order.Quantity {
		status = types.OrderStatusFilled
	}
	return broker.OrderEvent{
		OrderID:       order.OrderID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Status:        status,
		Fill: &types.Fill{
			OrderID:       order.OrderID,
			Symbol:        order.Symbol,
			Side:          order.Side,
			Quantity:      cum, // tracker normalizes from cumulative
			Price:         mustDecimal(price),
			CumulativeQty: cum,
			Timestamp:     time.Now(),
		},
		Timestamp: time.Now(),
	}
}
