// Package sim provides an in-process broker session for paper trading
// and integration tests. Orders are acknowledged and filled against
// quotes pushed by the caller, with configurable latency, slippage and
// partial fills.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ycliu-tw/quantd/internal/broker"
	"github.com/ycliu-tw/quantd/internal/contract"
	"github.com/ycliu-tw/quantd/internal/types"
)

// Config holds simulation parameters.
type Config struct {
	InitialEquity decimal.Decimal
	// AckDelay separates PlaceOrder from the SUBMITTED acknowledgment.
	AckDelay time.Duration
	// FillDelay separates consecutive fill chunks.
	FillDelay time.Duration
	// PartialFills splits each order into this many fill chunks.
	PartialFills int
	// Slippage is added per share against the taker on market orders.
	Slippage decimal.Decimal
}

// DefaultConfig returns quick-fill simulation settings.
func DefaultConfig() Config {
	return Config{
		InitialEquity: decimal.NewFromInt(100000),
		AckDelay:      5 * time.Millisecond,
		FillDelay:     5 * time.Millisecond,
		PartialFills:  1,
		Slippage:      decimal.RequireFromString("0.01"),
	}
}

// Session is a simulated broker.Session. Safe for concurrent use.
type Session struct {
	cfg    Config
	logger *slog.Logger

	state atomic.Int32

	mu     sync.Mutex
	orders map[string]*types.ExecutionOrder
	quotes map[string]decimal.Decimal // last price by symbol

	orderCh chan broker.OrderEvent
	tickCh  chan broker.TickEvent
	connCh  chan broker.ConnEvent

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a disconnected simulated session.
func New(cfg Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PartialFills < 1 {
		cfg.PartialFills = 1
	}
	s := &Session{
		cfg:     cfg,
		logger:  logger,
		orders:  make(map[string]*types.ExecutionOrder),
		quotes:  make(map[string]decimal.Decimal),
		orderCh: make(chan broker.OrderEvent, 256),
		tickCh:  make(chan broker.TickEvent, 256),
		connCh:  make(chan broker.ConnEvent, 16),
		done:    make(chan struct{}),
	}
	s.state.Store(int32(broker.StateDisconnected))
	return s
}

// Connect marks the session connected.
func (s *Session) Connect(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(broker.StateDisconnected), int32(broker.StateConnected)) {
		return broker.ErrAlreadyConnected
	}
	s.emitConn(broker.ConnEvent{State: broker.StateConnected, Timestamp: time.Now()})
	s.logger.Info("sim broker connected", "equity", s.cfg.InitialEquity)
	return nil
}

// Disconnect stops the fill goroutines and marks the session down.
func (s *Session) Disconnect() error {
	if s.state.Swap(int32(broker.StateDisconnected)) == int32(broker.StateDisconnected) {
		return nil
	}
	close(s.done)
	s.wg.Wait()
	s.emitConn(broker.ConnEvent{State: broker.StateDisconnected, Timestamp: time.Now()})
	s.logger.Info("sim broker disconnected")
	return nil
}

// State returns the connection state.
func (s *Session) State() broker.ConnectionState {
	return broker.ConnectionState(s.state.Load())
}

// IsConnected reports whether the session is connected.
func (s *Session) IsConnected() bool {
	return s.State() == broker.StateConnected
}

// SetQuote sets the last price used to fill market orders, and emits a
// last-price tick for the contract.
func (s *Session) SetQuote(c contract.Contract, price decimal.Decimal) {
	s.mu.Lock()
	s.quotes[c.Symbol] = price
	s.mu.Unlock()

	s.emitTick(broker.TickEvent{
		ContractKey: c.Key(),
		Kind:        broker.TickLast,
		Price:       price,
		Timestamp:   time.Now(),
	})
}

// PushTick injects an arbitrary tick into the market-data channel.
func (s *Session) PushTick(ev broker.TickEvent) {
	s.emitTick(ev)
}

// PlaceOrder accepts the order and schedules its simulated lifecycle:
// a SUBMITTED ack after AckDelay, then PartialFills fill chunks spaced
// FillDelay apart. Market orders with no quote are rejected on ack.
func (s *Session) PlaceOrder(ctx context.Context, order *types.ExecutionOrder, c contract.Contract) error {
	if !s.IsConnected() {
		return broker.ErrNotConnected
	}
	if order.Quantity <= 0 {
		return fmt.Errorf("%w: quantity %d", types.ErrInvalidOrderSize, order.Quantity)
	}

	cp := *order
	s.mu.Lock()
	if _, ok := s.orders[cp.OrderID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("duplicate order id %s", cp.OrderID)
	}
	s.orders[cp.OrderID] = &cp
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.lifecycle(cp.OrderID)
	}()
	return nil
}

// lifecycle drives one order through ack and fills.
func (s *Session) lifecycle(orderID string) {
	if !s.sleep(s.cfg.AckDelay) {
		return
	}

	s.mu.Lock()
	order, ok := s.orders[orderID]
	if !ok || order.Status.IsTerminal() {
		s.mu.Unlock()
		return
	}

	price, hasQuote := s.quotes[order.Symbol]
	if order.OrderType == types.OrderTypeLimit && order.LimitPrice.IsPositive() {
		price, hasQuote = order.LimitPrice, true
	} else if hasQuote && s.cfg.Slippage.IsPositive() {
		if order.Side == types.SideBuy {
			price = price.Add(s.cfg.Slippage)
		} else {
			price = price.Sub(s.cfg.Slippage)
		}
	}

	if !hasQuote {
		order.Status = types.OrderStatusRejected
		order.Reason = "no market for symbol"
		ev := s.eventLocked(order)
		s.mu.Unlock()
		s.emitOrder(ev)
		return
	}

	order.Status = types.OrderStatusSubmitted
	ack := s.eventLocked(order)
	quantity := order.Quantity
	s.mu.Unlock()
	s.emitOrder(ack)

	chunks := s.cfg.PartialFills
	if chunks > quantity {
		chunks = quantity
	}
	base := quantity / chunks
	rem := quantity % chunks

	cum := 0
	for i := 0; i < chunks; i++ {
		if !s.sleep(s.cfg.FillDelay) {
			return
		}
		qty := base
		if i < rem {
			qty++
		}

		s.mu.Lock()
		order, ok := s.orders[orderID]
		if !ok || order.Status.IsTerminal() {
			s.mu.Unlock()
			return
		}
		cum += qty
		order.FilledQuantity = cum
		order.AvgFillPrice = price
		if cum >= quantity {
			order.Status = types.OrderStatusFilled
		} else {
			order.Status = types.OrderStatusPartiallyFilled
		}
		ev := s.eventLocked(order)
		ev.Fill = &types.Fill{
			OrderID:       order.OrderID,
			Symbol:        order.Symbol,
			Side:          order.Side,
			Quantity:      qty,
			Price:         price,
			CumulativeQty: cum,
			Timestamp:     time.Now(),
		}
		s.mu.Unlock()
		s.emitOrder(ev)
	}
}

// CancelOrder cancels a live order. Terminal orders are a no-op, like a
// real broker swallowing a late cancel.
func (s *Session) CancelOrder(ctx context.Context, orderID string) error {
	if !s.IsConnected() {
		return broker.ErrNotConnected
	}

	s.mu.Lock()
	order, ok := s.orders[orderID]
	if !ok || order.Status.IsTerminal() {
		s.mu.Unlock()
		return nil
	}
	order.Status = types.OrderStatusCancelled
	ev := s.eventLocked(order)
	s.mu.Unlock()

	s.emitOrder(ev)
	return nil
}

// OpenOrders returns the broker-side view of every non-terminal order.
func (s *Session) OpenOrders(ctx context.Context) ([]broker.OrderSnapshot, error) {
	if !s.IsConnected() {
		return nil, broker.ErrNotConnected
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []broker.OrderSnapshot
	for _, o := range s.orders {
		if o.Status.IsTerminal() {
			continue
		}
		out = append(out, broker.OrderSnapshot{
			OrderID:        o.OrderID,
			ClientOrderID:  o.ClientOrderID,
			Symbol:         o.Symbol,
			Side:           o.Side,
			Quantity:       o.Quantity,
			FilledQuantity: o.FilledQuantity,
			AvgFillPrice:   o.AvgFillPrice,
			Status:         o.Status,
		})
	}
	return out, nil
}

// Forget drops an order from the broker-side book without emitting any
// event, simulating an order lost across a reconnect.
func (s *Session) Forget(orderID string) {
	s.mu.Lock()
	delete(s.orders, orderID)
	s.mu.Unlock()
}

// SubscribeMarketData is a no-op: the caller drives quotes via SetQuote.
func (s *Session) SubscribeMarketData(ctx context.Context, c contract.Contract) error {
	if !s.IsConnected() {
		return broker.ErrNotConnected
	}
	return nil
}

// UnsubscribeMarketData is a no-op.
func (s *Session) UnsubscribeMarketData(c contract.Contract) error { return nil }

// Positions returns nothing: position state belongs to the caller.
func (s *Session) Positions(ctx context.Context) ([]types.Position, error) { return nil, nil }

// AccountSummary returns a static paper account.
func (s *Session) AccountSummary(ctx context.Context) (*broker.AccountSummary, error) {
	return &broker.AccountSummary{
		AccountID:      "SIM",
		Currency:       "USD",
		NetLiquidation: s.cfg.InitialEquity,
		TotalCashValue: s.cfg.InitialEquity,
		BuyingPower:    s.cfg.InitialEquity.Mul(decimal.NewFromInt(4)),
		AvailableFunds: s.cfg.InitialEquity,
		LastUpdated:    time.Now(),
	}, nil
}

// OrderEvents returns the order event channel.
func (s *Session) OrderEvents() <-chan broker.OrderEvent { return s.orderCh }

// MarketData returns the tick channel.
func (s *Session) MarketData() <-chan broker.TickEvent { return s.tickCh }

// ConnectionEvents returns the connection event channel.
func (s *Session) ConnectionEvents() <-chan broker.ConnEvent { return s.connCh }

// Shutdown disconnects.
func (s *Session) Shutdown(ctx context.Context) error {
	return s.Disconnect()
}

// eventLocked snapshots an order into an event. Caller holds s.mu.
func (s *Session) eventLocked(order *types.ExecutionOrder) broker.OrderEvent {
	return broker.OrderEvent{
		OrderID:       order.OrderID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Status:        order.Status,
		Reason:        order.Reason,
		Timestamp:     time.Now(),
	}
}

func (s *Session) emitOrder(ev broker.OrderEvent) {
	select {
	case s.orderCh <- ev:
	default:
		s.logger.Warn("order event dropped, consumer behind", "order_id", ev.OrderID)
	}
}

func (s *Session) emitTick(ev broker.TickEvent) {
	select {
	case s.tickCh <- ev:
	default:
	}
}

func (s *Session) emitConn(ev broker.ConnEvent) {
	select {
	case s.connCh <- ev:
	default:
	}
}

// sleep waits d unless the session shuts down first.
func (s *Session) sleep(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-s.done:
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.done:
		return false
	}
}

var _ broker.Session = (*Session)(nil)
