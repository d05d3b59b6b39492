// Package broker defines the capability contract every brokerage backend
// must satisfy, and the event types backends publish.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ycliu-tw/quantd/internal/contract"
	"github.com/ycliu-tw/quantd/internal/types"
)

// Common broker errors.
var (
	ErrNotConnected      = errors.New("broker not connected")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrAlreadyConnected  = errors.New("broker already connected")
	ErrSubscriptionLimit = errors.New("market data subscription limit reached")
)

// ConnectionState represents the broker connection state.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDegraded
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Session is the capability interface over one brokerage connection.
// Implementations own the transport, heartbeat and reconnection; callers
// observe results through the three event channels. PlaceOrder returning
// nil means the request entered the session's send path, not that the
// broker accepted it: acceptance arrives as an OrderEvent with status
// SUBMITTED.
type Session interface {
	// Connection management
	Connect(ctx context.Context) error
	Disconnect() error
	State() ConnectionState
	IsConnected() bool

	// Order execution
	PlaceOrder(ctx context.Context, order *types.ExecutionOrder, c contract.Contract) error
	CancelOrder(ctx context.Context, orderID string) error
	OpenOrders(ctx context.Context) ([]OrderSnapshot, error)

	// Market data
	SubscribeMarketData(ctx context.Context, c contract.Contract) error
	UnsubscribeMarketData(c contract.Contract) error

	// Account state
	Positions(ctx context.Context) ([]types.Position, error)
	AccountSummary(ctx context.Context) (*AccountSummary, error)

	// Event channels. Bounded; backends drop and log rather than block
	// the dispatch loop when a consumer falls behind.
	OrderEvents() <-chan OrderEvent
	MarketData() <-chan TickEvent
	ConnectionEvents() <-chan ConnEvent

	// Graceful shutdown
	Shutdown(ctx context.Context) error
}

// OrderSnapshot is the broker-side view of an order, used by the
// post-reconnect reconciliation pass.
type OrderSnapshot struct {
	OrderID        string
	ClientOrderID  string
	Symbol         string
	Side           types.Side
	Quantity       int
	FilledQuantity int
	AvgFillPrice   decimal.Decimal
	Status         types.OrderStatus
}

// AccountSummary contains account information.
type AccountSummary struct {
	AccountID      string
	Currency       string
	NetLiquidation decimal.Decimal
	TotalCashValue decimal.Decimal
	BuyingPower    decimal.Decimal
	AvailableFunds decimal.Decimal
	UnrealizedPnL  decimal.Decimal
	RealizedPnL    decimal.Decimal
	LastUpdated    time.Time
}
