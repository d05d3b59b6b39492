package broker

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ycliu-tw/quantd/internal/types"
)

// OrderEvent is an asynchronous order-status callback from the broker.
// Fill is non-nil when the event carries an execution.
type OrderEvent struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Status        types.OrderStatus
	Fill          *types.Fill
	Reason        string
	Timestamp     time.Time
}

// TickKind identifies which field of a quote a tick updates.
type TickKind int

const (
	TickBid TickKind = iota
	TickAsk
	TickLast
	TickVolume
	TickOpenInterest
	TickImpliedVol
	TickGreeks
)

func (k TickKind) String() string {
	switch k {
	case TickBid:
		return "bid"
	case TickAsk:
		return "ask"
	case TickLast:
		return "last"
	case TickVolume:
		return "volume"
	case TickOpenInterest:
		return "open_interest"
	case TickImpliedVol:
		return "implied_vol"
	case TickGreeks:
		return "greeks"
	default:
		return "unknown"
	}
}

// TickEvent is one market-data update for a subscribed contract. Which
// of Price, Size, Value and Greeks is meaningful depends on Kind.
type TickEvent struct {
	ContractKey string
	Kind        TickKind
	Price       decimal.Decimal
	Size        int64
	Value       float64
	Greeks      types.Greeks
	Timestamp   time.Time
}

// ConnEvent is a connection-state change. Reconnected marks a fresh
// session after a drop, which triggers the order reconciliation pass.
// Fatal means the reconnect budget is exhausted and the session will not
// recover on its own.
type ConnEvent struct {
	State       ConnectionState
	Reconnected bool
	Fatal       bool
	Err         error
	Timestamp   time.Time
}
