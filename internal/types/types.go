// Package types defines shared types used across the execution core.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// SignalType represents the action suggested by an upstream strategy.
type SignalType int

const (
	SignalHold SignalType = iota
	SignalBuy
	SignalSell
)

func (s SignalType) String() string {
	switch s {
	case SignalBuy:
		return "BUY"
	case SignalSell:
		return "SELL"
	default:
		return "HOLD"
	}
}

// ParseSignalType maps the wire spelling of a signal action.
func ParseSignalType(s string) (SignalType, bool) {
	switch s {
	case "BUY":
		return SignalBuy, true
	case "SELL":
		return SignalSell, true
	case "HOLD":
		return SignalHold, true
	default:
		return SignalHold, false
	}
}

// Side represents the direction of an order.
type Side int

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	if s == SideSell {
		return "SELL"
	}
	return "BUY"
}

// Sign returns +1 for buys and -1 for sells, for signed quantity math.
func (s Side) Sign() int {
	if s == SideSell {
		return -1
	}
	return 1
}

// Opposite returns the opposite side.
func (s Side) Opposite() Side {
	if s == SideSell {
		return SideBuy
	}
	return SideSell
}

// Urgency controls how aggressively an intent is worked.
type Urgency int

const (
	UrgencyLow Urgency = iota
	UrgencyMedium
	UrgencyHigh
)

func (u Urgency) String() string {
	switch u {
	case UrgencyHigh:
		return "HIGH"
	case UrgencyMedium:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

// OrderType represents the pricing instruction attached to an order.
type OrderType int

const (
	OrderTypeMarket OrderType = iota
	OrderTypeLimit
	OrderTypeStop
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeLimit:
		return "LIMIT"
	case OrderTypeStop:
		return "STOP"
	default:
		return "MARKET"
	}
}

// OrderStatus represents the state of an order.
//
// The lifecycle is NEW -> SUBMITTED -> (PARTIALLY_FILLED <-> SUBMITTED)
// -> FILLED | CANCELLED | REJECTED. SUBMITTED is entered only on broker
// acknowledgment, never merely because the local send returned.
type OrderStatus int

const (
	OrderStatusNew OrderStatus = iota
	OrderStatusSubmitted
	OrderStatusPartiallyFilled
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusRejected
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusNew:
		return "NEW"
	case OrderStatusSubmitted:
		return "SUBMITTED"
	case OrderStatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case OrderStatusFilled:
		return "FILLED"
	case OrderStatusCancelled:
		return "CANCELLED"
	case OrderStatusRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal returns true if no further transitions are allowed.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether moving from s to next is a legal
// lifecycle transition. Repeated partial fills stay in PARTIALLY_FILLED.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	switch s {
	case OrderStatusNew:
		return next == OrderStatusSubmitted || next == OrderStatusRejected || next == OrderStatusCancelled
	case OrderStatusSubmitted:
		return next == OrderStatusPartiallyFilled || next == OrderStatusFilled ||
			next == OrderStatusCancelled || next == OrderStatusRejected
	case OrderStatusPartiallyFilled:
		return next == OrderStatusPartiallyFilled || next == OrderStatusSubmitted ||
			next == OrderStatusFilled || next == OrderStatusCancelled || next == OrderStatusRejected
	default:
		return false
	}
}

// TradingSignal is produced by an upstream strategy component.
// Immutable once created; delivery is at-least-once, so consumers must
// tolerate duplicates.
type TradingSignal struct {
	ID                string
	Symbol            string
	Type              SignalType
	Confidence        decimal.Decimal // 0..1
	Timestamp         time.Time
	SuggestedPrice    decimal.Decimal // zero when the strategy has no opinion
	SuggestedQuantity int
	StrategyName      string
	Metadata          map[string]string
}

// ExecutionIntent is the normalized output of signal processing: what we
// want to do, after risk clamping, before slicing.
type ExecutionIntent struct {
	ID             string
	SignalID       string
	Symbol         string
	Side           Side
	TargetQuantity int
	Urgency        Urgency
	PriceLimit     decimal.Decimal // zero means unconstrained
	ReferencePrice decimal.Decimal // arrival price, baseline for slippage
	CreatedAt      time.Time
}

// ExecutionOrder is one child order of an intent.
type ExecutionOrder struct {
	OrderID        string
	ClientOrderID  string // idempotency key sent to the broker
	ParentIntentID string
	Symbol         string
	Side           Side
	Quantity       int
	OrderType      OrderType
	LimitPrice     decimal.Decimal
	Status         OrderStatus
	Reason         string // broker-provided reason on rejection
	CreatedAt      time.Time
	SubmittedAt    time.Time
	UpdatedAt      time.Time
	FilledQuantity int
	AvgFillPrice   decimal.Decimal
}

// Remaining returns the unfilled quantity.
func (o *ExecutionOrder) Remaining() int {
	return o.Quantity - o.FilledQuantity
}

// Fill is a single execution report for an order. CumulativeQty is the
// broker's running total for the order and, together with OrderID, forms
// the idempotency key for duplicate delivery.
type Fill struct {
	OrderID       string
	Symbol        string
	Side          Side
	Quantity      int
	Price         decimal.Decimal
	CumulativeQty int
	Timestamp     time.Time
}

// Position is the authoritative per-symbol holding. Quantity is signed:
// positive long, negative short.
type Position struct {
	Symbol      string
	Quantity    int
	AverageCost decimal.Decimal
	LastUpdated time.Time
}

// Greeks are option price sensitivities. Dimensionless model outputs,
// kept as float64 rather than decimal.
type Greeks struct {
	Delta float64
	Gamma float64
	Theta float64
	Vega  float64
}

// OptionQuote is the latest market view of one subscribed contract. No
// history is retained; each market-data callback overwrites the previous
// value.
type OptionQuote struct {
	ContractKey  string
	Bid          decimal.Decimal
	Ask          decimal.Decimal
	Last         decimal.Decimal
	Volume       int64
	OpenInterest int64
	ImpliedVol   float64
	Greeks       Greeks
	Timestamp    time.Time
}

// Mid returns the bid/ask midpoint, falling back to the last trade when
// one side of the book is empty.
func (q OptionQuote) Mid() decimal.Decimal {
	if q.Bid.IsPositive() && q.Ask.IsPositive() {
		return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
	}
	return q.Last
}

// SymbolMetrics is the per-symbol slice of an execution quality snapshot.
type SymbolMetrics struct {
	Symbol         string
	Orders         int
	FilledQuantity int
	TargetQuantity int
	FillRatio      decimal.Decimal
	AvgSlippage    decimal.Decimal
}

// ExecutionMetrics is a rolled-up execution quality snapshot. Eventually
// consistent; never authoritative for position state.
type ExecutionMetrics struct {
	Timestamp       time.Time
	Intents         int
	Orders          int
	FilledOrders    int
	CancelledOrders int
	RejectedOrders  int
	OrphanFills     int
	FilledQuantity  int
	TargetQuantity  int
	FillRatio       decimal.Decimal
	AvgSlippage     decimal.Decimal
	AvgSubmitDelay  time.Duration
	BySymbol        map[string]SymbolMetrics
}
