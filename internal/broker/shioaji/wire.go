package shioaji

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/ycliu-tw/quantd/internal/contract"
	"github.com/ycliu-tw/quantd/internal/types"
)

// Outbound actions.
const (
	actionLogin       = "login"
	actionPlaceOrder  = "place_order"
	actionCancelOrder = "cancel_order"
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
	actionQueryOrders = "query_orders"
	actionQueryAcct   = "query_account"
	actionQueryPos    = "query_positions"
)

// Inbound message types.
const (
	msgOrder     = "order"
	msgTick      = "tick"
	msgOrders    = "orders"
	msgAccount   = "account"
	msgPositions = "positions"
	msgError     = "error"
)

// request is the outbound envelope.
type request struct {
	Action     string        `json:"action"`
	APIKey     string        `json:"api_key,omitempty"`
	SecretKey  string        `json:"secret_key,omitempty"`
	Simulation bool          `json:"simulation,omitempty"`
	Order      *wireOrder    `json:"order,omitempty"`
	OrderID    string        `json:"order_id,omitempty"`
	Contract   *wireContract `json:"contract,omitempty"`
}

// response is the inbound envelope; Data is decoded by Type.
type response struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type wireContract struct {
	Key          string `json:"key"`
	Symbol       string `json:"symbol"`
	SecurityType string `json:"security_type"`
	Exchange     string `json:"exchange,omitempty"`
	Currency     string `json:"currency,omitempty"`
	Expiry       string `json:"expiry,omitempty"`
	Strike       string `json:"strike,omitempty"`
	Right        string `json:"right,omitempty"`
}

func toWireContract(c contract.Contract) *wireContract {
	w := &wireContract{
		Key:          c.Key(),
		Symbol:       c.Symbol,
		SecurityType: string(c.SecurityType),
		Exchange:     c.Exchange,
		Currency:     c.Currency,
		Expiry:       c.Expiry,
	}
	if c.IsOption() {
		w.Strike = c.Strike.String()
		w.Right = string(c.Right)
	}
	return w
}

type wireOrder struct {
	OrderID       string        `json:"order_id"`
	ClientOrderID string        `json:"client_order_id"`
	Symbol        string        `json:"symbol"`
	Side          string        `json:"side"`
	Quantity      int           `json:"quantity"`
	OrderType     string        `json:"order_type"`
	LimitPrice    string        `json:"limit_price,omitempty"`
	Contract      *wireContract `json:"contract,omitempty"`
}

// orderUpdate is the bridge's order-status push.
type orderUpdate struct {
	OrderID       string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	Fill          *wireFill `json:"fill,omitempty"`
}

type wireFill struct {
	Quantity      int    `json:"quantity"`
	Price         string `json:"price"`
	CumulativeQty int    `json:"cumulative_qty"`
}

// tickUpdate is one market-data push.
type tickUpdate struct {
	ContractKey string  `json:"contract_key"`
	Kind        string  `json:"kind"`
	Price       string  `json:"price,omitempty"`
	Size        int64   `json:"size,omitempty"`
	Value       float64 `json:"value,omitempty"`
}

// ordersSnapshot answers a query_orders request.
type ordersSnapshot struct {
	Orders []orderRow `json:"orders"`
}

type orderRow struct {
	OrderID        string `json:"order_id"`
	ClientOrderID  string `json:"client_order_id"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Quantity       int    `json:"quantity"`
	FilledQuantity int    `json:"filled_quantity"`
	AvgFillPrice   string `json:"avg_fill_price"`
	Status         string `json:"status"`
}

// accountUpdate answers a query_account request.
type accountUpdate struct {
	AccountID      string `json:"account_id"`
	Currency       string `json:"currency"`
	NetLiquidation string `json:"net_liquidation"`
	TotalCashValue string `json:"total_cash_value"`
	BuyingPower    string `json:"buying_power"`
	AvailableFunds string `json:"available_funds"`
}

type positionsUpdate struct {
	Positions []positionRow `json:"positions"`
}

type positionRow struct {
	Symbol      string `json:"symbol"`
	Quantity    int    `json:"quantity"`
	AverageCost string `json:"average_cost"`
}

type errorUpdate struct {
	OrderID string `json:"order_id,omitempty"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// mapStatus converts a bridge status string into the local lifecycle.
// PendingSubmit is pre-ack and maps to nothing.
func mapStatus(s string) (types.OrderStatus, bool) {
	switch s {
	case "Submitted", "PreSubmitted":
		return types.OrderStatusSubmitted, true
	case "PartFilled":
		return types.OrderStatusPartiallyFilled, true
	case "Filled":
		return types.OrderStatusFilled, true
	case "Cancelled":
		return types.OrderStatusCancelled, true
	case "Failed", "Inactive":
		return types.OrderStatusRejected, true
	default:
		return 0, false
	}
}

func sideString(s types.Side) string {
	if s == types.SideSell {
		return "Sell"
	}
	return "Buy"
}

func parseSide(s string) types.Side {
	if s == "Sell" {
		return types.SideSell
	}
	return types.SideBuy
}

func orderTypeString(t types.OrderType) string {
	if t == types.OrderTypeLimit {
		return "LMT"
	}
	return "MKT"
}

func parsePrice(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
