package ibtws

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ycliu-tw/quantd/internal/broker"
	"github.com/ycliu-tw/quantd/internal/contract"
	"github.com/ycliu-tw/quantd/internal/types"
)

// Inbound message IDs.
const (
	msgTickPrice          = 1
	msgTickSize           = 2
	msgOrderStatus        = 3
	msgErrMsg             = 4
	msgOpenOrder          = 5
	msgNextValidID        = 9
	msgTickOptComputation = 21
	msgCurrentTime        = 49
	msgOpenOrderEnd       = 53
	msgPosition           = 61
	msgPositionEnd        = 62
	msgAccountSummary     = 63
	msgAccountSummaryEnd  = 64
)

// Outbound message IDs.
const (
	msgOutReqMktData        = 1
	msgOutCancelMktData     = 2
	msgOutPlaceOrder        = 3
	msgOutCancelOrder       = 4
	msgOutReqOpenOrders     = 5
	msgOutReqCurrentTime    = 49
	msgOutReqPositions      = 61
	msgOutReqAccountSummary = 62
	msgOutStartAPI          = 71
)

// contractFields encodes a contract the same way for every outbound
// message, so inbound decoding can mirror it.
func contractFields(c contract.Contract) []any {
	strike := ""
	if c.IsOption() {
		strike = c.Strike.String()
	}
	return []any{
		0, // conId: let the broker resolve
		c.Symbol,
		string(c.SecurityType),
		c.Expiry,
		strike,
		string(c.Right),
		c.Multiplier,
		c.Exchange,
		c.Currency,
		c.LocalSymbol,
		"", // tradingClass
	}
}

// PlaceOrder sends a place-order request. The returned error only
// covers the local send path; acceptance arrives asynchronously as an
// OrderEvent with status SUBMITTED.
func (c *Client) PlaceOrder(ctx context.Context, order *types.ExecutionOrder, ct contract.Contract) error {
	if !c.IsConnected() {
		return broker.ErrNotConnected
	}

	ibID := c.nextIBID.Add(1)

	c.ordersMu.Lock()
	c.localToIB[order.OrderID] = ibID
	c.ibToLocal[ibID] = localOrder{
		orderID:       order.OrderID,
		clientOrderID: order.ClientOrderID,
		symbol:        order.Symbol,
		side:          order.Side,
	}
	c.lastCum[ibID] = order.FilledQuantity
	c.ordersMu.Unlock()

	if err := c.send(c.buildPlaceOrder(ibID, order, ct)); err != nil {
		c.ordersMu.Lock()
		delete(c.localToIB, order.OrderID)
		delete(c.ibToLocal, ibID)
		delete(c.lastCum, ibID)
		c.ordersMu.Unlock()
		return fmt.Errorf("send order: %w", err)
	}

	c.logger.Info("order sent",
		"order_id", order.OrderID,
		"client_order_id", order.ClientOrderID,
		"symbol", order.Symbol,
		"side", order.Side.String(),
		"quantity", order.Quantity,
		"type", order.OrderType.String(),
	)
	return nil
}

// buildPlaceOrder encodes an abridged PLACE_ORDER carrying the fields
// needed for MKT/LMT/STP day orders. The client order ID travels in the
// orderRef field and comes back in open-order snapshots, which is what
// makes post-reconnect reconciliation possible.
func (c *Client) buildPlaceOrder(ibID int64, order *types.ExecutionOrder, ct contract.Contract) string {
	lmt := ""
	aux := ""
	switch order.OrderType {
	case types.OrderTypeLimit:
		lmt = order.LimitPrice.String()
	case types.OrderTypeStop:
		aux = order.LimitPrice.String()
	}

	// Order block: action, totalQuantity, orderType, lmtPrice, auxPrice,
	// tif, ocaGroup, account, openClose, origin, orderRef, transmit.
	fields := []any{msgOutPlaceOrder, 45, ibID}
	fields = append(fields, contractFields(ct)...)
	fields = append(fields,
		order.Side.String(),
		order.Quantity,
		ibOrderType(order.OrderType),
		lmt,
		aux,
		"DAY",
		"",
		"",
		"",
		0,
		order.ClientOrderID,
		1,
	)
	return message(fields...)
}

func ibOrderType(t types.OrderType) string {
	switch t {
	case types.OrderTypeLimit:
		return "LMT"
	case types.OrderTypeStop:
		return "STP"
	default:
		return "MKT"
	}
}

func parseIBOrderType(s string) types.OrderType {
	switch s {
	case "LMT":
		return types.OrderTypeLimit
	case "STP":
		return types.OrderTypeStop
	default:
		return types.OrderTypeMarket
	}
}

// CancelOrder sends a cancel request for a previously placed order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if !c.IsConnected() {
		return broker.ErrNotConnected
	}

	c.ordersMu.Lock()
	ibID, ok := c.localToIB[orderID]
	c.ordersMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrUnknownOrder, orderID)
	}

	if err := c.send(message(msgOutCancelOrder, 1, ibID)); err != nil {
		return fmt.Errorf("send cancel: %w", err)
	}

	c.logger.Info("order cancel requested", "order_id", orderID)
	return nil
}

// OpenOrders queries the broker for its open orders and blocks until the
// end marker arrives or ctx expires. Used by reconciliation after a
// reconnect.
func (c *Client) OpenOrders(ctx context.Context) ([]broker.OrderSnapshot, error) {
	if !c.IsConnected() {
		return nil, broker.ErrNotConnected
	}

	c.ooMu.Lock()
	if c.ooWait == nil {
		c.ooPending = nil
		c.ooWait = make(chan struct{})
		if err := c.send(message(msgOutReqOpenOrders, 1)); err != nil {
			c.ooWait = nil
			c.ooMu.Unlock()
			return nil, err
		}
	}
	wait := c.ooWait
	c.ooMu.Unlock()

	select {
	case <-wait:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, broker.ErrNotConnected
	}

	c.ooMu.Lock()
	snap := make([]broker.OrderSnapshot, len(c.ooPending))
	copy(snap, c.ooPending)
	c.ooMu.Unlock()
	return snap, nil
}

// SubscribeMarketData requests streaming ticks for a contract. Repeated
// subscriptions to the same contract are no-ops.
func (c *Client) SubscribeMarketData(ctx context.Context, ct contract.Contract) error {
	if !c.IsConnected() {
		return broker.ErrNotConnected
	}

	key := ct.Key()

	c.mdMu.Lock()
	if _, ok := c.subs[key]; ok {
		c.mdMu.Unlock()
		return nil
	}
	tickerID := c.nextReqID.Add(1)
	c.subs[key] = &mdSub{c: ct, tickerID: tickerID}
	c.tickerToKey[tickerID] = key
	c.mdMu.Unlock()

	if err := c.send(c.buildReqMktData(tickerID, ct)); err != nil {
		c.mdMu.Lock()
		delete(c.subs, key)
		delete(c.tickerToKey, tickerID)
		c.mdMu.Unlock()
		return err
	}

	c.logger.Info("subscribed to market data", "contract", ct.String(), "ticker_id", tickerID)
	return nil
}

func (c *Client) buildReqMktData(tickerID int64, ct contract.Contract) string {
	// Generic ticks: 100 option volume, 101 option open interest,
	// 106 implied volatility.
	genericTicks := ""
	if ct.IsOption() {
		genericTicks = "100,101,106"
	}

	fields := []any{msgOutReqMktData, 11, tickerID}
	fields = append(fields, contractFields(ct)...)
	fields = append(fields,
		genericTicks,
		0, // snapshot
		0, // regulatory snapshot
		"",
	)
	return message(fields...)
}

// UnsubscribeMarketData cancels a streaming subscription.
func (c *Client) UnsubscribeMarketData(ct contract.Contract) error {
	key := ct.Key()

	c.mdMu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mdMu.Unlock()
		return nil
	}
	delete(c.subs, key)
	delete(c.tickerToKey, sub.tickerID)
	c.mdMu.Unlock()

	if err := c.send(message(msgOutCancelMktData, 1, sub.tickerID)); err != nil {
		return err
	}

	c.logger.Info("unsubscribed from market data", "contract", ct.String())
	return nil
}

// resubscribeAll replays every live subscription onto a fresh session.
func (c *Client) resubscribeAll() {
	c.mdMu.Lock()
	subs := make([]*mdSub, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mdMu.Unlock()

	for _, sub := range subs {
		if err := c.send(c.buildReqMktData(sub.tickerID, sub.c)); err != nil {
			c.logger.Warn("resubscribe failed", "contract", sub.c.String(), "err", err)
		}
	}
	if len(subs) > 0 {
		c.logger.Info("resubscribed market data", "count", len(subs))
	}
}

// Positions triggers a position refresh and returns the cached table,
// waiting for the end marker up to ctx's deadline.
func (c *Client) Positions(ctx context.Context) ([]types.Position, error) {
	if !c.IsConnected() {
		return nil, broker.ErrNotConnected
	}

	c.positionsMu.Lock()
	if c.posWait == nil {
		c.posWait = make(chan struct{})
		if err := c.send(message(msgOutReqPositions, 1)); err != nil {
			c.posWait = nil
			c.positionsMu.Unlock()
			return nil, err
		}
	}
	wait := c.posWait
	c.positionsMu.Unlock()

	select {
	case <-wait:
	case <-ctx.Done():
		c.logger.Warn("position refresh timed out, returning cached")
	case <-c.done:
	}

	c.positionsMu.RLock()
	out := make([]types.Position, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, p)
	}
	c.positionsMu.RUnlock()
	return out, nil
}

// AccountSummary returns the latest account snapshot pushed by the
// broker.
func (c *Client) AccountSummary(ctx context.Context) (*broker.AccountSummary, error) {
	if !c.IsConnected() {
		return nil, broker.ErrNotConnected
	}

	c.accountMu.RLock()
	defer c.accountMu.RUnlock()
	if c.account == nil {
		return nil, fmt.Errorf("account data not available")
	}
	out := *c.account
	return &out, nil
}

// requestInitialData asks for the account summary and position stream
// right after a session comes up.
func (c *Client) requestInitialData() error {
	reqID := c.nextReqID.Add(1)
	tags := "NetLiquidation,TotalCashValue,BuyingPower,AvailableFunds"
	if err := c.send(message(msgOutReqAccountSummary, 1, reqID, "All", tags)); err != nil {
		return fmt.Errorf("request account summary: %w", err)
	}
	if err := c.send(message(msgOutReqPositions, 1)); err != nil {
		return fmt.Errorf("request positions: %w", err)
	}
	return nil
}

// parsePrice converts a wire price field, tolerating blanks.
func parsePrice(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
