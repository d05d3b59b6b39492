package ibtws

import (
	"bytes"
	"strconv"
	"time"

	"github.com/ycliu-tw/quantd/internal/broker"
	"github.com/ycliu-tw/quantd/internal/types"
)

// processMessage decodes one inbound frame and dispatches by message ID.
func (c *Client) processMessage(data []byte) {
	fields := bytes.Split(data, []byte{0})
	// A trailing null yields an empty last element.
	if n := len(fields); n > 0 && len(fields[n-1]) == 0 {
		fields = fields[:n-1]
	}
	if len(fields) < 1 {
		return
	}

	msgID, err := strconv.Atoi(string(fields[0]))
	if err != nil {
		c.logger.Debug("invalid message id", "data", string(fields[0]))
		return
	}

	s := newFieldScanner(fields[1:])

	switch msgID {
	case msgTickPrice:
		c.handleTickPrice(s)
	case msgTickSize:
		c.handleTickSize(s)
	case msgTickOptComputation:
		c.handleTickOptComputation(s)
	case msgOrderStatus:
		c.handleOrderStatus(s)
	case msgErrMsg:
		c.handleErrMsg(s)
	case msgOpenOrder:
		c.handleOpenOrder(s)
	case msgOpenOrderEnd:
		c.handleOpenOrderEnd()
	case msgNextValidID:
		c.handleNextValidID(s)
	case msgCurrentTime:
		// Heartbeat response; lastSeen is already refreshed by the
		// read loop.
	case msgPosition:
		c.handlePosition(s)
	case msgPositionEnd:
		c.handlePositionEnd()
	case msgAccountSummary:
		c.handleAccountSummary(s)
	case msgAccountSummaryEnd:
		c.logger.Debug("account summary complete")
	default:
		c.logger.Debug("unhandled message type", "msg_id", msgID)
	}
}

func (c *Client) contractKeyFor(tickerID int64) (string, bool) {
	c.mdMu.Lock()
	defer c.mdMu.Unlock()
	key, ok := c.tickerToKey[tickerID]
	return key, ok
}

// handleTickPrice maps price ticks: 1=bid, 2=ask, 4=last.
func (c *Client) handleTickPrice(s *fieldScanner) {
	s.skip(1) // version
	tickerID := s.nextInt64()
	tickType := s.nextInt()
	price := parsePrice(s.next())

	key, ok := c.contractKeyFor(tickerID)
	if !ok || price.IsZero() {
		return
	}

	var kind broker.TickKind
	switch tickType {
	case 1:
		kind = broker.TickBid
	case 2:
		kind = broker.TickAsk
	case 4:
		kind = broker.TickLast
	default:
		return
	}

	c.publishTick(broker.TickEvent{
		ContractKey: key,
		Kind:        kind,
		Price:       price,
		Timestamp:   time.Now(),
	})
}

// handleTickSize maps size ticks: 8=volume, 27/28=option open interest.
func (c *Client) handleTickSize(s *fieldScanner) {
	s.skip(1) // version
	tickerID := s.nextInt64()
	tickType := s.nextInt()
	size := s.nextInt64()

	key, ok := c.contractKeyFor(tickerID)
	if !ok {
		return
	}

	var kind broker.TickKind
	switch tickType {
	case 8:
		kind = broker.TickVolume
	case 27, 28:
		kind = broker.TickOpenInterest
	default:
		return
	}

	c.publishTick(broker.TickEvent{
		ContractKey: key,
		Kind:        kind,
		Size:        size,
		Timestamp:   time.Now(),
	})
}

// handleTickOptComputation publishes model greeks and implied vol.
// Out-of-range sentinel values from the broker are skipped.
func (c *Client) handleTickOptComputation(s *fieldScanner) {
	s.skip(1) // version
	tickerID := s.nextInt64()
	tickType := s.nextInt()
	impliedVol := s.nextFloat()
	delta := s.nextFloat()
	s.skip(2) // optPrice, pvDividend
	gamma := s.nextFloat()
	vega := s.nextFloat()
	theta := s.nextFloat()

	key, ok := c.contractKeyFor(tickerID)
	if !ok {
		return
	}
	// 13 = model computation; bid/ask/last computations are noisier.
	if tickType != 13 {
		return
	}

	now := time.Now()
	if impliedVol > 0 && impliedVol < 100 {
		c.publishTick(broker.TickEvent{
			ContractKey: key,
			Kind:        broker.TickImpliedVol,
			Value:       impliedVol,
			Timestamp:   now,
		})
	}
	if delta >= -1 && delta <= 1 {
		c.publishTick(broker.TickEvent{
			ContractKey: key,
			Kind:        broker.TickGreeks,
			Greeks:      types.Greeks{Delta: delta, Gamma: gamma, Theta: theta, Vega: vega},
			Timestamp:   now,
		})
	}
}

// handleOrderStatus translates broker order-status pushes into
// OrderEvents, deriving incremental fills from the cumulative filled
// quantity so duplicate pushes collapse downstream.
func (c *Client) handleOrderStatus(s *fieldScanner) {
	s.skip(1) // version
	ibID := s.nextInt64()
	statusStr := s.next()
	filled := int(s.nextFloat())
	remaining := int(s.nextFloat())
	avgFillPrice := parsePrice(s.next())
	s.skip(2) // permId, parentId
	lastFillPrice := parsePrice(s.next())

	c.ordersMu.Lock()
	lo, known := c.ibToLocal[ibID]
	prevCum := c.lastCum[ibID]
	if filled > prevCum {
		c.lastCum[ibID] = filled
	}
	c.ordersMu.Unlock()

	ev := broker.OrderEvent{
		Timestamp: time.Now(),
	}
	if known {
		ev.OrderID = lo.orderID
		ev.ClientOrderID = lo.clientOrderID
		ev.Symbol = lo.symbol
	} else {
		ev.OrderID = strconv.FormatInt(ibID, 10)
	}

	status, ok := mapOrderStatus(statusStr, filled, remaining)
	if !ok {
		c.logger.Debug("ignoring order status", "ib_status", statusStr, "ib_id", ibID)
		return
	}
	ev.Status = status

	if filled > prevCum {
		price := lastFillPrice
		if price.IsZero() {
			price = avgFillPrice
		}
		ev.Fill = &types.Fill{
			OrderID:       ev.OrderID,
			Symbol:        ev.Symbol,
			Side:          lo.side,
			Quantity:      filled - prevCum,
			Price:         price,
			CumulativeQty: filled,
			Timestamp:     ev.Timestamp,
		}
	}

	c.publishOrder(ev)
}

// mapOrderStatus converts a TWS status string into the local lifecycle.
// PendingSubmit means the request has not been acknowledged yet, so it
// maps to nothing.
func mapOrderStatus(s string, filled, remaining int) (types.OrderStatus, bool) {
	switch s {
	case "PreSubmitted", "Submitted":
		if filled > 0 && remaining > 0 {
			return types.OrderStatusPartiallyFilled, true
		}
		return types.OrderStatusSubmitted, true
	case "Filled":
		return types.OrderStatusFilled, true
	case "Cancelled", "ApiCancelled":
		return types.OrderStatusCancelled, true
	case "Inactive":
		return types.OrderStatusRejected, true
	case "PendingSubmit", "PendingCancel", "ApiPending":
		return 0, false
	default:
		return 0, false
	}
}

// handleErrMsg routes broker error pushes: order-scoped errors become
// order events, session notices are logged.
func (c *Client) handleErrMsg(s *fieldScanner) {
	s.skip(1) // version
	id := s.nextInt64()
	code := s.nextInt()
	text := s.next()

	// 2100-2200 are status notices, not failures.
	if code >= 2100 && code < 2200 {
		c.logger.Info("broker notice", "code", code, "msg", text)
		return
	}

	c.ordersMu.Lock()
	lo, known := c.ibToLocal[id]
	c.ordersMu.Unlock()

	if id > 0 && known {
		status := types.OrderStatusRejected
		if code == 202 { // order cancelled
			status = types.OrderStatusCancelled
		}
		c.publishOrder(broker.OrderEvent{
			OrderID:       lo.orderID,
			ClientOrderID: lo.clientOrderID,
			Symbol:        lo.symbol,
			Status:        status,
			Reason:        text,
			Timestamp:     time.Now(),
		})
		return
	}

	c.logger.Warn("broker error", "id", id, "code", code, "msg", text)
}

// handleOpenOrder decodes one open-order snapshot. The layout mirrors
// buildPlaceOrder: contract block, then the order block with the client
// order ID in orderRef, then status and fill fields.
func (c *Client) handleOpenOrder(s *fieldScanner) {
	ibID := s.nextInt64()
	s.skip(1) // conId
	symbol := s.next()
	s.skip(8) // secType..localSymbol
	s.skip(1) // tradingClass
	action := s.next()
	qty := int(s.nextFloat())
	s.next() // orderType
	s.skip(2) // lmtPrice, auxPrice
	s.skip(4) // tif, ocaGroup, account, openClose
	s.skip(1) // origin
	orderRef := s.next()
	s.skip(1) // transmit
	statusStr := s.next()
	filled := int(s.nextFloat())
	avgFillPrice := parsePrice(s.next())

	side := types.SideBuy
	if action == "SELL" {
		side = types.SideSell
	}

	status, ok := mapOrderStatus(statusStr, filled, qty-filled)
	if !ok {
		status = types.OrderStatusSubmitted
	}

	snap := broker.OrderSnapshot{
		OrderID:        strconv.FormatInt(ibID, 10),
		ClientOrderID:  orderRef,
		Symbol:         symbol,
		Side:           side,
		Quantity:       qty,
		FilledQuantity: filled,
		AvgFillPrice:   avgFillPrice,
		Status:         status,
	}

	c.ooMu.Lock()
	if c.ooWait != nil {
		c.ooPending = append(c.ooPending, snap)
	}
	c.ooMu.Unlock()
}

func (c *Client) handleOpenOrderEnd() {
	c.ooMu.Lock()
	if c.ooWait != nil {
		close(c.ooWait)
		c.ooWait = nil
	}
	c.ooMu.Unlock()
}

func (c *Client) handleNextValidID(s *fieldScanner) {
	s.skip(1) // version
	id := s.nextInt64()
	if id > c.nextIBID.Load() {
		c.nextIBID.Store(id)
	}
	c.logger.Debug("next valid order id", "id", id)
}

// handlePosition updates the position cache from the broker stream.
func (c *Client) handlePosition(s *fieldScanner) {
	s.skip(1) // version
	s.next()  // account
	s.skip(1) // conId
	symbol := s.next()
	s.skip(9) // secType..tradingClass
	qty := int(s.nextFloat())
	avgCost := parsePrice(s.next())

	c.positionsMu.Lock()
	if qty == 0 {
		delete(c.positions, symbol)
	} else {
		c.positions[symbol] = types.Position{
			Symbol:      symbol,
			Quantity:    qty,
			AverageCost: avgCost,
			LastUpdated: time.Now(),
		}
	}
	c.positionsMu.Unlock()

	c.logger.Debug("position updated", "symbol", symbol, "quantity", qty)
}

func (c *Client) handlePositionEnd() {
	c.positionsMu.Lock()
	if c.posWait != nil {
		close(c.posWait)
		c.posWait = nil
	}
	c.positionsMu.Unlock()
}

// handleAccountSummary folds tagged account values into the cached
// summary.
func (c *Client) handleAccountSummary(s *fieldScanner) {
	s.skip(1) // version
	s.next()  // reqID
	account := s.next()
	tag := s.next()
	value := parsePrice(s.next())
	currency := s.next()

	c.accountMu.Lock()
	if c.account == nil {
		c.account = &broker.AccountSummary{
			AccountID: account,
			Currency:  currency,
		}
	}
	switch tag {
	case "NetLiquidation":
		c.account.NetLiquidation = value
	case "TotalCashValue":
		c.account.TotalCashValue = value
	case "BuyingPower":
		c.account.BuyingPower = value
	case "AvailableFunds":
		c.account.AvailableFunds = value
	case "UnrealizedPnL":
		c.account.UnrealizedPnL = value
	case "RealizedPnL":
		c.account.RealizedPnL = value
	}
	c.account.LastUpdated = time.Now()
	c.accountMu.Unlock()

	c.logger.Debug("account summary updated", "tag", tag, "value", value)
}
