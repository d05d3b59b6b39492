package shioaji

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ycliu-tw/quantd/internal/broker"
	"github.com/ycliu-tw/quantd/internal/contract"
	"github.com/ycliu-tw/quantd/internal/types"
)

// Session implements broker.Session over the bridge websocket.
//
// One readLoop goroutine per live socket dispatches inbound messages
// into the event channels. gen increments on every successful dial so
// loops belonging to a dead socket can tell they are stale; lostGen
// records the last generation whose loss was already handled.
type Session struct {
	cfg    Config
	logger *slog.Logger

	connMu  sync.RWMutex
	conn    *websocket.Conn
	gen     uint64
	lostGen uint64
	state   atomic.Int32

	// Write path. Control frames (ping) bypass this lock; gorilla
	// allows WriteControl concurrent with WriteJSON.
	writeMu sync.Mutex

	// Order tracking: side per local order for fill reconstruction,
	// last cumulative quantity for duplicate-push suppression.
	ordersMu sync.Mutex
	sides    map[string]types.Side
	lastCum  map[string]int

	// Market data subscriptions, for resubscribe after reconnect.
	mdMu sync.Mutex
	subs map[string]contract.Contract

	// Account and position caches + query waiters.
	acctMu   sync.Mutex
	account  *broker.AccountSummary
	acctWait chan struct{}

	posMu     sync.Mutex
	positions map[string]types.Position
	posWait   chan struct{}

	// Open-order query collector
	ooMu      sync.Mutex
	ooPending []broker.OrderSnapshot
	ooWait    chan struct{}

	orderEvents chan broker.OrderEvent
	tickEvents  chan broker.TickEvent
	connEvents  chan broker.ConnEvent

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a session. Not connected until Connect is called.
func New(cfg Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}

	s := &Session{
		cfg:         cfg,
		logger:      logger,
		sides:       make(map[string]types.Side),
		lastCum:     make(map[string]int),
		subs:        make(map[string]contract.Contract),
		positions:   make(map[string]types.Position),
		orderEvents: make(chan broker.OrderEvent, cfg.EventBuffer),
		tickEvents:  make(chan broker.TickEvent, cfg.EventBuffer),
		connEvents:  make(chan broker.ConnEvent, 16),
		done:        make(chan struct{}),
	}
	s.state.Store(int32(broker.StateDisconnected))
	return s
}

// Connect dials the bridge, logs in and starts the read and ping loops.
func (s *Session) Connect(ctx context.Context) error {
	if s.State() == broker.StateConnected {
		return nil
	}

	s.setState(broker.StateConnecting)
	s.logger.Info("connecting to bridge", "url", s.cfg.URL, "simulation", s.cfg.Simulation)

	if err := s.dial(ctx); err != nil {
		s.setState(broker.StateDisconnected)
		return err
	}

	s.setState(broker.StateConnected)
	s.publishConn(broker.ConnEvent{State: broker.StateConnected, Timestamp: time.Now()})
	s.requestInitialData()
	s.logger.Info("connected to bridge")
	return nil
}

// dial opens the websocket, logs in and starts a loop generation for
// the new connection.
func (s *Session) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", broker.ErrConnectionTimeout, err)
	}

	login := request{
		Action:     actionLogin,
		APIKey:     s.cfg.APIKey,
		SecretKey:  s.cfg.SecretKey,
		Simulation: s.cfg.Simulation,
	}
	if err := conn.WriteJSON(login); err != nil {
		_ = conn.Close()
		return fmt.Errorf("login: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.gen++
	gen := s.gen
	s.connMu.Unlock()

	s.wg.Add(2)
	go s.readLoop(conn, gen)
	go s.pingLoop(conn, gen)
	return nil
}

// readLoop reads JSON frames off one socket generation. The read
// deadline doubles as the heartbeat: a socket silent past ReadTimeout
// errors out and triggers the reconnect path.
func (s *Session) readLoop(conn *websocket.Conn, gen uint64) {
	defer s.wg.Done()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	for {
		select {
		case <-s.done:
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			s.handleConnLost(gen, err)
			return
		}
		s.handleMessage(msg)
	}
}

// pingLoop keeps the socket alive with protocol pings.
func (s *Session) pingLoop(conn *websocket.Conn, gen uint64) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		deadline := time.Now().Add(s.cfg.PingInterval / 2)
		if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			s.logger.Warn("ping failed", "err", err)
			s.handleConnLost(gen, err)
			return
		}
	}
}

// handleConnLost runs at most once per socket generation and decides
// between reconnecting and going dark.
func (s *Session) handleConnLost(gen uint64, cause error) {
	s.connMu.Lock()
	if gen != s.gen || gen <= s.lostGen {
		s.connMu.Unlock()
		return
	}
	s.lostGen = gen
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()

	select {
	case <-s.done:
		return
	default:
	}

	s.logger.Warn("bridge connection lost", "err", cause)
	s.setState(broker.StateDisconnected)
	s.publishConn(broker.ConnEvent{State: broker.StateDisconnected, Err: cause, Timestamp: time.Now()})

	if s.cfg.AutoReconnect {
		s.wg.Add(1)
		go s.reconnectLoop()
	}
}

// reconnectLoop redials with jittered exponential backoff. Orders are
// never resubmitted here; the gateway reconciles via OpenOrders when it
// sees the Reconnected event.
func (s *Session) reconnectLoop() {
	defer s.wg.Done()

	for attempt := 0; attempt < s.cfg.MaxReconnectTries; attempt++ {
		delay := broker.Backoff(attempt, s.cfg.ReconnectBase, s.cfg.ReconnectMax)
		select {
		case <-s.done:
			return
		case <-time.After(delay):
		}

		s.logger.Info("attempting reconnect", "attempt", attempt+1, "delay", delay)
		s.setState(broker.StateConnecting)

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
		err := s.dial(ctx)
		cancel()
		if err != nil {
			s.logger.Warn("reconnect failed", "attempt", attempt+1, "err", err)
			s.setState(broker.StateDisconnected)
			continue
		}

		s.setState(broker.StateConnected)
		s.publishConn(broker.ConnEvent{State: broker.StateConnected, Reconnected: true, Timestamp: time.Now()})
		s.resubscribeAll()
		s.requestInitialData()
		s.logger.Info("reconnected", "attempt", attempt+1)
		return
	}

	s.logger.Error("reconnect budget exhausted", "tries", s.cfg.MaxReconnectTries)
	s.setState(broker.StateDisconnected)
	s.publishConn(broker.ConnEvent{
		State:     broker.StateDisconnected,
		Fatal:     true,
		Err:       types.ErrConnectionLost,
		Timestamp: time.Now(),
	})
}

// send writes one JSON request on the live socket.
func (s *Session) send(req request) error {
	if s.State() != broker.StateConnected {
		return broker.ErrNotConnected
	}

	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil {
		return broker.ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.RequestTimeout))
	return conn.WriteJSON(req)
}

func (s *Session) requestInitialData() {
	if err := s.send(request{Action: actionQueryAcct}); err != nil {
		s.logger.Warn("account query failed", "err", err)
	}
	if err := s.send(request{Action: actionQueryPos}); err != nil {
		s.logger.Warn("positions query failed", "err", err)
	}
}

func (s *Session) resubscribeAll() {
	s.mdMu.Lock()
	contracts := make([]contract.Contract, 0, len(s.subs))
	for _, c := range s.subs {
		contracts = append(contracts, c)
	}
	s.mdMu.Unlock()

	for _, c := range contracts {
		if err := s.send(request{Action: actionSubscribe, Contract: toWireContract(c)}); err != nil {
			s.logger.Warn("resubscribe failed", "contract", c.Key(), "err", err)
		}
	}
}

// PlaceOrder sends the order to the bridge. A nil return means the
// request is on the wire; acceptance arrives as a SUBMITTED event.
func (s *Session) PlaceOrder(ctx context.Context, order *types.ExecutionOrder, c contract.Contract) error {
	w := &wireOrder{
		OrderID:       order.OrderID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          sideString(order.Side),
		Quantity:      order.Quantity,
		OrderType:     orderTypeString(order.OrderType),
		Contract:      toWireContract(c),
	}
	if order.OrderType == types.OrderTypeLimit {
		w.LimitPrice = order.LimitPrice.String()
	}

	s.ordersMu.Lock()
	s.sides[order.OrderID] = order.Side
	s.ordersMu.Unlock()

	if err := s.send(request{Action: actionPlaceOrder, Order: w}); err != nil {
		return fmt.Errorf("place order: %w", err)
	}
	return nil
}

// CancelOrder requests cancellation; the outcome arrives as an event.
func (s *Session) CancelOrder(ctx context.Context, orderID string) error {
	if err := s.send(request{Action: actionCancelOrder, OrderID: orderID}); err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	return nil
}

// OpenOrders queries the bridge for its live order book.
func (s *Session) OpenOrders(ctx context.Context) ([]broker.OrderSnapshot, error) {
	s.ooMu.Lock()
	if s.ooWait != nil {
		s.ooMu.Unlock()
		return nil, fmt.Errorf("open orders query already in flight")
	}
	wait := make(chan struct{})
	s.ooWait = wait
	s.ooPending = nil
	s.ooMu.Unlock()

	if err := s.send(request{Action: actionQueryOrders}); err != nil {
		s.ooMu.Lock()
		s.ooWait = nil
		s.ooMu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(s.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case <-wait:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("open orders query: %w", broker.ErrConnectionTimeout)
	}

	s.ooMu.Lock()
	out := s.ooPending
	s.ooPending = nil
	s.ooMu.Unlock()
	return out, nil
}

// SubscribeMarketData subscribes the contract's tick stream.
func (s *Session) SubscribeMarketData(ctx context.Context, c contract.Contract) error {
	if err := s.send(request{Action: actionSubscribe, Contract: toWireContract(c)}); err != nil {
		return err
	}
	s.mdMu.Lock()
	s.subs[c.Key()] = c
	s.mdMu.Unlock()
	return nil
}

// UnsubscribeMarketData drops the contract's tick stream.
func (s *Session) UnsubscribeMarketData(c contract.Contract) error {
	s.mdMu.Lock()
	delete(s.subs, c.Key())
	s.mdMu.Unlock()
	return s.send(request{Action: actionUnsubscribe, Contract: toWireContract(c)})
}

// Positions returns the cached broker-side positions, refreshing them
// with a query first.
func (s *Session) Positions(ctx context.Context) ([]types.Position, error) {
	s.posMu.Lock()
	wait := s.posWait
	if wait == nil {
		wait = make(chan struct{})
		s.posWait = wait
		if err := s.send(request{Action: actionQueryPos}); err != nil {
			s.posWait = nil
			s.posMu.Unlock()
			return nil, err
		}
	}
	s.posMu.Unlock()

	timer := time.NewTimer(s.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case <-wait:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("positions query: %w", broker.ErrConnectionTimeout)
	}

	s.posMu.Lock()
	defer s.posMu.Unlock()
	out := make([]types.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out, nil
}

// AccountSummary returns the latest account snapshot, querying the
// bridge when none is cached yet.
func (s *Session) AccountSummary(ctx context.Context) (*broker.AccountSummary, error) {
	s.acctMu.Lock()
	if s.account != nil {
		acct := *s.account
		s.acctMu.Unlock()
		return &acct, nil
	}
	wait := s.acctWait
	if wait == nil {
		wait = make(chan struct{})
		s.acctWait = wait
		if err := s.send(request{Action: actionQueryAcct}); err != nil {
			s.acctWait = nil
			s.acctMu.Unlock()
			return nil, err
		}
	}
	s.acctMu.Unlock()

	timer := time.NewTimer(s.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case <-wait:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("account query: %w", broker.ErrConnectionTimeout)
	}

	s.acctMu.Lock()
	defer s.acctMu.Unlock()
	if s.account == nil {
		return nil, fmt.Errorf("account summary unavailable")
	}
	acct := *s.account
	return &acct, nil
}

// Disconnect closes the session and stops all loops.
func (s *Session) Disconnect() error {
	s.closeOnce.Do(func() { close(s.done) })

	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()

	s.wg.Wait()
	s.setState(broker.StateDisconnected)
	s.logger.Info("disconnected from bridge")
	return nil
}

// Shutdown unsubscribes market data and disconnects.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mdMu.Lock()
	contracts := make([]contract.Contract, 0, len(s.subs))
	for _, c := range s.subs {
		contracts = append(contracts, c)
	}
	s.mdMu.Unlock()
	for _, c := range contracts {
		_ = s.UnsubscribeMarketData(c)
	}
	return s.Disconnect()
}

// State returns the current connection state.
func (s *Session) State() broker.ConnectionState {
	return broker.ConnectionState(s.state.Load())
}

// IsConnected returns true if connected.
func (s *Session) IsConnected() bool {
	return s.State() == broker.StateConnected
}

func (s *Session) setState(st broker.ConnectionState) {
	s.state.Store(int32(st))
}

// OrderEvents returns the order-status event channel.
func (s *Session) OrderEvents() <-chan broker.OrderEvent {
	return s.orderEvents
}

// MarketData returns the market-data event channel.
func (s *Session) MarketData() <-chan broker.TickEvent {
	return s.tickEvents
}

// ConnectionEvents returns the connection-state event channel.
func (s *Session) ConnectionEvents() <-chan broker.ConnEvent {
	return s.connEvents
}

// handleMessage decodes one inbound frame and dispatches by type.
func (s *Session) handleMessage(msg []byte) {
	var resp response
	if err := json.Unmarshal(msg, &resp); err != nil {
		s.logger.Debug("malformed message", "err", err)
		return
	}

	switch resp.Type {
	case msgOrder:
		s.handleOrder(resp.Data)
	case msgTick:
		s.handleTick(resp.Data)
	case msgOrders:
		s.handleOrdersSnapshot(resp.Data)
	case msgAccount:
		s.handleAccount(resp.Data)
	case msgPositions:
		s.handlePositions(resp.Data)
	case msgError:
		s.handleError(resp.Data)
	default:
		s.logger.Debug("unhandled message type", "type", resp.Type)
	}
}

// handleOrder translates bridge order pushes into OrderEvents, deriving
// incremental fills from the cumulative quantity so duplicate pushes
// collapse downstream.
func (s *Session) handleOrder(data json.RawMessage) {
	var u orderUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		s.logger.Debug("malformed order update", "err", err)
		return
	}

	status, ok := mapStatus(u.Status)
	if !ok {
		s.logger.Debug("ignoring order status", "status", u.Status, "order_id", u.OrderID)
		return
	}

	ev := broker.OrderEvent{
		OrderID:       u.OrderID,
		ClientOrderID: u.ClientOrderID,
		Symbol:        u.Symbol,
		Status:        status,
		Reason:        u.Reason,
		Timestamp:     time.Now(),
	}

	if u.Fill != nil {
		s.ordersMu.Lock()
		side := s.sides[u.OrderID]
		prevCum := s.lastCum[u.OrderID]
		if u.Fill.CumulativeQty > prevCum {
			s.lastCum[u.OrderID] = u.Fill.CumulativeQty
		}
		s.ordersMu.Unlock()

		if u.Fill.CumulativeQty > prevCum {
			ev.Fill = &types.Fill{
				OrderID:       u.OrderID,
				Symbol:        u.Symbol,
				Side:          side,
				Quantity:      u.Fill.CumulativeQty - prevCum,
				Price:         parsePrice(u.Fill.Price),
				CumulativeQty: u.Fill.CumulativeQty,
				Timestamp:     ev.Timestamp,
			}
		}
	}

	s.publishOrder(ev)
}

func (s *Session) handleTick(data json.RawMessage) {
	var u tickUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		s.logger.Debug("malformed tick", "err", err)
		return
	}

	ev := broker.TickEvent{
		ContractKey: u.ContractKey,
		Size:        u.Size,
		Value:       u.Value,
		Timestamp:   time.Now(),
	}
	switch u.Kind {
	case "bid":
		ev.Kind = broker.TickBid
	case "ask":
		ev.Kind = broker.TickAsk
	case "last":
		ev.Kind = broker.TickLast
	case "volume":
		ev.Kind = broker.TickVolume
	case "open_interest":
		ev.Kind = broker.TickOpenInterest
	case "implied_vol":
		ev.Kind = broker.TickImpliedVol
	default:
		return
	}
	if u.Price != "" {
		ev.Price = parsePrice(u.Price)
	}

	s.publishTick(ev)
}

func (s *Session) handleOrdersSnapshot(data json.RawMessage) {
	var snap ordersSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.logger.Debug("malformed orders snapshot", "err", err)
		return
	}

	out := make([]broker.OrderSnapshot, 0, len(snap.Orders))
	for _, row := range snap.Orders {
		status, ok := mapStatus(row.Status)
		if !ok {
			status = types.OrderStatusSubmitted
		}
		out = append(out, broker.OrderSnapshot{
			OrderID:        row.OrderID,
			ClientOrderID:  row.ClientOrderID,
			Symbol:         row.Symbol,
			Side:           parseSide(row.Side),
			Quantity:       row.Quantity,
			FilledQuantity: row.FilledQuantity,
			AvgFillPrice:   parsePrice(row.AvgFillPrice),
			Status:         status,
		})
	}

	s.ooMu.Lock()
	if s.ooWait != nil {
		s.ooPending = out
		close(s.ooWait)
		s.ooWait = nil
	}
	s.ooMu.Unlock()
}

func (s *Session) handleAccount(data json.RawMessage) {
	var u accountUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		s.logger.Debug("malformed account update", "err", err)
		return
	}

	s.acctMu.Lock()
	s.account = &broker.AccountSummary{
		AccountID:      u.AccountID,
		Currency:       u.Currency,
		NetLiquidation: parsePrice(u.NetLiquidation),
		TotalCashValue: parsePrice(u.TotalCashValue),
		BuyingPower:    parsePrice(u.BuyingPower),
		AvailableFunds: parsePrice(u.AvailableFunds),
		LastUpdated:    time.Now(),
	}
	if s.acctWait != nil {
		close(s.acctWait)
		s.acctWait = nil
	}
	s.acctMu.Unlock()
}

func (s *Session) handlePositions(data json.RawMessage) {
	var u positionsUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		s.logger.Debug("malformed positions update", "err", err)
		return
	}

	s.posMu.Lock()
	s.positions = make(map[string]types.Position, len(u.Positions))
	for _, row := range u.Positions {
		if row.Quantity == 0 {
			continue
		}
		s.positions[row.Symbol] = types.Position{
			Symbol:      row.Symbol,
			Quantity:    row.Quantity,
			AverageCost: parsePrice(row.AverageCost),
			LastUpdated: time.Now(),
		}
	}
	if s.posWait != nil {
		close(s.posWait)
		s.posWait = nil
	}
	s.posMu.Unlock()
}

// handleError routes bridge errors: order-scoped errors become REJECTED
// events, session notices are logged.
func (s *Session) handleError(data json.RawMessage) {
	var u errorUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		s.logger.Debug("malformed error", "err", err)
		return
	}

	if u.OrderID != "" {
		s.publishOrder(broker.OrderEvent{
			OrderID:   u.OrderID,
			Status:    types.OrderStatusRejected,
			Reason:    u.Message,
			Timestamp: time.Now(),
		})
		return
	}
	s.logger.Warn("bridge error", "code", u.Code, "msg", u.Message)
}

func (s *Session) publishOrder(ev broker.OrderEvent) {
	select {
	case s.orderEvents <- ev:
	default:
		s.logger.Warn("order event channel full", "order_id", ev.OrderID)
	}
}

func (s *Session) publishTick(ev broker.TickEvent) {
	select {
	case s.tickEvents <- ev:
	default:
		s.logger.Warn("market data channel full", "contract", ev.ContractKey)
	}
}

func (s *Session) publishConn(ev broker.ConnEvent) {
	select {
	case s.connEvents <- ev:
	default:
		s.logger.Warn("connection event channel full")
	}
}

// Ensure Session implements broker.Session
var _ broker.Session = (*Session)(nil)
