package ibtws

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ycliu-tw/quantd/internal/broker"
	"github.com/ycliu-tw/quantd/internal/contract"
	"github.com/ycliu-tw/quantd/internal/types"
)

// Client implements broker.Session over the TWS API socket protocol.
//
// One readLoop goroutine per live socket is the sole dispatcher of
// inbound messages into the three event channels; consumers must drain
// them without blocking it.
type Client struct {
	cfg    Config
	logger *slog.Logger

	// Connection. gen increments on every successful dial so loops
	// belonging to a dead socket can tell they are stale; lostGen
	// records the last generation whose loss was already handled, so
	// the heartbeat and the read loop cannot both start a reconnect.
	connMu  sync.RWMutex
	conn    net.Conn
	gen     uint64
	lostGen uint64
	state   atomic.Int32

	// Write path
	writeMu sync.Mutex
	limiter *rate.Limiter

	// Heartbeat: unix nanos of the last inbound frame.
	lastSeen atomic.Int64

	// Order tracking
	ordersMu  sync.Mutex
	nextIBID  atomic.Int64
	localToIB map[string]int64
	ibToLocal map[int64]localOrder
	lastCum   map[int64]int

	// Market data subscriptions
	mdMu        sync.Mutex
	nextReqID   atomic.Int64
	subs        map[string]*mdSub
	tickerToKey map[int64]string

	// Account and position caches
	accountMu sync.RWMutex
	account   *broker.AccountSummary

	positionsMu sync.RWMutex
	positions   map[string]types.Position
	posWait     chan struct{}

	// Open-order query collector
	ooMu      sync.Mutex
	ooPending []broker.OrderSnapshot
	ooWait    chan struct{}

	// Event channels
	orderEvents chan broker.OrderEvent
	tickEvents  chan broker.TickEvent
	connEvents  chan broker.ConnEvent

	// Shutdown
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	hbOnce    sync.Once
}

type localOrder struct {
	orderID       string
	clientOrderID string
	symbol        string
	side          types.Side
}

type mdSub struct {
	c        contract.Contract
	tickerID int64
}

// NewClient creates a TWS client. The session is not connected until
// Connect is called.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}

	c := &Client{
		cfg:         cfg,
		logger:      logger,
		limiter:     rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), cfg.MaxRequestsPerSecond),
		localToIB:   make(map[string]int64),
		ibToLocal:   make(map[int64]localOrder),
		lastCum:     make(map[int64]int),
		subs:        make(map[string]*mdSub),
		tickerToKey: make(map[int64]string),
		positions:   make(map[string]types.Position),
		orderEvents: make(chan broker.OrderEvent, cfg.EventBuffer),
		tickEvents:  make(chan broker.TickEvent, cfg.EventBuffer),
		connEvents:  make(chan broker.ConnEvent, 16),
		done:        make(chan struct{}),
	}

	c.state.Store(int32(broker.StateDisconnected))
	c.nextIBID.Store(1)
	c.nextReqID.Store(1000)

	return c
}

// Connect establishes the session to TWS/Gateway and starts the reader
// and heartbeat loops.
func (c *Client) Connect(ctx context.Context) error {
	if c.State() == broker.StateConnected {
		return nil
	}

	c.setState(broker.StateConnecting)
	c.logger.Info("connecting to TWS",
		"host", c.cfg.Host,
		"port", c.cfg.Port,
		"client_id", c.cfg.ClientID,
	)

	if err := c.dial(ctx); err != nil {
		c.setState(broker.StateDisconnected)
		return err
	}

	c.setState(broker.StateConnected)
	c.publishConn(broker.ConnEvent{State: broker.StateConnected, Timestamp: time.Now()})

	c.hbOnce.Do(func() {
		c.wg.Add(1)
		go c.heartbeatLoop()
	})

	if err := c.requestInitialData(); err != nil {
		c.logger.Warn("initial data request failed", "err", err)
	}

	c.logger.Info("connected to TWS")
	return nil
}

// dial opens the socket, performs the handshake and starts a readLoop
// generation for the new connection.
func (c *Client) dial(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %v", broker.ErrConnectionTimeout, err)
	}

	if err := c.handshake(conn); err != nil {
		_ = conn.Close()
		return fmt.Errorf("handshake: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.gen++
	gen := c.gen
	c.connMu.Unlock()

	c.lastSeen.Store(time.Now().UnixNano())

	c.wg.Add(1)
	go c.readLoop(conn, gen)

	return nil
}

// handshake performs the v100+ API handshake followed by startAPI.
func (c *Client) handshake(conn net.Conn) error {
	hello := append([]byte("API\x00"), []byte("v100..151\x00")...)
	if _, err := conn.Write(hello); err != nil {
		return fmt.Errorf("write hello: %w", err)
	}

	buf := make([]byte, 1024)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := conn.Read(buf)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("read server version: %w", err)
	}
	c.logger.Debug("handshake response", "bytes", n)

	startAPI := message(msgOutStartAPI, 2, c.cfg.ClientID)
	if _, err := conn.Write(frame(startAPI)); err != nil {
		return fmt.Errorf("write startAPI: %w", err)
	}
	return nil
}

// readLoop reads length-prefixed frames off one socket generation and
// dispatches them. A short poll deadline keeps shutdown responsive.
func (c *Client) readLoop(conn net.Conn, gen uint64) {
	defer c.wg.Done()

	var pending []byte
	buf := make([]byte, 64*1024)

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, err := conn.Read(buf)
		if n > 0 {
			c.lastSeen.Store(time.Now().UnixNano())
			pending = append(pending, buf[:n]...)
			pending = c.drainFrames(pending)
			if pending == nil {
				c.handleConnLost(gen, fmt.Errorf("corrupt frame"))
				return
			}
		}
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			c.handleConnLost(gen, err)
			return
		}
	}
}

// drainFrames processes every complete frame in pending and returns the
// leftover bytes. A nil return marks an unrecoverable framing error.
func (c *Client) drainFrames(pending []byte) []byte {
	for {
		if len(pending) < 4 {
			return pending
		}
		size := frameLen(pending)
		if size <= 0 || size > maxFrameSize {
			c.logger.Error("invalid frame length", "size", size)
			return nil
		}
		if len(pending) < 4+size {
			return pending
		}
		c.processMessage(pending[4 : 4+size])
		pending = pending[4+size:]
	}
}

// heartbeatLoop sends a clock request every interval and degrades the
// session when MissedHeartbeats intervals pass without any inbound
// traffic.
func (c *Client) heartbeatLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		if c.State() != broker.StateConnected {
			continue
		}

		silence := time.Since(time.Unix(0, c.lastSeen.Load()))
		limit := c.cfg.HeartbeatInterval * time.Duration(c.cfg.MissedHeartbeats)
		if c.cfg.MissedHeartbeats > 0 && silence > limit {
			c.logger.Warn("heartbeat missed", "silence", silence, "limit", limit)
			c.connMu.RLock()
			gen := c.gen
			conn := c.conn
			c.connMu.RUnlock()
			c.setState(broker.StateDegraded)
			c.publishConn(broker.ConnEvent{State: broker.StateDegraded, Timestamp: time.Now()})
			if conn != nil {
				_ = conn.Close()
			}
			c.handleConnLost(gen, types.ErrConnectionLost)
			continue
		}

		if err := c.send(message(msgOutReqCurrentTime, 1)); err != nil {
			c.logger.Warn("heartbeat send failed", "err", err)
		}
	}
}

// handleConnLost runs at most once per socket generation and decides
// between reconnecting and going dark.
func (c *Client) handleConnLost(gen uint64, cause error) {
	c.connMu.Lock()
	if gen != c.gen || gen <= c.lostGen {
		c.connMu.Unlock()
		return
	}
	c.lostGen = gen
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	select {
	case <-c.done:
		return
	default:
	}

	c.logger.Warn("connection lost", "err", cause)
	c.setState(broker.StateDisconnected)
	c.publishConn(broker.ConnEvent{State: broker.StateDisconnected, Err: cause, Timestamp: time.Now()})

	if c.cfg.AutoReconnect {
		c.wg.Add(1)
		go c.reconnectLoop()
	}
}

// reconnectLoop redials with jittered exponential backoff. In-flight
// orders are never resubmitted here; the gateway reconciles them via an
// open-orders query when it sees the Reconnected event.
func (c *Client) reconnectLoop() {
	defer c.wg.Done()

	for attempt := 0; attempt < c.cfg.MaxReconnectTries; attempt++ {
		delay := broker.Backoff(attempt, c.cfg.ReconnectBase, c.cfg.ReconnectMax)
		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}

		c.logger.Info("attempting reconnect", "attempt", attempt+1, "delay", delay)
		c.setState(broker.StateConnecting)

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
		err := c.dial(ctx)
		cancel()
		if err != nil {
			c.logger.Warn("reconnect failed", "attempt", attempt+1, "err", err)
			c.setState(broker.StateDisconnected)
			continue
		}

		c.setState(broker.StateConnected)
		c.publishConn(broker.ConnEvent{State: broker.StateConnected, Reconnected: true, Timestamp: time.Now()})
		c.resubscribeAll()
		if err := c.requestInitialData(); err != nil {
			c.logger.Warn("initial data request failed", "err", err)
		}
		c.logger.Info("reconnected", "attempt", attempt+1)
		return
	}

	c.logger.Error("reconnect budget exhausted", "tries", c.cfg.MaxReconnectTries)
	c.setState(broker.StateDisconnected)
	c.publishConn(broker.ConnEvent{
		State:     broker.StateDisconnected,
		Fatal:     true,
		Err:       types.ErrConnectionLost,
		Timestamp: time.Now(),
	})
}

// send frames and writes one message, paced by the request limiter.
func (c *Client) send(msg string) error {
	if c.State() != broker.StateConnected {
		return broker.ErrNotConnected
	}
	if err := c.limiter.Wait(context.Background()); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return broker.ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := conn.Write(frame(msg))
	return err
}

// Disconnect closes the session and stops all loops.
func (c *Client) Disconnect() error {
	c.closeOnce.Do(func() { close(c.done) })

	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	c.wg.Wait()
	c.setState(broker.StateDisconnected)
	c.logger.Info("disconnected from TWS")
	return nil
}

// Shutdown cancels market data subscriptions and disconnects.
func (c *Client) Shutdown(ctx context.Context) error {
	c.logger.Info("shutting down TWS client")

	c.mdMu.Lock()
	keys := make([]contract.Contract, 0, len(c.subs))
	for _, sub := range c.subs {
		keys = append(keys, sub.c)
	}
	c.mdMu.Unlock()
	for _, k := range keys {
		_ = c.UnsubscribeMarketData(k)
	}

	return c.Disconnect()
}

// State returns the current connection state.
func (c *Client) State() broker.ConnectionState {
	return broker.ConnectionState(c.state.Load())
}

// IsConnected returns true if connected.
func (c *Client) IsConnected() bool {
	return c.State() == broker.StateConnected
}

func (c *Client) setState(s broker.ConnectionState) {
	c.state.Store(int32(s))
}

// OrderEvents returns the order-status event channel.
func (c *Client) OrderEvents() <-chan broker.OrderEvent {
	return c.orderEvents
}

// MarketData returns the market-data event channel.
func (c *Client) MarketData() <-chan broker.TickEvent {
	return c.tickEvents
}

// ConnectionEvents returns the connection-state event channel.
func (c *Client) ConnectionEvents() <-chan broker.ConnEvent {
	return c.connEvents
}

func (c *Client) publishOrder(ev broker.OrderEvent) {
	select {
	case c.orderEvents <- ev:
	default:
		c.logger.Warn("order event channel full", "order_id", ev.OrderID)
	}
}

func (c *Client) publishTick(ev broker.TickEvent) {
	select {
	case c.tickEvents <- ev:
	default:
		c.logger.Warn("market data channel full", "contract", ev.ContractKey)
	}
}

func (c *Client) publishConn(ev broker.ConnEvent) {
	select {
	case c.connEvents <- ev:
	default:
		c.logger.Warn("connection event channel full")
	}
}

// Ensure Client implements broker.Session
var _ broker.Session = (*Client)(nil)
