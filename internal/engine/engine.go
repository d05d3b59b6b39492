// Package engine wires the execution pipeline end to end: signals come
// in from a source, become risk-clamped intents, get sliced into broker
// orders, and broker events flow back into positions, the journal and
// the event stream.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ycliu-tw/quantd/internal/alerting"
	"github.com/ycliu-tw/quantd/internal/broker"
	"github.com/ycliu-tw/quantd/internal/contract"
	"github.com/ycliu-tw/quantd/internal/execution"
	"github.com/ycliu-tw/quantd/internal/feed"
	"github.com/ycliu-tw/quantd/internal/metrics"
	"github.com/ycliu-tw/quantd/internal/position"
	"github.com/ycliu-tw/quantd/internal/signal"
	"github.com/ycliu-tw/quantd/internal/stream"
	"github.com/ycliu-tw/quantd/internal/types"
)

// Config holds engine configuration.
type Config struct {
	// Symbols to subscribe market data for at startup.
	Symbols []string
	// SecurityType the subscribed symbols resolve as.
	SecurityType contract.SecurityType
	// MetricsInterval spaces the execution quality snapshots.
	MetricsInterval time.Duration
	// EquityInterval spaces the account equity refreshes.
	EquityInterval time.Duration
	// AlertFilter gates alert events. Nil enables every event.
	AlertFilter func(event alerting.AlertEvent) bool
}

// DefaultConfig returns default engine settings.
func DefaultConfig() Config {
	return Config{
		SecurityType:    contract.SecurityStock,
		MetricsInterval: time.Minute,
		EquityInterval:  time.Minute,
	}
}

// Journal is the subset of the execution journal the engine drives.
// A nil journal disables persistence.
type Journal interface {
	SaveIntent(ctx context.Context, intent types.ExecutionIntent) error
	SaveOrder(ctx context.Context, order types.ExecutionOrder) error
	SaveFill(ctx context.Context, fill types.Fill) (bool, error)
	SaveOrphan(ctx context.Context, ev broker.OrderEvent) error
	OpenOrders(ctx context.Context) ([]types.ExecutionOrder, error)
	Intent(ctx context.Context, id string) (*types.ExecutionIntent, error)
}

// Deps are the engine's collaborators. Session, Source, Processor,
// Tracker, Gateway, Optimizer, Positions, Feed and Resolver are
// required; the rest default to no-ops.
type Deps struct {
	Session   broker.Session
	Source    signal.Source
	Processor *signal.Processor
	Tracker   *execution.Tracker
	Gateway   *execution.Gateway
	Optimizer *execution.Optimizer
	Positions *position.Manager
	Feed      *feed.Feed
	Resolver  *contract.Resolver
	Journal   Journal
	Publisher stream.Publisher
	Alerter   alerting.Alerter
	Recorder  *metrics.Recorder
}

// Engine coordinates the execution pipeline.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	session   broker.Session
	source    signal.Source
	processor *signal.Processor
	tracker   *execution.Tracker
	gateway   *execution.Gateway
	optimizer *execution.Optimizer
	positions *position.Manager
	feed      *feed.Feed
	resolver  *contract.Resolver
	journal   Journal
	publisher stream.Publisher
	alerter   alerting.Alerter
	recorder  *metrics.Recorder

	mu      sync.Mutex
	running bool
	refs    map[string]decimal.Decimal    // intent id -> reference price
	intents map[string]context.CancelFunc // in-flight intent executions

	// paused stops signal intake while the broker connection is down.
	// Orders already in flight keep draining; only new intents stop.
	paused atomic.Bool

	fatal     chan struct{}
	fatalOnce sync.Once

	done       chan struct{} // closed to stop signal intake
	loopCancel context.CancelFunc
	loopWG     sync.WaitGroup
	intentWG   sync.WaitGroup
}

// New creates an engine over the given collaborators.
func New(cfg Config, deps Deps, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SecurityType == "" {
		cfg.SecurityType = contract.SecurityStock
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = time.Minute
	}
	if cfg.EquityInterval <= 0 {
		cfg.EquityInterval = time.Minute
	}
	if deps.Publisher == nil {
		deps.Publisher = stream.Noop{}
	}
	if deps.Recorder == nil {
		deps.Recorder = metrics.NewRecorder()
	}
	return &Engine{
		cfg:       cfg,
		logger:    logger,
		session:   deps.Session,
		source:    deps.Source,
		processor: deps.Processor,
		tracker:   deps.Tracker,
		gateway:   deps.Gateway,
		optimizer: deps.Optimizer,
		positions: deps.Positions,
		feed:      deps.Feed,
		resolver:  deps.Resolver,
		journal:   deps.Journal,
		publisher: deps.Publisher,
		alerter:   deps.Alerter,
		recorder:  deps.Recorder,
		refs:      make(map[string]decimal.Decimal),
		intents:   make(map[string]context.CancelFunc),
		fatal:     make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start recovers journaled state, subscribes market data and launches
// the processing loops. The session must already be connected.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.running = true
	e.mu.Unlock()

	e.logger.Info("starting execution engine", "symbols", e.cfg.Symbols)

	recovered, err := e.recoverJournal(ctx)
	if err != nil {
		return err
	}

	for _, symbol := range e.cfg.Symbols {
		c, err := e.resolver.Resolve(symbol, e.cfg.SecurityType, contract.Params{})
		if err != nil {
			return fmt.Errorf("resolve %s: %w", symbol, err)
		}
		e.feed.Track(c)
		if err := e.session.SubscribeMarketData(ctx, c); err != nil {
			return fmt.Errorf("subscribe %s: %w", symbol, err)
		}
	}

	if recovered > 0 {
		if err := e.gateway.Reconcile(ctx); err != nil {
			return fmt.Errorf("startup reconciliation: %w", err)
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.loopCancel = cancel

	e.loopWG.Add(5)
	go e.signalLoop(loopCtx)
	go e.orderEventLoop(loopCtx)
	go e.connEventLoop(loopCtx)
	go e.metricsLoop(loopCtx)
	go e.equityLoop(loopCtx)

	e.loopWG.Add(1)
	go func() {
		defer e.loopWG.Done()
		e.feed.Run(loopCtx, e.session.MarketData())
	}()

	e.alert(ctx, alerting.EventEngineStarted, "Execution engine started",
		"symbols", fmt.Sprintf("%v", e.cfg.Symbols),
		"recovered_orders", recovered,
	)
	return nil
}

// recoverJournal reloads non-terminal orders so a restart mid-execution
// reconciles against the broker rather than forgets. Recovered orders
// re-enter the tracker; a reconciliation pass follows once market
// connectivity is up.
func (e *Engine) recoverJournal(ctx context.Context) (int, error) {
	if e.journal == nil {
		return 0, nil
	}
	orders, err := e.journal.OpenOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("journal recovery: %w", err)
	}

	recovered := 0
	for _, order := range orders {
		if order.ParentIntentID != "" {
			intent, err := e.journal.Intent(ctx, order.ParentIntentID)
			if err != nil {
				return recovered, fmt.Errorf("journal recovery: %w", err)
			}
			if intent == nil {
				order.ParentIntentID = ""
			} else {
				e.tracker.RegisterIntent(*intent)
				e.mu.Lock()
				e.refs[intent.ID] = intent.ReferencePrice
				e.mu.Unlock()
			}
		}

		wasSubmitted := order.Status != types.OrderStatusNew
		if err := e.tracker.Register(order); err != nil {
			e.logger.Error("recovered order rejected by tracker",
				"order_id", order.OrderID, "error", err)
			continue
		}
		if wasSubmitted {
			// Replay the broker ack so reconciliation can apply fills.
			_, _ = e.tracker.OnOrderEvent(broker.OrderEvent{
				OrderID:       order.OrderID,
				ClientOrderID: order.ClientOrderID,
				Symbol:        order.Symbol,
				Status:        types.OrderStatusSubmitted,
				Timestamp:     time.Now(),
			})
		}
		recovered++
	}

	if recovered > 0 {
		e.logger.Info("recovered in-flight orders from journal", "orders", recovered)
	}
	return recovered, nil
}

// signalLoop consumes the signal source until shutdown.
func (e *Engine) signalLoop(ctx context.Context) {
	defer e.loopWG.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case sig, ok := <-e.source.Signals():
			if !ok {
				e.logger.Info("signal source closed")
				return
			}
			e.handleSignal(ctx, sig)
		}
	}
}

func (e *Engine) handleSignal(ctx context.Context, sig types.TradingSignal) {
	if e.paused.Load() {
		e.recorder.RecordSignalDropped("connection_down")
		e.logger.Warn("signal dropped: broker connection down",
			"signal_id", sig.ID, "symbol", sig.Symbol)
		return
	}

	intents, err := e.processor.Process(sig)
	if err != nil {
		reason := "invalid"
		switch {
		case errors.Is(err, types.ErrStaleSignal):
			reason = "stale"
		case errors.Is(err, types.ErrRiskLimitExceeded):
			reason = "risk_clamped"
			e.alert(ctx, alerting.EventRiskLimitClamped, "Signal clamped to zero by risk limits",
				"signal_id", sig.ID, "symbol", sig.Symbol)
		}
		e.recorder.RecordSignalDropped(reason)
		e.logger.Warn("signal rejected", "signal_id", sig.ID, "symbol", sig.Symbol, "error", err)
		return
	}
	if len(intents) == 0 {
		// HOLD, low confidence or duplicate delivery; already logged by
		// the processor.
		e.recorder.RecordSignalDropped("filtered")
		return
	}

	for _, intent := range intents {
		e.launchIntent(ctx, intent, sig.StrategyName)
	}
}

// launchIntent registers, journals and works one intent. Each intent is
// executed on its own goroutine so a slow TWAP never blocks intake.
func (e *Engine) launchIntent(ctx context.Context, intent types.ExecutionIntent, strategy string) {
	e.tracker.RegisterIntent(intent)
	e.recorder.RecordSignalAccepted(strategy)

	if e.journal != nil {
		if err := e.journal.SaveIntent(ctx, intent); err != nil {
			e.logger.Error("journal intent failed", "intent_id", intent.ID, "error", err)
			e.recorder.RecordError("journal")
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.refs[intent.ID] = intent.ReferencePrice
	e.intents[intent.ID] = cancel
	e.mu.Unlock()

	e.intentWG.Add(1)
	go func() {
		defer e.intentWG.Done()
		defer cancel()

		if err := e.optimizer.Execute(runCtx, intent); err != nil && runCtx.Err() == nil {
			e.logger.Error("intent execution failed",
				"intent_id", intent.ID, "symbol", intent.Symbol, "error", err)
			e.recorder.RecordError("execute")
			e.alert(ctx, alerting.EventSubmissionFailed, "Intent execution failed",
				"intent_id", intent.ID,
				"symbol", intent.Symbol,
				"error", err.Error(),
			)
		}

		e.mu.Lock()
		delete(e.intents, intent.ID)
		e.mu.Unlock()
	}()
}

// CancelIntent stops working an intent and requests cancellation of its
// non-terminal child orders. Terminal children are untouched.
func (e *Engine) CancelIntent(ctx context.Context, intentID string) error {
	e.mu.Lock()
	cancel, ok := e.intents[intentID]
	e.mu.Unlock()
	if ok {
		cancel()
	}

	var errs []error
	for _, order := range e.tracker.LiveOrders(intentID) {
		if err := e.gateway.Cancel(ctx, order.OrderID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// orderEventLoop applies broker order callbacks.
func (e *Engine) orderEventLoop(ctx context.Context) {
	defer e.loopWG.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-e.session.OrderEvents():
			if !ok {
				return
			}
			e.handleOrderEvent(ctx, ev)
		}
	}
}

func (e *Engine) handleOrderEvent(ctx context.Context, ev broker.OrderEvent) {
	fill, err := e.tracker.OnOrderEvent(ev)
	if err != nil {
		if errors.Is(err, types.ErrUnknownOrder) {
			e.handleOrphans(ctx, ev)
			return
		}
		e.logger.Error("order event failed",
			"order_id", ev.OrderID, "status", ev.Status.String(), "error", err)
		e.recorder.RecordError("order_event")
		return
	}

	id := ev.OrderID
	if fill != nil {
		id = fill.OrderID
	}
	order, ok := e.tracker.Order(id)
	if !ok {
		return
	}

	e.recorder.RecordOrderStatus(order.Symbol, order.Side, order.Status)

	if fill != nil {
		if err := e.positions.ApplyFill(*fill); err != nil && !errors.Is(err, types.ErrDuplicateFill) {
			e.logger.Error("fill application failed",
				"order_id", fill.OrderID, "error", err)
			e.recorder.RecordError("apply_fill")
		}
		e.recorder.RecordFill(*fill, e.slippage(order.ParentIntentID, *fill))
		e.recorder.RecordPosition(fill.Symbol, e.positions.GetPosition(fill.Symbol).Quantity)

		if e.journal != nil {
			if _, err := e.journal.SaveFill(ctx, *fill); err != nil {
				e.logger.Error("journal fill failed", "order_id", fill.OrderID, "error", err)
				e.recorder.RecordError("journal")
			}
		}
	}

	switch order.Status {
	case types.OrderStatusRejected:
		e.alert(ctx, alerting.EventOrderRejected, "Order rejected",
			"order_id", order.OrderID,
			"symbol", order.Symbol,
			"reason", order.Reason,
		)
	case types.OrderStatusFilled:
		e.alert(ctx, alerting.EventOrderFilled, "Order filled",
			"order_id", order.OrderID,
			"symbol", order.Symbol,
			"quantity", order.FilledQuantity,
			"avg_price", order.AvgFillPrice.String(),
		)
	}

	if e.journal != nil {
		if err := e.journal.SaveOrder(ctx, order); err != nil {
			e.logger.Error("journal order failed", "order_id", order.OrderID, "error", err)
			e.recorder.RecordError("journal")
		}
	}
	e.publisher.PublishOrderState(ctx, order)
}

// handleOrphans journals every orphan the tracker captured. Orphans are
// audited, alerted and counted, never applied to positions.
func (e *Engine) handleOrphans(ctx context.Context, ev broker.OrderEvent) {
	for _, orphan := range e.tracker.Orphans() {
		e.recorder.RecordOrphanFill()
		if e.journal != nil {
			if err := e.journal.SaveOrphan(ctx, orphan); err != nil {
				e.logger.Error("journal orphan failed", "order_id", orphan.OrderID, "error", err)
				e.recorder.RecordError("journal")
			}
		}
	}
	e.alert(ctx, alerting.EventOrphanFill, "Orphan order event captured",
		"order_id", ev.OrderID,
		"client_order_id", ev.ClientOrderID,
		"symbol", ev.Symbol,
		"status", ev.Status.String(),
	)
}

// slippage returns the signed per-share slippage of a fill against its
// intent's reference price. Zero when no reference is known.
func (e *Engine) slippage(intentID string, fill types.Fill) decimal.Decimal {
	e.mu.Lock()
	ref, ok := e.refs[intentID]
	e.mu.Unlock()
	if !ok || !ref.IsPositive() {
		return decimal.Zero
	}
	return fill.Price.Sub(ref).Mul(decimal.NewFromInt(int64(fill.Side.Sign())))
}

// connEventLoop reacts to connection-state changes: intake pauses on a
// loss, a reconcile runs after a reconnect, and a fatal event stops the
// engine's intake for good.
func (e *Engine) connEventLoop(ctx context.Context) {
	defer e.loopWG.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-e.session.ConnectionEvents():
			if !ok {
				return
			}
			e.handleConnEvent(ctx, ev)
		}
	}
}

func (e *Engine) handleConnEvent(ctx context.Context, ev broker.ConnEvent) {
	e.recorder.RecordConnectionState(ev.State)
	e.publisher.PublishConnState(ctx, ev)

	switch {
	case ev.Fatal:
		e.paused.Store(true)
		e.logger.Error("broker connection unrecoverable", "error", ev.Err)
		e.alert(ctx, alerting.EventReconnectExhausted, "Broker reconnect budget exhausted",
			"error", errString(ev.Err))
		e.fatalOnce.Do(func() { close(e.fatal) })

	case ev.Reconnected:
		e.recorder.RecordReconnect()
		if err := e.gateway.Reconcile(ctx); err != nil {
			e.logger.Error("post-reconnect reconciliation failed", "error", err)
			e.recorder.RecordError("reconcile")
		}
		e.paused.Store(false)
		e.logger.Info("broker connection restored, intake resumed")
		e.alert(ctx, alerting.EventConnectionRestored, "Broker connection restored")

	case ev.State == broker.StateDisconnected || ev.State == broker.StateDegraded:
		if e.paused.CompareAndSwap(false, true) {
			e.logger.Warn("broker connection lost, intake paused", "error", errString(ev.Err))
			e.alert(ctx, alerting.EventConnectionLost, "Broker connection lost",
				"state", ev.State.String(),
				"error", errString(ev.Err),
			)
		}
	}
}

// metricsLoop publishes execution quality snapshots and, when activity
// occurred, the periodic summary alert.
func (e *Engine) metricsLoop(ctx context.Context) {
	defer e.loopWG.Done()

	ticker := time.NewTicker(e.cfg.MetricsInterval)
	defer ticker.Stop()

	lastOrders := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := e.tracker.MetricsSnapshot()
			e.publisher.PublishMetrics(ctx, m)
			if m.Orders != lastOrders {
				lastOrders = m.Orders
				summary := alerting.NewExecutionSummary(m, e.cfg.MetricsInterval)
				e.alert(ctx, alerting.EventExecutionSummary, summary.Format())
			}
		}
	}
}

// equityLoop refreshes account equity so risk sizing tracks the live
// account rather than the configured capital.
func (e *Engine) equityLoop(ctx context.Context) {
	defer e.loopWG.Done()

	ticker := time.NewTicker(e.cfg.EquityInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.updateEquity(ctx)
		}
	}
}

func (e *Engine) updateEquity(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	summary, err := e.session.AccountSummary(reqCtx)
	if err != nil {
		e.logger.Warn("account summary failed", "error", err)
		e.recorder.RecordError("account_summary")
		return
	}
	e.positions.UpdateEquity(summary.NetLiquidation)
	e.recorder.RecordEquity(summary.NetLiquidation, summary.RealizedPnL)
}

// Stop drains in-flight intents within ctx's deadline, then shuts the
// loops down. Intents still working when the deadline passes are
// cancelled; their open orders get a best-effort broker cancel via the
// optimizer's straggler pass.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.mu.Unlock()

	e.logger.Info("stopping engine, draining in-flight intents")
	close(e.done)

	drained := make(chan struct{})
	go func() {
		e.intentWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		e.logger.Warn("drain deadline passed, cancelling in-flight intents")
		e.cancelAllIntents()
		<-drained
	}

	e.loopCancel()
	e.loopWG.Wait()

	for _, symbol := range e.cfg.Symbols {
		c, err := e.resolver.Resolve(symbol, e.cfg.SecurityType, contract.Params{})
		if err != nil {
			continue
		}
		if err := e.session.UnsubscribeMarketData(c); err != nil {
			e.logger.Warn("unsubscribe failed", "symbol", symbol, "error", err)
		}
	}

	e.alert(ctx, alerting.EventEngineStopped, "Execution engine stopped")
	e.logger.Info("engine stopped")
	return nil
}

func (e *Engine) cancelAllIntents() {
	e.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(e.intents))
	for _, cancel := range e.intents {
		cancels = append(cancels, cancel)
	}
	e.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// IsRunning reports whether the engine is started and not stopped.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Paused reports whether signal intake is paused.
func (e *Engine) Paused() bool {
	return e.paused.Load()
}

// Fatal is closed when the broker session reports an unrecoverable
// connection loss. The process owner decides whether to exit.
func (e *Engine) Fatal() <-chan struct{} {
	return e.fatal
}

// alert delivers one event through the configured alerter, honoring the
// event filter. Alert failures are logged, never propagated.
func (e *Engine) alert(ctx context.Context, event alerting.AlertEvent, msg string, fields ...any) {
	if e.alerter == nil {
		return
	}
	if e.cfg.AlertFilter != nil && !e.cfg.AlertFilter(event) {
		return
	}
	if err := e.alerter.Alert(ctx, alerting.EventSeverity(event), msg, fields...); err != nil {
		e.logger.Warn("alert delivery failed", "event", string(event), "error", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
