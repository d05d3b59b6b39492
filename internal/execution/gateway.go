package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ycliu-tw/quantd/internal/broker"
	"github.com/ycliu-tw/quantd/internal/contract"
	"github.com/ycliu-tw/quantd/internal/types"
)

// GatewayConfig tunes submission behavior.
type GatewayConfig struct {
	// SubmitTimeout bounds the wait for the broker's SUBMITTED ack. An
	// order not acknowledged in time is locally rejected.
	SubmitTimeout time.Duration
	// RetryAttempts is the send retry budget for transient failures.
	// Retries reuse the same client order id, so a send that actually
	// reached the broker cannot double-execute.
	RetryAttempts int
	// RetryBase and RetryMax bound the backoff between send attempts.
	RetryBase time.Duration
	RetryMax  time.Duration
}

// DefaultGatewayConfig returns conservative submission settings.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		SubmitTimeout: 5 * time.Second,
		RetryAttempts: 3,
		RetryBase:     200 * time.Millisecond,
		RetryMax:      2 * time.Second,
	}
}

// Gateway submits orders to a broker session and keeps the tracker in
// sync. It never transitions an order to SUBMITTED itself: that status
// only ever arrives as a broker acknowledgment through the tracker.
type Gateway struct {
	cfg      GatewayConfig
	session  broker.Session
	tracker  *Tracker
	resolver *contract.Resolver
	secType  contract.SecurityType
	logger   *slog.Logger
}

// NewGateway creates a gateway over session.
func NewGateway(cfg GatewayConfig, session broker.Session, tracker *Tracker, resolver *contract.Resolver, secType contract.SecurityType, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 5 * time.Second
	}
	if secType == "" {
		secType = contract.SecurityStock
	}
	return &Gateway{
		cfg:      cfg,
		session:  session,
		tracker:  tracker,
		resolver: resolver,
		secType:  secType,
		logger:   logger,
	}
}

// NewOrder builds one child order of an intent. The client order id is
// the idempotency key sent to the broker.
func NewOrder(intent types.ExecutionIntent, quantity int, ordType types.OrderType, limit decimal.Decimal) types.ExecutionOrder {
	return types.ExecutionOrder{
		OrderID:        uuid.New().String(),
		ClientOrderID:  newClientOrderID(),
		ParentIntentID: intent.ID,
		Symbol:         intent.Symbol,
		Side:           intent.Side,
		Quantity:       quantity,
		OrderType:      ordType,
		LimitPrice:     limit,
		Status:         types.OrderStatusNew,
		CreatedAt:      time.Now(),
	}
}

// newClientOrderID creates a unique, human-sortable client order id.
func newClientOrderID() string {
	return fmt.Sprintf("%s-%s",
		time.Now().Format("20060102-150405"),
		uuid.New().String()[:8],
	)
}

// Submit registers the order and sends it, retrying transient send
// failures within the retry budget. It returns once the request entered
// the session's send path; broker acceptance arrives asynchronously.
// A send that exhausts the budget locally rejects the order.
func (g *Gateway) Submit(ctx context.Context, order types.ExecutionOrder) error {
	c, err := g.resolver.Resolve(order.Symbol, g.secType, contract.Params{})
	if err != nil {
		return err
	}

	if err := g.tracker.Register(order); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= g.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			delay := broker.Backoff(attempt-1, g.cfg.RetryBase, g.cfg.RetryMax)
			g.logger.Warn("retrying order submission",
				"order_id", order.OrderID,
				"attempt", attempt,
				"delay", delay,
				"error", lastErr,
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				lastErr = ctx.Err()
			}
			if ctx.Err() != nil {
				break
			}
		}

		lastErr = g.session.PlaceOrder(ctx, &order, c)
		if lastErr == nil {
			g.logger.Info("order sent",
				"order_id", order.OrderID,
				"client_order_id", order.ClientOrderID,
				"symbol", order.Symbol,
				"side", order.Side.String(),
				"quantity", order.Quantity,
				"type", order.OrderType.String(),
			)
			return nil
		}
		if ctx.Err() != nil {
			break
		}
	}

	reason := fmt.Sprintf("submission failed: %v", lastErr)
	if err := g.tracker.Reject(order.OrderID, reason); err != nil {
		g.logger.Error("could not reject failed submission", "order_id", order.OrderID, "error", err)
	}
	return fmt.Errorf("submit order %s: %w", order.OrderID, lastErr)
}

// SubmitAndWait submits the order and blocks until the broker
// acknowledges it as SUBMITTED. If the ack does not arrive within
// SubmitTimeout the order is locally rejected with a timeout reason and
// ErrSubmissionTimeout is returned; any later broker ack for it is a
// late event and is ignored by the tracker.
func (g *Gateway) SubmitAndWait(ctx context.Context, order types.ExecutionOrder) error {
	if err := g.Submit(ctx, order); err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, g.cfg.SubmitTimeout)
	defer cancel()

	err := g.tracker.WaitForStatus(waitCtx, order.OrderID, types.OrderStatusSubmitted)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		if rejErr := g.tracker.Reject(order.OrderID, "submission timeout"); rejErr != nil {
			// The ack raced the timeout; the order is live after all.
			if errors.Is(rejErr, types.ErrAlreadyTerminal) || errors.Is(rejErr, types.ErrInvalidTransition) {
				return nil
			}
			return rejErr
		}
		g.logger.Warn("order submission timed out",
			"order_id", order.OrderID,
			"client_order_id", order.ClientOrderID,
			"timeout", g.cfg.SubmitTimeout,
		)
		return fmt.Errorf("order %s: %w", order.OrderID, types.ErrSubmissionTimeout)
	}
	return err
}

// Cancel requests cancellation of an in-flight order. Cancelling an
// order already in a terminal state returns ErrAlreadyTerminal and
// changes nothing; cancellation of a live order is confirmed
// asynchronously by a CANCELLED order event.
func (g *Gateway) Cancel(ctx context.Context, orderID string) error {
	order, ok := g.tracker.Order(orderID)
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrUnknownOrder, orderID)
	}
	if order.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", types.ErrAlreadyTerminal, orderID, order.Status)
	}

	if err := g.session.CancelOrder(ctx, orderID); err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	g.logger.Info("cancel requested", "order_id", orderID, "symbol", order.Symbol)
	return nil
}

// Reconcile diffs local in-flight orders against the broker's open
// orders after a reconnect. Orders the broker still knows are synced
// from its snapshot; orders it no longer knows are locally cancelled.
// Nothing is ever resubmitted: a lost order becomes a visible
// cancellation, not a surprise duplicate.
func (g *Gateway) Reconcile(ctx context.Context) error {
	snapshots, err := g.session.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	known := make(map[string]broker.OrderSnapshot, len(snapshots))
	for _, s := range snapshots {
		if s.OrderID != "" {
			known[s.OrderID] = s
		}
		if s.ClientOrderID != "" {
			known[s.ClientOrderID] = s
		}
	}

	var lost int
	for _, order := range g.tracker.NonTerminalOrders() {
		snap, ok := known[order.OrderID]
		if !ok {
			snap, ok = known[order.ClientOrderID]
		}
		if ok {
			g.syncFromSnapshot(order, snap)
			continue
		}
		if err := g.tracker.MarkCancelled(order.OrderID, "lost on reconnect"); err != nil {
			g.logger.Error("reconcile cancel failed", "order_id", order.OrderID, "error", err)
			continue
		}
		lost++
		g.logger.Warn("order lost on reconnect, locally cancelled",
			"order_id", order.OrderID,
			"client_order_id", order.ClientOrderID,
			"symbol", order.Symbol,
		)
	}

	g.logger.Info("reconciliation complete",
		"broker_open", len(snapshots),
		"lost", lost,
	)
	return nil
}

// syncFromSnapshot folds the broker's post-reconnect view of one order
// into the tracker as a synthetic order event.
func (g *Gateway) syncFromSnapshot(order types.ExecutionOrder, snap broker.OrderSnapshot) {
	ev := broker.OrderEvent{
		OrderID:       order.OrderID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Status:        snap.Status,
		Timestamp:     time.Now(),
	}
	if snap.FilledQuantity > order.FilledQuantity {
		ev.Fill = &types.Fill{
			OrderID:       order.OrderID,
			Symbol:        order.Symbol,
			Side:          order.Side,
			Quantity:      snap.FilledQuantity - order.FilledQuantity,
			Price:         snap.AvgFillPrice,
			CumulativeQty: snap.FilledQuantity,
			Timestamp:     ev.Timestamp,
		}
	}
	if _, err := g.tracker.OnOrderEvent(ev); err != nil {
		g.logger.Error("reconcile sync failed", "order_id", order.OrderID, "error", err)
	}
}
