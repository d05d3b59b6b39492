package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ycliu-tw/quantd/internal/types"
	"github.com/ycliu-tw/quantd/pkg/volcurve"
)

// UnfilledPolicy decides what happens to quantity left over after a
// sliced plan runs out of slices.
type UnfilledPolicy int

const (
	// PolicyReslice replans the remainder once, then escalates.
	PolicyReslice UnfilledPolicy = iota
	// PolicyEscalate sends the remainder as a single market order.
	PolicyEscalate
)

func (p UnfilledPolicy) String() string {
	if p == PolicyEscalate {
		return "escalate"
	}
	return "reslice"
}

// ParseUnfilledPolicy maps the config spelling of a policy.
func ParseUnfilledPolicy(s string) (UnfilledPolicy, bool) {
	switch s {
	case "reslice":
		return PolicyReslice, true
	case "escalate":
		return PolicyEscalate, true
	default:
		return PolicyReslice, false
	}
}

// Algo names the slicing algorithm a plan uses.
type Algo string

const (
	AlgoImmediate Algo = "IMMEDIATE"
	AlgoTWAP      Algo = "TWAP"
	AlgoVWAP      Algo = "VWAP"
)

// Slice is one scheduled child order of a plan.
type Slice struct {
	Quantity   int
	Offset     time.Duration // from plan start
	OrderType  types.OrderType
	LimitPrice decimal.Decimal
}

// Plan is a deterministic slicing of one intent. Slice quantities
// always sum exactly to the intent's target quantity.
type Plan struct {
	IntentID string
	Algo     Algo
	Slices   []Slice
}

// Quantity returns the total planned quantity.
func (p Plan) Quantity() int {
	total := 0
	for _, s := range p.Slices {
		total += s.Quantity
	}
	return total
}

// QuoteFunc supplies the latest trade price for a symbol. The market
// data feed's LastPrice satisfies it.
type QuoteFunc func(symbol string) (decimal.Decimal, bool)

// OptimizerConfig tunes slicing.
type OptimizerConfig struct {
	// MinSliceQty is the smallest quantity worth slicing. Intents below
	// it go out as a single order.
	MinSliceQty int
	// Slices is the TWAP slice count.
	Slices int
	// Interval separates consecutive slices.
	Interval time.Duration
	// DrainTimeout bounds the wait for in-flight slices to settle after
	// the last slice is sent.
	DrainTimeout time.Duration
	// UnfilledPolicy handles quantity left after the plan completes.
	UnfilledPolicy UnfilledPolicy
	// Curve enables VWAP for low-urgency intents when set.
	Curve *volcurve.Curve
	// Quote prices passive slices against the current market. Without a
	// quote source, slices with no intent price cap go out as market
	// orders.
	Quote QuoteFunc
	// SlippageTolerance is the fraction of the quote a slice's limit
	// price may cross the market by (0.001 = 10 bps). Buys peg at quote
	// plus the tolerance, sells at quote minus it.
	SlippageTolerance decimal.Decimal
}

// DefaultOptimizerConfig returns a 4-slice TWAP over one minute with a
// 10 bps limit tolerance.
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		MinSliceQty:       4,
		Slices:            4,
		Interval:          15 * time.Second,
		DrainTimeout:      30 * time.Second,
		UnfilledPolicy:    PolicyReslice,
		SlippageTolerance: decimal.NewFromFloat(0.001),
	}
}

// Optimizer schedules and works intents. Schedule is pure; Execute
// drives the plan against the gateway with cancellable timers.
type Optimizer struct {
	cfg     OptimizerConfig
	gateway *Gateway
	tracker *Tracker
	logger  *slog.Logger
}

// NewOptimizer creates an optimizer over gateway and tracker.
func NewOptimizer(cfg OptimizerConfig, gateway *Gateway, tracker *Tracker, logger *slog.Logger) *Optimizer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Slices <= 0 {
		cfg.Slices = 4
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 2 * cfg.Interval
	}
	if cfg.SlippageTolerance.IsNegative() {
		cfg.SlippageTolerance = decimal.Zero
	}
	return &Optimizer{
		cfg:     cfg,
		gateway: gateway,
		tracker: tracker,
		logger:  logger,
	}
}

// Schedule computes the slicing plan for an intent. High urgency and
// small quantities go out immediately as one market order; low urgency
// uses the volume curve when one is configured; everything else is
// equal-slice TWAP. The plan conserves quantity exactly.
func (o *Optimizer) Schedule(intent types.ExecutionIntent) (Plan, error) {
	qty := intent.TargetQuantity
	if qty <= 0 {
		return Plan{}, fmt.Errorf("%w: intent %s quantity %d", types.ErrInvalidOrderSize, intent.ID, qty)
	}

	if intent.Urgency == types.UrgencyHigh || qty < o.cfg.MinSliceQty {
		return Plan{
			IntentID: intent.ID,
			Algo:     AlgoImmediate,
			Slices:   []Slice{{Quantity: qty, OrderType: types.OrderTypeMarket}},
		}, nil
	}

	// Passive slices default to LIMIT. With a quote source the price is
	// resolved per slice at send time; otherwise the intent's price cap
	// is the standing limit, and with neither the slice crosses the
	// spread as a market order.
	ordType := types.OrderTypeMarket
	limit := decimal.Zero
	switch {
	case intent.PriceLimit.IsPositive():
		ordType = types.OrderTypeLimit
		limit = intent.PriceLimit
	case o.cfg.Quote != nil:
		ordType = types.OrderTypeLimit
	}

	if o.cfg.Curve != nil && intent.Urgency == types.UrgencyLow {
		return o.vwapPlan(intent, qty, ordType, limit), nil
	}
	return o.twapPlan(intent, qty, ordType, limit), nil
}

// twapPlan spreads qty over equal slices differing by at most one.
func (o *Optimizer) twapPlan(intent types.ExecutionIntent, qty int, ordType types.OrderType, limit decimal.Decimal) Plan {
	n := o.cfg.Slices
	if o.cfg.MinSliceQty > 0 && qty/n < o.cfg.MinSliceQty {
		n = qty / o.cfg.MinSliceQty
	}
	if n < 1 {
		n = 1
	}
	if n > qty {
		n = qty
	}

	base := qty / n
	rem := qty % n
	slices := make([]Slice, 0, n)
	for i := 0; i < n; i++ {
		q := base
		if i < rem {
			q++
		}
		slices = append(slices, Slice{
			Quantity:   q,
			Offset:     time.Duration(i) * o.cfg.Interval,
			OrderType:  ordType,
			LimitPrice: limit,
		})
	}
	return Plan{IntentID: intent.ID, Algo: AlgoTWAP, Slices: slices}
}

// vwapPlan weights slices by the configured volume curve. Buckets the
// curve rounds to zero are skipped; apportionment conserves quantity.
func (o *Optimizer) vwapPlan(intent types.ExecutionIntent, qty int, ordType types.OrderType, limit decimal.Decimal) Plan {
	shares := o.cfg.Curve.Apportion(qty)
	slices := make([]Slice, 0, len(shares))
	for i, q := range shares {
		if q == 0 {
			continue
		}
		slices = append(slices, Slice{
			Quantity:   q,
			Offset:     time.Duration(i) * o.cfg.Interval,
			OrderType:  ordType,
			LimitPrice: limit,
		})
	}
	return Plan{IntentID: intent.ID, Algo: AlgoVWAP, Slices: slices}
}

// Execute schedules the intent and works the plan to completion.
func (o *Optimizer) Execute(ctx context.Context, intent types.ExecutionIntent) error {
	plan, err := o.Schedule(intent)
	if err != nil {
		return err
	}
	o.logger.Info("execution plan",
		"intent_id", intent.ID,
		"symbol", intent.Symbol,
		"algo", string(plan.Algo),
		"slices", len(plan.Slices),
		"quantity", plan.Quantity(),
	)
	return o.run(ctx, intent, plan, 0)
}

// run sends the plan's slices on schedule, drains, and hands leftover
// quantity to the unfilled policy. round 0 is the original plan; a
// reslice runs at round 1 and anything still unfilled after that
// escalates.
func (o *Optimizer) run(ctx context.Context, intent types.ExecutionIntent, plan Plan, round int) error {
	start := time.Now()
	for _, s := range plan.Slices {
		if err := sleepUntil(ctx, start.Add(s.Offset)); err != nil {
			return err
		}
		ordType, limit := o.priceSlice(intent, s)
		order := NewOrder(intent, s.Quantity, ordType, limit)
		if err := o.gateway.SubmitAndWait(ctx, order); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// The slice is locally rejected; its quantity is picked up
			// by the unfilled policy below.
			o.logger.Warn("slice submission failed",
				"intent_id", intent.ID,
				"order_id", order.OrderID,
				"quantity", s.Quantity,
				"error", err,
			)
		}
	}

	drainCtx, cancel := context.WithTimeout(ctx, o.cfg.DrainTimeout)
	err := o.tracker.WaitQuiescent(drainCtx, intent.ID)
	cancel()
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	o.cancelStragglers(ctx, intent.ID)

	drainCtx, cancel = context.WithTimeout(ctx, o.cfg.DrainTimeout)
	_ = o.tracker.WaitQuiescent(drainCtx, intent.ID)
	cancel()

	filled, target, ok := o.tracker.IntentProgress(intent.ID)
	if !ok {
		return fmt.Errorf("%w: intent %s", types.ErrUnknownOrder, intent.ID)
	}
	remaining := target - filled
	if remaining <= 0 {
		o.logger.Info("intent filled", "intent_id", intent.ID, "quantity", filled)
		return nil
	}

	// Replacement quantity only goes out once every slice is confirmed
	// terminal. A cancel we requested but the broker never confirmed can
	// still fill; stacking the remainder on top of it would let the
	// intent over-fill.
	if live := o.tracker.LiveOrders(intent.ID); len(live) > 0 {
		o.logger.Error("slices unconfirmed after cancel, refusing replacement quantity",
			"intent_id", intent.ID,
			"unconfirmed", len(live),
			"remaining", remaining,
		)
		return fmt.Errorf("%w: intent %s has %d unconfirmed orders",
			types.ErrExceedsTarget, intent.ID, len(live))
	}

	if o.cfg.UnfilledPolicy == PolicyReslice && round == 0 {
		o.logger.Info("reslicing unfilled remainder",
			"intent_id", intent.ID,
			"remaining", remaining,
		)
		rest := intent
		rest.TargetQuantity = remaining
		// Repriced per slice at send time; without a quote source or a
		// price cap, priceSlice downgrades the slice to a market order.
		replan := o.twapPlan(rest, remaining, types.OrderTypeLimit, decimal.Zero)
		replan.IntentID = intent.ID
		return o.run(ctx, intent, replan, round+1)
	}

	o.logger.Warn("escalating unfilled remainder to market",
		"intent_id", intent.ID,
		"remaining", remaining,
	)
	order := NewOrder(intent, remaining, types.OrderTypeMarket, decimal.Zero)
	if err := o.gateway.SubmitAndWait(ctx, order); err != nil {
		return fmt.Errorf("escalate intent %s: %w", intent.ID, err)
	}
	drainCtx, cancel = context.WithTimeout(ctx, o.cfg.DrainTimeout)
	defer cancel()
	return o.tracker.WaitQuiescent(drainCtx, intent.ID)
}

// cancelStragglers cancels any slice still open after the drain window.
func (o *Optimizer) cancelStragglers(ctx context.Context, intentID string) {
	for _, order := range o.tracker.LiveOrders(intentID) {
		if err := o.gateway.Cancel(ctx, order.OrderID); err != nil {
			o.logger.Warn("straggler cancel failed",
				"intent_id", intentID,
				"order_id", order.OrderID,
				"error", err,
			)
		}
	}
}

// priceSlice resolves a LIMIT slice's price at send time: the current
// quote shifted by the slippage tolerance toward the far side, never
// crossing the intent's price cap. Without a usable quote it falls back
// to the slice's standing limit, then the intent cap, and finally
// downgrades to a market order.
func (o *Optimizer) priceSlice(intent types.ExecutionIntent, s Slice) (types.OrderType, decimal.Decimal) {
	if s.OrderType != types.OrderTypeLimit {
		return s.OrderType, decimal.Zero
	}

	if o.cfg.Quote != nil {
		if quote, ok := o.cfg.Quote(intent.Symbol); ok && quote.IsPositive() {
			tol := quote.Mul(o.cfg.SlippageTolerance)
			if intent.Side == types.SideBuy {
				limit := quote.Add(tol)
				if intent.PriceLimit.IsPositive() && limit.GreaterThan(intent.PriceLimit) {
					limit = intent.PriceLimit
				}
				return types.OrderTypeLimit, limit
			}
			limit := quote.Sub(tol)
			if intent.PriceLimit.IsPositive() && limit.LessThan(intent.PriceLimit) {
				limit = intent.PriceLimit
			}
			return types.OrderTypeLimit, limit
		}
	}

	if s.LimitPrice.IsPositive() {
		return types.OrderTypeLimit, s.LimitPrice
	}
	if intent.PriceLimit.IsPositive() {
		return types.OrderTypeLimit, intent.PriceLimit
	}
	return types.OrderTypeMarket, decimal.Zero
}

// sleepUntil blocks until at or ctx cancellation.
func sleepUntil(ctx context.Context, at time.Time) error {
	d := time.Until(at)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
