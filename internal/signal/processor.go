// Package signal validates incoming trading signals and turns them into
// execution intents. Upstream strategies deliver signals at-least-once;
// the processor is where duplicates and stale deliveries die.
package signal

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ycliu-tw/quantd/internal/contract"
	"github.com/ycliu-tw/quantd/internal/position"
	"github.com/ycliu-tw/quantd/internal/types"
)

// Config holds signal acceptance thresholds.
type Config struct {
	// ConfidenceFloor drops signals below this confidence. Dropped, not
	// errored: low conviction is a normal strategy output.
	ConfidenceFloor decimal.Decimal
	// FreshnessWindow bounds signal age; older signals are stale.
	FreshnessWindow time.Duration
	// SecurityType the processor resolves symbols as. Defaults to stock.
	SecurityType contract.SecurityType
	// Limits clamp the compiled intents.
	Limits position.RiskLimits
}

// DefaultConfig returns the default acceptance thresholds.
func DefaultConfig() Config {
	return Config{
		ConfidenceFloor: decimal.RequireFromString("0.55"),
		FreshnessWindow: 30 * time.Second,
		SecurityType:    contract.SecurityStock,
		Limits:          position.DefaultRiskLimits(),
	}
}

// QuoteFunc supplies an arrival price for a symbol when the signal
// itself carries none. ok=false means no market data is available.
type QuoteFunc func(symbol string) (decimal.Decimal, bool)

// Processor validates signals and compiles them into risk-clamped
// execution intents via the position manager. Exactly one intent per
// accepted signal; HOLD, sub-floor and duplicate signals yield none.
type Processor struct {
	cfg       Config
	resolver  *contract.Resolver
	positions *position.Manager
	quote     QuoteFunc
	logger    *slog.Logger

	// Seen signal IDs, for at-least-once delivery. Pruned by age so the
	// map cannot grow without bound.
	mu       sync.Mutex
	seen     map[string]time.Time
	lastScan time.Time
}

// NewProcessor creates a signal processor. quote may be nil when every
// upstream signal carries a suggested price.
func NewProcessor(cfg Config, resolver *contract.Resolver, positions *position.Manager, quote QuoteFunc, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SecurityType == "" {
		cfg.SecurityType = contract.SecurityStock
	}
	return &Processor{
		cfg:       cfg,
		resolver:  resolver,
		positions: positions,
		quote:     quote,
		logger:    logger,
		seen:      make(map[string]time.Time),
	}
}

// Process validates one signal and returns the intents to execute.
// An empty slice with a nil error means the signal was dropped for a
// non-error reason (HOLD, low confidence, duplicate delivery). Stale
// and malformed signals, and clamps to zero, return an error.
func (p *Processor) Process(sig types.TradingSignal) ([]types.ExecutionIntent, error) {
	if sig.Symbol == "" {
		return nil, fmt.Errorf("%w: empty symbol", types.ErrInvalidSignal)
	}
	if sig.Confidence.GreaterThan(decimal.NewFromInt(1)) || sig.Confidence.IsNegative() {
		return nil, fmt.Errorf("%w: confidence %s outside [0,1]", types.ErrInvalidSignal, sig.Confidence)
	}

	if sig.Type == types.SignalHold {
		p.logger.Debug("hold signal, nothing to do", "signal_id", sig.ID, "symbol", sig.Symbol)
		return nil, nil
	}

	if p.cfg.FreshnessWindow > 0 && time.Since(sig.Timestamp) > p.cfg.FreshnessWindow {
		return nil, fmt.Errorf("%w: signal %s is %s old", types.ErrStaleSignal, sig.ID, time.Since(sig.Timestamp).Truncate(time.Millisecond))
	}

	if sig.Confidence.LessThan(p.cfg.ConfidenceFloor) {
		p.logger.Info("signal dropped: confidence below floor",
			"signal_id", sig.ID,
			"symbol", sig.Symbol,
			"confidence", sig.Confidence,
			"floor", p.cfg.ConfidenceFloor,
		)
		return nil, nil
	}

	// Resolvability check: a signal for a symbol the resolver rejects
	// can never become an order.
	if _, err := p.resolver.Resolve(sig.Symbol, p.cfg.SecurityType, contract.Params{}); err != nil {
		return nil, fmt.Errorf("signal %s: %w", sig.ID, err)
	}

	if sig.ID != "" && p.isDuplicate(sig.ID) {
		p.logger.Debug("duplicate signal dropped", "signal_id", sig.ID, "symbol", sig.Symbol)
		return nil, nil
	}

	refPrice := sig.SuggestedPrice
	if !refPrice.IsPositive() && p.quote != nil {
		if px, ok := p.quote(sig.Symbol); ok {
			refPrice = px
		}
	}
	if !refPrice.IsPositive() {
		return nil, fmt.Errorf("%w: signal %s has no price and no quote for %s", types.ErrInvalidSignal, sig.ID, sig.Symbol)
	}

	intent, err := p.positions.ComputeTargetDelta(sig, p.cfg.Limits, refPrice)
	if err != nil {
		return nil, err
	}
	if intent == nil {
		return nil, nil
	}

	p.logger.Info("signal accepted",
		"signal_id", sig.ID,
		"intent_id", intent.ID,
		"symbol", intent.Symbol,
		"side", intent.Side.String(),
		"quantity", intent.TargetQuantity,
		"urgency", intent.Urgency.String(),
	)
	return []types.ExecutionIntent{*intent}, nil
}

// isDuplicate records the signal ID and reports whether it was already
// seen inside two freshness windows.
func (p *Processor) isDuplicate(id string) bool {
	now := time.Now()
	retention := 2 * p.cfg.FreshnessWindow
	if retention <= 0 {
		retention = time.Minute
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if now.Sub(p.lastScan) > retention {
		for k, at := range p.seen {
			if now.Sub(at) > retention {
				delete(p.seen, k)
			}
		}
		p.lastScan = now
	}

	if _, ok := p.seen[id]; ok {
		return true
	}
	p.seen[id] = now
	return false
}
