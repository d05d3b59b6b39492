// Package feed maintains the latest market view of every subscribed
// contract. Ticks are demultiplexed into per-contract quotes; option
// quotes missing broker-supplied Greeks are enriched with model values.
// No history is retained.
package feed

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ycliu-tw/quantd/internal/broker"
	"github.com/ycliu-tw/quantd/internal/contract"
	"github.com/ycliu-tw/quantd/internal/pricing"
	"github.com/ycliu-tw/quantd/internal/types"
	"github.com/ycliu-tw/quantd/pkg/volcurve"
)

// Config tunes the feed.
type Config struct {
	// SubscriberBuffer is the per-subscriber channel depth. Slow
	// subscribers drop updates rather than stall the tick path.
	SubscriberBuffer int
	// RiskFreeRate is the annualized rate used for model Greeks.
	RiskFreeRate float64
	// VolWindow is the rolling window of the realized-volatility
	// estimator that backs model Greeks when no implied vol is quoted.
	VolWindow int
}

// DefaultConfig returns the default feed settings.
func DefaultConfig() Config {
	return Config{
		SubscriberBuffer: 64,
		RiskFreeRate:     0.05,
		VolWindow:        120,
	}
}

type quoteState struct {
	quote        types.OptionQuote
	contract     contract.Contract
	brokerGreeks bool // broker supplied Greeks; model values never overwrite them
}

// Feed holds the latest quote per contract key and fans updates out to
// subscribers. All methods are safe for concurrent use.
type Feed struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.RWMutex
	quotes     map[string]*quoteState
	underlying map[string]*quoteState          // stock quote by symbol
	vols       map[string]*volcurve.RealizedVol // per underlying symbol
	subs       map[int]chan types.OptionQuote
	nextSub    int

	dropped atomic.Uint64
}

// New creates an empty feed.
func New(cfg Config, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 64
	}
	if cfg.VolWindow <= 0 {
		cfg.VolWindow = 120
	}
	return &Feed{
		cfg:        cfg,
		logger:     logger,
		quotes:     make(map[string]*quoteState),
		underlying: make(map[string]*quoteState),
		vols:       make(map[string]*volcurve.RealizedVol),
		subs:       make(map[int]chan types.OptionQuote),
	}
}

// Track registers a contract so incoming ticks for its key are
// understood. Option Greeks need the contract's strike, expiry and
// right, so tracking must happen before the first tick arrives.
func (f *Feed) Track(c contract.Contract) {
	key := c.Key()
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.quotes[key]; ok {
		return
	}
	st := &quoteState{
		quote:    types.OptionQuote{ContractKey: key},
		contract: c,
	}
	f.quotes[key] = st
	if c.SecurityType == contract.SecurityStock {
		f.underlying[c.Symbol] = st
		if _, ok := f.vols[c.Symbol]; !ok {
			f.vols[c.Symbol] = volcurve.NewRealizedVol(f.cfg.VolWindow, volcurve.PeriodsPerYearMinute)
		}
	}
}

// OnTick folds one market-data update into the contract's quote and
// publishes the updated quote to subscribers. Ticks for untracked
// contracts are dropped with a log line.
func (f *Feed) OnTick(ev broker.TickEvent) {
	f.mu.Lock()
	st, ok := f.quotes[ev.ContractKey]
	if !ok {
		f.mu.Unlock()
		f.logger.Debug("tick for untracked contract dropped", "contract_key", ev.ContractKey)
		return
	}

	q := &st.quote
	switch ev.Kind {
	case broker.TickBid:
		q.Bid = ev.Price
	case broker.TickAsk:
		q.Ask = ev.Price
	case broker.TickLast:
		q.Last = ev.Price
		if st.contract.SecurityType == contract.SecurityStock && ev.Price.IsPositive() {
			if rv, found := f.vols[st.contract.Symbol]; found {
				rv.Observe(ev.Price)
			}
		}
	case broker.TickVolume:
		q.Volume = ev.Size
	case broker.TickOpenInterest:
		q.OpenInterest = ev.Size
	case broker.TickImpliedVol:
		q.ImpliedVol = ev.Value
	case broker.TickGreeks:
		q.Greeks = ev.Greeks
		st.brokerGreeks = true
	}
	q.Timestamp = ev.Timestamp

	if st.contract.IsOption() && !st.brokerGreeks {
		f.enrichGreeksLocked(st)
	}

	quote := *q
	f.mu.Unlock()

	f.publish(quote)
}

// enrichGreeksLocked computes model Greeks for an option quote. The
// implied vol is preferred; the underlying's realized vol is the
// fallback. Missing inputs leave the Greeks untouched.
func (f *Feed) enrichGreeksLocked(st *quoteState) {
	under, ok := f.underlying[st.contract.Symbol]
	if !ok || !under.quote.Last.IsPositive() {
		return
	}

	sigma := st.quote.ImpliedVol
	if sigma <= 0 {
		rv, found := f.vols[st.contract.Symbol]
		if !found || !rv.Ready() {
			return
		}
		sigma = rv.Current()
	}
	if sigma <= 0 {
		return
	}

	expiry, err := time.Parse("20060102", st.contract.Expiry)
	if err != nil {
		return
	}

	res, err := pricing.BlackScholes(pricing.Input{
		Underlying:   under.quote.Last,
		Strike:       st.contract.Strike,
		TimeToExpiry: pricing.YearsUntil(expiry, time.Now()),
		RiskFreeRate: f.cfg.RiskFreeRate,
		Volatility:   sigma,
		Right:        st.contract.Right,
	})
	if err != nil {
		return
	}
	st.quote.Greeks = res.Greeks
}

// publish fans a quote out without blocking the tick path. A full
// subscriber buffer drops the update; the subscriber catches up on the
// next one.
func (f *Feed) publish(quote types.OptionQuote) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for id, ch := range f.subs {
		select {
		case ch <- quote:
		default:
			n := f.dropped.Add(1)
			if n%1000 == 1 {
				f.logger.Warn("slow subscriber dropping quotes", "subscriber", id, "dropped", n)
			}
		}
	}
}

// Subscribe returns a channel of quote updates and a cancel function.
// The channel is closed on cancel.
func (f *Feed) Subscribe() (<-chan types.OptionQuote, func()) {
	f.mu.Lock()
	id := f.nextSub
	f.nextSub++
	ch := make(chan types.OptionQuote, f.cfg.SubscriberBuffer)
	f.subs[id] = ch
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		if _, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(ch)
		}
		f.mu.Unlock()
	}
	return ch, cancel
}

// Latest returns the newest quote for a contract key.
func (f *Feed) Latest(key string) (types.OptionQuote, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	st, ok := f.quotes[key]
	if !ok {
		return types.OptionQuote{}, false
	}
	return st.quote, true
}

// LastPrice returns the latest trade price of a symbol's stock quote.
// It satisfies the signal processor's quote lookup.
func (f *Feed) LastPrice(symbol string) (decimal.Decimal, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	st, found := f.underlying[symbol]
	if !found || !st.quote.Last.IsPositive() {
		return decimal.Zero, false
	}
	return st.quote.Last, true
}

// Snapshot returns a copy of every tracked quote.
func (f *Feed) Snapshot() []types.OptionQuote {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]types.OptionQuote, 0, len(f.quotes))
	for _, st := range f.quotes {
		out = append(out, st.quote)
	}
	return out
}

// Run pumps a session's market-data channel into the feed until ctx is
// cancelled or the channel closes.
func (f *Feed) Run(ctx context.Context, ticks <-chan broker.TickEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ticks:
			if !ok {
				return
			}
			f.OnTick(ev)
		}
	}
}
