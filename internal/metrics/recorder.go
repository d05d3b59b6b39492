package metrics

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ycliu-tw/quantd/internal/broker"
	"github.com/ycliu-tw/quantd/internal/types"
)

// Recorder is the facade the rest of the engine records through, so
// callers never touch prometheus types directly.
type Recorder struct{}

// NewRecorder creates a metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordOrderStatus records an order transition.
func (r *Recorder) RecordOrderStatus(symbol string, side types.Side, status types.OrderStatus) {
	OrdersTotal.WithLabelValues(symbol, side.String(), status.String()).Inc()
}

// RecordFill records one applied fill and its per-share slippage.
func (r *Recorder) RecordFill(fill types.Fill, slippagePerShare decimal.Decimal) {
	FillsTotal.WithLabelValues(fill.Symbol, fill.Side.String()).Inc()
	FilledQuantity.WithLabelValues(fill.Symbol, fill.Side.String()).Add(float64(fill.Quantity))
	SlippagePerShare.WithLabelValues(fill.Symbol).Observe(slippagePerShare.InexactFloat64())
}

// RecordSubmitLatency records creation-to-ack latency.
func (r *Recorder) RecordSubmitLatency(d time.Duration) {
	SubmitLatency.Observe(d.Seconds())
}

// RecordOrphanFill records a broker event with no local order.
func (r *Recorder) RecordOrphanFill() {
	OrphanFillsTotal.Inc()
}

// RecordSignalAccepted records a signal that produced an intent.
func (r *Recorder) RecordSignalAccepted(strategy string) {
	if strategy == "" {
		strategy = "unknown"
	}
	SignalsAccepted.WithLabelValues(strategy).Inc()
}

// RecordSignalDropped records a dropped signal by reason.
func (r *Recorder) RecordSignalDropped(reason string) {
	SignalsDropped.WithLabelValues(reason).Inc()
}

// RecordConnectionState records the broker connection state.
func (r *Recorder) RecordConnectionState(state broker.ConnectionState) {
	ConnectionState.Set(float64(state))
}

// RecordReconnect records a successful reconnect.
func (r *Recorder) RecordReconnect() {
	Reconnects.Inc()
}

// RecordHeartbeatAge records the inbound-traffic silence.
func (r *Recorder) RecordHeartbeatAge(age time.Duration) {
	HeartbeatAge.Set(age.Seconds())
}

// RecordPosition records the signed quantity of one position.
func (r *Recorder) RecordPosition(symbol string, quantity int) {
	PositionQuantity.WithLabelValues(symbol).Set(float64(quantity))
}

// RecordEquity records current equity and realized PnL.
func (r *Recorder) RecordEquity(equity, realizedPnL decimal.Decimal) {
	EquityCurrent.Set(equity.InexactFloat64())
	RealizedPnL.Set(realizedPnL.InexactFloat64())
}

// RecordError records an error by type.
func (r *Recorder) RecordError(errorType string) {
	ErrorsTotal.WithLabelValues(errorType).Inc()
}

// Timer measures one latency observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the elapsed duration.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// ObserveSubmit observes the elapsed time as submit latency.
func (t *Timer) ObserveSubmit() {
	SubmitLatency.Observe(t.Elapsed().Seconds())
}
