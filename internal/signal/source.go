package signal

import (
	"context"

	"github.com/ycliu-tw/quantd/internal/types"
)

// Source delivers trading signals from an upstream strategy. Delivery
// is at-least-once; the processor deduplicates.
type Source interface {
	// Signals returns the channel signals arrive on. Closed when the
	// source stops.
	Signals() <-chan types.TradingSignal
	// Run pumps signals until ctx is cancelled or the source fails.
	Run(ctx context.Context) error
	// Close releases the source's resources.
	Close() error
}

// ChanSource is an in-process source fed directly by a co-located
// strategy. It is the zero-infrastructure path used in tests and
// single-binary deployments.
type ChanSource struct {
	ch chan types.TradingSignal
}

// NewChanSource returns an in-process source with the given buffer.
func NewChanSource(buffer int) *ChanSource {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChanSource{ch: make(chan types.TradingSignal, buffer)}
}

// Publish offers a signal to the source. Returns false if the buffer is
// full; the producer decides whether dropping is acceptable.
func (s *ChanSource) Publish(sig types.TradingSignal) bool {
	select {
	case s.ch <- sig:
		return true
	default:
		return false
	}
}

// Signals returns the delivery channel.
func (s *ChanSource) Signals() <-chan types.TradingSignal {
	return s.ch
}

// Run blocks until ctx is cancelled. The channel is fed synchronously
// by Publish, so there is nothing to pump.
func (s *ChanSource) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// Close closes the delivery channel. Publish must not be called after
// Close.
func (s *ChanSource) Close() error {
	close(s.ch)
	return nil
}
