package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/ycliu-tw/quantd/internal/types"
)

// KafkaConfig configures the signal topic consumer.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	Buffer  int
}

// wireSignal is the JSON shape published by strategy services.
type wireSignal struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Action     string          `json:"action"`
	Confidence decimal.Decimal `json:"confidence"`
	Price      decimal.Decimal `json:"price,omitempty"`
	Quantity   int             `json:"quantity"`
	Strategy   string          `json:"strategy,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// KafkaSource consumes trading signals from a Kafka topic. Malformed
// messages are logged and skipped, never fatal: one bad producer must
// not stall the intake.
type KafkaSource struct {
	reader *kafka.Reader
	out    chan types.TradingSignal
	logger *slog.Logger
}

// NewKafkaSource creates a consumer for the signal topic.
func NewKafkaSource(cfg KafkaConfig, logger *slog.Logger) *KafkaSource {
	if logger == nil {
		logger = slog.Default()
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &KafkaSource{
		reader: reader,
		out:    make(chan types.TradingSignal, buffer),
		logger: logger,
	}
}

// Signals returns the delivery channel. Closed when Run exits.
func (s *KafkaSource) Signals() <-chan types.TradingSignal {
	return s.out
}

// Run consumes the topic until ctx is cancelled. Commit semantics are
// at-least-once (consumer-group auto commit), matching the processor's
// duplicate handling.
func (s *KafkaSource) Run(ctx context.Context) error {
	defer close(s.out)

	for {
		msg, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			return err
		}

		sig, err := decodeSignal(msg.Value, msg.Time)
		if err != nil {
			s.logger.Warn("malformed signal message skipped",
				"topic", msg.Topic,
				"offset", msg.Offset,
				"error", err,
			)
			continue
		}

		select {
		case s.out <- sig:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close closes the underlying Kafka reader.
func (s *KafkaSource) Close() error {
	return s.reader.Close()
}

// decodeSignal parses one wire message. fallback stands in for a
// missing timestamp (the broker's message time).
func decodeSignal(value []byte, fallback time.Time) (types.TradingSignal, error) {
	var wire wireSignal
	if err := json.Unmarshal(value, &wire); err != nil {
		return types.TradingSignal{}, err
	}

	action, ok := types.ParseSignalType(wire.Action)
	if !ok {
		return types.TradingSignal{}, fmt.Errorf("unknown action %q", wire.Action)
	}

	sig := types.TradingSignal{
		ID:                wire.ID,
		Symbol:            wire.Symbol,
		Type:              action,
		Confidence:        wire.Confidence,
		Timestamp:         wire.Timestamp,
		SuggestedPrice:    wire.Price,
		SuggestedQuantity: wire.Quantity,
		StrategyName:      wire.Strategy,
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = fallback
	}
	return sig, nil
}
