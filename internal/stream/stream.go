// Package stream publishes execution lifecycle events to Kafka for
// downstream consumers (analytics, compliance, dashboards). Publishing
// is best-effort: a broken stream never blocks or fails the execution
// path.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ycliu-tw/quantd/internal/broker"
	"github.com/ycliu-tw/quantd/internal/types"
)

// EventType identifies the payload shape of a stream event.
type EventType string

const (
	EventOrderStateChanged      EventType = "order_state_changed"
	EventConnectionStateChanged EventType = "connection_state_changed"
	EventMetricsSnapshot        EventType = "execution_metrics_snapshot"
)

// Event is the envelope written to the topic. Payload is one of the
// event-specific structs below, keyed by Type.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// OrderStateChanged is published on every order transition.
type OrderStateChanged struct {
	OrderID        string `json:"order_id"`
	ClientOrderID  string `json:"client_order_id"`
	IntentID       string `json:"intent_id,omitempty"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Status         string `json:"status"`
	Reason         string `json:"reason,omitempty"`
	FilledQuantity int    `json:"filled_quantity"`
	Quantity       int    `json:"quantity"`
	AvgFillPrice   string `json:"avg_fill_price,omitempty"`
}

// ConnectionStateChanged is published on broker connectivity changes.
type ConnectionStateChanged struct {
	State       string `json:"state"`
	Reconnected bool   `json:"reconnected,omitempty"`
	Fatal       bool   `json:"fatal,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Publisher writes events to a Kafka topic.
type Publisher interface {
	PublishOrderState(ctx context.Context, order types.ExecutionOrder)
	PublishConnState(ctx context.Context, ev broker.ConnEvent)
	PublishMetrics(ctx context.Context, m types.ExecutionMetrics)
	Close() error
}

// Config configures the Kafka event stream.
type Config struct {
	Brokers []string
	Topic   string
}

// KafkaPublisher publishes events to Kafka, keyed by symbol so
// per-symbol consumers see ordered streams.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewKafkaPublisher creates a publisher for the event topic.
func NewKafkaPublisher(cfg Config, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaPublisher{writer: writer, logger: logger}
}

// orderStatePayload maps an order onto the wire payload. The average
// fill price is only meaningful once something filled.
func orderStatePayload(order types.ExecutionOrder) OrderStateChanged {
	payload := OrderStateChanged{
		OrderID:        order.OrderID,
		ClientOrderID:  order.ClientOrderID,
		IntentID:       order.ParentIntentID,
		Symbol:         order.Symbol,
		Side:           order.Side.String(),
		Status:         order.Status.String(),
		Reason:         order.Reason,
		FilledQuantity: order.FilledQuantity,
		Quantity:       order.Quantity,
	}
	if order.FilledQuantity > 0 {
		payload.AvgFillPrice = order.AvgFillPrice.String()
	}
	return payload
}

func connStatePayload(ev broker.ConnEvent) ConnectionStateChanged {
	payload := ConnectionStateChanged{
		State:       ev.State.String(),
		Reconnected: ev.Reconnected,
		Fatal:       ev.Fatal,
	}
	if ev.Err != nil {
		payload.Error = ev.Err.Error()
	}
	return payload
}

// PublishOrderState publishes one order transition.
func (p *KafkaPublisher) PublishOrderState(ctx context.Context, order types.ExecutionOrder) {
	p.publish(ctx, EventOrderStateChanged, order.Symbol, orderStatePayload(order))
}

// PublishConnState publishes one connection transition.
func (p *KafkaPublisher) PublishConnState(ctx context.Context, ev broker.ConnEvent) {
	p.publish(ctx, EventConnectionStateChanged, "", connStatePayload(ev))
}

// PublishMetrics publishes an execution quality snapshot.
func (p *KafkaPublisher) PublishMetrics(ctx context.Context, m types.ExecutionMetrics) {
	p.publish(ctx, EventMetricsSnapshot, "", m)
}

// publish serializes and writes one event. Failures are logged, never
// propagated: the stream is an observer, not a participant.
func (p *KafkaPublisher) publish(ctx context.Context, typ EventType, key string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("event payload marshal failed", "type", string(typ), "error", err)
		return
	}
	value, err := json.Marshal(Event{Type: typ, Timestamp: time.Now(), Payload: raw})
	if err != nil {
		p.logger.Error("event marshal failed", "type", string(typ), "error", err)
		return
	}

	msg := kafka.Message{Value: value}
	if key != "" {
		msg.Key = []byte(key)
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Warn("event publish failed", "type", string(typ), "error", err)
	}
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Noop is the publisher used when no stream is configured.
type Noop struct{}

func (Noop) PublishOrderState(context.Context, types.ExecutionOrder) {}

func (Noop) PublishConnState(context.Context, broker.ConnEvent) {}

func (Noop) PublishMetrics(context.Context, types.ExecutionMetrics) {}

func (Noop) Close() error { return nil }
