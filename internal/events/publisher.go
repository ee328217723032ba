// Package events publishes the saga's public events to the bus. Publishing
// is best effort: a payload that cannot be serialized or parsed back is
// abandoned with a warning rather than crashing the caller.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/orderflow/order-saga/pkg/metrics"
	"github.com/orderflow/order-saga/pkg/tracing"
)

// Envelope is the wire shape of a public event: the typed payload re-parsed
// into generic form and enriched with a publish timestamp and event id.
type Envelope struct {
	SpecVersion string         `json:"specversion"`
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Source      string         `json:"source"`
	Time        time.Time      `json:"time"`
	Data        map[string]any `json:"data"`
}

// Writer is the transport seam, satisfied by *kafka.Writer.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Publisher struct {
	log     *slog.Logger
	writer  Writer
	topic   string
	source  string
	metrics *metrics.SagaMetrics
	now     func() time.Time
}

func NewPublisher(log *slog.Logger, writer Writer, topic, source string, m *metrics.SagaMetrics) *Publisher {
	return &Publisher{
		log:     log,
		writer:  writer,
		topic:   topic,
		source:  source,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// NewWriter builds the bus writer the way the rest of the system writes to
// Kafka.
func NewWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
	}
}

// Publish serializes payload, parses it back to generic form, wraps it in an
// enriched envelope and hands it to the transport. Corrupt payloads are
// dropped with a warning; transport errors are returned but callers treat
// the publish as best effort.
func (p *Publisher) Publish(ctx context.Context, eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		p.log.Warn("event payload not serializable, publish abandoned", "type", eventType, "err", err)
		return nil
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		p.log.Warn("event payload did not round-trip, publish abandoned", "type", eventType, "err", err)
		return nil
	}

	envelope := Envelope{
		SpecVersion: "1.0",
		ID:          uuid.NewString(),
		Type:        eventType,
		Source:      p.source,
		Time:        p.now(),
		Data:        data,
	}
	value, err := json.Marshal(envelope)
	if err != nil {
		p.log.Warn("event envelope not serializable, publish abandoned", "type", eventType, "err", err)
		return nil
	}

	headers := []kafka.Header{{Key: "event_type", Value: []byte(eventType)}}
	headers = tracing.InjectKafkaHeaders(ctx, headers)

	msg := kafka.Message{
		Topic:   p.topic,
		Key:     []byte(envelope.ID),
		Value:   value,
		Headers: headers,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Error("event publish failed", "type", eventType, "event_id", envelope.ID, "err", err)
		return err
	}

	if p.metrics != nil {
		p.metrics.EventsPublished.WithLabelValues(eventType).Inc()
	}
	p.log.Info("event published", "type", eventType, "event_id", envelope.ID)
	return nil
}

// PublishEvent is the typed entry point: one generic operation instead of a
// publisher per event shape, with compile-time payload typing at call sites.
func PublishEvent[T any](ctx context.Context, p *Publisher, eventType string, payload T) error {
	return p.Publish(ctx, eventType, payload)
}
