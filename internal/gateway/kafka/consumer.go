// Package kafka is the anti-corruption layer between externally-shaped
// reservation-outcome events and the workflow orchestrator's resume
// operations. Upstream schema changes stop here.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/orderflow/order-saga/pkg/idempotency"
	"github.com/orderflow/order-saga/pkg/tracing"
)

// External outcome event types published by the fulfillment side.
const (
	EventStockReserved          = "inventory.stockReserved.v1"
	EventStockReservationFailed = "inventory.stockReservationFailed.v1"
)

// ErrMalformedEvent marks an inbound event that could not be translated.
var ErrMalformedEvent = errors.New("malformed event")

// Workflow is the orchestrator seam the gateway resumes into.
type Workflow interface {
	StockReservationSuccessful(ctx context.Context, token string) error
	StockReservationFailed(ctx context.Context, token string) error
}

// ResumeCall is the internal translation of one external outcome event.
type ResumeCall struct {
	Token   string
	Success bool
}

// Translate converts an externally-shaped outcome event into a resume call.
// The correlation token travels as data.conversationId inside the envelope.
func Translate(eventType string, value []byte) (ResumeCall, error) {
	var success bool
	switch eventType {
	case EventStockReserved:
		success = true
	case EventStockReservationFailed:
		success = false
	default:
		return ResumeCall{}, ErrMalformedEvent
	}

	var envelope struct {
		Data struct {
			ConversationID string `json:"conversationId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(value, &envelope); err != nil {
		return ResumeCall{}, ErrMalformedEvent
	}
	if envelope.Data.ConversationID == "" {
		return ResumeCall{}, ErrMalformedEvent
	}
	return ResumeCall{Token: envelope.Data.ConversationID, Success: success}, nil
}

type Consumer struct {
	log      *slog.Logger
	reader   *kafka.Reader
	workflow Workflow
	idem     *idempotency.Store
	tracer   trace.Tracer
}

func NewConsumer(log *slog.Logger, brokers []string, topic, group string, workflow Workflow, idem *idempotency.Store) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: group,
	})
	return &Consumer{
		log:      log,
		reader:   r,
		workflow: workflow,
		idem:     idem,
		tracer:   otel.Tracer("reservation-gateway"),
	}
}

// Run consumes outcome events until ctx is canceled. Malformed events are
// logged and discarded so one bad message never blocks the partition;
// transient resume failures are left uncommitted for redelivery.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if c.handle(ctx, msg) {
			_ = c.reader.CommitMessages(ctx, msg)
		}
	}
}

// handle processes one fetched message and reports whether its offset should
// be committed. The idempotency key is marked only after the resume took
// effect; a failed resume leaves the message unmarked and uncommitted so the
// redelivered copy is processed again rather than skipped as a duplicate.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) bool {
	key := c.idem.Key(msg.Topic, msg.Partition, msg.Offset)
	seen, err := c.idem.Seen(ctx, key)
	if err != nil {
		c.log.Error("idempotency check failed", "err", err)
		return false
	}
	if seen {
		c.log.Info("duplicate message skipped", "key", key)
		return true
	}

	msgCtx := tracing.ExtractKafkaHeaders(ctx, msg.Headers)
	eventType := headerValue(msg.Headers, "event_type")
	msgCtx, span := c.tracer.Start(msgCtx, "ConsumeReservationOutcome")
	defer span.End()

	call, err := Translate(eventType, msg.Value)
	if err != nil {
		c.log.Warn("malformed reservation outcome dropped",
			"event_type", eventType, "topic", msg.Topic, "offset", msg.Offset)
		return true
	}

	if call.Success {
		err = c.workflow.StockReservationSuccessful(msgCtx, call.Token)
	} else {
		err = c.workflow.StockReservationFailed(msgCtx, call.Token)
	}
	if err != nil {
		c.log.Error("resume failed, message left for redelivery",
			"event_type", eventType, "offset", msg.Offset, "err", err)
		return false
	}

	if err := c.idem.Mark(ctx, key); err != nil {
		// The consumed correlation token already makes a redelivery harmless.
		c.log.Warn("idempotency mark failed", "key", key, "err", err)
	}
	return true
}

func headerValue(h []kafka.Header, key string) string {
	for _, hh := range h {
		if hh.Key == key {
			return string(hh.Value)
		}
	}
	return ""
}
