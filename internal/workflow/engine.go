// Package workflow is the durable orchestrator for the order saga. Each
// execution is a persisted pending-correlation record: starting a workflow
// emits a reservation request addressed by a fresh correlation token, and the
// execution stays suspended until a resume call consumes that token. The
// suspension is durable; it survives process restarts because the record,
// not the process, carries the state.
package workflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/orderflow/order-saga/internal/order/domain"
	"github.com/orderflow/order-saga/pkg/metrics"
	"github.com/orderflow/order-saga/pkg/resilience"
	"github.com/orderflow/order-saga/pkg/tracing"
)

// EventReservationRequested is the outbound request the execution emits to
// the fulfillment side, carrying the correlation token as the reply address.
const EventReservationRequested = "orders.reservationRequested.v1"

// ReservationRequestedV1 is the reservation request payload.
type ReservationRequestedV1 struct {
	ConversationID string   `json:"conversationId"`
	OrderNumber    string   `json:"orderNumber"`
	UserID         string   `json:"userId"`
	Products       []string `json:"products"`
}

// Executions is the engine's view of the execution store.
type Executions interface {
	Create(ctx context.Context, ex Execution) error
	Consume(ctx context.Context, token string, outcome ExecutionState) (Execution, bool, error)
	ClaimDue(ctx context.Context, now time.Time, window time.Duration, maxAttempts, limit int) (retry, exhausted []Execution, err error)
}

// Orders is the slice of the order repository the engine calls back into.
type Orders interface {
	WithOrderId(ctx context.Context, userID, orderID string) (*domain.Order, error)
	Store(ctx context.Context, o *domain.Order) error
}

// Publisher hands public events to the bus.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload any) error
}

// RequestWriter emits reservation requests to the transport.
type RequestWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Config struct {
	RequestTopic string
	// WaitWindow bounds how long an execution waits for a resume before the
	// reservation request is re-emitted.
	WaitWindow time.Duration
	// MaxAttempts bounds total reservation requests per execution; once
	// exhausted the execution fails fatally and is surfaced to operators.
	MaxAttempts   int
	SweepInterval time.Duration
	SweepBatch    int
}

func (c Config) withDefaults() Config {
	if c.WaitWindow <= 0 {
		c.WaitWindow = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 100
	}
	return c
}

type Engine struct {
	log       *slog.Logger
	store     Executions
	orders    Orders
	publisher Publisher
	requests  RequestWriter
	pipeline  *resilience.Pipeline
	metrics   *metrics.SagaMetrics
	cfg       Config
}

func NewEngine(log *slog.Logger, store Executions, orders Orders, publisher Publisher, requests RequestWriter, pipeline *resilience.Pipeline, m *metrics.SagaMetrics, cfg Config) *Engine {
	return &Engine{
		log:       log,
		store:     store,
		orders:    orders,
		publisher: publisher,
		requests:  requests,
		pipeline:  pipeline,
		metrics:   m,
		cfg:       cfg.withDefaults(),
	}
}

// StartWorkflowFor begins a durable execution for the order: persist the
// pending record first, then emit the reservation request. If the emit fails
// the sweeper re-issues it once the wait window elapses, so the saga still
// makes progress.
func (e *Engine) StartWorkflowFor(ctx context.Context, o *domain.Order) error {
	ex := Execution{
		Token:         uuid.NewString(),
		UserID:        o.UserID(),
		OrderID:       o.OrderID(),
		State:         StatePending,
		Attempts:      1,
		NextAttemptAt: time.Now().UTC().Add(e.cfg.WaitWindow),
	}
	if err := e.store.Create(ctx, ex); err != nil {
		return err
	}

	if err := e.emitRequest(ctx, ex); err != nil {
		e.log.Warn("reservation request not emitted, sweeper will retry",
			"order_id", ex.OrderID, "err", err)
	}
	if e.metrics != nil {
		e.metrics.WorkflowsStarted.Inc()
	}
	e.log.Info("workflow started", "order_id", ex.OrderID, "user_id", ex.UserID)
	return nil
}

// StockReservationSuccessful resumes the execution on the success branch:
// confirm the order, store it and publish OrderConfirmed. Unknown or
// already-consumed tokens are a no-op.
func (e *Engine) StockReservationSuccessful(ctx context.Context, token string) error {
	ex, ok, err := e.store.Consume(ctx, token, StateSucceeded)
	if err != nil {
		return err
	}
	if !ok {
		e.log.Info("resume ignored, unknown or consumed correlation token")
		return nil
	}

	o, err := e.orders.WithOrderId(ctx, ex.UserID, ex.OrderID)
	if err != nil {
		return err
	}
	if err := o.Confirm(); err != nil {
		// The order moved out of Created behind our back. The store stays
		// the source of truth; the resume is spent either way.
		e.log.Error("cannot confirm order on resume",
			"order_id", ex.OrderID, "status", string(o.Status()), "err", err)
		return nil
	}
	if err := e.orders.Store(ctx, o); err != nil {
		return err
	}

	if err := e.publisher.Publish(ctx, domain.EventOrderConfirmed, domain.NewOrderConfirmedV1(o)); err != nil {
		e.log.Warn("order confirmed event not published", "order_id", ex.OrderID, "err", err)
	}
	if e.metrics != nil {
		e.metrics.WorkflowsResumed.WithLabelValues("success").Inc()
	}
	e.log.Info("order confirmed", "order_id", ex.OrderID)
	return nil
}

// StockReservationFailed resumes the execution on the failure branch: the
// order is marked NoStock and no success event is published.
func (e *Engine) StockReservationFailed(ctx context.Context, token string) error {
	ex, ok, err := e.store.Consume(ctx, token, StateFailed)
	if err != nil {
		return err
	}
	if !ok {
		e.log.Info("resume ignored, unknown or consumed correlation token")
		return nil
	}

	o, err := e.orders.WithOrderId(ctx, ex.UserID, ex.OrderID)
	if err != nil {
		return err
	}
	o.MarkStockReservationFailed()
	if err := e.orders.Store(ctx, o); err != nil {
		return err
	}

	if e.metrics != nil {
		e.metrics.WorkflowsResumed.WithLabelValues("failure").Inc()
	}
	e.log.Info("order marked no stock", "order_id", ex.OrderID)
	return nil
}

// RunRetrySweeper drives suspended executions forward: pending records whose
// wait window elapsed get their reservation request re-emitted, and records
// out of retry budget are failed fatally, surfaced, and their orders settled
// to NoStock. Blocks until ctx is canceled.
func (e *Engine) RunRetrySweeper(ctx context.Context) error {
	t := time.NewTicker(e.cfg.SweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("retry sweeper stopping")
			return nil
		case <-t.C:
			e.sweep(ctx)
		}
	}
}

func (e *Engine) sweep(ctx context.Context) {
	retry, exhausted, err := e.store.ClaimDue(ctx, time.Now().UTC(), e.cfg.WaitWindow, e.cfg.MaxAttempts, e.cfg.SweepBatch)
	if err != nil {
		e.log.Error("sweep failed", "err", err)
		return
	}

	for _, ex := range retry {
		if err := e.emitRequest(ctx, ex); err != nil {
			e.log.Warn("reservation request re-emit failed",
				"order_id", ex.OrderID, "attempt", ex.Attempts, "err", err)
			continue
		}
		if e.metrics != nil {
			e.metrics.WorkflowRetries.Inc()
		}
		e.log.Info("reservation request re-emitted",
			"order_id", ex.OrderID, "attempt", ex.Attempts, "max_attempts", e.cfg.MaxAttempts)
	}

	for _, ex := range exhausted {
		if e.metrics != nil {
			e.metrics.WorkflowsExhausted.Inc()
		}
		e.log.Error("workflow retry budget exhausted, execution failed",
			"order_id", ex.OrderID, "user_id", ex.UserID, "attempts", ex.Attempts)
		if err := e.resolveExhausted(ctx, ex); err != nil {
			e.log.Error("exhausted order not settled to terminal status",
				"order_id", ex.OrderID, "user_id", ex.UserID, "err", err)
		}
	}
}

// resolveExhausted settles an out-of-budget execution's order to its terminal
// status: no reservation ever arrived, so the order ends NoStock just as an
// explicit failure outcome would.
func (e *Engine) resolveExhausted(ctx context.Context, ex Execution) error {
	o, err := e.orders.WithOrderId(ctx, ex.UserID, ex.OrderID)
	if err != nil {
		return err
	}
	o.MarkStockReservationFailed()
	return e.orders.Store(ctx, o)
}

func (e *Engine) emitRequest(ctx context.Context, ex Execution) error {
	o, err := e.orders.WithOrderId(ctx, ex.UserID, ex.OrderID)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(ReservationRequestedV1{
		ConversationID: ex.Token,
		OrderNumber:    ex.OrderID,
		UserID:         ex.UserID,
		Products:       o.Products(),
	})
	if err != nil {
		return err
	}

	headers := []kafka.Header{{Key: "event_type", Value: []byte(EventReservationRequested)}}
	headers = tracing.InjectKafkaHeaders(ctx, headers)

	msg := kafka.Message{
		Topic:   e.cfg.RequestTopic,
		Key:     []byte(ex.OrderID),
		Value:   payload,
		Headers: headers,
	}
	return e.pipeline.Execute(ctx, func(ctx context.Context) error {
		if err := e.requests.WriteMessages(ctx, msg); err != nil {
			return resilience.Retryable(err)
		}
		return nil
	})
}
