// The fulfillment simulator is a development stand-in for a real inventory
// service. It consumes reservation requests and answers each one with a
// reserved or failed outcome, echoing the conversation token back so the
// suspended workflow can resume. Products prefixed "oos-" are treated as out
// of stock.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"

	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/orderflow/order-saga/internal/events"
	gatewaykafka "github.com/orderflow/order-saga/internal/gateway/kafka"
	"github.com/orderflow/order-saga/internal/workflow"
	"github.com/orderflow/order-saga/pkg/logging"
	"github.com/orderflow/order-saga/pkg/shutdown"
)

type reservationOutcome struct {
	ConversationID string `json:"conversationId"`
	OrderNumber    string `json:"orderNumber"`
	Reason         string `json:"reason,omitempty"`
}

func main() {
	log := logging.New("fulfillment-simulator")

	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	kafkaBrokers := []string{env("KAFKA_ADDR", "localhost:9092")}
	requestTopic := env("RESERVATION_REQUEST_TOPIC", "fulfillment.reservation-requests")
	outcomeTopic := env("RESERVATION_OUTCOME_TOPIC", "fulfillment.reservation-outcomes")

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: kafkaBrokers,
		Topic:   requestTopic,
		GroupID: "fulfillment-simulator",
	})
	defer reader.Close()

	writer := events.NewWriter(kafkaBrokers)
	defer writer.Close()

	publisher := events.NewPublisher(log, writer, outcomeTopic, "fulfillment-simulator", nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return run(gctx, log, reader, publisher)
	})

	if err := g.Wait(); err != nil {
		log.Error("fulfillment-simulator stopped with error", "err", err)
		os.Exit(1)
	}
	log.Info("fulfillment-simulator shutdown complete")
}

func run(ctx context.Context, log *slog.Logger, reader *kafka.Reader, publisher *events.Publisher) error {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		var req workflow.ReservationRequestedV1
		if err := json.Unmarshal(msg.Value, &req); err != nil || req.ConversationID == "" {
			log.Warn("unreadable reservation request dropped", "offset", msg.Offset)
			_ = reader.CommitMessages(ctx, msg)
			continue
		}

		outcome := reservationOutcome{
			ConversationID: req.ConversationID,
			OrderNumber:    req.OrderNumber,
		}
		eventType := gatewaykafka.EventStockReserved
		if oos := outOfStock(req.Products); oos != "" {
			eventType = gatewaykafka.EventStockReservationFailed
			outcome.Reason = "out of stock: " + oos
		}

		if err := publisher.Publish(ctx, eventType, outcome); err != nil {
			log.Warn("outcome publish failed, request left for redelivery",
				"order_number", req.OrderNumber, "err", err)
			continue
		}
		log.Info("reservation answered",
			"order_number", req.OrderNumber, "outcome", eventType)
		_ = reader.CommitMessages(ctx, msg)
	}
}

func outOfStock(products []string) string {
	for _, p := range products {
		if strings.HasPrefix(p, "oos-") {
			return p
		}
	}
	return ""
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
