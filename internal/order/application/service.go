package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/orderflow/order-saga/internal/order/domain"
	"github.com/orderflow/order-saga/pkg/pagination"
)

type Service struct {
	log       *slog.Logger
	repo      OrderRepository
	workflow  OrderWorkflow
	publisher EventPublisher
}

func NewService(log *slog.Logger, repo OrderRepository, workflow OrderWorkflow, publisher EventPublisher) *Service {
	return &Service{log: log, repo: repo, workflow: workflow, publisher: publisher}
}

// CreateOrder mints a new order, stores it, starts its durable workflow
// execution and publishes OrderCreated.
func (s *Service) CreateOrder(ctx context.Context, userID string, products []string, orderType domain.OrderType) (*domain.Order, error) {
	if len(products) == 0 {
		return nil, fmt.Errorf("%w: products must not be empty", domain.ErrInvalidArgument)
	}

	var (
		o   *domain.Order
		err error
	)
	if orderType == domain.TypePriority {
		o, err = domain.NewPriorityOrder(userID, products)
	} else {
		o, err = domain.NewStandardOrder(userID, products)
	}
	if err != nil {
		return nil, err
	}

	if err := s.repo.Store(ctx, o); err != nil {
		return nil, err
	}
	if err := s.workflow.StartWorkflowFor(ctx, o); err != nil {
		return nil, err
	}
	if err := s.publisher.Publish(ctx, domain.EventOrderCreated, domain.NewOrderCreatedV1(o)); err != nil {
		s.log.Warn("order created event not published", "order_id", o.OrderID(), "err", err)
	}
	return o, nil
}

func (s *Service) GetOrder(ctx context.Context, userID, orderID string) (*domain.Order, error) {
	return s.repo.WithOrderId(ctx, userID, orderID)
}

func (s *Service) ListUserOrders(ctx context.Context, userID string, pg pagination.Request) (pagination.PagedResult[*domain.Order], error) {
	return s.repo.ForUser(ctx, userID, pg)
}

func (s *Service) ListConfirmedOrders(ctx context.Context, pg pagination.Request) (pagination.PagedResult[*domain.Order], error) {
	return s.repo.ConfirmedOrders(ctx, pg)
}

// CompleteOrder is the admin action moving a Confirmed order to Completed.
func (s *Service) CompleteOrder(ctx context.Context, userID, orderID string) (*domain.Order, error) {
	o, err := s.repo.WithOrderId(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	if err := o.Complete(); err != nil {
		return nil, err
	}
	if err := s.repo.Store(ctx, o); err != nil {
		return nil, err
	}
	if err := s.publisher.Publish(ctx, domain.EventOrderCompleted, domain.NewOrderCompletedV1(o)); err != nil {
		s.log.Warn("order completed event not published", "order_id", o.OrderID(), "err", err)
	}
	return o, nil
}
