package application

import (
	"context"

	"github.com/orderflow/order-saga/internal/order/domain"
	"github.com/orderflow/order-saga/pkg/pagination"
)

type OrderRepository interface {
	Store(ctx context.Context, o *domain.Order) error
	StoreBatch(ctx context.Context, orders []*domain.Order) error
	ForUser(ctx context.Context, userID string, pg pagination.Request) (pagination.PagedResult[*domain.Order], error)
	ConfirmedOrders(ctx context.Context, pg pagination.Request) (pagination.PagedResult[*domain.Order], error)
	WithOrderId(ctx context.Context, userID, orderID string) (*domain.Order, error)
}

// OrderWorkflow is the saga core's only seam to the durable-execution
// engine; any engine satisfying it is interchangeable.
type OrderWorkflow interface {
	StartWorkflowFor(ctx context.Context, o *domain.Order) error
	StockReservationSuccessful(ctx context.Context, token string) error
	StockReservationFailed(ctx context.Context, token string) error
}

type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload any) error
}
