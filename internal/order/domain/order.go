package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type OrderStatus string

const (
	StatusCreated   OrderStatus = "Created"
	StatusConfirmed OrderStatus = "Confirmed"
	StatusCompleted OrderStatus = "Completed"
	StatusNoStock   OrderStatus = "NoStock"
)

type OrderType string

const (
	TypeStandard OrderType = "Standard"
	TypePriority OrderType = "Priority"
)

// Order is the aggregate root for the saga. Status is the only mutable field
// and only moves along Created -> Confirmed -> Completed or Created -> NoStock.
type Order struct {
	orderID    string
	userID     string
	products   []string
	orderDate  time.Time
	orderType  OrderType
	status     OrderStatus
	totalPrice float64
}

// NewStandardOrder mints a new standard order in Created status.
func NewStandardOrder(userID string, products []string) (*Order, error) {
	return newOrder(userID, products, TypeStandard)
}

// NewPriorityOrder mints a new priority order in Created status.
func NewPriorityOrder(userID string, products []string) (*Order, error) {
	return newOrder(userID, products, TypePriority)
}

func newOrder(userID string, products []string, orderType OrderType) (*Order, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidArgument
	}
	return &Order{
		orderID:    uuid.NewString(),
		userID:     userID,
		products:   append([]string(nil), products...),
		orderDate:  time.Now().UTC(),
		orderType:  orderType,
		status:     StatusCreated,
		totalPrice: 0,
	}, nil
}

// Reconstitute rebuilds an aggregate from persisted fields. It trusts the
// store and performs no invariant re-derivation; only the repository should
// call it.
func Reconstitute(orderID, userID string, products []string, orderDate time.Time, orderType OrderType, status OrderStatus, totalPrice float64) *Order {
	return &Order{
		orderID:    orderID,
		userID:     userID,
		products:   append([]string(nil), products...),
		orderDate:  orderDate,
		orderType:  orderType,
		status:     status,
		totalPrice: totalPrice,
	}
}

func (o *Order) OrderID() string      { return o.orderID }
func (o *Order) UserID() string       { return o.userID }
func (o *Order) OrderDate() time.Time { return o.orderDate }
func (o *Order) OrderType() OrderType { return o.orderType }
func (o *Order) Status() OrderStatus  { return o.status }
func (o *Order) TotalPrice() float64  { return o.totalPrice }

func (o *Order) Products() []string {
	return append([]string(nil), o.products...)
}

// MarkStockReservationFailed moves the order to NoStock. Unlike Confirm and
// Complete there is no guard on the current status: a failure signal wins
// over whatever state the order is in.
func (o *Order) MarkStockReservationFailed() {
	o.status = StatusNoStock
}

// Confirm moves a Created order to Confirmed.
func (o *Order) Confirm() error {
	if o.status != StatusCreated {
		return ErrInvalidOrderState
	}
	o.status = StatusConfirmed
	return nil
}

// Complete moves a Confirmed order to Completed.
func (o *Order) Complete() error {
	if o.status != StatusConfirmed {
		return ErrOrderNotConfirmed
	}
	o.status = StatusCompleted
	return nil
}

// SetPrice sets the order total. Negative amounts are rejected without
// mutating the current total.
func (o *Order) SetPrice(amount float64) error {
	if amount < 0 {
		return ErrInvalidArgument
	}
	o.totalPrice = amount
	return nil
}
