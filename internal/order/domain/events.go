package domain

import "time"

// Public event type names, versioned the way downstream consumers subscribe
// to them.
const (
	EventOrderCreated   = "orders.orderCreated.v1"
	EventOrderConfirmed = "orders.orderConfirmed.v1"
	EventOrderCompleted = "orders.orderCompleted.v1"
)

type OrderCreatedV1 struct {
	OrderNumber string    `json:"orderNumber"`
	UserID      string    `json:"userId"`
	OrderType   OrderType `json:"orderType"`
	Products    []string  `json:"products"`
	OrderDate   time.Time `json:"orderDate"`
}

type OrderConfirmedV1 struct {
	OrderNumber string   `json:"orderNumber"`
	UserID      string   `json:"userId"`
	Products    []string `json:"products"`
	TotalPrice  float64  `json:"totalPrice"`
}

type OrderCompletedV1 struct {
	OrderNumber string  `json:"orderNumber"`
	UserID      string  `json:"userId"`
	TotalPrice  float64 `json:"totalPrice"`
}

func NewOrderCreatedV1(o *Order) OrderCreatedV1 {
	return OrderCreatedV1{
		OrderNumber: o.OrderID(),
		UserID:      o.UserID(),
		OrderType:   o.OrderType(),
		Products:    o.Products(),
		OrderDate:   o.OrderDate(),
	}
}

func NewOrderConfirmedV1(o *Order) OrderConfirmedV1 {
	return OrderConfirmedV1{
		OrderNumber: o.OrderID(),
		UserID:      o.UserID(),
		Products:    o.Products(),
		TotalPrice:  o.TotalPrice(),
	}
}

func NewOrderCompletedV1(o *Order) OrderCompletedV1 {
	return OrderCompletedV1{
		OrderNumber: o.OrderID(),
		UserID:      o.UserID(),
		TotalPrice:  o.TotalPrice(),
	}
}
