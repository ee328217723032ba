package domain

import "errors"

var (
	// ErrInvalidOrderState is returned when an illegal status transition is attempted.
	ErrInvalidOrderState = errors.New("invalid order state for transition")
	// ErrOrderNotConfirmed is returned when completing an order that is not Confirmed.
	ErrOrderNotConfirmed = errors.New("order is not confirmed")
	// ErrInvalidArgument is returned for negative prices and empty identifiers.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrOrderNotFound is returned by lookups when no order exists for the key.
	ErrOrderNotFound = errors.New("order not found")
)
