package orders

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned for a status change the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid order status transition")

	// ErrOrderClosed is returned when editing a completed or cancelled order.
	ErrOrderClosed = errors.New("order is closed")
)

type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot move order from %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}

type OrderClosedError struct {
	ID     OrderID
	Status Status
}

func (e *OrderClosedError) Error() string {
	return fmt.Sprintf("order %d is %s and can no longer be changed", e.ID, e.Status)
}

func (e *OrderClosedError) Unwrap() error {
	return ErrOrderClosed
}
