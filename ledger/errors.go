/*
errors.go - Centralized error types for the stock ledger

PURPOSE:
  A closed set of error kinds. Every failure the engines report is one of
  the sentinels below, usually wrapped in a structured type that carries
  the fields a caller needs (product, available, requested...).

ERROR CATEGORIES:
  1. Rejected operations - ErrValidation, ErrInsufficientStock, ErrNotFound
  2. Integrity alerts    - ErrOverRelease, ErrLotUnderflow
  3. Contention          - ErrContention

USAGE:
  var insufficient *ledger.InsufficientStockError
  if errors.As(err, &insufficient) {
      // retry with insufficient.Available, or after restock
  }

SEE ALSO:
  - orders/errors.go: Order state machine errors
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for missing or malformed input. Nothing is recorded.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientStock is returned when available stock is below the requested quantity.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrOverRelease is returned when a release exceeds what is currently reserved.
	ErrOverRelease = errors.New("release exceeds reserved quantity")

	// ErrLotUnderflow is returned when the aggregate check passed but open lots
	// cannot cover the outgoing quantity. The lot and aggregate views have drifted.
	ErrLotUnderflow = errors.New("open lots exhausted")

	// ErrNotFound is returned for unknown products, warehouses or documents.
	ErrNotFound = errors.New("not found")

	// ErrContention is returned when a key lock could not be acquired in time,
	// or when a concurrent writer took a unique value first. Retry.
	ErrContention = errors.New("key contention")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// InsufficientStockError provides details about a stock shortage.
type InsufficientStockError struct {
	ProductID   ProductID
	WarehouseID WarehouseID
	Available   decimal.Decimal
	Requested   decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d in warehouse %d: available %s, requested %s",
		e.ProductID, e.WarehouseID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

type OverReleaseError struct {
	ProductID   ProductID
	WarehouseID WarehouseID
	Reserved    decimal.Decimal
	Requested   decimal.Decimal
}

func (e *OverReleaseError) Error() string {
	return fmt.Sprintf("cannot release %s of product %d in warehouse %d: only %s reserved",
		e.Requested, e.ProductID, e.WarehouseID, e.Reserved)
}

func (e *OverReleaseError) Unwrap() error {
	return ErrOverRelease
}

// LotUnderflowError reports how far lot consumption got before the lots ran out.
type LotUnderflowError struct {
	ProductID   ProductID
	WarehouseID WarehouseID
	Requested   decimal.Decimal
	Covered     decimal.Decimal
}

func (e *LotUnderflowError) Error() string {
	return fmt.Sprintf("open lots for product %d in warehouse %d cover %s of %s",
		e.ProductID, e.WarehouseID, e.Covered, e.Requested)
}

func (e *LotUnderflowError) Unwrap() error {
	return ErrLotUnderflow
}

type NotFoundError struct {
	Resource string
	ID       int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

type ContentionError struct {
	Key Key
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("could not lock %s", e.Key)
}

func (e *ContentionError) Unwrap() error {
	return ErrContention
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the same request might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrContention)
}

// IsClientError returns true for ordinary rejected operations.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrNotFound)
}

// IsIntegrityError returns true for failures that point at a bug or at
// drift between the aggregate and lot views.
func IsIntegrityError(err error) bool {
	return errors.Is(err, ErrOverRelease) || errors.Is(err, ErrLotUnderflow)
}
