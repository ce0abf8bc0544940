/*
Package orders drives customer orders through reservation and fulfillment.

PURPOSE:
  An order holds stock for its lines while it is open. Creating it reserves
  every line atomically; completing it turns the reservation into an issue
  with lot costing; cancelling it gives the stock back. Every status change
  is recorded in the order's history.

STATE MACHINE:
  create   -> pending -> reserved        (one transaction, history pending->reserved)
  reserved -> cancelled                  (release all lines)
  reserved -> completed                  (release, then write off the same quantities)
  X        -> X                          (no-op, no history)
  anything else                          InvalidTransitionError

  completed and cancelled are terminal. draft exists as a state but nothing
  in this package produces it.

SEE ALSO:
  - service.go: The transitions
  - repository.go: Persistence contract
  - inventory/service.go: The reserve/release/write-off engines used here
*/
package orders

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/stock-engine/ledger"
)

type OrderID int64

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusDraft     Status = "draft"
	StatusPending   Status = "pending"
	StatusReserved  Status = "reserved"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPending, StatusReserved, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the order can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// ParseStatus returns a validation error for unknown statuses.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", &ledger.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown order status %q", s)}
	}
	return st, nil
}

// =============================================================================
// ORDER
// =============================================================================

type Order struct {
	ID            OrderID
	Number        string
	Status        Status
	WarehouseID   ledger.WarehouseID
	CustomerLabel string
	CreatedBy     ledger.ActorID
	CreatedAt     time.Time
	UpdatedAt     time.Time

	Lines   []Line
	History []HistoryEntry
}

// Document is the reference carried by every movement the order causes.
func (o *Order) Document() ledger.DocumentRef {
	return ledger.DocumentRef{Kind: ledger.DocumentOrder, ID: int64(o.ID)}
}

// Keys returns the ledger keys touched by the order's lines.
func (o *Order) Keys() []ledger.Key {
	keys := make([]ledger.Key, 0, len(o.Lines))
	for _, l := range o.Lines {
		keys = append(keys, ledger.Key{ProductID: l.ProductID, WarehouseID: o.WarehouseID})
	}
	return keys
}

type Line struct {
	ID               int64
	OrderID          OrderID
	ProductID        ledger.ProductID
	Quantity         decimal.Decimal
	ReservedQuantity decimal.Decimal
	UnitPrice        *decimal.Decimal
}

type HistoryEntry struct {
	ID        int64
	OrderID   OrderID
	OldStatus Status
	NewStatus Status
	ChangedBy ledger.ActorID
	ChangedAt time.Time
}

// FormatNumber renders an order number as ORD-<year>-<6-digit sequence>.
func FormatNumber(year int, seq int) string {
	return fmt.Sprintf("ORD-%d-%06d", year, seq)
}
