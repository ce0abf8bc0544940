/*
Package ledger provides the stock ledger: movements, balances and lots.

PURPOSE:
  The ledger is the single source of truth for stock. Every receipt, issue,
  reservation, release and count correction is an immutable Movement.
  Physical, reserved and available quantities, as well as the open receipt
  lots used for FIFO/LIFO costing, are always derived by folding movements.
  There is no stored counter that can drift from the history.

KEY CONCEPTS IN THIS FILE (types.go):
  - Movement: An immutable ledger entry for one (product, warehouse) pair
  - Kind: RECEIPT, ISSUE, RESERVE, RELEASE, ADJUST
  - Key: The (product, warehouse) pair all invariants are scoped to
  - DocumentRef: Polymorphic link to the document behind a movement
  - LotConsumption: How much of which receipt lot an outgoing movement drew

DESIGN PRINCIPLES:
  1. Immutability: Movements are never updated or deleted, corrections are new ADJUST movements
  2. Precision: Quantities and costs are decimal.Decimal, never float64
  3. Type Safety: Distinct ID types for products, warehouses, actors and movements

USAGE:
  m := ledger.Movement{
      ProductID:   1,
      WarehouseID: 7,
      Kind:        ledger.KindReceipt,
      Quantity:    decimal.NewFromInt(100),
      UnitCost:    ledger.DecimalPtr(decimal.RequireFromString("2.00")),
  }

SEE ALSO:
  - store.go: Append-only persistence contract
  - balance.go: Physical/reserved/available fold
  - lots.go: Lot derivation and FIFO/LIFO consumption
  - locker.go: Per-key serialization of check-and-append sequences
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ProductID int64
type WarehouseID int64
type SupplierID int64
type ActorID int64
type MovementID int64

// Key identifies the (product, warehouse) pair that balances, lots and
// locks are scoped to.
type Key struct {
	ProductID   ProductID
	WarehouseID WarehouseID
}

func (k Key) String() string {
	return fmt.Sprintf("product=%d/warehouse=%d", k.ProductID, k.WarehouseID)
}

// Less orders keys by warehouse, then product. Lock acquisition relies on it.
func (k Key) Less(o Key) bool {
	if k.WarehouseID != o.WarehouseID {
		return k.WarehouseID < o.WarehouseID
	}
	return k.ProductID < o.ProductID
}

// =============================================================================
// MOVEMENT - Immutable change to physical or reserved stock
// =============================================================================

type Kind string

const (
	KindReceipt Kind = "RECEIPT" // Goods received, opens a lot
	KindIssue   Kind = "ISSUE"   // Goods leave the warehouse, consumes lots
	KindReserve Kind = "RESERVE" // Quantity held against an order
	KindRelease Kind = "RELEASE" // Hold removed
	KindAdjust  Kind = "ADJUST"  // Signed count correction
)

func (k Kind) Valid() bool {
	switch k {
	case KindReceipt, KindIssue, KindReserve, KindRelease, KindAdjust:
		return true
	}
	return false
}

// Document kinds used by the engines.
const (
	DocumentReceipt   = "RECEIPT"
	DocumentOrder     = "ORDER"
	DocumentWriteOff  = "WRITE_OFF"
	DocumentInventory = "INVENTORY"
)

// DocumentRef points at the business document that caused a movement,
// e.g. ORDER/42. ID is zero when the document has no identity of its own.
type DocumentRef struct {
	Kind string
	ID   int64
}

func (d DocumentRef) String() string {
	if d.ID == 0 {
		return d.Kind
	}
	return fmt.Sprintf("%s/%d", d.Kind, d.ID)
}

// LotConsumption records that an outgoing movement drew Quantity from the
// lot opened by movement LotID, valued at the lot's unit cost.
type LotConsumption struct {
	LotID    MovementID
	Quantity decimal.Decimal
	UnitCost decimal.Decimal
}

func (c LotConsumption) Cost() decimal.Decimal {
	return c.Quantity.Mul(c.UnitCost)
}

type Movement struct {
	ID          MovementID
	ProductID   ProductID
	WarehouseID WarehouseID
	Kind        Kind

	// Magnitude for every kind except ADJUST, which is signed.
	Quantity decimal.Decimal

	UnitCost   *decimal.Decimal
	ExpiresAt  *time.Time
	SupplierID *SupplierID
	Document   DocumentRef
	Reason     string
	OccurredAt time.Time
	ActorID    ActorID

	// Lots drawn by an ISSUE or a negative ADJUST.
	Consumptions []LotConsumption

	CreatedAt time.Time
}

func (m Movement) Key() Key {
	return Key{ProductID: m.ProductID, WarehouseID: m.WarehouseID}
}

// OpensLot reports whether the movement creates a receipt lot.
func (m Movement) OpensLot() bool {
	return m.Kind == KindReceipt || (m.Kind == KindAdjust && m.Quantity.IsPositive())
}

// TotalCost is the cost allocated to an outgoing movement by its lot
// consumptions. It is zero for movements that consumed nothing.
func (m Movement) TotalCost() decimal.Decimal {
	total := decimal.Zero
	for _, c := range m.Consumptions {
		total = total.Add(c.Cost())
	}
	return total
}

// Validate checks the structural rules every store enforces before an append.
func (m Movement) Validate() error {
	switch {
	case m.ProductID <= 0:
		return &ValidationError{Field: "product_id", Reason: "is required"}
	case m.WarehouseID <= 0:
		return &ValidationError{Field: "warehouse_id", Reason: "is required"}
	case !m.Kind.Valid():
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown movement kind %q", m.Kind)}
	}
	if m.Kind == KindAdjust {
		if m.Quantity.IsZero() {
			return &ValidationError{Field: "quantity", Reason: "adjustment must be non-zero"}
		}
	} else if !m.Quantity.IsPositive() {
		return &ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if m.UnitCost != nil && m.UnitCost.IsNegative() {
		return &ValidationError{Field: "unit_cost", Reason: "must not be negative"}
	}
	for _, c := range m.Consumptions {
		if c.LotID <= 0 || !c.Quantity.IsPositive() {
			return &ValidationError{Field: "consumptions", Reason: "lot consumption must reference a lot and be positive"}
		}
	}
	return nil
}

// DecimalPtr is a small helper for optional costs and prices.
func DecimalPtr(d decimal.Decimal) *decimal.Decimal {
	return &d
}
