package inventory

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/stock-engine/ledger"
)

// Line asks for a quantity of one product.
type Line struct {
	ProductID ledger.ProductID
	Quantity  decimal.Decimal
}

type ReceiptLine struct {
	ProductID ledger.ProductID
	Quantity  decimal.Decimal
	UnitCost  *decimal.Decimal
	ExpiresAt *time.Time
}

type ReceiveInput struct {
	WarehouseID ledger.WarehouseID
	SupplierID  *ledger.SupplierID
	Lines       []ReceiptLine
	// OccurredAt back-dates the receipt; it becomes the lots' received-at
	// and so their FIFO position. Zero means now.
	OccurredAt time.Time
	Reason     string
	Actor      ledger.ActorID
}

type ReserveInput struct {
	WarehouseID ledger.WarehouseID
	Order       ledger.DocumentRef
	Lines       []Line
	Actor       ledger.ActorID
}

type ReleaseInput struct {
	WarehouseID ledger.WarehouseID
	Order       ledger.DocumentRef
	Lines       []Line
	Actor       ledger.ActorID
}

type WriteOffInput struct {
	WarehouseID ledger.WarehouseID
	// Method defaults to the service's DefaultMethod, then FIFO.
	Method   ledger.Method
	Reason   string
	Document ledger.DocumentRef
	Lines    []Line
	Actor    ledger.ActorID
}

// CountLine is the result of a physical count for one product.
type CountLine struct {
	ProductID ledger.ProductID
	Counted   decimal.Decimal
	// UnitCost values the lot opened by an upward correction. Nil means zero.
	UnitCost *decimal.Decimal
}

type AdjustInput struct {
	WarehouseID ledger.WarehouseID
	Lines       []CountLine
	Reason      string
	Actor       ledger.ActorID
}

// Reconciliation compares the aggregate physical quantity of a key with the
// sum of its open lots. Drift other than zero means the two views disagree.
type Reconciliation struct {
	ProductID    ledger.ProductID
	WarehouseID  ledger.WarehouseID
	Physical     decimal.Decimal
	LotRemaining decimal.Decimal
	Drift        decimal.Decimal
	OpenLots     int
}

func (r Reconciliation) Balanced() bool {
	return r.Drift.IsZero()
}

func keysFor(warehouseID ledger.WarehouseID, products []ledger.ProductID) []ledger.Key {
	keys := make([]ledger.Key, len(products))
	for i, p := range products {
		keys[i] = ledger.Key{ProductID: p, WarehouseID: warehouseID}
	}
	return keys
}

// totals sums quantities per product, returning products in first-seen order.
func totals(lines []Line) ([]ledger.ProductID, map[ledger.ProductID]decimal.Decimal) {
	var order []ledger.ProductID
	sum := make(map[ledger.ProductID]decimal.Decimal)
	for _, l := range lines {
		cur, ok := sum[l.ProductID]
		if !ok {
			order = append(order, l.ProductID)
			cur = decimal.Zero
		}
		sum[l.ProductID] = cur.Add(l.Quantity)
	}
	return order, sum
}
