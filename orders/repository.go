package orders

import (
	"context"

	"github.com/warp/stock-engine/ledger"
)

// Filter narrows List. Zero values match everything; Search matches the
// order number or the customer label, case-insensitively.
type Filter struct {
	Status      Status
	WarehouseID ledger.WarehouseID
	Search      string
}

// Repository persists orders, their lines and their status history.
// Orders are never deleted.
type Repository interface {
	// CreateOrder inserts the order and its lines, assigning IDs in place.
	CreateOrder(ctx context.Context, o *Order) error

	// GetOrder returns the order with its lines, or nil when it does not exist.
	GetOrder(ctx context.Context, id OrderID) (*Order, error)

	// UpdateOrder saves status, customer label, UpdatedAt and line reserved quantities.
	UpdateOrder(ctx context.Context, o *Order) error

	AppendHistory(ctx context.Context, h *HistoryEntry) error
	ListHistory(ctx context.Context, id OrderID) ([]HistoryEntry, error)

	// CountOrders returns how many orders exist, across all years.
	CountOrders(ctx context.Context) (int, error)

	// ListOrders returns matching orders, newest first, without lines or history.
	ListOrders(ctx context.Context, f Filter) ([]Order, error)
}

// Tx is the view of a store inside one transaction: movements and orders
// commit or roll back together.
type Tx interface {
	ledger.Store
	Repository
}

// TxRunner runs fn in a single transaction. If fn returns an error nothing
// it wrote is kept.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(Tx) error) error
}
