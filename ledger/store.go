/*
store.go - Append-only persistence contract for movements

PURPOSE:
  Defines the interface between the engines and the database. The Store
  only appends and reads; there is no Update or Delete. Corrections are
  new ADJUST movements.

KEY INTERFACES:
  Store:     Append a batch, read a snapshot
  TxStore:   Run reads and appends in one transaction
  Directory: Existence checks for product/warehouse references
  Registry:  Directory plus registration, implemented by both stores

ATOMIC BATCHES:
  AppendBatch() is all-or-nothing. Every movement is validated before any
  is written; if one fails, none are persisted. The returned movements carry
  their assigned IDs and creation timestamps.

IMPLEMENTATIONS:
  - store/memory: In-memory, for tests and development
  - store/sqlite: SQLite, append-only enforced with triggers

SEE ALSO:
  - balance.go: Folds what Movements() returns
  - inventory/service.go: The only writer
*/
package ledger

import "context"

// Filter narrows a movement or balance query. Nil fields match everything.
type Filter struct {
	ProductID   *ProductID
	WarehouseID *WarehouseID
}

// ForKey builds a filter matching exactly one (product, warehouse) pair.
func ForKey(k Key) Filter {
	return Filter{ProductID: &k.ProductID, WarehouseID: &k.WarehouseID}
}

func (f Filter) Matches(m Movement) bool {
	if f.ProductID != nil && *f.ProductID != m.ProductID {
		return false
	}
	if f.WarehouseID != nil && *f.WarehouseID != m.WarehouseID {
		return false
	}
	return true
}

// Store handles persistence of movements.
// IMPORTANT: Store is APPEND-ONLY. No Update, No Delete.
type Store interface {
	// AppendBatch persists movements atomically and returns them as committed.
	AppendBatch(ctx context.Context, movements []Movement) ([]Movement, error)

	// Movements returns a snapshot of matching movements ordered by ID.
	Movements(ctx context.Context, filter Filter) ([]Movement, error)
}

// TxStore wraps Store with transaction support.
// If fn returns an error, everything fn appended is rolled back.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}

// Directory answers whether referenced products and warehouses exist.
// It is supplied by the surrounding system; the ledger never manages it.
type Directory interface {
	ProductExists(ctx context.Context, id ProductID) (bool, error)
	WarehouseExists(ctx context.Context, id WarehouseID) (bool, error)
}

// Registry is the minimal product/warehouse existence list shipped with the
// stores. It only records that an ID exists and a display label.
type Registry interface {
	Directory
	RegisterProduct(ctx context.Context, label string) (ProductID, error)
	RegisterWarehouse(ctx context.Context, label string) (WarehouseID, error)
}

// ValidateBatch runs the structural checks for a whole batch. Stores call it
// before writing anything so that a bad movement aborts the entire batch.
func ValidateBatch(movements []Movement) error {
	if len(movements) == 0 {
		return &ValidationError{Field: "movements", Reason: "batch is empty"}
	}
	for _, m := range movements {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Load returns every movement for one key.
func Load(ctx context.Context, s Store, k Key) ([]Movement, error) {
	return s.Movements(ctx, ForKey(k))
}
