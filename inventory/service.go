/*
Package inventory implements the stock engines: receive, reserve, release,
write off and adjust, plus the balance and lot read views.

PURPOSE:
  The engines are the only writers of the ledger. Each public operation:
    1. Validates its input and the referenced warehouse and products
    2. Locks every (product, warehouse) key it touches, in sorted order
    3. Runs check + append in one store transaction
  so a batch is either fully visible or not at all, and two concurrent
  operations on the same key never both pass a check that only one fits.

CANCELLATION:
  Once the locks are held the operation no longer observes the caller's
  cancellation: an abandoned request still finishes (or fails) atomically.

READS:
  Balance, Balances, Lots, Movements and Reconcile take no locks; any
  committed snapshot is consistent.

SEE ALSO:
  - engine.go: The check-and-append steps, reusable inside a caller's transaction
  - ledger/locker.go: Key locks
  - orders/service.go: Order lifecycle built on ReserveTx/ReleaseTx/WriteOffTx
*/
package inventory

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/stock-engine/ledger"
)

type Service struct {
	Store     ledger.TxStore
	Directory ledger.Directory
	Locks     *ledger.KeyLocker
	Logger    zerolog.Logger

	// DefaultMethod is used by write-offs that do not name one.
	DefaultMethod ledger.Method
}

func NewService(store ledger.TxStore, dir ledger.Directory, locks *ledger.KeyLocker, log zerolog.Logger) *Service {
	return &Service{
		Store:         store,
		Directory:     dir,
		Locks:         locks,
		Logger:        log.With().Str("component", "inventory").Logger(),
		DefaultMethod: ledger.FIFO,
	}
}

// Lock acquires the key locks for keys. Callers composing *Tx methods in
// their own transaction must hold these for the transaction's duration.
func (s *Service) Lock(ctx context.Context, keys ...ledger.Key) (func(), error) {
	if s.Locks == nil {
		return func() {}, nil
	}
	release, err := s.Locks.Lock(ctx, keys...)
	if err != nil {
		s.Logger.Warn().Err(err).Msg("key lock not acquired")
		return nil, err
	}
	return release, nil
}

// run locks keys, then runs fn in one transaction detached from ctx's cancellation.
func (s *Service) run(ctx context.Context, keys []ledger.Key, fn func(ctx context.Context, tx ledger.Store) ([]ledger.Movement, error)) ([]ledger.Movement, error) {
	release, err := s.Lock(ctx, keys...)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx = context.WithoutCancel(ctx)

	var committed []ledger.Movement
	err = s.Store.WithTx(ctx, func(tx ledger.Store) error {
		var err error
		committed, err = fn(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return committed, nil
}

// =============================================================================
// WRITE OPERATIONS
// =============================================================================

// Receive records incoming goods. Each line opens a lot.
func (s *Service) Receive(ctx context.Context, in ReceiveInput) ([]ledger.Movement, error) {
	if len(in.Lines) == 0 {
		return nil, &ledger.ValidationError{Field: "lines", Reason: "at least one line is required"}
	}
	products := make([]ledger.ProductID, 0, len(in.Lines))
	for _, l := range in.Lines {
		if err := positive("quantity", l.Quantity); err != nil {
			return nil, err
		}
		if l.UnitCost != nil && l.UnitCost.IsNegative() {
			return nil, &ledger.ValidationError{Field: "unit_cost", Reason: "must not be negative"}
		}
		products = append(products, l.ProductID)
	}
	if err := s.checkRefs(ctx, in.WarehouseID, products); err != nil {
		return nil, err
	}

	committed, err := s.run(ctx, keysFor(in.WarehouseID, products), func(ctx context.Context, tx ledger.Store) ([]ledger.Movement, error) {
		movements := make([]ledger.Movement, 0, len(in.Lines))
		for _, l := range in.Lines {
			movements = append(movements, ledger.Movement{
				ProductID:   l.ProductID,
				WarehouseID: in.WarehouseID,
				Kind:        ledger.KindReceipt,
				Quantity:    l.Quantity,
				UnitCost:    l.UnitCost,
				ExpiresAt:   l.ExpiresAt,
				SupplierID:  in.SupplierID,
				Document:    ledger.DocumentRef{Kind: ledger.DocumentReceipt},
				Reason:      in.Reason,
				OccurredAt:  in.OccurredAt,
				ActorID:     in.Actor,
			})
		}
		return tx.AppendBatch(ctx, movements)
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info().
		Int64("warehouse_id", int64(in.WarehouseID)).
		Int("lines", len(committed)).
		Msg("goods received")
	return committed, nil
}

// Reserve holds stock against an order. Fails with InsufficientStockError
// and records nothing if any product lacks availability.
func (s *Service) Reserve(ctx context.Context, in ReserveInput) ([]ledger.Movement, error) {
	products, err := s.validateLines(ctx, in.WarehouseID, in.Lines)
	if err != nil {
		return nil, err
	}

	committed, err := s.run(ctx, keysFor(in.WarehouseID, products), func(ctx context.Context, tx ledger.Store) ([]ledger.Movement, error) {
		return s.ReserveTx(ctx, tx, in)
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info().
		Int64("warehouse_id", int64(in.WarehouseID)).
		Str("document", in.Order.String()).
		Int("lines", len(committed)).
		Msg("stock reserved")
	return committed, nil
}

// Release removes holds. Fails with OverReleaseError if a product has less
// reserved than requested.
func (s *Service) Release(ctx context.Context, in ReleaseInput) ([]ledger.Movement, error) {
	products, err := s.validateLines(ctx, in.WarehouseID, in.Lines)
	if err != nil {
		return nil, err
	}

	committed, err := s.run(ctx, keysFor(in.WarehouseID, products), func(ctx context.Context, tx ledger.Store) ([]ledger.Movement, error) {
		return s.ReleaseTx(ctx, tx, in)
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info().
		Int64("warehouse_id", int64(in.WarehouseID)).
		Str("document", in.Order.String()).
		Int("lines", len(committed)).
		Msg("reservation released")
	return committed, nil
}

// WriteOff issues stock, allocating cost from lots by FIFO or LIFO.
func (s *Service) WriteOff(ctx context.Context, in WriteOffInput) ([]ledger.Movement, error) {
	if _, err := s.method(in.Method); err != nil {
		return nil, err
	}
	products, err := s.validateLines(ctx, in.WarehouseID, in.Lines)
	if err != nil {
		return nil, err
	}

	committed, err := s.run(ctx, keysFor(in.WarehouseID, products), func(ctx context.Context, tx ledger.Store) ([]ledger.Movement, error) {
		return s.WriteOffTx(ctx, tx, in)
	})
	if err != nil {
		return nil, err
	}

	total := decimal.Zero
	for _, m := range committed {
		total = total.Add(m.TotalCost())
	}
	s.Logger.Info().
		Int64("warehouse_id", int64(in.WarehouseID)).
		Int("lines", len(committed)).
		Str("total_cost", total.String()).
		Msg("stock written off")
	return committed, nil
}

// Adjust applies a physical count. Lines whose count equals physical
// produce no movement; the result is empty when nothing differs.
func (s *Service) Adjust(ctx context.Context, in AdjustInput) ([]ledger.Movement, error) {
	if len(in.Lines) == 0 {
		return nil, &ledger.ValidationError{Field: "lines", Reason: "at least one line is required"}
	}
	seen := make(map[ledger.ProductID]bool, len(in.Lines))
	products := make([]ledger.ProductID, 0, len(in.Lines))
	for _, l := range in.Lines {
		if l.Counted.IsNegative() {
			return nil, &ledger.ValidationError{Field: "counted_quantity", Reason: "must not be negative"}
		}
		if l.UnitCost != nil && l.UnitCost.IsNegative() {
			return nil, &ledger.ValidationError{Field: "unit_cost", Reason: "must not be negative"}
		}
		if seen[l.ProductID] {
			return nil, &ledger.ValidationError{Field: "lines", Reason: fmt.Sprintf("product %d counted twice", l.ProductID)}
		}
		seen[l.ProductID] = true
		products = append(products, l.ProductID)
	}
	if err := s.checkRefs(ctx, in.WarehouseID, products); err != nil {
		return nil, err
	}

	committed, err := s.run(ctx, keysFor(in.WarehouseID, products), func(ctx context.Context, tx ledger.Store) ([]ledger.Movement, error) {
		return s.AdjustTx(ctx, tx, in)
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info().
		Int64("warehouse_id", int64(in.WarehouseID)).
		Int("counted", len(in.Lines)).
		Int("adjusted", len(committed)).
		Msg("inventory adjusted")
	return committed, nil
}

// =============================================================================
// READ OPERATIONS
// =============================================================================

func (s *Service) Balance(ctx context.Context, productID ledger.ProductID, warehouseID ledger.WarehouseID) (ledger.Balance, error) {
	k := ledger.Key{ProductID: productID, WarehouseID: warehouseID}
	movements, err := ledger.Load(ctx, s.Store, k)
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("failed to load movements: %w", err)
	}
	return ledger.Fold(k, movements), nil
}

// Balances returns one balance per key that has movements matching f.
func (s *Service) Balances(ctx context.Context, f ledger.Filter) ([]ledger.Balance, error) {
	movements, err := s.Store.Movements(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to load movements: %w", err)
	}
	return ledger.FoldAll(movements), nil
}

// Lots returns the open lots of a key, oldest first.
func (s *Service) Lots(ctx context.Context, productID ledger.ProductID, warehouseID ledger.WarehouseID) ([]ledger.Lot, error) {
	movements, err := ledger.Load(ctx, s.Store, ledger.Key{ProductID: productID, WarehouseID: warehouseID})
	if err != nil {
		return nil, fmt.Errorf("failed to load movements: %w", err)
	}
	return ledger.OpenLots(movements), nil
}

func (s *Service) Movements(ctx context.Context, f ledger.Filter) ([]ledger.Movement, error) {
	return s.Store.Movements(ctx, f)
}

// Reconcile compares physical stock with the sum of open lots. Drift is
// logged as an integrity warning and reported, not returned as an error.
func (s *Service) Reconcile(ctx context.Context, productID ledger.ProductID, warehouseID ledger.WarehouseID) (Reconciliation, error) {
	k := ledger.Key{ProductID: productID, WarehouseID: warehouseID}
	movements, err := ledger.Load(ctx, s.Store, k)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("failed to load movements: %w", err)
	}

	b := ledger.Fold(k, movements)
	lots := ledger.OpenLots(movements)
	remaining := ledger.SumRemaining(lots)

	r := Reconciliation{
		ProductID:    productID,
		WarehouseID:  warehouseID,
		Physical:     b.Physical,
		LotRemaining: remaining,
		Drift:        b.Physical.Sub(remaining),
		OpenLots:     len(lots),
	}
	s.warnDrift(r)
	return r, nil
}

// ReconcileAll reconciles every key with movements matching f, in key order.
func (s *Service) ReconcileAll(ctx context.Context, f ledger.Filter) ([]Reconciliation, error) {
	movements, err := s.Store.Movements(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to load movements: %w", err)
	}

	byKey := make(map[ledger.Key][]ledger.Movement)
	for _, m := range movements {
		byKey[m.Key()] = append(byKey[m.Key()], m)
	}

	out := make([]Reconciliation, 0, len(byKey))
	for _, b := range ledger.FoldAll(movements) {
		lots := ledger.OpenLots(byKey[b.Key()])
		remaining := ledger.SumRemaining(lots)
		r := Reconciliation{
			ProductID:    b.ProductID,
			WarehouseID:  b.WarehouseID,
			Physical:     b.Physical,
			LotRemaining: remaining,
			Drift:        b.Physical.Sub(remaining),
			OpenLots:     len(lots),
		}
		s.warnDrift(r)
		out = append(out, r)
	}
	return out, nil
}

func (s *Service) warnDrift(r Reconciliation) {
	if r.Balanced() {
		return
	}
	s.Logger.Warn().
		Bool("integrity", true).
		Str("key", ledger.Key{ProductID: r.ProductID, WarehouseID: r.WarehouseID}.String()).
		Str("physical", r.Physical.String()).
		Str("lot_remaining", r.LotRemaining.String()).
		Msg("lot view drifted from physical stock")
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidateLines checks quantities and references and returns the distinct
// products in first-seen order.
func (s *Service) ValidateLines(ctx context.Context, warehouseID ledger.WarehouseID, lines []Line) ([]ledger.ProductID, error) {
	return s.validateLines(ctx, warehouseID, lines)
}

func (s *Service) validateLines(ctx context.Context, warehouseID ledger.WarehouseID, lines []Line) ([]ledger.ProductID, error) {
	if len(lines) == 0 {
		return nil, &ledger.ValidationError{Field: "lines", Reason: "at least one line is required"}
	}
	for _, l := range lines {
		if err := positive("quantity", l.Quantity); err != nil {
			return nil, err
		}
	}
	products, _ := totals(lines)
	if err := s.checkRefs(ctx, warehouseID, products); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Service) checkRefs(ctx context.Context, warehouseID ledger.WarehouseID, products []ledger.ProductID) error {
	if warehouseID <= 0 {
		return &ledger.ValidationError{Field: "warehouse_id", Reason: "is required"}
	}
	for _, p := range products {
		if p <= 0 {
			return &ledger.ValidationError{Field: "product_id", Reason: "is required"}
		}
	}
	if s.Directory == nil {
		return nil
	}

	ok, err := s.Directory.WarehouseExists(ctx, warehouseID)
	if err != nil {
		return fmt.Errorf("failed to look up warehouse: %w", err)
	}
	if !ok {
		return &ledger.NotFoundError{Resource: "warehouse", ID: int64(warehouseID)}
	}
	for _, p := range products {
		ok, err := s.Directory.ProductExists(ctx, p)
		if err != nil {
			return fmt.Errorf("failed to look up product: %w", err)
		}
		if !ok {
			return &ledger.NotFoundError{Resource: "product", ID: int64(p)}
		}
	}
	return nil
}
