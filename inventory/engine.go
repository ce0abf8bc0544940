/*
engine.go - Check-and-append steps that run inside a store transaction

PURPOSE:
  Each *Tx method reads the current state of its keys through the
  transaction it is given, checks the operation against it, and appends the
  resulting movements to the same transaction. They assume the caller holds
  the key locks for every key they touch (see Service.Lock), which is what
  makes the check and the append one step for concurrent callers.

  The order package composes them: order creation runs ReserveTx, order
  completion runs ReleaseTx then WriteOffTx, all in one transaction.

CUMULATIVE CHECKS:
  A product that appears on several lines is checked against the sum of
  those lines, so a batch can never pass line by line and fail as a whole.
*/
package inventory

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/stock-engine/ledger"
)

// =============================================================================
// RESERVE
// =============================================================================

// CheckAvailable fails with InsufficientStockError when any product's
// cumulative quantity exceeds its available stock in st.
func (s *Service) CheckAvailable(ctx context.Context, st ledger.Store, warehouseID ledger.WarehouseID, lines []Line) error {
	products, want := totals(lines)
	balances, err := s.loadBalances(ctx, st, warehouseID, products)
	if err != nil {
		return err
	}
	for _, p := range products {
		b := balances[p]
		if b.Available().LessThan(want[p]) {
			return &ledger.InsufficientStockError{
				ProductID:   p,
				WarehouseID: warehouseID,
				Available:   b.Available(),
				Requested:   want[p],
			}
		}
	}
	return nil
}

// ReserveTx appends one RESERVE per line after checking availability.
func (s *Service) ReserveTx(ctx context.Context, tx ledger.Store, in ReserveInput) ([]ledger.Movement, error) {
	if err := s.CheckAvailable(ctx, tx, in.WarehouseID, in.Lines); err != nil {
		return nil, err
	}

	movements := make([]ledger.Movement, 0, len(in.Lines))
	for _, l := range in.Lines {
		movements = append(movements, ledger.Movement{
			ProductID:   l.ProductID,
			WarehouseID: in.WarehouseID,
			Kind:        ledger.KindReserve,
			Quantity:    l.Quantity,
			Document:    in.Order,
			ActorID:     in.Actor,
		})
	}
	return tx.AppendBatch(ctx, movements)
}

// =============================================================================
// RELEASE
// =============================================================================

// ReleaseTx appends one RELEASE per line. Releasing more than is reserved is
// an integrity problem: it is logged and returned as OverReleaseError.
func (s *Service) ReleaseTx(ctx context.Context, tx ledger.Store, in ReleaseInput) ([]ledger.Movement, error) {
	products, want := totals(in.Lines)
	balances, err := s.loadBalances(ctx, tx, in.WarehouseID, products)
	if err != nil {
		return nil, err
	}
	for _, p := range products {
		b := balances[p]
		if b.Reserved.LessThan(want[p]) {
			err := &ledger.OverReleaseError{
				ProductID:   p,
				WarehouseID: in.WarehouseID,
				Reserved:    b.Reserved,
				Requested:   want[p],
			}
			s.integrityWarning(err, in.Order)
			return nil, err
		}
	}

	movements := make([]ledger.Movement, 0, len(in.Lines))
	for _, l := range in.Lines {
		movements = append(movements, ledger.Movement{
			ProductID:   l.ProductID,
			WarehouseID: in.WarehouseID,
			Kind:        ledger.KindRelease,
			Quantity:    l.Quantity,
			Document:    in.Order,
			ActorID:     in.Actor,
		})
	}
	return tx.AppendBatch(ctx, movements)
}

// =============================================================================
// WRITE-OFF
// =============================================================================

// WriteOffTx appends one ISSUE per line, costed by consuming open lots with
// the requested method. Lines for the same product consume sequentially.
func (s *Service) WriteOffTx(ctx context.Context, tx ledger.Store, in WriteOffInput) ([]ledger.Movement, error) {
	method, err := s.method(in.Method)
	if err != nil {
		return nil, err
	}
	if err := s.CheckAvailable(ctx, tx, in.WarehouseID, in.Lines); err != nil {
		return nil, err
	}

	products, _ := totals(in.Lines)
	lots := make(map[ledger.ProductID][]ledger.Lot, len(products))
	for _, p := range products {
		movements, err := ledger.Load(ctx, tx, ledger.Key{ProductID: p, WarehouseID: in.WarehouseID})
		if err != nil {
			return nil, fmt.Errorf("failed to load movements: %w", err)
		}
		lots[p] = ledger.OpenLots(movements)
	}

	doc := in.Document
	if doc.Kind == "" {
		doc = ledger.DocumentRef{Kind: ledger.DocumentWriteOff}
	}

	movements := make([]ledger.Movement, 0, len(in.Lines))
	for _, l := range in.Lines {
		alloc, err := ledger.Consume(lots[l.ProductID], method, l.Quantity)
		if err != nil {
			uerr := &ledger.LotUnderflowError{
				ProductID:   l.ProductID,
				WarehouseID: in.WarehouseID,
				Requested:   l.Quantity,
				Covered:     alloc.Quantity,
			}
			s.integrityWarning(uerr, doc)
			return nil, uerr
		}
		movements = append(movements, ledger.Movement{
			ProductID:    l.ProductID,
			WarehouseID:  in.WarehouseID,
			Kind:         ledger.KindIssue,
			Quantity:     l.Quantity,
			UnitCost:     ledger.DecimalPtr(alloc.UnitCost()),
			Document:     doc,
			Reason:       in.Reason,
			ActorID:      in.Actor,
			Consumptions: alloc.Consumptions,
		})
	}
	return tx.AppendBatch(ctx, movements)
}

// =============================================================================
// ADJUST
// =============================================================================

// AdjustTx appends one ADJUST per line whose count differs from physical.
// A downward correction may not take the count below what is reserved, and
// it consumes lots FIFO so the lot view keeps matching physical.
func (s *Service) AdjustTx(ctx context.Context, tx ledger.Store, in AdjustInput) ([]ledger.Movement, error) {
	reason := in.Reason
	if reason == "" {
		reason = "inventory count"
	}

	var movements []ledger.Movement
	for _, l := range in.Lines {
		k := ledger.Key{ProductID: l.ProductID, WarehouseID: in.WarehouseID}
		history, err := ledger.Load(ctx, tx, k)
		if err != nil {
			return nil, fmt.Errorf("failed to load movements: %w", err)
		}
		b := ledger.Fold(k, history)

		diff := l.Counted.Sub(b.Physical)
		if diff.IsZero() {
			continue
		}

		m := ledger.Movement{
			ProductID:   l.ProductID,
			WarehouseID: in.WarehouseID,
			Kind:        ledger.KindAdjust,
			Quantity:    diff,
			Document:    ledger.DocumentRef{Kind: ledger.DocumentInventory},
			Reason:      reason,
			ActorID:     in.Actor,
		}

		if diff.IsNegative() {
			shortfall := diff.Neg()
			if b.Available().LessThan(shortfall) {
				return nil, &ledger.InsufficientStockError{
					ProductID:   l.ProductID,
					WarehouseID: in.WarehouseID,
					Available:   b.Available(),
					Requested:   shortfall,
				}
			}
			alloc, err := ledger.Consume(ledger.OpenLots(history), ledger.FIFO, shortfall)
			if err != nil {
				uerr := &ledger.LotUnderflowError{
					ProductID:   l.ProductID,
					WarehouseID: in.WarehouseID,
					Requested:   shortfall,
					Covered:     alloc.Quantity,
				}
				s.integrityWarning(uerr, m.Document)
				return nil, uerr
			}
			m.UnitCost = ledger.DecimalPtr(alloc.UnitCost())
			m.Consumptions = alloc.Consumptions
		} else {
			m.UnitCost = l.UnitCost
		}

		movements = append(movements, m)
	}

	if len(movements) == 0 {
		return []ledger.Movement{}, nil
	}
	return tx.AppendBatch(ctx, movements)
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) loadBalances(ctx context.Context, st ledger.Store, warehouseID ledger.WarehouseID, products []ledger.ProductID) (map[ledger.ProductID]ledger.Balance, error) {
	balances := make(map[ledger.ProductID]ledger.Balance, len(products))
	for _, p := range products {
		k := ledger.Key{ProductID: p, WarehouseID: warehouseID}
		movements, err := ledger.Load(ctx, st, k)
		if err != nil {
			return nil, fmt.Errorf("failed to load movements: %w", err)
		}
		balances[p] = ledger.Fold(k, movements)
	}
	return balances, nil
}

func (s *Service) method(m ledger.Method) (ledger.Method, error) {
	if m == "" {
		m = s.DefaultMethod
	}
	return ledger.ParseMethod(string(m))
}

func (s *Service) integrityWarning(err error, doc ledger.DocumentRef) {
	s.Logger.Warn().
		Bool("integrity", true).
		Str("document", doc.String()).
		Err(err).
		Msg("stock integrity violation")
}

func positive(field string, q decimal.Decimal) error {
	if !q.IsPositive() {
		return &ledger.ValidationError{Field: field, Reason: "must be positive"}
	}
	return nil
}
