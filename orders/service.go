package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/stock-engine/inventory"
	"github.com/warp/stock-engine/ledger"
)

// =============================================================================
// INPUTS
// =============================================================================

type CreateLine struct {
	ProductID ledger.ProductID
	Quantity  decimal.Decimal
	UnitPrice *decimal.Decimal
}

type CreateInput struct {
	WarehouseID   ledger.WarehouseID
	CustomerLabel string
	Lines         []CreateLine
	Actor         ledger.ActorID
}

type ChangeOptions struct {
	// Method costs the write-off on completion. Empty uses the inventory default.
	Method ledger.Method
}

type DetailsInput struct {
	// CustomerLabel replaces the current label when not nil.
	CustomerLabel *string
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	Runner    TxRunner
	Orders    Repository
	Inventory *inventory.Service
	Logger    zerolog.Logger
	Now       func() time.Time
}

func NewService(runner TxRunner, repo Repository, inv *inventory.Service, log zerolog.Logger) *Service {
	return &Service{
		Runner:    runner,
		Orders:    repo,
		Inventory: inv,
		Logger:    log.With().Str("component", "orders").Logger(),
		Now:       time.Now,
	}
}

// Create validates availability, then in one transaction creates the order
// as pending, reserves every line and moves it to reserved. On any failure
// nothing from the attempt persists.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Order, error) {
	lines := make([]inventory.Line, len(in.Lines))
	for i, l := range in.Lines {
		if l.UnitPrice != nil && l.UnitPrice.IsNegative() {
			return nil, &ledger.ValidationError{Field: "unit_price", Reason: "must not be negative"}
		}
		lines[i] = inventory.Line{ProductID: l.ProductID, Quantity: l.Quantity}
	}

	products, err := s.Inventory.ValidateLines(ctx, in.WarehouseID, lines)
	if err != nil {
		return nil, err
	}

	// Read-only pre-check: fail fast without taking locks
	if err := s.Inventory.CheckAvailable(ctx, s.Inventory.Store, in.WarehouseID, lines); err != nil {
		return nil, err
	}

	keys := make([]ledger.Key, len(products))
	for i, p := range products {
		keys[i] = ledger.Key{ProductID: p, WarehouseID: in.WarehouseID}
	}
	release, err := s.Inventory.Lock(ctx, keys...)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx = context.WithoutCancel(ctx)

	var id OrderID
	err = s.Runner.RunInTx(ctx, func(tx Tx) error {
		now := s.Now().UTC()

		count, err := tx.CountOrders(ctx)
		if err != nil {
			return err
		}

		o := &Order{
			Number:        FormatNumber(now.Year(), count+1),
			Status:        StatusPending,
			WarehouseID:   in.WarehouseID,
			CustomerLabel: in.CustomerLabel,
			CreatedBy:     in.Actor,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		for _, l := range in.Lines {
			o.Lines = append(o.Lines, Line{
				ProductID:        l.ProductID,
				Quantity:         l.Quantity,
				ReservedQuantity: decimal.Zero,
				UnitPrice:        l.UnitPrice,
			})
		}
		if err := tx.CreateOrder(ctx, o); err != nil {
			return err
		}

		_, err = s.Inventory.ReserveTx(ctx, tx, inventory.ReserveInput{
			WarehouseID: in.WarehouseID,
			Order:       o.Document(),
			Lines:       lines,
			Actor:       in.Actor,
		})
		if err != nil {
			return err
		}

		for i := range o.Lines {
			o.Lines[i].ReservedQuantity = o.Lines[i].Quantity
		}
		if err := s.transition(ctx, tx, o, StatusReserved, in.Actor, now); err != nil {
			return err
		}

		id = o.ID
		return nil
	})
	if err != nil {
		s.Logger.Info().Err(err).Int64("warehouse_id", int64(in.WarehouseID)).Msg("order not created")
		return nil, err
	}

	o, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.Logger.Info().
		Int64("order_id", int64(o.ID)).
		Str("number", o.Number).
		Int("lines", len(o.Lines)).
		Msg("order created and reserved")
	return o, nil
}

// ChangeStatus moves a reserved order to cancelled or completed. Asking for
// the current status returns the order unchanged.
func (s *Service) ChangeStatus(ctx context.Context, id OrderID, target Status, actor ledger.ActorID, opts ChangeOptions) (*Order, error) {
	if !target.Valid() {
		return nil, &ledger.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown order status %q", target)}
	}

	o, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status == target {
		return o, nil
	}
	if o.Status != StatusReserved || (target != StatusCancelled && target != StatusCompleted) {
		return nil, &InvalidTransitionError{From: o.Status, To: target}
	}

	release, err := s.Inventory.Lock(ctx, o.Keys()...)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx = context.WithoutCancel(ctx)

	err = s.Runner.RunInTx(ctx, func(tx Tx) error {
		// Re-read under the locks: a concurrent change may have won
		cur, err := tx.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return &ledger.NotFoundError{Resource: "order", ID: int64(id)}
		}
		if cur.Status != StatusReserved {
			return &InvalidTransitionError{From: cur.Status, To: target}
		}

		lines := make([]inventory.Line, len(cur.Lines))
		for i, l := range cur.Lines {
			lines[i] = inventory.Line{ProductID: l.ProductID, Quantity: l.Quantity}
		}

		_, err = s.Inventory.ReleaseTx(ctx, tx, inventory.ReleaseInput{
			WarehouseID: cur.WarehouseID,
			Order:       cur.Document(),
			Lines:       lines,
			Actor:       actor,
		})
		if err != nil {
			return err
		}

		if target == StatusCompleted {
			_, err = s.Inventory.WriteOffTx(ctx, tx, inventory.WriteOffInput{
				WarehouseID: cur.WarehouseID,
				Method:      opts.Method,
				Reason:      "shipment for order " + cur.Number,
				Document:    cur.Document(),
				Lines:       lines,
				Actor:       actor,
			})
			if err != nil {
				return err
			}
		}

		for i := range cur.Lines {
			cur.Lines[i].ReservedQuantity = decimal.Zero
		}
		return s.transition(ctx, tx, cur, target, actor, s.Now().UTC())
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info().
		Int64("order_id", int64(id)).
		Str("from", string(o.Status)).
		Str("to", string(target)).
		Msg("order status changed")
	return s.Get(ctx, id)
}

// UpdateDetails edits order metadata. Completed and cancelled orders are closed.
func (s *Service) UpdateDetails(ctx context.Context, id OrderID, in DetailsInput) (*Order, error) {
	err := s.Runner.RunInTx(ctx, func(tx Tx) error {
		o, err := tx.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		if o == nil {
			return &ledger.NotFoundError{Resource: "order", ID: int64(id)}
		}
		if o.Status.IsTerminal() {
			return &OrderClosedError{ID: id, Status: o.Status}
		}
		if in.CustomerLabel != nil {
			o.CustomerLabel = *in.CustomerLabel
		}
		o.UpdatedAt = s.Now().UTC()
		return tx.UpdateOrder(ctx, o)
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Get returns the order with its lines and history.
func (s *Service) Get(ctx context.Context, id OrderID) (*Order, error) {
	o, err := s.Orders.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, &ledger.NotFoundError{Resource: "order", ID: int64(id)}
	}
	if o.History, err = s.Orders.ListHistory(ctx, id); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Service) List(ctx context.Context, f Filter) ([]Order, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, &ledger.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown order status %q", f.Status)}
	}
	return s.Orders.ListOrders(ctx, f)
}

// transition saves the new status and records it in the history.
func (s *Service) transition(ctx context.Context, tx Tx, o *Order, to Status, actor ledger.ActorID, at time.Time) error {
	from := o.Status
	o.Status = to
	o.UpdatedAt = at
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return err
	}
	return tx.AppendHistory(ctx, &HistoryEntry{
		OrderID:   o.ID,
		OldStatus: from,
		NewStatus: to,
		ChangedBy: actor,
		ChangedAt: at,
	})
}
