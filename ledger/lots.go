/*
lots.go - Receipt lots and FIFO/LIFO consumption

PURPOSE:
  Every receipt opens a lot. Outgoing movements record which lots they drew
  from (Movement.Consumptions), so a lot's remaining quantity is its
  original quantity minus all consumptions that reference it. Lots are
  derived, never stored as mutable rows.

RECONCILIATION:
  The sum of remaining quantities over a key's lots equals the key's
  physical quantity. A positive ADJUST opens a zero-cost lot and a negative
  ADJUST consumes lots like an ISSUE, so every kind that moves physical
  stock also moves lots.

CONSUMPTION:
  FIFO walks lots by ReceivedAt ascending, LIFO descending. Each step takes
  min(lot remaining, outstanding) and accumulates quantity x lot cost. If
  the lots run out first, Consume reports ErrLotUnderflow and the caller
  surfaces it; nothing is clamped.

EXAMPLE:
  Lot A: 100 @ 2.00 (t1), Lot B: 50 @ 3.00 (t2), consume 120
  FIFO: 100 from A + 20 from B = 260.00
  LIFO:  50 from B + 70 from A = 290.00
*/
package ledger

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// COST METHOD
// =============================================================================

type Method string

const (
	FIFO Method = "FIFO"
	LIFO Method = "LIFO"
)

// ParseMethod accepts FIFO or LIFO in any case. Empty input selects FIFO.
func ParseMethod(s string) (Method, error) {
	switch Method(strings.ToUpper(strings.TrimSpace(s))) {
	case "", FIFO:
		return FIFO, nil
	case LIFO:
		return LIFO, nil
	}
	return "", &ValidationError{Field: "method", Reason: fmt.Sprintf("must be FIFO or LIFO, got %q", s)}
}

// =============================================================================
// LOT
// =============================================================================

type Lot struct {
	ID          MovementID
	ProductID   ProductID
	WarehouseID WarehouseID
	Original    decimal.Decimal
	Remaining   decimal.Decimal
	UnitCost    decimal.Decimal
	ReceivedAt  time.Time
	ExpiresAt   *time.Time
}

// OpenLots derives the lots of the given movements that still hold stock,
// ordered by ReceivedAt ascending (ties broken by ID).
func OpenLots(movements []Movement) []Lot {
	lots := make(map[MovementID]*Lot)
	var order []MovementID

	for _, m := range movements {
		if !m.OpensLot() {
			continue
		}
		cost := decimal.Zero
		if m.UnitCost != nil {
			cost = *m.UnitCost
		}
		lots[m.ID] = &Lot{
			ID:          m.ID,
			ProductID:   m.ProductID,
			WarehouseID: m.WarehouseID,
			Original:    m.Quantity,
			Remaining:   m.Quantity,
			UnitCost:    cost,
			ReceivedAt:  m.OccurredAt,
			ExpiresAt:   m.ExpiresAt,
		}
		order = append(order, m.ID)
	}

	for _, m := range movements {
		for _, c := range m.Consumptions {
			if lot, ok := lots[c.LotID]; ok {
				lot.Remaining = lot.Remaining.Sub(c.Quantity)
			}
		}
	}

	open := make([]Lot, 0, len(order))
	for _, id := range order {
		if lot := lots[id]; lot.Remaining.IsPositive() {
			open = append(open, *lot)
		}
	}
	sort.SliceStable(open, func(i, j int) bool {
		if !open[i].ReceivedAt.Equal(open[j].ReceivedAt) {
			return open[i].ReceivedAt.Before(open[j].ReceivedAt)
		}
		return open[i].ID < open[j].ID
	})
	return open
}

// SumRemaining totals the remaining quantity of lots.
func SumRemaining(lots []Lot) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lots {
		total = total.Add(l.Remaining)
	}
	return total
}

// =============================================================================
// CONSUMPTION
// =============================================================================

// Allocation is the outcome of consuming lots for one outgoing quantity.
type Allocation struct {
	Quantity     decimal.Decimal
	TotalCost    decimal.Decimal
	Consumptions []LotConsumption
}

// UnitCost is the weighted average cost of the allocation.
func (a Allocation) UnitCost() decimal.Decimal {
	if a.Quantity.IsZero() {
		return decimal.Zero
	}
	return a.TotalCost.Div(a.Quantity)
}

// Consume draws qty from lots using method and decrements the lots in place,
// so consecutive calls over the same slice see earlier consumptions. lots
// must be ordered by ReceivedAt ascending, as OpenLots returns them.
//
// When the lots cannot cover qty, the partial allocation is returned together
// with ErrLotUnderflow and the lots are left untouched.
func Consume(lots []Lot, method Method, qty decimal.Decimal) (Allocation, error) {
	alloc := Allocation{Quantity: decimal.Zero, TotalCost: decimal.Zero}
	outstanding := qty

	idx := make([]int, len(lots))
	for i := range lots {
		idx[i] = i
	}
	if method == LIFO {
		for i, j := 0, len(idx)-1; i < j; i, j = i+1, j-1 {
			idx[i], idx[j] = idx[j], idx[i]
		}
	}

	for _, i := range idx {
		if !outstanding.IsPositive() {
			break
		}
		lot := lots[i]
		if !lot.Remaining.IsPositive() {
			continue
		}
		take := decimal.Min(lot.Remaining, outstanding)
		alloc.Consumptions = append(alloc.Consumptions, LotConsumption{
			LotID:    lot.ID,
			Quantity: take,
			UnitCost: lot.UnitCost,
		})
		alloc.Quantity = alloc.Quantity.Add(take)
		alloc.TotalCost = alloc.TotalCost.Add(take.Mul(lot.UnitCost))
		outstanding = outstanding.Sub(take)
	}

	if outstanding.IsPositive() {
		return alloc, ErrLotUnderflow
	}

	remaining := make(map[MovementID]decimal.Decimal, len(alloc.Consumptions))
	for _, c := range alloc.Consumptions {
		remaining[c.LotID] = c.Quantity
	}
	for i := range lots {
		if take, ok := remaining[lots[i].ID]; ok {
			lots[i].Remaining = lots[i].Remaining.Sub(take)
		}
	}
	return alloc, nil
}
