/*
balance.go - Physical, reserved and available quantities

PURPOSE:
  Derives the stock position of a (product, warehouse) pair by folding its
  movements. The fold is commutative and associative, so any consistent
  snapshot of the movement set gives the same answer regardless of order.

FOLD RULES:
  RECEIPT   physical += q
  ISSUE     physical -= q
  ADJUST    physical += q   (q is signed)
  RESERVE   reserved += q
  RELEASE   reserved -= q

  Available = Physical - Reserved

SEE ALSO:
  - lots.go: The per-receipt view that must reconcile with Physical
*/
package ledger

import (
	"sort"

	"github.com/shopspring/decimal"
)

type Balance struct {
	ProductID   ProductID
	WarehouseID WarehouseID
	Physical    decimal.Decimal
	Reserved    decimal.Decimal
}

func NewBalance(k Key) Balance {
	return Balance{ProductID: k.ProductID, WarehouseID: k.WarehouseID, Physical: decimal.Zero, Reserved: decimal.Zero}
}

func (b Balance) Key() Key {
	return Key{ProductID: b.ProductID, WarehouseID: b.WarehouseID}
}

func (b Balance) Available() decimal.Decimal {
	return b.Physical.Sub(b.Reserved)
}

// Apply folds one movement into the balance.
func (b Balance) Apply(m Movement) Balance {
	switch m.Kind {
	case KindReceipt:
		b.Physical = b.Physical.Add(m.Quantity)
	case KindIssue:
		b.Physical = b.Physical.Sub(m.Quantity)
	case KindAdjust:
		b.Physical = b.Physical.Add(m.Quantity)
	case KindReserve:
		b.Reserved = b.Reserved.Add(m.Quantity)
	case KindRelease:
		b.Reserved = b.Reserved.Sub(m.Quantity)
	}
	return b
}

// Fold computes the balance of one key. Movements for other keys are ignored.
func Fold(k Key, movements []Movement) Balance {
	b := NewBalance(k)
	for _, m := range movements {
		if m.Key() == k {
			b = b.Apply(m)
		}
	}
	return b
}

// FoldAll groups movements by key and folds each group. The result is
// ordered by warehouse, then product.
func FoldAll(movements []Movement) []Balance {
	byKey := make(map[Key]Balance)
	for _, m := range movements {
		k := m.Key()
		b, ok := byKey[k]
		if !ok {
			b = NewBalance(k)
		}
		byKey[k] = b.Apply(m)
	}

	result := make([]Balance, 0, len(byKey))
	for _, b := range byKey {
		result = append(result, b)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Key().Less(result[j].Key())
	})
	return result
}
