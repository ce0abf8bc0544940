package ledger_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/stock-engine/ledger"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	keyA = ledger.Key{ProductID: 1, WarehouseID: 7}
	keyB = ledger.Key{ProductID: 2, WarehouseID: 7}
	t0   = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)
)

func qty(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func mv(id ledger.MovementID, k ledger.Key, kind ledger.Kind, q string) ledger.Movement {
	return ledger.Movement{
		ID:          id,
		ProductID:   k.ProductID,
		WarehouseID: k.WarehouseID,
		Kind:        kind,
		Quantity:    qty(q),
		OccurredAt:  t0.Add(time.Duration(id) * time.Hour),
	}
}

func receipt(id ledger.MovementID, k ledger.Key, q, cost string) ledger.Movement {
	m := mv(id, k, ledger.KindReceipt, q)
	m.UnitCost = ledger.DecimalPtr(qty(cost))
	return m
}

// =============================================================================
// FOLD TESTS
// =============================================================================

func TestFold_AllKinds(t *testing.T) {
	// GIVEN: Receipt 100, issue 30, adjust -5, reserve 20, release 5
	// WHEN: Folding
	// THEN: physical 65, reserved 15, available 50

	movements := []ledger.Movement{
		receipt(1, keyA, "100", "2.00"),
		mv(2, keyA, ledger.KindIssue, "30"),
		mv(3, keyA, ledger.KindAdjust, "-5"),
		mv(4, keyA, ledger.KindReserve, "20"),
		mv(5, keyA, ledger.KindRelease, "5"),
	}

	b := ledger.Fold(keyA, movements)

	assert.True(t, b.Physical.Equal(qty("65")), "physical: %s", b.Physical)
	assert.True(t, b.Reserved.Equal(qty("15")), "reserved: %s", b.Reserved)
	assert.True(t, b.Available().Equal(qty("50")), "available: %s", b.Available())
}

func TestFold_OrderIndependent(t *testing.T) {
	// GIVEN: The same movements in two different orders
	// THEN: Both folds agree

	movements := []ledger.Movement{
		receipt(1, keyA, "10", "1"),
		mv(2, keyA, ledger.KindReserve, "4"),
		mv(3, keyA, ledger.KindAdjust, "2.5"),
		mv(4, keyA, ledger.KindRelease, "1"),
	}
	reversed := []ledger.Movement{movements[3], movements[2], movements[1], movements[0]}

	a := ledger.Fold(keyA, movements)
	b := ledger.Fold(keyA, reversed)

	assert.True(t, a.Physical.Equal(b.Physical))
	assert.True(t, a.Reserved.Equal(b.Reserved))
}

func TestFold_IgnoresOtherKeys(t *testing.T) {
	movements := []ledger.Movement{
		receipt(1, keyA, "10", "1"),
		receipt(2, keyB, "99", "1"),
	}

	b := ledger.Fold(keyA, movements)

	assert.True(t, b.Physical.Equal(qty("10")))
}

func TestFold_NoMovements_IsZero(t *testing.T) {
	b := ledger.Fold(keyA, nil)

	assert.True(t, b.Physical.IsZero())
	assert.True(t, b.Reserved.IsZero())
	assert.True(t, b.Available().IsZero())
	assert.Equal(t, keyA, b.Key())
}

func TestFoldAll_GroupsAndSortsByKey(t *testing.T) {
	// GIVEN: Movements for two products in two warehouses
	// WHEN: Folding all
	// THEN: One balance per key, ordered by warehouse then product

	other := ledger.Key{ProductID: 1, WarehouseID: 3}
	movements := []ledger.Movement{
		receipt(1, keyB, "5", "1"),
		receipt(2, keyA, "7", "1"),
		receipt(3, other, "9", "1"),
		mv(4, keyA, ledger.KindReserve, "2"),
	}

	balances := ledger.FoldAll(movements)

	require.Len(t, balances, 3)
	assert.Equal(t, other, balances[0].Key())
	assert.Equal(t, keyA, balances[1].Key())
	assert.Equal(t, keyB, balances[2].Key())
	assert.True(t, balances[1].Available().Equal(qty("5")))
}

// =============================================================================
// VALIDATION TESTS
// =============================================================================

func TestMovementValidate(t *testing.T) {
	tests := []struct {
		name  string
		m     ledger.Movement
		field string
	}{
		{"missing product", ledger.Movement{WarehouseID: 1, Kind: ledger.KindReceipt, Quantity: qty("1")}, "product_id"},
		{"missing warehouse", ledger.Movement{ProductID: 1, Kind: ledger.KindReceipt, Quantity: qty("1")}, "warehouse_id"},
		{"unknown kind", ledger.Movement{ProductID: 1, WarehouseID: 1, Kind: "TRANSFER", Quantity: qty("1")}, "kind"},
		{"zero receipt", ledger.Movement{ProductID: 1, WarehouseID: 1, Kind: ledger.KindReceipt, Quantity: qty("0")}, "quantity"},
		{"negative issue", ledger.Movement{ProductID: 1, WarehouseID: 1, Kind: ledger.KindIssue, Quantity: qty("-1")}, "quantity"},
		{"zero adjust", ledger.Movement{ProductID: 1, WarehouseID: 1, Kind: ledger.KindAdjust, Quantity: qty("0")}, "quantity"},
		{"negative cost", ledger.Movement{ProductID: 1, WarehouseID: 1, Kind: ledger.KindReceipt, Quantity: qty("1"), UnitCost: ledger.DecimalPtr(qty("-1"))}, "unit_cost"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.m.Validate()

			var verr *ledger.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.ErrorIs(t, err, ledger.ErrValidation)
		})
	}

	t.Run("negative adjust is valid", func(t *testing.T) {
		m := ledger.Movement{ProductID: 1, WarehouseID: 1, Kind: ledger.KindAdjust, Quantity: qty("-3")}
		assert.NoError(t, m.Validate())
	})
}

func TestValidateBatch_Empty(t *testing.T) {
	err := ledger.ValidateBatch(nil)
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestErrorHelpers(t *testing.T) {
	assert.True(t, ledger.IsClientError(&ledger.InsufficientStockError{}))
	assert.True(t, ledger.IsClientError(&ledger.NotFoundError{Resource: "product", ID: 1}))
	assert.True(t, ledger.IsIntegrityError(&ledger.OverReleaseError{}))
	assert.True(t, ledger.IsIntegrityError(&ledger.LotUnderflowError{}))
	assert.True(t, ledger.IsRetryable(&ledger.ContentionError{Key: keyA}))
	assert.False(t, ledger.IsRetryable(&ledger.InsufficientStockError{}))
}
