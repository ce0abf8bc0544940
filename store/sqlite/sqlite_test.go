package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/stock-engine/ledger"
	"github.com/warp/stock-engine/orders"
	"github.com/warp/stock-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// =============================================================================
// MOVEMENTS
// =============================================================================

func TestStore_Movements_RoundTrip(t *testing.T) {
	// GIVEN: A receipt with every optional field and an issue with consumptions
	// WHEN: Reading them back
	// THEN: Decimals, times and consumptions survive unchanged

	ctx := context.Background()
	store := newTestStore(t)

	expires := time.Date(2026, time.January, 31, 0, 0, 0, 0, time.UTC)
	occurred := time.Date(2025, time.March, 1, 9, 30, 0, 123000000, time.UTC)
	supplier := ledger.SupplierID(9)

	received, err := store.AppendBatch(ctx, []ledger.Movement{{
		ProductID:   1,
		WarehouseID: 2,
		Kind:        ledger.KindReceipt,
		Quantity:    dec("12.5"),
		UnitCost:    ledger.DecimalPtr(dec("3.3333")),
		ExpiresAt:   &expires,
		SupplierID:  &supplier,
		Document:    ledger.DocumentRef{Kind: ledger.DocumentReceipt},
		Reason:      "delivery",
		OccurredAt:  occurred,
		ActorID:     5,
	}})
	require.NoError(t, err)
	require.Len(t, received, 1)
	lotID := received[0].ID

	_, err = store.AppendBatch(ctx, []ledger.Movement{{
		ProductID:   1,
		WarehouseID: 2,
		Kind:        ledger.KindIssue,
		Quantity:    dec("2"),
		Document:    ledger.DocumentRef{Kind: ledger.DocumentOrder, ID: 77},
		Consumptions: []ledger.LotConsumption{
			{LotID: lotID, Quantity: dec("2"), UnitCost: dec("3.3333")},
		},
	}})
	require.NoError(t, err)

	got, err := ledger.Load(ctx, store, ledger.Key{ProductID: 1, WarehouseID: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)

	r := got[0]
	assert.Equal(t, ledger.KindReceipt, r.Kind)
	assert.True(t, r.Quantity.Equal(dec("12.5")))
	require.NotNil(t, r.UnitCost)
	assert.True(t, r.UnitCost.Equal(dec("3.3333")))
	require.NotNil(t, r.ExpiresAt)
	assert.True(t, r.ExpiresAt.Equal(expires))
	require.NotNil(t, r.SupplierID)
	assert.Equal(t, supplier, *r.SupplierID)
	assert.True(t, r.OccurredAt.Equal(occurred))
	assert.Equal(t, "delivery", r.Reason)
	assert.Equal(t, ledger.ActorID(5), r.ActorID)

	i := got[1]
	assert.Equal(t, ledger.DocumentRef{Kind: ledger.DocumentOrder, ID: 77}, i.Document)
	require.Len(t, i.Consumptions, 1)
	assert.Equal(t, lotID, i.Consumptions[0].LotID)
	assert.True(t, i.TotalCost().Equal(dec("6.6666")))

	lots := ledger.OpenLots(got)
	require.Len(t, lots, 1)
	assert.True(t, lots[0].Remaining.Equal(dec("10.5")))
}

func TestStore_AppendBatch_IsAtomic(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.AppendBatch(ctx, []ledger.Movement{
		{ProductID: 1, WarehouseID: 1, Kind: ledger.KindReceipt, Quantity: dec("1")},
		{ProductID: 1, WarehouseID: 1, Kind: ledger.KindReceipt, Quantity: dec("-1")},
	})

	assert.ErrorIs(t, err, ledger.ErrValidation)
	all, err := store.Movements(ctx, ledger.Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestStore_WithTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx ledger.Store) error {
		_, err := tx.AppendBatch(ctx, []ledger.Movement{
			{ProductID: 1, WarehouseID: 1, Kind: ledger.KindReceipt, Quantity: dec("4")},
		})
		require.NoError(t, err)

		inside, err := tx.Movements(ctx, ledger.Filter{})
		require.NoError(t, err)
		assert.Len(t, inside, 1)
		return boom
	})

	assert.ErrorIs(t, err, boom)
	all, err := store.Movements(ctx, ledger.Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

// =============================================================================
// ORDERS
// =============================================================================

func TestStore_Orders_CreateUpdateHistory(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Date(2025, time.June, 2, 10, 0, 0, 0, time.UTC)

	o := &orders.Order{
		Number:        orders.FormatNumber(2025, 1),
		Status:        orders.StatusPending,
		WarehouseID:   3,
		CustomerLabel: "Acme",
		CreatedBy:     8,
		CreatedAt:     now,
		UpdatedAt:     now,
		Lines: []orders.Line{
			{ProductID: 1, Quantity: dec("5"), ReservedQuantity: decimal.Zero, UnitPrice: ledger.DecimalPtr(dec("9.99"))},
			{ProductID: 2, Quantity: dec("3"), ReservedQuantity: decimal.Zero},
		},
	}
	require.NoError(t, store.CreateOrder(ctx, o))
	require.NotZero(t, o.ID)

	o.Status = orders.StatusReserved
	o.Lines[0].ReservedQuantity = dec("5")
	o.Lines[1].ReservedQuantity = dec("3")
	require.NoError(t, store.UpdateOrder(ctx, o))
	require.NoError(t, store.AppendHistory(ctx, &orders.HistoryEntry{
		OrderID: o.ID, OldStatus: orders.StatusPending, NewStatus: orders.StatusReserved, ChangedBy: 8, ChangedAt: now,
	}))

	got, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ORD-2025-000001", got.Number)
	assert.Equal(t, orders.StatusReserved, got.Status)
	require.Len(t, got.Lines, 2)
	assert.True(t, got.Lines[0].ReservedQuantity.Equal(dec("5")))
	require.NotNil(t, got.Lines[0].UnitPrice)
	assert.True(t, got.Lines[0].UnitPrice.Equal(dec("9.99")))
	assert.Nil(t, got.Lines[1].UnitPrice)

	history, err := store.ListHistory(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, orders.StatusPending, history[0].OldStatus)

	n, err := store.CountOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_Orders_DuplicateNumberRejected(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, store.CreateOrder(ctx, &orders.Order{Number: "ORD-2025-000001", Status: orders.StatusPending, WarehouseID: 1, CreatedAt: now, UpdatedAt: now}))
	err := store.CreateOrder(ctx, &orders.Order{Number: "ORD-2025-000001", Status: orders.StatusPending, WarehouseID: 1, CreatedAt: now, UpdatedAt: now})

	// Detected by result code, reported as retryable, driver error kept
	require.Error(t, err)
	assert.True(t, ledger.IsRetryable(err))
	var serr sqlite3.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, sqlite3.ErrConstraintUnique, serr.ExtendedCode)
}

func TestStore_ListOrders_Filters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now().UTC()

	for i, label := range []string{"Acme", "Globex", "acme west"} {
		status := orders.StatusReserved
		if i == 1 {
			status = orders.StatusCancelled
		}
		require.NoError(t, store.CreateOrder(ctx, &orders.Order{
			Number: orders.FormatNumber(2025, i+1), Status: status, WarehouseID: 1,
			CustomerLabel: label, CreatedAt: now, UpdatedAt: now,
		}))
	}

	list, err := store.ListOrders(ctx, orders.Filter{Search: "ACME"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "acme west", list[0].CustomerLabel)

	list, err = store.ListOrders(ctx, orders.Filter{Status: orders.StatusCancelled})
	require.NoError(t, err)
	require.Len(t, list, 1)

	list, err = store.ListOrders(ctx, orders.Filter{Search: "000002"})
	require.NoError(t, err)
	require.Len(t, list, 1)
}

// =============================================================================
// REGISTRY
// =============================================================================

func TestStore_Registry(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	w, err := store.RegisterWarehouse(ctx, "Main")
	require.NoError(t, err)

	ok, err := store.WarehouseExists(ctx, w)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ProductExists(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}
