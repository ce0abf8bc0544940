package orders_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/stock-engine/inventory"
	"github.com/warp/stock-engine/ledger"
	"github.com/warp/stock-engine/orders"
	"github.com/warp/stock-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fixture struct {
	orders *orders.Service
	inv    *inventory.Service
	store  *sqlite.Store
	wh     ledger.WarehouseID
	p1     ledger.ProductID
	p2     ledger.ProductID
}

const actor ledger.ActorID = 7

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	wh, err := store.RegisterWarehouse(ctx, "Main")
	require.NoError(t, err)
	p1, err := store.RegisterProduct(ctx, "Widget")
	require.NoError(t, err)
	p2, err := store.RegisterProduct(ctx, "Gadget")
	require.NoError(t, err)

	inv := inventory.NewService(store, store, ledger.NewKeyLocker(time.Second), zerolog.Nop())
	svc := orders.NewService(store, store, inv, zerolog.Nop())
	svc.Now = func() time.Time { return time.Date(2025, time.July, 4, 12, 0, 0, 0, time.UTC) }

	return &fixture{orders: svc, inv: inv, store: store, wh: wh, p1: p1, p2: p2}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (f *fixture) receive(t *testing.T, p ledger.ProductID, q, cost string, at time.Time) {
	t.Helper()
	_, err := f.inv.Receive(context.Background(), inventory.ReceiveInput{
		WarehouseID: f.wh,
		Lines:       []inventory.ReceiptLine{{ProductID: p, Quantity: dec(q), UnitCost: ledger.DecimalPtr(dec(cost))}},
		OccurredAt:  at,
	})
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, p ledger.ProductID) ledger.Balance {
	t.Helper()
	b, err := f.inv.Balance(context.Background(), p, f.wh)
	require.NoError(t, err)
	return b
}

func (f *fixture) movementCount(t *testing.T) int {
	t.Helper()
	ms, err := f.inv.Movements(context.Background(), ledger.Filter{})
	require.NoError(t, err)
	return len(ms)
}

// standardOrder creates the order [(P1, 5), (P2, 3)] on 20/10 units of stock.
func (f *fixture) standardOrder(t *testing.T) *orders.Order {
	t.Helper()
	f.receive(t, f.p1, "20", "2.00", time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC))
	f.receive(t, f.p2, "10", "5.00", time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC))

	o, err := f.orders.Create(context.Background(), orders.CreateInput{
		WarehouseID:   f.wh,
		CustomerLabel: "Acme",
		Lines: []orders.CreateLine{
			{ProductID: f.p1, Quantity: dec("5"), UnitPrice: ledger.DecimalPtr(dec("4.50"))},
			{ProductID: f.p2, Quantity: dec("3")},
		},
		Actor: actor,
	})
	require.NoError(t, err)
	return o
}

// =============================================================================
// CREATE
// =============================================================================

func TestCreate_ReservesAllLines(t *testing.T) {
	// GIVEN: 20 of P1 and 10 of P2
	// WHEN: Creating an order for 5 x P1 and 3 x P2
	// THEN: The order is reserved, numbered, and history records pending -> reserved

	f := newFixture(t)
	o := f.standardOrder(t)

	assert.Equal(t, orders.StatusReserved, o.Status)
	assert.Equal(t, "ORD-2025-000001", o.Number)
	assert.Equal(t, actor, o.CreatedBy)
	require.Len(t, o.Lines, 2)
	assert.True(t, o.Lines[0].ReservedQuantity.Equal(dec("5")))
	assert.True(t, o.Lines[1].ReservedQuantity.Equal(dec("3")))

	require.Len(t, o.History, 1)
	assert.Equal(t, orders.StatusPending, o.History[0].OldStatus)
	assert.Equal(t, orders.StatusReserved, o.History[0].NewStatus)

	assert.True(t, f.balance(t, f.p1).Available().Equal(dec("15")))
	assert.True(t, f.balance(t, f.p2).Available().Equal(dec("7")))

	reserves, err := f.inv.Movements(context.Background(), ledger.Filter{ProductID: &f.p1})
	require.NoError(t, err)
	last := reserves[len(reserves)-1]
	assert.Equal(t, ledger.KindReserve, last.Kind)
	assert.Equal(t, ledger.DocumentRef{Kind: ledger.DocumentOrder, ID: int64(o.ID)}, last.Document)
}

func TestCreate_SequentialNumbers(t *testing.T) {
	f := newFixture(t)
	f.standardOrder(t)

	o, err := f.orders.Create(context.Background(), orders.CreateInput{
		WarehouseID: f.wh,
		Lines:       []orders.CreateLine{{ProductID: f.p1, Quantity: dec("1")}},
		Actor:       actor,
	})

	require.NoError(t, err)
	assert.Equal(t, "ORD-2025-000002", o.Number)
}

func TestCreate_InsufficientStock_NothingPersists(t *testing.T) {
	// GIVEN: 20 of P1 but only 2 of P2
	// WHEN: Ordering 5 x P1 and 3 x P2
	// THEN: InsufficientStock, no order, no reservation

	f := newFixture(t)
	ctx := context.Background()
	f.receive(t, f.p1, "20", "1", time.Now())
	f.receive(t, f.p2, "2", "1", time.Now())
	before := f.movementCount(t)

	_, err := f.orders.Create(ctx, orders.CreateInput{
		WarehouseID: f.wh,
		Lines: []orders.CreateLine{
			{ProductID: f.p1, Quantity: dec("5")},
			{ProductID: f.p2, Quantity: dec("3")},
		},
		Actor: actor,
	})

	var insufficient *ledger.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, f.p2, insufficient.ProductID)

	n, err := f.store.CountOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, before, f.movementCount(t))
}

// failingRunner lets the reservation append succeed, then fails the
// transaction, so everything created before the failure must roll back.
type failingRunner struct {
	*sqlite.Store
	err error
}

func (r failingRunner) RunInTx(ctx context.Context, fn func(orders.Tx) error) error {
	return r.Store.RunInTx(ctx, func(tx orders.Tx) error {
		return fn(failingTx{Tx: tx, err: r.err})
	})
}

type failingTx struct {
	orders.Tx
	err error
}

func (tx failingTx) AppendBatch(ctx context.Context, movements []ledger.Movement) ([]ledger.Movement, error) {
	if _, err := tx.Tx.AppendBatch(ctx, movements); err != nil {
		return nil, err
	}
	return nil, tx.err
}

// cancellingRunner cancels the caller's request context just before the
// transaction starts, as when a client disconnects after the locks are held.
type cancellingRunner struct {
	*sqlite.Store
	cancel context.CancelFunc
}

func (r cancellingRunner) RunInTx(ctx context.Context, fn func(orders.Tx) error) error {
	r.cancel()
	return r.Store.RunInTx(ctx, fn)
}

func TestCreate_CallerCancelledAfterLocking_StillCommits(t *testing.T) {
	// GIVEN: A request whose context is cancelled once the locks are taken
	// WHEN: Creating an order
	// THEN: The order, its lines and its RESERVE movements all commit

	f := newFixture(t)
	f.receive(t, f.p1, "10", "1.00", time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC))
	before := f.movementCount(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.orders.Runner = cancellingRunner{Store: f.store, cancel: cancel}

	o, err := f.orders.Create(ctx, orders.CreateInput{
		WarehouseID: f.wh,
		Lines:       []orders.CreateLine{{ProductID: f.p1, Quantity: dec("4")}},
		Actor:       actor,
	})

	require.NoError(t, err)
	require.Error(t, ctx.Err())
	assert.Equal(t, orders.StatusReserved, o.Status)

	n, err := f.store.CountOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, before+1, f.movementCount(t))
	assert.True(t, f.balance(t, f.p1).Reserved.Equal(dec("4")))
}

func TestChangeStatus_CallerCancelledAfterLocking_StillCompletes(t *testing.T) {
	// GIVEN: A reserved order and a request cancelled once the locks are taken
	// WHEN: Completing it
	// THEN: RELEASE and ISSUE commit together with the status change

	f := newFixture(t)
	o := f.standardOrder(t)
	before := f.movementCount(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.orders.Runner = cancellingRunner{Store: f.store, cancel: cancel}

	done, err := f.orders.ChangeStatus(ctx, o.ID, orders.StatusCompleted, actor, orders.ChangeOptions{})

	require.NoError(t, err)
	require.Error(t, ctx.Err())
	assert.Equal(t, orders.StatusCompleted, done.Status)

	// Two lines: one RELEASE and one ISSUE each
	assert.Equal(t, before+4, f.movementCount(t))
	b := f.balance(t, f.p1)
	assert.True(t, b.Reserved.IsZero())
	assert.True(t, b.Physical.Equal(dec("15")))

	stored, err := f.store.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCompleted, stored.Status)
}

func TestCreate_FailureInsideTx_RollsBackOrderLinesAndReservations(t *testing.T) {
	// GIVEN: A store whose reservation step fails after writing
	// WHEN: Creating an order
	// THEN: The original error surfaces and no order, line or RESERVE persists

	f := newFixture(t)
	ctx := context.Background()
	f.receive(t, f.p1, "10", "1", time.Now())
	before := f.movementCount(t)

	boom := errors.New("disk full")
	f.orders.Runner = failingRunner{Store: f.store, err: boom}

	_, err := f.orders.Create(ctx, orders.CreateInput{
		WarehouseID: f.wh,
		Lines:       []orders.CreateLine{{ProductID: f.p1, Quantity: dec("5")}},
		Actor:       actor,
	})

	assert.ErrorIs(t, err, boom)
	n, err := f.store.CountOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, before, f.movementCount(t))
	assert.True(t, f.balance(t, f.p1).Reserved.IsZero())
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orders.Create(ctx, orders.CreateInput{WarehouseID: f.wh, Actor: actor})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = f.orders.Create(ctx, orders.CreateInput{
		WarehouseID: f.wh,
		Lines:       []orders.CreateLine{{ProductID: f.p1, Quantity: dec("0")}},
	})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = f.orders.Create(ctx, orders.CreateInput{
		WarehouseID: 404,
		Lines:       []orders.CreateLine{{ProductID: f.p1, Quantity: dec("1")}},
	})
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// =============================================================================
// STATUS CHANGES
// =============================================================================

func TestChangeStatus_Cancel_ReleasesExactly(t *testing.T) {
	// GIVEN: A reserved order for (P1, 5), (P2, 3)
	// WHEN: Cancelling it
	// THEN: Available is restored, physical untouched, history grows by one

	f := newFixture(t)
	o := f.standardOrder(t)

	cancelled, err := f.orders.ChangeStatus(context.Background(), o.ID, orders.StatusCancelled, actor, orders.ChangeOptions{})

	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, cancelled.Status)
	require.Len(t, cancelled.History, 2)
	assert.Equal(t, orders.StatusReserved, cancelled.History[1].OldStatus)
	assert.Equal(t, orders.StatusCancelled, cancelled.History[1].NewStatus)
	for _, l := range cancelled.Lines {
		assert.True(t, l.ReservedQuantity.IsZero())
	}

	b1 := f.balance(t, f.p1)
	assert.True(t, b1.Available().Equal(dec("20")))
	assert.True(t, b1.Physical.Equal(dec("20")))
	assert.True(t, f.balance(t, f.p2).Available().Equal(dec("10")))
}

func TestChangeStatus_Complete_ReleasesThenIssues(t *testing.T) {
	// GIVEN: A reserved order for (P1, 5), (P2, 3)
	// WHEN: Completing it
	// THEN: Physical drops by 5 and 3, reserved back to zero, issues carry the order reference

	f := newFixture(t)
	o := f.standardOrder(t)

	completed, err := f.orders.ChangeStatus(context.Background(), o.ID, orders.StatusCompleted, actor, orders.ChangeOptions{Method: ledger.LIFO})

	require.NoError(t, err)
	assert.Equal(t, orders.StatusCompleted, completed.Status)

	b1 := f.balance(t, f.p1)
	assert.True(t, b1.Physical.Equal(dec("15")))
	assert.True(t, b1.Reserved.IsZero())
	b2 := f.balance(t, f.p2)
	assert.True(t, b2.Physical.Equal(dec("7")))
	assert.True(t, b2.Reserved.IsZero())

	movements, err := f.inv.Movements(context.Background(), ledger.Filter{ProductID: &f.p1})
	require.NoError(t, err)
	issue := movements[len(movements)-1]
	assert.Equal(t, ledger.KindIssue, issue.Kind)
	assert.Equal(t, "shipment for order "+o.Number, issue.Reason)
	assert.Equal(t, o.Document(), issue.Document)
	assert.True(t, issue.TotalCost().Equal(dec("10")))
}

func TestChangeStatus_SameStatus_IsNoOp(t *testing.T) {
	f := newFixture(t)
	o := f.standardOrder(t)
	before := f.movementCount(t)

	same, err := f.orders.ChangeStatus(context.Background(), o.ID, orders.StatusReserved, actor, orders.ChangeOptions{})

	require.NoError(t, err)
	assert.Equal(t, orders.StatusReserved, same.Status)
	assert.Len(t, same.History, 1)
	assert.Equal(t, before, f.movementCount(t))
}

func TestChangeStatus_InvalidTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.standardOrder(t)

	// reserved -> pending is not allowed
	_, err := f.orders.ChangeStatus(ctx, o.ID, orders.StatusPending, actor, orders.ChangeOptions{})
	var invalid *orders.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, orders.StatusReserved, invalid.From)
	assert.Equal(t, orders.StatusPending, invalid.To)

	// terminal states never move
	_, err = f.orders.ChangeStatus(ctx, o.ID, orders.StatusCancelled, actor, orders.ChangeOptions{})
	require.NoError(t, err)
	_, err = f.orders.ChangeStatus(ctx, o.ID, orders.StatusCompleted, actor, orders.ChangeOptions{})
	assert.ErrorIs(t, err, orders.ErrInvalidTransition)
	_, err = f.orders.ChangeStatus(ctx, o.ID, orders.StatusReserved, actor, orders.ChangeOptions{})
	assert.ErrorIs(t, err, orders.ErrInvalidTransition)

	// unknown status string
	_, err = f.orders.ChangeStatus(ctx, o.ID, orders.Status("shipped"), actor, orders.ChangeOptions{})
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestChangeStatus_UnknownOrder(t *testing.T) {
	f := newFixture(t)

	_, err := f.orders.ChangeStatus(context.Background(), 404, orders.StatusCancelled, actor, orders.ChangeOptions{})

	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestChangeStatus_CompleteWithLotUnderflow_RollsBackRelease(t *testing.T) {
	// GIVEN: A reserved order whose lots were drained behind the engine's back
	// WHEN: Completing it
	// THEN: LotUnderflow, the order stays reserved and the reservation is intact

	f := newFixture(t)
	ctx := context.Background()
	o := f.standardOrder(t)

	lots, err := f.inv.Lots(ctx, f.p1, f.wh)
	require.NoError(t, err)
	_, err = f.store.AppendBatch(ctx, []ledger.Movement{{
		ProductID: f.p1, WarehouseID: f.wh, Kind: ledger.KindIssue, Quantity: dec("1"),
		Consumptions: []ledger.LotConsumption{{LotID: lots[0].ID, Quantity: dec("20"), UnitCost: dec("2")}},
	}})
	require.NoError(t, err)

	_, err = f.orders.ChangeStatus(ctx, o.ID, orders.StatusCompleted, actor, orders.ChangeOptions{})

	assert.ErrorIs(t, err, ledger.ErrLotUnderflow)
	got, err := f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusReserved, got.Status)
	assert.True(t, f.balance(t, f.p1).Reserved.Equal(dec("5")))
}

// =============================================================================
// DETAILS AND LISTING
// =============================================================================

func TestUpdateDetails_OpenAndClosedOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.standardOrder(t)

	label := "Acme West"
	updated, err := f.orders.UpdateDetails(ctx, o.ID, orders.DetailsInput{CustomerLabel: &label})
	require.NoError(t, err)
	assert.Equal(t, "Acme West", updated.CustomerLabel)
	assert.Equal(t, orders.StatusReserved, updated.Status)

	_, err = f.orders.ChangeStatus(ctx, o.ID, orders.StatusCompleted, actor, orders.ChangeOptions{})
	require.NoError(t, err)

	_, err = f.orders.UpdateDetails(ctx, o.ID, orders.DetailsInput{CustomerLabel: &label})
	var closed *orders.OrderClosedError
	require.ErrorAs(t, err, &closed)
	assert.Equal(t, orders.StatusCompleted, closed.Status)
}

func TestList_FiltersByStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.standardOrder(t)
	_, err := f.orders.Create(ctx, orders.CreateInput{
		WarehouseID: f.wh,
		Lines:       []orders.CreateLine{{ProductID: f.p1, Quantity: dec("1")}},
		Actor:       actor,
	})
	require.NoError(t, err)
	_, err = f.orders.ChangeStatus(ctx, o.ID, orders.StatusCancelled, actor, orders.ChangeOptions{})
	require.NoError(t, err)

	reserved, err := f.orders.List(ctx, orders.Filter{Status: orders.StatusReserved})
	require.NoError(t, err)
	assert.Len(t, reserved, 1)

	all, err := f.orders.List(ctx, orders.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = f.orders.List(ctx, orders.Filter{Status: "bogus"})
	assert.ErrorIs(t, err, ledger.ErrValidation)
}
