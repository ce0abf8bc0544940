// Package memory provides an in-memory store for tests and development.
//
// One Memory value implements every persistence contract the engines use:
// ledger.TxStore, ledger.Registry, orders.Repository and orders.TxRunner.
// Transactions hold the store's write lock for their whole duration and are
// rolled back from a snapshot when fn fails.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warp/stock-engine/ledger"
	"github.com/warp/stock-engine/orders"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Memory struct {
	mu  sync.RWMutex
	d   *data
	now func() time.Time
}

type data struct {
	movements  []ledger.Movement
	products   map[ledger.ProductID]string
	warehouses map[ledger.WarehouseID]string
	orders     map[orders.OrderID]*orders.Order
	history    []orders.HistoryEntry

	nextMovement  ledger.MovementID
	nextProduct   ledger.ProductID
	nextWarehouse ledger.WarehouseID
	nextOrder     orders.OrderID
	nextLine      int64
	nextHistory   int64
}

func New() *Memory {
	return &Memory{
		d: &data{
			products:   make(map[ledger.ProductID]string),
			warehouses: make(map[ledger.WarehouseID]string),
			orders:     make(map[orders.OrderID]*orders.Order),
		},
		now: time.Now,
	}
}

// SetClock replaces the clock used for CreatedAt stamps.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) view() *view {
	return &view{d: m.d, now: m.now}
}

// AppendBatch validates every movement, then appends them all.
func (m *Memory) AppendBatch(ctx context.Context, movements []ledger.Movement) ([]ledger.Movement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().AppendBatch(ctx, movements)
}

func (m *Memory) Movements(ctx context.Context, f ledger.Filter) ([]ledger.Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().Movements(ctx, f)
}

func (m *Memory) ProductExists(_ context.Context, id ledger.ProductID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.d.products[id]
	return ok, nil
}

func (m *Memory) WarehouseExists(_ context.Context, id ledger.WarehouseID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.d.warehouses[id]
	return ok, nil
}

func (m *Memory) RegisterProduct(_ context.Context, label string) (ledger.ProductID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.d.nextProduct++
	m.d.products[m.d.nextProduct] = label
	return m.d.nextProduct, nil
}

func (m *Memory) RegisterWarehouse(_ context.Context, label string) (ledger.WarehouseID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.d.nextWarehouse++
	m.d.warehouses[m.d.nextWarehouse] = label
	return m.d.nextWarehouse, nil
}

func (m *Memory) CreateOrder(ctx context.Context, o *orders.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().CreateOrder(ctx, o)
}

func (m *Memory) GetOrder(ctx context.Context, id orders.OrderID) (*orders.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().GetOrder(ctx, id)
}

func (m *Memory) UpdateOrder(ctx context.Context, o *orders.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().UpdateOrder(ctx, o)
}

func (m *Memory) AppendHistory(ctx context.Context, h *orders.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().AppendHistory(ctx, h)
}

func (m *Memory) ListHistory(ctx context.Context, id orders.OrderID) ([]orders.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().ListHistory(ctx, id)
}

func (m *Memory) CountOrders(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().CountOrders(ctx)
}

func (m *Memory) ListOrders(ctx context.Context, f orders.Filter) ([]orders.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().ListOrders(ctx, f)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For the memory store this is a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return m.RunInTx(ctx, func(tx orders.Tx) error { return fn(tx) })
}

// RunInTx executes fn with a view that sees its own writes. The snapshot is
// restored when fn returns an error or panics.
func (m *Memory) RunInTx(_ context.Context, fn func(orders.Tx) error) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.d.clone()
	committed := false
	defer func() {
		if !committed {
			m.d = snapshot
		}
	}()

	if err = fn(m.view()); err != nil {
		return err
	}
	committed = true
	return nil
}

func (d *data) clone() *data {
	c := *d
	c.movements = append([]ledger.Movement(nil), d.movements...)
	c.history = append([]orders.HistoryEntry(nil), d.history...)
	c.products = make(map[ledger.ProductID]string, len(d.products))
	for k, v := range d.products {
		c.products[k] = v
	}
	c.warehouses = make(map[ledger.WarehouseID]string, len(d.warehouses))
	for k, v := range d.warehouses {
		c.warehouses[k] = v
	}
	c.orders = make(map[orders.OrderID]*orders.Order, len(d.orders))
	for k, v := range d.orders {
		c.orders[k] = copyOrder(v)
	}
	return &c
}

// =============================================================================
// VIEW - Unlocked operations, shared by direct calls and transactions
// =============================================================================

type view struct {
	d   *data
	now func() time.Time
}

func (v *view) AppendBatch(_ context.Context, movements []ledger.Movement) ([]ledger.Movement, error) {
	if err := ledger.ValidateBatch(movements); err != nil {
		return nil, err
	}

	now := v.now().UTC()
	committed := make([]ledger.Movement, len(movements))
	for i, mv := range movements {
		v.d.nextMovement++
		mv.ID = v.d.nextMovement
		mv.CreatedAt = now
		if mv.OccurredAt.IsZero() {
			mv.OccurredAt = now
		}
		mv.Consumptions = append([]ledger.LotConsumption(nil), mv.Consumptions...)
		v.d.movements = append(v.d.movements, mv)
		committed[i] = copyMovement(mv)
	}
	return committed, nil
}

func (v *view) Movements(_ context.Context, f ledger.Filter) ([]ledger.Movement, error) {
	var result []ledger.Movement
	for _, mv := range v.d.movements {
		if f.Matches(mv) {
			result = append(result, copyMovement(mv))
		}
	}
	return result, nil
}

func (v *view) CreateOrder(_ context.Context, o *orders.Order) error {
	v.d.nextOrder++
	o.ID = v.d.nextOrder
	for i := range o.Lines {
		v.d.nextLine++
		o.Lines[i].ID = v.d.nextLine
		o.Lines[i].OrderID = o.ID
	}
	stored := copyOrder(o)
	stored.History = nil
	v.d.orders[o.ID] = stored
	return nil
}

func (v *view) GetOrder(_ context.Context, id orders.OrderID) (*orders.Order, error) {
	o, ok := v.d.orders[id]
	if !ok {
		return nil, nil
	}
	return copyOrder(o), nil
}

func (v *view) UpdateOrder(_ context.Context, o *orders.Order) error {
	stored, ok := v.d.orders[o.ID]
	if !ok {
		return &ledger.NotFoundError{Resource: "order", ID: int64(o.ID)}
	}
	stored.Status = o.Status
	stored.CustomerLabel = o.CustomerLabel
	stored.UpdatedAt = o.UpdatedAt
	reserved := make(map[int64]orders.Line, len(o.Lines))
	for _, l := range o.Lines {
		reserved[l.ID] = l
	}
	for i := range stored.Lines {
		if l, ok := reserved[stored.Lines[i].ID]; ok {
			stored.Lines[i].ReservedQuantity = l.ReservedQuantity
		}
	}
	return nil
}

func (v *view) AppendHistory(_ context.Context, h *orders.HistoryEntry) error {
	v.d.nextHistory++
	h.ID = v.d.nextHistory
	v.d.history = append(v.d.history, *h)
	return nil
}

func (v *view) ListHistory(_ context.Context, id orders.OrderID) ([]orders.HistoryEntry, error) {
	var result []orders.HistoryEntry
	for _, h := range v.d.history {
		if h.OrderID == id {
			result = append(result, h)
		}
	}
	return result, nil
}

func (v *view) CountOrders(_ context.Context) (int, error) {
	return len(v.d.orders), nil
}

func (v *view) ListOrders(_ context.Context, f orders.Filter) ([]orders.Order, error) {
	search := strings.ToLower(f.Search)
	var result []orders.Order
	for _, o := range v.d.orders {
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.WarehouseID != 0 && o.WarehouseID != f.WarehouseID {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(o.Number), search) &&
			!strings.Contains(strings.ToLower(o.CustomerLabel), search) {
			continue
		}
		c := *o
		c.Lines = nil
		c.History = nil
		result = append(result, c)
	}
	// IDs are assigned in creation order
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	return result, nil
}

// =============================================================================
// COPY HELPERS - Callers never share memory with the store
// =============================================================================

func copyMovement(mv ledger.Movement) ledger.Movement {
	mv.Consumptions = append([]ledger.LotConsumption(nil), mv.Consumptions...)
	return mv
}

func copyOrder(o *orders.Order) *orders.Order {
	c := *o
	c.Lines = append([]orders.Line(nil), o.Lines...)
	c.History = append([]orders.HistoryEntry(nil), o.History...)
	return &c
}
