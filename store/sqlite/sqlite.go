/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence contract the engines use with SQLite. The
  same schema and queries carry over to PostgreSQL with minor dialect changes.

INTERFACES IMPLEMENTED:
  ledger.TxStore:     Movement persistence
  ledger.Registry:    Product/warehouse existence list
  orders.Repository:  Orders, lines and status history
  orders.TxRunner:    Movements and orders in one transaction

APPEND-ONLY ENFORCEMENT:
  stock_movements and lot_consumptions carry triggers that abort any
  UPDATE or DELETE. Corrections are new ADJUST movements.

KEY TABLES:
  stock_movements:      Immutable ledger of all stock changes
  lot_consumptions:     Which receipt lots each outgoing movement drew from
  orders, order_lines:  Customer orders and their lines
  order_status_history: One row per status change
  products, warehouses: Existence registry

STORAGE FORMAT:
  Decimals are stored as TEXT so no precision is lost. Times are RFC3339Nano
  TEXT in UTC.

CONCURRENCY:
  The pool is limited to one connection, so a transaction owns the database
  until it commits. Inside RunInTx/WithTx only the handed-in view may be
  used; calling back into the Store would wait for the connection held by
  the transaction.

USAGE:
  store, err := sqlite.New("./data/stock.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Movement contract
  - orders/repository.go: Order contract
  - store/memory: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/stock-engine/ledger"
	"github.com/warp/stock-engine/orders"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SetClock replaces the clock used for CreatedAt stamps.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS products (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		label TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS warehouses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		label TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Movements (append-only ledger)
	CREATE TABLE IF NOT EXISTS stock_movements (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		product_id INTEGER NOT NULL,
		warehouse_id INTEGER NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('RECEIPT', 'ISSUE', 'RESERVE', 'RELEASE', 'ADJUST')),
		quantity TEXT NOT NULL,
		unit_cost TEXT,
		expires_at TEXT,
		supplier_id INTEGER,
		document_kind TEXT NOT NULL DEFAULT '',
		document_id INTEGER NOT NULL DEFAULT 0,
		reason TEXT,
		occurred_at TEXT NOT NULL,
		actor_id INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	-- Balance and lot folds read one key at a time (hot path)
	CREATE INDEX IF NOT EXISTS idx_movements_key
		ON stock_movements(product_id, warehouse_id);
	CREATE INDEX IF NOT EXISTS idx_movements_warehouse
		ON stock_movements(warehouse_id);
	CREATE INDEX IF NOT EXISTS idx_movements_document
		ON stock_movements(document_kind, document_id);

	CREATE TABLE IF NOT EXISTS lot_consumptions (
		movement_id INTEGER NOT NULL REFERENCES stock_movements(id),
		seq INTEGER NOT NULL,
		lot_id INTEGER NOT NULL REFERENCES stock_movements(id),
		quantity TEXT NOT NULL,
		unit_cost TEXT NOT NULL,
		PRIMARY KEY (movement_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_lot_consumptions_lot
		ON lot_consumptions(lot_id);

	CREATE TRIGGER IF NOT EXISTS trg_stock_movements_no_update
		BEFORE UPDATE ON stock_movements
		BEGIN SELECT RAISE(ABORT, 'stock_movements is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS trg_stock_movements_no_delete
		BEFORE DELETE ON stock_movements
		BEGIN SELECT RAISE(ABORT, 'stock_movements is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS trg_lot_consumptions_no_update
		BEFORE UPDATE ON lot_consumptions
		BEGIN SELECT RAISE(ABORT, 'lot_consumptions is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS trg_lot_consumptions_no_delete
		BEFORE DELETE ON lot_consumptions
		BEGIN SELECT RAISE(ABORT, 'lot_consumptions is append-only'); END;

	-- Orders
	CREATE TABLE IF NOT EXISTS orders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_number TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		warehouse_id INTEGER NOT NULL,
		customer_label TEXT,
		created_by INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_orders_status
		ON orders(status);
	CREATE INDEX IF NOT EXISTS idx_orders_warehouse
		ON orders(warehouse_id);

	CREATE TABLE IF NOT EXISTS order_lines (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id INTEGER NOT NULL REFERENCES orders(id),
		product_id INTEGER NOT NULL,
		quantity TEXT NOT NULL,
		reserved_quantity TEXT NOT NULL,
		unit_price TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_order_lines_order
		ON order_lines(order_id);

	CREATE TABLE IF NOT EXISTS order_status_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id INTEGER NOT NULL REFERENCES orders(id),
		old_status TEXT,
		new_status TEXT NOT NULL,
		changed_by INTEGER NOT NULL DEFAULT 0,
		changed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_order_status_history_order
		ON order_status_history(order_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is what *sql.DB and *sql.Tx have in common.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn runs every query against one querier: the pool outside a
// transaction, the *sql.Tx inside one.
type conn struct {
	q   querier
	now func() time.Time
}

func (s *Store) conn() *conn {
	return &conn{q: s.db, now: s.now}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// RunInTx executes fn within a database transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(orders.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{q: sqlTx, now: s.now}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return s.RunInTx(ctx, func(tx orders.Tx) error { return fn(tx) })
}

// =============================================================================
// MOVEMENT STORE (ledger.Store interface)
// =============================================================================

// AppendBatch adds multiple movements atomically.
func (s *Store) AppendBatch(ctx context.Context, movements []ledger.Movement) ([]ledger.Movement, error) {
	if err := ledger.ValidateBatch(movements); err != nil {
		return nil, err
	}

	var committed []ledger.Movement
	err := s.RunInTx(ctx, func(tx orders.Tx) error {
		var err error
		committed, err = tx.AppendBatch(ctx, movements)
		return err
	})
	return committed, err
}

// Movements returns matching movements ordered by ID.
func (s *Store) Movements(ctx context.Context, f ledger.Filter) ([]ledger.Movement, error) {
	return s.conn().Movements(ctx, f)
}

func (c *conn) AppendBatch(ctx context.Context, movements []ledger.Movement) ([]ledger.Movement, error) {
	if err := ledger.ValidateBatch(movements); err != nil {
		return nil, err
	}

	now := c.now().UTC()
	committed := make([]ledger.Movement, 0, len(movements))
	for _, m := range movements {
		if m.OccurredAt.IsZero() {
			m.OccurredAt = now
		}
		m.CreatedAt = now

		id, err := c.insertMovement(ctx, m)
		if err != nil {
			return nil, err
		}
		m.ID = id
		m.Consumptions = append([]ledger.LotConsumption(nil), m.Consumptions...)
		committed = append(committed, m)
	}
	return committed, nil
}

func (c *conn) insertMovement(ctx context.Context, m ledger.Movement) (ledger.MovementID, error) {
	query := `
		INSERT INTO stock_movements
		(product_id, warehouse_id, kind, quantity, unit_cost, expires_at, supplier_id,
		 document_kind, document_id, reason, occurred_at, actor_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var supplierID sql.NullInt64
	if m.SupplierID != nil {
		supplierID = sql.NullInt64{Int64: int64(*m.SupplierID), Valid: true}
	}

	res, err := c.q.ExecContext(ctx, query,
		m.ProductID,
		m.WarehouseID,
		string(m.Kind),
		m.Quantity.String(),
		nullDecimal(m.UnitCost),
		nullTime(m.ExpiresAt),
		supplierID,
		m.Document.Kind,
		m.Document.ID,
		nullString(m.Reason),
		formatTime(m.OccurredAt),
		m.ActorID,
		formatTime(m.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append movement: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read movement id: %w", err)
	}

	for i, lc := range m.Consumptions {
		_, err := c.q.ExecContext(ctx, `
			INSERT INTO lot_consumptions (movement_id, seq, lot_id, quantity, unit_cost)
			VALUES (?, ?, ?, ?, ?)
		`, id, i, lc.LotID, lc.Quantity.String(), lc.UnitCost.String())
		if err != nil {
			return 0, fmt.Errorf("failed to append lot consumption: %w", err)
		}
	}

	return ledger.MovementID(id), nil
}

func (c *conn) Movements(ctx context.Context, f ledger.Filter) ([]ledger.Movement, error) {
	where, args := movementWhere(f)

	rows, err := c.q.QueryContext(ctx, `
		SELECT id, product_id, warehouse_id, kind, quantity, unit_cost, expires_at, supplier_id,
		       document_kind, document_id, reason, occurred_at, actor_id, created_at
		FROM stock_movements m
		WHERE `+where+`
		ORDER BY id ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query movements: %w", err)
	}

	var movements []ledger.Movement
	index := make(map[ledger.MovementID]int)
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		index[m.ID] = len(movements)
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(movements) == 0 {
		return nil, nil
	}

	crows, err := c.q.QueryContext(ctx, `
		SELECT c.movement_id, c.lot_id, c.quantity, c.unit_cost
		FROM lot_consumptions c
		JOIN stock_movements m ON m.id = c.movement_id
		WHERE `+where+`
		ORDER BY c.movement_id ASC, c.seq ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query lot consumptions: %w", err)
	}
	defer crows.Close()

	for crows.Next() {
		var (
			movementID        ledger.MovementID
			lc                ledger.LotConsumption
			quantity, unitCost string
		)
		if err := crows.Scan(&movementID, &lc.LotID, &quantity, &unitCost); err != nil {
			return nil, fmt.Errorf("failed to scan lot consumption: %w", err)
		}
		if lc.Quantity, err = decimal.NewFromString(quantity); err != nil {
			return nil, fmt.Errorf("bad consumption quantity %q: %w", quantity, err)
		}
		if lc.UnitCost, err = decimal.NewFromString(unitCost); err != nil {
			return nil, fmt.Errorf("bad consumption unit cost %q: %w", unitCost, err)
		}
		if i, ok := index[movementID]; ok {
			movements[i].Consumptions = append(movements[i].Consumptions, lc)
		}
	}

	return movements, crows.Err()
}

func movementWhere(f ledger.Filter) (string, []any) {
	clauses := []string{"1 = 1"}
	var args []any
	if f.ProductID != nil {
		clauses = append(clauses, "m.product_id = ?")
		args = append(args, *f.ProductID)
	}
	if f.WarehouseID != nil {
		clauses = append(clauses, "m.warehouse_id = ?")
		args = append(args, *f.WarehouseID)
	}
	return strings.Join(clauses, " AND "), args
}

func scanMovement(rows *sql.Rows) (ledger.Movement, error) {
	var (
		m                     ledger.Movement
		kind, quantity        string
		unitCost, expiresAt   sql.NullString
		reason                sql.NullString
		supplierID            sql.NullInt64
		occurredAt, createdAt string
	)

	err := rows.Scan(
		&m.ID, &m.ProductID, &m.WarehouseID, &kind, &quantity, &unitCost, &expiresAt, &supplierID,
		&m.Document.Kind, &m.Document.ID, &reason, &occurredAt, &m.ActorID, &createdAt,
	)
	if err != nil {
		return m, fmt.Errorf("failed to scan movement: %w", err)
	}

	m.Kind = ledger.Kind(kind)
	m.Reason = reason.String
	if m.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return m, fmt.Errorf("bad movement quantity %q: %w", quantity, err)
	}
	if m.UnitCost, err = parseNullDecimal(unitCost); err != nil {
		return m, err
	}
	if expiresAt.Valid {
		t, err := parseTime(expiresAt.String)
		if err != nil {
			return m, err
		}
		m.ExpiresAt = &t
	}
	if supplierID.Valid {
		id := ledger.SupplierID(supplierID.Int64)
		m.SupplierID = &id
	}
	if m.OccurredAt, err = parseTime(occurredAt); err != nil {
		return m, err
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return m, err
	}
	return m, nil
}

// =============================================================================
// REGISTRY (ledger.Registry interface)
// =============================================================================

func (s *Store) RegisterProduct(ctx context.Context, label string) (ledger.ProductID, error) {
	id, err := s.register(ctx, "products", label)
	return ledger.ProductID(id), err
}

func (s *Store) RegisterWarehouse(ctx context.Context, label string) (ledger.WarehouseID, error) {
	id, err := s.register(ctx, "warehouses", label)
	return ledger.WarehouseID(id), err
}

func (s *Store) register(ctx context.Context, table, label string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO "+table+" (label, created_at) VALUES (?, ?)",
		label, formatTime(s.now().UTC()),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to register %s: %w", table, err)
	}
	return res.LastInsertId()
}

func (s *Store) ProductExists(ctx context.Context, id ledger.ProductID) (bool, error) {
	return s.exists(ctx, "products", int64(id))
}

func (s *Store) WarehouseExists(ctx context.Context, id ledger.WarehouseID) (bool, error) {
	return s.exists(ctx, "warehouses", int64(id))
}

func (s *Store) exists(ctx context.Context, table string, id int64) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+" WHERE id = ?", id).Scan(&count)
	return count > 0, err
}

// =============================================================================
// ORDER STORE (orders.Repository interface)
// =============================================================================

func (s *Store) CreateOrder(ctx context.Context, o *orders.Order) error {
	return s.RunInTx(ctx, func(tx orders.Tx) error { return tx.CreateOrder(ctx, o) })
}

func (s *Store) GetOrder(ctx context.Context, id orders.OrderID) (*orders.Order, error) {
	return s.conn().GetOrder(ctx, id)
}

func (s *Store) UpdateOrder(ctx context.Context, o *orders.Order) error {
	return s.RunInTx(ctx, func(tx orders.Tx) error { return tx.UpdateOrder(ctx, o) })
}

func (s *Store) AppendHistory(ctx context.Context, h *orders.HistoryEntry) error {
	return s.conn().AppendHistory(ctx, h)
}

func (s *Store) ListHistory(ctx context.Context, id orders.OrderID) ([]orders.HistoryEntry, error) {
	return s.conn().ListHistory(ctx, id)
}

func (s *Store) CountOrders(ctx context.Context) (int, error) {
	return s.conn().CountOrders(ctx)
}

func (s *Store) ListOrders(ctx context.Context, f orders.Filter) ([]orders.Order, error) {
	return s.conn().ListOrders(ctx, f)
}

func (c *conn) CreateOrder(ctx context.Context, o *orders.Order) error {
	res, err := c.q.ExecContext(ctx, `
		INSERT INTO orders
		(order_number, status, warehouse_id, customer_label, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, o.Number, string(o.Status), o.WarehouseID, nullString(o.CustomerLabel), o.CreatedBy,
		formatTime(o.CreatedAt), formatTime(o.UpdatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			// A retry recounts and picks the next number.
			return fmt.Errorf("order number %s already taken: %w: %w", o.Number, ledger.ErrContention, err)
		}
		return fmt.Errorf("failed to create order: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read order id: %w", err)
	}
	o.ID = orders.OrderID(id)

	for i := range o.Lines {
		l := &o.Lines[i]
		res, err := c.q.ExecContext(ctx, `
			INSERT INTO order_lines (order_id, product_id, quantity, reserved_quantity, unit_price)
			VALUES (?, ?, ?, ?, ?)
		`, o.ID, l.ProductID, l.Quantity.String(), l.ReservedQuantity.String(), nullDecimal(l.UnitPrice))
		if err != nil {
			return fmt.Errorf("failed to create order line: %w", err)
		}
		if l.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to read order line id: %w", err)
		}
		l.OrderID = o.ID
	}
	return nil
}

func (c *conn) GetOrder(ctx context.Context, id orders.OrderID) (*orders.Order, error) {
	var (
		o                    orders.Order
		status               string
		customerLabel        sql.NullString
		createdAt, updatedAt string
	)
	err := c.q.QueryRowContext(ctx, `
		SELECT id, order_number, status, warehouse_id, customer_label, created_by, created_at, updated_at
		FROM orders WHERE id = ?
	`, id).Scan(&o.ID, &o.Number, &status, &o.WarehouseID, &customerLabel, &o.CreatedBy, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	o.Status = orders.Status(status)
	o.CustomerLabel = customerLabel.String
	if o.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if o.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	rows, err := c.q.QueryContext(ctx, `
		SELECT id, order_id, product_id, quantity, reserved_quantity, unit_price
		FROM order_lines WHERE order_id = ? ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query order lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			l                  orders.Line
			quantity, reserved string
			unitPrice          sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.OrderID, &l.ProductID, &quantity, &reserved, &unitPrice); err != nil {
			return nil, fmt.Errorf("failed to scan order line: %w", err)
		}
		if l.Quantity, err = decimal.NewFromString(quantity); err != nil {
			return nil, fmt.Errorf("bad line quantity %q: %w", quantity, err)
		}
		if l.ReservedQuantity, err = decimal.NewFromString(reserved); err != nil {
			return nil, fmt.Errorf("bad reserved quantity %q: %w", reserved, err)
		}
		if l.UnitPrice, err = parseNullDecimal(unitPrice); err != nil {
			return nil, err
		}
		o.Lines = append(o.Lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &o, nil
}

func (c *conn) UpdateOrder(ctx context.Context, o *orders.Order) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE orders SET status = ?, customer_label = ?, updated_at = ? WHERE id = ?
	`, string(o.Status), nullString(o.CustomerLabel), formatTime(o.UpdatedAt), o.ID)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &ledger.NotFoundError{Resource: "order", ID: int64(o.ID)}
	}

	for _, l := range o.Lines {
		_, err := c.q.ExecContext(ctx, `
			UPDATE order_lines SET reserved_quantity = ? WHERE id = ? AND order_id = ?
		`, l.ReservedQuantity.String(), l.ID, o.ID)
		if err != nil {
			return fmt.Errorf("failed to update order line: %w", err)
		}
	}
	return nil
}

func (c *conn) AppendHistory(ctx context.Context, h *orders.HistoryEntry) error {
	res, err := c.q.ExecContext(ctx, `
		INSERT INTO order_status_history (order_id, old_status, new_status, changed_by, changed_at)
		VALUES (?, ?, ?, ?, ?)
	`, h.OrderID, nullString(string(h.OldStatus)), string(h.NewStatus), h.ChangedBy, formatTime(h.ChangedAt))
	if err != nil {
		return fmt.Errorf("failed to append order history: %w", err)
	}
	h.ID, err = res.LastInsertId()
	return err
}

func (c *conn) ListHistory(ctx context.Context, id orders.OrderID) ([]orders.HistoryEntry, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, order_id, old_status, new_status, changed_by, changed_at
		FROM order_status_history WHERE order_id = ? ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query order history: %w", err)
	}
	defer rows.Close()

	var history []orders.HistoryEntry
	for rows.Next() {
		var (
			h         orders.HistoryEntry
			oldStatus sql.NullString
			newStatus string
			changedAt string
		)
		if err := rows.Scan(&h.ID, &h.OrderID, &oldStatus, &newStatus, &h.ChangedBy, &changedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order history: %w", err)
		}
		h.OldStatus = orders.Status(oldStatus.String)
		h.NewStatus = orders.Status(newStatus)
		if h.ChangedAt, err = parseTime(changedAt); err != nil {
			return nil, err
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

func (c *conn) CountOrders(ctx context.Context) (int, error) {
	var count int
	err := c.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM orders").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count orders: %w", err)
	}
	return count, nil
}

func (c *conn) ListOrders(ctx context.Context, f orders.Filter) ([]orders.Order, error) {
	clauses := []string{"1 = 1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.WarehouseID != 0 {
		clauses = append(clauses, "warehouse_id = ?")
		args = append(args, f.WarehouseID)
	}
	if f.Search != "" {
		clauses = append(clauses, "(LOWER(order_number) LIKE ? OR LOWER(COALESCE(customer_label, '')) LIKE ?)")
		pattern := "%" + strings.ToLower(f.Search) + "%"
		args = append(args, pattern, pattern)
	}

	rows, err := c.q.QueryContext(ctx, `
		SELECT id, order_number, status, warehouse_id, customer_label, created_by, created_at, updated_at
		FROM orders
		WHERE `+strings.Join(clauses, " AND ")+`
		ORDER BY id DESC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var result []orders.Order
	for rows.Next() {
		var (
			o                    orders.Order
			status               string
			customerLabel        sql.NullString
			createdAt, updatedAt string
		)
		if err := rows.Scan(&o.ID, &o.Number, &status, &o.WarehouseID, &customerLabel, &o.CreatedBy, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		o.Status = orders.Status(status)
		o.CustomerLabel = customerLabel.String
		if o.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if o.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullDecimal(s sql.NullString) (*decimal.Decimal, error) {
	if !s.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil, fmt.Errorf("bad decimal %q: %w", s.String, err)
	}
	return &d, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}

// isUniqueConstraintError reports a UNIQUE violation by its extended result code.
func isUniqueConstraintError(err error) bool {
	var serr sqlite3.Error
	return errors.As(err, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintUnique
}
