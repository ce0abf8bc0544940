/*
handlers.go - HTTP API handlers for the stock engine

PURPOSE:
  Exposes the inventory ledger and order workflow via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the services.

ENDPOINTS:
  Ledger reads:
    GET    /api/balances                                   Balances (product_id, warehouse_id filters)
    GET    /api/warehouses/{wid}/products/{pid}/balance    One balance
    GET    /api/warehouses/{wid}/products/{pid}/lots       Open lots, oldest first
    GET    /api/warehouses/{wid}/products/{pid}/reconciliation
    GET    /api/movements                                  Movement history
    GET    /api/reconciliation                             Last full scan
    POST   /api/reconciliation/scan                        Run a full scan now

  Ledger writes:
    POST   /api/receipts       Receive goods (opens lots)
    POST   /api/reservations   Reserve stock for a document
    POST   /api/releases       Release a reservation
    POST   /api/write-offs     Issue stock with FIFO/LIFO costing
    POST   /api/adjustments    Apply a physical count

  Orders:
    POST   /api/orders              Create and reserve
    GET    /api/orders              List (status, warehouse_id, search)
    GET    /api/orders/{id}         Details with lines and history
    PATCH  /api/orders/{id}         Edit customer label
    POST   /api/orders/{id}/status  Cancel or complete

  Directory:
    POST   /api/products     Register a product
    POST   /api/warehouses   Register a warehouse

ACTOR:
  The acting user is read from the X-User-ID header. Missing means 0
  (system). Authentication is not handled here.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Unknown order, product or warehouse
  - 409: Insufficient stock, over-release, invalid transition, closed order
  - 503: Lock contention (retry)
  - 500: Lot underflow and internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/warp/stock-engine/inventory"
	"github.com/warp/stock-engine/ledger"
	"github.com/warp/stock-engine/orders"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Inventory *inventory.Service
	Orders    *orders.Service
	Registry  ledger.Registry
	Logger    zerolog.Logger

	// Scheduler is optional; without it the scan endpoints run a scan inline.
	Scheduler *ReconciliationScheduler
}

// NewHandler creates a new handler.
func NewHandler(inv *inventory.Service, ord *orders.Service, reg ledger.Registry, log zerolog.Logger) *Handler {
	return &Handler{
		Inventory: inv,
		Orders:    ord,
		Registry:  reg,
		Logger:    log.With().Str("component", "api").Logger(),
	}
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// BALANCE HANDLERS
// =============================================================================

// ListBalances returns balances, optionally narrowed to a product or warehouse.
func (h *Handler) ListBalances(w http.ResponseWriter, r *http.Request) {
	f, err := movementFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}

	balances, err := h.Inventory.Balances(r.Context(), f)
	if err != nil {
		h.fail(w, r, "Failed to load balances", err)
		return
	}

	out := make([]BalanceDTO, 0, len(balances))
	for _, b := range balances {
		out = append(out, toBalanceDTO(b))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	k, err := keyParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid path", err)
		return
	}

	b, err := h.Inventory.Balance(r.Context(), k.ProductID, k.WarehouseID)
	if err != nil {
		h.fail(w, r, "Failed to load balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

func (h *Handler) GetLots(w http.ResponseWriter, r *http.Request) {
	k, err := keyParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid path", err)
		return
	}

	lots, err := h.Inventory.Lots(r.Context(), k.ProductID, k.WarehouseID)
	if err != nil {
		h.fail(w, r, "Failed to load lots", err)
		return
	}
	writeJSON(w, http.StatusOK, toLotDTOs(lots))
}

func (h *Handler) GetReconciliation(w http.ResponseWriter, r *http.Request) {
	k, err := keyParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid path", err)
		return
	}

	rec, err := h.Inventory.Reconcile(r.Context(), k.ProductID, k.WarehouseID)
	if err != nil {
		h.fail(w, r, "Failed to reconcile", err)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(rec))
}

func (h *Handler) ListMovements(w http.ResponseWriter, r *http.Request) {
	f, err := movementFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}

	movements, err := h.Inventory.Movements(r.Context(), f)
	if err != nil {
		h.fail(w, r, "Failed to load movements", err)
		return
	}
	writeJSON(w, http.StatusOK, toMovementDTOs(movements))
}

// GetLastScan returns the most recent full reconciliation scan. Before the
// first scheduled scan it returns 404.
func (h *Handler) GetLastScan(w http.ResponseWriter, r *http.Request) {
	var last *ScanResult
	if h.Scheduler != nil {
		last = h.Scheduler.Last()
	}
	if last == nil {
		writeError(w, http.StatusNotFound, "No reconciliation scan yet", nil)
		return
	}
	writeJSON(w, http.StatusOK, toScanDTO(*last))
}

// RunScan reconciles every key now.
func (h *Handler) RunScan(w http.ResponseWriter, r *http.Request) {
	sched := h.Scheduler
	if sched == nil {
		sched = NewReconciliationScheduler(h.Inventory, 0, h.Logger)
	}
	res := sched.Scan(r.Context())
	if res.Err != nil {
		h.fail(w, r, "Failed to reconcile", res.Err)
		return
	}
	writeJSON(w, http.StatusOK, toScanDTO(res))
}

// =============================================================================
// LEDGER WRITE HANDLERS
// =============================================================================

func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	actor, err := actorID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid X-User-ID header", err)
		return
	}
	var req ReceiptRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	in := inventory.ReceiveInput{
		WarehouseID: ledger.WarehouseID(req.WarehouseID),
		Reason:      req.Reason,
		Actor:       actor,
	}
	if req.SupplierID != nil {
		sid := ledger.SupplierID(*req.SupplierID)
		in.SupplierID = &sid
	}
	if req.OccurredAt != nil {
		in.OccurredAt = *req.OccurredAt
	}
	for _, l := range req.Lines {
		in.Lines = append(in.Lines, inventory.ReceiptLine{
			ProductID: ledger.ProductID(l.ProductID),
			Quantity:  l.Quantity,
			UnitCost:  l.UnitCost,
			ExpiresAt: l.ExpiresAt,
		})
	}

	movements, err := h.Inventory.Receive(r.Context(), in)
	if err != nil {
		h.fail(w, r, "Failed to receive goods", err)
		return
	}
	writeJSON(w, http.StatusCreated, toMovementDTOs(movements))
}

func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	actor, req, ok := h.decodeReservation(w, r)
	if !ok {
		return
	}

	movements, err := h.Inventory.Reserve(r.Context(), inventory.ReserveInput{
		WarehouseID: ledger.WarehouseID(req.WarehouseID),
		Order:       documentOr(req.DocumentType, req.DocumentID, ledger.DocumentOrder),
		Lines:       toLines(req.Lines),
		Actor:       actor,
	})
	if err != nil {
		h.fail(w, r, "Failed to reserve stock", err)
		return
	}
	writeJSON(w, http.StatusCreated, toMovementDTOs(movements))
}

func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	actor, req, ok := h.decodeReservation(w, r)
	if !ok {
		return
	}

	movements, err := h.Inventory.Release(r.Context(), inventory.ReleaseInput{
		WarehouseID: ledger.WarehouseID(req.WarehouseID),
		Order:       documentOr(req.DocumentType, req.DocumentID, ledger.DocumentOrder),
		Lines:       toLines(req.Lines),
		Actor:       actor,
	})
	if err != nil {
		h.fail(w, r, "Failed to release reservation", err)
		return
	}
	writeJSON(w, http.StatusCreated, toMovementDTOs(movements))
}

func (h *Handler) decodeReservation(w http.ResponseWriter, r *http.Request) (ledger.ActorID, ReservationRequest, bool) {
	var req ReservationRequest
	actor, err := actorID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid X-User-ID header", err)
		return 0, req, false
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return 0, req, false
	}
	return actor, req, true
}

func (h *Handler) WriteOff(w http.ResponseWriter, r *http.Request) {
	actor, err := actorID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid X-User-ID header", err)
		return
	}
	var req WriteOffRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	method, err := parseMethod(req.Method)
	if err != nil {
		h.fail(w, r, "Invalid method", err)
		return
	}

	movements, err := h.Inventory.WriteOff(r.Context(), inventory.WriteOffInput{
		WarehouseID: ledger.WarehouseID(req.WarehouseID),
		Method:      method,
		Reason:      req.Reason,
		Document:    documentOr(req.DocumentType, req.DocumentID, ledger.DocumentWriteOff),
		Lines:       toLines(req.Lines),
		Actor:       actor,
	})
	if err != nil {
		h.fail(w, r, "Failed to write off stock", err)
		return
	}
	writeJSON(w, http.StatusCreated, toMovementDTOs(movements))
}

func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	actor, err := actorID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid X-User-ID header", err)
		return
	}
	var req AdjustmentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	in := inventory.AdjustInput{
		WarehouseID: ledger.WarehouseID(req.WarehouseID),
		Reason:      req.Reason,
		Actor:       actor,
	}
	for _, l := range req.Lines {
		in.Lines = append(in.Lines, inventory.CountLine{ProductID: ledger.ProductID(l.ProductID), Counted: l.Counted, UnitCost: l.UnitCost})
	}

	movements, err := h.Inventory.Adjust(r.Context(), in)
	if err != nil {
		h.fail(w, r, "Failed to adjust inventory", err)
		return
	}
	writeJSON(w, http.StatusCreated, toMovementDTOs(movements))
}

// =============================================================================
// ORDER HANDLERS
// =============================================================================

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	actor, err := actorID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid X-User-ID header", err)
		return
	}
	var req CreateOrderRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	in := orders.CreateInput{
		WarehouseID:   ledger.WarehouseID(req.WarehouseID),
		CustomerLabel: req.CustomerLabel,
		Actor:         actor,
	}
	for _, l := range req.Lines {
		in.Lines = append(in.Lines, orders.CreateLine{
			ProductID: ledger.ProductID(l.ProductID),
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
		})
	}

	o, err := h.Orders.Create(r.Context(), in)
	if err != nil {
		h.fail(w, r, "Failed to create order", err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderDTO(o))
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := orders.Filter{
		Status: orders.Status(q.Get("status")),
		Search: q.Get("search"),
	}
	if v := q.Get("warehouse_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid warehouse_id", err)
			return
		}
		f.WarehouseID = ledger.WarehouseID(id)
	}

	list, err := h.Orders.List(r.Context(), f)
	if err != nil {
		h.fail(w, r, "Failed to list orders", err)
		return
	}

	out := make([]OrderDTO, 0, len(list))
	for i := range list {
		out = append(out, toOrderDTO(&list[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order id", err)
		return
	}

	o, err := h.Orders.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to load order", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(o))
}

func (h *Handler) UpdateOrder(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order id", err)
		return
	}
	var req UpdateOrderRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	o, err := h.Orders.UpdateDetails(r.Context(), id, orders.DetailsInput{CustomerLabel: req.CustomerLabel})
	if err != nil {
		h.fail(w, r, "Failed to update order", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(o))
}

func (h *Handler) ChangeOrderStatus(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order id", err)
		return
	}
	actor, err := actorID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid X-User-ID header", err)
		return
	}
	var req ChangeStatusRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	method, err := parseMethod(req.Method)
	if err != nil {
		h.fail(w, r, "Invalid method", err)
		return
	}

	o, err := h.Orders.ChangeStatus(r.Context(), id, orders.Status(req.Status), actor, orders.ChangeOptions{Method: method})
	if err != nil {
		h.fail(w, r, "Failed to change order status", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(o))
}

// =============================================================================
// DIRECTORY HANDLERS
// =============================================================================

func (h *Handler) RegisterProduct(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	id, err := h.Registry.RegisterProduct(r.Context(), req.Label)
	if err != nil {
		h.fail(w, r, "Failed to register product", err)
		return
	}
	writeJSON(w, http.StatusCreated, RegisterResponse{ID: int64(id), Label: req.Label})
}

func (h *Handler) RegisterWarehouse(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	id, err := h.Registry.RegisterWarehouse(r.Context(), req.Label)
	if err != nil {
		h.fail(w, r, "Failed to register warehouse", err)
		return
	}
	writeJSON(w, http.StatusCreated, RegisterResponse{ID: int64(id), Label: req.Label})
}

// =============================================================================
// HELPERS
// =============================================================================

// statusFor maps service errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInsufficientStock),
		errors.Is(err, ledger.ErrOverRelease),
		errors.Is(err, orders.ErrInvalidTransition),
		errors.Is(err, orders.ErrOrderClosed):
		return http.StatusConflict
	case ledger.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail writes the mapped error. Server-side failures are logged; integrity
// failures are flagged so they can be alerted on.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error().
			Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Bool("integrity", ledger.IsIntegrityError(err)).
			Msg(message)
	}
	writeError(w, status, message, err)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// decodeBody decodes a JSON request body and checks its validate tags.
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return err
	}
	return validate.Struct(v)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// actorID reads X-User-ID. A missing header is the system actor (0).
func actorID(r *http.Request) (ledger.ActorID, error) {
	v := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if v == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, err
	}
	return ledger.ActorID(id), nil
}

func orderID(r *http.Request) (orders.OrderID, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return orders.OrderID(id), err
}

func keyParam(r *http.Request) (ledger.Key, error) {
	wid, err := strconv.ParseInt(chi.URLParam(r, "warehouseID"), 10, 64)
	if err != nil {
		return ledger.Key{}, err
	}
	pid, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil {
		return ledger.Key{}, err
	}
	return ledger.Key{ProductID: ledger.ProductID(pid), WarehouseID: ledger.WarehouseID(wid)}, nil
}

func movementFilter(r *http.Request) (ledger.Filter, error) {
	var f ledger.Filter
	q := r.URL.Query()
	if v := q.Get("product_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, err
		}
		pid := ledger.ProductID(id)
		f.ProductID = &pid
	}
	if v := q.Get("warehouse_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, err
		}
		wid := ledger.WarehouseID(id)
		f.WarehouseID = &wid
	}
	return f, nil
}

// parseMethod accepts an empty method, which lets the service pick its default.
func parseMethod(s string) (ledger.Method, error) {
	if s == "" {
		return "", nil
	}
	return ledger.ParseMethod(s)
}
