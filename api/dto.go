/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger and order model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

DECIMALS:
  Quantities, costs and prices are decimal.Decimal. They are written as JSON
  strings ("12.5") and accepted as either strings or numbers.

VALIDATION:
  Request shape (required ids, non-empty lines, label lengths) is checked
  with go-playground/validator struct tags when the body is decoded.
  Business rules (positive quantities, known references, stock) stay in
  the inventory and orders services.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/stock-engine/inventory"
	"github.com/warp/stock-engine/ledger"
	"github.com/warp/stock-engine/orders"
)

// =============================================================================
// LEDGER RESPONSES
// =============================================================================

type BalanceDTO struct {
	ProductID   int64           `json:"product_id"`
	WarehouseID int64           `json:"warehouse_id"`
	Physical    decimal.Decimal `json:"physical_quantity"`
	Reserved    decimal.Decimal `json:"reserved_quantity"`
	Available   decimal.Decimal `json:"available_quantity"`
}

type LotDTO struct {
	ID         int64           `json:"id"`
	Original   decimal.Decimal `json:"original_quantity"`
	Remaining  decimal.Decimal `json:"remaining_quantity"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
	ReceivedAt time.Time       `json:"received_at"`
	ExpiresAt  *time.Time      `json:"expires_at,omitempty"`
}

type ConsumptionDTO struct {
	LotID    int64           `json:"lot_id"`
	Quantity decimal.Decimal `json:"quantity"`
	UnitCost decimal.Decimal `json:"unit_cost"`
}

type MovementDTO struct {
	ID           int64            `json:"id"`
	ProductID    int64            `json:"product_id"`
	WarehouseID  int64            `json:"warehouse_id"`
	Kind         string           `json:"kind"`
	Quantity     decimal.Decimal  `json:"quantity"`
	UnitCost     *decimal.Decimal `json:"unit_cost,omitempty"`
	TotalCost    decimal.Decimal  `json:"total_cost"`
	ExpiresAt    *time.Time       `json:"expires_at,omitempty"`
	SupplierID   *int64           `json:"supplier_id,omitempty"`
	DocumentType string           `json:"document_type"`
	DocumentID   int64            `json:"document_id,omitempty"`
	Reason       string           `json:"reason,omitempty"`
	OccurredAt   time.Time        `json:"occurred_at"`
	ActorID      int64            `json:"actor_id,omitempty"`
	Consumptions []ConsumptionDTO `json:"consumptions,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

type ReconciliationDTO struct {
	ProductID    int64           `json:"product_id"`
	WarehouseID  int64           `json:"warehouse_id"`
	Physical     decimal.Decimal `json:"physical_quantity"`
	LotRemaining decimal.Decimal `json:"lot_remaining"`
	Drift        decimal.Decimal `json:"drift"`
	OpenLots     int             `json:"open_lots"`
	Balanced     bool            `json:"balanced"`
}

type ScanDTO struct {
	StartedAt time.Time           `json:"started_at"`
	Keys      int                 `json:"keys"`
	Drifted   []ReconciliationDTO `json:"drifted"`
}

// =============================================================================
// LEDGER REQUESTS
// =============================================================================

type LineRequest struct {
	ProductID int64           `json:"product_id" validate:"required,gt=0"`
	Quantity  decimal.Decimal `json:"quantity"`
}

type ReceiptLineRequest struct {
	ProductID int64            `json:"product_id" validate:"required,gt=0"`
	Quantity  decimal.Decimal  `json:"quantity"`
	UnitCost  *decimal.Decimal `json:"unit_cost"`
	ExpiresAt *time.Time       `json:"expires_at"`
}

type ReceiptRequest struct {
	WarehouseID int64                `json:"warehouse_id" validate:"required,gt=0"`
	SupplierID  *int64               `json:"supplier_id" validate:"omitempty,gt=0"`
	OccurredAt  *time.Time           `json:"occurred_at"`
	Reason      string               `json:"reason" validate:"max=255"`
	Lines       []ReceiptLineRequest `json:"lines" validate:"required,min=1,dive"`
}

// ReservationRequest is shared by reservations and releases. DocumentType
// defaults to ORDER.
type ReservationRequest struct {
	WarehouseID  int64         `json:"warehouse_id" validate:"required,gt=0"`
	DocumentType string        `json:"document_type" validate:"max=32"`
	DocumentID   int64         `json:"document_id" validate:"gte=0"`
	Lines        []LineRequest `json:"lines" validate:"required,min=1,dive"`
}

type WriteOffRequest struct {
	WarehouseID  int64         `json:"warehouse_id" validate:"required,gt=0"`
	Method       string        `json:"method"`
	Reason       string        `json:"reason" validate:"max=255"`
	DocumentType string        `json:"document_type" validate:"max=32"`
	DocumentID   int64         `json:"document_id" validate:"gte=0"`
	Lines        []LineRequest `json:"lines" validate:"required,min=1,dive"`
}

type CountLineRequest struct {
	ProductID int64            `json:"product_id" validate:"required,gt=0"`
	Counted   decimal.Decimal  `json:"counted_quantity"`
	UnitCost  *decimal.Decimal `json:"unit_cost"`
}

type AdjustmentRequest struct {
	WarehouseID int64              `json:"warehouse_id" validate:"required,gt=0"`
	Reason      string             `json:"reason" validate:"max=255"`
	Lines       []CountLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type RegisterRequest struct {
	Label string `json:"label" validate:"required,max=255"`
}

type RegisterResponse struct {
	ID    int64  `json:"id"`
	Label string `json:"label"`
}

// =============================================================================
// ORDERS
// =============================================================================

type OrderLineRequest struct {
	ProductID int64            `json:"product_id" validate:"required,gt=0"`
	Quantity  decimal.Decimal  `json:"quantity"`
	UnitPrice *decimal.Decimal `json:"unit_price"`
}

type CreateOrderRequest struct {
	WarehouseID   int64              `json:"warehouse_id" validate:"required,gt=0"`
	CustomerLabel string             `json:"customer_label" validate:"max=255"`
	Lines         []OrderLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type UpdateOrderRequest struct {
	CustomerLabel *string `json:"customer_label" validate:"omitempty,max=255"`
}

type ChangeStatusRequest struct {
	Status string `json:"status" validate:"required"`
	// Method costs the completion write-off (FIFO or LIFO).
	Method string `json:"method"`
}

type OrderLineDTO struct {
	ID               int64            `json:"id"`
	ProductID        int64            `json:"product_id"`
	Quantity         decimal.Decimal  `json:"quantity"`
	ReservedQuantity decimal.Decimal  `json:"reserved_quantity"`
	UnitPrice        *decimal.Decimal `json:"unit_price,omitempty"`
}

type HistoryDTO struct {
	OldStatus string    `json:"old_status,omitempty"`
	NewStatus string    `json:"new_status"`
	ChangedBy int64     `json:"changed_by,omitempty"`
	ChangedAt time.Time `json:"changed_at"`
}

type OrderDTO struct {
	ID            int64          `json:"id"`
	Number        string         `json:"order_number"`
	Status        string         `json:"status"`
	WarehouseID   int64          `json:"warehouse_id"`
	CustomerLabel string         `json:"customer_label,omitempty"`
	CreatedBy     int64          `json:"created_by,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	Lines         []OrderLineDTO `json:"lines"`
	History       []HistoryDTO   `json:"history,omitempty"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toBalanceDTO(b ledger.Balance) BalanceDTO {
	return BalanceDTO{
		ProductID:   int64(b.ProductID),
		WarehouseID: int64(b.WarehouseID),
		Physical:    b.Physical,
		Reserved:    b.Reserved,
		Available:   b.Available(),
	}
}

func toLotDTOs(lots []ledger.Lot) []LotDTO {
	out := make([]LotDTO, 0, len(lots))
	for _, l := range lots {
		out = append(out, LotDTO{
			ID:         int64(l.ID),
			Original:   l.Original,
			Remaining:  l.Remaining,
			UnitCost:   l.UnitCost,
			ReceivedAt: l.ReceivedAt,
			ExpiresAt:  l.ExpiresAt,
		})
	}
	return out
}

func toMovementDTOs(movements []ledger.Movement) []MovementDTO {
	out := make([]MovementDTO, 0, len(movements))
	for _, m := range movements {
		dto := MovementDTO{
			ID:           int64(m.ID),
			ProductID:    int64(m.ProductID),
			WarehouseID:  int64(m.WarehouseID),
			Kind:         string(m.Kind),
			Quantity:     m.Quantity,
			UnitCost:     m.UnitCost,
			TotalCost:    m.TotalCost(),
			ExpiresAt:    m.ExpiresAt,
			DocumentType: m.Document.Kind,
			DocumentID:   m.Document.ID,
			Reason:       m.Reason,
			OccurredAt:   m.OccurredAt,
			ActorID:      int64(m.ActorID),
			CreatedAt:    m.CreatedAt,
		}
		if m.SupplierID != nil {
			id := int64(*m.SupplierID)
			dto.SupplierID = &id
		}
		for _, c := range m.Consumptions {
			dto.Consumptions = append(dto.Consumptions, ConsumptionDTO{
				LotID:    int64(c.LotID),
				Quantity: c.Quantity,
				UnitCost: c.UnitCost,
			})
		}
		out = append(out, dto)
	}
	return out
}

func toReconciliationDTO(r inventory.Reconciliation) ReconciliationDTO {
	return ReconciliationDTO{
		ProductID:    int64(r.ProductID),
		WarehouseID:  int64(r.WarehouseID),
		Physical:     r.Physical,
		LotRemaining: r.LotRemaining,
		Drift:        r.Drift,
		OpenLots:     r.OpenLots,
		Balanced:     r.Balanced(),
	}
}

func toScanDTO(res ScanResult) ScanDTO {
	dto := ScanDTO{StartedAt: res.StartedAt, Keys: res.Keys, Drifted: make([]ReconciliationDTO, 0, len(res.Drifted))}
	for _, r := range res.Drifted {
		dto.Drifted = append(dto.Drifted, toReconciliationDTO(r))
	}
	return dto
}

func toOrderDTO(o *orders.Order) OrderDTO {
	dto := OrderDTO{
		ID:            int64(o.ID),
		Number:        o.Number,
		Status:        string(o.Status),
		WarehouseID:   int64(o.WarehouseID),
		CustomerLabel: o.CustomerLabel,
		CreatedBy:     int64(o.CreatedBy),
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
		Lines:         make([]OrderLineDTO, 0, len(o.Lines)),
	}
	for _, l := range o.Lines {
		dto.Lines = append(dto.Lines, OrderLineDTO{
			ID:               l.ID,
			ProductID:        int64(l.ProductID),
			Quantity:         l.Quantity,
			ReservedQuantity: l.ReservedQuantity,
			UnitPrice:        l.UnitPrice,
		})
	}
	for _, h := range o.History {
		dto.History = append(dto.History, HistoryDTO{
			OldStatus: string(h.OldStatus),
			NewStatus: string(h.NewStatus),
			ChangedBy: int64(h.ChangedBy),
			ChangedAt: h.ChangedAt,
		})
	}
	return dto
}

func toLines(req []LineRequest) []inventory.Line {
	out := make([]inventory.Line, 0, len(req))
	for _, l := range req {
		out = append(out, inventory.Line{ProductID: ledger.ProductID(l.ProductID), Quantity: l.Quantity})
	}
	return out
}

func documentOr(kind string, id int64, def string) ledger.DocumentRef {
	if kind == "" {
		kind = def
	}
	return ledger.DocumentRef{Kind: kind, ID: id}
}
