package delivery

import (
	"time"

	"github.com/temple-erp/temple-erp/internal/shared"
)

// Status represents the lifecycle of a delivery order.
type Status string

const (
	StatusDraft        Status = "DRAFT"
	StatusQualityCheck Status = "QUALITY_CHECK"
	StatusCompleted    Status = "COMPLETED"
	StatusCancelled    Status = "CANCELLED"
)

var statusLabels = map[Status]string{
	StatusDraft:        "Draft",
	StatusQualityCheck: "Quality Check",
	StatusCompleted:    "Completed",
	StatusCancelled:    "Cancelled",
}

// Label returns the display text.
func (s Status) Label() string {
	if label, ok := statusLabels[s]; ok {
		return label
	}
	return string(s)
}

// CanComplete reports whether completion may be attempted from this status.
func (d DeliveryOrder) CanComplete() bool {
	return d.Status == StatusQualityCheck || (d.Status == StatusDraft && d.QualityCheckDone)
}

// CanCancel reports whether the order is still open.
func (s Status) CanCancel() bool {
	return s != StatusCompleted && s != StatusCancelled
}

// DeliveryOrder dispatches sales order items from a warehouse.
type DeliveryOrder struct {
	ID               int64      `json:"id"`
	Number           string     `json:"number"`
	TenantID         int64      `json:"tenant_id"`
	SalesOrderID     int64      `json:"sales_order_id"`
	WarehouseID      int64      `json:"warehouse_id"`
	Status           Status     `json:"status"`
	QualityCheckDone bool       `json:"quality_check_done"`
	Note             string     `json:"note,omitempty"`
	CancelReason     string     `json:"cancel_reason,omitempty"`
	CreatedBy        int64      `json:"created_by"`
	CompletedBy      int64      `json:"completed_by,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	Items            []Item     `json:"items"`
}

// Item is one dispatched line. AppliedQty is the delivered qty already
// booked against the sales order item.
type Item struct {
	ID               int64   `json:"id"`
	DeliveryOrderID  int64   `json:"delivery_order_id"`
	SalesOrderItemID int64   `json:"sales_order_item_id"`
	ProductID        int64   `json:"product_id,omitempty"`
	StockTracked     bool    `json:"stock_tracked"`
	OrderedQty       float64 `json:"ordered_qty"`
	DeliveredQty     float64 `json:"delivered_qty"`
	AcceptedQty      float64 `json:"accepted_qty"`
	RejectedQty      float64 `json:"rejected_qty"`
	AppliedQty       float64 `json:"applied_qty"`
	Selected         bool    `json:"selected"`
}

func (it Item) validate(doID int64) error {
	if it.DeliveredQty < 0 || it.AcceptedQty < 0 || it.RejectedQty < 0 {
		return shared.Validation(doEntity, doID, "item %d has negative quantities", it.ID)
	}
	if !shared.QtyLE(it.AcceptedQty+it.RejectedQty, it.DeliveredQty) {
		return shared.Validation(doEntity, doID, "item %d accepted %.4f + rejected %.4f exceeds delivered %.4f",
			it.ID, it.AcceptedQty, it.RejectedQty, it.DeliveredQty)
	}
	return nil
}

// CreateInput describes a new delivery order. Without items every open sales
// order item is delivered in full.
type CreateInput struct {
	TenantID     int64       `json:"tenant_id" validate:"gte=0"`
	SalesOrderID int64       `json:"sales_order_id" validate:"required,gt=0"`
	WarehouseID  int64       `json:"warehouse_id" validate:"required,gt=0"`
	Note         string      `json:"note" validate:"max=500"`
	Items        []ItemInput `json:"items" validate:"omitempty,dive"`
}

// ItemInput picks a sales order item and the qty to dispatch.
type ItemInput struct {
	SalesOrderItemID int64   `json:"sales_order_item_id" validate:"required,gt=0"`
	Qty              float64 `json:"qty" validate:"gt=0"`
}

// QualityLineInput records the inspection result for one item.
type QualityLineInput struct {
	ItemID      int64   `json:"item_id" validate:"required,gt=0"`
	AcceptedQty float64 `json:"accepted_qty" validate:"gte=0"`
	RejectedQty float64 `json:"rejected_qty" validate:"gte=0"`
	Selected    *bool   `json:"selected,omitempty"`
}

// ListFilter narrows delivery order listings.
type ListFilter struct {
	SalesOrderID int64
	Status       Status
	Limit        int
	Offset       int
}

const doEntity = "delivery_order"

var (
	// ErrNotFound indicates record missing.
	ErrNotFound = shared.ErrNotFound
	// ErrInvalidState indicates a forbidden transition.
	ErrInvalidState = shared.ErrInvalidState
	// ErrValidation indicates invalid input.
	ErrValidation = shared.ErrValidation
)
