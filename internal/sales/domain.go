package sales

import (
	"time"

	"github.com/temple-erp/temple-erp/internal/shared"
)

// OrderStatus enumerates sales order lifecycle.
type OrderStatus string

const (
	OrderStatusDraft     OrderStatus = "DRAFT"
	OrderStatusConfirmed OrderStatus = "CONFIRMED"
	OrderStatusCompleted OrderStatus = "COMPLETED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// ItemKind separates ritual packages from add-on items.
type ItemKind string

const (
	ItemKindPackage ItemKind = "PACKAGE"
	ItemKindAddon   ItemKind = "ADDON"
)

var orderStatusLabels = map[OrderStatus]string{
	OrderStatusDraft:     "Draft",
	OrderStatusConfirmed: "Confirmed",
	OrderStatusCompleted: "Completed",
	OrderStatusCancelled: "Cancelled",
}

// Label returns the display text.
func (s OrderStatus) Label() string {
	if label, ok := orderStatusLabels[s]; ok {
		return label
	}
	return string(s)
}

// SalesOrder is a customer booking whose items are fulfilled by delivery orders.
type SalesOrder struct {
	ID           int64       `json:"id"`
	Number       string      `json:"number"`
	TenantID     int64       `json:"tenant_id"`
	CustomerName string      `json:"customer_name"`
	Status       OrderStatus `json:"status"`
	Note         string      `json:"note,omitempty"`
	CancelReason string      `json:"cancel_reason,omitempty"`
	ConfirmedBy  int64       `json:"confirmed_by,omitempty"`
	ConfirmedAt  *time.Time  `json:"confirmed_at,omitempty"`
	CreatedBy    int64       `json:"created_by"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	Items        []Item      `json:"items"`
}

// Item is one sales order line. ProductID is zero for services that do not
// move stock.
type Item struct {
	ID           int64    `json:"id"`
	SalesOrderID int64    `json:"sales_order_id"`
	Kind         ItemKind `json:"kind"`
	ProductID    int64    `json:"product_id,omitempty"`
	Description  string   `json:"description"`
	StockTracked bool     `json:"stock_tracked"`
	OrderedQty   float64  `json:"ordered_qty"`
	DeliveredQty float64  `json:"delivered_qty"`
	RemainingQty float64  `json:"remaining_qty"`
}

// Item returns the line with the given id.
func (o SalesOrder) Item(id int64) (Item, bool) {
	for _, it := range o.Items {
		if it.ID == id {
			return it, true
		}
	}
	return Item{}, false
}

func (o SalesOrder) fullyDelivered() bool {
	for _, it := range o.Items {
		if !shared.QtyZero(it.RemainingQty) {
			return false
		}
	}
	return len(o.Items) > 0
}

func (o SalesOrder) anyDelivered() bool {
	for _, it := range o.Items {
		if !shared.QtyZero(it.DeliveredQty) {
			return true
		}
	}
	return false
}

// CreateInput describes a new sales order.
type CreateInput struct {
	TenantID     int64       `json:"tenant_id" validate:"gte=0"`
	CustomerName string      `json:"customer_name" validate:"required,max=200"`
	Note         string      `json:"note" validate:"max=500"`
	Items        []ItemInput `json:"items" validate:"required,min=1,dive"`
}

// ItemInput is one requested line.
type ItemInput struct {
	Kind         ItemKind `json:"kind" validate:"required,oneof=PACKAGE ADDON"`
	ProductID    int64    `json:"product_id" validate:"gte=0"`
	Description  string   `json:"description" validate:"max=200"`
	StockTracked bool     `json:"stock_tracked"`
	Qty          float64  `json:"qty" validate:"gt=0"`
}

// ListFilter narrows order listings.
type ListFilter struct {
	Status OrderStatus
	Limit  int
	Offset int
}

const (
	orderEntity = "sales_order"
	itemEntity  = "sales_order_item"
)

var (
	// ErrNotFound indicates record missing.
	ErrNotFound = shared.ErrNotFound
	// ErrInvalidState indicates a forbidden transition.
	ErrInvalidState = shared.ErrInvalidState
	// ErrValidation indicates invalid input.
	ErrValidation = shared.ErrValidation
)
