package procurement

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/temple-erp/temple-erp/internal/ap"
	"github.com/temple-erp/temple-erp/internal/shared"
)

// PRStatus is the purchase request lifecycle.
type PRStatus string

const (
	PRStatusDraft     PRStatus = "DRAFT"
	PRStatusSubmitted PRStatus = "SUBMITTED"
	PRStatusConverted PRStatus = "CONVERTED"
	PRStatusCancelled PRStatus = "CANCELLED"
)

// POStatus is the purchase order lifecycle.
type POStatus string

const (
	POStatusDraft           POStatus = "DRAFT"
	POStatusPendingApproval POStatus = "PENDING_APPROVAL"
	POStatusApproved        POStatus = "APPROVED"
	POStatusRejected        POStatus = "REJECTED"
	POStatusPartialReceived POStatus = "PARTIAL_RECEIVED"
	POStatusReceived        POStatus = "RECEIVED"
	POStatusCancelled       POStatus = "CANCELLED"
)

// ReceiptStatus tracks how much of a purchase order has been received.
type ReceiptStatus string

const (
	ReceiptPending  ReceiptStatus = "PENDING"
	ReceiptPartial  ReceiptStatus = "PARTIAL"
	ReceiptReceived ReceiptStatus = "RECEIVED"
)

// GRNStatus is the goods received note lifecycle.
type GRNStatus string

const (
	GRNStatusDraft     GRNStatus = "DRAFT"
	GRNStatusCompleted GRNStatus = "COMPLETED"
	GRNStatusCancelled GRNStatus = "CANCELLED"
)

// QualityStatus is the outcome of a receipt inspection.
type QualityStatus string

const (
	QualityPending QualityStatus = "PENDING"
	QualityPassed  QualityStatus = "PASSED"
	QualityFailed  QualityStatus = "FAILED"
)

var (
	prStatusLabels = map[PRStatus]string{
		PRStatusDraft:     "Draft",
		PRStatusSubmitted: "Submitted",
		PRStatusConverted: "Converted to PO",
		PRStatusCancelled: "Cancelled",
	}
	poStatusLabels = map[POStatus]string{
		POStatusDraft:           "Draft",
		POStatusPendingApproval: "Pending Approval",
		POStatusApproved:        "Approved",
		POStatusRejected:        "Rejected",
		POStatusPartialReceived: "Partially Received",
		POStatusReceived:        "Received",
		POStatusCancelled:       "Cancelled",
	}
	receiptStatusLabels = map[ReceiptStatus]string{
		ReceiptPending:  "Pending",
		ReceiptPartial:  "Partial",
		ReceiptReceived: "Received",
	}
	grnStatusLabels = map[GRNStatus]string{
		GRNStatusDraft:     "Draft",
		GRNStatusCompleted: "Completed",
		GRNStatusCancelled: "Cancelled",
	}
	qualityStatusLabels = map[QualityStatus]string{
		QualityPending: "Pending",
		QualityPassed:  "Passed",
		QualityFailed:  "Failed",
	}
)

// Label returns the display text.
func (s PRStatus) Label() string { return labelOf(prStatusLabels, s) }

// Label returns the display text.
func (s POStatus) Label() string { return labelOf(poStatusLabels, s) }

// Label returns the display text.
func (s ReceiptStatus) Label() string { return labelOf(receiptStatusLabels, s) }

// Label returns the display text.
func (s GRNStatus) Label() string { return labelOf(grnStatusLabels, s) }

// Label returns the display text.
func (s QualityStatus) Label() string { return labelOf(qualityStatusLabels, s) }

func labelOf[S ~string](table map[S]string, s S) string {
	if label, ok := table[s]; ok {
		return label
	}
	return string(s)
}

// PurchaseRequest is an internal request to buy goods.
type PurchaseRequest struct {
	ID          int64     `json:"id"`
	Number      string    `json:"number"`
	TenantID    int64     `json:"tenant_id"`
	SupplierID  int64     `json:"supplier_id,omitempty"`
	RequestedBy int64     `json:"requested_by"`
	Status      PRStatus  `json:"status"`
	Note        string    `json:"note,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Lines       []PRLine  `json:"lines"`
}

// PRLine is a requested item.
type PRLine struct {
	ID             int64           `json:"id"`
	PRID           int64           `json:"pr_id"`
	ProductID      int64           `json:"product_id"`
	Qty            float64         `json:"qty"`
	EstimatedPrice decimal.Decimal `json:"estimated_price"`
	Note           string          `json:"note,omitempty"`
}

// PurchaseOrder is the approved commitment to a supplier.
type PurchaseOrder struct {
	ID            int64            `json:"id"`
	Number        string           `json:"number"`
	TenantID      int64            `json:"tenant_id"`
	SupplierID    int64            `json:"supplier_id"`
	PRID          int64            `json:"pr_id,omitempty"`
	Status        POStatus         `json:"status"`
	PaymentStatus ap.PaymentStatus `json:"payment_status"`
	GRNStatus     ReceiptStatus    `json:"grn_status"`
	TotalAmount   decimal.Decimal  `json:"total_amount"`
	ExpectedDate  *time.Time       `json:"expected_date,omitempty"`
	Note          string           `json:"note,omitempty"`
	RejectReason  string           `json:"reject_reason,omitempty"`
	CancelReason  string           `json:"cancel_reason,omitempty"`
	ApprovedBy    int64            `json:"approved_by,omitempty"`
	ApprovedAt    *time.Time       `json:"approved_at,omitempty"`
	CreatedBy     int64            `json:"created_by"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	Lines         []POLine         `json:"lines"`
}

// POLine is an ordered item. Subtotal = OrderedQty × UnitPrice and
// Total = Subtotal + TaxAmount − DiscountAmount.
type POLine struct {
	ID             int64           `json:"id"`
	POID           int64           `json:"po_id"`
	ProductID      int64           `json:"product_id"`
	Description    string          `json:"description,omitempty"`
	OrderedQty     float64         `json:"ordered_qty"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	Total          decimal.Decimal `json:"total"`
}

func (l *POLine) computeTotals() {
	l.Subtotal = shared.Round2(decimal.NewFromFloat(l.OrderedQty).Mul(l.UnitPrice))
	l.Total = shared.Round2(l.Subtotal.Add(l.TaxAmount).Sub(l.DiscountAmount))
}

// recomputeTotal refreshes line totals and the header total.
func (po *PurchaseOrder) recomputeTotal() {
	total := decimal.Zero
	for i := range po.Lines {
		po.Lines[i].computeTotals()
		total = total.Add(po.Lines[i].Total)
	}
	po.TotalAmount = shared.Round2(total)
}

func (po PurchaseOrder) line(id int64) (POLine, bool) {
	for _, l := range po.Lines {
		if l.ID == id {
			return l, true
		}
	}
	return POLine{}, false
}

// snapshot is the payables view of an approved order.
func (po PurchaseOrder) snapshot() ap.POSnapshot {
	lines := make([]ap.InvoiceLine, 0, len(po.Lines))
	for _, l := range po.Lines {
		lines = append(lines, ap.InvoiceLine{
			ProductID:      l.ProductID,
			Description:    l.Description,
			Qty:            l.OrderedQty,
			UnitPrice:      l.UnitPrice,
			TaxAmount:      l.TaxAmount,
			DiscountAmount: l.DiscountAmount,
			Total:          l.Total,
		})
	}
	var due time.Time
	if po.ExpectedDate != nil {
		due = *po.ExpectedDate
	}
	return ap.POSnapshot{POID: po.ID, Number: po.Number, SupplierID: po.SupplierID, Total: po.TotalAmount, DueDate: due, Lines: lines}
}

// GoodsReceipt records goods received against a purchase order.
type GoodsReceipt struct {
	ID                 int64         `json:"id"`
	Number             string        `json:"number"`
	POID               int64         `json:"po_id"`
	SupplierID         int64         `json:"supplier_id"`
	WarehouseID        int64         `json:"warehouse_id"`
	Status             GRNStatus     `json:"status"`
	QualityCheckDone   bool          `json:"quality_check_done"`
	QualityCheckStatus QualityStatus `json:"quality_check_status"`
	ReceivedAt         time.Time     `json:"received_at"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
	Note               string        `json:"note,omitempty"`
	CancelReason       string        `json:"cancel_reason,omitempty"`
	CreatedBy          int64         `json:"created_by"`
	Lines              []GRNLine     `json:"lines"`
}

// GRNLine is one received PO line. Accepted + Rejected ≤ Received ≤ Ordered.
type GRNLine struct {
	ID          int64           `json:"id"`
	GRNID       int64           `json:"grn_id"`
	POLineID    int64           `json:"po_line_id"`
	ProductID   int64           `json:"product_id"`
	OrderedQty  float64         `json:"ordered_qty"`
	ReceivedQty float64         `json:"received_qty"`
	AcceptedQty float64         `json:"accepted_qty"`
	RejectedQty float64         `json:"rejected_qty"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
}

// validate checks the quantity invariant.
func (l GRNLine) validate(grnID int64) error {
	if l.ReceivedQty < 0 || l.AcceptedQty < 0 || l.RejectedQty < 0 {
		return shared.Validation(grnEntity, grnID, "line %d has negative quantities", l.POLineID)
	}
	if !shared.QtyLE(l.ReceivedQty, l.OrderedQty) {
		return shared.Validation(grnEntity, grnID, "line %d received %.4f exceeds ordered %.4f", l.POLineID, l.ReceivedQty, l.OrderedQty)
	}
	if !shared.QtyLE(l.AcceptedQty+l.RejectedQty, l.ReceivedQty) {
		return shared.Validation(grnEntity, grnID, "line %d accepted %.4f + rejected %.4f exceeds received %.4f", l.POLineID, l.AcceptedQty, l.RejectedQty, l.ReceivedQty)
	}
	return nil
}

// CreatePRInput describes a new purchase request.
type CreatePRInput struct {
	TenantID   int64         `json:"tenant_id"`
	SupplierID int64         `json:"supplier_id"`
	Note       string        `json:"note" validate:"max=500"`
	Lines      []PRLineInput `json:"lines" validate:"required,min=1,dive"`
}

// PRLineInput describes a requested item.
type PRLineInput struct {
	ProductID      int64           `json:"product_id" validate:"required,gt=0"`
	Qty            float64         `json:"qty" validate:"gt=0"`
	EstimatedPrice decimal.Decimal `json:"estimated_price"`
	Note           string          `json:"note" validate:"max=200"`
}

// CreatePOInput describes a purchase order created directly.
type CreatePOInput struct {
	TenantID     int64         `json:"tenant_id"`
	SupplierID   int64         `json:"supplier_id" validate:"required,gt=0"`
	ExpectedDate *time.Time    `json:"expected_date"`
	Note         string        `json:"note" validate:"max=500"`
	Lines        []POLineInput `json:"lines" validate:"required,min=1,dive"`
}

// POLineInput describes an ordered item.
type POLineInput struct {
	ProductID      int64           `json:"product_id" validate:"required,gt=0"`
	Description    string          `json:"description" validate:"max=200"`
	Qty            float64         `json:"qty" validate:"gt=0"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
}

// ConvertPRInput converts a submitted request into a purchase order. Lines
// left empty copy the request lines at their estimated price.
type ConvertPRInput struct {
	PRID         int64         `json:"-"`
	SupplierID   int64         `json:"supplier_id"`
	ExpectedDate *time.Time    `json:"expected_date"`
	Note         string        `json:"note" validate:"max=500"`
	Lines        []POLineInput `json:"lines" validate:"dive"`
}

// ListPOFilter filters purchase orders.
type ListPOFilter struct {
	Status     POStatus
	SupplierID int64
	Limit      int
	Offset     int
}

// CreateGRNInput describes a goods receipt.
type CreateGRNInput struct {
	POID        int64          `json:"po_id" validate:"required,gt=0"`
	WarehouseID int64          `json:"warehouse_id" validate:"required,gt=0"`
	ReceivedAt  time.Time      `json:"received_at"`
	Note        string         `json:"note" validate:"max=500"`
	Lines       []GRNLineInput `json:"lines" validate:"required,min=1,dive"`
}

// GRNLineInput describes a received PO line. When accepted and rejected are
// both zero the full received quantity is accepted.
type GRNLineInput struct {
	POLineID    int64   `json:"po_line_id" validate:"required,gt=0"`
	ReceivedQty float64 `json:"received_qty" validate:"gte=0"`
	AcceptedQty float64 `json:"accepted_qty" validate:"gte=0"`
	RejectedQty float64 `json:"rejected_qty" validate:"gte=0"`
}

// QualityLineInput records an inspection outcome for one GRN line.
type QualityLineInput struct {
	LineID      int64   `json:"line_id" validate:"required,gt=0"`
	AcceptedQty float64 `json:"accepted_qty" validate:"gte=0"`
	RejectedQty float64 `json:"rejected_qty" validate:"gte=0"`
}

const (
	prEntity  = "purchase_request"
	poEntity  = "purchase_order"
	grnEntity = "goods_receipt"
)

var (
	// ErrInvalidState occurs when action violates status workflow.
	ErrInvalidState = shared.ErrInvalidState
	// ErrNotFound indicates record missing.
	ErrNotFound = shared.ErrNotFound
	// ErrValidation indicates invalid input.
	ErrValidation = shared.ErrValidation
)
