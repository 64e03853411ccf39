package ap

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/temple-erp/temple-erp/internal/shared"
)

// InvoiceStatus enumerates purchase invoice statuses.
type InvoiceStatus string

const (
	InvoiceStatusDraft     InvoiceStatus = "DRAFT"
	InvoiceStatusPosted    InvoiceStatus = "POSTED"
	InvoiceStatusCancelled InvoiceStatus = "CANCELLED"
)

var invoiceStatusLabels = map[InvoiceStatus]string{
	InvoiceStatusDraft:     "Draft",
	InvoiceStatusPosted:    "Posted",
	InvoiceStatusCancelled: "Cancelled",
}

// Label returns the display label.
func (s InvoiceStatus) Label() string {
	return labelOf(invoiceStatusLabels, s)
}

// PaymentStatus is the settlement state of an invoice or purchase order.
type PaymentStatus string

const (
	PaymentStatusUnpaid  PaymentStatus = "UNPAID"
	PaymentStatusPartial PaymentStatus = "PARTIAL"
	PaymentStatusPaid    PaymentStatus = "PAID"
)

var paymentStatusLabels = map[PaymentStatus]string{
	PaymentStatusUnpaid:  "Unpaid",
	PaymentStatusPartial: "Partially Paid",
	PaymentStatusPaid:    "Paid",
}

// Label returns the display label.
func (s PaymentStatus) Label() string {
	return labelOf(paymentStatusLabels, s)
}

// DerivePaymentStatus computes the settlement state from totals.
func DerivePaymentStatus(total, paid decimal.Decimal) PaymentStatus {
	balance := total.Sub(paid)
	switch {
	case balance.IsZero() || balance.IsNegative():
		return PaymentStatusPaid
	case paid.IsPositive() && paid.LessThan(total):
		return PaymentStatusPartial
	default:
		return PaymentStatusUnpaid
	}
}

// PaymentState enumerates the lifecycle of a single payment.
type PaymentState string

const (
	PaymentPending   PaymentState = "PENDING"
	PaymentCompleted PaymentState = "COMPLETED"
	PaymentFailed    PaymentState = "FAILED"
	PaymentCancelled PaymentState = "CANCELLED"
)

var paymentStateLabels = map[PaymentState]string{
	PaymentPending:   "Awaiting Approval",
	PaymentCompleted: "Completed",
	PaymentFailed:    "Rejected",
	PaymentCancelled: "Cancelled",
}

// Label returns the display label.
func (s PaymentState) Label() string {
	return labelOf(paymentStateLabels, s)
}

func labelOf[K ~string](table map[K]string, key K) string {
	if label, ok := table[key]; ok {
		return label
	}
	return string(key)
}

// Invoice is a supplier (purchase) invoice. Payments reference it by id.
type Invoice struct {
	ID               int64           `json:"id"`
	Number           string          `json:"number"`
	POID             int64           `json:"po_id,omitempty"`
	SupplierID       int64           `json:"supplier_id"`
	Status           InvoiceStatus   `json:"status"`
	PaymentStatus    PaymentStatus   `json:"payment_status"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	PaidAmount       decimal.Decimal `json:"paid_amount"`
	BalanceAmount    decimal.Decimal `json:"balance_amount"`
	AccountMigration bool            `json:"account_migration"`
	MigratedAt       *time.Time      `json:"migrated_at,omitempty"`
	PaymentDueDate   time.Time       `json:"payment_due_date"`
	PostedAt         *time.Time      `json:"posted_at,omitempty"`
	CancelReason     string          `json:"cancel_reason,omitempty"`
	CreatedBy        int64           `json:"created_by"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	Lines            []InvoiceLine   `json:"lines,omitempty"`
}

// InvoiceLine snapshots a purchased item.
type InvoiceLine struct {
	ProductID      int64           `json:"product_id"`
	Description    string          `json:"description"`
	Qty            float64         `json:"qty"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	Total          decimal.Decimal `json:"total"`
}

// apply adds amount to the paid total and recomputes balance and status.
func (inv *Invoice) apply(amount decimal.Decimal) {
	inv.PaidAmount = shared.Round2(inv.PaidAmount.Add(amount))
	inv.BalanceAmount = shared.Round2(inv.TotalAmount.Sub(inv.PaidAmount))
	inv.PaymentStatus = DerivePaymentStatus(inv.TotalAmount, inv.PaidAmount)
}

// Payment is a transaction against an invoice.
type Payment struct {
	ID            int64           `json:"id"`
	Number        string          `json:"number"`
	InvoiceID     int64           `json:"invoice_id"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentModeID int64           `json:"payment_mode_id"`
	Reference     string          `json:"reference,omitempty"`
	Status        PaymentState    `json:"status"`
	ApproverID    int64           `json:"approver_id,omitempty"`
	ApprovalTime  *time.Time      `json:"approval_time,omitempty"`
	ApprovalNotes string          `json:"approval_notes,omitempty"`
	CancelReason  string          `json:"cancel_reason,omitempty"`
	CreatedBy     int64           `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
}

// PaymentInput describes a payment against an invoice.
type PaymentInput struct {
	InvoiceID      int64           `json:"-"`
	Amount         decimal.Decimal `json:"amount"`
	PaymentModeID  int64           `json:"payment_mode_id" validate:"required,gt=0"`
	Reference      string          `json:"reference" validate:"max=120"`
	IdempotencyKey string          `json:"idempotency_key" validate:"max=120"`
}

// ApprovalPolicy reports whether a payment must wait for approval.
type ApprovalPolicy func(inv Invoice, input PaymentInput, actor shared.Actor) bool

// ThresholdPolicy requires approval for every payment when required is set,
// otherwise for payments at or above threshold. A zero threshold disables it.
func ThresholdPolicy(required bool, threshold decimal.Decimal) ApprovalPolicy {
	return func(_ Invoice, input PaymentInput, _ shared.Actor) bool {
		if required {
			return true
		}
		return threshold.IsPositive() && input.Amount.GreaterThanOrEqual(threshold)
	}
}

// NoApproval completes every payment immediately.
func NoApproval(Invoice, PaymentInput, shared.Actor) bool { return false }

// POSnapshot carries the purchase order values an invoice is issued from.
type POSnapshot struct {
	POID       int64
	Number     string
	SupplierID int64
	Total      decimal.Decimal
	DueDate    time.Time
	Lines      []InvoiceLine
}

// CreateInvoiceInput describes a manually entered invoice.
type CreateInvoiceInput struct {
	Number         string             `json:"number" validate:"max=40"`
	SupplierID     int64              `json:"supplier_id" validate:"required,gt=0"`
	PaymentDueDate time.Time          `json:"payment_due_date"`
	Lines          []InvoiceLineInput `json:"lines" validate:"required,min=1,dive"`
}

// InvoiceLineInput is a manual invoice line.
type InvoiceLineInput struct {
	ProductID      int64           `json:"product_id"`
	Description    string          `json:"description" validate:"required,max=200"`
	Qty            float64         `json:"qty" validate:"gt=0"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
}

// ListInvoicesFilter filters invoice listings.
type ListInvoicesFilter struct {
	Status     InvoiceStatus
	SupplierID int64
	Limit      int
	Offset     int
}

// AgingBucket summarises outstanding balances by days past due.
type AgingBucket struct {
	Current   decimal.Decimal `json:"current"`
	Bucket30  decimal.Decimal `json:"bucket_30"`
	Bucket60  decimal.Decimal `json:"bucket_60"`
	Bucket90  decimal.Decimal `json:"bucket_90"`
	Bucket120 decimal.Decimal `json:"bucket_120"`
}

// AgingLine is one outstanding invoice in an aging report.
type AgingLine struct {
	InvoiceID   int64           `json:"invoice_id"`
	Number      string          `json:"number"`
	SupplierID  int64           `json:"supplier_id"`
	DueDate     time.Time       `json:"due_date"`
	DaysOverdue int             `json:"days_overdue"`
	Bucket      string          `json:"bucket"`
	Balance     decimal.Decimal `json:"balance"`
}

// MigrationFailure records one invoice that could not be migrated.
type MigrationFailure struct {
	InvoiceID int64  `json:"invoice_id"`
	Number    string `json:"number"`
	Error     string `json:"error"`
}

// MigrationSummary is the outcome of a retry batch.
type MigrationSummary struct {
	Total    int                `json:"total"`
	Success  int                `json:"success"`
	Failed   int                `json:"failed"`
	Failures []MigrationFailure `json:"failures"`
}

const (
	invoiceEntity = "invoice"
	paymentEntity = "payment"
)

var (
	// ErrInvalidState aliases the shared sentinel.
	ErrInvalidState = shared.ErrInvalidState
	// ErrValidation aliases the shared sentinel.
	ErrValidation = shared.ErrValidation
	// ErrNotFound aliases the shared sentinel.
	ErrNotFound = shared.ErrNotFound
)
