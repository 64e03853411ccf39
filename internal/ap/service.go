package ap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/temple-erp/temple-erp/internal/rbac"
	"github.com/temple-erp/temple-erp/internal/shared"
	"github.com/temple-erp/temple-erp/internal/supplier"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetInvoice(ctx context.Context, id int64) (Invoice, error)
	ListInvoices(ctx context.Context, filter ListInvoicesFilter) ([]Invoice, error)
	ListUnmigratedInvoices(ctx context.Context) ([]Invoice, error)
	ListOutstandingInvoices(ctx context.Context) ([]Invoice, error)
	GetPayment(ctx context.Context, id int64) (Payment, error)
	ListPayments(ctx context.Context, invoiceID int64) ([]Payment, error)
}

// SupplierLedger is the subset of the supplier service used by payables.
type SupplierLedger interface {
	Charge(ctx context.Context, tx supplier.TxRepository, input supplier.EntryInput) (supplier.Supplier, error)
	Settle(ctx context.Context, tx supplier.TxRepository, input supplier.EntryInput) (supplier.Supplier, error)
}

// AccountingPort posts an invoice's journal into the external ledger.
type AccountingPort interface {
	PostInvoiceJournal(ctx context.Context, inv Invoice) error
}

// IdempotencyPort guards client supplied payment keys.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// ApprovalPort persists approval history.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort counts transitions and migration results.
type MetricsPort interface {
	shared.TransitionRecorder
	Migration(result string)
}

// ServiceConfig groups payables settings.
type ServiceConfig struct {
	Policy               ApprovalPolicy
	MigrationConcurrency int
	DefaultDueDays       int
}

// Service manages invoices, payments and accounting migration.
type Service struct {
	repo        RepositoryPort
	ledger      SupplierLedger
	logger      *slog.Logger
	policy      ApprovalPolicy
	concurrency int
	dueDays     int

	accounting  AccountingPort
	idempotency IdempotencyPort
	approvals   ApprovalPort
	audit       AuditPort
	notifier    shared.Notifier
	metrics     MetricsPort

	migrations singleflight.Group
	now        func() time.Time
}

// NewService constructs the payables service.
func NewService(repo RepositoryPort, ledger SupplierLedger, logger *slog.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Policy == nil {
		cfg.Policy = NoApproval
	}
	if cfg.MigrationConcurrency <= 0 {
		cfg.MigrationConcurrency = 4
	}
	if cfg.DefaultDueDays <= 0 {
		cfg.DefaultDueDays = 30
	}
	return &Service{
		repo:        repo,
		ledger:      ledger,
		logger:      logger,
		policy:      cfg.Policy,
		concurrency: cfg.MigrationConcurrency,
		dueDays:     cfg.DefaultDueDays,
		notifier:    shared.NopNotifier{},
		metrics:     nopMetrics{},
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetAccounting injects the accounting collaborator.
func (s *Service) SetAccounting(port AccountingPort) { s.accounting = port }

// SetIdempotency injects the payment key store.
func (s *Service) SetIdempotency(store IdempotencyPort) { s.idempotency = store }

// SetApprovals injects the approval history recorder.
func (s *Service) SetApprovals(recorder ApprovalPort) { s.approvals = recorder }

// SetAudit injects the audit logger.
func (s *Service) SetAudit(audit AuditPort) { s.audit = audit }

// SetNotifier injects the notification collaborator.
func (s *Service) SetNotifier(n shared.Notifier) {
	if n != nil {
		s.notifier = n
	}
}

// SetMetrics injects the metrics recorder.
func (s *Service) SetMetrics(m MetricsPort) {
	if m != nil {
		s.metrics = m
	}
}

// IssueForPurchaseOrder creates the POSTED invoice for an approved purchase
// order inside the caller's transaction. A second call for the same order
// returns the existing invoice with created=false.
func (s *Service) IssueForPurchaseOrder(ctx context.Context, tx TxRepository, snap POSnapshot) (Invoice, bool, error) {
	existing, found, err := tx.FindInvoiceByPO(ctx, snap.POID)
	if err != nil {
		return Invoice{}, false, err
	}
	if found {
		return existing, false, nil
	}
	if snap.SupplierID == 0 {
		return Invoice{}, false, shared.Validation(invoiceEntity, 0, "purchase order %d has no supplier", snap.POID)
	}
	now := s.now()
	total := shared.Round2(snap.Total)
	inv := Invoice{
		Number:         generateNumber("PINV"),
		POID:           snap.POID,
		SupplierID:     snap.SupplierID,
		Status:         InvoiceStatusPosted,
		TotalAmount:    total,
		PaidAmount:     decimal.Zero,
		BalanceAmount:  total,
		PaymentStatus:  DerivePaymentStatus(total, decimal.Zero),
		PaymentDueDate: s.dueDate(snap.DueDate),
		PostedAt:       &now,
		Lines:          snap.Lines,
	}
	id, err := tx.InsertInvoice(ctx, inv)
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return Invoice{}, false, shared.InvalidState(invoiceEntity, 0, "invoice for purchase order %d already exists", snap.POID)
		}
		return Invoice{}, false, err
	}
	inv.ID = id
	if err := tx.InsertInvoiceLines(ctx, id, inv.Lines); err != nil {
		return Invoice{}, false, err
	}
	if total.IsPositive() {
		if _, err := s.ledger.Charge(ctx, tx.Suppliers(), supplier.EntryInput{
			SupplierID: inv.SupplierID,
			Amount:     total,
			RefModule:  "AP_INVOICE",
			RefID:      id,
			Note:       fmt.Sprintf("Invoice %s for PO %s", inv.Number, snap.Number),
		}); err != nil {
			return Invoice{}, false, err
		}
	}
	return inv, true, nil
}

// InvoiceIssued runs the post-commit effects of IssueForPurchaseOrder.
func (s *Service) InvoiceIssued(ctx context.Context, actor shared.Actor, inv Invoice) {
	s.metrics.Transition(invoiceEntity, "issue")
	s.recordAudit(ctx, actor, "INVOICE_ISSUE", inv.ID, map[string]any{"number": inv.Number, "po_id": inv.POID, "total": inv.TotalAmount.String()})
	s.notifier.Notify(ctx, shared.Notification{
		Event:    "invoice.issued",
		Entity:   invoiceEntity,
		EntityID: inv.ID,
		Number:   inv.Number,
		Subject:  fmt.Sprintf("Invoice %s issued", inv.Number),
		Amount:   inv.TotalAmount,
	})
}

// CreateInvoice stores a manual DRAFT invoice.
func (s *Service) CreateInvoice(ctx context.Context, actor shared.Actor, input CreateInvoiceInput) (Invoice, error) {
	if err := rbac.Require(actor, rbac.CapInvoiceCreate); err != nil {
		return Invoice{}, err
	}
	if input.SupplierID == 0 {
		return Invoice{}, shared.Validation(invoiceEntity, 0, "supplier is required")
	}
	if len(input.Lines) == 0 {
		return Invoice{}, shared.Validation(invoiceEntity, 0, "at least one line is required")
	}
	lines := make([]InvoiceLine, 0, len(input.Lines))
	total := decimal.Zero
	for i, l := range input.Lines {
		if l.Qty <= 0 || l.UnitPrice.IsNegative() || l.TaxAmount.IsNegative() || l.DiscountAmount.IsNegative() {
			return Invoice{}, shared.Validation(invoiceEntity, 0, "line %d: quantity must be positive and amounts non-negative", i+1)
		}
		lineTotal := shared.Round2(l.UnitPrice.Mul(decimal.NewFromFloat(l.Qty)).Add(l.TaxAmount).Sub(l.DiscountAmount))
		if lineTotal.IsNegative() {
			return Invoice{}, shared.Validation(invoiceEntity, 0, "line %d: discount exceeds line amount", i+1)
		}
		lines = append(lines, InvoiceLine{
			ProductID:      l.ProductID,
			Description:    strings.TrimSpace(l.Description),
			Qty:            l.Qty,
			UnitPrice:      l.UnitPrice,
			TaxAmount:      l.TaxAmount,
			DiscountAmount: l.DiscountAmount,
			Total:          lineTotal,
		})
		total = total.Add(lineTotal)
	}
	number := input.Number
	if number == "" {
		number = generateNumber("PINV")
	}
	inv := Invoice{
		Number:         number,
		SupplierID:     input.SupplierID,
		Status:         InvoiceStatusDraft,
		TotalAmount:    shared.Round2(total),
		PaidAmount:     decimal.Zero,
		BalanceAmount:  shared.Round2(total),
		PaymentStatus:  DerivePaymentStatus(total, decimal.Zero),
		PaymentDueDate: s.dueDate(input.PaymentDueDate),
		CreatedBy:      actor.ID,
		Lines:          lines,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertInvoice(ctx, inv)
		if err != nil {
			return err
		}
		inv.ID = id
		return tx.InsertInvoiceLines(ctx, id, lines)
	})
	if err != nil {
		return Invoice{}, err
	}
	s.metrics.Transition(invoiceEntity, "create")
	s.recordAudit(ctx, actor, "INVOICE_CREATE", inv.ID, map[string]any{"number": inv.Number, "total": inv.TotalAmount.String()})
	return inv, nil
}

// PostInvoice moves a DRAFT invoice to POSTED and charges the supplier ledger.
func (s *Service) PostInvoice(ctx context.Context, actor shared.Actor, id int64) (Invoice, error) {
	if err := rbac.Require(actor, rbac.CapInvoiceCreate); err != nil {
		return Invoice{}, err
	}
	var posted Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if inv.Status != InvoiceStatusDraft {
			return shared.InvalidState(invoiceEntity, id, "cannot post invoice in status %s", inv.Status)
		}
		now := s.now()
		inv.Status = InvoiceStatusPosted
		inv.PostedAt = &now
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		if inv.TotalAmount.IsPositive() {
			if _, err := s.ledger.Charge(ctx, tx.Suppliers(), supplier.EntryInput{
				SupplierID: inv.SupplierID,
				Amount:     inv.TotalAmount,
				RefModule:  "AP_INVOICE",
				RefID:      inv.ID,
				Note:       fmt.Sprintf("Invoice %s posted", inv.Number),
			}); err != nil {
				return err
			}
		}
		posted = inv
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}
	s.metrics.Transition(invoiceEntity, "post")
	s.recordAudit(ctx, actor, "INVOICE_POST", id, map[string]any{"number": posted.Number})
	return posted, nil
}

// CancelInvoice cancels an invoice without completed payments. Posted invoices
// have their ledger charge reversed; invoices already migrated to accounting
// cannot be cancelled.
func (s *Service) CancelInvoice(ctx context.Context, actor shared.Actor, id int64, reason string) (Invoice, error) {
	if err := rbac.Require(actor, rbac.CapInvoiceCreate); err != nil {
		return Invoice{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Invoice{}, shared.Validation(invoiceEntity, id, "cancel reason is required")
	}
	var cancelled Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, id)
		if err != nil {
			return err
		}
		cancelled, err = s.cancelInTx(ctx, tx, inv, reason)
		return err
	})
	if err != nil {
		return Invoice{}, err
	}
	s.metrics.Transition(invoiceEntity, "cancel")
	s.recordAudit(ctx, actor, "INVOICE_CANCEL", id, map[string]any{"reason": reason})
	return cancelled, nil
}

// CancelForPurchaseOrder cancels the invoice issued for a purchase order
// inside the caller's transaction. found is false when the order has no
// invoice or it is already cancelled.
func (s *Service) CancelForPurchaseOrder(ctx context.Context, tx TxRepository, poID int64, reason string) (Invoice, bool, error) {
	inv, found, err := tx.FindInvoiceByPO(ctx, poID)
	if err != nil || !found || inv.Status == InvoiceStatusCancelled {
		return Invoice{}, false, err
	}
	cancelled, err := s.cancelInTx(ctx, tx, inv, reason)
	if err != nil {
		return Invoice{}, false, err
	}
	return cancelled, true, nil
}

func (s *Service) cancelInTx(ctx context.Context, tx TxRepository, inv Invoice, reason string) (Invoice, error) {
	if inv.Status == InvoiceStatusCancelled {
		return Invoice{}, shared.InvalidState(invoiceEntity, inv.ID, "invoice already cancelled")
	}
	if inv.AccountMigration {
		return Invoice{}, shared.InvalidState(invoiceEntity, inv.ID, "invoice already migrated to accounting")
	}
	payments, err := tx.ListPaymentsForUpdate(ctx, inv.ID)
	if err != nil {
		return Invoice{}, err
	}
	for _, p := range payments {
		switch p.Status {
		case PaymentCompleted:
			return Invoice{}, shared.InvalidState(invoiceEntity, inv.ID, "invoice has completed payment %s", p.Number)
		case PaymentPending:
			p.Status = PaymentCancelled
			p.CancelReason = "invoice cancelled"
			if err := tx.UpdatePayment(ctx, p); err != nil {
				return Invoice{}, err
			}
		}
	}
	wasPosted := inv.Status == InvoiceStatusPosted
	inv.Status = InvoiceStatusCancelled
	inv.CancelReason = reason
	if err := tx.UpdateInvoice(ctx, inv); err != nil {
		return Invoice{}, err
	}
	if wasPosted && inv.TotalAmount.IsPositive() {
		if _, err := s.ledger.Settle(ctx, tx.Suppliers(), supplier.EntryInput{
			SupplierID: inv.SupplierID,
			Amount:     inv.TotalAmount,
			RefModule:  "AP_INVOICE_CANCEL",
			RefID:      inv.ID,
			Note:       reason,
		}); err != nil {
			return Invoice{}, err
		}
	}
	return inv, nil
}

// RecordPayment creates a payment against a POSTED invoice. The approval
// policy decides between PENDING and an immediately COMPLETED payment.
func (s *Service) RecordPayment(ctx context.Context, actor shared.Actor, input PaymentInput) (Payment, error) {
	if err := rbac.Require(actor, rbac.CapPaymentRecord); err != nil {
		return Payment{}, err
	}
	amount := shared.Round2(input.Amount)
	if !amount.IsPositive() {
		return Payment{}, shared.Validation(paymentEntity, 0, "amount must be at least 0.01")
	}
	key := strings.TrimSpace(input.IdempotencyKey)
	if key != "" && s.idempotency != nil {
		key = "ap.payment:" + key
		if err := s.idempotency.CheckAndInsert(ctx, key, "ap.payment"); err != nil {
			return Payment{}, err
		}
	}
	var payment Payment
	var invoice Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, input.InvoiceID)
		if err != nil {
			return err
		}
		if inv.Status != InvoiceStatusPosted {
			return shared.InvalidState(invoiceEntity, inv.ID, "payments require a POSTED invoice, got %s", inv.Status)
		}
		if amount.GreaterThan(inv.BalanceAmount) {
			return shared.Validation(invoiceEntity, inv.ID, "amount %s exceeds balance %s", amount.StringFixed(2), inv.BalanceAmount.StringFixed(2))
		}
		payment = Payment{
			Number:        generateNumber("PAY"),
			InvoiceID:     inv.ID,
			Amount:        amount,
			PaymentModeID: input.PaymentModeID,
			Reference:     strings.TrimSpace(input.Reference),
			Status:        PaymentCompleted,
			CreatedBy:     actor.ID,
			CreatedAt:     s.now(),
		}
		if s.policy(inv, input, actor) {
			payment.Status = PaymentPending
		}
		id, err := tx.InsertPayment(ctx, payment)
		if err != nil {
			return err
		}
		payment.ID = id
		if payment.Status == PaymentCompleted {
			if err := s.applyPayment(ctx, tx, &inv, payment); err != nil {
				return err
			}
		}
		invoice = inv
		return nil
	})
	if err != nil {
		if key != "" && s.idempotency != nil {
			_ = s.idempotency.Delete(context.WithoutCancel(ctx), key)
		}
		return Payment{}, err
	}
	s.metrics.Transition(paymentEntity, strings.ToLower(string(payment.Status)))
	s.recordAudit(ctx, actor, "PAYMENT_RECORD", payment.ID, map[string]any{
		"invoice_id": payment.InvoiceID,
		"amount":     payment.Amount.String(),
		"status":     string(payment.Status),
	})
	if payment.Status == PaymentPending {
		s.recordApproval(ctx, actor, payment.ID, shared.ApprovalSubmit, fmt.Sprintf("Payment %s awaiting approval", payment.Number))
		s.notifier.Notify(ctx, shared.Notification{
			Event:    "payment.pending",
			Entity:   paymentEntity,
			EntityID: payment.ID,
			Number:   payment.Number,
			Subject:  fmt.Sprintf("Payment %s for invoice %s awaits approval", payment.Number, invoice.Number),
			Amount:   payment.Amount,
		})
	} else {
		s.paymentApplied(ctx, payment, invoice)
	}
	return payment, nil
}

// ApprovePayment approves or rejects a PENDING payment. Approval applies the
// payment to the invoice; rejection marks it FAILED without invoice effect.
func (s *Service) ApprovePayment(ctx context.Context, actor shared.Actor, paymentID int64, approve bool, notes string) (Payment, error) {
	if err := rbac.Require(actor, rbac.CapPaymentApprove); err != nil {
		return Payment{}, err
	}
	var payment Payment
	var invoice Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.GetPaymentForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		if p.Status != PaymentPending {
			return shared.InvalidState(paymentEntity, paymentID, "payment is %s, only PENDING payments can be approved", p.Status)
		}
		now := s.now()
		p.ApproverID = actor.ID
		p.ApprovalTime = &now
		p.ApprovalNotes = strings.TrimSpace(notes)
		if !approve {
			p.Status = PaymentFailed
			payment = p
			return tx.UpdatePayment(ctx, p)
		}
		inv, err := tx.GetInvoiceForUpdate(ctx, p.InvoiceID)
		if err != nil {
			return err
		}
		if inv.Status != InvoiceStatusPosted {
			return shared.InvalidState(invoiceEntity, inv.ID, "invoice is %s", inv.Status)
		}
		if p.Amount.GreaterThan(inv.BalanceAmount) {
			return shared.Validation(paymentEntity, paymentID, "amount %s exceeds current balance %s", p.Amount.StringFixed(2), inv.BalanceAmount.StringFixed(2))
		}
		p.Status = PaymentCompleted
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}
		if err := s.applyPayment(ctx, tx, &inv, p); err != nil {
			return err
		}
		payment = p
		invoice = inv
		return nil
	})
	if err != nil {
		return Payment{}, err
	}
	action := shared.ApprovalApprove
	if !approve {
		action = shared.ApprovalReject
	}
	s.metrics.Transition(paymentEntity, strings.ToLower(string(action)))
	s.recordApproval(ctx, actor, paymentID, action, payment.ApprovalNotes)
	s.recordAudit(ctx, actor, "PAYMENT_"+string(action), paymentID, map[string]any{"notes": payment.ApprovalNotes})
	if approve {
		s.paymentApplied(ctx, payment, invoice)
	} else {
		s.notifier.Notify(ctx, shared.Notification{
			Event:    "payment.rejected",
			Entity:   paymentEntity,
			EntityID: payment.ID,
			Number:   payment.Number,
			Subject:  fmt.Sprintf("Payment %s rejected", payment.Number),
			Body:     payment.ApprovalNotes,
			Amount:   payment.Amount,
		})
	}
	return payment, nil
}

// CancelPayment withdraws a PENDING payment.
func (s *Service) CancelPayment(ctx context.Context, actor shared.Actor, paymentID int64, reason string) (Payment, error) {
	if err := rbac.Require(actor, rbac.CapPaymentRecord); err != nil {
		return Payment{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Payment{}, shared.Validation(paymentEntity, paymentID, "cancel reason is required")
	}
	var payment Payment
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.GetPaymentForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		if p.Status != PaymentPending {
			return shared.InvalidState(paymentEntity, paymentID, "only PENDING payments can be cancelled, got %s", p.Status)
		}
		p.Status = PaymentCancelled
		p.CancelReason = reason
		payment = p
		return tx.UpdatePayment(ctx, p)
	})
	if err != nil {
		return Payment{}, err
	}
	s.metrics.Transition(paymentEntity, "cancel")
	s.recordAudit(ctx, actor, "PAYMENT_CANCEL", paymentID, map[string]any{"reason": reason})
	return payment, nil
}

// GetInvoice returns an invoice with its lines.
func (s *Service) GetInvoice(ctx context.Context, id int64) (Invoice, error) {
	return s.repo.GetInvoice(ctx, id)
}

// ListInvoices lists invoices.
func (s *Service) ListInvoices(ctx context.Context, filter ListInvoicesFilter) ([]Invoice, error) {
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	return s.repo.ListInvoices(ctx, filter)
}

// GetPayment returns a single payment.
func (s *Service) GetPayment(ctx context.Context, id int64) (Payment, error) {
	return s.repo.GetPayment(ctx, id)
}

// ListPayments lists the payments of an invoice.
func (s *Service) ListPayments(ctx context.Context, invoiceID int64) ([]Payment, error) {
	if _, err := s.repo.GetInvoice(ctx, invoiceID); err != nil {
		return nil, err
	}
	return s.repo.ListPayments(ctx, invoiceID)
}

// CalculateAging groups outstanding balances of posted invoices by due date.
func (s *Service) CalculateAging(ctx context.Context, asOf time.Time) (AgingBucket, error) {
	bucket, _, err := s.AgingDetail(ctx, asOf)
	return bucket, err
}

// AgingDetail returns the bucket totals together with the invoices behind them.
func (s *Service) AgingDetail(ctx context.Context, asOf time.Time) (AgingBucket, []AgingLine, error) {
	invoices, err := s.repo.ListOutstandingInvoices(ctx)
	if err != nil {
		return AgingBucket{}, nil, err
	}
	if asOf.IsZero() {
		asOf = s.now()
	}
	bucket := AgingBucket{Current: decimal.Zero, Bucket30: decimal.Zero, Bucket60: decimal.Zero, Bucket90: decimal.Zero, Bucket120: decimal.Zero}
	var lines []AgingLine
	for _, inv := range invoices {
		if inv.Status != InvoiceStatusPosted || !inv.BalanceAmount.IsPositive() {
			continue
		}
		days := int(asOf.Sub(inv.PaymentDueDate).Hours() / 24)
		line := AgingLine{
			InvoiceID:   inv.ID,
			Number:      inv.Number,
			SupplierID:  inv.SupplierID,
			DueDate:     inv.PaymentDueDate,
			DaysOverdue: max(days, 0),
			Balance:     inv.BalanceAmount,
		}
		switch {
		case days <= 0:
			bucket.Current = bucket.Current.Add(inv.BalanceAmount)
			line.Bucket = "current"
		case days <= 30:
			bucket.Bucket30 = bucket.Bucket30.Add(inv.BalanceAmount)
			line.Bucket = "1-30"
		case days <= 60:
			bucket.Bucket60 = bucket.Bucket60.Add(inv.BalanceAmount)
			line.Bucket = "31-60"
		case days <= 90:
			bucket.Bucket90 = bucket.Bucket90.Add(inv.BalanceAmount)
			line.Bucket = "61-90"
		default:
			bucket.Bucket120 = bucket.Bucket120.Add(inv.BalanceAmount)
			line.Bucket = "90+"
		}
		lines = append(lines, line)
	}
	return bucket, lines, nil
}

func (s *Service) applyPayment(ctx context.Context, tx TxRepository, inv *Invoice, p Payment) error {
	inv.apply(p.Amount)
	if inv.BalanceAmount.IsNegative() {
		return shared.Validation(invoiceEntity, inv.ID, "payment would drive balance negative")
	}
	if err := tx.UpdateInvoice(ctx, *inv); err != nil {
		return err
	}
	if _, err := s.ledger.Settle(ctx, tx.Suppliers(), supplier.EntryInput{
		SupplierID: inv.SupplierID,
		Amount:     p.Amount,
		RefModule:  "AP_PAYMENT",
		RefID:      p.ID,
		Note:       fmt.Sprintf("Payment %s for invoice %s", p.Number, inv.Number),
	}); err != nil {
		return err
	}
	if inv.POID != 0 {
		return tx.SyncPurchaseOrderPaymentStatus(ctx, inv.POID, inv.PaymentStatus)
	}
	return nil
}

func (s *Service) paymentApplied(ctx context.Context, p Payment, inv Invoice) {
	s.notifier.Notify(ctx, shared.Notification{
		Event:    "payment.completed",
		Entity:   paymentEntity,
		EntityID: p.ID,
		Number:   p.Number,
		Subject:  fmt.Sprintf("Payment %s applied to invoice %s (%s)", p.Number, inv.Number, inv.PaymentStatus.Label()),
		Amount:   p.Amount,
	})
}

func (s *Service) dueDate(due time.Time) time.Time {
	if due.IsZero() {
		return s.now().AddDate(0, 0, s.dueDays)
	}
	return due
}

func (s *Service) recordApproval(ctx context.Context, actor shared.Actor, paymentID int64, action shared.ApprovalAction, note string) {
	if s.approvals == nil {
		return
	}
	err := s.approvals.Record(ctx, shared.ApprovalLog{
		Module:  shared.ApprovalModulePayment,
		RefID:   shared.ApprovalRefID(shared.ApprovalModulePayment, paymentID),
		ActorID: actor.ID,
		Action:  action,
		Note:    note,
	})
	if err != nil {
		s.logger.Warn("record payment approval", slog.Int64("payment_id", paymentID), slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, actor shared.Actor, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	entity := invoiceEntity
	if strings.HasPrefix(action, "PAYMENT") {
		entity = paymentEntity
	}
	if err := s.audit.Record(ctx, shared.NewAuditLog(actor, action, entity, id, meta)); err != nil {
		s.logger.Warn("audit", slog.String("action", action), slog.Any("error", err))
	}
}

func generateNumber(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

type nopMetrics struct{}

func (nopMetrics) Transition(string, string) {}
func (nopMetrics) Migration(string)          {}

var errAccountingNotConfigured = errors.New("accounting collaborator not configured")
