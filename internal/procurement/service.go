package procurement

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/temple-erp/temple-erp/internal/ap"
	"github.com/temple-erp/temple-erp/internal/inventory"
	"github.com/temple-erp/temple-erp/internal/rbac"
	"github.com/temple-erp/temple-erp/internal/shared"
	"github.com/temple-erp/temple-erp/internal/supplier"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPR(ctx context.Context, id int64) (PurchaseRequest, error)
	GetPO(ctx context.Context, id int64) (PurchaseOrder, error)
	ListPOs(ctx context.Context, filter ListPOFilter) ([]PurchaseOrder, error)
	GetGRN(ctx context.Context, id int64) (GoodsReceipt, error)
	ListGRNsByPO(ctx context.Context, poID int64) ([]GoodsReceipt, error)
}

// PayablesPort issues and voids purchase-order invoices inside a
// procurement transaction.
type PayablesPort interface {
	IssueForPurchaseOrder(ctx context.Context, tx ap.TxRepository, snap ap.POSnapshot) (ap.Invoice, bool, error)
	CancelForPurchaseOrder(ctx context.Context, tx ap.TxRepository, poID int64, reason string) (ap.Invoice, bool, error)
	InvoiceIssued(ctx context.Context, actor shared.Actor, inv ap.Invoice)
}

// StockPort exposes required inventory integration.
type StockPort interface {
	CreditStock(ctx context.Context, tx inventory.TxRepository, input inventory.MovementInput) (inventory.StockCardEntry, error)
}

// CreditPort checks supplier credit limits.
type CreditPort interface {
	CheckCredit(ctx context.Context, tx supplier.TxRepository, supplierID int64, amount decimal.Decimal) error
}

// ApprovalPort persists approval history.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service orchestrates procurement flows.
type Service struct {
	repo     RepositoryPort
	payables PayablesPort
	stock    StockPort
	credit   CreditPort
	logger   *slog.Logger

	approvals ApprovalPort
	audit     AuditPort
	notifier  shared.Notifier
	metrics   shared.TransitionRecorder

	now func() time.Time
}

// NewService constructs procurement service.
func NewService(repo RepositoryPort, payables PayablesPort, stock StockPort, credit CreditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		payables: payables,
		stock:    stock,
		credit:   credit,
		logger:   logger,
		notifier: shared.NopNotifier{},
		metrics:  shared.NopRecorder{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

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

// SetMetrics injects the transition counter.
func (s *Service) SetMetrics(m shared.TransitionRecorder) {
	if m != nil {
		s.metrics = m
	}
}

// CreatePurchaseRequest persists PR header and lines.
func (s *Service) CreatePurchaseRequest(ctx context.Context, actor shared.Actor, input CreatePRInput) (PurchaseRequest, error) {
	if err := rbac.Require(actor, rbac.CapPRCreate); err != nil {
		return PurchaseRequest{}, err
	}
	if len(input.Lines) == 0 {
		return PurchaseRequest{}, shared.Validation(prEntity, 0, "at least one line is required")
	}
	pr := PurchaseRequest{
		TenantID:    input.TenantID,
		SupplierID:  input.SupplierID,
		RequestedBy: actor.ID,
		Status:      PRStatusDraft,
		Note:        strings.TrimSpace(input.Note),
		CreatedAt:   s.now(),
	}
	for i, line := range input.Lines {
		if line.ProductID == 0 || line.Qty <= 0 {
			return PurchaseRequest{}, shared.Validation(prEntity, 0, "line %d needs a product and a positive qty", i+1)
		}
		if line.EstimatedPrice.IsNegative() {
			return PurchaseRequest{}, shared.Validation(prEntity, 0, "line %d has a negative estimated price", i+1)
		}
		pr.Lines = append(pr.Lines, PRLine{ProductID: line.ProductID, Qty: line.Qty, EstimatedPrice: shared.Round2(line.EstimatedPrice), Note: line.Note})
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		number, err := tx.NextNumber(ctx, pr.TenantID, "PR")
		if err != nil {
			return err
		}
		pr.Number = number
		id, err := tx.InsertPR(ctx, pr)
		if err != nil {
			return err
		}
		pr.ID = id
		for i := range pr.Lines {
			pr.Lines[i].PRID = id
		}
		return tx.InsertPRLines(ctx, id, pr.Lines)
	})
	if err != nil {
		return PurchaseRequest{}, err
	}
	s.metrics.Transition(prEntity, "create")
	s.recordAudit(ctx, actor, "PR_CREATE", pr.ID, map[string]any{"number": pr.Number})
	return pr, nil
}

// SubmitPurchaseRequest transitions PR to SUBMITTED.
func (s *Service) SubmitPurchaseRequest(ctx context.Context, actor shared.Actor, id int64) (PurchaseRequest, error) {
	if err := rbac.Require(actor, rbac.CapPRSubmit); err != nil {
		return PurchaseRequest{}, err
	}
	return s.transitionPR(ctx, actor, id, "submit", func(pr PurchaseRequest) (PRStatus, error) {
		if pr.Status != PRStatusDraft {
			return "", shared.InvalidState(prEntity, id, "cannot submit a %s request", pr.Status)
		}
		if len(pr.Lines) == 0 {
			return "", shared.Validation(prEntity, id, "request has no lines")
		}
		return PRStatusSubmitted, nil
	})
}

// CancelPurchaseRequest cancels a DRAFT or SUBMITTED request. Converted
// requests already have orders and stay as they are.
func (s *Service) CancelPurchaseRequest(ctx context.Context, actor shared.Actor, id int64) (PurchaseRequest, error) {
	if err := rbac.Require(actor, rbac.CapPRSubmit); err != nil {
		return PurchaseRequest{}, err
	}
	return s.transitionPR(ctx, actor, id, "cancel", func(pr PurchaseRequest) (PRStatus, error) {
		switch pr.Status {
		case PRStatusDraft, PRStatusSubmitted:
			return PRStatusCancelled, nil
		}
		return "", shared.InvalidState(prEntity, id, "cannot cancel a %s request", pr.Status)
	})
}

func (s *Service) transitionPR(ctx context.Context, actor shared.Actor, id int64, action string, next func(PurchaseRequest) (PRStatus, error)) (PurchaseRequest, error) {
	var updated PurchaseRequest
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		pr, err := tx.GetPRForUpdate(ctx, id)
		if err != nil {
			return err
		}
		status, err := next(pr)
		if err != nil {
			return err
		}
		if err := tx.UpdatePRStatus(ctx, id, status); err != nil {
			return err
		}
		pr.Status = status
		updated = pr
		return nil
	})
	if err != nil {
		return PurchaseRequest{}, err
	}
	s.metrics.Transition(prEntity, action)
	s.recordAudit(ctx, actor, "PR_"+strings.ToUpper(action), id, map[string]any{"status": updated.Status})
	return updated, nil
}

// GetPurchaseRequest returns a request with its lines.
func (s *Service) GetPurchaseRequest(ctx context.Context, id int64) (PurchaseRequest, error) {
	return s.repo.GetPR(ctx, id)
}

// CreatePurchaseOrder creates a DRAFT order directly.
func (s *Service) CreatePurchaseOrder(ctx context.Context, actor shared.Actor, input CreatePOInput) (PurchaseOrder, error) {
	if err := rbac.Require(actor, rbac.CapPOCreate); err != nil {
		return PurchaseOrder{}, err
	}
	if input.SupplierID == 0 {
		return PurchaseOrder{}, shared.Validation(poEntity, 0, "supplier is required")
	}
	lines, err := buildPOLines(input.Lines)
	if err != nil {
		return PurchaseOrder{}, err
	}
	po := PurchaseOrder{
		TenantID:     input.TenantID,
		SupplierID:   input.SupplierID,
		ExpectedDate: input.ExpectedDate,
		Note:         strings.TrimSpace(input.Note),
		Lines:        lines,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		po, err = s.insertPO(ctx, tx, actor, po)
		return err
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.metrics.Transition(poEntity, "create")
	s.recordAudit(ctx, actor, "PO_CREATE", po.ID, map[string]any{"number": po.Number, "total": po.TotalAmount.String()})
	return po, nil
}

// CreatePOFromPR converts a submitted request into a DRAFT order. A request
// may be converted more than once; it stays CONVERTED.
func (s *Service) CreatePOFromPR(ctx context.Context, actor shared.Actor, input ConvertPRInput) (PurchaseOrder, error) {
	if err := rbac.Require(actor, rbac.CapPRConvert); err != nil {
		return PurchaseOrder{}, err
	}
	var po PurchaseOrder
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		pr, err := tx.GetPRForUpdate(ctx, input.PRID)
		if err != nil {
			return err
		}
		if pr.Status != PRStatusSubmitted && pr.Status != PRStatusConverted {
			return shared.InvalidState(prEntity, pr.ID, "cannot convert a %s request", pr.Status)
		}
		supplierID := input.SupplierID
		if supplierID == 0 {
			supplierID = pr.SupplierID
		}
		if supplierID == 0 {
			return shared.Validation(prEntity, pr.ID, "supplier is required to convert the request")
		}
		lineInputs := input.Lines
		if len(lineInputs) == 0 {
			for _, l := range pr.Lines {
				lineInputs = append(lineInputs, POLineInput{ProductID: l.ProductID, Description: l.Note, Qty: l.Qty, UnitPrice: l.EstimatedPrice})
			}
		}
		lines, err := buildPOLines(lineInputs)
		if err != nil {
			return err
		}
		po, err = s.insertPO(ctx, tx, actor, PurchaseOrder{
			TenantID:     pr.TenantID,
			SupplierID:   supplierID,
			PRID:         pr.ID,
			ExpectedDate: input.ExpectedDate,
			Note:         strings.TrimSpace(input.Note),
			Lines:        lines,
		})
		if err != nil {
			return err
		}
		if pr.Status != PRStatusConverted {
			return tx.UpdatePRStatus(ctx, pr.ID, PRStatusConverted)
		}
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.metrics.Transition(poEntity, "create")
	s.recordAudit(ctx, actor, "PO_CREATE", po.ID, map[string]any{"number": po.Number, "from_pr": input.PRID})
	return po, nil
}

func buildPOLines(inputs []POLineInput) ([]POLine, error) {
	if len(inputs) == 0 {
		return nil, shared.Validation(poEntity, 0, "at least one line is required")
	}
	lines := make([]POLine, 0, len(inputs))
	for i, in := range inputs {
		if in.ProductID == 0 || in.Qty <= 0 {
			return nil, shared.Validation(poEntity, 0, "line %d needs a product and a positive qty", i+1)
		}
		if in.UnitPrice.IsNegative() || in.TaxAmount.IsNegative() || in.DiscountAmount.IsNegative() {
			return nil, shared.Validation(poEntity, 0, "line %d has negative amounts", i+1)
		}
		lines = append(lines, POLine{
			ProductID:      in.ProductID,
			Description:    in.Description,
			OrderedQty:     in.Qty,
			UnitPrice:      in.UnitPrice,
			TaxAmount:      shared.Round2(in.TaxAmount),
			DiscountAmount: shared.Round2(in.DiscountAmount),
		})
	}
	return lines, nil
}

func (s *Service) insertPO(ctx context.Context, tx TxRepository, actor shared.Actor, po PurchaseOrder) (PurchaseOrder, error) {
	po.recomputeTotal()
	if po.TotalAmount.IsNegative() {
		return PurchaseOrder{}, shared.Validation(poEntity, 0, "order total cannot be negative")
	}
	number, err := tx.NextNumber(ctx, po.TenantID, "PO")
	if err != nil {
		return PurchaseOrder{}, err
	}
	now := s.now()
	po.Number = number
	po.Status = POStatusDraft
	po.PaymentStatus = ap.PaymentStatusUnpaid
	po.GRNStatus = ReceiptPending
	po.CreatedBy = actor.ID
	po.CreatedAt, po.UpdatedAt = now, now
	id, err := tx.InsertPO(ctx, po)
	if err != nil {
		return PurchaseOrder{}, err
	}
	po.ID = id
	lines, err := tx.InsertPOLines(ctx, id, po.Lines)
	if err != nil {
		return PurchaseOrder{}, err
	}
	po.Lines = lines
	return po, nil
}

// SubmitPurchaseOrder requests approval. The supplier must have enough
// credit for the order total.
func (s *Service) SubmitPurchaseOrder(ctx context.Context, actor shared.Actor, id int64) (PurchaseOrder, error) {
	if err := rbac.Require(actor, rbac.CapPOSubmit); err != nil {
		return PurchaseOrder{}, err
	}
	var submitted PurchaseOrder
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		po, err := tx.GetPOForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if po.Status != POStatusDraft {
			return shared.InvalidState(poEntity, id, "cannot submit a %s order", po.Status)
		}
		if len(po.Lines) == 0 {
			return shared.Validation(poEntity, id, "order has no lines")
		}
		if err := s.credit.CheckCredit(ctx, tx.Suppliers(), po.SupplierID, po.TotalAmount); err != nil {
			return err
		}
		po.Status = POStatusPendingApproval
		if err := tx.UpdatePO(ctx, po); err != nil {
			return err
		}
		submitted = po
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.recordApproval(ctx, actor, id, shared.ApprovalSubmit, fmt.Sprintf("PO %s submitted", submitted.Number))
	s.metrics.Transition(poEntity, "submit")
	s.recordAudit(ctx, actor, "PO_SUBMIT", id, map[string]any{"number": submitted.Number})
	s.notify(ctx, "po.pending_approval", submitted, fmt.Sprintf("PO %s awaits approval", submitted.Number))
	return submitted, nil
}

// ApprovePurchaseOrder approves a PENDING_APPROVAL order and issues its single
// POSTED invoice in the same transaction.
func (s *Service) ApprovePurchaseOrder(ctx context.Context, actor shared.Actor, id int64) (PurchaseOrder, ap.Invoice, error) {
	if err := rbac.Require(actor, rbac.CapPOApprove); err != nil {
		return PurchaseOrder{}, ap.Invoice{}, err
	}
	var (
		approved PurchaseOrder
		invoice  ap.Invoice
		created  bool
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		po, err := tx.GetPOForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if po.Status != POStatusPendingApproval {
			return shared.InvalidState(poEntity, id, "cannot approve a %s order", po.Status)
		}
		if err := s.credit.CheckCredit(ctx, tx.Suppliers(), po.SupplierID, po.TotalAmount); err != nil {
			return err
		}
		now := s.now()
		po.Status = POStatusApproved
		po.GRNStatus = ReceiptPending
		po.ApprovedBy = actor.ID
		po.ApprovedAt = &now
		if err := tx.UpdatePO(ctx, po); err != nil {
			return err
		}
		invoice, created, err = s.payables.IssueForPurchaseOrder(ctx, tx.Payables(), po.snapshot())
		if err != nil {
			return fmt.Errorf("issue invoice for %s: %w", po.Number, err)
		}
		approved = po
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, ap.Invoice{}, err
	}
	s.recordApproval(ctx, actor, id, shared.ApprovalApprove, fmt.Sprintf("PO %s approved", approved.Number))
	s.metrics.Transition(poEntity, "approve")
	s.recordAudit(ctx, actor, "PO_APPROVE", id, map[string]any{"number": approved.Number, "invoice": invoice.Number})
	if created {
		s.payables.InvoiceIssued(ctx, actor, invoice)
	}
	s.notify(ctx, "po.approved", approved, fmt.Sprintf("PO %s approved", approved.Number))
	return approved, invoice, nil
}

// RejectPurchaseOrder rejects a PENDING_APPROVAL order with a reason.
func (s *Service) RejectPurchaseOrder(ctx context.Context, actor shared.Actor, id int64, reason string) (PurchaseOrder, error) {
	if err := rbac.Require(actor, rbac.CapPOApprove); err != nil {
		return PurchaseOrder{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return PurchaseOrder{}, shared.Validation(poEntity, id, "reject reason is required")
	}
	var rejected PurchaseOrder
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		po, err := tx.GetPOForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if po.Status != POStatusPendingApproval {
			return shared.InvalidState(poEntity, id, "cannot reject a %s order", po.Status)
		}
		po.Status = POStatusRejected
		po.RejectReason = reason
		if err := tx.UpdatePO(ctx, po); err != nil {
			return err
		}
		rejected = po
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.recordApproval(ctx, actor, id, shared.ApprovalReject, reason)
	s.metrics.Transition(poEntity, "reject")
	s.recordAudit(ctx, actor, "PO_REJECT", id, map[string]any{"reason": reason})
	s.notify(ctx, "po.rejected", rejected, fmt.Sprintf("PO %s rejected: %s", rejected.Number, reason))
	return rejected, nil
}

// CancelPurchaseOrder cancels an order that has not received goods. The
// reason is optional. The invoice of an APPROVED order is cancelled with it.
func (s *Service) CancelPurchaseOrder(ctx context.Context, actor shared.Actor, id int64, reason string) (PurchaseOrder, error) {
	if err := rbac.Require(actor, rbac.CapPOCancel); err != nil {
		return PurchaseOrder{}, err
	}
	reason = strings.TrimSpace(reason)
	var cancelled PurchaseOrder
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		po, err := tx.GetPOForUpdate(ctx, id)
		if err != nil {
			return err
		}
		switch po.Status {
		case POStatusReceived, POStatusCancelled, POStatusPartialReceived:
			return shared.InvalidState(poEntity, id, "cannot cancel a %s order", po.Status)
		}
		if po.Status == POStatusApproved {
			note := "purchase order cancelled"
			if reason != "" {
				note += ": " + reason
			}
			if _, _, err := s.payables.CancelForPurchaseOrder(ctx, tx.Payables(), po.ID, note); err != nil {
				return fmt.Errorf("cancel invoice for %s: %w", po.Number, err)
			}
		}
		po.Status = POStatusCancelled
		po.CancelReason = reason
		if err := tx.UpdatePO(ctx, po); err != nil {
			return err
		}
		cancelled = po
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.metrics.Transition(poEntity, "cancel")
	s.recordAudit(ctx, actor, "PO_CANCEL", id, map[string]any{"reason": reason})
	return cancelled, nil
}

// DeletePurchaseOrder hard deletes a DRAFT order.
func (s *Service) DeletePurchaseOrder(ctx context.Context, actor shared.Actor, id int64) error {
	if err := rbac.Require(actor, rbac.CapPODelete); err != nil {
		return err
	}
	var number string
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		po, err := tx.GetPOForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if po.Status != POStatusDraft {
			return shared.InvalidState(poEntity, id, "cannot delete a %s order", po.Status)
		}
		number = po.Number
		return tx.DeletePO(ctx, id)
	})
	if err != nil {
		return err
	}
	s.metrics.Transition(poEntity, "delete")
	s.recordAudit(ctx, actor, "PO_DELETE", id, map[string]any{"number": number})
	return nil
}

// GetPurchaseOrder returns an order with its lines.
func (s *Service) GetPurchaseOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	return s.repo.GetPO(ctx, id)
}

// ListPurchaseOrders returns order headers.
func (s *Service) ListPurchaseOrders(ctx context.Context, filter ListPOFilter) ([]PurchaseOrder, error) {
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.repo.ListPOs(ctx, filter)
}

func (s *Service) recordApproval(ctx context.Context, actor shared.Actor, poID int64, action shared.ApprovalAction, note string) {
	if s.approvals == nil {
		return
	}
	err := s.approvals.Record(ctx, shared.ApprovalLog{
		Module:  shared.ApprovalModulePO,
		RefID:   shared.ApprovalRefID(shared.ApprovalModulePO, poID),
		ActorID: actor.ID,
		Action:  action,
		Note:    note,
	})
	if err != nil {
		s.logger.Warn("record approval", slog.Int64("po_id", poID), slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, actor shared.Actor, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.NewAuditLog(actor, action, "procurement", entityID, meta)); err != nil {
		s.logger.Warn("record audit", slog.String("action", action), slog.Any("error", err))
	}
}

func (s *Service) notify(ctx context.Context, event string, po PurchaseOrder, subject string) {
	s.notifier.Notify(ctx, shared.Notification{
		Event:    event,
		Entity:   poEntity,
		EntityID: po.ID,
		Number:   po.Number,
		Subject:  subject,
		Amount:   po.TotalAmount,
	})
}
