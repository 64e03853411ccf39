package procurement

import (
	"context"
	"fmt"
	"strings"

	"github.com/temple-erp/temple-erp/internal/inventory"
	"github.com/temple-erp/temple-erp/internal/rbac"
	"github.com/temple-erp/temple-erp/internal/shared"
)

// CreateGoodsReceipt drafts a receipt against an APPROVED or
// PARTIAL_RECEIVED order. Ordered quantities and unit costs come from the
// referenced PO lines.
func (s *Service) CreateGoodsReceipt(ctx context.Context, actor shared.Actor, input CreateGRNInput) (GoodsReceipt, error) {
	if err := rbac.Require(actor, rbac.CapGRNCreate); err != nil {
		return GoodsReceipt{}, err
	}
	if input.WarehouseID == 0 {
		return GoodsReceipt{}, shared.Validation(grnEntity, 0, "warehouse is required")
	}
	if len(input.Lines) == 0 {
		return GoodsReceipt{}, shared.Validation(grnEntity, 0, "at least one line is required")
	}
	var grn GoodsReceipt
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		po, err := tx.GetPOForUpdate(ctx, input.POID)
		if err != nil {
			return err
		}
		if po.Status != POStatusApproved && po.Status != POStatusPartialReceived {
			return shared.InvalidState(poEntity, po.ID, "cannot receive goods for a %s order", po.Status)
		}
		lines, err := receiptLines(po, input.Lines)
		if err != nil {
			return err
		}
		number, err := tx.NextNumber(ctx, po.TenantID, "GRN")
		if err != nil {
			return err
		}
		grn = GoodsReceipt{
			Number:             number,
			POID:               po.ID,
			SupplierID:         po.SupplierID,
			WarehouseID:        input.WarehouseID,
			Status:             GRNStatusDraft,
			QualityCheckStatus: QualityPending,
			ReceivedAt:         input.ReceivedAt,
			Note:               strings.TrimSpace(input.Note),
			CreatedBy:          actor.ID,
		}
		if grn.ReceivedAt.IsZero() {
			grn.ReceivedAt = s.now()
		}
		id, err := tx.InsertGRN(ctx, grn)
		if err != nil {
			return err
		}
		grn.ID = id
		if err := tx.InsertGRNLines(ctx, id, lines); err != nil {
			return err
		}
		loaded, err := tx.GetGRNForUpdate(ctx, id)
		if err != nil {
			return err
		}
		grn.Lines = loaded.Lines
		return nil
	})
	if err != nil {
		return GoodsReceipt{}, err
	}
	s.metrics.Transition(grnEntity, "create")
	s.recordAudit(ctx, actor, "GRN_CREATE", grn.ID, map[string]any{"number": grn.Number, "po_id": grn.POID})
	return grn, nil
}

func receiptLines(po PurchaseOrder, inputs []GRNLineInput) ([]GRNLine, error) {
	seen := make(map[int64]bool, len(inputs))
	lines := make([]GRNLine, 0, len(inputs))
	var received float64
	for _, in := range inputs {
		poLine, ok := po.line(in.POLineID)
		if !ok {
			return nil, shared.Validation(grnEntity, 0, "line %d does not belong to %s", in.POLineID, po.Number)
		}
		if seen[in.POLineID] {
			return nil, shared.Validation(grnEntity, 0, "line %d listed twice", in.POLineID)
		}
		seen[in.POLineID] = true
		if in.ReceivedQty < 0 || in.AcceptedQty < 0 || in.RejectedQty < 0 {
			return nil, shared.Validation(grnEntity, 0, "line %d has negative quantities", in.POLineID)
		}
		accepted := in.AcceptedQty
		if shared.QtyZero(in.AcceptedQty) && shared.QtyZero(in.RejectedQty) {
			accepted = in.ReceivedQty
		}
		received += in.ReceivedQty
		lines = append(lines, GRNLine{
			POLineID:    poLine.ID,
			ProductID:   poLine.ProductID,
			OrderedQty:  poLine.OrderedQty,
			ReceivedQty: in.ReceivedQty,
			AcceptedQty: accepted,
			RejectedQty: in.RejectedQty,
			UnitCost:    poLine.UnitPrice,
		})
	}
	if shared.QtyZero(received) {
		return nil, shared.Validation(grnEntity, 0, "nothing received")
	}
	return lines, nil
}

// RecordQualityCheck stores the inspection outcome of a DRAFT receipt.
func (s *Service) RecordQualityCheck(ctx context.Context, actor shared.Actor, grnID int64, inputs []QualityLineInput) (GoodsReceipt, error) {
	if err := rbac.Require(actor, rbac.CapGRNComplete); err != nil {
		return GoodsReceipt{}, err
	}
	if len(inputs) == 0 {
		return GoodsReceipt{}, shared.Validation(grnEntity, grnID, "at least one line is required")
	}
	var checked GoodsReceipt
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		grn, err := tx.GetGRNForUpdate(ctx, grnID)
		if err != nil {
			return err
		}
		if grn.Status != GRNStatusDraft {
			return shared.InvalidState(grnEntity, grnID, "cannot inspect a %s receipt", grn.Status)
		}
		index := make(map[int64]int, len(grn.Lines))
		for i, l := range grn.Lines {
			index[l.ID] = i
		}
		for _, in := range inputs {
			i, ok := index[in.LineID]
			if !ok {
				return shared.Validation(grnEntity, grnID, "line %d does not belong to %s", in.LineID, grn.Number)
			}
			if in.AcceptedQty < 0 || in.RejectedQty < 0 {
				return shared.Validation(grnEntity, grnID, "line %d has negative quantities", in.LineID)
			}
			grn.Lines[i].AcceptedQty = in.AcceptedQty
			grn.Lines[i].RejectedQty = in.RejectedQty
		}
		if err := tx.UpdateGRNLines(ctx, grn.Lines); err != nil {
			return err
		}
		grn.QualityCheckDone = true
		grn.QualityCheckStatus = qualityOutcome(grn.Lines)
		if err := tx.UpdateGRN(ctx, grn); err != nil {
			return err
		}
		checked = grn
		return nil
	})
	if err != nil {
		return GoodsReceipt{}, err
	}
	s.metrics.Transition(grnEntity, "quality_check")
	s.recordAudit(ctx, actor, "GRN_QC", grnID, map[string]any{"status": checked.QualityCheckStatus})
	return checked, nil
}

// qualityOutcome fails the inspection only when nothing was accepted.
func qualityOutcome(lines []GRNLine) QualityStatus {
	var accepted float64
	for _, l := range lines {
		accepted += l.AcceptedQty
	}
	if shared.QtyZero(accepted) {
		return QualityFailed
	}
	return QualityPassed
}

// CompleteGoodsReceipt validates every line, credits accepted stock, marks the
// receipt COMPLETED and refreshes the order's receipt status, all in one
// transaction. A failing line or stock movement leaves the receipt DRAFT.
func (s *Service) CompleteGoodsReceipt(ctx context.Context, actor shared.Actor, grnID int64) (GoodsReceipt, error) {
	if err := rbac.Require(actor, rbac.CapGRNComplete); err != nil {
		return GoodsReceipt{}, err
	}
	var (
		completed GoodsReceipt
		order     PurchaseOrder
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		grn, err := tx.GetGRNForUpdate(ctx, grnID)
		if err != nil {
			return err
		}
		if grn.Status != GRNStatusDraft {
			return shared.InvalidState(grnEntity, grnID, "cannot complete a %s receipt", grn.Status)
		}
		if len(grn.Lines) == 0 {
			return shared.Validation(grnEntity, grnID, "receipt has no lines")
		}
		for _, l := range grn.Lines {
			if err := l.validate(grnID); err != nil {
				return err
			}
		}
		po, err := tx.GetPOForUpdate(ctx, grn.POID)
		if err != nil {
			return err
		}
		if po.Status != POStatusApproved && po.Status != POStatusPartialReceived {
			return shared.InvalidState(poEntity, po.ID, "cannot receive goods for a %s order", po.Status)
		}
		received, err := tx.ReceivedQtyByPOLine(ctx, po.ID)
		if err != nil {
			return err
		}
		for _, l := range grn.Lines {
			total := received[l.POLineID] + l.ReceivedQty
			if !shared.QtyLE(total, l.OrderedQty) {
				return shared.Validation(grnEntity, grnID, "line %d would receive %.4f of %.4f ordered", l.POLineID, total, l.OrderedQty)
			}
			received[l.POLineID] = total
		}

		for _, l := range grn.Lines {
			if shared.QtyZero(l.AcceptedQty) {
				continue
			}
			_, err := s.stock.CreditStock(ctx, tx.Inventory(), inventory.MovementInput{
				Code:        fmt.Sprintf("%s-%d", grn.Number, l.ID),
				WarehouseID: grn.WarehouseID,
				ProductID:   l.ProductID,
				Qty:         l.AcceptedQty,
				UnitCost:    l.UnitCost.InexactFloat64(),
				Note:        fmt.Sprintf("GRN %s for %s", grn.Number, po.Number),
				ActorID:     actor.ID,
				RefModule:   "GRN",
				RefID:       inventory.RefID("GRN", l.ID),
			})
			if err != nil {
				return fmt.Errorf("credit stock for %s line %d: %w", grn.Number, l.ID, err)
			}
		}

		now := s.now()
		grn.Status = GRNStatusCompleted
		grn.CompletedAt = &now
		if err := tx.UpdateGRN(ctx, grn); err != nil {
			return err
		}
		po.GRNStatus = receiptStatus(po.Lines, received)
		if po.GRNStatus == ReceiptReceived {
			po.Status = POStatusReceived
		} else {
			po.Status = POStatusPartialReceived
		}
		if err := tx.UpdatePO(ctx, po); err != nil {
			return err
		}
		completed, order = grn, po
		return nil
	})
	if err != nil {
		return GoodsReceipt{}, err
	}
	s.metrics.Transition(grnEntity, "complete")
	s.recordAudit(ctx, actor, "GRN_COMPLETE", grnID, map[string]any{"number": completed.Number, "po_status": order.Status})
	s.notifier.Notify(ctx, shared.Notification{
		Event:    "grn.completed",
		Entity:   grnEntity,
		EntityID: completed.ID,
		Number:   completed.Number,
		Subject:  fmt.Sprintf("GRN %s completed, %s is %s", completed.Number, order.Number, order.Status.Label()),
	})
	return completed, nil
}

// receiptStatus is RECEIVED when every order line is fully received across
// completed receipts.
func receiptStatus(lines []POLine, received map[int64]float64) ReceiptStatus {
	var some bool
	all := true
	for _, l := range lines {
		qty := received[l.ID]
		if qty > shared.QtyEpsilon {
			some = true
		}
		if !shared.QtyGE(qty, l.OrderedQty) {
			all = false
		}
	}
	switch {
	case all && len(lines) > 0:
		return ReceiptReceived
	case some:
		return ReceiptPartial
	default:
		return ReceiptPending
	}
}

// CancelGoodsReceipt cancels a DRAFT receipt.
func (s *Service) CancelGoodsReceipt(ctx context.Context, actor shared.Actor, grnID int64, reason string) (GoodsReceipt, error) {
	if err := rbac.Require(actor, rbac.CapGRNCreate); err != nil {
		return GoodsReceipt{}, err
	}
	var cancelled GoodsReceipt
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		grn, err := tx.GetGRNForUpdate(ctx, grnID)
		if err != nil {
			return err
		}
		if grn.Status != GRNStatusDraft {
			return shared.InvalidState(grnEntity, grnID, "cannot cancel a %s receipt", grn.Status)
		}
		grn.Status = GRNStatusCancelled
		grn.CancelReason = strings.TrimSpace(reason)
		if err := tx.UpdateGRN(ctx, grn); err != nil {
			return err
		}
		cancelled = grn
		return nil
	})
	if err != nil {
		return GoodsReceipt{}, err
	}
	s.metrics.Transition(grnEntity, "cancel")
	s.recordAudit(ctx, actor, "GRN_CANCEL", grnID, map[string]any{"reason": cancelled.CancelReason})
	return cancelled, nil
}

// GetGoodsReceipt returns a receipt with its lines.
func (s *Service) GetGoodsReceipt(ctx context.Context, id int64) (GoodsReceipt, error) {
	return s.repo.GetGRN(ctx, id)
}

// ListGoodsReceipts returns the receipts of an order.
func (s *Service) ListGoodsReceipts(ctx context.Context, poID int64) ([]GoodsReceipt, error) {
	return s.repo.ListGRNsByPO(ctx, poID)
}
