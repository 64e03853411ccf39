package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/temple-erp/temple-erp/internal/inventory"
	"github.com/temple-erp/temple-erp/internal/rbac"
	"github.com/temple-erp/temple-erp/internal/sales"
	"github.com/temple-erp/temple-erp/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetDeliveryOrder(ctx context.Context, id int64) (DeliveryOrder, error)
	ListDeliveryOrders(ctx context.Context, filter ListFilter) ([]DeliveryOrder, error)
}

// SalesPort books delivered quantities against sales order items.
type SalesPort interface {
	OrderForDelivery(ctx context.Context, tx sales.TxRepository, id int64) (sales.SalesOrder, error)
	RecordDelivery(ctx context.Context, tx sales.TxRepository, orderID, itemID int64, qty float64) (sales.Item, error)
	ReverseDelivery(ctx context.Context, tx sales.TxRepository, orderID, itemID int64, qty float64) (sales.Item, error)
}

// StockPort exposes required inventory integration.
type StockPort interface {
	AvailableStock(ctx context.Context, tx inventory.TxRepository, warehouseID, productID int64) (float64, error)
	DebitStock(ctx context.Context, tx inventory.TxRepository, input inventory.MovementInput) (inventory.StockCardEntry, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service orchestrates delivery order flows.
type Service struct {
	repo   RepositoryPort
	sales  SalesPort
	stock  StockPort
	logger *slog.Logger

	audit    AuditPort
	notifier shared.Notifier
	metrics  shared.TransitionRecorder

	now func() time.Time
}

// NewService constructs the delivery service.
func NewService(repo RepositoryPort, sales SalesPort, stock StockPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		sales:    sales,
		stock:    stock,
		logger:   logger,
		notifier: shared.NopNotifier{},
		metrics:  shared.NopRecorder{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

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

// CreateDeliveryOrder drafts a delivery against a confirmed sales order.
func (s *Service) CreateDeliveryOrder(ctx context.Context, actor shared.Actor, input CreateInput) (DeliveryOrder, error) {
	if err := rbac.Require(actor, rbac.CapDeliveryCreate); err != nil {
		return DeliveryOrder{}, err
	}
	if input.SalesOrderID == 0 || input.WarehouseID == 0 {
		return DeliveryOrder{}, shared.Validation(doEntity, 0, "sales order and warehouse are required")
	}
	do := DeliveryOrder{
		TenantID:     input.TenantID,
		SalesOrderID: input.SalesOrderID,
		WarehouseID:  input.WarehouseID,
		Status:       StatusDraft,
		Note:         strings.TrimSpace(input.Note),
		CreatedBy:    actor.ID,
		CreatedAt:    s.now(),
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := s.sales.OrderForDelivery(ctx, tx.Sales(), input.SalesOrderID)
		if err != nil {
			return err
		}
		items, err := deliveryItems(order, input.Items)
		if err != nil {
			return err
		}
		number, err := tx.NextNumber(ctx, do.TenantID, "DO")
		if err != nil {
			return err
		}
		do.Number = number
		id, err := tx.InsertDeliveryOrder(ctx, do)
		if err != nil {
			return err
		}
		do.ID = id
		do.Items, err = tx.InsertItems(ctx, id, items)
		return err
	})
	if err != nil {
		return DeliveryOrder{}, err
	}
	s.metrics.Transition(doEntity, "create")
	s.recordAudit(ctx, actor, "DO_CREATE", do.ID, map[string]any{"number": do.Number, "sales_order_id": do.SalesOrderID})
	return do, nil
}

func deliveryItems(order sales.SalesOrder, inputs []ItemInput) ([]Item, error) {
	build := func(soItem sales.Item, qty float64) Item {
		return Item{
			SalesOrderItemID: soItem.ID,
			ProductID:        soItem.ProductID,
			StockTracked:     soItem.StockTracked,
			OrderedQty:       soItem.OrderedQty,
			DeliveredQty:     qty,
			AcceptedQty:      qty,
			Selected:         true,
		}
	}
	var items []Item
	if len(inputs) == 0 {
		for _, soItem := range order.Items {
			if soItem.RemainingQty > shared.QtyEpsilon {
				items = append(items, build(soItem, soItem.RemainingQty))
			}
		}
		if len(items) == 0 {
			return nil, shared.Validation(doEntity, 0, "sales order %s has nothing left to deliver", order.Number)
		}
		return items, nil
	}
	seen := make(map[int64]bool, len(inputs))
	for _, in := range inputs {
		soItem, ok := order.Item(in.SalesOrderItemID)
		if !ok {
			return nil, shared.Validation(doEntity, 0, "item %d does not belong to sales order %s", in.SalesOrderItemID, order.Number)
		}
		if seen[soItem.ID] {
			return nil, shared.Validation(doEntity, 0, "item %d listed twice", soItem.ID)
		}
		seen[soItem.ID] = true
		if in.Qty <= 0 {
			return nil, shared.Validation(doEntity, 0, "item %d qty must be positive", soItem.ID)
		}
		if !shared.QtyLE(in.Qty, soItem.RemainingQty) {
			return nil, shared.Validation(doEntity, 0, "item %d qty %.4f exceeds remaining %.4f", soItem.ID, in.Qty, soItem.RemainingQty)
		}
		items = append(items, build(soItem, in.Qty))
	}
	return items, nil
}

// SubmitForQualityCheck hands a draft over to inspection.
func (s *Service) SubmitForQualityCheck(ctx context.Context, actor shared.Actor, id int64) (DeliveryOrder, error) {
	if err := rbac.Require(actor, rbac.CapDeliveryCreate); err != nil {
		return DeliveryOrder{}, err
	}
	do, err := s.transition(ctx, id, func(ctx context.Context, tx TxRepository, do *DeliveryOrder) error {
		if do.Status != StatusDraft {
			return shared.InvalidState(doEntity, id, "only draft delivery orders can be submitted, current status %s", do.Status)
		}
		if len(do.Items) == 0 {
			return shared.Validation(doEntity, id, "delivery order has no items")
		}
		do.Status = StatusQualityCheck
		return nil
	})
	if err != nil {
		return DeliveryOrder{}, err
	}
	s.metrics.Transition(doEntity, "submit")
	s.recordAudit(ctx, actor, "DO_SUBMIT_QC", id, nil)
	return do, nil
}

// RecordQualityCheck stores accepted and rejected quantities per item.
func (s *Service) RecordQualityCheck(ctx context.Context, actor shared.Actor, id int64, lines []QualityLineInput) (DeliveryOrder, error) {
	if err := rbac.Require(actor, rbac.CapDeliveryQC); err != nil {
		return DeliveryOrder{}, err
	}
	if len(lines) == 0 {
		return DeliveryOrder{}, shared.Validation(doEntity, id, "quality check needs at least one line")
	}
	do, err := s.transition(ctx, id, func(ctx context.Context, tx TxRepository, do *DeliveryOrder) error {
		if do.Status != StatusDraft && do.Status != StatusQualityCheck {
			return shared.InvalidState(doEntity, id, "cannot record quality check in status %s", do.Status)
		}
		index := make(map[int64]int, len(do.Items))
		for i, it := range do.Items {
			index[it.ID] = i
		}
		for _, in := range lines {
			i, ok := index[in.ItemID]
			if !ok {
				return shared.Validation(doEntity, id, "item %d does not belong to delivery order", in.ItemID)
			}
			it := &do.Items[i]
			it.AcceptedQty, it.RejectedQty = in.AcceptedQty, in.RejectedQty
			if in.Selected != nil {
				it.Selected = *in.Selected
			}
			if err := it.validate(id); err != nil {
				return err
			}
		}
		if err := tx.UpdateItems(ctx, do.Items); err != nil {
			return err
		}
		do.QualityCheckDone = true
		return nil
	})
	if err != nil {
		return DeliveryOrder{}, err
	}
	s.metrics.Transition(doEntity, "quality_check")
	s.recordAudit(ctx, actor, "DO_QUALITY_CHECK", id, map[string]any{"lines": len(lines)})
	return do, nil
}

// CompleteDelivery debits stock for accepted quantities and books delivered
// quantities on the sales order. Nothing is applied unless every selected
// item passes.
func (s *Service) CompleteDelivery(ctx context.Context, actor shared.Actor, id int64) (DeliveryOrder, error) {
	if err := rbac.Require(actor, rbac.CapDeliveryComplete); err != nil {
		return DeliveryOrder{}, err
	}
	do, err := s.transition(ctx, id, func(ctx context.Context, tx TxRepository, do *DeliveryOrder) error {
		if !do.CanComplete() {
			return shared.InvalidState(doEntity, id, "cannot complete delivery order in status %s (quality check done: %t)", do.Status, do.QualityCheckDone)
		}
		order, err := s.sales.OrderForDelivery(ctx, tx.Sales(), do.SalesOrderID)
		if err != nil {
			return err
		}
		selected := 0
		for _, it := range do.Items {
			if !it.Selected {
				continue
			}
			selected++
			if err := s.checkItem(ctx, tx, *do, order, it); err != nil {
				return err
			}
		}
		if selected == 0 {
			return shared.Validation(doEntity, id, "no items selected for delivery")
		}
		for i := range do.Items {
			it := &do.Items[i]
			if !it.Selected {
				continue
			}
			if it.StockTracked && !shared.QtyZero(it.AcceptedQty) {
				_, err := s.stock.DebitStock(ctx, tx.Inventory(), inventory.MovementInput{
					Code:        fmt.Sprintf("%s-%d", do.Number, it.ID),
					WarehouseID: do.WarehouseID,
					ProductID:   it.ProductID,
					Qty:         it.AcceptedQty,
					Note:        fmt.Sprintf("DO %s for %s", do.Number, order.Number),
					ActorID:     actor.ID,
					RefModule:   "DO",
					RefID:       inventory.RefID("DO", it.ID),
				})
				if err != nil {
					return fmt.Errorf("debit stock for %s item %d: %w", do.Number, it.ID, err)
				}
			}
			if !shared.QtyZero(it.DeliveredQty) {
				if _, err := s.sales.RecordDelivery(ctx, tx.Sales(), do.SalesOrderID, it.SalesOrderItemID, it.DeliveredQty); err != nil {
					return fmt.Errorf("record delivery for %s item %d: %w", do.Number, it.ID, err)
				}
				it.AppliedQty = it.DeliveredQty
			}
		}
		if err := tx.UpdateItems(ctx, do.Items); err != nil {
			return err
		}
		now := s.now()
		do.Status = StatusCompleted
		do.CompletedBy = actor.ID
		do.CompletedAt = &now
		return nil
	})
	if err != nil {
		return DeliveryOrder{}, err
	}
	s.metrics.Transition(doEntity, "complete")
	s.recordAudit(ctx, actor, "DO_COMPLETE", id, map[string]any{"number": do.Number})
	s.notifier.Notify(ctx, shared.Notification{
		Event:    "delivery.completed",
		Entity:   doEntity,
		EntityID: do.ID,
		Number:   do.Number,
		Subject:  fmt.Sprintf("Delivery %s completed", do.Number),
	})
	return do, nil
}

func (s *Service) checkItem(ctx context.Context, tx TxRepository, do DeliveryOrder, order sales.SalesOrder, it Item) error {
	if err := it.validate(do.ID); err != nil {
		return err
	}
	soItem, ok := order.Item(it.SalesOrderItemID)
	if !ok {
		return shared.Validation(doEntity, do.ID, "sales order item %d no longer exists", it.SalesOrderItemID)
	}
	if !shared.QtyLE(it.DeliveredQty, soItem.RemainingQty) {
		return shared.Validation(doEntity, do.ID, "item %d delivered %.4f exceeds remaining %.4f on %s",
			it.ID, it.DeliveredQty, soItem.RemainingQty, order.Number)
	}
	if !it.StockTracked || shared.QtyZero(it.DeliveredQty) {
		return nil
	}
	available, err := s.stock.AvailableStock(ctx, tx.Inventory(), do.WarehouseID, it.ProductID)
	if err != nil {
		return fmt.Errorf("stock for product %d: %w", it.ProductID, err)
	}
	if !shared.QtyLE(it.DeliveredQty, available) {
		return shared.Validation(doEntity, do.ID, "item %d delivered %.4f exceeds available stock %.4f for product %d",
			it.ID, it.DeliveredQty, available, it.ProductID)
	}
	return nil
}

// CancelDeliveryOrder closes an open delivery order. No stock was moved yet,
// so nothing is reversed.
func (s *Service) CancelDeliveryOrder(ctx context.Context, actor shared.Actor, id int64, reason string) (DeliveryOrder, error) {
	if err := rbac.Require(actor, rbac.CapDeliveryCancel); err != nil {
		return DeliveryOrder{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return DeliveryOrder{}, shared.Validation(doEntity, id, "cancel reason is required")
	}
	do, err := s.transition(ctx, id, func(ctx context.Context, tx TxRepository, do *DeliveryOrder) error {
		if !do.Status.CanCancel() {
			return shared.InvalidState(doEntity, id, "cannot cancel delivery order in status %s", do.Status)
		}
		do.Status = StatusCancelled
		do.CancelReason = reason
		return nil
	})
	if err != nil {
		return DeliveryOrder{}, err
	}
	s.metrics.Transition(doEntity, "cancel")
	s.recordAudit(ctx, actor, "DO_CANCEL", id, map[string]any{"reason": reason})
	return do, nil
}

// DeleteDeliveryOrder removes a draft after taking back any qty it booked on
// the sales order.
func (s *Service) DeleteDeliveryOrder(ctx context.Context, actor shared.Actor, id int64) error {
	if err := rbac.Require(actor, rbac.CapDeliveryDelete); err != nil {
		return err
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		do, err := tx.GetDeliveryOrderForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if do.Status != StatusDraft {
			return shared.InvalidState(doEntity, id, "only draft delivery orders can be deleted, current status %s", do.Status)
		}
		for _, it := range do.Items {
			if shared.QtyZero(it.AppliedQty) {
				continue
			}
			if _, err := s.sales.ReverseDelivery(ctx, tx.Sales(), do.SalesOrderID, it.SalesOrderItemID, it.AppliedQty); err != nil {
				return fmt.Errorf("reverse delivery for item %d: %w", it.ID, err)
			}
		}
		return tx.DeleteDeliveryOrder(ctx, id)
	})
	if err != nil {
		return err
	}
	s.metrics.Transition(doEntity, "delete")
	s.recordAudit(ctx, actor, "DO_DELETE", id, nil)
	return nil
}

// GetDeliveryOrder returns a delivery order with its items.
func (s *Service) GetDeliveryOrder(ctx context.Context, id int64) (DeliveryOrder, error) {
	return s.repo.GetDeliveryOrder(ctx, id)
}

// ListDeliveryOrders returns delivery order headers.
func (s *Service) ListDeliveryOrders(ctx context.Context, filter ListFilter) ([]DeliveryOrder, error) {
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.repo.ListDeliveryOrders(ctx, filter)
}

func (s *Service) transition(ctx context.Context, id int64, apply func(context.Context, TxRepository, *DeliveryOrder) error) (DeliveryOrder, error) {
	var updated DeliveryOrder
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		do, err := tx.GetDeliveryOrderForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := apply(ctx, tx, &do); err != nil {
			return err
		}
		if err := tx.UpdateDeliveryOrder(ctx, do); err != nil {
			return err
		}
		updated = do
		return nil
	})
	return updated, err
}

func (s *Service) recordAudit(ctx context.Context, actor shared.Actor, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.NewAuditLog(actor, action, doEntity, id, meta)); err != nil {
		s.logger.Warn("delivery audit failed", slog.String("action", action), slog.Int64("id", id), slog.Any("error", err))
	}
}
