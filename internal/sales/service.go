package sales

import (
	"context"
	"strings"
	"time"

	"github.com/temple-erp/temple-erp/internal/rbac"
	"github.com/temple-erp/temple-erp/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetOrder(ctx context.Context, id int64) (SalesOrder, error)
	ListOrders(ctx context.Context, filter ListFilter) ([]SalesOrder, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service manages sales orders and the delivered quantities on their items.
type Service struct {
	repo    RepositoryPort
	audit   AuditPort
	metrics shared.TransitionRecorder
	now     func() time.Time
}

// NewService constructs the sales service.
func NewService(repo RepositoryPort, audit AuditPort) *Service {
	return &Service{
		repo:    repo,
		audit:   audit,
		metrics: shared.NopRecorder{},
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetMetrics injects the transition counter.
func (s *Service) SetMetrics(m shared.TransitionRecorder) {
	if m != nil {
		s.metrics = m
	}
}

// CreateSalesOrder stores a DRAFT order.
func (s *Service) CreateSalesOrder(ctx context.Context, actor shared.Actor, input CreateInput) (SalesOrder, error) {
	if err := rbac.Require(actor, rbac.CapSalesOrderManage); err != nil {
		return SalesOrder{}, err
	}
	name := strings.TrimSpace(input.CustomerName)
	if name == "" {
		return SalesOrder{}, shared.Validation(orderEntity, 0, "customer name is required")
	}
	if len(input.Items) == 0 {
		return SalesOrder{}, shared.Validation(orderEntity, 0, "at least one item is required")
	}
	order := SalesOrder{
		TenantID:     input.TenantID,
		CustomerName: name,
		Status:       OrderStatusDraft,
		Note:         strings.TrimSpace(input.Note),
		CreatedBy:    actor.ID,
		CreatedAt:    s.now(),
	}
	items := make([]Item, 0, len(input.Items))
	for i, in := range input.Items {
		if in.Kind != ItemKindPackage && in.Kind != ItemKindAddon {
			return SalesOrder{}, shared.Validation(orderEntity, 0, "item %d has unknown kind %q", i+1, in.Kind)
		}
		if in.Qty <= 0 {
			return SalesOrder{}, shared.Validation(orderEntity, 0, "item %d qty must be positive", i+1)
		}
		if in.StockTracked && in.ProductID == 0 {
			return SalesOrder{}, shared.Validation(orderEntity, 0, "item %d is stock tracked but has no product", i+1)
		}
		items = append(items, Item{
			Kind:         in.Kind,
			ProductID:    in.ProductID,
			Description:  strings.TrimSpace(in.Description),
			StockTracked: in.StockTracked,
			OrderedQty:   in.Qty,
			RemainingQty: in.Qty,
		})
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		number, err := tx.NextNumber(ctx, order.TenantID, "SO")
		if err != nil {
			return err
		}
		order.Number = number
		id, err := tx.InsertOrder(ctx, order)
		if err != nil {
			return err
		}
		order.ID = id
		order.Items, err = tx.InsertItems(ctx, id, items)
		return err
	})
	if err != nil {
		return SalesOrder{}, err
	}
	s.recordAudit(ctx, actor, "SO_CREATE", order.ID, map[string]any{"number": order.Number})
	return order, nil
}

// ConfirmSalesOrder moves a DRAFT order to CONFIRMED, opening it for delivery.
func (s *Service) ConfirmSalesOrder(ctx context.Context, actor shared.Actor, id int64) (SalesOrder, error) {
	if err := rbac.Require(actor, rbac.CapSalesOrderManage); err != nil {
		return SalesOrder{}, err
	}
	order, err := s.transition(ctx, id, func(order *SalesOrder) error {
		if order.Status != OrderStatusDraft {
			return shared.InvalidState(orderEntity, id, "only draft orders can be confirmed, current status %s", order.Status)
		}
		if len(order.Items) == 0 {
			return shared.Validation(orderEntity, id, "order has no items")
		}
		now := s.now()
		order.Status = OrderStatusConfirmed
		order.ConfirmedBy = actor.ID
		order.ConfirmedAt = &now
		return nil
	})
	if err != nil {
		return SalesOrder{}, err
	}
	s.metrics.Transition(orderEntity, "confirm")
	s.recordAudit(ctx, actor, "SO_CONFIRM", id, nil)
	return order, nil
}

// CancelSalesOrder cancels an order that has nothing delivered yet.
func (s *Service) CancelSalesOrder(ctx context.Context, actor shared.Actor, id int64, reason string) (SalesOrder, error) {
	if err := rbac.Require(actor, rbac.CapSalesOrderManage); err != nil {
		return SalesOrder{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return SalesOrder{}, shared.Validation(orderEntity, id, "cancel reason is required")
	}
	order, err := s.transition(ctx, id, func(order *SalesOrder) error {
		if order.Status != OrderStatusDraft && order.Status != OrderStatusConfirmed {
			return shared.InvalidState(orderEntity, id, "cannot cancel order in status %s", order.Status)
		}
		if order.anyDelivered() {
			return shared.InvalidState(orderEntity, id, "order already has deliveries")
		}
		order.Status = OrderStatusCancelled
		order.CancelReason = reason
		return nil
	})
	if err != nil {
		return SalesOrder{}, err
	}
	s.metrics.Transition(orderEntity, "cancel")
	s.recordAudit(ctx, actor, "SO_CANCEL", id, map[string]any{"reason": reason})
	return order, nil
}

func (s *Service) transition(ctx context.Context, id int64, apply func(*SalesOrder) error) (SalesOrder, error) {
	var updated SalesOrder
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.GetOrderForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := apply(&order); err != nil {
			return err
		}
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}
		updated = order
		return nil
	})
	return updated, err
}

// GetSalesOrder returns an order with its items.
func (s *Service) GetSalesOrder(ctx context.Context, id int64) (SalesOrder, error) {
	return s.repo.GetOrder(ctx, id)
}

// ListSalesOrders returns order headers.
func (s *Service) ListSalesOrders(ctx context.Context, filter ListFilter) ([]SalesOrder, error) {
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.repo.ListOrders(ctx, filter)
}

// OrderForDelivery locks a CONFIRMED order inside the caller's transaction.
func (s *Service) OrderForDelivery(ctx context.Context, tx TxRepository, id int64) (SalesOrder, error) {
	order, err := tx.GetOrderForUpdate(ctx, id)
	if err != nil {
		return SalesOrder{}, err
	}
	if order.Status != OrderStatusConfirmed {
		return SalesOrder{}, shared.InvalidState(orderEntity, id, "order must be confirmed for delivery, current status %s", order.Status)
	}
	return order, nil
}

// RecordDelivery adds qty to an item's delivered quantity inside the caller's
// transaction. The order completes once nothing remains on any item.
func (s *Service) RecordDelivery(ctx context.Context, tx TxRepository, orderID, itemID int64, qty float64) (Item, error) {
	if qty <= 0 {
		return Item{}, shared.Validation(itemEntity, itemID, "delivered qty must be positive")
	}
	return s.adjustDelivered(ctx, tx, orderID, itemID, func(order SalesOrder, it *Item) error {
		if order.Status != OrderStatusConfirmed {
			return shared.InvalidState(orderEntity, orderID, "cannot deliver against order in status %s", order.Status)
		}
		if !shared.QtyLE(qty, it.RemainingQty) {
			return shared.Validation(itemEntity, itemID, "delivered qty %.4f exceeds remaining %.4f", qty, it.RemainingQty)
		}
		it.DeliveredQty += qty
		return nil
	})
}

// ReverseDelivery takes qty back off an item, reopening a completed order.
func (s *Service) ReverseDelivery(ctx context.Context, tx TxRepository, orderID, itemID int64, qty float64) (Item, error) {
	if qty <= 0 {
		return Item{}, shared.Validation(itemEntity, itemID, "reversed qty must be positive")
	}
	return s.adjustDelivered(ctx, tx, orderID, itemID, func(order SalesOrder, it *Item) error {
		if !shared.QtyLE(qty, it.DeliveredQty) {
			return shared.Validation(itemEntity, itemID, "reversed qty %.4f exceeds delivered %.4f", qty, it.DeliveredQty)
		}
		it.DeliveredQty -= qty
		return nil
	})
}

func (s *Service) adjustDelivered(ctx context.Context, tx TxRepository, orderID, itemID int64, apply func(SalesOrder, *Item) error) (Item, error) {
	order, err := tx.GetOrderForUpdate(ctx, orderID)
	if err != nil {
		return Item{}, err
	}
	idx := -1
	for i := range order.Items {
		if order.Items[i].ID == itemID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Item{}, shared.NotFound(itemEntity, itemID)
	}
	it := order.Items[idx]
	if err := apply(order, &it); err != nil {
		return Item{}, err
	}
	if shared.QtyZero(it.DeliveredQty) {
		it.DeliveredQty = 0
	}
	it.RemainingQty = it.OrderedQty - it.DeliveredQty
	if shared.QtyZero(it.RemainingQty) {
		it.RemainingQty = 0
	}
	if err := tx.UpdateItemQty(ctx, it); err != nil {
		return Item{}, err
	}
	order.Items[idx] = it

	status := order.Status
	switch {
	case order.Status == OrderStatusConfirmed && order.fullyDelivered():
		status = OrderStatusCompleted
	case order.Status == OrderStatusCompleted && !order.fullyDelivered():
		status = OrderStatusConfirmed
	}
	if status != order.Status {
		order.Status = status
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return Item{}, err
		}
	}
	return it, nil
}

func (s *Service) recordAudit(ctx context.Context, actor shared.Actor, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.NewAuditLog(actor, action, orderEntity, id, meta))
}
