package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/temple-erp/temple-erp/internal/inventory"
	"github.com/temple-erp/temple-erp/internal/platform/db"
	"github.com/temple-erp/temple-erp/internal/sales"
	"github.com/temple-erp/temple-erp/internal/shared"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations. Sales and Inventory return
// repositories bound to the same transaction.
type TxRepository interface {
	NextNumber(ctx context.Context, tenantID int64, prefix string) (string, error)
	InsertDeliveryOrder(ctx context.Context, do DeliveryOrder) (int64, error)
	InsertItems(ctx context.Context, doID int64, items []Item) ([]Item, error)
	GetDeliveryOrderForUpdate(ctx context.Context, id int64) (DeliveryOrder, error)
	UpdateDeliveryOrder(ctx context.Context, do DeliveryOrder) error
	UpdateItems(ctx context.Context, items []Item) error
	DeleteDeliveryOrder(ctx context.Context, id int64) error

	Sales() sales.TxRepository
	Inventory() inventory.TxRepository
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps callback in repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const doColumns = `id, number, tenant_id, sales_order_id, warehouse_id, status, quality_check_done, COALESCE(note,''),
COALESCE(cancel_reason,''), created_by, COALESCE(completed_by,0), completed_at, created_at, updated_at`

func scanDO(row pgx.Row) (DeliveryOrder, error) {
	var do DeliveryOrder
	err := row.Scan(&do.ID, &do.Number, &do.TenantID, &do.SalesOrderID, &do.WarehouseID, &do.Status, &do.QualityCheckDone, &do.Note,
		&do.CancelReason, &do.CreatedBy, &do.CompletedBy, &do.CompletedAt, &do.CreatedAt, &do.UpdatedAt)
	return do, err
}

func loadDO(ctx context.Context, q querier, id int64, lock string) (DeliveryOrder, error) {
	do, err := scanDO(q.QueryRow(ctx, `SELECT `+doColumns+` FROM delivery_orders WHERE id=$1`+lock, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DeliveryOrder{}, shared.NotFound(doEntity, id)
		}
		return DeliveryOrder{}, err
	}
	rows, err := q.Query(ctx, `SELECT id, delivery_order_id, sales_order_item_id, COALESCE(product_id,0), stock_tracked, ordered_qty,
delivered_qty, accepted_qty, rejected_qty, applied_qty, selected FROM delivery_order_items WHERE delivery_order_id=$1 ORDER BY id`, id)
	if err != nil {
		return DeliveryOrder{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.DeliveryOrderID, &it.SalesOrderItemID, &it.ProductID, &it.StockTracked, &it.OrderedQty,
			&it.DeliveredQty, &it.AcceptedQty, &it.RejectedQty, &it.AppliedQty, &it.Selected); err != nil {
			return DeliveryOrder{}, err
		}
		do.Items = append(do.Items, it)
	}
	return do, rows.Err()
}

// GetDeliveryOrder loads a delivery order with its items.
func (r *Repository) GetDeliveryOrder(ctx context.Context, id int64) (DeliveryOrder, error) {
	return loadDO(ctx, r.pool, id, "")
}

// ListDeliveryOrders returns headers newest first.
func (r *Repository) ListDeliveryOrders(ctx context.Context, filter ListFilter) ([]DeliveryOrder, error) {
	query := `SELECT ` + doColumns + ` FROM delivery_orders WHERE 1=1`
	args := []any{}
	if filter.SalesOrderID != 0 {
		args = append(args, filter.SalesOrderID)
		query += fmt.Sprintf(" AND sales_order_id=$%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status=$%d", len(args))
	}
	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DeliveryOrder
	for rows.Next() {
		do, err := scanDO(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, do)
	}
	return out, rows.Err()
}

func (t *txRepo) NextNumber(ctx context.Context, tenantID int64, prefix string) (string, error) {
	return db.NextNumber(ctx, t.tx, tenantID, prefix)
}

func (t *txRepo) InsertDeliveryOrder(ctx context.Context, do DeliveryOrder) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO delivery_orders (number, tenant_id, sales_order_id, warehouse_id, status, quality_check_done, note,
created_by, created_at, updated_at) VALUES ($1,$2,$3,$4,$5,FALSE,$6,$7,NOW(),NOW()) RETURNING id`,
		do.Number, do.TenantID, do.SalesOrderID, do.WarehouseID, do.Status, do.Note, do.CreatedBy).Scan(&id)
	return id, err
}

func (t *txRepo) InsertItems(ctx context.Context, doID int64, items []Item) ([]Item, error) {
	out := make([]Item, 0, len(items))
	for _, it := range items {
		err := t.tx.QueryRow(ctx, `INSERT INTO delivery_order_items (delivery_order_id, sales_order_item_id, product_id, stock_tracked, ordered_qty,
delivered_qty, accepted_qty, rejected_qty, applied_qty, selected) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,$9) RETURNING id`,
			doID, it.SalesOrderItemID, nullInt(it.ProductID), it.StockTracked, it.OrderedQty, it.DeliveredQty, it.AcceptedQty, it.RejectedQty, it.Selected).Scan(&it.ID)
		if err != nil {
			return nil, err
		}
		it.DeliveryOrderID = doID
		out = append(out, it)
	}
	return out, nil
}

func (t *txRepo) GetDeliveryOrderForUpdate(ctx context.Context, id int64) (DeliveryOrder, error) {
	return loadDO(ctx, t.tx, id, " FOR UPDATE")
}

func (t *txRepo) UpdateDeliveryOrder(ctx context.Context, do DeliveryOrder) error {
	_, err := t.tx.Exec(ctx, `UPDATE delivery_orders SET status=$1, quality_check_done=$2, cancel_reason=NULLIF($3,''), completed_by=$4,
completed_at=$5, updated_at=NOW() WHERE id=$6`, do.Status, do.QualityCheckDone, do.CancelReason, nullInt(do.CompletedBy), do.CompletedAt, do.ID)
	return err
}

func (t *txRepo) UpdateItems(ctx context.Context, items []Item) error {
	batch := &pgx.Batch{}
	for _, it := range items {
		batch.Queue(`UPDATE delivery_order_items SET accepted_qty=$1, rejected_qty=$2, applied_qty=$3, selected=$4 WHERE id=$5`,
			it.AcceptedQty, it.RejectedQty, it.AppliedQty, it.Selected, it.ID)
	}
	return t.tx.SendBatch(ctx, batch).Close()
}

func (t *txRepo) DeleteDeliveryOrder(ctx context.Context, id int64) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM delivery_order_items WHERE delivery_order_id=$1`, id); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `DELETE FROM delivery_orders WHERE id=$1`, id)
	return err
}

func (t *txRepo) Sales() sales.TxRepository {
	return sales.NewTxRepository(t.tx)
}

func (t *txRepo) Inventory() inventory.TxRepository {
	return inventory.NewTxRepository(t.tx)
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}
