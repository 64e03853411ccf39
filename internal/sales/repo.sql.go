package sales

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/temple-erp/temple-erp/internal/platform/db"
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

// TxRepository exposes transactional operations.
type TxRepository interface {
	NextNumber(ctx context.Context, tenantID int64, prefix string) (string, error)
	InsertOrder(ctx context.Context, order SalesOrder) (int64, error)
	InsertItems(ctx context.Context, orderID int64, items []Item) ([]Item, error)
	GetOrderForUpdate(ctx context.Context, id int64) (SalesOrder, error)
	UpdateOrder(ctx context.Context, order SalesOrder) error
	UpdateItemQty(ctx context.Context, item Item) error
}

type txRepo struct {
	tx pgx.Tx
}

// NewTxRepository binds sales orders to a transaction opened by another module.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepo{tx: tx}
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

const orderColumns = `id, number, tenant_id, customer_name, status, COALESCE(note,''), COALESCE(cancel_reason,''),
COALESCE(confirmed_by,0), confirmed_at, created_by, created_at, updated_at`

func scanOrder(row pgx.Row) (SalesOrder, error) {
	var o SalesOrder
	err := row.Scan(&o.ID, &o.Number, &o.TenantID, &o.CustomerName, &o.Status, &o.Note, &o.CancelReason,
		&o.ConfirmedBy, &o.ConfirmedAt, &o.CreatedBy, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

// Items are locked together with the header so concurrent deliveries against
// one order serialise on the header row.
func loadOrder(ctx context.Context, q querier, id int64, lock string) (SalesOrder, error) {
	order, err := scanOrder(q.QueryRow(ctx, `SELECT `+orderColumns+` FROM sales_orders WHERE id=$1`+lock, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SalesOrder{}, shared.NotFound(orderEntity, id)
		}
		return SalesOrder{}, err
	}
	rows, err := q.Query(ctx, `SELECT id, sales_order_id, kind, COALESCE(product_id,0), COALESCE(description,''), stock_tracked,
ordered_qty, delivered_qty FROM sales_order_items WHERE sales_order_id=$1 ORDER BY id`+lock, id)
	if err != nil {
		return SalesOrder{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.SalesOrderID, &it.Kind, &it.ProductID, &it.Description, &it.StockTracked,
			&it.OrderedQty, &it.DeliveredQty); err != nil {
			return SalesOrder{}, err
		}
		it.RemainingQty = it.OrderedQty - it.DeliveredQty
		order.Items = append(order.Items, it)
	}
	return order, rows.Err()
}

// GetOrder loads a sales order with its items.
func (r *Repository) GetOrder(ctx context.Context, id int64) (SalesOrder, error) {
	return loadOrder(ctx, r.pool, id, "")
}

// ListOrders returns order headers newest first.
func (r *Repository) ListOrders(ctx context.Context, filter ListFilter) ([]SalesOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM sales_orders`
	args := []any{}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" WHERE status=$%d", len(args))
	}
	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SalesOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (t *txRepo) NextNumber(ctx context.Context, tenantID int64, prefix string) (string, error) {
	return db.NextNumber(ctx, t.tx, tenantID, prefix)
}

func (t *txRepo) InsertOrder(ctx context.Context, o SalesOrder) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO sales_orders (number, tenant_id, customer_name, status, note, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW(),NOW()) RETURNING id`, o.Number, o.TenantID, o.CustomerName, o.Status, o.Note, o.CreatedBy).Scan(&id)
	return id, err
}

func (t *txRepo) InsertItems(ctx context.Context, orderID int64, items []Item) ([]Item, error) {
	out := make([]Item, 0, len(items))
	for _, it := range items {
		err := t.tx.QueryRow(ctx, `INSERT INTO sales_order_items (sales_order_id, kind, product_id, description, stock_tracked, ordered_qty, delivered_qty)
VALUES ($1,$2,$3,$4,$5,$6,0) RETURNING id`, orderID, it.Kind, nullInt(it.ProductID), it.Description, it.StockTracked, it.OrderedQty).Scan(&it.ID)
		if err != nil {
			return nil, err
		}
		it.SalesOrderID = orderID
		out = append(out, it)
	}
	return out, nil
}

func (t *txRepo) GetOrderForUpdate(ctx context.Context, id int64) (SalesOrder, error) {
	return loadOrder(ctx, t.tx, id, " FOR UPDATE")
}

func (t *txRepo) UpdateOrder(ctx context.Context, o SalesOrder) error {
	_, err := t.tx.Exec(ctx, `UPDATE sales_orders SET status=$1, cancel_reason=NULLIF($2,''), confirmed_by=$3, confirmed_at=$4, updated_at=NOW()
WHERE id=$5`, o.Status, o.CancelReason, nullInt(o.ConfirmedBy), o.ConfirmedAt, o.ID)
	return err
}

func (t *txRepo) UpdateItemQty(ctx context.Context, it Item) error {
	tag, err := t.tx.Exec(ctx, `UPDATE sales_order_items SET delivered_qty=$1 WHERE id=$2`, it.DeliveredQty, it.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.NotFound(itemEntity, it.ID)
	}
	return nil
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}
