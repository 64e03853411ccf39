package procurement

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/temple-erp/temple-erp/internal/ap"
	"github.com/temple-erp/temple-erp/internal/inventory"
	"github.com/temple-erp/temple-erp/internal/platform/db"
	"github.com/temple-erp/temple-erp/internal/shared"
	"github.com/temple-erp/temple-erp/internal/supplier"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations. Payables, Inventory and
// Suppliers return repositories bound to the same transaction.
type TxRepository interface {
	NextNumber(ctx context.Context, tenantID int64, prefix string) (string, error)

	InsertPR(ctx context.Context, pr PurchaseRequest) (int64, error)
	InsertPRLines(ctx context.Context, prID int64, lines []PRLine) error
	GetPRForUpdate(ctx context.Context, id int64) (PurchaseRequest, error)
	UpdatePRStatus(ctx context.Context, id int64, status PRStatus) error

	InsertPO(ctx context.Context, po PurchaseOrder) (int64, error)
	InsertPOLines(ctx context.Context, poID int64, lines []POLine) ([]POLine, error)
	GetPOForUpdate(ctx context.Context, id int64) (PurchaseOrder, error)
	UpdatePO(ctx context.Context, po PurchaseOrder) error
	DeletePO(ctx context.Context, id int64) error

	InsertGRN(ctx context.Context, grn GoodsReceipt) (int64, error)
	InsertGRNLines(ctx context.Context, grnID int64, lines []GRNLine) error
	GetGRNForUpdate(ctx context.Context, id int64) (GoodsReceipt, error)
	UpdateGRN(ctx context.Context, grn GoodsReceipt) error
	UpdateGRNLines(ctx context.Context, lines []GRNLine) error
	ReceivedQtyByPOLine(ctx context.Context, poID int64) (map[int64]float64, error)

	Payables() ap.TxRepository
	Inventory() inventory.TxRepository
	Suppliers() supplier.TxRepository
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

const prColumns = `id, number, tenant_id, COALESCE(supplier_id,0), requested_by, status, COALESCE(note,''), created_at`

const poColumns = `id, number, tenant_id, supplier_id, COALESCE(pr_id,0), status, payment_status, grn_status, total_amount,
expected_date, COALESCE(note,''), COALESCE(reject_reason,''), COALESCE(cancel_reason,''), COALESCE(approved_by,0), approved_at,
COALESCE(created_by,0), created_at, updated_at`

const grnColumns = `id, number, po_id, supplier_id, warehouse_id, status, quality_check_done, quality_check_status, received_at,
completed_at, COALESCE(note,''), COALESCE(cancel_reason,''), COALESCE(created_by,0)`

func scanPO(row pgx.Row) (PurchaseOrder, error) {
	var po PurchaseOrder
	err := row.Scan(&po.ID, &po.Number, &po.TenantID, &po.SupplierID, &po.PRID, &po.Status, &po.PaymentStatus, &po.GRNStatus, &po.TotalAmount,
		&po.ExpectedDate, &po.Note, &po.RejectReason, &po.CancelReason, &po.ApprovedBy, &po.ApprovedAt,
		&po.CreatedBy, &po.CreatedAt, &po.UpdatedAt)
	return po, err
}

func scanGRN(row pgx.Row) (GoodsReceipt, error) {
	var grn GoodsReceipt
	err := row.Scan(&grn.ID, &grn.Number, &grn.POID, &grn.SupplierID, &grn.WarehouseID, &grn.Status, &grn.QualityCheckDone, &grn.QualityCheckStatus,
		&grn.ReceivedAt, &grn.CompletedAt, &grn.Note, &grn.CancelReason, &grn.CreatedBy)
	return grn, err
}

func notFound(err error, entity string, id int64) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return shared.NotFound(entity, id)
	}
	return err
}

func loadPR(ctx context.Context, q querier, id int64, lock string) (PurchaseRequest, error) {
	var pr PurchaseRequest
	err := q.QueryRow(ctx, `SELECT `+prColumns+` FROM purchase_requests WHERE id=$1`+lock, id).
		Scan(&pr.ID, &pr.Number, &pr.TenantID, &pr.SupplierID, &pr.RequestedBy, &pr.Status, &pr.Note, &pr.CreatedAt)
	if err != nil {
		return PurchaseRequest{}, notFound(err, prEntity, id)
	}
	rows, err := q.Query(ctx, `SELECT id, pr_id, product_id, qty, estimated_price, COALESCE(note,'') FROM purchase_request_lines WHERE pr_id=$1 ORDER BY id`, id)
	if err != nil {
		return PurchaseRequest{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line PRLine
		if err := rows.Scan(&line.ID, &line.PRID, &line.ProductID, &line.Qty, &line.EstimatedPrice, &line.Note); err != nil {
			return PurchaseRequest{}, err
		}
		pr.Lines = append(pr.Lines, line)
	}
	return pr, rows.Err()
}

func loadPO(ctx context.Context, q querier, id int64, lock string) (PurchaseOrder, error) {
	po, err := scanPO(q.QueryRow(ctx, `SELECT `+poColumns+` FROM purchase_orders WHERE id=$1`+lock, id))
	if err != nil {
		return PurchaseOrder{}, notFound(err, poEntity, id)
	}
	rows, err := q.Query(ctx, `SELECT id, po_id, product_id, COALESCE(description,''), ordered_qty, unit_price, tax_amount, discount_amount, subtotal, total
FROM purchase_order_lines WHERE po_id=$1 ORDER BY id`, id)
	if err != nil {
		return PurchaseOrder{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var l POLine
		if err := rows.Scan(&l.ID, &l.POID, &l.ProductID, &l.Description, &l.OrderedQty, &l.UnitPrice, &l.TaxAmount, &l.DiscountAmount, &l.Subtotal, &l.Total); err != nil {
			return PurchaseOrder{}, err
		}
		po.Lines = append(po.Lines, l)
	}
	return po, rows.Err()
}

func loadGRN(ctx context.Context, q querier, id int64, lock string) (GoodsReceipt, error) {
	grn, err := scanGRN(q.QueryRow(ctx, `SELECT `+grnColumns+` FROM goods_receipts WHERE id=$1`+lock, id))
	if err != nil {
		return GoodsReceipt{}, notFound(err, grnEntity, id)
	}
	rows, err := q.Query(ctx, `SELECT id, grn_id, po_line_id, product_id, ordered_qty, received_qty, accepted_qty, rejected_qty, unit_cost
FROM goods_receipt_lines WHERE grn_id=$1 ORDER BY id`, id)
	if err != nil {
		return GoodsReceipt{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var l GRNLine
		if err := rows.Scan(&l.ID, &l.GRNID, &l.POLineID, &l.ProductID, &l.OrderedQty, &l.ReceivedQty, &l.AcceptedQty, &l.RejectedQty, &l.UnitCost); err != nil {
			return GoodsReceipt{}, err
		}
		grn.Lines = append(grn.Lines, l)
	}
	return grn, rows.Err()
}

// GetPR returns purchase request and lines.
func (r *Repository) GetPR(ctx context.Context, id int64) (PurchaseRequest, error) {
	return loadPR(ctx, r.pool, id, "")
}

// GetPO returns purchase order and lines.
func (r *Repository) GetPO(ctx context.Context, id int64) (PurchaseOrder, error) {
	return loadPO(ctx, r.pool, id, "")
}

// GetGRN returns GRN and lines.
func (r *Repository) GetGRN(ctx context.Context, id int64) (GoodsReceipt, error) {
	return loadGRN(ctx, r.pool, id, "")
}

// ListPOs returns purchase order headers matching the filter.
func (r *Repository) ListPOs(ctx context.Context, filter ListPOFilter) ([]PurchaseOrder, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+poColumns+` FROM purchase_orders
WHERE ($1 = '' OR status = $1) AND ($2 = 0 OR supplier_id = $2)
ORDER BY created_at DESC, id DESC LIMIT $3 OFFSET $4`, string(filter.Status), filter.SupplierID, filter.Limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PurchaseOrder
	for rows.Next() {
		po, err := scanPO(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, po)
	}
	return out, rows.Err()
}

// ListGRNsByPO returns receipt headers for a purchase order.
func (r *Repository) ListGRNsByPO(ctx context.Context, poID int64) ([]GoodsReceipt, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+grnColumns+` FROM goods_receipts WHERE po_id=$1 ORDER BY id`, poID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []GoodsReceipt
	for rows.Next() {
		grn, err := scanGRN(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, grn)
	}
	return out, rows.Err()
}

func (t *txRepo) NextNumber(ctx context.Context, tenantID int64, prefix string) (string, error) {
	return db.NextNumber(ctx, t.tx, tenantID, prefix)
}

func (t *txRepo) InsertPR(ctx context.Context, pr PurchaseRequest) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO purchase_requests (number, tenant_id, supplier_id, requested_by, status, note, created_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW()) RETURNING id`, pr.Number, pr.TenantID, nullInt(pr.SupplierID), pr.RequestedBy, pr.Status, pr.Note).Scan(&id)
	return id, err
}

func (t *txRepo) InsertPRLines(ctx context.Context, prID int64, lines []PRLine) error {
	for _, line := range lines {
		if _, err := t.tx.Exec(ctx, `INSERT INTO purchase_request_lines (pr_id, product_id, qty, estimated_price, note) VALUES ($1,$2,$3,$4,$5)`,
			prID, line.ProductID, line.Qty, line.EstimatedPrice, line.Note); err != nil {
			return err
		}
	}
	return nil
}

func (t *txRepo) GetPRForUpdate(ctx context.Context, id int64) (PurchaseRequest, error) {
	return loadPR(ctx, t.tx, id, " FOR UPDATE")
}

func (t *txRepo) UpdatePRStatus(ctx context.Context, id int64, status PRStatus) error {
	_, err := t.tx.Exec(ctx, `UPDATE purchase_requests SET status=$1, updated_at=NOW() WHERE id=$2`, status, id)
	return err
}

func (t *txRepo) InsertPO(ctx context.Context, po PurchaseOrder) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO purchase_orders (number, tenant_id, supplier_id, pr_id, status, payment_status, grn_status, total_amount,
expected_date, note, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW(),NOW()) RETURNING id`,
		po.Number, po.TenantID, po.SupplierID, nullInt(po.PRID), po.Status, string(po.PaymentStatus), po.GRNStatus, po.TotalAmount,
		po.ExpectedDate, po.Note, nullInt(po.CreatedBy)).Scan(&id)
	return id, err
}

func (t *txRepo) InsertPOLines(ctx context.Context, poID int64, lines []POLine) ([]POLine, error) {
	out := make([]POLine, 0, len(lines))
	for _, l := range lines {
		l.POID = poID
		err := t.tx.QueryRow(ctx, `INSERT INTO purchase_order_lines (po_id, product_id, description, ordered_qty, unit_price, tax_amount, discount_amount, subtotal, total)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id`, poID, l.ProductID, l.Description, l.OrderedQty, l.UnitPrice, l.TaxAmount, l.DiscountAmount, l.Subtotal, l.Total).Scan(&l.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func (t *txRepo) GetPOForUpdate(ctx context.Context, id int64) (PurchaseOrder, error) {
	return loadPO(ctx, t.tx, id, " FOR UPDATE")
}

func (t *txRepo) UpdatePO(ctx context.Context, po PurchaseOrder) error {
	_, err := t.tx.Exec(ctx, `UPDATE purchase_orders SET status=$1, grn_status=$2, reject_reason=$3, cancel_reason=$4,
approved_by=$5, approved_at=$6, updated_at=NOW() WHERE id=$7`,
		po.Status, po.GRNStatus, nullString(po.RejectReason), nullString(po.CancelReason), nullInt(po.ApprovedBy), po.ApprovedAt, po.ID)
	return err
}

func (t *txRepo) DeletePO(ctx context.Context, id int64) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM purchase_order_lines WHERE po_id=$1`, id); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `DELETE FROM purchase_orders WHERE id=$1`, id)
	return err
}

func (t *txRepo) InsertGRN(ctx context.Context, grn GoodsReceipt) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO goods_receipts (number, po_id, supplier_id, warehouse_id, status, quality_check_done, quality_check_status,
received_at, note, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW()) RETURNING id`,
		grn.Number, grn.POID, grn.SupplierID, grn.WarehouseID, grn.Status, grn.QualityCheckDone, grn.QualityCheckStatus,
		grn.ReceivedAt, grn.Note, nullInt(grn.CreatedBy)).Scan(&id)
	return id, err
}

func (t *txRepo) InsertGRNLines(ctx context.Context, grnID int64, lines []GRNLine) error {
	for _, l := range lines {
		if _, err := t.tx.Exec(ctx, `INSERT INTO goods_receipt_lines (grn_id, po_line_id, product_id, ordered_qty, received_qty, accepted_qty, rejected_qty, unit_cost)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, grnID, l.POLineID, l.ProductID, l.OrderedQty, l.ReceivedQty, l.AcceptedQty, l.RejectedQty, l.UnitCost); err != nil {
			return err
		}
	}
	return nil
}

func (t *txRepo) GetGRNForUpdate(ctx context.Context, id int64) (GoodsReceipt, error) {
	return loadGRN(ctx, t.tx, id, " FOR UPDATE")
}

func (t *txRepo) UpdateGRN(ctx context.Context, grn GoodsReceipt) error {
	_, err := t.tx.Exec(ctx, `UPDATE goods_receipts SET status=$1, quality_check_done=$2, quality_check_status=$3, completed_at=$4,
cancel_reason=$5 WHERE id=$6`, grn.Status, grn.QualityCheckDone, grn.QualityCheckStatus, grn.CompletedAt, nullString(grn.CancelReason), grn.ID)
	return err
}

func (t *txRepo) UpdateGRNLines(ctx context.Context, lines []GRNLine) error {
	for _, l := range lines {
		if _, err := t.tx.Exec(ctx, `UPDATE goods_receipt_lines SET accepted_qty=$1, rejected_qty=$2 WHERE id=$3`, l.AcceptedQty, l.RejectedQty, l.ID); err != nil {
			return err
		}
	}
	return nil
}

func (t *txRepo) ReceivedQtyByPOLine(ctx context.Context, poID int64) (map[int64]float64, error) {
	rows, err := t.tx.Query(ctx, `SELECT l.po_line_id, COALESCE(SUM(l.received_qty),0)
FROM goods_receipt_lines l JOIN goods_receipts g ON g.id = l.grn_id
WHERE g.po_id=$1 AND g.status=$2 GROUP BY l.po_line_id`, poID, GRNStatusCompleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64]float64)
	for rows.Next() {
		var lineID int64
		var qty float64
		if err := rows.Scan(&lineID, &qty); err != nil {
			return nil, err
		}
		out[lineID] = qty
	}
	return out, rows.Err()
}

func (t *txRepo) Payables() ap.TxRepository {
	return ap.NewTxRepository(t.tx)
}

func (t *txRepo) Inventory() inventory.TxRepository {
	return inventory.NewTxRepository(t.tx)
}

func (t *txRepo) Suppliers() supplier.TxRepository {
	return supplier.NewTxRepository(t.tx)
}

func formatNumber(prefix string, seq int64) string {
	return db.FormatNumber(prefix, seq, time.Now().UTC())
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
