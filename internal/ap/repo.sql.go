package ap

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

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

// TxRepository exposes transactional operations.
type TxRepository interface {
	InsertInvoice(ctx context.Context, inv Invoice) (int64, error)
	InsertInvoiceLines(ctx context.Context, invoiceID int64, lines []InvoiceLine) error
	GetInvoiceForUpdate(ctx context.Context, id int64) (Invoice, error)
	FindInvoiceByPO(ctx context.Context, poID int64) (Invoice, bool, error)
	UpdateInvoice(ctx context.Context, inv Invoice) error
	MarkMigrated(ctx context.Context, id int64, at time.Time) error
	InsertPayment(ctx context.Context, p Payment) (int64, error)
	GetPaymentForUpdate(ctx context.Context, id int64) (Payment, error)
	ListPaymentsForUpdate(ctx context.Context, invoiceID int64) ([]Payment, error)
	UpdatePayment(ctx context.Context, p Payment) error
	SyncPurchaseOrderPaymentStatus(ctx context.Context, poID int64, status PaymentStatus) error
	Suppliers() supplier.TxRepository
}

type txRepo struct {
	tx pgx.Tx
}

// NewTxRepository binds payables to a transaction opened by another module.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepo{tx: tx}
}

// WithTx wraps callback in repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	if err := fn(ctx, &txRepo{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

const invoiceColumns = `id, number, COALESCE(po_id,0), supplier_id, status, payment_status, total_amount, paid_amount, balance_amount,
account_migration, migrated_at, payment_due_date, posted_at, COALESCE(cancel_reason,''), COALESCE(created_by,0), created_at, updated_at`

const paymentColumns = `id, number, invoice_id, amount, payment_mode_id, COALESCE(reference,''), status, COALESCE(approver_id,0),
approval_time, COALESCE(approval_notes,''), COALESCE(cancel_reason,''), COALESCE(created_by,0), created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row rowScanner) (Invoice, error) {
	var inv Invoice
	var status, paymentStatus string
	err := row.Scan(&inv.ID, &inv.Number, &inv.POID, &inv.SupplierID, &status, &paymentStatus, &inv.TotalAmount, &inv.PaidAmount, &inv.BalanceAmount,
		&inv.AccountMigration, &inv.MigratedAt, &inv.PaymentDueDate, &inv.PostedAt, &inv.CancelReason, &inv.CreatedBy, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return Invoice{}, err
	}
	inv.Status = InvoiceStatus(status)
	inv.PaymentStatus = PaymentStatus(paymentStatus)
	return inv, nil
}

func scanPayment(row rowScanner) (Payment, error) {
	var p Payment
	var status string
	err := row.Scan(&p.ID, &p.Number, &p.InvoiceID, &p.Amount, &p.PaymentModeID, &p.Reference, &status, &p.ApproverID,
		&p.ApprovalTime, &p.ApprovalNotes, &p.CancelReason, &p.CreatedBy, &p.CreatedAt)
	if err != nil {
		return Payment{}, err
	}
	p.Status = PaymentState(status)
	return p, nil
}

func notFound(err error, entity string, id int64) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return shared.NotFound(entity, id)
	}
	return err
}

// GetInvoice loads an invoice with its lines.
func (r *Repository) GetInvoice(ctx context.Context, id int64) (Invoice, error) {
	inv, err := scanInvoice(r.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM purchase_invoices WHERE id=$1`, id))
	if err != nil {
		return Invoice{}, notFound(err, invoiceEntity, id)
	}
	rows, err := r.pool.Query(ctx, `SELECT product_id, description, qty, unit_price, tax_amount, discount_amount, total
FROM purchase_invoice_lines WHERE invoice_id=$1 ORDER BY id`, id)
	if err != nil {
		return Invoice{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var l InvoiceLine
		if err := rows.Scan(&l.ProductID, &l.Description, &l.Qty, &l.UnitPrice, &l.TaxAmount, &l.DiscountAmount, &l.Total); err != nil {
			return Invoice{}, err
		}
		inv.Lines = append(inv.Lines, l)
	}
	return inv, rows.Err()
}

// ListInvoices returns invoices newest first.
func (r *Repository) ListInvoices(ctx context.Context, filter ListInvoicesFilter) ([]Invoice, error) {
	return r.queryInvoices(ctx, `SELECT `+invoiceColumns+` FROM purchase_invoices
WHERE ($1 = '' OR status = $1) AND ($2 = 0 OR supplier_id = $2)
ORDER BY created_at DESC, id DESC LIMIT $3 OFFSET $4`, string(filter.Status), filter.SupplierID, filter.Limit, filter.Offset)
}

// ListUnmigratedInvoices returns POSTED invoices not yet migrated.
func (r *Repository) ListUnmigratedInvoices(ctx context.Context) ([]Invoice, error) {
	return r.queryInvoices(ctx, `SELECT `+invoiceColumns+` FROM purchase_invoices
WHERE status = 'POSTED' AND account_migration = FALSE ORDER BY id`)
}

// ListOutstandingInvoices returns POSTED invoices with a positive balance.
func (r *Repository) ListOutstandingInvoices(ctx context.Context) ([]Invoice, error) {
	return r.queryInvoices(ctx, `SELECT `+invoiceColumns+` FROM purchase_invoices
WHERE status = 'POSTED' AND balance_amount > 0 ORDER BY payment_due_date`)
}

func (r *Repository) queryInvoices(ctx context.Context, sql string, args ...any) ([]Invoice, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	invoices := []Invoice{}
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

// GetPayment loads a payment.
func (r *Repository) GetPayment(ctx context.Context, id int64) (Payment, error) {
	p, err := scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=$1`, id))
	if err != nil {
		return Payment{}, notFound(err, paymentEntity, id)
	}
	return p, nil
}

// ListPayments lists an invoice's payments in creation order.
func (r *Repository) ListPayments(ctx context.Context, invoiceID int64) ([]Payment, error) {
	return queryPayments(ctx, r.pool, `SELECT `+paymentColumns+` FROM payments WHERE invoice_id=$1 ORDER BY id`, invoiceID)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryPayments(ctx context.Context, q querier, sql string, args ...any) ([]Payment, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	payments := []Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (t *txRepo) InsertInvoice(ctx context.Context, inv Invoice) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO purchase_invoices (number, po_id, supplier_id, status, payment_status, total_amount, paid_amount, balance_amount,
account_migration, payment_due_date, posted_at, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,FALSE,$9,$10,$11,NOW(),NOW()) RETURNING id`,
		inv.Number, nullInt(inv.POID), inv.SupplierID, string(inv.Status), string(inv.PaymentStatus), inv.TotalAmount, inv.PaidAmount, inv.BalanceAmount,
		inv.PaymentDueDate, inv.PostedAt, nullInt(inv.CreatedBy)).Scan(&id)
	return id, err
}

func (t *txRepo) InsertInvoiceLines(ctx context.Context, invoiceID int64, lines []InvoiceLine) error {
	for _, l := range lines {
		_, err := t.tx.Exec(ctx, `INSERT INTO purchase_invoice_lines (invoice_id, product_id, description, qty, unit_price, tax_amount, discount_amount, total)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, invoiceID, nullInt(l.ProductID), l.Description, l.Qty, l.UnitPrice, l.TaxAmount, l.DiscountAmount, l.Total)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *txRepo) GetInvoiceForUpdate(ctx context.Context, id int64) (Invoice, error) {
	inv, err := scanInvoice(t.tx.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM purchase_invoices WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return Invoice{}, notFound(err, invoiceEntity, id)
	}
	return inv, nil
}

func (t *txRepo) FindInvoiceByPO(ctx context.Context, poID int64) (Invoice, bool, error) {
	inv, err := scanInvoice(t.tx.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM purchase_invoices WHERE po_id=$1 FOR UPDATE`, poID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invoice{}, false, nil
		}
		return Invoice{}, false, err
	}
	return inv, true, nil
}

func (t *txRepo) UpdateInvoice(ctx context.Context, inv Invoice) error {
	_, err := t.tx.Exec(ctx, `UPDATE purchase_invoices SET status=$1, payment_status=$2, paid_amount=$3, balance_amount=$4,
posted_at=$5, cancel_reason=NULLIF($6,''), updated_at=NOW() WHERE id=$7`,
		string(inv.Status), string(inv.PaymentStatus), inv.PaidAmount, inv.BalanceAmount, inv.PostedAt, inv.CancelReason, inv.ID)
	return err
}

func (t *txRepo) MarkMigrated(ctx context.Context, id int64, at time.Time) error {
	_, err := t.tx.Exec(ctx, `UPDATE purchase_invoices SET account_migration=TRUE, migrated_at=$1, updated_at=NOW()
WHERE id=$2 AND account_migration=FALSE`, at, id)
	return err
}

func (t *txRepo) InsertPayment(ctx context.Context, p Payment) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO payments (number, invoice_id, amount, payment_mode_id, reference, status, created_by, created_at)
VALUES ($1,$2,$3,$4,NULLIF($5,''),$6,$7,$8) RETURNING id`,
		p.Number, p.InvoiceID, p.Amount, p.PaymentModeID, p.Reference, string(p.Status), nullInt(p.CreatedBy), p.CreatedAt).Scan(&id)
	return id, err
}

func (t *txRepo) GetPaymentForUpdate(ctx context.Context, id int64) (Payment, error) {
	p, err := scanPayment(t.tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return Payment{}, notFound(err, paymentEntity, id)
	}
	return p, nil
}

func (t *txRepo) ListPaymentsForUpdate(ctx context.Context, invoiceID int64) ([]Payment, error) {
	return queryPayments(ctx, t.tx, `SELECT `+paymentColumns+` FROM payments WHERE invoice_id=$1 ORDER BY id FOR UPDATE`, invoiceID)
}

func (t *txRepo) UpdatePayment(ctx context.Context, p Payment) error {
	_, err := t.tx.Exec(ctx, `UPDATE payments SET status=$1, approver_id=$2, approval_time=$3, approval_notes=NULLIF($4,''), cancel_reason=NULLIF($5,'')
WHERE id=$6`, string(p.Status), nullInt(p.ApproverID), p.ApprovalTime, p.ApprovalNotes, p.CancelReason, p.ID)
	return err
}

func (t *txRepo) SyncPurchaseOrderPaymentStatus(ctx context.Context, poID int64, status PaymentStatus) error {
	_, err := t.tx.Exec(ctx, `UPDATE purchase_orders SET payment_status=$1, updated_at=NOW() WHERE id=$2`, string(status), poID)
	return err
}

func (t *txRepo) Suppliers() supplier.TxRepository {
	return supplier.NewTxRepository(t.tx)
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}
