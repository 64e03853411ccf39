package supplier

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

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
	CreateSupplier(ctx context.Context, sup Supplier) (int64, error)
	GetSupplierForUpdate(ctx context.Context, id int64) (Supplier, error)
	UpdateBalance(ctx context.Context, id int64, balance decimal.Decimal) error
	UpdateCreditLimit(ctx context.Context, id int64, limit decimal.Decimal) error
	InsertEntry(ctx context.Context, entry LedgerEntry) error
}

type txRepo struct {
	tx pgx.Tx
}

// NewTxRepository binds the ledger to a transaction opened by another module.
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

const supplierColumns = `id, code, name, COALESCE(email,''), credit_limit, balance, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSupplier(row rowScanner, id int64) (Supplier, error) {
	var sup Supplier
	err := row.Scan(&sup.ID, &sup.Code, &sup.Name, &sup.Email, &sup.CreditLimit, &sup.Balance, &sup.CreatedAt, &sup.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Supplier{}, shared.NotFound(entity, id)
		}
		return Supplier{}, err
	}
	return sup, nil
}

// GetSupplier fetches a supplier by ID.
func (r *Repository) GetSupplier(ctx context.Context, id int64) (Supplier, error) {
	return scanSupplier(r.pool.QueryRow(ctx, `SELECT `+supplierColumns+` FROM suppliers WHERE id=$1`, id), id)
}

// ListEntries returns ledger entries newest first.
func (r *Repository) ListEntries(ctx context.Context, supplierID int64, limit int) ([]LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, supplier_id, kind, amount, balance_after, ref_module, COALESCE(ref_id,0), note, posted_at
FROM supplier_ledger_entries WHERE supplier_id=$1 ORDER BY posted_at DESC, id DESC LIMIT $2`, supplierID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ID, &e.SupplierID, &e.Kind, &e.Amount, &e.BalanceAfter, &e.RefModule, &e.RefID, &e.Note, &e.PostedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (tx *txRepo) CreateSupplier(ctx context.Context, sup Supplier) (int64, error) {
	var id int64
	err := tx.tx.QueryRow(ctx, `INSERT INTO suppliers (code, name, email, credit_limit, balance, created_at, updated_at)
VALUES ($1,$2,NULLIF($3,''),$4,$5,NOW(),NOW()) RETURNING id`, sup.Code, sup.Name, sup.Email, sup.CreditLimit, sup.Balance).Scan(&id)
	return id, err
}

func (tx *txRepo) GetSupplierForUpdate(ctx context.Context, id int64) (Supplier, error) {
	return scanSupplier(tx.tx.QueryRow(ctx, `SELECT `+supplierColumns+` FROM suppliers WHERE id=$1 FOR UPDATE`, id), id)
}

func (tx *txRepo) UpdateBalance(ctx context.Context, id int64, balance decimal.Decimal) error {
	_, err := tx.tx.Exec(ctx, `UPDATE suppliers SET balance=$1, updated_at=NOW() WHERE id=$2`, balance, id)
	return err
}

func (tx *txRepo) UpdateCreditLimit(ctx context.Context, id int64, limit decimal.Decimal) error {
	_, err := tx.tx.Exec(ctx, `UPDATE suppliers SET credit_limit=$1, updated_at=NOW() WHERE id=$2`, limit, id)
	return err
}

func (tx *txRepo) InsertEntry(ctx context.Context, e LedgerEntry) error {
	_, err := tx.tx.Exec(ctx, `INSERT INTO supplier_ledger_entries (supplier_id, kind, amount, balance_after, ref_module, ref_id, note, posted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, e.SupplierID, string(e.Kind), e.Amount, e.BalanceAfter, e.RefModule, nullInt(e.RefID), e.Note, e.PostedAt)
	return err
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}
