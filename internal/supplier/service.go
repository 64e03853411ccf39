package supplier

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/temple-erp/temple-erp/internal/rbac"
	"github.com/temple-erp/temple-erp/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetSupplier(ctx context.Context, id int64) (Supplier, error)
	ListEntries(ctx context.Context, supplierID int64, limit int) ([]LedgerEntry, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service maintains supplier credit limits and balances.
type Service struct {
	repo  RepositoryPort
	audit AuditPort
}

// NewService constructs the supplier ledger service.
func NewService(repo RepositoryPort, audit AuditPort) *Service {
	return &Service{repo: repo, audit: audit}
}

// CreateSupplier registers a supplier with an empty balance.
func (s *Service) CreateSupplier(ctx context.Context, actor shared.Actor, input CreateInput) (Supplier, error) {
	if err := rbac.Require(actor, rbac.CapSupplierManage); err != nil {
		return Supplier{}, err
	}
	input.Code = strings.TrimSpace(input.Code)
	input.Name = strings.TrimSpace(input.Name)
	if input.Code == "" || input.Name == "" {
		return Supplier{}, shared.Validation(entity, 0, "code and name are required")
	}
	if input.CreditLimit.IsNegative() {
		return Supplier{}, shared.Validation(entity, 0, "credit limit must not be negative")
	}
	sup := Supplier{Code: input.Code, Name: input.Name, Email: input.Email, CreditLimit: shared.Round2(input.CreditLimit), Balance: decimal.Zero}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreateSupplier(ctx, sup)
		if err != nil {
			return err
		}
		sup.ID = id
		return nil
	})
	if err != nil {
		return Supplier{}, err
	}
	s.recordAudit(ctx, actor, "SUPPLIER_CREATE", sup.ID, map[string]any{"code": sup.Code})
	return sup, nil
}

// GetSupplier returns a supplier ledger header.
func (s *Service) GetSupplier(ctx context.Context, id int64) (Supplier, error) {
	return s.repo.GetSupplier(ctx, id)
}

// ListEntries returns the latest ledger movements.
func (s *Service) ListEntries(ctx context.Context, supplierID int64, limit int) ([]LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListEntries(ctx, supplierID, limit)
}

// SetCreditLimit changes the limit. Lowering it below the balance is allowed;
// it only blocks new charges.
func (s *Service) SetCreditLimit(ctx context.Context, actor shared.Actor, id int64, limit decimal.Decimal) (Supplier, error) {
	if err := rbac.Require(actor, rbac.CapSupplierManage); err != nil {
		return Supplier{}, err
	}
	if limit.IsNegative() {
		return Supplier{}, shared.Validation(entity, id, "credit limit must not be negative")
	}
	var updated Supplier
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		sup, err := tx.GetSupplierForUpdate(ctx, id)
		if err != nil {
			return err
		}
		sup.CreditLimit = shared.Round2(limit)
		if err := tx.UpdateCreditLimit(ctx, id, sup.CreditLimit); err != nil {
			return err
		}
		updated = sup
		return nil
	})
	if err != nil {
		return Supplier{}, err
	}
	s.recordAudit(ctx, actor, "SUPPLIER_CREDIT_LIMIT", id, map[string]any{"limit": updated.CreditLimit.String()})
	return updated, nil
}

// CheckCredit fails when charging amount would exceed the credit limit.
func (s *Service) CheckCredit(ctx context.Context, tx TxRepository, supplierID int64, amount decimal.Decimal) error {
	sup, err := tx.GetSupplierForUpdate(ctx, supplierID)
	if err != nil {
		return err
	}
	return checkLimit(sup, amount)
}

// Charge increases the supplier balance inside the caller's transaction.
func (s *Service) Charge(ctx context.Context, tx TxRepository, input EntryInput) (Supplier, error) {
	if !input.Amount.IsPositive() {
		return Supplier{}, shared.Validation(entity, input.SupplierID, "charge amount must be positive")
	}
	sup, err := tx.GetSupplierForUpdate(ctx, input.SupplierID)
	if err != nil {
		return Supplier{}, err
	}
	if err := checkLimit(sup, input.Amount); err != nil {
		return Supplier{}, err
	}
	sup.Balance = shared.Round2(sup.Balance.Add(input.Amount))
	return sup, s.post(ctx, tx, sup, EntryCharge, input)
}

// Settle decreases the supplier balance inside the caller's transaction.
func (s *Service) Settle(ctx context.Context, tx TxRepository, input EntryInput) (Supplier, error) {
	if !input.Amount.IsPositive() {
		return Supplier{}, shared.Validation(entity, input.SupplierID, "settlement amount must be positive")
	}
	sup, err := tx.GetSupplierForUpdate(ctx, input.SupplierID)
	if err != nil {
		return Supplier{}, err
	}
	if input.Amount.GreaterThan(sup.Balance) {
		return Supplier{}, shared.Validation(entity, sup.ID, "settlement %s exceeds balance %s", input.Amount.StringFixed(2), sup.Balance.StringFixed(2))
	}
	sup.Balance = shared.Round2(sup.Balance.Sub(input.Amount))
	return sup, s.post(ctx, tx, sup, EntrySettlement, input)
}

func (s *Service) post(ctx context.Context, tx TxRepository, sup Supplier, kind EntryKind, input EntryInput) error {
	if err := tx.UpdateBalance(ctx, sup.ID, sup.Balance); err != nil {
		return err
	}
	return tx.InsertEntry(ctx, LedgerEntry{
		SupplierID:   sup.ID,
		Kind:         kind,
		Amount:       shared.Round2(input.Amount),
		BalanceAfter: sup.Balance,
		RefModule:    input.RefModule,
		RefID:        input.RefID,
		Note:         input.Note,
		PostedAt:     time.Now().UTC(),
	})
}

func checkLimit(sup Supplier, amount decimal.Decimal) error {
	available, limited := sup.AvailableCredit()
	if limited && amount.GreaterThan(available) {
		return shared.Validation(entity, sup.ID, "credit limit %s exceeded: balance %s, requested %s",
			sup.CreditLimit.StringFixed(2), sup.Balance.StringFixed(2), amount.StringFixed(2))
	}
	return nil
}

func (s *Service) recordAudit(ctx context.Context, actor shared.Actor, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.NewAuditLog(actor, action, entity, id, meta))
}
