package supplier

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/temple-erp/temple-erp/internal/shared"
)

// EntryKind distinguishes ledger movements.
type EntryKind string

const (
	// EntryCharge increases the amount owed to the supplier.
	EntryCharge EntryKind = "CHARGE"
	// EntrySettlement decreases the amount owed.
	EntrySettlement EntryKind = "SETTLEMENT"
)

// Supplier carries the ledger header: credit limit and running balance.
// A zero credit limit means unlimited.
type Supplier struct {
	ID          int64
	Code        string
	Name        string
	Email       string
	CreditLimit decimal.Decimal
	Balance     decimal.Decimal
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AvailableCredit returns the unused part of the limit, or false when unlimited.
func (s Supplier) AvailableCredit() (decimal.Decimal, bool) {
	if !s.CreditLimit.IsPositive() {
		return decimal.Zero, false
	}
	return s.CreditLimit.Sub(s.Balance), true
}

// LedgerEntry is one movement on the supplier balance.
type LedgerEntry struct {
	ID           int64
	SupplierID   int64
	Kind         EntryKind
	Amount       decimal.Decimal
	BalanceAfter decimal.Decimal
	RefModule    string
	RefID        int64
	Note         string
	PostedAt     time.Time
}

// EntryInput describes a charge or settlement.
type EntryInput struct {
	SupplierID int64
	Amount     decimal.Decimal
	RefModule  string
	RefID      int64
	Note       string
}

// CreateInput describes a new supplier.
type CreateInput struct {
	Code        string          `json:"code" validate:"required,max=32"`
	Name        string          `json:"name" validate:"required,max=200"`
	Email       string          `json:"email" validate:"omitempty,email"`
	CreditLimit decimal.Decimal `json:"credit_limit"`
}

const entity = "supplier"

var (
	// ErrNotFound indicates record missing.
	ErrNotFound = shared.ErrNotFound
	// ErrValidation indicates invalid input.
	ErrValidation = shared.ErrValidation
)
