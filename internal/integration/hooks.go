package integration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/temple-erp/temple-erp/internal/ap"
	"github.com/temple-erp/temple-erp/internal/shared"
)

// Ledger exposes journal posting operations required by integrations.
type Ledger interface {
	PostJournal(ctx context.Context, journal Journal) (JournalReceipt, error)
}

// Hooks translates payables documents into ledger journals.
type Hooks struct {
	ledger   Ledger
	accounts AccountMap
}

// NewHooks constructs integration hooks.
func NewHooks(ledger Ledger, accounts AccountMap) *Hooks {
	if accounts.Inventory == "" {
		accounts.Inventory = DefaultAccounts.Inventory
	}
	if accounts.Expense == "" {
		accounts.Expense = DefaultAccounts.Expense
	}
	if accounts.Payable == "" {
		accounts.Payable = DefaultAccounts.Payable
	}
	return &Hooks{ledger: ledger, accounts: accounts}
}

// InvoiceSourceID is the deterministic ledger source id of an invoice.
func InvoiceSourceID(invoiceID int64) uuid.UUID {
	return uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("PINV:%d", invoiceID)))
}

// PostInvoiceJournal posts the payable for a purchase invoice: inventory (for
// purchase-order invoices) or expense is debited and accounts payable credited.
func (h *Hooks) PostInvoiceJournal(ctx context.Context, inv ap.Invoice) error {
	if h == nil || h.ledger == nil {
		return errors.New("integration: ledger not configured")
	}
	if inv.Status != ap.InvoiceStatusPosted {
		return fmt.Errorf("integration: invoice %s is %s", inv.Number, inv.Status)
	}
	amount := shared.Round2(inv.TotalAmount)
	if !amount.IsPositive() {
		return nil
	}
	debitAccount := h.accounts.Expense
	if inv.POID != 0 {
		debitAccount = h.accounts.Inventory
	}
	date := time.Now().UTC()
	if inv.PostedAt != nil {
		date = *inv.PostedAt
	}
	journal := Journal{
		SourceModule: "PURCHASE.INVOICE",
		SourceID:     InvoiceSourceID(inv.ID),
		Date:         date,
		Memo:         fmt.Sprintf("Purchase Invoice %s", inv.Number),
		Lines: []JournalLine{
			{AccountCode: debitAccount, Debit: amount},
			{AccountCode: h.accounts.Payable, Credit: amount},
		},
	}
	return h.post(ctx, journal)
}

func (h *Hooks) post(ctx context.Context, journal Journal) error {
	if err := journal.validate(); err != nil {
		return err
	}
	_, err := h.ledger.PostJournal(ctx, journal)
	if errors.Is(err, ErrSourceAlreadyLinked) {
		return nil
	}
	return err
}

var _ ap.AccountingPort = (*Hooks)(nil)
