package integration

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// JournalLine is one side of a journal posting, keyed by account code.
type JournalLine struct {
	AccountCode string          `json:"account_code"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
}

// Journal is the posting sent to the external ledger.
type Journal struct {
	SourceModule string        `json:"source_module"`
	SourceID     uuid.UUID     `json:"source_id"`
	Date         time.Time     `json:"date"`
	Memo         string        `json:"memo"`
	Lines        []JournalLine `json:"lines"`
}

// JournalReceipt is the ledger's acknowledgement.
type JournalReceipt struct {
	JournalID string `json:"journal_id"`
}

// AccountMap names the ledger accounts used by payables postings.
type AccountMap struct {
	Inventory string
	Expense   string
	Payable   string
}

// DefaultAccounts is used when no mapping is configured.
var DefaultAccounts = AccountMap{Inventory: "1400", Expense: "6100", Payable: "2100"}

var (
	// ErrSourceAlreadyLinked is returned by the ledger when the source id was
	// already posted.
	ErrSourceAlreadyLinked = errors.New("integration: source already linked")
	// ErrUnbalancedJournal indicates debits and credits differ.
	ErrUnbalancedJournal = errors.New("integration: journal not balanced")
)

func (j Journal) validate() error {
	if j.SourceID == uuid.Nil {
		return errors.New("integration: source id required")
	}
	if len(j.Lines) < 2 {
		return errors.New("integration: journal needs at least two lines")
	}
	debit, credit := decimal.Zero, decimal.Zero
	for _, l := range j.Lines {
		if l.AccountCode == "" {
			return errors.New("integration: account code required")
		}
		debit = debit.Add(l.Debit)
		credit = credit.Add(l.Credit)
	}
	if !debit.Equal(credit) {
		return ErrUnbalancedJournal
	}
	return nil
}
