package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temple-erp/temple-erp/internal/ap"
)

func postedInvoice(id, poID int64, total int64) ap.Invoice {
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	return ap.Invoice{ID: id, Number: "PINV-1", POID: poID, Status: ap.InvoiceStatusPosted, TotalAmount: decimal.NewFromInt(total), PostedAt: &at}
}

func TestPostInvoiceJournalSendsBalancedJournal(t *testing.T) {
	var received Journal
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/journals", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		assert.Equal(t, received.SourceID.String(), r.Header.Get("Idempotency-Key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"journal_id":"J-1"}`))
	}))
	defer srv.Close()

	hooks := NewHooks(NewLedgerClient(srv.URL, "secret", time.Second), AccountMap{})
	require.NoError(t, hooks.PostInvoiceJournal(context.Background(), postedInvoice(42, 9, 5000)))

	require.Equal(t, InvoiceSourceID(42), received.SourceID)
	require.Len(t, received.Lines, 2)
	require.Equal(t, DefaultAccounts.Inventory, received.Lines[0].AccountCode)
	require.True(t, received.Lines[0].Debit.Equal(decimal.NewFromInt(5000)))
	require.Equal(t, DefaultAccounts.Payable, received.Lines[1].AccountCode)
	require.True(t, received.Lines[1].Credit.Equal(decimal.NewFromInt(5000)))
}

func TestPostInvoiceJournalTreatsAlreadyLinkedAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"source_already_linked","message":"exists"}`))
	}))
	defer srv.Close()

	hooks := NewHooks(NewLedgerClient(srv.URL, "", time.Second), AccountMap{Expense: "6200"})
	require.NoError(t, hooks.PostInvoiceJournal(context.Background(), postedInvoice(1, 0, 10)))
}

func TestPostInvoiceJournalSurfacesLedgerFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":"period_locked","message":"period locked"}`))
	}))
	defer srv.Close()

	hooks := NewHooks(NewLedgerClient(srv.URL, "", time.Second), AccountMap{})
	err := hooks.PostInvoiceJournal(context.Background(), postedInvoice(1, 0, 10))
	require.ErrorContains(t, err, "period locked")
	require.EqualValues(t, 1, calls.Load())
}

func TestPostInvoiceJournalSkipsZeroAndRejectsDraft(t *testing.T) {
	hooks := NewHooks(ledgerFunc(func(context.Context, Journal) (JournalReceipt, error) {
		t.Fatal("ledger must not be called")
		return JournalReceipt{}, nil
	}), AccountMap{})

	require.NoError(t, hooks.PostInvoiceJournal(context.Background(), postedInvoice(1, 0, 0)))

	draft := postedInvoice(2, 0, 10)
	draft.Status = ap.InvoiceStatusDraft
	require.Error(t, hooks.PostInvoiceJournal(context.Background(), draft))
}

func TestJournalValidation(t *testing.T) {
	j := Journal{SourceID: InvoiceSourceID(1), Lines: []JournalLine{
		{AccountCode: "1", Debit: decimal.NewFromInt(10)},
		{AccountCode: "2", Credit: decimal.NewFromInt(9)},
	}}
	require.ErrorIs(t, j.validate(), ErrUnbalancedJournal)
	require.NotEqual(t, InvoiceSourceID(1), InvoiceSourceID(2))
}

type ledgerFunc func(context.Context, Journal) (JournalReceipt, error)

func (f ledgerFunc) PostJournal(ctx context.Context, j Journal) (JournalReceipt, error) {
	return f(ctx, j)
}
