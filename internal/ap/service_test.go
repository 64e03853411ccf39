package ap

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/temple-erp/temple-erp/internal/rbac"
	"github.com/temple-erp/temple-erp/internal/shared"
	"github.com/temple-erp/temple-erp/internal/supplier"
)

type memoryRepo struct {
	mu        sync.Mutex
	invoices  map[int64]Invoice
	payments  map[int64]Payment
	suppliers map[int64]supplier.Supplier
	entries   []supplier.LedgerEntry
	poStatus  map[int64]PaymentStatus
	nextID    int64
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		invoices:  make(map[int64]Invoice),
		payments:  make(map[int64]Payment),
		suppliers: map[int64]supplier.Supplier{7: {ID: 7, Code: "SUP-7", Name: "Incense House"}},
		poStatus:  make(map[int64]PaymentStatus),
	}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	invoices, payments, suppliers := maps.Clone(r.invoices), maps.Clone(r.payments), maps.Clone(r.suppliers)
	entries, poStatus := append([]supplier.LedgerEntry(nil), r.entries...), maps.Clone(r.poStatus)
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.invoices, r.payments, r.suppliers, r.entries, r.poStatus = invoices, payments, suppliers, entries, poStatus
		return err
	}
	return nil
}

func (r *memoryRepo) GetInvoice(ctx context.Context, id int64) (Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invoices[id]
	if !ok {
		return Invoice{}, shared.NotFound(invoiceEntity, id)
	}
	return inv, nil
}

func (r *memoryRepo) ListInvoices(ctx context.Context, filter ListInvoicesFilter) ([]Invoice, error) {
	return r.filter(func(inv Invoice) bool { return filter.Status == "" || inv.Status == filter.Status }), nil
}

func (r *memoryRepo) ListUnmigratedInvoices(ctx context.Context) ([]Invoice, error) {
	return r.filter(func(inv Invoice) bool { return inv.Status == InvoiceStatusPosted && !inv.AccountMigration }), nil
}

func (r *memoryRepo) ListOutstandingInvoices(ctx context.Context) ([]Invoice, error) {
	return r.filter(func(inv Invoice) bool { return inv.Status == InvoiceStatusPosted && inv.BalanceAmount.IsPositive() }), nil
}

func (r *memoryRepo) filter(keep func(Invoice) bool) []Invoice {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Invoice
	for id := int64(1); id <= r.nextID; id++ {
		if inv, ok := r.invoices[id]; ok && keep(inv) {
			out = append(out, inv)
		}
	}
	return out
}

func (r *memoryRepo) GetPayment(ctx context.Context, id int64) (Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return Payment{}, shared.NotFound(paymentEntity, id)
	}
	return p, nil
}

func (r *memoryRepo) ListPayments(ctx context.Context, invoiceID int64) ([]Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paymentsOf(invoiceID), nil
}

func (r *memoryRepo) paymentsOf(invoiceID int64) []Payment {
	var out []Payment
	for id := int64(1); id <= r.nextID; id++ {
		if p, ok := r.payments[id]; ok && p.InvoiceID == invoiceID {
			out = append(out, p)
		}
	}
	return out
}

func (tx *memoryTx) InsertInvoice(ctx context.Context, inv Invoice) (int64, error) {
	if inv.POID != 0 {
		for _, existing := range tx.repo.invoices {
			if existing.POID == inv.POID {
				return 0, errors.New("duplicate po_id")
			}
		}
	}
	tx.repo.nextID++
	inv.ID = tx.repo.nextID
	tx.repo.invoices[inv.ID] = inv
	return inv.ID, nil
}

func (tx *memoryTx) InsertInvoiceLines(ctx context.Context, invoiceID int64, lines []InvoiceLine) error {
	inv := tx.repo.invoices[invoiceID]
	inv.Lines = append([]InvoiceLine(nil), lines...)
	tx.repo.invoices[invoiceID] = inv
	return nil
}

func (tx *memoryTx) GetInvoiceForUpdate(ctx context.Context, id int64) (Invoice, error) {
	inv, ok := tx.repo.invoices[id]
	if !ok {
		return Invoice{}, shared.NotFound(invoiceEntity, id)
	}
	return inv, nil
}

func (tx *memoryTx) FindInvoiceByPO(ctx context.Context, poID int64) (Invoice, bool, error) {
	for _, inv := range tx.repo.invoices {
		if inv.POID == poID {
			return inv, true, nil
		}
	}
	return Invoice{}, false, nil
}

func (tx *memoryTx) UpdateInvoice(ctx context.Context, inv Invoice) error {
	inv.Lines = tx.repo.invoices[inv.ID].Lines
	tx.repo.invoices[inv.ID] = inv
	return nil
}

func (tx *memoryTx) MarkMigrated(ctx context.Context, id int64, at time.Time) error {
	inv := tx.repo.invoices[id]
	inv.AccountMigration = true
	inv.MigratedAt = &at
	tx.repo.invoices[id] = inv
	return nil
}

func (tx *memoryTx) InsertPayment(ctx context.Context, p Payment) (int64, error) {
	tx.repo.nextID++
	p.ID = tx.repo.nextID
	tx.repo.payments[p.ID] = p
	return p.ID, nil
}

func (tx *memoryTx) GetPaymentForUpdate(ctx context.Context, id int64) (Payment, error) {
	p, ok := tx.repo.payments[id]
	if !ok {
		return Payment{}, shared.NotFound(paymentEntity, id)
	}
	return p, nil
}

func (tx *memoryTx) ListPaymentsForUpdate(ctx context.Context, invoiceID int64) ([]Payment, error) {
	return tx.repo.paymentsOf(invoiceID), nil
}

func (tx *memoryTx) UpdatePayment(ctx context.Context, p Payment) error {
	tx.repo.payments[p.ID] = p
	return nil
}

func (tx *memoryTx) SyncPurchaseOrderPaymentStatus(ctx context.Context, poID int64, status PaymentStatus) error {
	tx.repo.poStatus[poID] = status
	return nil
}

func (tx *memoryTx) Suppliers() supplier.TxRepository {
	return &memorySupplierTx{repo: tx.repo}
}

type memorySupplierTx struct {
	repo *memoryRepo
}

func (s *memorySupplierTx) CreateSupplier(ctx context.Context, sup supplier.Supplier) (int64, error) {
	return 0, errors.New("not supported")
}

func (s *memorySupplierTx) GetSupplierForUpdate(ctx context.Context, id int64) (supplier.Supplier, error) {
	sup, ok := s.repo.suppliers[id]
	if !ok {
		return supplier.Supplier{}, shared.NotFound("supplier", id)
	}
	return sup, nil
}

func (s *memorySupplierTx) UpdateBalance(ctx context.Context, id int64, balance decimal.Decimal) error {
	sup := s.repo.suppliers[id]
	sup.Balance = balance
	s.repo.suppliers[id] = sup
	return nil
}

func (s *memorySupplierTx) UpdateCreditLimit(ctx context.Context, id int64, limit decimal.Decimal) error {
	sup := s.repo.suppliers[id]
	sup.CreditLimit = limit
	s.repo.suppliers[id] = sup
	return nil
}

func (s *memorySupplierTx) InsertEntry(ctx context.Context, entry supplier.LedgerEntry) error {
	s.repo.entries = append(s.repo.entries, entry)
	return nil
}

type memoryAccounting struct {
	mu     sync.Mutex
	calls  map[int64]int
	failOn map[int64]bool
}

func newMemoryAccounting() *memoryAccounting {
	return &memoryAccounting{calls: make(map[int64]int), failOn: make(map[int64]bool)}
}

func (a *memoryAccounting) PostInvoiceJournal(ctx context.Context, inv Invoice) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls[inv.ID]++
	if a.failOn[inv.ID] {
		return fmt.Errorf("ledger rejected invoice %s", inv.Number)
	}
	return nil
}

type memoryIdempotency struct {
	keys map[string]bool
}

func (m *memoryIdempotency) CheckAndInsert(ctx context.Context, key, module string) error {
	if m.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = true
	return nil
}

func (m *memoryIdempotency) Delete(ctx context.Context, key string) error {
	delete(m.keys, key)
	return nil
}

var (
	accountant = shared.Actor{ID: 11, Role: rbac.RoleAccountant}
	d          = decimal.NewFromInt
)

func newService(repo *memoryRepo, policy ApprovalPolicy) *Service {
	return NewService(repo, supplier.NewService(nil, nil), nil, ServiceConfig{Policy: policy, MigrationConcurrency: 3})
}

func issue(t *testing.T, svc *Service, repo *memoryRepo, poID int64, total int64) Invoice {
	t.Helper()
	var inv Invoice
	err := repo.WithTx(context.Background(), func(ctx context.Context, tx TxRepository) error {
		var err error
		inv, _, err = svc.IssueForPurchaseOrder(ctx, tx, POSnapshot{POID: poID, Number: fmt.Sprintf("PO-%d", poID), SupplierID: 7, Total: d(total)})
		return err
	})
	require.NoError(t, err)
	return inv
}

func requireInvoice(t *testing.T, inv Invoice, paid, balance int64, status PaymentStatus) {
	t.Helper()
	require.True(t, inv.PaidAmount.Equal(d(paid)), "paid %s", inv.PaidAmount)
	require.True(t, inv.BalanceAmount.Equal(d(balance)), "balance %s", inv.BalanceAmount)
	require.True(t, inv.BalanceAmount.Equal(inv.TotalAmount.Sub(inv.PaidAmount)))
	require.Equal(t, status, inv.PaymentStatus)
}

func TestApprovedPaymentsSettleInvoice(t *testing.T) {
	repo := newMemoryRepo()
	svc := newService(repo, ThresholdPolicy(true, decimal.Zero))
	ctx := context.Background()

	inv := issue(t, svc, repo, 100, 5000)
	require.Equal(t, InvoiceStatusPosted, inv.Status)
	requireInvoice(t, inv, 0, 5000, PaymentStatusUnpaid)

	first, err := svc.RecordPayment(ctx, accountant, PaymentInput{InvoiceID: inv.ID, Amount: d(2000), PaymentModeID: 1})
	require.NoError(t, err)
	require.Equal(t, PaymentPending, first.Status)
	got, err := svc.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	requireInvoice(t, got, 0, 5000, PaymentStatusUnpaid)

	_, err = svc.ApprovePayment(ctx, accountant, first.ID, true, "ok")
	require.NoError(t, err)
	got, _ = svc.GetInvoice(ctx, inv.ID)
	requireInvoice(t, got, 2000, 3000, PaymentStatusPartial)
	require.Equal(t, PaymentStatusPartial, repo.poStatus[100])

	second, err := svc.RecordPayment(ctx, accountant, PaymentInput{InvoiceID: inv.ID, Amount: d(3000), PaymentModeID: 1})
	require.NoError(t, err)
	approved, err := svc.ApprovePayment(ctx, accountant, second.ID, true, "")
	require.NoError(t, err)
	require.Equal(t, PaymentCompleted, approved.Status)
	require.Equal(t, accountant.ID, approved.ApproverID)
	require.NotNil(t, approved.ApprovalTime)

	got, _ = svc.GetInvoice(ctx, inv.ID)
	requireInvoice(t, got, 5000, 0, PaymentStatusPaid)
	require.Equal(t, PaymentStatusPaid, repo.poStatus[100])
	require.True(t, repo.suppliers[7].Balance.IsZero())

	_, err = svc.ApprovePayment(ctx, accountant, second.ID, true, "")
	require.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestIssueForPurchaseOrderIsIdempotent(t *testing.T) {
	repo := newMemoryRepo()
	svc := newService(repo, nil)

	first := issue(t, svc, repo, 200, 1200)
	var created bool
	err := repo.WithTx(context.Background(), func(ctx context.Context, tx TxRepository) error {
		inv, c, err := svc.IssueForPurchaseOrder(ctx, tx, POSnapshot{POID: 200, SupplierID: 7, Total: d(9999)})
		require.Equal(t, first.ID, inv.ID)
		created = c
		return err
	})
	require.NoError(t, err)
	require.False(t, created)
	require.Len(t, repo.invoices, 1)
	require.True(t, repo.suppliers[7].Balance.Equal(d(1200)))
	require.Len(t, repo.entries, 1)
}

func TestRecordPaymentRejectsOverBalanceWithoutMutation(t *testing.T) {
	repo := newMemoryRepo()
	svc := newService(repo, nil)
	ctx := context.Background()
	inv := issue(t, svc, repo, 300, 1000)

	_, err := svc.RecordPayment(ctx, accountant, PaymentInput{InvoiceID: inv.ID, Amount: d(1001), PaymentModeID: 1})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = svc.RecordPayment(ctx, accountant, PaymentInput{InvoiceID: inv.ID, Amount: decimal.Zero, PaymentModeID: 1})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = svc.RecordPayment(ctx, accountant, PaymentInput{InvoiceID: inv.ID, Amount: d(-5), PaymentModeID: 1})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = svc.RecordPayment(ctx, accountant, PaymentInput{InvoiceID: inv.ID, Amount: decimal.RequireFromString("0.004"), PaymentModeID: 1})
	require.ErrorIs(t, err, shared.ErrValidation)

	got, _ := svc.GetInvoice(ctx, inv.ID)
	requireInvoice(t, got, 0, 1000, PaymentStatusUnpaid)
	require.Empty(t, repo.payments)

	done, err := svc.RecordPayment(ctx, accountant, PaymentInput{InvoiceID: inv.ID, Amount: d(1000), PaymentModeID: 1})
	require.NoError(t, err)
	require.Equal(t, PaymentCompleted, done.Status)
	got, _ = svc.GetInvoice(ctx, inv.ID)
	requireInvoice(t, got, 1000, 0, PaymentStatusPaid)
}

func TestRecordPaymentRequiresPostedInvoice(t *testing.T) {
	repo := newMemoryRepo()
	svc := newService(repo, nil)
	ctx := context.Background()

	draft, err := svc.CreateInvoice(ctx, accountant, CreateInvoiceInput{
		SupplierID: 7,
		Lines:      []InvoiceLineInput{{Description: "Camphor", Qty: 4, UnitPrice: d(25), TaxAmount: d(10), DiscountAmount: d(5)}},
	})
	require.NoError(t, err)
	require.True(t, draft.TotalAmount.Equal(d(105)))

	_, err = svc.RecordPayment(ctx, accountant, PaymentInput{InvoiceID: draft.ID, Amount: d(10), PaymentModeID: 1})
	require.ErrorIs(t, err, shared.ErrInvalidState)

	posted, err := svc.PostInvoice(ctx, accountant, draft.ID)
	require.NoError(t, err)
	require.Equal(t, InvoiceStatusPosted, posted.Status)
	require.True(t, repo.suppliers[7].Balance.Equal(d(105)))

	_, err = svc.PostInvoice(ctx, accountant, draft.ID)
	require.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestRejectedPaymentHasNoInvoiceEffect(t *testing.T) {
	repo := newMemoryRepo()
	svc := newService(repo, ThresholdPolicy(false, d(500)))
	ctx := context.Background()
	inv := issue(t, svc, repo, 400, 800)

	small, err := svc.RecordPayment(ctx, accountant, PaymentInput{InvoiceID: inv.ID, Amount: d(100), PaymentModeID: 1})
	require.NoError(t, err)
	require.Equal(t, PaymentCompleted, small.Status)

	big, err := svc.RecordPayment(ctx, accountant, PaymentInput{InvoiceID: inv.ID, Amount: d(600), PaymentModeID: 1})
	require.NoError(t, err)
	require.Equal(t, PaymentPending, big.Status)

	rejected, err := svc.ApprovePayment(ctx, accountant, big.ID, false, "wrong account")
	require.NoError(t, err)
	require.Equal(t, PaymentFailed, rejected.Status)
	require.Equal(t, "wrong account", rejected.ApprovalNotes)

	got, _ := svc.GetInvoice(ctx, inv.ID)
	requireInvoice(t, got, 100, 700, PaymentStatusPartial)

	_, err = svc.ApprovePayment(ctx, accountant, big.ID, true, "")
	require.ErrorIs(t, err, shared.ErrInvalidState)
	_, err = svc.CancelPayment(ctx, accountant, big.ID, "late")
	require.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestApprovalRechecksCurrentBalance(t *testing.T) {
	repo := newMemoryRepo()
	svc := newService(repo, ThresholdPolicy(true, decimal.Zero))
	ctx := context.Background()
	inv := issue(t, svc, repo, 500, 5000)

	a, err := svc.RecordPayment(ctx, accountant, PaymentInput{InvoiceID: inv.ID, Amount: d(3000), PaymentModeID: 1})
	require.NoError(t, err)
	b, err := svc.RecordPayment(ctx, accountant, PaymentInput{InvoiceID: inv.ID, Amount: d(3000), PaymentModeID: 1})
	require.NoError(t, err)

	_, err = svc.ApprovePayment(ctx, accountant, a.ID, true, "")
	require.NoError(t, err)
	_, err = svc.ApprovePayment(ctx, accountant, b.ID, true, "")
	require.ErrorIs(t, err, shared.ErrValidation)

	still, err := svc.GetPayment(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, PaymentPending, still.Status)

	cancelled, err := svc.CancelPayment(ctx, accountant, b.ID, "duplicate")
	require.NoError(t, err)
	require.Equal(t, PaymentCancelled, cancelled.Status)

	got, _ := svc.GetInvoice(ctx, inv.ID)
	requireInvoice(t, got, 3000, 2000, PaymentStatusPartial)
}

func TestPaymentIdempotencyKey(t *testing.T) {
	repo := newMemoryRepo()
	svc := newService(repo, nil)
	store := &memoryIdempotency{keys: map[string]bool{}}
	svc.SetIdempotency(store)
	ctx := context.Background()
	inv := issue(t, svc, repo, 600, 1000)

	_, err := svc.RecordPayment(ctx, accountant, PaymentInput{InvoiceID: inv.ID, Amount: d(400), PaymentModeID: 1, IdempotencyKey: "k1"})
	require.NoError(t, err)
	_, err = svc.RecordPayment(ctx, accountant, PaymentInput{InvoiceID: inv.ID, Amount: d(400), PaymentModeID: 1, IdempotencyKey: "k1"})
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)

	_, err = svc.RecordPayment(ctx, accountant, PaymentInput{InvoiceID: inv.ID, Amount: d(5000), PaymentModeID: 1, IdempotencyKey: "k2"})
	require.ErrorIs(t, err, shared.ErrValidation)
	require.False(t, store.keys["ap.payment:k2"])

	got, _ := svc.GetInvoice(ctx, inv.ID)
	requireInvoice(t, got, 400, 600, PaymentStatusPartial)
}

func TestCancelInvoice(t *testing.T) {
	repo := newMemoryRepo()
	svc := newService(repo, ThresholdPolicy(true, decimal.Zero))
	ctx := context.Background()
	inv := issue(t, svc, repo, 700, 900)

	pending, err := svc.RecordPayment(ctx, accountant, PaymentInput{InvoiceID: inv.ID, Amount: d(100), PaymentModeID: 1})
	require.NoError(t, err)

	_, err = svc.CancelInvoice(ctx, accountant, inv.ID, "")
	require.ErrorIs(t, err, shared.ErrValidation)

	cancelled, err := svc.CancelInvoice(ctx, accountant, inv.ID, "supplier withdrew")
	require.NoError(t, err)
	require.Equal(t, InvoiceStatusCancelled, cancelled.Status)
	require.True(t, repo.suppliers[7].Balance.IsZero())

	p, _ := svc.GetPayment(ctx, pending.ID)
	require.Equal(t, PaymentCancelled, p.Status)

	_, err = svc.CancelInvoice(ctx, accountant, inv.ID, "again")
	require.ErrorIs(t, err, shared.ErrInvalidState)

	paid := issue(t, svc, repo, 701, 300)
	pay, err := svc.RecordPayment(ctx, accountant, PaymentInput{InvoiceID: paid.ID, Amount: d(300), PaymentModeID: 1})
	require.NoError(t, err)
	_, err = svc.ApprovePayment(ctx, accountant, pay.ID, true, "")
	require.NoError(t, err)
	_, err = svc.CancelInvoice(ctx, accountant, paid.ID, "too late")
	require.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestRecordPaymentRejectsSubCentAmountPendingApproval(t *testing.T) {
	repo := newMemoryRepo()
	svc := newService(repo, ThresholdPolicy(true, decimal.Zero))
	ctx := context.Background()
	inv := issue(t, svc, repo, 310, 1000)

	_, err := svc.RecordPayment(ctx, accountant, PaymentInput{InvoiceID: inv.ID, Amount: decimal.RequireFromString("0.004"), PaymentModeID: 1})
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Empty(t, repo.payments)

	// 0.005 rounds half up to one cent
	pending, err := svc.RecordPayment(ctx, accountant, PaymentInput{InvoiceID: inv.ID, Amount: decimal.RequireFromString("0.005"), PaymentModeID: 1})
	require.NoError(t, err)
	require.Equal(t, PaymentPending, pending.Status)
	require.True(t, pending.Amount.Equal(decimal.RequireFromString("0.01")))
}

func TestCancelMigratedInvoiceFails(t *testing.T) {
	repo := newMemoryRepo()
	svc := newService(repo, ThresholdPolicy(true, decimal.Zero))
	svc.SetAccounting(newMemoryAccounting())
	ctx := context.Background()
	inv := issue(t, svc, repo, 720, 500)

	pending, err := svc.RecordPayment(ctx, accountant, PaymentInput{InvoiceID: inv.ID, Amount: d(100), PaymentModeID: 1})
	require.NoError(t, err)
	_, err = svc.MigrateToAccounting(ctx, shared.System, inv.ID)
	require.NoError(t, err)

	_, err = svc.CancelInvoice(ctx, accountant, inv.ID, "supplier withdrew")
	require.ErrorIs(t, err, shared.ErrInvalidState)

	err = repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		_, _, err := svc.CancelForPurchaseOrder(ctx, tx, 720, "purchase order cancelled")
		return err
	})
	require.ErrorIs(t, err, shared.ErrInvalidState)

	got, _ := svc.GetInvoice(ctx, inv.ID)
	require.Equal(t, InvoiceStatusPosted, got.Status)
	require.True(t, got.AccountMigration)
	p, _ := svc.GetPayment(ctx, pending.ID)
	require.Equal(t, PaymentPending, p.Status)
	require.True(t, repo.suppliers[7].Balance.Equal(d(500)))
}

func TestMigrateToAccounting(t *testing.T) {
	repo := newMemoryRepo()
	svc := newService(repo, nil)
	acct := newMemoryAccounting()
	ctx := context.Background()
	system := shared.System

	inv := issue(t, svc, repo, 800, 450)
	_, err := svc.MigrateToAccounting(ctx, system, inv.ID)
	require.ErrorIs(t, err, shared.ErrExternal)

	svc.SetAccounting(acct)
	migrated, err := svc.MigrateToAccounting(ctx, system, inv.ID)
	require.NoError(t, err)
	require.True(t, migrated.AccountMigration)
	require.NotNil(t, migrated.MigratedAt)
	firstAt := *migrated.MigratedAt

	again, err := svc.MigrateToAccounting(ctx, system, inv.ID)
	require.NoError(t, err)
	require.Equal(t, firstAt, *again.MigratedAt)
	require.Equal(t, 1, acct.calls[inv.ID])

	draft, err := svc.CreateInvoice(ctx, accountant, CreateInvoiceInput{SupplierID: 7, Lines: []InvoiceLineInput{{Description: "Ghee", Qty: 1, UnitPrice: d(10)}}})
	require.NoError(t, err)
	_, err = svc.MigrateToAccounting(ctx, system, draft.ID)
	require.ErrorIs(t, err, shared.ErrInvalidState)

	_, err = svc.MigrateToAccounting(ctx, shared.Actor{ID: 3, Role: rbac.RoleViewer}, inv.ID)
	require.ErrorIs(t, err, shared.ErrForbidden)
}

func TestRetryFailedMigrationsSummary(t *testing.T) {
	repo := newMemoryRepo()
	svc := newService(repo, nil)
	acct := newMemoryAccounting()
	svc.SetAccounting(acct)
	ctx := context.Background()

	var ids []int64
	for i := int64(1); i <= 5; i++ {
		ids = append(ids, issue(t, svc, repo, 900+i, 100*i).ID)
	}
	acct.failOn[ids[1]] = true
	acct.failOn[ids[3]] = true

	summary, err := svc.RetryFailedMigrations(ctx, shared.System)
	require.NoError(t, err)
	require.Equal(t, 5, summary.Total)
	require.Equal(t, 3, summary.Success)
	require.Equal(t, 2, summary.Failed)
	require.Len(t, summary.Failures, 2)
	require.Equal(t, ids[1], summary.Failures[0].InvoiceID)
	require.Equal(t, ids[3], summary.Failures[1].InvoiceID)

	for i, id := range ids {
		inv, err := svc.GetInvoice(ctx, id)
		require.NoError(t, err)
		require.Equal(t, i != 1 && i != 3, inv.AccountMigration, "invoice %d", id)
	}

	acct.failOn = map[int64]bool{}
	summary, err = svc.RetryFailedMigrations(ctx, shared.System)
	require.NoError(t, err)
	require.Equal(t, MigrationSummary{Total: 2, Success: 2, Failed: 0, Failures: []MigrationFailure{}}, summary)
}

func TestCalculateAging(t *testing.T) {
	repo := newMemoryRepo()
	svc := newService(repo, nil)
	ctx := context.Background()
	asOf := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)

	for i, due := range []time.Time{asOf.AddDate(0, 0, 5), asOf.AddDate(0, 0, -10), asOf.AddDate(0, 0, -45), asOf.AddDate(0, 0, -200)} {
		err := repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			_, _, err := svc.IssueForPurchaseOrder(ctx, tx, POSnapshot{POID: int64(i + 1), SupplierID: 7, Total: d(100), DueDate: due})
			return err
		})
		require.NoError(t, err)
	}
	bucket, err := svc.CalculateAging(ctx, asOf)
	require.NoError(t, err)
	require.True(t, bucket.Current.Equal(d(100)))
	require.True(t, bucket.Bucket30.Equal(d(100)))
	require.True(t, bucket.Bucket60.Equal(d(100)))
	require.True(t, bucket.Bucket90.IsZero())
	require.True(t, bucket.Bucket120.Equal(d(100)))
}

func TestDerivePaymentStatusAndLabels(t *testing.T) {
	cases := []struct {
		total, paid int64
		want        PaymentStatus
	}{
		{5000, 0, PaymentStatusUnpaid},
		{5000, 1, PaymentStatusPartial},
		{5000, 4999, PaymentStatusPartial},
		{5000, 5000, PaymentStatusPaid},
		{0, 0, PaymentStatusPaid},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, DerivePaymentStatus(d(tc.total), d(tc.paid)), "%d/%d", tc.paid, tc.total)
	}
	require.Equal(t, "Partially Paid", PaymentStatusPartial.Label())
	require.Equal(t, "Awaiting Approval", PaymentPending.Label())
	require.Equal(t, "Posted", InvoiceStatusPosted.Label())
	require.Equal(t, "UNKNOWN", PaymentState("UNKNOWN").Label())
}
