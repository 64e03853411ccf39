package inventory

import (
	"context"
	"fmt"
	"maps"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/temple-erp/temple-erp/internal/rbac"
	"github.com/temple-erp/temple-erp/internal/shared"
)

type memoryRepo struct {
	balances map[string]Balance
	cards    []StockCardEntry
	txs      []Transaction
	nextID   int64
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{balances: make(map[string]Balance)}
}

func key(warehouseID, productID int64) string {
	return fmt.Sprintf("%d:%d", warehouseID, productID)
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	balances := maps.Clone(r.balances)
	cards := append([]StockCardEntry(nil), r.cards...)
	txs := append([]Transaction(nil), r.txs...)
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.balances, r.cards, r.txs = balances, cards, txs
		return err
	}
	return nil
}

func (r *memoryRepo) GetBalance(ctx context.Context, warehouseID, productID int64) (Balance, error) {
	bal, ok := r.balances[key(warehouseID, productID)]
	if !ok {
		return Balance{}, ErrBalanceNotFound
	}
	return bal, nil
}

func (r *memoryRepo) GetStockCard(ctx context.Context, filter StockCardFilter) ([]StockCardEntry, error) {
	return append([]StockCardEntry(nil), r.cards...), nil
}

func (tx *memoryTx) InsertTransaction(ctx context.Context, t Transaction) (int64, error) {
	tx.repo.nextID++
	t.ID = tx.repo.nextID
	tx.repo.txs = append(tx.repo.txs, t)
	return t.ID, nil
}

func (tx *memoryTx) GetBalanceForUpdate(ctx context.Context, warehouseID, productID int64) (Balance, error) {
	return tx.repo.GetBalance(ctx, warehouseID, productID)
}

func (tx *memoryTx) UpsertBalance(ctx context.Context, balance Balance) error {
	tx.repo.balances[key(balance.WarehouseID, balance.ProductID)] = balance
	return nil
}

func (tx *memoryTx) InsertCardEntry(ctx context.Context, card StockCardEntry, warehouseID, productID int64, txID int64) error {
	tx.repo.cards = append(tx.repo.cards, card)
	return nil
}

type memoryAudit struct {
	logs []shared.AuditLog
}

func (a *memoryAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

func credit(t *testing.T, svc *Service, repo *memoryRepo, qty, cost float64) {
	t.Helper()
	err := repo.WithTx(context.Background(), func(ctx context.Context, tx TxRepository) error {
		_, err := svc.CreditStock(ctx, tx, MovementInput{WarehouseID: 1, ProductID: 10, Qty: qty, UnitCost: cost, RefModule: "GRN", RefID: RefID("GRN", 1)})
		return err
	})
	require.NoError(t, err)
}

func TestCreditStockMovingAverage(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, ServiceConfig{})

	credit(t, svc, repo, 10, 100)
	credit(t, svc, repo, 10, 200)

	bal, err := svc.GetBalance(context.Background(), 1, 10)
	require.NoError(t, err)
	require.InDelta(t, 20, bal.Qty, 1e-9)
	require.InDelta(t, 150, bal.AvgCost, 1e-9)
	require.Len(t, repo.cards, 2)
	require.Equal(t, TransactionTypeIn, repo.cards[1].TxType)
}

func TestDebitStockKeepsAverageAndRejectsNegative(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, ServiceConfig{})
	credit(t, svc, repo, 5, 40)

	err := repo.WithTx(context.Background(), func(ctx context.Context, tx TxRepository) error {
		card, err := svc.DebitStock(ctx, tx, MovementInput{WarehouseID: 1, ProductID: 10, Qty: 3})
		require.NoError(t, err)
		require.InDelta(t, 3, card.QtyOut, 1e-9)
		require.InDelta(t, 40, card.UnitCost, 1e-9)
		return nil
	})
	require.NoError(t, err)

	err = repo.WithTx(context.Background(), func(ctx context.Context, tx TxRepository) error {
		_, err := svc.DebitStock(ctx, tx, MovementInput{WarehouseID: 1, ProductID: 10, Qty: 2.5})
		return err
	})
	require.ErrorIs(t, err, ErrNegativeStock)

	bal, err := svc.GetBalance(context.Background(), 1, 10)
	require.NoError(t, err)
	require.InDelta(t, 2, bal.Qty, 1e-9)
	require.Len(t, repo.cards, 2)
}

func TestDebitToZeroResetsAverage(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, ServiceConfig{})
	credit(t, svc, repo, 4, 25)

	err := repo.WithTx(context.Background(), func(ctx context.Context, tx TxRepository) error {
		_, err := svc.DebitStock(ctx, tx, MovementInput{WarehouseID: 1, ProductID: 10, Qty: 3.99995})
		return err
	})
	require.NoError(t, err)
	bal, err := svc.GetBalance(context.Background(), 1, 10)
	require.NoError(t, err)
	require.Zero(t, bal.Qty)
	require.Zero(t, bal.AvgCost)
}

func TestAllowNegativeStock(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, ServiceConfig{AllowNegativeStock: true})

	err := repo.WithTx(context.Background(), func(ctx context.Context, tx TxRepository) error {
		_, err := svc.DebitStock(ctx, tx, MovementInput{WarehouseID: 1, ProductID: 10, Qty: 2})
		return err
	})
	require.NoError(t, err)
	bal, err := svc.GetBalance(context.Background(), 1, 10)
	require.NoError(t, err)
	require.InDelta(t, -2, bal.Qty, 1e-9)
}

func TestAvailableStock(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, ServiceConfig{})

	err := repo.WithTx(context.Background(), func(ctx context.Context, tx TxRepository) error {
		qty, err := svc.AvailableStock(ctx, tx, 1, 10)
		require.NoError(t, err)
		require.Zero(t, qty)
		return nil
	})
	require.NoError(t, err)

	credit(t, svc, repo, 7, 1)
	err = repo.WithTx(context.Background(), func(ctx context.Context, tx TxRepository) error {
		qty, err := svc.AvailableStock(ctx, tx, 1, 10)
		require.NoError(t, err)
		require.InDelta(t, 7, qty, 1e-9)
		return nil
	})
	require.NoError(t, err)
}

func TestMovementValidation(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, ServiceConfig{})
	ctx := context.Background()

	err := repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		_, err := svc.CreditStock(ctx, tx, MovementInput{WarehouseID: 1, ProductID: 10, Qty: 0})
		return err
	})
	require.ErrorIs(t, err, ErrInvalidQuantity)

	err = repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		_, err := svc.CreditStock(ctx, tx, MovementInput{WarehouseID: 1, ProductID: 10, Qty: 1, UnitCost: -1})
		return err
	})
	require.ErrorIs(t, err, ErrInvalidUnitCost)

	err = repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		_, err := svc.CreditStock(ctx, tx, MovementInput{WarehouseID: 1, ProductID: 10, Qty: 1, RefID: "not-a-uuid"})
		return err
	})
	require.Error(t, err)

	_, err = svc.GetStockCard(ctx, StockCardFilter{})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestPostAdjustmentAuditsAfterCommit(t *testing.T) {
	repo := newMemoryRepo()
	audit := &memoryAudit{}
	svc := NewService(repo, audit, ServiceConfig{})
	ctx := context.Background()
	keeper := shared.Actor{ID: 4, Role: rbac.RoleStorekeeper}

	_, err := svc.PostAdjustment(ctx, shared.Actor{ID: 5, Role: rbac.RoleViewer}, AdjustmentInput{WarehouseID: 1, ProductID: 10, Qty: 1, Note: "count"})
	require.ErrorIs(t, err, shared.ErrForbidden)

	card, err := svc.PostAdjustment(ctx, keeper, AdjustmentInput{WarehouseID: 1, ProductID: 10, Qty: 6, UnitCost: 12, Note: "opening"})
	require.NoError(t, err)
	require.Equal(t, TransactionTypeAdjust, card.TxType)
	require.Len(t, audit.logs, 1)

	_, err = svc.PostAdjustment(ctx, keeper, AdjustmentInput{WarehouseID: 1, ProductID: 10, Qty: -7, Note: "shrinkage"})
	require.ErrorIs(t, err, ErrNegativeStock)
	require.Len(t, audit.logs, 1)
	require.Len(t, repo.cards, 1)
}

func TestRefIDIsStable(t *testing.T) {
	require.Equal(t, RefID("GRN", 7), RefID("GRN", 7))
	require.NotEqual(t, RefID("GRN", 7), RefID("DO", 7))
}
