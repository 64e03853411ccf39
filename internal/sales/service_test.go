package sales

import (
	"context"
	"maps"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/temple-erp/temple-erp/internal/platform/db"
	"github.com/temple-erp/temple-erp/internal/rbac"
	"github.com/temple-erp/temple-erp/internal/shared"
)

type memoryRepo struct {
	mu     sync.Mutex
	orders map[int64]SalesOrder
	seq    int64
	nextID int64
}

type memoryTx struct {
	r *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{orders: make(map[int64]SalesOrder)}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	orders, seq := maps.Clone(r.orders), r.seq
	if err := fn(ctx, &memoryTx{r: r}); err != nil {
		r.orders, r.seq = orders, seq
		return err
	}
	return nil
}

func (r *memoryRepo) GetOrder(ctx context.Context, id int64) (SalesOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return (&memoryTx{r: r}).GetOrderForUpdate(ctx, id)
}

func (r *memoryRepo) ListOrders(ctx context.Context, filter ListFilter) ([]SalesOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []SalesOrder
	for _, id := range slices.Sorted(maps.Keys(r.orders)) {
		if filter.Status == "" || r.orders[id].Status == filter.Status {
			out = append(out, r.orders[id])
		}
	}
	return out, nil
}

func (tx *memoryTx) NextNumber(ctx context.Context, tenantID int64, prefix string) (string, error) {
	tx.r.seq++
	return db.FormatNumber(prefix, tx.r.seq, fixedNow), nil
}

func (tx *memoryTx) InsertOrder(ctx context.Context, o SalesOrder) (int64, error) {
	tx.r.nextID++
	o.ID, o.Items = tx.r.nextID, nil
	tx.r.orders[o.ID] = o
	return o.ID, nil
}

func (tx *memoryTx) InsertItems(ctx context.Context, orderID int64, items []Item) ([]Item, error) {
	o := tx.r.orders[orderID]
	out := make([]Item, 0, len(items))
	for _, it := range items {
		tx.r.nextID++
		it.ID, it.SalesOrderID = tx.r.nextID, orderID
		out = append(out, it)
	}
	o.Items = append(slices.Clone(o.Items), out...)
	tx.r.orders[orderID] = o
	return out, nil
}

func (tx *memoryTx) GetOrderForUpdate(ctx context.Context, id int64) (SalesOrder, error) {
	o, ok := tx.r.orders[id]
	if !ok {
		return SalesOrder{}, shared.NotFound(orderEntity, id)
	}
	o.Items = slices.Clone(o.Items)
	return o, nil
}

func (tx *memoryTx) UpdateOrder(ctx context.Context, o SalesOrder) error {
	o.Items = tx.r.orders[o.ID].Items
	tx.r.orders[o.ID] = o
	return nil
}

func (tx *memoryTx) UpdateItemQty(ctx context.Context, it Item) error {
	o := tx.r.orders[it.SalesOrderID]
	o.Items = slices.Clone(o.Items)
	for i := range o.Items {
		if o.Items[i].ID == it.ID {
			o.Items[i].DeliveredQty = it.DeliveredQty
			o.Items[i].RemainingQty = it.RemainingQty
			tx.r.orders[o.ID] = o
			return nil
		}
	}
	return shared.NotFound(itemEntity, it.ID)
}

var seller = shared.Actor{ID: 3, Role: rbac.RoleSales}

func confirmedOrder(t *testing.T, svc *Service) SalesOrder {
	t.Helper()
	ctx := context.Background()
	order, err := svc.CreateSalesOrder(ctx, seller, CreateInput{
		CustomerName: "Keluarga Wijaya",
		Items: []ItemInput{
			{Kind: ItemKindPackage, ProductID: 10, Description: "Paket sembahyang", StockTracked: true, Qty: 5},
			{Kind: ItemKindAddon, Description: "Doa keluarga", Qty: 1},
		},
	})
	require.NoError(t, err)
	order, err = svc.ConfirmSalesOrder(ctx, seller, order.ID)
	require.NoError(t, err)
	return order
}

func TestCreateSalesOrderValidates(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil)
	ctx := context.Background()

	_, err := svc.CreateSalesOrder(ctx, seller, CreateInput{CustomerName: " "})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.CreateSalesOrder(ctx, seller, CreateInput{CustomerName: "A", Items: []ItemInput{{Kind: ItemKindPackage, StockTracked: true, Qty: 1}}})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.CreateSalesOrder(ctx, seller, CreateInput{CustomerName: "A", Items: []ItemInput{{Kind: "GIFT", Qty: 1}}})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.CreateSalesOrder(ctx, shared.Actor{ID: 1, Role: rbac.RoleStorekeeper}, CreateInput{CustomerName: "A"})
	require.ErrorIs(t, err, shared.ErrForbidden)
}

func TestConfirmSalesOrder(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil)
	order := confirmedOrder(t, svc)
	require.Equal(t, OrderStatusConfirmed, order.Status)
	require.NotNil(t, order.ConfirmedAt)
	require.Equal(t, "SO-"+fixedNow.Format("200601")+"-00001", order.Number)

	_, err := svc.ConfirmSalesOrder(context.Background(), seller, order.ID)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestRecordDeliveryTracksRemaining(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	order := confirmedOrder(t, svc)
	pkg, addon := order.Items[0], order.Items[1]
	ctx := context.Background()

	err := repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		it, err := svc.RecordDelivery(ctx, tx, order.ID, pkg.ID, 3)
		require.NoError(t, err)
		require.InDelta(t, 2, it.RemainingQty, shared.QtyEpsilon)
		return nil
	})
	require.NoError(t, err)

	err = repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		_, err := svc.RecordDelivery(ctx, tx, order.ID, pkg.ID, 2.5)
		return err
	})
	require.ErrorIs(t, err, ErrValidation)

	got, err := svc.GetSalesOrder(ctx, order.ID)
	require.NoError(t, err)
	require.InDelta(t, 3, got.Items[0].DeliveredQty, shared.QtyEpsilon)
	require.Equal(t, OrderStatusConfirmed, got.Status)

	err = repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := svc.RecordDelivery(ctx, tx, order.ID, pkg.ID, 2); err != nil {
			return err
		}
		_, err := svc.RecordDelivery(ctx, tx, order.ID, addon.ID, 1)
		return err
	})
	require.NoError(t, err)
	got, _ = svc.GetSalesOrder(ctx, order.ID)
	require.Equal(t, OrderStatusCompleted, got.Status)
	require.Zero(t, got.Items[0].RemainingQty)
}

func TestReverseDeliveryReopensOrder(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	order := confirmedOrder(t, svc)
	ctx := context.Background()

	require.NoError(t, repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, it := range order.Items {
			if _, err := svc.RecordDelivery(ctx, tx, order.ID, it.ID, it.OrderedQty); err != nil {
				return err
			}
		}
		return nil
	}))

	err := repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		_, err := svc.ReverseDelivery(ctx, tx, order.ID, order.Items[0].ID, 6)
		return err
	})
	require.ErrorIs(t, err, ErrValidation)

	require.NoError(t, repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		it, err := svc.ReverseDelivery(ctx, tx, order.ID, order.Items[0].ID, 2)
		require.NoError(t, err)
		require.InDelta(t, 2, it.RemainingQty, shared.QtyEpsilon)
		return nil
	}))
	got, _ := svc.GetSalesOrder(ctx, order.ID)
	require.Equal(t, OrderStatusConfirmed, got.Status)
}

func TestRecordDeliveryRequiresConfirmedOrder(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()
	order, err := svc.CreateSalesOrder(ctx, seller, CreateInput{CustomerName: "B", Items: []ItemInput{{Kind: ItemKindAddon, Qty: 1}}})
	require.NoError(t, err)

	err = repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		_, err := svc.RecordDelivery(ctx, tx, order.ID, order.Items[0].ID, 1)
		return err
	})
	require.ErrorIs(t, err, ErrInvalidState)

	err = repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		_, err := svc.OrderForDelivery(ctx, tx, order.ID)
		return err
	})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestCancelSalesOrder(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()

	_, err := svc.CancelSalesOrder(ctx, seller, 1, "")
	require.ErrorIs(t, err, ErrValidation)

	delivered := confirmedOrder(t, svc)
	require.NoError(t, repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		_, err := svc.RecordDelivery(ctx, tx, delivered.ID, delivered.Items[0].ID, 1)
		return err
	}))
	_, err = svc.CancelSalesOrder(ctx, seller, delivered.ID, "customer moved the ceremony")
	require.ErrorIs(t, err, ErrInvalidState)

	fresh := confirmedOrder(t, svc)
	cancelled, err := svc.CancelSalesOrder(ctx, seller, fresh.ID, "customer moved the ceremony")
	require.NoError(t, err)
	require.Equal(t, OrderStatusCancelled, cancelled.Status)
	require.Equal(t, "Cancelled", cancelled.Status.Label())
}
