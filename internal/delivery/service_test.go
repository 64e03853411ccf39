package delivery

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/temple-erp/temple-erp/internal/inventory"
	"github.com/temple-erp/temple-erp/internal/platform/db"
	"github.com/temple-erp/temple-erp/internal/rbac"
	"github.com/temple-erp/temple-erp/internal/sales"
	"github.com/temple-erp/temple-erp/internal/shared"
)

type memoryRepo struct {
	mu     sync.Mutex
	dos    map[int64]DeliveryOrder
	orders map[int64]sales.SalesOrder
	stock  map[int64]float64
	seq    int64
	nextID int64
}

type memoryTx struct {
	r *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		dos:    make(map[int64]DeliveryOrder),
		orders: make(map[int64]sales.SalesOrder),
		stock:  make(map[int64]float64),
		nextID: 100,
	}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	dos, orders, stock, seq := maps.Clone(r.dos), maps.Clone(r.orders), maps.Clone(r.stock), r.seq
	if err := fn(ctx, &memoryTx{r: r}); err != nil {
		r.dos, r.orders, r.stock, r.seq = dos, orders, stock, seq
		return err
	}
	return nil
}

func (r *memoryRepo) GetDeliveryOrder(ctx context.Context, id int64) (DeliveryOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return (&memoryTx{r: r}).GetDeliveryOrderForUpdate(ctx, id)
}

func (r *memoryRepo) ListDeliveryOrders(ctx context.Context, filter ListFilter) ([]DeliveryOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []DeliveryOrder
	for _, id := range slices.Sorted(maps.Keys(r.dos)) {
		do := r.dos[id]
		if filter.SalesOrderID != 0 && do.SalesOrderID != filter.SalesOrderID {
			continue
		}
		if filter.Status != "" && do.Status != filter.Status {
			continue
		}
		out = append(out, do)
	}
	return out, nil
}

func (tx *memoryTx) NextNumber(ctx context.Context, tenantID int64, prefix string) (string, error) {
	tx.r.seq++
	return db.FormatNumber(prefix, tx.r.seq, fixedNow), nil
}

func (tx *memoryTx) InsertDeliveryOrder(ctx context.Context, do DeliveryOrder) (int64, error) {
	tx.r.nextID++
	do.ID, do.Items = tx.r.nextID, nil
	tx.r.dos[do.ID] = do
	return do.ID, nil
}

func (tx *memoryTx) InsertItems(ctx context.Context, doID int64, items []Item) ([]Item, error) {
	do := tx.r.dos[doID]
	out := make([]Item, 0, len(items))
	for _, it := range items {
		tx.r.nextID++
		it.ID, it.DeliveryOrderID = tx.r.nextID, doID
		out = append(out, it)
	}
	do.Items = append(slices.Clone(do.Items), out...)
	tx.r.dos[doID] = do
	return out, nil
}

func (tx *memoryTx) GetDeliveryOrderForUpdate(ctx context.Context, id int64) (DeliveryOrder, error) {
	do, ok := tx.r.dos[id]
	if !ok {
		return DeliveryOrder{}, shared.NotFound(doEntity, id)
	}
	do.Items = slices.Clone(do.Items)
	return do, nil
}

func (tx *memoryTx) UpdateDeliveryOrder(ctx context.Context, do DeliveryOrder) error {
	do.Items = tx.r.dos[do.ID].Items
	tx.r.dos[do.ID] = do
	return nil
}

func (tx *memoryTx) UpdateItems(ctx context.Context, items []Item) error {
	for _, it := range items {
		do := tx.r.dos[it.DeliveryOrderID]
		do.Items = slices.Clone(do.Items)
		for i := range do.Items {
			if do.Items[i].ID == it.ID {
				do.Items[i] = it
			}
		}
		tx.r.dos[do.ID] = do
	}
	return nil
}

func (tx *memoryTx) DeleteDeliveryOrder(ctx context.Context, id int64) error {
	delete(tx.r.dos, id)
	return nil
}

func (tx *memoryTx) Sales() sales.TxRepository { return nil }

func (tx *memoryTx) Inventory() inventory.TxRepository { return nil }

// fakeSales books deliveries on the orders held by memoryRepo.
type fakeSales struct {
	r *memoryRepo
}

func (f *fakeSales) OrderForDelivery(ctx context.Context, _ sales.TxRepository, id int64) (sales.SalesOrder, error) {
	order, ok := f.r.orders[id]
	if !ok {
		return sales.SalesOrder{}, shared.NotFound("sales_order", id)
	}
	if order.Status != sales.OrderStatusConfirmed {
		return sales.SalesOrder{}, shared.InvalidState("sales_order", id, "not confirmed")
	}
	order.Items = slices.Clone(order.Items)
	return order, nil
}

func (f *fakeSales) RecordDelivery(ctx context.Context, _ sales.TxRepository, orderID, itemID int64, qty float64) (sales.Item, error) {
	return f.adjust(orderID, itemID, qty)
}

func (f *fakeSales) ReverseDelivery(ctx context.Context, _ sales.TxRepository, orderID, itemID int64, qty float64) (sales.Item, error) {
	return f.adjust(orderID, itemID, -qty)
}

func (f *fakeSales) adjust(orderID, itemID int64, qty float64) (sales.Item, error) {
	order := f.r.orders[orderID]
	order.Items = slices.Clone(order.Items)
	for i := range order.Items {
		it := &order.Items[i]
		if it.ID != itemID {
			continue
		}
		if !shared.QtyLE(qty, it.RemainingQty) || !shared.QtyGE(it.DeliveredQty+qty, 0) {
			return sales.Item{}, shared.Validation("sales_order_item", itemID, "qty out of range")
		}
		it.DeliveredQty += qty
		it.RemainingQty = it.OrderedQty - it.DeliveredQty
		f.r.orders[orderID] = order
		return *it, nil
	}
	return sales.Item{}, shared.NotFound("sales_order_item", itemID)
}

// fakeStock keeps one warehouse worth of on-hand qty per product.
type fakeStock struct {
	r      *memoryRepo
	broken bool
}

func (f *fakeStock) AvailableStock(ctx context.Context, _ inventory.TxRepository, warehouseID, productID int64) (float64, error) {
	return f.r.stock[productID], nil
}

func (f *fakeStock) DebitStock(ctx context.Context, _ inventory.TxRepository, in inventory.MovementInput) (inventory.StockCardEntry, error) {
	if f.broken {
		return inventory.StockCardEntry{}, errors.New("stock ledger unavailable")
	}
	if !shared.QtyLE(in.Qty, f.r.stock[in.ProductID]) {
		return inventory.StockCardEntry{}, inventory.ErrNegativeStock
	}
	f.r.stock[in.ProductID] -= in.Qty
	return inventory.StockCardEntry{QtyOut: in.Qty, BalanceQty: f.r.stock[in.ProductID]}, nil
}

var (
	clerk      = shared.Actor{ID: 5, Role: rbac.RoleSales}
	storekeep  = shared.Actor{ID: 6, Role: rbac.RoleStorekeeper}
	adminActor = shared.Actor{ID: 1, Role: rbac.RoleAdmin}
)

const (
	orderID   = int64(1)
	pkgItem   = int64(11)
	addonItem = int64(12)
	incense   = int64(501)
	warehouse = int64(2)
)

type fixture struct {
	repo  *memoryRepo
	stock *fakeStock
	svc   *Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	repo := newMemoryRepo()
	repo.orders[orderID] = sales.SalesOrder{
		ID:     orderID,
		Number: "SO-202603-00001",
		Status: sales.OrderStatusConfirmed,
		Items: []sales.Item{
			{ID: pkgItem, SalesOrderID: orderID, Kind: sales.ItemKindPackage, ProductID: incense, StockTracked: true, OrderedQty: 10, RemainingQty: 10},
			{ID: addonItem, SalesOrderID: orderID, Kind: sales.ItemKindAddon, OrderedQty: 1, RemainingQty: 1},
		},
	}
	repo.stock[incense] = 20
	stock := &fakeStock{r: repo}
	svc := NewService(repo, &fakeSales{r: repo}, stock, nil)
	return fixture{repo: repo, stock: stock, svc: svc}
}

func (f fixture) draft(t *testing.T, items ...ItemInput) DeliveryOrder {
	t.Helper()
	do, err := f.svc.CreateDeliveryOrder(context.Background(), clerk, CreateInput{SalesOrderID: orderID, WarehouseID: warehouse, Items: items})
	require.NoError(t, err)
	return do
}

func (f fixture) inspected(t *testing.T, items ...ItemInput) DeliveryOrder {
	t.Helper()
	do := f.draft(t, items...)
	do, err := f.svc.SubmitForQualityCheck(context.Background(), clerk, do.ID)
	require.NoError(t, err)
	return do
}

func TestCreateDeliveryOrderDefaultsToRemaining(t *testing.T) {
	f := newFixture(t)
	do := f.draft(t)
	require.Equal(t, StatusDraft, do.Status)
	require.Len(t, do.Items, 2)
	require.InDelta(t, 10, do.Items[0].DeliveredQty, shared.QtyEpsilon)
	require.InDelta(t, 10, do.Items[0].AcceptedQty, shared.QtyEpsilon)
	require.True(t, do.Items[0].Selected)
	require.Equal(t, "DO-"+fixedNow.Format("200601")+"-00001", do.Number)
}

func TestCreateDeliveryOrderValidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateDeliveryOrder(ctx, clerk, CreateInput{SalesOrderID: orderID, WarehouseID: warehouse, Items: []ItemInput{{SalesOrderItemID: pkgItem, Qty: 11}}})
	require.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.CreateDeliveryOrder(ctx, clerk, CreateInput{SalesOrderID: orderID, WarehouseID: warehouse, Items: []ItemInput{{SalesOrderItemID: 999, Qty: 1}}})
	require.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.CreateDeliveryOrder(ctx, clerk, CreateInput{SalesOrderID: orderID, WarehouseID: warehouse, Items: []ItemInput{
		{SalesOrderItemID: pkgItem, Qty: 1}, {SalesOrderItemID: pkgItem, Qty: 1},
	}})
	require.ErrorIs(t, err, ErrValidation)

	draftOrder := f.repo.orders[orderID]
	draftOrder.Status = sales.OrderStatusDraft
	f.repo.orders[orderID] = draftOrder
	_, err = f.svc.CreateDeliveryOrder(ctx, clerk, CreateInput{SalesOrderID: orderID, WarehouseID: warehouse})
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = f.svc.CreateDeliveryOrder(ctx, storekeep, CreateInput{SalesOrderID: orderID, WarehouseID: warehouse})
	require.ErrorIs(t, err, shared.ErrForbidden)
}

func TestCompleteDeliveryRequiresQualityCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	do := f.draft(t)

	_, err := f.svc.CompleteDelivery(ctx, storekeep, do.ID)
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = f.svc.RecordQualityCheck(ctx, storekeep, do.ID, []QualityLineInput{{ItemID: do.Items[0].ID, AcceptedQty: 8, RejectedQty: 2}})
	require.NoError(t, err)

	done, err := f.svc.CompleteDelivery(ctx, storekeep, do.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
	require.InDelta(t, 12, f.repo.stock[incense], shared.QtyEpsilon)
	require.InDelta(t, 10, done.Items[0].AppliedQty, shared.QtyEpsilon)

	order := f.repo.orders[orderID]
	require.InDelta(t, 0, order.Items[0].RemainingQty, shared.QtyEpsilon)
	require.InDelta(t, 1, order.Items[1].DeliveredQty, shared.QtyEpsilon)

	_, err = f.svc.CompleteDelivery(ctx, storekeep, do.ID)
	require.ErrorIs(t, err, ErrInvalidState)
	require.InDelta(t, 12, f.repo.stock[incense], shared.QtyEpsilon)
}

func TestCompleteDeliveryRejectsShortStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.stock[incense] = 4
	do := f.inspected(t, ItemInput{SalesOrderItemID: pkgItem, Qty: 6}, ItemInput{SalesOrderItemID: addonItem, Qty: 1})

	_, err := f.svc.CompleteDelivery(ctx, storekeep, do.ID)
	require.ErrorIs(t, err, ErrValidation)

	got, err := f.svc.GetDeliveryOrder(ctx, do.ID)
	require.NoError(t, err)
	require.Equal(t, StatusQualityCheck, got.Status)
	require.InDelta(t, 4, f.repo.stock[incense], shared.QtyEpsilon)
	require.Zero(t, f.repo.orders[orderID].Items[1].DeliveredQty)
}

func TestCompleteDeliveryRechecksRemaining(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.inspected(t, ItemInput{SalesOrderItemID: pkgItem, Qty: 7})
	second := f.inspected(t, ItemInput{SalesOrderItemID: pkgItem, Qty: 5})

	_, err := f.svc.CompleteDelivery(ctx, storekeep, first.ID)
	require.NoError(t, err)

	_, err = f.svc.CompleteDelivery(ctx, storekeep, second.ID)
	require.ErrorIs(t, err, ErrValidation)
	require.InDelta(t, 3, f.repo.orders[orderID].Items[0].RemainingQty, shared.QtyEpsilon)
	require.InDelta(t, 13, f.repo.stock[incense], shared.QtyEpsilon)
}

func TestCompleteDeliverySkipsUnselectedItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	do := f.draft(t)
	off := false
	_, err := f.svc.RecordQualityCheck(ctx, storekeep, do.ID, []QualityLineInput{
		{ItemID: do.Items[0].ID, AcceptedQty: 10, Selected: &off},
		{ItemID: do.Items[1].ID, AcceptedQty: 1},
	})
	require.NoError(t, err)

	_, err = f.svc.CompleteDelivery(ctx, storekeep, do.ID)
	require.NoError(t, err)
	require.InDelta(t, 20, f.repo.stock[incense], shared.QtyEpsilon)
	require.InDelta(t, 10, f.repo.orders[orderID].Items[0].RemainingQty, shared.QtyEpsilon)
	require.Zero(t, f.repo.orders[orderID].Items[1].RemainingQty)
}

func TestCompleteDeliveryRollsBackOnStockFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	do := f.inspected(t)
	f.stock.broken = true

	_, err := f.svc.CompleteDelivery(ctx, storekeep, do.ID)
	require.Error(t, err)
	require.Empty(t, shared.KindOf(err))

	got, _ := f.svc.GetDeliveryOrder(ctx, do.ID)
	require.Equal(t, StatusQualityCheck, got.Status)
	require.Zero(t, f.repo.orders[orderID].Items[0].DeliveredQty)
}

func TestRecordQualityCheckValidatesLines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	do := f.draft(t)

	_, err := f.svc.RecordQualityCheck(ctx, storekeep, do.ID, []QualityLineInput{{ItemID: do.Items[0].ID, AcceptedQty: 9, RejectedQty: 2}})
	require.ErrorIs(t, err, ErrValidation)

	got, _ := f.svc.GetDeliveryOrder(ctx, do.ID)
	require.False(t, got.QualityCheckDone)
	require.InDelta(t, 10, got.Items[0].AcceptedQty, shared.QtyEpsilon)
}

func TestCancelDeliveryOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	do := f.inspected(t)

	_, err := f.svc.CancelDeliveryOrder(ctx, clerk, do.ID, " ")
	require.ErrorIs(t, err, ErrValidation)

	cancelled, err := f.svc.CancelDeliveryOrder(ctx, clerk, do.ID, "ceremony postponed")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.Equal(t, "Cancelled", cancelled.Status.Label())
	require.InDelta(t, 20, f.repo.stock[incense], shared.QtyEpsilon)

	_, err = f.svc.CancelDeliveryOrder(ctx, clerk, do.ID, "again")
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestDeleteDeliveryOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	submitted := f.inspected(t, ItemInput{SalesOrderItemID: addonItem, Qty: 1})
	require.ErrorIs(t, f.svc.DeleteDeliveryOrder(ctx, adminActor, submitted.ID), ErrInvalidState)

	do := f.draft(t, ItemInput{SalesOrderItemID: pkgItem, Qty: 4})
	booked := f.repo.dos[do.ID]
	booked.Items[0].AppliedQty = 4
	f.repo.dos[do.ID] = booked
	_, err := (&fakeSales{r: f.repo}).RecordDelivery(ctx, nil, orderID, pkgItem, 4)
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteDeliveryOrder(ctx, adminActor, do.ID))
	_, err = f.svc.GetDeliveryOrder(ctx, do.ID)
	require.ErrorIs(t, err, ErrNotFound)
	require.InDelta(t, 10, f.repo.orders[orderID].Items[0].RemainingQty, shared.QtyEpsilon)
}

func TestCanComplete(t *testing.T) {
	require.True(t, DeliveryOrder{Status: StatusQualityCheck}.CanComplete())
	require.True(t, DeliveryOrder{Status: StatusDraft, QualityCheckDone: true}.CanComplete())
	require.False(t, DeliveryOrder{Status: StatusDraft}.CanComplete())
	require.False(t, DeliveryOrder{Status: StatusCompleted, QualityCheckDone: true}.CanComplete())
	require.Equal(t, "Quality Check", StatusQualityCheck.Label())
}
