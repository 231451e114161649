package order

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ticketing/internal/apperr"
	"ticketing/internal/db/dbtest"
	"ticketing/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T) (*Service, *gorm.DB, *testClock) {
	conn := dbtest.Open(t)
	clock := newTestClock()
	return NewService(conn, WithClock(clock.Now)), conn, clock
}

func createOrder(t *testing.T, svc *Service, ticketTypeID uint, qty int) *model.Order {
	t.Helper()
	ord, err := svc.CreateOrder(context.Background(), CreateOrderInput{
		UserID:         1,
		OrganizationID: 1,
		Items:          []ItemInput{{TicketTypeID: ticketTypeID, Quantity: qty}},
	})
	require.NoError(t, err)
	return ord
}

// assertConserved checks sold_qty against the units held by live and paid orders.
func assertConserved(t *testing.T, conn *gorm.DB, ticketTypeID uint) {
	t.Helper()
	var held int64
	require.NoError(t, conn.Model(&model.OrderItem{}).
		Joins("JOIN orders ON orders.id = order_items.order_id").
		Where("order_items.ticket_type_id = ? AND orders.status IN ?", ticketTypeID,
			[]model.OrderStatus{model.OrderPending, model.OrderReserved, model.OrderPaid}).
		Select("COALESCE(SUM(order_items.quantity), 0)").
		Scan(&held).Error)
	assert.Equal(t, int(held), dbtest.Reload(t, conn, ticketTypeID).SoldQty)
}

func TestCreateOrder(t *testing.T) {
	svc, conn, clock := newTestService(t)
	tt := dbtest.TicketType(t, conn, 1, 500000, 10)

	ord := createOrder(t, svc, tt.ID, 2)

	assert.Equal(t, model.OrderPending, ord.Status)
	assert.True(t, decimal.NewFromInt(1000000).Equal(ord.TotalAmount))
	require.NotNil(t, ord.ReservedUntil)
	assert.True(t, clock.Now().Add(15*time.Minute).Equal(*ord.ReservedUntil))
	assert.Regexp(t, `^[A-Z0-9]{16}$`, ord.OrderNo)
	assert.Equal(t, 2, dbtest.Reload(t, conn, tt.ID).SoldQty)

	// 票价变更不影响已下单的快照
	require.NoError(t, conn.Model(&model.TicketType{}).Where("id = ?", tt.ID).Update("price", decimal.NewFromInt(900000)).Error)
	got, err := svc.GetOrder(context.Background(), ord.ID)
	require.NoError(t, err)
	require.Len(t, got.Items, 1)
	assert.True(t, decimal.NewFromInt(500000).Equal(got.Items[0].Price))
	assert.NotNil(t, got.Items[0].TicketType)
	assertConserved(t, conn, tt.ID)
}

func TestCreateOrderFailuresLeaveNoTrace(t *testing.T) {
	svc, conn, _ := newTestService(t)
	ctx := context.Background()
	a := dbtest.TicketType(t, conn, 1, 100, 5)
	b := dbtest.TicketType(t, conn, 1, 100, 1)
	off := dbtest.TicketType(t, conn, 1, 100, 5)
	require.NoError(t, conn.Model(&off).Update("status", model.TicketInactive).Error)

	in := func(items ...ItemInput) CreateOrderInput {
		return CreateOrderInput{UserID: 1, OrganizationID: 1, Items: items}
	}

	_, err := svc.CreateOrder(ctx, in(ItemInput{a.ID, 2}, ItemInput{b.ID, 2}))
	assert.ErrorIs(t, err, apperr.ErrInsufficientInventory)

	_, err = svc.CreateOrder(ctx, in(ItemInput{a.ID, 1}, ItemInput{off.ID, 1}))
	assert.ErrorIs(t, err, apperr.ErrNotActive)

	_, err = svc.CreateOrder(ctx, in(ItemInput{a.ID, 1}, ItemInput{999, 1}))
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = svc.CreateOrder(ctx, in())
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = svc.CreateOrder(ctx, in(ItemInput{a.ID, 0}))
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	var count int64
	require.NoError(t, conn.Model(&model.Order{}).Count(&count).Error)
	assert.Zero(t, count)
	assert.Equal(t, 0, dbtest.Reload(t, conn, a.ID).SoldQty)
	assert.Equal(t, 0, dbtest.Reload(t, conn, b.ID).SoldQty)
}

func TestCreateOrderEventWindowOverride(t *testing.T) {
	svc, conn, clock := newTestService(t)
	ev := dbtest.Event(t, conn, clock.Now().Add(48*time.Hour))
	require.NoError(t, conn.Model(&ev).Update("reservation_minutes", 10).Error)
	tt := dbtest.TicketType(t, conn, ev.ID, 100, 5)
	other := dbtest.TicketType(t, conn, ev.ID+1, 100, 5)

	ord, err := svc.CreateOrder(context.Background(), CreateOrderInput{
		UserID: 1, OrganizationID: 1, EventID: &ev.ID,
		Items: []ItemInput{{TicketTypeID: tt.ID, Quantity: 1}},
	})
	require.NoError(t, err)
	assert.True(t, clock.Now().Add(10*time.Minute).Equal(*ord.ReservedUntil))

	_, err = svc.CreateOrder(context.Background(), CreateOrderInput{
		UserID: 1, OrganizationID: 1, EventID: &ev.ID,
		Items: []ItemInput{{TicketTypeID: other.ID, Quantity: 1}},
	})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	missing := uint(999)
	_, err = svc.CreateOrder(context.Background(), CreateOrderInput{
		UserID: 1, OrganizationID: 1, EventID: &missing,
		Items: []ItemInput{{TicketTypeID: tt.ID, Quantity: 1}},
	})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCreateOrderConcurrentNoOversell(t *testing.T) {
	svc, conn, _ := newTestService(t)
	tt := dbtest.TicketType(t, conn, 1, 100, 10)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		placed int
	)
	for i := 0; i < 20; i++ {
		qty := 1 + i%2
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CreateOrder(context.Background(), CreateOrderInput{
				UserID: 1, OrganizationID: 1,
				Items: []ItemInput{{TicketTypeID: tt.ID, Quantity: qty}},
			})
			if err == nil {
				mu.Lock()
				placed += qty
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, apperr.ErrInsufficientInventory)
		}()
	}
	wg.Wait()

	sold := dbtest.Reload(t, conn, tt.ID).SoldQty
	assert.LessOrEqual(t, sold, 10)
	assert.Equal(t, placed, sold)
	assertConserved(t, conn, tt.ID)
}

func TestCancelOrder(t *testing.T) {
	svc, conn, _ := newTestService(t)
	ctx := context.Background()
	tt := dbtest.TicketType(t, conn, 1, 100, 10)

	keep := createOrder(t, svc, tt.ID, 2)
	drop := createOrder(t, svc, tt.ID, 3)
	assert.Equal(t, 5, dbtest.Reload(t, conn, tt.ID).SoldQty)

	got, err := svc.CancelOrder(ctx, drop.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderCancelled, got.Status)
	assert.Equal(t, 2, dbtest.Reload(t, conn, tt.ID).SoldQty)

	_, err = svc.CancelOrder(ctx, drop.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Equal(t, 2, dbtest.Reload(t, conn, tt.ID).SoldQty)

	require.NoError(t, conn.Transaction(func(tx *gorm.DB) error { return MarkPaid(tx, keep.ID, time.Now().UTC()) }))
	_, err = svc.CancelOrder(ctx, keep.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	_, err = svc.CancelOrder(ctx, 999)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assertConserved(t, conn, tt.ID)
}

func TestMarkPaid(t *testing.T) {
	svc, conn, clock := newTestService(t)
	tt := dbtest.TicketType(t, conn, 1, 100, 10)
	ord := createOrder(t, svc, tt.ID, 1)

	paidAt := clock.Now().Add(time.Minute)
	require.NoError(t, conn.Transaction(func(tx *gorm.DB) error { return MarkPaid(tx, ord.ID, paidAt) }))

	got, err := svc.GetOrder(context.Background(), ord.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderPaid, got.Status)
	assert.Nil(t, got.ReservedUntil)
	require.NotNil(t, got.PaidAt)
	assert.True(t, paidAt.Equal(*got.PaidAt))
	assert.Equal(t, 1, dbtest.Reload(t, conn, tt.ID).SoldQty)

	err = conn.Transaction(func(tx *gorm.DB) error { return MarkPaid(tx, ord.ID, paidAt) })
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	err = conn.Transaction(func(tx *gorm.DB) error { return MarkPaid(tx, 999, paidAt) })
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestExpireExpiredOrders(t *testing.T) {
	svc, conn, clock := newTestService(t)
	ctx := context.Background()
	tt := dbtest.TicketType(t, conn, 1, 100, 10)

	stale := createOrder(t, svc, tt.ID, 3)
	paid := createOrder(t, svc, tt.ID, 2)
	require.NoError(t, conn.Transaction(func(tx *gorm.DB) error { return MarkPaid(tx, paid.ID, clock.Now()) }))

	// 未过期时扫描是空操作
	n, err := svc.ExpireExpiredOrders(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 5, dbtest.Reload(t, conn, tt.ID).SoldQty)

	clock.Advance(16 * time.Minute)
	fresh := createOrder(t, svc, tt.ID, 1)

	n, err = svc.ExpireExpiredOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 3, dbtest.Reload(t, conn, tt.ID).SoldQty)

	for id, want := range map[uint]model.OrderStatus{
		stale.ID: model.OrderExpired,
		paid.ID:  model.OrderPaid,
		fresh.ID: model.OrderPending,
	} {
		got, err := svc.GetOrder(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status)
	}

	n, err = svc.ExpireExpiredOrders(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assertConserved(t, conn, tt.ID)
}

func TestExpireNeverTouchesPaidWithLeftoverDeadline(t *testing.T) {
	svc, conn, clock := newTestService(t)
	tt := dbtest.TicketType(t, conn, 1, 100, 10)
	ord := createOrder(t, svc, tt.ID, 2)

	past := clock.Now().Add(-time.Hour)
	require.NoError(t, conn.Model(&model.Order{}).Where("id = ?", ord.ID).
		Updates(map[string]any{"status": model.OrderPaid, "reserved_until": past}).Error)

	clock.Advance(time.Hour)
	n, err := svc.ExpireExpiredOrders(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2, dbtest.Reload(t, conn, tt.ID).SoldQty)
}

func TestExpireContinuesPastBrokenOrder(t *testing.T) {
	svc, conn, clock := newTestService(t)
	ctx := context.Background()
	tt := dbtest.TicketType(t, conn, 1, 100, 10)

	broken := createOrder(t, svc, tt.ID, 2)
	good := createOrder(t, svc, tt.ID, 1)
	tt2 := dbtest.TicketType(t, conn, 1, 100, 10)
	// 让 broken 的行项目指向一个 sold_qty 不足的票种，释放时失败
	require.NoError(t, conn.Model(&model.OrderItem{}).Where("order_id = ?", broken.ID).Update("ticket_type_id", tt2.ID).Error)

	clock.Advance(20 * time.Minute)
	n, err := svc.ExpireExpiredOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := svc.GetOrder(ctx, broken.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderPending, got.Status)
	got, err = svc.GetOrder(ctx, good.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderExpired, got.Status)
}

func TestCheckOrderExpiration(t *testing.T) {
	svc, conn, clock := newTestService(t)
	ctx := context.Background()
	tt := dbtest.TicketType(t, conn, 1, 100, 10)
	ord := createOrder(t, svc, tt.ID, 4)

	exp, err := svc.CheckOrderExpiration(ctx, ord.ID)
	require.NoError(t, err)
	assert.False(t, exp.Expired)
	assert.Equal(t, int64(15*60), exp.RemainingSeconds)

	clock.Advance(15*time.Minute + time.Second)
	exp, err = svc.CheckOrderExpiration(ctx, ord.ID)
	require.NoError(t, err)
	assert.True(t, exp.Expired)
	assert.Equal(t, model.OrderExpired, exp.Status)
	assert.Zero(t, dbtest.Reload(t, conn, tt.ID).SoldQty)

	exp, err = svc.CheckOrderExpiration(ctx, ord.ID)
	require.NoError(t, err)
	assert.True(t, exp.Expired)

	_, err = svc.CheckOrderExpiration(ctx, 999)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestListOrders(t *testing.T) {
	svc, conn, clock := newTestService(t)
	ctx := context.Background()
	tt := dbtest.TicketType(t, conn, 1, 100, 10)

	mine := createOrder(t, svc, tt.ID, 1)
	clock.Advance(time.Minute)
	newer := createOrder(t, svc, tt.ID, 1)
	_, err := svc.CreateOrder(ctx, CreateOrderInput{
		UserID: 2, OrganizationID: 1,
		Items: []ItemInput{{TicketTypeID: tt.ID, Quantity: 1}},
	})
	require.NoError(t, err)

	list, err := svc.ListOrders(ctx, 1, RoleUser)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID)
	assert.Equal(t, mine.ID, list[1].ID)

	all, err := svc.ListOrders(ctx, 1, RoleSuperAdmin)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSweeperRun(t *testing.T) {
	svc, conn, clock := newTestService(t)
	tt := dbtest.TicketType(t, conn, 1, 100, 10)
	ord := createOrder(t, svc, tt.ID, 2)
	clock.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewSweeper(svc, 10*time.Millisecond).Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		got, err := svc.GetOrder(context.Background(), ord.ID)
		return err == nil && got.Status == model.OrderExpired
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
	assert.Zero(t, dbtest.Reload(t, conn, tt.ID).SoldQty)
}

type repairCounter struct{ calls atomic.Int32 }

func (r *repairCounter) IssueMissingCodes(context.Context) (int, error) {
	r.calls.Add(1)
	return 0, nil
}

func TestSweeperRunsCodeRepair(t *testing.T) {
	svc, _, _ := newTestService(t)
	rep := &repairCounter{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewSweeper(svc, 10*time.Millisecond).WithCodeRepair(rep).Run(ctx)

	require.Eventually(t, func() bool { return rep.calls.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestInventoryConservedAcrossMixedLifecycle(t *testing.T) {
	svc, conn, clock := newTestService(t)
	ctx := context.Background()
	x := dbtest.TicketType(t, conn, 1, 100, 10)
	y := dbtest.TicketType(t, conn, 1, 300, 5)
	check := func(step string) {
		t.Helper()
		t.Run(step, func(t *testing.T) {
			assertConserved(t, conn, x.ID)
			assertConserved(t, conn, y.ID)
		})
	}

	a := createOrder(t, svc, x.ID, 3)
	check("create a")

	b := createOrder(t, svc, x.ID, 2)
	got, err := svc.AddItem(ctx, b.ID, ItemInput{TicketTypeID: y.ID, Quantity: 1})
	require.NoError(t, err)
	var bY uint
	for _, it := range got.Items {
		if it.TicketTypeID == y.ID {
			bY = it.ID
		}
	}
	require.NotZero(t, bY)
	check("create b and add item")

	_, err = svc.UpdateItem(ctx, a.ID, a.Items[0].ID, 5)
	require.NoError(t, err)
	check("grow a")

	_, err = svc.UpdateItem(ctx, a.ID, a.Items[0].ID, 1)
	require.NoError(t, err)
	check("shrink a")

	_, err = svc.DeleteItem(ctx, b.ID, bY)
	require.NoError(t, err)
	check("delete item from b")

	_, err = svc.CancelOrder(ctx, b.ID)
	require.NoError(t, err)
	check("cancel b")

	c := createOrder(t, svc, x.ID, 4)
	require.NoError(t, conn.Transaction(func(tx *gorm.DB) error { return MarkPaid(tx, c.ID, clock.Now()) }))
	check("pay c")

	_, err = svc.CreateOrder(ctx, CreateOrderInput{
		UserID: 1, OrganizationID: 1,
		Items: []ItemInput{{TicketTypeID: y.ID, Quantity: 2}, {TicketTypeID: x.ID, Quantity: 6}},
	})
	assert.ErrorIs(t, err, apperr.ErrInsufficientInventory)
	check("rejected create")

	d := createOrder(t, svc, y.ID, 2)
	check("create d")

	clock.Advance(time.Hour)
	n, err := svc.ExpireExpiredOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	check("expire a and d")

	_, err = svc.CancelOrder(ctx, d.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	check("cancel expired d")

	_, err = svc.UpdateItem(ctx, c.ID, c.Items[0].ID, 1)
	assert.Error(t, err)
	check("mutate paid c")

	assert.Equal(t, 4, dbtest.Reload(t, conn, x.ID).SoldQty)
	assert.Zero(t, dbtest.Reload(t, conn, y.ID).SoldQty)
}
