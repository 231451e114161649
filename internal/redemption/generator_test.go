package redemption

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ticketing/internal/apperr"
	"ticketing/internal/db/dbtest"
	"ticketing/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var (
	testNow  = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	orderSeq atomic.Int64
)

func seedOrder(t *testing.T, conn *gorm.DB, status model.OrderStatus, quantities ...int) model.Order {
	t.Helper()
	tt := dbtest.TicketType(t, conn, 1, 100, 100)
	ord := model.Order{
		OrderNo:        fmt.Sprintf("ORD%d", orderSeq.Add(1)),
		UserID:         1,
		OrganizationID: 1,
		Status:         status,
	}
	for _, q := range quantities {
		ord.Items = append(ord.Items, model.OrderItem{TicketTypeID: tt.ID, Quantity: q, Price: tt.Price})
	}
	ord.TotalAmount = model.SumItems(ord.Items)
	require.NoError(t, conn.Create(&ord).Error)
	return ord
}

func countCodes(t *testing.T, conn *gorm.DB, itemID uint) int64 {
	t.Helper()
	var n int64
	require.NoError(t, conn.Model(&model.OrderItemCode{}).Where("order_item_id = ?", itemID).Count(&n).Error)
	return n
}

func TestGenerateCodesForOrderIsIdempotent(t *testing.T) {
	conn := dbtest.Open(t)
	g := NewGenerator(conn, func() time.Time { return testNow })
	ord := seedOrder(t, conn, model.OrderPaid, 2, 3)

	n, err := g.GenerateCodesForOrder(context.Background(), ord.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = g.GenerateCodesForOrder(context.Background(), ord.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Equal(t, int64(2), countCodes(t, conn, ord.Items[0].ID))
	assert.Equal(t, int64(3), countCodes(t, conn, ord.Items[1].ID))

	codes, err := g.ListCodes(context.Background(), 0)
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, c := range codes {
		assert.Len(t, c.Code, codeLength)
		assert.False(t, c.Used)
		assert.True(t, c.Active)
		assert.False(t, seen[c.Code])
		seen[c.Code] = true
	}
}

func TestGenerateCodesFillsGaps(t *testing.T) {
	conn := dbtest.Open(t)
	g := NewGenerator(conn, nil)
	ord := seedOrder(t, conn, model.OrderPaid, 3)
	require.NoError(t, conn.Create(&model.OrderItemCode{OrderItemID: ord.Items[0].ID, Seq: 2, Code: "preexisting", Active: true}).Error)

	n, err := g.GenerateCodesForOrder(context.Background(), ord.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(3), countCodes(t, conn, ord.Items[0].ID))
}

func TestGenerateCodesConcurrent(t *testing.T) {
	conn := dbtest.Open(t)
	g := NewGenerator(conn, nil)
	ord := seedOrder(t, conn, model.OrderPaid, 4)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.GenerateCodesForOrder(context.Background(), ord.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(4), countCodes(t, conn, ord.Items[0].ID))
}

func TestGenerateCodesRequiresPaid(t *testing.T) {
	conn := dbtest.Open(t)
	g := NewGenerator(conn, nil)
	ord := seedOrder(t, conn, model.OrderPending, 1)

	_, err := g.GenerateCodesForOrder(context.Background(), ord.ID)
	assert.ErrorIs(t, err, apperr.ErrOrderNotPaid)
	assert.Zero(t, countCodes(t, conn, ord.Items[0].ID))

	_, err = g.GenerateCodesForOrder(context.Background(), 999)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRenderPayloads(t *testing.T) {
	conn := dbtest.Open(t)
	g := NewGenerator(conn, func() time.Time { return testNow })
	ord := seedOrder(t, conn, model.OrderPaid, 2)

	// 支付后未发码的订单在渲染时补齐
	tickets, err := g.RenderPayloads(context.Background(), ord.ID)
	require.NoError(t, err)
	require.Len(t, tickets, 2)
	assert.Equal(t, int64(2), countCodes(t, conn, ord.Items[0].ID))
	assert.Equal(t, "General", tickets[0].TicketTypeName)

	p, err := ParsePayload(tickets[1].Payload, testNow, DefaultMaxAge)
	require.NoError(t, err)
	assert.Equal(t, ord.ID, p.OrderID)
	assert.Equal(t, ord.Items[0].ID, p.OrderItemID)
	assert.Equal(t, 1, p.Quantity)
	assert.Equal(t, testNow.UnixMilli(), p.Timestamp)

	var stored model.OrderItemCode
	require.NoError(t, conn.First(&stored, tickets[1].CodeID).Error)
	assert.Equal(t, stored.Code, p.Hash)

	_, err = g.SetActive(context.Background(), tickets[0].CodeID, false)
	require.NoError(t, err)
	tickets, err = g.RenderPayloads(context.Background(), ord.ID)
	require.NoError(t, err)
	assert.Len(t, tickets, 1)

	_, err = g.SetActive(context.Background(), tickets[0].CodeID, false)
	require.NoError(t, err)
	_, err = g.RenderPayloads(context.Background(), ord.ID)
	assert.ErrorIs(t, err, apperr.ErrNoTickets)
	assert.Equal(t, int64(2), countCodes(t, conn, ord.Items[0].ID))

	unpaid := seedOrder(t, conn, model.OrderPending, 1)
	_, err = g.RenderPayloads(context.Background(), unpaid.ID)
	assert.ErrorIs(t, err, apperr.ErrOrderNotPaid)
}

func TestSetActive(t *testing.T) {
	conn := dbtest.Open(t)
	g := NewGenerator(conn, nil)
	ord := seedOrder(t, conn, model.OrderPaid, 1)
	_, err := g.GenerateCodesForOrder(context.Background(), ord.ID)
	require.NoError(t, err)
	codes, err := g.ListCodes(context.Background(), ord.Items[0].ID)
	require.NoError(t, err)
	require.Len(t, codes, 1)

	c, err := g.SetActive(context.Background(), codes[0].ID, false)
	require.NoError(t, err)
	assert.False(t, c.Active)
	c, err = g.SetActive(context.Background(), codes[0].ID, true)
	require.NoError(t, err)
	assert.True(t, c.Active)

	_, err = g.SetActive(context.Background(), 999, false)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestIssueMissingCodes(t *testing.T) {
	conn := dbtest.Open(t)
	g := NewGenerator(conn, nil)
	ctx := context.Background()

	lost := seedOrder(t, conn, model.OrderPaid, 2, 1)
	partial := seedOrder(t, conn, model.OrderPaid, 3)
	require.NoError(t, conn.Create(&model.OrderItemCode{OrderItemID: partial.Items[0].ID, Seq: 1, Code: "partial-1", Active: true}).Error)
	done := seedOrder(t, conn, model.OrderPaid, 1)
	_, err := g.GenerateCodesForOrder(ctx, done.ID)
	require.NoError(t, err)
	pending := seedOrder(t, conn, model.OrderPending, 2)

	n, err := g.IssueMissingCodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, int64(2), countCodes(t, conn, lost.Items[0].ID))
	assert.Equal(t, int64(1), countCodes(t, conn, lost.Items[1].ID))
	assert.Equal(t, int64(3), countCodes(t, conn, partial.Items[0].ID))
	assert.Equal(t, int64(1), countCodes(t, conn, done.Items[0].ID))
	assert.Zero(t, countCodes(t, conn, pending.Items[0].ID))

	n, err = g.IssueMissingCodes(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
