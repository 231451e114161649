package checkin

import (
	"context"
	"sync"
	"testing"
	"time"

	"ticketing/internal/apperr"
	"ticketing/internal/db/dbtest"
	"ticketing/internal/model"
	"ticketing/internal/order"
	"ticketing/internal/redemption"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fixture struct {
	db      *gorm.DB
	now     time.Time
	event   model.Event
	orders  *order.Service
	codes   *redemption.Generator
	tt      model.TicketType
	checker *Validator
}

func newFixture(t *testing.T) *fixture {
	conn := dbtest.Open(t)
	now := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	ev := dbtest.Event(t, conn, now.Add(time.Hour))
	f := &fixture{
		db:      conn,
		now:     now,
		event:   ev,
		orders:  order.NewService(conn, order.WithClock(clock)),
		codes:   redemption.NewGenerator(conn, clock),
		tt:      dbtest.TicketType(t, conn, ev.ID, 100, 50),
		checker: NewValidator(conn, Config{Now: clock}),
	}
	return f
}

// paidTickets 创建并支付订单，返回渲染好的二维码内容。
func (f *fixture) paidTickets(t *testing.T, qty int) (*model.Order, []redemption.Ticket) {
	t.Helper()
	ctx := context.Background()
	ord, err := f.orders.CreateOrder(ctx, order.CreateOrderInput{
		UserID: 1, OrganizationID: 1, EventID: &f.event.ID,
		Items: []order.ItemInput{{TicketTypeID: f.tt.ID, Quantity: qty}},
	})
	require.NoError(t, err)
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error { return order.MarkPaid(tx, ord.ID, f.now) }))
	_, err = f.codes.GenerateCodesForOrder(ctx, ord.ID)
	require.NoError(t, err)
	tickets, err := f.codes.RenderPayloads(ctx, ord.ID)
	require.NoError(t, err)
	return ord, tickets
}

func (f *fixture) at(now time.Time) *Validator {
	return NewValidator(f.db, Config{Now: func() time.Time { return now }})
}

func TestCheckIn(t *testing.T) {
	f := newFixture(t)
	ord, tickets := f.paidTickets(t, 1)

	rcpt, err := f.checker.CheckIn(context.Background(), tickets[0].Payload, "staff@venue")
	require.NoError(t, err)
	assert.Equal(t, ord.ID, rcpt.OrderID)
	assert.Equal(t, "General", rcpt.TicketName)
	assert.Equal(t, "Concert", rcpt.EventName)
	assert.Equal(t, "staff@venue", rcpt.VerifiedBy)

	var code model.OrderItemCode
	require.NoError(t, f.db.First(&code, tickets[0].CodeID).Error)
	assert.True(t, code.Used)
	require.NotNil(t, code.UsedAt)

	_, err = f.checker.CheckIn(context.Background(), tickets[0].Payload, "staff@venue")
	assert.ErrorIs(t, err, apperr.ErrAlreadyCheckedIn)

	logs, err := f.checker.GetCheckinLogs(context.Background(), LogFilter{OrderID: ord.ID})
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestCheckInConcurrentExactlyOnce(t *testing.T) {
	f := newFixture(t)
	_, tickets := f.paidTickets(t, 1)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, dupe int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.checker.CheckIn(context.Background(), tickets[0].Payload, "gate-1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case assert.ErrorIs(t, err, apperr.ErrAlreadyCheckedIn):
				dupe++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, dupe)
}

// renderAt 渲染在 when 时刻扫码的二维码内容。
func (f *fixture) renderAt(t *testing.T, orderID uint, when time.Time) string {
	t.Helper()
	tickets, err := redemption.NewGenerator(f.db, func() time.Time { return when }).RenderPayloads(context.Background(), orderID)
	require.NoError(t, err)
	return tickets[0].Payload
}

func TestCheckInWindow(t *testing.T) {
	f := newFixture(t)
	ord, _ := f.paidTickets(t, 1)
	start := f.event.StartDate
	ctx := context.Background()

	early := start.Add(-2*time.Hour - time.Second)
	_, err := f.at(early).CheckIn(ctx, f.renderAt(t, ord.ID, early), "gate")
	assert.ErrorIs(t, err, apperr.ErrTooEarly)

	late := start.Add(2*time.Hour + time.Second)
	_, err = f.at(late).CheckIn(ctx, f.renderAt(t, ord.ID, late), "gate")
	assert.ErrorIs(t, err, apperr.ErrTooLate)

	edge := start.Add(2 * time.Hour)
	_, err = f.at(edge).CheckIn(ctx, f.renderAt(t, ord.ID, edge), "gate")
	assert.NoError(t, err)
}

func TestCheckInRejectsFutureDatedPayload(t *testing.T) {
	f := newFixture(t)
	ord, _ := f.paidTickets(t, 1)

	_, err := f.checker.CheckIn(context.Background(), f.renderAt(t, ord.ID, f.now.Add(time.Hour)), "gate")
	assert.ErrorIs(t, err, apperr.ErrMalformedPayload)
}

func TestCheckInRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ord, tickets := f.paidTickets(t, 1)

	_, err := f.checker.CheckIn(ctx, "{not json", "gate")
	assert.ErrorIs(t, err, apperr.ErrMalformedPayload)

	_, err = f.checker.CheckIn(ctx, tickets[0].Payload, " ")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = f.at(f.now.Add(25*time.Hour)).CheckIn(ctx, tickets[0].Payload, "gate")
	assert.ErrorIs(t, err, apperr.ErrPayloadExpired)

	p, err := redemption.ParsePayload(tickets[0].Payload, f.now, time.Hour)
	require.NoError(t, err)

	forged := p
	forged.Hash = "0000"
	_, err = f.checker.CheckIn(ctx, encode(t, forged), "gate")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	missing := p
	missing.OrderID = 999
	_, err = f.checker.CheckIn(ctx, encode(t, missing), "gate")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	wrongItem := p
	wrongItem.OrderItemID = 999
	_, err = f.checker.CheckIn(ctx, encode(t, wrongItem), "gate")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.codes.SetActive(ctx, tickets[0].CodeID, false)
	require.NoError(t, err)
	_, err = f.checker.CheckIn(ctx, tickets[0].Payload, "gate")
	assert.ErrorIs(t, err, apperr.ErrCodeInactive)

	unpaid, err := f.orders.CreateOrder(ctx, order.CreateOrderInput{
		UserID: 1, OrganizationID: 1, EventID: &f.event.ID,
		Items: []order.ItemInput{{TicketTypeID: f.tt.ID, Quantity: 1}},
	})
	require.NoError(t, err)
	pending := p
	pending.OrderID = unpaid.ID
	pending.OrderItemID = unpaid.Items[0].ID
	_, err = f.checker.CheckIn(ctx, encode(t, pending), "gate")
	assert.ErrorIs(t, err, apperr.ErrOrderNotPaid)

	logs, err := f.checker.GetCheckinLogs(ctx, LogFilter{OrderID: ord.ID})
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestGetCheckinStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	empty, err := f.checker.GetCheckinStats(ctx, f.event.ID)
	require.NoError(t, err)
	assert.Equal(t, "0%", empty.CheckinRateText)

	_, first := f.paidTickets(t, 2)
	_, second := f.paidTickets(t, 1)
	_, err = f.checker.CheckIn(ctx, first[0].Payload, "gate")
	require.NoError(t, err)
	_, err = f.checker.CheckIn(ctx, second[0].Payload, "gate")
	require.NoError(t, err)

	// 未支付订单不计入总数
	_, err = f.orders.CreateOrder(ctx, order.CreateOrderInput{
		UserID: 1, OrganizationID: 1, EventID: &f.event.ID,
		Items: []order.ItemInput{{TicketTypeID: f.tt.ID, Quantity: 5}},
	})
	require.NoError(t, err)

	s, err := f.checker.GetCheckinStats(ctx, f.event.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), s.TotalTickets)
	assert.Equal(t, int64(2), s.CheckedInTickets)
	assert.Equal(t, int64(1), s.RemainingTickets)
	assert.Equal(t, "66.67%", s.CheckinRateText)
	assert.InDelta(t, 66.666, s.CheckinRate, 0.01)

	logs, err := f.checker.GetCheckinLogs(ctx, LogFilter{EventID: f.event.ID})
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func encode(t *testing.T, p redemption.Payload) string {
	t.Helper()
	s, err := p.Encode()
	require.NoError(t, err)
	return s
}
