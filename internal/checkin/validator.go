// Package checkin validates redemption payloads at the venue and records
// exactly one check-in per order item.
package checkin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ticketing/internal/apperr"
	"ticketing/internal/db"
	"ticketing/internal/model"
	"ticketing/internal/monitoring"
	"ticketing/internal/redemption"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultWindow = 2 * time.Hour

type Config struct {
	// Window is the distance around the event start during which check-in is open.
	Window time.Duration
	// MaxAge bounds the payload timestamp.
	MaxAge time.Duration
	Now    func() time.Time
}

type Validator struct {
	db     *gorm.DB
	window time.Duration
	maxAge time.Duration
	now    func() time.Time
}

func NewValidator(db *gorm.DB, cfg Config) *Validator {
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = redemption.DefaultMaxAge
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Validator{db: db, window: cfg.Window, maxAge: cfg.MaxAge, now: cfg.Now}
}

// Receipt is returned to the door staff after a successful check-in.
type Receipt struct {
	LogID       uint      `json:"log_id"`
	OrderID     uint      `json:"order_id"`
	OrderItemID uint      `json:"order_item_id"`
	TicketName  string    `json:"ticket_name"`
	EventName   string    `json:"event_name"`
	CheckinTime time.Time `json:"checkin_time"`
	VerifiedBy  string    `json:"verified_by"`
}

// CheckIn 校验二维码并写入核销记录。
// 顺序：解析 -> 订单/行项目/活动 -> 重复核销 -> 时间窗口 -> 核销码 -> 落库。
func (v *Validator) CheckIn(ctx context.Context, raw, verifiedBy string) (*Receipt, error) {
	rcpt, err := v.checkIn(ctx, raw, strings.TrimSpace(verifiedBy))
	monitoring.TrackCheckin(resultLabel(err))
	if err != nil {
		log.WithError(err).WithField("verified_by", verifiedBy).Info("check-in rejected")
		return nil, err
	}
	log.WithFields(log.Fields{
		"order_id":      rcpt.OrderID,
		"order_item_id": rcpt.OrderItemID,
		"verified_by":   rcpt.VerifiedBy,
	}).Info("checked in")
	return rcpt, nil
}

func (v *Validator) checkIn(ctx context.Context, raw, verifiedBy string) (*Receipt, error) {
	if verifiedBy == "" {
		return nil, fmt.Errorf("%w: verified_by is required", apperr.ErrInvalidInput)
	}
	now := v.now()
	p, err := redemption.ParsePayload(raw, now, v.maxAge)
	if err != nil {
		return nil, err
	}

	var rcpt *Receipt
	err = v.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ord model.Order
		if err := tx.First(&ord, p.OrderID).Error; err != nil {
			return notFound(err, "order %d", p.OrderID)
		}
		var item model.OrderItem
		if err := tx.Preload("TicketType.Event").
			Where("id = ? AND order_id = ?", p.OrderItemID, ord.ID).
			First(&item).Error; err != nil {
			return notFound(err, "order item %d", p.OrderItemID)
		}
		if ord.Status != model.OrderPaid {
			return fmt.Errorf("%w: order %d is %s", apperr.ErrOrderNotPaid, ord.ID, ord.Status)
		}
		if item.TicketType == nil || item.TicketType.Event == nil {
			return fmt.Errorf("%w: event for order item %d", apperr.ErrNotFound, item.ID)
		}
		event := item.TicketType.Event

		var seen int64
		if err := tx.Model(&model.CheckinLog{}).
			Where("order_id = ? AND order_item_id = ?", ord.ID, item.ID).
			Count(&seen).Error; err != nil {
			return err
		}
		if seen > 0 {
			return fmt.Errorf("%w: order item %d", apperr.ErrAlreadyCheckedIn, item.ID)
		}

		if err := v.inWindow(event.StartDate, now); err != nil {
			return err
		}

		var code model.OrderItemCode
		if err := tx.Where("order_item_id = ? AND code = ?", item.ID, p.Hash).First(&code).Error; err != nil {
			return notFound(err, "redemption code for order item %d", item.ID)
		}
		if !code.Active {
			return fmt.Errorf("%w: code %d", apperr.ErrCodeInactive, code.ID)
		}

		entry := model.CheckinLog{
			CreatedAt:    now,
			UserID:       ord.UserID,
			OrderID:      ord.ID,
			OrderItemID:  item.ID,
			TicketTypeID: item.TicketTypeID,
			EventID:      event.ID,
			CheckinTime:  now,
			VerifiedBy:   verifiedBy,
			Notes:        "QR code verified: " + p.Hash,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}
		if err := tx.Model(&model.OrderItemCode{}).
			Where("id = ? AND used = ?", code.ID, false).
			Updates(map[string]any{"used": true, "used_at": now}).Error; err != nil {
			return err
		}

		rcpt = &Receipt{
			LogID:       entry.ID,
			OrderID:     ord.ID,
			OrderItemID: item.ID,
			TicketName:  item.TicketType.Name,
			EventName:   event.Title,
			CheckinTime: now,
			VerifiedBy:  verifiedBy,
		}
		return nil
	})
	if err != nil {
		// 并发的第二次插入撞上 (order_id, order_item_id) 唯一索引
		if db.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: order item %d", apperr.ErrAlreadyCheckedIn, p.OrderItemID)
		}
		return nil, err
	}
	return rcpt, nil
}

func (v *Validator) inWindow(start, now time.Time) error {
	opens := start.Add(-v.window)
	closes := start.Add(v.window)
	if now.Before(opens) {
		return fmt.Errorf("%w: opens at %s", apperr.ErrTooEarly, opens.Format(time.RFC3339))
	}
	if now.After(closes) {
		return fmt.Errorf("%w: closed at %s", apperr.ErrTooLate, closes.Format(time.RFC3339))
	}
	return nil
}

// Stats 活动核销统计。
type Stats struct {
	EventID          uint    `json:"event_id"`
	TotalTickets     int64   `json:"total_tickets"`
	CheckedInTickets int64   `json:"checked_in_tickets"`
	RemainingTickets int64   `json:"remaining_tickets"`
	CheckinRate      float64 `json:"checkin_rate"`
	CheckinRateText  string  `json:"checkin_rate_text"`
}

// GetCheckinStats counts paid units of the event against its check-in logs.
func (v *Validator) GetCheckinStats(ctx context.Context, eventID uint) (Stats, error) {
	var total int64
	err := v.db.WithContext(ctx).Model(&model.OrderItem{}).
		Joins("JOIN orders ON orders.id = order_items.order_id").
		Joins("JOIN ticket_types ON ticket_types.id = order_items.ticket_type_id").
		Where("ticket_types.event_id = ? AND orders.status = ?", eventID, model.OrderPaid).
		Select("COALESCE(SUM(order_items.quantity), 0)").
		Scan(&total).Error
	if err != nil {
		return Stats{}, err
	}

	var checked int64
	if err := v.db.WithContext(ctx).Model(&model.CheckinLog{}).Where("event_id = ?", eventID).Count(&checked).Error; err != nil {
		return Stats{}, err
	}

	s := Stats{
		EventID:          eventID,
		TotalTickets:     total,
		CheckedInTickets: checked,
		RemainingTickets: total - checked,
		CheckinRateText:  "0%",
	}
	if total > 0 {
		s.CheckinRate = float64(checked) / float64(total) * 100
		s.CheckinRateText = fmt.Sprintf("%.2f%%", s.CheckinRate)
	}
	return s, nil
}

// LogFilter narrows GetCheckinLogs; zero fields are ignored.
type LogFilter struct {
	EventID uint `form:"event_id"`
	OrderID uint `form:"order_id"`
}

// GetCheckinLogs returns check-ins newest first.
func (v *Validator) GetCheckinLogs(ctx context.Context, f LogFilter) ([]model.CheckinLog, error) {
	q := v.db.WithContext(ctx).Order("checkin_time DESC, id DESC")
	if f.EventID != 0 {
		q = q.Where("event_id = ?", f.EventID)
	}
	if f.OrderID != 0 {
		q = q.Where("order_id = ?", f.OrderID)
	}
	list := make([]model.CheckinLog, 0)
	if err := q.Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

func resultLabel(err error) string {
	kinds := []struct {
		err   error
		label string
	}{
		{apperr.ErrMalformedPayload, "malformed"},
		{apperr.ErrPayloadExpired, "expired"},
		{apperr.ErrAlreadyCheckedIn, "already_checked_in"},
		{apperr.ErrTooEarly, "too_early"},
		{apperr.ErrTooLate, "too_late"},
		{apperr.ErrOrderNotPaid, "not_paid"},
		{apperr.ErrCodeInactive, "inactive"},
		{apperr.ErrNotFound, "not_found"},
	}
	if err == nil {
		return "ok"
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.label
		}
	}
	return "error"
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", apperr.ErrNotFound, fmt.Sprintf(format, args...))
	}
	return err
}
