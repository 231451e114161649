// Package eventsettings stores per-event email flags as key/value rows.
package eventsettings

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"ticketing/internal/apperr"
	"ticketing/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Settings 未配置的键一律视为 false。
type Settings struct {
	AutoSendConfirmEmail bool `json:"auto_send_confirm_email"`
	AutoSendTicketEmail  bool `json:"auto_send_ticket_email"`
}

// Update 只写入非 nil 字段。
type Update struct {
	AutoSendConfirmEmail *bool `json:"auto_send_confirm_email"`
	AutoSendTicketEmail  *bool `json:"auto_send_ticket_email"`
}

type Service struct {
	db  *gorm.DB
	now func() time.Time
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Service) GetEventSettings(ctx context.Context, eventID uint) (Settings, error) {
	var rows []model.EventSetting
	if err := s.db.WithContext(ctx).Where("event_id = ?", eventID).Find(&rows).Error; err != nil {
		return Settings{}, err
	}
	var out Settings
	for _, r := range rows {
		v, _ := strconv.ParseBool(r.SettingValue)
		switch r.SettingKey {
		case model.SettingAutoSendConfirmEmail:
			out.AutoSendConfirmEmail = v
		case model.SettingAutoSendTicketEmail:
			out.AutoSendTicketEmail = v
		}
	}
	return out, nil
}

// UpdateEventSettings upserts the given flags on (event_id, setting_key) and returns the merged view.
func (s *Service) UpdateEventSettings(ctx context.Context, eventID uint, in Update) (Settings, error) {
	var ev model.Event
	if err := s.db.WithContext(ctx).Select("id").First(&ev, eventID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Settings{}, fmt.Errorf("%w: event %d", apperr.ErrNotFound, eventID)
		}
		return Settings{}, err
	}

	now := s.now()
	var rows []model.EventSetting
	if in.AutoSendConfirmEmail != nil {
		rows = append(rows, setting(eventID, model.SettingAutoSendConfirmEmail, *in.AutoSendConfirmEmail, now))
	}
	if in.AutoSendTicketEmail != nil {
		rows = append(rows, setting(eventID, model.SettingAutoSendTicketEmail, *in.AutoSendTicketEmail, now))
	}
	if len(rows) > 0 {
		err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}, {Name: "setting_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"setting_value", "updated_at"}),
		}).Create(&rows).Error
		if err != nil {
			return Settings{}, err
		}
	}
	return s.GetEventSettings(ctx, eventID)
}

// ShouldSendConfirmEmail 票务邮件开启时不再单独发送确认邮件。
func (s *Service) ShouldSendConfirmEmail(ctx context.Context, eventID uint) (bool, error) {
	st, err := s.GetEventSettings(ctx, eventID)
	if err != nil {
		return false, err
	}
	return st.AutoSendConfirmEmail && !st.AutoSendTicketEmail, nil
}

func (s *Service) ShouldSendTicketEmail(ctx context.Context, eventID uint) (bool, error) {
	st, err := s.GetEventSettings(ctx, eventID)
	if err != nil {
		return false, err
	}
	return st.AutoSendTicketEmail, nil
}

func setting(eventID uint, key string, v bool, now time.Time) model.EventSetting {
	return model.EventSetting{
		CreatedAt:    now,
		UpdatedAt:    now,
		EventID:      eventID,
		SettingKey:   key,
		SettingValue: strconv.FormatBool(v),
	}
}
