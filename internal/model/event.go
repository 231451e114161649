package model

import "time"

// Event 活动。ReservationMinutes > 0 时覆盖全局保留时长。
type Event struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrganizationID     uint      `gorm:"not null;index" json:"organization_id"`
	Title              string    `gorm:"size:255;not null" json:"title"`
	StartDate          time.Time `gorm:"not null" json:"start_date"`
	ReservationMinutes int       `gorm:"not null;default:0" json:"reservation_minutes"`
}

func (Event) TableName() string { return "events" }

// Event setting keys.
const (
	SettingAutoSendConfirmEmail = "auto_send_confirm_email"
	SettingAutoSendTicketEmail  = "auto_send_ticket_email"
)

// EventSetting is a key/value flag attached to an event.
type EventSetting struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	EventID      uint   `gorm:"not null;uniqueIndex:idx_event_setting_key" json:"event_id"`
	SettingKey   string `gorm:"size:64;not null;uniqueIndex:idx_event_setting_key" json:"setting_key"`
	SettingValue string `gorm:"size:255;not null" json:"setting_value"`
}

func (EventSetting) TableName() string { return "event_settings" }

// User 购票用户，Email 用于转账附言匹配与邮件投递。
type User struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Email string `gorm:"size:255;index" json:"email"`
	Phone string `gorm:"size:32" json:"phone"`
	Name  string `gorm:"size:128" json:"name"`
}

func (User) TableName() string { return "users" }
