package model

import "time"

// OrderItemCode 每张票一条核销码。(order_item_id, seq) 唯一，seq 取 1..quantity。
type OrderItemCode struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrderItemID uint       `gorm:"not null;uniqueIndex:idx_code_item_seq" json:"order_item_id"`
	Seq         int        `gorm:"not null;uniqueIndex:idx_code_item_seq" json:"seq"`
	Code        string     `gorm:"size:64;not null;uniqueIndex" json:"code"`
	Used        bool       `gorm:"not null;default:false" json:"used"`
	UsedAt      *time.Time `json:"used_at"`
	Active      bool       `gorm:"not null;default:true" json:"active"`
}

func (OrderItemCode) TableName() string { return "order_item_codes" }

// CheckinLog 一次成功入场的不可变记录，(order_id, order_item_id) 唯一。
type CheckinLog struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	UserID       uint      `gorm:"not null;index" json:"user_id"`
	OrderID      uint      `gorm:"not null;uniqueIndex:idx_checkin_order_item" json:"order_id"`
	OrderItemID  uint      `gorm:"not null;uniqueIndex:idx_checkin_order_item" json:"order_item_id"`
	TicketTypeID uint      `gorm:"not null" json:"ticket_type_id"`
	EventID      uint      `gorm:"not null;index" json:"event_id"`
	CheckinTime  time.Time `gorm:"not null" json:"checkin_time"`
	VerifiedBy   string    `gorm:"size:255;not null" json:"verified_by"`
	Notes        string    `gorm:"size:255" json:"notes"`
}

func (CheckinLog) TableName() string { return "checkin_logs" }
