package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TicketTypeStatus 票种是否可售。
type TicketTypeStatus string

const (
	TicketActive   TicketTypeStatus = "ACTIVE"
	TicketInactive TicketTypeStatus = "INACTIVE"
)

// TicketType 票种：价格与库存计数器。0 <= SoldQty <= TotalQty。
type TicketType struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	EventID  uint             `gorm:"not null;index" json:"event_id"`
	Name     string           `gorm:"size:128;not null" json:"name"`
	Price    decimal.Decimal  `gorm:"type:decimal(15,2);not null" json:"price"`
	TotalQty int              `gorm:"not null;default:0" json:"total_qty"`
	SoldQty  int              `gorm:"not null;default:0" json:"sold_qty"`
	Status   TicketTypeStatus `gorm:"size:16;not null;default:ACTIVE" json:"status"`

	Event *Event `gorm:"foreignKey:EventID" json:"event,omitempty"`
}

func (TicketType) TableName() string { return "ticket_types" }
