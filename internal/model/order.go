package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus 描述订单状态机：PENDING/RESERVED -> PAID | CANCELLED | EXPIRED。
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderReserved  OrderStatus = "RESERVED"
	OrderPaid      OrderStatus = "PAID"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderExpired   OrderStatus = "EXPIRED"
)

// Holding reports whether the order still holds inventory and can be paid or cancelled.
func (s OrderStatus) Holding() bool {
	return s == OrderPending || s == OrderReserved
}

// HoldingStatuses lists the statuses whose items count against sold_qty.
var HoldingStatuses = []OrderStatus{OrderPending, OrderReserved}

// Email delivery outcome recorded on the order.
const (
	SendingSent   = "SENT"
	SendingFailed = "FAILED"
)

// Order 购票订单。OrderNo 是银行转账附言里携带的对外编号。
type Order struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrderNo        string          `gorm:"size:64;uniqueIndex;not null" json:"order_no"`
	UserID         uint            `gorm:"not null;index" json:"user_id"`
	OrganizationID uint            `gorm:"not null;index" json:"organization_id"`
	EventID        *uint           `gorm:"index" json:"event_id"`
	Status         OrderStatus     `gorm:"size:16;not null;index" json:"status"`
	TotalAmount    decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"total_amount"`
	// ReservedUntil is cleared once the order is paid so the sweep never touches it.
	ReservedUntil *time.Time `gorm:"index" json:"reserved_until"`
	PaidAt        *time.Time `json:"paid_at"`
	SendingStatus *string    `gorm:"size:16" json:"sending_status"`

	User     *User       `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Event    *Event      `gorm:"foreignKey:EventID" json:"event,omitempty"`
	Items    []OrderItem `gorm:"foreignKey:OrderID" json:"order_items,omitempty"`
	Payments []Payment   `gorm:"foreignKey:OrderID" json:"payments,omitempty"`
}

func (Order) TableName() string { return "orders" }

// OrderItem 订单行，Price 为下单时的单价快照。
type OrderItem struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrderID      uint            `gorm:"not null;index" json:"order_id"`
	TicketTypeID uint            `gorm:"not null;index" json:"ticket_type_id"`
	Quantity     int             `gorm:"not null" json:"quantity"`
	Price        decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"price"`

	TicketType *TicketType     `gorm:"foreignKey:TicketTypeID" json:"ticket_type,omitempty"`
	Codes      []OrderItemCode `gorm:"foreignKey:OrderItemID" json:"codes,omitempty"`
}

func (OrderItem) TableName() string { return "order_items" }

// Subtotal returns price × quantity.
func (i OrderItem) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// SumItems 重新计算订单总额。
func SumItems(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Subtotal())
	}
	return total
}
