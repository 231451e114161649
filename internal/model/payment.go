package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// PaymentStatus 支付记录状态。
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentSuccess PaymentStatus = "SUCCESS"
	PaymentFailed  PaymentStatus = "FAILED"
)

// Payment 一条银行转账通知。OrderID 为 nil 表示尚未匹配订单。
// SUCCESS 的记录必然绑定了一个 PAID 订单。
type Payment struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrderID       *uint           `gorm:"index" json:"order_id"`
	Amount        decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"amount"`
	Currency      string          `gorm:"size:8;not null;default:VND" json:"currency"`
	PaymentMethod string          `gorm:"size:32;not null" json:"payment_method"`
	Status        PaymentStatus   `gorm:"size:16;not null;index" json:"status"`
	TransactionID string          `gorm:"size:128;index" json:"transaction_id"`
	// ReferenceCode 是网关侧的去重键。手工录入的记录可以为空，因此用指针避开唯一索引冲突。
	ReferenceCode *string `gorm:"size:128;uniqueIndex" json:"reference_code"`

	Gateway         string          `gorm:"size:64" json:"gateway"`
	TransactionDate *time.Time      `json:"transaction_date"`
	AccountNumber   string          `gorm:"size:64" json:"account_number"`
	SubAccount      *string         `gorm:"size:64" json:"sub_account"`
	Code            string          `gorm:"size:64" json:"code"`
	Content         string          `gorm:"size:512" json:"content"`
	TransferType    string          `gorm:"size:16" json:"transfer_type"`
	Description     string          `gorm:"size:512" json:"description"`
	Accumulated     decimal.Decimal `gorm:"type:decimal(20,2)" json:"accumulated"`
	GatewayID       int64           `gorm:"index" json:"gateway_id"`
	RawPayload      datatypes.JSON  `json:"raw_payload,omitempty"`
}

func (Payment) TableName() string { return "payments" }

// Matched reports whether the payment is bound to an order.
func (p Payment) Matched() bool { return p.OrderID != nil && *p.OrderID != 0 }
