package queue

import (
	"fmt"
	"time"
)

// Mail kinds understood by the external email service.
const (
	MailTicket       = "ticket"
	MailConfirmation = "confirmation"
)

// TicketAttachment 一张电子票：邮件服务据此渲染二维码。
type TicketAttachment struct {
	CodeID         uint   `json:"code_id"`
	Seq            int    `json:"seq"`
	TicketTypeName string `json:"ticket_type_name"`
	Payload        string `json:"payload"`
}

// MailRequest 是写入 Stream 并转发到 Kafka 的邮件投递请求。
type MailRequest struct {
	RequestID  string             `json:"request_id"`
	Kind       string             `json:"kind"`
	OrderID    uint               `json:"order_id"`
	OrderNo    string             `json:"order_no"`
	To         string             `json:"to"`
	Subject    string             `json:"subject"`
	EventTitle string             `json:"event_title,omitempty"`
	Amount     string             `json:"amount"`
	Tickets    []TicketAttachment `json:"tickets,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
}

// Validate 做最小字段校验，防止下游处理脏消息。
func (m MailRequest) Validate() error {
	if m.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}
	if m.Kind != MailTicket && m.Kind != MailConfirmation {
		return fmt.Errorf("unknown mail kind %q", m.Kind)
	}
	if m.OrderID == 0 {
		return fmt.Errorf("order_id is required")
	}
	if m.To == "" {
		return fmt.Errorf("recipient is required")
	}
	if m.Kind == MailTicket && len(m.Tickets) == 0 {
		return fmt.Errorf("ticket mail needs at least one ticket")
	}
	return nil
}

// Receipt 邮件服务回写的投递结果。
type Receipt struct {
	RequestID string `json:"request_id"`
	OrderID   uint   `json:"order_id"`
	Kind      string `json:"kind"`
	Delivered bool   `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

func (r Receipt) Validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}
	if r.OrderID == 0 {
		return fmt.Errorf("order_id is required")
	}
	return nil
}
