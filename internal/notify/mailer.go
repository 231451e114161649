// Package notify hands post-payment emails to the mail outbox and pushes
// realtime payment events to buyers.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ticketing/internal/apperr"
	"ticketing/internal/model"
	"ticketing/internal/monitoring"
	"ticketing/internal/queue"
	"ticketing/internal/redemption"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Enqueuer accepts a mail request for asynchronous delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg queue.MailRequest) error
}

// TicketRenderer renders one payload per active redemption code.
type TicketRenderer interface {
	RenderPayloads(ctx context.Context, orderID uint) ([]redemption.Ticket, error)
}

// SendResult 交给出站队列后的回执。
type SendResult struct {
	RequestID   string    `json:"request_id"`
	OrderID     uint      `json:"order_id"`
	Kind        string    `json:"kind"`
	TicketsSent int       `json:"tickets_sent"`
	QueuedAt    time.Time `json:"queued_at"`
}

type Mailer struct {
	db      *gorm.DB
	tickets TicketRenderer
	out     Enqueuer
	now     func() time.Time
}

func NewMailer(db *gorm.DB, tickets TicketRenderer, out Enqueuer) *Mailer {
	return &Mailer{db: db, tickets: tickets, out: out, now: func() time.Time { return time.Now().UTC() }}
}

// SendTicketEmail 发送电子票邮件，每个可用核销码附带一份二维码内容。
func (m *Mailer) SendTicketEmail(ctx context.Context, orderID uint) (*SendResult, error) {
	return m.send(ctx, orderID, queue.MailTicket, func(ord *model.Order, req *queue.MailRequest) error {
		tickets, err := m.tickets.RenderPayloads(ctx, ord.ID)
		if err != nil {
			return err
		}
		for _, t := range tickets {
			req.Tickets = append(req.Tickets, queue.TicketAttachment{
				CodeID:         t.CodeID,
				Seq:            t.Seq,
				TicketTypeName: t.TicketTypeName,
				Payload:        t.Payload,
			})
		}
		req.Subject = fmt.Sprintf("Your tickets for %s - order #%s", eventTitle(ord), ord.OrderNo)
		return nil
	})
}

// SendOrderConfirmationEmail 只确认付款，不附票。
func (m *Mailer) SendOrderConfirmationEmail(ctx context.Context, orderID uint) (*SendResult, error) {
	return m.send(ctx, orderID, queue.MailConfirmation, func(ord *model.Order, req *queue.MailRequest) error {
		req.Subject = fmt.Sprintf("Payment confirmed for %s - order #%s", eventTitle(ord), ord.OrderNo)
		return nil
	})
}

func (m *Mailer) send(ctx context.Context, orderID uint, kind string, build func(*model.Order, *queue.MailRequest) error) (*SendResult, error) {
	var ord model.Order
	if err := m.db.WithContext(ctx).Preload("User").Preload("Event").First(&ord, orderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: order %d", apperr.ErrNotFound, orderID)
		}
		return nil, err
	}

	res, err := m.enqueue(ctx, &ord, kind, build)
	status := model.SendingSent
	if err != nil {
		status = model.SendingFailed
		monitoring.TrackMail(kind, "failed")
		log.WithError(err).WithFields(log.Fields{"order_id": orderID, "kind": kind}).Warn("mail request failed")
	} else {
		monitoring.TrackMail(kind, "queued")
	}
	if uerr := m.db.WithContext(ctx).Model(&model.Order{}).Where("id = ?", orderID).Update("sending_status", status).Error; uerr != nil {
		log.WithError(uerr).WithField("order_id", orderID).Error("update sending_status")
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (m *Mailer) enqueue(ctx context.Context, ord *model.Order, kind string, build func(*model.Order, *queue.MailRequest) error) (*SendResult, error) {
	if ord.Status != model.OrderPaid {
		return nil, fmt.Errorf("%w: order %d is %s", apperr.ErrOrderNotPaid, ord.ID, ord.Status)
	}
	if ord.User == nil || strings.TrimSpace(ord.User.Email) == "" {
		return nil, fmt.Errorf("%w: order %d has no recipient email", apperr.ErrInvalidInput, ord.ID)
	}

	now := m.now()
	req := queue.MailRequest{
		RequestID:  uuid.NewString(),
		Kind:       kind,
		OrderID:    ord.ID,
		OrderNo:    ord.OrderNo,
		To:         ord.User.Email,
		EventTitle: eventTitle(ord),
		Amount:     ord.TotalAmount.String(),
		CreatedAt:  now,
	}
	if err := build(ord, &req); err != nil {
		return nil, err
	}
	if err := m.out.Enqueue(ctx, req); err != nil {
		return nil, err
	}
	return &SendResult{
		RequestID:   req.RequestID,
		OrderID:     ord.ID,
		Kind:        kind,
		TicketsSent: len(req.Tickets),
		QueuedAt:    now,
	}, nil
}

func eventTitle(ord *model.Order) string {
	if ord.Event != nil && ord.Event.Title != "" {
		return ord.Event.Title
	}
	return "your event"
}
