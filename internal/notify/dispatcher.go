package notify

import (
	"context"
	"fmt"

	"ticketing/internal/model"

	pubnub "github.com/pubnub/go/v7"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// EmailPolicy answers the per-event auto-send flags.
type EmailPolicy interface {
	ShouldSendTicketEmail(ctx context.Context, eventID uint) (bool, error)
	ShouldSendConfirmEmail(ctx context.Context, eventID uint) (bool, error)
}

// Pusher delivers a realtime message to a channel.
type Pusher interface {
	Push(ctx context.Context, channel string, msg map[string]any) error
}

type mailSender interface {
	SendTicketEmail(ctx context.Context, orderID uint) (*SendResult, error)
	SendOrderConfirmationEmail(ctx context.Context, orderID uint) (*SendResult, error)
}

// Dispatcher 支付成功后的副作用：按活动设置发邮件，并推送 payment_success。
// 所有错误只记录，不向上返回。
type Dispatcher struct {
	db     *gorm.DB
	policy EmailPolicy
	mailer mailSender
	pusher Pusher
}

// NewDispatcher builds a dispatcher; pusher may be nil.
func NewDispatcher(db *gorm.DB, policy EmailPolicy, mailer mailSender, pusher Pusher) *Dispatcher {
	return &Dispatcher{db: db, policy: policy, mailer: mailer, pusher: pusher}
}

func (d *Dispatcher) AfterPaid(ctx context.Context, orderID uint) {
	var ord model.Order
	if err := d.db.WithContext(ctx).First(&ord, orderID).Error; err != nil {
		log.WithError(err).WithField("order_id", orderID).Error("load order after payment")
		return
	}
	entry := log.WithField("order_id", orderID)

	if ord.EventID != nil {
		d.sendEmail(ctx, entry, *ord.EventID, orderID)
	}

	if d.pusher == nil {
		return
	}
	msg := map[string]any{
		"type":     "payment_success",
		"order_id": ord.ID,
		"order_no": ord.OrderNo,
		"amount":   ord.TotalAmount.String(),
	}
	if err := d.pusher.Push(ctx, UserChannel(ord.UserID), msg); err != nil {
		entry.WithError(err).Warn("push payment_success")
	}
}

// sendEmail 票务邮件优先于确认邮件。
func (d *Dispatcher) sendEmail(ctx context.Context, entry *log.Entry, eventID, orderID uint) {
	ticket, err := d.policy.ShouldSendTicketEmail(ctx, eventID)
	if err != nil {
		entry.WithError(err).Warn("read event settings")
		return
	}
	if ticket {
		if _, err := d.mailer.SendTicketEmail(ctx, orderID); err != nil {
			entry.WithError(err).Warn("auto send ticket email")
		}
		return
	}
	confirm, err := d.policy.ShouldSendConfirmEmail(ctx, eventID)
	if err != nil {
		entry.WithError(err).Warn("read event settings")
		return
	}
	if confirm {
		if _, err := d.mailer.SendOrderConfirmationEmail(ctx, orderID); err != nil {
			entry.WithError(err).Warn("auto send confirmation email")
		}
	}
}

// UserChannel is the PubNub channel a buyer's client subscribes to.
func UserChannel(userID uint) string {
	return fmt.Sprintf("user-%d", userID)
}

// PubNubPusher publishes over PubNub.
type PubNubPusher struct {
	pn *pubnub.PubNub
}

// NewPubNubPusher returns nil when no publish key is configured.
func NewPubNubPusher(publishKey, subscribeKey, userID string) *PubNubPusher {
	if publishKey == "" {
		return nil
	}
	cfg := pubnub.NewConfigWithUserId(pubnub.UserId(userID))
	cfg.PublishKey = publishKey
	cfg.SubscribeKey = subscribeKey
	return &PubNubPusher{pn: pubnub.NewPubNub(cfg)}
}

func (p *PubNubPusher) Push(_ context.Context, channel string, msg map[string]any) error {
	_, _, err := p.pn.Publish().
		Channel(channel).
		Message(msg).
		Execute()
	return err
}
