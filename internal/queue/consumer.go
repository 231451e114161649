package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"ticketing/internal/model"
	"ticketing/internal/monitoring"

	"github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// ReceiptConsumer 读取邮件服务的投递回执，回写 orders.sending_status。
type ReceiptConsumer struct {
	r  messageReader
	db *gorm.DB
	// 读取失败后的等待时间
	retry time.Duration
}

func NewReceiptConsumer(brokers []string, topic, groupID string, db *gorm.DB) *ReceiptConsumer {
	return &ReceiptConsumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1e3,
			MaxBytes: 1e6,
			MaxWait:  time.Second,
		}),
		db:    db,
		retry: time.Second,
	}
}

func (c *ReceiptConsumer) Close() error { return c.r.Close() }

// Run 直到 ctx 取消或 reader 关闭。Kafka 读取失败与单条回执失败都只记录日志，不会让进程退出。
func (c *ReceiptConsumer) Run(ctx context.Context) error {
	for {
		m, err := c.r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return nil
			}
			log.WithError(err).Warn("receipt read")
			sleep(ctx, c.retry)
			continue
		}

		var rc Receipt
		if err := json.Unmarshal(m.Value, &rc); err != nil {
			log.WithError(err).WithField("offset", m.Offset).Warn("receipt unmarshal")
			continue
		}
		if err := rc.Validate(); err != nil {
			log.WithError(err).WithField("offset", m.Offset).Warn("receipt dropped")
			continue
		}
		if err := c.apply(ctx, rc); err != nil {
			log.WithError(err).WithField("order_id", rc.OrderID).Warn("receipt apply")
		}
	}
}

// apply 重复回执天然幂等：同一状态重复写入不会产生副作用。
func (c *ReceiptConsumer) apply(ctx context.Context, rc Receipt) error {
	status := model.SendingSent
	result := "delivered"
	if !rc.Delivered {
		status = model.SendingFailed
		result = "bounced"
	}
	res := c.db.WithContext(ctx).Model(&model.Order{}).
		Where("id = ?", rc.OrderID).
		Update("sending_status", status)
	if res.Error != nil {
		return res.Error
	}
	monitoring.TrackMail(rc.Kind, result)
	if res.RowsAffected == 0 {
		log.WithField("order_id", rc.OrderID).Warn("receipt for unknown order")
	}
	return nil
}
