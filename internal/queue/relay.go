package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	rd "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

type publisher interface {
	Publish(ctx context.Context, msg MailRequest) error
}

// Relay 将 Redis Stream 中的邮件请求异步转发到 Kafka。
// 语义：发布 Kafka 成功后才 ACK Stream，失败则保留消息等待重试。
type Relay struct {
	rdb      rd.Cmdable
	producer publisher

	stream   string
	group    string
	consumer string

	// 创建消费组失败时的重试退避区间
	retryMin time.Duration
	retryMax time.Duration
}

func NewRelay(rdb rd.Cmdable, producer publisher, stream, group, consumer string) *Relay {
	return &Relay{
		rdb:      rdb,
		producer: producer,
		stream:   stream,
		group:    group,
		consumer: consumer,
		retryMin: 500 * time.Millisecond,
		retryMax: 30 * time.Second,
	}
}

// Run blocks until ctx is cancelled. Redis 不可用时持续重试，不会让进程退出。
func (r *Relay) Run(ctx context.Context) error {
	if err := r.waitForGroup(ctx); err != nil {
		return nil
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		// 先尝试处理当前消费者历史 pending，避免遗留消息长期堆积。
		msgs, err := r.readGroup(ctx, "0", 0)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			log.WithError(err).Warn("relay read pending")
			sleep(ctx, 300*time.Millisecond)
			continue
		}
		if len(msgs) == 0 {
			msgs, err = r.readGroup(ctx, ">", 2*time.Second)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, context.Canceled) {
					return nil
				}
				log.WithError(err).Warn("relay read new")
				sleep(ctx, 300*time.Millisecond)
				continue
			}
		}

		for _, xm := range msgs {
			if err := r.processOne(ctx, xm); err != nil {
				// 发布失败不 ACK，消息会继续保留用于重试。
				log.WithError(err).WithField("message_id", xm.ID).Warn("relay process message")
				sleep(ctx, 200*time.Millisecond)
				break
			}
		}
	}
}

// waitForGroup 以指数退避重试创建消费组，只在 ctx 结束时返回错误。
func (r *Relay) waitForGroup(ctx context.Context) error {
	backoff := r.retryMin
	for {
		err := r.ensureGroup(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.WithError(err).WithField("retry_in", backoff).Warn("relay ensure group, mail relay paused")
		sleep(ctx, backoff)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		backoff *= 2
		if backoff > r.retryMax {
			backoff = r.retryMax
		}
	}
}

func (r *Relay) ensureGroup(ctx context.Context) error {
	err := r.rdb.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (r *Relay) readGroup(ctx context.Context, streamID string, block time.Duration) ([]rd.XMessage, error) {
	streams, err := r.rdb.XReadGroup(ctx, &rd.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.consumer,
		Streams:  []string{r.stream, streamID},
		Count:    16,
		Block:    block,
		NoAck:    false,
	}).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]rd.XMessage, 0, 16)
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

func (r *Relay) processOne(ctx context.Context, xm rd.XMessage) error {
	msg, err := parseMailRequest(xm.Values)
	if err != nil {
		// 脏消息直接 ACK 丢弃，避免阻塞队列。
		log.WithError(err).WithField("message_id", xm.ID).Warn("relay drop malformed message")
		if ackErr := r.ackAndDelete(ctx, xm.ID); ackErr != nil {
			return fmt.Errorf("parse failed: %v, ack failed: %w", err, ackErr)
		}
		return nil
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.producer.Publish(pubCtx, msg); err != nil {
		return err
	}
	return r.ackAndDelete(ctx, xm.ID)
}

func (r *Relay) ackAndDelete(ctx context.Context, id string) error {
	pipe := r.rdb.TxPipeline()
	pipe.XAck(ctx, r.stream, r.group, id)
	pipe.XDel(ctx, r.stream, id)
	_, err := pipe.Exec(ctx)
	return err
}

func parseMailRequest(values map[string]any) (MailRequest, error) {
	requestID, err := getStreamString(values, "request_id")
	if err != nil {
		return MailRequest{}, err
	}
	payload, err := getStreamString(values, "payload")
	if err != nil {
		return MailRequest{}, err
	}

	var msg MailRequest
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return MailRequest{}, fmt.Errorf("invalid payload: %w", err)
	}
	if msg.RequestID != requestID {
		return MailRequest{}, fmt.Errorf("request_id mismatch %q != %q", msg.RequestID, requestID)
	}
	if err := msg.Validate(); err != nil {
		return MailRequest{}, err
	}
	return msg, nil
}

func getStreamString(values map[string]any, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing field %s", key)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	default:
		return "", fmt.Errorf("unsupported field type %s: %T", key, v)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
