package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	rd "github.com/redis/go-redis/v9"
)

// StreamOutbox 把邮件请求追加到 Redis Stream，由 Relay 异步转发到 Kafka。
// 请求方只负责落 Stream，Kafka 不可用时不影响支付主流程。
type StreamOutbox struct {
	rdb    rd.Cmdable
	stream string
	maxLen int64
}

func NewStreamOutbox(rdb rd.Cmdable, stream string, maxLen int64) *StreamOutbox {
	return &StreamOutbox{rdb: rdb, stream: stream, maxLen: maxLen}
}

// Enqueue XADD 一条请求，字段顺序固定。
func (o *StreamOutbox) Enqueue(ctx context.Context, msg MailRequest) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	args := &rd.XAddArgs{
		Stream: o.stream,
		Values: []any{
			"request_id", msg.RequestID,
			"order_id", strconv.FormatUint(uint64(msg.OrderID), 10),
			"kind", msg.Kind,
			"payload", string(b),
		},
	}
	if o.maxLen > 0 {
		args.MaxLen = o.maxLen
		args.Approx = true
	}
	if err := o.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", o.stream, err)
	}
	return nil
}
