package redemption

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ticketing/internal/apperr"
)

// DefaultMaxAge bounds how old a rendered payload may be when scanned.
const DefaultMaxAge = 24 * time.Hour

// MaxClockSkew 允许扫码设备与服务端之间的时钟偏差。
const MaxClockSkew = 5 * time.Minute

// Payload 是二维码里携带的内容。Hash 即存储的核销码。
type Payload struct {
	OrderID     uint   `json:"orderId"`
	OrderItemID uint   `json:"orderItemId"`
	TicketID    uint   `json:"ticketId"`
	Quantity    int    `json:"quantity"`
	Timestamp   int64  `json:"timestamp"`
	Hash        string `json:"hash"`
}

func (p Payload) Encode() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// IssuedAt returns the payload timestamp as time.
func (p Payload) IssuedAt() time.Time {
	return time.UnixMilli(p.Timestamp).UTC()
}

// ParsePayload 解析并校验二维码内容：字段齐全，时间戳不早于 now - maxAge，
// 也不晚于 now + MaxClockSkew。
func ParsePayload(raw string, now time.Time, maxAge time.Duration) (Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", apperr.ErrMalformedPayload, err)
	}
	missing := ""
	switch {
	case p.OrderID == 0:
		missing = "orderId"
	case p.OrderItemID == 0:
		missing = "orderItemId"
	case p.TicketID == 0:
		missing = "ticketId"
	case p.Quantity <= 0:
		missing = "quantity"
	case p.Timestamp <= 0:
		missing = "timestamp"
	case strings.TrimSpace(p.Hash) == "":
		missing = "hash"
	}
	if missing != "" {
		return Payload{}, fmt.Errorf("%w: missing required field %s", apperr.ErrMalformedPayload, missing)
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if p.IssuedAt().After(now.Add(MaxClockSkew)) {
		return Payload{}, fmt.Errorf("%w: issued in the future at %s", apperr.ErrMalformedPayload, p.IssuedAt().Format(time.RFC3339))
	}
	if now.Sub(p.IssuedAt()) > maxAge {
		return Payload{}, fmt.Errorf("%w: issued at %s", apperr.ErrPayloadExpired, p.IssuedAt().Format(time.RFC3339))
	}
	return p, nil
}
