// Package redemption issues one redemption code per purchased ticket unit and
// renders the QR payloads that carry them.
package redemption

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ticketing/internal/apperr"
	"ticketing/internal/model"
	"ticketing/internal/monitoring"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const codeLength = 32

type Generator struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGenerator(db *gorm.DB, now func() time.Time) *Generator {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Generator{db: db, now: now}
}

// codeSeed 是派生核销码的输入，random_salt 保证同一时刻生成的码也不同。
type codeSeed struct {
	OrderID      uint   `json:"order_id"`
	OrderItemID  uint   `json:"order_item_id"`
	TicketTypeID uint   `json:"ticket_type_id"`
	Quantity     int    `json:"quantity"`
	Seq          int    `json:"seq"`
	Timestamp    int64  `json:"timestamp"`
	RandomSalt   string `json:"random_salt"`
}

func deriveCode(seed codeSeed) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("read salt: %w", err)
	}
	seed.RandomSalt = hex.EncodeToString(salt)
	b, err := json.Marshal(seed)
	if err != nil {
		return "", err
	}
	sum := blake2b.Sum256(b)
	return hex.EncodeToString(sum[:])[:codeLength], nil
}

// GenerateCodesForOrder 为已支付订单补齐缺失的核销码，返回新建数量。
// (order_item_id, seq) 唯一约束保证并发重复调用也不会多发。
func (g *Generator) GenerateCodesForOrder(ctx context.Context, orderID uint) (int, error) {
	created := 0
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ord model.Order
		if err := tx.Preload("Items").First(&ord, orderID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: order %d", apperr.ErrNotFound, orderID)
			}
			return err
		}
		if ord.Status != model.OrderPaid {
			return fmt.Errorf("%w: order %d is %s", apperr.ErrOrderNotPaid, orderID, ord.Status)
		}

		now := g.now()
		for _, it := range ord.Items {
			var seqs []int
			if err := tx.Model(&model.OrderItemCode{}).Where("order_item_id = ?", it.ID).Pluck("seq", &seqs).Error; err != nil {
				return err
			}
			if len(seqs) >= it.Quantity {
				continue
			}
			have := make(map[int]bool, len(seqs))
			for _, s := range seqs {
				have[s] = true
			}
			for seq := 1; seq <= it.Quantity; seq++ {
				if have[seq] {
					continue
				}
				code, err := deriveCode(codeSeed{
					OrderID:      ord.ID,
					OrderItemID:  it.ID,
					TicketTypeID: it.TicketTypeID,
					Quantity:     1,
					Seq:          seq,
					Timestamp:    now.UnixMilli(),
				})
				if err != nil {
					return err
				}
				row := model.OrderItemCode{
					CreatedAt:   now,
					OrderItemID: it.ID,
					Seq:         seq,
					Code:        code,
					Active:      true,
				}
				// 并发触发时另一方已写入同一 seq：视为已发放。
				res := tx.Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "order_item_id"}, {Name: "seq"}},
					DoNothing: true,
				}).Create(&row)
				if res.Error != nil {
					return res.Error
				}
				created += int(res.RowsAffected)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	monitoring.TrackCodesIssued(created)
	if created > 0 {
		log.WithFields(log.Fields{"order_id": orderID, "created": created}).Info("redemption codes issued")
	}
	return created, nil
}

// Ticket is one scannable ticket rendered for delivery.
type Ticket struct {
	CodeID         uint   `json:"code_id"`
	OrderItemID    uint   `json:"order_item_id"`
	Seq            int    `json:"seq"`
	TicketTypeName string `json:"ticket_type_name"`
	Payload        string `json:"payload"`
}

// IssueMissingCodes 补发码数少于购买数量的已支付订单，返回补发数量。
// 单个订单失败只记录日志，继续处理其余订单。
func (g *Generator) IssueMissingCodes(ctx context.Context) (int, error) {
	var rows []struct{ OrderID uint }
	err := g.db.WithContext(ctx).Model(&model.OrderItem{}).
		Select("order_items.order_id AS order_id").
		Joins("JOIN orders ON orders.id = order_items.order_id").
		Joins("LEFT JOIN order_item_codes ON order_item_codes.order_item_id = order_items.id").
		Where("orders.status = ?", model.OrderPaid).
		Group("order_items.id, order_items.order_id, order_items.quantity").
		Having("COUNT(order_item_codes.id) < order_items.quantity").
		Scan(&rows).Error
	if err != nil {
		return 0, err
	}

	seen := make(map[uint]bool, len(rows))
	total := 0
	for _, r := range rows {
		if seen[r.OrderID] {
			continue
		}
		seen[r.OrderID] = true
		n, err := g.GenerateCodesForOrder(ctx, r.OrderID)
		if err != nil {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			log.WithError(err).WithField("order_id", r.OrderID).Warn("reissue missing redemption codes")
			continue
		}
		total += n
	}
	if total > 0 {
		log.WithField("created", total).Warn("reissued redemption codes missing after payment")
	}
	return total, nil
}

// RenderPayloads 为订单每个可用核销码生成带当前时间戳的二维码内容。
// 渲染前先补齐缺失的码，支付后发码失败的订单在这里恢复。
func (g *Generator) RenderPayloads(ctx context.Context, orderID uint) ([]Ticket, error) {
	if _, err := g.GenerateCodesForOrder(ctx, orderID); err != nil {
		return nil, err
	}

	var ord model.Order
	err := g.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Preload("Items.TicketType").
		Preload("Items.Codes", func(db *gorm.DB) *gorm.DB { return db.Where("active = ?", true).Order("seq ASC") }).
		First(&ord, orderID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: order %d", apperr.ErrNotFound, orderID)
		}
		return nil, err
	}
	if ord.Status != model.OrderPaid {
		return nil, fmt.Errorf("%w: order %d is %s", apperr.ErrOrderNotPaid, orderID, ord.Status)
	}

	ts := g.now().UnixMilli()
	var out []Ticket
	for _, it := range ord.Items {
		name := ""
		if it.TicketType != nil {
			name = it.TicketType.Name
		}
		for _, c := range it.Codes {
			raw, err := Payload{
				OrderID:     ord.ID,
				OrderItemID: it.ID,
				TicketID:    it.TicketTypeID,
				Quantity:    1,
				Timestamp:   ts,
				Hash:        c.Code,
			}.Encode()
			if err != nil {
				return nil, err
			}
			out = append(out, Ticket{CodeID: c.ID, OrderItemID: it.ID, Seq: c.Seq, TicketTypeName: name, Payload: raw})
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: order %d", apperr.ErrNoTickets, orderID)
	}
	return out, nil
}

// ListCodes returns codes, optionally narrowed to one order item.
func (g *Generator) ListCodes(ctx context.Context, orderItemID uint) ([]model.OrderItemCode, error) {
	q := g.db.WithContext(ctx).Order("order_item_id ASC, seq ASC")
	if orderItemID != 0 {
		q = q.Where("order_item_id = ?", orderItemID)
	}
	var list []model.OrderItemCode
	if err := q.Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

// SetActive 软禁用或恢复一个核销码，不删除记录。
func (g *Generator) SetActive(ctx context.Context, codeID uint, active bool) (*model.OrderItemCode, error) {
	res := g.db.WithContext(ctx).Model(&model.OrderItemCode{}).Where("id = ?", codeID).Update("active", active)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: code %d", apperr.ErrNotFound, codeID)
	}
	var c model.OrderItemCode
	if err := g.db.WithContext(ctx).First(&c, codeID).Error; err != nil {
		return nil, err
	}
	return &c, nil
}
