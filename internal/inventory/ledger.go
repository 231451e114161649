// Package inventory keeps the per-ticket-type sold/total counters.
//
// Every mutation is a single conditional UPDATE, so the availability check and the
// counter change can never be split by a concurrent writer.
package inventory

import (
	"context"
	"errors"
	"fmt"

	"ticketing/internal/apperr"
	"ticketing/internal/model"

	"gorm.io/gorm"
)

// Reserve 在同一条 UPDATE 中校验余量并累加 sold_qty。
// 必须在调用方的事务内执行。
func Reserve(tx *gorm.DB, ticketTypeID uint, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("%w: quantity must be > 0", apperr.ErrInvalidInput)
	}
	res := tx.Model(&model.TicketType{}).
		Where("id = ? AND status = ? AND total_qty - sold_qty >= ?", ticketTypeID, model.TicketActive, qty).
		Update("sold_qty", gorm.Expr("sold_qty + ?", qty))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: ticket type %d cannot hold %d more", apperr.ErrInsufficientInventory, ticketTypeID, qty)
	}
	return nil
}

// Release 归还库存。sold_qty 不足说明账本已损坏，返回 ErrInvalidState 让事务回滚。
func Release(tx *gorm.DB, ticketTypeID uint, qty int) error {
	if qty < 0 {
		return fmt.Errorf("%w: quantity must be >= 0", apperr.ErrInvalidInput)
	}
	if qty == 0 {
		return nil
	}
	res := tx.Model(&model.TicketType{}).
		Where("id = ? AND sold_qty >= ?", ticketTypeID, qty).
		Update("sold_qty", gorm.Expr("sold_qty - ?", qty))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: ticket type %d holds fewer than %d units", apperr.ErrInvalidState, ticketTypeID, qty)
	}
	return nil
}

// Adjust applies a signed quantity delta: positive reserves, negative releases.
func Adjust(tx *gorm.DB, ticketTypeID uint, delta int) error {
	switch {
	case delta > 0:
		return Reserve(tx, ticketTypeID, delta)
	case delta < 0:
		return Release(tx, ticketTypeID, -delta)
	default:
		return nil
	}
}

// Snapshot is a point-in-time view of one ticket type's counters.
type Snapshot struct {
	TicketTypeID uint                   `json:"ticket_type_id"`
	Status       model.TicketTypeStatus `json:"status"`
	TotalQty     int                    `json:"total_qty"`
	SoldQty      int                    `json:"sold_qty"`
	Available    int                    `json:"available"`
}

// Ledger exposes read access to the counters.
type Ledger struct {
	db *gorm.DB
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

func (l *Ledger) Snapshot(ctx context.Context, ticketTypeID uint) (Snapshot, error) {
	var tt model.TicketType
	if err := l.db.WithContext(ctx).First(&tt, ticketTypeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Snapshot{}, fmt.Errorf("%w: ticket type %d", apperr.ErrNotFound, ticketTypeID)
		}
		return Snapshot{}, err
	}
	return Snapshot{
		TicketTypeID: tt.ID,
		Status:       tt.Status,
		TotalQty:     tt.TotalQty,
		SoldQty:      tt.SoldQty,
		Available:    tt.TotalQty - tt.SoldQty,
	}, nil
}
