package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ticketing/internal/apperr"
	"ticketing/internal/model"
	"ticketing/internal/monitoring"
	"ticketing/internal/order"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

type Page struct {
	Limit  int `form:"limit"`
	Offset int `form:"offset"`
}

func (p Page) normalize() Page {
	if p.Limit <= 0 {
		p.Limit = defaultPageLimit
	}
	if p.Limit > maxPageLimit {
		p.Limit = maxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

type Pagination struct {
	Total   int64 `json:"total"`
	Limit   int   `json:"limit"`
	Offset  int   `json:"offset"`
	HasMore bool  `json:"has_more"`
}

func newPagination(total int64, p Page) Pagination {
	return Pagination{Total: total, Limit: p.Limit, Offset: p.Offset, HasMore: int64(p.Offset+p.Limit) < total}
}

type PaymentList struct {
	Payments   []model.Payment `json:"payments"`
	Pagination Pagination      `json:"pagination"`
}

type OrderList struct {
	Orders     []model.Order `json:"orders"`
	Pagination Pagination    `json:"pagination"`
}

// MatchResult is returned by a manual match.
type MatchResult struct {
	OrderID uint          `json:"order_id"`
	Payment model.Payment `json:"payment"`
}

// MatchPaymentWithOrder 人工对账：把金额相同、最早的一笔未匹配支付绑定到订单并置为 PAID。
func (r *Reconciler) MatchPaymentWithOrder(ctx context.Context, orderID uint) (*MatchResult, error) {
	now := r.now()
	var out MatchResult
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ord model.Order
		if err := tx.First(&ord, orderID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: order %d", apperr.ErrNotFound, orderID)
			}
			return err
		}
		if !ord.Status.Holding() {
			return fmt.Errorf("%w: order %d is %s", apperr.ErrInvalidState, orderID, ord.Status)
		}

		var p model.Payment
		err := tx.Where("order_id IS NULL AND status = ? AND amount = ?", model.PaymentPending, ord.TotalAmount).
			Order("created_at ASC, id ASC").
			Limit(1).Find(&p).Error
		if err != nil {
			return err
		}
		if p.ID == 0 {
			return fmt.Errorf("%w: no unmatched payment of %s for order %d", apperr.ErrNotFound, ord.TotalAmount.String(), orderID)
		}
		if err := bind(tx, &p, ord.ID); err != nil {
			return err
		}
		if err := order.MarkPaid(tx, ord.ID, now); err != nil {
			return err
		}
		out = MatchResult{OrderID: ord.ID, Payment: p}
		return nil
	})
	if err != nil {
		return nil, err
	}

	monitoring.TrackReconcile(string(OutcomeMatched), string(StrategyManual))
	log.WithFields(log.Fields{"order_id": orderID, "payment_id": out.Payment.ID}).Info("payment matched manually")
	r.afterPaid(ctx, orderID)
	return &out, nil
}

// bind 条件更新，只绑定仍未匹配的支付，防止两个订单抢同一笔钱。
func bind(tx *gorm.DB, p *model.Payment, orderID uint) error {
	res := tx.Model(&model.Payment{}).
		Where("id = ? AND order_id IS NULL AND status = ?", p.ID, model.PaymentPending).
		Updates(map[string]any{"order_id": orderID, "status": model.PaymentSuccess})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: payment %d was matched concurrently", apperr.ErrInvalidState, p.ID)
	}
	p.OrderID = &orderID
	p.Status = model.PaymentSuccess
	return nil
}

// GetUnmatchedPayments lists payments waiting for manual reconciliation, newest first.
func (r *Reconciler) GetUnmatchedPayments(ctx context.Context, page Page) (PaymentList, error) {
	page = page.normalize()
	q := r.db.WithContext(ctx).Model(&model.Payment{}).
		Where("order_id IS NULL AND status = ?", model.PaymentPending).
		Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return PaymentList{}, err
	}
	list := make([]model.Payment, 0)
	if err := q.Order("created_at DESC, id DESC").Limit(page.Limit).Offset(page.Offset).Find(&list).Error; err != nil {
		return PaymentList{}, err
	}
	return PaymentList{Payments: list, Pagination: newPagination(total, page)}, nil
}

// GetPendingOrders lists orders that can still be paid, newest first.
func (r *Reconciler) GetPendingOrders(ctx context.Context, page Page) (OrderList, error) {
	page = page.normalize()
	q := r.db.WithContext(ctx).Model(&model.Order{}).Where("status IN ?", model.HoldingStatuses).
		Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return OrderList{}, err
	}
	list := make([]model.Order, 0)
	err := q.Preload("User").Preload("Event").Preload("Items.TicketType").
		Order("created_at DESC, id DESC").
		Limit(page.Limit).Offset(page.Offset).
		Find(&list).Error
	if err != nil {
		return OrderList{}, err
	}
	return OrderList{Orders: list, Pagination: newPagination(total, page)}, nil
}

// GetPaymentByOrder returns the latest payment bound to the order.
func (r *Reconciler) GetPaymentByOrder(ctx context.Context, orderID uint) (*model.Payment, error) {
	var p model.Payment
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).Order("created_at DESC, id DESC").Limit(1).Find(&p).Error
	if err != nil {
		return nil, err
	}
	if p.ID == 0 {
		return nil, fmt.Errorf("%w: payment for order %d", apperr.ErrNotFound, orderID)
	}
	return &p, nil
}

// ManualPayment 管理员手工录入的一笔支付，例如现场收款。
type ManualPayment struct {
	OrderID       *uint           `json:"order_id"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"payment_method"`
	TransactionID string          `json:"transaction_id"`
	ReferenceCode string          `json:"reference_code"`
	Content       string          `json:"content"`
	Description   string          `json:"description"`
}

// RecordPayment 录入支付。指定订单时金额必须与订单总额一致，并在同一事务内推进到 PAID。
func (r *Reconciler) RecordPayment(ctx context.Context, in ManualPayment) (*model.Payment, error) {
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be > 0", apperr.ErrInvalidInput)
	}
	now := r.now()
	p := model.Payment{
		CreatedAt:     now,
		Amount:        in.Amount,
		Currency:      "VND",
		PaymentMethod: strings.TrimSpace(in.PaymentMethod),
		Status:        model.PaymentPending,
		TransactionID: strings.TrimSpace(in.TransactionID),
		Content:       in.Content,
		Description:   in.Description,
	}
	if p.PaymentMethod == "" {
		p.PaymentMethod = "manual"
	}
	if ref := strings.TrimSpace(in.ReferenceCode); ref != "" {
		p.ReferenceCode = &ref
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if in.OrderID != nil {
			var ord model.Order
			if err := tx.First(&ord, *in.OrderID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("%w: order %d", apperr.ErrNotFound, *in.OrderID)
				}
				return err
			}
			if !ord.TotalAmount.Equal(in.Amount) {
				return fmt.Errorf("%w: amount %s does not equal order total %s", apperr.ErrInvalidInput, in.Amount.String(), ord.TotalAmount.String())
			}
			if err := order.MarkPaid(tx, ord.ID, now); err != nil {
				return err
			}
			id := ord.ID
			p.OrderID = &id
			p.Status = model.PaymentSuccess
		}
		return tx.Create(&p).Error
	})
	if err != nil {
		return nil, err
	}
	if p.OrderID != nil {
		monitoring.TrackReconcile(string(OutcomeMatched), string(StrategyManual))
		r.afterPaid(ctx, *p.OrderID)
	}
	return &p, nil
}

// PaymentUpdate carries editable fields. Status may only move between PENDING and FAILED.
type PaymentUpdate struct {
	Status        *model.PaymentStatus `json:"status"`
	TransactionID *string              `json:"transaction_id"`
	Content       *string              `json:"content"`
	Description   *string              `json:"description"`
}

// UpdatePayment 成功的支付不可修改。
func (r *Reconciler) UpdatePayment(ctx context.Context, id uint, in PaymentUpdate) (*model.Payment, error) {
	fields := map[string]any{}
	if in.Status != nil {
		if *in.Status != model.PaymentPending && *in.Status != model.PaymentFailed {
			return nil, fmt.Errorf("%w: status must be PENDING or FAILED", apperr.ErrInvalidInput)
		}
		fields["status"] = *in.Status
	}
	if in.TransactionID != nil {
		fields["transaction_id"] = *in.TransactionID
	}
	if in.Content != nil {
		fields["content"] = *in.Content
	}
	if in.Description != nil {
		fields["description"] = *in.Description
	}

	var p model.Payment
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := loadMutable(tx, id, &p); err != nil {
			return err
		}
		if len(fields) == 0 {
			return nil
		}
		if err := tx.Model(&p).Updates(fields).Error; err != nil {
			return err
		}
		return tx.First(&p, id).Error
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// DeletePayment removes a payment that was never bound to a paid order.
func (r *Reconciler) DeletePayment(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p model.Payment
		if err := loadMutable(tx, id, &p); err != nil {
			return err
		}
		return tx.Delete(&p).Error
	})
}

func loadMutable(tx *gorm.DB, id uint, p *model.Payment) error {
	if err := tx.First(p, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: payment %d", apperr.ErrNotFound, id)
		}
		return err
	}
	if p.Status == model.PaymentSuccess {
		return fmt.Errorf("%w: payment %d is settled", apperr.ErrInvalidState, id)
	}
	return nil
}
