package order

import (
	"context"
	"fmt"

	"ticketing/internal/apperr"
	"ticketing/internal/inventory"
	"ticketing/internal/model"

	"gorm.io/gorm"
)

// AddItem appends a line to an unpaid order and reserves its units.
func (s *Service) AddItem(ctx context.Context, orderID uint, in ItemInput) (*model.Order, error) {
	if in.Quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be > 0", apperr.ErrInvalidInput)
	}
	err := s.mutateItems(ctx, orderID, func(tx *gorm.DB, ord *model.Order) error {
		tt, err := loadSellable(tx, in.TicketTypeID, ord.EventID)
		if err != nil {
			return err
		}
		if err := inventory.Reserve(tx, tt.ID, in.Quantity); err != nil {
			return err
		}
		return tx.Create(&model.OrderItem{
			CreatedAt:    s.now(),
			OrderID:      ord.ID,
			TicketTypeID: tt.ID,
			Quantity:     in.Quantity,
			Price:        tt.Price,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, orderID)
}

// UpdateItem changes a line's quantity, reserving or releasing the difference.
// The unit price snapshot is kept.
func (s *Service) UpdateItem(ctx context.Context, orderID, itemID uint, quantity int) (*model.Order, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be > 0, delete the item instead", apperr.ErrInvalidInput)
	}
	err := s.mutateItems(ctx, orderID, func(tx *gorm.DB, ord *model.Order) error {
		it, err := loadItem(tx, ord.ID, itemID)
		if err != nil {
			return err
		}
		delta := quantity - it.Quantity
		if delta > 0 {
			if _, err := loadSellable(tx, it.TicketTypeID, nil); err != nil {
				return err
			}
		}
		if err := inventory.Adjust(tx, it.TicketTypeID, delta); err != nil {
			return err
		}
		return tx.Model(it).Update("quantity", quantity).Error
	})
	if err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, orderID)
}

// DeleteItem removes a line and releases all of its units.
func (s *Service) DeleteItem(ctx context.Context, orderID, itemID uint) (*model.Order, error) {
	err := s.mutateItems(ctx, orderID, func(tx *gorm.DB, ord *model.Order) error {
		it, err := loadItem(tx, ord.ID, itemID)
		if err != nil {
			return err
		}
		if err := inventory.Release(tx, it.TicketTypeID, it.Quantity); err != nil {
			return err
		}
		return tx.Delete(it).Error
	})
	if err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, orderID)
}

// mutateItems 先用条件更新锁住仍可修改的订单行，再执行 fn，最后重算 total_amount。
func (s *Service) mutateItems(ctx context.Context, orderID uint, fn func(tx *gorm.DB, ord *model.Order) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Order{}).
			Where("id = ? AND status IN ?", orderID, model.HoldingStatuses).
			Update("updated_at", s.now())
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return stateError(tx, orderID, "modify items of")
		}

		var ord model.Order
		if err := tx.First(&ord, orderID).Error; err != nil {
			return err
		}
		if err := fn(tx, &ord); err != nil {
			return err
		}
		return recomputeTotal(tx, orderID)
	})
}

func recomputeTotal(tx *gorm.DB, orderID uint) error {
	var items []model.OrderItem
	if err := tx.Where("order_id = ?", orderID).Find(&items).Error; err != nil {
		return err
	}
	return tx.Model(&model.Order{}).Where("id = ?", orderID).
		Update("total_amount", model.SumItems(items)).Error
}

func loadItem(tx *gorm.DB, orderID, itemID uint) (*model.OrderItem, error) {
	var it model.OrderItem
	if err := tx.Where("id = ? AND order_id = ?", itemID, orderID).First(&it).Error; err != nil {
		return nil, notFound(err, "order item %d", itemID)
	}
	return &it, nil
}
