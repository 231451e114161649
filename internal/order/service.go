// Package order owns the order state machine and its inventory holds.
package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ticketing/internal/apperr"
	"ticketing/internal/inventory"
	"ticketing/internal/model"
	"ticketing/internal/monitoring"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultReservationWindow = 15 * time.Minute

// Role is the caller's role, resolved once per request by the auth layer.
type Role string

const (
	RoleSuperAdmin     Role = "SUPERADMIN"
	RoleOwnerOrganizer Role = "OWNER_ORGANIZER"
	RoleAdminOrganizer Role = "ADMIN_ORGANIZER"
	RoleUser           Role = "USER"
)

// Privileged reports whether the role may see and reconcile every order.
func (r Role) Privileged() bool {
	return r == RoleSuperAdmin || r == RoleOwnerOrganizer || r == RoleAdminOrganizer
}

// Service 负责订单创建、取消、过期以及行项目增删改。
type Service struct {
	db     *gorm.DB
	window time.Duration
	now    func() time.Time
}

type Option func(*Service)

// WithReservationWindow sets the default time an order may stay unpaid.
func WithReservationWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.window = d
		}
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(db *gorm.DB, opts ...Option) *Service {
	s := &Service{
		db:     db,
		window: defaultReservationWindow,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ItemInput is one requested line: a ticket type and how many units.
type ItemInput struct {
	TicketTypeID uint `json:"ticket_type_id" binding:"required,min=1"`
	Quantity     int  `json:"quantity" binding:"required,min=1"`
}

type CreateOrderInput struct {
	UserID         uint        `json:"user_id" binding:"required,min=1"`
	OrganizationID uint        `json:"organization_id" binding:"required,min=1"`
	EventID        *uint       `json:"event_id"`
	Items          []ItemInput `json:"items" binding:"required,min=1,dive"`
}

// Expiration reports whether an order's reservation is still valid.
type Expiration struct {
	OrderID          uint              `json:"order_id"`
	Status           model.OrderStatus `json:"status"`
	Expired          bool              `json:"expired"`
	ReservedUntil    *time.Time        `json:"reserved_until"`
	RemainingSeconds int64             `json:"remaining_seconds"`
}

// NewOrderNo 生成转账附言里使用的订单号，只含大写字母和数字。
func NewOrderNo() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:16]
}

// CreateOrder 在一个事务内：校验票种、逐项扣减库存、快照单价、写订单和行项目。
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (*model.Order, error) {
	if in.UserID == 0 || in.OrganizationID == 0 {
		return nil, fmt.Errorf("%w: user_id and organization_id are required", apperr.ErrInvalidInput)
	}
	if len(in.Items) == 0 {
		return nil, fmt.Errorf("%w: order needs at least one item", apperr.ErrInvalidInput)
	}
	for _, it := range in.Items {
		if it.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity must be > 0", apperr.ErrInvalidInput)
		}
	}

	now := s.now()
	ord := &model.Order{
		CreatedAt:      now,
		OrderNo:        NewOrderNo(),
		UserID:         in.UserID,
		OrganizationID: in.OrganizationID,
		EventID:        in.EventID,
		Status:         model.OrderPending,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		window := s.window
		if in.EventID != nil {
			var ev model.Event
			if err := tx.First(&ev, *in.EventID).Error; err != nil {
				return notFound(err, "event %d", *in.EventID)
			}
			if ev.ReservationMinutes > 0 {
				window = time.Duration(ev.ReservationMinutes) * time.Minute
			}
		}
		deadline := now.Add(window)
		ord.ReservedUntil = &deadline

		items := make([]model.OrderItem, 0, len(in.Items))
		for _, it := range in.Items {
			tt, err := loadSellable(tx, it.TicketTypeID, in.EventID)
			if err != nil {
				return err
			}
			if err := inventory.Reserve(tx, tt.ID, it.Quantity); err != nil {
				monitoring.TrackInventoryRejection("insufficient")
				return err
			}
			items = append(items, model.OrderItem{
				CreatedAt:    now,
				TicketTypeID: tt.ID,
				Quantity:     it.Quantity,
				Price:        tt.Price,
			})
		}
		ord.Items = items
		ord.TotalAmount = model.SumItems(items)

		return tx.Create(ord).Error
	})
	if err != nil {
		return nil, err
	}

	monitoring.TrackOrderTransition(model.OrderPending)
	log.WithFields(log.Fields{
		"order_id": ord.ID,
		"order_no": ord.OrderNo,
		"total":    ord.TotalAmount.String(),
	}).Info("order created")
	return ord, nil
}

// loadSellable 读取票种并确认可售；eventID 非空时票种必须属于该活动。
func loadSellable(tx *gorm.DB, ticketTypeID uint, eventID *uint) (*model.TicketType, error) {
	var tt model.TicketType
	if err := tx.First(&tt, ticketTypeID).Error; err != nil {
		return nil, notFound(err, "ticket type %d", ticketTypeID)
	}
	if tt.Status != model.TicketActive {
		monitoring.TrackInventoryRejection("inactive")
		return nil, fmt.Errorf("%w: %s", apperr.ErrNotActive, tt.Name)
	}
	if eventID != nil && tt.EventID != *eventID {
		return nil, fmt.Errorf("%w: ticket type %d does not belong to event %d", apperr.ErrInvalidInput, tt.ID, *eventID)
	}
	return &tt, nil
}

// GetOrder returns the order with items, ticket types, codes, payments, buyer and event.
func (s *Service) GetOrder(ctx context.Context, id uint) (*model.Order, error) {
	var ord model.Order
	err := s.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Preload("Items.TicketType").
		Preload("Items.Codes", func(db *gorm.DB) *gorm.DB { return db.Order("seq ASC") }).
		Preload("Payments").
		Preload("User").
		Preload("Event").
		First(&ord, id).Error
	if err != nil {
		return nil, notFound(err, "order %d", id)
	}
	return &ord, nil
}

// ListOrders 管理员看全部订单，普通用户只看自己的，按创建时间倒序。
func (s *Service) ListOrders(ctx context.Context, userID uint, role Role) ([]model.Order, error) {
	q := s.db.WithContext(ctx).
		Preload("Items.TicketType").
		Preload("Event").
		Order("created_at DESC, id DESC")
	if !role.Privileged() {
		q = q.Where("user_id = ?", userID)
	}
	var list []model.Order
	if err := q.Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

// CancelOrder 仅允许 PENDING/RESERVED；状态与库存回补在同一事务内完成。
func (s *Service) CancelOrder(ctx context.Context, id uint) (*model.Order, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := transition(tx, id, model.OrderCancelled, map[string]any{}, nil)
		if err != nil {
			return err
		}
		if !ok {
			return stateError(tx, id, "cancel")
		}
		return releaseItems(tx, id)
	})
	if err != nil {
		return nil, err
	}
	monitoring.TrackOrderTransition(model.OrderCancelled)
	log.WithField("order_id", id).Info("order cancelled")
	return s.GetOrder(ctx, id)
}

// MarkPaid 把仍在保留期内状态的订单置为 PAID，并清空 reserved_until 使其不再被扫描。
// 必须在调用方事务中执行；订单已不可支付时返回 ErrInvalidState。
func MarkPaid(tx *gorm.DB, orderID uint, now time.Time) error {
	ok, err := transition(tx, orderID, model.OrderPaid, map[string]any{
		"paid_at":        now,
		"reserved_until": nil,
	}, nil)
	if err != nil {
		return err
	}
	if !ok {
		return stateError(tx, orderID, "pay")
	}
	return nil
}

// ExpireExpiredOrders 逐单过期；单个订单失败只记录日志，不影响其余订单。
func (s *Service) ExpireExpiredOrders(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { monitoring.ObserveSweep(time.Since(start)) }()

	now := s.now()
	var ids []uint
	err := s.db.WithContext(ctx).Model(&model.Order{}).
		Where("status IN ? AND reserved_until IS NOT NULL AND reserved_until < ?", model.HoldingStatuses, now).
		Order("reserved_until ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("list expired orders: %w", err)
	}

	expired := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		ok, err := s.expireOne(ctx, id, now)
		if err != nil {
			log.WithError(err).WithField("order_id", id).Warn("expire order failed")
			continue
		}
		if ok {
			expired++
		}
	}
	if expired > 0 {
		log.WithField("count", expired).Info("expired stale orders")
	}
	return expired, nil
}

func (s *Service) expireOne(ctx context.Context, id uint, now time.Time) (bool, error) {
	var expired bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := transition(tx, id, model.OrderExpired, map[string]any{},
			func(q *gorm.DB) *gorm.DB { return q.Where("reserved_until IS NOT NULL AND reserved_until < ?", now) })
		if err != nil || !ok {
			return err
		}
		expired = true
		return releaseItems(tx, id)
	})
	if err == nil && expired {
		monitoring.TrackOrderTransition(model.OrderExpired)
	}
	return expired, err
}

// CheckOrderExpiration 过期的订单会立即触发一次扫描，否则返回剩余保留时间。
func (s *Service) CheckOrderExpiration(ctx context.Context, id uint) (Expiration, error) {
	var ord model.Order
	if err := s.db.WithContext(ctx).First(&ord, id).Error; err != nil {
		return Expiration{}, notFound(err, "order %d", id)
	}

	now := s.now()
	out := Expiration{OrderID: ord.ID, Status: ord.Status, ReservedUntil: ord.ReservedUntil}
	switch {
	case ord.Status == model.OrderExpired:
		out.Expired = true
	case ord.Status.Holding() && ord.ReservedUntil != nil && ord.ReservedUntil.Before(now):
		if _, err := s.ExpireExpiredOrders(ctx); err != nil {
			return Expiration{}, err
		}
		out.Expired = true
		out.Status = model.OrderExpired
	case ord.Status.Holding() && ord.ReservedUntil != nil:
		out.RemainingSeconds = int64(ord.ReservedUntil.Sub(now) / time.Second)
	}
	return out, nil
}

// transition 条件更新：只有当前状态仍是 PENDING/RESERVED 时才写入目标状态。
// 返回 false 表示没有行被更新（状态已变化或订单不存在）。
func transition(tx *gorm.DB, id uint, to model.OrderStatus, fields map[string]any, scope func(*gorm.DB) *gorm.DB) (bool, error) {
	fields["status"] = to
	q := tx.Model(&model.Order{}).Where("id = ? AND status IN ?", id, model.HoldingStatuses)
	if scope != nil {
		q = scope(q)
	}
	res := q.Updates(fields)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// releaseItems 归还订单全部行项目占用的库存。
func releaseItems(tx *gorm.DB, orderID uint) error {
	var items []model.OrderItem
	if err := tx.Where("order_id = ?", orderID).Find(&items).Error; err != nil {
		return err
	}
	for _, it := range items {
		if err := inventory.Release(tx, it.TicketTypeID, it.Quantity); err != nil {
			return err
		}
	}
	return nil
}

// stateError distinguishes a missing order from one in the wrong state.
func stateError(tx *gorm.DB, id uint, op string) error {
	var ord model.Order
	if err := tx.Select("id", "status").First(&ord, id).Error; err != nil {
		return notFound(err, "order %d", id)
	}
	return fmt.Errorf("%w: cannot %s order with status %s", apperr.ErrInvalidState, op, ord.Status)
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", apperr.ErrNotFound, fmt.Sprintf(format, args...))
	}
	return err
}
