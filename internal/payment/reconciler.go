// Package payment reconciles bank-transfer notifications with pending orders.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ticketing/internal/apperr"
	"ticketing/internal/db"
	"ticketing/internal/model"
	"ticketing/internal/monitoring"
	"ticketing/internal/order"
	rediskey "ticketing/pkg/redis"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Outcome is the terminal result of one notification.
type Outcome string

const (
	OutcomeMatched   Outcome = "matched"
	OutcomeUnmatched Outcome = "unmatched"
	OutcomeDuplicate Outcome = "duplicate"
)

// Result 描述一次 webhook 的处理结果。Ambiguous 表示同层级有多个候选，需要人工复核。
type Result struct {
	Outcome   Outcome  `json:"outcome"`
	Strategy  Strategy `json:"strategy"`
	Ambiguous bool     `json:"ambiguous"`
	OrderID   *uint    `json:"order_id"`
	PaymentID uint     `json:"payment_id"`
}

// Locker guards a reference code while one notification is in flight.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Unlock(ctx context.Context, key, token string) error
}

// CodeIssuer issues redemption codes once an order is paid.
type CodeIssuer interface {
	GenerateCodesForOrder(ctx context.Context, orderID uint) (int, error)
}

// PaidNotifier runs post-payment side effects such as emails.
type PaidNotifier interface {
	AfterPaid(ctx context.Context, orderID uint)
}

type Config struct {
	RefPrefix    string
	PoolWindow   time.Duration
	TightWindow  time.Duration
	LockTTL      time.Duration
	BankLocation *time.Location // 解析 transactionDate 的时区，默认 UTC+7
	Now          func() time.Time
}

// Deps are optional collaborators; nil ones are skipped.
type Deps struct {
	Locker   Locker
	Codes    CodeIssuer
	Notifier PaidNotifier
}

type Reconciler struct {
	db      *gorm.DB
	match   matcher
	lockTTL time.Duration
	bankLoc *time.Location
	now     func() time.Time
	deps    Deps
}

func NewReconciler(db *gorm.DB, cfg Config, deps Deps) *Reconciler {
	if cfg.RefPrefix == "" {
		cfg.RefPrefix = "TKT"
	}
	if cfg.PoolWindow <= 0 {
		cfg.PoolWindow = 24 * time.Hour
	}
	if cfg.TightWindow <= 0 {
		cfg.TightWindow = 30 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	if cfg.BankLocation == nil {
		cfg.BankLocation = DefaultBankLocation
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Reconciler{
		db:      db,
		match:   newMatcher(cfg.RefPrefix, cfg.PoolWindow, cfg.TightWindow),
		lockTTL: cfg.LockTTL,
		bankLoc: cfg.BankLocation,
		now:     cfg.Now,
		deps:    deps,
	}
}

// HandleIncomingPayment 处理一条转账通知：去重、匹配、落库并推进订单到 PAID。
// 发码与通知在提交之后执行，失败不会回滚支付。
func (r *Reconciler) HandleIncomingPayment(ctx context.Context, n Notification) (Result, error) {
	if err := n.Validate(); err != nil {
		return Result{}, err
	}
	ref := strings.TrimSpace(n.ReferenceCode)
	entry := log.WithFields(log.Fields{"reference_code": ref, "amount": n.TransferAmount.String()})

	if ref != "" && r.deps.Locker != nil {
		key := rediskey.WebhookRefLockKey(ref)
		token, ok, err := r.deps.Locker.TryLock(ctx, key, r.lockTTL)
		switch {
		case err != nil:
			// 唯一索引兜底，Redis 不可用时继续处理
			entry.WithError(err).Warn("webhook dedupe lock unavailable")
		case !ok:
			entry.Info("duplicate webhook in flight")
			monitoring.TrackReconcile(string(OutcomeDuplicate), string(StrategyNone))
			return Result{Outcome: OutcomeDuplicate, Strategy: StrategyNone}, nil
		default:
			defer func() {
				if errUnlock := r.deps.Locker.Unlock(context.WithoutCancel(ctx), key, token); errUnlock != nil {
					entry.WithError(errUnlock).Warn("release webhook dedupe lock")
				}
			}()
		}
	}

	if ref != "" {
		if res, found, err := r.existing(ctx, ref); err != nil || found {
			return res, err
		}
	}

	now := r.now()
	var res Result
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := r.match.find(tx, n.Content, n.TransferAmount, now)
		if err != nil {
			return err
		}
		p := n.toPayment(now, r.bankLoc)
		res = Result{Outcome: OutcomeUnmatched, Strategy: m.strategy, Ambiguous: m.ambiguous}

		if m.order != nil {
			errPaid := order.MarkPaid(tx, m.order.ID, now)
			switch {
			case errPaid == nil:
				id := m.order.ID
				p.OrderID = &id
				p.Status = model.PaymentSuccess
				res.Outcome = OutcomeMatched
				res.OrderID = &id
			case errors.Is(errPaid, apperr.ErrInvalidState):
				// 并发支付抢先完成了该订单，本笔记为未匹配等待人工处理
				entry.WithField("order_id", m.order.ID).Warn("matched order was paid concurrently, recording payment as unmatched")
				res.Strategy = StrategyNone
				res.Ambiguous = false
			default:
				return errPaid
			}
		}
		if err := tx.Create(&p).Error; err != nil {
			return err
		}
		res.PaymentID = p.ID
		return nil
	})
	if err != nil {
		if ref != "" && db.IsUniqueViolation(err) {
			return r.duplicateAfterRace(ctx, ref)
		}
		return Result{}, err
	}

	monitoring.TrackReconcile(string(res.Outcome), string(res.Strategy))
	fields := log.Fields{"payment_id": res.PaymentID, "outcome": res.Outcome, "strategy": res.Strategy}
	if res.OrderID != nil {
		fields["order_id"] = *res.OrderID
	}
	if res.Ambiguous {
		entry.WithFields(fields).Warn("payment matched by amount among several candidates, flag for manual review")
	} else {
		entry.WithFields(fields).Info("payment reconciled")
	}

	if res.Outcome == OutcomeMatched {
		r.afterPaid(ctx, *res.OrderID)
	}
	return res, nil
}

// existing 查询同一 referenceCode 是否已落库。
func (r *Reconciler) existing(ctx context.Context, ref string) (Result, bool, error) {
	var p model.Payment
	err := r.db.WithContext(ctx).Where("reference_code = ?", ref).Limit(1).Find(&p).Error
	if err != nil {
		return Result{}, false, err
	}
	if p.ID == 0 {
		return Result{}, false, nil
	}
	monitoring.TrackReconcile(string(OutcomeDuplicate), string(StrategyNone))
	log.WithFields(log.Fields{"reference_code": ref, "payment_id": p.ID}).Info("duplicate webhook ignored")
	return Result{Outcome: OutcomeDuplicate, Strategy: StrategyNone, OrderID: p.OrderID, PaymentID: p.ID}, true, nil
}

func (r *Reconciler) duplicateAfterRace(ctx context.Context, ref string) (Result, error) {
	res, found, err := r.existing(ctx, ref)
	if err != nil {
		return Result{}, err
	}
	if !found {
		return Result{}, fmt.Errorf("payment %s conflicted but cannot be found", ref)
	}
	return res, nil
}

// afterPaid 发码并触发通知。两者都只记录错误。
// 支付已提交，调用方断开连接也要继续执行。
func (r *Reconciler) afterPaid(ctx context.Context, orderID uint) {
	ctx = context.WithoutCancel(ctx)
	if r.deps.Codes != nil {
		if _, err := r.deps.Codes.GenerateCodesForOrder(ctx, orderID); err != nil {
			log.WithError(err).WithField("order_id", orderID).Error("generate redemption codes after payment")
		}
	}
	if r.deps.Notifier != nil {
		r.deps.Notifier.AfterPaid(ctx, orderID)
	}
}
