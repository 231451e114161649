package order

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

const defaultSweepInterval = 5 * time.Minute

// CodeRepairer reissues redemption codes that were lost after payment.
type CodeRepairer interface {
	IssueMissingCodes(ctx context.Context) (int, error)
}

// Sweeper periodically expires orders whose reservation deadline has passed.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	repair   CodeRepairer
}

func NewSweeper(svc *Service, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{svc: svc, interval: interval}
}

// WithCodeRepair 每轮扫描后顺带补发已支付订单缺失的核销码。
func (w *Sweeper) WithCodeRepair(r CodeRepairer) *Sweeper {
	w.repair = r
	return w
}

// Run sweeps immediately and then on every interval until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context) {
	log.Infof("order expiry sweeper started (interval=%s)", w.interval)
	for {
		if ctx.Err() != nil {
			return
		}
		w.sweepOnce(ctx)
		timer := time.NewTimer(w.interval)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
	}
}

func (w *Sweeper) sweepOnce(ctx context.Context) {
	if _, err := w.svc.ExpireExpiredOrders(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Warn("order expiry sweep failed")
	}
	if w.repair == nil {
		return
	}
	if _, err := w.repair.IssueMissingCodes(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Warn("redemption code repair failed")
	}
}
