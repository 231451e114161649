package monitoring

import (
	"context"
	"runtime"
	"time"

	"ticketing/internal/model"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	orderTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketing_order_transitions_total",
			Help: "Order state transitions by target status",
		},
		[]string{"status"},
	)

	inventoryRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketing_inventory_rejections_total",
			Help: "Order creations rejected by the inventory ledger",
		},
		[]string{"reason"},
	)

	reconcileOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketing_payment_reconcile_total",
			Help: "Webhook payment reconciliation outcomes",
		},
		[]string{"outcome", "strategy"},
	)

	codesIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ticketing_redemption_codes_issued_total",
			Help: "Redemption codes created",
		},
	)

	checkins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketing_checkins_total",
			Help: "Check-in attempts by result",
		},
		[]string{"result"},
	)

	mailRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketing_mail_requests_total",
			Help: "Email requests handed to the mail queue",
		},
		[]string{"kind", "result"},
	)

	sweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ticketing_expiry_sweep_duration_seconds",
			Help:    "Duration of one expiry sweep",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
	)

	pendingOrders = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ticketing_pending_orders",
			Help: "Orders waiting for payment",
		},
	)

	unmatchedPayments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ticketing_unmatched_payments",
			Help: "Payments waiting for manual reconciliation",
		},
	)

	mailBacklog = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ticketing_mail_stream_length",
			Help: "Mail requests not yet relayed to Kafka",
		},
	)

	goroutineCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ticketing_active_goroutines",
			Help: "Current number of goroutines",
		},
	)
)

// TrackOrderTransition counts an order entering status.
func TrackOrderTransition(status model.OrderStatus) {
	orderTransitions.WithLabelValues(string(status)).Inc()
}

// TrackInventoryRejection counts a rejected reservation.
func TrackInventoryRejection(reason string) {
	inventoryRejections.WithLabelValues(reason).Inc()
}

// TrackReconcile counts one webhook outcome.
func TrackReconcile(outcome, strategy string) {
	reconcileOutcomes.WithLabelValues(outcome, strategy).Inc()
}

// TrackCodesIssued adds n issued redemption codes.
func TrackCodesIssued(n int) {
	if n > 0 {
		codesIssued.Add(float64(n))
	}
}

// TrackCheckin counts a check-in attempt.
func TrackCheckin(result string) {
	checkins.WithLabelValues(result).Inc()
}

// TrackMail counts a mail hand-off.
func TrackMail(kind, result string) {
	mailRequests.WithLabelValues(kind, result).Inc()
}

// ObserveSweep records the duration of an expiry sweep.
func ObserveSweep(d time.Duration) {
	sweepDuration.Observe(d.Seconds())
}

// Monitor samples backlog gauges from the database and the mail stream.
type Monitor struct {
	db       *gorm.DB
	redis    *redis.Client
	stream   string
	interval time.Duration
}

func NewMonitor(db *gorm.DB, redisClient *redis.Client, stream string, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{db: db, redis: redisClient, stream: stream, interval: interval}
}

// Run collects gauges until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.collect(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) collect(ctx context.Context) {
	if m.db != nil {
		var pending int64
		if err := m.db.WithContext(ctx).Model(&model.Order{}).
			Where("status IN ?", model.HoldingStatuses).Count(&pending).Error; err != nil {
			log.WithError(err).Debug("monitor: count pending orders")
		} else {
			pendingOrders.Set(float64(pending))
		}

		var unmatched int64
		if err := m.db.WithContext(ctx).Model(&model.Payment{}).
			Where("order_id IS NULL AND status = ?", model.PaymentPending).Count(&unmatched).Error; err != nil {
			log.WithError(err).Debug("monitor: count unmatched payments")
		} else {
			unmatchedPayments.Set(float64(unmatched))
		}
	}

	if m.redis != nil && m.stream != "" {
		if n, err := m.redis.XLen(ctx, m.stream).Result(); err == nil {
			mailBacklog.Set(float64(n))
		}
	}

	goroutineCount.Set(float64(runtime.NumGoroutine()))
}
