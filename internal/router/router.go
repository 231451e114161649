package router

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"ticketing/internal/apperr"
	"ticketing/internal/checkin"
	"ticketing/internal/eventsettings"
	"ticketing/internal/inventory"
	"ticketing/internal/middleware"
	"ticketing/internal/notify"
	"ticketing/internal/order"
	"ticketing/internal/payment"
	"ticketing/internal/redemption"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	rd "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Deps 路由依赖的服务。限流中间件为 nil 时跳过。
type Deps struct {
	DB    *gorm.DB
	Redis rd.Cmdable

	Orders   *order.Service
	Ledger   *inventory.Ledger
	Payments *payment.Reconciler
	Codes    *redemption.Generator
	Checkin  *checkin.Validator
	Settings *eventsettings.Service
	Mailer   *notify.Mailer

	AdminToken    string
	WebhookAPIKey string
	WebhookLimit  gin.HandlerFunc
	CheckinLimit  gin.HandlerFunc
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps) {
	r.GET("/health", health(d.DB, d.Redis))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	admin := middleware.AdminToken(d.AdminToken)

	// Orders
	api.POST("/orders", createOrder(d.Orders))
	api.GET("/orders", listOrders(d.Orders))
	api.GET("/orders/:id", getOrder(d.Orders))
	api.POST("/orders/:id/cancel", cancelOrder(d.Orders))
	api.GET("/orders/:id/expiration", checkExpiration(d.Orders))
	api.POST("/orders/:id/items", addItem(d.Orders))
	api.PUT("/orders/:id/items/:item_id", updateItem(d.Orders))
	api.DELETE("/orders/:id/items/:item_id", deleteItem(d.Orders))
	api.POST("/orders/:id/emails/tickets", admin, sendTicketEmail(d.Mailer))
	api.POST("/orders/:id/emails/confirmation", admin, sendConfirmationEmail(d.Mailer))
	api.POST("/admin/orders/expire", admin, expireOrders(d.Orders))

	api.GET("/ticket-types/:id/inventory", inventorySnapshot(d.Ledger))

	// Payments
	api.POST("/payments/webhook/sepay", chain(middleware.WebhookAPIKey(d.WebhookAPIKey), d.WebhookLimit, webhook(d.Payments))...)
	pay := api.Group("/payments", admin)
	pay.GET("/unmatched", unmatchedPayments(d.Payments))
	pay.GET("/pending-orders", pendingOrders(d.Payments))
	pay.POST("/match/:order_id", matchPayment(d.Payments))
	pay.GET("/order/:order_id", paymentByOrder(d.Payments))
	pay.POST("", recordPayment(d.Payments))
	pay.PATCH("/:id", updatePayment(d.Payments))
	pay.DELETE("/:id", deletePayment(d.Payments))

	// Check-in
	api.POST("/checkin/verify-qr", chain(d.CheckinLimit, verifyQR(d.Checkin))...)
	api.GET("/checkin/logs", checkinLogs(d.Checkin))
	api.GET("/checkin/stats/:event_id", checkinStats(d.Checkin))

	// Redemption codes
	codes := api.Group("/order-item-codes", admin)
	codes.GET("", listCodes(d.Codes))
	codes.PATCH("/:id", setCodeActive(d.Codes))
	api.GET("/orders/:id/tickets", renderTickets(d.Codes))
	api.POST("/orders/:id/codes", admin, issueCodes(d.Codes))

	// Event settings
	settings := api.Group("/events/:event_id/settings", admin)
	settings.GET("", getSettings(d.Settings))
	settings.PUT("", updateSettings(d.Settings))
}

// chain 过滤掉未配置的中间件。
func chain(handlers ...gin.HandlerFunc) []gin.HandlerFunc {
	out := make([]gin.HandlerFunc, 0, len(handlers))
	for _, h := range handlers {
		if h != nil {
			out = append(out, h)
		}
	}
	return out
}

func health(db *gorm.DB, rdb rd.Cmdable) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		status := gin.H{"db": "ok"}
		code := http.StatusOK
		if sqlDB, err := db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
			status["db"] = "down"
			code = http.StatusServiceUnavailable
		}
		if rdb != nil {
			status["redis"] = "ok"
			if err := rdb.Ping(ctx).Err(); err != nil {
				// Redis 只影响去重与限流，不判定为不健康
				status["redis"] = "degraded"
			}
		}
		c.JSON(code, gin.H{"code": 0, "data": status})
	}
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": data})
}

// fail 按错误类型映射状态码，未知错误不向外暴露细节。
func fail(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
		msg = "internal error"
	}
	c.JSON(status, gin.H{"code": status, "msg": msg})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": msg})
}

// paramID 解析路径中的无符号 ID，失败时已写回 400。
func paramID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		badRequest(c, name+" is invalid")
		return 0, false
	}
	return uint(id), true
}
