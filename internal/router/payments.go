package router

import (
	"net/http"

	"ticketing/internal/payment"

	"github.com/gin-gonic/gin"
)

// webhook 网关回调。重复通知同样返回 200，避免网关重试。
func webhook(r *payment.Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var n payment.Notification
		if err := c.ShouldBindJSON(&n); err != nil {
			badRequest(c, err.Error())
			return
		}
		res, err := r.HandleIncomingPayment(c.Request.Context(), n)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "success": true, "data": res})
	}
}

func unmatchedPayments(r *payment.Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var page payment.Page
		if err := c.ShouldBindQuery(&page); err != nil {
			badRequest(c, err.Error())
			return
		}
		list, err := r.GetUnmatchedPayments(c.Request.Context(), page)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, list)
	}
}

func pendingOrders(r *payment.Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var page payment.Page
		if err := c.ShouldBindQuery(&page); err != nil {
			badRequest(c, err.Error())
			return
		}
		list, err := r.GetPendingOrders(c.Request.Context(), page)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, list)
	}
}

func matchPayment(r *payment.Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "order_id")
		if !valid {
			return
		}
		res, err := r.MatchPaymentWithOrder(c.Request.Context(), id)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, res)
	}
}

func paymentByOrder(r *payment.Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "order_id")
		if !valid {
			return
		}
		p, err := r.GetPaymentByOrder(c.Request.Context(), id)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, p)
	}
}

func recordPayment(r *payment.Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req payment.ManualPayment
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		p, err := r.RecordPayment(c.Request.Context(), req)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, p)
	}
}

func updatePayment(r *payment.Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		var req payment.PaymentUpdate
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		p, err := r.UpdatePayment(c.Request.Context(), id, req)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, p)
	}
}

func deletePayment(r *payment.Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		if err := r.DeletePayment(c.Request.Context(), id); err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{"deleted": id})
	}
}
