package router

import (
	"strconv"

	"ticketing/internal/inventory"
	"ticketing/internal/notify"
	"ticketing/internal/order"
	"ticketing/internal/redemption"

	"github.com/gin-gonic/gin"
)

func createOrder(svc *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req order.CreateOrderInput
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		ord, err := svc.CreateOrder(c.Request.Context(), req)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, ord)
	}
}

// listOrders 调用方身份由上游认证层通过 user_id/role 传入。
func listOrders(svc *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var q struct {
			UserID uint   `form:"user_id"`
			Role   string `form:"role"`
		}
		if err := c.ShouldBindQuery(&q); err != nil {
			badRequest(c, err.Error())
			return
		}
		role := order.Role(q.Role)
		if role == "" {
			role = order.RoleUser
		}
		if !role.Privileged() && q.UserID == 0 {
			badRequest(c, "user_id is required")
			return
		}
		list, err := svc.ListOrders(c.Request.Context(), q.UserID, role)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, list)
	}
}

func getOrder(svc *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		ord, err := svc.GetOrder(c.Request.Context(), id)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, ord)
	}
}

func cancelOrder(svc *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		ord, err := svc.CancelOrder(c.Request.Context(), id)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, ord)
	}
}

func checkExpiration(svc *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		exp, err := svc.CheckOrderExpiration(c.Request.Context(), id)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, exp)
	}
}

func addItem(svc *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		var req order.ItemInput
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		ord, err := svc.AddItem(c.Request.Context(), id, req)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, ord)
	}
}

func updateItem(svc *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		itemID, valid := paramID(c, "item_id")
		if !valid {
			return
		}
		var req struct {
			Quantity int `json:"quantity" binding:"required,min=1"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		ord, err := svc.UpdateItem(c.Request.Context(), id, itemID, req.Quantity)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, ord)
	}
}

func deleteItem(svc *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		itemID, valid := paramID(c, "item_id")
		if !valid {
			return
		}
		ord, err := svc.DeleteItem(c.Request.Context(), id, itemID)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, ord)
	}
}

// expireOrders 手动触发一次过期扫描，与后台 Sweeper 幂等。
func expireOrders(svc *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := svc.ExpireExpiredOrders(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{"expired": n})
	}
}

func inventorySnapshot(l *inventory.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		snap, err := l.Snapshot(c.Request.Context(), id)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, snap)
	}
}

func sendTicketEmail(m *notify.Mailer) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		res, err := m.SendTicketEmail(c.Request.Context(), id)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, res)
	}
}

func sendConfirmationEmail(m *notify.Mailer) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		res, err := m.SendOrderConfirmationEmail(c.Request.Context(), id)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, res)
	}
}

// issueCodes 手动补发已支付订单缺失的核销码，重复调用不会多发。
func issueCodes(g *redemption.Generator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		n, err := g.GenerateCodesForOrder(c.Request.Context(), id)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{"order_id": id, "created": n})
	}
}

func renderTickets(g *redemption.Generator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		tickets, err := g.RenderPayloads(c.Request.Context(), id)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, tickets)
	}
}

func listCodes(g *redemption.Generator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var itemID uint64
		if v := c.Query("order_item_id"); v != "" {
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				badRequest(c, "order_item_id is invalid")
				return
			}
			itemID = n
		}
		list, err := g.ListCodes(c.Request.Context(), uint(itemID))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, list)
	}
}

func setCodeActive(g *redemption.Generator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		var req struct {
			Active *bool `json:"active" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		code, err := g.SetActive(c.Request.Context(), id, *req.Active)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, code)
	}
}
