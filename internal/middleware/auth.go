package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// AdminToken 要求 X-Admin-Token 与配置一致。
func AdminToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" || !equal(c.GetHeader("X-Admin-Token"), token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "invalid admin token"})
			return
		}
		c.Next()
	}
}

// WebhookAPIKey 校验网关回调的 "Authorization: Apikey <key>"。key 为空时不校验。
func WebhookAPIKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}
		scheme, got, _ := strings.Cut(strings.TrimSpace(c.GetHeader("Authorization")), " ")
		if !strings.EqualFold(scheme, "Apikey") || !equal(strings.TrimSpace(got), key) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "invalid api key"})
			return
		}
		c.Next()
	}
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
