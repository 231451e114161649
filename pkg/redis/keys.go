package redis

import "fmt"

// WebhookRefLockKey 标记某个转账 referenceCode 正在被处理。
func WebhookRefLockKey(referenceCode string) string {
	return fmt.Sprintf("ticketing:webhook:ref:%s", referenceCode)
}

// RateLimitKey 按接口分组与客户端 IP 限流。
func RateLimitKey(scope, clientIP string) string {
	return fmt.Sprintf("ticketing:rate_limit:%s:ip:%s", scope, clientIP)
}
