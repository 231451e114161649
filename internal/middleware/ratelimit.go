package middleware

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	rediskey "ticketing/pkg/redis"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// luaRateLimit：Redis 滑动窗口限流 Lua 脚本（原子操作）
// KEYS[1]=限流key，ARGV[1]=当前毫秒时间戳，ARGV[2]=窗口开始毫秒时间戳，ARGV[3]=过期秒数
// ARGV[4]=本次请求的 member，ARGV[5]=窗口内上限
// 返回：当前窗口内的请求数（超限返回 -1）
const luaRateLimit = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local windowStart = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
local member = ARGV[4]

-- 删除窗口外的旧记录
redis.call('ZREMRANGEBYSCORE', key, '0', windowStart)

local count = redis.call('ZCARD', key)

if count < tonumber(ARGV[5]) then
  redis.call('ZADD', key, now, member)
  redis.call('EXPIRE', key, ttl)
  return count + 1
else
  return -1
end
`

// RateLimiter 按接口分组 + 客户端 IP 做滑动窗口限流。
type RateLimiter struct {
	rdb    rd.Cmdable
	scope  string
	limit  int
	window time.Duration
	now    func() time.Time
	seq    atomic.Uint64
}

func NewRateLimiter(rdb rd.Cmdable, scope string, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{rdb: rdb, scope: scope, limit: limit, window: window, now: time.Now}
}

// Handler Redis 出错时放行（降级策略）。
func (l *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := rediskey.RateLimitKey(l.scope, c.ClientIP())

		now := l.now().UnixMilli()
		windowStart := now - l.window.Milliseconds()
		ttl := int64(l.window.Seconds())
		if ttl < 1 {
			ttl = 1
		}
		member := fmt.Sprintf("%d-%d", now, l.seq.Add(1))

		res, err := l.rdb.Eval(c.Request.Context(), luaRateLimit, []string{key},
			now, windowStart, ttl, member, l.limit).Int()
		if err != nil {
			log.WithError(err).WithField("scope", l.scope).Warn("rate limit unavailable")
			c.Next()
			return
		}

		if res < 0 {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code": 429,
				"msg":  "too many requests, retry later",
			})
			return
		}
		c.Next()
	}
}
