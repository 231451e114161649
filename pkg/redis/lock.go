package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
)

// luaReleaseIfMatch 仅当锁值匹配 token 时才删除，避免误删别人重新拿到的锁。
const luaReleaseIfMatch = `
local lockKey = KEYS[1]
local token = ARGV[1]
if redis.call('GET', lockKey) == token then
  return redis.call('DEL', lockKey)
end
return 0
`

// Locks 是基于 SET NX 的短期互斥锁。
type Locks struct {
	rdb      rd.Cmdable
	newToken func() string
}

func NewLocks(rdb rd.Cmdable) *Locks {
	return &Locks{rdb: rdb, newToken: uuid.NewString}
}

// TryLock 尝试占用 key。ok=false 表示已被其他请求持有。
func (l *Locks) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := l.newToken()
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// Unlock 安全释放锁。
func (l *Locks) Unlock(ctx context.Context, key, token string) error {
	_, err := l.rdb.Eval(ctx, luaReleaseIfMatch, []string{key}, token).Int()
	return err
}
