package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// 加锁：SET key value NX EX，value 标识持有者
// 解锁：Lua 脚本比对 value 后再 DEL，避免锁过期后误删别人的锁

var ErrLockFailed = errors.New("获取分布式锁失败")

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// DistributedLock 基于 Redis 的分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 非阻塞获取锁
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock 带重试的阻塞获取
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Unlock 只释放自己持有的锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	return unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Err()
}

// NewPurchaseLock 按用户维度的余额扣款锁，同一用户的购买串行
func NewPurchaseLock(client *redis.Client, userID int64, requestID string) *DistributedLock {
	key := fmt.Sprintf("pay:lock:user:%d", userID)
	return NewDistributedLock(client, key, requestID, 30*time.Second)
}

// NewJobLock 多实例部署时保证同一个定时任务同一时刻只有一个实例在跑
func NewJobLock(client *redis.Client, jobName string, expiration time.Duration) *DistributedLock {
	return NewDistributedLock(client, "job:lock:"+jobName, uuid.NewString(), expiration)
}
