package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ============================================================================
// 用户队列锁
// ============================================================================
//
// 同一用户的两次 processSyncQueue 并发执行时，领取阶段的条件更新已经保证
// 不会重复处理同一条记录。这把锁只是把同一用户的批处理串行化，减少无效的领取竞争。
// 拿不到锁（超时或 Redis 不可用）时调用方继续执行。
//
// 加锁：SET key value NX EX ttl
// 释放：Lua 脚本比较 value 后删除，不会删掉过期后被别人重新持有的锁
//
// ============================================================================

var ErrLockFailed = errors.New("获取分布式锁失败")

const unlockScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`

type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string // 持有者标识
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

// TryLock 非阻塞加锁
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock 带重试的加锁
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

// Unlock 只删除自己持有的锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	return l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Err()
}

func UserQueueLockKey(userID string) string {
	return fmt.Sprintf("sync:lock:user:%s", userID)
}

// UserQueueLocker 按用户维度的批处理锁
type UserQueueLocker struct {
	client        *redis.Client
	ttl           time.Duration
	retryInterval time.Duration
	maxRetries    int
}

func NewUserQueueLocker(client *redis.Client, ttl time.Duration) *UserQueueLocker {
	return &UserQueueLocker{
		client:        client,
		ttl:           ttl,
		retryInterval: 100 * time.Millisecond,
		maxRetries:    30,
	}
}

// WithRetry 调整加锁重试参数
func (l *UserQueueLocker) WithRetry(interval time.Duration, maxRetries int) *UserQueueLocker {
	l.retryInterval = interval
	l.maxRetries = maxRetries
	return l
}

// Acquire 加锁成功时返回释放函数
func (l *UserQueueLocker) Acquire(ctx context.Context, userID string) (func(), error) {
	lk := NewDistributedLock(l.client, UserQueueLockKey(userID), uuid.NewString(), l.ttl)
	if err := lk.Lock(ctx, l.retryInterval, l.maxRetries); err != nil {
		return nil, err
	}
	return func() {
		// 请求 ctx 可能已经取消，释放使用独立的超时
		releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = lk.Unlock(releaseCtx)
	}, nil
}
