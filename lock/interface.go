package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotHeld 释放或续期一把当前实例不持有的锁
var ErrNotHeld = errors.New("lock not held")

// DistributedLock 锁接口，单实例用 LocalLock，多实例共享用 RedisLock
type DistributedLock interface {
	// Lock 阻塞直到获取锁或 ctx 结束
	Lock(ctx context.Context, key string, ttl time.Duration) error

	// TryLock 立即返回，false 表示锁已被占用
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)

	Unlock(ctx context.Context, key string) error

	// Extend 延长锁的过期时间
	Extend(ctx context.Context, key string, ttl time.Duration) error

	Close() error
}
